package audio

import "encoding/binary"

// µ-law <-> PCM16 and linear resampling, used at the transport boundary
// (pkg/transport) to convert PSTN carrier audio (µ-law/8kHz) to and from
// the internal 16kHz PCM16 pipeline, per spec.md §4.9.

var muLawDecodeTable = buildMuLawDecodeTable()

func buildMuLawDecodeTable() [256]int16 {
	var table [256]int16
	for i := 0; i < 256; i++ {
		table[i] = muLawDecodeSample(byte(i))
	}
	return table
}

func muLawDecodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	sample := (int32(mantissa) << 3) + 0x84
	sample <<= exponent
	sample -= 0x84

	if sign != 0 {
		sample = -sample
	}
	if sample > 32767 {
		sample = 32767
	}
	if sample < -32768 {
		sample = -32768
	}
	return int16(sample)
}

// MuLawDecode converts µ-law encoded bytes to little-endian PCM16 bytes.
func MuLawDecode(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(muLawDecodeTable[b]))
	}
	return out
}

const (
	muLawBias = 0x84
	muLawClip = 32635
)

func muLawEncodeSample(sample int16) byte {
	s := int32(sample)
	sign := byte(0x00)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); (s&mask) == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (uint(exponent) + 3)) & 0x0F)
	encoded := ^(sign | (exponent << 4) | mantissa)
	return encoded
}

// MuLawEncode converts little-endian PCM16 bytes to µ-law encoded bytes.
func MuLawEncode(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = muLawEncodeSample(sample)
	}
	return out
}

// ResamplePCM16 linearly resamples little-endian mono PCM16 audio from
// inRate to outRate. Adequate for voice-band speech; not a replacement for
// a proper polyphase resampler, but the teacher's WAV/VAD code is likewise
// a straightforward, dependency-free DSP implementation.
func ResamplePCM16(pcm []byte, inRate, outRate int) []byte {
	if inRate == outRate || len(pcm) < 2 {
		return pcm
	}

	inSamples := len(pcm) / 2
	outSamples := int(float64(inSamples) * float64(outRate) / float64(inRate))
	if outSamples <= 0 {
		return nil
	}

	out := make([]byte, outSamples*2)
	ratio := float64(inSamples-1) / float64(outSamples-1)
	if outSamples == 1 {
		ratio = 0
	}

	for i := 0; i < outSamples; i++ {
		pos := ratio * float64(i)
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
		s1 := s0
		if idx+1 < inSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:]))
		}

		interpolated := float64(s0) + frac*float64(s1-s0)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(interpolated)))
	}
	return out
}
