package audio

import (
	"bytes"
	"encoding/binary"
)

// PCM16ToWAV wraps raw PCM samples in a minimal WAV (RIFF) container, per
// spec.md §4.1's pcm16_to_wav(bytes, hz, channels, bits) -> bytes.
func PCM16ToWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// NewWavBuffer wraps pcm (mono, 16-bit) at sampleRate, the shape every
// existing STT provider call site uses.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	return PCM16ToWAV(pcm, sampleRate, 1, 16)
}

// DurationSeconds returns the playback duration of raw PCM audio, per
// spec.md §4.1's duration_seconds(bytes, hz, channels, bits) -> float.
func DurationSeconds(pcm []byte, sampleRate, channels, bitsPerSample int) float64 {
	blockAlign := channels * bitsPerSample / 8
	if sampleRate <= 0 || blockAlign <= 0 {
		return 0
	}
	return float64(len(pcm)) / float64(sampleRate*blockAlign)
}
