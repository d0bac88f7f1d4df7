package audio

import (
	"encoding/binary"
	"testing"
)

func TestMuLawRoundTrip_IsApproximatelyLossless(t *testing.T) {
	pcm := make([]byte, 0, 200)
	for _, s := range []int16{0, 1000, -1000, 16000, -16000, 32000, -32000} {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(s))
		pcm = append(pcm, b...)
	}

	encoded := MuLawEncode(pcm)
	decoded := MuLawDecode(encoded)

	if len(decoded) != len(pcm) {
		t.Fatalf("expected round-trip to preserve sample count, got %d vs %d", len(decoded), len(pcm))
	}

	for i := 0; i < len(pcm); i += 2 {
		orig := int16(binary.LittleEndian.Uint16(pcm[i:]))
		got := int16(binary.LittleEndian.Uint16(decoded[i:]))
		diff := int(orig) - int(got)
		if diff < 0 {
			diff = -diff
		}
		// mu-law is lossy quantization; tolerate the compander's error.
		if diff > 1000 {
			t.Fatalf("sample %d: expected %d within 1000 of %d, diff=%d", i/2, got, orig, diff)
		}
	}
}

func TestResamplePCM16_UpsamplesToExpectedLength(t *testing.T) {
	pcm := make([]byte, 8000*2) // 1 second @ 8kHz
	up := ResamplePCM16(pcm, 8000, 16000)
	if len(up) != 16000*2 {
		t.Fatalf("expected 1 second @ 16kHz (%d bytes), got %d", 16000*2, len(up))
	}
}

func TestResamplePCM16_NoopWhenRatesMatch(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	out := ResamplePCM16(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("expected passthrough, got len %d", len(out))
	}
}
