package audio

import (
	"bytes"
	"testing"
)

func TestNewWavBuffer(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	sampleRate := 44100
	wav := NewWavBuffer(pcm, sampleRate)

	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Errorf("Expected RIFF prefix")
	}

	if !bytes.Contains(wav, []byte("WAVE")) {
		t.Errorf("Expected WAVE format identifier")
	}

	expectedLen := 44 + len(pcm)
	if len(wav) != expectedLen {
		t.Errorf("Expected length %d, got %d", expectedLen, len(wav))
	}
}

func TestPCM16ToWAVStereo(t *testing.T) {
	pcm := make([]byte, 400) // 100 stereo 16-bit frames
	wav := PCM16ToWAV(pcm, 16000, 2, 16)

	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Errorf("expected RIFF prefix")
	}
	if len(wav) != 44+len(pcm) {
		t.Errorf("expected length %d, got %d", 44+len(pcm), len(wav))
	}
	// channel count lives at byte offset 22 (little-endian uint16)
	if wav[22] != 2 || wav[23] != 0 {
		t.Errorf("expected channel count 2 in fmt chunk, got %d %d", wav[22], wav[23])
	}
}

func TestDurationSeconds(t *testing.T) {
	// 1 second of mono 16-bit audio at 16kHz is 32000 bytes.
	pcm := make([]byte, 32000)
	got := DurationSeconds(pcm, 16000, 1, 16)
	if got != 1.0 {
		t.Errorf("expected 1.0 second, got %v", got)
	}

	if DurationSeconds(nil, 16000, 1, 16) != 0 {
		t.Errorf("expected 0 duration for empty audio")
	}
	if DurationSeconds(pcm, 0, 1, 16) != 0 {
		t.Errorf("expected 0 duration when sampleRate is 0")
	}
}
