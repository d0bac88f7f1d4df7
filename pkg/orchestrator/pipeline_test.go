package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/usage"
)

type fakeStreamingSTT struct {
	transcript string
}

func (f *fakeStreamingSTT) Transcribe(ctx context.Context, audio []byte, lang Language) (string, error) {
	return f.transcript, nil
}
func (f *fakeStreamingSTT) Name() string { return "fake-stt" }
func (f *fakeStreamingSTT) StreamTranscribe(ctx context.Context, lang Language, onTranscript func(string, bool) error) (chan<- []byte, error) {
	ch := make(chan []byte, 4)
	go func() {
		for range ch {
			onTranscript(f.transcript, true)
		}
	}()
	return ch, nil
}

type fakeStreamingLLM struct {
	tokens []string
}

func (f *fakeStreamingLLM) Complete(ctx context.Context, messages []Message) (string, error) {
	return strings.Join(f.tokens, ""), nil
}
func (f *fakeStreamingLLM) Name() string { return "fake-llm" }
func (f *fakeStreamingLLM) StreamComplete(ctx context.Context, messages []Message, onToken func(string) error) error {
	for _, tok := range f.tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return nil
}

type fakeTTS struct {
	mu      sync.Mutex
	aborted bool
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error) {
	return []byte(strings.Repeat("a", 800)), nil
}
func (f *fakeTTS) StreamSynthesize(ctx context.Context, text string, voice Voice, lang Language, onChunk func([]byte) error) error {
	return onChunk([]byte(strings.Repeat("a", 800)))
}
func (f *fakeTTS) Name() string { return "fake-tts" }
func (f *fakeTTS) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	return nil
}

type noopVAD struct{}

func (noopVAD) Process(chunk []byte) (*VADEvent, error) { return nil, nil }
func (noopVAD) Reset()                                  {}
func (noopVAD) Clone() VADProvider                       { return noopVAD{} }
func (noopVAD) Name() string                             { return "noop-vad" }

func TestPipeline_HappyPathTextOnlyTurn(t *testing.T) {
	input := make(chan []byte, 1)
	output := make(chan PipelineResult, 32)

	mgr := usage.NewManager()
	tracker := mgr.StartCall("sess-1", "org", "", "agent", "test", "fake-stt", "fake-tts")

	stt := &fakeStreamingSTT{transcript: "hello"}
	llm := &fakeStreamingLLM{tokens: []string{"Hi ", "there", "!"}}
	tts := &fakeTTS{}

	p := NewPipeline("sess-1", stt, llm, tts, noopVAD{}, tracker, DefaultConfig(),
		PipelineConfig{ResponseTimeout: time.Second}, input, output, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	input <- []byte("some-audio-bytes")

	var results []PipelineResult
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case r := <-output:
			results = append(results, r)
			if r.Type == ResultLLMResponse && r.IsFinal {
				break collect
			}
		case <-deadline:
			t.Fatal("timed out waiting for final llm_response")
		}
	}

	if results[0].Type != ResultMetadata || results[0].Data != "started" {
		t.Fatalf("expected first result to be metadata{status:started}, got %+v", results[0])
	}
	if results[1].Type != ResultTranscription || !results[1].IsFinal || results[1].Data != "hello" {
		t.Fatalf("expected second result to be final transcription \"hello\", got %+v", results[1])
	}

	var tokens []string
	audioBytes := 0
	for _, r := range results {
		switch r.Type {
		case ResultLLMResponse:
			if !r.IsFinal {
				tokens = append(tokens, r.Data)
			}
		case ResultAudio:
			audioBytes += len(r.Audio)
		}
	}
	if strings.Join(tokens, "") != "Hi there!" {
		t.Fatalf("expected token stream to join to \"Hi there!\", got %q", strings.Join(tokens, ""))
	}
	if audioBytes < 800 {
		t.Fatalf("expected at least 800 bytes of audio, got %d", audioBytes)
	}

	last := results[len(results)-1]
	if last.Type != ResultLLMResponse || !last.IsFinal || last.Data != "Hi there!" {
		t.Fatalf("expected final llm_response \"Hi there!\", got %+v", last)
	}

	cancel()
	<-done

	rec := tracker.Snapshot()
	if rec.TTSChars != 9 {
		t.Fatalf("expected 9 tts chars (\"Hi there!\"), got %d", rec.TTSChars)
	}
	if rec.LLMOutputTokens == 0 || rec.LLMInputTokens == 0 {
		t.Fatalf("expected nonzero estimated token usage, got %+v", rec)
	}
}

func TestPipeline_BargeInCancelsInFlightTurn(t *testing.T) {
	input := make(chan []byte, 1)
	output := make(chan PipelineResult, 64)

	mgr := usage.NewManager()
	tracker := mgr.StartCall("sess-2", "org", "", "agent", "test", "fake-stt", "fake-tts")

	stt := &fakeStreamingSTT{transcript: "hello"}
	llm := &slowStreamingLLM{tokenDelay: 20 * time.Millisecond, tokens: []string{"one ", "two ", "three ", "four "}}
	tts := &fakeTTS{}

	vad := &scriptedVAD{fireAfter: 1}

	p := NewPipeline("sess-2", stt, llm, tts, vad, tracker, DefaultConfig(),
		PipelineConfig{ResponseTimeout: time.Second}, input, output, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	input <- []byte("chunk-1")

	var sawInterrupt bool
	var sawFinalResponse bool
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case r := <-output:
			if r.Type == ResultTranscription && r.IsFinal {
				// The turn is now ASSISTANT_SPEAKING; the next chunk should
				// read as a barge-in.
				input <- []byte("chunk-2")
			}
			if r.Type == ResultInterrupt {
				sawInterrupt = true
			}
			if r.Type == ResultLLMResponse && r.IsFinal {
				sawFinalResponse = true
			}
			if sawInterrupt {
				break loop
			}
		case <-deadline:
			t.Fatal("timed out waiting for an interrupt result")
		}
	}

	if !sawInterrupt {
		t.Fatal("expected barge-in to produce an interrupt PipelineResult")
	}
	if sawFinalResponse {
		t.Fatal("a cancelled turn must not also emit a final llm_response")
	}

	cancel()
	<-done
}

// slowStreamingLLM paces token emission so a test can interleave a barge-in.
type slowStreamingLLM struct {
	tokens     []string
	tokenDelay time.Duration
}

func (s *slowStreamingLLM) Complete(ctx context.Context, messages []Message) (string, error) {
	return strings.Join(s.tokens, ""), nil
}
func (s *slowStreamingLLM) Name() string { return "slow-llm" }
func (s *slowStreamingLLM) StreamComplete(ctx context.Context, messages []Message, onToken func(string) error) error {
	for _, tok := range s.tokens {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.tokenDelay):
		}
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return nil
}

// scriptedVAD fires VADSpeechStart only once a given number of chunks have
// been processed, simulating the assistant already speaking when the
// caller's barge-in speech begins.
type scriptedVAD struct {
	mu        sync.Mutex
	seen      int
	fireAfter int
}

func (v *scriptedVAD) Process(chunk []byte) (*VADEvent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seen++
	if v.seen > v.fireAfter {
		return &VADEvent{Type: VADSpeechStart}, nil
	}
	return nil, nil
}
func (v *scriptedVAD) Reset()                  {}
func (v *scriptedVAD) Clone() VADProvider      { return v }
func (v *scriptedVAD) Name() string            { return "scripted-vad" }
