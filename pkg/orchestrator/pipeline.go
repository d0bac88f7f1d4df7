package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/resilience"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/usage"
)

// ResultType tags a PipelineResult, per spec.md §6's exit-code set.
type ResultType string

const (
	ResultMetadata      ResultType = "metadata"
	ResultTranscription ResultType = "transcription"
	ResultLLMResponse   ResultType = "llm_response"
	ResultAudio         ResultType = "audio"
	ResultInterrupt     ResultType = "interrupt"
	ResultError         ResultType = "error"
)

// PipelineResult is one event emitted by the execution loop to a session's
// output channel (consumed by the transport writer and any dashboard
// subscribers).
type PipelineResult struct {
	Type      ResultType
	SessionID string
	IsFinal   bool
	Data      string
	Audio     []byte
	Action    string // e.g. "stop_audio" on ResultInterrupt
	Err       error
}

// TurnState is the per-turn accumulator described in spec.md §4.7.
type TurnState struct {
	Prompt    string
	StartedAt time.Time

	mu           sync.Mutex
	responseText strings.Builder
}

func newTurnState(prompt string) *TurnState {
	return &TurnState{Prompt: prompt, StartedAt: time.Now()}
}

func (t *TurnState) appendToken(tok string) {
	t.mu.Lock()
	t.responseText.WriteString(tok)
	t.mu.Unlock()
}

// ResponseText returns the tokens accumulated so far.
func (t *TurnState) ResponseText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.responseText.String()
}

// estimateTokens is the rough token-count heuristic spec.md §8's scenario
// S1 uses for fixtures lacking a real token count from the provider:
// len(text)/4, rounded up.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// sentenceChunker buffers LLM tokens and releases complete sentences for
// synthesis, implementing spec.md §4.7's "tts.add_to_buffer" chunker.
type sentenceChunker struct {
	buf strings.Builder
}

const sentenceChunkerMaxRunes = 220

// add appends tok and returns a completed chunk once a sentence boundary
// (or a length cap, to bound TTS latency on unpunctuated text) is reached.
func (c *sentenceChunker) add(tok string) string {
	c.buf.WriteString(tok)
	s := c.buf.String()

	if idx := lastSentenceBoundary(s); idx >= 0 {
		chunk := strings.TrimSpace(s[:idx+1])
		c.buf.Reset()
		c.buf.WriteString(s[idx+1:])
		return chunk
	}
	if len([]rune(s)) > sentenceChunkerMaxRunes {
		c.buf.Reset()
		return strings.TrimSpace(s)
	}
	return ""
}

func (c *sentenceChunker) flush() string {
	s := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return s
}

func lastSentenceBoundary(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?', '\n':
			return i
		}
	}
	return -1
}

// ChunkingLLMStreamer adapts any non-streaming LLMProvider into a
// StreamingLLMProvider by calling Complete once and replaying the result as
// whitespace-delimited "tokens". This is the default fallback for
// providers (Anthropic, Google, etc.) that only expose batch completion;
// OpenAILLM and GroqLLM implement true SSE streaming directly instead.
type ChunkingLLMStreamer struct {
	Provider LLMProvider
}

func (c *ChunkingLLMStreamer) Name() string { return c.Provider.Name() }

func (c *ChunkingLLMStreamer) Complete(ctx context.Context, messages []Message) (string, error) {
	return c.Provider.Complete(ctx, messages)
}

func (c *ChunkingLLMStreamer) StreamComplete(ctx context.Context, messages []Message, onToken func(string) error) error {
	text, err := c.Provider.Complete(ctx, messages)
	if err != nil {
		return err
	}
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := onToken(w); err != nil {
			return err
		}
	}
	return nil
}

// asStreamingLLM returns p as a StreamingLLMProvider, wrapping it in a
// ChunkingLLMStreamer if it doesn't already stream natively.
func asStreamingLLM(p LLMProvider) StreamingLLMProvider {
	if s, ok := p.(StreamingLLMProvider); ok {
		return s
	}
	return &ChunkingLLMStreamer{Provider: p}
}

// ChunkingSTTStreamer adapts a non-streaming STTProvider into a
// StreamingSTTProvider by buffering inbound audio until its own VAD
// instance reports SPEECH_END, then calling Transcribe once on the
// buffered utterance. This is the fallback for providers (AssemblyAI,
// Deepgram, Groq, OpenAI Whisper) that only expose batch transcription;
// it mirrors the buffer-until-silence approach ManagedStream's
// runBatchPipeline already uses for the CLI demo path, generalized here
// into a standalone adapter the pipeline can depend on directly.
type ChunkingSTTStreamer struct {
	Provider STTProvider
	VAD      VADProvider
}

func (c *ChunkingSTTStreamer) Name() string { return c.Provider.Name() }

func (c *ChunkingSTTStreamer) Transcribe(ctx context.Context, audio []byte, lang Language) (string, error) {
	return c.Provider.Transcribe(ctx, audio, lang)
}

func (c *ChunkingSTTStreamer) StreamTranscribe(ctx context.Context, lang Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error) {
	in := make(chan []byte, 32)
	vad := c.VAD
	if vad == nil {
		vad = NewRMSVAD(0.02, 500*time.Millisecond)
	}

	go func() {
		var buf []byte
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-in:
				if !ok {
					return
				}
				buf = append(buf, chunk...)
				event, err := vad.Process(chunk)
				if err != nil || event == nil {
					continue
				}
				if event.Type != VADSpeechEnd || len(buf) == 0 {
					continue
				}
				utterance := buf
				buf = nil
				text, err := c.Provider.Transcribe(ctx, utterance, lang)
				if err != nil || text == "" {
					continue
				}
				if err := onTranscript(text, true); err != nil {
					return
				}
			}
		}
	}()

	return in, nil
}

// asStreamingSTT returns p as a StreamingSTTProvider, wrapping it in a
// ChunkingSTTStreamer (driven by vad) if it doesn't already stream
// natively.
func asStreamingSTT(p STTProvider, vad VADProvider) StreamingSTTProvider {
	if s, ok := p.(StreamingSTTProvider); ok {
		return s
	}
	return &ChunkingSTTStreamer{Provider: p, VAD: vad}
}

// PipelineConfig configures a Pipeline's timeouts and retry/circuit-breaker
// policies.
type PipelineConfig struct {
	Voice           Voice
	Language        Language
	ResponseTimeout time.Duration
	BargeInCooldown time.Duration
	LLMRetry        *resilience.RetryPolicy
	TTSRetry        *resilience.RetryPolicy
}

// Pipeline is the task pipeline from spec.md §4.7 (C8): two concurrent
// loops bound by a transcript channel, sharing a per-turn cancellation
// signal driven by an InterruptManager.
type Pipeline struct {
	SessionID string

	stt        StreamingSTTProvider
	llm        StreamingLLMProvider
	tts        TTSProvider
	interrupts *InterruptManager
	usageTrk   *usage.Tracker
	cfg        PipelineConfig
	audioCfg   Config
	logger     Logger

	input  <-chan []byte
	output chan<- PipelineResult

	cancelTurn atomic.Bool
}

// NewPipeline wires one task pipeline for a session. input is closed by the
// caller on end-of-stream (transport close); output is read by the
// session's transport writer / dashboard fan-out (C11).
func NewPipeline(
	sessionID string,
	stt STTProvider,
	llm LLMProvider,
	tts TTSProvider,
	vad VADProvider,
	usageTrk *usage.Tracker,
	audioCfg Config,
	cfg PipelineConfig,
	input <-chan []byte,
	output chan<- PipelineResult,
	logger Logger,
) *Pipeline {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 15 * time.Second
	}

	p := &Pipeline{
		SessionID: sessionID,
		stt:       asStreamingSTT(stt, vad.Clone()),
		llm:       asStreamingLLM(llm),
		tts:       tts,
		usageTrk:  usageTrk,
		cfg:       cfg,
		audioCfg:  audioCfg,
		logger:    logger,
		input:     input,
		output:    output,
	}
	p.interrupts = NewInterruptManager(vad, cfg.BargeInCooldown, p.onInterrupt)
	return p
}

// onInterrupt is the InterruptManager callback: it sets the shared
// cancellation signal and emits the interrupt PipelineResult so the
// transport can discard queued playback, per spec.md §4.7.
func (p *Pipeline) onInterrupt() {
	if !p.cancelTurn.CompareAndSwap(false, true) {
		return
	}
	p.emit(PipelineResult{
		Type:      ResultInterrupt,
		SessionID: p.SessionID,
		Action:    "stop_audio",
	})
}

func (p *Pipeline) emit(r PipelineResult) {
	r.SessionID = p.SessionID
	select {
	case p.output <- r:
	default:
		// Output channel should be sized to absorb normal bursts; a full
		// channel here means the consumer has stalled. Block rather than
		// drop, preserving ordering guarantees.
		p.output <- r
	}
}

func (p *Pipeline) cancelled() bool {
	return p.cancelTurn.Load()
}

// Run starts both loops and blocks until both have exited: the ingestion
// loop on end-of-stream or ctx cancellation, the execution loop on ctx
// cancellation only. The transcript channel is never closed, so
// end-of-stream alone does not make Run return.
func (p *Pipeline) Run(ctx context.Context) {
	transcriptCh := make(chan string, 8)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		p.ingestionLoop(ctx, transcriptCh)
	}()
	go func() {
		defer wg.Done()
		p.executionLoop(ctx, transcriptCh)
	}()

	wg.Wait()
}

// ingestionLoop is Loop A from spec.md §4.7, adapted to the STT provider's
// channel+callback streaming contract (StreamTranscribe) rather than a
// feed/poll pair: audio chunks are forwarded to the live STT stream, and
// finalized transcripts it reports are relayed onto transcriptCh.
func (p *Pipeline) ingestionLoop(ctx context.Context, transcriptCh chan<- string) {
	// transcriptCh is deliberately never closed here: onTranscript below may
	// still be invoked by the STT provider's own goroutine after the input
	// channel closes, and closing transcriptCh out from under a concurrent
	// send would panic. The execution loop instead exits on ctx
	// cancellation, which per spec.md §4.10 step 5 always accompanies
	// end-of-stream (transport close sets the session's cancellation).

	sttWrite, err := p.stt.StreamTranscribe(ctx, p.cfg.Language, func(transcript string, isFinal bool) error {
		if isFinal && transcript != "" {
			select {
			case transcriptCh <- transcript:
			case <-ctx.Done():
			}
		}
		return nil
	})
	if err != nil {
		p.emit(PipelineResult{Type: ResultError, IsFinal: true, Err: err})
		return
	}

	bytesPerSecond := p.audioCfg.SampleRate * p.audioCfg.Channels * p.audioCfg.BytesPerSamp
	if bytesPerSecond <= 0 {
		bytesPerSecond = 16000 * 1 * 2
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-p.input:
			if !ok {
				return
			}
			p.interrupts.ProcessAudio(chunk)
			if p.usageTrk != nil {
				p.usageTrk.AddSTTUsage(float64(len(chunk)) / float64(bytesPerSecond))
			}
			select {
			case sttWrite <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}
}

// executionLoop is Loop B from spec.md §4.7: one turn at a time, strictly
// in transcript order, each turn running to completion (or cancellation)
// before the next begins.
func (p *Pipeline) executionLoop(ctx context.Context, transcriptCh <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case transcript, ok := <-transcriptCh:
			if !ok {
				return
			}
			p.runTurn(ctx, transcript)
		}
	}
}

func (p *Pipeline) runTurn(ctx context.Context, transcript string) {
	turn := newTurnState(transcript)
	p.cancelTurn.Store(false)
	p.interrupts.StartAssistantTurn()
	defer p.interrupts.EndAssistantTurn()

	p.emit(PipelineResult{Type: ResultMetadata, Data: "started"})
	p.emit(PipelineResult{Type: ResultTranscription, IsFinal: true, Data: transcript})

	turnCtx, cancel := context.WithTimeout(ctx, p.cfg.ResponseTimeout)
	defer cancel()

	messages := []Message{{Role: "user", Content: transcript}}
	chunker := &sentenceChunker{}
	ttsChars := 0

	streamErr := p.streamLLM(turnCtx, messages, turn, chunker, &ttsChars)

	cancelled := p.cancelled()
	if !cancelled && streamErr == nil {
		if tail := chunker.flush(); tail != "" {
			ttsChars += len([]rune(tail))
			p.synthesizeAndEmit(turnCtx, tail)
		}
	}

	if p.usageTrk != nil {
		p.usageTrk.AddLLMUsage(estimateTokens(transcript), estimateTokens(turn.ResponseText()))
		p.usageTrk.AddTTSUsage(strings.Repeat("x", ttsChars))
	}

	switch {
	case cancelled:
		// Interrupt PipelineResult was already emitted by onInterrupt.
	case streamErr != nil:
		p.emit(PipelineResult{Type: ResultError, Data: streamErr.Error(), Err: streamErr})
	default:
		p.emit(PipelineResult{Type: ResultLLMResponse, IsFinal: true, Data: turn.ResponseText()})
	}
}

func (p *Pipeline) streamLLM(ctx context.Context, messages []Message, turn *TurnState, chunker *sentenceChunker, ttsChars *int) error {
	call := func(ctx context.Context) error {
		return p.llm.StreamComplete(ctx, messages, func(token string) error {
			if p.cancelled() {
				return errTurnCancelled
			}
			turn.appendToken(token)
			p.emit(PipelineResult{Type: ResultLLMResponse, Data: token})

			if buffered := chunker.add(token); buffered != "" {
				*ttsChars += len([]rune(buffered))
				p.synthesizeAndEmit(ctx, buffered)
			}
			return nil
		})
	}

	var err error
	if p.cfg.LLMRetry != nil {
		err = p.cfg.LLMRetry.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err == errTurnCancelled {
		return nil
	}
	return err
}

func (p *Pipeline) synthesizeAndEmit(ctx context.Context, text string) {
	call := func(ctx context.Context) error {
		return p.tts.StreamSynthesize(ctx, text, p.cfg.Voice, p.cfg.Language, func(audio []byte) error {
			if p.cancelled() {
				return errTurnCancelled
			}
			p.emit(PipelineResult{Type: ResultAudio, Audio: audio})
			return nil
		})
	}

	var err error
	if p.cfg.TTSRetry != nil {
		err = p.cfg.TTSRetry.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil && err != errTurnCancelled {
		p.logger.Warn("tts synthesis failed", "sessionID", p.SessionID, "error", err)
	}
}

var errTurnCancelled = &turnCancelledError{}

type turnCancelledError struct{}

func (*turnCancelledError) Error() string { return "turn cancelled by barge-in" }
