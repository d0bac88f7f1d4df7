// Package session implements the session supervisor (C11): the lifetime
// owner for one call, wiring the wsmanager connection, the agent's
// provider set, the task pipeline (C8), and the usage tracker together,
// per spec.md §4.10.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/agentstore"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/orchestrator"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/resilience"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/transport"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/usage"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/wsmanager"
)

// Providers bundles the STT/LLM/TTS/VAD instances a ProviderFactory
// builds from an agent's tool-config, plus the per-provider retry
// policies (each optionally composed with a circuit breaker) the
// pipeline should wrap LLM/TTS calls in.
type Providers struct {
	STT orchestrator.STTProvider
	LLM orchestrator.LLMProvider
	TTS orchestrator.TTSProvider
	VAD orchestrator.VADProvider

	LLMRetry *resilience.RetryPolicy
	TTSRetry *resilience.RetryPolicy
}

// ProviderFactory instantiates the provider set for cfg's tool-config.
// Kept decoupled from the concrete provider packages so session doesn't
// need to know about every vendor SDK directly; cmd/server supplies the
// concrete factory at composition time.
type ProviderFactory func(cfg agentstore.AgentConfig) (Providers, error)

// DashboardSubscriber receives transcription/llm_response events for a
// session, per spec.md §4.10 step 4(b).
type DashboardSubscriber interface {
	Notify(result orchestrator.PipelineResult)
}

// Session is the lifetime owner for one call.
type Session struct {
	ID      string
	AgentID string

	conn      *wsmanager.ConnectionInfo
	wsMgr     *wsmanager.Manager
	adapter   transport.Adapter
	tracker   *usage.Tracker
	usageMgr  *usage.Manager
	pipeline  *orchestrator.Pipeline
	rawConn   any
	dashboard []DashboardSubscriber

	audioOut chan []byte
	onEnd    func(usage.Record)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// voiceFor resolves the synthesis voice from an agent's stored
// provider params, defaulting to VoiceF1 when unset. Any non-empty value
// is passed through as-is, without checking it against the known voices.
func voiceFor(cfg agentstore.AgentConfig) orchestrator.Voice {
	if v, ok := cfg.ProviderParams["voice"]; ok && v != "" {
		return orchestrator.Voice(v)
	}
	return orchestrator.VoiceF1
}

// Deps bundles the composition-root objects a Supervisor needs to start
// sessions.
type Deps struct {
	WSManager  *wsmanager.Manager
	UsageMgr   *usage.Manager
	AgentStore agentstore.Store
	Factory    ProviderFactory
	AudioCfg   orchestrator.Config
	// BargeInCooldown is the minimum time between two barge-ins within one
	// turn (spec.md §3/§4.2), passed straight through to each pipeline's
	// InterruptManager.
	BargeInCooldown time.Duration
	// OnSessionEnd, if set, is called with the finalized usage record once
	// a session stops (e.g. to feed pkg/metrics).
	OnSessionEnd func(usage.Record)
}

// Supervisor starts and tracks sessions.
type Supervisor struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSupervisor creates a Supervisor from its dependencies.
func NewSupervisor(deps Deps) *Supervisor {
	return &Supervisor{deps: deps, sessions: make(map[string]*Session)}
}

// StartParams carries the per-call inputs needed to start one session.
type StartParams struct {
	SessionID     string
	AgentID       string
	UserID        string
	TransportKind string
	Adapter       transport.Adapter
	Conn          *wsmanager.ConnectionInfo
	RawConn       any // the adapter's own connection type, passed to HandleMedia
	Dashboard     []DashboardSubscriber
}

// Start runs spec.md §4.10's lifecycle steps 2-4: look up the agent
// config, instantiate providers, start the usage tracker, and launch the
// task pipeline. It returns immediately; the pipeline and media loop run
// in background goroutines until Stop is called or the transport closes.
func (sup *Supervisor) Start(ctx context.Context, p StartParams) (*Session, error) {
	agentCfg, err := sup.deps.AgentStore.Get(ctx, p.AgentID)
	if err != nil {
		return nil, fmt.Errorf("session: look up agent %q: %w", p.AgentID, err)
	}

	providers, err := sup.deps.Factory(agentCfg)
	if err != nil {
		return nil, fmt.Errorf("session: instantiate providers for agent %q: %w", p.AgentID, err)
	}

	tracker := sup.deps.UsageMgr.StartCall(
		p.SessionID, "", p.UserID, p.AgentID, p.TransportKind,
		providers.STT.Name(), providers.TTS.Name(),
	)

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:        p.SessionID,
		AgentID:   p.AgentID,
		conn:      p.Conn,
		wsMgr:     sup.deps.WSManager,
		adapter:   p.Adapter,
		tracker:   tracker,
		usageMgr:  sup.deps.UsageMgr,
		rawConn:   p.RawConn,
		dashboard: p.Dashboard,
		audioOut:  make(chan []byte, 64),
		onEnd:     sup.deps.OnSessionEnd,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	audioIn := make(chan []byte, 32)
	pipelineOut := make(chan orchestrator.PipelineResult, 32)

	pipelineCfg := orchestrator.PipelineConfig{
		Voice:           voiceFor(agentCfg),
		Language:        orchestrator.LanguageEn,
		BargeInCooldown: sup.deps.BargeInCooldown,
		LLMRetry:        providers.LLMRetry,
		TTSRetry:        providers.TTSRetry,
	}
	s.pipeline = orchestrator.NewPipeline(
		p.SessionID, providers.STT, providers.LLM, providers.TTS, providers.VAD,
		tracker, sup.deps.AudioCfg, pipelineCfg, audioIn, pipelineOut, nil,
	)

	sup.mu.Lock()
	sup.sessions[p.SessionID] = s
	sup.mu.Unlock()

	go s.runMediaIn(sessCtx, audioIn)
	go s.runFanOut(sessCtx, pipelineOut)
	go func() {
		s.pipeline.Run(sessCtx)
		close(s.done)
	}()

	return s, nil
}

// runMediaIn pulls decoded PCM16 audio off the transport adapter and
// feeds it to the pipeline's input channel, per step 4's "input channel
// fed by the transport adapter".
func (s *Session) runMediaIn(ctx context.Context, audioIn chan<- []byte) {
	defer close(audioIn)
	_ = s.adapter.HandleMedia(ctx, s.rawConn, func(chunk []byte) {
		select {
		case audioIn <- chunk:
		case <-ctx.Done():
		}
	}, func() ([]byte, bool) {
		select {
		case chunk := <-s.audioOut:
			return chunk, true
		default:
			return nil, false
		}
	})
}

// runFanOut implements step 4's small fan-out: audio results go back
// through the transport/connection buffer, transcription and llm_response
// results go to dashboard subscribers.
func (s *Session) runFanOut(ctx context.Context, out <-chan orchestrator.PipelineResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-out:
			if !ok {
				return
			}
			switch result.Type {
			case orchestrator.ResultAudio:
				s.conn.AddToBuffer(result.Audio)
				select {
				case s.audioOut <- result.Audio:
				case <-ctx.Done():
					return
				}
			default:
				for _, sub := range s.dashboard {
					sub.Notify(result)
				}
			}
		}
	}
}

// Stop implements step 5: cancel the pipeline, wait for both loops to
// exit, finalize the usage tracker, unregister from the connection
// manager, and close the adapter's call leg.
func (s *Session) Stop(reason wsmanager.DisconnectReason) usage.Record {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-s.done

	record, _ := s.usageMgr.EndCall(s.ID)
	if s.onEnd != nil {
		s.onEnd(record)
	}
	s.wsMgr.Disconnect(s.conn, reason)
	_ = s.adapter.Hangup(context.Background(), s.ID)
	return record
}

// Get returns the running session for id, if any.
func (sup *Supervisor) Get(id string) (*Session, bool) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	s, ok := sup.sessions[id]
	return s, ok
}

// StopAll stops every running session, e.g. on server drain.
func (sup *Supervisor) StopAll() {
	sup.mu.Lock()
	sessions := make([]*Session, 0, len(sup.sessions))
	for _, s := range sup.sessions {
		sessions = append(sessions, s)
	}
	sup.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop(wsmanager.ReasonServerShutdown)
			sup.remove(s.ID)
		}(s)
	}
	wg.Wait()
}

func (sup *Supervisor) remove(id string) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	delete(sup.sessions, id)
}
