package orchestrator

import (
	"sync"
	"time"
)

// InterruptState is the barge-in state machine's current state, per
// spec.md §4.7/§5.
type InterruptState string

const (
	StateIdle              InterruptState = "IDLE"
	StateListening         InterruptState = "LISTENING"
	StateUserSpeaking      InterruptState = "USER_SPEAKING"
	StateAssistantSpeaking InterruptState = "ASSISTANT_SPEAKING"
	StateInterrupted       InterruptState = "INTERRUPTED"
)

// InterruptManager watches VAD events against the current conversational
// state and fires onInterrupt exactly once per barge-in, when user speech
// is detected while the assistant is speaking. It is the Pipeline-facing
// counterpart to the ad-hoc inline barge-in logic ManagedStream keeps for
// the mic-driven CLI demo; both can be driven by the same RMSVAD type.
type InterruptManager struct {
	mu          sync.Mutex
	state       InterruptState
	vad         VADProvider
	onInterrupt func()

	cooldown        time.Duration
	lastInterruptAt time.Time
}

// NewInterruptManager creates a manager around vad. onInterrupt is invoked
// (without the manager's lock held) the moment a barge-in is detected.
// cooldown is the minimum time that must elapse between two barge-ins
// (spec.md §3/§4.2's "cooldown window from the previous interrupt", to
// suppress retriggers from echo/reverb immediately after one interrupt); a
// non-positive cooldown disables the gate.
func NewInterruptManager(vad VADProvider, cooldown time.Duration, onInterrupt func()) *InterruptManager {
	return &InterruptManager{state: StateIdle, vad: vad, cooldown: cooldown, onInterrupt: onInterrupt}
}

// ProcessAudio feeds one chunk of caller audio through the VAD and updates
// state accordingly. If the assistant is mid-turn and speech starts, this
// fires the interrupt callback.
func (m *InterruptManager) ProcessAudio(chunk []byte) {
	if m.vad == nil {
		return
	}
	ev, err := m.vad.Process(chunk)
	if err != nil || ev == nil {
		return
	}

	m.mu.Lock()
	fire := false
	switch ev.Type {
	case VADSpeechStart:
		if m.state == StateAssistantSpeaking {
			if m.cooldown <= 0 || m.lastInterruptAt.IsZero() || time.Since(m.lastInterruptAt) >= m.cooldown {
				m.state = StateInterrupted
				m.lastInterruptAt = time.Now()
				fire = true
			}
		} else {
			m.state = StateUserSpeaking
		}
	case VADSpeechEnd, VADSilence:
		if m.state == StateUserSpeaking {
			m.state = StateListening
		}
	}
	m.mu.Unlock()

	if fire && m.onInterrupt != nil {
		m.onInterrupt()
	}
}

// StartAssistantTurn transitions into ASSISTANT_SPEAKING at the start of a
// new turn.
func (m *InterruptManager) StartAssistantTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateAssistantSpeaking
}

// EndAssistantTurn returns to LISTENING once a turn completes (normally or
// by cancellation), unless the session has been torn down.
func (m *InterruptManager) EndAssistantTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		m.state = StateListening
	}
}

// State returns the manager's current state.
func (m *InterruptManager) State() InterruptState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
