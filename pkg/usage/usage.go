// Package usage implements the per-call usage tracker (C7): a monotonic,
// thread-safe accumulator of STT seconds, LLM tokens, and TTS characters
// that seals into a UsageRecord exactly once per session, per spec.md §4.6.
// Grounded on sunona's usage-tracking module and on the same per-session
// mutex discipline the teacher uses in ConversationSession.
package usage

import (
	"sync"
	"time"
)

// Record is the sealed, monotonic usage accumulator for one call.
type Record struct {
	SessionID      string
	OrganizationID string
	UserID         string
	AgentID        string
	TransportKind  string
	CreatedAt      time.Time
	EndedAt        time.Time

	STTProvider string
	TTSProvider string

	STTSeconds     float64
	LLMInputTokens int64
	LLMOutputTokens int64
	TTSChars       int64
}

// Tracker accumulates usage for exactly one session. Zero value is not
// usable; construct via Manager.StartCall.
type Tracker struct {
	mu     sync.Mutex
	record Record
	ended  bool
}

// AddSTTUsage adds seconds of STT audio processed.
func (t *Tracker) AddSTTUsage(seconds float64) {
	if seconds <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.record.STTSeconds += seconds
}

// AddLLMUsage adds input/output token counts from one LLM call.
func (t *Tracker) AddLLMUsage(inputTokens, outputTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	if inputTokens > 0 {
		t.record.LLMInputTokens += int64(inputTokens)
	}
	if outputTokens > 0 {
		t.record.LLMOutputTokens += int64(outputTokens)
	}
}

// AddTTSUsage adds the character count of text sent to TTS synthesis.
func (t *Tracker) AddTTSUsage(text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.record.TTSChars += int64(len([]rune(text)))
}

// EndCall seals the record. Idempotent: repeated calls return the same
// sealed record without mutating EndedAt again.
func (t *Tracker) EndCall() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ended {
		t.record.EndedAt = time.Now()
		t.ended = true
	}
	return t.record
}

// Snapshot returns the current (possibly not-yet-sealed) record, for
// mid-call inspection (e.g. metrics export).
func (t *Tracker) Snapshot() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record
}

// Manager owns one Tracker per live session, replacing the teacher
// ecosystem's module-level usage-tracker singleton with an explicit
// composition-root object (spec.md §9, "Global mutable state").
type Manager struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewManager creates an empty usage tracker Manager.
func NewManager() *Manager {
	return &Manager{trackers: make(map[string]*Tracker)}
}

// StartCall registers a new Tracker for sessionID and returns it.
func (m *Manager) StartCall(sessionID, orgID, userID, agentID, transportKind, sttProvider, ttsProvider string) *Tracker {
	t := &Tracker{record: Record{
		SessionID:      sessionID,
		OrganizationID: orgID,
		UserID:         userID,
		AgentID:        agentID,
		TransportKind:  transportKind,
		CreatedAt:      time.Now(),
		STTProvider:    sttProvider,
		TTSProvider:    ttsProvider,
	}}

	m.mu.Lock()
	m.trackers[sessionID] = t
	m.mu.Unlock()
	return t
}

// Get returns the Tracker for sessionID, if any.
func (m *Manager) Get(sessionID string) (*Tracker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[sessionID]
	return t, ok
}

// EndCall seals sessionID's record and removes it from the manager. Safe to
// call more than once; subsequent calls after removal return the zero
// Record and false.
func (m *Manager) EndCall(sessionID string) (Record, bool) {
	m.mu.Lock()
	t, ok := m.trackers[sessionID]
	if ok {
		delete(m.trackers, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return Record{}, false
	}
	return t.EndCall(), true
}
