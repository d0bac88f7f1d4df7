// Package wsmanager implements the WebSocket connection manager (C9):
// accept/register, heartbeat, send/receive helpers, broadcast, and graceful
// drain, per spec.md §4.8. Grounded on sunona/core/websocket_manager.py for
// the connection lifecycle and index layout, and on
// pkg/providers/tts/lokutor.go's use of github.com/coder/websocket for the
// actual wire protocol (the teacher dials client-side with the same
// library this manager accepts server-side).
package wsmanager

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// ConnectionState mirrors sunona.core.websocket_manager.ConnectionState.
type ConnectionState string

const (
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateAuthenticated ConnectionState = "authenticated"
	StateActive        ConnectionState = "active"
	StateClosing       ConnectionState = "closing"
	StateClosed        ConnectionState = "closed"
)

// DisconnectReason tags why a connection was torn down.
type DisconnectReason string

const (
	ReasonNormal         DisconnectReason = "normal"
	ReasonStale          DisconnectReason = "stale"
	ReasonSendError      DisconnectReason = "send_error"
	ReasonServerShutdown DisconnectReason = "server_shutdown"
)

// ErrServerOverloaded is returned by Accept when MaxConnections is already
// at capacity.
var ErrServerOverloaded = errors.New("wsmanager: server at max connections")

const defaultBufferSize = 100

// ConnectionInfo tracks one accepted connection.
type ConnectionInfo struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	UserID      string
	AgentID     string
	SessionID   string

	mu           sync.Mutex
	state        ConnectionState
	lastActivity time.Time
	missedPings  int
	buffer       [][]byte
	bufferCap    int
}

// UpdateActivity records that the connection produced or consumed traffic.
func (ci *ConnectionInfo) UpdateActivity() {
	ci.mu.Lock()
	ci.lastActivity = time.Now()
	ci.mu.Unlock()
}

// IsStale reports whether the connection has been silent longer than
// timeout.
func (ci *ConnectionInfo) IsStale(timeout time.Duration) bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return time.Since(ci.lastActivity) > timeout
}

// State returns the connection's current lifecycle state.
func (ci *ConnectionInfo) State() ConnectionState {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.state
}

func (ci *ConnectionInfo) setState(s ConnectionState) {
	ci.mu.Lock()
	ci.state = s
	ci.mu.Unlock()
}

// AddToBuffer appends a message to the replay buffer, dropping the oldest
// entries once it overflows so only the newest bufferCap remain.
func (ci *ConnectionInfo) AddToBuffer(msg []byte) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.buffer = append(ci.buffer, msg)
	if len(ci.buffer) > ci.bufferCap {
		ci.buffer = ci.buffer[len(ci.buffer)-ci.bufferCap:]
	}
}

// Buffer returns a copy of the replay buffer.
func (ci *ConnectionInfo) Buffer() [][]byte {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	out := make([][]byte, len(ci.buffer))
	copy(out, ci.buffer)
	return out
}

// Config configures a Manager's limits and timing.
type Config struct {
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
	MaxConnections    int
}

// DefaultConfig returns sensible manager defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		StaleTimeout:      60 * time.Second,
		MaxConnections:    1000,
	}
}

// Manager owns every live connection for the process, replacing the
// teacher ecosystem's module-level singleton with an explicit
// composition-root object (spec.md §9).
type Manager struct {
	cfg Config

	mu          sync.RWMutex
	connections map[string]*ConnectionInfo
	byUser      map[string]map[string]*ConnectionInfo
	byAgent     map[string]map[string]*ConnectionInfo
	bySession   map[string]map[string]*ConnectionInfo

	onDisconnect func(*ConnectionInfo, DisconnectReason)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a Manager. onDisconnect, if non-nil, is invoked
// (without any manager lock held) whenever a connection is torn down.
func NewManager(cfg Config, onDisconnect func(*ConnectionInfo, DisconnectReason)) *Manager {
	if cfg.HeartbeatInterval <= 0 || cfg.StaleTimeout <= 0 {
		d := DefaultConfig()
		if cfg.HeartbeatInterval <= 0 {
			cfg.HeartbeatInterval = d.HeartbeatInterval
		}
		if cfg.StaleTimeout <= 0 {
			cfg.StaleTimeout = d.StaleTimeout
		}
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultConfig().MaxConnections
	}
	return &Manager{
		cfg:          cfg,
		connections:  make(map[string]*ConnectionInfo),
		byUser:       make(map[string]map[string]*ConnectionInfo),
		byAgent:      make(map[string]map[string]*ConnectionInfo),
		bySession:    make(map[string]map[string]*ConnectionInfo),
		onDisconnect: onDisconnect,
		stopCh:       make(chan struct{}),
	}
}

// Accept upgrades an incoming HTTP request to a WebSocket and registers it,
// enforcing MaxConnections.
func (m *Manager) Accept(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions, userID, agentID, sessionID string) (*ConnectionInfo, error) {
	m.mu.RLock()
	atCapacity := len(m.connections) >= m.cfg.MaxConnections
	m.mu.RUnlock()
	if atCapacity {
		return nil, ErrServerOverloaded
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, err
	}
	return m.register(conn, userID, agentID, sessionID), nil
}

func (m *Manager) register(conn *websocket.Conn, userID, agentID, sessionID string) *ConnectionInfo {
	ci := &ConnectionInfo{
		ID:           uuid.NewString(),
		Conn:         conn,
		ConnectedAt:  time.Now(),
		UserID:       userID,
		AgentID:      agentID,
		SessionID:    sessionID,
		state:        StateConnected,
		lastActivity: time.Now(),
		bufferCap:    defaultBufferSize,
	}

	m.mu.Lock()
	m.connections[ci.ID] = ci
	indexAdd(m.byUser, userID, ci)
	indexAdd(m.byAgent, agentID, ci)
	indexAdd(m.bySession, sessionID, ci)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.heartbeatLoop(ci)

	return ci
}

func indexAdd(idx map[string]map[string]*ConnectionInfo, key string, ci *ConnectionInfo) {
	if key == "" {
		return
	}
	bucket, ok := idx[key]
	if !ok {
		bucket = make(map[string]*ConnectionInfo)
		idx[key] = bucket
	}
	bucket[ci.ID] = ci
}

func indexRemove(idx map[string]map[string]*ConnectionInfo, key string, id string) {
	if key == "" {
		return
	}
	if bucket, ok := idx[key]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(idx, key)
		}
	}
}

// heartbeatLoop pings the connection every HeartbeatInterval; three
// consecutive missed pongs, or silence beyond StaleTimeout, disconnects
// with reason "stale".
func (m *Manager) heartbeatLoop(ci *ConnectionInfo) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if ci.State() == StateClosed {
				return
			}
			if ci.IsStale(m.cfg.StaleTimeout) {
				m.Disconnect(ci, ReasonStale)
				return
			}

			pingCtx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval/2)
			err := ci.Conn.Ping(pingCtx)
			cancel()

			ci.mu.Lock()
			if err != nil {
				ci.missedPings++
			} else {
				ci.missedPings = 0
				ci.lastActivity = time.Now()
			}
			missed := ci.missedPings
			ci.mu.Unlock()

			if missed >= 3 {
				m.Disconnect(ci, ReasonStale)
				return
			}
		}
	}
}

// SendJSON writes v to the connection. On success it updates last-activity;
// on failure it schedules an asynchronous disconnect with reason
// "send_error" and returns the error.
func (m *Manager) SendJSON(ctx context.Context, ci *ConnectionInfo, v any) error {
	err := wsjson.Write(ctx, ci.Conn, v)
	if err != nil {
		go m.Disconnect(ci, ReasonSendError)
		return err
	}
	ci.UpdateActivity()
	return nil
}

// ReceiveJSON reads one JSON message from the connection into v, updating
// last-activity on success.
func (m *Manager) ReceiveJSON(ctx context.Context, ci *ConnectionInfo, v any) error {
	if err := wsjson.Read(ctx, ci.Conn, v); err != nil {
		return err
	}
	ci.UpdateActivity()
	return nil
}

// BroadcastFilter selects which connections a Broadcast call targets; zero
// values for a field mean "don't filter on this dimension".
type BroadcastFilter struct {
	SessionID string
	AgentID   string
	UserID    string
	Exclude   map[string]bool // connection IDs to skip
}

// BroadcastJSON sends v to every connection matching filter, except those
// in filter.Exclude.
func (m *Manager) BroadcastJSON(ctx context.Context, v any, filter BroadcastFilter) {
	for _, ci := range m.matching(filter) {
		if filter.Exclude != nil && filter.Exclude[ci.ID] {
			continue
		}
		_ = m.SendJSON(ctx, ci, v)
	}
}

func (m *Manager) matching(filter BroadcastFilter) []*ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case filter.SessionID != "":
		return snapshotBucket(m.bySession[filter.SessionID])
	case filter.AgentID != "":
		return snapshotBucket(m.byAgent[filter.AgentID])
	case filter.UserID != "":
		return snapshotBucket(m.byUser[filter.UserID])
	default:
		out := make([]*ConnectionInfo, 0, len(m.connections))
		for _, ci := range m.connections {
			out = append(out, ci)
		}
		return out
	}
}

func snapshotBucket(bucket map[string]*ConnectionInfo) []*ConnectionInfo {
	out := make([]*ConnectionInfo, 0, len(bucket))
	for _, ci := range bucket {
		out = append(out, ci)
	}
	return out
}

// Disconnect removes ci from every index and closes its connection.
// Idempotent.
func (m *Manager) Disconnect(ci *ConnectionInfo, reason DisconnectReason) {
	if ci.State() == StateClosed {
		return
	}
	ci.setState(StateClosing)

	m.mu.Lock()
	delete(m.connections, ci.ID)
	indexRemove(m.byUser, ci.UserID, ci.ID)
	indexRemove(m.byAgent, ci.AgentID, ci.ID)
	indexRemove(m.bySession, ci.SessionID, ci.ID)
	m.mu.Unlock()

	_ = ci.Conn.Close(websocket.StatusNormalClosure, string(reason))
	ci.setState(StateClosed)

	if m.onDisconnect != nil {
		m.onDisconnect(ci, reason)
	}
}

// Connections returns a snapshot of every currently registered connection.
func (m *Manager) Connections() []*ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ConnectionInfo, 0, len(m.connections))
	for _, ci := range m.connections {
		out = append(out, ci)
	}
	return out
}

// Stop cancels all heartbeat loops and disconnects every connection in
// parallel with reason "server_shutdown", then waits for heartbeat
// goroutines to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)

		conns := m.Connections()
		var wg sync.WaitGroup
		for _, ci := range conns {
			ci := ci
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.Disconnect(ci, ReasonServerShutdown)
			}()
		}
		wg.Wait()
	})
	m.wg.Wait()
}
