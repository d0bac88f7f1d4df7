package wsmanager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func newTestServer(t *testing.T, mgr *Manager) (*httptest.Server, chan *ConnectionInfo) {
	t.Helper()
	accepted := make(chan *ConnectionInfo, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ci, err := mgr.Accept(w, r, nil, "user-1", "agent-1", "sess-1")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		accepted <- ci
	}))
	t.Cleanup(srv.Close)
	return srv, accepted
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	return conn
}

func TestManager_AcceptRegistersAndIndexes(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)
	srv, accepted := newTestServer(t, mgr)

	client := dial(t, srv)
	defer client.Close(websocket.StatusNormalClosure, "")

	ci := <-accepted
	if ci.State() != StateConnected {
		t.Fatalf("expected StateConnected, got %v", ci.State())
	}

	bySession := mgr.matching(BroadcastFilter{SessionID: "sess-1"})
	if len(bySession) != 1 || bySession[0].ID != ci.ID {
		t.Fatalf("expected session index to contain the new connection, got %+v", bySession)
	}
}

func TestManager_SendAndReceiveJSON(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)
	srv, accepted := newTestServer(t, mgr)

	client := dial(t, srv)
	defer client.Close(websocket.StatusNormalClosure, "")

	ci := <-accepted

	type payload struct {
		Hello string `json:"hello"`
	}
	ctx := context.Background()
	if err := mgr.SendJSON(ctx, ci, payload{Hello: "world"}); err != nil {
		t.Fatalf("SendJSON failed: %v", err)
	}

	var got payload
	if err := wsjson.Read(ctx, client, &got); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if got.Hello != "world" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestManager_ConnectEnforcesMaxConnections(t *testing.T) {
	mgr := NewManager(Config{HeartbeatInterval: time.Second, StaleTimeout: time.Second, MaxConnections: 1}, nil)
	srv, accepted := newTestServer(t, mgr)

	first := dial(t, srv)
	defer first.Close(websocket.StatusNormalClosure, "")
	<-accepted

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once at MaxConnections, got %d", resp.StatusCode)
	}
}

func TestManager_DisconnectRemovesFromIndices(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)
	srv, accepted := newTestServer(t, mgr)

	client := dial(t, srv)
	defer client.Close(websocket.StatusNormalClosure, "")
	ci := <-accepted

	mgr.Disconnect(ci, ReasonNormal)

	if ci.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", ci.State())
	}
	if len(mgr.Connections()) != 0 {
		t.Fatal("expected connection to be removed from the registry")
	}
}

func TestManager_StopDisconnectsEveryoneInParallel(t *testing.T) {
	mgr := NewManager(Config{HeartbeatInterval: time.Hour, StaleTimeout: time.Hour, MaxConnections: 10}, nil)
	srv, accepted := newTestServer(t, mgr)

	var clients []*websocket.Conn
	for i := 0; i < 3; i++ {
		c := dial(t, srv)
		clients = append(clients, c)
		<-accepted
	}
	defer func() {
		for _, c := range clients {
			c.Close(websocket.StatusNormalClosure, "")
		}
	}()

	mgr.Stop()

	if len(mgr.Connections()) != 0 {
		t.Fatal("expected Stop to disconnect every connection")
	}
}

func TestConnectionInfo_BufferTrimsToCapacity(t *testing.T) {
	ci := &ConnectionInfo{bufferCap: 3}
	for i := 0; i < 5; i++ {
		ci.AddToBuffer([]byte{byte(i)})
	}
	buf := ci.Buffer()
	if len(buf) != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", len(buf))
	}
	if buf[0][0] != 2 {
		t.Fatalf("expected oldest entries trimmed, got first=%v", buf[0])
	}
}
