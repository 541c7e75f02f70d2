package taskroom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeEvent(ctx context.Context, c *websocket.Conn, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Type: kind, Payload: raw})
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

type wireCommand struct {
	Type    string `json:"type"`
	Payload struct {
		ProjectID int `json:"projectId"`
	} `json:"payload"`
}

// roomServer wraps httptest.Server so CloseClientConnections also severs
// connections the WebSocket handler has hijacked; httptest stops tracking
// a connection once it is hijacked, so the embedded method alone cannot
// close them.
type roomServer struct {
	*httptest.Server
	mu      sync.Mutex
	netConn map[net.Conn]struct{}
}

func (s *roomServer) CloseClientConnections() {
	s.Server.CloseClientConnections()
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.netConn {
		c.Close()
	}
}

// newRoomServer runs a WebSocket server that confirms join and leave
// commands the way the real backend does, and forwards any envelope sent
// on push to the most recently accepted connection.
func newRoomServer(t *testing.T, push <-chan Envelope) (*roomServer, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		if push != nil {
			go func() {
				for {
					select {
					case env, ok := <-push:
						if !ok {
							return
						}
						data, _ := json.Marshal(env)
						if c.Write(ctx, websocket.MessageText, data) != nil {
							return
						}
					case <-ctx.Done():
						return
					}
				}
			}()
		}

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var cmd wireCommand
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			switch cmd.Type {
			case CommandJoinProject:
				writeEvent(ctx, c, EventJoinedProject, JoinedProjectPayload{
					ProjectID:   cmd.Payload.ProjectID,
					ProjectName: fmt.Sprintf("Project %d", cmd.Payload.ProjectID),
				})
			case CommandLeaveProject:
				writeEvent(ctx, c, EventLeftProject, LeftProjectPayload{})
			}
		}
	}))

	rs := &roomServer{netConn: map[net.Conn]struct{}{}}
	srv.Config.ConnState = func(c net.Conn, st http.ConnState) {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		switch st {
		case http.StateNew:
			rs.netConn[c] = struct{}{}
		case http.StateClosed:
			delete(rs.netConn, c)
		}
	}
	srv.Start()
	rs.Server = srv
	return rs, &conns
}

func newTestRealtime(srvURL, token string, cfg *RealtimeConfig) *RealtimeClient {
	if cfg == nil {
		cfg = &RealtimeConfig{DisableReconnect: true, DisableFallback: true}
	}
	cfg.Token = token
	client := NewClient(token, WithBaseURL(srvURL))
	return client.NewRealtime(cfg)
}

func pushEnvelope(t *testing.T, push chan Envelope, kind string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal push payload: %v", err)
	}
	push <- Envelope{Type: kind, Payload: raw}
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestRealtime_ConnectAndJoin(t *testing.T) {
	srv, _ := newRoomServer(t, nil)
	defer srv.Close()

	rt := newTestRealtime(srv.URL, "tok", nil)
	defer rt.Close()

	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := rt.State(); got != StateConnected {
		t.Fatalf("expected state connected, got %s", got)
	}
	if rt.CurrentRoom() != nil {
		t.Fatal("expected no room before join")
	}

	if err := rt.JoinProject(context.Background(), 7); err != nil {
		t.Fatalf("JoinProject: %v", err)
	}
	waitFor(t, 2*time.Second, "join confirmation", func() bool {
		return rt.CurrentRoom() != nil
	})

	room := rt.CurrentRoom()
	if room.ProjectID != 7 || room.ProjectName != "Project 7" {
		t.Errorf("unexpected room: %+v", room)
	}
}

func TestRealtime_EmptyTokenIsNoop(t *testing.T) {
	rt := newTestRealtime("http://127.0.0.1:1", "", nil)

	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if got := rt.State(); got != StateDisconnected {
		t.Errorf("expected state disconnected, got %s", got)
	}
}

func TestRealtime_ExpiredTokenRefusedLocally(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}

	var connectErr string
	rt := newTestRealtime("http://127.0.0.1:1", token, nil)
	rt.OnConnectError(func(msg string) { connectErr = msg })

	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("expected nil from Connect, got %v", err)
	}
	if got := rt.State(); got != StateErrored {
		t.Errorf("expected state errored, got %s", got)
	}
	if rt.LastError() != "token expired" {
		t.Errorf("expected last error %q, got %q", "token expired", rt.LastError())
	}
	if connectErr != "token expired" {
		t.Errorf("expected connect error callback, got %q", connectErr)
	}
}

func TestRealtime_DialFailureBecomesState(t *testing.T) {
	// Nothing listens here; the dial fails but Connect must not propagate it.
	rt := newTestRealtime("http://127.0.0.1:1", "tok", nil)

	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("expected nil from Connect, got %v", err)
	}
	if got := rt.State(); got != StateErrored {
		t.Errorf("expected state errored, got %s", got)
	}
	if rt.LastError() == "" {
		t.Error("expected last error recorded")
	}
}

func TestRealtime_CloseIsIdempotent(t *testing.T) {
	srv, _ := newRoomServer(t, nil)
	defer srv.Close()

	rt := newTestRealtime(srv.URL, "tok", nil)
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := rt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := rt.State(); got != StateDisconnected {
		t.Errorf("expected state disconnected, got %s", got)
	}
	if err := rt.Connect(context.Background()); err != ErrRealtimeClosed {
		t.Errorf("expected ErrRealtimeClosed, got %v", err)
	}
}

// ============================================================================
// Room membership
// ============================================================================

func TestRealtime_JoinReplacesRoom(t *testing.T) {
	srv, _ := newRoomServer(t, nil)
	defer srv.Close()

	rt := newTestRealtime(srv.URL, "tok", nil)
	defer rt.Close()
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	rt.JoinProject(context.Background(), 1)
	waitFor(t, 2*time.Second, "first join", func() bool {
		r := rt.CurrentRoom()
		return r != nil && r.ProjectID == 1
	})

	// Joining another room while already in one: the confirmation for the
	// new room supersedes the old membership, never coexists with it.
	rt.JoinProject(context.Background(), 2)
	waitFor(t, 2*time.Second, "second join", func() bool {
		r := rt.CurrentRoom()
		return r != nil && r.ProjectID == 2
	})
}

func TestRealtime_LeaveProject(t *testing.T) {
	srv, _ := newRoomServer(t, nil)
	defer srv.Close()

	rt := newTestRealtime(srv.URL, "tok", nil)
	defer rt.Close()
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Leaving with no room joined is a no-op.
	if err := rt.LeaveProject(context.Background()); err != nil {
		t.Fatalf("LeaveProject without room: %v", err)
	}

	if err := rt.JoinProjectID(context.Background(), " 3 "); err != nil {
		t.Fatalf("JoinProjectID: %v", err)
	}
	waitFor(t, 2*time.Second, "join", func() bool {
		r := rt.CurrentRoom()
		return r != nil && r.ProjectID == 3
	})

	if err := rt.LeaveProject(context.Background()); err != nil {
		t.Fatalf("LeaveProject: %v", err)
	}
	waitFor(t, 2*time.Second, "leave confirmation", func() bool {
		return rt.CurrentRoom() == nil
	})
}

func TestRealtime_JoinRequiresConnection(t *testing.T) {
	rt := newTestRealtime("http://127.0.0.1:1", "tok", nil)

	if err := rt.JoinProject(context.Background(), 1); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	// Local guards short-circuit before the connection check.
	if err := rt.JoinProject(context.Background(), 0); err != nil {
		t.Errorf("expected nil for non-positive id, got %v", err)
	}
	if err := rt.JoinProjectID(context.Background(), "abc"); err != nil {
		t.Errorf("expected nil for non-numeric id, got %v", err)
	}
}

func TestRealtime_DropClearsRoom(t *testing.T) {
	srv, _ := newRoomServer(t, nil)
	defer srv.Close()

	rt := newTestRealtime(srv.URL, "tok", nil)
	defer rt.Close()
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	rt.JoinProject(context.Background(), 5)
	waitFor(t, 2*time.Second, "join", func() bool { return rt.CurrentRoom() != nil })

	var disconnected atomic.Bool
	rt.OnDisconnect(func(string) { disconnected.Store(true) })

	srv.CloseClientConnections()

	waitFor(t, 2*time.Second, "disconnect", func() bool {
		return rt.State() == StateDisconnected
	})
	if rt.CurrentRoom() != nil {
		t.Error("expected room cleared on disconnect")
	}
	if !disconnected.Load() {
		t.Error("expected disconnect callback")
	}
	if rt.LastError() == "" {
		t.Error("expected drop reason recorded")
	}
}

// ============================================================================
// Event delivery
// ============================================================================

func TestRealtime_ErrorEventRecordedOnly(t *testing.T) {
	push := make(chan Envelope, 1)
	srv, _ := newRoomServer(t, push)
	defer srv.Close()

	rt := newTestRealtime(srv.URL, "tok", nil)
	defer rt.Close()
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	rt.JoinProject(context.Background(), 4)
	waitFor(t, 2*time.Second, "join", func() bool { return rt.CurrentRoom() != nil })

	pushEnvelope(t, push, EventError, ErrorPayload{Message: "rate limited"})

	waitFor(t, 2*time.Second, "error recorded", func() bool {
		return rt.LastError() == "rate limited"
	})
	// The protocol error is visibility only: connection and room survive.
	if got := rt.State(); got != StateConnected {
		t.Errorf("expected state connected, got %s", got)
	}
	if rt.CurrentRoom() == nil {
		t.Error("expected room membership intact")
	}
}

func TestRealtime_CloseStopsEventDelivery(t *testing.T) {
	push := make(chan Envelope, 64)
	srv, _ := newRoomServer(t, push)
	defer srv.Close()

	rt := newTestRealtime(srv.URL, "tok", nil)
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var delivered atomic.Int32
	rt.On(EventTaskCreated, func(json.RawMessage) {
		delivered.Add(1)
	})

	pushEnvelope(t, push, EventTaskCreated, TaskCreatedPayload{Task: Task{ID: 1}})
	waitFor(t, 2*time.Second, "first delivery", func() bool {
		return delivered.Load() == 1
	})

	rt.Close()

	// Events still in flight (or pushed after close) must be discarded.
	for i := 0; i < 10; i++ {
		pushEnvelope(t, push, EventTaskCreated, TaskCreatedPayload{Task: Task{ID: 2 + i}})
	}
	time.Sleep(150 * time.Millisecond)
	if got := delivered.Load(); got != 1 {
		t.Errorf("expected no deliveries after close, got %d total", got)
	}
}

// ============================================================================
// Reconnection
// ============================================================================

func TestRealtime_ReconnectsAfterDrop(t *testing.T) {
	srv, conns := newRoomServer(t, nil)
	defer srv.Close()

	rt := newTestRealtime(srv.URL, "tok", &RealtimeConfig{
		ReconnectDelay:  20 * time.Millisecond,
		DisableFallback: true,
	})
	defer rt.Close()
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, "first connection", func() bool {
		return conns.Load() == 1
	})

	srv.CloseClientConnections()

	waitFor(t, 2*time.Second, "reconnect", func() bool {
		return conns.Load() >= 2 && rt.State() == StateConnected
	})
}

func TestRealtime_ReconnectBudgetExhausted(t *testing.T) {
	srv, _ := newRoomServer(t, nil)

	rt := newTestRealtime(srv.URL, "tok", &RealtimeConfig{
		MaxReconnectAttempts: 2,
		ReconnectDelay:       20 * time.Millisecond,
		DisableFallback:      true,
	})
	defer rt.Close()
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Take the server away entirely: every reconnect attempt must fail, and
	// after the budget is spent the client stays errored without help.
	srv.CloseClientConnections()
	srv.Close()

	waitFor(t, 3*time.Second, "budget exhausted", func() bool {
		return rt.recon.attempts() >= 2 && rt.State() == StateErrored
	})
	time.Sleep(100 * time.Millisecond)
	if got := rt.recon.attempts(); got > 2 {
		t.Errorf("expected at most 2 attempts, got %d", got)
	}
}

// ============================================================================
// SSE fallback
// ============================================================================

func TestRealtime_SSEFallback(t *testing.T) {
	events := make(chan Envelope, 8)

	mux := http.NewServeMux()
	mux.HandleFunc("/realtime/sse", func(w http.ResponseWriter, r *http.Request) {
		fl, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer is not a flusher")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl.Flush()

		for {
			select {
			case env := <-events:
				data, _ := json.Marshal(env)
				fmt.Fprintf(w, ": heartbeat\n\ndata: %s\n\n", data)
				fl.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/api/realtime/send", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var cmd wireCommand
		if json.Unmarshal(body, &cmd) == nil && cmd.Type == CommandJoinProject {
			raw, _ := json.Marshal(JoinedProjectPayload{
				ProjectID:   cmd.Payload.ProjectID,
				ProjectName: "Fallback Room",
			})
			events <- Envelope{Type: EventJoinedProject, Payload: raw}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true}`)
	})
	// No /realtime/ws handler: the WebSocket dial fails and the client is
	// expected to fall back.
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rt := newTestRealtime(srv.URL, "tok", &RealtimeConfig{DisableReconnect: true})
	defer rt.Close()

	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := rt.State(); got != StateConnected {
		t.Fatalf("expected connected over fallback, got %s (%s)", got, rt.LastError())
	}

	if err := rt.JoinProject(context.Background(), 9); err != nil {
		t.Fatalf("JoinProject over fallback: %v", err)
	}
	waitFor(t, 2*time.Second, "fallback join confirmation", func() bool {
		r := rt.CurrentRoom()
		return r != nil && r.ProjectID == 9 && r.ProjectName == "Fallback Room"
	})
}
