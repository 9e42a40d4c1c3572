package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"siteforge/internal/domain"
)

var testUpgrader = websocket.Upgrader{}

func wsAddr(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readStart(t *testing.T, conn *websocket.Conn) ClientMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var start ClientMessage
	if err := conn.ReadJSON(&start); err != nil {
		t.Errorf("read start: %v", err)
	}
	return start
}

func closeNormal(conn *websocket.Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	// give the peer a moment to read the close frame before teardown
	time.Sleep(50 * time.Millisecond)
	conn.Close()
}

func TestSessionAppliesLiveStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		start := readStart(t, conn)
		if start.Type != ClientStart || start.ProjectID != "p1" || start.LastSeenSeq != 0 {
			t.Errorf("start frame = %+v", start)
		}
		conn.WriteJSON(Message{Type: TypeConnection})
		conn.WriteJSON(agentMsg(1, "j1", "planner", domain.StepWorking, 40, "working"))
		conn.WriteJSON(agentMsg(2, "j1", "planner", domain.StepCompleted, 100, "done"))
		conn.WriteJSON(Message{Seq: 3, JobID: "j1", Type: TypeBuildComplete, Complete: &CompletePayload{
			Result: "artifact://p1/j1", Charged: 5,
		}})
		closeNormal(conn)
	}))
	defer srv.Close()

	var observed atomic.Int64
	session := NewSession(SessionConfig{
		URL:       wsAddr(srv),
		ProjectID: "p1",
		OnMessage: func(Message) { observed.Add(1) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	p := session.Projection()
	if p.JobID != "j1" || p.Status != domain.JobCompleted || p.Result != "artifact://p1/j1" {
		t.Fatalf("projection = %+v", p)
	}
	if p.LastSeq() != 3 {
		t.Fatalf("lastSeq = %d, want 3", p.LastSeq())
	}
	if observed.Load() != 4 {
		t.Fatalf("observed %d messages, want 4", observed.Load())
	}
	if session.State() != StateClosed {
		t.Fatalf("state = %v, want closed", session.State())
	}
}

func TestSessionReconnectsWithLastSeenSeq(t *testing.T) {
	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		start := readStart(t, conn)
		switch n {
		case 1:
			if start.LastSeenSeq != 0 {
				t.Errorf("first connect last_seen_seq = %d", start.LastSeenSeq)
			}
			conn.WriteJSON(agentMsg(1, "j1", "planner", domain.StepWorking, 40, ""))
			// die without a close frame, like a dropped network path
			time.Sleep(50 * time.Millisecond)
			conn.Close()
		case 2:
			if start.LastSeenSeq != 1 {
				t.Errorf("resume last_seen_seq = %d, want 1", start.LastSeenSeq)
			}
			conn.WriteJSON(agentMsg(2, "j1", "planner", domain.StepCompleted, 100, ""))
			closeNormal(conn)
		default:
			conn.Close()
		}
	}))
	defer srv.Close()

	session := NewSession(SessionConfig{
		URL:       wsAddr(srv),
		ProjectID: "p1",
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := conns.Load(); got != 2 {
		t.Fatalf("connections = %d, want 2", got)
	}
	if session.Projection().LastSeq() != 2 {
		t.Fatalf("lastSeq = %d, want 2", session.Projection().LastSeq())
	}
}

func TestSessionGapRecovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		readStart(t, conn)
		conn.WriteJSON(Message{JobID: "j1", Type: TypeGap})
		conn.WriteJSON(agentMsg(10, "j1", "frontend", domain.StepCompleted, 100, ""))
		closeNormal(conn)
	}))
	defer srv.Close()

	session := NewSession(SessionConfig{
		URL:       wsAddr(srv),
		ProjectID: "p1",
		Snapshot: func(ctx context.Context) (domain.BuildJob, uint64, error) {
			return domain.BuildJob{
				ID:     "j1",
				Status: domain.JobRunning,
				Steps: []domain.AgentStep{
					{AgentType: "planner", Status: domain.StepCompleted, Progress: 100},
					{AgentType: "frontend", Status: domain.StepWorking, Progress: 60},
				},
			}, 9, nil
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	p := session.Projection()
	if p.JobID != "j1" || len(p.Steps()) != 2 {
		t.Fatalf("projection = %+v", p)
	}
	// the live message after the snapshot still applies
	if p.Steps()[1].Status != domain.StepCompleted {
		t.Fatalf("frontend = %+v", p.Steps()[1])
	}
	if p.LastSeq() != 10 {
		t.Fatalf("lastSeq = %d, want 10", p.LastSeq())
	}
}

func TestDroppedConnectionsBackOff(t *testing.T) {
	// a server that upgrades and immediately drops must see backed-off
	// redials, not a hot loop
	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		conn.Close()
	}))
	defer srv.Close()

	session := NewSession(SessionConfig{
		URL:       wsAddr(srv),
		ProjectID: "p1",
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	session.Run(ctx)

	// 500ms at 100ms-doubling backoff allows the initial dial plus a
	// handful of retries; dozens means the delay was skipped
	if got := conns.Load(); got > 6 {
		t.Fatalf("%d connections in 500ms, backoff not applied", got)
	}
}

func TestSessionCloseStopsReconnecting(t *testing.T) {
	// no server at all: every dial fails
	session := NewSession(SessionConfig{
		URL:       "ws://127.0.0.1:1/ws",
		ProjectID: "p1",
		BaseDelay: 5 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestBackoffIsBoundedAndGrows(t *testing.T) {
	s := NewSession(SessionConfig{
		URL:       "ws://example.invalid/ws",
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  2 * time.Second,
	})
	for attempt := 1; attempt <= 12; attempt++ {
		d := s.backoff(attempt)
		if d < 50*time.Millisecond {
			t.Fatalf("attempt %d delay %v below base floor", attempt, d)
		}
		if d > 2*time.Second {
			t.Fatalf("attempt %d delay %v above cap", attempt, d)
		}
	}
	// late attempts sit at the cap's jitter window
	late := s.backoff(10)
	if late < time.Second {
		t.Fatalf("late delay %v, want at least half the cap", late)
	}
}
