package stream

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"siteforge/internal/domain"
)

// SessionState is the observable connection state of a StreamSession.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateClosed       SessionState = "closed"
)

// SnapshotFunc fetches the authoritative job snapshot plus the stream
// sequence it reflects. Invoked for gap recovery; typically backed by the
// REST status endpoint.
type SnapshotFunc func(ctx context.Context) (domain.BuildJob, uint64, error)

// SessionConfig configures a client stream session.
type SessionConfig struct {
	// URL is the full websocket endpoint including any auth token.
	URL       string
	ProjectID string

	// PingInterval defaults to 30s. Absence of any inbound traffic for
	// twice this interval is treated as a dead connection.
	PingInterval time.Duration

	// Reconnect backoff: doubles from BaseDelay per consecutive failure,
	// capped at MaxDelay, with jitter, reset once a connection has
	// stayed up for a ping interval.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// OnMessage observes every applied message (after projection update).
	OnMessage func(Message)
	// Snapshot resolves gaps. Without it a gap leaves the projection empty
	// until live traffic for a new job arrives.
	Snapshot SnapshotFunc

	Logger *slog.Logger

	// Dialer overrides the websocket dialer (tests).
	Dialer *websocket.Dialer
}

// Session maintains one logical client connection: handshake, heartbeats,
// reconnection with backoff, and reconciliation through the replay protocol.
// Transport failures never leave the session without a path back to a
// consistent view: either replay covers the gap or a snapshot replaces it.
type Session struct {
	cfg        SessionConfig
	projection *Projection

	state   atomic.Value // SessionState
	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn
	closed  atomic.Bool
}

// NewSession creates a session; call Run to connect.
func NewSession(cfg SessionConfig) *Session {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	s := &Session{cfg: cfg, projection: NewProjection()}
	s.state.Store(StateDisconnected)
	return s
}

// State returns the current connection state.
func (s *Session) State() SessionState { return s.state.Load().(SessionState) }

// Projection returns the session's view of the current job. Not safe for
// concurrent mutation; read it from the OnMessage callback or after Run
// returns.
func (s *Session) Projection() *Projection { return s.projection }

// Close ends the session permanently; Run returns and no reconnection is
// attempted.
func (s *Session) Close() {
	s.closed.Store(true)
	s.state.Store(StateClosed)
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.conn.Close()
	}
	s.connMu.Unlock()
}

// Run connects and serves the session until ctx is done or Close is called.
// Connection failures reconnect with capped exponential backoff and jitter.
func (s *Session) Run(ctx context.Context) error {
	attempts := 0
	for {
		if s.closed.Load() || ctx.Err() != nil {
			s.state.Store(StateClosed)
			return ctx.Err()
		}
		s.state.Store(StateConnecting)
		conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
		if err != nil {
			s.state.Store(StateDisconnected)
			attempts++
			delay := s.backoff(attempts)
			s.cfg.Logger.Debug("stream connect failed", "attempt", attempts, "retry_in", delay, "err", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				s.state.Store(StateClosed)
				return ctx.Err()
			}
		}
		connectedAt := time.Now()
		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.state.Store(StateConnected)

		err = s.serve(ctx, conn)
		conn.Close()
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		if s.closed.Load() || ctx.Err() != nil {
			s.state.Store(StateClosed)
			return ctx.Err()
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
			s.state.Store(StateClosed)
			return nil
		}
		s.state.Store(StateDisconnected)
		// Backoff resets only once a connection has lived past a ping
		// interval; a server that accepts and immediately drops keeps
		// escalating the delay instead of being redialed in a hot loop.
		if time.Since(connectedAt) >= s.cfg.PingInterval {
			attempts = 0
		}
		attempts++
		delay := s.backoff(attempts)
		s.cfg.Logger.Debug("stream connection lost", "attempt", attempts, "retry_in", delay, "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.state.Store(StateClosed)
			return ctx.Err()
		}
	}
}

func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	if err := s.write(conn, ClientMessage{
		Type:        ClientStart,
		ProjectID:   s.cfg.ProjectID,
		LastSeenSeq: s.projection.LastSeq(),
	}); err != nil {
		return err
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.write(conn, ClientMessage{Type: ClientPing}); err != nil {
					return
				}
			case <-pingDone:
				return
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		// Any inbound traffic, heartbeats included, proves the connection
		// is alive; total silence past the deadline does not.
		if err := conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval)); err != nil {
			return err
		}
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		s.handle(ctx, msg)
	}
}

func (s *Session) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case TypeHeartbeat, TypeConnection:
		// Liveness only.
	case TypeGap:
		s.recoverFromGap(ctx)
	default:
		s.projection.Apply(msg)
	}
	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(msg)
	}
}

// recoverFromGap discards the projection and replaces it wholesale with a
// fetched snapshot; partial replay is never merged with accumulated state.
func (s *Session) recoverFromGap(ctx context.Context) {
	if s.cfg.Snapshot == nil {
		return
	}
	job, seq, err := s.cfg.Snapshot(ctx)
	if err != nil {
		s.cfg.Logger.Warn("snapshot fetch after gap failed", "project", s.cfg.ProjectID, "err", err)
		return
	}
	s.projection.ApplySnapshot(job, seq)
}

func (s *Session) write(conn *websocket.Conn, msg ClientMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(msg)
}

func (s *Session) backoff(attempt int) time.Duration {
	d := s.cfg.BaseDelay << (attempt - 1)
	if d > s.cfg.MaxDelay || d <= 0 {
		d = s.cfg.MaxDelay
	}
	// Half fixed, half jitter, so simultaneous reconnects spread out.
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
