package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"siteforge/internal/repo"
	"siteforge/internal/stream"
)

const (
	wsWriteTimeout   = 5 * time.Second
	wsStartTimeout   = 10 * time.Second
	wsReadSlack      = 2 // read deadline = PingInterval * wsReadSlack
	wsCloseGraceTime = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from the builder frontend on another origin;
	// the query token is the access control, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

func registerStream(router chi.Router, cfg Config, basePath string) {
	router.Get(basePath+"/ws/build/{project_id}", func(w http.ResponseWriter, r *http.Request) {
		serveStream(cfg, w, r, chi.URLParam(r, "project_id"))
	})
}

// serveStream upgrades the connection and runs the per-session pump: one
// reader goroutine for client pings, a single writer loop for everything
// going out, so concurrent writes never interleave on the socket.
func serveStream(cfg Config, w http.ResponseWriter, r *http.Request, projectID string) {
	principal, err := ParseToken(cfg.Service.Auth.JWTSecret, r.URL.Query().Get("token"))
	if err != nil {
		writeAuthError(w)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := cfg.Log.With("project_id", projectID, "user_id", principal.UserID)

	// The client opens with a start frame carrying the last sequence it has
	// applied, zero for a fresh session.
	conn.SetReadDeadline(time.Now().Add(wsStartTimeout))
	var start stream.ClientMessage
	if err := conn.ReadJSON(&start); err != nil || start.Type != stream.ClientStart {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected start"),
			time.Now().Add(wsCloseGraceTime))
		return
	}

	job, err := cfg.Supervisor.Repo.LatestJob(r.Context(), projectID)
	haveJob := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		log.Error("stream: latest job lookup", "error", err)
		return
	}

	writeMsg := func(msg stream.Message) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(msg)
	}

	// Subscribe before replaying so nothing published in between is lost.
	// Replay and live delivery may overlap on a seq or two; the client's
	// seq gate makes the duplicates harmless.
	sub := cfg.Supervisor.Broadcaster.Subscribe(projectID)
	defer sub.Close()

	ack := stream.Message{Type: stream.TypeConnection}
	if haveJob {
		ack.JobID = job.ID
	}
	if err := writeMsg(ack); err != nil {
		return
	}

	// Catch-up before going live. A gap means the retained tail no longer
	// reaches back to the client's position; it must fetch a snapshot over
	// HTTP and resume from the seq the snapshot reports.
	if haveJob {
		backlog, gap := cfg.Supervisor.Broadcaster.Replay(job.ID, start.LastSeenSeq)
		if gap {
			if err := writeMsg(stream.Message{JobID: job.ID, Type: stream.TypeGap}); err != nil {
				return
			}
		}
		for _, msg := range backlog {
			if err := writeMsg(msg); err != nil {
				return
			}
		}
	}

	pingInterval := time.Duration(cfg.Service.Stream.PingInterval)
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}

	pings := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(pingInterval * wsReadSlack))
			var cm stream.ClientMessage
			if err := conn.ReadJSON(&cm); err != nil {
				readErr <- err
				return
			}
			if cm.Type == stream.ClientPing {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	heartbeat := time.NewTicker(pingInterval)
	defer heartbeat.Stop()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				// Dropped for falling behind; the client reconnects and replays.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow consumer"),
					time.Now().Add(wsCloseGraceTime))
				return
			}
			if err := writeMsg(msg); err != nil {
				return
			}
		case <-pings:
			if err := writeMsg(stream.Message{Type: stream.TypeHeartbeat}); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := writeMsg(stream.Message{Type: stream.TypeHeartbeat}); err != nil {
				return
			}
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			log.Debug("stream: read loop ended", "error", err)
			return
		}
	}
}
