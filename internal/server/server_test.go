package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"siteforge/internal/agents"
	"siteforge/internal/config"
	"siteforge/internal/db"
	"siteforge/internal/domain"
	"siteforge/internal/ledger"
	"siteforge/internal/migrate"
	"siteforge/internal/pipeline"
	"siteforge/internal/stream"
	"siteforge/internal/supervisor"
)

type testServer struct {
	URL    string
	Sup    *supervisor.Supervisor
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, runner supervisor.AgentRunner) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.DevLogin = true
	cfg.Stream.PingInterval = config.Duration(time.Second)

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pipe, err := pipeline.New(cfg.Pricing)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	led := ledger.New(conn)
	bc := stream.NewBroadcaster(cfg.Stream.ReplayBufferSize, cfg.Stream.SendQueueSize)
	if runner == nil {
		runner = &agents.ScriptedRunner{}
	}
	sup := supervisor.New(conn, led, pipe, bc, runner, nil)
	sup.Start(2)

	handler, err := New(Config{Supervisor: sup, Ledger: led, Service: cfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Sup:    sup,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			sup.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func devToken(t *testing.T, srv *testServer, userID string) (string, map[string]string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"user_id": userID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var body DevLoginResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return body.Token, map[string]string{"Authorization": "Bearer " + body.Token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/credits/balance", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %s", code)
	}

	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestSignupGrantAndCredits(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	_, headers := devToken(t, srv, "u1")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/credits/balance", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("balance status %d: %s", res.StatusCode, string(data))
	}
	var bal BalanceResponse
	json.Unmarshal(data, &bal)
	if bal.Balance != 20 {
		t.Fatalf("signup balance = %d, want 20", bal.Balance)
	}

	// logging in again must not grant again
	_, headers = devToken(t, srv, "u1")
	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/credits/balance", nil, headers)
	json.Unmarshal(data, &bal)
	if bal.Balance != 20 {
		t.Fatalf("balance after second login = %d, want 20", bal.Balance)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/credits/add", map[string]any{
		"amount": 30, "note": "top-up",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add status %d: %s", res.StatusCode, string(data))
	}
	json.Unmarshal(data, &bal)
	if bal.Balance != 50 {
		t.Fatalf("balance after add = %d, want 50", bal.Balance)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/credits/history?limit=10", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var hist HistoryResponse
	json.Unmarshal(data, &hist)
	if len(hist.Transactions) != 2 || hist.Balance != 50 {
		t.Fatalf("history = %d rows balance %d", len(hist.Transactions), hist.Balance)
	}
}

func waitForStatus(t *testing.T, srv *testServer, headers map[string]string, jobID string, want domain.JobStatus) JobSnapshotResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs/"+jobID, nil, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("job status %d: %s", res.StatusCode, string(data))
		}
		var snap JobSnapshotResponse
		if err := json.Unmarshal(data, &snap); err != nil {
			t.Fatalf("unmarshal snapshot: %v", err)
		}
		if snap.Job.Status == want {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return JobSnapshotResponse{}
}

func TestBuildLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	_, headers := devToken(t, srv, "u1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/p1/build", map[string]any{
		"prompt": "a landing page for a coffee roastery",
	}, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var started StartBuildResponse
	json.Unmarshal(data, &started)
	if started.EstimatedCost != 17 {
		t.Fatalf("estimate = %d, want 17", started.EstimatedCost)
	}
	if !strings.HasSuffix(started.StreamPath, "/ws/build/p1") {
		t.Fatalf("stream path = %s", started.StreamPath)
	}

	snap := waitForStatus(t, srv, headers, started.JobID, domain.JobCompleted)
	if snap.Job.Result == nil {
		t.Fatalf("completed job has no result")
	}
	if snap.Seq == 0 {
		t.Fatalf("snapshot carries no stream position")
	}

	// project-scoped snapshot resolves the same job
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/p1/build", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("project snapshot status %d: %s", res.StatusCode, string(data))
	}
	var latest JobSnapshotResponse
	json.Unmarshal(data, &latest)
	if latest.Job.ID != started.JobID {
		t.Fatalf("latest job = %s, want %s", latest.Job.ID, started.JobID)
	}

	// build history includes the finished job
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/p1/builds", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("build list status %d: %s", res.StatusCode, string(data))
	}
	var list JobListResponse
	json.Unmarshal(data, &list)
	if len(list.Jobs) != 1 || list.Jobs[0].ID != started.JobID {
		t.Fatalf("build list = %+v", list.Jobs)
	}

	// 20 - 17 charged
	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/credits/balance", nil, headers)
	var bal BalanceResponse
	json.Unmarshal(data, &bal)
	if bal.Balance != 3 {
		t.Fatalf("balance = %d, want 3", bal.Balance)
	}
}

func TestStartBuildInsufficientCredits(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	_, headers := devToken(t, srv, "u1")

	// full pipeline costs 31, signup grant is 20
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/p1/build", map[string]any{
		"prompt":       "everything",
		"with_backend": true,
		"with_images":  true,
	}, headers)
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "insufficient_credits" {
		t.Fatalf("code = %s", code)
	}
}

// gateRunner blocks every step until released.
type gateRunner struct {
	gate chan struct{}
}

func (r *gateRunner) RunStep(ctx context.Context, job domain.BuildJob, step domain.AgentStep, progress func(int, string)) (supervisor.StepResult, error) {
	select {
	case <-r.gate:
	case <-ctx.Done():
		return supervisor.StepResult{}, ctx.Err()
	}
	return supervisor.StepResult{ActualCost: step.BaseCost}, nil
}

func TestProjectBusyConflict(t *testing.T) {
	runner := &gateRunner{gate: make(chan struct{})}
	srv, cleanup := newTestServer(t, runner)
	defer cleanup()
	defer close(runner.gate)
	_, headers := devToken(t, srv, "u1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/p1/build", map[string]any{
		"prompt": "first",
	}, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("first start status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/p1/build", map[string]any{
		"prompt": "second",
	}, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second start status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "project_busy" {
		t.Fatalf("code = %s", code)
	}
}

func TestCancelOverHTTP(t *testing.T) {
	runner := &gateRunner{gate: make(chan struct{})}
	srv, cleanup := newTestServer(t, runner)
	defer cleanup()
	defer close(runner.gate)
	_, headers := devToken(t, srv, "u1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/p1/build", map[string]any{
		"prompt": "to be cancelled",
	}, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var started StartBuildResponse
	json.Unmarshal(data, &started)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/"+started.JobID+"/cancel", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	waitForStatus(t, srv, headers, started.JobID, domain.JobCancelled)

	// cancelling a terminal job conflicts
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/"+started.JobID+"/cancel", nil, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "job_not_active" {
		t.Fatalf("code = %s", code)
	}

	// hold released in full
	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/credits/balance", nil, headers)
	var bal BalanceResponse
	json.Unmarshal(data, &bal)
	if bal.Balance != 20 {
		t.Fatalf("balance = %d, want 20", bal.Balance)
	}
}

func TestJobNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	_, headers := devToken(t, srv, "u1")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs/nope", nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("code = %s", code)
	}
}

func wsURL(srv *testServer, projectID, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws/build/" + projectID + "?token=" + token
}

func readStream(t *testing.T, conn *websocket.Conn, until stream.MessageType, max int) []stream.Message {
	t.Helper()
	var out []stream.Message
	for i := 0; i < max; i++ {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg stream.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		out = append(out, msg)
		if msg.Type == until {
			return out
		}
	}
	t.Fatalf("never saw %s in %d messages", until, max)
	return nil
}

func TestStreamDeliversBuildLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	token, headers := devToken(t, srv, "u1")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "p1", token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(stream.ClientMessage{Type: stream.ClientStart, ProjectID: "p1"}); err != nil {
		t.Fatalf("start frame: %v", err)
	}

	var ack stream.Message
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != stream.TypeConnection {
		t.Fatalf("ack = %+v err %v", ack, err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/p1/build", map[string]any{
		"prompt": "a landing page",
	}, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}

	msgs := readStream(t, conn, stream.TypeBuildComplete, 200)
	last := msgs[len(msgs)-1]
	if last.Complete == nil || last.Complete.Charged != 17 {
		t.Fatalf("complete payload = %+v", last.Complete)
	}

	// job-scoped messages carry strictly increasing seq
	var prev uint64
	for _, m := range msgs {
		if m.Seq == 0 {
			continue // heartbeats and acks
		}
		if m.Seq <= prev {
			t.Fatalf("seq went %d -> %d", prev, m.Seq)
		}
		prev = m.Seq
	}
}

func TestStreamReplayOnReconnect(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	token, headers := devToken(t, srv, "u1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/p1/build", map[string]any{
		"prompt": "a landing page",
	}, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var started StartBuildResponse
	json.Unmarshal(data, &started)
	waitForStatus(t, srv, headers, started.JobID, domain.JobCompleted)

	// connect after the fact claiming we saw nothing: full replay
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "p1", token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteJSON(stream.ClientMessage{Type: stream.ClientStart, ProjectID: "p1"}); err != nil {
		t.Fatalf("start frame: %v", err)
	}
	msgs := readStream(t, conn, stream.TypeBuildComplete, 200)
	conn.Close()
	if msgs[0].Type != stream.TypeConnection {
		t.Fatalf("first message = %s", msgs[0].Type)
	}
	total := msgs[len(msgs)-1].Seq

	// reconnect mid-stream: only the tail comes back
	resume := total - 2
	conn, _, err = websocket.DefaultDialer.Dial(wsURL(srv, "p1", token), nil)
	if err != nil {
		t.Fatalf("redial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(stream.ClientMessage{Type: stream.ClientStart, ProjectID: "p1", LastSeenSeq: resume}); err != nil {
		t.Fatalf("start frame: %v", err)
	}
	msgs = readStream(t, conn, stream.TypeBuildComplete, 10)
	var replayed []uint64
	for _, m := range msgs {
		if m.Seq > 0 {
			replayed = append(replayed, m.Seq)
		}
	}
	if len(replayed) != 2 || replayed[0] != resume+1 || replayed[1] != total {
		t.Fatalf("replayed seqs = %v, want [%d %d]", replayed, resume+1, total)
	}
}

func TestStreamRejectsBadToken(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	_, res, err := websocket.DefaultDialer.Dial(wsURL(srv, "p1", "garbage"), nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("err = %v", err)
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v", res)
	}
}
