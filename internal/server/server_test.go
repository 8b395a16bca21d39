package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/Boomerang-Apps/storyline/internal/config"
	"github.com/Boomerang-Apps/storyline/internal/db"
	"github.com/Boomerang-Apps/storyline/internal/domain"
	"github.com/Boomerang-Apps/storyline/internal/engine"
	"github.com/Boomerang-Apps/storyline/internal/migrate"
	"github.com/Boomerang-Apps/storyline/internal/worker"
)

type testServer struct {
	URL    string
	client *http.Client
	engine *engine.Engine
	worker *worker.Scripted
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T, secret string, mutate func(*config.Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Retry.BackoffBaseSec = 0.001
	cfg.Retry.BackoffCapSec = 0.01
	if mutate != nil {
		mutate(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	w := worker.NewScripted()
	e := engine.New(conn, cfg, w, zap.NewNop())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: secret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		engine: e,
		worker: w,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
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
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %q: %v", data, err)
	}
	return env.Error
}

func startRunBody() map[string]any {
	return map[string]any{
		"name":    "checkout",
		"task":    "Build the checkout flow with tests",
		"domains": []string{"backend", "frontend"},
		"dependencies": map[string][]string{
			"frontend": {"backend"},
		},
		"acceptance_criteria": []string{"a", "b", "c", "d", "e"},
	}
}

// waitForRunStatus polls until the run reaches status or the deadline passes.
// Start and resume detach driving into the background, so tests observe
// progress the way real clients do.
func waitForRunStatus(t *testing.T, ts *testServer, runID, status string) engine.View {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/runs/"+runID, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get run: %d %s", resp.StatusCode, data)
		}
		var view engine.View
		if err := json.Unmarshal(data, &view); err != nil {
			t.Fatalf("decode view: %v", err)
		}
		if view.Run.Status == status {
			return view
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s stuck at %s (gate %d), want %s", runID, view.Run.Status, view.Run.CurrentGate, status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t, "sekrit", nil)
	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", resp.StatusCode, data)
	}
}

func TestAuthRejectsMissingAndBadTokens(t *testing.T) {
	ts := newTestServer(t, "sekrit", nil)

	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/runs", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: %d", resp.StatusCode)
	}
	if e := decodeError(t, data); e.Code != "unauthorized" {
		t.Fatalf("code = %s", e.Code)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/runs", nil,
		map[string]string{"Authorization": "Bearer garbage"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", resp.StatusCode)
	}
	if e := decodeError(t, data); e.Code != "invalid_credentials" {
		t.Fatalf("code = %s", e.Code)
	}

	// Token signed with the wrong secret is rejected the same way.
	wrong := signToken(t, "other-secret", "tester")
	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/runs", nil,
		map[string]string{"Authorization": "Bearer " + wrong})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret: %d", resp.StatusCode)
	}

	good := signToken(t, "sekrit", "tester")
	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/runs", nil,
		map[string]string{"Authorization": "Bearer " + good})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token: %d %s", resp.StatusCode, data)
	}
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestStartRunDrivesToCompletion(t *testing.T) {
	ts := newTestServer(t, "", nil)

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/runs", startRunBody(), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d %s", resp.StatusCode, data)
	}
	var created RunSummary
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if created.ID == "" || created.Name != "checkout" {
		t.Fatalf("summary = %+v", created)
	}

	view := waitForRunStatus(t, ts, created.ID, domain.RunCompleted)
	if len(view.Domains) != 2 {
		t.Fatalf("domains = %d", len(view.Domains))
	}
	if len(view.Reviews) != 2 {
		t.Fatalf("reviews = %d", len(view.Reviews))
	}

	resp, data = doJSON(t, ts.client, http.MethodGet,
		ts.URL+"/v0/runs/"+created.ID+"/domains/backend", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get domain: %d %s", resp.StatusCode, data)
	}
	var state domain.DomainState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decode domain: %v", err)
	}
	if state.Status != domain.DomainComplete {
		t.Fatalf("backend = %s", state.Status)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet,
		ts.URL+"/v0/runs/"+created.ID+"/events", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: %d", resp.StatusCode)
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range events {
		seen[e.Type] = true
	}
	for _, want := range []string{domain.EventRunStarted, domain.EventDomainComplete, domain.EventRunCompleted} {
		if !seen[want] {
			t.Fatalf("event %s missing from %v", want, seen)
		}
	}
}

func TestStartRunValidation(t *testing.T) {
	ts := newTestServer(t, "", nil)

	body := startRunBody()
	delete(body, "task")
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/runs", body, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing task: %d %s", resp.StatusCode, data)
	}
	if e := decodeError(t, data); e.Code != "bad_request" {
		t.Fatalf("code = %s", e.Code)
	}

	body = startRunBody()
	body["dependencies"] = map[string][]string{"backend": {"frontend"}, "frontend": {"backend"}}
	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/runs", body, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("cycle: %d %s", resp.StatusCode, data)
	}
	if e := decodeError(t, data); e.Code != "dependency_cycle" {
		t.Fatalf("code = %s", e.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestServer(t, "", nil)
	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/runs/nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if e := decodeError(t, data); e.Code != "not_found" {
		t.Fatalf("code = %s", e.Code)
	}
}

func TestResumeEscalatedRun(t *testing.T) {
	ts := newTestServer(t, "", func(c *config.Config) { c.Retry.MaxRetries = 0 })
	ts.worker.Script("backend", worker.Outcome{Err: worker.Fail("backend", "never converges")})

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/runs", startRunBody(), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d %s", resp.StatusCode, data)
	}
	var created RunSummary
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode summary: %v", err)
	}

	view := waitForRunStatus(t, ts, created.ID, domain.RunHeld)
	if len(view.Escalations) != 1 || view.Escalations[0].Status != domain.EscalationOpen {
		t.Fatalf("escalations = %+v", view.Escalations)
	}

	ts.worker.Script("backend", worker.Outcome{Output: "ok", Tokens: 100})
	resp, data = doJSON(t, ts.client, http.MethodPost,
		ts.URL+"/v0/runs/"+created.ID+"/resume",
		map[string]any{"approved": true, "feedback": "patched by hand"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume: %d %s", resp.StatusCode, data)
	}

	view = waitForRunStatus(t, ts, created.ID, domain.RunCompleted)
	for _, d := range view.Domains {
		if d.Name == "backend" && d.LastResult != "patched by hand" {
			t.Fatalf("backend result = %q", d.LastResult)
		}
	}
}

func TestAdvanceSuppliesDispatchDecision(t *testing.T) {
	ts := newTestServer(t, "", nil)
	ts.engine.AutoApproveDispatch = false

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/runs", startRunBody(), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d %s", resp.StatusCode, data)
	}
	var created RunSummary
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode summary: %v", err)
	}

	// Drive halts awaiting the human dispatch decision.
	deadline := time.Now().Add(10 * time.Second)
	for {
		view := waitForRunStatus(t, ts, created.ID, domain.RunRunning)
		if view.Gates.CurrentName == "dispatch" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never reached dispatch, at %s", view.Gates.CurrentName)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost,
		ts.URL+"/v0/runs/"+created.ID+"/advance",
		map[string]any{"gate_data": map[string]any{"decision": "approve"}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", resp.StatusCode, data)
	}
	waitForRunStatus(t, ts, created.ID, domain.RunCompleted)
}

func TestCancelTwiceConflicts(t *testing.T) {
	ts := newTestServer(t, "", nil)
	ts.engine.AutoApproveDispatch = false // run parks at dispatch, still cancellable

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/runs", startRunBody(), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d %s", resp.StatusCode, data)
	}
	var created RunSummary
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	url := fmt.Sprintf("%s/v0/runs/%s/cancel", ts.URL, created.ID)

	resp, data = doJSON(t, ts.client, http.MethodPost, url, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", resp.StatusCode, data)
	}
	var summary RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Status != domain.RunCancelled {
		t.Fatalf("status = %s", summary.Status)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, url, nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel: %d", resp.StatusCode)
	}
	if e := decodeError(t, data); e.Code != "run_terminal" {
		t.Fatalf("code = %s", e.Code)
	}
}

func TestOpenAPIAndDocsServed(t *testing.T) {
	ts := newTestServer(t, "sekrit", nil)

	// Spec and docs stay reachable without credentials.
	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/openapi.json", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", resp.StatusCode)
	}
	var spec map[string]any
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("decode spec: %v", err)
	}
	if _, ok := spec["paths"]; !ok {
		t.Fatal("spec has no paths")
	}

	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/docs", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("docs: %d", resp.StatusCode)
	}
}
