// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/dokkugw/internal/allowlist"
	"github.com/ManuGH/dokkugw/internal/api/middleware"
	"github.com/ManuGH/dokkugw/internal/audit"
	"github.com/ManuGH/dokkugw/internal/auth"
	"github.com/ManuGH/dokkugw/internal/broker"
	"github.com/ManuGH/dokkugw/internal/dokku"
	"github.com/ManuGH/dokkugw/internal/executor"
	"github.com/ManuGH/dokkugw/internal/gateway"
	"github.com/ManuGH/dokkugw/internal/health"
	"github.com/ManuGH/dokkugw/internal/pool"
	"github.com/ManuGH/dokkugw/internal/remote"
	"github.com/ManuGH/dokkugw/internal/remote/remotetest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const psRunning = `=====> my-app ps information
       Deployed:                      true
       Processes:                     1
       Running:                       true
       Status web 1:                  running (CID: 03ea8977f37e)
`

type sink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *sink) Record(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sink) types() []audit.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	srv    *httptest.Server
	pool   *pool.Pool
	broker *broker.Broker
	dialer *remotetest.Dialer
	sink   *sink
	procs  chan *remotetest.Process
}

func scriptedExec(_ context.Context, argv []string, stdout, stderr io.Writer) (int, error) {
	switch argv[0] {
	case "apps:list":
		_, _ = io.WriteString(stdout, "=====> My Apps\nmy-app\n")
	case "ps:report":
		if argv[1] == "ghost" {
			_, _ = io.WriteString(stderr, " !     App ghost does not exist\n")
			return 1, nil
		}
		_, _ = io.WriteString(stdout, psRunning)
	case "domains:report":
		_, _ = io.WriteString(stdout, "       Domains app vhosts:   my-app.example.com\n")
	case "git:report":
		_, _ = io.WriteString(stdout, "       Git deploy branch:   main\n")
	case "config:show":
		_, _ = io.WriteString(stdout, "=====> my-app env vars\nDATABASE_PASSWORD: hunter2\nPORT: 5000\n")
	case "logs":
		_, _ = io.WriteString(stdout, "app[web.1]: ERROR boom\napp[web.1]: ok\n")
	case "ps:restart":
		_, _ = io.WriteString(stdout, "-----> Restarting app "+argv[1]+"\n")
	case "ps:stop":
		_, _ = io.WriteString(stderr, "app is locked\n")
		return 2, nil
	case "version":
		_, _ = io.WriteString(stdout, "dokku version 0.34.4\n")
	case "ps:scale":
		_, _ = io.WriteString(stdout, "-----> Scaling for "+argv[1]+"\nproc type   quantity\n---------   --------\nweb         2\n")
	case "plugin:list":
		_, _ = io.WriteString(stdout, "  letsencrypt   0.20.4 enabled    Automated TLS\n  legacy        0.1.0 disabled\n")
	}
	return 0, nil
}

func newFixture(t *testing.T, rpm int) *fixture {
	t.Helper()
	reg, err := allowlist.Default()
	require.NoError(t, err)

	f := &fixture{sink: &sink{}, procs: make(chan *remotetest.Process, 4)}
	f.dialer = &remotetest.Dialer{
		ExecFn: scriptedExec,
		StartFn: func(context.Context, []string) (remote.Process, error) {
			p := remotetest.NewProcess()
			f.procs <- p
			return p, nil
		},
	}
	f.pool = pool.New(f.dialer, pool.Config{Size: 4, AcquireTimeout: time.Second, DialRate: rate.Inf})
	f.broker = broker.New(reg, f.pool, broker.Config{Heartbeat: time.Hour})
	auditLog := audit.NewLogger(f.sink)
	gw := gateway.New(reg, executor.New(f.pool, executor.Config{}), f.broker, auditLog)

	hm := health.NewManager("test")
	hm.RegisterChecker(health.NewPoolChecker(f.pool))

	s := New(Config{IdentityHeaders: "X-Authentik-"}, gw, dokku.NewClient(gw, 2), hm,
		middleware.NewRateLimiter(rpm, auditLog), auditLog)
	f.srv = httptest.NewServer(s.Handler())
	return f
}

func (f *fixture) close(t *testing.T) {
	f.srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.broker.Close(ctx))
	_ = f.pool.Close()
}

func (f *fixture) do(t *testing.T, method, path, body string, user string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-Authentik-Username", user)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthEndpointsNeedNoIdentity(t *testing.T) {
	f := newFixture(t, 0)
	defer f.close(t)

	resp := f.do(t, http.MethodGet, "/healthz", "", "")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/readyz", "", "")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingIdentityIs401AndAudited(t *testing.T) {
	f := newFixture(t, 0)
	defer f.close(t)

	resp := f.do(t, http.MethodGet, "/api/v1/apps", "", "")
	body := decode[map[string]any](t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "UNAUTHORIZED", body["code"])
	assert.Equal(t, []audit.EventType{audit.EventAuthMissing}, f.sink.types())
	assert.Zero(t, f.dialer.Dials())
}

func TestRunOperation(t *testing.T) {
	f := newFixture(t, 0)
	defer f.close(t)

	resp := f.do(t, http.MethodPost, "/api/v1/ops/restart", `{"args":{"app":"my-app"}}`, "alice")
	res := decode[executor.Result](t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "Restarting app my-app")
	assert.NotEmpty(t, res.InvocationID)
	assert.NotEmpty(t, resp.Header.Get(middleware.HeaderRequestID))
}

func TestRunOperationNonZeroExitIs200(t *testing.T) {
	f := newFixture(t, 0)
	defer f.close(t)

	resp := f.do(t, http.MethodPost, "/api/v1/ops/stop", `{"args":{"app":"my-app"}}`, "alice")
	res := decode[executor.Result](t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "app is locked\n", res.Stderr)
}

func TestRunOperationErrorMapping(t *testing.T) {
	f := newFixture(t, 0)
	defer f.close(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown op", "/api/v1/ops/rm-rf", `{"args":{}}`, http.StatusNotFound, "UNKNOWN_OPERATION"},
		{"missing arg", "/api/v1/ops/restart", `{"args":{}}`, http.StatusBadRequest, "MISSING_ARGUMENT"},
		{"invalid arg", "/api/v1/ops/restart", `{"args":{"app":"my-app; reboot"}}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"undeclared arg", "/api/v1/ops/restart", `{"args":{"app":"my-app","force":"1"}}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"bad json", "/api/v1/ops/restart", `{"args":`, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown field", "/api/v1/ops/restart", `{"argz":{}}`, http.StatusBadRequest, "BAD_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, tt.path, tt.body, "alice")
			body := decode[map[string]any](t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["code"])
		})
	}
	assert.Zero(t, f.dialer.Dials(), "rejected requests never reach the remote host")
}

func TestCrossOriginPostRejected(t *testing.T) {
	f := newFixture(t, 0)
	defer f.close(t)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/ops/restart", strings.NewReader(`{"args":{"app":"my-app"}}`))
	require.NoError(t, err)
	req.Header.Set("X-Authentik-Username", "alice")
	req.Header.Set("Origin", "https://evil.example")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, f.dialer.Dials())
}

func TestAppsEndpoints(t *testing.T) {
	f := newFixture(t, 0)
	defer f.close(t)

	resp := f.do(t, http.MethodGet, "/api/v1/apps", "", "alice")
	apps := decode[[]dokku.App](t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, apps, 1)
	assert.Equal(t, "my-app", apps[0].Name)
	assert.Equal(t, dokku.StatusRunning, apps[0].Status)

	resp = f.do(t, http.MethodGet, "/api/v1/apps/my-app", "", "alice")
	info := decode[dokku.App](t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"my-app.example.com"}, info.Domains)
	assert.Equal(t, "main", info.DeployBranch)
	assert.Equal(t, []dokku.ProcessScale{{Type: "web", Quantity: 2}}, info.Processes)

	resp = f.do(t, http.MethodGet, "/api/v1/apps/my-app/config", "", "alice")
	vars := decode[[]dokku.EnvVar](t, resp)
	require.Len(t, vars, 2)
	assert.True(t, vars[0].Sensitive)
	assert.NotEqual(t, "hunter2", vars[0].Value)

	resp = f.do(t, http.MethodGet, "/api/v1/apps/ghost", "", "alice")
	body := decode[map[string]any](t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "APP_NOT_FOUND", body["code"])

	resp = f.do(t, http.MethodGet, "/api/v1/version", "", "alice")
	v := decode[map[string]string](t, resp)
	assert.Equal(t, "dokku version 0.34.4", v["version"])
}

func TestRecentLogs(t *testing.T) {
	f := newFixture(t, 0)
	defer f.close(t)

	resp := f.do(t, http.MethodGet, "/api/v1/apps/my-app/logs/recent?lines=20", "", "alice")
	logs := decode[[]dokku.LogLine](t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, logs, 2)
	assert.Equal(t, "error", logs[0].Level)
	assert.Contains(t, f.dialer.Conns()[0].Calls(), []string{"logs", "my-app", "-n", "20"})

	resp = f.do(t, http.MethodGet, "/api/v1/apps/my-app/logs/recent?lines=0", "", "alice")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOperationsListing(t *testing.T) {
	f := newFixture(t, 0)
	defer f.close(t)

	resp := f.do(t, http.MethodGet, "/api/v1/operations", "", "alice")
	ops := decode[[]operationView](t, resp)
	byID := map[string]operationView{}
	for _, op := range ops {
		byID[op.ID] = op
	}
	require.Contains(t, byID, "restart")
	assert.True(t, byID["restart"].Mutating)
	assert.True(t, byID["logs-tail"].Streaming)
	assert.Equal(t, "logs", byID["logs-tail"].Stream)
}

func TestPluginsAndStreams(t *testing.T) {
	f := newFixture(t, 0)
	defer f.close(t)

	resp := f.do(t, http.MethodGet, "/api/v1/plugins", "", "alice")
	plugins := decode[[]dokku.Plugin](t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, plugins, 2)
	assert.Equal(t, "letsencrypt", plugins[0].Name)
	assert.False(t, plugins[1].Enabled)

	resp = f.do(t, http.MethodGet, "/api/v1/streams", "", "alice")
	assert.Empty(t, decode[[]broker.StreamInfo](t, resp))

	sub, err := f.broker.Subscribe(context.Background(), "my-app", allowlist.StreamLogs, auth.Identity{Username: "alice"})
	require.NoError(t, err)
	<-f.procs

	resp = f.do(t, http.MethodGet, "/api/v1/streams", "", "alice")
	streams := decode[[]broker.StreamInfo](t, resp)
	require.Len(t, streams, 1)
	assert.Equal(t, "my-app", streams[0].App)
	assert.Equal(t, "logs", streams[0].Kind)
	assert.Equal(t, 1, streams[0].Subscribers)

	require.NoError(t, sub.Close())
}

func TestRateLimitReturns429(t *testing.T) {
	f := newFixture(t, 1)
	defer f.close(t)

	resp := f.do(t, http.MethodGet, "/api/v1/me", "", "alice")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/me", "", "alice")
	body := decode[map[string]any](t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", body["code"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Contains(t, f.sink.types(), audit.EventAPIRateLimit)
}

func TestLogStreamSSE(t *testing.T) {
	f := newFixture(t, 0)
	defer f.close(t)

	resp := f.do(t, http.MethodGet, "/api/v1/apps/my-app/logs/stream", "", "alice")
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var proc *remotetest.Process
	select {
	case proc = <-f.procs:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream not started")
	}
	go func() { _ = proc.Line("app[web.1]: warning disk low") }()

	rd := bufio.NewReader(resp.Body)
	var event, data string
	for data == "" {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	assert.Equal(t, "log", event)

	var ev broker.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, broker.EventLog, ev.Kind)
	assert.Equal(t, "app[web.1]: warning disk low", ev.Payload)
	assert.Equal(t, "warn", ev.Level)
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestWriteSSEFraming(t *testing.T) {
	var buf strings.Builder
	require.NoError(t, writeSSE(&buf, broker.Event{Kind: broker.EventLog, Payload: "hello", Seq: 7}))
	assert.True(t, strings.HasPrefix(buf.String(), "id: 7\nevent: log\ndata: {"), buf.String())
	assert.True(t, strings.HasSuffix(buf.String(), "}\n\n"))

	buf.Reset()
	require.NoError(t, writeSSE(&buf, broker.Event{Kind: broker.EventGap, Payload: "3", Through: 7}))
	assert.NotContains(t, buf.String(), "id:", "gap events must not repeat an event id")
	assert.Contains(t, buf.String(), `"through":7`)
}

func TestLogStreamRejectsBadApp(t *testing.T) {
	f := newFixture(t, 0)
	defer f.close(t)

	resp := f.do(t, http.MethodGet, "/api/v1/apps/Bad..App/logs/stream", "", "alice")
	body := decode[map[string]any](t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", body["code"])
}

func TestLogSocket(t *testing.T) {
	f := newFixture(t, 0)
	defer f.close(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/apps/my-app/logs/ws"
	hdr := http.Header{"X-Authentik-Username": {"alice"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	var proc *remotetest.Process
	select {
	case proc = <-f.procs:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream not started")
	}
	go func() {
		_ = proc.Line("line one")
		_ = proc.Line("line two")
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for _, want := range []string{"line one", "line two"} {
		var ev broker.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, broker.EventLog, ev.Kind)
		assert.Equal(t, want, ev.Payload)
	}

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool {
		return f.broker.State(broker.StreamKey{App: "my-app", Kind: allowlist.StreamLogs}) == broker.StateIdle
	}, 5*time.Second, 20*time.Millisecond, "last unsubscribe tears the stream down")
	assert.True(t, proc.Terminated())
}

func TestLogSocketMissingIdentity(t *testing.T) {
	f := newFixture(t, 0)
	defer f.close(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/apps/my-app/logs/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
