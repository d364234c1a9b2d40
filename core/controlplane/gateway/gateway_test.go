package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cordum/jobrelay/core/controlplane/executor"
	"github.com/cordum/jobrelay/core/infra/artifacts"
	"github.com/cordum/jobrelay/core/infra/bus"
	"github.com/cordum/jobrelay/core/infra/config"
	"github.com/cordum/jobrelay/core/infra/jobstore"
)

type testGateway struct {
	srv     *httptest.Server
	cfg     *config.Config
	store   *jobstore.MemoryStore
	broker  *bus.MemoryBroker
	layout  *artifacts.Layout
	runners *executor.Registry
	exec    *executor.Executor
}

func testConfig() *config.Config {
	return &config.Config{
		Broker:           config.BrokerMemory,
		JobStore:         config.StoreMemory,
		APIKeyHeader:     "X-API-Key",
		ResultsTTL:       time.Hour,
		SubscriberQueue:  64,
		StreamIdle:       30 * time.Second,
		ProgressInterval: time.Hour,
		MaxConcurrent:    2,
	}
}

// newTestGateway serves a gateway backed by in-memory components. mutate may
// adjust the configuration before the server is built.
func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	root := t.TempDir()
	layout, err := artifacts.NewLayout(filepath.Join(root, "uploads"), filepath.Join(root, "results"), cfg.ResultsTTL)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	g := &testGateway{
		cfg:     cfg,
		store:   jobstore.NewMemoryStore(),
		broker:  bus.NewMemoryBroker(bus.Options{QueueSize: cfg.SubscriberQueue}),
		layout:  layout,
		runners: executor.NewRegistry(),
	}
	g.runners.Register("process", "echo", executor.RunnerFunc(func(_ context.Context, req executor.Request) (executor.Result, error) {
		fmt.Fprintln(req.Stdout, req.Args.String("text"))
		return executor.Result{}, nil
	}))
	g.runners.Register("process", "block", executor.RunnerFunc(func(ctx context.Context, _ executor.Request) (executor.Result, error) {
		<-ctx.Done()
		return executor.Result{ExitCode: 1}, ctx.Err()
	}))
	g.exec, err = executor.New(executor.Options{
		Store:            g.store,
		Broker:           g.broker,
		Layout:           layout,
		Runners:          g.runners,
		MaxConcurrent:    cfg.MaxConcurrent,
		ProgressInterval: cfg.ProgressInterval,
	})
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	s := New(cfg, Deps{Store: g.store, Broker: g.broker, Executor: g.exec, Layout: layout})
	g.srv = newIPv4Server(t, s.Handler())
	t.Cleanup(func() {
		g.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.exec.Shutdown(ctx)
		_ = g.broker.Close()
	})
	return g
}

func newIPv4Server(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: unable to listen on ipv4 loopback (%v)", err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener = ln
	srv.Start()
	return srv
}

func (g *testGateway) do(t *testing.T, method, path string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, g.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := g.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (g *testGateway) postJSON(t *testing.T, path, body string) *http.Response {
	t.Helper()
	return g.do(t, http.MethodPost, path, strings.NewReader(body), http.Header{"Content-Type": {"application/json"}})
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, status, bytes.TrimSpace(data))
	}
	var body errorBody
	decodeBody(t, resp, &body)
	if body.Code != code {
		t.Fatalf("code = %q, want %q (error %q)", body.Code, code, body.Error)
	}
	if body.Error == "" {
		t.Fatalf("expected error message")
	}
}

// runningJob creates a job record that has started but not finished.
func (g *testGateway) runningJob(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id, err := g.store.Create(ctx, "process", "echo", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := g.store.Update(ctx, id, jobstore.Update{Status: jobstore.StatusPtr(jobstore.StatusRunning)}); err != nil {
		t.Fatalf("start: %v", err)
	}
	return id
}

func (g *testGateway) finishedJob(t *testing.T, code int) string {
	t.Helper()
	id := g.runningJob(t)
	status := jobstore.StatusSucceeded
	if code != 0 {
		status = jobstore.StatusFailed
	}
	if _, err := g.store.Update(context.Background(), id, jobstore.Update{
		Status:   jobstore.StatusPtr(status),
		ExitCode: jobstore.IntPtr(code),
	}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	return id
}

func TestHealthIsPublic(t *testing.T) {
	g := newTestGateway(t, func(c *config.Config) { c.APIKey = "secret" })
	resp := g.do(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestStatusReportsBackends(t *testing.T) {
	g := newTestGateway(t, nil)
	resp := g.do(t, http.MethodGet, "/api/v1/status", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["broker"] != "memory" || body["job_store"] != "memory" {
		t.Fatalf("unexpected status body: %v", body)
	}
}
