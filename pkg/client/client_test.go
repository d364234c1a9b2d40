package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cordum/jobrelay/core/controlplane/executor"
	"github.com/cordum/jobrelay/core/controlplane/gateway"
	"github.com/cordum/jobrelay/core/infra/artifacts"
	"github.com/cordum/jobrelay/core/infra/bus"
	"github.com/cordum/jobrelay/core/infra/config"
	"github.com/cordum/jobrelay/core/infra/jobstore"
)

type fixture struct {
	url    string
	layout *artifacts.Layout
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	root := t.TempDir()
	layout, err := artifacts.NewLayout(filepath.Join(root, "uploads"), filepath.Join(root, "results"), time.Hour)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	store := jobstore.NewMemoryStore()
	broker := bus.NewMemoryBroker(bus.Options{})
	runners := executor.NewRegistry()
	runners.Register("process", "echo", executor.RunnerFunc(func(_ context.Context, req executor.Request) (executor.Result, error) {
		fmt.Fprintln(req.Stdout, req.Args.String("text"))
		req.Progress(0.5)
		return executor.Result{}, nil
	}))
	runners.Register("process", "block", executor.RunnerFunc(func(ctx context.Context, _ executor.Request) (executor.Result, error) {
		<-ctx.Done()
		return executor.Result{ExitCode: 1}, ctx.Err()
	}))
	exec, err := executor.New(executor.Options{
		Store:            store,
		Broker:           broker,
		Layout:           layout,
		Runners:          runners,
		MaxConcurrent:    2,
		ProgressInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	cfg := &config.Config{
		Broker:       config.BrokerMemory,
		JobStore:     config.StoreMemory,
		APIKey:       apiKey,
		APIKeyHeader: "X-API-Key",
		StreamIdle:   30 * time.Second,
	}
	srv := httptest.NewServer(gateway.New(cfg, gateway.Deps{Store: store, Broker: broker, Executor: exec, Layout: layout}).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.Shutdown(ctx)
		_ = broker.Close()
	})
	return &fixture{url: srv.URL, layout: layout}
}

func textArgs(text string) jobstore.Args {
	var a jobstore.Args
	a.Set("text", text)
	return a
}

func TestNewTrimsBaseURL(t *testing.T) {
	c := New(" http://localhost:8081/ ", " key ")
	if c.BaseURL != "http://localhost:8081" {
		t.Fatalf("expected trimmed base url, got %s", c.BaseURL)
	}
	if c.APIKey != "key" {
		t.Fatalf("expected trimmed api key")
	}
}

func TestRunGetManifestDownload(t *testing.T) {
	f := newFixture(t, "secret")
	c := New(f.url, "secret")
	ctx := context.Background()

	res, err := c.Run(ctx, SubmitRequest{Stage: "process", Command: "echo", Args: textArgs("hi")})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != jobstore.StatusSucceeded || res.Stdout != "hi\n" {
		t.Fatalf("unexpected result: %+v", res)
	}

	job, err := c.GetJob(ctx, res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != jobstore.StatusSucceeded || job.Args.String("text") != "hi" {
		t.Fatalf("unexpected job: %+v", job)
	}

	m, err := c.Manifest(ctx, res.JobID)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if len(m.Artifacts) != 1 {
		t.Fatalf("unexpected manifest: %+v", m)
	}

	var buf bytes.Buffer
	name, err := c.Download(ctx, res.JobID, DownloadOptions{}, &buf)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if name != "output.txt" || buf.String() != "hi\n" {
		t.Fatalf("download = %q %q", name, buf.String())
	}
}

func TestErrorsCarryGatewayCode(t *testing.T) {
	f := newFixture(t, "secret")
	ctx := context.Background()

	_, err := New(f.url, "wrong").Status(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "unauthorized" {
		t.Fatalf("expected unauthorized api error, got %v", err)
	}

	c := New(f.url, "secret")
	if _, err := c.GetJob(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = c.Run(ctx, SubmitRequest{Stage: "process", Command: "nope"})
	if !errors.As(err, &apiErr) || apiErr.Code != "invalid_request" {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestSubmitWatchAndCancel(t *testing.T) {
	f := newFixture(t, "secret")
	c := New(f.url, "secret")
	ctx := context.Background()

	id, err := c.Submit(ctx, SubmitRequest{Stage: "process", Command: "block"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	type watchResult struct {
		code int
		err  error
	}
	done := make(chan watchResult, 1)
	go func() {
		code, err := c.Watch(ctx, id, []string{"stdout"}, nil)
		done <- watchResult{code, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == jobstore.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := c.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case res := <-done:
		if res.err != nil || res.code != executor.CanceledExitCode {
			t.Fatalf("watch = %d, %v", res.code, res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch did not return")
	}

	var apiErr *APIError
	if err := c.Cancel(ctx, id); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on second cancel, got %v", err)
	}
}

func TestWatchFinishedJobAndErrors(t *testing.T) {
	f := newFixture(t, "")
	c := New(f.url, "")
	ctx := context.Background()

	res, err := c.Run(ctx, SubmitRequest{Stage: "process", Command: "echo", Args: textArgs("x")})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var frames []bus.Frame
	code, err := c.Watch(ctx, res.JobID, nil, func(f bus.Frame) error {
		frames = append(frames, f)
		return nil
	})
	if err != nil || code != 0 || len(frames) != 1 {
		t.Fatalf("watch finished job = %d %v %d frames", code, err, len(frames))
	}

	_, err = c.Watch(ctx, "missing", nil, nil)
	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("expected stream error, got %v", err)
	}
	_, err = c.Watch(ctx, res.JobID, []string{"video"}, nil)
	if !errors.As(err, &streamErr) || !strings.Contains(streamErr.Message, "video") {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}

func TestUpload(t *testing.T) {
	f := newFixture(t, "")
	c := New(f.url, "")

	up, err := c.Upload(context.Background(), "scan.tif", strings.NewReader("TIFF"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if up.FileID == "" || up.Name != "scan.tif" || up.Size != 4 {
		t.Fatalf("unexpected upload: %+v", up)
	}
	if _, err := f.layout.LookupUpload(up.FileID); err != nil {
		t.Fatalf("lookup: %v", err)
	}
}
