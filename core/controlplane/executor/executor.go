// Package executor runs operations as tracked jobs, streams their output to
// the broker and collects their artifacts.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cordum/jobrelay/core/infra/artifacts"
	"github.com/cordum/jobrelay/core/infra/bus"
	"github.com/cordum/jobrelay/core/infra/jobstore"
	"github.com/cordum/jobrelay/core/infra/logging"
	"github.com/cordum/jobrelay/core/infra/metrics"
)

var (
	ErrNotCancelable = errors.New("job is not cancelable")
	ErrClosed        = errors.New("executor is shut down")
)

const (
	defaultMaxConcurrent    = 8
	defaultProgressInterval = 2 * time.Second
	waitPollInterval        = 200 * time.Millisecond

	// CanceledExitCode is sent as the terminal frame of a canceled job.
	CanceledExitCode = -1
)

// Options wires the executor's collaborators.
type Options struct {
	Store            jobstore.Store
	Broker           bus.Broker
	Layout           *artifacts.Layout
	Runners          *Registry
	Metrics          metrics.Metrics
	MaxConcurrent    int
	ProgressInterval time.Duration
}

// RunResult is the response of a synchronous run.
type RunResult struct {
	JobID      string          `json:"job_id"`
	Status     jobstore.Status `json:"status"`
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	ExitCode   int             `json:"exit_code"`
	OutputFile string          `json:"output_file,omitempty"`
}

// Executor creates job records and drives them to a terminal state.
type Executor struct {
	store            jobstore.Store
	broker           bus.Broker
	layout           *artifacts.Layout
	runners          *Registry
	metrics          metrics.Metrics
	progressInterval time.Duration
	sem              chan struct{}

	baseCtx context.Context
	stopAll context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// run is the in-process handle of one job. Its mutex orders every frame
// publication against the terminal transition, so nothing is published after
// the terminal frame.
type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

func New(opts Options) (*Executor, error) {
	if opts.Store == nil || opts.Broker == nil || opts.Layout == nil || opts.Runners == nil {
		return nil, fmt.Errorf("executor: store, broker, layout and runners are required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:            opts.Store,
		broker:           opts.Broker,
		layout:           opts.Layout,
		runners:          opts.Runners,
		metrics:          opts.Metrics,
		progressInterval: opts.ProgressInterval,
		sem:              make(chan struct{}, opts.MaxConcurrent),
		baseCtx:          ctx,
		stopAll:          cancel,
		runs:             make(map[string]*run),
	}, nil
}

// RunSync runs an operation to completion on the caller's goroutine. The job
// is still recorded and streamed like an async one, and waits for a
// concurrency slot the same way.
func (e *Executor) RunSync(ctx context.Context, stage, command string, args jobstore.Args) (*RunResult, error) {
	runner, err := e.runners.Lookup(stage, command)
	if err != nil {
		return nil, err
	}
	id, r, err := e.submit(ctx, stage, command, args, "sync")
	if err != nil {
		return nil, err
	}
	stopOnCaller := context.AfterFunc(ctx, r.cancel)
	defer stopOnCaller()
	defer e.finish(r)

	var job *jobstore.Job
	select {
	case e.sem <- struct{}{}:
		job = e.execute(r, runner, stage, command, args)
		<-e.sem
	case <-r.ctx.Done():
		job = e.abandon(r)
	}
	if job == nil {
		return nil, fmt.Errorf("job %s vanished", id)
	}
	res := &RunResult{
		JobID:      job.ID,
		Status:     job.Status,
		Stdout:     job.Stdout,
		Stderr:     job.Stderr,
		OutputFile: job.OutputFile,
		ExitCode:   CanceledExitCode,
	}
	if job.ExitCode != nil {
		res.ExitCode = *job.ExitCode
	}
	return res, nil
}

// RunAsync records a queued job and returns its id immediately. The job
// starts once a concurrency slot frees up.
func (e *Executor) RunAsync(ctx context.Context, stage, command string, args jobstore.Args) (string, error) {
	runner, err := e.runners.Lookup(stage, command)
	if err != nil {
		return "", err
	}
	id, r, err := e.submit(ctx, stage, command, args, "async")
	if err != nil {
		return "", err
	}
	go func() {
		defer e.finish(r)
		select {
		case e.sem <- struct{}{}:
		case <-r.ctx.Done():
			e.abandon(r)
			return
		}
		defer func() { <-e.sem }()
		e.execute(r, runner, stage, command, args)
	}()
	return id, nil
}

func (e *Executor) submit(ctx context.Context, stage, command string, args jobstore.Args, mode string) (string, *run, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", nil, ErrClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	id, err := e.store.Create(ctx, stage, command, args)
	if err != nil {
		e.wg.Done()
		return "", nil, fmt.Errorf("create job: %w", err)
	}
	runCtx, cancel := context.WithCancel(e.baseCtx)
	r := &run{id: id, ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()

	e.metrics.IncJobsSubmitted(stage, mode)
	logging.Info("executor", "job submitted", "job_id", id, "stage", stage, "command", command, "mode", mode)
	return id, r, nil
}

func (e *Executor) finish(r *run) {
	r.cancel()
	e.mu.Lock()
	delete(e.runs, r.id)
	e.mu.Unlock()
	close(r.done)
	e.wg.Done()
}

// abandon fails a queued job whose context ended before it got a slot. A
// job canceled through Cancel is already terminal and stays untouched.
func (e *Executor) abandon(r *run) *jobstore.Job {
	return e.terminate(r, jobstore.StatusFailed, CanceledExitCode, jobstore.Update{
		Error: jobstore.StringPtr("job stopped before a slot was free"),
	}, time.Time{})
}

// execute drives one job from queued to a terminal state and returns the final
// record.
func (e *Executor) execute(r *run, runner Runner, stage, command string, args jobstore.Args) *jobstore.Job {
	ctx := context.WithoutCancel(r.ctx)
	job, err := e.store.Update(ctx, r.id, jobstore.Update{Status: jobstore.StatusPtr(jobstore.StatusRunning)})
	if err != nil {
		logging.Error("executor", "mark running", "job_id", r.id, "error", err)
		return e.snapshot(ctx, r.id)
	}
	if job.Status != jobstore.StatusRunning {
		return job
	}
	start := time.Now()

	var prog progress
	r.publish(ctx, e.broker, bus.ProgressFrame(0))
	report := func(v float64) {
		if cur, moved := prog.advance(v); moved {
			r.publish(ctx, e.broker, bus.ProgressFrame(cur))
		}
	}

	resolved, inputs, err := e.layout.ResolveUploadPlaceholders(args)
	if err != nil {
		msg := err.Error()
		return e.terminate(r, jobstore.StatusFailed, 1, jobstore.Update{
			Stderr: jobstore.StringPtr(msg + "\n"),
			Error:  jobstore.StringPtr(msg),
		}, start)
	}
	if len(inputs) > 0 {
		if _, err := e.store.Update(ctx, r.id, jobstore.Update{ResolvedInputs: inputs}); err != nil {
			logging.Warn("executor", "record resolved inputs", "job_id", r.id, "error", err)
		}
	}

	stdout := newLineTee(func(line string) { r.publish(ctx, e.broker, bus.StdoutFrame(line)) })
	stderr := newLineTee(func(line string) { r.publish(ctx, e.broker, bus.StderrFrame(line)) })

	ticking := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticking:
				return
			case <-ticker.C:
				r.publish(ctx, e.broker, bus.ProgressFrame(prog.current()))
			}
		}
	}()

	res, runErr := runner.Run(r.ctx, Request{
		JobID:    r.id,
		Stage:    stage,
		Command:  command,
		Args:     resolved,
		Stdout:   stdout,
		Stderr:   stderr,
		Progress: report,
	})
	close(ticking)
	stdout.flush()
	stderr.flush()

	if r.isStopped() {
		e.collectBestEffort(ctx, r.id, resolved)
		return e.snapshot(ctx, r.id)
	}

	out := outputs{stdout: stdout.bytes(), binary: res.Binary}
	out.stdoutBinary = looksBinary(out.stdout)
	errText := string(stderr.bytes())
	status := jobstore.StatusSucceeded
	code := res.ExitCode
	var failure string
	if runErr != nil {
		failure = runErr.Error()
		if code == 0 {
			code = 1
		}
		if !strings.HasSuffix(errText, "\n") && errText != "" {
			errText += "\n"
		}
		errText += failure + "\n"
	}
	if code != 0 {
		status = jobstore.StatusFailed
	}

	update := jobstore.Update{Stderr: jobstore.StringPtr(errText)}
	if !out.stdoutBinary {
		update.Stdout = jobstore.StringPtr(string(out.stdout))
	}
	if failure != "" {
		update.Error = jobstore.StringPtr(failure)
	}
	outputFile, err := e.collect(job, resolved, out)
	if err != nil {
		logging.Warn("executor", "collect artifacts", "job_id", r.id, "error", err)
	}
	if outputFile != "" {
		update.OutputFile = jobstore.StringPtr(outputFile)
	}
	report(1)
	return e.terminate(r, status, code, update, start)
}

// terminate writes the terminal record and publishes the exit frame unless a
// concurrent Cancel got there first.
func (e *Executor) terminate(r *run, status jobstore.Status, code int, u jobstore.Update, start time.Time) *jobstore.Job {
	ctx := context.WithoutCancel(r.ctx)
	u.Status = jobstore.StatusPtr(status)
	u.ExitCode = jobstore.IntPtr(code)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return e.snapshot(ctx, r.id)
	}
	job, err := e.store.Update(ctx, r.id, u)
	if err != nil {
		logging.Error("executor", "finalize job", "job_id", r.id, "error", err)
		return e.snapshot(ctx, r.id)
	}
	if job.Status != status {
		return job
	}
	r.stopped = true
	bus.PublishJobFrame(ctx, e.broker, r.id, bus.ExitFrame(code))

	e.metrics.IncJobsCompleted(job.Stage, string(status))
	if !start.IsZero() {
		e.metrics.ObserveJobDuration(job.Stage, time.Since(start).Seconds())
	}
	logging.Info("executor", "job finished", "job_id", r.id, "status", status, "exit_code", code)
	return job
}

// collectBestEffort refreshes the manifest of a canceled job so partial output
// stays downloadable.
func (e *Executor) collectBestEffort(ctx context.Context, id string, args jobstore.Args) {
	job := e.snapshot(ctx, id)
	if job == nil {
		return
	}
	if _, err := e.layout.EnsureResultDir(id); err != nil {
		return
	}
	if err := e.writeManifest(id, job.Stage, job.Command, args, job.OutputFile); err != nil {
		logging.Warn("executor", "manifest after cancel", "job_id", id, "error", err)
	}
}

func (e *Executor) snapshot(ctx context.Context, id string) *jobstore.Job {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil
	}
	return job
}

// Cancel moves a queued or running job to canceled, stops its frames and
// signals its runner. Work already written to disk is kept.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	r := e.runs[id]
	e.mu.Unlock()

	if r == nil {
		return e.cancelDetached(ctx, id)
	}

	r.mu.Lock()
	job, err := e.store.Get(ctx, id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if job.Status.Terminal() || r.stopped {
		r.mu.Unlock()
		return ErrNotCancelable
	}
	if _, err := e.store.Update(ctx, id, jobstore.Update{Status: jobstore.StatusPtr(jobstore.StatusCanceled)}); err != nil {
		r.mu.Unlock()
		return cancelError(err)
	}
	r.stopped = true
	bus.PublishJobFrame(context.WithoutCancel(ctx), e.broker, id, bus.ExitFrame(CanceledExitCode))
	r.mu.Unlock()
	r.cancel()

	e.metrics.IncJobsCompleted(job.Stage, string(jobstore.StatusCanceled))
	logging.Info("executor", "job canceled", "job_id", id, "from", job.Status)
	return nil
}

// cancelDetached handles jobs this process does not run, such as records
// shared through Redis or left over from a previous process.
func (e *Executor) cancelDetached(ctx context.Context, id string) error {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrNotCancelable
	}
	updated, err := e.store.Update(ctx, id, jobstore.Update{Status: jobstore.StatusPtr(jobstore.StatusCanceled)})
	if err != nil {
		return cancelError(err)
	}
	if updated.Status != jobstore.StatusCanceled {
		return ErrNotCancelable
	}
	bus.PublishJobFrame(context.WithoutCancel(ctx), e.broker, id, bus.ExitFrame(CanceledExitCode))
	e.metrics.IncJobsCompleted(job.Stage, string(jobstore.StatusCanceled))
	logging.Info("executor", "job canceled", "job_id", id, "from", job.Status)
	return nil
}

func cancelError(err error) error {
	if errors.Is(err, jobstore.ErrInvalidTransition) {
		return ErrNotCancelable
	}
	return err
}

// Wait blocks until the job is terminal or ctx ends.
func (e *Executor) Wait(ctx context.Context, id string) (*jobstore.Job, error) {
	e.mu.Lock()
	r := e.runs[id]
	e.mu.Unlock()
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		job, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown rejects new jobs, signals every running one and waits for them to
// record their outcome.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stopAll()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *run) publish(ctx context.Context, b bus.Broker, f bus.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	bus.PublishJobFrame(ctx, b, r.id, f)
}

func (r *run) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}
