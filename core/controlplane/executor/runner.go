package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/cordum/jobrelay/core/infra/jobstore"
)

// ErrUnknownCommand is returned when no runner serves a (stage, command) pair.
var ErrUnknownCommand = errors.New("unknown command")

// Request is what a runner receives. Runners write text output to Stdout and
// Stderr and may report fractional completion through Progress.
type Request struct {
	JobID    string
	Stage    string
	Command  string
	Args     jobstore.Args
	Stdout   io.Writer
	Stderr   io.Writer
	Progress func(float64)
}

// Result is the outcome of one run. Binary carries non-text output that the
// runner produced in memory instead of writing to Stdout.
type Result struct {
	ExitCode int
	Binary   []byte
}

// Runner executes one operation. It must not touch job state.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Registry maps (stage, command) pairs to runners.
type Registry struct {
	mu       sync.RWMutex
	runners  map[string]Runner
	fallback Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

func registryKey(stage, command string) string {
	return stage + "/" + command
}

// Register binds a runner to one operation, replacing any previous binding.
func (r *Registry) Register(stage, command string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[registryKey(stage, command)] = runner
}

// SetFallback serves every operation without an explicit binding.
func (r *Registry) SetFallback(runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = runner
}

// Lookup returns the runner for an operation or ErrUnknownCommand.
func (r *Registry) Lookup(stage, command string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if runner, ok := r.runners[registryKey(stage, command)]; ok {
		return runner, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%s %s: %w", stage, command, ErrUnknownCommand)
}

// ExecRunner runs an external CLI as `<binary> <stage> <command> --flag value`.
type ExecRunner struct {
	Binary string
	Env    []string
}

func (e *ExecRunner) Run(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(e.Binary) == "" {
		return Result{ExitCode: -1}, fmt.Errorf("exec runner: binary not configured")
	}
	argv := append([]string{req.Stage, req.Command}, CommandLine(req.Args)...)
	cmd := exec.CommandContext(ctx, e.Binary, argv...)
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{ExitCode: exitErr.ExitCode()}, nil
	}
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("exec %s: %w", e.Binary, err)
	}
	return Result{}, nil
}

// CommandLine renders args as long flags. Underscores become dashes, true
// booleans are bare flags, false and nil values are omitted and lists repeat
// the flag once per element.
func CommandLine(args jobstore.Args) []string {
	out := make([]string, 0, len(args)*2)
	for _, arg := range args {
		flag := "--" + strings.ReplaceAll(arg.Name, "_", "-")
		switch v := arg.Value.(type) {
		case nil:
		case bool:
			if v {
				out = append(out, flag)
			}
		case []any:
			for _, item := range v {
				out = append(out, flag, jobstore.FormatValue(item))
			}
		case []string:
			for _, item := range v {
				out = append(out, flag, item)
			}
		default:
			out = append(out, flag, jobstore.FormatValue(v))
		}
	}
	return out
}
