package jobstore

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

var (
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition matches every InvalidTransitionError via errors.Is.
	ErrInvalidTransition = errors.New("invalid status transition")
)

var allowedTransitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusFailed, StatusCanceled},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusCanceled},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCanceled:  {},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is a forward move.
func CanTransition(from, to Status) bool {
	for _, target := range allowedTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError describes a rejected backward or unknown move.
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Job is the canonical record of one submitted operation.
type Job struct {
	ID         string     `json:"job_id"`
	Stage      string     `json:"stage"`
	Command    string     `json:"command"`
	Args       Args       `json:"args"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code"`
	Stdout     string     `json:"stdout"`
	Stderr     string     `json:"stderr"`
	OutputFile string     `json:"output_file,omitempty"`
	Error      string     `json:"error,omitempty"`

	// ResolvedInputs lists the upload paths that file_id placeholders in
	// Args resolved to.
	ResolvedInputs []string `json:"resolved_input_paths,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Args = j.Args.Clone()
	out.StartedAt = cloneTime(j.StartedAt)
	out.FinishedAt = cloneTime(j.FinishedAt)
	out.ResolvedInputs = cloneStrings(j.ResolvedInputs)
	if j.ExitCode != nil {
		code := *j.ExitCode
		out.ExitCode = &code
	}
	return &out
}

// Update is a partial patch; nil fields are left untouched.
type Update struct {
	Status     *Status
	StartedAt  *time.Time
	FinishedAt *time.Time
	ExitCode   *int
	Stdout     *string
	Stderr     *string
	OutputFile *string
	Error      *string

	// ResolvedInputs replaces the recorded inputs when non-nil.
	ResolvedInputs []string
}

// Pointer helpers for building Update values inline.
func StatusPtr(s Status) *Status     { return &s }
func IntPtr(v int) *int              { return &v }
func StringPtr(v string) *string     { return &v }
func TimePtr(t time.Time) *time.Time { return &t }

// apply merges u into job. It reports false when job is already terminal,
// in which case the record must not be written back.
func apply(job *Job, u Update, now time.Time) (bool, error) {
	if job.Status.Terminal() {
		return false, nil
	}
	if u.Status != nil && *u.Status != job.Status {
		if !CanTransition(job.Status, *u.Status) {
			return false, &InvalidTransitionError{JobID: job.ID, From: job.Status, To: *u.Status}
		}
		job.Status = *u.Status
	}
	if u.StartedAt != nil {
		job.StartedAt = cloneTime(u.StartedAt)
	}
	if u.FinishedAt != nil {
		job.FinishedAt = cloneTime(u.FinishedAt)
	}
	if u.ExitCode != nil {
		code := *u.ExitCode
		job.ExitCode = &code
	}
	if u.Stdout != nil {
		job.Stdout = *u.Stdout
	}
	if u.Stderr != nil {
		job.Stderr = *u.Stderr
	}
	if u.OutputFile != nil {
		job.OutputFile = *u.OutputFile
	}
	if u.Error != nil {
		job.Error = *u.Error
	}
	if u.ResolvedInputs != nil {
		job.ResolvedInputs = cloneStrings(u.ResolvedInputs)
	}
	if job.Status == StatusRunning && job.StartedAt == nil {
		job.StartedAt = TimePtr(now)
	}
	if job.Status.Terminal() && job.FinishedAt == nil {
		job.FinishedAt = TimePtr(now)
	}
	return true, nil
}

func newJob(id, stage, command string, args Args, now time.Time) *Job {
	return &Job{
		ID:        id,
		Stage:     stage,
		Command:   command,
		Args:      args.Clone(),
		Status:    StatusQueued,
		CreatedAt: now,
	}
}

func cloneStrings(v []string) []string {
	if v == nil {
		return nil
	}
	return append([]string(nil), v...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
