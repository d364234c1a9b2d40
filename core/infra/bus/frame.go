package bus

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame kinds. Progress, stdout and stderr have their own channels.
const (
	KindProgress = "progress"
	KindStdout   = "stdout"
	KindStderr   = "stderr"
	KindExit     = "exit_code"
	KindError    = "error"
)

// StreamKinds lists the kinds a subscriber can filter on.
var StreamKinds = []string{KindProgress, KindStdout, KindStderr}

const channelPrefix = "jobs."

// Frame is one message on a job channel. Exactly one field is set.
type Frame struct {
	Progress *float64 `json:"progress,omitempty"`
	Stdout   *string  `json:"stdout,omitempty"`
	Stderr   *string  `json:"stderr,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func ProgressFrame(p float64) Frame { return Frame{Progress: &p} }
func StdoutFrame(s string) Frame    { return Frame{Stdout: &s} }
func StderrFrame(s string) Frame    { return Frame{Stderr: &s} }
func ExitFrame(code int) Frame      { return Frame{ExitCode: &code} }
func ErrorFrame(msg string) Frame   { return Frame{Error: msg} }

// Kind returns the frame kind, or "" for an empty frame.
func (f Frame) Kind() string {
	switch {
	case f.ExitCode != nil:
		return KindExit
	case f.Error != "":
		return KindError
	case f.Progress != nil:
		return KindProgress
	case f.Stdout != nil:
		return KindStdout
	case f.Stderr != nil:
		return KindStderr
	default:
		return ""
	}
}

// Terminal reports whether the frame ends a stream.
func (f Frame) Terminal() bool {
	return f.ExitCode != nil || f.Error != ""
}

func (f Frame) Encode() ([]byte, error) {
	if f.Kind() == "" {
		return nil, fmt.Errorf("empty frame")
	}
	return json.Marshal(f)
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Kind() == "" {
		return Frame{}, fmt.Errorf("decode frame: no known field")
	}
	return f, nil
}

// Channel names the channel for a job and kind. An empty kind names the
// unfiltered channel that carries every frame of the job.
func Channel(jobID, kind string) string {
	if kind == "" {
		return channelPrefix + jobID
	}
	return channelPrefix + jobID + "." + kind
}

// IsStreamKind reports whether kind can be used as a filter.
func IsStreamKind(kind string) bool {
	for _, k := range StreamKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ParseKinds splits a comma separated filter. Unknown kinds are returned as an error.
func ParseKinds(raw string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		kind := strings.ToLower(strings.TrimSpace(part))
		if kind == "" || seen[kind] {
			continue
		}
		if !IsStreamKind(kind) {
			return nil, fmt.Errorf("unknown stream kind %q", kind)
		}
		seen[kind] = true
		out = append(out, kind)
	}
	return out, nil
}
