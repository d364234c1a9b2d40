// Package artifacts owns the on-disk result and upload directories: which
// paths a job may expose, their manifest, and containment-checked downloads.
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	ManifestName  = "manifest.json"
	tombstoneName = ".removed"
)

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrUnsafePath = errors.New("path escapes its base directory")
	ErrExpired    = errors.New("artifact expired")
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Layout describes the allow-listed base directories and the retention window.
type Layout struct {
	UploadDir  string
	ResultsDir string
	TTL        time.Duration

	now func() time.Time
}

// NewLayout creates both base directories and stores their resolved paths.
func NewLayout(uploadDir, resultsDir string, ttl time.Duration) (*Layout, error) {
	up, err := prepareBase(uploadDir)
	if err != nil {
		return nil, fmt.Errorf("upload dir: %w", err)
	}
	res, err := prepareBase(resultsDir)
	if err != nil {
		return nil, fmt.Errorf("results dir: %w", err)
	}
	return &Layout{UploadDir: up, ResultsDir: res, TTL: ttl, now: time.Now}, nil
}

func prepareBase(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("directory required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// ValidJobID reports whether id is safe to use as a directory name.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

// ResultDir returns the result directory of a job without creating it.
func (l *Layout) ResultDir(jobID string) (string, error) {
	if !ValidJobID(jobID) {
		return "", fmt.Errorf("job id %q: %w", jobID, ErrUnsafePath)
	}
	return filepath.Join(l.ResultsDir, jobID), nil
}

// EnsureResultDir creates the result directory of a job.
func (l *Layout) EnsureResultDir(jobID string) (string, error) {
	dir, err := l.ResultDir(jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}

// Contained resolves path (following symlinks) and reports whether it lies
// under the upload or results base directory.
func (l *Layout) Contained(path string) (string, bool) {
	resolved, err := resolvePath(path)
	if err != nil {
		return "", false
	}
	for _, base := range []string{l.UploadDir, l.ResultsDir} {
		if within(resolved, base) {
			return resolved, true
		}
	}
	return resolved, false
}

// resolvePath makes path absolute and evaluates symlinks. A missing leaf is
// resolved through its parent so that it can still be placed.
func resolvePath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("invalid path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}

func within(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Expired reports whether something last modified at mod is past retention.
func (l *Layout) Expired(mod time.Time) bool {
	return l.TTL > 0 && l.now().Sub(mod) > l.TTL
}
