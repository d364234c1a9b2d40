package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sweep removes a job's results once everything in the result directory is
// older than the retention window. The manifest stays and the removed names
// are recorded in a tombstone, so later downloads report ErrExpired rather
// than ErrNotFound. It reports whether anything was removed.
func (l *Layout) Sweep(jobID string) (bool, error) {
	if l.TTL <= 0 {
		return false, nil
	}
	dir, err := l.ResultDir(jobID)
	if err != nil {
		return false, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var (
		names  []string
		newest time.Time
	)
	for _, e := range entries {
		if bookkeeping(e.Name()) {
			continue
		}
		mod, err := newestModTime(filepath.Join(dir, e.Name()))
		if err != nil {
			return false, err
		}
		if mod.After(newest) {
			newest = mod
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 || !l.Expired(newest) {
		return false, nil
	}
	for _, name := range names {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return false, err
		}
	}
	if err := recordRemoved(dir, names...); err != nil {
		return false, err
	}
	return true, nil
}

// bookkeeping reports whether name is one of the layout's own files rather
// than a job artifact.
func bookkeeping(name string) bool {
	return name == ManifestName || strings.HasPrefix(name, ".")
}

func recordRemoved(dir string, names ...string) error {
	f, err := os.OpenFile(filepath.Join(dir, tombstoneName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open tombstone: %w", err)
	}
	for _, name := range names {
		if _, err := fmt.Fprintln(f, filepath.ToSlash(name)); err != nil {
			_ = f.Close()
			return fmt.Errorf("write tombstone: %w", err)
		}
	}
	return f.Close()
}

// removedBefore reports whether cleanup already removed name from dir, either
// per the tombstone or because the manifest lists it. An empty name asks
// whether anything was removed at all.
func removedBefore(dir, name string) bool {
	data, _ := os.ReadFile(filepath.Join(dir, tombstoneName))
	removed := strings.Fields(string(data))
	if name == "" {
		return len(removed) > 0
	}
	name = filepath.ToSlash(filepath.Clean(name))
	for _, r := range removed {
		if name == r || strings.HasPrefix(name, r+"/") {
			return true
		}
	}
	m, err := readManifestFile(dir)
	if err != nil {
		return false
	}
	for _, e := range m.Artifacts {
		if e.Name == name && within(e.Path, dir) {
			return true
		}
	}
	return false
}

func newestModTime(dir string) (time.Time, error) {
	var newest time.Time
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest, err
}

// SweepUploads removes uploaded files older than the retention window and
// reports how many were removed.
func (l *Layout) SweepUploads() (int, error) {
	if l.TTL <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(l.UploadDir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || !l.Expired(info.ModTime()) {
			continue
		}
		if err := os.Remove(filepath.Join(l.UploadDir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
