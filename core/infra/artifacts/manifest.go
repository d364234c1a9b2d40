package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cordum/jobrelay/core/infra/jobstore"
)

// Manifest lists what a finished job produced.
type Manifest struct {
	JobID     string          `json:"job_id"`
	CreatedAt time.Time       `json:"created_at"`
	Artifacts []ManifestEntry `json:"artifacts"`
}

// ManifestEntry is one artifact. Entries inside the job's result directory are
// downloadable by Name.
type ManifestEntry struct {
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	Size      *int64     `json:"size,omitempty"`
	ModTime   *time.Time `json:"mtime,omitempty"`
	MediaType string     `json:"media_type,omitempty"`
}

// BuildManifest lists the regular files of the job's result directory plus
// any extra assets that live elsewhere. Symlinks leaving the directory are
// listed without size.
func (l *Layout) BuildManifest(jobID string, extra []AssetRef) (*Manifest, error) {
	dir, err := l.ResultDir(jobID)
	if err != nil {
		return nil, err
	}
	m := &Manifest{JobID: jobID, CreatedAt: l.now().UTC(), Artifacts: []ManifestEntry{}}
	seen := map[string]bool{}

	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read result dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if bookkeeping(e.Name()) || e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		entry := ManifestEntry{Name: e.Name(), Path: path}
		if resolved, err := filepath.EvalSymlinks(path); err == nil && within(resolved, dir) {
			if info, err := os.Stat(resolved); err == nil && info.Mode().IsRegular() {
				size := info.Size()
				mod := info.ModTime().UTC()
				entry.Size = &size
				entry.ModTime = &mod
				entry.MediaType = MediaType(e.Name())
			}
		}
		seen[path] = true
		m.Artifacts = append(m.Artifacts, entry)
	}

	for _, ref := range extra {
		if ref.Dir || seen[ref.URI] {
			continue
		}
		seen[ref.URI] = true
		entry := ManifestEntry{Name: ref.Name, Path: ref.URI, Size: ref.Size, MediaType: ref.MediaType}
		if ref.Contained {
			if info, err := os.Stat(ref.URI); err == nil {
				mod := info.ModTime().UTC()
				entry.ModTime = &mod
			}
		}
		m.Artifacts = append(m.Artifacts, entry)
	}
	return m, nil
}

// MaterializeManifest builds and stores the manifest of a finished job. Paths
// outside the allow-listed directories are listed by URI only.
func (l *Layout) MaterializeManifest(jobID, stage, command string, args jobstore.Args, outputFile string) (*Manifest, error) {
	var extra []AssetRef
	for _, ref := range l.InferAssets(stage, command, args, outputFile) {
		if !ref.Contained {
			extra = append(extra, ref)
		}
	}
	m, err := l.BuildManifest(jobID, extra)
	if err != nil {
		return nil, err
	}
	if err := l.WriteManifest(m); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteManifest stores m as manifest.json in the job's result directory,
// replacing any previous manifest atomically.
func (l *Layout) WriteManifest(m *Manifest) error {
	dir, err := l.EnsureResultDir(m.JobID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, ManifestName))
}

// ReadManifest loads a job's manifest.json.
func (l *Layout) ReadManifest(jobID string) (*Manifest, error) {
	dir, err := l.ResultDir(jobID)
	if err != nil {
		return nil, err
	}
	return readManifestFile(dir)
}

func readManifestFile(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}
