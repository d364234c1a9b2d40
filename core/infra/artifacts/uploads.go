package artifacts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cordum/jobrelay/core/infra/jobstore"
	"github.com/google/uuid"
)

// FileIDPrefix marks an argument value that refers to an uploaded file.
const FileIDPrefix = "file_id:"

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Upload describes a stored upload.
type Upload struct {
	FileID string `json:"file_id"`
	Name   string `json:"filename"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
}

// SanitizeName reduces a client supplied file name to a safe base name.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "upload"
	}
	return name
}

// SaveUpload stores r under the upload directory as <file_id>_<name>.
func (l *Layout) SaveUpload(name string, r io.Reader) (*Upload, error) {
	id := uuid.NewString()
	clean := SanitizeName(name)
	path := filepath.Join(l.UploadDir, id+"_"+clean)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write upload: %w", err)
	}
	return &Upload{FileID: id, Name: clean, Path: path, Size: n}, nil
}

// LookupUpload finds the stored path of an upload id.
func (l *Layout) LookupUpload(fileID string) (string, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return "", fmt.Errorf("file id %q: %w", fileID, ErrNotFound)
	}
	matches, err := filepath.Glob(filepath.Join(l.UploadDir, fileID+"_*"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("file id %q: %w", fileID, ErrNotFound)
	}
	return matches[0], nil
}

// ResolveUploadPlaceholders replaces "file_id:<id>" values with the stored
// upload path. It returns a new Args plus the resolved paths in argument
// order, and leaves the input untouched.
func (l *Layout) ResolveUploadPlaceholders(args jobstore.Args) (jobstore.Args, []string, error) {
	out := args.Clone()
	var paths []string
	for i, arg := range out {
		s, ok := arg.Value.(string)
		if !ok || !strings.HasPrefix(s, FileIDPrefix) {
			continue
		}
		path, err := l.LookupUpload(strings.TrimPrefix(s, FileIDPrefix))
		if err != nil {
			return nil, nil, fmt.Errorf("arg %s: %w", arg.Name, err)
		}
		out[i].Value = path
		paths = append(paths, path)
	}
	return out, paths, nil
}
