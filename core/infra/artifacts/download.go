package artifacts

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ResolveDownload maps a requested file name to a path inside the job's result
// directory. Without a name it prefers a zip archive, then the first file.
// Expired files are removed and reported as ErrExpired, as is any later
// request for a name that cleanup removed.
func (l *Layout) ResolveDownload(jobID, filename string) (string, error) {
	dir, err := l.ResultDir(jobID)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", ErrNotFound
	}
	var path string
	if filename != "" {
		path, err = resolveInDir(dir, filename)
	} else {
		path, err = defaultArtifact(dir)
	}
	if errors.Is(err, ErrNotFound) && removedBefore(dir, filename) {
		return "", ErrExpired
	}
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", ErrNotFound
	}
	if l.Expired(info.ModTime()) {
		if err := os.Remove(path); err == nil {
			if rel, err := filepath.Rel(dir, path); err == nil {
				_ = recordRemoved(dir, rel)
			}
		}
		return "", ErrExpired
	}
	return path, nil
}

func resolveInDir(dir, name string) (string, error) {
	if strings.ContainsRune(name, 0) || filepath.IsAbs(name) {
		return "", ErrUnsafePath
	}
	target := filepath.Join(dir, name)
	if !within(target, dir) {
		return "", ErrUnsafePath
	}
	resolved, err := filepath.EvalSymlinks(target)
	if errors.Is(err, os.ErrNotExist) {
		if _, lerr := os.Lstat(target); lerr == nil {
			// dangling symlink; its target is outside our view either way
			return "", ErrUnsafePath
		}
		return "", ErrNotFound
	}
	if err != nil {
		return "", ErrNotFound
	}
	if !within(resolved, dir) {
		return "", ErrUnsafePath
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return resolved, nil
}

func defaultArtifact(dir string) (string, error) {
	files, err := containedFiles(dir)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		if strings.EqualFold(filepath.Ext(f), ".zip") {
			return f, nil
		}
	}
	if len(files) == 0 {
		return "", ErrNotFound
	}
	return files[0], nil
}

// containedFiles returns the regular files directly under dir, sorted by name,
// excluding the manifest and any symlink that leaves dir.
func containedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Name() == ManifestName || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		resolved, err := filepath.EvalSymlinks(filepath.Join(dir, e.Name()))
		if err != nil || !within(resolved, dir) {
			continue
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, resolved)
	}
	sort.Strings(out)
	return out, nil
}

// PackageZip writes <job_id>.zip with every contained file of the result
// directory and returns its path.
func (l *Layout) PackageZip(jobID string) (string, error) {
	dir, err := l.ResultDir(jobID)
	if err != nil {
		return "", err
	}
	zipName := jobID + ".zip"
	files, err := containedFiles(dir)
	if err != nil {
		return "", err
	}
	members := make(map[string]string, len(files))
	for _, f := range files {
		if filepath.Base(f) == zipName {
			continue
		}
		members[filepath.Base(f)] = f
	}
	if len(members) == 0 {
		if removedBefore(dir, "") {
			return "", ErrExpired
		}
		return "", ErrNotFound
	}
	dst := filepath.Join(dir, zipName)
	if err := writeZip(dst, members); err != nil {
		return "", err
	}
	return dst, nil
}

// ZipDirectory archives every regular file below src into dst, keeping paths
// relative to src.
func ZipDirectory(src, dst string) error {
	members := map[string]string{}
	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		members[filepath.ToSlash(rel)] = path
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", src, err)
	}
	return writeZip(dst, members)
}

func writeZip(dst string, members map[string]string) error {
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".zip-*")
	if err != nil {
		return err
	}
	zw := zip.NewWriter(tmp)
	for _, name := range names {
		if err := addZipMember(zw, name, members[name]); err != nil {
			_ = zw.Close()
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func addZipMember(zw *zip.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	return nil
}
