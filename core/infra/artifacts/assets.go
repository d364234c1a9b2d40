package artifacts

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/cordum/jobrelay/core/infra/jobstore"
)

// Argument names that may carry an output path.
const (
	ArgOutput    = "output"
	ArgToVideo   = "to_video"
	ArgPath      = "path"
	ArgOutputDir = "output_dir"
)

const maxDirListing = 5

// AssetRef points at something a job produced. Size and MediaType are only
// filled for paths inside an allow-listed base directory.
type AssetRef struct {
	URI       string `json:"uri"`
	Name      string `json:"name"`
	Size      *int64 `json:"size,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Dir       bool   `json:"dir,omitempty"`
	Contained bool   `json:"-"`
}

// OutputArgs returns the argument names that may hold a single output file for
// the given operation. Positional "path" only counts for local decimation.
func OutputArgs(stage, command string) []string {
	keys := []string{ArgOutput, ArgToVideo}
	if stage == "decimate" && command == "local" {
		keys = append(keys, ArgPath)
	}
	return keys
}

// InferAssets lists the artifacts named by a job's arguments and its
// output file. Uncontained paths are listed by URI and never touched.
// Contained paths that do not exist are skipped.
func (l *Layout) InferAssets(stage, command string, args jobstore.Args, outputFile string) []AssetRef {
	var out []AssetRef
	seen := map[string]bool{}
	add := func(ref AssetRef) {
		if seen[ref.URI] {
			return
		}
		seen[ref.URI] = true
		out = append(out, ref)
	}

	candidates := make([]string, 0, 4)
	for _, key := range OutputArgs(stage, command) {
		if v, ok := args.Get(key); ok {
			if s, ok := v.(string); ok && s != "" {
				candidates = append(candidates, s)
			}
		}
	}
	if outputFile != "" {
		candidates = append(candidates, outputFile)
	}
	for _, p := range candidates {
		if ref, ok := l.fileRef(p); ok {
			add(ref)
		}
	}

	if v, ok := args.Get(ArgOutputDir); ok {
		if dir, ok := v.(string); ok && dir != "" {
			for _, ref := range l.dirRefs(dir) {
				add(ref)
			}
		}
	}
	return out
}

func (l *Layout) fileRef(p string) (AssetRef, bool) {
	resolved, contained := l.Contained(p)
	if !contained {
		return AssetRef{URI: p, Name: filepath.Base(p)}, true
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return AssetRef{}, false
	}
	size := info.Size()
	return AssetRef{
		URI:       resolved,
		Name:      filepath.Base(resolved),
		Size:      &size,
		MediaType: MediaType(resolved),
		Contained: true,
	}, true
}

// dirRefs lists a contained directory and its first few files.
func (l *Layout) dirRefs(dir string) []AssetRef {
	resolved, contained := l.Contained(dir)
	if !contained {
		return []AssetRef{{URI: dir, Name: filepath.Base(dir), Dir: true}}
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return nil
	}
	refs := []AssetRef{{URI: resolved, Name: filepath.Base(resolved), Dir: true, Contained: true}}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return refs
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) > maxDirListing {
		names = names[:maxDirListing]
	}
	for _, name := range names {
		if ref, ok := l.fileRef(filepath.Join(resolved, name)); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}
