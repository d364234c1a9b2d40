// Package buildinfo reports which build of jobrelay is running.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/cordum/jobrelay/core/infra/logging"
)

// Set with -ldflags "-X github.com/cordum/jobrelay/core/infra/buildinfo.Version=...".
// Values left at their defaults are filled from the metadata the Go
// toolchain embeds, so `go install` builds still report a commit.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Build describes the running binary.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	Go      string `json:"go"`
	Dirty   bool   `json:"dirty,omitempty"`
}

var readBuildInfo = debug.ReadBuildInfo

// Current merges the link-time values with the embedded module and VCS data.
func Current() Build {
	b := Build{Version: Version, Commit: Commit, Date: Date, Go: runtime.Version()}
	info, ok := readBuildInfo()
	if !ok || info == nil {
		return b
	}
	if b.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "unknown" {
				b.Commit = shortRevision(s.Value)
			}
		case "vcs.time":
			if b.Date == "unknown" {
				b.Date = s.Value
			}
		case "vcs.modified":
			b.Dirty = s.Value == "true"
		}
	}
	return b
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func (b Build) String() string {
	s := fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
	if b.Dirty {
		s += " dirty"
	}
	return s
}

// Log records the running build under the service's component name.
func Log(service string) {
	b := Current()
	logging.Info(service, "starting", "version", b.Version, "commit", b.Commit, "date", b.Date, "go", b.Go, "dirty", b.Dirty)
}
