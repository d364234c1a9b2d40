package executor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cordum/jobrelay/core/infra/artifacts"
	"github.com/cordum/jobrelay/core/infra/jobstore"
)

const textOutputName = "output.txt"

// outputs is what a finished run left behind.
type outputs struct {
	stdout       []byte
	stdoutBinary bool
	binary       []byte
}

// collect gathers a job's artifacts into its result directory and writes the
// manifest. It returns the primary output file, if any. Only contained paths
// are copied; anything else is listed in the manifest by URI.
func (e *Executor) collect(job *jobstore.Job, args jobstore.Args, out outputs) (string, error) {
	dir, err := e.layout.EnsureResultDir(job.ID)
	if err != nil {
		return "", err
	}
	var outputFile string

	if src := args.String(artifacts.ArgOutputDir); src != "" {
		if resolved, ok := e.layout.Contained(src); ok {
			if info, err := os.Stat(resolved); err == nil && info.IsDir() {
				dst := filepath.Join(dir, filepath.Base(resolved)+".zip")
				if err := artifacts.ZipDirectory(resolved, dst); err != nil {
					return "", fmt.Errorf("zip output dir: %w", err)
				}
				outputFile = dst
			}
		}
	}

	explicit := false
	for _, key := range artifacts.OutputArgs(job.Stage, job.Command) {
		src := args.String(key)
		if src == "" {
			continue
		}
		explicit = true
		resolved, ok := e.layout.Contained(src)
		if !ok {
			continue
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		dst := filepath.Join(dir, filepath.Base(resolved))
		if resolved != dst {
			if err := copyFile(resolved, dst); err != nil {
				return "", fmt.Errorf("copy %s: %w", key, err)
			}
		}
		outputFile = dst
		break
	}

	if outputFile == "" && !explicit {
		data := out.binary
		if data == nil && out.stdoutBinary {
			data = out.stdout
		}
		if len(data) > 0 {
			dst := filepath.Join(dir, "output"+artifacts.SniffExtension(data))
			if err := os.WriteFile(dst, data, 0o640); err != nil {
				return "", err
			}
			outputFile = dst
		}
	}
	if outputFile == "" && !out.stdoutBinary && len(out.stdout) > 0 {
		dst := filepath.Join(dir, textOutputName)
		if err := os.WriteFile(dst, out.stdout, 0o640); err != nil {
			return "", err
		}
		outputFile = dst
	}

	if err := e.writeManifest(job.ID, job.Stage, job.Command, args, outputFile); err != nil {
		return outputFile, err
	}
	return outputFile, nil
}

// writeManifest lists the result directory plus any uncontained outputs.
func (e *Executor) writeManifest(jobID, stage, command string, args jobstore.Args, outputFile string) error {
	_, err := e.layout.MaterializeManifest(jobID, stage, command, args, outputFile)
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
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
