package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cordum/jobrelay/core/infra/artifacts"
	"github.com/cordum/jobrelay/core/infra/buildinfo"
	"github.com/cordum/jobrelay/core/infra/jobstore"
	"github.com/cordum/jobrelay/core/infra/logging"
	"github.com/cordum/jobrelay/core/infra/schema"
)

const (
	modeSync  = "sync"
	modeAsync = "async"
)

type submitRequest struct {
	Stage   string        `json:"stage"`
	Command string        `json:"command"`
	Args    jobstore.Args `json:"args"`
	Mode    string        `json:"mode"`
}

type asyncResponse struct {
	JobID  string          `json:"job_id"`
	Status jobstore.Status `json:"status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	build := buildinfo.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        build.Version,
		"commit":         build.Commit,
		"build_date":     build.Date,
		"broker":         s.broker.Backend(),
		"job_store":      s.cfg.JobStore,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// handleSubmit validates before any job record exists, then runs the
// operation inline (sync) or in the background (async).
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmitBytes))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := schema.ValidateSubmit(body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid json")
		return
	}
	if req.Mode == "" {
		req.Mode = modeSync
	}

	if req.Mode == modeAsync {
		id, err := s.exec.RunAsync(r.Context(), req.Stage, req.Command, req.Args)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, asyncResponse{JobID: id, Status: jobstore.StatusQueued})
		return
	}

	res, err := s.exec.RunSync(r.Context(), req.Stage, req.Command, req.Args)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.exec.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asyncResponse{JobID: id, Status: jobstore.StatusCanceled})
}

// handleManifest serves the stored manifest, materializing it for terminal
// jobs that finished without one.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !artifacts.ValidJobID(id) {
		writeDomainError(w, r, fmt.Errorf("job id %q: %w", id, artifacts.ErrUnsafePath))
		return
	}
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	m, err := s.layout.ReadManifest(id)
	if errors.Is(err, artifacts.ErrNotFound) && job.Status.Terminal() {
		m, err = s.layout.MaterializeManifest(id, job.Stage, job.Command, job.Args, job.OutputFile)
	}
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "manifest not available until the job finishes")
			return
		}
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleDownload streams one artifact. zip=1 packages the whole result
// directory first.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()
	var (
		path string
		err  error
	)
	if parseBool(q.Get("zip")) {
		path, err = s.layout.PackageZip(id)
	} else {
		path, err = s.layout.ResolveDownload(id, q.Get("file"))
	}
	if errors.Is(err, artifacts.ErrNotFound) && s.resultsRetired(r, id) {
		err = artifacts.ErrExpired
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeDomainError(w, r, artifacts.ErrNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	name := filepath.Base(path)
	ctype := artifacts.MediaType(name)
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// resultsRetired reports whether the job finished longer ago than the
// retention window, so a missing artifact was cleaned up rather than never
// produced.
func (s *Server) resultsRetired(r *http.Request, id string) bool {
	job, err := s.store.Get(r.Context(), id)
	if err != nil || !job.Status.Terminal() || job.FinishedAt == nil {
		return false
	}
	return s.layout.Expired(*job.FinishedAt)
}

// handleUpload stores the multipart "file" field and returns its file id.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "multipart body required")
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		up, err := s.layout.SaveUpload(part.FileName(), part)
		_ = part.Close()
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		logging.Info("gateway", "upload stored", "file_id", up.FileID, "size", up.Size)
		writeJSON(w, http.StatusCreated, up)
		return
	}
	writeError(w, http.StatusBadRequest, codeInvalidRequest, `missing "file" field`)
}

func parseBool(raw string) bool {
	switch raw {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	default:
		return false
	}
}
