package gateway

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cordum/jobrelay/core/controlplane/executor"
	"github.com/cordum/jobrelay/core/infra/artifacts"
	"github.com/cordum/jobrelay/core/infra/jobstore"
)

func TestSubmitSyncThenReadBack(t *testing.T) {
	g := newTestGateway(t, nil)

	resp := g.postJSON(t, "/api/v1/cli/run", `{"stage":"process","command":"echo","args":{"text":"hello"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var res executor.RunResult
	decodeBody(t, resp, &res)
	if res.Status != jobstore.StatusSucceeded || res.ExitCode != 0 || res.Stdout != "hello\n" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if filepath.Base(res.OutputFile) != "output.txt" {
		t.Fatalf("output file = %q", res.OutputFile)
	}

	resp = g.do(t, http.MethodGet, "/api/v1/jobs/"+res.JobID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var job jobstore.Job
	decodeBody(t, resp, &job)
	if job.Status != jobstore.StatusSucceeded || job.ExitCode == nil || *job.ExitCode != 0 {
		t.Fatalf("unexpected job: %+v", job)
	}

	resp = g.do(t, http.MethodGet, "/api/v1/jobs/"+res.JobID+"/manifest", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("manifest status = %d", resp.StatusCode)
	}
	var m artifacts.Manifest
	decodeBody(t, resp, &m)
	if m.JobID != res.JobID || len(m.Artifacts) != 1 || m.Artifacts[0].Name != "output.txt" {
		t.Fatalf("unexpected manifest: %+v", m)
	}

	resp = g.do(t, http.MethodGet, "/api/v1/jobs/"+res.JobID+"/download", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "hello\n" {
		t.Fatalf("download body = %q", data)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "attachment; filename=output.txt" {
		t.Fatalf("content disposition = %q", cd)
	}
}

func TestSubmitAsyncReturnsQueued(t *testing.T) {
	g := newTestGateway(t, nil)

	resp := g.postJSON(t, "/api/v1/cli/run", `{"stage":"process","command":"echo","mode":"async","args":{"text":"later"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var body asyncResponse
	decodeBody(t, resp, &body)
	if body.JobID == "" || body.Status != jobstore.StatusQueued {
		t.Fatalf("unexpected body: %+v", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := g.exec.Wait(ctx, body.JobID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != jobstore.StatusSucceeded || job.Stdout != "later\n" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	g := newTestGateway(t, nil)
	cases := map[string]string{
		"malformed":       `{"stage":`,
		"missing command": `{"stage":"process"}`,
		"bad mode":        `{"stage":"process","command":"echo","mode":"later"}`,
		"nested arg":      `{"stage":"process","command":"echo","args":{"x":{"y":1}}}`,
		"unknown command": `{"stage":"process","command":"nope"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			expectError(t, g.postJSON(t, "/api/v1/cli/run", body), http.StatusBadRequest, codeInvalidRequest)
		})
	}
	if jobs, _ := g.store.ListTerminal(context.Background()); len(jobs) != 0 {
		t.Fatalf("rejected submits created %d jobs", len(jobs))
	}
}

func TestGetUnknownJob(t *testing.T) {
	g := newTestGateway(t, nil)
	expectError(t, g.do(t, http.MethodGet, "/api/v1/jobs/missing", nil, nil), http.StatusNotFound, codeNotFound)
}

func TestCancelOverHTTP(t *testing.T) {
	g := newTestGateway(t, nil)

	expectError(t, g.do(t, http.MethodDelete, "/api/v1/jobs/missing", nil, nil), http.StatusNotFound, codeNotFound)

	done := g.finishedJob(t, 0)
	expectError(t, g.do(t, http.MethodDelete, "/api/v1/jobs/"+done, nil, nil), http.StatusConflict, codeNotCancelable)

	resp := g.postJSON(t, "/api/v1/cli/run", `{"stage":"process","command":"block","mode":"async"}`)
	var queued asyncResponse
	decodeBody(t, resp, &queued)
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := g.store.Get(context.Background(), queued.JobID)
		if err == nil && job.Status == jobstore.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp = g.do(t, http.MethodDelete, "/api/v1/jobs/"+queued.JobID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	var body asyncResponse
	decodeBody(t, resp, &body)
	if body.Status != jobstore.StatusCanceled {
		t.Fatalf("unexpected body: %+v", body)
	}
	expectError(t, g.do(t, http.MethodDelete, "/api/v1/jobs/"+queued.JobID, nil, nil), http.StatusConflict, codeNotCancelable)
}

func TestManifestStates(t *testing.T) {
	g := newTestGateway(t, nil)

	expectError(t, g.do(t, http.MethodGet, "/api/v1/jobs/bad..id/manifest", nil, nil), http.StatusBadRequest, codeUnsafePath)
	expectError(t, g.do(t, http.MethodGet, "/api/v1/jobs/missing/manifest", nil, nil), http.StatusNotFound, codeNotFound)

	running := g.runningJob(t)
	expectError(t, g.do(t, http.MethodGet, "/api/v1/jobs/"+running+"/manifest", nil, nil), http.StatusNotFound, codeNotFound)

	// A terminal job without a stored manifest gets one on first read.
	failed := g.finishedJob(t, 2)
	resp := g.do(t, http.MethodGet, "/api/v1/jobs/"+failed+"/manifest", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("manifest status = %d", resp.StatusCode)
	}
	var m artifacts.Manifest
	decodeBody(t, resp, &m)
	if m.JobID != failed || len(m.Artifacts) != 0 {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if _, err := g.layout.ReadManifest(failed); err != nil {
		t.Fatalf("manifest not stored: %v", err)
	}
}

func writeResult(t *testing.T, g *testGateway, jobID, name, content string) string {
	t.Helper()
	dir, err := g.layout.EnsureResultDir(jobID)
	if err != nil {
		t.Fatalf("result dir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDownloadErrors(t *testing.T) {
	g := newTestGateway(t, nil)
	id := g.finishedJob(t, 0)
	writeResult(t, g, id, "frame.png", "png")
	old := writeResult(t, g, id, "old.csv", "a,b")
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	base := "/api/v1/jobs/" + id + "/download"
	expectError(t, g.do(t, http.MethodGet, base+"?file=../../etc/passwd", nil, nil), http.StatusBadRequest, codeUnsafePath)
	expectError(t, g.do(t, http.MethodGet, base+"?file=missing.png", nil, nil), http.StatusNotFound, codeNotFound)
	expectError(t, g.do(t, http.MethodGet, base+"?file=old.csv", nil, nil), http.StatusGone, codeExpired)
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expired file should be removed, stat err = %v", err)
	}
	expectError(t, g.do(t, http.MethodGet, "/api/v1/jobs/nothing/download", nil, nil), http.StatusNotFound, codeNotFound)

	resp := g.do(t, http.MethodGet, base+"?file=frame.png", nil, nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("download status = %d type = %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestDownloadAfterCleanupIsGone(t *testing.T) {
	g := newTestGateway(t, nil)
	id := g.finishedJob(t, 0)
	out := writeResult(t, g, id, "out.nc", "CDF")
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(out, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if removed, err := g.layout.Sweep(id); err != nil || !removed {
		t.Fatalf("sweep: %v %v", removed, err)
	}

	base := "/api/v1/jobs/" + id + "/download"
	for i := 0; i < 2; i++ {
		expectError(t, g.do(t, http.MethodGet, base+"?file=out.nc", nil, nil), http.StatusGone, codeExpired)
	}
	expectError(t, g.do(t, http.MethodGet, base, nil, nil), http.StatusGone, codeExpired)
	expectError(t, g.do(t, http.MethodGet, base+"?zip=1", nil, nil), http.StatusGone, codeExpired)
	expectError(t, g.do(t, http.MethodGet, base+"?file=never.nc", nil, nil), http.StatusNotFound, codeNotFound)

	// A job finished long ago whose result directory is gone entirely.
	retired := g.runningJob(t)
	finished := time.Now().Add(-2 * time.Hour)
	if _, err := g.store.Update(context.Background(), retired, jobstore.Update{
		Status:     jobstore.StatusPtr(jobstore.StatusSucceeded),
		ExitCode:   jobstore.IntPtr(0),
		FinishedAt: &finished,
	}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	expectError(t, g.do(t, http.MethodGet, "/api/v1/jobs/"+retired+"/download", nil, nil), http.StatusGone, codeExpired)
}

func TestDownloadZipPackagesResults(t *testing.T) {
	g := newTestGateway(t, nil)
	id := g.finishedJob(t, 0)
	writeResult(t, g, id, "a.txt", "alpha")
	writeResult(t, g, id, "b.txt", "beta")

	resp := g.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/download?zip=1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("zip status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("content type = %q", ct)
	}
	data, _ := io.ReadAll(resp.Body)
	if !bytes.HasPrefix(data, []byte("PK")) {
		t.Fatalf("body is not a zip archive")
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), id+".zip") {
		t.Fatalf("content disposition = %q", resp.Header.Get("Content-Disposition"))
	}
}

func TestUploadStoresFile(t *testing.T) {
	g := newTestGateway(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("note", "ignored")
	fw, err := mw.CreateFormFile("file", "../field data.grib2")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write([]byte("GRIB payload"))
	_ = mw.Close()

	resp := g.do(t, http.MethodPost, "/api/v1/upload", &buf, http.Header{"Content-Type": {mw.FormDataContentType()}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var up artifacts.Upload
	decodeBody(t, resp, &up)
	if up.FileID == "" || up.Size != int64(len("GRIB payload")) || up.Name != "field_data.grib2" {
		t.Fatalf("unexpected upload: %+v", up)
	}
	path, err := g.layout.LookupUpload(up.FileID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if data, _ := os.ReadFile(path); string(data) != "GRIB payload" {
		t.Fatalf("stored content = %q", data)
	}
}

func TestUploadRequiresFileField(t *testing.T) {
	g := newTestGateway(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("note", "no file here")
	_ = mw.Close()
	expectError(t, g.do(t, http.MethodPost, "/api/v1/upload", &buf, http.Header{"Content-Type": {mw.FormDataContentType()}}), http.StatusBadRequest, codeInvalidRequest)

	expectError(t, g.postJSON(t, "/api/v1/upload", `{}`), http.StatusBadRequest, codeInvalidRequest)
}
