// Package client is a small Go client for the jobrelay gateway.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cordum/jobrelay/core/infra/artifacts"
	"github.com/cordum/jobrelay/core/infra/bus"
	"github.com/cordum/jobrelay/core/infra/jobstore"
	"github.com/gorilla/websocket"
)

// #nosec G101 -- protocol label, not a credential.
const apiKeyProtocol = "jobrelay-api-key"

// Client talks to one gateway over HTTP and websockets.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// New returns a client with a default HTTP timeout. Sync submits and
// downloads may take longer; set HTTPClient for those.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  strings.TrimSpace(apiKey),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Minute,
		},
	}
}

// APIError is a non-2xx gateway reply.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the gateway.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// SubmitRequest mirrors the gateway submit payload.
type SubmitRequest struct {
	Stage   string        `json:"stage"`
	Command string        `json:"command"`
	Args    jobstore.Args `json:"args,omitempty"`
	Mode    string        `json:"mode,omitempty"`
}

// RunResult is the reply of a synchronous submit.
type RunResult struct {
	JobID      string          `json:"job_id"`
	Status     jobstore.Status `json:"status"`
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	ExitCode   int             `json:"exit_code"`
	OutputFile string          `json:"output_file,omitempty"`
}

// Accepted is the reply of an asynchronous submit or a cancel.
type Accepted struct {
	JobID  string          `json:"job_id"`
	Status jobstore.Status `json:"status"`
}

// DownloadOptions selects what Download fetches. Empty File picks the
// gateway's default artifact.
type DownloadOptions struct {
	File string
	Zip  bool
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Code = body.Code
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(data))
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}
	return apiErr
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// Status returns the gateway's status document.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Run submits an operation and waits for it to finish.
func (c *Client) Run(ctx context.Context, req SubmitRequest) (*RunResult, error) {
	req.Mode = "sync"
	var out RunResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/cli/run", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit queues an operation and returns its job id immediately.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	req.Mode = "async"
	var out Accepted
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/cli/run", req, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("submit: empty job id")
	}
	return out.JobID, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*jobstore.Job, error) {
	var out jobstore.Job
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(jobID), nil, nil)
}

func (c *Client) Manifest(ctx context.Context, jobID string) (*artifacts.Manifest, error) {
	var out artifacts.Manifest
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID)+"/manifest", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Download copies one artifact into w and returns the file name the gateway
// suggested.
func (c *Client) Download(ctx context.Context, jobID string, opts DownloadOptions, w io.Writer) (string, error) {
	q := url.Values{}
	if opts.File != "" {
		q.Set("file", opts.File)
	}
	if opts.Zip {
		q.Set("zip", "1")
	}
	path := "/api/v1/jobs/" + url.PathEscape(jobID) + "/download"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.send(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	name := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = params["filename"]
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return name, fmt.Errorf("download: %w", err)
	}
	return name, nil
}

// Upload streams r as a multipart file and returns the stored upload.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (*artifacts.Upload, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/upload", pr)
	if err != nil {
		_ = pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.send(req)
	if err != nil {
		_ = pr.Close()
		return nil, err
	}
	defer resp.Body.Close()
	var out artifacts.Upload
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return &out, nil
}

// StreamError is an error frame received on a job stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return "stream: " + e.Message }

// Watch relays a job's frames to fn until the terminal frame. kinds filters
// the non-terminal frames; none means all. It returns the exit code, or a
// StreamError when the gateway ends the stream with an error frame.
func (c *Client) Watch(ctx context.Context, jobID string, kinds []string, fn func(bus.Frame) error) (int, error) {
	u, err := url.Parse(c.endpoint("/ws/jobs/" + url.PathEscape(jobID)))
	if err != nil {
		return 0, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(kinds) > 0 {
		q := u.Query()
		q.Set("stream", strings.Join(kinds, ","))
		u.RawQuery = q.Encode()
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if c.APIKey != "" {
		d := *dialer
		d.Subprotocols = []string{apiKeyProtocol, base64.RawURLEncoding.EncodeToString([]byte(c.APIKey))}
		dialer = &d
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("stream closed before exit: %w", err)
		}
		f, err := bus.DecodeFrame(data)
		if err != nil {
			return 0, err
		}
		if f.Error != "" {
			return 0, &StreamError{Message: f.Error}
		}
		if fn != nil {
			if err := fn(f); err != nil {
				return 0, err
			}
		}
		if f.ExitCode != nil {
			return *f.ExitCode, nil
		}
	}
}
