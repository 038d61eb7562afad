package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// maxRemoteResponseBytes caps responses from the hosted service.
const maxRemoteResponseBytes = 64 << 20 // 64 MB, downloads are base64 inline

// RemoteConfig configures the hosted sandbox service adapter.
type RemoteConfig struct {
	Endpoint string // Base URL of the hosted service, e.g. "https://sandboxes.example.com".
	APIKey   string // Bearer key. Required.
}

// Remote drives sandboxes on a hosted Sanduku-compatible service over its
// HTTP API. Instance IDs are the remote service's sandbox IDs.
//
// Execution deadlines are enforced remotely; the adapter only carries the
// caller's context so a local cancel abandons the request while the remote
// side kills the process on its own timeout.
type Remote struct {
	endpoint string
	apiKey   string
	logger   *slog.Logger
	httpc    *http.Client
}

// NewRemote creates a hosted-service adapter.
func NewRemote(cfg RemoteConfig, logger *slog.Logger) *Remote {
	return &Remote{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		logger:   logger,
		// No client-level timeout: exec calls legitimately run for
		// minutes. Per-call contexts bound everything.
		httpc: &http.Client{},
	}
}

func (r *Remote) Name() string { return "remote" }

// Ping verifies the service is reachable and live.
func (r *Remote) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var out struct {
		Status string `json:"status"`
	}
	if err := r.call(pingCtx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return fmt.Errorf("pinging remote service: %w", err)
	}
	return nil
}

// Create provisions a sandbox from the named template on the remote
// service. The remote side owns readiness; a returned sandbox is ready.
func (r *Remote) Create(ctx context.Context, spec CreateSpec) (*Instance, error) {
	body := map[string]any{"template": spec.Template}
	var out struct {
		ID string `json:"id"`
	}
	if err := r.call(ctx, http.MethodPost, "/v1/sandboxes", body, &out); err != nil {
		return nil, err
	}
	r.logger.DebugContext(ctx, "remote sandbox created",
		slog.String("remote_id", out.ID),
		slog.String("template", spec.Template),
	)
	return &Instance{ID: out.ID}, nil
}

// Destroy terminates the remote sandbox. Gone already counts as success.
func (r *Remote) Destroy(ctx context.Context, instanceID string) error {
	err := r.call(ctx, http.MethodDelete, "/v1/sandboxes/"+url.PathEscape(instanceID), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Exec runs a command on the remote sandbox. The remote service enforces
// the execution timeout and kills the process on expiry.
func (r *Remote) Exec(ctx context.Context, instanceID string, req ExecRequest) (*ExecResult, error) {
	body := map[string]any{
		"command":     req.Command,
		"working_dir": req.WorkingDir,
		"env":         req.Env,
		"background":  req.Detach,
	}
	var out struct {
		Stdout     string `json:"stdout"`
		Stderr     string `json:"stderr"`
		ExitCode   int    `json:"exit_code"`
		DurationMS int64  `json:"duration_ms"`
	}
	path := "/v1/sandboxes/" + url.PathEscape(instanceID) + "/exec"
	if err := r.call(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &ExecResult{
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Duration: time.Duration(out.DurationMS) * time.Millisecond,
	}, nil
}

// CopyIn uploads a local file to the remote sandbox. Directories are not
// supported over the hosted API; upload an archive instead.
func (r *Remote) CopyIn(ctx context.Context, instanceID, localPath, remotePath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("local path: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("remote backend cannot upload directories; archive %s first", localPath)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", localPath, err)
	}

	body := map[string]any{
		"path":           remotePath,
		"content_base64": base64.StdEncoding.EncodeToString(data),
	}
	path := "/v1/sandboxes/" + url.PathEscape(instanceID) + "/files/upload"
	return r.call(ctx, http.MethodPost, path, body, nil)
}

// CopyOut downloads a remote file byte-exact.
func (r *Remote) CopyOut(ctx context.Context, instanceID, remotePath, localPath string) error {
	path := "/v1/sandboxes/" + url.PathEscape(instanceID) + "/files/download?path=" + url.QueryEscape(remotePath)
	var out struct {
		ContentBase64 string `json:"content_base64"`
	}
	if err := r.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(out.ContentBase64)
	if err != nil {
		return fmt.Errorf("decoding downloaded content: %w", err)
	}
	return os.WriteFile(localPath, data, 0o644)
}

// ResolvePort asks the remote service for the published address. The
// service reports unpublished ports as an error; no URL is ever invented
// locally.
func (r *Remote) ResolvePort(ctx context.Context, instanceID string, port int) (string, error) {
	path := "/v1/sandboxes/" + url.PathEscape(instanceID) + "/host?port=" + strconv.Itoa(port)
	var out struct {
		URL string `json:"url"`
	}
	if err := r.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// call performs one JSON request against the hosted service and decodes
// the response into out when non-nil.
func (r *Remote) call(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.endpoint+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("calling remote service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponseBytes))
	if err != nil {
		return fmt.Errorf("reading remote response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return r.mapError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding remote response: %w", err)
		}
	}
	return nil
}

// mapError converts a remote error payload to the adapter sentinels where
// one applies.
func (r *Remote) mapError(status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	_ = json.Unmarshal(data, &body)

	switch body.Kind {
	case "not_published":
		return ErrNotPublished
	case "not_found":
		return ErrNotFound
	}
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	}
	if body.Error != "" {
		return fmt.Errorf("remote service: %s (status %d)", body.Error, status)
	}
	return fmt.Errorf("remote service returned status %d", status)
}
