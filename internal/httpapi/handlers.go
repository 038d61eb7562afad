package httpapi

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/sandbox"
)

// --- Sandboxes ---

// SandboxResponse is the JSON form of a sandbox.
type SandboxResponse struct {
	ID         string    `json:"id"`
	Template   string    `json:"template"`
	State      string    `json:"state"`
	PoolOrigin bool      `json:"pool_origin"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func toSandboxResponse(sb *sandbox.Sandbox) SandboxResponse {
	return SandboxResponse{
		ID:         sb.ID,
		Template:   sb.Template,
		State:      string(sb.State),
		PoolOrigin: sb.PoolOrigin,
		CreatedAt:  sb.CreatedAt,
		ExpiresAt:  sb.ExpiresAt,
	}
}

// CreateSandboxRequest is the JSON body for POST /v1/sandboxes.
type CreateSandboxRequest struct {
	Template        string `json:"template"`
	LifetimeSeconds int    `json:"lifetime_seconds,omitempty"` // 0 = server default.
}

func (g *Gateway) handleSandboxCreate(c *okapi.Context) error {
	var req CreateSandboxRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Template == "" {
		return c.AbortBadRequest("template is required")
	}

	sb, err := g.svc.Init(c.Context(), req.Template, time.Duration(req.LifetimeSeconds)*time.Second)
	if err != nil {
		return g.sandboxError(c, err)
	}

	g.logger.Info("http sandbox created",
		slog.String("sandbox_id", sb.ID),
		slog.String("template", sb.Template),
		slog.Bool("pool_origin", sb.PoolOrigin),
	)
	return c.JSON(http.StatusCreated, toSandboxResponse(sb))
}

func (g *Gateway) handleSandboxList(c *okapi.Context) error {
	all := g.svc.Manager.List()
	resp := make([]SandboxResponse, 0, len(all))
	for _, sb := range all {
		resp = append(resp, toSandboxResponse(sb))
	}
	return c.OK(resp)
}

func (g *Gateway) handleSandboxGet(c *okapi.Context) error {
	sb, err := g.svc.Manager.Get(c.Param("id"))
	if err != nil {
		return g.sandboxError(c, err)
	}
	return c.OK(toSandboxResponse(sb))
}

func (g *Gateway) handleSandboxDelete(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.svc.Manager.Terminate(c.Context(), id); err != nil {
		return g.sandboxError(c, err)
	}
	return c.OK(map[string]string{"status": "terminated", "id": id})
}

// ExtendRequest is the JSON body for POST /v1/sandboxes/{id}/extend.
type ExtendRequest struct {
	Seconds int `json:"seconds"`
}

func (g *Gateway) handleExtend(c *okapi.Context) error {
	var req ExtendRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Seconds <= 0 {
		return c.AbortBadRequest("seconds must be positive")
	}

	sb, err := g.svc.Manager.Extend(c.Context(), c.Param("id"), time.Duration(req.Seconds)*time.Second)
	if err != nil {
		return g.sandboxError(c, err)
	}
	return c.OK(toSandboxResponse(sb))
}

// --- Exec ---

// ExecRequest is the JSON body for POST /v1/sandboxes/{id}/exec.
type ExecRequest struct {
	Command        []string          `json:"command"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Shell          bool              `json:"shell,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"` // 0 = server default.
	Background     bool              `json:"background,omitempty"`
}

// ExecResponse is the JSON result of a completed command.
type ExecResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

func (g *Gateway) handleExec(c *okapi.Context) error {
	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Command) == 0 {
		return c.AbortBadRequest("command is required")
	}

	res, err := g.svc.Exec.Exec(c.Context(), c.Param("id"), req.Command, sandbox.ExecOptions{
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
		Shell:      req.Shell,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
		Background: req.Background,
	})
	if err != nil {
		return g.sandboxError(c, err)
	}

	return c.OK(ExecResponse{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
	})
}

// --- Files ---

// WriteFileRequest is the JSON body for POST /v1/sandboxes/{id}/files/write.
type WriteFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (g *Gateway) handleFileWrite(c *okapi.Context) error {
	var req WriteFileRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Path == "" {
		return c.AbortBadRequest("path is required")
	}
	if err := g.svc.Files.WriteText(c.Context(), c.Param("id"), req.Path, req.Content); err != nil {
		return g.sandboxError(c, err)
	}
	return c.OK(map[string]string{"status": "written", "path": req.Path})
}

// ReadFileResponse is the JSON response for GET /v1/sandboxes/{id}/files/read.
type ReadFileResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (g *Gateway) handleFileRead(c *okapi.Context) error {
	path := c.Request().URL.Query().Get("path")
	if path == "" {
		return c.AbortBadRequest("path query parameter is required")
	}
	content, err := g.svc.Files.ReadText(c.Context(), c.Param("id"), path)
	if err != nil {
		return g.sandboxError(c, err)
	}
	return c.OK(ReadFileResponse{Path: path, Content: content})
}

// UploadFileRequest is the JSON body for POST /v1/sandboxes/{id}/files/upload.
// Content is base64 so arbitrary bytes survive the JSON transport.
type UploadFileRequest struct {
	Path          string `json:"path"`
	ContentBase64 string `json:"content_base64"`
}

func (g *Gateway) handleFileUpload(c *okapi.Context) error {
	var req UploadFileRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Path == "" {
		return c.AbortBadRequest("path is required")
	}
	data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		return c.AbortBadRequest("content_base64 is not valid base64")
	}

	tmp, err := os.CreateTemp("", "sanduku-upload-*")
	if err != nil {
		return c.AbortInternalServerError("staging upload failed")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return c.AbortInternalServerError("staging upload failed")
	}
	if err := tmp.Close(); err != nil {
		return c.AbortInternalServerError("staging upload failed")
	}

	if err := g.svc.Files.Upload(c.Context(), c.Param("id"), tmp.Name(), req.Path); err != nil {
		return g.sandboxError(c, err)
	}
	return c.OK(map[string]string{"status": "uploaded", "path": req.Path})
}

// DownloadFileResponse is the JSON response for GET /v1/sandboxes/{id}/files/download.
type DownloadFileResponse struct {
	Path          string `json:"path"`
	ContentBase64 string `json:"content_base64"`
}

func (g *Gateway) handleFileDownload(c *okapi.Context) error {
	path := c.Request().URL.Query().Get("path")
	if path == "" {
		return c.AbortBadRequest("path query parameter is required")
	}

	tmp, err := os.CreateTemp("", "sanduku-download-*")
	if err != nil {
		return c.AbortInternalServerError("staging download failed")
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	if err := g.svc.Files.Download(c.Context(), c.Param("id"), path, tmpName); err != nil {
		return g.sandboxError(c, err)
	}
	data, err := os.ReadFile(tmpName)
	if err != nil {
		return c.AbortInternalServerError("reading staged download failed")
	}
	return c.OK(DownloadFileResponse{
		Path:          path,
		ContentBase64: base64.StdEncoding.EncodeToString(data),
	})
}

// FileListResponse is the JSON response for GET /v1/sandboxes/{id}/files.
type FileListResponse struct {
	Path    string   `json:"path"`
	Entries []string `json:"entries"`
}

func (g *Gateway) handleFileList(c *okapi.Context) error {
	path := c.Request().URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	entries, err := g.svc.Files.List(c.Context(), c.Param("id"), path)
	if err != nil {
		return g.sandboxError(c, err)
	}
	return c.OK(FileListResponse{Path: path, Entries: entries})
}

// MkdirRequest is the JSON body for POST /v1/sandboxes/{id}/files/mkdir.
type MkdirRequest struct {
	Path string `json:"path"`
}

func (g *Gateway) handleFileMkdir(c *okapi.Context) error {
	var req MkdirRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Path == "" {
		return c.AbortBadRequest("path is required")
	}
	if err := g.svc.Files.Mkdir(c.Context(), c.Param("id"), req.Path); err != nil {
		return g.sandboxError(c, err)
	}
	return c.OK(map[string]string{"status": "created", "path": req.Path})
}

// --- Host resolution ---

// HostResponse is the JSON response for GET /v1/sandboxes/{id}/host.
type HostResponse struct {
	Port int    `json:"port"`
	URL  string `json:"url"`
}

func (g *Gateway) handleHost(c *okapi.Context) error {
	raw := c.Request().URL.Query().Get("port")
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return c.AbortBadRequest("port query parameter must be a valid port number")
	}

	url, err := g.svc.Resolver.Resolve(c.Context(), c.Param("id"), port)
	if err != nil {
		return g.sandboxError(c, err)
	}
	return c.OK(HostResponse{Port: port, URL: url})
}

// --- Sessions ---

// SessionResponse is the JSON form of a session port lease.
type SessionResponse struct {
	ID        string    `json:"id"`
	SandboxID string    `json:"sandbox_id"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

func (g *Gateway) handleSessionList(c *okapi.Context) error {
	all := g.sessions.List()
	resp := make([]SessionResponse, 0, len(all))
	for _, s := range all {
		resp = append(resp, SessionResponse{
			ID:        s.ID,
			SandboxID: s.SandboxID,
			Port:      s.Port,
			StartedAt: s.StartedAt,
		})
	}
	return c.OK(resp)
}

// --- Error mapping ---

// sandboxError maps the error taxonomy to HTTP responses. Unclassified
// errors are logged and reported as 500 without leaking internals.
func (g *Gateway) sandboxError(c *okapi.Context, err error) error {
	kind := sandbox.ErrKind(err)
	if kind == "" {
		g.logger.Error("unclassified gateway error", slog.String("error", err.Error()))
		return c.AbortInternalServerError("internal error")
	}
	return c.JSON(statusForKind(kind), ErrorBody{Error: err.Error(), Kind: string(kind)})
}

func statusForKind(kind sandbox.Kind) int {
	switch kind {
	case sandbox.KindNotFound:
		return http.StatusNotFound
	case sandbox.KindTerminated:
		return http.StatusGone
	case sandbox.KindInvalidState, sandbox.KindPortConflict:
		return http.StatusConflict
	case sandbox.KindTimeout:
		return http.StatusGatewayTimeout
	case sandbox.KindNotPublished:
		return http.StatusNotFound
	case sandbox.KindProvision:
		return http.StatusInternalServerError
	case sandbox.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
