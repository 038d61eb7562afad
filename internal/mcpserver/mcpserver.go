// Package mcpserver exposes the sandbox orchestrator as an MCP (Model
// Context Protocol) server over stdio. Agents connect with any MCP client
// and drive the full lifecycle: provision, exec, file transfer, host
// resolution, and browser sessions.
package mcpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/sanduku/internal/browser"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// Server wraps the MCP stdio server around the orchestration service.
type Server struct {
	svc     *sandbox.Service
	browser *browser.Client // nil = browser tools disabled.
	logger  *slog.Logger
	mcp     *server.MCPServer
}

// New builds the MCP server and registers all tools. br may be nil when
// browser sessions are disabled.
func New(svc *sandbox.Service, br *browser.Client, logger *slog.Logger) *Server {
	s := &Server{
		svc:     svc,
		browser: br,
		logger:  logger,
		mcp: server.NewMCPServer(
			"sanduku",
			"0.1.0",
			server.WithToolCapabilities(false),
		),
	}
	s.registerSandboxTools()
	s.registerFileTools()
	if br != nil {
		s.registerBrowserTools()
	}
	return s
}

// ServeStdio blocks serving MCP requests on stdin/stdout until the client
// disconnects or ctx is canceled.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("mcp server starting on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) registerSandboxTools() {
	s.mcp.AddTool(mcp.NewTool("sandbox_init",
		mcp.WithDescription("Provision a sandbox from a template, preferring a warm pool claim. Returns the sandbox id and expiry."),
		mcp.WithString("template", mcp.Required(), mcp.Description("Template name, e.g. \"base\"")),
		mcp.WithNumber("lifetime_seconds", mcp.Description("Lifetime in seconds. Omit for the server default.")),
	), s.handleSandboxInit)

	s.mcp.AddTool(mcp.NewTool("sandbox_status",
		mcp.WithDescription("Get the current state and expiry of a sandbox."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("Sandbox id")),
	), s.handleSandboxStatus)

	s.mcp.AddTool(mcp.NewTool("sandbox_list",
		mcp.WithDescription("List all known sandboxes with their states."),
	), s.handleSandboxList)

	s.mcp.AddTool(mcp.NewTool("sandbox_exec",
		mcp.WithDescription("Run a shell command inside a sandbox and return stdout, stderr and the exit code. A non-zero exit code is data, not an error."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("Sandbox id")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command line to run")),
		mcp.WithString("working_dir", mcp.Description("Working directory inside the sandbox")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Timeout in seconds. Omit for the server default.")),
		mcp.WithBoolean("background", mcp.Description("Launch without waiting for completion")),
	), s.handleSandboxExec)

	s.mcp.AddTool(mcp.NewTool("sandbox_extend",
		mcp.WithDescription("Extend a sandbox's lifetime by the given number of seconds."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("Sandbox id")),
		mcp.WithNumber("seconds", mcp.Required(), mcp.Description("Seconds to add to the current expiry")),
	), s.handleSandboxExtend)

	s.mcp.AddTool(mcp.NewTool("sandbox_kill",
		mcp.WithDescription("Terminate a sandbox and release its resources. Idempotent."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("Sandbox id")),
	), s.handleSandboxKill)

	s.mcp.AddTool(mcp.NewTool("get_host",
		mcp.WithDescription("Resolve the externally reachable URL for a port published by the sandbox. Fails if the port is not published; never invents a URL."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("Sandbox id")),
		mcp.WithNumber("port", mcp.Required(), mcp.Description("Port inside the sandbox")),
	), s.handleGetHost)
}

func (s *Server) registerFileTools() {
	s.mcp.AddTool(mcp.NewTool("files_write",
		mcp.WithDescription("Write a UTF-8 text file into the sandbox, creating parent directories. Binary content must use files_upload."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("Sandbox id")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path inside the sandbox")),
		mcp.WithString("content", mcp.Required(), mcp.Description("UTF-8 text content")),
	), s.handleFilesWrite)

	s.mcp.AddTool(mcp.NewTool("files_read",
		mcp.WithDescription("Read a UTF-8 text file from the sandbox. Binary files must use files_download."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("Sandbox id")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path inside the sandbox")),
	), s.handleFilesRead)

	s.mcp.AddTool(mcp.NewTool("files_upload",
		mcp.WithDescription("Upload binary content into the sandbox byte-exact. Content is base64."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("Sandbox id")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path inside the sandbox")),
		mcp.WithString("content_base64", mcp.Required(), mcp.Description("Base64-encoded content")),
	), s.handleFilesUpload)

	s.mcp.AddTool(mcp.NewTool("files_download",
		mcp.WithDescription("Download a file from the sandbox byte-exact. Returns base64."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("Sandbox id")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path inside the sandbox")),
	), s.handleFilesDownload)

	s.mcp.AddTool(mcp.NewTool("files_list",
		mcp.WithDescription("List the entries of a directory inside the sandbox, including dotfiles."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("Sandbox id")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Directory path inside the sandbox")),
	), s.handleFilesList)

	s.mcp.AddTool(mcp.NewTool("files_mkdir",
		mcp.WithDescription("Create a directory and any missing parents inside the sandbox."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("Sandbox id")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Directory path inside the sandbox")),
	), s.handleFilesMkdir)
}

func (s *Server) registerBrowserTools() {
	s.mcp.AddTool(mcp.NewTool("browser_start",
		mcp.WithDescription("Start a browser session inside the sandbox on a dedicated port. Returns the session id."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("Sandbox id")),
		mcp.WithNumber("port", mcp.Description("Explicit driver port. Omit to auto-allocate.")),
	), s.handleBrowserStart)

	s.mcp.AddTool(mcp.NewTool("browser_nav",
		mcp.WithDescription("Navigate the browser session to a URL."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Browser session id")),
		mcp.WithString("url", mcp.Required(), mcp.Description("URL to open")),
	), s.handleBrowserNav)

	s.mcp.AddTool(mcp.NewTool("browser_screenshot",
		mcp.WithDescription("Capture a screenshot of the current page. Returns base64 PNG."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Browser session id")),
	), s.handleBrowserScreenshot)

	s.mcp.AddTool(mcp.NewTool("browser_eval",
		mcp.WithDescription("Evaluate a JavaScript expression in the page and return the result."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Browser session id")),
		mcp.WithString("expression", mcp.Required(), mcp.Description("JavaScript expression")),
	), s.handleBrowserEval)

	s.mcp.AddTool(mcp.NewTool("browser_click",
		mcp.WithDescription("Click the element matching a CSS selector."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Browser session id")),
		mcp.WithString("selector", mcp.Required(), mcp.Description("CSS selector")),
	), s.handleBrowserClick)

	s.mcp.AddTool(mcp.NewTool("browser_type",
		mcp.WithDescription("Type text into the element matching a CSS selector."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Browser session id")),
		mcp.WithString("selector", mcp.Required(), mcp.Description("CSS selector")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Text to type")),
	), s.handleBrowserType)

	s.mcp.AddTool(mcp.NewTool("browser_press",
		mcp.WithDescription("Send a single key press to the focused element, e.g. \"Enter\" or \"Tab\"."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Browser session id")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Key name")),
	), s.handleBrowserPress)

	s.mcp.AddTool(mcp.NewTool("browser_scroll",
		mcp.WithDescription("Scroll the page by pixel deltas."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Browser session id")),
		mcp.WithNumber("dx", mcp.Description("Horizontal delta in pixels")),
		mcp.WithNumber("dy", mcp.Description("Vertical delta in pixels")),
	), s.handleBrowserScroll)

	s.mcp.AddTool(mcp.NewTool("browser_a11y",
		mcp.WithDescription("Get the page's accessibility tree as JSON."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Browser session id")),
	), s.handleBrowserA11y)

	s.mcp.AddTool(mcp.NewTool("browser_dom",
		mcp.WithDescription("Get the serialized DOM, optionally scoped to a CSS selector."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Browser session id")),
		mcp.WithString("selector", mcp.Description("CSS selector to scope the snapshot. Omit for the whole document.")),
	), s.handleBrowserDOM)

	s.mcp.AddTool(mcp.NewTool("browser_close",
		mcp.WithDescription("Close a browser session and release its port."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Browser session id")),
	), s.handleBrowserClose)
}

// --- Sandbox handlers ---

func (s *Server) handleSandboxInit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	template, err := req.RequireString("template")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lifetime := time.Duration(req.GetFloat("lifetime_seconds", 0)) * time.Second

	sb, err := s.svc.Init(ctx, template, lifetime)
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(formatSandbox(sb)), nil
}

func (s *Server) handleSandboxStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sb, err := s.svc.Manager.Get(id)
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(formatSandbox(sb)), nil
}

func (s *Server) handleSandboxList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	all := s.svc.Manager.List()
	if len(all) == 0 {
		return mcp.NewToolResultText("no sandboxes"), nil
	}
	var b strings.Builder
	for _, sb := range all {
		b.WriteString(formatSandbox(sb))
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

func (s *Server) handleSandboxExec(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.svc.Exec.Exec(ctx, id, []string{command}, sandbox.ExecOptions{
		Shell:      true,
		WorkingDir: req.GetString("working_dir", ""),
		Timeout:    time.Duration(req.GetFloat("timeout_seconds", 0)) * time.Second,
		Background: req.GetBool("background", false),
	})
	if err != nil {
		return s.toolError(err), nil
	}

	if req.GetBool("background", false) {
		return mcp.NewToolResultText("command launched in background"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d (%.2fs)\n", res.ExitCode, res.Duration.Seconds())
	if res.Stdout != "" {
		fmt.Fprintf(&b, "stdout:\n%s", res.Stdout)
	}
	if res.Stderr != "" {
		if res.Stdout != "" && !strings.HasSuffix(res.Stdout, "\n") {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "stderr:\n%s", res.Stderr)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleSandboxExtend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	seconds := req.GetFloat("seconds", 0)
	if seconds <= 0 {
		return mcp.NewToolResultError("seconds must be positive"), nil
	}
	sb, err := s.svc.Manager.Extend(ctx, id, time.Duration(seconds)*time.Second)
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(formatSandbox(sb)), nil
}

func (s *Server) handleSandboxKill(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.Manager.Terminate(ctx, id); err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("sandbox %s terminated", id)), nil
}

func (s *Server) handleGetHost(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	port := int(req.GetFloat("port", 0))
	if port <= 0 || port > 65535 {
		return mcp.NewToolResultError("port must be a valid port number"), nil
	}
	url, err := s.svc.Resolver.Resolve(ctx, id, port)
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(url), nil
}

// --- File handlers ---

func (s *Server) handleFilesWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, path, res := s.requireIDAndPath(req)
	if res != nil {
		return res, nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.Files.WriteText(ctx, id, path, content); err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("wrote %s", path)), nil
}

func (s *Server) handleFilesRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, path, res := s.requireIDAndPath(req)
	if res != nil {
		return res, nil
	}
	content, err := s.svc.Files.ReadText(ctx, id, path)
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *Server) handleFilesUpload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, path, res := s.requireIDAndPath(req)
	if res != nil {
		return res, nil
	}
	encoded, err := req.RequireString("content_base64")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return mcp.NewToolResultError("content_base64 is not valid base64"), nil
	}

	tmp, err := os.CreateTemp("", "sanduku-mcp-upload-*")
	if err != nil {
		return mcp.NewToolResultError("staging upload failed"), nil
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return mcp.NewToolResultError("staging upload failed"), nil
	}
	if err := tmp.Close(); err != nil {
		return mcp.NewToolResultError("staging upload failed"), nil
	}

	if err := s.svc.Files.Upload(ctx, id, tmp.Name(), path); err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("uploaded %d bytes to %s", len(data), path)), nil
}

func (s *Server) handleFilesDownload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, path, res := s.requireIDAndPath(req)
	if res != nil {
		return res, nil
	}

	tmp, err := os.CreateTemp("", "sanduku-mcp-download-*")
	if err != nil {
		return mcp.NewToolResultError("staging download failed"), nil
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	if err := s.svc.Files.Download(ctx, id, path, tmpName); err != nil {
		return s.toolError(err), nil
	}
	data, err := os.ReadFile(tmpName)
	if err != nil {
		return mcp.NewToolResultError("reading staged download failed"), nil
	}
	return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(data)), nil
}

func (s *Server) handleFilesList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, path, res := s.requireIDAndPath(req)
	if res != nil {
		return res, nil
	}
	entries, err := s.svc.Files.List(ctx, id, path)
	if err != nil {
		return s.toolError(err), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("(empty)"), nil
	}
	return mcp.NewToolResultText(strings.Join(entries, "\n")), nil
}

func (s *Server) handleFilesMkdir(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, path, res := s.requireIDAndPath(req)
	if res != nil {
		return res, nil
	}
	if err := s.svc.Files.Mkdir(ctx, id, path); err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created %s", path)), nil
}

// --- Browser handlers ---

func (s *Server) handleBrowserStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	port := int(req.GetFloat("port", 0))

	sess, err := s.browser.Start(ctx, id, port)
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("session %s started on port %d", sess.ID, sess.Port)), nil
}

func (s *Server) handleBrowserNav(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	url, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.browser.Nav(ctx, sessionID, url); err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("navigated to %s", url)), nil
}

func (s *Server) handleBrowserScreenshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	png, err := s.browser.Screenshot(ctx, sessionID)
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultImage("screenshot", base64.StdEncoding.EncodeToString(png), "image/png"), nil
}

func (s *Server) handleBrowserEval(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	expression, err := req.RequireString("expression")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.browser.Eval(ctx, sessionID, expression)
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(result), nil
}

func (s *Server) handleBrowserClick(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	selector, err := req.RequireString("selector")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.browser.Click(ctx, sessionID, selector); err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText("clicked"), nil
}

func (s *Server) handleBrowserType(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	selector, err := req.RequireString("selector")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.browser.Type(ctx, sessionID, selector, text); err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText("typed"), nil
}

func (s *Server) handleBrowserPress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.browser.Press(ctx, sessionID, key); err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("pressed %s", key)), nil
}

func (s *Server) handleBrowserScroll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dx := int(req.GetFloat("dx", 0))
	dy := int(req.GetFloat("dy", 0))
	if err := s.browser.Scroll(ctx, sessionID, dx, dy); err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText("scrolled"), nil
}

func (s *Server) handleBrowserA11y(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tree, err := s.browser.A11y(ctx, sessionID)
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(tree), nil
}

func (s *Server) handleBrowserDOM(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dom, err := s.browser.DOM(ctx, sessionID, req.GetString("selector", ""))
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(dom), nil
}

func (s *Server) handleBrowserClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.browser.Close(ctx, sessionID); err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText("session closed"), nil
}

// --- Helpers ---

func (s *Server) requireIDAndPath(req mcp.CallToolRequest) (string, string, *mcp.CallToolResult) {
	id, err := req.RequireString("sandbox_id")
	if err != nil {
		return "", "", mcp.NewToolResultError(err.Error())
	}
	path, err := req.RequireString("path")
	if err != nil {
		return "", "", mcp.NewToolResultError(err.Error())
	}
	return id, path, nil
}

// toolError reports the failure to the agent with its kind so the agent
// can react (re-init on sandbox_terminated, retry on timeout).
func (s *Server) toolError(err error) *mcp.CallToolResult {
	if kind := sandbox.ErrKind(err); kind != "" {
		return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", kind, err.Error()))
	}
	return mcp.NewToolResultError(err.Error())
}

func formatSandbox(sb *sandbox.Sandbox) string {
	return fmt.Sprintf("id=%s template=%s state=%s expires_at=%s pool_origin=%t",
		sb.ID, sb.Template, sb.State, sb.ExpiresAt.Format(time.RFC3339), sb.PoolOrigin)
}
