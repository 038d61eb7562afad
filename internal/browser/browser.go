// Package browser drives UI-automation sessions. Each session runs a
// driver process inside a sandbox, listening on the session's unique
// port; commands go to the driver over HTTP at the address the host
// resolver reports. The package never constructs driver URLs from naming
// conventions.
package browser

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/session"
)

const (
	// DefaultPort is used when the caller omits an explicit port. Safe
	// only for a single non-concurrent session; concurrent sessions must
	// pass distinct ports or let the registry allocate.
	DefaultPort = 9333

	driverStartupWindow = 20 * time.Second
	driverPollInterval  = 250 * time.Millisecond
)

// Config selects the driver binary launched inside the sandbox.
type Config struct {
	// DriverCommand is the argv launched in the sandbox; the port is
	// appended as "--port N". Empty uses the bundled driver.
	DriverCommand []string

	// StartupWindow bounds the wait for the driver to start listening.
	StartupWindow time.Duration
}

// Client manages browser sessions across sandboxes.
type Client struct {
	svc      *sandbox.Service
	sessions *session.Registry
	cfg      Config
	logger   *slog.Logger
	httpc    *http.Client
}

// NewClient creates a browser client over the orchestration service and
// the session registry.
func NewClient(svc *sandbox.Service, sessions *session.Registry, cfg Config, logger *slog.Logger) *Client {
	if len(cfg.DriverCommand) == 0 {
		cfg.DriverCommand = []string{"browserd"}
	}
	if cfg.StartupWindow <= 0 {
		cfg.StartupWindow = driverStartupWindow
	}
	return &Client{
		svc:      svc,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Start opens a session against the sandbox: registers the port lease,
// launches the driver inside the sandbox as a background process, and
// waits until the driver's port resolves to a live listener. port == 0
// uses DefaultPort.
func (c *Client) Start(ctx context.Context, sandboxID string, port int) (*session.Session, error) {
	if port == 0 {
		port = DefaultPort
	}
	s, err := c.sessions.Open(ctx, sandboxID, port)
	if err != nil {
		return nil, err
	}

	argv := append(append([]string(nil), c.cfg.DriverCommand...), "--port", strconv.Itoa(port))
	if _, err := c.svc.Exec.Exec(ctx, sandboxID, argv, sandbox.ExecOptions{Background: true}); err != nil {
		c.sessions.Close(ctx, s.ID)
		return nil, fmt.Errorf("launching browser driver: %w", err)
	}

	if _, err := c.waitReady(ctx, sandboxID, port); err != nil {
		c.sessions.Close(ctx, s.ID)
		return nil, err
	}

	c.logger.InfoContext(ctx, "browser session started",
		slog.String("session_id", s.ID),
		slog.String("sandbox_id", sandboxID),
		slog.Int("port", port),
	)
	return s, nil
}

// Nav navigates the session's page to url.
func (c *Client) Nav(ctx context.Context, sessionID, url string) error {
	_, err := c.command(ctx, sessionID, "nav", map[string]any{"url": url})
	return err
}

// Screenshot captures the current page and returns the image bytes.
func (c *Client) Screenshot(ctx context.Context, sessionID string) ([]byte, error) {
	out, err := c.command(ctx, sessionID, "screenshot", nil)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding screenshot payload: %w", err)
	}
	return data, nil
}

// Eval evaluates a JavaScript expression in the page and returns the
// stringified result.
func (c *Client) Eval(ctx context.Context, sessionID, expression string) (string, error) {
	out, err := c.command(ctx, sessionID, "eval", map[string]any{"expression": expression})
	if err != nil {
		return "", err
	}
	return out.Data, nil
}

// Click clicks the element matching the selector.
func (c *Client) Click(ctx context.Context, sessionID, selector string) error {
	_, err := c.command(ctx, sessionID, "click", map[string]any{"selector": selector})
	return err
}

// Type types text into the element matching the selector.
func (c *Client) Type(ctx context.Context, sessionID, selector, text string) error {
	_, err := c.command(ctx, sessionID, "type", map[string]any{"selector": selector, "text": text})
	return err
}

// Press sends a single key press to the focused element.
func (c *Client) Press(ctx context.Context, sessionID, key string) error {
	_, err := c.command(ctx, sessionID, "press", map[string]any{"key": key})
	return err
}

// Scroll scrolls the page by the given deltas.
func (c *Client) Scroll(ctx context.Context, sessionID string, dx, dy int) error {
	_, err := c.command(ctx, sessionID, "scroll", map[string]any{"dx": dx, "dy": dy})
	return err
}

// A11y returns the page's accessibility tree as JSON.
func (c *Client) A11y(ctx context.Context, sessionID string) (string, error) {
	out, err := c.command(ctx, sessionID, "a11y", nil)
	if err != nil {
		return "", err
	}
	return out.Data, nil
}

// DOM returns the serialized DOM, optionally scoped by selector.
func (c *Client) DOM(ctx context.Context, sessionID, selector string) (string, error) {
	body := map[string]any{}
	if selector != "" {
		body["selector"] = selector
	}
	out, err := c.command(ctx, sessionID, "dom", body)
	if err != nil {
		return "", err
	}
	return out.Data, nil
}

// Close shuts the driver down and releases the session's port. Closing
// an already-closed session is a no-op.
func (c *Client) Close(ctx context.Context, sessionID string) error {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return nil
	}
	// Best-effort driver shutdown; sandbox teardown reclaims it anyway.
	if _, err := c.command(ctx, sessionID, "close", nil); err != nil {
		c.logger.WarnContext(ctx, "browser driver close failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	c.sessions.Close(ctx, s.ID)
	return nil
}

type driverResponse struct {
	OK    bool   `json:"ok"`
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// command POSTs one driver action. The driver address is resolved per
// call from the backend's live publish mapping.
func (c *Client) command(ctx context.Context, sessionID, action string, body map[string]any) (*driverResponse, error) {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	base, err := c.svc.Resolver.Resolve(ctx, s.SandboxID, s.Port)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/"+action, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &sandbox.Error{Kind: sandbox.KindTransport, SandboxID: s.SandboxID, Msg: "browser driver unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading driver response: %w", err)
	}
	var out driverResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding driver response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		msg := out.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("browser %s failed: %s", action, msg)
	}
	return &out, nil
}

// waitReady polls port resolution until the driver is listening or the
// startup window elapses.
func (c *Client) waitReady(ctx context.Context, sandboxID string, port int) (string, error) {
	deadline := time.Now().Add(c.cfg.StartupWindow)
	for {
		url, err := c.svc.Resolver.Resolve(ctx, sandboxID, port)
		if err == nil {
			return url, nil
		}
		if !sandbox.IsKind(err, sandbox.KindNotPublished) {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", &sandbox.Error{
				Kind:      sandbox.KindTimeout,
				SandboxID: sandboxID,
				Msg:       fmt.Sprintf("browser driver did not listen on port %d within %s", port, c.cfg.StartupWindow),
			}
		}
		select {
		case <-time.After(driverPollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
