// Package httpapi implements the HTTP API gateway for Sanduku.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - All requests logged
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/session"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8090"
	EnableDocs     bool
	APIKeys        []string // Accepted bearer keys. Keys from env/config.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry         // Custom Prometheus registry for /metrics.
	MetricsPath     string                       // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker // Health checker for /readyz endpoint.
	Metrics         *observability.Metrics       // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                 // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	svc      *sandbox.Service
	sessions *session.Registry // nil = session endpoints disabled.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, svc *sandbox.Service, sessions *session.Registry, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	cfg.MaxRequestSize = maxSize
	return &Gateway{
		config:   cfg,
		svc:      svc,
		sessions: sessions,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithOpenAPIDocs enables the OpenAPI documentation UI.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sanduku",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group with metrics/tracing applied first.
	middlewares := []okapi.Middleware{}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	middlewares = append(middlewares, g.authenticate)
	g.group = g.okapi.Group("/v1", middlewares...)

	// Sandbox lifecycle.
	g.group.Post("/sandboxes", g.handleSandboxCreate,
		okapi.DocSummary("Provision a sandbox, preferring a warm pool claim"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(CreateSandboxRequest{}),
		okapi.DocResponse(http.StatusCreated, SandboxResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/sandboxes", g.handleSandboxList,
		okapi.DocSummary("List all known sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]SandboxResponse{}),
	)
	g.group.Get("/sandboxes/{id}", g.handleSandboxGet,
		okapi.DocSummary("Get a sandbox by ID"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sandboxes/{id}", g.handleSandboxDelete,
		okapi.DocSummary("Terminate a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/extend", g.handleExtend,
		okapi.DocSummary("Extend a sandbox's lifetime"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(ExtendRequest{}),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
	)

	// Command execution.
	g.group.Post("/sandboxes/{id}/exec", g.handleExec,
		okapi.DocSummary("Run a command inside a sandbox"),
		okapi.DocTags("Exec"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(ExecResponse{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
	)

	// File transfer.
	g.group.Get("/sandboxes/{id}/files", g.handleFileList,
		okapi.DocSummary("List a directory inside a sandbox"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(FileListResponse{}),
	)
	g.group.Post("/sandboxes/{id}/files/write", g.handleFileWrite,
		okapi.DocSummary("Write a UTF-8 text file into a sandbox"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(WriteFileRequest{}),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/sandboxes/{id}/files/read", g.handleFileRead,
		okapi.DocSummary("Read a UTF-8 text file from a sandbox"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(ReadFileResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/files/upload", g.handleFileUpload,
		okapi.DocSummary("Upload binary content into a sandbox (base64)"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(UploadFileRequest{}),
		okapi.DocResponse(map[string]string{}),
	)
	g.group.Get("/sandboxes/{id}/files/download", g.handleFileDownload,
		okapi.DocSummary("Download binary content from a sandbox (base64)"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(DownloadFileResponse{}),
	)
	g.group.Post("/sandboxes/{id}/files/mkdir", g.handleFileMkdir,
		okapi.DocSummary("Create a directory inside a sandbox"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(MkdirRequest{}),
		okapi.DocResponse(map[string]string{}),
	)

	// Host resolution.
	g.group.Get("/sandboxes/{id}/host", g.handleHost,
		okapi.DocSummary("Resolve the external URL for a published sandbox port"),
		okapi.DocTags("Host"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(HostResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Session leases.
	if g.sessions != nil {
		g.group.Get("/sessions", g.handleSessionList,
			okapi.DocSummary("List active session port leases"),
			okapi.DocTags("Sessions"),
			okapi.DocResponse([]SessionResponse{}),
		)
	}

	// Streaming exec over WebSocket.
	g.okapi.HandleStd("GET", "/v1/exec/stream", g.handleExecStream)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// authenticate validates the bearer API key and applies the rate limit.
// Comparison is constant-time over every configured key.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		apiKey, ok := g.bearerKey(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		if !g.keyValid(apiKey) {
			return c.AbortUnauthorized("invalid API key")
		}
		if g.limiter != nil {
			if err := g.limiter.AllowN(apiKey, requestCost(c.Request())); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		c.Set("apiKey", apiKey)
		return next(c)
	}
}

// requestCost weights mutating orchestration calls heavier than reads:
// provisioning and exec consume backend capacity, a status poll does not.
func requestCost(r *http.Request) int {
	if r.Method == http.MethodGet {
		return 1
	}
	switch {
	case strings.HasSuffix(r.URL.Path, "/exec"),
		r.Method == http.MethodPost && r.URL.Path == "/v1/sandboxes":
		return 4
	case strings.Contains(r.URL.Path, "/files/"):
		return 2
	}
	return 1
}

func (g *Gateway) bearerKey(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	key := strings.TrimPrefix(authHeader, "Bearer ")
	return key, key != ""
}

// keyValid checks the presented key against every configured key so the
// comparison time does not depend on which key matches.
func (g *Gateway) keyValid(apiKey string) bool {
	valid := false
	for _, key := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			valid = true
		}
	}
	return valid
}

// --- Probes ---

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
