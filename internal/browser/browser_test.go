package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/ports"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	mem      *backend.Memory
	manager  *sandbox.Manager
	client   *Client
	sessions *session.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := backend.NewMemory()
	templates := map[string]sandbox.Template{
		"browser": {Name: "browser", Image: "sanduku-browser:latest", PublishPorts: []int{DefaultPort}},
	}
	m := sandbox.NewManager(mem, templates, nil, nil, testLogger(), sandbox.ManagerConfig{})
	ec := sandbox.NewExecClient(m, nil, testLogger())
	fs := sandbox.NewFileService(m, ec, testLogger())
	r := sandbox.NewHostResolver(m, testLogger())
	svc := sandbox.NewService(m, nil, ec, fs, r, testLogger())

	alloc := ports.NewAllocator(29000, 30000, testLogger())
	reg := session.NewRegistry(alloc, nil, testLogger())
	c := NewClient(svc, reg, Config{StartupWindow: 2 * time.Second}, testLogger())
	return &fixture{mem: mem, manager: m, client: c, sessions: reg}
}

// fakeDriver serves the driver wire protocol over httptest.
func fakeDriver(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var actions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := strings.TrimPrefix(r.URL.Path, "/")
		actions = append(actions, action)
		resp := map[string]any{"ok": true}
		switch action {
		case "eval":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			resp["data"] = "42"
		case "screenshot":
			resp["data"] = base64.StdEncoding.EncodeToString([]byte("PNG-BYTES"))
		case "a11y":
			resp["data"] = `{"role":"document"}`
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &actions
}

func startSession(t *testing.T, f *fixture, port int) (*session.Session, *[]string) {
	t.Helper()
	ctx := context.Background()

	sb, err := f.manager.Create(ctx, "browser", time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	srv, actions := fakeDriver(t)
	addr := strings.TrimPrefix(srv.URL, "http://")
	wantPort := port
	if wantPort == 0 {
		wantPort = DefaultPort
	}
	if err := f.mem.Publish(sb.BackendID, wantPort, addr); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	s, err := f.client.Start(ctx, sb.ID, port)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s, actions
}

func TestStartAndNavigate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, actions := startSession(t, f, 0)
	if s.Port != DefaultPort {
		t.Fatalf("port = %d, want %d", s.Port, DefaultPort)
	}

	if err := f.client.Nav(ctx, s.ID, "https://example.com"); err != nil {
		t.Fatalf("Nav: %v", err)
	}
	out, err := f.client.Eval(ctx, s.ID, "6*7")
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if out != "42" {
		t.Fatalf("Eval = %q, want %q", out, "42")
	}

	joined := strings.Join(*actions, ",")
	if !strings.Contains(joined, "nav") || !strings.Contains(joined, "eval") {
		t.Fatalf("driver saw actions %v", *actions)
	}
}

func TestScreenshotBytes(t *testing.T) {
	f := newFixture(t)
	s, _ := startSession(t, f, 0)

	data, err := f.client.Screenshot(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if string(data) != "PNG-BYTES" {
		t.Fatalf("payload = %q", data)
	}
}

func TestConcurrentSessionsNeedDistinctPorts(t *testing.T) {
	f := newFixture(t)
	_, _ = startSession(t, f, 29500)

	// Second session on the same explicit port must be refused before
	// any driver is launched.
	ctx := context.Background()
	sb2, err := f.manager.Create(ctx, "browser", time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = f.client.Start(ctx, sb2.ID, 29500)
	if !sandbox.IsKind(err, sandbox.KindPortConflict) {
		t.Fatalf("err = %v, want KindPortConflict", err)
	}
}

func TestCloseReleasesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, actions := startSession(t, f, 0)

	if err := f.client.Close(ctx, s.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !strings.Contains(strings.Join(*actions, ","), "close") {
		t.Fatal("driver close not issued")
	}
	if _, err := f.sessions.Get(s.ID); !sandbox.IsKind(err, sandbox.KindNotFound) {
		t.Fatal("session still registered after close")
	}
	// Idempotent.
	if err := f.client.Close(ctx, s.ID); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSandboxTerminationClosesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.manager.OnTerminate(func(id string) {
		f.sessions.CloseBySandbox(context.Background(), id)
	})

	s, _ := startSession(t, f, 0)
	sess, err := f.sessions.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := f.manager.Terminate(ctx, sess.SandboxID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, err := f.sessions.Get(s.ID); !sandbox.IsKind(err, sandbox.KindNotFound) {
		t.Fatal("session survived sandbox termination")
	}
}

func TestStartDriverNeverListens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sb, err := f.manager.Create(ctx, "browser", time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// No Publish: the driver never comes up.
	f.client.cfg.StartupWindow = 300 * time.Millisecond
	_, err = f.client.Start(ctx, sb.ID, 0)
	if !sandbox.IsKind(err, sandbox.KindTimeout) {
		t.Fatalf("err = %v, want KindTimeout", err)
	}
	// The port lease must have been rolled back.
	if got := len(f.sessions.List()); got != 0 {
		t.Fatalf("live sessions = %d, want 0", got)
	}
}
