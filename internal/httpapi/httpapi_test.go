package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T) (*Gateway, *backend.Memory) {
	t.Helper()
	adapter := backend.NewMemory()
	templates := map[string]sandbox.Template{
		"base": {Name: "base", Image: "sanduku/base:latest"},
	}
	mgr := sandbox.NewManager(adapter, templates, nil, nil, testLogger(), sandbox.ManagerConfig{})
	exec := sandbox.NewExecClient(mgr, nil, testLogger())
	files := sandbox.NewFileService(mgr, exec, testLogger())
	resolver := sandbox.NewHostResolver(mgr, testLogger())
	svc := sandbox.NewService(mgr, nil, exec, files, resolver, testLogger())

	g := NewGateway(Config{
		ListenAddr: "127.0.0.1:0",
		APIKeys:    []string{"test-key"},
	}, svc, nil, nil, testLogger())
	return g, adapter
}

func TestBearerKeyParsing(t *testing.T) {
	g, _ := newTestGateway(t)

	if _, ok := g.bearerKey("Bearer test-key"); !ok {
		t.Fatal("valid bearer header rejected")
	}
	if _, ok := g.bearerKey("test-key"); ok {
		t.Fatal("bare key without scheme accepted")
	}
	if _, ok := g.bearerKey("Bearer "); ok {
		t.Fatal("empty key accepted")
	}
	if _, ok := g.bearerKey(""); ok {
		t.Fatal("empty header accepted")
	}
}

func TestKeyValidation(t *testing.T) {
	g, _ := newTestGateway(t)

	if !g.keyValid("test-key") {
		t.Fatal("configured key rejected")
	}
	if g.keyValid("wrong-key") {
		t.Fatal("unknown key accepted")
	}
	if g.keyValid("") {
		t.Fatal("empty key accepted")
	}
}

func TestRequestCostWeighting(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/v1/sandboxes/abc", 1},
		{http.MethodPost, "/v1/sandboxes", 4},
		{http.MethodPost, "/v1/sandboxes/abc/exec", 4},
		{http.MethodPost, "/v1/sandboxes/abc/files/write", 2},
		{http.MethodPost, "/v1/sandboxes/abc/extend", 1},
		{http.MethodDelete, "/v1/sandboxes/abc", 1},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(tc.method, tc.path, nil)
		if got := requestCost(r); got != tc.want {
			t.Errorf("requestCost(%s %s) = %d, want %d", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestStatusForKind(t *testing.T) {
	cases := []struct {
		kind sandbox.Kind
		want int
	}{
		{sandbox.KindNotFound, http.StatusNotFound},
		{sandbox.KindTerminated, http.StatusGone},
		{sandbox.KindInvalidState, http.StatusConflict},
		{sandbox.KindPortConflict, http.StatusConflict},
		{sandbox.KindTimeout, http.StatusGatewayTimeout},
		{sandbox.KindNotPublished, http.StatusNotFound},
		{sandbox.KindProvision, http.StatusInternalServerError},
		{sandbox.KindTransport, http.StatusBadGateway},
	}
	for _, tc := range cases {
		if got := statusForKind(tc.kind); got != tc.want {
			t.Errorf("statusForKind(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func dialStream(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + srv.URL[len("http"):] + "/v1/exec/stream?token=" + token
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"sanduku-exec-v1"},
	})
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) streamFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	var frame streamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("parsing frame: %v", err)
	}
	return frame
}

func TestExecStream(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	sb, err := g.svc.Manager.Create(ctx, "base", time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(g.handleExecStream))
	defer srv.Close()

	conn := dialStream(t, srv, "test-key")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	req, _ := json.Marshal(streamRequest{
		SandboxID: sb.ID,
		Command:   []string{"echo", "hello"},
	})
	if err := conn.Write(ctx, websocket.MessageText, req); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.Type != "stdout" || frame.Data != "hello\n" {
		t.Fatalf("first frame = %+v, want stdout hello", frame)
	}
	frame = readFrame(t, conn)
	if frame.Type != "exit" || frame.ExitCode != 0 {
		t.Fatalf("final frame = %+v, want exit 0", frame)
	}
}

func TestExecStreamUnknownSandbox(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(g.handleExecStream))
	defer srv.Close()

	conn := dialStream(t, srv, "test-key")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	req, _ := json.Marshal(streamRequest{
		SandboxID: "no-such-sandbox",
		Command:   []string{"true"},
	})
	if err := conn.Write(ctx, websocket.MessageText, req); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.Type != "error" || frame.Kind != string(sandbox.KindNotFound) {
		t.Fatalf("frame = %+v, want not_found error", frame)
	}
}

func TestExecStreamRejectsBadToken(t *testing.T) {
	g, _ := newTestGateway(t)

	srv := httptest.NewServer(http.HandlerFunc(g.handleExecStream))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + srv.URL[len("http"):] + "/v1/exec/stream?token=wrong"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "unexpected")
		t.Fatal("dial with invalid token succeeded")
	}
}
