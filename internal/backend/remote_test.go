package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newRemoteFixture(t *testing.T, handler http.HandlerFunc) *Remote {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRemote(RemoteConfig{Endpoint: srv.URL, APIKey: "remote-key"}, logger)
}

func TestRemoteCreateSendsBearerKey(t *testing.T) {
	var gotAuth string
	r := newRemoteFixture(t, func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		if req.Method != http.MethodPost || req.URL.Path != "/v1/sandboxes" {
			t.Errorf("unexpected request: %s %s", req.Method, req.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "sbx-remote-1"})
	})

	inst, err := r.Create(context.Background(), CreateSpec{Template: "base"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.ID != "sbx-remote-1" {
		t.Fatalf("instance id = %q", inst.ID)
	}
	if gotAuth != "Bearer remote-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestRemoteExecRoundtrip(t *testing.T) {
	r := newRemoteFixture(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/sandboxes/sbx-1/exec" {
			t.Errorf("path = %s", req.URL.Path)
		}
		var body struct {
			Command []string `json:"command"`
		}
		json.NewDecoder(req.Body).Decode(&body)
		if len(body.Command) != 2 || body.Command[0] != "echo" {
			t.Errorf("command = %v", body.Command)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"stdout":      "hi\n",
			"exit_code":   0,
			"duration_ms": 12,
		})
	})

	res, err := r.Exec(context.Background(), "sbx-1", ExecRequest{Command: []string{"echo", "hi"}})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "hi\n" || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRemoteResolvePortNotPublished(t *testing.T) {
	r := newRemoteFixture(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "port 8080 not published",
			"kind":  "not_published",
		})
	})

	_, err := r.ResolvePort(context.Background(), "sbx-1", 8080)
	if !errors.Is(err, ErrNotPublished) {
		t.Fatalf("err = %v, want ErrNotPublished", err)
	}
}

func TestRemoteDestroyGoneIsSuccess(t *testing.T) {
	r := newRemoteFixture(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(map[string]string{"error": "sandbox is terminated"})
	})

	if err := r.Destroy(context.Background(), "sbx-1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestRemoteCopyInUploadsBase64(t *testing.T) {
	local := filepath.Join(t.TempDir(), "payload.bin")
	content := []byte{0x00, 0x01, 0xFF, 0xFE}
	if err := os.WriteFile(local, content, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	r := newRemoteFixture(t, func(w http.ResponseWriter, req *http.Request) {
		if !strings.HasSuffix(req.URL.Path, "/files/upload") {
			t.Errorf("path = %s", req.URL.Path)
		}
		var body struct {
			Path          string `json:"path"`
			ContentBase64 string `json:"content_base64"`
		}
		json.NewDecoder(req.Body).Decode(&body)
		decoded, _ := base64.StdEncoding.DecodeString(body.ContentBase64)
		if string(decoded) != string(content) {
			t.Errorf("uploaded bytes = %v", decoded)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "uploaded"})
	})

	if err := r.CopyIn(context.Background(), "sbx-1", local, "/data/payload.bin"); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
}

func TestRemoteCopyInRejectsDirectory(t *testing.T) {
	r := newRemoteFixture(t, func(w http.ResponseWriter, req *http.Request) {
		t.Error("no request expected for a directory")
	})

	err := r.CopyIn(context.Background(), "sbx-1", t.TempDir(), "/data")
	if err == nil || !strings.Contains(err.Error(), "archive") {
		t.Fatalf("err = %v, want directory rejection", err)
	}
}
