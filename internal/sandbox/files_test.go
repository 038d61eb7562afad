package sandbox

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/backend"
)

func newTestFiles(t *testing.T, mem *backend.Memory) (*Manager, *FileService) {
	t.Helper()
	m := newTestManager(t, mem)
	ec := NewExecClient(m, nil, testLogger())
	return m, NewFileService(m, ec, testLogger())
}

func TestWriteReadTextRoundtrip(t *testing.T) {
	mem := backend.NewMemory()
	m, fs := newTestFiles(t, mem)
	ctx := context.Background()

	sb, _ := m.Create(ctx, "base", time.Hour)
	const content = "line one\nline two\némoji: 🚀\n"

	if err := fs.WriteText(ctx, sb.ID, "/work/notes.txt", content); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	got, err := fs.ReadText(ctx, sb.ID, "/work/notes.txt")
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	if got != content {
		t.Fatalf("content = %q, want %q", got, content)
	}
}

func TestWriteTextRejectsBinary(t *testing.T) {
	mem := backend.NewMemory()
	m, fs := newTestFiles(t, mem)
	ctx := context.Background()

	sb, _ := m.Create(ctx, "base", time.Hour)
	err := fs.WriteText(ctx, sb.ID, "/work/blob", string([]byte{0x00, 0xff, 0xfe}))
	if err == nil || !strings.Contains(err.Error(), "Upload") {
		t.Fatalf("err = %v, want rejection pointing at Upload", err)
	}
}

func TestReadTextRejectsBinary(t *testing.T) {
	mem := backend.NewMemory()
	m, fs := newTestFiles(t, mem)
	ctx := context.Background()

	sb, _ := m.Create(ctx, "base", time.Hour)

	local := filepath.Join(t.TempDir(), "blob")
	payload := []byte{0x7f, 'E', 'L', 'F', 0x00, 0x01}
	if err := os.WriteFile(local, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Upload(ctx, sb.ID, local, "/work/blob"); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if _, err := fs.ReadText(ctx, sb.ID, "/work/blob"); err == nil || !strings.Contains(err.Error(), "Download") {
		t.Fatalf("err = %v, want rejection pointing at Download", err)
	}
}

func TestUploadDownloadByteExact(t *testing.T) {
	mem := backend.NewMemory()
	m, fs := newTestFiles(t, mem)
	ctx := context.Background()

	sb, _ := m.Create(ctx, "base", time.Hour)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(src, payload, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := fs.Upload(ctx, sb.ID, src, "/work/data.bin"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	dst := filepath.Join(dir, "out", "data.bin")
	if err := fs.Download(ctx, sb.ID, "/work/data.bin", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("downloaded bytes differ from uploaded bytes")
	}
}

func TestUploadMissingLocalPath(t *testing.T) {
	mem := backend.NewMemory()
	m, fs := newTestFiles(t, mem)
	sb, _ := m.Create(context.Background(), "base", time.Hour)

	if err := fs.Upload(context.Background(), sb.ID, "/no/such/file", "/work/x"); err == nil {
		t.Fatal("expected error for missing local path")
	}
}

func TestListDirectory(t *testing.T) {
	mem := backend.NewMemory()
	mem.ExecHandler = func(_ context.Context, _ string, req backend.ExecRequest) (*backend.ExecResult, error) {
		if req.Command[0] == "ls" {
			return &backend.ExecResult{Stdout: ".hidden\nmain.go\nreadme.md\n"}, nil
		}
		return &backend.ExecResult{}, nil
	}
	m, fs := newTestFiles(t, mem)
	ctx := context.Background()

	sb, _ := m.Create(ctx, "base", time.Hour)
	entries, err := fs.List(ctx, sb.ID, "/work")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{".hidden", "main.go", "readme.md"}
	if len(entries) != len(want) {
		t.Fatalf("entries = %v, want %v", entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("entries[%d] = %q, want %q", i, entries[i], want[i])
		}
	}
}

func TestListFailureSurfacesStderr(t *testing.T) {
	mem := backend.NewMemory()
	mem.ExecHandler = func(context.Context, string, backend.ExecRequest) (*backend.ExecResult, error) {
		return &backend.ExecResult{Stderr: "ls: /nope: No such file or directory\n", ExitCode: 2}, nil
	}
	m, fs := newTestFiles(t, mem)
	sb, _ := m.Create(context.Background(), "base", time.Hour)

	_, err := fs.List(context.Background(), sb.ID, "/nope")
	if err == nil || !strings.Contains(err.Error(), "No such file") {
		t.Fatalf("err = %v, want remote stderr surfaced", err)
	}
}

func TestFileOpsOnTerminatedSandbox(t *testing.T) {
	mem := backend.NewMemory()
	m, fs := newTestFiles(t, mem)
	ctx := context.Background()

	sb, _ := m.Create(ctx, "base", time.Hour)
	_ = m.Terminate(ctx, sb.ID)

	if err := fs.WriteText(ctx, sb.ID, "/x", "hi"); !IsKind(err, KindTerminated) {
		t.Fatalf("err = %v, want KindTerminated", err)
	}
	if _, err := fs.ReadText(ctx, sb.ID, "/x"); !IsKind(err, KindTerminated) {
		t.Fatalf("err = %v, want KindTerminated", err)
	}
}
