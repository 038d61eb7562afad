package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// FileService moves bytes between the caller and a sandbox. Text
// operations carry content inline and are restricted to valid UTF-8;
// binary payloads go through Upload/Download, which are byte-exact in
// both directions. Operations against one sandbox are serialized with its
// exec operations.
type FileService struct {
	manager *Manager
	exec    *ExecClient
	logger  *slog.Logger
}

// NewFileService creates a FileService sharing the manager's adapter and
// per-sandbox operation ordering.
func NewFileService(m *Manager, exec *ExecClient, logger *slog.Logger) *FileService {
	return &FileService{manager: m, exec: exec, logger: logger}
}

// WriteText writes content to remotePath inside the sandbox, creating
// parent directories. Content must be valid UTF-8 without NUL bytes;
// anything else is rejected with a pointer at Upload.
func (s *FileService) WriteText(ctx context.Context, id, remotePath, content string) error {
	if !utf8.ValidString(content) || strings.ContainsRune(content, '\x00') {
		return errf(KindInvalidState, id, "content is not valid UTF-8 text; use Upload for binary data")
	}

	tmp, err := os.CreateTemp("", "sanduku-write-*")
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("staging content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("staging content: %w", err)
	}

	if dir := remoteParent(remotePath); dir != "" {
		if err := s.Mkdir(ctx, id, dir); err != nil {
			return err
		}
	}
	return s.copyIn(ctx, id, tmp.Name(), remotePath)
}

// ReadText reads remotePath from the sandbox and returns it as a string.
// Files that are not valid UTF-8 are rejected with a pointer at Download.
func (s *FileService) ReadText(ctx context.Context, id, remotePath string) (string, error) {
	tmp, err := os.CreateTemp("", "sanduku-read-*")
	if err != nil {
		return "", fmt.Errorf("creating staging file: %w", err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	if err := s.copyOut(ctx, id, remotePath, tmpName); err != nil {
		return "", err
	}
	data, err := os.ReadFile(tmpName)
	if err != nil {
		return "", fmt.Errorf("reading staged file: %w", err)
	}
	if !utf8.Valid(data) || strings.ContainsRune(string(data), '\x00') {
		return "", errf(KindInvalidState, id, "%s is not UTF-8 text; use Download for binary data", remotePath)
	}
	return string(data), nil
}

// Upload transfers a local file or directory into the sandbox byte-exact.
func (s *FileService) Upload(ctx context.Context, id, localPath, remotePath string) error {
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("local path: %w", err)
	}
	if dir := remoteParent(remotePath); dir != "" {
		if err := s.Mkdir(ctx, id, dir); err != nil {
			return err
		}
	}
	return s.copyIn(ctx, id, localPath, remotePath)
}

// Download transfers a remote file or directory out of the sandbox
// byte-exact, creating local parent directories.
func (s *FileService) Download(ctx context.Context, id, remotePath, localPath string) error {
	if dir := filepath.Dir(localPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating local directory %s: %w", dir, err)
		}
	}
	return s.copyOut(ctx, id, remotePath, localPath)
}

// List returns the entries of a remote directory, one name per element,
// including dotfiles.
func (s *FileService) List(ctx context.Context, id, remotePath string) ([]string, error) {
	res, err := s.exec.Exec(ctx, id, []string{"ls", "-1A", "--", remotePath}, ExecOptions{})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, errf(KindTransport, id, "listing %s: %s", remotePath, strings.TrimSpace(res.Stderr))
	}
	out := strings.TrimRight(res.Stdout, "\n")
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Mkdir creates a remote directory and any missing parents.
func (s *FileService) Mkdir(ctx context.Context, id, remotePath string) error {
	res, err := s.exec.Exec(ctx, id, []string{"mkdir", "-p", "--", remotePath}, ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errf(KindTransport, id, "creating directory %s: %s", remotePath, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// copyIn stages the transfer under the sandbox's operation lock so it
// never interleaves with an exec touching the same paths.
func (s *FileService) copyIn(ctx context.Context, id, localPath, remotePath string) error {
	e, backendID, err := s.liveEntry(id)
	if err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := s.manager.adapter.CopyIn(ctx, backendID, localPath, remotePath); err != nil {
		return wrapf(KindTransport, id, err, "copying in to %s", remotePath)
	}
	s.logger.DebugContext(ctx, "file copied in",
		slog.String("sandbox_id", id),
		slog.String("remote_path", remotePath),
	)
	return nil
}

func (s *FileService) copyOut(ctx context.Context, id, remotePath, localPath string) error {
	e, backendID, err := s.liveEntry(id)
	if err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := s.manager.adapter.CopyOut(ctx, backendID, remotePath, localPath); err != nil {
		return wrapf(KindTransport, id, err, "copying out %s", remotePath)
	}
	return nil
}

func (s *FileService) liveEntry(id string) (*entry, string, error) {
	e, err := s.manager.entry(id)
	if err != nil {
		return nil, "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.sb.State {
	case StateTerminated, StateExpiring:
		return nil, "", errf(KindTerminated, id, "sandbox is %s", e.sb.State)
	case StateProvisioning:
		return nil, "", errf(KindInvalidState, id, "sandbox is still provisioning")
	}
	return e, e.sb.BackendID, nil
}

// remoteParent returns the remote parent directory using slash semantics
// regardless of the host OS.
func remoteParent(remotePath string) string {
	i := strings.LastIndexByte(remotePath, '/')
	if i <= 0 {
		return ""
	}
	return remotePath[:i]
}
