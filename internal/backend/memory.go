package backend

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process adapter with no real isolation. It backs unit
// tests and the --dry-run mode of the CLI, mirroring the observable
// contract of the real substrates: instances exist or they don't, ports
// resolve only once published, copies are byte-exact.
type Memory struct {
	// CreateDelay simulates provisioning latency.
	CreateDelay time.Duration

	// FailCreates makes the next N Create calls fail with a provisioning
	// error. Used to exercise pool backoff paths.
	FailCreates int

	// ExecHandler, when set, overrides the default exec behavior.
	// The default echoes "echo" commands and exits 0 for everything else.
	ExecHandler func(ctx context.Context, instanceID string, req ExecRequest) (*ExecResult, error)

	mu        sync.Mutex
	instances map[string]*memInstance
	destroyed []string
}

type memInstance struct {
	spec      CreateSpec
	files     map[string]memFile
	listeners map[int]string // port → external host:port
}

type memFile struct {
	data []byte
	mode fs.FileMode
}

// NewMemory creates an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{instances: make(map[string]*memInstance)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Create(ctx context.Context, spec CreateSpec) (*Instance, error) {
	if m.CreateDelay > 0 {
		select {
		case <-time.After(m.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreates > 0 {
		m.FailCreates--
		return nil, fmt.Errorf("memory backend: create failed (scripted)")
	}
	if _, exists := m.instances[spec.Name]; exists {
		return nil, fmt.Errorf("memory backend: instance %s already exists", spec.Name)
	}
	m.instances[spec.Name] = &memInstance{
		spec:      spec,
		files:     make(map[string]memFile),
		listeners: make(map[int]string),
	}
	return &Instance{ID: spec.Name}, nil
}

func (m *Memory) Destroy(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[instanceID]; ok {
		delete(m.instances, instanceID)
		m.destroyed = append(m.destroyed, instanceID)
	}
	return nil
}

func (m *Memory) Exec(ctx context.Context, instanceID string, req ExecRequest) (*ExecResult, error) {
	if err := m.ensure(instanceID); err != nil {
		return nil, err
	}
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if m.ExecHandler != nil {
		return m.ExecHandler(ctx, instanceID, req)
	}

	start := time.Now()
	res := &ExecResult{Duration: time.Since(start)}
	if req.Command[0] == "echo" {
		res.Stdout = strings.Join(req.Command[1:], " ") + "\n"
	}
	return res, nil
}

func (m *Memory) CopyIn(_ context.Context, instanceID, localPath, remotePath string) error {
	if err := m.ensure(instanceID); err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", localPath, err)
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return ErrNotFound
	}
	inst.files[remotePath] = memFile{data: data, mode: info.Mode()}
	return nil
}

func (m *Memory) CopyOut(_ context.Context, instanceID, remotePath, localPath string) error {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	f, ok := inst.files[remotePath]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("memory backend: %s: no such file", remotePath)
	}

	mode := f.mode
	if mode == 0 {
		mode = 0o644
	}
	return os.WriteFile(localPath, f.data, mode.Perm())
}

func (m *Memory) ResolvePort(_ context.Context, instanceID string, port int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return "", ErrNotFound
	}
	addr, ok := inst.listeners[port]
	if !ok {
		return "", fmt.Errorf("instance %s port %d: %w", instanceID, port, ErrNotPublished)
	}
	return "http://" + addr, nil
}

// Publish marks a port as listening, as if a process inside the instance
// had bound it and the substrate had assigned the given external address.
func (m *Memory) Publish(instanceID string, port int, externalAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return ErrNotFound
	}
	inst.listeners[port] = externalAddr
	return nil
}

// Exists reports whether an instance is currently provisioned.
func (m *Memory) Exists(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.instances[instanceID]
	return ok
}

// Destroyed returns instance IDs destroyed so far, in order.
func (m *Memory) Destroyed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.destroyed...)
}

func (m *Memory) ensure(instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[instanceID]; !ok {
		return ErrNotFound
	}
	return nil
}
