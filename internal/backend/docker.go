package backend

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDockerImage   = "sanduku-runtime:latest"
	defaultStartupWindow = 30 * time.Second
	defaultPIDsLimit     = 256
	defaultMemoryMB      = 1024
	defaultCPUCores      = 1.0

	// maxOutputBytes caps stdout/stderr per exec to prevent OOM from
	// chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	startupPollInterval = 250 * time.Millisecond
	cleanupTimeout      = 10 * time.Second
)

// DockerConfig configures the Docker CLI adapter.
type DockerConfig struct {
	DefaultImage  string        // Image used when a template names no image.
	MemoryMB      int           // --memory hard limit per instance.
	CPUCores      float64       // --cpus rate limit.
	PIDsLimit     int           // --pids-limit (fork bomb protection).
	StartupWindow time.Duration // Bound on Create readiness wait.
}

// Docker drives long-lived containers through the docker CLI.
//
// One container per sandbox, started with a parked init process and kept
// alive until Destroy. Commands run via docker exec, files move via
// docker cp (byte-exact, permissions preserved), and port resolution reads
// the live publish mapping via docker port plus an in-container listener
// probe.
//
// Hardening per instance:
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit
//   - CPU rate limited
//   - stdout/stderr capped per exec
type Docker struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDocker creates a Docker CLI adapter.
func NewDocker(cfg DockerConfig, logger *slog.Logger) *Docker {
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = defaultDockerImage
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	if cfg.StartupWindow <= 0 {
		cfg.StartupWindow = defaultStartupWindow
	}
	return &Docker{config: cfg, logger: logger}
}

func (d *Docker) Name() string { return "docker" }

// Ping verifies the Docker daemon is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}").CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker daemon unreachable: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Create starts a container for the given spec and blocks until it reports
// running or the startup window elapses.
func (d *Docker) Create(ctx context.Context, spec CreateSpec) (*Instance, error) {
	image := spec.Template
	if image == "" {
		image = d.config.DefaultImage
	}

	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--label", "sanduku.managed=true",
		"--label", "sanduku.template=" + spec.Template,

		"--security-opt=no-new-privileges",
		"--memory=" + strconv.Itoa(d.config.MemoryMB) + "m",
		"--memory-swap=" + strconv.Itoa(d.config.MemoryMB) + "m",
		"--cpus=" + strconv.FormatFloat(d.config.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(d.config.PIDsLimit),
	}

	for k, v := range spec.Env {
		args = append(args, "--env", k+"="+v)
	}

	// Dynamic host port per published port. The assigned address is only
	// discoverable afterward through ResolvePort.
	for _, p := range spec.PublishPorts {
		args = append(args, "--publish", "127.0.0.1::"+strconv.Itoa(p))
	}

	// Parked init keeps the container alive between execs.
	args = append(args, image, "sleep", "infinity")

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker run failed: %s: %w", strings.TrimSpace(string(out)), err)
	}

	window := spec.StartupWindow
	if window <= 0 {
		window = d.config.StartupWindow
	}
	if err := d.waitRunning(ctx, spec.Name, window); err != nil {
		// Never leave a half-started container behind.
		d.forceRemove(spec.Name)
		return nil, err
	}

	d.logger.Info("docker instance created",
		slog.String("instance", spec.Name),
		slog.String("image", image),
		slog.Int("published_ports", len(spec.PublishPorts)),
	)
	return &Instance{ID: spec.Name}, nil
}

// waitRunning polls container state until running, the window elapses, or
// the context is cancelled.
func (d *Docker) waitRunning(ctx context.Context, name string, window time.Duration) error {
	deadline := time.Now().Add(window)
	for {
		out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", name).Output()
		if err == nil && strings.TrimSpace(string(out)) == "true" {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("instance %s not running after %s: %w", name, window, ErrStartupTimeout)
		}
		time.Sleep(startupPollInterval)
	}
}

// Destroy force-removes the container. Removing a container that is already
// gone is a no-op.
func (d *Docker) Destroy(ctx context.Context, instanceID string) error {
	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", instanceID).CombinedOutput()
	if err != nil {
		if bytes.Contains(out, []byte("No such container")) {
			return nil
		}
		return fmt.Errorf("docker rm -f %s failed: %s: %w", instanceID, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// forceRemove destroys a container on a fresh context. Used when the
// caller's context may already be dead. Errors are logged, not returned.
func (d *Docker) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := d.Destroy(ctx, name); err != nil {
		d.logger.Warn("instance cleanup failed",
			slog.String("instance", name),
			slog.String("error", err.Error()),
		)
	}
}

// Exec runs a command inside the container via docker exec.
//
// The command is wrapped as: /bin/sh -c 'exec "$@"' <marker> cmd args...
// Positional parameters prevent shell injection, and the marker in $0 lets
// the timeout path pkill the exact process tree. On context cancellation
// the remote process is killed, not merely abandoned.
func (d *Docker) Exec(ctx context.Context, instanceID string, req ExecRequest) (*ExecResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	marker, err := execMarker()
	if err != nil {
		return nil, fmt.Errorf("generating exec marker: %w", err)
	}

	args := []string{"exec"}
	if req.Detach {
		args = append(args, "-d")
	}
	if req.WorkingDir != "" {
		args = append(args, "--workdir", req.WorkingDir)
	}
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, instanceID, "/bin/sh", "-c", `exec "$@"`, marker)
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil {
		if ctx.Err() != nil {
			// Killing the docker client does not kill the remote process.
			// Reap it by marker so no orphaned work survives the call.
			d.killByMarker(instanceID, marker)
			return nil, ctx.Err()
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// Exit code 137 from a missing container is indistinguishable
			// from an OOM kill at this layer; both surface as data.
			return &ExecResult{
				Stdout:   stdoutBuf.String(),
				Stderr:   stderrBuf.String(),
				ExitCode: exitErr.ExitCode(),
				Duration: duration,
			}, nil
		}
		return nil, fmt.Errorf("docker exec failed: %w", runErr)
	}

	return &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: 0,
		Duration: duration,
	}, nil
}

// killByMarker force-kills the remote process tree identified by the exec
// marker. Best-effort cleanup on a fresh context — the caller's context is
// already dead.
func (d *Docker) killByMarker(instanceID, marker string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "exec", instanceID,
		"pkill", "-9", "-f", marker).CombinedOutput()
	if err != nil {
		// pkill exits 1 when nothing matched — the process already died.
		if strings.TrimSpace(string(out)) != "" {
			d.logger.Warn("remote process cleanup failed",
				slog.String("instance", instanceID),
				slog.String("marker", marker),
				slog.String("output", strings.TrimSpace(string(out))),
			)
		}
	}
}

// CopyIn transfers a local path into the container. docker cp is byte-exact
// and preserves mode bits.
func (d *Docker) CopyIn(ctx context.Context, instanceID, localPath, remotePath string) error {
	out, err := exec.CommandContext(ctx, "docker", "cp", localPath, instanceID+":"+remotePath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker cp into %s failed: %s: %w", instanceID, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// CopyOut transfers a remote path out of the container.
func (d *Docker) CopyOut(ctx context.Context, instanceID, remotePath, localPath string) error {
	out, err := exec.CommandContext(ctx, "docker", "cp", instanceID+":"+remotePath, localPath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker cp out of %s failed: %s: %w", instanceID, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// ResolvePort returns the externally reachable URL for an internal port.
//
// Two conditions must hold: the port has a live publish mapping (docker
// port) and something inside the container is actually listening on it
// (/proc/net/tcp probe). Either missing → ErrNotPublished. The address is
// read from the daemon's mapping, never synthesized from a convention.
func (d *Docker) ResolvePort(ctx context.Context, instanceID string, port int) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", instanceID, strconv.Itoa(port)).Output()
	if err != nil {
		return "", fmt.Errorf("instance %s port %d: %w", instanceID, port, ErrNotPublished)
	}
	hostAddr := firstMappedAddr(string(out))
	if hostAddr == "" {
		return "", fmt.Errorf("instance %s port %d: %w", instanceID, port, ErrNotPublished)
	}

	listening, err := d.isListening(ctx, instanceID, port)
	if err != nil {
		return "", fmt.Errorf("probing listener on %s:%d: %w", instanceID, port, err)
	}
	if !listening {
		return "", fmt.Errorf("instance %s port %d has no listener: %w", instanceID, port, ErrNotPublished)
	}

	return "http://" + hostAddr, nil
}

// isListening checks /proc/net/tcp{,6} inside the container for a socket in
// LISTEN state on the given port. Avoids depending on nc/ss in the image.
func (d *Docker) isListening(ctx context.Context, instanceID string, port int) (bool, error) {
	res, err := d.Exec(ctx, instanceID, ExecRequest{
		Command: []string{"/bin/sh", "-c", "cat /proc/net/tcp /proc/net/tcp6 2>/dev/null || true"},
	})
	if err != nil {
		return false, err
	}
	return procNetHasListener(res.Stdout, port), nil
}

// procNetHasListener scans /proc/net/tcp content for a LISTEN socket
// (state 0A) whose local port matches.
func procNetHasListener(procNet string, port int) bool {
	wantPort := fmt.Sprintf("%04X", port)
	for _, line := range strings.Split(procNet, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		local := fields[1] // e.g. "00000000:1F90"
		idx := strings.LastIndex(local, ":")
		if idx < 0 || local[idx+1:] != wantPort {
			continue
		}
		if fields[3] == "0A" {
			return true
		}
	}
	return false
}

// firstMappedAddr parses docker port output ("0.0.0.0:49153\n[::]:49153")
// and returns the first mapping rewritten to a dialable loopback address.
func firstMappedAddr(out string) string {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			continue
		}
		host, hostPort := line[:idx], line[idx+1:]
		if _, err := strconv.Atoi(hostPort); err != nil {
			continue
		}
		if host == "0.0.0.0" || host == "[::]" || host == "" {
			host = "127.0.0.1"
		}
		return host + ":" + hostPort
	}
	return ""
}

// execMarker returns a unique $0 marker: sanduku-exec-<16 hex chars>.
func execMarker() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sanduku-exec-" + hex.EncodeToString(b), nil
}

// limitedWriter stops writing after a byte limit. Excess data is silently
// discarded, not an error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
