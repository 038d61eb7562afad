package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/sanduku/internal/sandbox"
)

// streamFrame is one message on the exec stream. The server sends stdout
// and stderr frames followed by a single exit frame, or an error frame if
// the command never completed.
type streamFrame struct {
	Type       string `json:"type"` // "stdout", "stderr", "exit", "error"
	Data       string `json:"data,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

// streamRequest is the first message the client sends after the upgrade.
type streamRequest struct {
	SandboxID      string            `json:"sandbox_id"`
	Command        []string          `json:"command"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Shell          bool              `json:"shell,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// handleExecStream upgrades to WebSocket and runs one command, streaming
// the captured output back as frames. The bearer key can also be supplied
// as a token query parameter since browsers cannot set headers on
// WebSocket handshakes.
func (g *Gateway) handleExecStream(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := g.bearerKey(r.Header.Get("Authorization"))
	if !ok {
		apiKey = r.URL.Query().Get("token")
	}
	if !g.keyValid(apiKey) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"sanduku-exec-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream finished")

	ctx := r.Context()
	req, err := g.readStreamRequest(ctx, conn)
	if err != nil {
		g.logger.Warn("exec stream rejected", slog.String("error", err.Error()))
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	res, execErr := g.svc.Exec.Exec(ctx, req.SandboxID, req.Command, sandbox.ExecOptions{
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
		Shell:      req.Shell,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if execErr != nil {
		g.writeFrame(ctx, conn, streamFrame{
			Type:  "error",
			Error: execErr.Error(),
			Kind:  string(sandbox.ErrKind(execErr)),
		})
		return
	}

	if res.Stdout != "" {
		if err := g.writeFrame(ctx, conn, streamFrame{Type: "stdout", Data: res.Stdout}); err != nil {
			return
		}
	}
	if res.Stderr != "" {
		if err := g.writeFrame(ctx, conn, streamFrame{Type: "stderr", Data: res.Stderr}); err != nil {
			return
		}
	}
	g.writeFrame(ctx, conn, streamFrame{
		Type:       "exit",
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
	})
}

func (g *Gateway) readStreamRequest(ctx context.Context, conn *websocket.Conn) (*streamRequest, error) {
	// The request must arrive promptly after the upgrade.
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, err
	}
	var req streamRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.SandboxID == "" {
		return nil, &sandbox.Error{Kind: sandbox.KindNotFound, Msg: "sandbox_id is required"}
	}
	if len(req.Command) == 0 {
		return nil, &sandbox.Error{Kind: sandbox.KindInvalidState, SandboxID: req.SandboxID, Msg: "command is required"}
	}
	return &req, nil
}

func (g *Gateway) writeFrame(ctx context.Context, conn *websocket.Conn, frame streamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
