package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	initTemplate string
	initLifetime int

	extendSeconds int

	hostPort int

	execWorkingDir string
	execShell      bool
	execBackground bool
	execTimeoutSec int
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Provision a sandbox (warm pool first, fresh otherwise)",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sandboxes",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status <sandbox-id>",
	Short: "Show one sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var killCmd = &cobra.Command{
	Use:   "kill <sandbox-id>",
	Short: "Terminate a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

var extendCmd = &cobra.Command{
	Use:   "extend <sandbox-id>",
	Short: "Extend a sandbox's lifetime",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtend,
}

var hostCmd = &cobra.Command{
	Use:   "host <sandbox-id>",
	Short: "Resolve the public URL for a published port",
	Args:  cobra.ExactArgs(1),
	RunE:  runHost,
}

var execCmd = &cobra.Command{
	Use:   "exec <sandbox-id> -- <command> [args...]",
	Short: "Run a command inside a sandbox",
	Long: `Run a command inside a sandbox and print its output. The local exit
code mirrors the remote command's exit code.

Examples:
  sanduku exec sbx-1 -- ls -la /work
  sanduku exec sbx-1 --shell -- 'echo $HOME'
  sanduku exec sbx-1 --background -- python server.py`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List open browser sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	initCmd.Flags().StringVar(&initTemplate, "template", "base", "template to provision from")
	initCmd.Flags().IntVar(&initLifetime, "lifetime", 0, "lifetime in seconds (0 = server default)")

	extendCmd.Flags().IntVar(&extendSeconds, "seconds", 600, "seconds to add to the deadline")

	hostCmd.Flags().IntVar(&hostPort, "port", 0, "published container port (required)")
	_ = hostCmd.MarkFlagRequired("port")

	execCmd.Flags().StringVar(&execWorkingDir, "workdir", "", "working directory inside the sandbox")
	execCmd.Flags().BoolVar(&execShell, "shell", false, "run the command through /bin/sh -c")
	execCmd.Flags().BoolVar(&execBackground, "background", false, "detach and return immediately")
	execCmd.Flags().IntVar(&execTimeoutSec, "exec-timeout", 0, "execution timeout in seconds (0 = server default)")

	registerClientFlags(initCmd, listCmd, statusCmd, killCmd, extendCmd, hostCmd, execCmd, sessionsCmd)
}

func runInit(_ *cobra.Command, _ []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := clientContext()
	defer cancel()

	var sb sandboxInfo
	err = client.call(ctx, http.MethodPost, "/v1/sandboxes", map[string]any{
		"template":         initTemplate,
		"lifetime_seconds": initLifetime,
	}, &sb)
	if err != nil {
		return err
	}
	printSandbox(sb)
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := clientContext()
	defer cancel()

	var sandboxes []sandboxInfo
	if err := client.call(ctx, http.MethodGet, "/v1/sandboxes", nil, &sandboxes); err != nil {
		return err
	}
	for _, sb := range sandboxes {
		printSandbox(sb)
	}
	return nil
}

func runStatus(_ *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := clientContext()
	defer cancel()

	var sb sandboxInfo
	if err := client.call(ctx, http.MethodGet, "/v1/sandboxes/"+url.PathEscape(args[0]), nil, &sb); err != nil {
		return err
	}
	printSandbox(sb)
	return nil
}

func runKill(_ *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := clientContext()
	defer cancel()

	if err := client.call(ctx, http.MethodDelete, "/v1/sandboxes/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Printf("%s terminated\n", args[0])
	return nil
}

func runExtend(_ *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := clientContext()
	defer cancel()

	var sb sandboxInfo
	err = client.call(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(args[0])+"/extend", map[string]any{
		"seconds": extendSeconds,
	}, &sb)
	if err != nil {
		return err
	}
	printSandbox(sb)
	return nil
}

func runHost(_ *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := clientContext()
	defer cancel()

	var out struct {
		Port int    `json:"port"`
		URL  string `json:"url"`
	}
	path := "/v1/sandboxes/" + url.PathEscape(args[0]) + "/host?port=" + strconv.Itoa(hostPort)
	if err := client.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	fmt.Println(out.URL)
	return nil
}

func runExec(_ *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := clientContext()
	defer cancel()

	var out struct {
		Stdout     string `json:"stdout"`
		Stderr     string `json:"stderr"`
		ExitCode   int    `json:"exit_code"`
		DurationMS int64  `json:"duration_ms"`
	}
	path := "/v1/sandboxes/" + url.PathEscape(args[0]) + "/exec"
	err = client.call(ctx, http.MethodPost, path, map[string]any{
		"command":         args[1:],
		"working_dir":     execWorkingDir,
		"shell":           execShell,
		"background":      execBackground,
		"timeout_seconds": execTimeoutSec,
	}, &out)
	if err != nil {
		return err
	}

	fmt.Print(out.Stdout)
	fmt.Fprint(os.Stderr, out.Stderr)
	if out.ExitCode != 0 {
		os.Exit(out.ExitCode)
	}
	return nil
}

func runSessions(_ *cobra.Command, _ []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := clientContext()
	defer cancel()

	var sessions []struct {
		ID        string `json:"id"`
		SandboxID string `json:"sandbox_id"`
		Port      int    `json:"port"`
		StartedAt string `json:"started_at"`
	}
	if err := client.call(ctx, http.MethodGet, "/v1/sessions", nil, &sessions); err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Printf("%s\tsandbox=%s\tport=%d\tstarted=%s\n", s.ID, s.SandboxID, s.Port, s.StartedAt)
	}
	return nil
}
