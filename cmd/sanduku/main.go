// Sanduku — sandbox orchestration and remote execution.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sanduku — sandbox orchestration and remote code execution.",
	Long: `Sanduku provisions isolated sandboxes on demand, runs commands and file
transfers inside them, and reclaims them when their lifetime expires.
A warm pool keeps pre-provisioned sandboxes on standby so agent workloads
skip the cold-start latency.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(
		serveCmd, mcpCmd, versionCmd,
		initCmd, listCmd, statusCmd, killCmd, extendCmd, hostCmd, execCmd,
		filesCmd, sessionsCmd,
	)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
