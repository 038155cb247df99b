// Package main implements the autopilot CLI, which runs workflow
// definitions under the autonomous controller.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the config file search.
	configPath string
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received %v, stopping\n", sig)
		cancel()
	}()

	os.Exit(execute(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Run multi-step workflows autonomously",
	Long: `autopilot drives a workflow definition step by step. It validates each
step, recovers from failures, navigates menus, checkpoints progress and
escalates to a human only when confidence is low.

Examples:
  # Run a workflow interactively
  autopilot run release.yaml

  # Run without a human; anything that needs a decision fails the run
  autopilot run release.yaml --unattended

  # Resume from a checkpoint
  autopilot run release.yaml --resume <checkpoint-id>

  # Inspect saved checkpoints
  autopilot checkpoints list`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default .autopilot/config.yaml or ~/.config/autopilot/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

// printVersion prints version information
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "autopilot by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}
