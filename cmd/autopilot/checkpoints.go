package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/autopilot/internal/checkpoint"
)

var (
	cpDir        string
	cpLimit      int
	cpOutputJSON bool
)

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsShowCmd)

	checkpointsCmd.PersistentFlags().StringVar(&cpDir, "dir", "", "checkpoint directory (default: checkpoint.dir from config)")
	checkpointsCmd.PersistentFlags().BoolVar(&cpOutputJSON, "json", false, "Output results as JSON")
	checkpointsListCmd.Flags().IntVar(&cpLimit, "limit", 20, "Maximum number of checkpoints to show, newest first")
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect saved checkpoints",
	Long: `Inspect the checkpoints saved by workflow runs.

Examples:
  # List the most recent checkpoints
  autopilot checkpoints list

  # Show one checkpoint with its workflow state
  autopilot checkpoints show <checkpoint-id> --json`,
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, err := checkpointDir()
		if err != nil {
			return err
		}
		cps, err := checkpoint.ListDir(dir)
		if err != nil {
			return fmt.Errorf("failed to list checkpoints: %w", err)
		}
		cps = newestFirst(cps, cpLimit)
		if cpOutputJSON {
			return writeJSON(cmd.OutOrStdout(), cps)
		}
		printCheckpoints(cmd.OutOrStdout(), cps)
		return nil
	},
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "show <checkpoint-id|latest>",
	Short: "Show a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := checkpointDir()
		if err != nil {
			return err
		}
		cp, err := findCheckpoint(args[0], dir)
		if err != nil {
			return err
		}
		if cpOutputJSON {
			return writeJSON(cmd.OutOrStdout(), cp)
		}
		return printCheckpoint(cmd.OutOrStdout(), cp)
	},
}

func checkpointDir() (string, error) {
	if cpDir != "" {
		return cpDir, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Checkpoint.Dir, nil
}

// newestFirst reverses the oldest-first listing and keeps at most limit.
func newestFirst(cps []*checkpoint.Checkpoint, limit int) []*checkpoint.Checkpoint {
	out := make([]*checkpoint.Checkpoint, 0, len(cps))
	for i := len(cps) - 1; i >= 0; i-- {
		out = append(out, cps[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func printCheckpoints(w io.Writer, cps []*checkpoint.Checkpoint) {
	if len(cps) == 0 {
		fmt.Fprintln(w, "No checkpoints found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORKFLOW\tSTEP\tKIND\tCREATED\tROLLBACK")
	for _, cp := range cps {
		rollback := ""
		if cp.CanRollback {
			rollback = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(cp.ID, 12),
			truncate(cp.WorkflowID, 20),
			cp.StepID,
			cp.Kind,
			cp.CreatedAt.Format("2006-01-02 15:04:05"),
			rollback,
		)
	}
	_ = tw.Flush()
}

func printCheckpoint(w io.Writer, cp *checkpoint.Checkpoint) error {
	inst, err := cp.Instance()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "ID:        %s\n", cp.ID)
	fmt.Fprintf(w, "Workflow:  %s (%s)\n", inst.Name, cp.WorkflowID)
	fmt.Fprintf(w, "Step:      %s\n", cp.StepID)
	fmt.Fprintf(w, "Kind:      %s\n", cp.Kind)
	fmt.Fprintf(w, "Created:   %s\n", cp.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Status:    %s\n", inst.Status)
	if cp.Timeout != nil {
		fmt.Fprintf(w, "Timeout:   %s level, operation %s\n", cp.Timeout.Level, cp.Timeout.OperationID)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tSTATUS")
	for i, r := range inst.Results {
		marker := ""
		if i == inst.Current {
			marker = " <"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s%s\n", i+1, r.StepID, r.Status, marker)
	}
	return tw.Flush()
}
