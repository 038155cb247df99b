package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/patternstore"
	"github.com/fyrsmithlabs/autopilot/internal/recovery"
)

var (
	patLimit    int
	patCategory string
	patFix      string
	patJSON     bool
)

func init() {
	rootCmd.AddCommand(patternsCmd)
	patternsCmd.AddCommand(patternsQueryCmd)
	patternsCmd.AddCommand(patternsLearnCmd)
	patternsCmd.AddCommand(patternsServeCmd)

	patternsQueryCmd.Flags().IntVar(&patLimit, "limit", 5, "Maximum number of matches")
	patternsQueryCmd.Flags().BoolVar(&patJSON, "json", false, "Output results as JSON")
	patternsLearnCmd.Flags().StringVar(&patFix, "fix", "", "shell command that fixes the failure (required)")
	patternsLearnCmd.Flags().StringVar(&patCategory, "category", "", "pattern category")
	_ = patternsLearnCmd.MarkFlagRequired("fix")
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Manage the failure pattern memory",
	Long: `Manage the failure patterns recovery consults before escalating.

Examples:
  # Find fixes for a failure message
  autopilot patterns query "connection refused: postgres:5432"

  # Remember a fix
  autopilot patterns learn "ERR_PNPM_OUTDATED_LOCKFILE" --fix "pnpm install --no-frozen-lockfile"

  # Share the local pattern memory with other machines over NATS
  autopilot patterns serve`,
}

var patternsQueryCmd = &cobra.Command{
	Use:   "query <failure message>",
	Short: "Find patterns matching a failure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openPatterns()
		if err != nil {
			return err
		}
		defer d.Close()

		res := d.patterns.Query(cmd.Context(), patternstore.Signature(args[0]), patLimit)
		if patJSON {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		if res.Status == patternstore.StatusDegraded {
			return fmt.Errorf("pattern store degraded: %s", res.Reason)
		}
		printMatches(cmd.OutOrStdout(), res.Matches)
		return nil
	},
}

var patternsLearnCmd = &cobra.Command{
	Use:   "learn <failure message>",
	Short: "Remember a fix for a failure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openPatterns()
		if err != nil {
			return err
		}
		defer d.Close()

		rec := recovery.New(d.cfg.RecoveryConfig(), d.logger, recovery.WithPatterns(d.patterns, nil))
		p, err := rec.Learn(cmd.Context(), errors.New(args[0]), patCategory, patFix)
		if err != nil {
			return fmt.Errorf("failed to store pattern: %w", err)
		}
		if d.patterns.Pending() > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Pattern %s queued; the store is unreachable\n", p.ID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pattern %s stored\n", p.ID)
		return nil
	},
}

var patternsServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local pattern store over NATS",
	Long: `Serve the local pattern store to other autopilot processes over NATS.

The local store is chromem at patternstore.chromem.path unless the backend
is memory. Clients set patternstore.backend to nats and point
patternstore.nats.url at the same server.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := initLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Close() }()
		logger := log.Underlying()

		var store patternstore.Store
		if cfg.PatternStore.Backend == config.BackendMemory {
			store = patternstore.NewMemoryStore(cfg.PatternStore.Threshold)
		} else {
			store, err = openChromem(cfg, logger)
			if err != nil {
				return err
			}
		}

		nc, err := connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		resp, err := patternstore.Serve(nc, cfg.PatternStore.NATS.Subject, store, logger)
		if err != nil {
			return fmt.Errorf("failed to serve patterns: %w", err)
		}
		defer func() { _ = resp.Close() }()

		logger.Info("serving pattern store",
			zap.String("url", cfg.PatternStore.NATS.URL),
			zap.String("subject", cfg.PatternStore.NATS.Subject))
		<-ctx.Done()
		return nil
	},
}

// openPatterns opens only what the pattern commands need.
func openPatterns() (_ *dependencies, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	d := &dependencies{cfg: cfg}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()
	d.log, err = initLogger(cfg)
	if err != nil {
		return nil, err
	}
	d.logger = d.log.Underlying()

	backend, err := d.patternBackend()
	if err != nil {
		return nil, err
	}
	d.patterns, err = patternstore.NewResilient(backend, cfg.ResilientConfig(), d.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern store: %w", err)
	}
	return d, nil
}

func printMatches(w io.Writer, ms []patternstore.Match) {
	if len(ms) == 0 {
		fmt.Fprintln(w, "No matching patterns")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSIMILARITY\tCONFIDENCE\tCATEGORY\tFIX")
	for _, m := range ms {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%s\t%s\n",
			truncate(m.Pattern.ID, 12),
			m.Similarity,
			m.Pattern.Confidence,
			m.Pattern.Category,
			truncate(m.Pattern.Fix, 50),
		)
	}
	_ = tw.Flush()
}
