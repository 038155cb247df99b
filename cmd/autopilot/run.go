package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/audit"
	"github.com/fyrsmithlabs/autopilot/internal/checkpoint"
	"github.com/fyrsmithlabs/autopilot/internal/confidence"
	"github.com/fyrsmithlabs/autopilot/internal/executor"
	apihttp "github.com/fyrsmithlabs/autopilot/internal/http"
	"github.com/fyrsmithlabs/autopilot/internal/human"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/menu"
	"github.com/fyrsmithlabs/autopilot/internal/orchestrator"
	"github.com/fyrsmithlabs/autopilot/internal/parallel"
	"github.com/fyrsmithlabs/autopilot/internal/party"
	"github.com/fyrsmithlabs/autopilot/internal/recovery"
	"github.com/fyrsmithlabs/autopilot/internal/stall"
	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

// Exit codes of the run command.
const (
	exitWorkflowFailed    = 2
	exitWorkflowCancelled = 3
)

var (
	runResume     string
	runUnattended bool
	runServe      bool
	runWorkflowID string
	runDir        string
	runJSON       bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runResume, "resume", "", "resume from a checkpoint id, checkpoint file, or 'latest'")
	runCmd.Flags().BoolVar(&runUnattended, "unattended", false, "run without a human; recommendations are accepted, anything else fails")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "start the status server (overrides server.enabled)")
	runCmd.Flags().StringVar(&runWorkflowID, "workflow-id", "", "workflow instance id (default: random)")
	runCmd.Flags().StringVar(&runDir, "dir", "", "working directory for step commands (default: current directory)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the result as JSON")
}

var runCmd = &cobra.Command{
	Use:   "run <definition.yaml>",
	Short: "Run a workflow definition",
	Long: `Run a workflow definition to completion.

Each step command runs through sh -c. A command may print a JSON report as
its last line to pass quality metrics, issues and confidence evidence:

  {"verdict":"PASS","blocking_errors":0,"major_issues":1,"compliance_score":96}

Exit status is 0 when the workflow completes, 2 when it fails and 3 when it
is cancelled.

Examples:
  # Run interactively
  autopilot run release.yaml

  # Run unattended with the status server
  autopilot run release.yaml --unattended --serve

  # Resume the most recent checkpoint
  autopilot run release.yaml --resume latest`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runServe {
		cfg.Server.Enabled = true
	}

	deps, err := initDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	inst, err := loadInstance(args[0], runResume, cfg.Checkpoint.Dir)
	if err != nil {
		return err
	}
	ctx = logging.WithWorkflowID(ctx, inst.ID)

	ctrl, err := newController(deps, inst, cmd.InOrStdin(), cmd.ErrOrStderr(), runUnattended)
	if err != nil {
		return err
	}
	ctrl.OnProgress(func(p orchestrator.Progress) {
		deps.log.Info(ctx, p.Message,
			zap.String("state", string(p.State)),
			zap.Int("percentage", p.Percentage))
	})

	if cfg.Server.Enabled {
		stop, err := startServer(deps, ctrl)
		if err != nil {
			return err
		}
		defer stop()
	}

	deps.log.Info(ctx, "running workflow",
		zap.String("workflow", inst.Name),
		zap.Bool("resumed", runResume != ""),
		zap.Bool("unattended", runUnattended))

	res := ctrl.Run(ctx)

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if n, err := deps.patterns.Flush(flushCtx); err != nil {
		deps.log.Warn(ctx, "pattern queue not flushed", zap.Int("flushed", n), zap.Error(err))
	}
	cancel()

	if runJSON {
		if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		renderResult(cmd.OutOrStdout(), res)
	}

	switch res.Status {
	case workflow.StatusCompleted:
		return nil
	case workflow.StatusCancelled:
		return &exitError{code: exitWorkflowCancelled, msg: "workflow cancelled: " + res.Reason}
	default:
		return &exitError{code: exitWorkflowFailed, msg: "workflow failed: " + res.Reason}
	}
}

// newController wires the controller. Without a human channel the run is
// unattended.
func newController(deps *dependencies, inst *workflow.Instance, in io.Reader, out io.Writer, unattended bool) (*orchestrator.Controller, error) {
	cfg, logger := deps.cfg, deps.logger
	shell := executor.NewShell(executor.Config{Dir: runDir}, logger)

	recOpts := []recovery.Option{
		recovery.WithPatterns(deps.patterns, shell),
		recovery.WithConfigSources(recovery.EnvSource{}, recovery.DotenvSource{Paths: cfg.Recovery.DotenvFiles}),
	}

	var (
		ch           human.Channel
		participants []party.Participant
	)
	if !unattended {
		timed := human.NewTimed(human.NewConsole(in, out), cfg.HumanTimeouts(), logger)
		timed.OnTimeout(func(p human.Prompt, waited time.Duration) {
			deps.audit.Record(audit.KindDecision, inst.ID, p.StepID, "timed_out", p.Title, zap.Duration("waited", waited))
		})
		ch = timed
		participants = []party.Participant{party.NewHumanParticipant("operator", timed)}
		recOpts = append(recOpts, recovery.WithPrompter(timed))
	}

	return orchestrator.New(inst, orchestrator.Deps{
		Executor:    shell,
		Checker:     shell,
		Checkpoints: deps.checkpoints,
		Confidence:  confidence.NewCalculator(logger),
		Gates: []orchestrator.Gate{
			orchestrator.NewQualityGate(cfg.GateThresholds()),
			orchestrator.NewVerificationGate(),
		},
		Menu:         menu.NewNavigator(inst.Name, logger),
		Stall:        stall.NewDetector(logger),
		Recovery:     recovery.New(cfg.RecoveryConfig(), logger, recOpts...),
		Parallel:     parallel.NewCoordinator(cfg.ParallelConfig(), logger),
		Human:        ch,
		Participants: participants,
		Audit:        deps.audit,
	}, cfg.ControllerConfig(), logger)
}

// loadInstance instantiates the definition, or restores it from a
// checkpoint when resume is set. A restored instance must belong to the
// same definition.
func loadInstance(defPath, resume, dir string) (*workflow.Instance, error) {
	def, err := workflow.LoadDefinition(defPath)
	if err != nil {
		return nil, err
	}
	if resume == "" {
		id := runWorkflowID
		if id == "" {
			id = "wf_" + uuid.NewString()
		}
		return def.Instantiate(id, time.Now())
	}

	cp, err := findCheckpoint(resume, dir)
	if err != nil {
		return nil, err
	}
	inst, err := cp.Instance()
	if err != nil {
		return nil, err
	}
	if inst.Name != def.Name {
		return nil, fmt.Errorf("checkpoint %s belongs to workflow %q, not %q", cp.ID, inst.Name, def.Name)
	}
	if inst.Status == workflow.StatusFailed || inst.Status == workflow.StatusCancelled {
		inst.Status = workflow.StatusPaused
	}
	return inst, nil
}

// findCheckpoint resolves a checkpoint reference: a file path, an id in
// the checkpoint directory, or "latest".
func findCheckpoint(ref, dir string) (*checkpoint.Checkpoint, error) {
	if _, err := os.Stat(ref); err == nil {
		return checkpoint.LoadFile(ref)
	}
	all, err := checkpoint.ListDir(dir)
	if err != nil {
		return nil, err
	}
	if ref == "latest" {
		if len(all) == 0 {
			return nil, fmt.Errorf("no checkpoints in %s", dir)
		}
		return all[len(all)-1], nil
	}
	for _, c := range all {
		if c.ID == ref {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, ref)
}

// startServer serves the status endpoints until the returned stop func is
// called.
func startServer(deps *dependencies, ctrl *orchestrator.Controller) (func(), error) {
	cfg := deps.cfg.Server
	srv, err := apihttp.NewServer(apihttp.Sources{
		Workflow:    ctrl,
		Checkpoints: deps.checkpoints,
		Patterns:    deps.patterns,
		Version:     version,
	}, deps.logger, &apihttp.Config{Host: cfg.Host, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("failed to create status server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	deps.logger.Info("status server listening",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Host, cfg.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			deps.logger.Warn("status server shutdown", zap.Error(err))
		}
		select {
		case err := <-errCh:
			if err != nil {
				deps.logger.Warn("status server stopped", zap.Error(err))
			}
		case <-ctx.Done():
		}
	}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
