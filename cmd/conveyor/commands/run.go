package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/pkg/engine"
	"github.com/conveyorci/conveyor/pkg/gate"
	"github.com/conveyorci/conveyor/pkg/telemetry"
	"github.com/conveyorci/conveyor/pkg/workflow"
)

func newRunCommand() *cobra.Command {
	var (
		eventType string
		ref       string
		actor     string
		approveAs []string
		reject    bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Execute a workflow",
		Long: `Execute a workflow document and stream its timeline.

Jobs targeting a protected environment are held at the approval gate.
With --approve-as, the named reviewers approve each gate as it opens;
with --reject, the first gate is rejected. Without either flag, gated
jobs wait until the approval window times out.`,
		Example: `  # Run a workflow for a push to main
  conveyor run .conveyor/ci.yaml

  # Run a deploy triggered by a release branch
  conveyor run .conveyor/deploy.yaml --ref refs/heads/release/1.2

  # Approve environment gates as two reviewers
  conveyor run .conveyor/deploy.yaml --approve-as alice --approve-as bob`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tel, err := telemetry.NewTelemetry(cfg.TelemetrySettings(cliVersion))
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(context.Background()) }()

			if err := tel.StartMetricsServer(); err != nil {
				return err
			}

			def, err := workflow.NewParser().ParseFile(args[0])
			if err != nil {
				return err
			}

			bundle, err := buildEngine(ctx, cfg, tel)
			if err != nil {
				return err
			}
			defer bundle.Close()

			event := workflow.TriggerEvent{
				EventType: eventType,
				Ref:       ref,
				Actor:     actor,
			}

			run, err := executeRun(ctx, bundle, tel, def, event, approveAs, reject)
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(run, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
			} else {
				printRunSummary(run)
			}

			if run.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("run %s %s", run.ID, run.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&eventType, "event", "workflow_dispatch", "trigger event type")
	cmd.Flags().StringVar(&ref, "ref", "refs/heads/main", "triggering git ref")
	cmd.Flags().StringVar(&actor, "actor", "local", "triggering actor")
	cmd.Flags().StringSliceVar(&approveAs, "approve-as", nil, "reviewers that approve environment gates")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject environment gates instead of approving")

	return cmd
}

// executeRun starts the run, streams its timeline, resolves gates, and waits
// for completion. Interrupting the context cancels the run and waits for the
// scheduler to wind down.
func executeRun(
	ctx context.Context,
	bundle *engineBundle,
	tel *telemetry.Telemetry,
	def *workflow.Definition,
	event workflow.TriggerEvent,
	approveAs []string,
	reject bool,
) (*engine.Run, error) {
	logger := tel.Logger.NewComponentLogger("run").WithWorkflow(def.Name)

	timer := telemetry.NewTimer()
	runID, err := bundle.Scheduler.StartRun(ctx, def, event)
	if err != nil {
		return nil, err
	}
	tel.Metrics.RecordRunStarted(def.Name, event.EventType)

	logger = logger.WithRunID(runID)
	logger.Info("run started")

	// Stream events until the run completes.
	streamCtx, stopStream := context.WithCancel(context.Background())
	defer stopStream()
	events, err := bundle.Events.Subscribe(streamCtx, runID)
	if err != nil {
		return nil, err
	}

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		for ev := range events {
			logEvent(logger, ev)
			if ev.Type == engine.EventTypeApprovalRequested {
				resolveGate(bundle, logger, runID, ev.InstanceID, approveAs, reject)
			}
		}
	}()

	if err := bundle.Scheduler.Wait(ctx, runID); err != nil {
		// Interrupted; cancel the run and wait for it to wind down.
		logger.Warn("interrupt received, cancelling run")
		if cErr := bundle.Scheduler.Cancel(context.Background(), runID); cErr != nil {
			return nil, cErr
		}
		if wErr := bundle.Scheduler.Wait(context.Background(), runID); wErr != nil {
			return nil, wErr
		}
	}

	stopStream()
	<-streamDone

	run, ok := bundle.Scheduler.GetRun(runID)
	if !ok {
		return nil, fmt.Errorf("run %s not found after completion", runID)
	}

	tel.Metrics.RecordRunCompleted(string(run.Status), timer.Duration())
	for _, inst := range run.Instances {
		var duration time.Duration
		if inst.StartedAt != nil && inst.CompletedAt != nil {
			duration = inst.CompletedAt.Sub(*inst.StartedAt)
		}
		tel.Metrics.RecordInstance(inst.JobID, string(inst.Status), duration)
	}

	return run, nil
}

// resolveGate approves or rejects the pending approval request for a gated
// instance. The request is registered moments after the approval event is
// published, so the lookup polls briefly.
func resolveGate(bundle *engineBundle, logger *telemetry.Logger, runID, instanceID string, approveAs []string, reject bool) {
	var (
		req *gate.Request
		ok  bool
	)
	for i := 0; i < 20; i++ {
		if req, ok = bundle.Gate.PendingFor(runID, instanceID); ok {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !ok {
		return
	}

	if reject {
		reviewer := "cli"
		if len(approveAs) > 0 {
			reviewer = approveAs[0]
		}
		if err := bundle.Gate.Reject(req.ID, reviewer); err != nil {
			logger.WithError(err).Error("failed to reject gate")
		}
		return
	}

	if len(approveAs) == 0 {
		logger.Warnf("job %s waits for %d approvals; rerun with --approve-as", instanceID, req.RequiredReviewers)
		return
	}

	for _, reviewer := range approveAs {
		if err := bundle.Gate.Approve(req.ID, reviewer); err != nil {
			logger.WithError(err).Error("failed to approve gate")
			return
		}
	}
}

// logEvent routes a timeline event to the logger at its severity.
func logEvent(logger *telemetry.Logger, ev engine.Event) {
	l := logger
	if ev.InstanceID != "" {
		l = l.WithInstanceID(ev.InstanceID)
	}
	switch ev.Level {
	case "error":
		l.Error(ev.Message)
	case "warning":
		l.Warn(ev.Message)
	default:
		l.Info(ev.Message)
	}
}

// printRunSummary prints the final run state for humans.
func printRunSummary(run *engine.Run) {
	fmt.Printf("\nRun %s: %s (%s)\n", run.ID, run.Status, run.Duration.Round(time.Millisecond))
	fmt.Printf("  instances: %d total, %d succeeded, %d failed, %d skipped, %d cancelled\n",
		run.Summary.Total, run.Summary.Succeeded, run.Summary.Failed,
		run.Summary.Skipped, run.Summary.Cancelled)

	for _, inst := range run.Instances {
		line := fmt.Sprintf("  %-12s %s", inst.Status, inst.ID)
		if inst.Error != nil {
			line += " (" + inst.Error.Message + ")"
		}
		fmt.Println(line)
	}
}
