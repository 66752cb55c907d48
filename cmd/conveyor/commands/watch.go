package commands

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/pkg/telemetry"
	"github.com/conveyorci/conveyor/pkg/workflow"
)

// watchDebounce coalesces the bursts of write events editors emit on save.
const watchDebounce = 500 * time.Millisecond

func newWatchCommand() *cobra.Command {
	var (
		eventType string
		ref       string
		actor     string
		approveAs []string
	)

	cmd := &cobra.Command{
		Use:   "watch <workflow-file>",
		Short: "Re-run a workflow whenever its file changes",
		Long: `Watch a workflow document and execute it on every change.

The file is run once immediately, then re-run each time it is saved.
Runs execute sequentially; changes made while a run is in flight
trigger one follow-up run after it completes.`,
		Example: `  # Iterate on a workflow locally
  conveyor watch .conveyor/ci.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

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

			bundle, err := buildEngine(ctx, cfg, tel)
			if err != nil {
				return err
			}
			defer bundle.Close()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer watcher.Close()

			// Watch the directory rather than the file; editors that
			// rename-on-save would otherwise drop the watch.
			if err := watcher.Add(filepath.Dir(path)); err != nil {
				return err
			}

			logger := tel.Logger.NewComponentLogger("watch")
			target, err := filepath.Abs(path)
			if err != nil {
				return err
			}

			event := workflow.TriggerEvent{
				EventType: eventType,
				Ref:       ref,
				Actor:     actor,
			}

			runOnce := func() {
				def, err := workflow.NewParser().ParseFile(path)
				if err != nil {
					logger.WithError(err).Error("workflow invalid, waiting for next change")
					return
				}
				run, err := executeRun(ctx, bundle, tel, def, event, approveAs, false)
				if err != nil {
					logger.WithError(err).Error("run failed to start")
					return
				}
				printRunSummary(run)
			}

			logger.Infof("watching %s", path)
			runOnce()

			var (
				debounce *time.Timer
				fire     <-chan time.Time
			)
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					changed, err := filepath.Abs(ev.Name)
					if err != nil || changed != target {
						continue
					}
					if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
						continue
					}
					if debounce == nil {
						debounce = time.NewTimer(watchDebounce)
						fire = debounce.C
					} else {
						debounce.Reset(watchDebounce)
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					logger.WithError(err).Warn("watcher error")
				case <-fire:
					debounce = nil
					fire = nil
					logger.Info("workflow changed, re-running")
					runOnce()
				}
			}
		},
	}

	cmd.Flags().StringVar(&eventType, "event", "workflow_dispatch", "trigger event type")
	cmd.Flags().StringVar(&ref, "ref", "refs/heads/main", "triggering git ref")
	cmd.Flags().StringVar(&actor, "actor", "local", "triggering actor")
	cmd.Flags().StringSliceVar(&approveAs, "approve-as", nil, "reviewers that approve environment gates")

	return cmd
}
