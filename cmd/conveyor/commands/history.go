package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/pkg/engine"
	"github.com/conveyorci/conveyor/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past workflow runs",
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

// openHistory opens the run history store from the configuration.
func openHistory(cmd *cobra.Command) (*stores.RunStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.History.Enabled {
		return nil, fmt.Errorf("run history is disabled in the configuration")
	}

	store, err := stores.NewRunStore(stores.Config{Path: cfg.History.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(cmd.Context()); err != nil {
		return nil, err
	}
	return store, nil
}

func newHistoryListCommand() *cobra.Command {
	var (
		workflowName string
		status       string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Example: `  # List the latest runs
  conveyor history list

  # List failed runs of one workflow
  conveyor history list --workflow ci --status failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListRuns(cmd.Context(), stores.ListFilter{
				Workflow: workflowName,
				Status:   engine.RunStatus(status),
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(records, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			if len(records) == 0 {
				fmt.Println("No recorded runs")
				return nil
			}
			for _, rec := range records {
				fmt.Printf("%s  %-10s %-20s %s (%s)\n",
					rec.StartedAt.Format(time.RFC3339), rec.Status,
					rec.Workflow, rec.ID, rec.Duration.Round(time.Millisecond))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowName, "workflow", "", "filter by workflow name")
	cmd.Flags().StringVar(&status, "status", "", "filter by terminal status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results (0 = default page size)")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one recorded run in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(rec, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("Run %s\n", rec.ID)
			fmt.Printf("  workflow: %s\n", rec.Workflow)
			fmt.Printf("  event:    %s on %s by %s\n", rec.EventType, rec.Ref, rec.Actor)
			fmt.Printf("  status:   %s (%s)\n", rec.Status, rec.Duration.Round(time.Millisecond))
			fmt.Printf("  started:  %s\n", rec.StartedAt.Format(time.RFC3339))
			fmt.Printf("  instances:\n")
			for _, inst := range rec.Instances {
				fmt.Printf("    %-12s %s\n", inst.Status, inst.ID)
			}
			return nil
		},
	}

	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete run records past the retention window",
		Example: `  # Prune with the configured retention
  conveyor history prune

  # Prune everything older than a week
  conveyor history prune --older-than 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			retention := olderThan
			if retention <= 0 {
				retention = cfg.History.Retention.Std()
			}
			if retention <= 0 {
				return fmt.Errorf("no retention window configured; pass --older-than")
			}

			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			pruned, err := store.Prune(cmd.Context(), retention)
			if err != nil {
				return err
			}

			fmt.Printf("Pruned %d run record(s)\n", pruned)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window override")

	return cmd
}
