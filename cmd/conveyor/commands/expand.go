package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/pkg/engine"
	"github.com/conveyorci/conveyor/pkg/workflow"
)

func newExpandCommand() *cobra.Command {
	var maxInstances int

	cmd := &cobra.Command{
		Use:   "expand <workflow-file>",
		Short: "Show the job instances a workflow expands to",
		Long: `Expand every job's matrix and print the resulting job instances
without executing anything. Useful for checking include/exclude rules and
instance counts before a run.`,
		Example: `  # Show the expansion of a matrix workflow
  conveyor expand .conveyor/ci.yaml

  # Check against a lower instance cap
  conveyor expand --max-instances 64 .conveyor/ci.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.NewParser().ParseFile(args[0])
			if err != nil {
				return err
			}

			graph, err := engine.NewGraphBuilder().BuildGraph(def)
			if err != nil {
				return err
			}

			expander := engine.NewMatrixExpander(maxInstances)
			now := time.Now()

			type jobExpansion struct {
				Job       string   `json:"job"`
				Instances []string `json:"instances"`
			}

			var expansions []jobExpansion
			total := 0
			for _, jobID := range graph.TopologicalOrder() {
				instances, err := expander.ExpandJob(def.Jobs[jobID], now)
				if err != nil {
					return err
				}
				exp := jobExpansion{Job: jobID}
				for _, inst := range instances {
					exp.Instances = append(exp.Instances, inst.ID)
				}
				expansions = append(expansions, exp)
				total += len(instances)
			}

			if jsonOutput {
				out, err := json.MarshalIndent(expansions, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("Workflow %q expands to %d job instances\n", def.Name, total)
			for _, exp := range expansions {
				fmt.Printf("  %s (%d):\n", exp.Job, len(exp.Instances))
				for _, id := range exp.Instances {
					fmt.Printf("    %s\n", id)
				}
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&maxInstances, "max-instances", 0, "per-job matrix instance cap (0 = default)")

	return cmd
}
