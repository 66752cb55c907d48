package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/pkg/engine"
	"github.com/conveyorci/conveyor/pkg/workflow"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <workflow-file>",
		Short: "Validate a workflow document",
		Long: `Validate a workflow document without executing it.

This command checks:
  - YAML syntax validity
  - Required fields and value constraints
  - Step shape (exactly one of run / uses per step)
  - Matrix structure (axes, include, exclude)
  - Needs references and graph acyclicity`,
		Example: `  # Validate a workflow file
  conveyor validate .conveyor/ci.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			def, err := workflow.NewParser().ParseFile(path)
			if err != nil {
				return err
			}

			// The parser does not check graph acyclicity; building the
			// needs graph does.
			graph, err := engine.NewGraphBuilder().BuildGraph(def)
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(map[string]any{
					"name":   def.Name,
					"on":     def.On,
					"jobs":   graph.TopologicalOrder(),
					"levels": graph.Depth,
				}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			log.Info().
				Str("workflow", def.Name).
				Int("jobs", len(def.Jobs)).
				Msg("Workflow is valid")

			fmt.Printf("Workflow %q is valid\n", def.Name)
			fmt.Printf("  triggers: %v\n", def.On)
			fmt.Printf("  jobs (%d, dependency order):\n", len(def.Jobs))
			for _, jobID := range graph.TopologicalOrder() {
				job := def.Jobs[jobID]
				needs := append([]string(nil), job.Needs...)
				sort.Strings(needs)
				if len(needs) > 0 {
					fmt.Printf("    %s (needs: %v)\n", jobID, needs)
				} else {
					fmt.Printf("    %s\n", jobID)
				}
			}

			return nil
		},
	}

	return cmd
}
