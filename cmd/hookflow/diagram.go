package main

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/rendis/hookflow/internal/catalog"
	"github.com/rendis/hookflow/internal/diagram"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

func (c *cli) diagramCommand() *cobra.Command {
	var (
		format    string
		output    string
		execution string
	)
	cmd := &cobra.Command{
		Use:   "diagram <workflow>",
		Short: "Render a workflow definition as a flowchart",
		Long: "Diagram renders the named workflow from workflows.dir as Mermaid, ASCII, PNG or SVG.\n" +
			"With --execution the stored outcome of that run is drawn on each action.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.load()
			if err != nil {
				return err
			}
			defs, err := catalog.Load(c.fs, cfg.Workflows.Dir)
			if err != nil {
				return err
			}
			wf := findDefinition(defs, args[0])
			if wf == nil {
				return fmt.Errorf("workflow %q not found in %s", args[0], cfg.Workflows.Dir)
			}

			var run *diagram.Run
			if execution != "" {
				if cfg.Store.Path == "" {
					return fmt.Errorf("--execution needs a store (store.path)")
				}
				run, err = loadRun(cmd, cfg.Store.Path, execution)
				if err != nil {
					return err
				}
			}

			model, err := diagram.Build(wf, run)
			if err != nil {
				return err
			}
			data, _, err := diagram.Render(cmd.Context(), model, strings.ToLower(format))
			if err != nil {
				return err
			}
			if output != "" {
				return afero.WriteFile(c.fs, output, data, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", diagram.FormatMermaid, "mermaid, ascii, png or svg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().StringVar(&execution, "execution", "", "overlay the status of this execution record")
	cmd.Flags().String("workflows", "", "directory of workflow definitions")
	cmd.Flags().String("store", "", "libSQL database path or URL")
	cmd.PreRunE = c.bindFlags(map[string]string{
		"workflows.dir": "workflows",
		"store.path":    "store",
	})
	return cmd
}

func findDefinition(defs []catalog.Definition, name string) *schema.Workflow {
	for _, d := range defs {
		if d.Workflow.Name == name {
			return d.Workflow
		}
	}
	return nil
}

func loadRun(cmd *cobra.Command, path, id string) (*diagram.Run, error) {
	st, err := store.NewLibSQLStore(path)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	ctx := cmd.Context()
	rec, err := st.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, err := st.ListLogs(ctx, id, store.LogFilter{})
	if err != nil {
		return nil, err
	}
	return &diagram.Run{Execution: rec, Logs: logs}, nil
}
