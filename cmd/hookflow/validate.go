package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/catalog"
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/validation"
)

func (c *cli) validateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [dir]",
		Short: "Check workflow definitions without running them",
		Long: "Validate loads every YAML and JSON definition under dir (default: workflows.dir)\n" +
			"and reports structural and semantic problems against the built-in actions.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.load()
			if err != nil {
				return err
			}
			dir := cfg.Workflows.Dir
			if len(args) == 1 {
				dir = args[0]
			}
			return c.validate(cmd, dir, cfg.Actions.HTTP)
		},
	}
	return cmd
}

func (c *cli) validate(cmd *cobra.Command, dir string, httpCfg actions.HTTPConfig) error {
	defs, err := catalog.Load(c.fs, dir)
	if err != nil {
		return err
	}

	registry := actions.NewRegistry(nil)
	if err := actions.RegisterBuiltins(registry, actions.BuiltinDeps{HTTP: httpCfg}); err != nil {
		return err
	}
	evaluator, err := expressions.NewEvaluator()
	if err != nil {
		return err
	}
	validator, err := validation.NewWorkflowValidator(registry, evaluator)
	if err != nil {
		return err
	}

	if err := catalog.Check(defs, validator); err != nil {
		return err
	}
	for _, d := range defs {
		fmt.Fprintf(cmd.OutOrStdout(), "ok  %-32s %s\n", d.Workflow.Name, d.Path)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d workflow(s) valid\n", len(defs))
	return nil
}
