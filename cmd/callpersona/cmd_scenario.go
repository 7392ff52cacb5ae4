package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/callpersona/internal/scenario"
)

func init() {
	rootCmd.AddCommand(scenarioCmd)
	scenarioCmd.AddCommand(scenarioListCmd, scenarioShowCmd)
}

func openScenarios() (*scenario.Store, error) {
	cfg := loadConfig()
	store, err := scenario.LoadFile(cfg.Scenarios.Path)
	if err != nil {
		return nil, err
	}
	if cfg.Scenarios.TemplatePath != "" {
		if err := store.SetTemplateFile(cfg.Scenarios.TemplatePath); err != nil {
			return nil, err
		}
	}
	return store, nil
}

var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Inspect call scenarios",
}

var scenarioListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scenarios",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openScenarios()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME")
		for _, sc := range store.List() {
			fmt.Fprintf(w, "%s\t%s\n", sc.ID, sc.Name)
		}
		return w.Flush()
	},
}

var scenarioShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the rendered system prompt for a scenario",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openScenarios()
		if err != nil {
			return err
		}
		sc, err := store.Lookup(args[0])
		if err != nil {
			return err
		}
		prompt, err := store.Render(sc)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), prompt)
		return nil
	},
}
