package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/blocunited/weave/pkg/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a workflow definition file",
	Long: `Parse and validate a workflow definition without running it.
Reports the first structural error: unknown agents, malformed triggers,
condition variables of the wrong source kind, or an unsupported engine
version requirement.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	loader := workflow.NewLoader(zerolog.Nop())

	def, err := loader.LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: valid\n", args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "  workflow:  %s\n", def.Name)
	if def.Version != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  version:   %s\n", def.Version)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "  entry:     %s\n", def.EntryAgent)
	fmt.Fprintf(cmd.OutOrStdout(), "  agents:    %d\n", len(def.Agents))
	fmt.Fprintf(cmd.OutOrStdout(), "  variables: %d\n", len(def.Variables))
	fmt.Fprintf(cmd.OutOrStdout(), "  handoffs:  %d\n", len(def.Handoffs))
	fmt.Fprintf(cmd.OutOrStdout(), "  bindings:  %d\n", len(def.Bindings))
	return nil
}
