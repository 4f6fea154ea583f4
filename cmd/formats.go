package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-diskimage/pkg/app/inspect"
)

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List the container kinds in detection order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := newContext()
		opener, _, err := newOpener()
		if err != nil {
			return err
		}
		return inspect.FormatOutput(ctx.Out, inspect.HandleFormats(ctx, opener.Registry()), ctx.OutputFormat)
	},
}

func init() {
	rootCmd.AddCommand(formatsCmd)
}
