package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-diskimage/pkg/app/inspect"
)

var detectCmd = &cobra.Command{
	Use:   "detect <source>...",
	Short: "Show which container kinds claim a source",
	Long: `Run every container kind's detection against a source, in priority order,
without opening anything. The selected kind is the one info and cat would use.

Examples:
  diskimage detect disk.vmdk
  diskimage detect unknown.bin --verbose`,

	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDetect(args)
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
}

func runDetect(sources []string) error {
	ctx := newContext()
	opener, _, err := newOpener()
	if err != nil {
		return err
	}

	response, err := inspect.HandleDetect(ctx, opener, &inspect.Request{Sources: sources})
	if err != nil {
		return err
	}
	return inspect.FormatOutput(ctx.Out, response, ctx.OutputFormat)
}
