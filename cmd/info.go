package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-diskimage/pkg/app/inspect"
)

var infoCmd = &cobra.Command{
	Use:   "info <source>...",
	Short: "Describe the container behind one or more sources",
	Long: `Open a disk image and describe it: detected kind, logical size, sources and
format metadata.

Several sources are treated as the ordered segments of one image.

Examples:
  # Describe an EWF image (remaining segments are found automatically)
  diskimage info evidence.E01

  # Describe a split image given segment by segment
  diskimage info disk.001 disk.002 disk.003 --output json`,

	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInfo(args)
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(sources []string) error {
	ctx := newContext()
	opener, opts, err := newOpener()
	if err != nil {
		return err
	}

	response, err := inspect.HandleInfo(ctx, opener, &inspect.Request{Sources: sources}, opts...)
	if err != nil {
		return err
	}
	return inspect.FormatOutput(ctx.Out, response, ctx.OutputFormat)
}
