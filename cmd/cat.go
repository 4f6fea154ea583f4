package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-diskimage/pkg/app"
	"github.com/deploymenttheory/go-diskimage/pkg/app/inspect"
)

var (
	catOffset int64
	catLength int64
	catHex    bool
)

var catCmd = &cobra.Command{
	Use:   "cat <source>...",
	Short: "Dump a byte range of the logical disk",
	Long: `Write bytes of the logical disk to standard output, raw or as a hex dump.

Examples:
  # Show the boot sector of a VHDX as hex
  diskimage cat disk.vhdx --length 512 --hex

  # Copy the logical disk out of an EWF image
  diskimage cat evidence.E01 > disk.raw`,

	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCat(args)
	},
}

func init() {
	rootCmd.AddCommand(catCmd)

	catCmd.Flags().Int64Var(&catOffset, "offset", 0, "logical offset to start at")
	catCmd.Flags().Int64Var(&catLength, "length", 0, "number of bytes (default: to the end)")
	catCmd.Flags().BoolVar(&catHex, "hex", false, "print a hex dump instead of raw bytes")
}

func runCat(sources []string) error {
	ctx := newContext()
	opener, opts, err := newOpener()
	if err != nil {
		return err
	}

	request := &inspect.CatRequest{
		Request: inspect.Request{Sources: sources},
		Range:   app.ByteRange{Offset: catOffset, Length: catLength},
		Hex:     catHex,
	}
	_, err = inspect.HandleCat(ctx, opener, request, opts...)
	return err
}
