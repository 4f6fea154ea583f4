package cmd

import (
	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-diskimage/pkg/app"
	"github.com/deploymenttheory/go-diskimage/pkg/app/inspect"
)

var hashAlgorithms []string

var hashCmd = &cobra.Command{
	Use:   "hash <source>...",
	Short: "Hash the logical disk",
	Long: `Hash the logical disk held by a container. For EWF images the result can be
compared with the acquisition hash shown by info.

Examples:
  diskimage hash evidence.E01
  diskimage hash disk.qcow2 --algo sha1,sha256 --output json`,

	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHash(args)
	},
}

func init() {
	rootCmd.AddCommand(hashCmd)

	hashCmd.Flags().StringSliceVar(&hashAlgorithms, "algo", []string{"md5"}, "hash algorithms (md5, sha1, sha256)")
}

func runHash(sources []string) error {
	ctx := newContext()
	opener, opts, err := newOpener()
	if err != nil {
		return err
	}

	var bar *pb.ProgressBar
	ctx.SetProgress(func(update app.ProgressUpdate) {
		if bar == nil {
			bar = pb.New64(update.Total).SetTemplate(pb.Full).Set(pb.Bytes, true).SetWriter(ctx.ErrOut).Start()
		}
		bar.SetCurrent(update.Completed)
	})

	request := &inspect.HashRequest{
		Request:    inspect.Request{Sources: sources},
		Algorithms: hashAlgorithms,
	}
	response, err := inspect.HandleHash(ctx, opener, request, opts...)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}
	return inspect.FormatOutput(ctx.Out, response, ctx.OutputFormat)
}
