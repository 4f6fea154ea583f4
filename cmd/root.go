package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-diskimage/internal/config"
	"github.com/deploymenttheory/go-diskimage/internal/logging"
	"github.com/deploymenttheory/go-diskimage/pkg/app"
	"github.com/deploymenttheory/go-diskimage/pkg/container"
	"github.com/deploymenttheory/go-diskimage/pkg/diskimage"
)

var (
	// Global output flags
	verbose      bool
	quiet        bool
	outputFormat string
	configFile   string

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "diskimage",
	Short: "Read-only access to forensic and virtual machine disk images",
	Long: `diskimage opens raw block sources through one interface, whatever their
container format, and exposes the logical disk they hold.

Supported containers: EWF (E01), VMDK, VHDX, VHD, QCOW2, VDI, UDIF (DMG), split
raw images and plain raw images. The format is detected from the content, or from
the file name where content is not enough.

Commands:
  info      Describe the container behind one or more sources
  detect    Show which container kinds claim a source
  formats   List the container kinds in detection order
  cat       Dump a byte range of the logical disk
  hash      Hash the logical disk`,
	Version:       "0.1.0-dev",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: diskimage.yaml in ., ./config, $HOME/.diskimage, /etc/diskimage)")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// setup loads the configuration and builds the logger shared by every command
func setup() error {
	loaded, err := config.Load(nil, configFile)
	if err != nil {
		return app.NewError(app.ErrCodeConfig, "failed to load configuration", err)
	}

	l, err := logging.New(logging.Level(loaded.Log.Level, verbose, quiet), loaded.Log.Format)
	if err != nil {
		return app.NewError(app.ErrCodeConfig, "failed to build logger", err)
	}

	cfg = loaded
	logger = l
	return nil
}

// newContext creates the application context from the global flags
func newContext() *app.Context {
	ctx := app.NewContext()
	ctx.OutputFormat = outputFormat
	ctx.Verbose = verbose
	ctx.Quiet = quiet
	ctx.Logger = logger
	return ctx
}

// newOpener builds the configured dispatcher and the options every container is opened with
func newOpener() (*container.Opener, []container.Option, error) {
	opener, err := diskimage.NewOpener(cfg, nil, logger)
	if err != nil {
		return nil, nil, app.NewError(app.ErrCodeConfig, "invalid formats configuration", err)
	}
	return opener, diskimage.Options(cfg, logger), nil
}
