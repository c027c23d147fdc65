// The segplay command plays segmented videos from a catalog server with
// adaptive quality selection, and can serve a local media library as a
// catalog.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agleyzer/segplay/internal/config"
	"github.com/agleyzer/segplay/internal/logging"
)

const (
	version = "1.0.0"
)

// app carries state shared by all subcommands.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:     "segplay",
		Short:   "Adaptive segmented video player",
		Version: version,
		Long: `segplay plays videos published as fixed-length segments in several
qualities. It estimates bandwidth from segment downloads and switches
quality without losing the playback position.

The serve command exposes a local media library through the same catalog
API the player consumes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Flags())
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default is ./segplay.yaml or $HOME/.segplay/segplay.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "log format (text, json)")
	root.PersistentFlags().Bool("verbose", false, "enable verbose logging")

	root.AddCommand(newPlayCmd(a), newServeCmd(a), newVersionCmd())
	return root
}

// setup loads the configuration and sets up logging. Flags override file and
// environment values only when set explicitly.
func (a *app) setup(flags *pflag.FlagSet) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	a.cfg = cfg
	a.logger = logging.New(cfg.Logging)
	slog.SetDefault(a.logger)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// The version command does not need configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "segplay v%s\n", version)
		},
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
