package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agleyzer/segplay/internal/library"
	"github.com/agleyzer/segplay/internal/logging"
	"github.com/agleyzer/segplay/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [media-dir]",
		Short: "Serve a media library as a catalog",
		Long: `Serve a directory of processed videos over the catalog API.

Each video lives in <media-dir>/<id>/ with a metadata.json and one
directory per quality holding the segment files and a playlist.m3u8.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if len(args) == 1 {
				a.cfg.Server.MediaDir = args[0]
			}
			if flags.Changed("host") {
				a.cfg.Server.Host, _ = flags.GetString("host")
			}
			if flags.Changed("port") {
				a.cfg.Server.Port, _ = flags.GetInt("port")
			}
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("validating config: %w", err)
			}
			return a.serve(cmd)
		},
	}

	cmd.Flags().String("host", "0.0.0.0", "host to bind to")
	cmd.Flags().Int("port", 8080, "HTTP server port")
	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	logger := a.logger
	logger.Info("segplay starting", "version", version, "command", "serve")

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	lib := library.New(a.cfg.Server.MediaDir, logging.WithComponent(logger, "library"))
	listing, err := lib.List()
	if err != nil {
		return fmt.Errorf("reading media library: %w", err)
	}

	addr := a.cfg.Server.Address()
	logger.Info("catalog ready",
		"videos", listing.Count,
		"url", fmt.Sprintf("http://localhost:%d/videos", a.cfg.Server.Port),
		"health", fmt.Sprintf("http://localhost:%d/health", a.cfg.Server.Port),
	)

	// Start server (blocks until shutdown)
	srv := server.New(lib, addr, logging.WithComponent(logger, "server"))
	if err := srv.Start(ctx); err != nil {
		return err
	}

	logger.Info("segplay stopped")
	return nil
}
