package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jxucoder/livelabs"
	"github.com/jxucoder/livelabs/internal/config"
)

var serveTracksDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the LiveLabs server",
	Long: `Start the HTTP API, app pollers and idle reaper. Configuration comes from
environment variables and ~/.livelabs/config.env.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveTracksDir, "tracks", "", "Directory of track files to import at startup (overrides LIVELABS_TRACKS_DIR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serveTracksDir != "" {
		cfg.TracksDir = serveTracksDir
	}

	app, err := livelabs.NewBuilder().WithConfig(cfg).Build()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Start(ctx)
}
