package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"opentransit.dev/alerts/config"
	"opentransit.dev/alerts/server"
	"opentransit.dev/alerts/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the alerts API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	timetable, err := storage.NewPSQLTimetableStore(cfg.GTFSDsn)
	if err != nil {
		return fmt.Errorf("connecting to timetable db: %w", err)
	}
	defer timetable.Close()

	alertStore, err := storage.NewPSQLAlertStore(cfg.AlertsDsn)
	if err != nil {
		return fmt.Errorf("connecting to alerts db: %w", err)
	}
	defer alertStore.Close()

	srv, err := server.New(ctx, timetable, alertStore, slog.Default())
	if err != nil {
		return err
	}

	err = srv.ListenAndServe(ctx, cfg.ListenAddr())
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
