package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	alerts "opentransit.dev/alerts"
	"opentransit.dev/alerts/config"
	"opentransit.dev/alerts/downloader"
	"opentransit.dev/alerts/storage"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Fetch the feed once and ingest it",
	Long: "Fetches the realtime service alerts feed, classifies every alert " +
		"against the static timetable, and upserts the results into the " +
		"alerts database. With --feed, replays archived snapshot files " +
		"instead of fetching; a snapshot's filename date is used as \"now\".",
	RunE: runLoad,
}

var feedPath string

func init() {
	loadCmd.Flags().StringVarP(&feedPath, "feed", "f", "", "Feed file or directory to replay instead of fetching")
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.Default()

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

	var source downloader.Source
	if feedPath != "" {
		source, err = downloader.NewFileSource(feedPath)
		if err != nil {
			return err
		}
	} else {
		source = downloader.NewHTTPSource(cfg.MOTEndpoint)
	}

	ingester := alerts.NewIngester(
		&alerts.Classifier{Timetable: timetable},
		alertStore,
		log,
	)

	interval := time.Duration(cfg.PollInterval)
	for {
		snapshot, err := source.Fetch(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetching feed: %w", err)
		}

		log.Info("ingesting snapshot", "name", snapshot.Name, "time", snapshot.RetrievedAt)
		if _, err := ingester.IngestFeed(ctx, snapshot.Data, snapshot.RetrievedAt); err != nil {
			return err
		}

		if feedPath != "" {
			continue
		}

		// Live mode ingests once unless a poll interval is set.
		if interval <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
