package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"

	"github.com/avolens/roomsync/auth"
	"github.com/avolens/roomsync/config"
	"github.com/avolens/roomsync/presence"
	"github.com/avolens/roomsync/room"
	"github.com/avolens/roomsync/server"
	"github.com/avolens/roomsync/snapshot"
)

func main() {
	configName := flag.String("config", "roomsync", "config file name (without extension)")
	recordsURL := flag.String("records", "", "base URL of the records API for canonical content")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, *configName)
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var snaps *snapshot.Manager
	if cfg.Snapshot.Enabled {
		store, err := openSnapshotStore(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to open snapshot store", slog.Any("error", err))
			os.Exit(1)
		}
		snaps = snapshot.NewManager(store, logger)
		defer snaps.Close()
	}

	var loader room.ContentLoader
	if *recordsURL != "" {
		loader = room.NewHTTPContentLoader(*recordsURL)
	}

	rooms := room.NewManager(cfg.Rooms.Max, snaps, loader, logger)
	tracker := presence.NewTracker()
	authn := auth.New(cfg.Auth.JWTSecret, nil)

	srv := server.New(cfg, authn, rooms, tracker, snaps, server.LogHook{Logger: logger}, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shut down successfully")
}

func openSnapshotStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (snapshot.Store, error) {
	switch cfg.Snapshot.Backend {
	case "filesystem":
		return snapshot.NewFileStore(cfg.Snapshot.Path), nil
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Snapshot.FirestoreProject)
		if err != nil {
			return nil, err
		}
		return snapshot.NewFirestoreStore(client), nil
	default:
		logger.Info("using sqlite snapshot store", slog.String("path", cfg.Snapshot.Path))
		return snapshot.NewSQLiteStore(cfg.Snapshot.Path)
	}
}
