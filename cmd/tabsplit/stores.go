package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mmynk/tabsplit/internal/config"
	"github.com/mmynk/tabsplit/internal/storage"
	"github.com/mmynk/tabsplit/internal/storage/blob"
	"github.com/mmynk/tabsplit/internal/storage/firestore"
	"github.com/mmynk/tabsplit/internal/storage/sqlite"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreFirestore:
		store, err := firestore.New(ctx, cfg.GCPProjectID)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage initialized", "driver", cfg.StoreDriver, "project", cfg.GCPProjectID)
		return store, nil
	default:
		store, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage initialized", "driver", cfg.StoreDriver, "database", cfg.DBPath)
		return store, nil
	}
}

// openBlobs returns the receipt image store. The dir store is also returned
// so the server can serve its files.
func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, *blob.DirStore, error) {
	if cfg.BlobDriver == config.BlobS3 {
		s3, err := blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:      cfg.S3.Endpoint,
			Region:        cfg.S3.Region,
			AccessKey:     cfg.S3.AccessKey,
			SecretKey:     cfg.S3.SecretKey,
			Bucket:        cfg.S3.Bucket,
			PublicBaseURL: cfg.S3.PublicBaseURL,
		})
		if err != nil {
			return nil, nil, err
		}
		return s3, nil, nil
	}
	dir, err := blob.NewDirStore(cfg.BlobDir, cfg.PublicBaseURL)
	if err != nil {
		return nil, nil, err
	}
	return dir, dir, nil
}
