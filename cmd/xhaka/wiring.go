package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/xhaka/xhaka/internal/config"
	"github.com/xhaka/xhaka/internal/job"
	"github.com/xhaka/xhaka/internal/pipeline"
	"github.com/xhaka/xhaka/internal/upload"
)

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (job.Store, error) {
	opts := job.Options{Namespace: cfg.KeyNamespace, Retention: cfg.Retention}
	switch cfg.Store {
	case config.StoreSQLite:
		store, err := job.NewSQLiteStore(cfg.DBPath, opts, log)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("path", cfg.DBPath).Msg("using sqlite job store")
		return store, nil
	default:
		store, err := job.NewRedisStore(ctx, cfg.RedisURL, opts, log)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		log.Info().Msg("using redis job store")
		return store, nil
	}
}

func newRunner(cfg *config.Config, log zerolog.Logger) *pipeline.Runner {
	uploader := upload.NewClient(cfg.UploadEndpoint, log)
	return pipeline.NewRunner(pipeline.Options{
		YtDLPPath:  cfg.YtDLPPath,
		FFmpegPath: cfg.FFmpegPath,
		AudioExts:  cfg.AudioExts,
	}, uploader, log)
}
