package service

import (
	"highlightsync/internal/adapters/source"
	"highlightsync/internal/adapters/store/bunstore"
	"highlightsync/internal/adapters/tracker"
	"highlightsync/internal/config"
	"highlightsync/internal/core/domain/ports"
	"highlightsync/internal/lock"
	"highlightsync/internal/logger"
)

func CreateHighlightSource(cfg *config.Config, log *logger.Logger) ports.HighlightSource {
	return source.NewReadwiseAdapter(source.ReadwiseOptions{
		BaseURL:           cfg.Readwise.BaseURL,
		Token:             cfg.Readwise.Token,
		RequestsPerMinute: cfg.Readwise.RequestsPerMinute,
		Timeout:           cfg.Readwise.Timeout,
		MaxRetries:        cfg.Readwise.MaxRetries,
		Logger:            log.Component("readwise"),
	})
}

func CreateWatermarkStore(cfg *config.Config, store *bunstore.Store) (ports.WatermarkStore, error) {
	switch cfg.Watermark.Backend {
	case config.WatermarkFile:
		return tracker.NewFileWatermarkStore(cfg.Watermark.File)
	default:
		return store, nil
	}
}

func CreateLock(cfg *config.Config, log *logger.Logger) *lock.FileLock {
	return lock.New(cfg.DB.Path, lock.Options{
		Timeout:       cfg.Lock.Timeout,
		RetryInterval: cfg.Lock.RetryInterval,
		StaleAfter:    cfg.Lock.StaleAfter,
		Logger:        log.Component("lock"),
	})
}

// NewSyncServiceFromConfig wires the service against an open store.
func NewSyncServiceFromConfig(cfg *config.Config, store *bunstore.Store, log *logger.Logger) (*SyncService, error) {
	since, err := cfg.SinceOverride()
	if err != nil {
		return nil, err
	}
	wm, err := CreateWatermarkStore(cfg, store)
	if err != nil {
		return nil, err
	}
	return NewSyncService(
		CreateHighlightSource(cfg, log),
		store,
		wm,
		CreateLock(cfg, log),
		SyncOptions{
			Mode:   cfg.Sync.Mode,
			Logger: log.Component("sync"),
			Since:  since,
		},
	), nil
}
