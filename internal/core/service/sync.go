package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"highlightsync/internal/core/domain/models"
	"highlightsync/internal/core/domain/ports"
	"highlightsync/internal/core/pipeline"
)

const (
	ModeDelta = "delta"
	ModeFull  = "full"
)

// ErrFullResyncUnsupported is returned for the reserved full mode.
var ErrFullResyncUnsupported = errors.New("full resync is not implemented")

type SyncService struct {
	src       ports.HighlightSource
	writer    ports.RunWriter
	watermark ports.WatermarkStore
	locker    ports.Locker
	log       zerolog.Logger

	mode  string
	since *time.Time
	now   func() time.Time
}

type SyncOptions struct {
	Mode   string
	Logger zerolog.Logger

	// Since, when set, replaces the stored watermark as the fetch filter.
	Since *time.Time
}

func NewSyncService(
	src ports.HighlightSource,
	writer ports.RunWriter,
	watermark ports.WatermarkStore,
	locker ports.Locker,
	opts SyncOptions,
) *SyncService {
	mode := opts.Mode
	if mode == "" {
		mode = ModeDelta
	}
	return &SyncService{
		src:       src,
		writer:    writer,
		watermark: watermark,
		locker:    locker,
		log:       opts.Logger,
		mode:      mode,
		since:     opts.Since,
		now:       time.Now,
	}
}

// RunReport summarizes one completed run.
type RunReport struct {
	Start   time.Time           `json:"start"`
	Since   *time.Time          `json:"since,omitempty"`
	Fetched int                 `json:"fetched"`
	Records map[models.Kind]int `json:"records"`
	Invalid map[models.Kind]int `json:"invalid"`
	Result  *models.RunResult   `json:"result"`
}

// Run executes one delta sync: fetch, then validate and write under the
// lock, then advance the watermark to this run's start time.
func (s *SyncService) Run(ctx context.Context) (*RunReport, error) {
	switch s.mode {
	case ModeDelta:
	case ModeFull:
		return nil, ErrFullResyncUnsupported
	default:
		return nil, fmt.Errorf("unknown sync mode %q", s.mode)
	}

	start := s.now()

	since := s.since
	if since == nil {
		wm, ok, err := s.watermark.GetWatermark(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read watermark: %w", err)
		}
		if ok {
			since = &wm
		}
	}

	evt := s.log.Info().Time("start", start)
	if since != nil {
		evt = evt.Time("since", *since)
	} else {
		evt = evt.Str("since", "beginning")
	}
	evt.Msg("Starting sync")

	raw, err := s.src.FetchHighlights(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch highlights: %w", err)
	}
	fetchedAt := s.now()

	report := &RunReport{
		Start:   start,
		Since:   since,
		Fetched: len(raw),
		Records: make(map[models.Kind]int, len(models.Kinds)),
		Invalid: make(map[models.Kind]int, len(models.Kinds)),
	}

	err = s.locker.WithLock(func() error {
		payload := pipeline.Prepare(raw)
		for _, k := range models.Kinds {
			report.Records[k] = payload.Count(k)
			report.Invalid[k] = payload.InvalidCount(k)
		}

		result, err := s.writer.ApplyRun(ctx, payload, models.RunInfo{Start: start, FetchedAt: fetchedAt})
		if err != nil {
			return fmt.Errorf("failed to apply run: %w", err)
		}
		report.Result = result

		// The commit already happened; a failure here only widens the next
		// run's overlap.
		if err := s.watermark.SetWatermark(ctx, start); err != nil {
			return fmt.Errorf("failed to update watermark: %w", err)
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	s.logSummary(report)
	return report, nil
}

func (s *SyncService) logSummary(r *RunReport) {
	evt := s.log.Info().Int("fetched", r.Fetched)
	for _, k := range models.Kinds {
		evt = evt.Int(string(k), r.Records[k])
		if n := r.Invalid[k]; n > 0 {
			evt = evt.Int(string(k)+"_invalid", n)
		}
	}
	if r.Result != nil {
		if n := r.Result.Skipped(); n > 0 {
			evt = evt.Int("skipped", n)
		}
	}
	if r.Result != nil && r.Result.BatchCreated() {
		evt.Int64("batch_id", r.Result.BatchID).Int("changed", r.Result.Changed()).Msg("Sync complete")
		return
	}
	evt.Msg("Sync complete: no changes")
}
