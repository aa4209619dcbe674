package ports

import (
	"context"
	"time"

	"highlightsync/internal/core/domain/models"
)

// HighlightSource fetches raw nested book records from the remote service.
// A nil since means everything.
type HighlightSource interface {
	FetchHighlights(ctx context.Context, since *time.Time) ([]map[string]any, error)
}

// RunWriter applies one run's payload in a single transaction.
type RunWriter interface {
	ApplyRun(ctx context.Context, payload *models.Payload, run models.RunInfo) (*models.RunResult, error)
}

// InvalidLister reports stored records that failed validation.
type InvalidLister interface {
	ListInvalid(ctx context.Context) ([]models.InvalidRecord, error)
}

// WatermarkStore persists the start time of the last successful run.
type WatermarkStore interface {
	GetWatermark(ctx context.Context) (time.Time, bool, error)
	SetWatermark(ctx context.Context, t time.Time) error
}

// Locker serializes runs across processes.
type Locker interface {
	WithLock(fn func() error) error
}
