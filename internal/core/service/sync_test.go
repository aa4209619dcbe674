package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"highlightsync/internal/adapters/store/bunstore"
	"highlightsync/internal/core/domain/models"
	"highlightsync/internal/lock"
)

const sampleExport = `[{
	"user_book_id": 1,
	"title": "Dune",
	"category": "books",
	"book_tags": [{"id": 10, "name": "scifi"}],
	"highlights": [
		{"id": 100, "text": "Fear is the mind-killer.", "book_id": 1,
		 "tags": [{"id": 1000, "name": "quote"}]}
	]
}]`

// mockSource implements ports.HighlightSource. Each call decodes a fresh
// copy because the pipeline annotates records in place.
type mockSource struct {
	mu     sync.Mutex
	body   string
	err    error
	calls  int
	sinces []*time.Time
}

func (m *mockSource) FetchHighlights(_ context.Context, since *time.Time) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.sinces = append(m.sinces, since)
	if m.err != nil {
		return nil, m.err
	}
	var books []map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(m.body)))
	dec.UseNumber()
	if err := dec.Decode(&books); err != nil {
		return nil, err
	}
	return books, nil
}

type mockWriter struct {
	err      error
	payloads []*models.Payload
	infos    []models.RunInfo
}

func (m *mockWriter) ApplyRun(_ context.Context, p *models.Payload, info models.RunInfo) (*models.RunResult, error) {
	m.payloads = append(m.payloads, p)
	m.infos = append(m.infos, info)
	if m.err != nil {
		return nil, m.err
	}
	r := models.NewRunResult()
	r.BatchID = 1
	r.Counts[models.KindBooks].Inserted = len(p.Books)
	return r, nil
}

type mockWatermark struct {
	value  *time.Time
	setErr error
	sets   []time.Time
}

func (m *mockWatermark) GetWatermark(context.Context) (time.Time, bool, error) {
	if m.value == nil {
		return time.Time{}, false, nil
	}
	return *m.value, true, nil
}

func (m *mockWatermark) SetWatermark(_ context.Context, t time.Time) error {
	m.sets = append(m.sets, t)
	if m.setErr != nil {
		return m.setErr
	}
	m.value = &t
	return nil
}

type mockLocker struct {
	err   error
	calls int
}

func (m *mockLocker) WithLock(fn func() error) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	return fn()
}

var (
	runStart = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	fetched  = runStart.Add(3 * time.Second)
)

// fixedClock returns runStart first and fetched afterwards.
func fixedClock() func() time.Time {
	n := 0
	return func() time.Time {
		n++
		if n == 1 {
			return runStart
		}
		return fetched
	}
}

func newTestService(src *mockSource, w *mockWriter, wm *mockWatermark, l *mockLocker, opts SyncOptions) *SyncService {
	opts.Logger = zerolog.Nop()
	s := NewSyncService(src, w, wm, l, opts)
	s.now = fixedClock()
	return s
}

func TestSyncService_Run(t *testing.T) {
	prev := runStart.Add(-24 * time.Hour)
	src := &mockSource{body: sampleExport}
	w := &mockWriter{}
	wm := &mockWatermark{value: &prev}
	l := &mockLocker{}

	report, err := newTestService(src, w, wm, l, SyncOptions{}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, src.sinces, 1)
	require.NotNil(t, src.sinces[0])
	assert.True(t, src.sinces[0].Equal(prev))

	assert.Equal(t, 1, l.calls)
	require.Len(t, w.payloads, 1)
	assert.Len(t, w.payloads[0].Highlights, 1)
	assert.Equal(t, models.RunInfo{Start: runStart, FetchedAt: fetched}, w.infos[0])

	assert.Equal(t, []time.Time{runStart}, wm.sets)

	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.Records[models.KindHighlightTags])
	assert.Zero(t, report.Invalid[models.KindBooks])
	assert.True(t, report.Result.BatchCreated())
}

func TestSyncService_FirstRunFetchesEverything(t *testing.T) {
	src := &mockSource{body: `[]`}
	_, err := newTestService(src, &mockWriter{}, &mockWatermark{}, &mockLocker{}, SyncOptions{}).Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, src.sinces[0])
}

func TestSyncService_SinceOverridesWatermark(t *testing.T) {
	stored := runStart.Add(-time.Hour)
	override := runStart.Add(-30 * 24 * time.Hour)
	src := &mockSource{body: `[]`}

	_, err := newTestService(src, &mockWriter{}, &mockWatermark{value: &stored}, &mockLocker{}, SyncOptions{Since: &override}).
		Run(context.Background())
	require.NoError(t, err)
	assert.True(t, src.sinces[0].Equal(override))
}

func TestSyncService_FetchErrorSkipsWrite(t *testing.T) {
	src := &mockSource{err: errors.New("boom")}
	w := &mockWriter{}
	wm := &mockWatermark{}
	l := &mockLocker{}

	_, err := newTestService(src, w, wm, l, SyncOptions{}).Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, l.calls)
	assert.Empty(t, w.payloads)
	assert.Empty(t, wm.sets)
}

func TestSyncService_ApplyErrorKeepsWatermark(t *testing.T) {
	w := &mockWriter{err: bunstore.ErrIntegrity}
	wm := &mockWatermark{}

	_, err := newTestService(&mockSource{body: sampleExport}, w, wm, &mockLocker{}, SyncOptions{}).Run(context.Background())
	assert.ErrorIs(t, err, bunstore.ErrIntegrity)
	assert.Empty(t, wm.sets)
}

func TestSyncService_WatermarkWriteFailure(t *testing.T) {
	wm := &mockWatermark{setErr: errors.New("disk full")}
	report, err := newTestService(&mockSource{body: sampleExport}, &mockWriter{}, wm, &mockLocker{}, SyncOptions{}).
		Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to update watermark")
	require.NotNil(t, report)
	assert.NotNil(t, report.Result, "the data was committed before the watermark failed")
}

func TestSyncService_LockTimeout(t *testing.T) {
	l := &mockLocker{err: &lock.TimeoutError{Path: "x.lock", Timeout: time.Second}}
	w := &mockWriter{}

	_, err := newTestService(&mockSource{body: sampleExport}, w, &mockWatermark{}, l, SyncOptions{}).Run(context.Background())
	assert.ErrorIs(t, err, lock.ErrTimeout)
	assert.Empty(t, w.payloads)
}

func TestSyncService_FullModeUnsupported(t *testing.T) {
	src := &mockSource{body: sampleExport}
	_, err := newTestService(src, &mockWriter{}, &mockWatermark{}, &mockLocker{}, SyncOptions{Mode: ModeFull}).
		Run(context.Background())
	assert.ErrorIs(t, err, ErrFullResyncUnsupported)
	assert.Zero(t, src.calls)
}

func TestSyncService_UnknownMode(t *testing.T) {
	_, err := newTestService(&mockSource{}, &mockWriter{}, &mockWatermark{}, &mockLocker{}, SyncOptions{Mode: "partial"}).
		Run(context.Background())
	assert.Error(t, err)
}

// Two processes' worth of services share one store file; the lock
// serializes them and the replay writes nothing.
func TestSyncService_ConcurrentRunsAgainstRealStore(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "highlights.db")
	src := &mockSource{body: sampleExport}

	newRunner := func() (*SyncService, *bunstore.Store) {
		store, err := bunstore.Open(ctx, dbPath, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fl := lock.New(dbPath, lock.Options{
			Timeout:       30 * time.Second,
			RetryInterval: 10 * time.Millisecond,
			Logger:        zerolog.Nop(),
		})
		return NewSyncService(src, store, store, fl, SyncOptions{Logger: zerolog.Nop()}), store
	}

	a, store := newRunner()
	b, _ := newRunner()

	reports := make([]*RunReport, 2)
	var g errgroup.Group
	for i, svc := range []*SyncService{a, b} {
		g.Go(func() error {
			r, err := svc.Run(ctx)
			reports[i] = r
			return err
		})
	}
	require.NoError(t, g.Wait())

	batches, err := store.Batches(ctx)
	require.NoError(t, err)
	assert.Len(t, batches, 1)

	created := 0
	for _, r := range reports {
		if r.Result.BatchCreated() {
			created++
		}
	}
	assert.Equal(t, 1, created)

	_, ok, err := store.GetWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncService_ReportsKeylessBooks(t *testing.T) {
	ctx := context.Background()
	store, err := bunstore.Open(ctx, filepath.Join(t.TempDir(), "highlights.db"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	src := &mockSource{body: `[
		{"user_book_id": "abc", "title": "Broken", "book_tags": [],
		 "highlights": [{"id": 7, "text": "lost", "book_id": 3, "tags": []}]},
		{"user_book_id": "def", "title": "Also broken", "book_tags": [], "highlights": []},
		{"user_book_id": 2, "title": "Emma", "book_tags": [], "highlights": []}
	]`}
	var buf bytes.Buffer
	svc := NewSyncService(src, store, &mockWatermark{}, &mockLocker{}, SyncOptions{Logger: zerolog.New(&buf)})
	svc.now = fixedClock()

	report, err := svc.Run(ctx)
	require.NoError(t, err)

	counts := report.Result.Counts
	assert.Equal(t, 2, counts[models.KindBooks].Skipped)
	assert.Equal(t, 1, counts[models.KindBooks].Inserted)
	assert.Equal(t, 1, counts[models.KindHighlights].Skipped)
	assert.Equal(t, 3, report.Result.Skipped())
	assert.Contains(t, buf.String(), `"skipped":3`)

	versions, err := store.BookVersions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, versions)
}
