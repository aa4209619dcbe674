package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"highlightsync/internal/core/domain/models"
)

// recordPtr is the pointer form of a stored record type.
type recordPtr[T any] interface {
	*T
	models.Record
	SameContent(*T) bool
}

// snapshotFunc writes the pre-change state of stored as a new version row.
// A nil snapshotFunc marks a kind without history.
type snapshotFunc[PT any] func(ctx context.Context, tx bun.Tx, stored PT, supersededBy int64) error

// descriptor is the static per-kind dispatch entry.
type descriptor struct {
	kind      models.Kind
	table     string
	keyColumn string
	versioned bool
	apply     func(ctx context.Context, r *run, p *models.Payload) error
}

// parentLink names the kind a record hangs off and reads its reference.
type parentLink[PT any] struct {
	kind models.Kind
	key  func(PT) int64
}

// descriptors lists the kinds parent first.
var descriptors = []descriptor{
	describe(models.KindBooks, "books", "user_book_id",
		func(p *models.Payload) []*models.Book { return p.Books },
		parentLink[*models.Book]{},
		versioned[models.Book, models.BookVersion]("user_book_id")),
	describe(models.KindBookTags, "book_tags", "id",
		func(p *models.Payload) []*models.BookTag { return p.BookTags },
		parentLink[*models.BookTag]{models.KindBooks, func(t *models.BookTag) int64 { return t.UserBookID }},
		nil),
	describe(models.KindHighlights, "highlights", "id",
		func(p *models.Payload) []*models.Highlight { return p.Highlights },
		parentLink[*models.Highlight]{models.KindBooks, func(h *models.Highlight) int64 { return h.BookID }},
		versioned[models.Highlight, models.HighlightVersion]("highlight_id")),
	describe(models.KindHighlightTags, "highlight_tags", "id",
		func(p *models.Payload) []*models.HighlightTag { return p.HighlightTags },
		parentLink[*models.HighlightTag]{models.KindHighlights, func(t *models.HighlightTag) int64 { return t.HighlightID }},
		nil),
}

func describe[T any, PT recordPtr[T]](
	kind models.Kind,
	table, keyColumn string,
	records func(*models.Payload) []PT,
	parent parentLink[PT],
	snap snapshotFunc[PT],
) descriptor {
	return descriptor{
		kind:      kind,
		table:     table,
		keyColumn: keyColumn,
		versioned: snap != nil,
		apply: func(ctx context.Context, r *run, p *models.Payload) error {
			for _, rec := range records(p) {
				key := rec.Key()
				if key == 0 {
					r.skip(kind, key, "missing key")
					continue
				}
				if parent.key != nil && r.orphaned(parent.kind, parent.key(rec)) {
					r.skip(kind, key, "parent "+string(parent.kind)+" skipped")
					continue
				}
				if err := upsert(ctx, r, kind, keyColumn, snap, rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// versioned returns the snapshot writer for a type with history. The new
// version number is one more than the count of existing versions for the key.
func versioned[T, V any, PT interface {
	*T
	models.Versionable[V]
}](versionKeyColumn string) snapshotFunc[PT] {
	return func(ctx context.Context, tx bun.Tx, stored PT, supersededBy int64) error {
		n, err := tx.NewSelect().
			Model((*V)(nil)).
			Where("? = ?", bun.Ident(versionKeyColumn), stored.Key()).
			Count(ctx)
		if err != nil {
			return fmt.Errorf("failed to count versions: %w", err)
		}
		if _, err := tx.NewInsert().Model(stored.Snapshot(n+1, supersededBy)).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert version %d: %w", n+1, err)
		}
		return nil
	}
}

type batchState int

const (
	noBatch batchState = iota
	batchOpen
)

// run carries the state of one ApplyRun transaction.
type run struct {
	tx      bun.Tx
	info    models.RunInfo
	store   *Store
	state   batchState
	batch   *models.Batch
	result  *models.RunResult
	skipped map[models.Kind]map[int64]bool
}

// skip records a record that cannot be identified in the store. A key of
// zero means the primary key was absent or did not decode.
func (r *run) skip(kind models.Kind, key int64, reason string) {
	r.result.Counts[kind].Skipped++
	if key != 0 {
		if r.skipped[kind] == nil {
			r.skipped[kind] = make(map[int64]bool)
		}
		r.skipped[kind][key] = true
	}
	r.store.log.Warn().Str("kind", string(kind)).Int64("key", key).Str("reason", reason).Msg("Skipped record")
}

// orphaned reports whether a parent reference points at nothing this run
// can write.
func (r *run) orphaned(parent models.Kind, key int64) bool {
	return key == 0 || r.skipped[parent][key]
}

// openBatch returns the run's batch id, inserting the batch row on first use.
func (r *run) openBatch(ctx context.Context) (int64, error) {
	if r.state == batchOpen {
		return r.batch.ID, nil
	}

	b := &models.Batch{
		StartTime:         r.info.Start,
		EndTime:           r.info.FetchedAt,
		DatabaseWriteTime: r.store.now(),
	}
	if _, err := r.tx.NewInsert().Model(b).Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to create batch: %w", err)
	}
	r.batch = b
	r.state = batchOpen
	r.result.BatchID = b.ID
	r.store.log.Debug().Int64("batch_id", b.ID).Msg("Opened batch")
	return b.ID, nil
}

func upsert[T any, PT recordPtr[T]](
	ctx context.Context,
	r *run,
	kind models.Kind,
	keyColumn string,
	snap snapshotFunc[PT],
	incoming PT,
) error {
	counts := r.result.Counts[kind]
	key := incoming.Key()

	stored := PT(new(T))
	err := r.tx.NewSelect().Model(stored).Where("? = ?", bun.Ident(keyColumn), key).Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		batchID, err := r.openBatch(ctx)
		if err != nil {
			return err
		}
		incoming.AssignBatch(batchID)
		if _, err := r.tx.NewInsert().Model(incoming).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert %s %d: %w", kind, key, err)
		}
		counts.Inserted++
		return nil
	case err != nil:
		return fmt.Errorf("failed to look up %s %d: %w", kind, key, err)
	}

	if incoming.SameContent((*T)(stored)) {
		counts.Unchanged++
		return nil
	}

	batchID, err := r.openBatch(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		if err := snap(ctx, r.tx, stored, batchID); err != nil {
			return fmt.Errorf("failed to snapshot %s %d: %w", kind, key, err)
		}
		counts.Versioned++
	}
	incoming.AssignBatch(batchID)
	if _, err := r.tx.NewUpdate().Model(incoming).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("failed to update %s %d: %w", kind, key, err)
	}
	counts.Updated++
	return nil
}

// ApplyRun writes one run's payload in a single transaction. Foreign keys
// are checked once every kind has been written; any failure rolls the whole
// run back. Records without a usable key, and children of such records, are
// skipped and counted. The result's BatchID is zero when nothing changed.
func (s *Store) ApplyRun(ctx context.Context, payload *models.Payload, info models.RunInfo) (*models.RunResult, error) {
	result := models.NewRunResult()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := enforceForeignKeys(ctx, conn); err != nil {
		return nil, err
	}

	err = conn.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
			return fmt.Errorf("failed to defer foreign keys: %w", err)
		}

		r := &run{
			tx:      tx,
			info:    info,
			store:   s,
			state:   noBatch,
			result:  result,
			skipped: make(map[models.Kind]map[int64]bool),
		}
		for _, d := range descriptors {
			if err := d.apply(ctx, r, payload); err != nil {
				return err
			}
		}
		return checkForeignKeys(ctx, tx)
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Run rolled back")
		return nil, err
	}

	for _, d := range descriptors {
		c := result.Counts[d.kind]
		s.log.Debug().
			Str("kind", string(d.kind)).
			Bool("versioned", d.versioned).
			Int("inserted", c.Inserted).
			Int("updated", c.Updated).
			Int("unchanged", c.Unchanged).
			Int("versioned", c.Versioned).
			Int("skipped", c.Skipped).
			Msg("Applied records")
	}
	return result, nil
}

type fkViolation struct {
	Table  string `bun:"table"`
	RowID  int64  `bun:"rowid"`
	Parent string `bun:"parent"`
	FKID   int    `bun:"fkid"`
}

// checkForeignKeys reports deferred violations while the transaction is
// still open.
func checkForeignKeys(ctx context.Context, tx bun.Tx) error {
	var violations []fkViolation
	if err := tx.NewRaw("PRAGMA foreign_key_check").Scan(ctx, &violations); err != nil {
		return fmt.Errorf("failed to check foreign keys: %w", err)
	}
	if len(violations) == 0 {
		return nil
	}
	v := violations[0]
	return fmt.Errorf("%w: %s row %d references missing %s (%d violations)",
		ErrIntegrity, v.Table, v.RowID, v.Parent, len(violations))
}
