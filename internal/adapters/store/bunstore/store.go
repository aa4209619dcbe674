// Package bunstore is the SQLite-backed store for synced highlights. It
// applies whole runs transactionally and serves the read-only reports.
package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"highlightsync/internal/core/domain/models"
	"highlightsync/internal/core/domain/ports"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrForeignKeys = errors.New("foreign key enforcement could not be enabled")
	ErrIntegrity   = errors.New("foreign key violation")
)

var (
	_ ports.RunWriter      = (*Store)(nil)
	_ ports.InvalidLister  = (*Store)(nil)
	_ ports.WatermarkStore = (*Store)(nil)
)

const busyTimeout = 5 * time.Second

type Store struct {
	db  *bun.DB
	log zerolog.Logger
	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at path. The pool is
// pinned to one connection; ApplyRun still re-enables foreign keys on the
// connection it writes through, since SQLite keeps the pragma per connection.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	s := &Store{db: db, log: log, now: time.Now}

	if err := s.configure(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure(ctx context.Context) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		// WAL lets list-invalids read while a run is writing.
		"PRAGMA journal_mode = WAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return enforceForeignKeys(ctx, s.db)
}

// enforceForeignKeys turns enforcement on for conn and reads it back. The
// pragma is a silent no-op inside a transaction, so it has to run first.
func enforceForeignKeys(ctx context.Context, conn bun.IConn) error {
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to apply foreign_keys: %w", err)
	}
	var fk int
	if err := conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		return fmt.Errorf("failed to read foreign_keys: %w", err)
	}
	if fk != 1 {
		return ErrForeignKeys
	}
	return nil
}

type table struct {
	model any
	fks   []string
}

const batchFK = `("batch_id") REFERENCES "batches" ("id")`

var tables = []table{
	{model: (*models.Batch)(nil)},
	{model: (*models.Book)(nil), fks: []string{batchFK}},
	{model: (*models.BookTag)(nil), fks: []string{
		`("user_book_id") REFERENCES "books" ("user_book_id")`, batchFK,
	}},
	{model: (*models.Highlight)(nil), fks: []string{
		`("book_id") REFERENCES "books" ("user_book_id")`, batchFK,
	}},
	{model: (*models.HighlightTag)(nil), fks: []string{
		`("highlight_id") REFERENCES "highlights" ("id")`, batchFK,
	}},
	{model: (*models.BookVersion)(nil), fks: []string{
		`("user_book_id") REFERENCES "books" ("user_book_id")`,
		`("batch_id_when_new") REFERENCES "batches" ("id")`,
		`("batch_id_when_superseded") REFERENCES "batches" ("id")`,
	}},
	{model: (*models.HighlightVersion)(nil), fks: []string{
		`("highlight_id") REFERENCES "highlights" ("id")`,
		`("batch_id_when_new") REFERENCES "batches" ("id")`,
		`("batch_id_when_superseded") REFERENCES "batches" ("id")`,
	}},
	{model: (*models.Watermark)(nil)},
}

// createSchema creates the tables in parent-first order.
func (s *Store) createSchema(ctx context.Context) error {
	for _, t := range tables {
		q := s.db.NewCreateTable().Model(t.model).IfNotExists()
		for _, fk := range t.fks {
			q = q.ForeignKey(fk)
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", t.model, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetBook returns the stored book with the given key.
func (s *Store) GetBook(ctx context.Context, userBookID int64) (*models.Book, error) {
	return getByKey[models.Book](ctx, s.db, "user_book_id", userBookID)
}

// GetHighlight returns the stored highlight with the given id.
func (s *Store) GetHighlight(ctx context.Context, id int64) (*models.Highlight, error) {
	return getByKey[models.Highlight](ctx, s.db, "id", id)
}

func getByKey[T any](ctx context.Context, db bun.IDB, column string, key int64) (*T, error) {
	rec := new(T)
	if err := db.NewSelect().Model(rec).Where("? = ?", bun.Ident(column), key).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// Batches returns every batch in creation order.
func (s *Store) Batches(ctx context.Context) ([]*models.Batch, error) {
	var batches []*models.Batch
	if err := s.db.NewSelect().Model(&batches).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return batches, nil
}

// BookVersions returns the snapshots of one book, oldest first.
func (s *Store) BookVersions(ctx context.Context, userBookID int64) ([]*models.BookVersion, error) {
	var versions []*models.BookVersion
	err := s.db.NewSelect().Model(&versions).
		Where("user_book_id = ?", userBookID).
		Order("version ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// HighlightVersions returns the snapshots of one highlight, oldest first.
func (s *Store) HighlightVersions(ctx context.Context, id int64) ([]*models.HighlightVersion, error) {
	var versions []*models.HighlightVersion
	err := s.db.NewSelect().Model(&versions).
		Where("highlight_id = ?", id).
		Order("version ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return versions, nil
}

type invalidRow struct {
	Key    int64                   `bun:"record_key"`
	Errors models.ValidationErrors `bun:"validation_errors,type:json"`
}

// ListInvalid returns every stored record whose validity flag is false.
// It takes no lock; results may interleave with a concurrent run.
func (s *Store) ListInvalid(ctx context.Context) ([]models.InvalidRecord, error) {
	var out []models.InvalidRecord
	for _, d := range descriptors {
		var rows []invalidRow
		err := s.db.NewSelect().
			TableExpr("?", bun.Ident(d.table)).
			ColumnExpr("? AS record_key", bun.Ident(d.keyColumn)).
			Column("validation_errors").
			Where("validated = ?", false).
			OrderExpr("? ASC", bun.Ident(d.keyColumn)).
			Scan(ctx, &rows)
		if err != nil {
			return nil, fmt.Errorf("failed to list invalid %s: %w", d.kind, err)
		}
		for _, r := range rows {
			out = append(out, models.InvalidRecord{Kind: d.kind, Key: r.Key, Errors: r.Errors})
		}
	}
	return out, nil
}

const watermarkID = 1

// GetWatermark returns the start time of the last successful run. ok is
// false when no run has completed yet.
func (s *Store) GetWatermark(ctx context.Context) (time.Time, bool, error) {
	w := new(models.Watermark)
	err := s.db.NewSelect().Model(w).Where("id = ?", watermarkID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark: %w", err)
	}
	return w.LastRunStart, true, nil
}

// SetWatermark overwrites the single watermark row.
func (s *Store) SetWatermark(ctx context.Context, t time.Time) error {
	w := &models.Watermark{ID: watermarkID, LastRunStart: t.UTC()}
	_, err := s.db.NewInsert().Model(w).
		On("CONFLICT (id) DO UPDATE").
		Set("last_run_start = EXCLUDED.last_run_start").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to write watermark: %w", err)
	}
	return nil
}
