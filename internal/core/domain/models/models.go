package models

import (
	"maps"
	"time"

	"github.com/uptrace/bun"
)

// Kind names one of the flattened object types.
type Kind string

const (
	KindBooks         Kind = "books"
	KindBookTags      Kind = "book_tags"
	KindHighlights    Kind = "highlights"
	KindHighlightTags Kind = "highlight_tags"
)

// Kinds lists every object type in parent-first order.
var Kinds = []Kind{KindBooks, KindBookTags, KindHighlights, KindHighlightTags}

// Book categories and highlight colors accepted by the origin service.
var (
	Categories = []string{"books", "articles", "tweets", "podcasts", "supplementals"}
	Colors     = []string{"yellow", "blue", "pink", "orange", "green", "purple"}
)

// Record is implemented by every stored object type.
type Record interface {
	Key() int64
	BatchRef() int64
	AssignBatch(id int64)
	IsValid() bool
	SetValidity(valid bool, errs ValidationErrors)
}

// Versionable is implemented by record types whose prior state is snapshotted
// into a V before being overwritten.
type Versionable[V any] interface {
	Record
	Snapshot(version int, supersededBy int64) *V
}

var (
	_ Record = (*BookTag)(nil)
	_ Record = (*HighlightTag)(nil)

	_ Versionable[BookVersion]      = (*Book)(nil)
	_ Versionable[HighlightVersion] = (*Highlight)(nil)
)

// Batch groups every record created or changed by one sync run.
type Batch struct {
	bun.BaseModel `bun:"table:batches,alias:ba"`

	ID                int64     `bun:",pk,autoincrement"`
	StartTime         time.Time `bun:",notnull"`
	EndTime           time.Time `bun:",nullzero"`
	DatabaseWriteTime time.Time `bun:",notnull"`
}

// Book is a parent record: a book, article, tweet thread or podcast.
type Book struct {
	bun.BaseModel `bun:"table:books,alias:b"`

	UserBookID    int64  `bun:"user_book_id,pk" json:"user_book_id"`
	Title         string `bun:"title,notnull" json:"title" validate:"required"`
	IsDeleted     bool   `bun:"is_deleted,notnull" json:"is_deleted"`
	Author        string `bun:"author" json:"author"`
	ReadableTitle string `bun:"readable_title" json:"readable_title"`
	Source        string `bun:"source" json:"source"`
	CoverImageURL string `bun:"cover_image_url" json:"cover_image_url"`
	UniqueURL     string `bun:"unique_url" json:"unique_url"`
	Summary       string `bun:"summary" json:"summary"`
	Category      string `bun:"category" json:"category" validate:"oneof=books articles tweets podcasts supplementals"`
	DocumentNote  string `bun:"document_note" json:"document_note"`
	ReadwiseURL   string `bun:"readwise_url" json:"readwise_url"`
	SourceURL     string `bun:"source_url" json:"source_url"`
	ExternalID    string `bun:"external_id" json:"external_id"`
	ASIN          string `bun:"asin" json:"asin"`

	Validated        bool             `bun:"validated,notnull" json:"validated"`
	ValidationErrors ValidationErrors `bun:"validation_errors,type:json" json:"validation_errors"`
	BatchID          int64            `bun:"batch_id,notnull" json:"-"`
}

func (b *Book) Key() int64           { return b.UserBookID }
func (b *Book) BatchRef() int64      { return b.BatchID }
func (b *Book) AssignBatch(id int64) { b.BatchID = id }
func (b *Book) IsValid() bool        { return b.Validated }

// SetValidity records the outcome of validation.
func (b *Book) SetValidity(valid bool, errs ValidationErrors) {
	b.Validated = valid
	b.ValidationErrors = errs
}

// SameContent reports whether every non-linkage field equals o's.
func (b *Book) SameContent(o *Book) bool {
	return b.UserBookID == o.UserBookID &&
		b.Title == o.Title &&
		b.IsDeleted == o.IsDeleted &&
		b.Author == o.Author &&
		b.ReadableTitle == o.ReadableTitle &&
		b.Source == o.Source &&
		b.CoverImageURL == o.CoverImageURL &&
		b.UniqueURL == o.UniqueURL &&
		b.Summary == o.Summary &&
		b.Category == o.Category &&
		b.DocumentNote == o.DocumentNote &&
		b.ReadwiseURL == o.ReadwiseURL &&
		b.SourceURL == o.SourceURL &&
		b.ExternalID == o.ExternalID &&
		b.ASIN == o.ASIN &&
		b.Validated == o.Validated &&
		b.ValidationErrors.Equal(o.ValidationErrors)
}

// Snapshot copies the book's current state into a new version row.
func (b *Book) Snapshot(version int, supersededBy int64) *BookVersion {
	return &BookVersion{
		UserBookID:            b.UserBookID,
		Version:               version,
		Title:                 b.Title,
		IsDeleted:             b.IsDeleted,
		Author:                b.Author,
		ReadableTitle:         b.ReadableTitle,
		Source:                b.Source,
		CoverImageURL:         b.CoverImageURL,
		UniqueURL:             b.UniqueURL,
		Summary:               b.Summary,
		Category:              b.Category,
		DocumentNote:          b.DocumentNote,
		ReadwiseURL:           b.ReadwiseURL,
		SourceURL:             b.SourceURL,
		ExternalID:            b.ExternalID,
		ASIN:                  b.ASIN,
		Validated:             b.Validated,
		ValidationErrors:      maps.Clone(b.ValidationErrors),
		BatchIDWhenNew:        b.BatchID,
		BatchIDWhenSuperseded: supersededBy,
	}
}

// BookVersion is the write-once pre-change state of a Book.
type BookVersion struct {
	bun.BaseModel `bun:"table:book_versions,alias:bv"`

	ID            int64  `bun:",pk,autoincrement"`
	UserBookID    int64  `bun:"user_book_id,notnull,unique:book_version_key"`
	Version       int    `bun:"version,notnull,unique:book_version_key"`
	Title         string `bun:"title,notnull"`
	IsDeleted     bool   `bun:"is_deleted,notnull"`
	Author        string `bun:"author"`
	ReadableTitle string `bun:"readable_title"`
	Source        string `bun:"source"`
	CoverImageURL string `bun:"cover_image_url"`
	UniqueURL     string `bun:"unique_url"`
	Summary       string `bun:"summary"`
	Category      string `bun:"category"`
	DocumentNote  string `bun:"document_note"`
	ReadwiseURL   string `bun:"readwise_url"`
	SourceURL     string `bun:"source_url"`
	ExternalID    string `bun:"external_id"`
	ASIN          string `bun:"asin"`

	Validated             bool             `bun:"validated,notnull"`
	ValidationErrors      ValidationErrors `bun:"validation_errors,type:json"`
	BatchIDWhenNew        int64            `bun:"batch_id_when_new,notnull"`
	BatchIDWhenSuperseded int64            `bun:"batch_id_when_superseded,notnull"`
}

// BookTag is a tag attached to a book.
type BookTag struct {
	bun.BaseModel `bun:"table:book_tags,alias:bt"`

	ID         int64  `bun:"id,pk" json:"id"`
	Name       string `bun:"name,notnull" json:"name" validate:"required"`
	UserBookID int64  `bun:"user_book_id,notnull" json:"user_book_id"`

	Validated        bool             `bun:"validated,notnull" json:"validated"`
	ValidationErrors ValidationErrors `bun:"validation_errors,type:json" json:"validation_errors"`
	BatchID          int64            `bun:"batch_id,notnull" json:"-"`
}

func (t *BookTag) Key() int64           { return t.ID }
func (t *BookTag) BatchRef() int64      { return t.BatchID }
func (t *BookTag) AssignBatch(id int64) { t.BatchID = id }
func (t *BookTag) IsValid() bool        { return t.Validated }

func (t *BookTag) SetValidity(valid bool, errs ValidationErrors) {
	t.Validated = valid
	t.ValidationErrors = errs
}

// SameContent reports whether every non-linkage field equals o's.
func (t *BookTag) SameContent(o *BookTag) bool {
	return t.ID == o.ID &&
		t.Name == o.Name &&
		t.Validated == o.Validated &&
		t.ValidationErrors.Equal(o.ValidationErrors)
}

// Highlight is a passage saved from a Book.
type Highlight struct {
	bun.BaseModel `bun:"table:highlights,alias:h"`

	ID            int64     `bun:"id,pk" json:"id"`
	Text          string    `bun:"text,notnull" json:"text" validate:"required"`
	Location      int64     `bun:"location" json:"location"`
	LocationType  string    `bun:"location_type" json:"location_type"`
	Note          string    `bun:"note" json:"note"`
	Color         string    `bun:"color" json:"color" validate:"omitempty,oneof=yellow blue pink orange green purple"`
	HighlightedAt time.Time `bun:"highlighted_at,nullzero" json:"highlighted_at"`
	CreatedAt     time.Time `bun:"created_at,nullzero" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero" json:"updated_at"`
	ExternalID    string    `bun:"external_id" json:"external_id"`
	EndLocation   *int64    `bun:"end_location" json:"end_location"`
	URL           string    `bun:"url" json:"url"`
	BookID        int64     `bun:"book_id,notnull" json:"book_id"`
	IsFavorite    bool      `bun:"is_favorite,notnull" json:"is_favorite"`
	IsDiscard     bool      `bun:"is_discard,notnull" json:"is_discard"`
	IsDeleted     bool      `bun:"is_deleted,notnull" json:"is_deleted"`
	ReadwiseURL   string    `bun:"readwise_url" json:"readwise_url"`

	Validated        bool             `bun:"validated,notnull" json:"validated"`
	ValidationErrors ValidationErrors `bun:"validation_errors,type:json" json:"validation_errors"`
	BatchID          int64            `bun:"batch_id,notnull" json:"-"`
}

func (h *Highlight) Key() int64           { return h.ID }
func (h *Highlight) BatchRef() int64      { return h.BatchID }
func (h *Highlight) AssignBatch(id int64) { h.BatchID = id }
func (h *Highlight) IsValid() bool        { return h.Validated }

func (h *Highlight) SetValidity(valid bool, errs ValidationErrors) {
	h.Validated = valid
	h.ValidationErrors = errs
}

// SameContent reports whether every non-linkage field equals o's.
// Times are compared as instants at the stored precision.
func (h *Highlight) SameContent(o *Highlight) bool {
	return h.ID == o.ID &&
		h.Text == o.Text &&
		h.Location == o.Location &&
		h.LocationType == o.LocationType &&
		h.Note == o.Note &&
		h.Color == o.Color &&
		sameInstant(h.HighlightedAt, o.HighlightedAt) &&
		sameInstant(h.CreatedAt, o.CreatedAt) &&
		sameInstant(h.UpdatedAt, o.UpdatedAt) &&
		h.ExternalID == o.ExternalID &&
		equalInt64Ptr(h.EndLocation, o.EndLocation) &&
		h.URL == o.URL &&
		h.IsFavorite == o.IsFavorite &&
		h.IsDiscard == o.IsDiscard &&
		h.IsDeleted == o.IsDeleted &&
		h.ReadwiseURL == o.ReadwiseURL &&
		h.Validated == o.Validated &&
		h.ValidationErrors.Equal(o.ValidationErrors)
}

// Snapshot copies the highlight's current state into a new version row.
func (h *Highlight) Snapshot(version int, supersededBy int64) *HighlightVersion {
	v := &HighlightVersion{
		HighlightID:           h.ID,
		Version:               version,
		Text:                  h.Text,
		Location:              h.Location,
		LocationType:          h.LocationType,
		Note:                  h.Note,
		Color:                 h.Color,
		HighlightedAt:         h.HighlightedAt,
		CreatedAt:             h.CreatedAt,
		UpdatedAt:             h.UpdatedAt,
		ExternalID:            h.ExternalID,
		URL:                   h.URL,
		BookID:                h.BookID,
		IsFavorite:            h.IsFavorite,
		IsDiscard:             h.IsDiscard,
		IsDeleted:             h.IsDeleted,
		ReadwiseURL:           h.ReadwiseURL,
		Validated:             h.Validated,
		ValidationErrors:      maps.Clone(h.ValidationErrors),
		BatchIDWhenNew:        h.BatchID,
		BatchIDWhenSuperseded: supersededBy,
	}
	if h.EndLocation != nil {
		end := *h.EndLocation
		v.EndLocation = &end
	}
	return v
}

// HighlightVersion is the write-once pre-change state of a Highlight.
type HighlightVersion struct {
	bun.BaseModel `bun:"table:highlight_versions,alias:hv"`

	ID            int64     `bun:",pk,autoincrement"`
	HighlightID   int64     `bun:"highlight_id,notnull,unique:highlight_version_key"`
	Version       int       `bun:"version,notnull,unique:highlight_version_key"`
	Text          string    `bun:"text,notnull"`
	Location      int64     `bun:"location"`
	LocationType  string    `bun:"location_type"`
	Note          string    `bun:"note"`
	Color         string    `bun:"color"`
	HighlightedAt time.Time `bun:"highlighted_at,nullzero"`
	CreatedAt     time.Time `bun:"created_at,nullzero"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero"`
	ExternalID    string    `bun:"external_id"`
	EndLocation   *int64    `bun:"end_location"`
	URL           string    `bun:"url"`
	BookID        int64     `bun:"book_id,notnull"`
	IsFavorite    bool      `bun:"is_favorite,notnull"`
	IsDiscard     bool      `bun:"is_discard,notnull"`
	IsDeleted     bool      `bun:"is_deleted,notnull"`
	ReadwiseURL   string    `bun:"readwise_url"`

	Validated             bool             `bun:"validated,notnull"`
	ValidationErrors      ValidationErrors `bun:"validation_errors,type:json"`
	BatchIDWhenNew        int64            `bun:"batch_id_when_new,notnull"`
	BatchIDWhenSuperseded int64            `bun:"batch_id_when_superseded,notnull"`
}

// HighlightTag is a tag attached to a highlight.
type HighlightTag struct {
	bun.BaseModel `bun:"table:highlight_tags,alias:ht"`

	ID          int64  `bun:"id,pk" json:"id"`
	Name        string `bun:"name,notnull" json:"name" validate:"required"`
	HighlightID int64  `bun:"highlight_id,notnull" json:"highlight_id"`

	Validated        bool             `bun:"validated,notnull" json:"validated"`
	ValidationErrors ValidationErrors `bun:"validation_errors,type:json" json:"validation_errors"`
	BatchID          int64            `bun:"batch_id,notnull" json:"-"`
}

func (t *HighlightTag) Key() int64           { return t.ID }
func (t *HighlightTag) BatchRef() int64      { return t.BatchID }
func (t *HighlightTag) AssignBatch(id int64) { t.BatchID = id }
func (t *HighlightTag) IsValid() bool        { return t.Validated }

func (t *HighlightTag) SetValidity(valid bool, errs ValidationErrors) {
	t.Validated = valid
	t.ValidationErrors = errs
}

// SameContent reports whether every non-linkage field equals o's.
func (t *HighlightTag) SameContent(o *HighlightTag) bool {
	return t.ID == o.ID &&
		t.Name == o.Name &&
		t.Validated == o.Validated &&
		t.ValidationErrors.Equal(o.ValidationErrors)
}

// Watermark holds the start time of the last successful run. There is only
// ever one row.
type Watermark struct {
	bun.BaseModel `bun:"table:watermarks,alias:w"`

	ID           int64     `bun:",pk"`
	LastRunStart time.Time `bun:",notnull"`
}

func equalInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// TimePrecision is the resolution times keep once stored.
const TimePrecision = time.Microsecond

func sameInstant(a, b time.Time) bool {
	return a.Truncate(TimePrecision).Equal(b.Truncate(TimePrecision))
}
