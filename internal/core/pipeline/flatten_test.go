package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"highlightsync/internal/core/domain/models"
)

const nestedExport = `[{
	"user_book_id": 1,
	"title": "Dune",
	"book_tags": [{"id": 10, "name": "scifi"}],
	"highlights": [
		{"id": 100, "text": "Fear is the mind-killer.", "book_id": 999, "tags": [{"id": 1000, "name": "quote"}]},
		{"id": 101, "text": "Walk without rhythm.", "tags": []}
	]
}, {
	"user_book_id": 2,
	"title": "Emma",
	"book_tags": [],
	"highlights": []
}]`

func TestFlatten_InjectsPositionalKeys(t *testing.T) {
	flat := Flatten(decodeBooks(t, nestedExport))

	require.Len(t, flat[models.KindBooks], 2)
	require.Len(t, flat[models.KindBookTags], 1)
	require.Len(t, flat[models.KindHighlights], 2)
	require.Len(t, flat[models.KindHighlightTags], 1)

	for _, book := range flat[models.KindBooks] {
		assert.NotContains(t, book, "book_tags")
		assert.NotContains(t, book, "highlights")
	}

	assert.Equal(t, float64(1), flat[models.KindBookTags][0]["user_book_id"])
	for _, hl := range flat[models.KindHighlights] {
		assert.Equal(t, float64(1), hl["book_id"], "book_id comes from tree position")
		assert.NotContains(t, hl, "tags")
	}
	assert.Equal(t, float64(100), flat[models.KindHighlightTags][0]["highlight_id"])
}

func TestFlatten_DoesNotMutateInput(t *testing.T) {
	books := decodeBooks(t, nestedExport)
	Flatten(books)

	assert.Contains(t, books[0], "book_tags")
	assert.Contains(t, books[0], "highlights")
	hl := children(books[0], "highlights")[0]
	assert.Equal(t, float64(999), hl["book_id"])
	assert.Contains(t, hl, "tags")
	assert.NotContains(t, children(books[0], "book_tags")[0], "user_book_id")
}

func TestFlatten_SameWithOrWithoutAnnotations(t *testing.T) {
	plain := Flatten(decodeBooks(t, nestedExport))
	annotated := Flatten(Normalize(decodeBooks(t, nestedExport)))

	for _, kind := range models.Kinds {
		require.Len(t, annotated[kind], len(plain[kind]), kind)
		for i, rec := range plain[kind] {
			for field, value := range rec {
				assert.Equal(t, value, annotated[kind][i][field], "%s[%d].%s", kind, i, field)
			}
		}
	}
}

func TestFlatten_Empty(t *testing.T) {
	flat := Flatten(nil)
	for _, kind := range models.Kinds {
		assert.NotNil(t, flat[kind])
		assert.Empty(t, flat[kind])
	}
}
