package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeBooks mimics what the fetch adapter hands to the pipeline.
func decodeBooks(t *testing.T, raw string) []map[string]any {
	t.Helper()
	var books []map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &books))
	return books
}

func TestNormalize_AnnotatesEveryLevel(t *testing.T) {
	books := Normalize(decodeBooks(t, `[{
		"user_book_id": 1,
		"book_tags": [{"id": 10, "name": "fav"}],
		"highlights": [{"id": 100, "book_id": 1, "tags": [{"id": 1000, "name": "x"}]}]
	}]`))

	book := books[0]
	assert.Equal(t, true, book[FieldValidated])
	assert.Empty(t, errorsOf(book))

	tag := children(book, "book_tags")[0]
	assert.Equal(t, true, tag[FieldValidated])

	hl := children(book, "highlights")[0]
	assert.Equal(t, true, hl[FieldValidated])
	assert.Equal(t, true, children(hl, "tags")[0][FieldValidated])
}

func TestNormalize_MissingLists(t *testing.T) {
	books := Normalize(decodeBooks(t, `[{"user_book_id": 1, "highlights": [{"id": 5}]}]`))

	book := books[0]
	assert.Equal(t, []any{}, book["book_tags"])
	assert.Equal(t, false, book[FieldValidated])
	assert.Equal(t, msgMissingList, errorsOf(book)["book_tags"])

	hl := children(book, "highlights")[0]
	assert.Equal(t, []any{}, hl["tags"])
	assert.Equal(t, false, hl[FieldValidated])
	assert.Contains(t, errorsOf(hl)["tags"], "field not found")
}

func TestNormalize_NotAList(t *testing.T) {
	books := Normalize(decodeBooks(t, `[{"user_book_id": 1, "book_tags": "oops", "highlights": null}]`))

	book := books[0]
	assert.Equal(t, []any{}, book["book_tags"])
	assert.Equal(t, []any{}, book["highlights"])
	assert.Equal(t, false, book[FieldValidated])

	errs := errorsOf(book)
	assert.Equal(t, `expected a list, got "oops"; replaced with empty list`, errs["book_tags"])
	assert.Equal(t, "expected a list, got null; replaced with empty list", errs["highlights"])
}

func TestNormalize_DropsNonObjectEntries(t *testing.T) {
	books := Normalize(decodeBooks(t, `[{"user_book_id": 1, "book_tags": [{"id": 1, "name": "a"}, 7], "highlights": []}]`))

	book := books[0]
	require.Len(t, book["book_tags"], 1)
	assert.Equal(t, false, book[FieldValidated])
	assert.Contains(t, errorsOf(book)["book_tags"], "got 7; dropped")
}

func TestNormalize_ResetsAnnotations(t *testing.T) {
	books := Normalize([]map[string]any{{
		"user_book_id":        int64(1),
		"book_tags":           []any{},
		"highlights":          []any{},
		FieldValidated:        false,
		FieldValidationErrors: map[string]any{"title": "stale"},
	}})

	assert.Equal(t, true, books[0][FieldValidated])
	assert.Empty(t, errorsOf(books[0]))
}

func TestCrossReference_RepairsMismatch(t *testing.T) {
	books := Normalize(decodeBooks(t, `[{
		"user_book_id": 7,
		"book_tags": [],
		"highlights": [
			{"id": 1, "book_id": 7, "tags": []},
			{"id": 2, "book_id": 8, "tags": []}
		]
	}]`))
	books = CrossReference(books)

	hls := children(books[0], "highlights")
	assert.Equal(t, true, hls[0][FieldValidated])

	assert.Equal(t, float64(7), hls[1]["book_id"])
	assert.Equal(t, false, hls[1][FieldValidated])
	msg := errorsOf(hls[1])["book_id"]
	assert.Contains(t, msg, "8")
	assert.Contains(t, msg, "7")
	assert.Equal(t, "book_id 8 does not match parent user_book_id 7; replaced with parent value", msg)

	// The parent itself is untouched.
	assert.Equal(t, true, books[0][FieldValidated])
}

func TestCrossReference_MissingChildKey(t *testing.T) {
	books := CrossReference(Normalize(decodeBooks(t, `[{"user_book_id": 3, "book_tags": [], "highlights": [{"id": 1, "tags": []}]}]`)))

	hl := children(books[0], "highlights")[0]
	assert.Equal(t, float64(3), hl["book_id"])
	assert.Contains(t, errorsOf(hl)["book_id"], "book_id null does not match")
}

func TestCrossReference_NumericFormsCompareEqual(t *testing.T) {
	books := []map[string]any{{
		"user_book_id": json.Number("12"),
		"highlights":   []any{map[string]any{"id": 1, "book_id": float64(12)}},
	}}
	CrossReference(books)

	hl := children(books[0], "highlights")[0]
	_, marked := hl[FieldValidated]
	assert.False(t, marked)
}

func TestCrossReference_KeepsEarlierErrors(t *testing.T) {
	hl := map[string]any{"id": 1, "book_id": 2, "tags": []any{}}
	books := []map[string]any{{"user_book_id": 1, "book_tags": []any{}, "highlights": []any{hl}}}
	Normalize(books)
	markInvalid(hl, "tags", "earlier problem")
	CrossReference(books)

	errs := errorsOf(hl)
	assert.Equal(t, "earlier problem", errs["tags"])
	assert.NotEmpty(t, errs["book_id"])
	assert.Len(t, errs, 2)
}
