package pipeline

import (
	"maps"

	"highlightsync/internal/core/domain/models"
)

// Flattened maps each object kind to its flat list of raw records.
type Flattened map[models.Kind][]map[string]any

// Flatten turns the nested book hierarchy into one flat list per kind.
// Child collections are removed from each emitted parent, and every child
// receives its owner's key taken from its position in the tree. Records are
// shallow copies; the input is never modified.
func Flatten(books []map[string]any) Flattened {
	flat := Flattened{}
	for _, kind := range models.Kinds {
		flat[kind] = []map[string]any{}
	}

	for _, book := range books {
		bookKey := book[fieldBookKey]

		rec := maps.Clone(book)
		delete(rec, fieldBookTags)
		delete(rec, fieldHighlights)
		flat[models.KindBooks] = append(flat[models.KindBooks], rec)

		for _, tag := range children(book, fieldBookTags) {
			t := maps.Clone(tag)
			t[fieldBookKey] = bookKey
			flat[models.KindBookTags] = append(flat[models.KindBookTags], t)
		}

		for _, hl := range children(book, fieldHighlights) {
			hlKey := hl[fieldHighlightKey]

			h := maps.Clone(hl)
			delete(h, fieldTags)
			h[fieldHighlightFK] = bookKey
			flat[models.KindHighlights] = append(flat[models.KindHighlights], h)

			for _, tag := range children(hl, fieldTags) {
				t := maps.Clone(tag)
				t[fieldTagFK] = hlKey
				flat[models.KindHighlightTags] = append(flat[models.KindHighlightTags], t)
			}
		}
	}
	return flat
}
