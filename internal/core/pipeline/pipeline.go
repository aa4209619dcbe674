// Package pipeline turns raw nested export records into validated, typed
// payloads. Validation problems never stop the pipeline; they are recorded
// on each object as a validity flag and a field -> message map.
package pipeline

import (
	"sync"

	"highlightsync/internal/core/domain/models"
)

var defaultValidator = sync.OnceValue(NewSchemaValidator)

// ValidateSchema runs the flat schema stage with a shared validator.
func ValidateSchema(flat Flattened) *models.Payload {
	return defaultValidator().Validate(flat)
}

// Prepare runs normalization, cross-reference repair, flattening and the
// schema stage in order. The raw books are annotated in place.
func Prepare(books []map[string]any) *models.Payload {
	books = Normalize(books)
	books = CrossReference(books)
	return ValidateSchema(Flatten(books))
}
