package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"

	"highlightsync/internal/core/domain/models"
)

// Annotation keys carried by every raw object once it has been normalized.
const (
	FieldValidated        = "validated"
	FieldValidationErrors = "validation_errors"
)

// Raw payload field names.
const (
	fieldBookKey      = "user_book_id"
	fieldBookTags     = "book_tags"
	fieldHighlights   = "highlights"
	fieldHighlightKey = "id"
	fieldHighlightFK  = "book_id"
	fieldTags         = "tags"
	fieldTagFK        = "highlight_id"
)

const (
	msgMissingList = "field not found; replaced with empty list"
	msgNotList     = "expected a list, got %s; replaced with empty list"
	msgNotObject   = "expected an object in list, got %s; dropped"
	msgKeyMismatch = "book_id %s does not match parent user_book_id %s; replaced with parent value"
)

// Normalize annotates every object in the three-level hierarchy
// (book → book_tags, highlights → tags) with a validity flag and an empty
// error map, then guarantees that every child collection is a list of
// objects. Objects are modified in place; the same slice is returned.
func Normalize(books []map[string]any) []map[string]any {
	for _, book := range books {
		annotate(book)
		for _, tag := range ensureList(book, fieldBookTags) {
			annotate(tag)
		}
		for _, hl := range ensureList(book, fieldHighlights) {
			annotate(hl)
			for _, tag := range ensureList(hl, fieldTags) {
				annotate(tag)
			}
		}
	}
	return books
}

// CrossReference repairs highlights whose book_id disagrees with the key of
// the book that contains them and marks them invalid. Books without a key are
// left alone; the schema stage reports them.
func CrossReference(books []map[string]any) []map[string]any {
	for _, book := range books {
		bookKey, ok := book[fieldBookKey]
		if !ok || bookKey == nil {
			continue
		}
		for _, hl := range children(book, fieldHighlights) {
			declared := hl[fieldHighlightFK]
			if keyString(declared) == keyString(bookKey) {
				continue
			}
			hl[fieldHighlightFK] = bookKey
			markInvalid(hl, fieldHighlightFK, fmt.Sprintf(msgKeyMismatch, keyString(declared), keyString(bookKey)))
		}
	}
	return books
}

func annotate(obj map[string]any) {
	obj[FieldValidated] = true
	obj[FieldValidationErrors] = models.ValidationErrors{}
}

func markInvalid(obj map[string]any, field, msg string) {
	errs := errorsOf(obj)
	errs.Add(field, msg)
	obj[FieldValidationErrors] = errs
	obj[FieldValidated] = false
}

// ensureList replaces a missing or malformed child collection with an empty
// list and returns the object children it holds.
func ensureList(obj map[string]any, field string) []map[string]any {
	raw, ok := obj[field]
	if !ok {
		obj[field] = []any{}
		markInvalid(obj, field, msgMissingList)
		return nil
	}

	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []map[string]any:
		items = make([]any, len(v))
		for i, m := range v {
			items[i] = m
		}
	default:
		obj[field] = []any{}
		markInvalid(obj, field, fmt.Sprintf(msgNotList, describe(raw)))
		return nil
	}

	kept := make([]any, 0, len(items))
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			markInvalid(obj, field, fmt.Sprintf(msgNotObject, describe(item)))
			continue
		}
		kept = append(kept, m)
		out = append(out, m)
	}
	obj[field] = kept
	return out
}

// children returns the object children of field without modifying obj.
func children(obj map[string]any, field string) []map[string]any {
	switch v := obj[field].(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// errorsOf returns the error map of obj, converting decoded JSON forms.
func errorsOf(obj map[string]any) models.ValidationErrors {
	switch v := obj[FieldValidationErrors].(type) {
	case models.ValidationErrors:
		if v != nil {
			return v
		}
	case map[string]string:
		return models.ValidationErrors(v)
	case map[string]any:
		errs := make(models.ValidationErrors, len(v))
		for field, msg := range v {
			errs[field] = fmt.Sprint(msg)
		}
		return errs
	}
	return models.ValidationErrors{}
}

// validOf returns the validity flag of obj. Objects that were never
// annotated count as valid.
func validOf(obj map[string]any) bool {
	if v, ok := obj[FieldValidated].(bool); ok {
		return v
	}
	return true
}

// keyString renders a key so that 7, 7.0, json.Number("7") and "7" compare equal.
func keyString(v any) string {
	switch k := v.(type) {
	case nil:
		return "null"
	case string:
		return k
	case json.Number:
		if i, err := k.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return k.String()
	case float64:
		if k == float64(int64(k)) {
			return strconv.FormatInt(int64(k), 10)
		}
		return strconv.FormatFloat(k, 'f', -1, 64)
	case int:
		return strconv.Itoa(k)
	case int64:
		return strconv.FormatInt(k, 10)
	}
	return fmt.Sprint(v)
}

func describe(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
