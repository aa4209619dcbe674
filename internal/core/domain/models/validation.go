package models

import (
	"maps"
	"slices"
	"sort"
	"strings"
)

// ValidationErrors maps a field name to the problems found with it. It is
// stored as a JSON column next to every record.
type ValidationErrors map[string]string

// Add records msg for field, joining it to any message already present.
func (v ValidationErrors) Add(field, msg string) {
	if prev, ok := v[field]; ok && prev != "" {
		if slices.Contains(strings.Split(prev, "; "), msg) {
			return
		}
		v[field] = prev + "; " + msg
		return
	}
	v[field] = msg
}

// Merge returns a new map holding the messages of v followed by those of
// other. Neither input is modified.
func (v ValidationErrors) Merge(other ValidationErrors) ValidationErrors {
	out := make(ValidationErrors, len(v)+len(other))
	maps.Copy(out, v)
	for _, field := range other.Fields() {
		out.Add(field, other[field])
	}
	return out
}

// Equal treats nil and empty maps as equal.
func (v ValidationErrors) Equal(other ValidationErrors) bool {
	return maps.Equal(v, other)
}

// Fields returns the field names in sorted order.
func (v ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(v))
	for f := range v {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Payload is the validated, flattened output of one fetch, ready to be
// written by the store.
type Payload struct {
	Books         []*Book
	BookTags      []*BookTag
	Highlights    []*Highlight
	HighlightTags []*HighlightTag
}

// Len returns the total number of records across all kinds.
func (p *Payload) Len() int {
	return len(p.Books) + len(p.BookTags) + len(p.Highlights) + len(p.HighlightTags)
}

// Count returns the number of records of the given kind.
func (p *Payload) Count(kind Kind) int {
	switch kind {
	case KindBooks:
		return len(p.Books)
	case KindBookTags:
		return len(p.BookTags)
	case KindHighlights:
		return len(p.Highlights)
	case KindHighlightTags:
		return len(p.HighlightTags)
	}
	return 0
}

// InvalidCount returns how many records of the given kind failed validation.
func (p *Payload) InvalidCount(kind Kind) int {
	n := 0
	switch kind {
	case KindBooks:
		n = countInvalid(p.Books)
	case KindBookTags:
		n = countInvalid(p.BookTags)
	case KindHighlights:
		n = countInvalid(p.Highlights)
	case KindHighlightTags:
		n = countInvalid(p.HighlightTags)
	}
	return n
}

func countInvalid[R Record](records []R) int {
	n := 0
	for _, r := range records {
		if !r.IsValid() {
			n++
		}
	}
	return n
}
