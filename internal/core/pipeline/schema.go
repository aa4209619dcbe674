package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"highlightsync/internal/core/domain/models"
)

const (
	msgUnexpected = "unexpected field"
	msgRequired   = "field required"
)

// schema describes the exact field set of one kind.
type schema struct {
	fields   map[string]int // json name -> struct field index
	required []string
}

func schemaFor[T any](required ...string) schema {
	typ := reflect.TypeFor[T]()
	s := schema{fields: map[string]int{}, required: required}
	for i := range typ.NumField() {
		f := typ.Field(i)
		if f.Anonymous || !f.IsExported() {
			continue
		}
		name := jsonName(f)
		switch name {
		case "", "-", FieldValidated, FieldValidationErrors:
			continue
		}
		s.fields[name] = i
	}
	return s
}

// SchemaValidator performs the strict per-kind check of flattened records.
type SchemaValidator struct {
	v *validator.Validate

	books         schema
	bookTags      schema
	highlights    schema
	highlightTags schema
}

// NewSchemaValidator creates a validator for the four stored kinds.
func NewSchemaValidator() *SchemaValidator {
	v := validator.New()

	// Report fields by their payload names.
	v.RegisterTagNameFunc(jsonName)

	return &SchemaValidator{
		v:             v,
		books:         schemaFor[models.Book]("user_book_id", "title"),
		bookTags:      schemaFor[models.BookTag]("id", "name", "user_book_id"),
		highlights:    schemaFor[models.Highlight]("id", "text", "book_id"),
		highlightTags: schemaFor[models.HighlightTag]("id", "name", "highlight_id"),
	}
}

// Validate decodes every flattened record into its typed model. Problems are
// merged into the record's existing error map; a record is valid only if it
// was valid before and no new problem was found.
func (sv *SchemaValidator) Validate(flat Flattened) *models.Payload {
	return &models.Payload{
		Books:         decodeKind[models.Book](sv, sv.books, flat[models.KindBooks]),
		BookTags:      decodeKind[models.BookTag](sv, sv.bookTags, flat[models.KindBookTags]),
		Highlights:    decodeKind[models.Highlight](sv, sv.highlights, flat[models.KindHighlights]),
		HighlightTags: decodeKind[models.HighlightTag](sv, sv.highlightTags, flat[models.KindHighlightTags]),
	}
}

func decodeKind[T any, PT interface {
	*T
	models.Record
}](sv *SchemaValidator, s schema, records []map[string]any) []PT {
	out := make([]PT, 0, len(records))
	for _, rec := range records {
		obj := PT(new(T))
		errs := s.decode(reflect.ValueOf(obj).Elem(), rec)
		sv.check(obj, errs)
		obj.SetValidity(validOf(rec) && len(errs) == 0, errorsOf(rec).Merge(errs))
		out = append(out, obj)
	}
	return out
}

// decode assigns each raw value to its typed field. Values that cannot be
// coerced leave the field at its zero value and are reported.
func (s schema) decode(dst reflect.Value, rec map[string]any) models.ValidationErrors {
	errs := models.ValidationErrors{}
	for name, raw := range rec {
		if name == FieldValidated || name == FieldValidationErrors {
			continue
		}
		idx, ok := s.fields[name]
		if !ok {
			errs.Add(name, msgUnexpected)
			continue
		}
		if raw == nil {
			continue
		}
		if err := assign(dst.Field(idx), raw); err != nil {
			errs.Add(name, err.Error())
		}
	}
	for _, name := range s.required {
		if rec[name] == nil {
			errs.Add(name, msgRequired)
		}
	}
	return errs
}

// check runs the tag constraints, skipping fields that already failed
// to decode.
func (sv *SchemaValidator) check(obj any, errs models.ValidationErrors) {
	var verrs validator.ValidationErrors
	if !errors.As(sv.v.Struct(obj), &verrs) {
		return
	}
	for _, fe := range verrs {
		if _, seen := errs[fe.Field()]; seen {
			continue
		}
		errs.Add(fe.Field(), friendlyMessage(fe))
	}
}

// assign decodes raw into field. Times are truncated to the precision the
// store keeps so a replayed export compares equal to what was written.
func assign(field reflect.Value, raw any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("expected %s, got %v", typeName(field.Type()), raw)
	}
	tmp := reflect.New(field.Type())
	if err := json.Unmarshal(b, tmp.Interface()); err != nil {
		return fmt.Errorf("expected %s, got %s", typeName(field.Type()), b)
	}
	if t, ok := tmp.Interface().(*time.Time); ok {
		*t = t.Truncate(models.TimePrecision)
	}
	field.Set(tmp.Elem())
	return nil
}

var timeType = reflect.TypeFor[time.Time]()

func typeName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		return typeName(t.Elem())
	}
	if t == timeType {
		return "datetime"
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	}
	return t.String()
}

func friendlyMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return msgRequired
	case "oneof":
		return "must be one of: " + e.Param()
	default:
		return "is invalid"
	}
}

func jsonName(fld reflect.StructField) string {
	name := fld.Tag.Get("json")
	if name == "" {
		return fld.Name
	}
	name, _, _ = strings.Cut(name, ",")
	return name
}
