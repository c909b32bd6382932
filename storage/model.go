package storage

import (
	"reflect"
	"sync"

	"github.com/dpup/oauthdispatch/errors"
	pluralize "github.com/gertd/go-pluralize"
	"github.com/iancoleman/strcase"
)

var (
	pluralizer = pluralize.NewClient()
	modelNames sync.Map // reflect.Type -> string
)

// Model defines the interface for records which want to be persisted to a
// storage engine.
type Model interface {
	// PK returns the primary key that the record is stored under.
	PK() string
}

// Namer allows Models to override how the table-name is determined.
type Namer interface {
	Name() string
}

// Name returns the pluralized snake case name of the model's type, e.g.
// "access_tokens" for AccessToken, unless the model implements Namer.
func Name(m any) string {
	if n, ok := m.(Namer); ok {
		return n.Name()
	}
	t := reflect.TypeOf(m)
	if t.Kind() == reflect.Ptr || t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if n, ok := modelNames.Load(t); ok {
		return n.(string)
	}
	n := pluralizer.Plural(strcase.ToSnake(t.Name()))
	modelNames.Store(t, n)
	return n
}

// ValidateReceiver returns an error if the model is nil or uninitialized.
func ValidateReceiver(model Model) error {
	if model == nil || (reflect.ValueOf(model).Kind() == reflect.Ptr && reflect.ValueOf(model).IsNil()) {
		return errors.Mark(ErrNilModel, 0)
	}
	return nil
}

// FilterField is a field of a List filter that records must match.
type FilterField struct {
	Name  string
	Value any
}

// FilterFields returns the fields of filter that constrain a List call:
// non-nil pointers (dereferenced) and non-zero scalars. Structs, slices and
// maps are never used as filters.
func FilterFields(filter Model) []FilterField {
	v := reflect.ValueOf(filter)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	var out []FilterField
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		sf := v.Type().Field(i)
		if !sf.IsExported() {
			continue
		}
		switch field.Kind() {
		case reflect.Ptr:
			if !field.IsNil() && isScalar(field.Elem().Kind()) {
				out = append(out, FilterField{sf.Name, field.Elem().Interface()})
			}
		case reflect.Struct, reflect.Slice, reflect.Map, reflect.Array, reflect.Interface, reflect.Func, reflect.Chan:
		default:
			if !field.IsZero() {
				out = append(out, FilterField{sf.Name, field.Interface()})
			}
		}
	}
	return out
}

// Normalized returns the value converted to int64, uint64, float64, string or
// bool, for drivers that only bind builtin types.
func (f FilterField) Normalized() any {
	v := reflect.ValueOf(f.Value)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.String:
		return v.String()
	case reflect.Bool:
		return v.Bool()
	}
	return f.Value
}

func isScalar(k reflect.Kind) bool {
	switch k {
	case reflect.Struct, reflect.Slice, reflect.Map, reflect.Array, reflect.Interface, reflect.Func, reflect.Chan, reflect.Ptr:
		return false
	}
	return true
}

// ListTarget checks that models is a pointer to a slice of the filter's type
// and returns the slice value.
func ListTarget(models any, filter Model) (reflect.Value, error) {
	mv := reflect.ValueOf(models)
	if mv.Kind() != reflect.Ptr || mv.Elem().Kind() != reflect.Slice {
		return reflect.Value{}, ErrSliceRequired
	}
	slice := mv.Elem()
	if slice.Type().Elem() != reflect.TypeOf(filter) {
		return reflect.Value{}, ErrTypeMismatch
	}
	return slice, nil
}
