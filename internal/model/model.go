package model

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

var (
	ErrUnknownField   = errors.New("unknown field")
	ErrImmutableField = errors.New("immutable field")
	ErrInvalidValue   = errors.New("invalid field value")
)

type Kind string

const (
	KindTask         Kind = "task"
	KindProject      Kind = "project"
	KindNotification Kind = "notification"
)

// Entity is the minimum every replicated record exposes.
type Entity interface {
	EntityID() string
	EntityKind() Kind
	LastModified() time.Time
}

// Record is an Entity that supports the explicit field-list merge contract.
// WithField returns a modified copy; the receiver is never changed.
type Record[T any] interface {
	Entity
	Field(name string) (any, bool)
	WithField(name string, value any) (T, error)
}

// FieldSet is a partial update keyed by JSON field name.
type FieldSet map[string]any

func (f FieldSet) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f FieldSet) Clone() FieldSet {
	out := make(FieldSet, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Apply merges every field of set into record, in name order.
func Apply[T Record[T]](record T, set FieldSet) (T, error) {
	current := record
	for _, name := range set.Names() {
		next, err := current.WithField(name, set[name])
		if err != nil {
			return record, err
		}
		current = next
	}
	return current, nil
}

// FieldError reports which field of a FieldSet was rejected.
type FieldError struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Kind, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func fieldErr(kind Kind, field string, err error) error {
	return &FieldError{Kind: kind, Field: field, Err: err}
}

func asString(kind Kind, field string, value any) (string, error) {
	switch typed := value.(type) {
	case string:
		return typed, nil
	case fmt.Stringer:
		return typed.String(), nil
	default:
		// Named string types such as TaskStatus.
		if rv := reflect.ValueOf(value); rv.IsValid() && rv.Kind() == reflect.String {
			return rv.String(), nil
		}
		return "", fieldErr(kind, field, fmt.Errorf("%w: want string, got %T", ErrInvalidValue, value))
	}
}

func asBool(kind Kind, field string, value any) (bool, error) {
	typed, ok := value.(bool)
	if !ok {
		return false, fieldErr(kind, field, fmt.Errorf("%w: want bool, got %T", ErrInvalidValue, value))
	}
	return typed, nil
}

func asStrings(kind Kind, field string, value any) ([]string, error) {
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), typed...), nil
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				return nil, fieldErr(kind, field, fmt.Errorf("%w: want []string, got element %T", ErrInvalidValue, item))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fieldErr(kind, field, fmt.Errorf("%w: want []string, got %T", ErrInvalidValue, value))
	}
}

func asOptionalTime(kind Kind, field string, value any) (*time.Time, error) {
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t := typed
		return &t, nil
	case *time.Time:
		if typed == nil {
			return nil, nil
		}
		t := *typed
		return &t, nil
	case string:
		if strings.TrimSpace(typed) == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, typed)
		if err != nil {
			return nil, fieldErr(kind, field, fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
		return &t, nil
	default:
		return nil, fieldErr(kind, field, fmt.Errorf("%w: want time, got %T", ErrInvalidValue, value))
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// timeValue keeps nil optional times as an untyped nil so rollbacks compare cleanly.
func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
