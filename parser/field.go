package parser

import "strings"

// Field is a best-effort extraction result: either a present value or absent.
type Field[T any] struct {
	value   T
	present bool
}

// Present wraps a found value.
func Present[T any](value T) Field[T] {
	return Field[T]{value: value, present: true}
}

// Absent reports a value that could not be extracted.
func Absent[T any]() Field[T] {
	return Field[T]{}
}

// TextField is Present when s has non-whitespace content.
func TextField(s string) Field[string] {
	s = strings.TrimSpace(s)
	if s == "" {
		return Absent[string]()
	}
	return Present(s)
}

// Get returns the value and whether it was present.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.present
}

// IsPresent reports whether a value was extracted.
func (f Field[T]) IsPresent() bool {
	return f.present
}

// OrElse returns the value, or fallback when absent.
func (f Field[T]) OrElse(fallback T) T {
	if f.present {
		return f.value
	}
	return fallback
}

// firstPresent returns the first present field.
func firstPresent[T any](fields ...Field[T]) Field[T] {
	for _, f := range fields {
		if f.present {
			return f
		}
	}
	return Absent[T]()
}
