package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFetch matches any *FetchError via errors.Is.
var ErrFetch = errors.New("catalog fetch failed")

// ErrSchema matches any *SchemaError via errors.Is.
var ErrSchema = errors.New("catalog schema not recognised")

// FetchError describes a failed catalog download or an unreadable body.
type FetchError struct {
	URL    string
	Status int // HTTP status, 0 when no response was received
	Err    error

	transient bool
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrFetch) match.
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// Transient reports whether another attempt may succeed.
func (e *FetchError) Transient() bool { return e.transient }

// SchemaError is returned when required columns cannot be located in the header.
type SchemaError struct {
	Missing []Field
	Header  []string
}

func (e *SchemaError) Error() string {
	names := make([]string, len(e.Missing))
	for i, f := range e.Missing {
		names[i] = string(f)
	}
	return fmt.Sprintf("catalog schema: missing column(s) %s in header [%s]",
		strings.Join(names, ", "), strings.Join(e.Header, ", "))
}

// Is lets errors.Is(err, ErrSchema) match.
func (e *SchemaError) Is(target error) bool { return target == ErrSchema }
