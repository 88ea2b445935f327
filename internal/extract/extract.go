// Package extract implements the pull adapters. Each adapter turns a source configuration and
// the previously committed watermark into a batch of rows and a new watermark. Adapters keep
// no state between calls, so a failed call can be repeated with the same watermark.
package extract

import (
	"context"
	"fmt"

	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/document"
)

// Result is one extraction batch. Watermark is empty when there is nothing to commit.
// Columns lists field names in source order when the source has a fixed shape.
type Result struct {
	Rows      []document.Row
	Columns   []string
	Watermark string
}

// Extractor is implemented by every pull adapter.
type Extractor interface {
	Extract(ctx context.Context, source *connector.Source, previous string) (*Result, error)
}

// Error wraps adapter failures with the adapter and source type they came from.
type Error struct {
	Adapter    string
	SourceType connector.SourceType
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Adapter, e.SourceType, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Class identifies the error in run records.
func (e *Error) Class() string {
	return "ExtractionError"
}

func newError(adapter string, source *connector.Source, err error, format string, args ...any) *Error {
	return &Error{
		Adapter:    adapter,
		SourceType: source.Type,
		Message:    fmt.Sprintf(format, args...),
		Err:        err,
	}
}

// MaxWatermark returns the lexicographically greatest rendering of field across rows,
// never less than previous. ISO 8601 timestamps with a common offset order correctly as text.
// With no field or no values, previous is returned unchanged.
func MaxWatermark(rows []document.Row, field, previous string) string {
	if field == "" {
		return previous
	}

	result := previous

	for _, row := range rows {
		value, ok := row[field]
		if !ok || value == nil {
			continue
		}

		if candidate := document.Stringify(value); candidate > result {
			result = candidate
		}
	}

	return result
}
