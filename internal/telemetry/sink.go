// Package telemetry records the outcome of every processed queue entry.
package telemetry

import (
	"context"
	"errors"

	"github.com/joinflow/joinflow/types"
)

type Sink interface {
	Record(ctx context.Context, attempt types.Attempt) error
}

// MultiSink fans an attempt out to every sink. Every sink is tried even when an earlier one fails.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, attempt types.Attempt) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, attempt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Outcome labels a failed attempt with "error" when no gateway outcome was reached.
func Outcome(attempt types.Attempt) string {
	if attempt.Outcome == "" {
		return "error"
	}
	return attempt.Outcome
}
