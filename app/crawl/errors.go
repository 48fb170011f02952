package crawl

import (
	"context"
	"errors"
	"fmt"

	"github.com/noticecomb/notice-comb/app/fetch"
)

// Kind classifies crawl failures.
type Kind string

const (
	KindConfigInvalid      Kind = "config_invalid"
	KindFetchTransient     Kind = "fetch_transient"
	KindFetchPermanent     Kind = "fetch_permanent"
	KindExtractionDegraded Kind = "extraction_degraded"
	KindExtractionEmpty    Kind = "extraction_empty"
	KindStoreConflict      Kind = "store_conflict"
	KindCancelled          Kind = "cancelled"
	KindStore              Kind = "store"
	KindInternal           Kind = "internal"
)

// Error is a run-level failure attributed to one source.
type Error struct {
	Kind     Kind
	SourceID string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.SourceID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, sourceID string, err error) *Error {
	return &Error{Kind: kind, SourceID: sourceID, Err: err}
}

// KindOf returns the crawl kind of err, or "" when err is nil or unclassified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsTransient reports whether err is a transient fetch failure.
func IsTransient(err error) bool {
	if KindOf(err) == KindFetchTransient {
		return true
	}
	return fetch.IsTransient(err)
}

func classifyFetch(sourceID string, err error) *Error {
	var fe *fetch.Error
	switch {
	case errors.As(err, &fe) && fe.Transient:
		return NewError(KindFetchTransient, sourceID, err)
	case fe != nil:
		return NewError(KindFetchPermanent, sourceID, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NewError(KindCancelled, sourceID, err)
	default:
		return NewError(KindFetchPermanent, sourceID, err)
	}
}
