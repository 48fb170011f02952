package crawl

import (
	"time"
)

type StopReason string

const (
	StopNoMorePages StopReason = "no_more_pages"
	StopMaxPages    StopReason = "max_pages"
	StopEmptyPage   StopReason = "empty_page"
	StopError       StopReason = "error"
	StopCancelled   StopReason = "cancelled"
)

// RunSummary reports one run. Counts are kept even when the run fails.
type RunSummary struct {
	RunID         string     `json:"run_id"`
	SourceID      string     `json:"source_id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    time.Time  `json:"finished_at"`
	PagesFetched  int        `json:"pages_fetched"`
	ItemsSeen     int        `json:"items_seen"`
	ItemsNew      int        `json:"items_new"`
	ItemsDegraded int        `json:"items_degraded"`
	Retries       int        `json:"retries"`
	StopReason    StopReason `json:"stop_reason"`
	Err           error      `json:"-"`
	ErrorKind     Kind       `json:"error_kind,omitempty"`
	ErrorMessage  string     `json:"error,omitempty"`
}

func (s *RunSummary) OK() bool {
	return s.Err == nil
}

func (s *RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

func (s *RunSummary) fail(err *Error) {
	s.Err = err
	s.ErrorKind = err.Kind
	s.ErrorMessage = err.Error()
	if err.Kind == KindCancelled {
		s.StopReason = StopCancelled
	} else {
		s.StopReason = StopError
	}
}
