package tasks

import (
	"errors"
	"slices"
	"time"

	"github.com/noticecomb/notice-comb/app/crawl"
)

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
)

var (
	ErrSourceDisabled   = errors.New("source is disabled")
	ErrSourceBusy       = errors.New("source is running")
	ErrSchedulerStopped = errors.New("scheduler is stopped")
)

// A run is only armed from Idle.
var transitions = map[State][]State{
	StateIdle:     {StateRunning, StateDisabled},
	StateRunning:  {StateIdle},
	StateDisabled: {StateIdle},
}

func (s State) CanTransitionTo(next State) bool {
	return slices.Contains(transitions[s], next)
}

// SourceStatus is a snapshot of one source's scheduling state.
type SourceStatus struct {
	SourceID    string            `json:"source_id"`
	State       State             `json:"state"`
	RunID       string            `json:"run_id,omitempty"`
	Waiting     bool              `json:"waiting,omitempty"`
	NextRunAt   *time.Time        `json:"next_run_at,omitempty"`
	LastRun     *crawl.RunSummary `json:"last_run,omitempty"`
	RunsStarted int               `json:"runs_started"`
}
