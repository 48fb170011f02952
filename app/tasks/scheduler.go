package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/noticecomb/notice-comb/app/crawl"
	"github.com/noticecomb/notice-comb/app/source"
)

var _ SchedulerInterface = (*Scheduler)(nil)

const (
	DefaultMaxConcurrentRuns = 4
	DefaultTickInterval      = time.Second
	DefaultInterval          = time.Hour
)

type Options struct {
	Interval          time.Duration
	MaxConcurrentRuns int
	AutoCrawl         bool
	TickInterval      time.Duration
	Clock             Clock
	Lock              RunLock
	Observers         []RunObserver
}

type entry struct {
	desc     *source.Descriptor
	schedule cron.Schedule
	state    State
	task     *CrawlSourceTask
	waiting  bool
	next     time.Time
	last     *crawl.RunSummary
	runs     int
	done     chan struct{}
}

// Scheduler owns the run state of every source. Due sources move from Idle
// to Running and queue for one of MaxConcurrentRuns workers; a source is
// never queued or run twice at the same time.
type Scheduler struct {
	runner    CrawlRunner
	clock     Clock
	lock      RunLock
	observers []RunObserver
	autoCrawl bool
	tick      time.Duration
	workers   int

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	queue   chan *CrawlSourceTask
	active  int
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(descriptors []*source.Descriptor, runner CrawlRunner, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}

	s := &Scheduler{
		runner:    runner,
		clock:     opts.Clock,
		lock:      opts.Lock,
		observers: opts.Observers,
		autoCrawl: opts.AutoCrawl,
		tick:      opts.TickInterval,
		workers:   opts.MaxConcurrentRuns,
		entries:   make(map[string]*entry, len(descriptors)),
		queue:     make(chan *CrawlSourceTask, len(descriptors)+1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	now := s.clock.Now()
	for _, d := range descriptors {
		schedule, err := d.CronSchedule(opts.Interval)
		if err != nil {
			slog.Warn("Invalid schedule, using default interval", "source", d.ID, "error", err)
			schedule = cron.Every(opts.Interval)
		}

		e := &entry{desc: d, schedule: schedule, state: StateIdle}
		if !d.IsEnabled() {
			e.state = StateDisabled
		}
		if s.autoCrawl {
			e.next = now
		} else {
			e.next = schedule.Next(now)
		}
		s.entries[d.ID] = e
		s.order = append(s.order, d.ID)
	}
	sort.Strings(s.order)

	return s
}

// Start launches the workers and, when automatic crawling is on, the ticker.
// Cancelling ctx has the same effect as Stop without waiting.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	slog.Info("Scheduler started", "sources", len(s.order), "workers", s.workers, "auto_crawl", s.autoCrawl)

	if !s.autoCrawl {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		s.Tick()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

// Stop cancels in-flight runs, waits for them and returns queued sources to
// Idle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case task := <-s.queue:
			if e := s.entries[task.SourceID]; e != nil {
				s.finishLocked(e, nil)
			}
		default:
			slog.Info("Scheduler stopped")
			return
		}
	}
}

// Tick starts every enabled source whose next run time has passed. A due
// source that is still running skips this slot.
func (s *Scheduler) Tick() {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	for _, id := range s.order {
		e := s.entries[id]
		if e.state == StateDisabled || now.Before(e.next) {
			continue
		}
		e.next = e.schedule.Next(now)

		if e.state == StateRunning {
			slog.Debug("Source still running, skipping tick", "source", id, "run_id", e.task.ID)
			continue
		}
		s.startLocked(e, "schedule")
	}
}

// Trigger starts a run of id now. When the source is already running it
// returns the current run id and started=false.
func (s *Scheduler) Trigger(id string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", source.ErrSourceNotFound, id)
	}
	if s.stopped {
		return "", false, ErrSchedulerStopped
	}

	switch e.state {
	case StateDisabled:
		return "", false, ErrSourceDisabled
	case StateRunning:
		return e.task.ID, false, nil
	}

	runID := s.startLocked(e, "manual")
	if runID == "" {
		return "", false, fmt.Errorf("failed to queue run for %s", id)
	}
	return runID, true, nil
}

func (s *Scheduler) Disable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", source.ErrSourceNotFound, id)
	}
	if e.state == StateDisabled {
		return nil
	}
	if !e.state.CanTransitionTo(StateDisabled) {
		return ErrSourceBusy
	}
	e.state = StateDisabled
	slog.Info("Source disabled", "source", id)
	return nil
}

func (s *Scheduler) Enable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", source.ErrSourceNotFound, id)
	}
	if e.state != StateDisabled {
		return nil
	}
	e.state = StateIdle
	e.next = e.schedule.Next(s.clock.Now())
	slog.Info("Source enabled", "source", id, "next_run_at", e.next)
	return nil
}

func (s *Scheduler) Status(id string) (SourceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return SourceStatus{}, fmt.Errorf("%w: %s", source.ErrSourceNotFound, id)
	}
	return e.status(), nil
}

func (s *Scheduler) Statuses() []SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SourceStatus, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].status())
	}
	return out
}

// Active returns the number of runs currently executing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// RunAll triggers every enabled source and waits until those runs finish.
func (s *Scheduler) RunAll(ctx context.Context) []crawl.RunSummary {
	var waits []chan struct{}
	var ids []string

	s.mu.Lock()
	for _, id := range s.order {
		e := s.entries[id]
		if e.state == StateIdle && !s.stopped {
			s.startLocked(e, "once")
		}
		if e.state == StateRunning && e.done != nil {
			waits = append(waits, e.done)
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	var summaries []crawl.RunSummary
	for _, id := range ids {
		if st, err := s.Status(id); err == nil && st.LastRun != nil {
			summaries = append(summaries, *st.LastRun)
		}
	}
	return summaries
}

func (e *entry) status() SourceStatus {
	st := SourceStatus{
		SourceID:    e.desc.ID,
		State:       e.state,
		Waiting:     e.waiting,
		RunsStarted: e.runs,
	}
	if e.task != nil {
		st.RunID = e.task.ID
	}
	if e.state != StateDisabled && !e.next.IsZero() {
		next := e.next
		st.NextRunAt = &next
	}
	if e.last != nil {
		last := *e.last
		st.LastRun = &last
	}
	return st
}

func (s *Scheduler) startLocked(e *entry, trigger string) string {
	if !e.state.CanTransitionTo(StateRunning) {
		return ""
	}

	task := NewCrawlSourceTask(e.desc, s.runner, trigger)
	select {
	case s.queue <- task:
	default:
		slog.Error("Run queue is full", "source", e.desc.ID)
		return ""
	}

	e.state = StateRunning
	e.task = task
	e.waiting = true
	e.done = make(chan struct{})

	slog.Debug("Run queued", "source", e.desc.ID, "run_id", task.ID, "trigger", trigger)
	return task.ID
}

func (s *Scheduler) finishLocked(e *entry, summary *crawl.RunSummary) {
	e.state = StateIdle
	e.task = nil
	e.waiting = false
	if summary != nil {
		e.last = summary
	}
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case task := <-s.queue:
			if s.ctx.Err() != nil {
				s.mu.Lock()
				s.finishLocked(s.entries[task.SourceID], nil)
				s.mu.Unlock()
				return
			}
			s.execute(id, task)
		}
	}
}

func (s *Scheduler) execute(workerID int, task *CrawlSourceTask) {
	s.mu.Lock()
	e := s.entries[task.SourceID]
	e.waiting = false
	e.runs++
	s.active++
	s.mu.Unlock()

	task.Start()
	summary, ran := s.run(workerID, task)

	s.mu.Lock()
	s.active--
	if ran {
		s.finishLocked(e, &summary)
	} else {
		s.finishLocked(e, nil)
	}
	s.mu.Unlock()

	if !ran {
		return
	}
	for _, o := range s.observers {
		o.ObserveRun(context.WithoutCancel(s.ctx), summary)
	}
}

// run executes the task under the optional cross-process lock. A panic in
// the run is recovered into its summary.
func (s *Scheduler) run(workerID int, task *CrawlSourceTask) (summary crawl.RunSummary, ran bool) {
	if s.lock != nil {
		acquired, err := s.lock.Acquire(s.ctx, task.SourceID, task.ID)
		if err != nil {
			slog.Warn("Failed to acquire run lock", "source", task.SourceID, "run_id", task.ID, "error", err)
			return summary, false
		}
		if !acquired {
			slog.Info("Source is running elsewhere, skipping", "source", task.SourceID, "run_id", task.ID)
			return summary, false
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(s.ctx), task.SourceID, task.ID); err != nil {
				slog.Warn("Failed to release run lock", "source", task.SourceID, "run_id", task.ID, "error", err)
			}
		}()
		stopRenew := s.renewLock(task)
		defer stopRenew()
	}

	started := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Run panicked", "worker_id", workerID, "source", task.SourceID, "run_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			err := crawl.NewError(crawl.KindInternal, task.SourceID, fmt.Errorf("panic: %v", r))
			summary = crawl.RunSummary{
				RunID:        task.ID,
				SourceID:     task.SourceID,
				StartedAt:    started,
				FinishedAt:   s.clock.Now(),
				StopReason:   crawl.StopError,
				Err:          err,
				ErrorKind:    err.Kind,
				ErrorMessage: err.Error(),
			}
			ran = true
		}
	}()

	if err := task.Execute(s.ctx); err != nil {
		slog.Debug("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "error", err)
	}
	return task.Summary(), true
}

// renewLock extends the run lock every third of its TTL until the returned
// stop function is called.
func (s *Scheduler) renewLock(task *CrawlSourceTask) func() {
	every := s.lock.TTL() / 3
	if every <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(s.ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := s.lock.Extend(ctx, task.SourceID, task.ID)
			if err == nil || ctx.Err() != nil {
				continue
			}
			slog.Warn("Failed to extend run lock", "source", task.SourceID, "run_id", task.ID, "error", err)
			if errors.Is(err, ErrLockNotHeld) {
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
