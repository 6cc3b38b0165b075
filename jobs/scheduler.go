package jobs

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/semaphore"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultWorkers            = 20
	DefaultMisfireGracePeriod = time.Hour
	DefaultRetryDelay         = 5 * time.Second
)

// Handler is invoked when a job of the kind it's registered for fires.
// The job's store record has already been deleted when it runs.
type Handler func(ctx context.Context, job Job) error

// Config controls a Scheduler. Zero values use the package defaults.
type Config struct {
	// Workers bounds the number of handlers running at once
	Workers int `yaml:"workers" mapstructure:"workers" json:"workers" binding:"gte=0"`

	// DefaultMisfireGracePeriod applies to jobs scheduled without one
	DefaultMisfireGracePeriod time.Duration `yaml:"default_misfire_grace_period" mapstructure:"default_misfire_grace_period" json:"default_misfire_grace_period" binding:"gte=0"`

	// RetryDelay is how long to wait before retrying a fire after the
	// store failed to delete the job's record
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" json:"retry_delay" binding:"gte=0"`

	// OnFailure, if set, is called (from the handler's goroutine) with
	// every HandlerError.
	OnFailure func(ctx context.Context, job Job, err error) `yaml:"-" mapstructure:"-" json:"-"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.DefaultMisfireGracePeriod <= 0 {
		c.DefaultMisfireGracePeriod = DefaultMisfireGracePeriod
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Stats is a point-in-time snapshot of Scheduler counters.
type Stats struct {
	Ready       bool   `json:"ready"`
	Pending     int    `json:"pending"`
	Running     int64  `json:"running"`
	Scheduled   uint64 `json:"scheduled"`
	Cancelled   uint64 `json:"cancelled"`
	Fired       uint64 `json:"fired"`
	Failed      uint64 `json:"failed"`
	Missed      uint64 `json:"missed"`
	Unhandled   uint64 `json:"unhandled"`
	StoreErrors uint64 `json:"store_errors"`
}

type entry struct {
	job   Job
	timer *time.Timer
}

// Scheduler arms an in-process timer for every pending Job in its Store,
// and dispatches the job's Handler when the timer fires.
//
// The lifecycle is: New, Register each kind, Reload, then any number of
// Schedule/Cancel calls, and finally Stop. Reload must complete before
// Schedule and Cancel are accepted.
type Scheduler struct {
	store    Store
	config   Config
	logger   *slog.Logger
	handlers map[Kind]Handler

	// mu guards pending and stopped, and is held across the store write
	// for schedule, cancel and fire, so that a cancel and a fire for the
	// same job have a single outcome
	mu      sync.Mutex
	pending map[string]*entry
	stopped bool
	ready   atomic.Bool

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	scheduled   atomic.Uint64
	cancelled   atomic.Uint64
	fired       atomic.Uint64
	failed      atomic.Uint64
	missed      atomic.Uint64
	unhandled   atomic.Uint64
	storeErrors atomic.Uint64
	running     atomic.Int64
}

func New(store Store, config Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		config:   config,
		logger:   logger,
		handlers: map[Kind]Handler{},
		pending:  map[string]*entry{},
		sem:      semaphore.NewWeighted(int64(config.Workers)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register sets the handler for the given kind. Handlers can only be
// registered before Reload.
func (s *Scheduler) Register(kind Kind, handler Handler) error {
	if kind == "" || handler == nil {
		return fmt.Errorf("kind and handler required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready.Load() {
		return fmt.Errorf("can't register %q after reload", kind)
	}
	if _, exists := s.handlers[kind]; exists {
		return fmt.Errorf("handler already registered for %q", kind)
	}
	s.handlers[kind] = handler
	return nil
}

// Ready reports whether Reload has completed.
func (s *Scheduler) Ready() bool {
	return s.ready.Load()
}

// Reload reads every stored job. Jobs of a kind with no registered
// handler are left in the store unarmed, and counted as unhandled. Jobs
// past their fire time plus misfire grace period are deleted and counted
// as missed, and the rest are armed to fire after max(fire time - now, 0).
// Reload may only be called once, and the armed jobs are returned.
func (s *Scheduler) Reload(ctx context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}
	if s.ready.Load() {
		return nil, errors.New("scheduler already reloaded")
	}

	stored, err := s.store.List(ctx)
	if err != nil {
		s.storeErrors.Add(1)
		return nil, err
	}

	now := time.Now()
	armed := make([]Job, 0, len(stored))
	var errs []error

	for _, job := range stored {
		if _, known := s.handlers[job.Kind]; !known {
			s.unhandled.Add(1)
			s.logger.WarnContext(
				ctx,
				"no handler registered for stored job, leaving it in the store",
				"job", job,
			)
			continue
		}
		if !job.Expired(now) {
			s.arm(job)
			armed = append(armed, job)
			continue
		}
		if _, err := s.store.Delete(ctx, job.ID); err != nil {
			s.storeErrors.Add(1)
			errs = append(errs, err)
			continue
		}
		s.missed.Add(1)
		s.logger.WarnContext(
			ctx,
			"discarding missed job",
			"job", job,
			"late_by", now.Sub(job.FireTime()),
		)
	}

	if len(errs) > 0 {
		for _, e := range s.pending {
			e.timer.Stop()
		}
		clear(s.pending)
		return nil, errors.Join(errs...)
	}

	s.ready.Store(true)
	s.logger.InfoContext(
		ctx,
		"scheduler ready",
		"armed", len(armed),
		"stored", len(stored),
		"unhandled", s.unhandled.Load(),
	)
	return armed, nil
}

// Schedule persists a new job and arms its timer. It returns
// ErrDuplicateID if a job with the same ID is pending, and
// ErrStoreUnavailable (with nothing armed) if the record couldn't be
// written.
func (s *Scheduler) Schedule(ctx context.Context, spec Spec) (Job, error) {
	if !s.ready.Load() {
		return Job{}, ErrNotReady
	}
	job, err := spec.job(s.config.DefaultMisfireGracePeriod)
	if err != nil {
		return Job{}, err
	}
	if _, ok := s.handlers[job.Kind]; !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Job{}, ErrStopped
	}
	if _, exists := s.pending[job.ID]; exists {
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
	}
	if err := s.store.Create(ctx, &job); err != nil {
		if !errors.Is(err, ErrDuplicateID) {
			s.storeErrors.Add(1)
		}
		return Job{}, err
	}
	s.arm(job)
	s.scheduled.Add(1)
	s.logger.InfoContext(ctx, "scheduled job", "job", job)
	return job, nil
}

// Cancel deletes a pending job. It returns ErrNotFound if the job isn't
// pending (it may have already fired). If the store delete fails, the
// job stays armed.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if !s.ready.Load() {
		return ErrNotReady
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	e, ok := s.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, err := s.store.Delete(ctx, id); err != nil {
		s.storeErrors.Add(1)
		return err
	}
	e.timer.Stop()
	delete(s.pending, id)
	s.cancelled.Add(1)
	s.logger.InfoContext(ctx, "cancelled job", "job", e.job)
	return nil
}

// Get returns the pending job with the given ID.
func (s *Scheduler) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.job, nil
}

// Pending returns the pending jobs, ordered by fire time.
func (s *Scheduler) Pending() []Job {
	s.mu.Lock()
	pending := make([]Job, 0, len(s.pending))
	for _, e := range s.pending {
		pending = append(pending, e.job)
	}
	s.mu.Unlock()

	slices.SortFunc(
		pending, func(a, b Job) int {
			if c := cmp.Compare(a.FireAt, b.FireAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		},
	)
	return pending
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	return Stats{
		Ready:       s.ready.Load(),
		Pending:     pending,
		Running:     s.running.Load(),
		Scheduled:   s.scheduled.Load(),
		Cancelled:   s.cancelled.Load(),
		Fired:       s.fired.Load(),
		Failed:      s.failed.Load(),
		Missed:      s.missed.Load(),
		Unhandled:   s.unhandled.Load(),
		StoreErrors: s.storeErrors.Load(),
	}
}

// Stop disarms every timer and waits for running handlers to return,
// or for ctx to be done. Records of pending jobs are left in the store
// for the next Reload. The context passed to handlers is cancelled
// before Stop returns.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for _, e := range s.pending {
		e.timer.Stop()
	}
	disarmed := len(s.pending)
	clear(s.pending)
	s.mu.Unlock()

	defer s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	s.logger.InfoContext(
		ctx,
		"stopping scheduler",
		"disarmed", disarmed,
		"running", s.running.Load(),
	)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopped waiting for running jobs: %w", ctx.Err())
	}
}

// arm must be called with mu held.
func (s *Scheduler) arm(job Job) {
	e := &entry{job: job}
	delay := max(time.Until(job.FireTime()), 0)
	e.timer = time.AfterFunc(delay, func() { s.fire(e) })
	s.pending[job.ID] = e
}

// fire waits for a worker slot, then deletes the job's record and runs
// its handler, unless the job was cancelled (or replaced, or the
// scheduler stopped) since its timer was armed. A job whose record was
// never deleted has not run, and is picked up by the next Reload.
func (s *Scheduler) fire(e *entry) {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.logger.Debug("scheduler stopped before job got a worker", "job", e.job)
		return
	}

	s.mu.Lock()
	if s.stopped || s.pending[e.job.ID] != e {
		s.mu.Unlock()
		s.sem.Release(1)
		return
	}

	deleted, err := s.store.Delete(s.ctx, e.job.ID)
	if err != nil {
		s.storeErrors.Add(1)
		e.timer = time.AfterFunc(s.config.RetryDelay, func() { s.fire(e) })
		s.mu.Unlock()
		s.sem.Release(1)
		s.logger.Error(
			"error deleting job record, retrying",
			tint.Err(err),
			"job", e.job,
			"retry_in", s.config.RetryDelay,
		)
		return
	}
	delete(s.pending, e.job.ID)
	s.wg.Add(1)
	s.mu.Unlock()

	if !deleted {
		s.logger.Warn("job record was already gone", "job", e.job)
	}
	s.dispatch(e.job)
}

// dispatch runs the handler in the worker slot taken by fire.
func (s *Scheduler) dispatch(job Job) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	s.running.Add(1)
	defer s.running.Add(-1)

	start := time.Now()
	s.logger.Info("firing job", "job", job, "late_by", start.Sub(job.FireTime()))

	if err := s.invoke(job); err != nil {
		s.reportFailure(job, err)
		return
	}
	s.fired.Add(1)
	s.logger.Info("job finished", "job", job, "duration", time.Since(start))
}

func (s *Scheduler) invoke(job Job) (err error) {
	handler, ok := s.handlers[job.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(s.ctx, job)
}

func (s *Scheduler) reportFailure(job Job, err error) {
	s.failed.Add(1)
	herr := &HandlerError{Job: job, Err: err}
	s.logger.Error("job failed", tint.Err(herr), "job", job)
	if s.config.OnFailure != nil {
		s.config.OnFailure(s.ctx, job, herr)
	}
}
