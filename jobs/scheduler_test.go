package jobs

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// handlerCounter records every invocation of the handler returned by
// handler()
type handlerCounter struct {
	mu      sync.Mutex
	calls   map[string]int
	firedAt map[string]time.Time
	jobs    map[string]Job
	err     error
}

func newHandlerCounter() *handlerCounter {
	return &handlerCounter{
		calls:   map[string]int{},
		firedAt: map[string]time.Time{},
		jobs:    map[string]Job{},
	}
}

func (h *handlerCounter) handler() Handler {
	return func(_ context.Context, job Job) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.calls[job.ID]++
		h.firedAt[job.ID] = time.Now()
		h.jobs[job.ID] = job
		return h.err
	}
}

func (h *handlerCounter) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[id]
}

func (h *handlerCounter) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		n += c
	}
	return n
}

func (h *handlerCounter) job(id string) Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.jobs[id]
}

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		tint.NewHandler(
			os.Stderr,
			&tint.Options{Level: slog.LevelDebug, AddSource: true},
		),
	).With("test", t.Name())
}

// newTestScheduler returns a Scheduler with a handlerCounter registered
// for KindReminder and KindUntimeout, which hasn't been reloaded yet
func newTestScheduler(
	t testing.TB,
	store Store,
	config Config,
) (*Scheduler, *handlerCounter) {
	t.Helper()
	s := New(store, config, testLogger(t))
	counter := newHandlerCounter()
	require.NoError(t, s.Register(KindReminder, counter.handler()))
	require.NoError(t, s.Register(KindUntimeout, counter.handler()))
	t.Cleanup(
		func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.Stop(ctx)
		},
	)
	return s, counter
}

func readyScheduler(
	t testing.TB,
	store Store,
	config Config,
) (*Scheduler, *handlerCounter) {
	t.Helper()
	s, counter := newTestScheduler(t, store, config)
	_, err := s.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, s.Ready())
	return s, counter
}

func storedIDs(t testing.TB, store Store) []string {
	t.Helper()
	stored, err := store.List(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(stored))
	for _, j := range stored {
		ids = append(ids, j.ID)
	}
	return ids
}

func TestScheduler_ReminderFires(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(gormDB(t))
	s, counter := readyScheduler(t, store, Config{})

	id := NewID(KindReminder, "42")
	scheduledAt := time.Now()
	fireAt := scheduledAt.Add(500 * time.Millisecond)

	job, err := s.Schedule(
		ctx,
		Spec{
			ID:      id,
			Kind:    KindReminder,
			FireAt:  fireAt,
			Payload: map[string]string{"message": "drink water"},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, DefaultMisfireGracePeriod, job.MisfireGracePeriod.Duration)
	assert.Equal(t, []string{id}, storedIDs(t, store))

	pendingJob, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, pendingJob.ID)

	assert.Eventually(
		t,
		func() bool { return counter.count(id) == 1 },
		3*time.Second,
		10*time.Millisecond,
	)

	counter.mu.Lock()
	firedAt := counter.firedAt[id]
	counter.mu.Unlock()
	assert.False(
		t,
		firedAt.Before(time.UnixMilli(fireAt.UnixMilli())),
		"fired at %s, before %s", firedAt, fireAt,
	)

	var payload map[string]string
	require.NoError(t, counter.job(id).DecodePayload(&payload))
	assert.Equal(t, "drink water", payload["message"])

	assert.Empty(t, storedIDs(t, store))
	assert.Empty(t, s.Pending())
	_, err = s.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, counter.count(id))

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Scheduled)
	assert.Equal(t, uint64(1), stats.Fired)
	assert.Equal(t, 0, stats.Pending)
}

func TestScheduler_CancelBeforeFire(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(gormDB(t))
	s, counter := readyScheduler(t, store, Config{})

	id := NewID(KindUntimeout, "7")
	_, err := s.Schedule(
		ctx,
		Spec{
			ID:     id,
			Kind:   KindUntimeout,
			FireAt: time.Now().Add(300 * time.Millisecond),
		},
	)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Cancel(ctx, id))
	assert.Empty(t, storedIDs(t, store))

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 0, counter.count(id))

	err = s.Cancel(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, uint64(1), s.Stats().Cancelled)
}

func TestScheduler_CancelAfterFire(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(gormDB(t))
	s, counter := readyScheduler(t, store, Config{})

	id := NewID(KindReminder, "1")
	_, err := s.Schedule(ctx, Spec{ID: id, Kind: KindReminder, FireAt: time.Now()})
	require.NoError(t, err)

	assert.Eventually(
		t,
		func() bool { return counter.count(id) == 1 },
		time.Second,
		10*time.Millisecond,
	)
	assert.ErrorIs(t, s.Cancel(ctx, id), ErrNotFound)
}

func TestScheduler_SameFireTime(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(gormDB(t))
	s, counter := readyScheduler(t, store, Config{})

	fireAt := time.Now().Add(200 * time.Millisecond)
	first := NewID(KindReminder, "1", "a")
	second := NewID(KindReminder, "1", "b")
	for _, id := range []string{first, second} {
		_, err := s.Schedule(ctx, Spec{ID: id, Kind: KindReminder, FireAt: fireAt})
		require.NoError(t, err)
	}
	assert.Len(t, s.Pending(), 2)

	assert.Eventually(
		t,
		func() bool { return counter.total() == 2 },
		2*time.Second,
		10*time.Millisecond,
	)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, counter.count(first))
	assert.Equal(t, 1, counter.count(second))
	assert.Empty(t, storedIDs(t, store))
}

func TestScheduler_DuplicateID(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(gormDB(t))
	s, _ := readyScheduler(t, store, Config{})

	id := NewID(KindUntimeout, "7")
	fireAt := time.Now().Add(time.Hour)
	_, err := s.Schedule(ctx, Spec{ID: id, Kind: KindUntimeout, FireAt: fireAt})
	require.NoError(t, err)

	_, err = s.Schedule(
		ctx,
		Spec{ID: id, Kind: KindUntimeout, FireAt: fireAt.Add(time.Hour)},
	)
	assert.ErrorIs(t, err, ErrDuplicateID)

	pending, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, fireAt.UnixMilli(), pending.FireAt)

	// replacing is cancel, then schedule
	require.NoError(t, s.Cancel(ctx, id))
	replaced, err := s.Schedule(
		ctx,
		Spec{ID: id, Kind: KindUntimeout, FireAt: fireAt.Add(time.Hour)},
	)
	require.NoError(t, err)
	assert.Equal(t, fireAt.Add(time.Hour).UnixMilli(), replaced.FireAt)
	assert.Equal(t, []string{id}, storedIDs(t, store))
}

func TestScheduler_InvalidSpec(t *testing.T) {
	ctx := context.Background()
	s, _ := readyScheduler(t, NewGormStore(gormDB(t)), Config{})
	fireAt := time.Now().Add(time.Minute)

	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{
			name: "missing id",
			spec: Spec{Kind: KindReminder, FireAt: fireAt},
			want: ErrInvalidJob,
		},
		{
			name: "missing kind",
			spec: Spec{ID: "x", FireAt: fireAt},
			want: ErrInvalidJob,
		},
		{
			name: "missing fire time",
			spec: Spec{ID: "x", Kind: KindReminder},
			want: ErrInvalidJob,
		},
		{
			name: "negative grace",
			spec: Spec{
				ID:                 "x",
				Kind:               KindReminder,
				FireAt:             fireAt,
				MisfireGracePeriod: -time.Second,
			},
			want: ErrInvalidJob,
		},
		{
			name: "unregistered kind",
			spec: Spec{ID: "x", Kind: KindEndGiveaway, FireAt: fireAt},
			want: ErrUnknownKind,
		},
		{
			name: "unencodable payload",
			spec: Spec{
				ID:      "x",
				Kind:    KindReminder,
				FireAt:  fireAt,
				Payload: make(chan int),
			},
			want: ErrInvalidJob,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				_, err := s.Schedule(ctx, tc.spec)
				assert.ErrorIs(t, err, tc.want)
			},
		)
	}
	assert.Empty(t, s.Pending())
}

func TestScheduler_NotReady(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t, NewGormStore(gormDB(t)), Config{})
	assert.False(t, s.Ready())

	_, err := s.Schedule(
		ctx,
		Spec{ID: "x", Kind: KindReminder, FireAt: time.Now()},
	)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, s.Cancel(ctx, "x"), ErrNotReady)

	_, err = s.Reload(ctx)
	require.NoError(t, err)

	_, err = s.Reload(ctx)
	assert.Error(t, err)
	assert.Error(t, s.Register(KindEndGiveaway, func(context.Context, Job) error { return nil }))
}

func TestScheduler_Register(t *testing.T) {
	s := New(NewGormStore(gormDB(t)), Config{}, testLogger(t))
	noop := func(context.Context, Job) error { return nil }

	require.NoError(t, s.Register(KindReminder, noop))
	assert.Error(t, s.Register(KindReminder, noop))
	assert.Error(t, s.Register("", noop))
	assert.Error(t, s.Register(KindUntimeout, nil))
}

func TestScheduler_Reload(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(gormDB(t))
	now := time.Now()

	missed := &Job{
		ID:                 NewID(KindUntimeout, "1"),
		Kind:               KindUntimeout,
		FireAt:             now.Add(-2 * time.Hour).UnixMilli(),
		MisfireGracePeriod: Duration{time.Hour},
		Payload:            Payload("null"),
	}
	late := &Job{
		ID:                 NewID(KindUntimeout, "2"),
		Kind:               KindUntimeout,
		FireAt:             now.Add(-30 * time.Minute).UnixMilli(),
		MisfireGracePeriod: Duration{time.Hour},
		Payload:            Payload("null"),
	}
	future := &Job{
		ID:                 NewID(KindReminder, "3"),
		Kind:               KindReminder,
		FireAt:             now.Add(300 * time.Millisecond).UnixMilli(),
		MisfireGracePeriod: Duration{time.Hour},
		Payload:            Payload(`{"message":"hi"}`),
	}
	distant := &Job{
		ID:                 NewID(KindReminder, "4"),
		Kind:               KindReminder,
		FireAt:             now.Add(24 * time.Hour).UnixMilli(),
		MisfireGracePeriod: Duration{time.Minute},
		Payload:            Payload("null"),
	}
	for _, j := range []*Job{missed, late, future, distant} {
		require.NoError(t, store.Create(ctx, j))
	}

	s, counter := newTestScheduler(t, store, Config{})
	armed, err := s.Reload(ctx)
	require.NoError(t, err)

	armedIDs := make([]string, 0, len(armed))
	for _, j := range armed {
		armedIDs = append(armedIDs, j.ID)
	}
	assert.ElementsMatch(t, []string{late.ID, future.ID, distant.ID}, armedIDs)
	assert.Equal(t, uint64(1), s.Stats().Missed)

	assert.Eventually(
		t,
		func() bool {
			return counter.count(late.ID) == 1 && counter.count(future.ID) == 1
		},
		3*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, 0, counter.count(missed.ID))
	assert.Equal(t, 0, counter.count(distant.ID))
	assert.Equal(t, []string{distant.ID}, storedIDs(t, store))

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, distant.ID, pending[0].ID)
}

func TestScheduler_ReloadStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{
		Store:   NewGormStore(gormDB(t)),
		listErr: fmt.Errorf("%w: %w", ErrStoreUnavailable, errStoreDown),
	}
	s, _ := newTestScheduler(t, store, Config{})

	_, err := s.Reload(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, s.Ready())

	store.listErr = nil
	_, err = s.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, s.Ready())
}

func TestScheduler_ScheduleStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: NewGormStore(gormDB(t))}
	s, counter := readyScheduler(t, store, Config{})

	store.createErr = fmt.Errorf("%w: %w", ErrStoreUnavailable, errStoreDown)
	id := NewID(KindReminder, "1")
	_, err := s.Schedule(ctx, Spec{ID: id, Kind: KindReminder, FireAt: time.Now()})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Empty(t, s.Pending())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, counter.count(id))
	assert.Equal(t, uint64(1), s.Stats().StoreErrors)
}

func TestScheduler_CancelStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: NewGormStore(gormDB(t))}
	s, counter := readyScheduler(t, store, Config{})

	id := NewID(KindUntimeout, "7")
	_, err := s.Schedule(
		ctx,
		Spec{
			ID:     id,
			Kind:   KindUntimeout,
			FireAt: time.Now().Add(300 * time.Millisecond),
		},
	)
	require.NoError(t, err)

	store.setFailDeletes(1)
	err = s.Cancel(ctx, id)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	// the job is still armed
	_, err = s.Get(id)
	require.NoError(t, err)
	assert.Eventually(
		t,
		func() bool { return counter.count(id) == 1 },
		2*time.Second,
		10*time.Millisecond,
	)
	assert.Empty(t, storedIDs(t, store))
}

func TestScheduler_FireRetriesStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: NewGormStore(gormDB(t))}
	s, counter := readyScheduler(
		t,
		store,
		Config{RetryDelay: 100 * time.Millisecond},
	)

	id := NewID(KindReminder, "1")
	store.setFailDeletes(2)
	_, err := s.Schedule(ctx, Spec{ID: id, Kind: KindReminder, FireAt: time.Now()})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, counter.count(id))
	assert.Equal(t, []string{id}, storedIDs(t, store))

	assert.Eventually(
		t,
		func() bool { return counter.count(id) == 1 },
		2*time.Second,
		10*time.Millisecond,
	)
	assert.Empty(t, storedIDs(t, store))
	assert.Equal(t, uint64(2), s.Stats().StoreErrors)
}

func TestScheduler_HandlerFailure(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(gormDB(t))

	var (
		failuresMu sync.Mutex
		failures   []error
	)
	config := Config{
		OnFailure: func(_ context.Context, _ Job, err error) {
			failuresMu.Lock()
			defer failuresMu.Unlock()
			failures = append(failures, err)
		},
	}

	s := New(store, config, testLogger(t))
	handlerErr := errors.New("member not found")
	require.NoError(
		t,
		s.Register(
			KindUntimeout,
			func(context.Context, Job) error { return handlerErr },
		),
	)
	require.NoError(
		t,
		s.Register(
			KindReminder,
			func(context.Context, Job) error { panic("boom") },
		),
	)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	_, err := s.Reload(ctx)
	require.NoError(t, err)

	_, err = s.Schedule(
		ctx,
		Spec{ID: NewID(KindUntimeout, "1"), Kind: KindUntimeout, FireAt: time.Now()},
	)
	require.NoError(t, err)
	_, err = s.Schedule(
		ctx,
		Spec{ID: NewID(KindReminder, "1"), Kind: KindReminder, FireAt: time.Now()},
	)
	require.NoError(t, err)

	assert.Eventually(
		t,
		func() bool {
			failuresMu.Lock()
			defer failuresMu.Unlock()
			return len(failures) == 2
		},
		2*time.Second,
		10*time.Millisecond,
	)

	failuresMu.Lock()
	defer failuresMu.Unlock()
	var sawHandlerErr bool
	for _, e := range failures {
		assert.ErrorIs(t, e, ErrHandlerFailure)
		var herr *HandlerError
		require.ErrorAs(t, e, &herr)
		if errors.Is(e, handlerErr) {
			sawHandlerErr = true
			assert.Equal(t, KindUntimeout, herr.Job.Kind)
		}
	}
	assert.True(t, sawHandlerErr)

	assert.Empty(t, storedIDs(t, store))
	assert.Equal(t, uint64(2), s.Stats().Failed)
	assert.Equal(t, uint64(0), s.Stats().Fired)
}

func TestScheduler_UnknownKindOnReload(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(gormDB(t))
	job := testJob(NewID(KindEndGiveaway, "99"), time.Now())
	job.Kind = KindEndGiveaway
	require.NoError(t, store.Create(ctx, job))

	failed := make(chan error, 1)
	s, counter := newTestScheduler(
		t,
		store,
		Config{
			OnFailure: func(_ context.Context, _ Job, err error) {
				failed <- err
			},
		},
	)
	armed, err := s.Reload(ctx)
	require.NoError(t, err)
	assert.Empty(t, armed)
	assert.Empty(t, s.Pending())
	assert.Equal(t, uint64(1), s.Stats().Unhandled)

	select {
	case err := <-failed:
		t.Fatalf("unexpected failure: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 0, counter.total())

	// kept for a build that handles the kind
	assert.Equal(t, []string{job.ID}, storedIDs(t, store))

	restarted := New(store, Config{}, testLogger(t))
	handled := make(chan Job, 1)
	require.NoError(
		t,
		restarted.Register(
			KindEndGiveaway,
			func(_ context.Context, j Job) error {
				handled <- j
				return nil
			},
		),
	)
	t.Cleanup(func() { _ = restarted.Stop(context.Background()) })
	armed, err = restarted.Reload(ctx)
	require.NoError(t, err)
	require.Len(t, armed, 1)

	select {
	case j := <-handled:
		assert.Equal(t, job.ID, j.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler didn't run after reload")
	}
}

// TestScheduler_StopKeepsQueuedJobs checks that jobs waiting for a
// worker when Stop gives up are still stored, and fire after a reload.
func TestScheduler_StopKeepsQueuedJobs(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(gormDB(t))
	s := New(store, Config{Workers: 1}, testLogger(t))

	var started atomic.Int32
	firstStarted := make(chan string, 3)
	require.NoError(
		t,
		s.Register(
			KindReminder,
			func(ctx context.Context, job Job) error {
				started.Add(1)
				firstStarted <- job.ID
				<-ctx.Done()
				return ctx.Err()
			},
		),
	)
	_, err := s.Reload(ctx)
	require.NoError(t, err)

	ids := []string{
		NewID(KindReminder, "a"),
		NewID(KindReminder, "b"),
		NewID(KindReminder, "c"),
	}
	now := time.Now()
	for _, id := range ids {
		_, err = s.Schedule(ctx, Spec{ID: id, Kind: KindReminder, FireAt: now})
		require.NoError(t, err)
	}

	var runningID string
	select {
	case runningID = <-firstStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("handler didn't start")
	}
	// the other two are queued behind the single worker
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), started.Load())

	stopCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(stopCtx), context.DeadlineExceeded)

	// give the queued timers time to observe the stop
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, uint64(1), s.Stats().Failed)

	var queued []string
	for _, id := range ids {
		if id != runningID {
			queued = append(queued, id)
		}
	}
	assert.ElementsMatch(t, queued, storedIDs(t, store))

	restarted, counter := newTestScheduler(t, store, Config{})
	armed, err := restarted.Reload(ctx)
	require.NoError(t, err)
	assert.Len(t, armed, 2)
	assert.Eventually(
		t,
		func() bool {
			return counter.count(queued[0]) == 1 && counter.count(queued[1]) == 1
		},
		2*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, 0, counter.count(runningID))
	assert.Empty(t, storedIDs(t, store))
}

// TestScheduler_ManyJobsAtNow schedules many jobs due immediately and
// checks each handler runs exactly once.
func TestScheduler_ManyJobsAtNow(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(gormDB(t))
	s, counter := readyScheduler(t, store, Config{Workers: 4})

	const jobCount = 200
	now := time.Now()

	var wg sync.WaitGroup
	errs := make(chan error, jobCount)
	for i := 0; i < jobCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Schedule(
				ctx,
				Spec{
					ID:     NewID(KindReminder, fmt.Sprintf("%d", i)),
					Kind:   KindReminder,
					FireAt: now,
				},
			)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Eventually(
		t,
		func() bool { return counter.total() == jobCount },
		10*time.Second,
		20*time.Millisecond,
	)
	time.Sleep(200 * time.Millisecond)

	for i := 0; i < jobCount; i++ {
		id := NewID(KindReminder, fmt.Sprintf("%d", i))
		assert.Equal(t, 1, counter.count(id), id)
	}
	assert.Empty(t, storedIDs(t, store))
	assert.Equal(t, uint64(jobCount), s.Stats().Fired)
}

// TestScheduler_CancelRacesFire cancels jobs while they're firing. Each
// job must either be cancelled without running, or run exactly once
// with the cancel reporting ErrNotFound.
func TestScheduler_CancelRacesFire(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(gormDB(t))
	s, counter := readyScheduler(t, store, Config{})

	const jobCount = 100
	fireAt := time.Now().Add(20 * time.Millisecond)
	ids := make([]string, jobCount)
	for i := range ids {
		ids[i] = NewID(KindUntimeout, fmt.Sprintf("%d", i))
		_, err := s.Schedule(ctx, Spec{ID: ids[i], Kind: KindUntimeout, FireAt: fireAt})
		require.NoError(t, err)
	}
	time.Sleep(time.Until(fireAt))

	var cancelled sync.Map
	var cancelCount atomic.Int64
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := s.Cancel(ctx, id)
			switch {
			case err == nil:
				cancelled.Store(id, true)
				cancelCount.Add(1)
			case errors.Is(err, ErrNotFound):
			default:
				t.Errorf("unexpected cancel error for %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	assert.Eventually(
		t,
		func() bool {
			return int64(counter.total())+cancelCount.Load() == jobCount
		},
		10*time.Second,
		20*time.Millisecond,
	)
	time.Sleep(100 * time.Millisecond)

	for _, id := range ids {
		_, wasCancelled := cancelled.Load(id)
		if wasCancelled {
			assert.Equal(t, 0, counter.count(id), "cancelled job %s fired", id)
		} else {
			assert.Equal(t, 1, counter.count(id), "job %s", id)
		}
	}
	assert.Empty(t, storedIDs(t, store))
}

func TestScheduler_Stop(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(gormDB(t))
	s := New(store, Config{}, testLogger(t))

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	require.NoError(
		t,
		s.Register(
			KindReminder,
			func(context.Context, Job) error {
				close(started)
				<-release
				finished.Store(true)
				return nil
			},
		),
	)
	require.NoError(
		t,
		s.Register(KindUntimeout, func(context.Context, Job) error { return nil }),
	)
	_, err := s.Reload(ctx)
	require.NoError(t, err)

	running := NewID(KindReminder, "1")
	later := NewID(KindUntimeout, "2")
	_, err = s.Schedule(ctx, Spec{ID: running, Kind: KindReminder, FireAt: time.Now()})
	require.NoError(t, err)
	_, err = s.Schedule(
		ctx,
		Spec{ID: later, Kind: KindUntimeout, FireAt: time.Now().Add(time.Hour)},
	)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler didn't start")
	}

	// Stop gives up waiting when its context is done
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	stopErr := make(chan error, 1)
	go func() { stopErr <- s.Stop(shortCtx) }()

	select {
	case err := <-stopErr:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop didn't return")
	}
	close(release)

	assert.Eventually(t, finished.Load, time.Second, 10*time.Millisecond)

	// the unfired job is kept for the next reload
	assert.Equal(t, []string{later}, storedIDs(t, store))
	assert.Empty(t, s.Pending())

	_, err = s.Schedule(ctx, Spec{ID: "x", Kind: KindReminder, FireAt: time.Now()})
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, s.Cancel(ctx, later), ErrStopped)
	assert.NoError(t, s.Stop(ctx))

	restarted, counter := newTestScheduler(t, store, Config{})
	armed, err := restarted.Reload(ctx)
	require.NoError(t, err)
	require.Len(t, armed, 1)
	assert.Equal(t, later, armed[0].ID)
	assert.Equal(t, 0, counter.total())
}
