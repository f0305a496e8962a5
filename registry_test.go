package cronlock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/cronlock/schedule"
)

func boolPtr(b bool) *bool { return &b }

func noopJob(context.Context, time.Time) (any, error) { return nil, nil }

func everySecond() schedule.Schedule {
	return schedule.Interval{Every: 1, Unit: schedule.Seconds}
}

func newTestRegistry(t *testing.T, store Store) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	r := New(Options{
		Store:  store,
		UTC:    true,
		Logger: discardLogger(),
		Clock:  clock,
	})
	t.Cleanup(r.Stop)
	return r, clock
}

func TestRegistryAdd(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects invalid configs", func(t *testing.T) {
		r, _ := newTestRegistry(t, newMemStore())

		err := r.Add(ctx, JobConfig{Schedule: everySecond(), Job: noopJob})
		require.Error(t, err)

		err = r.Add(ctx, JobConfig{Name: "a", Schedule: everySecond()})
		require.ErrorContains(t, err, "no function")

		err = r.Add(ctx, JobConfig{Name: "a", Job: noopJob})
		require.ErrorIs(t, err, ErrInvalidSchedule)

		err = r.Add(ctx, JobConfig{
			Name:     "a",
			Job:      noopJob,
			Schedule: schedule.Interval{Every: 0, Unit: schedule.Seconds},
		})
		require.ErrorIs(t, err, ErrInvalidSchedule)
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		r, _ := newTestRegistry(t, newMemStore())

		cfg := JobConfig{Name: "a", Schedule: everySecond(), Job: noopJob}
		require.NoError(t, r.Add(ctx, cfg))
		require.ErrorIs(t, r.Add(ctx, cfg), ErrJobAlreadyExists)
	})

	t.Run("persist requires a store", func(t *testing.T) {
		r, _ := newTestRegistry(t, nil)

		err := r.Add(ctx, JobConfig{Name: "a", Schedule: everySecond(), Job: noopJob})
		require.ErrorContains(t, err, "no store")

		require.NoError(t, r.Add(ctx, JobConfig{
			Name:     "a",
			Schedule: everySecond(),
			Job:      noopJob,
			Persist:  boolPtr(false),
		}))
	})

	t.Run("late addition on a running instance is scheduled", func(t *testing.T) {
		r, _ := newTestRegistry(t, newMemStore())
		require.NoError(t, r.Start(ctx))

		require.NoError(t, r.Add(ctx, JobConfig{Name: "late", Schedule: everySecond(), Job: noopJob}))
		require.Equal(t, 1, r.Metrics().ScheduledJobCount)
	})
}

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("start schedules and is idempotent", func(t *testing.T) {
		store := newMemStore()
		r, _ := newTestRegistry(t, store)
		require.NoError(t, r.Add(ctx, JobConfig{Name: "a", Schedule: everySecond(), Job: noopJob}))
		require.NoError(t, r.Add(ctx, JobConfig{Name: "b", Schedule: everySecond(), Job: noopJob}))

		require.NoError(t, r.Start(ctx))
		require.NoError(t, r.Start(ctx))
		require.True(t, r.IsRunning())
		require.Equal(t, 2, r.Metrics().ScheduledJobCount)
		require.Equal(t, 1, store.ensureCalls)
	})

	t.Run("store init failure keeps the instance idle and retries", func(t *testing.T) {
		store := newMemStore()
		store.ensureErr = errors.New("locked")
		r, _ := newTestRegistry(t, store)
		require.NoError(t, r.Add(ctx, JobConfig{Name: "a", Schedule: everySecond(), Job: noopJob}))

		require.Error(t, r.Start(ctx))
		require.False(t, r.IsRunning())

		store.ensureErr = nil
		require.NoError(t, r.Start(ctx))
		require.True(t, r.IsRunning())
		require.Equal(t, 2, store.ensureCalls)
	})

	t.Run("ttl below minimum disables expiry", func(t *testing.T) {
		store := newMemStore()
		clock := clockwork.NewFakeClock()
		r := New(Options{
			Store:         store,
			CollectionTTL: 120,
			UTC:           true,
			Logger:        discardLogger(),
			Clock:         clock,
		})
		t.Cleanup(r.Stop)

		require.NoError(t, r.Start(ctx))
		require.Equal(t, 0, store.ensureTTL)
	})

	t.Run("default ttl reaches the store", func(t *testing.T) {
		store := newMemStore()
		r, _ := newTestRegistry(t, store)
		require.NoError(t, r.Start(ctx))
		require.Equal(t, DefaultCollectionTTL, store.ensureTTL)
	})

	t.Run("pause keeps entries, stop drops them", func(t *testing.T) {
		r, _ := newTestRegistry(t, newMemStore())
		require.NoError(t, r.Add(ctx, JobConfig{Name: "a", Schedule: everySecond(), Job: noopJob}))
		require.NoError(t, r.Start(ctx))

		r.Pause()
		require.False(t, r.IsRunning())
		require.Equal(t, []string{"a"}, r.JobNames())
		require.Equal(t, 0, r.Metrics().ScheduledJobCount)

		require.NoError(t, r.Start(ctx))
		require.Equal(t, 1, r.Metrics().ScheduledJobCount)

		r.Stop()
		require.Empty(t, r.JobNames())
	})

	t.Run("per-job pause survives instance pause and restart", func(t *testing.T) {
		r, _ := newTestRegistry(t, newMemStore())
		require.NoError(t, r.Add(ctx, JobConfig{Name: "a", Schedule: everySecond(), Job: noopJob}))
		require.NoError(t, r.Add(ctx, JobConfig{Name: "b", Schedule: everySecond(), Job: noopJob}))
		require.NoError(t, r.Start(ctx))

		require.NoError(t, r.PauseJob("a"))
		require.True(t, r.IsJobPaused("a"))
		require.Equal(t, 1, r.Metrics().ScheduledJobCount)

		r.Pause()
		require.NoError(t, r.Start(ctx))
		require.True(t, r.IsJobPaused("a"))
		require.Equal(t, 1, r.Metrics().ScheduledJobCount)

		require.NoError(t, r.ResumeJob("a"))
		require.False(t, r.IsJobPaused("a"))
		require.Equal(t, 2, r.Metrics().ScheduledJobCount)
	})

	t.Run("resume while idle defers scheduling to start", func(t *testing.T) {
		r, _ := newTestRegistry(t, newMemStore())
		require.NoError(t, r.Add(ctx, JobConfig{Name: "a", Schedule: everySecond(), Job: noopJob}))

		require.NoError(t, r.PauseJob("a"))
		require.NoError(t, r.ResumeJob("a"))
		require.Equal(t, 0, r.Metrics().ScheduledJobCount)

		require.NoError(t, r.Start(ctx))
		require.Equal(t, 1, r.Metrics().ScheduledJobCount)
	})

	t.Run("unknown job names error", func(t *testing.T) {
		r, _ := newTestRegistry(t, newMemStore())
		require.ErrorIs(t, r.Remove("ghost"), ErrJobNotFound)
		require.ErrorIs(t, r.PauseJob("ghost"), ErrJobNotFound)
		require.ErrorIs(t, r.ResumeJob("ghost"), ErrJobNotFound)
		require.False(t, r.IsJobPaused("ghost"))
	})
}

func TestRegistryFiring(t *testing.T) {
	ctx := context.Background()

	t.Run("job fires and records history", func(t *testing.T) {
		store := newMemStore()
		r, clock := newTestRegistry(t, store)

		fired := make(chan time.Time, 4)
		require.NoError(t, r.Add(ctx, JobConfig{
			Name:     "tick",
			Schedule: everySecond(),
			Job: func(_ context.Context, at time.Time) (any, error) {
				fired <- at
				return "ok", nil
			},
		}))
		require.NoError(t, r.Start(ctx))

		clock.BlockUntil(1)
		clock.Advance(time.Second)

		select {
		case at := <-fired:
			require.Zero(t, at.Nanosecond())
		case <-time.After(5 * time.Second):
			t.Fatal("job did not fire")
		}

		require.Eventually(t, func() bool {
			rows := store.all()
			return len(rows) == 1 && rows[0].Completed()
		}, 5*time.Second, 10*time.Millisecond)

		r.Pause()
	})

	t.Run("duplicate firing across instances runs once", func(t *testing.T) {
		store := newMemStore()
		r1, clock1 := newTestRegistry(t, store)
		r2, clock2 := newTestRegistry(t, store)

		var runs atomic.Int32
		cfg := JobConfig{
			Name:     "shared",
			Schedule: everySecond(),
			Job: func(context.Context, time.Time) (any, error) {
				runs.Add(1)
				return nil, nil
			},
		}
		require.NoError(t, r1.Add(ctx, cfg))
		require.NoError(t, r2.Add(ctx, cfg))
		require.NoError(t, r1.Start(ctx))
		require.NoError(t, r2.Start(ctx))

		clock1.BlockUntil(1)
		clock2.BlockUntil(1)
		clock1.Advance(time.Second)
		clock2.Advance(time.Second)

		require.Eventually(t, func() bool {
			return store.count() == 1
		}, 5*time.Second, 10*time.Millisecond)

		r1.Pause()
		r2.Pause()

		// Both clocks started at the same instant, so both instances aimed at
		// the same intended firing; the lease admits exactly one execution.
		require.Eventually(t, func() bool {
			return runs.Load() == 1
		}, 5*time.Second, 10*time.Millisecond)
		require.Equal(t, 1, store.count())
	})

	t.Run("restart while a firing is in flight", func(t *testing.T) {
		store := newMemStore()
		r, clock := newTestRegistry(t, store)

		started := make(chan struct{})
		release := make(chan struct{})
		require.NoError(t, r.Add(ctx, JobConfig{
			Name:     "straggler",
			Schedule: everySecond(),
			Persist:  boolPtr(false),
			Job: func(context.Context, time.Time) (any, error) {
				close(started)
				<-release
				return nil, nil
			},
		}))
		require.NoError(t, r.Start(ctx))

		clock.BlockUntil(1)
		clock.Advance(time.Second)
		<-started

		// The firing begun before Pause finishes after the restart and must
		// balance the same in-flight accounting, not a fresh one.
		r.Pause()
		require.NoError(t, r.Start(ctx))
		require.Equal(t, 1, r.Metrics().RunningJobCount)

		close(release)
		require.Eventually(t, func() bool {
			return r.Metrics().RunningJobCount == 0
		}, 5*time.Second, 10*time.Millisecond)

		drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, r.GracefulShutdown(drainCtx))
	})

	t.Run("graceful shutdown waits for in-flight firings", func(t *testing.T) {
		store := newMemStore()
		r, clock := newTestRegistry(t, store)

		started := make(chan struct{})
		release := make(chan struct{})
		require.NoError(t, r.Add(ctx, JobConfig{
			Name:     "slow",
			Schedule: everySecond(),
			Job: func(context.Context, time.Time) (any, error) {
				close(started)
				<-release
				return nil, nil
			},
		}))
		require.NoError(t, r.Start(ctx))

		clock.BlockUntil(1)
		clock.Advance(time.Second)
		<-started

		done := make(chan error, 1)
		go func() { done <- r.GracefulShutdown(context.Background()) }()

		select {
		case <-done:
			t.Fatal("shutdown returned before the firing finished")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		require.NoError(t, <-done)
		require.False(t, r.IsRunning())
	})

	t.Run("graceful shutdown honors its deadline", func(t *testing.T) {
		store := newMemStore()
		r, clock := newTestRegistry(t, store)

		started := make(chan struct{})
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		require.NoError(t, r.Add(ctx, JobConfig{
			Name:     "stuck",
			Schedule: everySecond(),
			Job: func(context.Context, time.Time) (any, error) {
				close(started)
				<-release
				return nil, nil
			},
		}))
		require.NoError(t, r.Start(ctx))

		clock.BlockUntil(1)
		clock.Advance(time.Second)
		<-started

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, r.GracefulShutdown(shutdownCtx), context.DeadlineExceeded)
	})
}

func TestNextScheduledAt(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, newMemStore())

	require.NoError(t, r.Add(ctx, JobConfig{
		Name:     "daily",
		Schedule: schedule.Daily{At: "10:30"},
		Job:      noopJob,
	}))

	next, ok := r.NextScheduledAt("daily")
	require.True(t, ok)
	want := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	require.True(t, next.Equal(want), "next = %v, want %v", next, want)

	_, ok = r.NextScheduledAt("ghost")
	require.False(t, ok)
}
