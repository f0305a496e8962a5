package timer

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", msg)
	}
}

func TestRecurring_FiresAtComputedInstant(t *testing.T) {
	clock := clockwork.NewFakeClock()
	start := clock.Now()

	fired := make(chan time.Time, 1)
	h := Recurring(
		func(now time.Time) (time.Time, error) { return now.Add(time.Minute), nil },
		func(intendedAt time.Time) { fired <- intendedAt },
		&Options{Clock: clock},
	)
	defer h.Stop()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	select {
	case got := <-fired:
		require.Equal(t, start.Add(time.Minute).Truncate(time.Second), got)
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestRecurring_Reschedules(t *testing.T) {
	clock := clockwork.NewFakeClock()

	var count atomic.Int32
	fired := make(chan struct{}, 16)
	h := Recurring(
		func(now time.Time) (time.Time, error) { return now.Add(time.Second), nil },
		func(time.Time) {
			count.Add(1)
			fired <- struct{}{}
		},
		&Options{Clock: clock},
	)
	defer h.Stop()

	for i := 0; i < 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
		waitFor(t, fired, "tick")
	}
	require.Equal(t, int32(3), count.Load())
}

func TestRecurring_CircuitBreaker(t *testing.T) {
	clock := clockwork.NewFakeClock()

	var errCount atomic.Int32
	broke := make(chan error, 1)
	boom := errors.New("boom")

	h := Recurring(
		func(time.Time) (time.Time, error) { return time.Time{}, boom },
		func(time.Time) { t.Error("must not execute") },
		&Options{
			Clock:          clock,
			OnError:        func(error) { errCount.Add(1) },
			OnCircuitBreak: func(err error) { broke <- err },
		},
	)
	defer h.Stop()

	// Failures 1 and 2 back off 10ms then 20ms; the third trips the breaker.
	clock.BlockUntil(1)
	clock.Advance(10 * time.Millisecond)
	clock.BlockUntil(1)
	clock.Advance(20 * time.Millisecond)

	select {
	case err := <-broke:
		require.ErrorIs(t, err, boom)
		require.ErrorIs(t, err, ErrCircuitOpen)
	case <-time.After(5 * time.Second):
		t.Fatal("circuit breaker did not trip")
	}
	require.Equal(t, int32(3), errCount.Load())
}

func TestRecurring_BackoffIsExponential(t *testing.T) {
	clock := clockwork.NewFakeClock()

	errs := make(chan struct{}, 8)
	h := Recurring(
		func(time.Time) (time.Time, error) { return time.Time{}, errors.New("bad") },
		func(time.Time) {},
		&Options{
			Clock:                  clock,
			MaxConsecutiveFailures: 3,
			OnError:                func(error) { errs <- struct{}{} },
		},
	)
	defer h.Stop()

	waitFor(t, errs, "first failure")

	// Advancing less than the 10ms backoff must not produce a retry.
	clock.BlockUntil(1)
	clock.Advance(9 * time.Millisecond)
	select {
	case <-errs:
		t.Fatal("retried before backoff elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Millisecond)
	waitFor(t, errs, "second failure")
}

func TestRecurring_InvalidInstantsCountAsFailures(t *testing.T) {
	cases := []struct {
		name   string
		nextFn NextFunc
	}{
		{"zero time", func(time.Time) (time.Time, error) { return time.Time{}, nil }},
		{"in the past", func(now time.Time) (time.Time, error) { return now.Add(-time.Minute), nil }},
		{"exactly now", func(now time.Time) (time.Time, error) { return now, nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			broke := make(chan error, 1)

			h := Recurring(tc.nextFn, func(time.Time) { t.Error("must not execute") }, &Options{
				Clock:          clock,
				OnCircuitBreak: func(err error) { broke <- err },
			})
			defer h.Stop()

			clock.BlockUntil(1)
			clock.Advance(10 * time.Millisecond)
			clock.BlockUntil(1)
			clock.Advance(20 * time.Millisecond)

			select {
			case err := <-broke:
				require.Error(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("circuit breaker did not trip")
			}
		})
	}
}

func TestRecurring_ClampsOversizedDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	target := clock.Now().Add(MaxDelay + time.Hour)

	fired := make(chan time.Time, 1)
	scheduled := make(chan time.Time, 4)
	h := Recurring(
		func(time.Time) (time.Time, error) { return target, nil },
		func(intendedAt time.Time) { fired <- intendedAt },
		&Options{
			Clock:      clock,
			OnSchedule: func(next time.Time) { scheduled <- next },
		},
	)
	defer h.Stop()

	// First leg is clamped: no scheduling callback, no execution.
	clock.BlockUntil(1)
	select {
	case <-scheduled:
		t.Fatal("clamped leg must not report successful scheduling")
	default:
	}

	clock.Advance(MaxDelay)

	// Remaining hour fits on one timer.
	select {
	case next := <-scheduled:
		require.Equal(t, target, next)
	case <-time.After(5 * time.Second):
		t.Fatal("no schedule after clamp")
	}

	select {
	case <-fired:
		t.Fatal("executed before the remaining delay elapsed")
	default:
	}

	clock.BlockUntil(1)
	clock.Advance(time.Hour)

	select {
	case got := <-fired:
		require.Equal(t, target.Truncate(time.Second), got)
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire after clamped legs")
	}
}

func TestRecurring_SuccessResetsFailureCount(t *testing.T) {
	clock := clockwork.NewFakeClock()

	var fail atomic.Bool
	fail.Store(true)
	fired := make(chan struct{}, 8)
	errs := make(chan struct{}, 8)
	broke := make(chan struct{}, 1)

	h := Recurring(
		func(now time.Time) (time.Time, error) {
			if fail.Load() {
				return time.Time{}, errors.New("transient")
			}
			return now.Add(time.Second), nil
		},
		func(time.Time) { fired <- struct{}{} },
		&Options{
			Clock:          clock,
			OnError:        func(error) { errs <- struct{}{} },
			OnCircuitBreak: func(error) { broke <- struct{}{} },
		},
	)
	defer h.Stop()

	// Two failures, then recovery before the third.
	waitFor(t, errs, "first failure")
	clock.BlockUntil(1)
	clock.Advance(10 * time.Millisecond)
	waitFor(t, errs, "second failure")
	fail.Store(false)
	clock.BlockUntil(1)
	clock.Advance(20 * time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	waitFor(t, fired, "recovered tick")

	// The counter was reset: two more failures stay under the limit.
	fail.Store(true)
	waitFor(t, errs, "post-recovery failure")
	select {
	case <-broke:
		t.Fatal("circuit breaker tripped after counter reset")
	default:
	}
}

func TestRecurring_StopIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := Recurring(
		func(now time.Time) (time.Time, error) { return now.Add(time.Hour), nil },
		func(time.Time) { t.Error("must not execute after stop") },
		&Options{Clock: clock},
	)

	clock.BlockUntil(1)
	h.Stop()
	h.Stop()

	clock.Advance(2 * time.Hour)
	time.Sleep(50 * time.Millisecond)
}

func TestOnce(t *testing.T) {
	t.Run("fires after delay", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		fired := make(chan struct{}, 1)

		h, err := Once(time.Minute, func() { fired <- struct{}{} }, &Options{Clock: clock})
		require.NoError(t, err)
		defer h.Stop()

		clock.BlockUntil(1)
		clock.Advance(time.Minute)
		waitFor(t, fired, "once fire")
	})

	t.Run("rejects out of range delays", func(t *testing.T) {
		_, err := Once(-time.Second, func() {}, nil)
		require.Error(t, err)

		_, err = Once(MaxDelay+time.Millisecond, func() {}, nil)
		require.Error(t, err)
	})

	t.Run("stop cancels", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		h, err := Once(time.Minute, func() { t.Error("must not fire") }, &Options{Clock: clock})
		require.NoError(t, err)

		clock.BlockUntil(1)
		h.Stop()
		clock.Advance(time.Hour)
		time.Sleep(50 * time.Millisecond)
	})

	t.Run("recovers panics", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		h, err := Once(0, func() { panic("boom") }, &Options{Clock: clock})
		require.NoError(t, err)
		defer h.Stop()
		time.Sleep(50 * time.Millisecond)
	})
}
