package scheduler

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func waitSleeping(t *testing.T, tm *Timers, want time.Time) {
	t.Helper()
	require.Eventually(t, func() bool { return tm.sleepingUntil().Equal(want) },
		2*time.Second, time.Millisecond, "loop never slept until %s", want)
}

func recv(t *testing.T, ch <-chan int64) int64 {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
		return 0
	}
}

func TestTimersFireInTimeOrder(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(t0)
	tm := NewTimers(clock, time.Minute)
	fired := make(chan int64, 3)
	for _, id := range []int64{3, 1, 2} {
		id := id
		tm.Arm(id, t0.Add(time.Duration(id)*time.Second), func() { fired <- id })
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm.Start(ctx)

	for want := int64(1); want <= 3; want++ {
		waitSleeping(t, tm, t0.Add(time.Duration(want)*time.Second))
		clock.Advance(time.Second)
		require.Equal(t, want, recv(t, fired))
	}
	require.Zero(t, tm.Len())
	require.NoError(t, tm.Stop(context.Background()))
}

func TestTimersCancel(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(t0)
	tm := NewTimers(clock, time.Minute)
	fired := make(chan int64, 2)
	tm.Arm(1, t0.Add(5*time.Second), func() { fired <- 1 })
	tm.Arm(2, t0.Add(10*time.Second), func() { fired <- 2 })

	require.NoError(t, tm.Cancel(1))
	require.True(t, errors.Is(tm.Cancel(1), ErrNotArmed))
	require.False(t, tm.Armed(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm.Start(ctx)
	waitSleeping(t, tm, t0.Add(10*time.Second))
	clock.Advance(10 * time.Second)
	require.Equal(t, int64(2), recv(t, fired))
	select {
	case id := <-fired:
		t.Fatalf("cancelled timer %d fired", id)
	default:
	}
	require.NoError(t, tm.Stop(context.Background()))
}

func TestTimersRearmReplaces(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(t0)
	tm := NewTimers(clock, time.Minute)
	tm.Arm(7, t0.Add(30*time.Second), func() {})
	tm.Arm(7, t0.Add(5*time.Second), func() {})

	p := tm.Pending()
	require.Len(t, p, 1)
	require.Equal(t, t0.Add(5*time.Second), p[0].FireAt)
}

func TestTimersCapSleep(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(t0)
	tm := NewTimers(clock, 10*time.Second)
	fired := make(chan int64, 1)
	tm.Arm(1, t0.Add(25*time.Second), func() { fired <- 1 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm.Start(ctx)

	waitSleeping(t, tm, t0.Add(10*time.Second))
	clock.Advance(10 * time.Second)
	waitSleeping(t, tm, t0.Add(20*time.Second))
	clock.Advance(10 * time.Second)
	waitSleeping(t, tm, t0.Add(25*time.Second))
	clock.Advance(5 * time.Second)
	require.Equal(t, int64(1), recv(t, fired))
	require.NoError(t, tm.Stop(context.Background()))
}

func TestTimersStopWaitsForCallbacks(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(t0)
	tm := NewTimers(clock, time.Minute)
	started := make(chan int64, 1)
	release := make(chan struct{})
	tm.Arm(1, t0, func() {
		started <- 1
		<-release
	})
	tm.Start(context.Background())
	recv(t, started)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tm.Stop(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, tm.Stop(context.Background()))
}

func TestProperty_PendingSortedByFireTime(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("pending timers come back ordered by fire time", prop.ForAll(
		func(offsets []int64) bool {
			tm := NewTimers(clockwork.NewFakeClockAt(t0), 0)
			for i, off := range offsets {
				tm.Arm(int64(i+1), t0.Add(time.Duration(off)*time.Second), nil)
			}
			p := tm.Pending()
			if len(p) != len(offsets) {
				return false
			}
			return sort.SliceIsSorted(p, func(i, j int) bool {
				if p[i].FireAt.Equal(p[j].FireAt) {
					return p[i].ID < p[j].ID
				}
				return p[i].FireAt.Before(p[j].FireAt)
			})
		},
		gen.SliceOf(gen.Int64Range(-3600, 86400)),
	))

	properties.TestingRun(t)
}
