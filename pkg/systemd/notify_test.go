package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestStates(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := &Notifier{notify: rec.notify}

	_, _ = n.Ready()
	_, _ = n.Status("3 events armed")
	_, _ = n.Reloading()
	_, _ = n.Stopping()

	require.Len(t, rec.states, 4)
	require.Equal(t, "READY=1", rec.states[0])
	require.Equal(t, "STATUS=3 events armed", rec.states[1])
	require.Equal(t, "RELOADING=1", rec.states[2])
	require.Equal(t, "STOPPING=1", rec.states[3])
}

func TestWatchdogDisabled(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := &Notifier{notify: rec.notify, watchdog: func(bool) (time.Duration, error) { return 0, nil }}
	require.NoError(t, n.Watchdog(context.Background()))
	require.Empty(t, rec.states)

	boom := errors.New("bad WATCHDOG_USEC")
	n.watchdog = func(bool) (time.Duration, error) { return 0, boom }
	require.ErrorIs(t, n.Watchdog(context.Background()), boom)
}

func TestWatchdogPings(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := &Notifier{notify: rec.notify, watchdog: func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watchdog(ctx) }()

	require.Eventually(t, func() bool { return rec.count("WATCHDOG=1") >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
