package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"melutils/internal/eventbus"
	"melutils/internal/platform"
)

type memStore struct {
	mu      sync.Mutex
	next    int64
	rows    map[int64]Record
	inserts int
}

func newMemStore() *memStore { return &memStore{rows: map[int64]Record{}} }

func (m *memStore) InsertEvent(_ context.Context, at time.Time, kind string, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.inserts++
	m.rows[m.next] = Record{ID: m.next, FireAt: at, Kind: kind, Data: append([]byte(nil), data...)}
	return m.next, nil
}

func (m *memStore) DeleteEvent(_ context.Context, id int64) error {
	m.mu.Lock()
	delete(m.rows, id)
	m.mu.Unlock()
	return nil
}

func (m *memStore) ScanEvents(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	return out, nil
}

// failingDelete refuses every delete.
type failingDelete struct{ *memStore }

func (failingDelete) DeleteEvent(context.Context, int64) error { return errors.New("disk I/O error") }

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// recorder collects handled events.
type recorder struct {
	ch chan Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan Event, 16)} }

func (r *recorder) Handle(_ context.Context, _ Scheduler, ev Event) error {
	r.ch <- ev
	return nil
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event handled")
		return nil
	}
}

func newTestService(t *testing.T, store EventStore, h Handler, opts ...Option) (*Service, clockwork.FakeClock) {
	t.Helper()
	return newTestServiceWith(t, Config{}, store, h, opts...)
}

func newTestServiceWith(t *testing.T, cfg Config, store EventStore, h Handler, opts ...Option) (*Service, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	opts = append([]Option{WithClock(clock)}, opts...)
	s := New(cfg, store, h, opts...)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, clock
}

func TestScheduleFiresAtInstant(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	rec := newRecorder()
	bus := eventbus.New()
	done, unsub := bus.Subscribe(TopicDone, 4)
	defer unsub()

	s, clock := newTestService(t, store, rec, WithBus(bus))
	require.NoError(t, s.Start(context.Background()))

	at := t0.Add(10 * time.Second)
	id, err := s.Schedule(context.Background(), at, Message{Channel: 42, Message: "hi"})
	require.NoError(t, err)
	require.NotZero(t, id)
	require.Equal(t, 1, store.len())

	waitSleeping(t, s.timers, at)
	clock.Advance(10 * time.Second)

	require.Equal(t, Message{Channel: 42, Message: "hi"}, rec.next(t))
	require.Zero(t, store.len())
	select {
	case e := <-done:
		require.Equal(t, id, e.Data.(Info).ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no done event published")
	}
}

func TestScheduleInPastRunsImmediately(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	rec := newRecorder()
	s, _ := newTestService(t, store, rec)

	for _, at := range []time.Time{t0, t0.Add(-time.Hour)} {
		id, err := s.Schedule(context.Background(), at, Debug{})
		require.NoError(t, err)
		require.Zero(t, id)
		require.Equal(t, Debug{}, rec.next(t))
	}
	require.Zero(t, store.inserts)
}

func TestScheduleRejectsZeroTime(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, newMemStore(), newRecorder())
	_, err := s.Schedule(context.Background(), time.Time{}, Debug{})
	require.ErrorIs(t, err, ErrInvalidTime)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	rec := newRecorder()
	s, clock := newTestService(t, store, rec)
	require.NoError(t, s.Start(context.Background()))

	at := t0.Add(5 * time.Second)
	id, err := s.Schedule(context.Background(), at, Unban{Guild: 1, Member: 2})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(context.Background(), id))
	require.Zero(t, store.len())

	err = s.Cancel(context.Background(), id)
	require.True(t, errors.Is(err, ErrNotFound), "second cancel: %v", err)

	clock.Advance(time.Minute)
	select {
	case ev := <-rec.ch:
		t.Fatalf("cancelled event ran: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	require.EqualValues(t, 1, s.Snapshot().Cancelled)
}

func TestStartRecoversStoredEvents(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	_, data, err := Encode(Unmute{Guild: 1, Member: 9})
	require.NoError(t, err)
	pastID, _ := store.InsertEvent(context.Background(), t0.Add(-time.Hour), KindUnmute, data)
	futureID, _ := store.InsertEvent(context.Background(), t0.Add(time.Hour), KindDebug, nil)

	rec := newRecorder()
	s, _ := newTestService(t, store, rec)
	require.NoError(t, s.Start(context.Background()))

	// Missed rows run before Start returns.
	select {
	case ev := <-rec.ch:
		require.Equal(t, Unmute{Guild: 1, Member: 9}, ev)
	default:
		t.Fatal("missed event did not run during start")
	}
	recs, err := s.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, futureID, recs[0].ID)
	require.False(t, s.timers.Armed(pastID))
	require.True(t, s.timers.Armed(futureID))
}

func TestRunSurvivesPanicsAndBadPayloads(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	h := HandlerFunc(func(context.Context, Scheduler, Event) error { panic("boom") })
	s, _ := newTestService(t, store, h)

	id, _ := store.InsertEvent(context.Background(), t0.Add(time.Hour), "bogus", []byte(`{}`))
	s.Run(context.Background(), id, "bogus", []byte(`{}`))
	require.Zero(t, store.len(), "row must be deleted even when decode fails")

	s.Run(context.Background(), 0, KindDebug, nil)
	s.Run(context.Background(), 0, KindMessage, []byte(`{"channel":`))

	snap := s.Snapshot()
	require.EqualValues(t, 3, snap.Fired)
	require.EqualValues(t, 3, snap.Failed)
	require.Zero(t, snap.Running)
}

func TestRunSkipsHandlerWhenDeleteFails(t *testing.T) {
	t.Parallel()
	store := failingDelete{newMemStore()}
	rec := newRecorder()
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(TopicFailed, 4)
	defer unsub()
	s, _ := newTestService(t, store, rec, WithBus(bus))

	id, _ := store.InsertEvent(context.Background(), t0.Add(-time.Minute), KindDebug, nil)
	s.Run(context.Background(), id, KindDebug, nil)

	select {
	case ev := <-rec.ch:
		t.Fatalf("handler ran although the row survived: %#v", ev)
	default:
	}
	require.Equal(t, 1, store.len())
	snap := s.Snapshot()
	require.EqualValues(t, 1, snap.Fired)
	require.EqualValues(t, 1, snap.Failed)
	select {
	case e := <-failed:
		require.Equal(t, id, e.Data.(Info).ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no failed event published")
	}
}

func TestStartTwiceAndRestart(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	id, _ := store.InsertEvent(context.Background(), t0.Add(time.Hour), KindDebug, nil)
	s, _ := newTestService(t, store, newRecorder())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, 1, s.timers.Len())

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.timers.Armed(id))
	require.Equal(t, 1, s.timers.Len())
}

// slotBusy runs two events due at the same instant with one run slot. The
// first handler blocks until release is closed.
type slotBusy struct {
	s       *Service
	store   *memStore
	started chan string
	release chan struct{}
	ids     map[string]int64
}

func newSlotBusy(t *testing.T) *slotBusy {
	t.Helper()
	b := &slotBusy{
		store:   newMemStore(),
		started: make(chan string, 4),
		release: make(chan struct{}),
		ids:     map[string]int64{},
	}
	var once sync.Once
	h := HandlerFunc(func(_ context.Context, _ Scheduler, ev Event) error {
		b.started <- ev.(Message).Message
		once.Do(func() { <-b.release })
		return nil
	})
	cfg := Config{MaxConcurrent: 1, RunTimeout: 50 * time.Millisecond}
	s, clock := newTestServiceWith(t, cfg, b.store, h)
	b.s = s
	t.Cleanup(func() {
		select {
		case <-b.release:
		default:
			close(b.release)
		}
	})
	require.NoError(t, s.Start(context.Background()))

	at := t0.Add(10 * time.Second)
	for _, name := range []string{"a", "b"} {
		id, err := s.Schedule(context.Background(), at, Message{Channel: 1, Message: name})
		require.NoError(t, err)
		b.ids[name] = id
	}
	waitSleeping(t, s.timers, at)
	clock.Advance(10 * time.Second)
	return b
}

// running returns the name of the handler holding the slot and the id of the
// event queued behind it.
func (b *slotBusy) running(t *testing.T) (string, int64) {
	t.Helper()
	var first string
	select {
	case first = <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatal("no handler started")
	}
	require.Eventually(t, func() bool { return b.s.Queued() == 1 }, 2*time.Second, time.Millisecond)
	if first == "a" {
		return first, b.ids["b"]
	}
	return first, b.ids["a"]
}

func TestFiredEventsQueueForRunSlot(t *testing.T) {
	t.Parallel()
	b := newSlotBusy(t)
	first, queued := b.running(t)

	// Waiting for the slot outlasts RunTimeout; the queued row must survive.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, b.s.Queued())
	require.Equal(t, 1, b.store.len())

	close(b.release)
	select {
	case second := <-b.started:
		require.NotEqual(t, first, second)
	case <-time.After(2 * time.Second):
		t.Fatalf("queued event %d never ran", queued)
	}
	require.Eventually(t, func() bool { return b.store.len() == 0 }, 2*time.Second, time.Millisecond)
	require.Zero(t, b.s.Snapshot().Failed)
}

func TestCancelWhileWaitingForRunSlot(t *testing.T) {
	t.Parallel()
	b := newSlotBusy(t)
	_, queued := b.running(t)

	require.NoError(t, b.s.Cancel(context.Background(), queued))
	require.Zero(t, b.store.len())
	require.ErrorIs(t, b.s.Cancel(context.Background(), queued), ErrNotFound)

	close(b.release)
	require.Eventually(t, func() bool { return b.s.Queued() == 0 }, 2*time.Second, time.Millisecond)
	select {
	case name := <-b.started:
		t.Fatalf("cancelled event %q ran", name)
	case <-time.After(50 * time.Millisecond):
	}
	require.EqualValues(t, 1, b.s.Snapshot().Cancelled)
}

func TestStopLeavesQueuedRowsForRecovery(t *testing.T) {
	t.Parallel()
	b := newSlotBusy(t)
	_, queued := b.running(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.s.Stop(ctx), context.DeadlineExceeded)
	require.Eventually(t, func() bool { return b.s.Queued() == 0 }, 2*time.Second, time.Millisecond)

	recs, err := b.store.ScanEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, queued, recs[0].ID)
}

func TestHandlerCanScheduleFollowUp(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	followUp := make(chan int64, 1)
	h := HandlerFunc(func(ctx context.Context, sched Scheduler, ev Event) error {
		if _, ok := ev.(Debug); !ok {
			return nil
		}
		id, err := sched.Schedule(ctx, t0.Add(time.Hour), Unban{Guild: platform.ID(1), Member: platform.ID(2)})
		followUp <- id
		return err
	})
	s, _ := newTestService(t, store, h)
	require.NoError(t, s.Start(context.Background()))

	_, err := s.Schedule(context.Background(), t0, Debug{})
	require.NoError(t, err)
	id := <-followUp
	require.NotZero(t, id)
	require.True(t, s.timers.Armed(id))
	require.Equal(t, 1, store.len())
}
