package scheduler

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultMaxSleep caps a single wait so wall clock jumps are noticed.
const DefaultMaxSleep = 60 * time.Second

// Pending describes an armed timer.
type Pending struct {
	ID     int64     `json:"id"`
	FireAt time.Time `json:"fire_at"`
}

type armed struct {
	id    int64
	at    time.Time
	fn    func()
	seq   uint64
	index int
}

// timerHeap is a min-heap on fire time; equal times keep arming order.
type timerHeap []*armed

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	a := x.(*armed)
	a.index = len(*h)
	*h = append(*h, a)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	a.index = -1
	*h = old[:n-1]
	return a
}

// Timers is the in-memory timer engine. One loop goroutine pops due entries
// and launches their callbacks; callbacks of different ids may overlap.
type Timers struct {
	clock    clockwork.Clock
	maxSleep time.Duration

	mu         sync.Mutex
	h          timerHeap
	byID       map[int64]*armed
	seq        uint64
	sleepUntil time.Time

	wake     chan struct{}
	inflight sync.WaitGroup

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTimers(clock clockwork.Clock, maxSleep time.Duration) *Timers {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxSleep <= 0 {
		maxSleep = DefaultMaxSleep
	}
	return &Timers{
		clock:    clock,
		maxSleep: maxSleep,
		byID:     map[int64]*armed{},
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the loop. It is a no-op if already running.
func (t *Timers) Start(ctx context.Context) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.done != nil {
		return
	}
	lctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(lctx, t.done)
}

// Stop ends the loop and waits for launched callbacks, bounded by ctx.
// Armed entries stay in memory; their rows remain in the store.
func (t *Timers) Stop(ctx context.Context) error {
	t.runMu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	idle := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Arm registers fn to run at at. Re-arming an id replaces its entry.
func (t *Timers) Arm(id int64, at time.Time, fn func()) {
	t.mu.Lock()
	t.seq++
	if a, ok := t.byID[id]; ok {
		a.at, a.fn, a.seq = at, fn, t.seq
		heap.Fix(&t.h, a.index)
	} else {
		a := &armed{id: id, at: at, fn: fn, seq: t.seq}
		heap.Push(&t.h, a)
		t.byID[id] = a
	}
	t.mu.Unlock()
	t.poke()
}

// Cancel removes a pending timer. It returns ErrNotArmed if id already
// fired or was never armed.
func (t *Timers) Cancel(id int64) error {
	t.mu.Lock()
	a, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return ErrNotArmed
	}
	heap.Remove(&t.h, a.index)
	delete(t.byID, id)
	t.mu.Unlock()
	t.poke()
	return nil
}

// Forget drops bookkeeping for id without reporting whether it existed.
func (t *Timers) Forget(id int64) {
	_ = t.Cancel(id)
}

func (t *Timers) Armed(id int64) bool {
	t.mu.Lock()
	_, ok := t.byID[id]
	t.mu.Unlock()
	return ok
}

func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.h)
}

// Pending returns armed timers ordered by fire time.
func (t *Timers) Pending() []Pending {
	t.mu.Lock()
	out := make([]Pending, 0, len(t.h))
	for _, a := range t.h {
		out = append(out, Pending{ID: a.id, FireAt: a.at})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

func (t *Timers) poke() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// sleepingUntil reports the deadline the loop is currently waiting for.
func (t *Timers) sleepingUntil() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sleepUntil
}

func (t *Timers) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		t.mu.Lock()
		now := t.clock.Now()
		var due []*armed
		for len(t.h) > 0 && !t.h[0].at.After(now) {
			a := heap.Pop(&t.h).(*armed)
			delete(t.byID, a.id)
			due = append(due, a)
		}
		wait := t.maxSleep
		if len(t.h) > 0 {
			if d := t.h[0].at.Sub(now); d < wait {
				wait = d
			}
		}
		t.mu.Unlock()

		for _, a := range due {
			t.launch(a.fn)
		}

		timer := t.clock.NewTimer(wait)
		t.mu.Lock()
		t.sleepUntil = now.Add(wait)
		// The clock may have moved past the head while the timer was created.
		late := len(t.h) > 0 && !t.h[0].at.After(t.clock.Now())
		t.mu.Unlock()
		if late {
			timer.Stop()
			continue
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.wake:
			timer.Stop()
		case <-timer.Chan():
		}
	}
}

func (t *Timers) launch(fn func()) {
	if fn == nil {
		return
	}
	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		fn()
	}()
}
