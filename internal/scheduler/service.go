package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"melutils/internal/eventbus"
	logx "melutils/pkg/logx"
)

// Bus topics published by the scheduler.
const (
	TopicScheduled = "scheduler.scheduled"
	TopicFired     = "scheduler.fired"
	TopicDone      = "scheduler.done"
	TopicFailed    = "scheduler.failed"
	TopicCancelled = "scheduler.cancelled"
)

// Info is the payload of scheduler bus events.
type Info struct {
	ID     int64     `json:"id"`
	Kind   string    `json:"kind"`
	FireAt time.Time `json:"fire_at,omitempty"`
	Err    string    `json:"err,omitempty"`
}

// Scheduler is the capability handed to handlers and command consumers.
type Scheduler interface {
	Schedule(ctx context.Context, at time.Time, ev Event) (int64, error)
	Cancel(ctx context.Context, id int64) error
}

// Handler executes a decoded event. It may schedule follow-up events.
type Handler interface {
	Handle(ctx context.Context, sched Scheduler, ev Event) error
}

type HandlerFunc func(ctx context.Context, sched Scheduler, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, sched Scheduler, ev Event) error {
	return f(ctx, sched, ev)
}

type Config struct {
	// MaxSleep caps one engine wait (default 60s).
	MaxSleep time.Duration
	// MaxConcurrent bounds handlers running at once (default 16).
	MaxConcurrent int64
	// RunTimeout bounds one timer-fired handler run (default 2m).
	RunTimeout time.Duration
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }
func WithLogger(l logx.Logger) Option    { return func(s *Service) { s.log = l } }
func WithBus(b eventbus.Bus) Option      { return func(s *Service) { s.bus = b } }

// Service persists, arms and dispatches deferred events.
type Service struct {
	cfg     Config
	store   EventStore
	handler Handler
	clock   clockwork.Clock
	log     logx.Logger
	bus     eventbus.Bus
	timers  *Timers
	sem     *semaphore.Weighted

	mu       sync.Mutex
	started  bool
	base     context.Context // parent of timer-fired runs
	waitCtx  context.Context // cancelled by Stop to release slot waiters
	stopWait context.CancelFunc
	queued   map[int64]bool // fired ids waiting for a slot; true once cancelled

	scheduled atomic.Uint64
	fired     atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	running   atomic.Int64
}

func New(cfg Config, store EventStore, handler Handler, opts ...Option) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}
	s := &Service{cfg: cfg, store: store, handler: handler, queued: map[int64]bool{}}
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop{}
	}
	s.timers = NewTimers(s.clock, cfg.MaxSleep)
	s.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	s.base, s.waitCtx, s.stopWait = context.Background(), context.Background(), func() {}
	return s
}

// Start runs the engine loop, then reconciles durable state: rows already due
// run now (in fire time order, synchronously), the rest are armed. Start on a
// running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	waitCtx, stopWait := context.WithCancel(base)
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		stopWait()
		return nil
	}
	s.started = true
	s.base, s.waitCtx, s.stopWait = base, waitCtx, stopWait
	s.mu.Unlock()
	s.timers.Start(ctx)

	recs, err := s.store.ScanEvents(ctx)
	if err != nil {
		return fmt.Errorf("scan events: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FireAt.Before(recs[j].FireAt) })

	now := s.clock.Now()
	missed, armed := 0, 0
	for _, r := range recs {
		if !r.FireAt.After(now) {
			s.log.Debug("running missed event", logx.Int64("id", r.ID), logx.String("kind", r.Kind))
			s.Run(ctx, r.ID, r.Kind, r.Data)
			missed++
			continue
		}
		s.log.Debug("arming stored event", logx.Int64("id", r.ID), logx.String("kind", r.Kind), logx.Time("at", r.FireAt))
		s.arm(r)
		armed++
	}
	s.log.Info("scheduler started", logx.Int("missed", missed), logx.Int("armed", armed))
	return nil
}

// Stop halts the engine and waits for running handlers (bounded by ctx).
// Pending rows, including fired ones still waiting for a slot, stay in the
// store for the next Start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopWait()
	s.started = false
	s.mu.Unlock()
	err := s.timers.Stop(ctx)
	s.log.Info("scheduler stopped", logx.Int("armed", s.timers.Len()), logx.Err(err))
	return err
}

// Schedule persists ev for at and arms it. Instants at or before now run
// immediately without touching the store; the returned id is then 0.
func (s *Service) Schedule(ctx context.Context, at time.Time, ev Event) (int64, error) {
	if at.IsZero() {
		return 0, ErrInvalidTime
	}
	at = at.UTC()
	kind, data, err := Encode(ev)
	if err != nil {
		return 0, err
	}

	if !at.After(s.clock.Now()) {
		s.log.Debug("running event now", logx.String("kind", kind))
		s.Run(ctx, 0, kind, data)
		return 0, nil
	}

	id, err := s.store.InsertEvent(ctx, at, kind, data)
	if err != nil {
		return 0, fmt.Errorf("schedule %s: %w", kind, err)
	}
	s.arm(Record{ID: id, FireAt: at, Kind: kind, Data: data})
	s.scheduled.Add(1)
	s.publish(TopicScheduled, Info{ID: id, Kind: kind, FireAt: at})
	s.log.Debug("scheduled event", logx.Int64("id", id), logx.String("kind", kind), logx.Time("at", at))
	return id, nil
}

// Cancel drops a pending event from memory and the store. An event that
// fired but still waits for a run slot is cancelled too. Ids that are running,
// already ran or were never armed yield ErrNotFound.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	if err := s.timers.Cancel(id); err != nil && !s.cancelQueued(id) {
		return fmt.Errorf("cancel %d: %w", id, ErrNotFound)
	}
	if err := s.store.DeleteEvent(ctx, id); err != nil {
		return fmt.Errorf("cancel %d: delete row: %w", id, err)
	}
	s.cancelled.Add(1)
	s.publish(TopicCancelled, Info{ID: id})
	s.log.Debug("cancelled event", logx.Int64("id", id))
	return nil
}

// Pending lists persisted events ordered by fire time.
func (s *Service) Pending(ctx context.Context) ([]Record, error) {
	recs, err := s.store.ScanEvents(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].FireAt.Equal(recs[j].FireAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].FireAt.Before(recs[j].FireAt)
	})
	return recs, nil
}

// Run executes one event. The row (if any) is deleted before the handler
// runs, so a crash mid-handler never replays it; if the delete fails the
// handler is skipped and the row runs again at the next Start. Failures end
// here.
func (s *Service) Run(ctx context.Context, id int64, kind string, data []byte) {
	log := s.log.With(logx.Int64("id", id), logx.String("kind", kind))
	s.fired.Add(1)
	s.running.Add(1)
	defer s.running.Add(-1)
	s.publish(TopicFired, Info{ID: id, Kind: kind})

	if id != 0 {
		s.timers.Forget(id)
		if err := s.store.DeleteEvent(ctx, id); err != nil {
			s.failed.Add(1)
			log.Error("delete before run failed, skipping", logx.Err(err))
			s.publish(TopicFailed, Info{ID: id, Kind: kind, Err: err.Error()})
			return
		}
	}

	start := s.clock.Now()
	err, stack := s.dispatch(ctx, kind, data)
	if err != nil {
		s.failed.Add(1)
		log.Error("event failed", logx.Err(err), logx.Stack(stack))
		s.publish(TopicFailed, Info{ID: id, Kind: kind, Err: err.Error()})
		return
	}
	log.Debug("event done", logx.Duration("took", s.clock.Since(start)))
	s.publish(TopicDone, Info{ID: id, Kind: kind})
}

func (s *Service) dispatch(ctx context.Context, kind string, data []byte) (err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			stack = string(debug.Stack())
		}
	}()
	ev, err := Decode(kind, data)
	if err != nil {
		return err, ""
	}
	if s.handler == nil {
		return errors.New("no handler installed"), ""
	}
	return s.handler.Handle(ctx, s, ev), ""
}

func (s *Service) arm(r Record) {
	id, kind, data := r.ID, r.Kind, r.Data
	s.timers.Arm(id, r.FireAt, func() { s.fire(id, kind, data) })
}

// fire waits for a run slot without a deadline; RunTimeout starts once the
// slot is held. Only Stop gives up the wait, leaving the row for recovery.
func (s *Service) fire(id int64, kind string, data []byte) {
	s.mu.Lock()
	base, waitCtx := s.base, s.waitCtx
	s.queued[id] = false
	s.mu.Unlock()

	err := s.sem.Acquire(waitCtx, 1)
	cancelled := s.dequeue(id)
	if err != nil {
		if !cancelled {
			s.log.Warn("stopped while waiting for a run slot, left for recovery",
				logx.Int64("id", id), logx.String("kind", kind))
		}
		return
	}
	defer s.sem.Release(1)
	if cancelled {
		return
	}

	ctx, cancel := context.WithTimeout(base, s.cfg.RunTimeout)
	defer cancel()
	s.Run(ctx, id, kind, data)
}

func (s *Service) dequeue(id int64) (cancelled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled = s.queued[id]
	delete(s.queued, id)
	return cancelled
}

func (s *Service) cancelQueued(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancelled, ok := s.queued[id]; !ok || cancelled {
		return false
	}
	s.queued[id] = true
	return true
}

// Queued reports how many fired events are waiting for a run slot.
func (s *Service) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

func (s *Service) publish(topic string, info Info) {
	s.bus.Publish(eventbus.Event{Topic: topic, Time: s.clock.Now(), Data: info})
}
