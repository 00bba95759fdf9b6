// Package maintenance runs periodic upkeep jobs on cron schedules.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "melutils/pkg/logx"
)

// ErrUnknownJob is returned by RunNow for names that were never registered.
var ErrUnknownJob = errors.New("maintenance: unknown job")

const defaultJobTimeout = time.Minute

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
	// Schedules maps job name to schedule string. Jobs without one stay idle.
	Schedules map[string]string
}

// Job is a named upkeep task.
type Job struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type jobState struct {
	job     Job
	spec    string
	entryID cron.EntryID
	spread  time.Duration

	running  bool
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
	runs     uint64
	skipped  uint64
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	c    *cron.Cron
	jobs map[string]*jobState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "maintenance")),
		jobs: map[string]*jobState{},
	}
}

// Register adds or replaces a job definition. It is scheduled when the
// config names a schedule for it.
func (s *Service) Register(job Job) error {
	if strings.TrimSpace(job.Name) == "" || job.Run == nil {
		return errors.New("maintenance: job needs a name and a func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[job.Name]; ok && s.c != nil && old.entryID != 0 {
		s.c.Remove(old.entryID)
	}
	st := &jobState{job: job}
	s.jobs[job.Name] = st
	if s.c != nil {
		s.addLocked(st)
	}
	return nil
}

// Apply swaps the config. Schedules are rebuilt when anything changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasEnabled := s.cfg.Enabled
	s.cfg = cfg
	switch {
	case s.ctx == nil:
		return
	case !cfg.Enabled:
		s.stopCronLocked()
		if wasEnabled {
			s.log.Info("maintenance disabled")
		}
	default:
		s.stopCronLocked()
		s.startCronLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.cfg.Enabled {
		s.startCronLocked()
	}
}

// Stop halts triggering and waits (bounded by ctx) for running jobs.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	s.stopCronLocked()
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for jobs")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// RunNow runs a registered job synchronously, regardless of its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	st, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, st)
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.loc))
	n := 0
	for _, st := range s.jobs {
		if s.addLocked(st) {
			n++
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", n))
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	for _, st := range s.jobs {
		st.entryID = 0
		st.spec = ""
	}
}

func (s *Service) addLocked(st *jobState) bool {
	raw := strings.TrimSpace(s.cfg.Schedules[st.job.Name])
	if raw == "" {
		return false
	}
	spec, err := ParseSchedule(raw)
	if err != nil {
		s.log.Error("schedule rejected", logx.String("job", st.job.Name), logx.String("spec", raw), logx.Err(err))
		return false
	}
	fn := cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		_ = s.run(ctx, st)
	})
	var sched cron.Schedule
	if spec.Every > 0 {
		sched, st.spread = staggerInterval(spec.Every, time.Now().In(s.loc))
	} else if sched, err = spec.Schedule(); err != nil {
		s.log.Error("schedule rejected", logx.String("job", st.job.Name), logx.Err(err))
		return false
	}
	st.entryID = s.c.Schedule(sched, fn)
	st.spec = spec.String()
	s.log.Debug("schedule registered", logx.String("job", st.job.Name), logx.String("spec", st.spec),
		logx.Duration("spread", st.spread))
	return true
}

// run executes one job; overlapping runs of the same job are skipped.
func (s *Service) run(ctx context.Context, st *jobState) (err error) {
	s.mu.Lock()
	if st.running {
		st.skipped++
		s.mu.Unlock()
		s.log.Debug("job still running, skipped", logx.String("job", st.job.Name))
		return nil
	}
	st.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	timeout := st.job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panic", logx.String("job", st.job.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		cancel()
		took := time.Since(start)
		s.mu.Lock()
		st.running = false
		st.runs++
		st.lastRun = start
		st.lastTook = took
		st.lastErr = ""
		if err != nil {
			st.lastErr = err.Error()
		}
		s.mu.Unlock()
		s.wg.Done()
		if err != nil {
			s.log.Warn("job failed", logx.String("job", st.job.Name), logx.Duration("took", took), logx.Err(err))
		} else {
			s.log.Debug("job done", logx.String("job", st.job.Name), logx.Duration("took", took))
		}
	}()
	return st.job.Run(rctx)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

type JobInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec,omitempty"`
	Next     time.Time     `json:"next,omitzero"`
	Prev     time.Time     `json:"prev,omitzero"`
	Running  bool          `json:"running"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_err,omitempty"`
}

type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	tz := s.cfg.Timezone
	if tz == "" && s.loc != nil {
		tz = s.loc.String()
	}
	out := Snapshot{Enabled: s.cfg.Enabled, Timezone: tz, Jobs: make([]JobInfo, 0, len(s.jobs))}
	for name, st := range s.jobs {
		info := JobInfo{
			Name: name, Spec: st.spec, Running: st.running, Runs: st.runs,
			Skipped: st.skipped, LastTook: st.lastTook, LastErr: st.lastErr, Prev: st.lastRun,
		}
		if s.c != nil && st.entryID != 0 {
			info.Next = s.c.Entry(st.entryID).Next
		}
		out.Jobs = append(out.Jobs, info)
	}
	sort.Slice(out.Jobs, func(i, j int) bool { return out.Jobs[i].Name < out.Jobs[j].Name })
	return out
}
