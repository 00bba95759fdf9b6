package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"melutils/internal/scheduler"
	logx "melutils/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw    string
		every  time.Duration
		cron   string
		source string
		err    bool
	}{
		{raw: "10m", every: 10 * time.Minute, source: "duration"},
		{raw: "02:30", every: 150 * time.Minute, source: "hhmm"},
		{raw: "every:00:50", every: 50 * time.Minute, source: "hhmm"},
		{raw: "@every 1h", every: time.Hour, source: "duration"},
		{raw: "0 4 * * *", cron: "0 4 * * *", source: "cron"},
		{raw: "@daily", cron: "@daily", source: "cron"},
		{raw: "cron:*/5 * * * *", cron: "*/5 * * * *", source: "cron"},
		{raw: "", err: true},
		{raw: "0s", err: true},
		{raw: "01:75", err: true},
		{raw: "61 * * * *", err: true},
		{raw: "soon", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if tt.err {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) = %+v, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.raw, err)
			}
			if got.Every != tt.every || got.Cron != tt.cron || got.Source != tt.source {
				t.Fatalf("ParseSchedule(%q) = %+v", tt.raw, got)
			}
			if _, err := got.Schedule(); err != nil {
				t.Fatalf("Schedule(): %v", err)
			}
		})
	}
}

func TestStaggerDelaysFirstRunOnly(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 500_000_000, time.UTC)
	for i := 0; i < 50; i++ {
		sched, offset := staggerInterval(time.Minute, now)
		if offset < 0 || offset >= 30*time.Second || offset%time.Second != 0 {
			t.Fatalf("offset %v out of range", offset)
		}
		first := sched.Next(now)
		if want := now.Add(time.Minute).Truncate(time.Second).Add(offset); !first.Equal(want) {
			t.Fatalf("first = %v, want %v", first, want)
		}
		if second := sched.Next(first); !second.Equal(first.Add(time.Minute)) {
			t.Fatalf("second = %v, want %v", second, first.Add(time.Minute))
		}
	}
	if sched, offset := staggerInterval(500*time.Millisecond, now); offset != 0 || sched.Next(now).IsZero() {
		t.Fatalf("sub-second interval got offset %v", offset)
	}
}

func TestSchedulesMerge(t *testing.T) {
	t.Parallel()
	got := Schedules(map[string]string{JobStorageOptimize: "off", JobSchedulerReport: "30m", "custom": "1h"})
	if _, ok := got[JobStorageOptimize]; ok {
		t.Fatal("storage.optimize should be disabled")
	}
	if got[JobSchedulerReport] != "30m" || got["custom"] != "1h" || got[JobXPCooldownPrune] != "10m" {
		t.Fatalf("unexpected merge: %v", got)
	}
}

func TestRunNow(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	var calls atomic.Int32
	boom := errors.New("boom")
	if err := s.Register(Job{Name: "count", Run: func(context.Context) error { calls.Add(1); return nil }}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(Job{Name: "fail", Run: func(context.Context) error { return boom }}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(Job{Name: "panic", Run: func(context.Context) error { panic("oops") }}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := s.RunNow(ctx, "count"); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(ctx, "fail"); !errors.Is(err, boom) {
		t.Fatalf("fail: %v", err)
	}
	if err := s.RunNow(ctx, "panic"); err == nil {
		t.Fatal("panic should surface as error")
	}
	if err := s.RunNow(ctx, "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("unknown: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}

	snap := s.Snapshot()
	if len(snap.Jobs) != 3 || snap.Jobs[0].Name != "count" || snap.Jobs[1].LastErr != "boom" {
		t.Fatalf("snapshot: %+v", snap.Jobs)
	}
}

func TestCronRunsIntervalJob(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Schedules: map[string]string{"tick": "cron:@every 1s"}}, logx.Nop())
	ran := make(chan struct{}, 1)
	_ = s.Register(Job{Name: "tick", Run: func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
}

type fakeSnap struct{ snap scheduler.Snapshot }

func (f fakeSnap) Snapshot() scheduler.Snapshot { return f.snap }

type fakePruner struct{ n int }

func (f *fakePruner) PruneCooldowns(time.Duration) int           { f.n++; return 2 }
func (f *fakePruner) PruneLimiter(time.Time, time.Duration) int { f.n++; return 1 }

func TestBuiltinJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := &fakePruner{}
	if err := PruneJob(p, p, time.Hour, logx.Nop()).Run(ctx); err != nil || p.n != 2 {
		t.Fatalf("prune: err=%v n=%d", err, p.n)
	}
	if err := PruneJob(nil, nil, time.Hour, logx.Nop()).Run(ctx); err != nil {
		t.Fatal(err)
	}
	snap := scheduler.Snapshot{Armed: 1, Next: []scheduler.Pending{{ID: 4, FireAt: time.Now()}}}
	if err := ReportJob(fakeSnap{snap}, logx.Nop()).Run(ctx); err != nil {
		t.Fatal(err)
	}
}
