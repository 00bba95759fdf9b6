package maintenance

import (
	"context"
	"time"

	"melutils/internal/scheduler"
	logx "melutils/pkg/logx"
)

// Job names accepted under maintenance.jobs.
const (
	JobXPCooldownPrune = "xp.cooldown.prune"
	JobSchedulerReport = "scheduler.report"
	JobStorageOptimize = "storage.optimize"
)

// DefaultSchedules is used for jobs the config does not mention.
var DefaultSchedules = map[string]string{
	JobXPCooldownPrune: "10m",
	JobSchedulerReport: "1h",
	JobStorageOptimize: "0 4 * * *",
}

type CooldownPruner interface {
	PruneCooldowns(ttl time.Duration) int
}

type LimiterPruner interface {
	PruneLimiter(now time.Time, ttl time.Duration) int
}

// PruneJob forgets XP cooldowns and per-user command limiters idle for ttl.
// Either pruner may be nil.
func PruneJob(xp CooldownPruner, limiter LimiterPruner, ttl time.Duration, log logx.Logger) Job {
	return Job{
		Name:    JobXPCooldownPrune,
		Timeout: 10 * time.Second,
		Run: func(ctx context.Context) error {
			var cool, lim int
			if xp != nil {
				cool = xp.PruneCooldowns(ttl)
			}
			if limiter != nil {
				lim = limiter.PruneLimiter(time.Now(), ttl)
			}
			if cool+lim > 0 {
				log.Debug("pruned idle entries", logx.Int("cooldowns", cool), logx.Int("limiters", lim))
			}
			return nil
		},
	}
}

type SchedulerSnapshotter interface {
	Snapshot() scheduler.Snapshot
}

// ReportJob logs the event scheduler's counters.
func ReportJob(src SchedulerSnapshotter, log logx.Logger) Job {
	return Job{
		Name:    JobSchedulerReport,
		Timeout: 5 * time.Second,
		Run: func(ctx context.Context) error {
			snap := src.Snapshot()
			fields := []logx.Field{
				logx.Int("armed", snap.Armed),
				logx.Int64("running", snap.Running),
				logx.Uint64("scheduled", snap.Scheduled),
				logx.Uint64("fired", snap.Fired),
				logx.Uint64("failed", snap.Failed),
				logx.Uint64("cancelled", snap.Cancelled),
			}
			if len(snap.Next) > 0 {
				fields = append(fields, logx.Int64("next_id", snap.Next[0].ID), logx.Time("next_at", snap.Next[0].FireAt))
			}
			log.Info("scheduler report", fields...)
			return nil
		},
	}
}

type Optimizer interface {
	Optimize(ctx context.Context) error
}

// OptimizeJob runs the database's own upkeep.
func OptimizeJob(db Optimizer) Job {
	return Job{
		Name:    JobStorageOptimize,
		Timeout: 2 * time.Minute,
		Run:     db.Optimize,
	}
}

// Schedules merges configured schedules over DefaultSchedules. A job mapped to
// "" or "off" is disabled.
func Schedules(configured map[string]string) map[string]string {
	out := make(map[string]string, len(DefaultSchedules)+len(configured))
	for k, v := range DefaultSchedules {
		out[k] = v
	}
	for k, v := range configured {
		if v == "" || v == "off" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
