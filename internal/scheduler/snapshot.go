package scheduler

import "time"

// Snapshot is a point-in-time view of the scheduler for ops endpoints.
type Snapshot struct {
	Now           time.Time `json:"now"`
	Armed         int       `json:"armed"`
	Running       int64     `json:"running"`
	Queued        int       `json:"queued"`
	MaxConcurrent int64     `json:"max_concurrent"`
	Scheduled     uint64    `json:"scheduled"`
	Fired         uint64    `json:"fired"`
	Failed        uint64    `json:"failed"`
	Cancelled     uint64    `json:"cancelled"`
	Next          []Pending `json:"next"`
}

// snapshotNext caps how many upcoming timers a snapshot lists.
const snapshotNext = 20

func (s *Service) Snapshot() Snapshot {
	pending := s.timers.Pending()
	next := pending
	if len(next) > snapshotNext {
		next = next[:snapshotNext]
	}
	return Snapshot{
		Now:           s.clock.Now(),
		Armed:         len(pending),
		Running:       s.running.Load(),
		Queued:        s.Queued(),
		MaxConcurrent: s.cfg.MaxConcurrent,
		Scheduled:     s.scheduled.Load(),
		Fired:         s.fired.Load(),
		Failed:        s.failed.Load(),
		Cancelled:     s.cancelled.Load(),
		Next:          next,
	}
}
