package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrInvalidTime      = errors.New("scheduler: fire time must be a non-zero instant")
	ErrNotFound         = errors.New("scheduler: event not found")
	ErrNotArmed         = errors.New("scheduler: timer not armed")
	ErrUnknownEventType = errors.New("scheduler: unknown event type")
)

// Record is a persisted, pending event.
type Record struct {
	ID     int64           `json:"id"`
	FireAt time.Time       `json:"fire_at"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data"`
}

// EventStore is the durable side of the scheduler.
//
// InsertEvent must commit before returning. DeleteEvent is idempotent.
// ScanEvents returns rows in no particular order.
type EventStore interface {
	InsertEvent(ctx context.Context, fireAt time.Time, kind string, data []byte) (int64, error)
	DeleteEvent(ctx context.Context, id int64) error
	ScanEvents(ctx context.Context) ([]Record, error)
}
