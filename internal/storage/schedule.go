package storage

import (
	"context"
	"fmt"
	"time"

	"melutils/internal/scheduler"
)

// InsertEvent persists a pending scheduler row and returns its id.
// The insert is committed when it returns.
func (s *Store) InsertEvent(ctx context.Context, fireAt time.Time, kind string, data []byte) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule(eventtime, eventtype, eventdata) VALUES(?,?,?)`,
		scheduler.EpochSeconds(fireAt), kind, string(data),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// DeleteEvent removes a row. Missing ids are not an error.
func (s *Store) DeleteEvent(ctx context.Context, id int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedule WHERE id = ?`, id)
	return err
}

func (s *Store) ScanEvents(ctx context.Context) ([]scheduler.Record, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, eventtime, eventtype, eventdata FROM schedule`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scheduler.Record
	for rows.Next() {
		var (
			r    scheduler.Record
			at   float64
			data string
		)
		if err := rows.Scan(&r.ID, &at, &r.Kind, &data); err != nil {
			return nil, err
		}
		r.FireAt = scheduler.FromEpochSeconds(at)
		r.Data = []byte(data)
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ scheduler.EventStore = (*Store)(nil)
