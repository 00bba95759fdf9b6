package storage

import (
	"context"

	"melutils/internal/platform"
)

// PutAutoReaction inserts or replaces a rule keyed by (channel, emoji).
func (s *Store) PutAutoReaction(ctx context.Context, r AutoReaction) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`REPLACE INTO auto_reactions(guild, channel, emoji, react_to_threads) VALUES(?,?,?,?)`,
		int64(r.Guild), int64(r.Channel), int64(r.Emoji), r.ReactToThreads,
	)
	return err
}

// DeleteAutoReaction reports whether a rule was removed.
func (s *Store) DeleteAutoReaction(ctx context.Context, channel, emoji platform.ID) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM auto_reactions WHERE channel = ? AND emoji = ?`, int64(channel), int64(emoji))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) AutoReactions(ctx context.Context, guild platform.ID) ([]AutoReaction, error) {
	return s.queryAutoReactions(ctx,
		`SELECT guild, channel, emoji, react_to_threads FROM auto_reactions WHERE guild = ? ORDER BY channel, emoji`,
		int64(guild))
}

// AutoReactionsFor returns rules for channel, plus thread-inheriting rules of
// parent when parent is non-zero.
func (s *Store) AutoReactionsFor(ctx context.Context, channel, parent platform.ID) ([]AutoReaction, error) {
	p := int64(-1)
	if parent != 0 {
		p = int64(parent)
	}
	return s.queryAutoReactions(ctx,
		`SELECT guild, channel, emoji, react_to_threads FROM auto_reactions
		  WHERE channel = ? OR (react_to_threads = 1 AND channel = ?)`,
		int64(channel), p)
}

func (s *Store) queryAutoReactions(ctx context.Context, q string, args ...any) ([]AutoReaction, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AutoReaction
	for rows.Next() {
		var (
			g, c, e int64
			threads bool
		)
		if err := rows.Scan(&g, &c, &e, &threads); err != nil {
			return nil, err
		}
		out = append(out, AutoReaction{Guild: platform.ID(g), Channel: platform.ID(c), Emoji: platform.ID(e), ReactToThreads: threads})
	}
	return out, rows.Err()
}
