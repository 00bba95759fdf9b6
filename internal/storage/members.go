package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"melutils/internal/platform"
	"melutils/internal/scheduler"
)

// Pending verifications.

func (s *Store) PutPendingVerification(ctx context.Context, guild, member, thread platform.ID) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`REPLACE INTO members_to_verify(guild, member, thread) VALUES(?,?,?)`,
		int64(guild), int64(member), nullID(thread))
	return err
}

// VerificationThread returns the thread tracked for a member.
func (s *Store) VerificationThread(ctx context.Context, guild, member platform.ID) (platform.ID, bool, error) {
	return s.lookupID(ctx, `SELECT thread FROM members_to_verify WHERE guild = ? AND member = ?`, int64(guild), int64(member))
}

// MemberForThread returns the member a verification thread belongs to.
func (s *Store) MemberForThread(ctx context.Context, guild, thread platform.ID) (platform.ID, bool, error) {
	return s.lookupID(ctx, `SELECT member FROM members_to_verify WHERE guild = ? AND thread = ?`, int64(guild), int64(thread))
}

func (s *Store) DeletePendingVerification(ctx context.Context, guild, member platform.ID) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM members_to_verify WHERE guild = ? AND member = ?`, int64(guild), int64(member))
	return err
}

// Experience.

// AddXP increments a member's experience, creating the row at delta.
func (s *Store) AddXP(ctx context.Context, guild, user platform.ID, delta int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experience(user, guild, experience) VALUES(?,?,?)
		 ON CONFLICT(user, guild) DO UPDATE SET experience = experience + excluded.experience`,
		int64(user), int64(guild), delta)
	return err
}

// XPRank returns a member's experience and 1-based rank in the guild.
// ok is false if the member has no experience yet.
func (s *Store) XPRank(ctx context.Context, guild, user platform.ID) (xp, rank int64, ok bool, err error) {
	if err := s.ready(); err != nil {
		return 0, 0, false, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT experience, experience_rank FROM (
		    SELECT user, experience, RANK() OVER (ORDER BY experience DESC) AS experience_rank
		      FROM experience WHERE guild = ?
		 ) WHERE user = ?`, int64(guild), int64(user),
	).Scan(&xp, &rank)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return xp, rank, true, nil
}

// XPExclusion reports whether id (a user or channel) is excluded and whether
// a moderator set the exclusion.
func (s *Store) XPExclusion(ctx context.Context, guild, id platform.ID) (excluded, modSet bool, err error) {
	if err := s.ready(); err != nil {
		return false, false, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT mod_set FROM guild_xp_exclusions WHERE guild = ? AND userorchannel = ?`,
		int64(guild), int64(id)).Scan(&modSet)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, modSet, nil
}

// ExcludedFromXP is true if either the user or the channel is excluded.
func (s *Store) ExcludedFromXP(ctx context.Context, guild, user, channel platform.ID) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM guild_xp_exclusions WHERE guild = ? AND userorchannel IN (?, ?)`,
		int64(guild), int64(user), int64(channel)).Scan(&n)
	return n > 0, err
}

func (s *Store) PutXPExclusion(ctx context.Context, guild, id platform.ID, modSet bool) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`REPLACE INTO guild_xp_exclusions(guild, userorchannel, mod_set) VALUES(?,?,?)`,
		int64(guild), int64(id), modSet)
	return err
}

func (s *Store) DeleteXPExclusion(ctx context.Context, guild, id platform.ID) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM guild_xp_exclusions WHERE guild = ? AND userorchannel = ?`, int64(guild), int64(id))
	return err
}

// Thin ice.

func (s *Store) PutThinIce(ctx context.Context, t ThinIce) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`REPLACE INTO thin_ice(guild, user, role, event_id) VALUES(?,?,?,?)`,
		int64(t.Guild), int64(t.User), int64(t.Role), t.EventID)
	return err
}

func (s *Store) ThinIce(ctx context.Context, guild, user platform.ID) (ThinIce, bool, error) {
	t := ThinIce{Guild: guild, User: user}
	if err := s.ready(); err != nil {
		return t, false, err
	}
	var (
		role  int64
		event sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT role, event_id FROM thin_ice WHERE guild = ? AND user = ?`, int64(guild), int64(user),
	).Scan(&role, &event)
	if errors.Is(err, sql.ErrNoRows) {
		return t, false, nil
	}
	if err != nil {
		return t, false, err
	}
	t.Role = platform.ID(role)
	t.EventID = event.Int64
	return t, true, nil
}

func (s *Store) DeleteThinIce(ctx context.Context, guild, user platform.ID) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM thin_ice WHERE guild = ? AND user = ?`, int64(guild), int64(user))
	return err
}

// Birthdays.

func (s *Store) PutBirthday(ctx context.Context, b Birthday) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`REPLACE INTO birthdays(user, birthday, event_id) VALUES(?,?,?)`,
		int64(b.User), scheduler.EpochSeconds(b.Birthday), b.EventID)
	return err
}

func (s *Store) Birthday(ctx context.Context, user platform.ID) (Birthday, bool, error) {
	b := Birthday{User: user}
	if err := s.ready(); err != nil {
		return b, false, err
	}
	var (
		at    float64
		event sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT birthday, event_id FROM birthdays WHERE user = ?`, int64(user)).Scan(&at, &event)
	if errors.Is(err, sql.ErrNoRows) {
		return b, false, nil
	}
	if err != nil {
		return b, false, err
	}
	b.Birthday = scheduler.FromEpochSeconds(at)
	b.EventID = event.Int64
	return b, true, nil
}

// Modlog.

// modlogTimeLayout sorts lexically in time order.
const modlogTimeLayout = "2006-01-02T15:04:05.000000000Z"

func (s *Store) AppendModlog(ctx context.Context, e ModlogEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO modlog(id, at, guild, target, moderator, text) VALUES(?,?,?,?,?,?)`,
		e.ID, e.At.UTC().Format(modlogTimeLayout), int64(e.Guild), nullID(e.Target), nullID(e.Moderator), e.Text)
	return err
}

// ModlogEntries returns the newest entries for a guild, optionally filtered
// by target (0 means any).
func (s *Store) ModlogEntries(ctx context.Context, guild, target platform.ID, limit int) ([]ModlogEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, target, moderator, text FROM modlog
		  WHERE guild = ? AND (? = 0 OR target = ?)
		  ORDER BY at DESC LIMIT ?`,
		int64(guild), int64(target), int64(target), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ModlogEntry
	for rows.Next() {
		var (
			e         ModlogEntry
			at        string
			tgt, modr sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &at, &tgt, &modr, &e.Text); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(modlogTimeLayout, at)
		e.Guild = guild
		e.Target = idOf(tgt)
		e.Moderator = idOf(modr)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) lookupID(ctx context.Context, q string, args ...any) (platform.ID, bool, error) {
	if err := s.ready(); err != nil {
		return 0, false, err
	}
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return idOf(v), true, nil
}
