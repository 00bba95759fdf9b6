package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"melutils/internal/platform"
)

const (
	defaultTimeBetweenXP    = 60 * time.Second
	defaultXPChangePerLevel = 30

	DefaultVerificationText = "Please wait for a moderator to verify you."
)

// DefaultServerConfig is what a guild without a row behaves like.
func DefaultServerConfig(guild platform.ID) ServerConfig {
	return ServerConfig{
		Guild:            guild,
		VerificationText: DefaultVerificationText,
		TimeBetweenXP:    defaultTimeBetweenXP,
		XPChangePerLevel: defaultXPChangePerLevel,
	}
}

// ServerConfig loads a guild's settings. ok is false when the guild has no
// row; the returned value then holds defaults.
func (s *Store) ServerConfig(ctx context.Context, guild platform.ID) (cfg ServerConfig, ok bool, err error) {
	cfg = DefaultServerConfig(guild)
	if err := s.ready(); err != nil {
		return cfg, false, err
	}
	var (
		modlog, modRole, verified, verifyCh, bday, thinIce sql.NullInt64
		text                                               sql.NullString
		between                                            int64
		perLevel                                           float64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT modlog_channel, mod_role, verified_role, verification_channel, verification_text,
		        birthday_category, thin_ice_role, time_between_xp, xp_change_per_level
		   FROM server_config WHERE guild = ?`, int64(guild),
	).Scan(&modlog, &modRole, &verified, &verifyCh, &text, &bday, &thinIce, &between, &perLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, false, nil
	}
	if err != nil {
		return cfg, false, err
	}
	cfg.ModlogChannel = idOf(modlog)
	cfg.ModRole = idOf(modRole)
	cfg.VerifiedRole = idOf(verified)
	cfg.VerificationChannel = idOf(verifyCh)
	if text.Valid {
		cfg.VerificationText = text.String
	}
	cfg.BirthdayCategory = idOf(bday)
	cfg.ThinIceRole = idOf(thinIce)
	cfg.TimeBetweenXP = time.Duration(between) * time.Second
	if perLevel > 0 {
		cfg.XPChangePerLevel = perLevel
	}
	return cfg, true, nil
}

// SetServerConfig updates one column, creating the guild row if needed.
// value may be a platform.ID (0 clears), a string ("" clears), a
// time.Duration (stored as seconds) or a float64.
func (s *Store) SetServerConfig(ctx context.Context, guild platform.ID, field Field, value any) error {
	if err := s.ready(); err != nil {
		return err
	}
	if !field.valid() {
		return fmt.Errorf("unknown server_config field %q", field)
	}
	var v any
	switch x := value.(type) {
	case platform.ID:
		v = nullID(x)
	case string:
		v = nullStr(x)
	case time.Duration:
		v = int64(x / time.Second)
	case float64:
		v = x
	case nil:
		v = nil
	default:
		return fmt.Errorf("unsupported server_config value %T", value)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO server_config(guild) VALUES(?)`, int64(guild)); err != nil {
		return err
	}
	// field is checked against a fixed list above.
	if _, err := tx.ExecContext(ctx, `UPDATE server_config SET `+string(field)+` = ? WHERE guild = ?`, v, int64(guild)); err != nil {
		return err
	}
	return tx.Commit()
}

// GuildsWithBirthdayCategory lists guilds that celebrate birthdays.
func (s *Store) GuildsWithBirthdayCategory(ctx context.Context) (map[platform.ID]platform.ID, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild, birthday_category FROM server_config WHERE birthday_category IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[platform.ID]platform.ID{}
	for rows.Next() {
		var g, c int64
		if err := rows.Scan(&g, &c); err != nil {
			return nil, err
		}
		out[platform.ID(g)] = platform.ID(c)
	}
	return out, rows.Err()
}
