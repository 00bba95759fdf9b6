package storage

import (
	"errors"
	"time"

	"melutils/internal/platform"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (pure Go driver)
//
// "none" disables storage; the bot refuses to start without it.
type Config struct {
	Driver      string        `json:"driver" validate:"omitempty,oneof=sqlite sqlite3 none"`
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"-"`
}

// ServerConfig is one guild's settings row. Zero ids mean "unset".
type ServerConfig struct {
	Guild               platform.ID
	ModlogChannel       platform.ID
	ModRole             platform.ID
	VerifiedRole        platform.ID
	VerificationChannel platform.ID
	VerificationText    string
	BirthdayCategory    platform.ID
	ThinIceRole         platform.ID
	TimeBetweenXP       time.Duration
	XPChangePerLevel    float64
}

// Field names a settable server_config column.
type Field string

const (
	FieldModlogChannel       Field = "modlog_channel"
	FieldModRole             Field = "mod_role"
	FieldVerifiedRole        Field = "verified_role"
	FieldVerificationChannel Field = "verification_channel"
	FieldVerificationText    Field = "verification_text"
	FieldBirthdayCategory    Field = "birthday_category"
	FieldThinIceRole         Field = "thin_ice_role"
	FieldTimeBetweenXP       Field = "time_between_xp"
	FieldXPChangePerLevel    Field = "xp_change_per_level"
)

func (f Field) valid() bool {
	switch f {
	case FieldModlogChannel, FieldModRole, FieldVerifiedRole, FieldVerificationChannel,
		FieldVerificationText, FieldBirthdayCategory, FieldThinIceRole,
		FieldTimeBetweenXP, FieldXPChangePerLevel:
		return true
	}
	return false
}

type AutoReaction struct {
	Guild          platform.ID
	Channel        platform.ID
	Emoji          platform.ID
	ReactToThreads bool
}

type ThinIce struct {
	Guild   platform.ID
	User    platform.ID
	Role    platform.ID
	EventID int64
}

type Birthday struct {
	User     platform.ID
	Birthday time.Time
	EventID  int64
}

// ModlogEntry is an audit row for a moderation action.
type ModlogEntry struct {
	ID        string
	At        time.Time
	Guild     platform.ID
	Target    platform.ID
	Moderator platform.ID
	Text      string
}
