package config

import "strings"

type Config struct {
	Discord     DiscordConfig     `json:"discord"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Features    FeaturesConfig    `json:"features"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Ops         OpsConfig         `json:"ops,omitempty"`
}

// DiscordConfig configures the gateway connection and the command router.
//
// Token may be left empty in the file and supplied through MELUTILS_DISCORD_TOKEN.
type DiscordConfig struct {
	Token      string   `json:"token" validate:"required"`
	Prefix     string   `json:"prefix,omitempty" validate:"omitempty,max=8,nospace"`
	OwnerIDs   []uint64 `json:"owner_ids,omitempty" validate:"omitempty,dive,gt=0"`
	LogChannel uint64   `json:"log_channel,omitempty"`
	StatusText string   `json:"status_text,omitempty"`

	// CommandTimeout is a Go duration string (e.g. "10s"). Default "30s".
	CommandTimeout string `json:"command_timeout,omitempty" validate:"omitempty,duration"`

	// Router worker pool. Defaults: 4 workers, 256 queued updates.
	Workers   int `json:"workers,omitempty" validate:"gte=0,lte=64"`
	QueueSize int `json:"queue_size,omitempty" validate:"gte=0"`

	// Per-user command limiter. 0 disables it.
	PerUserRate  float64 `json:"per_user_rate,omitempty" validate:"gte=0"`
	PerUserBurst int     `json:"per_user_burst,omitempty" validate:"gte=0"`
}

type LoggingConfig struct {
	Level   string         `json:"level" validate:"omitempty,loglevel"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Discord LoggingDiscord `json:"discord"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingDiscord mirrors log lines into discord.log_channel.
type LoggingDiscord struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"omitempty,loglevel"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./melutils.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite sqlite3 none"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"`
}

// SchedulerConfig tunes the persistent event scheduler.
//
// Defaults (when fields are omitted/zero):
//   - max_sleep: "60s"
//   - max_concurrent: 16
//   - run_timeout: "2m"
//   - stop_timeout: "10s"
type SchedulerConfig struct {
	MaxSleep      string `json:"max_sleep,omitempty" validate:"omitempty,duration"`
	MaxConcurrent int    `json:"max_concurrent,omitempty" validate:"gte=0,lte=256"`
	RunTimeout    string `json:"run_timeout,omitempty" validate:"omitempty,duration"`
	StopTimeout   string `json:"stop_timeout,omitempty" validate:"omitempty,duration"`
}

// FeaturesConfig toggles optional modules. Omitted toggles default to on;
// moderation and scheduling are always on.
type FeaturesConfig struct {
	AutoReact    *bool `json:"autoreact,omitempty"`
	Verification *bool `json:"verification,omitempty"`
	XP           *bool `json:"xp,omitempty"`

	// XPCooldownTTL drops idle XP cooldown entries. Default "1h".
	XPCooldownTTL string `json:"xp_cooldown_ttl,omitempty" validate:"omitempty,duration"`
}

func (f FeaturesConfig) AutoReactEnabled() bool    { return enabled(f.AutoReact) }
func (f FeaturesConfig) VerificationEnabled() bool { return enabled(f.Verification) }
func (f FeaturesConfig) XPEnabled() bool           { return enabled(f.XP) }

func enabled(b *bool) bool { return b == nil || *b }

// MaintenanceConfig schedules periodic upkeep jobs.
//
// Jobs maps a job name (xp.cooldown.prune, scheduler.report, storage.optimize)
// to a schedule: cron ("0 4 * * *", "@daily"), a Go duration ("10m") or an
// HH:MM interval ("02:30" runs every two and a half hours).
// An empty schedule disables the job.
type MaintenanceConfig struct {
	Enabled  bool              `json:"enabled"`
	Timezone string            `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Jobs     map[string]string `json:"jobs,omitempty"`
}

// OpsConfig controls the optional operations HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`                                   // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	WriteTimeout string `json:"write_timeout,omitempty" validate:"omitempty,duration"`
	IdleTimeout  string `json:"idle_timeout,omitempty" validate:"omitempty,duration"`
}

// EffectivePrefix returns the command prefix, falling back to "m.".
func (d DiscordConfig) EffectivePrefix() string {
	if p := strings.TrimSpace(d.Prefix); p != "" {
		return p
	}
	return "m."
}
