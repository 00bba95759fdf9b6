package app

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"melutils/internal/adapters/discord"
	"melutils/internal/config"
	"melutils/internal/maintenance"
	"melutils/internal/ops"
	"melutils/internal/platform"
	"melutils/internal/router"
	"melutils/internal/scheduler"
	"melutils/internal/storage"
	logx "melutils/pkg/logx"
)

const (
	defaultStopTimeout   = 10 * time.Second
	defaultXPCooldownTTL = time.Hour
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Discord: logx.DiscordConfig{
			Enabled:    cfg.Logging.Discord.Enabled,
			ChannelID:  cfg.Discord.LogChannel,
			MinLevel:   cfg.Logging.Discord.MinLevel,
			RatePerSec: cfg.Logging.Discord.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	if driver == "none" {
		return storage.Config{}, fmt.Errorf("storage.driver=none: scheduled events need a database")
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./melutils.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapDiscord(cfg *config.Config) discord.Config {
	return discord.Config{Token: cfg.Discord.Token, StatusText: cfg.Discord.StatusText}
}

func mapScheduler(cfg *config.Config) (scheduler.Config, time.Duration, error) {
	sc := cfg.Scheduler
	maxSleep, err := config.ParseDurationOrDefault("scheduler.max_sleep", sc.MaxSleep, 60*time.Second)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	runTimeout, err := config.ParseDurationOrDefault("scheduler.run_timeout", sc.RunTimeout, 2*time.Minute)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	stop, err := config.ParseDurationOrDefault("scheduler.stop_timeout", sc.StopTimeout, defaultStopTimeout)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	return scheduler.Config{
		MaxSleep:      maxSleep,
		MaxConcurrent: int64(sc.MaxConcurrent),
		RunTimeout:    runTimeout,
	}, stop, nil
}

func mapRouter(cfg *config.Config) (router.Config, error) {
	d := cfg.Discord
	timeout, err := config.ParseDurationOrDefault("discord.command_timeout", d.CommandTimeout, 30*time.Second)
	if err != nil {
		return router.Config{}, err
	}
	owners := make([]platform.ID, 0, len(d.OwnerIDs))
	for _, id := range d.OwnerIDs {
		owners = append(owners, platform.ID(id))
	}
	return router.Config{
		Prefix:       d.EffectivePrefix(),
		Owners:       owners,
		Workers:      d.Workers,
		QueueSize:    d.QueueSize,
		PerUserRate:  rate.Limit(d.PerUserRate),
		PerUserBurst: d.PerUserBurst,
		Timeout:      timeout,
	}, nil
}

func mapMaintenance(cfg *config.Config) maintenance.Config {
	return maintenance.Config{
		Enabled:   cfg.Maintenance.Enabled,
		Timezone:  cfg.Maintenance.Timezone,
		Schedules: maintenance.Schedules(cfg.Maintenance.Jobs),
	}
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationField("ops.write_timeout", oc.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func xpCooldownTTL(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("features.xp_cooldown_ttl", cfg.Features.XPCooldownTTL, defaultXPCooldownTTL)
}
