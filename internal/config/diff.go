package config

import (
	"reflect"
	"sort"
	"strings"

	logx "melutils/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the maintenance jobs whose schedule changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	// Discord (never log token)
	od, nd := oldCfg.Discord, newCfg.Discord
	if od.EffectivePrefix() != nd.EffectivePrefix() ||
		!reflect.DeepEqual(od.OwnerIDs, nd.OwnerIDs) ||
		od.LogChannel != nd.LogChannel ||
		od.StatusText != nd.StatusText ||
		strings.TrimSpace(od.CommandTimeout) != strings.TrimSpace(nd.CommandTimeout) ||
		od.Workers != nd.Workers || od.QueueSize != nd.QueueSize ||
		od.PerUserRate != nd.PerUserRate || od.PerUserBurst != nd.PerUserBurst ||
		od.Token != nd.Token {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.String("discord.prefix", nd.EffectivePrefix()),
			logx.Int("discord.owner_count", len(nd.OwnerIDs)),
			logx.Bool("discord.log_channel_set", nd.LogChannel != 0),
			logx.String("discord.command_timeout", strings.TrimSpace(nd.CommandTimeout)),
			logx.Bool("discord.token_changed", od.Token != nd.Token),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.discord_enabled", newCfg.Logging.Discord.Enabled),
		)
	}

	// Storage (path only reported as set/unset)
	oldS, newS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oldS.Driver) != strings.TrimSpace(newS.Driver) ||
		strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(newS.BusyTimeout) ||
		strings.TrimSpace(oldS.Path) != strings.TrimSpace(newS.Path) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newS.BusyTimeout)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.max_sleep", newCfg.Scheduler.MaxSleep),
			logx.Int("scheduler.max_concurrent", newCfg.Scheduler.MaxConcurrent),
			logx.String("scheduler.run_timeout", newCfg.Scheduler.RunTimeout),
		)
	}

	of, nf := oldCfg.Features, newCfg.Features
	if of.AutoReactEnabled() != nf.AutoReactEnabled() ||
		of.VerificationEnabled() != nf.VerificationEnabled() ||
		of.XPEnabled() != nf.XPEnabled() ||
		strings.TrimSpace(of.XPCooldownTTL) != strings.TrimSpace(nf.XPCooldownTTL) {
		changed = append(changed, "features")
		attrs = append(attrs,
			logx.Bool("features.autoreact", nf.AutoReactEnabled()),
			logx.Bool("features.verification", nf.VerificationEnabled()),
			logx.Bool("features.xp", nf.XPEnabled()),
		)
	}

	jobsChanged := diffJobs(oldCfg.Maintenance.Jobs, newCfg.Maintenance.Jobs)
	if oldCfg.Maintenance.Enabled != newCfg.Maintenance.Enabled ||
		strings.TrimSpace(oldCfg.Maintenance.Timezone) != strings.TrimSpace(newCfg.Maintenance.Timezone) ||
		len(jobsChanged) > 0 {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.timezone", strings.TrimSpace(newCfg.Maintenance.Timezone)),
			logx.Int("maintenance.jobs_changed", len(jobsChanged)),
		)
	}

	// Ops (never log token)
	oo, no := oldCfg.Ops, newCfg.Ops
	oo.Token, no.Token = "", ""
	tokenChanged := (strings.TrimSpace(oldCfg.Ops.Token) != "") != (strings.TrimSpace(newCfg.Ops.Token) != "")
	if oo != no || tokenChanged {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.allow_insecure", no.AllowInsecure),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func diffJobs(oldM, newM map[string]string) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		if strings.TrimSpace(oldM[name]) != strings.TrimSpace(newM[name]) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
