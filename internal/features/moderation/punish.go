package moderation

import (
	"context"
	"fmt"
	"time"

	"melutils/internal/features"
	"melutils/internal/modlog"
	"melutils/internal/platform"
	"melutils/internal/router"
	"melutils/internal/scheduler"
	"melutils/internal/storage"
	logx "melutils/pkg/logx"
)

func (m *Module) tempban(ctx context.Context, req *router.Request) error {
	user, err := m.userArg(ctx, req, 0)
	if err != nil {
		return err
	}
	d, err := durationArg(req, 1)
	if err != nil {
		return err
	}
	guild, err := m.client.Guild(ctx, req.Guild)
	if err != nil {
		return err
	}
	why := reason(req, 2)
	dur := features.Duration(d)

	// DM before the ban, afterwards the user shares no server with the bot.
	m.dm(ctx, user.ID, withReason(fmt.Sprintf("You were banned from **%s** for %s.", guild.Name, dur), why))
	auditReason := why
	if auditReason == "" {
		auditReason = "Temporary ban by " + req.Author.Tag()
	}
	if err := m.client.Ban(ctx, guild.ID, user.ID, auditReason); err != nil {
		return fmt.Errorf("ban: %w", err)
	}
	id, err := m.sched.Schedule(ctx, m.clock.Now().Add(d), scheduler.Unban{Guild: guild.ID, Member: user.ID})
	if err != nil {
		return fmt.Errorf("schedule unban: %w", err)
	}
	m.audit(ctx, req, user, withReason(fmt.Sprintf("%s (`%s`) temporarily banned %s (`%s`) for %s.",
		req.Author.Mention(), req.Author.Tag(), user.Mention(), user.Tag(), dur), why))
	return features.Done(ctx, req, fmt.Sprintf("Banned %s for %s. Unban is event %s.", user.Mention(), dur, eventRef(id)))
}

func (m *Module) unban(ctx context.Context, req *router.Request) error {
	user, err := m.userArg(ctx, req, 0)
	if err != nil {
		return err
	}
	if err := m.client.Unban(ctx, req.Guild, user.ID, "Unbanned by "+req.Author.Tag()); err != nil {
		if platform.IsNotFound(err) {
			return router.Errorf("%s is not banned.", user.Mention())
		}
		return fmt.Errorf("unban: %w", err)
	}
	if _, err := m.cancelFor(ctx, req.Guild, user.ID, scheduler.KindUnban); err != nil {
		req.Logger.Warn("pending unban not cancelled", logx.Err(err))
	}
	m.audit(ctx, req, user, fmt.Sprintf("%s (`%s`) unbanned %s (`%s`).",
		req.Author.Mention(), req.Author.Tag(), user.Mention(), user.Tag()))
	return features.Done(ctx, req, "Unbanned "+user.Mention()+".")
}

// mute starts a refresh chain immediately; the refresh handler applies the
// timeout and keeps it alive past the platform cap.
func (m *Module) mute(ctx context.Context, req *router.Request) error {
	member, err := m.memberArg(ctx, req, 0)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	ev := scheduler.RefreshMute{Guild: req.Guild, Member: member.User.ID}
	dur := "indefinitely"
	why := reason(req, 1)
	if len(req.Args) > 1 {
		if d, err := router.ParseDuration(req.Args[1]); err == nil {
			ev.MuteEnd = scheduler.TimestampPtr(now.Add(d))
			dur = "for " + features.Duration(d)
			why = reason(req, 2)
		}
	}
	if _, err := m.cancelFor(ctx, req.Guild, member.User.ID, scheduler.KindRefreshMute, scheduler.KindUnmute); err != nil {
		return err
	}
	if _, err := m.sched.Schedule(ctx, now, ev); err != nil {
		return fmt.Errorf("start mute: %w", err)
	}
	guild, err := m.client.Guild(ctx, req.Guild)
	if err != nil {
		return err
	}
	m.dm(ctx, member.User.ID, withReason(fmt.Sprintf("You were muted in **%s** %s.", guild.Name, dur), why))
	m.audit(ctx, req, member.User, withReason(fmt.Sprintf("%s (`%s`) muted %s (`%s`) %s.",
		req.Author.Mention(), req.Author.Tag(), member.User.Mention(), member.User.Tag(), dur), why))
	return features.Done(ctx, req, fmt.Sprintf("Muted %s %s.", member.User.Mention(), dur))
}

func (m *Module) unmute(ctx context.Context, req *router.Request) error {
	member, err := m.memberArg(ctx, req, 0)
	if err != nil {
		return err
	}
	if err := m.client.TimeoutMember(ctx, req.Guild, member.User.ID, time.Time{}); err != nil {
		return fmt.Errorf("clear timeout: %w", err)
	}
	n, err := m.cancelFor(ctx, req.Guild, member.User.ID, scheduler.KindRefreshMute, scheduler.KindUnmute)
	if err != nil {
		return err
	}
	guild, err := m.client.Guild(ctx, req.Guild)
	if err != nil {
		return err
	}
	m.dm(ctx, member.User.ID, fmt.Sprintf("You were unmuted in **%s**.", guild.Name))
	m.audit(ctx, req, member.User, fmt.Sprintf("%s (`%s`) unmuted %s (`%s`).",
		req.Author.Mention(), req.Author.Tag(), member.User.Mention(), member.User.Tag()))
	req.Logger.Debug("mute events cancelled", logx.Int("count", n))
	return features.Done(ctx, req, "Unmuted "+member.User.Mention()+".")
}

func (m *Module) thinIce(ctx context.Context, req *router.Request) error {
	member, err := m.memberArg(ctx, req, 0)
	if err != nil {
		return err
	}
	d, err := durationArg(req, 1)
	if err != nil {
		return err
	}
	cfg, _, err := m.store.ServerConfig(ctx, req.Guild)
	if err != nil {
		return err
	}
	if cfg.ThinIceRole == 0 {
		return router.Errorf("This server has no thin ice role. Set one with `thinicerole`.")
	}
	prev, ok, err := m.store.ThinIce(ctx, req.Guild, member.User.ID)
	if err != nil {
		return err
	}
	if ok {
		if err := m.cancelQuiet(ctx, prev.EventID); err != nil {
			return err
		}
	}
	if err := m.client.AddRole(ctx, req.Guild, member.User.ID, cfg.ThinIceRole); err != nil {
		return fmt.Errorf("add thin ice role: %w", err)
	}
	id, err := m.sched.Schedule(ctx, m.clock.Now().Add(d), scheduler.UnThinIce{
		Guild: req.Guild, Member: member.User.ID, ThinIceRole: cfg.ThinIceRole,
	})
	if err != nil {
		return fmt.Errorf("schedule thin ice expiry: %w", err)
	}
	if err := m.store.PutThinIce(ctx, storage.ThinIce{Guild: req.Guild, User: member.User.ID, Role: cfg.ThinIceRole, EventID: id}); err != nil {
		return err
	}
	guild, err := m.client.Guild(ctx, req.Guild)
	if err != nil {
		return err
	}
	dur := features.Duration(d)
	m.dm(ctx, member.User.ID, fmt.Sprintf("You are on thin ice in **%s** for %s.", guild.Name, dur))
	m.audit(ctx, req, member.User, fmt.Sprintf("%s (`%s`) put %s (`%s`) on thin ice for %s.",
		req.Author.Mention(), req.Author.Tag(), member.User.Mention(), member.User.Tag(), dur))
	return features.Done(ctx, req, fmt.Sprintf("%s is on thin ice for %s.", member.User.Mention(), dur))
}

// audit writes to the modlog; a failure is logged, never shown.
func (m *Module) audit(ctx context.Context, req *router.Request, target platform.User, text string) {
	err := m.modlog.Log(ctx, modlog.Entry{Guild: req.Guild, Target: target.ID, Moderator: req.Author.ID, Text: text})
	if err != nil {
		req.Logger.Warn("modlog failed", logx.Err(err))
	}
}
