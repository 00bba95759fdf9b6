// Package jobs executes scheduled events against the chat platform.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"melutils/internal/modlog"
	"melutils/internal/platform"
	"melutils/internal/scheduler"
	"melutils/internal/storage"
	logx "melutils/pkg/logx"
)

// MaxTimeout is the longest communication timeout the platform accepts.
const MaxTimeout = 28 * 24 * time.Hour

// Store is the persistence the handlers touch besides the schedule table.
type Store interface {
	GuildsWithBirthdayCategory(ctx context.Context) (map[platform.ID]platform.ID, error)
	DeleteThinIce(ctx context.Context, guild, user platform.ID) error
	PutBirthday(ctx context.Context, b storage.Birthday) error
}

// Modlog records moderation actions.
type Modlog interface {
	Log(ctx context.Context, e modlog.Entry) error
}

type Option func(*Handlers)

func WithClock(c clockwork.Clock) Option { return func(h *Handlers) { h.clock = c } }
func WithLogger(l logx.Logger) Option    { return func(h *Handlers) { h.log = l } }

// Handlers implements scheduler.Handler for every built-in event kind.
type Handlers struct {
	client platform.Client
	store  Store
	modlog Modlog
	clock  clockwork.Clock
	log    logx.Logger
}

func New(client platform.Client, store Store, ml Modlog, opts ...Option) *Handlers {
	h := &Handlers{client: client, store: store, modlog: ml}
	for _, o := range opts {
		o(h)
	}
	if h.clock == nil {
		h.clock = clockwork.NewRealClock()
	}
	if h.log.IsZero() {
		h.log = logx.Nop()
	}
	h.log = h.log.With(logx.String("comp", "jobs"))
	return h
}

func (h *Handlers) Handle(ctx context.Context, sched scheduler.Scheduler, ev scheduler.Event) error {
	switch ev := ev.(type) {
	case scheduler.Debug:
		h.log.Info("debug event fired")
		return nil
	case scheduler.Message:
		return h.message(ctx, ev)
	case scheduler.Unban:
		return h.unban(ctx, ev)
	case scheduler.Unmute:
		return h.unmute(ctx, ev)
	case scheduler.RefreshMute:
		return h.refreshMute(ctx, sched, ev)
	case scheduler.UnThinIce:
		return h.unThinIce(ctx, ev)
	case scheduler.Birthday:
		return h.birthday(ctx, sched, ev)
	case scheduler.DelBirthdayChannel:
		return h.delBirthdayChannels(ctx, ev)
	default:
		return fmt.Errorf("%w: %T", scheduler.ErrUnknownEventType, ev)
	}
}

// message sends to a channel, falling back to a DM when the id is a user.
func (h *Handlers) message(ctx context.Context, ev scheduler.Message) error {
	opt := &platform.SendOptions{Mentions: platform.MentionNone}
	ch, err := h.client.Channel(ctx, ev.Channel)
	if err == nil {
		_, err = h.client.SendMessage(ctx, ch.ID, ev.Message, opt)
		return err
	}
	if !platform.IsNotFound(err) {
		return err
	}
	u, err := h.client.User(ctx, ev.Channel)
	if err != nil {
		return fmt.Errorf("message target %s: %w", ev.Channel, err)
	}
	_, err = h.client.SendDM(ctx, u.ID, ev.Message)
	return err
}

func (h *Handlers) unban(ctx context.Context, ev scheduler.Unban) error {
	var (
		guild platform.Guild
		user  platform.User
	)
	fetch, fctx := errgroup.WithContext(ctx)
	fetch.Go(func() (err error) {
		guild, err = h.client.Guild(fctx, ev.Guild)
		return err
	})
	fetch.Go(func() (err error) {
		user, err = h.client.User(fctx, ev.Member)
		return err
	})
	if err := fetch.Wait(); err != nil {
		return fmt.Errorf("unban lookup: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error { return h.client.Unban(ctx, guild.ID, user.ID, "End of temp-ban.") })
	g.Go(func() error {
		_, err := h.client.SendDM(ctx, user.ID, fmt.Sprintf("You were unbanned in **%s**.", guild.Name))
		return err
	})
	g.Go(func() error {
		return h.modlog.Log(ctx, modlog.Entry{
			Guild:  guild.ID,
			Target: user.ID,
			Text:   fmt.Sprintf("%s (`%s`) was automatically unbanned.", user.Mention(), user.Tag()),
		})
	})
	return g.Wait()
}

func (h *Handlers) unmute(ctx context.Context, ev scheduler.Unmute) error {
	guild, member, err := h.guildMember(ctx, ev.Guild, ev.Member)
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.Go(func() error {
		_, err := h.client.SendDM(ctx, member.User.ID, fmt.Sprintf("You were unmuted in **%s**.", guild.Name))
		return err
	})
	g.Go(func() error {
		return h.modlog.Log(ctx, modlog.Entry{
			Guild:  guild.ID,
			Target: member.User.ID,
			Text:   fmt.Sprintf("%s (`%s`) was automatically unmuted.", member.User.Mention(), member.User.Tag()),
		})
	})
	return g.Wait()
}

// refreshMute keeps a timeout alive past the platform cap. Each run schedules
// exactly one follow-up: another refresh, or the final unmute.
func (h *Handlers) refreshMute(ctx context.Context, sched scheduler.Scheduler, ev scheduler.RefreshMute) error {
	_, member, err := h.guildMember(ctx, ev.Guild, ev.Member)
	if err != nil {
		return err
	}
	now := h.clock.Now()
	capped := now.Add(MaxTimeout)
	log := h.log.With(logx.Snowflake("guild", ev.Guild), logx.Snowflake("member", ev.Member))

	if ev.MuteEnd == nil || ev.MuteEnd.Sub(now) > MaxTimeout {
		if err := h.client.TimeoutMember(ctx, ev.Guild, member.User.ID, capped); err != nil {
			return fmt.Errorf("refresh timeout: %w", err)
		}
		next := scheduler.RefreshMute{Guild: ev.Guild, Member: ev.Member, MuteEnd: ev.MuteEnd}
		if _, err := sched.Schedule(ctx, capped, next); err != nil {
			return fmt.Errorf("schedule refresh: %w", err)
		}
		if ev.MuteEnd == nil {
			log.Debug("refreshed permanent mute")
		} else {
			log.Debug("refreshed mute", logx.Time("ends", ev.MuteEnd.Time))
		}
		return nil
	}

	end := ev.MuteEnd.Time
	if err := h.client.TimeoutMember(ctx, ev.Guild, member.User.ID, end); err != nil {
		return fmt.Errorf("final timeout: %w", err)
	}
	if _, err := sched.Schedule(ctx, end, scheduler.Unmute{Guild: ev.Guild, Member: ev.Member}); err != nil {
		return fmt.Errorf("schedule unmute: %w", err)
	}
	log.Debug("refreshed mute for the last time", logx.Time("ends", end))
	return nil
}

func (h *Handlers) unThinIce(ctx context.Context, ev scheduler.UnThinIce) error {
	guild, member, err := h.guildMember(ctx, ev.Guild, ev.Member)
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.Go(func() error { return h.client.RemoveRole(ctx, guild.ID, member.User.ID, ev.ThinIceRole) })
	g.Go(func() error {
		_, err := h.client.SendDM(ctx, member.User.ID, fmt.Sprintf("Your thin ice has expired in **%s**.", guild.Name))
		return err
	})
	g.Go(func() error {
		return h.modlog.Log(ctx, modlog.Entry{
			Guild:  guild.ID,
			Target: member.User.ID,
			Text:   fmt.Sprintf("%s's (`%s`) thin ice has expired.", member.User.Mention(), member.User.Tag()),
		})
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return h.store.DeleteThinIce(ctx, guild.ID, member.User.ID)
}

func (h *Handlers) delBirthdayChannels(ctx context.Context, ev scheduler.DelBirthdayChannel) error {
	var errs []error
	for _, ch := range ev.Channels {
		err := h.client.DeleteChannel(ctx, ch, "Birthday is over")
		switch {
		case err == nil:
		case platform.IsNotFound(err):
			h.log.Debug("birthday channel already gone", logx.Snowflake("channel", ch))
		default:
			errs = append(errs, fmt.Errorf("delete %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Handlers) guildMember(ctx context.Context, guildID, userID platform.ID) (platform.Guild, platform.Member, error) {
	guild, err := h.client.Guild(ctx, guildID)
	if err != nil {
		return platform.Guild{}, platform.Member{}, fmt.Errorf("guild %s: %w", guildID, err)
	}
	member, err := h.client.Member(ctx, guildID, userID)
	if err != nil {
		return guild, platform.Member{}, fmt.Errorf("member %s: %w", userID, err)
	}
	return guild, member, nil
}

var _ scheduler.Handler = (*Handlers)(nil)
