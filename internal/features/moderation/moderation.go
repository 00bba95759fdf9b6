// Package moderation holds the commands that punish, remind and celebrate
// through the event scheduler, plus the guild settings they depend on.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"melutils/internal/features"
	"melutils/internal/platform"
	"melutils/internal/router"
	"melutils/internal/scheduler"
	"melutils/internal/storage"
	logx "melutils/pkg/logx"
)

type Store interface {
	ServerConfig(ctx context.Context, guild platform.ID) (storage.ServerConfig, bool, error)
	SetServerConfig(ctx context.Context, guild platform.ID, field storage.Field, value any) error
	PutThinIce(ctx context.Context, t storage.ThinIce) error
	ThinIce(ctx context.Context, guild, user platform.ID) (storage.ThinIce, bool, error)
	PutBirthday(ctx context.Context, b storage.Birthday) error
	Birthday(ctx context.Context, user platform.ID) (storage.Birthday, bool, error)
	ModlogEntries(ctx context.Context, guild, target platform.ID, limit int) ([]storage.ModlogEntry, error)
}

type Option func(*Module)

func WithClock(c clockwork.Clock) Option { return func(m *Module) { m.clock = c } }
func WithLogger(l logx.Logger) Option    { return func(m *Module) { m.log = l } }

type Module struct {
	client platform.Client
	store  Store
	sched  features.Scheduler
	modlog features.Modlog
	clock  clockwork.Clock
	log    logx.Logger
}

func New(client platform.Client, store Store, sched features.Scheduler, ml features.Modlog, opts ...Option) *Module {
	m := &Module{client: client, store: store, sched: sched, modlog: ml}
	for _, o := range opts {
		o(m)
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "moderation"))
	return m
}

func (m *Module) Name() string { return "moderation" }

func (m *Module) Listeners() []router.Listener { return nil }

func (m *Module) Commands() []router.Command {
	cmds := []router.Command{
		{
			Route:       "tempban",
			Aliases:     []string{"tb"},
			Description: "ban a user and unban them later",
			Usage:       "tempban <user> <duration> [reason]",
			Access:      router.AccessMod,
			Handle:      m.tempban,
		},
		{
			Route:       "unban",
			Description: "unban a user and drop their pending unban",
			Usage:       "unban <user>",
			Access:      router.AccessMod,
			Handle:      m.unban,
		},
		{
			Route:       "mute",
			Aliases:     []string{"timeout"},
			Description: "time a member out, indefinitely when no duration is given",
			Usage:       "mute <user> [duration] [reason]",
			Access:      router.AccessMod,
			Handle:      m.mute,
		},
		{
			Route:       "unmute",
			Aliases:     []string{"untimeout"},
			Description: "lift a member's timeout",
			Usage:       "unmute <user>",
			Access:      router.AccessMod,
			Handle:      m.unmute,
		},
		{
			Route:       "thinice",
			Aliases:     []string{"ti"},
			Description: "give a member the thin ice role for a while",
			Usage:       "thinice <user> <duration>",
			Access:      router.AccessMod,
			Handle:      m.thinIce,
		},
		{
			Route:       "remind",
			Aliases:     []string{"remindme", "reminder"},
			Description: "send a message here later (--dm to get it privately)",
			Usage:       "remind <duration> <text> [--dm]",
			Handle:      m.remind,
		},
		{
			Route:       "birthday",
			Aliases:     []string{"setbirthday"},
			Description: "set your birthday so servers can celebrate it",
			Usage:       "birthday <YYYY-MM-DD>",
			Handle:      m.setBirthday,
		},
		{
			Route:       "cancelevent",
			Aliases:     []string{"cancel"},
			Description: "cancel a pending scheduled event",
			Usage:       "cancelevent <id>",
			Access:      router.AccessMod,
			Handle:      m.cancelEvent,
		},
		{
			Route:       "events",
			Aliases:     []string{"scheduled"},
			Description: "list this server's pending scheduled events",
			Usage:       "events",
			Access:      router.AccessMod,
			Handle:      m.listEvents,
		},
		{
			Route:       "modlogs",
			Aliases:     []string{"history"},
			Description: "show recent moderation actions against a user",
			Usage:       "modlogs <user>",
			Access:      router.AccessMod,
			Handle:      m.modlogs,
		},
	}
	return append(cmds, m.settingsCommands()...)
}

func (m *Module) userArg(ctx context.Context, req *router.Request, i int) (platform.User, error) {
	if i >= len(req.Args) {
		return platform.User{}, router.Errorf("Missing user. Usage: `%s`", req.Command)
	}
	id, err := router.ParseUser(req.Args[i])
	if err != nil {
		return platform.User{}, err
	}
	u, err := m.client.User(ctx, id)
	if platform.IsNotFound(err) {
		return platform.User{}, router.Errorf("I can't find user `%s`.", req.Args[i])
	}
	return u, err
}

func (m *Module) memberArg(ctx context.Context, req *router.Request, i int) (platform.Member, error) {
	u, err := m.userArg(ctx, req, i)
	if err != nil {
		return platform.Member{}, err
	}
	member, err := m.client.Member(ctx, req.Guild, u.ID)
	if platform.IsNotFound(err) {
		return platform.Member{}, router.Errorf("%s is not in this server.", u.Mention())
	}
	return member, err
}

func durationArg(req *router.Request, i int) (time.Duration, error) {
	if i >= len(req.Args) {
		return 0, router.Errorf("Missing duration, e.g. `1d12h`.")
	}
	return router.ParseDuration(req.Args[i])
}

// reason prefers --reason over trailing words.
func reason(req *router.Request, from int) string {
	if r := req.Flags["reason"]; r != "" {
		return r
	}
	return req.Rest(from)
}

func withReason(text, reason string) string {
	if reason == "" {
		return text
	}
	return text + "\nReason: " + reason
}

// dm is best effort; members often block DMs.
func (m *Module) dm(ctx context.Context, user platform.ID, text string) {
	if _, err := m.client.SendDM(ctx, user, text); err != nil {
		m.log.Debug("dm failed", logx.Snowflake("user", user), logx.Err(err))
	}
}

// eventTarget extracts the guild and member an event acts on.
func eventTarget(ev scheduler.Event) (guild, member platform.ID, ok bool) {
	switch ev := ev.(type) {
	case scheduler.Unban:
		return ev.Guild, ev.Member, true
	case scheduler.Unmute:
		return ev.Guild, ev.Member, true
	case scheduler.RefreshMute:
		return ev.Guild, ev.Member, true
	case scheduler.UnThinIce:
		return ev.Guild, ev.Member, true
	}
	return 0, 0, false
}

// cancelFor drops pending events of the given kinds aimed at member.
func (m *Module) cancelFor(ctx context.Context, guild, member platform.ID, kinds ...string) (int, error) {
	recs, err := m.sched.Pending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if !slices.Contains(kinds, rec.Kind) {
			continue
		}
		ev, err := scheduler.Decode(rec.Kind, rec.Data)
		if err != nil {
			continue
		}
		if g, u, ok := eventTarget(ev); !ok || g != guild || u != member {
			continue
		}
		if err := m.cancelQuiet(ctx, rec.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// cancelQuiet treats an already fired or cancelled event as success.
func (m *Module) cancelQuiet(ctx context.Context, id int64) error {
	if id == 0 {
		return nil
	}
	if err := m.sched.Cancel(ctx, id); err != nil && !errors.Is(err, scheduler.ErrNotFound) {
		return fmt.Errorf("cancel event %d: %w", id, err)
	}
	return nil
}

func eventRef(id int64) string { return "`#" + strconv.FormatInt(id, 10) + "`" }
