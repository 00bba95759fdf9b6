// Package xp awards experience for chatting and reports levels.
package xp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	"melutils/internal/features"
	"melutils/internal/platform"
	"melutils/internal/router"
	"melutils/internal/storage"
	logx "melutils/pkg/logx"
)

const barCols = 20

type Store interface {
	ServerConfig(ctx context.Context, guild platform.ID) (storage.ServerConfig, bool, error)
	AddXP(ctx context.Context, guild, user platform.ID, delta int64) error
	XPRank(ctx context.Context, guild, user platform.ID) (xp, rank int64, ok bool, err error)
	XPExclusion(ctx context.Context, guild, id platform.ID) (excluded, modSet bool, err error)
	ExcludedFromXP(ctx context.Context, guild, user, channel platform.ID) (bool, error)
	PutXPExclusion(ctx context.Context, guild, id platform.ID, modSet bool) error
	DeleteXPExclusion(ctx context.Context, guild, id platform.ID) error
}

type Option func(*Module)

func WithClock(c clockwork.Clock) Option { return func(m *Module) { m.clock = c } }
func WithLogger(l logx.Logger) Option    { return func(m *Module) { m.log = l } }

type Module struct {
	client platform.Client
	store  Store
	clock  clockwork.Clock
	log    logx.Logger

	cool *cooldowns
}

func New(client platform.Client, store Store, opts ...Option) *Module {
	m := &Module{client: client, store: store, cool: &cooldowns{last: map[memberKey]time.Time{}}}
	for _, o := range opts {
		o(m)
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "xp"))
	return m
}

func (m *Module) Name() string { return "xp" }

func (m *Module) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "rank",
			Aliases:     []string{"level", "xp"},
			Description: "show XP, level and rank",
			Usage:       "rank [user]",
			GuildOnly:   true,
			Handle:      m.rank,
		},
		{
			Route:       "togglemyxp",
			Description: "stop or resume gaining XP yourself",
			Usage:       "togglemyxp",
			GuildOnly:   true,
			Handle:      m.toggleMine,
		},
		{
			Route:       "excludefromxp",
			Description: "toggle whether a user or channel gains XP",
			Usage:       "excludefromxp <user|channel>",
			Access:      router.AccessMod,
			GuildOnly:   true,
			Handle:      m.exclude,
		},
	}
}

func (m *Module) Listeners() []router.Listener {
	return []router.Listener{{Kind: platform.UpdateMessage, Handle: m.onMessage}}
}

// PruneCooldowns forgets members idle for longer than ttl.
func (m *Module) PruneCooldowns(ttl time.Duration) int {
	return m.cool.prune(m.clock.Now().Add(-ttl))
}

func (m *Module) onMessage(ctx context.Context, up platform.Update) error {
	msg := up.Message
	if msg == nil || msg.GuildID == 0 || msg.Author.Bot {
		return nil
	}
	key := memberKey{guild: msg.GuildID, user: msg.Author.ID}
	now := msg.CreatedAt
	if now.IsZero() {
		now = m.clock.Now()
	}
	if last, ok := m.cool.get(key); ok {
		cfg, _, err := m.store.ServerConfig(ctx, msg.GuildID)
		if err != nil {
			return err
		}
		if wait := cfg.TimeBetweenXP - now.Sub(last); wait > 0 {
			m.log.Debug("xp cooldown", logx.Snowflake("user", key.user), logx.Duration("wait", wait))
			return nil
		}
	}
	excluded, err := m.store.ExcludedFromXP(ctx, msg.GuildID, msg.Author.ID, msg.ChannelID)
	if err != nil || excluded {
		return err
	}
	if err := m.store.AddXP(ctx, msg.GuildID, msg.Author.ID, 1); err != nil {
		return fmt.Errorf("add xp: %w", err)
	}
	m.cool.set(key, now)
	return nil
}

func (m *Module) rank(ctx context.Context, req *router.Request) error {
	user := req.Author
	if len(req.Args) > 0 {
		id, err := router.ParseUser(req.Args[0])
		if err != nil {
			return err
		}
		if user, err = m.client.User(ctx, id); platform.IsNotFound(err) {
			return router.Errorf("I can't find user `%s`.", req.Args[0])
		} else if err != nil {
			return err
		}
	}
	total, pos, ok, err := m.store.XPRank(ctx, req.Guild, user.ID)
	if err != nil {
		return err
	}
	cfg, _, err := m.store.ServerConfig(ctx, req.Guild)
	if err != nil {
		return err
	}
	per := cfg.XPChangePerLevel
	level := Level(float64(total), per)
	cur, next := Threshold(level, per), Threshold(level+1, per)

	name := user.Username
	if member, err := m.client.Member(ctx, req.Guild, user.ID); err == nil {
		name = member.DisplayName()
	}
	rankText := "unranked"
	if ok {
		rankText = "#" + humanize.Comma(pos)
	}
	lines := []string{
		"**" + name + "**",
		fmt.Sprintf("XP: %s | Level: %d | Rank: %s", humanize.Comma(total), level, rankText),
		fmt.Sprintf("%s `%s` %s", si(cur), ProgressBar(float64(total)-cur, next-cur, barCols), si(next)),
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func si(v float64) string {
	return strings.TrimSpace(humanize.SIWithDigits(v, 2, ""))
}

func (m *Module) toggleMine(ctx context.Context, req *router.Request) error {
	excluded, modSet, err := m.store.XPExclusion(ctx, req.Guild, req.Author.ID)
	if err != nil {
		return err
	}
	switch {
	case !excluded:
		if err := m.store.PutXPExclusion(ctx, req.Guild, req.Author.ID, false); err != nil {
			return err
		}
		return features.Done(ctx, req, "Disabled your XP.")
	case !modSet:
		if err := m.store.DeleteXPExclusion(ctx, req.Guild, req.Author.ID); err != nil {
			return err
		}
		return features.Done(ctx, req, "Enabled your XP.")
	}
	return router.Errorf("Your XP has been disabled by a moderator. Contact a moderator to get your XP re-enabled.\n"+
		"If you are a moderator, use `%sexcludefromxp`.", router.DefaultPrefix)
}

func (m *Module) exclude(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return router.Errorf("Usage: `excludefromxp <user|channel>`")
	}
	id, mention, err := m.userOrChannel(ctx, req)
	if err != nil {
		return err
	}
	excluded, _, err := m.store.XPExclusion(ctx, req.Guild, id)
	if err != nil {
		return err
	}
	if excluded {
		if err := m.store.DeleteXPExclusion(ctx, req.Guild, id); err != nil {
			return err
		}
		return features.Done(ctx, req, "Unexcluded "+mention+" from XP.")
	}
	if err := m.store.PutXPExclusion(ctx, req.Guild, id, true); err != nil {
		return err
	}
	return features.Done(ctx, req, "Excluded "+mention+" from XP.")
}

// userOrChannel resolves a mention or bare id; bare ids of channels in this
// guild win over users.
func (m *Module) userOrChannel(ctx context.Context, req *router.Request) (platform.ID, string, error) {
	arg := req.Args[0]
	if strings.HasPrefix(arg, "<#") {
		id, err := router.ParseChannel(arg)
		if err != nil {
			return 0, "", err
		}
		return m.channelIn(ctx, req.Guild, id)
	}
	id, err := router.ParseUser(arg)
	if err != nil {
		return 0, "", router.Errorf("`%s` is not a user or channel.", arg)
	}
	if !strings.HasPrefix(arg, "<@") {
		if ch, err := m.client.Channel(ctx, id); err == nil && ch.GuildID == req.Guild {
			return ch.ID, ch.Mention(), nil
		}
	}
	u, err := m.client.User(ctx, id)
	if platform.IsNotFound(err) {
		return 0, "", router.Errorf("I can't find `%s`.", arg)
	}
	if err != nil {
		return 0, "", err
	}
	return u.ID, u.Mention(), nil
}

func (m *Module) channelIn(ctx context.Context, guild, id platform.ID) (platform.ID, string, error) {
	ch, err := m.client.Channel(ctx, id)
	if platform.IsNotFound(err) || (err == nil && ch.GuildID != guild) {
		return 0, "", router.Errorf("I can't find that channel in this server.")
	}
	if err != nil {
		return 0, "", err
	}
	return ch.ID, ch.Mention(), nil
}

type memberKey struct{ guild, user platform.ID }

// cooldowns remembers when each member last gained XP. Losing it on restart
// only grants one extra point.
type cooldowns struct {
	mu   sync.Mutex
	last map[memberKey]time.Time
}

func (c *cooldowns) get(k memberKey) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[k]
	return t, ok
}

func (c *cooldowns) set(k memberKey, t time.Time) {
	c.mu.Lock()
	c.last[k] = t
	c.mu.Unlock()
}

func (c *cooldowns) prune(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, t := range c.last {
		if t.Before(cutoff) {
			delete(c.last, k)
			n++
		}
	}
	return n
}

func (c *cooldowns) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}
