// Package autoreact reacts to new messages in configured channels.
package autoreact

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"melutils/internal/features"
	"melutils/internal/modlog"
	"melutils/internal/platform"
	"melutils/internal/router"
	"melutils/internal/storage"
	logx "melutils/pkg/logx"
)

// maxParallel bounds concurrent reaction calls per message.
const maxParallel = 4

type Store interface {
	PutAutoReaction(ctx context.Context, r storage.AutoReaction) error
	DeleteAutoReaction(ctx context.Context, channel, emoji platform.ID) (bool, error)
	AutoReactions(ctx context.Context, guild platform.ID) ([]storage.AutoReaction, error)
	AutoReactionsFor(ctx context.Context, channel, parent platform.ID) ([]storage.AutoReaction, error)
}

type Module struct {
	client platform.Client
	store  Store
	modlog features.Modlog
	log    logx.Logger
}

func New(client platform.Client, store Store, ml features.Modlog, log logx.Logger) *Module {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Module{client: client, store: store, modlog: ml, log: log.With(logx.String("comp", "autoreact"))}
}

func (m *Module) Name() string { return "autoreact" }

func (m *Module) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "autoreaction add",
			Aliases:     []string{"addautoreaction", "addautoreactionrule", "createautoreaction", "addar", "aar", "createar"},
			Description: "react to every message in a channel with an emoji",
			Usage:       "autoreaction add <channel> <emoji> [--threads]",
			Access:      router.AccessMod,
			GuildOnly:   true,
			Handle:      m.add,
		},
		{
			Route:       "autoreaction remove",
			Aliases:     []string{"removeautoreaction", "deleteautoreaction", "removear", "deletear", "delar", "rar", "dar"},
			Description: "stop reacting in a channel with an emoji",
			Usage:       "autoreaction remove <channel> <emoji>",
			Access:      router.AccessMod,
			GuildOnly:   true,
			Handle:      m.remove,
		},
		{
			Route:       "autoreaction list",
			Aliases:     []string{"autoreactionrules", "autoreactions", "ars", "ar"},
			Description: "list this server's autoreaction rules",
			Usage:       "autoreaction list",
			GuildOnly:   true,
			Handle:      m.list,
		},
	}
}

func (m *Module) Listeners() []router.Listener {
	return []router.Listener{
		{Kind: platform.UpdateMessage, Handle: m.onMessage},
		{Kind: platform.UpdateThreadCreate, Handle: m.onThreadCreate},
	}
}

func (m *Module) args(ctx context.Context, req *router.Request) (platform.Channel, platform.Emoji, error) {
	if len(req.Args) < 2 {
		return platform.Channel{}, platform.Emoji{}, router.Errorf("Usage: `%s <channel> <emoji>`", strings.Join(req.Path, " "))
	}
	chID, err := router.ParseChannel(req.Args[0])
	if err != nil {
		return platform.Channel{}, platform.Emoji{}, err
	}
	ch, err := m.client.Channel(ctx, chID)
	if platform.IsNotFound(err) || (err == nil && ch.GuildID != req.Guild) {
		return platform.Channel{}, platform.Emoji{}, router.Errorf("I can't find that channel in this server.")
	}
	if err != nil {
		return platform.Channel{}, platform.Emoji{}, err
	}
	parsed, err := router.ParseEmoji(req.Args[1])
	if err != nil {
		return platform.Channel{}, platform.Emoji{}, err
	}
	emoji, err := m.client.Emoji(ctx, req.Guild, parsed.ID)
	if platform.IsNotFound(err) {
		return platform.Channel{}, platform.Emoji{}, router.Errorf("That emoji is not from this server.")
	}
	return ch, emoji, err
}

func (m *Module) add(ctx context.Context, req *router.Request) error {
	ch, emoji, err := m.args(ctx, req)
	if err != nil {
		return err
	}
	threads := req.Bools["threads"]
	if len(req.Args) > 2 {
		threads = isTrue(req.Args[2])
	}
	if err := m.store.PutAutoReaction(ctx, storage.AutoReaction{
		Guild: req.Guild, Channel: ch.ID, Emoji: emoji.ID, ReactToThreads: threads,
	}); err != nil {
		return err
	}
	m.audit(ctx, req, fmt.Sprintf("%s (`%s`) added new autoreaction rule (%s in %s)",
		req.Author.Mention(), req.Author.Tag(), emoji, ch.Mention()))
	return features.Done(ctx, req, fmt.Sprintf("I will now react to all messages in %s with %s.", ch.Mention(), emoji))
}

func (m *Module) remove(ctx context.Context, req *router.Request) error {
	ch, emoji, err := m.args(ctx, req)
	if err != nil {
		return err
	}
	ok, err := m.store.DeleteAutoReaction(ctx, ch.ID, emoji.ID)
	if err != nil {
		return err
	}
	if !ok {
		return req.Reply(ctx, "⚠️ No matching autoreaction rule found!")
	}
	m.audit(ctx, req, fmt.Sprintf("%s (`%s`) removed autoreaction rule (%s in %s).",
		req.Author.Mention(), req.Author.Tag(), emoji, ch.Mention()))
	return features.Done(ctx, req, fmt.Sprintf("Removed autoreaction rule for %s.", ch.Mention()))
}

func (m *Module) list(ctx context.Context, req *router.Request) error {
	rules, err := m.store.AutoReactions(ctx, req.Guild)
	if err != nil {
		return err
	}
	s := "s"
	if len(rules) == 1 {
		s = ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d autoreaction rule%s:", len(rules), s)
	for _, r := range rules {
		name := "`" + r.Emoji.String() + "`"
		if e, err := m.client.Emoji(ctx, req.Guild, r.Emoji); err == nil {
			name = e.String()
		}
		fmt.Fprintf(&b, "\n%s: %s", r.Channel.ChannelMention(), name)
		if r.ReactToThreads {
			b.WriteString(" (applies to threads)")
		}
	}
	return req.Reply(ctx, b.String())
}

func (m *Module) onMessage(ctx context.Context, up platform.Update) error {
	msg := up.Message
	if msg == nil || msg.GuildID == 0 {
		return nil
	}
	var parent platform.ID
	ch := up.Channel
	if ch == nil {
		c, err := m.client.Channel(ctx, msg.ChannelID)
		if err != nil {
			return fmt.Errorf("autoreact channel: %w", err)
		}
		ch = &c
	}
	if ch.Type.IsThread() {
		parent = ch.ParentID
	}
	rules, err := m.store.AutoReactionsFor(ctx, msg.ChannelID, parent)
	if err != nil {
		return err
	}
	return m.react(ctx, msg.GuildID, msg.ChannelID, msg.ID, rules)
}

// onThreadCreate reacts to the opening post of new forum threads.
func (m *Module) onThreadCreate(ctx context.Context, up platform.Update) error {
	th := up.Channel
	if th == nil || th.ParentID == 0 {
		return nil
	}
	parent, err := m.client.Channel(ctx, th.ParentID)
	if err != nil {
		return fmt.Errorf("thread parent: %w", err)
	}
	if parent.Type != platform.ChannelForum {
		return nil
	}
	rules, err := m.store.AutoReactionsFor(ctx, parent.ID, 0)
	if err != nil || len(rules) == 0 {
		return err
	}
	first, err := m.client.FirstMessage(ctx, th.ID)
	if err != nil {
		return fmt.Errorf("first message of %d: %w", th.ID, err)
	}
	return m.react(ctx, th.GuildID, th.ID, first.ID, rules)
}

// react applies every rule; rules whose emoji was deleted from the guild are
// dropped.
func (m *Module) react(ctx context.Context, guild, channel, message platform.ID, rules []storage.AutoReaction) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, r := range rules {
		emoji, err := m.client.Emoji(ctx, guild, r.Emoji)
		if platform.IsNotFound(err) {
			m.dropRule(ctx, guild, channel, r)
			continue
		}
		if err != nil {
			_ = g.Wait()
			return err
		}
		g.Go(func() error { return m.client.AddReaction(gctx, channel, message, emoji) })
	}
	return g.Wait()
}

func (m *Module) dropRule(ctx context.Context, guild, channel platform.ID, r storage.AutoReaction) {
	if _, err := m.store.DeleteAutoReaction(ctx, r.Channel, r.Emoji); err != nil {
		m.log.Warn("drop stale rule failed", logx.Snowflake("channel", r.Channel), logx.Err(err))
		return
	}
	text := fmt.Sprintf("Removed autoreaction rule from %s because emoji with id `%s` no longer exists.",
		channel.ChannelMention(), r.Emoji)
	if err := m.modlog.Log(ctx, modlog.Entry{Guild: guild, Text: text}); err != nil {
		m.log.Warn("modlog failed", logx.Err(err))
	}
}

func (m *Module) audit(ctx context.Context, req *router.Request, text string) {
	if err := m.modlog.Log(ctx, modlog.Entry{Guild: req.Guild, Moderator: req.Author.ID, Text: text}); err != nil {
		req.Logger.Warn("modlog failed", logx.Err(err))
	}
}

func isTrue(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "y", "true", "t", "1", "on", "enable", "enabled", "threads":
		return true
	}
	return false
}
