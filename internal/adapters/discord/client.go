package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"melutils/internal/platform"
)

const threadArchiveMinutes = 10080

// do runs one REST call through the circuit breaker.
func do[T any](a *Adapter, op string, fn func() (T, error)) (T, error) {
	v, err := a.cb.Execute(func() (any, error) {
		v, err := fn()
		return v, mapErr(err)
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("discord %s: %w", op, err)
	}
	return v.(T), nil
}

func exec(a *Adapter, op string, fn func() error) error {
	_, err := do(a, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func opts(ctx context.Context, reason string) []discordgo.RequestOption {
	o := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if reason != "" {
		o = append(o, discordgo.WithAuditLogReason(reason))
	}
	return o
}

func (a *Adapter) Guild(ctx context.Context, id platform.ID) (platform.Guild, error) {
	if g, err := a.s.State.Guild(sid(id)); err == nil {
		return toGuild(g), nil
	}
	g, err := do(a, "guild", func() (*discordgo.Guild, error) { return a.s.Guild(sid(id), opts(ctx, "")...) })
	if err != nil {
		return platform.Guild{}, err
	}
	return toGuild(g), nil
}

func (a *Adapter) Guilds(ctx context.Context) ([]platform.Guild, error) {
	a.s.State.RLock()
	defer a.s.State.RUnlock()
	out := make([]platform.Guild, 0, len(a.s.State.Guilds))
	for _, g := range a.s.State.Guilds {
		out = append(out, toGuild(g))
	}
	return out, nil
}

func (a *Adapter) Channel(ctx context.Context, id platform.ID) (platform.Channel, error) {
	if c, err := a.s.State.Channel(sid(id)); err == nil {
		return toChannel(c), nil
	}
	c, err := do(a, "channel", func() (*discordgo.Channel, error) { return a.s.Channel(sid(id), opts(ctx, "")...) })
	if err != nil {
		return platform.Channel{}, err
	}
	return toChannel(c), nil
}

func (a *Adapter) User(ctx context.Context, id platform.ID) (platform.User, error) {
	u, err := do(a, "user", func() (*discordgo.User, error) { return a.s.User(sid(id), opts(ctx, "")...) })
	if err != nil {
		return platform.User{}, err
	}
	return toUser(u), nil
}

func (a *Adapter) Member(ctx context.Context, guild, user platform.ID) (platform.Member, error) {
	if m, err := a.s.State.Member(sid(guild), sid(user)); err == nil && m.User != nil {
		out := toMember(m)
		out.GuildID = guild
		return out, nil
	}
	m, err := do(a, "member", func() (*discordgo.Member, error) {
		return a.s.GuildMember(sid(guild), sid(user), opts(ctx, "")...)
	})
	if err != nil {
		return platform.Member{}, err
	}
	out := toMember(m)
	out.GuildID = guild
	return out, nil
}

func (a *Adapter) Emoji(ctx context.Context, guild, emoji platform.ID) (platform.Emoji, error) {
	if e, err := a.s.State.Emoji(sid(guild), sid(emoji)); err == nil {
		return toEmoji(e), nil
	}
	e, err := do(a, "emoji", func() (*discordgo.Emoji, error) {
		return a.s.GuildEmoji(sid(guild), sid(emoji), opts(ctx, "")...)
	})
	if err != nil {
		return platform.Emoji{}, err
	}
	return toEmoji(e), nil
}

func (a *Adapter) MemberPermissions(ctx context.Context, guild, channel, user platform.ID) (int64, error) {
	if p, err := a.s.State.UserChannelPermissions(sid(user), sid(channel)); err == nil {
		return p, nil
	}
	return do(a, "permissions", func() (int64, error) {
		return a.s.UserChannelPermissions(sid(user), sid(channel), opts(ctx, "")...)
	})
}

func (a *Adapter) SendMessage(ctx context.Context, channel platform.ID, text string, opt *platform.SendOptions) (platform.Message, error) {
	if opt == nil {
		opt = &platform.SendOptions{Mentions: platform.MentionUsers}
	}
	data := &discordgo.MessageSend{Content: text, AllowedMentions: allowedMentions(opt.Mentions)}
	if opt.ReplyTo != 0 {
		data.Reference = &discordgo.MessageReference{MessageID: sid(opt.ReplyTo), ChannelID: sid(channel)}
	}
	m, err := do(a, "send", func() (*discordgo.Message, error) {
		return a.s.ChannelMessageSendComplex(sid(channel), data, opts(ctx, "")...)
	})
	if err != nil {
		return platform.Message{}, err
	}
	return toMessage(m), nil
}

func (a *Adapter) SendDM(ctx context.Context, user platform.ID, text string) (platform.Message, error) {
	ch, err := do(a, "dm channel", func() (*discordgo.Channel, error) {
		return a.s.UserChannelCreate(sid(user), opts(ctx, "")...)
	})
	if err != nil {
		return platform.Message{}, err
	}
	return a.SendMessage(ctx, parseID(ch.ID), text, &platform.SendOptions{Mentions: platform.MentionNone})
}

// SendLog posts a log line; it implements logx.Sender.
func (a *Adapter) SendLog(ctx context.Context, channelID uint64, text string) error {
	_, err := a.SendMessage(ctx, platform.ID(channelID), text, &platform.SendOptions{Mentions: platform.MentionNone})
	return err
}

// FirstMessage returns the opening post of a channel. For forum threads the
// starter message shares the thread id.
func (a *Adapter) FirstMessage(ctx context.Context, channel platform.ID) (platform.Message, error) {
	m, err := do(a, "starter message", func() (*discordgo.Message, error) {
		return a.s.ChannelMessage(sid(channel), sid(channel), opts(ctx, "")...)
	})
	if err == nil {
		return toMessage(m), nil
	}
	if !platform.IsNotFound(err) {
		return platform.Message{}, err
	}
	ms, err := do(a, "first message", func() ([]*discordgo.Message, error) {
		return a.s.ChannelMessages(sid(channel), 1, "", "0", "", opts(ctx, "")...)
	})
	if err != nil {
		return platform.Message{}, err
	}
	if len(ms) == 0 {
		return platform.Message{}, fmt.Errorf("channel %s has no messages: %w", channel, platform.ErrNotFound)
	}
	return toMessage(ms[0]), nil
}

func (a *Adapter) AddReaction(ctx context.Context, channel, message platform.ID, emoji platform.Emoji) error {
	return exec(a, "react", func() error {
		return a.s.MessageReactionAdd(sid(channel), sid(message), emoji.API(), opts(ctx, "")...)
	})
}

func (a *Adapter) Ban(ctx context.Context, guild, user platform.ID, reason string) error {
	return exec(a, "ban", func() error {
		return a.s.GuildBanCreateWithReason(sid(guild), sid(user), reason, 0, opts(ctx, "")...)
	})
}

func (a *Adapter) Unban(ctx context.Context, guild, user platform.ID, reason string) error {
	return exec(a, "unban", func() error {
		return a.s.GuildBanDelete(sid(guild), sid(user), opts(ctx, reason)...)
	})
}

func (a *Adapter) TimeoutMember(ctx context.Context, guild, user platform.ID, until time.Time) error {
	var t *time.Time
	if !until.IsZero() {
		t = &until
	}
	return exec(a, "timeout", func() error {
		return a.s.GuildMemberTimeout(sid(guild), sid(user), t, opts(ctx, "")...)
	})
}

func (a *Adapter) AddRole(ctx context.Context, guild, user, role platform.ID) error {
	return exec(a, "add role", func() error {
		return a.s.GuildMemberRoleAdd(sid(guild), sid(user), sid(role), opts(ctx, "")...)
	})
}

func (a *Adapter) RemoveRole(ctx context.Context, guild, user, role platform.ID) error {
	return exec(a, "remove role", func() error {
		return a.s.GuildMemberRoleRemove(sid(guild), sid(user), sid(role), opts(ctx, "")...)
	})
}

func (a *Adapter) CreateTextChannel(ctx context.Context, guild, parent platform.ID, name, reason string) (platform.Channel, error) {
	data := discordgo.GuildChannelCreateData{Name: name, Type: discordgo.ChannelTypeGuildText}
	if parent != 0 {
		data.ParentID = sid(parent)
	}
	c, err := do(a, "create channel", func() (*discordgo.Channel, error) {
		return a.s.GuildChannelCreateComplex(sid(guild), data, opts(ctx, reason)...)
	})
	if err != nil {
		return platform.Channel{}, err
	}
	return toChannel(c), nil
}

func (a *Adapter) DeleteChannel(ctx context.Context, channel platform.ID, reason string) error {
	return exec(a, "delete channel", func() error {
		_, err := a.s.ChannelDelete(sid(channel), opts(ctx, reason)...)
		return err
	})
}

func (a *Adapter) CreateThread(ctx context.Context, channel platform.ID, opt platform.ThreadOptions) (platform.Channel, error) {
	data := &discordgo.ThreadStart{
		Name:                opt.Name,
		AutoArchiveDuration: threadArchiveMinutes,
		Type:                discordgo.ChannelTypeGuildPublicThread,
	}
	if opt.Private {
		data.Type = discordgo.ChannelTypeGuildPrivateThread
		data.Invitable = false
	}
	c, err := do(a, "create thread", func() (*discordgo.Channel, error) {
		return a.s.ThreadStartComplex(sid(channel), data, opts(ctx, opt.Reason)...)
	})
	if err != nil {
		return platform.Channel{}, err
	}
	return toChannel(c), nil
}

func (a *Adapter) ArchiveThread(ctx context.Context, thread platform.ID, lock bool) error {
	archived := true
	edit := &discordgo.ChannelEdit{Archived: &archived}
	if lock {
		edit.Locked = &lock
	}
	return exec(a, "archive thread", func() error {
		_, err := a.s.ChannelEditComplex(sid(thread), edit, opts(ctx, "")...)
		return err
	})
}

func (a *Adapter) RemoveThreadMember(ctx context.Context, thread, user platform.ID) error {
	return exec(a, "remove thread member", func() error {
		return a.s.ThreadMemberRemove(sid(thread), sid(user), opts(ctx, "")...)
	})
}

// Self returns the bot user once the gateway is ready.
func (a *Adapter) Self() platform.User {
	u, _ := a.self.Load().(platform.User)
	return u
}
