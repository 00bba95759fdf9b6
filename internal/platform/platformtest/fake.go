// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"melutils/internal/platform"
)

type Sent struct {
	Channel platform.ID
	Text    string
	Opt     platform.SendOptions
}

type Timeout struct {
	Guild platform.ID
	User  platform.ID
	Until time.Time
}

type RoleChange struct {
	Guild platform.ID
	User  platform.ID
	Role  platform.ID
	Added bool
}

type Reaction struct {
	Channel platform.ID
	Message platform.ID
	Emoji   platform.Emoji
}

// Client is a fake platform. Zero value is not usable; call New.
type Client struct {
	mu sync.Mutex

	self    platform.User
	nextID  platform.ID
	guilds  map[platform.ID]platform.Guild
	chans   map[platform.ID]platform.Channel
	users   map[platform.ID]platform.User
	members map[platform.ID]map[platform.ID]platform.Member
	emojis  map[platform.ID]map[platform.ID]platform.Emoji
	perms   map[platform.ID]int64
	first   map[platform.ID]platform.Message
	bans    map[platform.ID]map[platform.ID]bool

	// FailOps makes the named operation return the given error.
	FailOps map[string]error

	Sent      []Sent
	DMs       []Sent
	Timeouts  []Timeout
	Roles     []RoleChange
	Reactions []Reaction
	Deleted   []platform.ID
	Created   []platform.Channel
	Unbanned  []platform.ID
	Archived  []platform.ID
	Removed   []platform.ID
}

func New() *Client {
	return &Client{
		self:    platform.User{ID: 1, Username: "melutils", Bot: true},
		nextID:  1_000_000,
		guilds:  map[platform.ID]platform.Guild{},
		chans:   map[platform.ID]platform.Channel{},
		users:   map[platform.ID]platform.User{},
		members: map[platform.ID]map[platform.ID]platform.Member{},
		emojis:  map[platform.ID]map[platform.ID]platform.Emoji{},
		perms:   map[platform.ID]int64{},
		first:   map[platform.ID]platform.Message{},
		bans:    map[platform.ID]map[platform.ID]bool{},
		FailOps: map[string]error{},
	}
}

func (c *Client) AddGuild(g platform.Guild) {
	c.mu.Lock()
	c.guilds[g.ID] = g
	c.mu.Unlock()
}

func (c *Client) AddChannel(ch platform.Channel) {
	c.mu.Lock()
	c.chans[ch.ID] = ch
	c.mu.Unlock()
}

func (c *Client) AddUser(u platform.User) {
	c.mu.Lock()
	c.users[u.ID] = u
	c.mu.Unlock()
}

func (c *Client) AddMember(m platform.Member) {
	c.mu.Lock()
	c.users[m.User.ID] = m.User
	if c.members[m.GuildID] == nil {
		c.members[m.GuildID] = map[platform.ID]platform.Member{}
	}
	c.members[m.GuildID][m.User.ID] = m
	c.mu.Unlock()
}

func (c *Client) AddEmoji(guild platform.ID, e platform.Emoji) {
	c.mu.Lock()
	if c.emojis[guild] == nil {
		c.emojis[guild] = map[platform.ID]platform.Emoji{}
	}
	c.emojis[guild][e.ID] = e
	c.mu.Unlock()
}

func (c *Client) SetPermissions(user platform.ID, perms int64) {
	c.mu.Lock()
	c.perms[user] = perms
	c.mu.Unlock()
}

func (c *Client) SetFirstMessage(channel platform.ID, m platform.Message) {
	c.mu.Lock()
	c.first[channel] = m
	c.mu.Unlock()
}

// Snapshot helpers copy recorded slices under the lock.

func (c *Client) SentMessages() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.Sent...)
}

func (c *Client) DirectMessages() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.DMs...)
}

func (c *Client) TimeoutCalls() []Timeout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Timeout(nil), c.Timeouts...)
}

func (c *Client) RoleChanges() []RoleChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RoleChange(nil), c.Roles...)
}

func (c *Client) ReactionCalls() []Reaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Reaction(nil), c.Reactions...)
}

func (c *Client) CreatedChannels() []platform.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]platform.Channel(nil), c.Created...)
}

func (c *Client) DeletedChannels() []platform.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]platform.ID(nil), c.Deleted...)
}

func (c *Client) fail(op string) error {
	if err, ok := c.FailOps[op]; ok {
		return err
	}
	return nil
}

func notFound(what string, id platform.ID) error {
	return fmt.Errorf("%s %d: %w", what, id, platform.ErrNotFound)
}

func (c *Client) Self() platform.User { return c.self }

func (c *Client) Guild(_ context.Context, id platform.ID) (platform.Guild, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("Guild"); err != nil {
		return platform.Guild{}, err
	}
	g, ok := c.guilds[id]
	if !ok {
		return platform.Guild{}, notFound("guild", id)
	}
	return g, nil
}

func (c *Client) Guilds(_ context.Context) ([]platform.Guild, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]platform.Guild, 0, len(c.guilds))
	for _, g := range c.guilds {
		out = append(out, g)
	}
	return out, nil
}

func (c *Client) Channel(_ context.Context, id platform.ID) (platform.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chans[id]
	if !ok {
		return platform.Channel{}, notFound("channel", id)
	}
	return ch, nil
}

func (c *Client) User(_ context.Context, id platform.ID) (platform.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[id]
	if !ok {
		return platform.User{}, notFound("user", id)
	}
	return u, nil
}

func (c *Client) Member(_ context.Context, guild, user platform.ID) (platform.Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[guild][user]
	if !ok {
		return platform.Member{}, notFound("member", user)
	}
	return m, nil
}

func (c *Client) Emoji(_ context.Context, guild, emoji platform.ID) (platform.Emoji, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.emojis[guild][emoji]
	if !ok {
		return platform.Emoji{}, notFound("emoji", emoji)
	}
	return e, nil
}

func (c *Client) MemberPermissions(_ context.Context, _, _, user platform.ID) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perms[user], nil
}

func (c *Client) SendMessage(_ context.Context, channel platform.ID, text string, opt *platform.SendOptions) (platform.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("SendMessage"); err != nil {
		return platform.Message{}, err
	}
	if _, ok := c.chans[channel]; !ok {
		return platform.Message{}, notFound("channel", channel)
	}
	s := Sent{Channel: channel, Text: text}
	if opt != nil {
		s.Opt = *opt
	}
	c.Sent = append(c.Sent, s)
	c.nextID++
	return platform.Message{ID: c.nextID, ChannelID: channel, Content: text, Author: c.self}, nil
}

func (c *Client) SendDM(_ context.Context, user platform.ID, text string) (platform.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("SendDM"); err != nil {
		return platform.Message{}, err
	}
	if _, ok := c.users[user]; !ok {
		return platform.Message{}, notFound("user", user)
	}
	c.DMs = append(c.DMs, Sent{Channel: user, Text: text})
	c.nextID++
	return platform.Message{ID: c.nextID, Content: text, Author: c.self}, nil
}

func (c *Client) FirstMessage(_ context.Context, channel platform.ID) (platform.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.first[channel]
	if !ok {
		return platform.Message{}, notFound("message in channel", channel)
	}
	return m, nil
}

func (c *Client) AddReaction(_ context.Context, channel, message platform.ID, emoji platform.Emoji) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Reactions = append(c.Reactions, Reaction{Channel: channel, Message: message, Emoji: emoji})
	return nil
}

func (c *Client) Ban(_ context.Context, guild, user platform.ID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bans[guild] == nil {
		c.bans[guild] = map[platform.ID]bool{}
	}
	c.bans[guild][user] = true
	return nil
}

func (c *Client) Unban(_ context.Context, guild, user platform.ID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("Unban"); err != nil {
		return err
	}
	delete(c.bans[guild], user)
	c.Unbanned = append(c.Unbanned, user)
	return nil
}

func (c *Client) IsBanned(guild, user platform.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bans[guild][user]
}

func (c *Client) TimeoutMember(_ context.Context, guild, user platform.ID, until time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Timeouts = append(c.Timeouts, Timeout{Guild: guild, User: user, Until: until})
	return nil
}

func (c *Client) AddRole(_ context.Context, guild, user, role platform.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Roles = append(c.Roles, RoleChange{Guild: guild, User: user, Role: role, Added: true})
	if m, ok := c.members[guild][user]; ok && !m.HasRole(role) {
		m.Roles = append(m.Roles, role)
		c.members[guild][user] = m
	}
	return nil
}

func (c *Client) RemoveRole(_ context.Context, guild, user, role platform.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Roles = append(c.Roles, RoleChange{Guild: guild, User: user, Role: role})
	if m, ok := c.members[guild][user]; ok {
		kept := m.Roles[:0]
		for _, r := range m.Roles {
			if r != role {
				kept = append(kept, r)
			}
		}
		m.Roles = kept
		c.members[guild][user] = m
	}
	return nil
}

func (c *Client) CreateTextChannel(_ context.Context, guild, parent platform.ID, name, _ string) (platform.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	ch := platform.Channel{ID: c.nextID, GuildID: guild, ParentID: parent, Name: name, Type: platform.ChannelText}
	c.chans[ch.ID] = ch
	c.Created = append(c.Created, ch)
	return ch, nil
}

func (c *Client) DeleteChannel(_ context.Context, channel platform.ID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("DeleteChannel"); err != nil {
		return err
	}
	if _, ok := c.chans[channel]; !ok {
		return notFound("channel", channel)
	}
	delete(c.chans, channel)
	c.Deleted = append(c.Deleted, channel)
	return nil
}

func (c *Client) CreateThread(_ context.Context, channel platform.ID, opt platform.ThreadOptions) (platform.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	parent, ok := c.chans[channel]
	if !ok {
		return platform.Channel{}, notFound("channel", channel)
	}
	c.nextID++
	typ := platform.ChannelPublicThread
	if opt.Private {
		typ = platform.ChannelPrivateThread
	}
	th := platform.Channel{ID: c.nextID, GuildID: parent.GuildID, ParentID: channel, Name: opt.Name, Type: typ}
	c.chans[th.ID] = th
	c.Created = append(c.Created, th)
	return th, nil
}

func (c *Client) ArchiveThread(_ context.Context, thread platform.ID, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Archived = append(c.Archived, thread)
	return nil
}

func (c *Client) RemoveThreadMember(_ context.Context, _, user platform.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Removed = append(c.Removed, user)
	return nil
}

var _ platform.Client = (*Client)(nil)
