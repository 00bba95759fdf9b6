package platform

import (
	"errors"
	"strconv"
	"time"
)

// ErrNotFound is returned (wrapped) when the platform reports that a guild,
// channel, user, member, role or emoji does not exist.
var ErrNotFound = errors.New("platform: not found")

// ID is a platform snowflake.
type ID uint64

func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(v), nil
}

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// UserMention renders <@id>.
func (id ID) UserMention() string { return "<@" + id.String() + ">" }

// ChannelMention renders <#id>.
func (id ID) ChannelMention() string { return "<#" + id.String() + ">" }

// RoleMention renders <@&id>.
func (id ID) RoleMention() string { return "<@&" + id.String() + ">" }

type ChannelType int

const (
	ChannelText ChannelType = iota
	ChannelDM
	ChannelCategory
	ChannelForum
	ChannelPublicThread
	ChannelPrivateThread
	ChannelOther
)

func (t ChannelType) IsThread() bool {
	return t == ChannelPublicThread || t == ChannelPrivateThread
}

type Channel struct {
	ID       ID
	GuildID  ID
	ParentID ID
	Name     string
	Type     ChannelType
}

func (c Channel) Mention() string { return c.ID.ChannelMention() }

type User struct {
	ID       ID
	Username string
	Bot      bool
}

func (u User) Mention() string { return u.ID.UserMention() }

// Tag is the display form used in audit lines (`name`).
func (u User) Tag() string {
	if u.Username == "" {
		return u.ID.String()
	}
	return u.Username
}

type Member struct {
	User    User
	GuildID ID
	Nick    string
	Roles   []ID
}

// DisplayName returns the nickname if set, otherwise the username.
func (m Member) DisplayName() string {
	if m.Nick != "" {
		return m.Nick
	}
	return m.User.Username
}

func (m Member) HasRole(id ID) bool {
	for _, r := range m.Roles {
		if r == id {
			return true
		}
	}
	return false
}

type Guild struct {
	ID       ID
	Name     string
	OwnerID  ID
	Features []string
}

func (g Guild) HasFeature(f string) bool {
	for _, x := range g.Features {
		if x == f {
			return true
		}
	}
	return false
}

type Emoji struct {
	ID       ID
	Name     string
	Animated bool
}

// API renders the emoji in the "name:id" form reactions expect.
func (e Emoji) API() string { return e.Name + ":" + e.ID.String() }

func (e Emoji) String() string {
	if e.Animated {
		return "<a:" + e.Name + ":" + e.ID.String() + ">"
	}
	return "<:" + e.Name + ":" + e.ID.String() + ">"
}

type Message struct {
	ID        ID
	ChannelID ID
	GuildID   ID
	Author    User
	Content   string
	CreatedAt time.Time
}

// Mentions controls which mentions in an outgoing message are allowed to ping.
type Mentions int

const (
	MentionNone Mentions = iota
	MentionUsers
	MentionAll
)

type SendOptions struct {
	Mentions Mentions
	// ReplyTo references a message in the same channel (0 for none).
	ReplyTo ID
}

type ThreadOptions struct {
	Name    string
	Private bool
	Reason  string
}

type UpdateKind string

const (
	UpdateMessage      UpdateKind = "message"
	UpdateMemberJoin   UpdateKind = "member_join"
	UpdateMemberLeave  UpdateKind = "member_leave"
	UpdateThreadCreate UpdateKind = "thread_create"
)

// Update is an inbound platform event.
type Update struct {
	Kind    UpdateKind
	Message *Message
	// Channel is set for thread_create and, when known, for message updates.
	Channel *Channel
	Member  *Member
	GuildID ID
}

// Permission bits used by command access checks.
const (
	PermAdministrator int64 = 1 << 3
	PermManageGuild   int64 = 1 << 5
	PermBanMembers    int64 = 1 << 2
	PermModerate      int64 = 1 << 40
)
