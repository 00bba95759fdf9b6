package platform

import (
	"context"
	"errors"
	"time"
)

// Client is the outbound side of the chat platform.
//
// Lookups return an error wrapping ErrNotFound when the object is gone.
type Client interface {
	Self() User

	Guild(ctx context.Context, id ID) (Guild, error)
	Guilds(ctx context.Context) ([]Guild, error)
	Channel(ctx context.Context, id ID) (Channel, error)
	User(ctx context.Context, id ID) (User, error)
	Member(ctx context.Context, guild, user ID) (Member, error)
	Emoji(ctx context.Context, guild, emoji ID) (Emoji, error)
	// MemberPermissions returns the effective permission bits of user in channel.
	MemberPermissions(ctx context.Context, guild, channel, user ID) (int64, error)

	SendMessage(ctx context.Context, channel ID, text string, opt *SendOptions) (Message, error)
	SendDM(ctx context.Context, user ID, text string) (Message, error)
	FirstMessage(ctx context.Context, channel ID) (Message, error)
	AddReaction(ctx context.Context, channel, message ID, emoji Emoji) error

	Ban(ctx context.Context, guild, user ID, reason string) error
	Unban(ctx context.Context, guild, user ID, reason string) error
	// TimeoutMember sets the member's communication timeout. A zero until clears it.
	TimeoutMember(ctx context.Context, guild, user ID, until time.Time) error
	AddRole(ctx context.Context, guild, user, role ID) error
	RemoveRole(ctx context.Context, guild, user, role ID) error

	CreateTextChannel(ctx context.Context, guild, parent ID, name, reason string) (Channel, error)
	DeleteChannel(ctx context.Context, channel ID, reason string) error
	CreateThread(ctx context.Context, channel ID, opt ThreadOptions) (Channel, error)
	ArchiveThread(ctx context.Context, thread ID, lock bool) error
	RemoveThreadMember(ctx context.Context, thread, user ID) error
}

// Gateway delivers inbound updates.
type Gateway interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// IsNotFound reports whether err means the platform object is missing.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
