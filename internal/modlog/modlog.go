// Package modlog records moderation actions and mirrors them to the guild's
// modlog channel.
package modlog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"melutils/internal/platform"
	"melutils/internal/storage"
	logx "melutils/pkg/logx"
)

// Store is the persistence the modlog needs.
type Store interface {
	AppendModlog(ctx context.Context, e storage.ModlogEntry) error
	ServerConfig(ctx context.Context, guild platform.ID) (storage.ServerConfig, bool, error)
}

type Entry struct {
	Guild     platform.ID
	Target    platform.ID
	Moderator platform.ID
	Text      string
}

type Logger struct {
	store  Store
	client platform.Client
	clock  clockwork.Clock
	log    logx.Logger
}

func New(store Store, client platform.Client, clock clockwork.Clock, log logx.Logger) *Logger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Logger{store: store, client: client, clock: clock, log: log.With(logx.String("comp", "modlog"))}
}

// Log stores e and posts it to the modlog channel if one is configured.
// The row is written even when posting fails.
func (l *Logger) Log(ctx context.Context, e Entry) error {
	row := storage.ModlogEntry{
		ID:        uuid.NewString(),
		At:        l.clock.Now(),
		Guild:     e.Guild,
		Target:    e.Target,
		Moderator: e.Moderator,
		Text:      e.Text,
	}
	if err := l.store.AppendModlog(ctx, row); err != nil {
		return fmt.Errorf("modlog append: %w", err)
	}
	l.log.Info("modlog", logx.String("id", row.ID), logx.Snowflake("guild", e.Guild), logx.String("text", e.Text))

	cfg, ok, err := l.store.ServerConfig(ctx, e.Guild)
	if err != nil {
		return fmt.Errorf("modlog config: %w", err)
	}
	if !ok || cfg.ModlogChannel == 0 {
		return nil
	}
	if _, err := l.client.SendMessage(ctx, cfg.ModlogChannel, e.Text, &platform.SendOptions{Mentions: platform.MentionNone}); err != nil {
		if platform.IsNotFound(err) {
			l.log.Warn("modlog channel is gone", logx.Snowflake("channel", cfg.ModlogChannel))
			return nil
		}
		return fmt.Errorf("modlog post: %w", err)
	}
	return nil
}
