package jobs

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"

	"melutils/internal/platform"
	"melutils/internal/scheduler"
	"melutils/internal/storage"
	logx "melutils/pkg/logx"
)

const maxChannelName = 32

// BirthdayChannelName builds "🎂{name}-birthday" from a display name, keeping
// lowercase letters, digits and '-', capped at 32 runes.
func BirthdayChannelName(display string) string {
	var b strings.Builder
	b.WriteString("🎂")
	for _, r := range strings.ToLower(display) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(r)
		}
	}
	b.WriteString("-birthday")
	name := []rune(b.String())
	if len(name) > maxChannelName {
		name = name[:maxChannelName]
	}
	return string(name)
}

// NextBirthday returns the first anniversary of birthday strictly after now.
// Years where the date does not exist (Feb 29) are skipped.
func NextBirthday(birthday, now time.Time) time.Time {
	if birthday.After(now) {
		return birthday
	}
	for y := now.Year(); ; y++ {
		d := time.Date(y, birthday.Month(), birthday.Day(),
			birthday.Hour(), birthday.Minute(), birthday.Second(), birthday.Nanosecond(), birthday.Location())
		if d.Month() != birthday.Month() || d.Day() != birthday.Day() {
			continue
		}
		if d.After(now) {
			return d
		}
	}
}

// Age rounds whole days since birthday to years.
func Age(birthday, now time.Time) int {
	days := math.Floor(now.Sub(birthday).Hours() / 24)
	return int(math.Round(days / 365.25))
}

func (h *Handlers) birthday(ctx context.Context, sched scheduler.Scheduler, ev scheduler.Birthday) error {
	now := h.clock.Now()
	born := ev.Birthday.Time
	age := Age(born, now)
	log := h.log.With(logx.Snowflake("user", ev.User))

	cats, err := h.store.GuildsWithBirthdayCategory(ctx)
	if err != nil {
		log.Error("birthday categories lookup failed", logx.Err(err))
	}
	created := make([]platform.ID, 0, len(cats))
	for guild, category := range cats {
		ch, err := h.celebrate(ctx, guild, category, ev.User, age)
		if err != nil {
			if !platform.IsNotFound(err) {
				log.Warn("birthday channel failed", logx.Snowflake("guild", guild), logx.Err(err))
			}
			continue
		}
		created = append(created, ch)
	}

	next := NextBirthday(born, now)
	id, err := sched.Schedule(ctx, next, scheduler.Birthday{User: ev.User, Birthday: ev.Birthday})
	if err != nil {
		return fmt.Errorf("schedule next birthday: %w", err)
	}
	if err := h.store.PutBirthday(ctx, storage.Birthday{User: ev.User, Birthday: born, EventID: id}); err != nil {
		log.Warn("birthday event id not saved", logx.Err(err))
	}
	if _, err := sched.Schedule(ctx, now.Add(24*time.Hour), scheduler.DelBirthdayChannel{Channels: created}); err != nil {
		return fmt.Errorf("schedule birthday cleanup: %w", err)
	}
	log.Info("birthday celebrated", logx.Int("age", age), logx.Int("channels", len(created)), logx.Time("next", next))
	return nil
}

func (h *Handlers) celebrate(ctx context.Context, guild, category, user platform.ID, age int) (platform.ID, error) {
	member, err := h.client.Member(ctx, guild, user)
	if err != nil {
		return 0, err
	}
	if _, err := h.client.Channel(ctx, category); err != nil {
		return 0, err
	}
	display := member.DisplayName()
	ch, err := h.client.CreateTextChannel(ctx, guild, category, BirthdayChannelName(display), display+"'s birthday.")
	if err != nil {
		return 0, err
	}
	text := fmt.Sprintf("Happy %s Birthday %s!!", humanize.Ordinal(age), member.User.Mention())
	if _, err := h.client.SendMessage(ctx, ch.ID, text, &platform.SendOptions{Mentions: platform.MentionUsers}); err != nil {
		h.log.Warn("birthday greeting failed", logx.Snowflake("channel", ch.ID), logx.Err(err))
	}
	return ch.ID, nil
}
