package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"melutils/internal/features"
	"melutils/internal/jobs"
	"melutils/internal/router"
	"melutils/internal/scheduler"
	"melutils/internal/storage"
)

const maxListed = 20

func (m *Module) remind(ctx context.Context, req *router.Request) error {
	d, err := durationArg(req, 0)
	if err != nil {
		return err
	}
	text := req.Rest(1)
	if text == "" {
		return router.Errorf("What should I remind you of? Usage: `remind <duration> <text>`")
	}
	target := req.Channel
	if req.Bools["dm"] || req.Guild == 0 {
		// A user id makes the message handler fall back to a DM.
		target = req.Author.ID
	}
	at := m.clock.Now().Add(d)
	id, err := m.sched.Schedule(ctx, at, scheduler.Message{
		Channel: target,
		Message: fmt.Sprintf("⏰ Reminder for %s: %s", req.Author.Mention(), text),
	})
	if err != nil {
		return fmt.Errorf("schedule reminder: %w", err)
	}
	return features.Done(ctx, req, fmt.Sprintf("I'll remind you in %s (event %s).", features.Duration(d), eventRef(id)))
}

func (m *Module) setBirthday(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return router.Errorf("Usage: `birthday <YYYY-MM-DD>`")
	}
	born, err := time.ParseInLocation("2006-01-02", req.Args[0], time.UTC)
	if err != nil {
		return router.Errorf("`%s` is not a date like `2001-09-23`.", req.Args[0])
	}
	now := m.clock.Now()
	if !born.Before(now) {
		return router.Errorf("Your birthday has to be in the past.")
	}

	prev, ok, err := m.store.Birthday(ctx, req.Author.ID)
	if err != nil {
		return err
	}
	if ok {
		if err := m.cancelQuiet(ctx, prev.EventID); err != nil {
			return err
		}
	}
	next := jobs.NextBirthday(born, now)
	id, err := m.sched.Schedule(ctx, next, scheduler.Birthday{User: req.Author.ID, Birthday: scheduler.NewTimestamp(born)})
	if err != nil {
		return fmt.Errorf("schedule birthday: %w", err)
	}
	if err := m.store.PutBirthday(ctx, storage.Birthday{User: req.Author.ID, Birthday: born, EventID: id}); err != nil {
		return err
	}
	return features.Done(ctx, req, fmt.Sprintf("Set your birthday to %s. Next celebration %s.",
		born.Format("January 2, 2006"), humanize.RelTime(now, next, "ago", "from now")))
}

func (m *Module) cancelEvent(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return router.Errorf("Usage: `cancelevent <id>`")
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(req.Args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return router.Errorf("`%s` is not an event id.", req.Args[0])
	}
	recs, err := m.sched.Pending(ctx)
	if err != nil {
		return err
	}
	var rec *scheduler.Record
	for i := range recs {
		if recs[i].ID == id {
			rec = &recs[i]
			break
		}
	}
	if rec == nil || !m.belongsTo(ctx, *rec, req) {
		return router.Errorf("No pending event %s in this server.", eventRef(id))
	}
	if err := m.sched.Cancel(ctx, id); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			return router.Errorf("Event %s already ran.", eventRef(id))
		}
		return err
	}
	return features.Done(ctx, req, fmt.Sprintf("Cancelled event %s (%s).", eventRef(id), rec.Kind))
}

func (m *Module) listEvents(ctx context.Context, req *router.Request) error {
	recs, err := m.sched.Pending(ctx)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	var lines []string
	total := 0
	for _, rec := range recs {
		if !m.belongsTo(ctx, rec, req) {
			continue
		}
		total++
		if len(lines) < maxListed {
			lines = append(lines, fmt.Sprintf("%s `%s` %s %s", eventRef(rec.ID), rec.Kind,
				describe(rec), humanize.RelTime(now, rec.FireAt, "ago", "from now")))
		}
	}
	if total == 0 {
		return req.Reply(ctx, "No pending events.")
	}
	head := fmt.Sprintf("%d pending event%s:", total, plural(total))
	if total > len(lines) {
		lines = append(lines, fmt.Sprintf("…and %d more", total-len(lines)))
	}
	return req.Reply(ctx, head+"\n"+strings.Join(lines, "\n"))
}

// belongsTo reports whether the event concerns the request's guild.
func (m *Module) belongsTo(ctx context.Context, rec scheduler.Record, req *router.Request) bool {
	ev, err := scheduler.Decode(rec.Kind, rec.Data)
	if err != nil {
		return false
	}
	if g, _, ok := eventTarget(ev); ok {
		return g == req.Guild
	}
	switch ev := ev.(type) {
	case scheduler.Message:
		if ev.Channel == req.Author.ID {
			return true
		}
		ch, err := m.client.Channel(ctx, ev.Channel)
		return err == nil && ch.GuildID == req.Guild
	case scheduler.Birthday:
		return ev.User == req.Author.ID
	}
	return false
}

func describe(rec scheduler.Record) string {
	ev, err := scheduler.Decode(rec.Kind, rec.Data)
	if err != nil {
		return ""
	}
	if _, member, ok := eventTarget(ev); ok {
		return "for " + member.UserMention()
	}
	switch ev := ev.(type) {
	case scheduler.Message:
		return "to " + ev.Channel.ChannelMention()
	case scheduler.Birthday:
		return "for " + ev.User.UserMention()
	}
	return ""
}

func (m *Module) modlogs(ctx context.Context, req *router.Request) error {
	user, err := m.userArg(ctx, req, 0)
	if err != nil {
		return err
	}
	entries, err := m.store.ModlogEntries(ctx, req.Guild, user.ID, 10)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return req.Reply(ctx, "No moderation history for "+user.Mention()+".")
	}
	lines := []string{fmt.Sprintf("Last %d action%s against %s:", len(entries), plural(len(entries)), user.Mention())}
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("• %s: %s", e.At.Format("2006-01-02 15:04"), firstLine(e.Text)))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
