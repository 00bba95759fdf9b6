package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"melutils/internal/platform"
	"melutils/internal/scheduler"
	logx "melutils/pkg/logx"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "melutils.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestScheduleRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	at := time.Date(2030, 1, 2, 3, 4, 5, 678000, time.UTC)
	id1, err := st.InsertEvent(ctx, at, scheduler.KindDebug, nil)
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	id2, err := st.InsertEvent(ctx, at.Add(time.Hour), scheduler.KindMessage, []byte(`{"channel":1,"message":"x"}`))
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("ids not monotonic: %d then %d", id1, id2)
	}

	recs, err := st.ScanEvents(ctx)
	if err != nil {
		t.Fatalf("ScanEvents: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d rows, want 2", len(recs))
	}
	for _, r := range recs {
		if r.ID == id1 {
			if !r.FireAt.Equal(at) {
				t.Fatalf("FireAt = %s, want %s", r.FireAt, at)
			}
			if string(r.Data) != "{}" {
				t.Fatalf("empty payload stored as %q", r.Data)
			}
		}
	}

	// Deleting twice is fine.
	for i := 0; i < 2; i++ {
		if err := st.DeleteEvent(ctx, id1); err != nil {
			t.Fatalf("DeleteEvent #%d: %v", i+1, err)
		}
	}
	if err := st.DeleteEvent(ctx, id2); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}

	// AUTOINCREMENT never reuses ids.
	id3, err := st.InsertEvent(ctx, at, scheduler.KindDebug, nil)
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if id3 <= id2 {
		t.Fatalf("id %d reused after delete (last %d)", id3, id2)
	}
}

func TestSchedulerRecoveryFromSQLite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)
	now := time.Now()

	pastID, _ := st.InsertEvent(ctx, now.Add(-time.Second), scheduler.KindDebug, nil)
	futureID, _ := st.InsertEvent(ctx, now.Add(time.Hour), scheduler.KindDebug, nil)

	ran := make(chan struct{}, 2)
	h := scheduler.HandlerFunc(func(context.Context, scheduler.Scheduler, scheduler.Event) error {
		ran <- struct{}{}
		return nil
	})
	svc := scheduler.New(scheduler.Config{}, st, h)
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(ctx)

	if len(ran) != 1 {
		t.Fatalf("handler ran %d times during start, want 1", len(ran))
	}
	recs, err := st.ScanEvents(ctx)
	if err != nil {
		t.Fatalf("ScanEvents: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != futureID {
		t.Fatalf("rows after recovery = %+v, want only %d (past was %d)", recs, futureID, pastID)
	}
	if snap := svc.Snapshot(); snap.Armed != 1 {
		t.Fatalf("armed = %d, want 1", snap.Armed)
	}
}

func TestServerConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)
	const guild = platform.ID(10)

	cfg, ok, err := st.ServerConfig(ctx, guild)
	if err != nil || ok {
		t.Fatalf("ServerConfig on empty db = ok:%v err:%v", ok, err)
	}
	if cfg.TimeBetweenXP != time.Minute || cfg.XPChangePerLevel != 30 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	steps := []struct {
		field Field
		value any
	}{
		{FieldModlogChannel, platform.ID(11)},
		{FieldModRole, platform.ID(12)},
		{FieldVerificationText, "hello"},
		{FieldTimeBetweenXP, 90 * time.Second},
		{FieldBirthdayCategory, platform.ID(13)},
	}
	for _, s := range steps {
		if err := st.SetServerConfig(ctx, guild, s.field, s.value); err != nil {
			t.Fatalf("SetServerConfig(%s): %v", s.field, err)
		}
	}
	cfg, ok, err = st.ServerConfig(ctx, guild)
	if err != nil || !ok {
		t.Fatalf("ServerConfig = ok:%v err:%v", ok, err)
	}
	if cfg.ModlogChannel != 11 || cfg.ModRole != 12 || cfg.VerificationText != "hello" ||
		cfg.TimeBetweenXP != 90*time.Second || cfg.BirthdayCategory != 13 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	if err := st.SetServerConfig(ctx, guild, FieldModRole, platform.ID(0)); err != nil {
		t.Fatalf("clear mod role: %v", err)
	}
	cfg, _, _ = st.ServerConfig(ctx, guild)
	if cfg.ModRole != 0 {
		t.Fatalf("mod role not cleared: %d", cfg.ModRole)
	}

	if err := st.SetServerConfig(ctx, guild, Field("guild; DROP TABLE schedule"), 1.0); err == nil {
		t.Fatal("unknown field accepted")
	}

	cats, err := st.GuildsWithBirthdayCategory(ctx)
	if err != nil {
		t.Fatalf("GuildsWithBirthdayCategory: %v", err)
	}
	if cats[guild] != 13 || len(cats) != 1 {
		t.Fatalf("birthday categories = %v", cats)
	}
}

func TestAutoReactions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	rules := []AutoReaction{
		{Guild: 1, Channel: 100, Emoji: 7},
		{Guild: 1, Channel: 100, Emoji: 8, ReactToThreads: true},
		{Guild: 1, Channel: 200, Emoji: 9},
	}
	for _, r := range rules {
		if err := st.PutAutoReaction(ctx, r); err != nil {
			t.Fatalf("PutAutoReaction: %v", err)
		}
	}

	tests := []struct {
		name            string
		channel, parent platform.ID
		want            int
	}{
		{"channel itself", 100, 0, 2},
		{"thread of channel", 555, 100, 1},
		{"unrelated", 300, 0, 0},
	}
	for _, tt := range tests {
		got, err := st.AutoReactionsFor(ctx, tt.channel, tt.parent)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if len(got) != tt.want {
			t.Fatalf("%s: got %d rules, want %d", tt.name, len(got), tt.want)
		}
	}

	removed, err := st.DeleteAutoReaction(ctx, 100, 7)
	if err != nil || !removed {
		t.Fatalf("DeleteAutoReaction = %v, %v", removed, err)
	}
	removed, _ = st.DeleteAutoReaction(ctx, 100, 7)
	if removed {
		t.Fatal("second delete reported a removal")
	}
	all, _ := st.AutoReactions(ctx, 1)
	if len(all) != 2 {
		t.Fatalf("guild rules = %d, want 2", len(all))
	}
}

func TestExperience(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	for i := 0; i < 3; i++ {
		_ = st.AddXP(ctx, 1, 10, 1)
	}
	_ = st.AddXP(ctx, 1, 20, 5)
	_ = st.AddXP(ctx, 2, 10, 100)

	xp, rank, ok, err := st.XPRank(ctx, 1, 10)
	if err != nil || !ok {
		t.Fatalf("XPRank: ok=%v err=%v", ok, err)
	}
	if xp != 3 || rank != 2 {
		t.Fatalf("xp=%d rank=%d, want 3 and 2", xp, rank)
	}
	if _, _, ok, _ := st.XPRank(ctx, 1, 99); ok {
		t.Fatal("unknown user has a rank")
	}

	if err := st.PutXPExclusion(ctx, 1, 500, false); err != nil {
		t.Fatalf("PutXPExclusion: %v", err)
	}
	excluded, err := st.ExcludedFromXP(ctx, 1, 10, 500)
	if err != nil || !excluded {
		t.Fatalf("channel exclusion not applied: %v %v", excluded, err)
	}
	excluded, modSet, _ := st.XPExclusion(ctx, 1, 500)
	if !excluded || modSet {
		t.Fatalf("XPExclusion = %v,%v", excluded, modSet)
	}
	_ = st.DeleteXPExclusion(ctx, 1, 500)
	if excluded, _ := st.ExcludedFromXP(ctx, 1, 10, 500); excluded {
		t.Fatal("exclusion survived delete")
	}
}

func TestMemberTracking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	if err := st.PutPendingVerification(ctx, 1, 2, 3); err != nil {
		t.Fatalf("PutPendingVerification: %v", err)
	}
	if th, ok, _ := st.VerificationThread(ctx, 1, 2); !ok || th != 3 {
		t.Fatalf("VerificationThread = %d,%v", th, ok)
	}
	if m, ok, _ := st.MemberForThread(ctx, 1, 3); !ok || m != 2 {
		t.Fatalf("MemberForThread = %d,%v", m, ok)
	}
	_ = st.DeletePendingVerification(ctx, 1, 2)
	if _, ok, _ := st.VerificationThread(ctx, 1, 2); ok {
		t.Fatal("verification row survived delete")
	}

	_ = st.PutThinIce(ctx, ThinIce{Guild: 1, User: 2, Role: 4, EventID: 77})
	ti, ok, err := st.ThinIce(ctx, 1, 2)
	if err != nil || !ok || ti.Role != 4 || ti.EventID != 77 {
		t.Fatalf("ThinIce = %+v,%v,%v", ti, ok, err)
	}
	_ = st.DeleteThinIce(ctx, 1, 2)
	if _, ok, _ := st.ThinIce(ctx, 1, 2); ok {
		t.Fatal("thin ice row survived delete")
	}

	bday := time.Date(2000, 2, 29, 0, 0, 0, 0, time.UTC)
	_ = st.PutBirthday(ctx, Birthday{User: 2, Birthday: bday, EventID: 5})
	b, ok, _ := st.Birthday(ctx, 2)
	if !ok || !b.Birthday.Equal(bday) || b.EventID != 5 {
		t.Fatalf("Birthday = %+v,%v", b, ok)
	}
}

func TestModlogEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	entries := []ModlogEntry{
		{ID: "a", At: base, Guild: 1, Target: 5, Text: "first"},
		{ID: "b", At: base.Add(time.Minute), Guild: 1, Target: 6, Moderator: 9, Text: "second"},
		{ID: "c", At: base.Add(2 * time.Minute), Guild: 1, Target: 5, Text: "third"},
	}
	for _, e := range entries {
		if err := st.AppendModlog(ctx, e); err != nil {
			t.Fatalf("AppendModlog: %v", err)
		}
	}
	got, err := st.ModlogEntries(ctx, 1, 5, 10)
	if err != nil {
		t.Fatalf("ModlogEntries: %v", err)
	}
	if len(got) != 2 || got[0].Text != "third" || got[1].Text != "first" {
		t.Fatalf("unexpected entries %+v", got)
	}
	all, _ := st.ModlogEntries(ctx, 1, 0, 2)
	if len(all) != 2 || all[0].ID != "c" {
		t.Fatalf("limit/order wrong: %+v", all)
	}
}
