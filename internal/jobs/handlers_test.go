package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"melutils/internal/modlog"
	"melutils/internal/platform"
	"melutils/internal/platform/platformtest"
	"melutils/internal/scheduler"
	"melutils/internal/storage"
	logx "melutils/pkg/logx"
)

var t0 = time.Date(2023, 6, 15, 9, 30, 0, 0, time.UTC)

type scheduled struct {
	at time.Time
	ev scheduler.Event
}

// recSched records Schedule calls instead of persisting them.
type recSched struct {
	mu    sync.Mutex
	next  int64
	calls []scheduled
}

func (r *recSched) Schedule(_ context.Context, at time.Time, ev scheduler.Event) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.calls = append(r.calls, scheduled{at: at, ev: ev})
	return r.next, nil
}

func (r *recSched) Cancel(context.Context, int64) error { return nil }

func (r *recSched) take() []scheduled {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.calls
	r.calls = nil
	return out
}

type fakeStore struct {
	mu        sync.Mutex
	cats      map[platform.ID]platform.ID
	thinIce   []platform.ID
	birthdays []storage.Birthday
}

func (f *fakeStore) GuildsWithBirthdayCategory(context.Context) (map[platform.ID]platform.ID, error) {
	return f.cats, nil
}

func (f *fakeStore) DeleteThinIce(_ context.Context, _, user platform.ID) error {
	f.mu.Lock()
	f.thinIce = append(f.thinIce, user)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) PutBirthday(_ context.Context, b storage.Birthday) error {
	f.mu.Lock()
	f.birthdays = append(f.birthdays, b)
	f.mu.Unlock()
	return nil
}

type fakeModlog struct {
	mu      sync.Mutex
	entries []modlog.Entry
}

func (f *fakeModlog) Log(_ context.Context, e modlog.Entry) error {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
	return nil
}

func newFixture() (*platformtest.Client, *fakeStore, *fakeModlog) {
	client := platformtest.New()
	client.AddGuild(platform.Guild{ID: 1, Name: "Mel's Place", OwnerID: 2})
	client.AddMember(platform.Member{GuildID: 1, User: platform.User{ID: 10, Username: "alice"}, Nick: "Alice W."})
	return client, &fakeStore{cats: map[platform.ID]platform.ID{}}, &fakeModlog{}
}

func TestRefreshMuteChain(t *testing.T) {
	t.Parallel()
	client, store, ml := newFixture()
	clock := clockwork.NewFakeClockAt(t0)
	h := New(client, store, ml, WithClock(clock))
	sched := &recSched{}

	end := t0.Add(90 * 24 * time.Hour)
	var ev scheduler.Event = scheduler.RefreshMute{Guild: 1, Member: 10, MuteEnd: scheduler.TimestampPtr(end)}
	refreshes := 0
	for step := 0; step < 10; step++ {
		require.NoError(t, h.Handle(context.Background(), sched, ev))
		calls := sched.take()
		require.Len(t, calls, 1, "step %d must schedule exactly one follow-up", step)
		next := calls[0]
		if _, ok := next.ev.(scheduler.Unmute); ok {
			require.Equal(t, end, next.at)
			break
		}
		require.IsType(t, scheduler.RefreshMute{}, next.ev)
		require.Equal(t, clock.Now().Add(MaxTimeout), next.at)
		refreshes++
		clock.Advance(next.at.Sub(clock.Now()))
		ev = next.ev
	}
	require.Equal(t, 3, refreshes)

	timeouts := client.TimeoutCalls()
	require.Len(t, timeouts, 4)
	require.Equal(t, end, timeouts[3].Until)
}

func TestRefreshPermanentMute(t *testing.T) {
	t.Parallel()
	client, store, ml := newFixture()
	clock := clockwork.NewFakeClockAt(t0)
	h := New(client, store, ml, WithClock(clock))
	sched := &recSched{}

	require.NoError(t, h.Handle(context.Background(), sched, scheduler.RefreshMute{Guild: 1, Member: 10}))
	calls := sched.take()
	require.Len(t, calls, 1)
	require.Equal(t, scheduler.RefreshMute{Guild: 1, Member: 10}, calls[0].ev)
	require.Equal(t, t0.Add(MaxTimeout), calls[0].at)
}

func TestRefreshMuteChainThroughScheduler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, _, _ := newFixture()
	client.AddChannel(platform.Channel{ID: 77, GuildID: 1})

	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "db.sqlite")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	clock := clockwork.NewFakeClockAt(t0)
	ml := modlog.New(st, client, clock, logx.Nop())
	h := New(client, st, ml, WithClock(clock))
	svc := scheduler.New(scheduler.Config{}, st, h, scheduler.WithClock(clock))
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(ctx)

	end := t0.Add(90 * 24 * time.Hour)
	id, err := svc.Schedule(ctx, t0, scheduler.RefreshMute{Guild: 1, Member: 10, MuteEnd: scheduler.TimestampPtr(end)})
	require.NoError(t, err)
	require.Zero(t, id)

	steps := []struct {
		kind string
		at   time.Time
	}{
		{scheduler.KindRefreshMute, t0.Add(MaxTimeout)},
		{scheduler.KindRefreshMute, t0.Add(2 * MaxTimeout)},
		{scheduler.KindRefreshMute, t0.Add(3 * MaxTimeout)},
		{scheduler.KindUnmute, end},
	}
	for i, s := range steps {
		require.Eventually(t, func() bool {
			recs, err := st.ScanEvents(ctx)
			return err == nil && len(recs) == 1 && recs[0].Kind == s.kind && recs[0].FireAt.Equal(s.at)
		}, 2*time.Second, 2*time.Millisecond, "step %d: want one %s row at %s", i, s.kind, s.at)
		clock.Advance(s.at.Sub(clock.Now()))
	}

	require.Eventually(t, func() bool {
		recs, _ := st.ScanEvents(ctx)
		return len(recs) == 0 && len(client.DirectMessages()) == 1
	}, 2*time.Second, 2*time.Millisecond)
	require.Equal(t, "You were unmuted in **Mel's Place**.", client.DirectMessages()[0].Text)
}

func TestMessageFallsBackToDM(t *testing.T) {
	t.Parallel()
	client, store, ml := newFixture()
	client.AddChannel(platform.Channel{ID: 500, GuildID: 1})
	h := New(client, store, ml)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, &recSched{}, scheduler.Message{Channel: 500, Message: "to channel"}))
	require.NoError(t, h.Handle(ctx, &recSched{}, scheduler.Message{Channel: 10, Message: "to user"}))
	err := h.Handle(ctx, &recSched{}, scheduler.Message{Channel: 999, Message: "nowhere"})
	require.True(t, platform.IsNotFound(err), "got %v", err)

	require.Len(t, client.SentMessages(), 1)
	require.Equal(t, "to channel", client.SentMessages()[0].Text)
	require.Len(t, client.DirectMessages(), 1)
	require.Equal(t, platform.ID(10), client.DirectMessages()[0].Channel)
}

func TestUnban(t *testing.T) {
	t.Parallel()
	client, store, ml := newFixture()
	ctx := context.Background()
	require.NoError(t, client.Ban(ctx, 1, 10, "test"))
	h := New(client, store, ml)

	require.NoError(t, h.Handle(ctx, &recSched{}, scheduler.Unban{Guild: 1, Member: 10}))
	require.False(t, client.IsBanned(1, 10))
	require.Equal(t, "You were unbanned in **Mel's Place**.", client.DirectMessages()[0].Text)
	require.Len(t, ml.entries, 1)
	require.Equal(t, "<@10> (`alice`) was automatically unbanned.", ml.entries[0].Text)
}

func TestUnbanReportsPartialFailure(t *testing.T) {
	t.Parallel()
	client, store, ml := newFixture()
	client.FailOps["SendDM"] = errors.New("dms closed")
	h := New(client, store, ml)

	err := h.Handle(context.Background(), &recSched{}, scheduler.Unban{Guild: 1, Member: 10})
	require.ErrorContains(t, err, "dms closed")
	// The other effects still happened.
	require.Len(t, ml.entries, 1)
}

func TestUnThinIce(t *testing.T) {
	t.Parallel()
	client, store, ml := newFixture()
	h := New(client, store, ml)

	require.NoError(t, h.Handle(context.Background(), &recSched{}, scheduler.UnThinIce{Guild: 1, Member: 10, ThinIceRole: 44}))
	roles := client.RoleChanges()
	require.Len(t, roles, 1)
	require.False(t, roles[0].Added)
	require.Equal(t, platform.ID(44), roles[0].Role)
	require.Equal(t, []platform.ID{10}, store.thinIce)
	require.Equal(t, "<@10>'s (`alice`) thin ice has expired.", ml.entries[0].Text)
}

func TestBirthdayCelebratesAndReschedules(t *testing.T) {
	t.Parallel()
	client, store, ml := newFixture()
	client.AddChannel(platform.Channel{ID: 300, GuildID: 1, Type: platform.ChannelCategory})
	store.cats[1] = 300
	store.cats[2] = 301 // guild the user is not in
	clock := clockwork.NewFakeClockAt(t0)
	h := New(client, store, ml, WithClock(clock))
	sched := &recSched{}

	born := time.Date(1993, 6, 15, 9, 30, 0, 0, time.UTC)
	require.NoError(t, h.Handle(context.Background(), sched, scheduler.Birthday{User: 10, Birthday: scheduler.NewTimestamp(born)}))

	created := client.CreatedChannels()
	require.Len(t, created, 1)
	require.Equal(t, "🎂alicew-birthday", created[0].Name)
	require.Equal(t, platform.ID(300), created[0].ParentID)

	sent := client.SentMessages()
	require.Len(t, sent, 1)
	require.Equal(t, "Happy 30th Birthday <@10>!!", sent[0].Text)
	require.Equal(t, platform.MentionUsers, sent[0].Opt.Mentions)

	calls := sched.take()
	require.Len(t, calls, 2)
	require.Equal(t, time.Date(2024, 6, 15, 9, 30, 0, 0, time.UTC), calls[0].at)
	require.Equal(t, t0.Add(24*time.Hour), calls[1].at)
	require.Equal(t, scheduler.DelBirthdayChannel{Channels: []platform.ID{created[0].ID}}, calls[1].ev)
	require.Len(t, store.birthdays, 1)
	require.Equal(t, int64(1), store.birthdays[0].EventID)
}

func TestDelBirthdayChannelSkipsMissing(t *testing.T) {
	t.Parallel()
	client, store, ml := newFixture()
	client.AddChannel(platform.Channel{ID: 600, GuildID: 1})
	h := New(client, store, ml)

	require.NoError(t, h.Handle(context.Background(), &recSched{}, scheduler.DelBirthdayChannel{Channels: []platform.ID{600, 601}}))
	require.Equal(t, []platform.ID{600}, client.DeletedChannels())
}

func TestBirthdayChannelName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"Alice", "🎂alice-birthday"},
		{"Mr. Bob_Smith!", "🎂mrbobsmith-birthday"},
		{"ümlaut-Ünïcode", "🎂ümlaut-ünïcode-birthday"},
		{strings.Repeat("x", 40), "🎂" + strings.Repeat("x", 31)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := BirthdayChannelName(tt.in); got != tt.want {
				t.Fatalf("BirthdayChannelName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
