package discord

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sony/gobreaker/v2"

	"melutils/internal/platform"
	logx "melutils/pkg/logx"
)

func restErr(code int) error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: code}}
}

func TestMapErr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		notFound bool
	}{
		{"404", restErr(http.StatusNotFound), true},
		{"state miss", discordgo.ErrStateNotFound, true},
		{"403", restErr(http.StatusForbidden), false},
		{"500", restErr(http.StatusInternalServerError), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := platform.IsNotFound(mapErr(tt.err)); got != tt.notFound {
				t.Fatalf("IsNotFound = %v, want %v", got, tt.notFound)
			}
		})
	}
	if mapErr(nil) != nil {
		t.Fatal("nil should stay nil")
	}
}

func TestBreakerIgnoresNotFoundAndClientErrors(t *testing.T) {
	t.Parallel()
	a := &Adapter{cb: newBreaker(Config{BreakerFailures: 2, BreakerCooldown: time.Hour}, logx.Nop())}

	for i := 0; i < 5; i++ {
		_, err := do(a, "user", func() (*discordgo.User, error) { return nil, restErr(http.StatusNotFound) })
		if !platform.IsNotFound(err) {
			t.Fatalf("want not found, got %v", err)
		}
		_ = exec(a, "ban", func() error { return restErr(http.StatusForbidden) })
	}
	if st := a.cb.State(); st != gobreaker.StateClosed {
		t.Fatalf("breaker %v after client errors", st)
	}

	for i := 0; i < 2; i++ {
		_ = exec(a, "send", func() error { return restErr(http.StatusBadGateway) })
	}
	if st := a.cb.State(); st != gobreaker.StateOpen {
		t.Fatalf("breaker %v after server errors", st)
	}
	called := false
	err := exec(a, "send", func() error { called = true; return nil })
	if !errors.Is(err, gobreaker.ErrOpenState) || called {
		t.Fatalf("open breaker should short-circuit: err=%v called=%v", err, called)
	}
}

func TestDoReturnsValue(t *testing.T) {
	t.Parallel()
	a := &Adapter{cb: newBreaker(Config{}, logx.Nop())}
	u, err := do(a, "user", func() (*discordgo.User, error) { return &discordgo.User{ID: "7", Username: "mel"}, nil })
	if err != nil || toUser(u) != (platform.User{ID: 7, Username: "mel"}) {
		t.Fatalf("got %+v, %v", u, err)
	}
}

func TestConversions(t *testing.T) {
	t.Parallel()
	ch := toChannel(&discordgo.Channel{ID: "3", GuildID: "1", ParentID: "2", Name: "help", Type: discordgo.ChannelTypeGuildPrivateThread})
	if ch != (platform.Channel{ID: 3, GuildID: 1, ParentID: 2, Name: "help", Type: platform.ChannelPrivateThread}) {
		t.Fatalf("channel: %+v", ch)
	}
	types := map[discordgo.ChannelType]platform.ChannelType{
		discordgo.ChannelTypeGuildText:         platform.ChannelText,
		discordgo.ChannelTypeGuildNews:         platform.ChannelText,
		discordgo.ChannelTypeDM:                platform.ChannelDM,
		discordgo.ChannelTypeGuildCategory:     platform.ChannelCategory,
		discordgo.ChannelTypeGuildForum:        platform.ChannelForum,
		discordgo.ChannelTypeGuildPublicThread: platform.ChannelPublicThread,
		discordgo.ChannelTypeGuildVoice:        platform.ChannelOther,
	}
	for in, want := range types {
		if got := toChannelType(in); got != want {
			t.Errorf("toChannelType(%v) = %v, want %v", in, got, want)
		}
	}

	m := toMember(&discordgo.Member{GuildID: "1", Nick: "Al", User: &discordgo.User{ID: "10", Username: "alice"}, Roles: []string{"5", "6"}})
	if m.DisplayName() != "Al" || !m.HasRole(6) || m.GuildID != 1 {
		t.Fatalf("member: %+v", m)
	}
	g := toGuild(&discordgo.Guild{ID: "1", OwnerID: "9", Features: []discordgo.GuildFeature{"PRIVATE_THREADS"}})
	if !g.HasFeature("PRIVATE_THREADS") || g.OwnerID != 9 {
		t.Fatalf("guild: %+v", g)
	}
	now := time.Now()
	msg := toMessage(&discordgo.Message{ID: "4", ChannelID: "3", Content: "hi", Timestamp: now, Author: &discordgo.User{ID: "10"}})
	if msg.ID != 4 || msg.Author.ID != 10 || !msg.CreatedAt.Equal(now) {
		t.Fatalf("message: %+v", msg)
	}
}

func TestAllowedMentions(t *testing.T) {
	t.Parallel()
	if n := len(allowedMentions(platform.MentionNone).Parse); n != 0 {
		t.Fatalf("none parses %d kinds", n)
	}
	if n := len(allowedMentions(platform.MentionUsers).Parse); n != 1 {
		t.Fatalf("users parses %d kinds", n)
	}
	if n := len(allowedMentions(platform.MentionAll).Parse); n != 3 {
		t.Fatalf("all parses %d kinds", n)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("empty token should fail")
	}
	a, err := New(Config{Token: "abc"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if a.s.Token != "Bot abc" || a.Self().ID != 0 {
		t.Fatalf("token %q self %+v", a.s.Token, a.Self())
	}
}
