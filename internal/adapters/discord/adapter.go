// Package discord implements the platform client and gateway over discordgo.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sony/gobreaker/v2"

	"melutils/internal/platform"
	rtsup "melutils/internal/runtime/supervisor"
	logx "melutils/pkg/logx"
)

type Config struct {
	Token      string
	StatusText string
	// Breaker trips after this many consecutive REST failures (default 5).
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open (default 30s).
	BreakerCooldown time.Duration
}

const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildEmojis |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

type Adapter struct {
	cfg Config
	log logx.Logger

	s  *discordgo.Session
	cb *gobreaker.CircuitBreaker[any]

	self atomic.Value // platform.User
	out  atomic.Value // chan<- platform.Update

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	remove  []func()

	droppedUpdates atomic.Uint64
}

var (
	_ platform.Client  = (*Adapter)(nil)
	_ platform.Gateway = (*Adapter)(nil)
	_ logx.Sender      = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = intents
	s.StateEnabled = true
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "discord")), s: s}
	a.cb = newBreaker(cfg, a.log)
	a.self.Store(platform.User{})
	var nilOut chan<- platform.Update
	a.out.Store(nilOut)
	return a, nil
}

func newBreaker(cfg Config, log logx.Logger) *gobreaker.CircuitBreaker[any] {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "discord.rest",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// Missing objects and rejected requests are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || platform.IsNotFound(err) || isClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", logx.String("breaker", name),
				logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// BreakerState reports the REST circuit breaker state for ops.
func (a *Adapter) BreakerState() string { return a.cb.State().String() }

func (a *Adapter) Start(ctx context.Context, out chan<- platform.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.out.Store(out)
	a.remove = a.registerHandlers()
	if err := a.s.Open(); err != nil {
		for _, rm := range a.remove {
			rm()
		}
		a.remove = nil
		return err
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("sup", "discord.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	a.sup.Go("updates.drop_report", func(c context.Context) error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return nil
			case <-ticker.C:
				a.reportDrops(cap(out))
			}
		}
	})
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	for _, rm := range a.remove {
		rm()
	}
	a.remove = nil
	var nilOut chan<- platform.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping")
	if err := a.s.Close(); err != nil {
		a.log.Warn("gateway close failed", logx.Err(err))
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("discord stop timed out", logx.Err(err))
		}
	}
	return nil
}

func (a *Adapter) emit(up platform.Update) {
	out, _ := a.out.Load().(chan<- platform.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) registerHandlers() []func() {
	return []func(){
		a.s.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
			if r.User != nil {
				a.self.Store(toUser(r.User))
			}
			a.log.Info("gateway ready", logx.Int("guilds", len(r.Guilds)))
			if a.cfg.StatusText != "" {
				if err := s.UpdateCustomStatus(a.cfg.StatusText); err != nil {
					a.log.Warn("set status failed", logx.Err(err))
				}
			}
		}),
		a.s.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
			if m.Message == nil || m.Author == nil {
				return
			}
			msg := toMessage(m.Message)
			up := platform.Update{Kind: platform.UpdateMessage, Message: &msg, GuildID: msg.GuildID}
			if ch, err := s.State.Channel(m.ChannelID); err == nil {
				c := toChannel(ch)
				up.Channel = &c
			}
			a.emit(up)
		}),
		a.s.AddHandler(func(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
			if m.Member == nil || m.User == nil {
				return
			}
			mem := toMember(m.Member)
			a.emit(platform.Update{Kind: platform.UpdateMemberJoin, Member: &mem, GuildID: mem.GuildID})
		}),
		a.s.AddHandler(func(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
			if m.Member == nil || m.User == nil {
				return
			}
			mem := toMember(m.Member)
			a.emit(platform.Update{Kind: platform.UpdateMemberLeave, Member: &mem, GuildID: mem.GuildID})
		}),
		a.s.AddHandler(func(s *discordgo.Session, t *discordgo.ThreadCreate) {
			if t.Channel == nil || !t.NewlyCreated {
				return
			}
			ch := toChannel(t.Channel)
			a.emit(platform.Update{Kind: platform.UpdateThreadCreate, Channel: &ch, GuildID: ch.GuildID})
		}),
	}
}
