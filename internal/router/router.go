// Package router parses prefixed chat commands and runs them, together with
// update listeners, on a bounded worker pool.
package router

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"melutils/internal/platform"
	"melutils/internal/runtime/supervisor"
	"melutils/internal/storage"
	logx "melutils/pkg/logx"
)

const DefaultPrefix = "m."

type Access int

const (
	AccessEveryone Access = iota
	// AccessMod admits the guild's mod role and anyone who can manage the guild.
	AccessMod
	AccessManageGuild
	AccessOwner
)

func (a Access) String() string {
	switch a {
	case AccessMod:
		return "mod"
	case AccessManageGuild:
		return "manage guild"
	case AccessOwner:
		return "owner"
	default:
		return "everyone"
	}
}

type Command struct {
	// Route is a space separated path, e.g. "config modrole".
	Route       string
	Aliases     []string // root level shortcuts
	Description string
	Usage       string
	Access      Access
	// GuildOnly rejects the command in DMs. Implied by mod and manage guild access.
	GuildOnly bool
	Timeout   time.Duration
	Handle    HandlerFunc
}

// Listener observes every update of one kind.
type Listener struct {
	Name   string
	Kind   platform.UpdateKind
	Handle func(ctx context.Context, up platform.Update) error
}

// UserError is a failure whose message is safe to show in chat.
type UserError struct{ Msg string }

func (e *UserError) Error() string { return e.Msg }

func Errorf(format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}

type Request struct {
	Message platform.Message
	Guild   platform.ID
	Channel platform.ID
	Author  platform.User
	Path    []string
	Command string
	Args    []string
	RawArgs []string
	Flags   map[string]string
	Bools   map[string]bool
	ReqID   string

	Client platform.Client
	Logger logx.Logger
}

// Reply answers in the invoking channel without pinging anyone.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Client.SendMessage(ctx, r.Channel, text, &platform.SendOptions{
		Mentions: platform.MentionNone,
		ReplyTo:  r.Message.ID,
	})
	return err
}

// Rest joins the positional arguments from i on.
func (r *Request) Rest(i int) string {
	if i >= len(r.Args) {
		return ""
	}
	return strings.Join(r.Args[i:], " ")
}

// Settings resolves the guild's mod role for access checks.
type Settings interface {
	ServerConfig(ctx context.Context, guild platform.ID) (storage.ServerConfig, bool, error)
}

type Config struct {
	Prefix    string
	Owners    []platform.ID
	Workers   int
	QueueSize int
	// PerUserRate limits commands per user; zero disables limiting.
	PerUserRate  rate.Limit
	PerUserBurst int
	Timeout      time.Duration
}

type Router struct {
	client   platform.Client
	settings Settings
	log      logx.Logger
	limiter  *userLimiter
	workers  int

	mu        sync.RWMutex
	prefix    string
	owners    []platform.ID
	timeout   time.Duration
	root      *cmdNode
	alias     map[string]*cmdNode
	listeners map[platform.UpdateKind][]Listener

	runMu sync.Mutex
	sup   *supervisor.Supervisor
	jobs  chan func(context.Context)
}

func New(cfg Config, client platform.Client, settings Settings, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 2)
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 256
	}
	r := &Router{
		client:    client,
		settings:  settings,
		log:       log.With(logx.String("comp", "router")),
		limiter:   newUserLimiter(cfg.PerUserRate, cfg.PerUserBurst),
		workers:   workers,
		root:      newRoot(),
		alias:     map[string]*cmdNode{},
		listeners: map[platform.UpdateKind][]Listener{},
		jobs:      make(chan func(context.Context), queue),
	}
	r.Apply(cfg)
	return r
}

// Apply updates the reloadable settings: prefix, owners and default timeout.
func (r *Router) Apply(cfg Config) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r.mu.Lock()
	r.prefix = prefix
	r.owners = append([]platform.ID(nil), cfg.Owners...)
	r.timeout = timeout
	r.mu.Unlock()
}

func (r *Router) Prefix() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefix
}

// SetRegistry replaces all commands and listeners. A help command is always
// added.
func (r *Router) SetRegistry(cmds []Command, listeners []Listener) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h", "commands"},
		Description: "list commands or show one command's usage",
		Usage:       "help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(req.Args))
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.ContainsAny(a, " \t") {
				continue
			}
			alias[a] = leaf
		}
	}
	byKind := map[platform.UpdateKind][]Listener{}
	for _, l := range listeners {
		if l.Handle != nil {
			byKind[l.Kind] = append(byKind[l.Kind], l)
		}
	}

	r.mu.Lock()
	r.root, r.alias, r.listeners = root, alias, byKind
	r.mu.Unlock()
}

// Supervisor returns the worker pool supervisor while Run is active.
func (r *Router) Supervisor() *supervisor.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// PruneLimiter forgets rate limit buckets idle for longer than ttl.
func (r *Router) PruneLimiter(now time.Time, ttl time.Duration) int {
	return r.limiter.prune(now.Add(-ttl))
}

// Run consumes updates until ctx ends or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan platform.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log))
	r.runMu.Lock()
	r.sup = sup
	r.runMu.Unlock()

	r.log.Info("router started", logx.Int("workers", r.workers), logx.Int("queue_cap", cap(r.jobs)))
	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(c, idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
		)
	}

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.runMu.Lock()
		r.sup = nil
		r.runMu.Unlock()
		r.log.Info("router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(ctx context.Context, worker int, job func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in router job", logx.Int("worker", worker), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	job(ctx)
}

func (r *Router) enqueue(job func(context.Context)) bool {
	select {
	case r.jobs <- job:
		return true
	default:
		return false
	}
}

// Route fans an update out to listeners and, for prefixed messages, to the
// matching command.
func (r *Router) Route(ctx context.Context, up platform.Update) {
	r.mu.RLock()
	ls := r.listeners[up.Kind]
	r.mu.RUnlock()
	for _, l := range ls {
		r.enqueueListener(l, up)
	}
	if up.Kind == platform.UpdateMessage && up.Message != nil {
		r.routeMessage(ctx, up)
	}
}

func (r *Router) enqueueListener(l Listener, up platform.Update) {
	log := r.log.With(logx.String("listener", l.Name))
	ok := r.enqueue(func(ctx context.Context) {
		r.mu.RLock()
		d := r.timeout
		r.mu.RUnlock()
		lctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := l.Handle(lctx, up); err != nil {
			log.Warn("listener failed", logx.Err(err))
		}
	})
	if !ok {
		log.Warn("router queue full, update dropped", logx.String("kind", string(up.Kind)))
	}
}

func (r *Router) routeMessage(ctx context.Context, up platform.Update) {
	msg := up.Message
	if msg.Author.Bot {
		return
	}
	r.mu.RLock()
	prefix, root, alias := r.prefix, r.root, r.alias
	r.mu.RUnlock()

	text := strings.TrimSpace(msg.Content)
	if len(text) < len(prefix) || !strings.EqualFold(text[:len(prefix)], prefix) {
		return
	}
	parts := tokenize(text[len(prefix):])
	if len(parts) == 0 {
		return
	}
	word, args := strings.ToLower(parts[0]), parts[1:]

	// Child routes win over aliases so "config" reaches its subcommands.
	cur, ok := root.child(word)
	if !ok {
		leaf, ok := alias[word]
		if !ok || leaf.cmd == nil {
			return
		}
		r.enqueueCommand(ctx, up, *leaf.cmd, splitRoute(leaf.cmd.Route), args)
		return
	}
	path := []string{word}
	for len(args) > 0 && !strings.HasPrefix(args[0], "--") {
		child, ok := cur.child(args[0])
		if !ok {
			break
		}
		cur = child
		path = append(path, child.name)
		args = args[1:]
	}
	if cur.cmd == nil {
		r.reply(ctx, msg, r.helpText(path))
		return
	}
	r.enqueueCommand(ctx, up, *cur.cmd, path, args)
}

func (r *Router) enqueueCommand(ctx context.Context, up platform.Update, cmd Command, path, raw []string) {
	msg := up.Message
	rid := newReqID()
	log := r.log.With(
		logx.String("rid", rid),
		logx.Snowflake("guild", msg.GuildID),
		logx.Snowflake("channel", msg.ChannelID),
		logx.Snowflake("user", msg.Author.ID),
		logx.String("cmd", cmd.Route),
	)
	if !r.limiter.allow(msg.Author.ID, time.Now()) {
		log.Debug("command rate limited")
		return
	}

	pos, flags, bools := parseFlags(raw)
	req := &Request{
		Message: *msg,
		Guild:   msg.GuildID,
		Channel: msg.ChannelID,
		Author:  msg.Author,
		Path:    path,
		Command: cmd.Route,
		Args:    pos,
		RawArgs: raw,
		Flags:   flags,
		Bools:   bools,
		ReqID:   rid,
		Client:  r.client,
		Logger:  log,
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		r.mu.RLock()
		timeout = r.timeout
		r.mu.RUnlock()
	}
	final := Chain(
		cmd.Handle,
		MWRequestLog(),
		MWReplyError(),
		MWPanicRecover(),
		MWTimeout(timeout),
		r.mwAccess(cmd),
	)
	if !r.enqueue(func(c context.Context) { _ = final(c, req) }) {
		r.reply(ctx, msg, "⏳ Busy, try again in a moment.")
	}
}

func (r *Router) reply(ctx context.Context, msg *platform.Message, text string) {
	_, err := r.client.SendMessage(ctx, msg.ChannelID, text, &platform.SendOptions{Mentions: platform.MentionNone, ReplyTo: msg.ID})
	if err != nil {
		r.log.Debug("reply failed", logx.Err(err))
	}
}
