package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"melutils/internal/platform"
	logx "melutils/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			var uerr *UserError
			switch {
			case err == nil && d >= 750*time.Millisecond:
				req.Logger.Info("command ok", logx.Duration("dur", d))
			case err == nil:
				req.Logger.Debug("command ok", logx.Duration("dur", d))
			case errors.As(err, &uerr):
				req.Logger.Debug("command rejected", logx.Duration("dur", d), logx.Err(err))
			default:
				req.Logger.Warn("command failed", logx.Duration("dur", d), logx.Err(err))
			}
			return err
		}
	}
}

// MWReplyError answers a failed command in its channel. User errors are shown
// verbatim; anything else only carries the request id.
func MWReplyError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil {
				return nil
			}
			var uerr *UserError
			text := "❌ Something went wrong (ref `" + req.ReqID + "`)."
			if errors.As(err, &uerr) {
				text = "❌ " + uerr.Msg
			}
			// The handler context may already be spent.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if rerr := req.Reply(rctx, text); rerr != nil && !platform.IsNotFound(rerr) {
				req.Logger.Debug("error reply failed", logx.Err(rerr))
			}
			return err
		}
	}
}

// userLimiter hands out one token bucket per user.
type userLimiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	m     map[platform.ID]*limiterEntry
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newUserLimiter(limit rate.Limit, burst int) *userLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &userLimiter{limit: limit, burst: burst, m: map[platform.ID]*limiterEntry{}}
}

func (l *userLimiter) allow(user platform.ID, now time.Time) bool {
	if l == nil || l.limit == rate.Inf || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[user]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.m[user] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

// prune drops buckets idle since before cutoff.
func (l *userLimiter) prune(cutoff time.Time) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, e := range l.m {
		if e.seen.Before(cutoff) {
			delete(l.m, id)
			n++
		}
	}
	return n
}
