// Package features holds what the command modules share.
package features

import (
	"context"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"melutils/internal/modlog"
	"melutils/internal/router"
	"melutils/internal/scheduler"
)

// Module contributes commands and listeners to the router.
type Module interface {
	Name() string
	Commands() []router.Command
	Listeners() []router.Listener
}

// Scheduler is the part of scheduler.Service the modules use.
type Scheduler interface {
	scheduler.Scheduler
	Pending(ctx context.Context) ([]scheduler.Record, error)
}

// Modlog records moderation actions.
type Modlog interface {
	Log(ctx context.Context, e modlog.Entry) error
}

// Registry flattens modules for router.SetRegistry.
func Registry(mods ...Module) ([]router.Command, []router.Listener) {
	var (
		cmds []router.Command
		ls   []router.Listener
	)
	for _, m := range mods {
		cmds = append(cmds, m.Commands()...)
		for _, l := range m.Listeners() {
			if l.Name == "" {
				l.Name = m.Name()
			}
			ls = append(ls, l)
		}
	}
	return cmds, ls
}

// Duration renders d coarsely, e.g. "3 days" or "2 hours".
func Duration(d time.Duration) string {
	base := time.Unix(0, 0)
	return strings.TrimSpace(humanize.RelTime(base, base.Add(d), "", ""))
}

// Done replies with a success mark.
func Done(ctx context.Context, req *router.Request, text string) error {
	return req.Reply(ctx, "✔️ "+text)
}
