package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"melutils/internal/config"
	"melutils/internal/scheduler"
	"melutils/internal/storage"
	logx "melutils/pkg/logx"
)

// PrintEvents writes the pending scheduled events in the configured database
// to w, soonest first. It does not connect to Discord.
func PrintEvents(ctx context.Context, cfgPath string, w io.Writer) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	stCfg, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(stCfg, logx.Nop())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	recs, err := store.ScanEvents(ctx)
	if err != nil {
		return err
	}
	return writeEvents(w, recs, time.Now())
}

func writeEvents(w io.Writer, recs []scheduler.Record, now time.Time) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "no pending events")
		return err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FireAt.Before(recs[j].FireAt) })
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tFIRES AT\tIN\tDATA")
	for _, r := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.FireAt.UTC().Format(time.RFC3339),
			humanize.RelTime(r.FireAt, now, "ago", "from now"), r.Data)
	}
	return tw.Flush()
}
