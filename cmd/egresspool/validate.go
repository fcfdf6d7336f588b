package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/hazz-dev/egresspool/internal/config"
	"github.com/hazz-dev/egresspool/internal/registry"
	"github.com/hazz-dev/egresspool/internal/scheduler"
)

var errNoCandidates = errors.New("no candidates configured (see sources.files and sources.endpoints)")

func executeValidate(ctx context.Context, out io.Writer, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if a.loadCandidates() == 0 {
		return errNoCandidates
	}

	rep := a.scheduler(nil).Sweep(ctx)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("validation interrupted: %w", err)
	}
	printSweep(out, a.reg, rep)

	if rep.Summary.Healthy == 0 {
		return fmt.Errorf("no endpoint passed validation")
	}
	if rep.Eligible == 0 {
		return registry.ErrPoolExhausted
	}
	return nil
}

func printSweep(out io.Writer, reg *registry.Registry, rep scheduler.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tRESULT\tSCORE\tLATENCY\tCODE\tERROR")
	for _, r := range rep.Summary.Results {
		result := "ok"
		if !r.Success {
			result = "failed"
		}
		score := "evicted"
		if ep, ok := reg.Get(r.Endpoint); ok {
			score = strconv.Itoa(ep.Score)
		}
		latency := "—"
		if r.Success && r.Latency > 0 {
			latency = r.Latency.Round(time.Millisecond).String()
		}
		code := "—"
		if r.StatusCode > 0 {
			code = strconv.Itoa(r.StatusCode)
		}
		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Endpoint, result, score, latency, code, errMsg)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%d healthy, %d failed, %d evicted, %d eligible of %d (%s)\n",
		rep.Summary.Healthy,
		rep.Summary.Failed,
		len(rep.Evicted),
		rep.Eligible,
		rep.Total,
		rep.Summary.Duration.Round(time.Millisecond),
	)
}
