package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/hazz-dev/egresspool/internal/config"
	"github.com/hazz-dev/egresspool/internal/fetch"
	"github.com/hazz-dev/egresspool/internal/registry"
)

type fetchOptions struct {
	validate    bool
	concurrency int
	method      string
}

func executeFetch(ctx context.Context, out io.Writer, cfg *config.Config, logger *slog.Logger, urls []string, opts fetchOptions) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if a.loadCandidates() == 0 {
		return errNoCandidates
	}
	if opts.validate {
		rep := a.scheduler(nil).Sweep(ctx)
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("validation interrupted: %w", err)
		}
		logger.Info("pool validated", "healthy", rep.Summary.Healthy, "eligible", rep.Eligible, "total", rep.Total)
	}

	concurrency := opts.concurrency
	if concurrency <= 0 {
		concurrency = cfg.Fetch.MaxConcurrency
	}
	reqs := make([]fetch.Request, len(urls))
	for i, u := range urls {
		reqs[i] = fetch.Request{URL: u, Method: opts.method}
	}

	results := a.fetcher.FetchMany(ctx, reqs, concurrency)
	return printFetchResults(out, results)
}

// printFetchResults renders one row per result and fails when any request
// did not succeed.
func printFetchResults(out io.Writer, results []fetch.Result) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "URL\tSTATUS\tCODE\tATTEMPTS\tENDPOINT\tELAPSED\tERROR")
	failed := 0
	for _, r := range results {
		code := "—"
		if r.Response != nil {
			code = strconv.Itoa(r.Response.StatusCode)
		}
		endpoint := "—"
		if r.Endpoint != (registry.Key{}) {
			endpoint = r.Endpoint.String()
		}
		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		if r.Status != fetch.StatusSuccess {
			failed++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.URL,
			r.Status,
			code,
			r.Attempts,
			endpoint,
			r.Elapsed.Round(time.Millisecond),
			errMsg,
		)
	}
	w.Flush()

	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(results))
	}
	return nil
}
