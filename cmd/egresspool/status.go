package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/egresspool/internal/registry"
)

type snapshotStore interface {
	LoadSnapshot(ctx context.Context) ([]registry.Endpoint, error)
}

func executeStatus(cmd *cobra.Command, db snapshotStore) error {
	out := cmd.OutOrStdout()
	eps, err := db.LoadSnapshot(context.Background())
	if err != nil {
		return fmt.Errorf("querying snapshot: %w", err)
	}

	if len(eps) == 0 {
		fmt.Fprintln(out, "No pool snapshot. Run 'egresspool serve' first.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tSCORE\tLATENCY\tFAILURES\tLAST CHECKED")
	for _, ep := range eps {
		latency := "—"
		if ep.LatencyMs > 0 {
			latency = (time.Duration(ep.LatencyMs) * time.Millisecond).String()
		}
		checked := "never"
		if !ep.LastCheckedAt.IsZero() {
			checked = ep.LastCheckedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n",
			ep.Key,
			ep.Score,
			latency,
			ep.ConsecutiveFailures,
			checked,
		)
	}
	w.Flush()

	st := registry.Summarize(eps)
	fmt.Fprintf(out, "\n%d endpoints: %d excellent, %d good, %d poor", st.Total, st.Excellent, st.Good, st.Poor)
	if st.Fastest != nil {
		fmt.Fprintf(out, "; fastest %s (%dms)", st.Fastest.Key, st.Fastest.LatencyMs)
	}
	fmt.Fprintln(out)
	return nil
}
