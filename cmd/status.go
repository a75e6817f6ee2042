package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mof-screen/internal/config"
	"github.com/sells-group/mof-screen/internal/model"
	"github.com/sells-group/mof-screen/internal/store"
)

var (
	statusJSON   bool
	statusLimit  int
	statusFilter string
)

var statusCmd = &cobra.Command{
	Use:   "status [batch-id]",
	Short: "Show a batch report, or list recent batches",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(config.ModeStatus); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if len(args) == 1 {
			summary, err := batchSummary(ctx, st, args[0])
			if err != nil {
				return eris.Wrap(err, "status")
			}
			if statusJSON {
				return writeJSON(os.Stdout, summary)
			}
			return writeSummary(os.Stdout, summary)
		}

		filter := store.BatchFilter{Limit: statusLimit}
		if statusFilter != "" {
			for _, s := range strings.Split(statusFilter, ",") {
				bs := model.BatchStatus(strings.TrimSpace(s))
				if !bs.IsValid() {
					return eris.Errorf("status: unknown batch status %q", s)
				}
				filter.Statuses = append(filter.Statuses, bs)
			}
		}

		batches, err := st.ListBatches(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "status: list batches")
		}
		if statusJSON {
			return writeJSON(os.Stdout, batches)
		}
		if len(batches) == 0 {
			fmt.Fprintln(os.Stderr, "No batches found.")
			return nil
		}
		formatBatchList(os.Stdout, batches)
		return nil
	},
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeSummary prints a batch report with per-status item counts.
func writeSummary(w io.Writer, s model.BatchSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Batch:\t%s\n", s.Batch.ID)
	if s.Batch.Name != "" {
		fmt.Fprintf(tw, "Name:\t%s\n", s.Batch.Name)
	}
	fmt.Fprintf(tw, "Status:\t%s\n", s.Batch.Status)
	fmt.Fprintf(tw, "Outcome:\t%s\n", s.Outcome)
	fmt.Fprintf(tw, "Items:\t%d (%d finished)\n", s.Total, s.Finished())
	fmt.Fprintf(tw, "Rules:\t%d\n", len(s.Batch.Rules))
	for _, r := range s.Batch.Rules {
		fmt.Fprintf(tw, "\t%s %s %g\n", r.Metric, r.Condition, r.Value)
	}
	fmt.Fprintln(tw)

	statuses := make([]string, 0, len(s.Counts))
	for status := range s.Counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)

	fmt.Fprintln(tw, "STATUS\tCOUNT")
	for _, status := range statuses {
		fmt.Fprintf(tw, "%s\t%d\n", status, s.Counts[model.ItemStatus(status)])
	}
	return tw.Flush()
}

func formatBatchList(w io.Writer, batches []model.Batch) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCREATED\tUPDATED")
	for _, b := range batches {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			b.ID, b.Name, b.Status,
			b.CreatedAt.Format("2006-01-02 15:04"),
			b.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = tw.Flush()
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON instead of a table")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "max batches to list")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "comma-separated batch statuses to list")
	rootCmd.AddCommand(statusCmd)
}
