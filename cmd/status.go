package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/magnetar/internal/config"
	"github.com/papapumpkin/magnetar/internal/transition"
	"github.com/papapumpkin/magnetar/internal/workgraph"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show graph and transition-log status",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Int("recent", 5, "number of recent transitions to show")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	ctx := cmd.Context()

	graph := &workgraph.CLIClient{BinPath: cfg.GraphBin, DBPath: cfg.GraphDB, Verbose: cfg.Verbose}
	g, err := graph.Load(ctx)
	if err != nil {
		return err
	}

	counts := g.CountByStatus()
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "issues\t%d\n", g.Len())
	for _, st := range statuses {
		fmt.Fprintf(w, "  %s\t%d\n", st, counts[workgraph.Status(st)])
	}
	w.Flush()

	store, err := transition.NewSQLiteStore(ctx, cfg.TransitionDB)
	if err != nil {
		// No transition log yet is not an error worth failing status over.
		fmt.Printf("transitions: unavailable (%v)\n", err)
		return nil
	}
	defer store.Close()

	total, err := store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("transitions: %d\n", total)

	limit, _ := cmd.Flags().GetInt("recent")
	recent, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	for _, r := range recent {
		fmt.Printf("  %s  %s -> %s  %s  %s\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), r.FromState, r.ToState, r.ActionLabel, r.Context)
	}
	return nil
}
