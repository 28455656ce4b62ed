package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"forkguard/internal/config"
	"forkguard/internal/store"
	"forkguard/internal/store/postgres"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:          "history",
	Short:        "List recent supervised runs",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		url := databaseURL(cfg)
		if url == "" {
			return fmt.Errorf("no database configured: set FORKGUARD_DATABASE_URL or --database-url")
		}

		st, err := postgres.New(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("failed to open run history: %w", err)
		}
		defer st.Close()

		runs, err := st.ListRecentRuns(cmd.Context(), historyLimit)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tOUTCOME\tSTARTED\tDURATION\tCOMMAND")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				run.ID, run.Name, runOutcome(run),
				run.StartedAt.Format(time.RFC3339),
				runDuration(run),
				strings.Join(run.Command, " "),
			)
		}
		return w.Flush()
	},
}

func runOutcome(run store.Run) string {
	switch {
	case run.TimedOut:
		code := 0
		if run.FailureCode != nil {
			code = *run.FailureCode
		}
		return fmt.Sprintf("timeout(%d)", code)
	case run.FailureCode != nil:
		return fmt.Sprintf("failed(%d)", *run.FailureCode)
	case run.FinishedAt == nil:
		return "running"
	default:
		return "ok"
	}
}

func runDuration(run store.Run) string {
	if run.FinishedAt == nil {
		return "-"
	}
	return run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to list")
}
