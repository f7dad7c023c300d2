package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/crmsync/internal/ledger"
	"github.com/hyperengineering/crmsync/internal/types"
)

var (
	runsEntity     string
	runsLimit      int
	runsJSONOutput bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run ledger",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sync runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

func init() {
	runsListCmd.Flags().StringVar(&runsEntity, "entity", "", "Only list runs of this entity")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs")
	runsListCmd.Flags().BoolVar(&runsJSONOutput, "json", false, "Output in JSON format")

	runsCmd.AddCommand(runsListCmd)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	opts := ledger.ListOptions{Limit: runsLimit}
	if runsEntity != "" {
		e, err := types.ParseEntity(runsEntity)
		if err != nil {
			return err
		}
		opts.Entity = e
	}
	if opts.Limit <= 0 {
		return fmt.Errorf("--limit must be greater than zero")
	}

	led, err := ledger.Open(cfg.State.Path)
	if err != nil {
		return err
	}
	defer led.Close()

	runs, err := led.ListSyncRuns(cmd.Context(), opts)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	if runsJSONOutput {
		if runs == nil {
			runs = []*types.RunReport{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"runs":  runs,
			"total": len(runs),
		})
	}

	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "RUN ID\tENTITY\tSTATE\tSTARTED\tMERGED\tDURATION\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID,
			r.Entity,
			r.State,
			humanize.Time(r.StartedAt),
			humanize.Comma(r.Merged),
			formatDuration(r.Duration()),
			dash(r.Error),
		)
	}
	return w.Flush()
}
