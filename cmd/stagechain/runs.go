package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recorded runs, or show the stages of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  listRuns,
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Number of runs to list (0 for all)")
}

func listRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := requireStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if len(args) == 1 {
		run, err := store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "run\t%s\nchain\t%s\nstatus\t%s\nsteps\t%d\nstarted\t%s\n",
			run.RunID, run.Chain, run.Status, run.Steps, run.StartedAt.Format(time.RFC3339))
		if run.Error != "" {
			fmt.Fprintf(tw, "error\t%s\n", run.Error)
		}
		stages, err := store.Stages(ctx, run.RunID)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "\nSTEP\tSTAGE\tOUTCOME\tNEXT\tDURATION\tERROR")
		for _, s := range stages {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", s.Step, s.Stage, s.Outcome, s.Next, s.Duration.Round(time.Millisecond), s.Error)
		}
		return nil
	}

	runs, err := store.ListRuns(ctx, runsLimit)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "RUN\tCHAIN\tSTATUS\tSTEPS\tSTARTED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", r.RunID, r.Chain, r.Status, r.Steps, r.StartedAt.Format(time.RFC3339), r.Error)
	}
	return nil
}
