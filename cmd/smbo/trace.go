package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/smbo/internal/store"
)

func newTraceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "trace [run-id]",
		Short: "List stored runs or print a run's convergence",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				ids, err := store.ListRuns(a.traceDir)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			}

			entries, err := store.LoadTrace(a.traceDir, args[0])
			if err != nil {
				return err
			}
			best := store.Convergence(entries)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ITER\tPHASE\tVALUE\tBEST")
			for i, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%.6g\t%.6g\n", e.Iteration, e.Phase, e.Value, best[i])
			}
			return tw.Flush()
		},
	}
}
