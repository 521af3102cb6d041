package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/smbo/internal/optimization"
)

func newObjectivesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "objectives",
		Short: "List registered objectives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tMINIMUM\tDIMENSIONS\tDESCRIPTION")
			for _, o := range a.objectives.List() {
				dims := make([]string, len(o.Dimensions))
				for i, d := range o.Dimensions {
					dims[i] = describeDimension(d)
				}
				fmt.Fprintf(tw, "%s\t%.6g\t%s\t%s\n", o.Name, o.Minimum, strings.Join(dims, " "), o.Description)
			}
			return tw.Flush()
		},
	}
}

func describeDimension(d optimization.DimensionSpec) string {
	switch d.Type {
	case optimization.KindCategorical:
		return fmt.Sprintf("%s{%s}", d.Name, strings.Join(d.Categories, ","))
	case optimization.KindInteger:
		return fmt.Sprintf("%s[%d..%d]", d.Name, int(d.Low), int(d.High))
	default:
		if d.Prior == optimization.PriorLogUniform {
			return fmt.Sprintf("%s[%g,%g,log]", d.Name, d.Low, d.High)
		}
		return fmt.Sprintf("%s[%g,%g]", d.Name, d.Low, d.High)
	}
}

func sortedKeys(params optimization.Params) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
