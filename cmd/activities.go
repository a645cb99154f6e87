package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/deal-intel/internal/store"
)

var (
	activitiesUnprocessed bool
	activitiesSinceDays   int
	activitiesLimit       int
)

var activitiesCmd = &cobra.Command{
	Use:   "activities",
	Short: "List stored activities",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		filter := store.ActivityFilter{
			Unprocessed: activitiesUnprocessed,
			Limit:       activitiesLimit,
		}
		if activitiesSinceDays > 0 {
			filter.Since = time.Now().AddDate(0, 0, -activitiesSinceDays)
		}

		activities, err := st.ListActivities(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "list activities")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tOCCURRED\tCONTACTS\tDEAL\tRECEIPTS")
		for _, a := range activities {
			deal := a.DealID
			if deal == "" {
				deal = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\n",
				a.ID,
				a.Kind,
				a.OccurredAt.Format("2006-01-02 15:04"),
				len(a.ContactIDs),
				deal,
				len(a.ProcessedFor),
			)
		}
		return w.Flush()
	},
}

func init() {
	activitiesCmd.Flags().BoolVar(&activitiesUnprocessed, "unprocessed", false, "only activities missing receipts")
	activitiesCmd.Flags().IntVar(&activitiesSinceDays, "since-days", 0, "only activities from the last N days")
	activitiesCmd.Flags().IntVar(&activitiesLimit, "limit", 50, "max rows")
	rootCmd.AddCommand(activitiesCmd)
}
