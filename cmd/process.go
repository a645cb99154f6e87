package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/deal-intel/internal/store"
)

var (
	processBacklog bool
	processLimit   int
	processJSON    bool
)

var processCmd = &cobra.Command{
	Use:   "process [activity-id...]",
	Short: "Run intelligence analysis for one or more activities",
	Long:  "Processes the named activities through the analysis pipeline. With --backlog, processes unprocessed activities instead.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if len(args) == 0 && !processBacklog {
			return eris.New("provide activity IDs or pass --backlog")
		}

		env, err := initPipeline(ctx, "process")
		if err != nil {
			return err
		}
		defer env.Close()

		ids := args
		if processBacklog {
			activities, err := env.Store.ListActivities(ctx, store.ActivityFilter{
				Unprocessed: true,
				Limit:       processLimit,
			})
			if err != nil {
				return eris.Wrap(err, "list unprocessed activities")
			}
			for _, a := range activities {
				ids = append(ids, a.ID)
			}
			zap.L().Info("backlog loaded", zap.Int("activities", len(activities)))
		}

		var failed int
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		for _, id := range ids {
			result, err := env.Pipeline.Run(ctx, id)
			if err != nil {
				zap.L().Error("activity processing failed",
					zap.String("activity", id),
					zap.Error(err))
				failed++
				continue
			}
			zap.L().Info("activity processed",
				zap.String("activity", id),
				zap.Int("pairs_discovered", result.PairsDiscovered),
				zap.Int("pairs_processed", result.PairsProcessed),
				zap.Int("pairs_failed", len(result.PairsFailed)),
				zap.Strings("deals_updated", result.DealsUpdated),
				zap.Duration("duration", result.Duration))
			if processJSON {
				if err := enc.Encode(result); err != nil {
					return eris.Wrap(err, "encode result")
				}
			}
		}

		if failed > 0 {
			return eris.Errorf("%d of %d activities failed", failed, len(ids))
		}
		return nil
	},
}

func init() {
	processCmd.Flags().BoolVar(&processBacklog, "backlog", false, "process unprocessed activities instead of named IDs")
	processCmd.Flags().IntVar(&processLimit, "limit", 100, "max backlog activities to process")
	processCmd.Flags().BoolVar(&processJSON, "json", false, "print per-activity results as JSON")
	rootCmd.AddCommand(processCmd)
}
