package main

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/deal-intel/internal/model"
)

var importBatchSize int

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Bulk import activities from an NDJSON file",
	Long:  "Reads one activity JSON document per line and upserts them in batches. Existing activities with the same ID are overwritten.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "open import file")
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

		var (
			batch    []model.Activity
			imported int
			line     int
		)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := st.SaveActivities(ctx, batch); err != nil {
				return eris.Wrap(err, "save activity batch")
			}
			imported += len(batch)
			batch = batch[:0]
			return nil
		}

		for scanner.Scan() {
			line++
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}
			var activity model.Activity
			if err := json.Unmarshal(raw, &activity); err != nil {
				return eris.Wrapf(err, "parse activity at line %d", line)
			}
			if activity.ID == "" {
				activity.ID = uuid.NewString()
			}
			batch = append(batch, activity)
			if len(batch) >= importBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return eris.Wrap(err, "read import file")
		}
		if err := flush(); err != nil {
			return err
		}

		zap.L().Info("import complete",
			zap.String("file", args[0]),
			zap.Int("activities", imported))
		return nil
	},
}

func init() {
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", 500, "activities per upsert batch")
	rootCmd.AddCommand(importCmd)
}
