package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process <run-id>",
	Short: "Harmonize and consolidate a staged run",
	Long:  "Resumes a run from its current ledger state. Processing a completed or failed run does nothing.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Pipeline.Process(ctx, args[0])
		if run != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(run)
		}
		return eris.Wrap(err, "process")
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <run-id>",
	Short: "Re-consolidate a run from its staged records",
	Long:  "Re-harmonizes the run's staging partition and applies it to the catalog without touching the ledger. Replaying an applied run writes nothing.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Replay(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "replay")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"run_id":       args[0],
			"staged":       res.Staged,
			"unclassified": res.Unclassified,
			"inserted":     res.Catalog.Inserted,
			"updated":      res.Catalog.Updated,
			"unchanged":    res.Catalog.Unchanged,
			"deferred":     res.Catalog.Deferred + res.Unknowns.Deferred,
			"failed":       res.Catalog.Failed + res.Unknowns.Failed,
		})
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(replayCmd)
}
