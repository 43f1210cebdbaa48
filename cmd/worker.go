package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker that processes staged runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		tc, err := workflow.Dial(ctx, cfg.Temporal)
		if err != nil {
			return err
		}
		defer tc.Close()

		zap.L().Info("starting temporal worker", zap.String("task_queue", cfg.Temporal.TaskQueue))
		err = workflow.RunWorker(ctx, tc, cfg.Temporal.TaskQueue, &workflow.Activities{Pipeline: env.Pipeline})
		return eris.Wrap(err, "worker")
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
