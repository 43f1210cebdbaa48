package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/api"
	"github.com/sells-group/catalog-sync/internal/maintenance"
	"github.com/sells-group/catalog-sync/internal/pipeline"
	"github.com/sells-group/catalog-sync/internal/workflow"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run status and curation API",
	Long: "Serves run status, unknown entity curation and run submission over HTTP, " +
		"and runs the reconcile sweep and deferred replay on an interval.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		var handoff pipeline.Handoff
		switch cfg.Pipeline.Background {
		case "temporal":
			tc, err := workflow.Dial(ctx, cfg.Temporal)
			if err != nil {
				return err
			}
			defer tc.Close()
			handoff = workflow.NewDispatcher(tc, cfg.Temporal.TaskQueue)
		default:
			bg := pipeline.NewBackground(ctx, env.Pipeline)
			defer bg.Wait()
			handoff = bg
		}

		maintenanceOff, _ := cmd.Flags().GetBool("no-maintenance")
		if !maintenanceOff {
			checker := maintenance.NewChecker(
				env.Sweeper,
				maintenance.NewCollector(env.Store),
				maintenance.NewAlerter(cfg.Monitoring),
				time.Duration(cfg.Reconcile.IntervalSecs)*time.Second,
				cfg.Monitoring.LookbackWindowHours,
			)
			go checker.Run(ctx)
		}

		router := api.NewRouter(api.Options{
			Runs:        env.Ledger,
			Unknowns:    env.Tracker,
			Submitter:   pipeline.NewSubmitter(env.Ingester, handoff),
			CORSOrigins: cfg.Server.CORSOrigins,
		})

		zap.L().Info("starting api server",
			zap.Int("port", port),
			zap.String("background", cfg.Pipeline.Background),
			zap.Bool("maintenance", !maintenanceOff),
		)
		return eris.Wrap(api.ListenAndServe(ctx, port, router), "serve")
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port (default from config)")
	serveCmd.Flags().Bool("no-maintenance", false, "do not run the reconcile sweep and health checks")
	rootCmd.AddCommand(serveCmd)
}
