package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/api"
	"github.com/sells-group/coach-insights/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the optional job scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, modePipeline)
		if err != nil {
			return err
		}
		defer env.Close()

		var sched *monitoring.Scheduler
		if cfg.Schedule.Enabled {
			sched, err = monitoring.NewScheduler(scheduledJobs(env))
			if err != nil {
				return err
			}
			sched.Start()
		}

		apiSrv := api.NewServer(ctx, api.Deps{
			Artifacts: env.Artifacts,
			Processor: env.Pipeline,
			Drafts:    env.Drafts,
			Analytics: env.Analytics,
			Trust:     env.Trust,
			Limits:    env.Limiter,
			Providers: env.Store,
			Alerts:    env.Checker,
			Store:     env.Store,
		}, api.Options{AllowedOrigins: cfg.Server.AllowedOrigins})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           apiSrv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			if sched != nil {
				sched.Stop(shutdownCtx)
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		// Let in-flight artifact runs finish before the store closes.
		apiSrv.Wait()
		return nil
	},
}

// scheduledJobs maps the schedule section onto the periodic jobs. An empty
// spec disables its job.
func scheduledJobs(env *appEnv) []monitoring.Job {
	reconcileAfter := time.Duration(cfg.Pipeline.ReconcileAfterMins) * time.Minute
	return []monitoring.Job{
		{Name: "budget_sweep", Spec: cfg.Schedule.BudgetSweep, Run: func(ctx context.Context) error {
			_, err := env.Budgets.Sweep(ctx, time.Now())
			return err
		}},
		{Name: "window_reset", Spec: cfg.Schedule.WindowReset, Run: func(ctx context.Context) error {
			_, err := env.Limiter.ResetWindows(ctx)
			return err
		}},
		{Name: "health_check", Spec: cfg.Schedule.HealthCheck, Run: func(ctx context.Context) error {
			_, err := env.Checker.Check(ctx, time.Now())
			return err
		}},
		{Name: "reconcile", Spec: cfg.Schedule.Reconcile, Run: func(ctx context.Context) error {
			_, err := env.Drafts.Reconcile(ctx, reconcileAfter)
			return err
		}},
		{Name: "trust_recompute", Spec: cfg.Schedule.TrustRecompute, Run: func(ctx context.Context) error {
			_, err := env.Trust.RecomputeAll(ctx)
			return err
		}},
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
