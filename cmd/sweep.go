package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one periodic job (for an external cron)",
}

var sweepBudgetsCmd = &cobra.Command{
	Use:   "budgets",
	Short: "Raise cost alerts for orgs over their budget thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), modeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		alerts, err := env.Budgets.Sweep(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		for _, a := range alerts {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%.2f%%\n", a.OrgID, a.Type, a.Severity, a.Percent)
		}
		zap.L().Info("budget sweep complete", zap.Int("alerts", len(alerts)))
		return nil
	},
}

var sweepHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check pipeline health and raise alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), modeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		alerts, err := env.Checker.Check(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		for _, a := range alerts {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", a.Type, a.Severity, a.Message)
		}
		zap.L().Info("health check complete", zap.Int("alerts", len(alerts)))
		return nil
	},
}

var sweepWindowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "Start new windows for rate limits whose window has ended",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), modeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Limiter.ResetWindows(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "renewed %d rate limit windows\n", n)
		return nil
	},
}

var reconcileAfter time.Duration

var sweepReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Apply confirmed drafts whose record update never landed",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), modeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		after := reconcileAfter
		if after == 0 {
			after = time.Duration(cfg.Pipeline.ReconcileAfterMins) * time.Minute
		}
		n, err := env.Drafts.Reconcile(cmd.Context(), after)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d confirmed drafts\n", n)
		return nil
	},
}

func init() {
	sweepReconcileCmd.Flags().DurationVar(&reconcileAfter, "older-than", 0, "only drafts confirmed at least this long ago (default pipeline.reconcile_after_mins)")
	sweepCmd.AddCommand(sweepBudgetsCmd, sweepHealthCmd, sweepWindowsCmd, sweepReconcileCmd)
	rootCmd.AddCommand(sweepCmd)
}
