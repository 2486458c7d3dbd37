package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage coach trust profiles",
}

var trustCoach string

var trustRecomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Re-run trust adaptation for every coach, or one with --coach",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), modeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		if trustCoach == "" {
			n, err := env.Trust.RecomputeAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recomputed %d trust profiles\n", n)
			return nil
		}

		p, err := env.Trust.Recompute(cmd.Context(), trustCoach)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "coach %s: level %d, %d approvals, %d suppressed\n",
			p.CoachID, p.Level, p.TotalApprovals, p.TotalSuppressed)
		for cat, th := range p.Thresholds {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\t%.2f\n", cat, th)
		}
		return nil
	},
}

func init() {
	trustRecomputeCmd.Flags().StringVar(&trustCoach, "coach", "", "recompute a single coach")
	trustCmd.AddCommand(trustRecomputeCmd)
	rootCmd.AddCommand(trustCmd)
}
