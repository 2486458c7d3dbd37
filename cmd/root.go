package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/config"
	"github.com/sells-group/coach-insights/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	cfg               *config.Config
	telemetryShutdown telemetry.Shutdown
)

var rootCmd = &cobra.Command{
	Use:   "coach-insights",
	Short: "Turns coach voice and text notes into reviewed player insights",
	Long: "Ingests coach notes, extracts claims about players and teams, resolves them against the org roster, " +
		"and auto-applies or queues each insight for coach review based on sensitivity and earned trust.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal outside local development.
		_ = godotenv.Load()

		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		shutdown, err := telemetry.Init(cmd.Context(), telemetry.Config{
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     version,
		})
		if err != nil {
			return eris.Wrap(err, "init telemetry")
		}
		telemetryShutdown = shutdown

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if telemetryShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := telemetryShutdown(ctx); err != nil {
				zap.L().Warn("telemetry shutdown", zap.Error(err))
			}
			cancel()
		}
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
