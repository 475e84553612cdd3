// Package commands implements the repolens CLI commands.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/repolens/analysis-client/internal/backend"
	"github.com/repolens/analysis-client/internal/config"
	"github.com/repolens/analysis-client/internal/metrics"
	"github.com/repolens/analysis-client/internal/progress"
	"github.com/repolens/analysis-client/internal/session"
	"github.com/repolens/analysis-client/internal/stream"
)

// loadConfig resolves the --config persistent flag and loads configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.LoadConfig(path)
}

// newSession wires the store, service client and session from configuration.
func newSession(cfg *config.Config) (*session.Session, *progress.Store, error) {
	store := progress.NewStore()
	api := backend.NewClient(cfg.Server.URL, cfg.Server.Token)

	opts := []session.Option{
		session.WithBackoff(stream.BackoffPolicy{
			BaseDelay:   cfg.Stream.BackoffBase,
			Multiplier:  cfg.Stream.BackoffMultiplier,
			MaxAttempts: cfg.Stream.MaxAttempts,
		}),
		session.WithPollInterval(cfg.Poll.Interval),
	}

	if am, err := metrics.NewAnalysisMetrics(); err == nil {
		opts = append(opts, session.WithMetrics(am))
	}

	sess := session.New(store, api, opts...)
	return sess, store, nil
}
