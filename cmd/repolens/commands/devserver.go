package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/repolens/analysis-client/internal/devserver"
	"github.com/repolens/analysis-client/internal/progress"
)

// DevserverCommand holds the flags for the devserver command.
type DevserverCommand struct {
	port      int
	stepDelay time.Duration
	failAt    string
	jwtSecret string
	traces    bool
}

// NewDevserverCommand creates and configures the devserver command.
func NewDevserverCommand() *cobra.Command {
	cmd := &DevserverCommand{}

	cobraCmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local scripted analysis service",
		Long: `Runs an in-memory analysis service that serves the production wire
surface with a scripted pipeline. Useful for developing against the
client without a real backend.`,
		RunE: cmd.Run,
	}

	cobraCmd.Flags().IntVarP(&cmd.port, "port", "p", 0, "Listen port (default: from config)")
	cobraCmd.Flags().DurationVar(&cmd.stepDelay, "step-delay", 0, "Delay between pipeline stages (default: from config)")
	cobraCmd.Flags().StringVar(&cmd.failAt, "fail-at", "", "Abort the pipeline with a failure at this stage")
	cobraCmd.Flags().StringVar(&cmd.jwtSecret, "jwt-secret", "", "Enable JWT authentication with this signing secret")
	cobraCmd.Flags().BoolVar(&cmd.traces, "traces", false, "Emit OpenTelemetry traces to stdout")

	return cobraCmd
}

// Run executes the devserver command.
func (c *DevserverCommand) Run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if c.traces {
		if err := initTracer(); err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
	}

	port := cfg.Devserver.Port
	if c.port != 0 {
		port = c.port
	}
	stepDelay := cfg.Devserver.StepDelay
	if c.stepDelay != 0 {
		stepDelay = c.stepDelay
	}
	failAt := cfg.Devserver.FailAt
	if c.failAt != "" {
		failAt = c.failAt
	}
	jwtSecret := cfg.Devserver.JWTSecret
	if c.jwtSecret != "" {
		jwtSecret = c.jwtSecret
	}

	srvCfg := devserver.Config{
		StepDelay:         stepDelay,
		KeepaliveInterval: cfg.Devserver.KeepaliveInterval,
		FailAt:            progress.Stage(failAt),
		JWTSecret:         jwtSecret,
	}
	if jwtSecret != "" {
		// A throwaway dev account; intended for local testing only.
		hash, hashErr := devserver.HashPassword("repolens")
		if hashErr != nil {
			return hashErr
		}
		srvCfg.Users = map[string]string{"dev": hash}
	}

	srv, err := devserver.New(srvCfg)
	if err != nil {
		return err
	}
	defer srv.Shutdown()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		pterm.Info.Printf("Analysis dev server listening on :%d\n", port)
		if jwtSecret != "" {
			pterm.Info.Println("Authentication enabled; login with dev/repolens at /api/auth/login")
		}
		if failAt != "" {
			pterm.Warning.Printf("Pipelines will fail at stage %s\n", failAt)
		}
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			pterm.Error.Printf("Server failed: %v\n", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	pterm.Success.Println("Server stopped cleanly")
	return nil
}

// initTracer initializes OpenTelemetry tracing with a stdout exporter.
func initTracer() error {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)

	return nil
}
