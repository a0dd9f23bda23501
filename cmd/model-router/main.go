package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/zerocost-ai/model-router/internal/backend"
	"github.com/zerocost-ai/model-router/internal/backend/anthropicbe"
	"github.com/zerocost-ai/model-router/internal/backend/openaicompat"
	"github.com/zerocost-ai/model-router/internal/classify"
	"github.com/zerocost-ai/model-router/internal/config"
	"github.com/zerocost-ai/model-router/internal/dispatch"
	"github.com/zerocost-ai/model-router/internal/gateway"
	"github.com/zerocost-ai/model-router/internal/health"
	"github.com/zerocost-ai/model-router/internal/metering"
	"github.com/zerocost-ai/model-router/internal/middleware"
	"github.com/zerocost-ai/model-router/internal/policy"
	"github.com/zerocost-ai/model-router/internal/registry"
	"github.com/zerocost-ai/model-router/internal/security"
	"github.com/zerocost-ai/model-router/internal/server"
)

// Application represents the main application
type Application struct {
	config  *config.Config
	server  *server.Server
	monitor *health.Monitor
	audit   *security.AuditLogger
	limiter *security.TierRateLimiter
	logger  *logrus.Logger
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	// Register backends
	reg := registry.New()
	if err := registerBackends(reg, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to register backends: %w", err)
	}

	// Routing core
	resolver, err := policy.NewResolver(cfg.Routing.Policies)
	if err != nil {
		return nil, fmt.Errorf("failed to build tier policies: %w", err)
	}

	classifier := classify.New()
	dispatcher := dispatch.New(reg, cfg.Routing.Dispatch, logger)
	meter := metering.New(cfg.MeteringConfig(), prometheus.DefaultRegisterer, logger)
	monitor := health.NewMonitor(reg, cfg.Routing.Health, logger)

	// Security stack
	audit := security.NewAuditLogger(&cfg.Security.Audit, logger)
	auth := security.NewAuthenticator(&cfg.Security.Auth, audit, logger)
	limiter := security.NewTierRateLimiter(&cfg.Security.RateLimit, logger)

	gw := gateway.New(classifier, resolver, reg, dispatcher, meter, audit, logger)

	validation, err := middleware.NewValidationMiddleware(&middleware.ValidationConfig{
		Enabled:  true,
		SpecPath: "api/openapi.yaml",
	}, logger)
	if err != nil {
		logger.WithError(err).Warn("OpenAPI validation unavailable, continuing without it")
		validation = nil
	}

	srv := server.NewServer(gw, reg, meter, resolver, auth, limiter, audit, validation, cfg, logger)

	return &Application{
		config:  cfg,
		server:  srv,
		monitor: monitor,
		audit:   audit,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Run starts the application
func (app *Application) Run() error {
	app.logger.Info("Starting model router")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.monitor.Start(ctx)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	// Graceful shutdown
	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.monitor.Stop()
	app.limiter.Stop()
	app.audit.Stop()

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		// Assume it's a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// registerBackends builds a client for each configured backend and registers
// it with its breaker.
func registerBackends(reg *registry.Registry, cfg *config.Config, logger *logrus.Logger) error {
	for _, bc := range cfg.Backends {
		var client backend.Client

		switch bc.Kind {
		case config.KindOpenAICompatible:
			client = openaicompat.New(&openaicompat.Config{
				Name:      bc.ID,
				BaseURL:   bc.BaseURL,
				APIKey:    bc.APIKey,
				Model:     bc.Model,
				MaxTokens: bc.MaxTokens,
				Timeout:   bc.Timeout,
			}, logger)
		case config.KindAnthropic:
			if bc.APIKey == "" {
				logger.WithField("backend", bc.ID).Warn("Skipping backend: no API key configured")
				continue
			}
			client = anthropicbe.New(&anthropicbe.Config{
				Name:      bc.ID,
				APIKey:    bc.APIKey,
				BaseURL:   bc.BaseURL,
				Model:     bc.Model,
				MaxTokens: bc.MaxTokens,
				Timeout:   bc.Timeout,
			}, logger)
		default:
			return fmt.Errorf("backend %s: unknown kind %q", bc.ID, bc.Kind)
		}

		b := registry.NewBackend(bc.ID, bc.Class, bc.CostPerRequest, client, cfg.Routing.Breaker, logger)
		if err := reg.Register(b); err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{
			"backend": bc.ID,
			"kind":    bc.Kind,
			"class":   bc.Class,
			"cost":    bc.CostPerRequest,
		}).Info("Backend registered")
	}

	if len(reg.All()) == 0 {
		return fmt.Errorf("no backends were registered - check your configuration and API keys")
	}

	return nil
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY              OpenAI-compatible backend API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY           Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  MODEL_ROUTER_PORT           Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  MODEL_ROUTER_LOG_LEVEL      Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  MODEL_ROUTER_LOG_FORMAT     Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  MODEL_ROUTER_JWT_SECRET     Secret for service tokens\n")
	fmt.Fprintf(os.Stderr, "  MODEL_ROUTER_RATE_LIMITING  Enable per-tier rate limiting (true/false)\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY=sk-ant-xxx %s\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *version {
		fmt.Printf("Model Router v1.0.0\n")
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
