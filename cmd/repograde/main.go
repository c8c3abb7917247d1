package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/NikhilSetiya/repograde/internal/api"
	"github.com/NikhilSetiya/repograde/internal/clone"
	"github.com/NikhilSetiya/repograde/internal/github"
	"github.com/NikhilSetiya/repograde/internal/grading"
	"github.com/NikhilSetiya/repograde/internal/notify"
	"github.com/NikhilSetiya/repograde/internal/orchestrator"
	"github.com/NikhilSetiya/repograde/internal/report"
	"github.com/NikhilSetiya/repograde/internal/sources"
	"github.com/NikhilSetiya/repograde/pkg/clock"
	"github.com/NikhilSetiya/repograde/pkg/config"
	"github.com/NikhilSetiya/repograde/pkg/health"
	"github.com/NikhilSetiya/repograde/pkg/logging"
	"github.com/NikhilSetiya/repograde/pkg/metrics"
	"github.com/NikhilSetiya/repograde/pkg/ratelimit"
	"github.com/NikhilSetiya/repograde/pkg/resilience"
	"github.com/NikhilSetiya/repograde/pkg/tokenbudget"
	"github.com/NikhilSetiya/repograde/pkg/tracing"
)

const defaultPrompt = `Review the repository in the current directory.
Reply with a single JSON object containing "score" (0-10) and "feedback" (a short paragraph).`

func main() {
	input := flag.String("input", "", "CSV file listing repository URLs")
	formats := flag.String("format", "json", "comma separated report formats: json, csv, html, pdf")
	reportDir := flag.String("report-dir", "reports", "directory for batch reports")
	flag.Parse()

	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "repograde",
		Version:     "1.0.0",
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	if err := run(cfg, logger, *input, *formats, *reportDir); err != nil {
		logger.Error("Batch failed", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger, input, formats, reportDir string) error {
	urls, err := sources.LoadCSV(input)
	if err != nil {
		return err
	}

	exportFormats, err := parseFormats(formats)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(&metrics.Config{
			Namespace: cfg.Metrics.Namespace,
			Enabled:   true,
		})
	}

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "repograde",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", "error", err.Error())
		}
	}()

	clk := clock.New()

	// GitHub access
	executor := ratelimit.NewExecutor(
		ratelimit.WithAPI("github"),
		ratelimit.WithClock(clk),
		ratelimit.WithMetrics(m),
		ratelimit.WithWriteThrottle(ratelimit.WriteThrottle{
			WritesPerMinute: cfg.RateLimit.WritesPerMinute,
			MinWriteGap:     cfg.RateLimit.MinWriteGap,
			GapIncrement:    cfg.RateLimit.WriteGapIncrement,
		}),
	)

	ghConfig := github.Config{
		Token:   cfg.GitHub.Token,
		BaseURL: cfg.GitHub.BaseURL,
		Retry: ratelimit.RetryConfig{
			MaxRetries:             cfg.RateLimit.MaxRetries,
			BaseDelay:              cfg.RateLimit.BaseDelay,
			MaxDelay:               cfg.RateLimit.MaxDelay,
			Jitter:                 cfg.RateLimit.Jitter,
			SecondaryCooldownFloor: cfg.RateLimit.SecondaryCooldownFloor,
		},
		Tracing: tracer,
	}
	if cfg.GitHub.AppID != 0 {
		ghConfig.App = &github.AppCredentials{
			AppID:          cfg.GitHub.AppID,
			InstallationID: cfg.GitHub.AppInstallationID,
			PrivateKeyPEM:  cfg.GitHub.AppPrivateKey,
		}
	}
	ghClient, err := github.NewClient(ghConfig, executor)
	if err != nil {
		return err
	}

	breakers := resilience.NewRegistry(resilience.CircuitBreakerConfig{
		FailureThreshold: uint32(cfg.Circuit.FailureThreshold),
		ResetTimeout:     cfg.Circuit.ResetTimeout,
		Clock:            clk,
		Metrics:          m,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			logger.WithComponent("circuit_breaker").WithFields(logrus.Fields{
				"circuit": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	// Grading capability
	limiter := tokenbudget.NewLimiter(tokenbudget.Limits{
		RequestsPerMinute:     cfg.TokenBudget.RequestsPerMinute,
		TokensPerMinute:       cfg.TokenBudget.TokensPerMinute,
		InputTokensPerMinute:  cfg.TokenBudget.InputTokensPerMinute,
		OutputTokensPerMinute: cfg.TokenBudget.OutputTokensPerMinute,
	},
		tokenbudget.WithProvider(cfg.TokenBudget.Provider),
		tokenbudget.WithSafetyMargin(cfg.TokenBudget.SafetyMargin),
		tokenbudget.WithClock(clk),
		tokenbudget.WithMetrics(m),
	)

	command, err := grading.NewCommandGrader(grading.CommandConfig{
		Name:    cfg.TokenBudget.Provider,
		Command: cfg.Grading.Command,
		Model:   cfg.Grading.Model,
	})
	if err != nil {
		return err
	}
	grader := grading.NewGuarded(command, grading.GuardConfig{
		Limiter:               limiter,
		Breaker:               breakers.Get("grade-" + cfg.TokenBudget.Provider),
		Timeout:               cfg.Grading.Timeout,
		Retries:               cfg.Grading.Retries,
		RetryDelay:            cfg.Grading.RetryDelay,
		EstimatedInputTokens:  cfg.TokenBudget.EstimatedInputTokens,
		EstimatedOutputTokens: cfg.TokenBudget.EstimatedOutputTokens,
		RequiredKeys:          cfg.Grading.RequiredKeys,
		Clock:                 clk,
		Metrics:               m,
		Tracing:               tracer,
	})

	cloner := clone.NewGitCloner(clone.Config{
		Timeout:    cfg.Grading.CloneTimeout,
		Retries:    1,
		RetryDelay: 2 * time.Second,
		Breaker:    breakers.Get("git-clone"),
		Lookup:     ghClient,
		Clock:      clk,
	})

	prompt, err := loadPrompt(cfg.Grading.PromptFile)
	if err != nil {
		return err
	}

	hub := api.NewHub(0)
	orch := orchestrator.New(cloner, grader, orchestrator.Config{
		CloneBatchSize: cfg.Orchestrator.CloneBatchSize,
		InstanceCount:  cfg.Orchestrator.InstanceCount,
		WorkDir:        cfg.Orchestrator.WorkDir,
		Prompt:         prompt,
		Model:          cfg.Grading.Model,
	},
		orchestrator.WithEventSink(hub.Sink()),
		orchestrator.WithProgress(func(message string, current, total int) {
			logger.Info(message, "current", current, "total", total)
		}),
		orchestrator.WithMetrics(m),
		orchestrator.WithTracing(tracer),
		orchestrator.WithClock(clk),
	)

	// Control API
	healthService := health.NewService(logger, nil)
	healthService.RegisterChecker("circuit_breakers", health.NewBreakerChecker(breakers))
	healthService.RegisterChecker("github_rate_limit", health.NewRateLimitChecker("github_rate_limit", ghClient.RateLimitState, 0.1, clk))
	healthService.RegisterChecker("token_budget", health.NewTokenBudgetChecker(limiter, clk))

	var server *http.Server
	if cfg.Server.Enabled {
		router := api.NewRouter(api.RouterConfig{
			JWTSecret:      cfg.Server.JWTSecret,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}, api.Dependencies{
			Controller: orch,
			Health:     healthService,
			Metrics:    m,
			Tracing:    tracer,
			Events:     hub,
			Logger:     logger,
		})

		server = &http.Server{
			Addr:         cfg.ServerAddr(),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}

		go func() {
			logger.Info("Starting control API", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Control API failed", "error", err.Error())
			}
		}()
	}

	// The first signal aborts the batch gracefully; a second one cancels
	// everything, including report export and notifications.
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		select {
		case <-quit:
		case <-ctx.Done():
			return
		}
		logger.Warn("Interrupt received, aborting batch", "cancelled", orch.AbortAll())
		select {
		case <-quit:
			logger.Warn("Second interrupt received, exiting")
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := orch.Run(ctx, urls)
	if err != nil {
		return err
	}

	for _, format := range exportFormats {
		exported, err := report.NewExporter(reportDir).Export(ctx, result, format)
		if err != nil {
			logger.WithError(err).WithField("format", string(format)).Error("Report export failed")
			continue
		}
		logger.Info("Report written", "path", exported.Path, "size", exported.Size)
	}

	if cfg.Orchestrator.PostFeedback {
		posted := postFeedback(ctx, ghClient, result, logger)
		logger.Info("Feedback issues posted", "count", posted)
	}

	if cfg.Notify.SlackWebhookURL != "" {
		if err := notifySlack(ctx, cfg, result); err != nil {
			logger.Warn("Slack notification failed", "error", err.Error())
		}
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Control API forced to shutdown", "error", err.Error())
		}
	}

	counts := result.Counts()
	fmt.Printf("Graded %d of %d repositories (%d failed, %d timed out, %d clone failures, %d skipped, %d cancelled) in %s\n",
		counts.Completed, counts.Total, counts.Failed, counts.TimedOut, counts.CloneFailed,
		counts.Skipped, counts.Cancelled, result.Duration.Round(time.Second))
	return nil
}

func notifySlack(ctx context.Context, cfg *config.Config, result *orchestrator.BatchResult) error {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer zapLogger.Sync() //nolint:errcheck

	notifier, err := notify.NewSlackNotifier(notify.SlackConfig{
		WebhookURL: cfg.Notify.SlackWebhookURL,
		Channel:    cfg.Notify.SlackChannel,
		Retries:    2,
	}, zapLogger)
	if err != nil {
		return err
	}
	return notifier.NotifyBatch(ctx, result)
}

func parseFormats(list string) ([]report.Format, error) {
	var formats []report.Format
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		format, err := report.ParseFormat(name)
		if err != nil {
			return nil, err
		}
		formats = append(formats, format)
	}
	return formats, nil
}

func loadPrompt(path string) (string, error) {
	if path == "" {
		return defaultPrompt, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt file: %w", err)
	}
	return string(data), nil
}
