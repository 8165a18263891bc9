// Maestro orchestrator server — HTTP API, chat ingress, and the multi-agent
// dispatch pipeline behind them.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	echo "github.com/labstack/echo/v5"

	"github.com/relayforge/maestro/pkg/agent"
	"github.com/relayforge/maestro/pkg/analyzer"
	"github.com/relayforge/maestro/pkg/api"
	"github.com/relayforge/maestro/pkg/budget"
	"github.com/relayforge/maestro/pkg/config"
	"github.com/relayforge/maestro/pkg/database"
	"github.com/relayforge/maestro/pkg/dispatch"
	"github.com/relayforge/maestro/pkg/ephemeral"
	"github.com/relayforge/maestro/pkg/events"
	"github.com/relayforge/maestro/pkg/flags"
	"github.com/relayforge/maestro/pkg/jobs"
	"github.com/relayforge/maestro/pkg/llm"
	"github.com/relayforge/maestro/pkg/patterns"
	"github.com/relayforge/maestro/pkg/pool"
	"github.com/relayforge/maestro/pkg/secrets"
	"github.com/relayforge/maestro/pkg/services"
	"github.com/relayforge/maestro/pkg/session"
	"github.com/relayforge/maestro/pkg/slack"
	"github.com/relayforge/maestro/pkg/tools"
)

// Exit codes. Signal-forced shutdown (second signal before the grace period
// ends) exits 130.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
	exitSignal = 130
)

const (
	flagCacheTTL    = 30 * time.Second
	patternCacheTTL = 5 * time.Minute
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Configuration. Invalid config is an operator error, not a crash.
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return exitConfig
	}
	cipher, err := secrets.NewCipher(cfg.System.EncryptionKey)
	if err != nil {
		slog.Error("Invalid encryption key", "error", err)
		return exitConfig
	}
	auth, err := api.NewStaticTokenAuth(cfg.System.AuthTokens)
	if err != nil {
		slog.Error("Invalid AUTH_TOKENS", "error", err)
		return exitConfig
	}

	// 2. Relational tier (runs migrations).
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		return exitConfig
	}
	db, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return exitFatal
	}
	defer db.Close()

	// 3. Ephemeral tier. Losing redis degrades to single-instance mode:
	// local event fan-out, in-process session locks, no cross-replica state.
	eph, err := ephemeral.NewClientFromEnv(ctx)
	if err != nil {
		slog.Warn("Redis unavailable, running in single-instance mode", "error", err)
		eph = nil
	}
	defer func() {
		if eph != nil {
			if err := eph.Close(); err != nil {
				slog.Error("Error closing redis client", "error", err)
			}
		}
	}()

	// 4. Background jobs (write-behind session persistence, audit writes).
	runner := jobs.NewRunner(cfg.Jobs)
	runner.Start(ctx)

	// 5. Domain services.
	sessionSvc := services.NewSessionService(db)
	executionSvc := services.NewExecutionService(db)
	tenantSvc := services.NewTenantService(db)
	accountSvc := services.NewAccountService(db, cipher)
	connectionSvc := services.NewConnectionService(db, cipher)
	budgetSvc := services.NewBudgetService(db)
	flagSvc := services.NewFlagService(db)
	patternSvc := services.NewPatternService(db)
	auditSvc := services.NewAuditService(db, runner)

	sessions := session.NewManager(sessionSvc, eph, runner, cfg.Timing)

	// 6. Provider path: HTTP client behind the account pool.
	llmClient := llm.NewHTTPClient(cfg.System.LLMBaseURL)
	accounts := pool.New(cfg.Pool, accountSvc, llmClient, cipher, eph, cfg.System.AmbientAPIKey)

	classifier, err := analyzer.New(accounts, cfg.CategoryRegistry, cfg.Timing)
	if err != nil {
		slog.Error("Failed to build analyzer", "error", err)
		return exitFatal
	}

	// 7. Tool adapters.
	registry := tools.NewRegistry()
	for _, adapter := range []tools.Adapter{
		tools.NewTaskTracker(),
		tools.NewCodeHost(),
		tools.NewNotes(),
		tools.NewChatPoster(),
	} {
		if err := registry.Register(adapter); err != nil {
			slog.Error("Failed to register tool adapter", "error", err)
			return exitFatal
		}
	}

	// 8. Progress channel and agent runtime.
	bus := events.NewBus(eph, cfg.Timing)
	runtime := agent.NewRuntime(accounts, registry, connectionSvc, cfg.SkillRegistry,
		patterns.NewService(patternSvc, patternCacheTTL), cfg.Timing, dispatch.NewProgressBridge(bus))

	// 9. Dispatcher.
	dispatcher := dispatch.NewDispatcher(sessions, classifier, runtime, executionSvc,
		budget.NewGate(budgetSvc), bus, tenantSvc,
		cfg.AgentRegistry, cfg.CategoryRegistry, cfg.Timing)
	dispatcher.SetFlags(flags.NewService(flagSvc, flagCacheTTL))
	dispatcher.SetAudit(auditSvc)

	// 10. HTTP surface: API plus the Slack ingress when configured.
	e := echo.New()
	api.NewServer(dispatcher, sessions, executionSvc, bus, auth, db, eph, runner).Register(e)
	slackSvc := slack.NewService(slack.ServiceConfig{
		BotToken:      cfg.System.SlackBotToken,
		SigningSecret: cfg.System.SlackSigningSecret,
	}, dispatcher, tenantSvc, executionSvc, bus)
	if slackSvc == nil {
		slog.Info("Slack ingress disabled (no token or signing secret)")
	}
	slackSvc.Register(e)

	httpServer := &http.Server{
		Addr:              ":" + cfg.System.HTTPPort,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("Maestro started", "http_port", cfg.System.HTTPPort)

	// 11. Wait for a shutdown signal or a server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	code := exitOK
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
		code = exitFatal
	}

	// 12. Graceful shutdown: stop accepting, drain dispatches, then tear the
	// rest down. A second signal aborts immediately.
	forced := make(chan struct{})
	go func() {
		<-sigCh
		slog.Warn("Second signal received, forcing exit")
		close(forced)
	}()

	httpCtx, cancelHTTP := context.WithTimeout(ctx, 5*time.Second)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(ctx, cfg.Timing.ShutdownGrace)
	defer cancelDrain()
	drained := make(chan error, 1)
	go func() { drained <- dispatcher.Drain(drainCtx) }()
	select {
	case err := <-drained:
		if err != nil {
			slog.Warn("Shutdown grace exceeded, cancelling remaining dispatches",
				"active", dispatcher.ActiveCount())
			dispatcher.Interrupt()
			finalCtx, cancelFinal := context.WithTimeout(ctx, 5*time.Second)
			_ = dispatcher.Drain(finalCtx)
			cancelFinal()
		} else {
			slog.Info("Dispatcher drained")
		}
	case <-forced:
		return exitSignal
	}

	slackSvc.Stop()
	bus.Close()
	runner.Stop()

	slog.Info("Shutdown complete")
	return code
}
