// Command aresd runs the ARES gateway: a local-first SIEM ingest and decision
// pipeline behind a signed HTTP endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ares-sec/ares/pkg/api"
	"github.com/ares-sec/ares/pkg/audit"
	"github.com/ares-sec/ares/pkg/config"
	"github.com/ares-sec/ares/pkg/engine"
	"github.com/ares-sec/ares/pkg/gateway"
	"github.com/ares-sec/ares/pkg/observability"
	"github.com/ares-sec/ares/pkg/store"
)

const version = "0.3.0"

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	if len(args) > 1 && args[1] == "version" {
		fmt.Println(version)
		return 0
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "aresd")

	if err := cfg.Validate(); err != nil {
		// The gateway still starts: ingest answers 500 until a secret is
		// configured, which keeps behaviour observable instead of silent.
		logger.Warn("configuration incomplete", "error", err)
	}

	ruleParams, err := config.LoadRuleParams(cfg.RulesFile)
	if err != nil {
		logger.Error("rule params load failed", "error", err)
		return 1
	}

	auditLogger, err := audit.NewLogger(cfg.AuditPath)
	if err != nil {
		logger.Error("audit logger init failed", "error", err)
		return 1
	}

	alertSink, err := engine.NewAlertSink(cfg.AlertsPath)
	if err != nil {
		logger.Error("alert sink init failed", "error", err)
		return 1
	}

	var (
		idempo      gateway.IdempotencyIndex
		persistence engine.HostStatePersistence
	)
	if cfg.UsePersistentStore {
		st, err := store.Open(cfg.PersistentStorePath)
		if err != nil {
			logger.Error("state store open failed", "path", cfg.PersistentStorePath, "error", err)
			return 1
		}
		defer func() { _ = st.Close() }()
		idempo = gateway.NewStoreIdempotency(st)
		persistence = st
	} else {
		idempo = gateway.NewMemoryIdempotency()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := observability.New(ctx, &observability.Config{
		ServiceName:    gateway.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() { _ = metrics.Shutdown(context.Background()) }()

	correlator := engine.NewCorrelator(ruleParams)
	policyEngine := engine.NewHostPolicyEngine(engine.PolicyParams{
		CooldownSeconds: cfg.CooldownSeconds,
		SeverityFloor:   cfg.SeverityFloor,
	}, persistence)
	emitter := engine.NewAlertEmitter(
		engine.NewAlertDeduper(time.Duration(cfg.AlertDedupSeconds)*time.Second),
		alertSink,
	)

	gw := gateway.New(gateway.Options{
		SharedSecret:   []byte(cfg.SharedSecret),
		ReplayWindow:   time.Duration(cfg.ReplayWindowSeconds) * time.Second,
		RateLimit:      cfg.RateLimitPerMinute,
		IdempotencyTTL: time.Duration(cfg.IdempotencyTTLDays) * 24 * time.Hour,
		Audit:          auditLogger,
		Idempotency:    idempo,
		Correlator:     correlator,
		Policy:         policyEngine,
		Alerts:         emitter,
		AlertsPath:     alertSink.Path(),
		Metrics:        metrics,
	})

	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.RequestIDMiddleware(api.AccessLogMiddleware(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "persistent_store", cfg.UsePersistentStore)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			return 1
		}
	}
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
