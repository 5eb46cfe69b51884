package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/parthasarathi-encipherhealth/ar-sip/internal/ari"
	"github.com/parthasarathi-encipherhealth/ar-sip/internal/config"
	"github.com/parthasarathi-encipherhealth/ar-sip/internal/core"
	"github.com/parthasarathi-encipherhealth/ar-sip/internal/db"
	httpserver "github.com/parthasarathi-encipherhealth/ar-sip/internal/http"
	"github.com/parthasarathi-encipherhealth/ar-sip/internal/llm"
	"github.com/parthasarathi-encipherhealth/ar-sip/internal/metrics"
	"github.com/parthasarathi-encipherhealth/ar-sip/internal/observer"
)

const (
	observerWriteTimeout = 5 * time.Second
	shutdownTimeout      = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open database connection
	dbConn, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer dbConn.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbConn.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if err := db.Migrate(ctx, dbConn, logger.Named("migrate")); err != nil {
		return err
	}
	repo := db.NewRepository(dbConn, db.NewNotifier(dbConn, cfg.NotifyChannel), logger.Named("db"))

	var m *metrics.Metrics
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		m = metrics.New(cfg.MetricsNamespace)
		metricsHandler = m.Handler()
	}

	openai := llm.NewOpenAIClient(cfg.OpenAI)
	reasoner := llm.NewReasoner(openai, cfg.Reasoning.MaxAttempts, cfg.Reasoning.RetryDelay, logger.Named("reasoner"), m)
	telephony := ari.NewClient(ari.ClientConfigFrom(cfg), openai, nil, logger.Named("ari"))
	observers := observer.NewRegistry(observerWriteTimeout, logger.Named("observer"), m)

	engine := core.NewEngine(core.NewStore(), core.Deps{
		Reasoner:    reasoner,
		Telephony:   telephony,
		Dialer:      telephony,
		Persistence: repo,
		Notifier:    observers,
	}, core.Options{
		EndPressExtra:      cfg.Call.EndPressExtra,
		DefaultEndKeywords: cfg.Call.EndKeywords,
		QueueDepth:         cfg.Call.SideEffectQueueSize,
	}, logger.Named("engine"), m)

	listener := ari.NewListener(ari.ListenerConfigFrom(cfg), engine, openai, telephony, logger.Named("events"), m)

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpserver.NewServer(engine, repo,
			observer.NewHandler(observers, logger.Named("observer")),
			metricsHandler, cfg.PublicBaseURL, logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	listenerDone := make(chan struct{})
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer close(listenerDone)
		return listener.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdown(shutdownCtx, logger, srv, observers, listenerDone, engine)
		return nil
	})
	return g.Wait()
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

type observerCloser interface {
	CloseAll()
}

type engineCloser interface {
	Close(ctx context.Context) error
}

// shutdown stops the producers of engine work before the engine itself:
// observers and HTTP first, then it waits for the event listener to drain,
// then closes the engine's side-effect queue.
func shutdown(ctx context.Context, logger *zap.Logger, srv shutdowner, observers observerCloser, listenerDone <-chan struct{}, engine engineCloser) {
	observers.CloseAll()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	select {
	case <-listenerDone:
	case <-ctx.Done():
		logger.Warn("event listener did not stop in time", zap.Error(ctx.Err()))
	}
	if err := engine.Close(ctx); err != nil {
		logger.Warn("pending side effects abandoned", zap.Error(err))
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	var zc zap.Config
	if strings.EqualFold(format, "console") {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
