package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/opsmend/opsmend/internal/api"
	"github.com/opsmend/opsmend/internal/bugs"
	"github.com/opsmend/opsmend/internal/classifier"
	"github.com/opsmend/opsmend/internal/config"
	"github.com/opsmend/opsmend/internal/engine"
	"github.com/opsmend/opsmend/internal/escalation"
	"github.com/opsmend/opsmend/internal/healing"
	"github.com/opsmend/opsmend/internal/health"
	"github.com/opsmend/opsmend/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring API and healing engine",
	RunE:  runServe,
}

// app holds everything serve and analyze wire up.
type app struct {
	engine   *engine.Engine
	gateway  *escalation.Gateway
	registry *bugs.Registry
	db       *sqlx.DB
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

func openDatabase(cfg *config.Config) (*sqlx.DB, error) {
	switch cfg.Storage.Type {
	case "postgres":
		return sqlx.Connect("postgres", cfg.Storage.PostgresDSN)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.LocalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		return sqlx.Connect("sqlite3", cfg.Storage.LocalPath)
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	bugStore := bugs.NewStore(db)
	if err := bugStore.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	escStore := escalation.NewStore(db)
	if err := escStore.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	registry := bugs.NewRegistry(bugStore, cfg.Registry.RecurrenceWindow)
	tracker := health.NewTracker(cfg.Health.HalfLife)

	catalog := healing.DefaultCatalog()
	if cfg.Healing.CatalogPath != "" {
		catalog, err = healing.LoadCatalog(cfg.Healing.CatalogPath)
		if err != nil {
			db.Close()
			return nil, err
		}
		logger.WithField("path", cfg.Healing.CatalogPath).Info("loaded action catalog")
	}

	var clf classifier.Classifier = classifier.NewRules()
	if cfg.AI.APIKey != "" {
		primary, err := classifier.NewOpenRouter(cfg.AI)
		if err != nil {
			db.Close()
			return nil, err
		}
		clf = &classifier.WithFallback{
			Primary:  primary,
			Fallback: classifier.NewRules(),
			OnFallback: func(err error) {
				metrics.ClassificationFallbacks.Inc()
				logger.WithError(err).Warn("AI classification failed, using rule-based fallback")
			},
		}
		logger.WithField("model", cfg.AI.Model).Info("AI classifier enabled")
	} else {
		logger.Warn("no AI API key configured, using rule-based classification only")
	}

	var gateway *escalation.Gateway
	var escalator healing.Escalator
	if cfg.GitHub.Token != "" && cfg.GitHub.Repo != "" {
		issues, err := escalation.NewGitHubIssues(cfg.GitHub.Token, cfg.GitHub.Repo, cfg.GitHub.RateLimit)
		if err != nil {
			db.Close()
			return nil, err
		}
		gateway = escalation.NewGateway(escStore, issues, escalation.Options{
			Env:                 cfg.Env,
			MaxDeliveryAttempts: cfg.Escalation.MaxDeliveryAttempts,
			InitialBackoff:      cfg.Escalation.InitialBackoff,
		})
		escalator = gateway
		logger.WithField("repo", cfg.GitHub.Repo).Info("GitHub escalation enabled")
	} else {
		logger.Warn("GitHub integration not configured, escalated bugs stay local")
	}

	policy := healing.NewPolicy(healing.PolicyConfig{
		ConfidenceFloor: cfg.Healing.ConfidenceFloor,
		AutoHealLow:     cfg.Healing.AutoHealLowRisk,
		AutoHealMedium:  cfg.Healing.AutoHealMediumRisk,
		AutoHealHigh:    cfg.Healing.AutoHealHighRisk,
	}, catalog)

	orch := healing.NewOrchestrator(registry, policy, &healing.SimulatedExecutor{}, escalator, tracker, healing.Config{
		ConfidenceFloor:   cfg.Healing.ConfidenceFloor,
		MaxAttemptsPerBug: cfg.Healing.MaxAttemptsPerBug,
		ActionTimeout:     cfg.Healing.ActionTimeout,
		ActionTimeouts:    cfg.Healing.ActionTimeouts,
	})

	return &app{
		engine:   engine.New(clf, registry, orch, tracker),
		gateway:  gateway,
		registry: registry,
		db:       db,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	sweeper := cron.New()
	if a.gateway != nil {
		_, err := sweeper.AddFunc(cfg.Escalation.RetrySchedule, func() {
			n, err := a.gateway.RetryPending(context.Background())
			if err != nil {
				logger.WithError(err).Warn("escalation retry sweep failed")
			} else if n > 0 {
				logger.WithField("delivered", n).Info("escalation retry sweep delivered parked tickets")
			}
		})
		if err != nil {
			return fmt.Errorf("schedule escalation sweep: %w", err)
		}
	}
	if _, err := sweeper.AddFunc("@hourly", func() {
		if _, err := a.registry.PurgeExpired(context.Background()); err != nil {
			logger.WithError(err).Warn("bug expiry sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv := api.NewServer(cfg.HTTP.Listen, api.NewHandler(a.engine))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}
