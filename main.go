package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-reports/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-reports/pkg/adapters/datasource/mssql"
	"github.com/ekaya-inc/ekaya-reports/pkg/config"
	"github.com/ekaya-inc/ekaya-reports/pkg/crypto"
	"github.com/ekaya-inc/ekaya-reports/pkg/database"
	"github.com/ekaya-inc/ekaya-reports/pkg/handlers"
	"github.com/ekaya-inc/ekaya-reports/pkg/llm"
	"github.com/ekaya-inc/ekaya-reports/pkg/logging"
	"github.com/ekaya-inc/ekaya-reports/pkg/mailer"
	"github.com/ekaya-inc/ekaya-reports/pkg/metrics"
	"github.com/ekaya-inc/ekaya-reports/pkg/middleware"
	"github.com/ekaya-inc/ekaya-reports/pkg/repositories"
	"github.com/ekaya-inc/ekaya-reports/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	once := flag.Bool("once", false, "process due report tasks once, print the run summary and exit")
	flag.Parse()

	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("llm_model", cfg.LLM.Model),
		zap.Bool("smtp_enabled", cfg.SMTP.Enabled()),
		zap.Duration("scheduler_interval", cfg.Scheduler.Interval()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once || cfg.Scheduler.RunOnce, logger); err != nil {
		logger.Error("Exiting with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, once bool, logger *zap.Logger) error {
	dbURL := cfg.Database.ConnectionString()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            dbURL,
		MaxConnections: cfg.Database.MaxConnections,
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	migrationDB, err := database.OpenForMigrations(dbURL)
	if err != nil {
		return err
	}
	if err := database.RunMigrations(migrationDB, logger); err != nil {
		_ = migrationDB.Close()
		return err
	}
	if err := migrationDB.Close(); err != nil {
		logger.Warn("Failed to close migration connection", zap.Error(err))
	}

	scheduler, recorder, err := buildScheduler(cfg, db, logger)
	if err != nil {
		return err
	}

	if once {
		return runOnce(ctx, scheduler, os.Stdout)
	}
	return serve(ctx, cfg, db, scheduler, recorder, logger)
}

func buildScheduler(cfg *config.Config, db *database.DB, logger *zap.Logger) (services.ReportSchedulerService, *metrics.Recorder, error) {
	secretBox, err := crypto.NewSecretBox(cfg.CredentialsKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize credentials key: %w", err)
	}

	llmClient, err := llm.NewClientFromConfig(cfg.LLM, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create llm client: %w", err)
	}

	recorder := metrics.NewRecorder()

	opener := mssql.NewOpener(cfg.Datasource.ConnectTimeout(), logger)
	session := datasource.SessionOptions{
		ConnectTimeout: cfg.Datasource.ConnectTimeout(),
		QueryTimeout:   cfg.Datasource.QueryTimeout(),
		MaxOpenConns:   cfg.Datasource.MaxOpenConns,
	}

	scheduler := services.NewReportSchedulerService(services.SchedulerDeps{
		Tasks:     repositories.NewReportTaskRepository(db),
		Templates: repositories.NewReportTemplateRepository(db),
		Settings:  repositories.NewNotificationSettingsRepository(db),
		Profiles:  services.NewDataSourceProfileService(repositories.NewDataSourceProfileRepository(db), secretBox, logger),
		Data:      services.NewReportDataService(opener, session, logger),
		Synth: services.NewReportSynthesizer(llmClient, services.SynthesisConfig{
			Temperature:       cfg.LLM.Temperature,
			MaxTokens:         cfg.LLM.MaxTokens,
			Timeout:           cfg.LLM.Timeout(),
			RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		}, logger),
		Delivery: services.NewReportDeliveryService(mailer.NewSender(cfg.SMTP, logger), logger),
		Metrics:  recorder,
	}, services.SchedulerConfig{
		Lookback:         cfg.Scheduler.Lookback(),
		DefaultEntities:  cfg.Scheduler.DefaultEntities,
		MaxRows:          cfg.Datasource.MaxRows,
		MaxParallelUsers: cfg.Scheduler.MaxParallelUsers,
	}, logger)

	return scheduler, recorder, nil
}

// runOnce processes the current queue and writes the run summary as JSON.
func runOnce(ctx context.Context, scheduler services.ReportSchedulerService, out io.Writer) error {
	summary, err := scheduler.RunDueTasks(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func serve(
	ctx context.Context,
	cfg *config.Config,
	db *database.DB,
	scheduler services.ReportSchedulerService,
	recorder *metrics.Recorder,
	logger *zap.Logger,
) error {
	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, db, logger).RegisterRoutes(mux)
	handlers.NewReportsHandler(scheduler, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", recorder.Handler())

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedulerDone := make(chan struct{})
	if interval := cfg.Scheduler.Interval(); interval > 0 {
		go func() {
			defer close(schedulerDone)
			scheduler.RunScheduler(ctx, interval)
		}()
	} else {
		close(schedulerDone)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-reports", zap.String("addr", server.Addr), zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown failed", zap.Error(err))
	}
	<-schedulerDone
	return nil
}
