package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	githubadapter "github.com/ericfisherdev/gatekeeper/internal/adapter/driven/github"
	sqliteadapter "github.com/ericfisherdev/gatekeeper/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/gatekeeper/internal/adapter/driving/http"
	"github.com/ericfisherdev/gatekeeper/internal/adapter/driving/webhook"
	"github.com/ericfisherdev/gatekeeper/internal/application"
	"github.com/ericfisherdev/gatekeeper/internal/config"
	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
	"github.com/ericfisherdev/gatekeeper/internal/domain/port/driven"
	"github.com/ericfisherdev/gatekeeper/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and event dispatcher",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	if err := cfg.RequireGitHubToken(); err != nil {
		return err
	}
	logger.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"bot_name", cfg.BotName,
		"bot_login", cfg.BotLogin,
		"installation_source", cfg.InstallationSource,
		"event_timeout", cfg.EventTimeout,
		"tracing", cfg.TracingEnabled(),
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "gatekeeper", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("error flushing traces", "error", err)
		}
	}()

	db, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer closeDatabase(db)

	builds := sqliteadapter.NewBuildRepo(db)
	repoStore := sqliteadapter.NewRepoRepo(db)
	ghClient := githubadapter.NewClient(cfg.GitHubToken)

	var source driven.InstallationSource = repoStore
	if cfg.InstallationSource == config.InstallationSourceGitHub {
		source = ghClient
	}

	registry := application.NewRegistry(
		source,
		func(repo model.RepoName) driven.RepositoryClient { return ghClient.ForRepository(repo) },
		builds,
		cfg.BotLogin,
		logger,
	)
	if err := registry.ReloadInstallations(ctx); err != nil {
		return fmt.Errorf("load installations: %w", err)
	}

	dispatcher := application.NewDispatcher(
		registry,
		application.NewCommentHandler(cfg.BotName, application.NewTryBuildService(logger), logger),
		application.NewWorkflowCorrelator(logger),
		telemetry.Tracer(),
		logger,
		cfg.EventTimeout,
		cfg.EventQueueSize,
	)

	api := httphandler.NewHandler(builds, repoStore, dispatcher, logger)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(api, webhook.NewHandler(dispatcher, logger), logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		dispatcher.Start(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	logger.Info("gatekeeper started", "listen_addr", cfg.ListenAddr)

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("gatekeeper stopped")
	return nil
}

// openDatabase opens the SQLite pools and brings the schema up to date.
func openDatabase(ctx context.Context) (*sqliteadapter.DB, error) {
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	logger.Info("database opened", "path", cfg.DBPath)

	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		closeDatabase(db)
		return nil, err
	}
	logger.Debug("migrations complete")

	return db, nil
}

func closeDatabase(db *sqliteadapter.DB) {
	if err := db.Close(); err != nil {
		logger.Error("error closing database", "error", err)
	}
}
