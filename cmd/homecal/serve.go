package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/antedwards/home-dashboard/internal/auth"
	"github.com/antedwards/home-dashboard/internal/calsync"
	"github.com/antedwards/home-dashboard/internal/config"
	"github.com/antedwards/home-dashboard/internal/health"
	"github.com/antedwards/home-dashboard/internal/notify"
	"github.com/antedwards/home-dashboard/internal/scheduler"
	"github.com/antedwards/home-dashboard/internal/web"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

var errSchedulerStopped = errors.New("scheduler is not running")

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the web server and the sync scheduler.",
		Action: func(c *cli.Context) error {
			a, err := newApp(config.ModeServe)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(c.Context)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := cfg.Validate(ctx); err != nil {
		return err
	}

	oidcProvider, err := auth.NewOIDCProvider(ctx,
		cfg.OIDC.Issuer,
		cfg.OIDC.ClientID,
		cfg.OIDC.ClientSecret,
		cfg.OIDC.RedirectURL,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize OIDC provider: %w", err)
	}

	sessionManager := auth.NewSessionManager(cfg.Security.SessionSecret, cfg.IsProduction(), cfg.Security.SessionMaxAge)

	notifier := notify.New(cfg.NotifyConfig())
	if notifier.IsEnabled() {
		a.logger.Info("alert notifications enabled", "cooldown", cfg.Alerts.Cooldown)
	}

	sched := scheduler.New(a.db, a.engine, notifier, scheduler.Options{
		LogRetentionDays: cfg.Sync.LogRetentionDays,
		Logger:           a.logger,
	})

	healthChecker := health.NewChecker(a.db)
	healthChecker.AddCheck("scheduler", func(context.Context) error {
		if !sched.Running() {
			return errSchedulerStopped
		}
		return nil
	})

	handlers := web.NewHandlers(web.Deps{
		Config:    cfg,
		DB:        a.db,
		OIDC:      oidcProvider,
		Session:   sessionManager,
		Registry:  calsync.NewRegistry(a.db, a.encryptor, a.factory, cfg.Sync.PastDays, cfg.Sync.FutureDays),
		Scheduler: sched,
		Activity:  a.tracker,
		Notifier:  notifier,
		Validator: cfg.Validator(),
		Health:    healthChecker,
		Logger:    a.logger,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger(a.logger))
	web.SetupRoutes(router, handlers, sessionManager, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	if err := sched.Start(cfg.Sync.Schedule); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down server")
	case err := <-serveErr:
		sched.Stop()
		notifier.Wait()
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server forced to shutdown", "error", err)
	}
	sched.Stop()
	notifier.Wait()

	a.logger.Info("server stopped")
	return nil
}
