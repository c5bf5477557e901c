package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/antedwards/home-dashboard/internal/activity"
	"github.com/antedwards/home-dashboard/internal/caldav"
	"github.com/antedwards/home-dashboard/internal/calsync"
	"github.com/antedwards/home-dashboard/internal/config"
	"github.com/antedwards/home-dashboard/internal/crypto"
	"github.com/antedwards/home-dashboard/internal/db"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "homecal",
		Usage: "Two-way CalDAV sync for the household calendar.",
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
			pushRetryCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("homecal failed", "error", err)
		os.Exit(1)
	}
}

// setupLogger installs the configured handler as the default logger.
func setupLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// app holds the parts shared by the server and the one-shot commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *db.DB
	encryptor *crypto.Encryptor
	tracker   *activity.Tracker
	factory   calsync.RemoteFactory
	engine    *calsync.Engine
}

func newApp(mode config.Mode) (*app, error) {
	cfg, err := config.Load(mode)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	encryptor, err := crypto.NewEncryptor(cfg.Security.EncryptionSecret)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	factory := calsync.ClientFactory(
		caldav.WithTimeout(cfg.CalDAV.Timeout),
		caldav.WithRequestsPerSecond(cfg.CalDAV.RequestsPerSecond),
	)
	tracker := activity.NewTracker()
	engine := calsync.NewEngine(database, encryptor,
		calsync.WithRemoteFactory(factory),
		calsync.WithProgress(tracker),
		calsync.WithLogger(logger),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        database,
		encryptor: encryptor,
		tracker:   tracker,
		factory:   factory,
		engine:    engine,
	}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one sync cycle for every enabled connection and exit.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "connection", Usage: "Sync only this connection ID."},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(config.ModeCLI)
			if err != nil {
				return err
			}
			defer a.close()

			var connections []*db.CalDAVConnection
			if id := c.String("connection"); id != "" {
				conn, err := a.db.GetConnectionByID(id)
				if err != nil {
					return fmt.Errorf("connection %s: %w", id, err)
				}
				connections = append(connections, conn)
			} else {
				connections, err = a.db.GetEnabledConnections()
				if err != nil {
					return fmt.Errorf("failed to load connections: %w", err)
				}
			}

			failed := 0
			for _, result := range a.engine.SyncAll(c.Context, connections) {
				a.logger.Info("sync finished",
					"connection_id", result.ConnectionID,
					"success", result.Success,
					"events_found", result.EventsFound,
					"synced", result.SyncedEvents,
					"pushed", result.PushedEvents,
					"errors", result.ErrorCount+result.PushErrorCount,
					"message", result.Message,
				)
				if !result.Success {
					failed++
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d connections failed to sync", failed, len(connections))
			}
			return nil
		},
	}
}

func pushRetryCommand() *cli.Command {
	return &cli.Command{
		Name:  "push-retry",
		Usage: "Push every event of a household whose last push failed.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Usage: "Email of a household member.", Required: true},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(config.ModeCLI)
			if err != nil {
				return err
			}
			defer a.close()

			user, err := a.db.GetUserByEmail(c.String("email"))
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("no user with email %s", c.String("email"))
			}
			if err != nil {
				return err
			}

			result, err := a.engine.RetryFailedPushes(c.Context, user.HouseholdID)
			if err != nil {
				return fmt.Errorf("push retry failed: %w", err)
			}

			a.logger.Info("push retry finished",
				"household_id", user.HouseholdID,
				"pushed", result.Pushed,
				"failed", result.Failed,
				"skipped", result.Skipped,
			)
			if result.Failed > 0 {
				return fmt.Errorf("%d events failed to push", result.Failed)
			}
			return nil
		},
	}
}
