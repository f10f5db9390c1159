package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/feishu-matrix/bridge/internal/appservice"
	"github.com/feishu-matrix/bridge/internal/auth"
	"github.com/feishu-matrix/bridge/internal/bridge"
	"github.com/feishu-matrix/bridge/internal/config"
	"github.com/feishu-matrix/bridge/internal/deadletter"
	"github.com/feishu-matrix/bridge/internal/feishuapi"
	"github.com/feishu-matrix/bridge/internal/handlers"
	"github.com/feishu-matrix/bridge/internal/janitor"
	"github.com/feishu-matrix/bridge/internal/matrixapi"
	"github.com/feishu-matrix/bridge/internal/metrics"
	"github.com/feishu-matrix/bridge/internal/queue"
	"github.com/feishu-matrix/bridge/internal/server"
	"github.com/feishu-matrix/bridge/internal/store"
	"github.com/feishu-matrix/bridge/internal/webhook"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg config.Config) error {
	logger := newLogger(cfg.Log)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, logger, cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := metrics.NewRegistry()

	retry := feishuapi.DefaultRetryPolicy()
	if cfg.Retry.MaxRetries > 0 {
		retry.MaxRetries = cfg.Retry.MaxRetries
	}
	if d, err := time.ParseDuration(cfg.Retry.BaseDelay); err == nil && d > 0 {
		retry.Base = d
	}

	feishuClient := feishuapi.New(logger, cfg.Feishu.AppID, cfg.Feishu.AppSecret, feishuapi.Region(cfg.Feishu.Region), retry)

	// Best effort: knowing our own open_id up front makes bot-echo lines in
	// the logs attributable; the bridge runs fine without it.
	if cfg.Feishu.AppID != "" {
		discoverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if self, err := feishuClient.DiscoverSelf(discoverCtx); err != nil {
			logger.Warn("feishu self discovery failed", slog.Any("error", err))
		} else {
			logger.Info("feishu bot identity", slog.String("open_id", self.OpenID), slog.String("name", self.Name))
		}
		cancel()
	}
	matrixClient := matrixapi.New(logger, matrixapi.Config{
		HomeserverURL: cfg.Matrix.HomeserverURL,
		AccessToken:   cfg.Matrix.AccessToken,
	})

	// Tasks the router drains at shutdown become pending dead letters so
	// nothing is silently lost. Overflow never reaches onDrop: Enqueue
	// returns ErrBackpressure and the engine dead-letters the task itself.
	onDrop := func(t queue.Task, reason string) {
		if len(t.Payload) == 0 {
			return
		}
		dropCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := st.EnqueueDeadLetter(dropCtx, store.DeadLetter{
			Direction:   store.Direction(t.Direction),
			ChatID:      t.ChatID,
			PayloadBlob: t.Payload,
			LastError:   "queue drop: " + reason,
		}); err != nil {
			logger.Error("dead-letter dropped task failed", slog.Any("error", err))
		}
	}

	queueCfg := queue.DefaultConfig()
	if cfg.Queue.Workers > 0 {
		queueCfg.Workers = cfg.Queue.Workers
	}
	if cfg.Queue.QueueDepth > 0 {
		queueCfg.QueueDepth = cfg.Queue.QueueDepth
	}
	if cfg.Queue.IdleGCSeconds > 0 {
		queueCfg.IdleGC = time.Duration(cfg.Queue.IdleGCSeconds) * time.Second
	}
	router := queue.NewRouter(logger, queueCfg, onDrop)

	engine := bridge.New(logger, bridge.Config{
		ServerName:          cfg.Matrix.ServerName,
		PuppetPrefix:        cfg.Matrix.PuppetPrefix,
		SenderLocalpart:     cfg.Matrix.SenderLocalpart,
		UserMappingStaleTTL: time.Duration(cfg.Bridge.UserMappingStaleTTLHours) * time.Hour,
	}, st, feishuClient, matrixClient, router, reg)

	deadLetters := deadletter.NewService(logger, st, engine)

	jan := janitor.New(logger, janitor.Config{
		Schedule:            cfg.Janitor.Schedule,
		ProcessedEventTTL:   time.Duration(cfg.Janitor.ProcessedEventTTLHours) * time.Hour,
		DeadLetterRetention: time.Duration(cfg.Janitor.DeadLetterRetentionHours) * time.Hour,
	}, st, deadLetters)
	if err := jan.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer jan.Stop()

	webhookHandler := webhook.NewHandler(logger, webhook.Config{
		ListenSecret:      cfg.Feishu.ListenSecret,
		EncryptKey:        cfg.Feishu.EncryptKey,
		VerificationToken: cfg.Feishu.VerificationToken,
	}, st, engine)

	asHandler := appservice.NewHandler(logger, appservice.Config{
		HSToken:         cfg.Matrix.HSToken,
		PuppetPrefix:    cfg.Matrix.PuppetPrefix,
		ServerName:      cfg.Matrix.ServerName,
		SenderLocalpart: cfg.Matrix.SenderLocalpart,
	}, st, engine)

	adminHandler := handlers.NewAdminHandler(logger, auth.Tokens{
		Read:   cfg.Admin.ReadToken,
		Write:  cfg.Admin.WriteToken,
		Delete: cfg.Admin.DeleteToken,
	}, cfg.Admin.JWTSecret, engine, st, deadLetters, feishuClient, reg)

	srv := server.NewServer(logger, cfg.Server.Addr,
		handlers.NewPingHandler(logger), webhookHandler, asHandler, adminHandler)

	// Long-connection inbound mode replaces the public webhook callback for
	// deployments behind NAT; the HTTP webhook route stays registered so an
	// operator can switch modes without a restart on the Feishu console side.
	if cfg.Feishu.InboundMode == "longconn" {
		longConn := webhook.NewLongConn(logger, webhook.LongConnConfig{
			AppID:             cfg.Feishu.AppID,
			AppSecret:         cfg.Feishu.AppSecret,
			VerificationToken: cfg.Feishu.VerificationToken,
			EncryptKey:        cfg.Feishu.EncryptKey,
		}, st, engine)
		go longConn.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("bridge running", slog.String("addr", cfg.Server.Addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", slog.Any("error", err))
	}
	router.Shutdown(shutdownCtx)
	return nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger(cfg.Log)
			st, err := store.Open(cmd.Context(), logger, cfg.SQLite.Path)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer st.Close()
			logger.Info("migrations applied", slog.String("path", cfg.SQLite.Path))
			return nil
		},
	}
}
