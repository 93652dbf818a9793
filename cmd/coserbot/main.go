// Package main запускает HTTP-сервер сервиса coserbot.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/coserbot-system/internal/checkin"
	"github.com/mmeshcher/coserbot-system/internal/config"
	"github.com/mmeshcher/coserbot-system/internal/email"
	"github.com/mmeshcher/coserbot-system/internal/handler"
	"github.com/mmeshcher/coserbot-system/internal/kv"
	"github.com/mmeshcher/coserbot-system/internal/middleware"
	"github.com/mmeshcher/coserbot-system/internal/ratelimit"
	"github.com/mmeshcher/coserbot-system/internal/repository"
	"github.com/mmeshcher/coserbot-system/internal/service"
	"github.com/mmeshcher/coserbot-system/internal/transfer"
	"github.com/mmeshcher/coserbot-system/internal/verification"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	store, err := kv.NewRedis(cfg.RedisAddress, cfg.RedisDB)
	if err != nil {
		sugar.Fatalw("redis initialization error", "error", err.Error())
	}
	defer store.Close()

	var sender verification.Sender
	if cfg.SMTPHost != "" {
		sender = email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	} else {
		sugar.Warn("SMTP is not configured, verification codes are logged instead of mailed")
		sender = email.NewLogSender(logger)
	}

	limiter := ratelimit.New(store, logger)
	verifier := verification.NewManager(store, limiter, sender, logger)
	checkins := checkin.NewTracker(store, repo, logger)
	transfers := transfer.NewCoordinator(store, repo, logger)
	svc := service.NewService(repo)

	sign := middleware.NewSignatureMiddleware(cfg.SignatureKey, limiter)
	h := handler.NewHandler(svc, verifier, checkins, transfers, logger)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(sign),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting coserbot server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
