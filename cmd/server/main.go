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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/suPer8Hu/storyteller/internal/app"
	"github.com/suPer8Hu/storyteller/internal/config"
	"github.com/suPer8Hu/storyteller/internal/db"
	"github.com/suPer8Hu/storyteller/internal/httpapi"
	"github.com/suPer8Hu/storyteller/internal/httpapi/handlers"
	"github.com/suPer8Hu/storyteller/internal/logger"
	"go.uber.org/zap"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("init app", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("shutdown", zap.Error(err))
		}
	}()

	trigger, err := a.Trigger()
	if err != nil {
		log.Fatal("init trigger", zap.String("mode", cfg.TriggerMode), zap.Error(err))
	}

	deps := handlers.Deps{
		Cfg:      cfg,
		Stories:  a.Stories,
		Audios:   a.Audios,
		AudioSvc: a.AudioSvc,
		Queue:    a.Queue,
		Proc:     a.Proc,
		Trigger:  trigger,
		DBPing:   func(ctx context.Context) error { return db.Ping(ctx, a.DB) },
		Log:      log.Named("http"),
	}
	limiter, err := a.Limiter(ctx)
	if err != nil {
		log.Fatal("connect redis", zap.Error(err))
	}
	if limiter != nil {
		deps.Limiter = limiter
	}
	if a.Local != nil {
		deps.Media = a.Local
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(handlers.NewHandler(deps), log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("trigger", cfg.TriggerMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
}
