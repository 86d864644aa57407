package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"crawlmaster/internal/assignment"
	"crawlmaster/internal/auth"
	"crawlmaster/internal/channel"
	"crawlmaster/internal/config"
	cronrunner "crawlmaster/internal/cron"
	"crawlmaster/internal/db"
	"crawlmaster/internal/handler"
	"crawlmaster/internal/logger"
	"crawlmaster/internal/middleware"
	"crawlmaster/internal/notify"
	"crawlmaster/internal/registry"
	gormrepository "crawlmaster/internal/repository/gorm"
	"crawlmaster/internal/store"
)

func main() {
	cfgPath := os.Getenv("CM_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("CM_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo := gormrepository.New(dbConn.Gorm)
	hub := channel.NewHub(logger)
	dispatcher := notify.NewDispatcher(logger, repo, hub, cfg.Notify.CollapseWindow)

	dataStore := store.NewDataStore(logger, repo, cfg.Ingest.PlatformTZOffset, cfg.Ingest.QueueSize)
	dataStore.Sink = store.MultiSink(hub, dispatcher)

	reg := registry.New(logger, cfg.Heartbeat.Interval, cfg.Heartbeat.MissThreshold)
	assignMgr := assignment.New(logger, repo, reg)
	reg.OnOffline = func(workerID string, accountIDs []string) {
		assignMgr.HandleWorkerOffline(ctx, workerID, accountIDs)
		hub.WorkerRemoved(workerID)
	}
	reg.OnOnline = func(workerID string) {
		assignMgr.HandleWorkerOnline(ctx, workerID)
	}

	// Full rehydration happens before any peer connection is accepted.
	if err := assignMgr.Rehydrate(ctx); err != nil {
		logger.Fatal("account rehydration failed", zap.Error(err))
	}
	if err := dataStore.Rehydrate(ctx); err != nil {
		logger.Fatal("datastore rehydration failed", zap.Error(err))
	}

	replies := channel.NewReplies(logger, repo, assignMgr, hub, cfg.Reply.Timeout)
	channelJWT := auth.JWT{Secret: []byte(cfg.Auth.JWTSecret), TokenTTL: cfg.Auth.TokenTTL}
	router := channel.NewRouter(ctx, logger, reg, assignMgr, dataStore, replies, hub, channelJWT, cfg.Auth.WorkerToken)

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestLog(logger), middleware.RequireAPIAuth(channelJWT))

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(engine)
	replyHandler := &handler.ReplyHandler{Replies: replies}
	replyHandler.Register(engine)
	opsHandler := &handler.OpsHandler{Registry: reg, Assign: assignMgr, Repo: repo}
	opsHandler.Register(engine)
	authHandler := &handler.AuthHandler{JWT: channelJWT, OperatorKey: cfg.Auth.OperatorKey}
	authHandler.Register(engine)
	router.Register(engine)

	go func() {
		_ = dataStore.Run(ctx)
	}()

	cronRunner := cronrunner.New(logger, ctx)
	sweepSpec := "@every " + cfg.Heartbeat.SweepInterval.String()
	if _, err := cronRunner.Add("heartbeat_sweep", sweepSpec, func(ctx context.Context) {
		reg.Sweep()
	}); err != nil {
		logger.Warn("cron register heartbeat sweep failed", zap.Error(err))
	}
	retrySpec := "@every " + cfg.Assign.RetrySweep.String()
	if _, err := cronRunner.Add("assignment_retry", retrySpec, func(ctx context.Context) {
		assignMgr.RetryPending(ctx)
	}); err != nil {
		logger.Warn("cron register assignment retry failed", zap.Error(err))
	}
	if cfg.Ingest.Retention > 0 {
		if _, err := cronRunner.Add("retention_prune", "@every 1h", func(ctx context.Context) {
			dataStore.PruneBefore(ctx, time.Now().Add(-cfg.Ingest.Retention))
		}); err != nil {
			logger.Warn("cron register retention prune failed", zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	case err := <-dataStore.Fatal():
		// Durable storage is gone: stop taking connections, flush what we
		// can, exit. Never a partial, silently-corrupt state.
		logger.Error("fatal storage error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	dispatcher.Close()
	dataStore.FlushPending()
}
