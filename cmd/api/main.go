package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricetracker/internal/api"
	"pricetracker/internal/config"
	"pricetracker/internal/monitor"
	"pricetracker/internal/pkg/logger"
	"pricetracker/internal/pkg/metrics"
	"pricetracker/internal/pkg/notify"
	"pricetracker/internal/pkg/passlock"
	"pricetracker/internal/pkg/ratelimit"
	"pricetracker/internal/scraper"
	"pricetracker/internal/similarity"
	"pricetracker/internal/store"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// main 是价格追踪服务的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 连接 MySQL / Redis
// 3. 组装抓取器、相似度引擎、巡检调度器和 API 服务
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.InitMetrics()

	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		appLogger.Error("connect mysql failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	st, err := store.NewGormStore(db)
	if err != nil {
		appLogger.Error("init store failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	extractor := scraper.NewScraper(appLogger, cfg.Scraper.Timeout, cfg.Scraper.UserAgent)

	// 没有配置 GCP 项目时向量功能整体降级，其余功能照常运行。
	var embedder similarity.Embedder
	if cfg.Embedding.Project != "" {
		ge, err := similarity.NewGeminiEmbedder(ctx, cfg.Embedding.Project, cfg.Embedding.Location,
			cfg.Embedding.Model, cfg.Embedding.CallTimeout)
		if err != nil {
			appLogger.Error("init embedder failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		embedder = ge
	} else {
		appLogger.Warn("embedding project not configured, similarity features disabled")
	}

	limiter := ratelimit.NewRedisRateLimiter(rdb, appLogger, "",
		cfg.Embedding.RatePerSec, cfg.Embedding.RateBurst)
	engine := similarity.NewEngine(st, embedder, limiter, cfg.Embedding.Model,
		cfg.App.MinSimilarity, cfg.App.DealDiscount, appLogger)

	notifier := notify.NewEmailNotifier(&cfg.Email, appLogger)
	lock := passlock.NewLock(rdb, 0)

	mon := monitor.NewMonitor(st, extractor, engine, notifier, lock, rdb, appLogger,
		cfg.App.CheckInterval, cfg.App.SimilarityInPass)
	mon.Start(ctx)

	srv := api.NewServer(cfg, appLogger, st, rdb, extractor, engine, mon)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}

	// 等进行中的巡检先收尾再断开依赖。
	mon.Stop()

	if err := rdb.Close(); err != nil {
		appLogger.Error("close redis failed", slog.String("error", err.Error()))
	}
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			appLogger.Error("close mysql failed", slog.String("error", err.Error()))
		}
	}
}
