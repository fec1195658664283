package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "goldpay/internal/domain/card"
	_ "goldpay/internal/domain/common"
	_ "goldpay/internal/domain/order"
	"goldpay/internal/pkg/clock"
	"goldpay/internal/pkg/config"
	"goldpay/internal/pkg/middleware"
	"goldpay/internal/pkg/pricefeed"
	"goldpay/internal/pkg/registry"
	"goldpay/pkg/database"
	"goldpay/pkg/logger"
	"goldpay/pkg/metrics"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	config.LoadConfig()
	cfg := config.GlobalConfig
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	// 2. 初始化日志
	logger.Init(cfg.Server.Mode)
	defer logger.Sync()

	// 3. 初始化数据库与 Redis
	db := database.InitDatabase()
	rdb := database.InitRedis()

	// 4. 启动金价行情轮询
	feed := pricefeed.NewClient(
		cfg.PriceFeed.URL,
		cfg.PriceFeed.AssetID,
		cfg.PriceFeed.FallbackUSDPerOunce,
		cfg.PriceFeed.PollInterval,
		cfg.PriceFeed.RequestTimeout,
	)
	feedCtx, stopFeed := context.WithCancel(context.Background())
	feed.Start(feedCtx)

	collector := metrics.NewCollector()

	// 5. 组装路由
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.MetricsMiddleware(collector))
	router.Use(middleware.RateLimitMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Trace-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 6. 按优先级初始化各业务模块
	moduleCtx := &registry.ModuleContext{
		DB:        db,
		Redis:     rdb,
		Router:    router,
		Clock:     clock.NewSystem(),
		GoldPrice: feed,
		Metrics:   collector,
	}
	if err := registry.InitModules(moduleCtx); err != nil {
		logger.Log.Fatal("Failed to init modules", zap.Error(err))
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 7. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}

	registry.ShutdownModules()
	stopFeed()
	feed.Stop()
	logger.Log.Info("Server exited")
}
