package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/FadwaTY/WasteWiseUI/config"
	"github.com/FadwaTY/WasteWiseUI/handler"
	"github.com/FadwaTY/WasteWiseUI/imaging"
	"github.com/FadwaTY/WasteWiseUI/middleware"
	"github.com/FadwaTY/WasteWiseUI/service"
	"github.com/FadwaTY/WasteWiseUI/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	BuildID   = "unknown"
	GitCommit = "unknown"
	GitBranch = "unknown"
)

func main() {
	// 加载配置
	cfg := config.New()

	// 初始化日志
	if err := utils.InitLogger(cfg.Server.Mode); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer utils.Sync()

	utils.Logger.Info("starting WasteWise UI server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("git_branch", GitBranch),
		zap.String("backend", service.NormalizeBaseURL(cfg.Backend.URL)))

	// 会话存储：优先 Redis，不可用时退回内存
	var store service.SessionStore
	redisService := service.NewRedisService(&cfg.Redis)
	ctx := context.Background()
	if err := redisService.Ping(ctx); err != nil {
		utils.Logger.Warn("redis connection failed, using in-memory session store", zap.Error(err))
		store = service.NewMemoryStore(cfg.Redis.TTL)
	} else {
		utils.Logger.Info("redis connected successfully")
		store = redisService
	}
	defer redisService.Close()

	backend := service.NewBackendClient(&cfg.Backend)
	orchestrator := service.NewOrchestrator(backend, imaging.NewPreparer(&cfg.Upload), &cfg.Batch)

	// 启动时探测一次后端，仅记录日志
	healthCtx, cancel := context.WithTimeout(ctx, cfg.Backend.HealthTimeout)
	if report, err := orchestrator.CheckHealth(healthCtx, cfg.Backend.URL); err != nil {
		utils.Logger.Warn("detection backend not available", zap.Error(err))
	} else {
		utils.Logger.Info("detection backend reachable", zap.String("status", string(report.Status)))
	}
	cancel()

	batchHandler := handler.NewBatchHandler(cfg, store, orchestrator)

	// 设置Gin模式
	gin.SetMode(cfg.Server.Mode)

	// 创建路由
	r := gin.New()
	r.MaxMultipartMemory = cfg.Upload.MaxRequestSize()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())

	// 静态页面
	r.Static("/static", cfg.Server.StaticDir)
	r.StaticFile("/", filepath.Join(cfg.Server.StaticDir, "index.html"))

	// 健康检查和版本信息
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": Version,
		})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
			"build_id":   BuildID,
			"git_commit": GitCommit,
			"git_branch": GitBranch,
		})
	})

	// API路由
	api := r.Group("/api/v1")
	api.Use(middleware.Session(&cfg.Session, int(cfg.Redis.TTL.Seconds())))
	batchHandler.Register(api)

	writeTimeout := cfg.StreamWriteTimeout()
	if writeTimeout != cfg.Server.WriteTimeout {
		utils.Logger.Warn("write timeout too short for a full batch, raising it",
			zap.Duration("configured", cfg.Server.WriteTimeout),
			zap.Duration("effective", writeTimeout))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: writeTimeout,
	}

	go func() {
		utils.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Logger.Info("shutting down server")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.Logger.Error("server shutdown failed", zap.Error(err))
	}
}
