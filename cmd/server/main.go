package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koopa0/system-design/broadcast-fabric/internal/auth"
	"github.com/koopa0/system-design/broadcast-fabric/internal/config"
	"github.com/koopa0/system-design/broadcast-fabric/internal/metrics"
	"github.com/koopa0/system-design/broadcast-fabric/internal/server"
	"github.com/koopa0/system-design/broadcast-fabric/pkg/logger"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "config.yaml", "配置檔路徑")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置檔）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
		hashToken  = flag.String("hash-token", "", "輸出 token 的 argon2id 雜湊後結束")
	)
	flag.Parse()

	if *hashToken != "" {
		hash, err := auth.HashToken(*hashToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	// 載入配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// 設置日誌
	out, closeLog, err := logger.Open(cfg.Log.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log output: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = closeLog() }()
	log := logger.New(out, cfg.Log.Level, cfg.Log.Format, cfg.Log.AddSource)

	if err := run(cfg, log); err != nil {
		log.Error("服務器異常結束", "error", err)
		_ = closeLog()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	// 組裝廣播網路
	app, err := server.New(cfg, log, metrics.New())
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	registerDemoHandlers(app)

	ctx := logger.WithNodeID(context.Background(), app.NodeID())
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	// 設定 HTTP 服務器
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      app.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "廣播服務器啟動",
			"port", cfg.Server.Port,
			"store", cfg.Cluster.Store,
			"pubsub", cfg.Cluster.PubSub)
		serverErrors <- srv.ListenAndServe()
	}()

	// 等待中斷信號
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case sig := <-shutdown:
		log.InfoContext(ctx, "收到關閉信號，開始優雅關閉", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先斷開 WebSocket 連線並交出租約，再停止 HTTP
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Error("關閉廣播網路失敗", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("強制關閉服務器失敗", "error", closeErr)
		}
	}

	log.Info("服務器已關閉")
	return runErr
}
