package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/config"
	"github.com/zhouzirui/curalink/backend/internal/handler"
	"github.com/zhouzirui/curalink/backend/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	appLogger, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.ServiceName)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()
	zap.ReplaceGlobals(appLogger)

	if envErr != nil {
		appLogger.Info("no .env file loaded, continuing with system environment variables only", zap.Error(envErr))
	}

	app, err := buildApp(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("failed to initialize services", zap.Error(err))
	}
	defer app.Close()

	router := handler.NewRouter(app.services, handler.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxAudioBytes:  cfg.Audio.MaxBytes,
		Logger:         appLogger,
	})

	startServer(ctx, cfg.Server, router, appLogger)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("CuraLink backend listening", zap.String("addr", addr), zap.String("public_base_url", serverCfg.PublicBaseURL))
	if err := runServer(ctx, srv, serverCfg.ShutdownTimeout); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		// 停止接收新请求，等待进行中的写入完成
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
