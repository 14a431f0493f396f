package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"offline-sync-core/internal/authority"
	"offline-sync-core/internal/config"
	"offline-sync-core/internal/database"
	"offline-sync-core/internal/logger"
)

func main() {
	_ = godotenv.Load()

	configFile := flag.String("config", os.Getenv("OFFLINE_CONFIG_FILE"), "path to the config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Logging); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting reference authority", zap.String("driver", cfg.Authority.Driver))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := database.NewDatabase(ctx, cfg.Authority)
	if err != nil {
		cancel()
		logger.Log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	srv := authority.NewServer(db, authority.Options{})
	err = srv.Migrate(ctx)
	cancel()
	if err != nil {
		logger.Log.Fatal("Failed to migrate", zap.Error(err))
	}

	serverCfg := cfg.Authority.Server
	serverAddr := fmt.Sprintf("%s:%d", serverCfg.Host, serverCfg.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      srv.Routes(serverCfg),
		ReadTimeout:  serverCfg.GetReadTimeout(),
		WriteTimeout: serverCfg.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Server shutdown", zap.Error(err))
	}
}
