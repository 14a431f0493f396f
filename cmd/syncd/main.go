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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"offline-sync-core/internal/api"
	"offline-sync-core/internal/config"
	"offline-sync-core/internal/logger"
	"offline-sync-core/internal/model"
	"offline-sync-core/internal/network"
	"offline-sync-core/internal/remote"
	"offline-sync-core/internal/sync"
)

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	path := configPath()
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Logging); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting offline sync daemon", zap.String("config", path))

	opts := sync.Options{
		// The daemon runs on a wired host; the probe decides reachability.
		Source: network.NewManualSource(network.Signal{Connected: true, Type: model.ConnectionEthernet}),
		UserID: os.Getenv("OFFLINE_USER_ID"),
	}
	if tok := os.Getenv("OFFLINE_AUTHORITY_TOKEN"); tok != "" {
		client := remote.NewHTTPClient(cfg.Sync.AuthorityURL, cfg.Sync.RequestTimeout)
		client.Token = func(context.Context) (string, error) { return tok, nil }
		opts.Authority = client
	}

	syncManager := sync.NewManager(cfg, opts)
	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = syncManager.Initialize(initCtx)
	cancel()
	if err != nil {
		logger.Log.Fatal("Failed to init sync manager", zap.Error(err))
	}
	defer syncManager.Dispose()

	if path != "" {
		err := config.Watch(path, func(next *config.Config, err error) {
			if err != nil {
				logger.Log.Warn("Ignoring config change", zap.Error(err))
				return
			}
			if err := syncManager.UpdateConfig(*next); err != nil {
				logger.Log.Warn("Rejected config change", zap.Error(err))
				return
			}
			logger.Log.Info("Config reloaded")
		})
		if err != nil {
			logger.Log.Warn("Config watch disabled", zap.Error(err))
		}
	}

	var server *http.Server
	if cfg.Server.Enabled {
		handler := api.NewHandler(syncManager, cfg.Server)
		serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		server = &http.Server{
			Addr:         serverAddr,
			Handler:      handler.Routes(),
			ReadTimeout:  cfg.Server.GetReadTimeout(),
			WriteTimeout: cfg.Server.GetWriteTimeout(),
		}
		go func() {
			logger.Log.Info("Server listening", zap.String("addr", serverAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Fatal("Server failed", zap.Error(err))
			}
		}()
	}

	// SIGUSR1 forces a sync cycle; SIGINT and SIGTERM shut down.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for sig := range sigs {
		if sig != syscall.SIGUSR1 {
			break
		}
		p := syncManager.TriggerSync(context.Background())
		logger.Log.Info("Manual sync finished",
			zap.String("status", string(p.Status)),
			zap.Int("completed", p.Completed),
			zap.Int("failed", p.Failed))
	}

	logger.Log.Info("Shutting down...")
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Log.Warn("Server shutdown", zap.Error(err))
		}
	}
}

// configPath prefers OFFLINE_CONFIG_FILE, then ./config.yaml when present.
// An empty result means built-in defaults.
func configPath() string {
	if p := os.Getenv("OFFLINE_CONFIG_FILE"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}
