package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

import (
	"github.com/nanjiek/pixiu-rcu/internal/api"
	"github.com/nanjiek/pixiu-rcu/internal/config"
	"github.com/nanjiek/pixiu-rcu/internal/registry"
	"github.com/nanjiek/pixiu-rcu/internal/registry/source"
	"github.com/nanjiek/pixiu-rcu/internal/repo"
)

func main() {
	confPath := flag.String("c", "configs/rcu.yaml", "path to config file")
	sentinelLogDir := flag.String("sentinel-log-dir", "", "sentinel log directory (default ~/logs/csp)")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		slog.Error("failed to load config", "path", *confPath, "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// a nil Store runs the registry in local mode
	var store registry.Store
	if cfg.Redis.Enabled() {
		rdb, err := repo.NewRedis(cfg, logger)
		if err != nil {
			logger.Error("failed to connect redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		store = rdb
	} else {
		logger.Warn("no redis configured, running in local mode")
	}

	reg := registry.New(cfg, store, registry.WithLogger(logger))
	defer reg.Close()

	// config.Load refuses nacos alongside redis, so store is nil here.
	if cfg.Nacos.Enabled() {
		poller := registry.NewPoller(source.NewNacosSource(cfg.Nacos, source.WithLogger(logger)), reg, registry.PollerConfig{
			Interval:   time.Duration(cfg.Nacos.PollIntervalMs) * time.Millisecond,
			FailPolicy: cfg.Nacos.FailPolicy,
		})
		if _, err := poller.SyncOnce(rootCtx); err != nil {
			if strings.EqualFold(cfg.Nacos.FailPolicy, registry.FailClosed) {
				logger.Error("failed to load entries from nacos", "error", err)
				os.Exit(1)
			}
			logger.Warn("nacos pull failed, serving bootstrap entries", "error", err)
			if err := reg.Bootstrap(rootCtx); err != nil {
				logger.Warn("bootstrap failed", "error", err)
			}
		}
		go poller.Start(rootCtx)
	} else {
		if err := reg.Bootstrap(rootCtx); err != nil {
			logger.Error("failed to bootstrap entries", "error", err)
			os.Exit(1)
		}
		go reg.StartWatcher(rootCtx)
	}

	if err := api.InitSentinel("pixiu-rcu", *sentinelLogDir); err != nil {
		logger.Error("failed to init sentinel", "error", err)
		os.Exit(1)
	}
	if err := api.LoadGuardRules(cfg.Guard); err != nil {
		logger.Error("failed to load guard rules", "error", err)
		os.Exit(1)
	}

	httpServer := api.NewServer(cfg.Server, reg, logger)

	go func() {
		logger.Info("server is running", "addr", cfg.Server.HTTPAddr, "pid", os.Getpid(), "revision", reg.Revision())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			cancelRoot()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-rootCtx.Done():
	}
	logger.Info("shutting down server...")
	cancelRoot()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMs)*time.Millisecond)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		return
	}
	logger.Info("server exited properly", "stats", reg.Stats())
}

func newLogger(cfg config.LogCfg) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
