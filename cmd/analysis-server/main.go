package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veda-ui/veda-analysis/internal/cache"
	"github.com/veda-ui/veda-analysis/internal/cache/redisstore"
	"github.com/veda-ui/veda-analysis/internal/cache/requestcache"
	"github.com/veda-ui/veda-analysis/internal/core/config"
	"github.com/veda-ui/veda-analysis/internal/core/health"
	"github.com/veda-ui/veda-analysis/internal/core/httpclient"
	"github.com/veda-ui/veda-analysis/internal/core/router"
	"github.com/veda-ui/veda-analysis/internal/core/server"
	"github.com/veda-ui/veda-analysis/internal/invalidation/kafkaconsumer"
	"github.com/veda-ui/veda-analysis/internal/logger"
	"github.com/veda-ui/veda-analysis/internal/metrics"
	"github.com/veda-ui/veda-analysis/internal/sink/kafkasink"
	"github.com/veda-ui/veda-analysis/internal/timeseries"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// overriding listen address via flag
	addrFlag := flag.String("addr", "", "listen address")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "analysis-server",
	}, os.Stdout)

	appLog := logger.NewSlog(&zl)
	appLog.Info("starting analysis server",
		"addr", cfg.Addr,
		"version", Version,
		"stac", cfg.STACEndpoint,
		"raster", cfg.RasterEndpoint,
		"max_concurrent", cfg.MaxConcurrent)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prov := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Addr:    cfg.MetricsAddr,
		Path:    cfg.MetricsPath,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	if cfg.MetricsEnabled {
		serveMetrics(ctx, cfg.MetricsAddr, cfg.MetricsPath, prov.Handler())
	}

	upstream := httpclient.New(httpclient.NewOutbound(), httpclient.Options{
		Timeout:   cfg.UpstreamTimeout,
		RateLimit: cfg.UpstreamRate,
		RateBurst: cfg.UpstreamBurst,
		Logger:    appLog,
	})

	var (
		store  cache.Store
		checks []health.Check
	)
	if cfg.Cache.RedisEnabled {
		rc, err := redisstore.New(ctx, cfg.Cache.RedisAddr,
			redisstore.WithReadTimeout(cfg.Cache.OpTimeout),
			redisstore.WithWriteTimeout(cfg.Cache.OpTimeout))
		if err != nil {
			appLog.Error("redis unavailable", "addr", cfg.Cache.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()
		store = rc
		checks = append(checks, health.Check{Name: "redis", Ping: rc.Ping})
	}

	respCache := requestcache.New(requestcache.Options{
		Size:      cfg.Cache.Size,
		TTL:       cfg.Cache.TTL,
		Store:     store,
		StoreTTL:  cfg.Cache.RedisTTL,
		OpTimeout: cfg.Cache.OpTimeout,
		Logger:    appLog,
	})

	if cfg.Invalidation.KafkaEnabled {
		inv := kafkaconsumer.New(kafkaconsumer.DefaultConfig(
			cfg.Invalidation.Brokers, cfg.Invalidation.Topic, cfg.Invalidation.GroupID), appLog, respCache)
		go func() {
			if err := inv.Start(ctx); err != nil {
				appLog.Error("invalidation consumer stopped", "err", err)
			}
		}()
	}

	orc := timeseries.New(timeseries.Options{
		Logger:          appLog,
		HTTP:            upstream,
		Cache:           respCache,
		MaxConcurrent:   cfg.MaxConcurrent,
		MaxQueryNum:     cfg.MaxQueryNum,
		SearchLimit:     cfg.SearchLimit,
		DefaultAssetKey: cfg.AssetKey,
		STACEndpoint:    cfg.STACEndpoint,
		RasterEndpoint:  cfg.RasterEndpoint,
	})

	var observers []router.BatchObserver
	if cfg.Sink.KafkaEnabled {
		prod, err := kafkasink.NewSyncProducer(cfg.Sink.Brokers)
		if err != nil {
			appLog.Error("kafka sink setup failed", "brokers", cfg.Sink.Brokers, "err", err)
			return 1
		}
		pub := kafkasink.New(kafkasink.Config{Brokers: cfg.Sink.Brokers, Topic: cfg.Sink.Topic}, prod, appLog)
		defer func() {
			if err := pub.Close(); err != nil {
				appLog.Warn("kafka sink close", "err", err)
			}
		}()
		observers = append(observers, pub)
	}

	err := server.Run(ctx, cfg, appLog, server.Deps{
		Analysis:  orc,
		Observers: observers,
		Ready:     checks,
		Metrics:   prov.Handler(),
	})
	if err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func serveMetrics(ctx context.Context, addr, path string, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(path, h)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// start server
	go func() {
		log.Printf("metrics: listening on %s%s", addr, path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server exited: %v", err)
		}
	}()

	// shutdown on signal
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("metrics: shutdown error: %v", err)
		}
	}()
}
