package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelrelay/gateway/internal/cache"
	"github.com/modelrelay/gateway/internal/config"
	"github.com/modelrelay/gateway/internal/httpserver"
	"github.com/modelrelay/gateway/internal/logging"
	"github.com/modelrelay/gateway/internal/proxy"
	"github.com/modelrelay/gateway/internal/router"
	"github.com/modelrelay/gateway/internal/telemetry"
)

const maxLogBytes = int64(300 * 1024 * 1024) // 300MB per log file

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(rootCause(err)) {
			log.Fatalf("load config: %v", err)
		}
		log.Printf("config file %s not found, using defaults with env overrides", *configPath)
		cfg, err = config.FromEnv()
		if err != nil {
			log.Fatalf("load config from env: %v", err)
		}
	}

	if cfg.LogFile != "" {
		rot, err := logging.NewRotatingWriter(cfg.LogFile, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[gatewayd] ")
		defer rot.Close()
	}

	routeCache, err := buildCache(cfg)
	if err != nil {
		log.Fatalf("init route cache: %v", err)
	}
	defer routeCache.Close()

	resolver := router.New(routeCache, cfg.BusinessAPI, logging.Component(log.Writer(), "router"))
	forwarder := proxy.NewForwarder(cfg.Proxy, logging.Component(log.Writer(), "proxy"))
	reporter := telemetry.New(cfg.BusinessAPI.BaseURL, logging.Component(log.Writer(), "telemetry"))

	httpSrv := httpserver.New(resolver, forwarder, reporter, logging.Component(log.Writer(), "http"))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpSrv.Router(),
		ReadTimeout: 30 * time.Second,
		// no WriteTimeout: streaming responses stay open for minutes
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("gateway listening on %s (cache=%s, business_api=%s)",
			addr, cfg.Cache.Type, cfg.BusinessAPI.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	// let in-flight telemetry posts drain before the process exits
	reporter.Wait()
}

func buildCache(cfg config.Config) (cache.RouteCache, error) {
	opts := cache.Options{
		TTL:         cfg.Cache.TTL.Std(),
		MaxLifetime: cfg.Cache.MaxLifetime.Std(),
		MaxSize:     cfg.Cache.MaxSize,
	}
	switch cfg.Cache.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return cache.NewRedisCache(client, opts, logging.Component(log.Writer(), "cache")), nil
	default:
		return cache.NewMemoryCache(opts), nil
	}
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
