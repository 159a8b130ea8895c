package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alimx07/Blogging_Backend/blog_service/aggregator"
	"github.com/alimx07/Blogging_Backend/blog_service/auth"
	"github.com/alimx07/Blogging_Backend/blog_service/cachedRepo"
	"github.com/alimx07/Blogging_Backend/blog_service/fanout"
	"github.com/alimx07/Blogging_Backend/blog_service/invalidation"
	"github.com/alimx07/Blogging_Backend/blog_service/metric"
	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	config, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config file:", err)
		os.Exit(1)
	}

	log, err := InitLogger(config.Env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to init logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(config, log); err != nil {
		log.Fatal("blog service stopped", zap.Error(err))
	}
}

func loadKeys(config models.AuthConfig) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	var (
		priv ed25519.PrivateKey
		pub  ed25519.PublicKey
		err  error
	)
	if config.PrivateKey != "" {
		if priv, err = auth.ParsePrivateKey(config.PrivateKey); err != nil {
			return nil, nil, fmt.Errorf("JWT_PRIVATE_KEY: %w", err)
		}
	}
	if config.PublicKey != "" {
		if pub, err = auth.ParsePublicKey(config.PublicKey); err != nil {
			return nil, nil, fmt.Errorf("JWT_PUBLIC_KEY: %w", err)
		}
	}
	return priv, pub, nil
}

func run(config *models.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics, err := metric.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	db, err := InitDB(ctx, config.DB, log)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, err := InitRedis(ctx, config.Cache)
	if err != nil {
		return err
	}
	cache := cachedRepo.NewRedisRepo(redisClient, log)
	defer cache.Close()

	priv, pub, err := loadKeys(config.Auth)
	if err != nil {
		return err
	}
	authService, err := auth.NewService(db, priv, pub, auth.Options{
		Issuer:        config.Auth.Issuer,
		Audience:      config.Auth.Audience,
		TokenLifetime: config.Auth.TokenLifetime,
	}, log)
	if err != nil {
		return err
	}

	policy := invalidation.NewPolicy(cache, config.Cache.TTL, log, metrics)
	views := aggregator.New(cache, db, log, metrics, aggregator.Options{
		FlushEvery:      config.Views.FlushEvery,
		FlushInterval:   config.Views.FlushInterval,
		Tick:            config.Views.Tick,
		ShutdownTimeout: config.Views.ShutdownTimeout,
	})
	bridge := fanout.NewBridge(cache, log, metrics)
	blog := newBlogService(db, policy, views, bridge, log)

	server := NewServer(config.Server, ServerDeps{
		Handler:  NewHandler(blog, authService, log),
		Auth:     authService,
		Bridge:   bridge,
		Limiter:  NewRateLimiter(redisClient, config.RateLimiting, log, metrics),
		Metrics:  metrics,
		Gatherer: prometheus.DefaultGatherer,
		DB:       db,
		Cache:    cache,
	}, log)

	registry, err := NewRegistry(config.Registry, advertisedAddr(config.Server), log)
	if err != nil {
		return err
	}
	if err := registry.Register(ctx); err != nil {
		registry.Deregister()
		return err
	}
	defer registry.Deregister()

	// the aggregator outlives the server so views recorded by in-flight
	// requests are part of the final flush
	aggCtx, stopAgg := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAgg()

	g, gctx := errgroup.WithContext(ctx)
	aggDone := make(chan struct{})
	g.Go(func() error {
		defer close(aggDone)
		return views.Run(aggCtx)
	})
	g.Go(server.Start)
	g.Go(func() error {
		return registry.KeepAlive(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		err := server.Shutdown(config.Server.ShutdownTimeout)
		stopAgg()
		<-aggDone
		return err
	})

	return g.Wait()
}
