package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/alimx07/Blogging_Backend/blog_service/aggregator"
	"github.com/alimx07/Blogging_Backend/blog_service/auth"
	"github.com/alimx07/Blogging_Backend/blog_service/invalidation"
	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"github.com/alimx07/Blogging_Backend/blog_service/postRepo"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads the yaml file at path, then lets the environment (and an
// optional .env file) override connection settings and secrets.
func LoadConfig(path string) (*models.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	config := &models.Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(config)
	applyDefaults(config)
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func applyEnv(c *models.Config) {
	setFromEnv(&c.Env, "APP_ENV")
	setFromEnv(&c.Server.Host, "SERVER_HOST")
	setFromEnv(&c.Server.Port, "SERVER_PORT")
	setFromEnv(&c.Server.HostName, "HOST_NAME")

	// Primary DB
	setFromEnv(&c.DB.Driver, "DB_DRIVER")
	setFromEnv(&c.DB.Host, "DB_HOST")
	setFromEnv(&c.DB.Port, "DB_PORT")
	setFromEnv(&c.DB.User, "DB_USER")
	setFromEnv(&c.DB.Password, "DB_PASSWORD")
	setFromEnv(&c.DB.Name, "DB_NAME")
	setFromEnv(&c.DB.SQLitePath, "SQLITE_PATH")

	// Replica DB
	setFromEnv(&c.DB.ReplicaHost, "DB_REPLICA_HOST")
	setFromEnv(&c.DB.ReplicaPort, "DB_REPLICA_PORT")
	setFromEnv(&c.DB.ReplicaUser, "DB_REPLICA_USER")
	setFromEnv(&c.DB.ReplicaPassword, "DB_REPLICA_PASSWORD")
	setFromEnv(&c.DB.ReplicaName, "DB_REPLICA_NAME")

	if v := os.Getenv("CACHE_ADDRS"); v != "" {
		c.Cache.Addrs = strings.Split(v, ",")
	}
	setFromEnv(&c.Cache.Password, "CACHE_PASSWORD")

	setFromEnv(&c.Auth.PrivateKey, "JWT_PRIVATE_KEY")
	setFromEnv(&c.Auth.PublicKey, "JWT_PUBLIC_KEY")

	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		c.Registry.EtcdEndpoints = strings.Split(v, ",")
	}
}

func applyDefaults(c *models.Config) {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == "" {
		c.Server.Port = "8000"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.HostName == "" {
		if h, err := os.Hostname(); err == nil {
			c.Server.HostName = h
		}
	}

	if c.DB.Driver == "" {
		c.DB.Driver = string(postRepo.SQLite)
		if c.DB.Host != "" {
			c.DB.Driver = string(postRepo.Postgres)
		}
	}
	if c.DB.Port == "" {
		c.DB.Port = "5432"
	}
	if c.DB.SQLitePath == "" {
		c.DB.SQLitePath = "blog.db"
	}

	if len(c.Cache.Addrs) == 0 {
		c.Cache.Addrs = []string{"localhost:6379"}
	}
	if c.Cache.PoolSize <= 0 {
		c.Cache.PoolSize = 10
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = invalidation.DefaultTTL
	}

	if c.Views.FlushEvery <= 0 {
		c.Views.FlushEvery = aggregator.DefaultFlushEvery
	}
	if c.Views.FlushInterval <= 0 {
		c.Views.FlushInterval = aggregator.DefaultFlushInterval
	}
	if c.Views.Tick <= 0 {
		c.Views.Tick = aggregator.DefaultTick
	}
	if c.Views.ShutdownTimeout <= 0 {
		c.Views.ShutdownTimeout = aggregator.DefaultShutdownTimeout
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = auth.DefaultIssuer
	}
	if c.Auth.Audience == "" {
		c.Auth.Audience = auth.DefaultAudience
	}
	if c.Auth.TokenLifetime <= 0 {
		c.Auth.TokenLifetime = auth.DefaultTokenLifetime
	}

	if c.Registry.Prefix == "" {
		c.Registry.Prefix = "/services/blog_service"
	}
	if c.Registry.LeaseTTL <= 0 {
		c.Registry.LeaseTTL = 5
	}
	if c.Registry.DialTimeout <= 0 {
		c.Registry.DialTimeout = 5 * time.Second
	}
}

func validateConfig(c *models.Config) error {
	switch postRepo.Dialect(c.DB.Driver) {
	case postRepo.Postgres:
		if c.DB.Host == "" || c.DB.Name == "" {
			return errors.New("config: postgres needs DB_HOST and DB_NAME")
		}
	case postRepo.SQLite:
	default:
		return fmt.Errorf("config: unknown database driver %q", c.DB.Driver)
	}
	if c.Auth.PrivateKey == "" && c.Auth.PublicKey == "" {
		return errors.New("config: JWT_PRIVATE_KEY or JWT_PUBLIC_KEY required")
	}
	for name, rule := range c.RateLimiting.Rules {
		if rule.Limit <= 0 || rule.RefillRate <= 0 {
			return fmt.Errorf("config: rate limit rule %q needs positive limit and refill_rate", name)
		}
	}
	return nil
}

func InitLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func InitDB(ctx context.Context, config models.DBConfig, log *zap.Logger) (*postRepo.SQLRepo, error) {
	var repo *postRepo.SQLRepo
	switch postRepo.Dialect(config.Driver) {
	case postRepo.SQLite:
		db, err := postRepo.OpenSQLite(config.SQLitePath)
		if err != nil {
			return nil, err
		}
		repo = postRepo.NewSQLRepo(postRepo.SQLite, db, nil, log)
	default:
		primaryDB, replicaDB, err := initPostgres(config, log)
		if err != nil {
			return nil, err
		}
		repo = postRepo.NewSQLRepo(postRepo.Postgres, primaryDB, replicaDB, log)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repo.Ping(pingCtx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, err
	}
	log.Info("database ready", zap.String("driver", config.Driver))
	return repo, nil
}

func postgresDSN(host, port, user, password, name string) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, name)
}

// replica is optional, without one the primary serves every read
func initPostgres(config models.DBConfig, log *zap.Logger) (*sql.DB, *sql.DB, error) {
	primaryDB, err := sql.Open("postgres", postgresDSN(config.Host, config.Port, config.User, config.Password, config.Name))
	if err != nil {
		return nil, nil, fmt.Errorf("open primary DB: %w", err)
	}
	primaryDB.SetMaxOpenConns(15)
	primaryDB.SetMaxIdleConns(5)

	if config.ReplicaHost == "" {
		log.Info("no replica configured, reading from primary")
		return primaryDB, nil, nil
	}
	port := config.ReplicaPort
	if port == "" {
		port = config.Port
	}
	replicaDB, err := sql.Open("postgres", postgresDSN(config.ReplicaHost, port, config.ReplicaUser,
		config.ReplicaPassword, config.ReplicaName))
	if err != nil {
		primaryDB.Close()
		return nil, nil, fmt.Errorf("open replica DB: %w", err)
	}
	replicaDB.SetMaxOpenConns(25)
	replicaDB.SetMaxIdleConns(10)
	return primaryDB, replicaDB, nil
}

// InitRedis connects to a single node, or to a cluster when several
// addresses are configured.
func InitRedis(ctx context.Context, config models.CacheConfig) (redis.UniversalClient, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    config.Addrs,
		Password: config.Password,
		PoolSize: config.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %v: %w", config.Addrs, err)
	}
	return client, nil
}

func advertisedAddr(config models.ServerConfig) string {
	return net.JoinHostPort(config.HostName, config.Port)
}
