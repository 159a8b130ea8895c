package main

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/alimx07/Blogging_Backend/blog_service/aggregator"
	"github.com/alimx07/Blogging_Backend/blog_service/invalidation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_PRIVATE_KEY", "c2VlZA==")
	config, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "development", config.Env)
	assert.Equal(t, "8000", config.Server.Port)
	assert.Equal(t, "sqlite", config.DB.Driver)
	assert.Equal(t, []string{"localhost:6379"}, config.Cache.Addrs)
	assert.Equal(t, invalidation.DefaultTTL, config.Cache.TTL)
	assert.Equal(t, int64(aggregator.DefaultFlushEvery), config.Views.FlushEvery)
	assert.Equal(t, aggregator.DefaultFlushInterval, config.Views.FlushInterval)
	assert.Equal(t, "/services/blog_service", config.Registry.Prefix)
	assert.Equal(t, int64(5), config.Registry.LeaseTTL)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
env: production
server:
  port: "9000"
database:
  host: db.internal
  name: blog
  user: blog
cache:
  addrs: ["cache-1:6379"]
  ttl: 1m
views:
  flush_every: 50
  flush_interval: 2m
rate_limiting:
  enabled: true
  rules:
    read: {limit: 20, refill_rate: 5}
`)
	t.Setenv("JWT_PUBLIC_KEY", "cHVi")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("CACHE_ADDRS", "a:1,b:2,c:3")
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("ETCD_ENDPOINTS", "etcd-1:2379,etcd-2:2379")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "production", config.Env)
	assert.Equal(t, "9100", config.Server.Port, "env wins over the file")
	assert.Equal(t, "postgres", config.DB.Driver, "a db host implies postgres")
	assert.Equal(t, "secret", config.DB.Password)
	assert.Equal(t, "5432", config.DB.Port)
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, config.Cache.Addrs)
	assert.Equal(t, time.Minute, config.Cache.TTL)
	assert.Equal(t, int64(50), config.Views.FlushEvery)
	assert.Equal(t, 2*time.Minute, config.Views.FlushInterval)
	assert.Equal(t, 20, config.RateLimiting.Rules["read"].Limit)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, config.Registry.EtcdEndpoints)
}

func TestLoadConfigValidation(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "env: development\n"))
	assert.ErrorContains(t, err, "JWT")

	t.Setenv("JWT_PRIVATE_KEY", "c2VlZA==")

	_, err = LoadConfig(writeConfig(t, "database:\n  driver: mysql\n"))
	assert.ErrorContains(t, err, "unknown database driver")

	_, err = LoadConfig(writeConfig(t, "database:\n  driver: postgres\n"))
	assert.ErrorContains(t, err, "DB_HOST")

	_, err = LoadConfig(writeConfig(t, "rate_limiting:\n  rules:\n    read: {limit: 0, refill_rate: 1}\n"))
	assert.ErrorContains(t, err, "read")

	_, err = LoadConfig(writeConfig(t, "server: [not, a, map]\n"))
	assert.Error(t, err)
}

var slugPattern = regexp.MustCompile(`^[\p{Ll}\p{Lo}0-9]+(-[\p{Ll}\p{Lo}0-9]+)*-[0-9a-z]{8}$`)

func TestSlugify(t *testing.T) {
	tests := []struct {
		title string
		base  string
	}{
		{"Hello World", "hello-world"},
		{"  Go:  the --- Good Parts!  ", "go-the-good-parts"},
		{"Ünïcödé Title", "ünïcödé-title"},
		{"!!!", "post"},
		{"", "post"},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			slug := slugify(tt.title)
			assert.Regexp(t, slugPattern, slug)
			assert.Equal(t, tt.base, slug[:len(slug)-9])
		})
	}

	long := slugify(strings.Repeat("word ", 40))
	assert.LessOrEqual(t, len(long), maxSlugBase+9)
	assert.False(t, strings.Contains(long, "--"))

	assert.NotEqual(t, slugify("same"), slugify("same"))
}
