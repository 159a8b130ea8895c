package main

import (
	"context"
	"fmt"
	"time"

	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"github.com/google/uuid"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const reRegisterDelay = time.Second

// Registry announces this instance under {prefix}/{uuid} with a leased key.
// A nil *Registry is a no-op, used when no etcd endpoints are configured.
type Registry struct {
	client *etcd.Client
	key    string
	addr   string
	ttl    int64
	lease  etcd.LeaseID
	log    *zap.Logger
}

func NewRegistry(config models.RegistryConfig, addr string, log *zap.Logger) (*Registry, error) {
	if len(config.EtcdEndpoints) == 0 {
		log.Info("no etcd endpoints configured, skipping service registration")
		return nil, nil
	}
	client, err := etcd.New(etcd.Config{
		Endpoints:   config.EtcdEndpoints,
		DialTimeout: config.DialTimeout,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	return &Registry{
		client: client,
		key:    fmt.Sprintf("%s/%s", config.Prefix, uuid.New()),
		addr:   addr,
		ttl:    config.LeaseTTL,
		log:    log,
	}, nil
}

func (r *Registry) Register(ctx context.Context) error {
	if r == nil {
		return nil
	}
	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	if _, err := r.client.Put(ctx, r.key, r.addr, etcd.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("register %s: %w", r.key, err)
	}
	r.lease = lease.ID
	r.log.Info("registered instance", zap.String("key", r.key), zap.String("addr", r.addr))
	return nil
}

// KeepAlive refreshes the lease until ctx is done. A lost lease is granted
// again so the instance reappears after an etcd outage.
func (r *Registry) KeepAlive(ctx context.Context) error {
	if r == nil {
		return nil
	}
	for {
		ch, err := r.client.KeepAlive(ctx, r.lease)
		if err == nil {
			for range ch {
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn("lease keepalive stopped, registering again", zap.String("key", r.key), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reRegisterDelay):
		}
		if err := r.Register(ctx); err != nil {
			r.log.Warn("re-register failed", zap.Error(err))
		}
	}
}

// Deregister removes the key right away instead of waiting for the lease to expire.
func (r *Registry) Deregister() {
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if r.lease != 0 {
		if _, err := r.client.Revoke(ctx, r.lease); err != nil {
			r.log.Warn("revoke lease", zap.Error(err))
		}
	}
	if err := r.client.Close(); err != nil {
		r.log.Warn("close etcd client", zap.Error(err))
	}
}
