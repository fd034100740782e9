package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/tasklock/pkg/config"
	"github.com/pixperk/tasklock/pkg/fsm"
	"github.com/pixperk/tasklock/pkg/gateway"
	"github.com/pixperk/tasklock/pkg/raft"
	"github.com/pixperk/tasklock/pkg/server"
	"github.com/pixperk/tasklock/pkg/storage"
	"github.com/pixperk/tasklock/pkg/store"
	redis "github.com/redis/go-redis/v9"
)

// the configured store backend plus what the servers need to know about it
type backend struct {
	store.Backend
	leadership server.Leadership
	health     gateway.HealthFunc
	join       gateway.JoinFunc
	// releases resources the store does not own
	shutdown func() error
}

func openBackend(cfg *config.Config, logger hclog.Logger) (*backend, error) {
	sc := cfg.Store
	noop := func() error { return nil }

	switch sc.Backend {
	case config.BackendMemory:
		logger.Warn("using the in-memory store, locks are lost on restart and not shared between processes")
		return &backend{Backend: fsm.NewLocal(), shutdown: noop}, nil

	case config.BackendBolt:
		b, err := storage.OpenBolt(sc.Bolt.Path, storage.BoltOptions{Timeout: sc.Bolt.Timeout, Logger: logger})
		if err != nil {
			return nil, err
		}
		return &backend{Backend: b, shutdown: noop}, nil

	case config.BackendRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    sc.Redis.Addrs,
			Username: sc.Redis.Username,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping %v: %w", sc.Redis.Addrs, err)
		}
		return &backend{
			Backend: storage.NewRedis(client, storage.RedisOptions{Prefix: sc.Redis.Prefix, Logger: logger}),
			health: func() error {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				return client.Ping(ctx).Err()
			},
			shutdown: client.Close,
		}, nil

	case config.BackendRaft:
		node, err := raft.NewNode(&raft.Config{
			NodeID:       cfg.ParsedNodeID(),
			BindAddr:     sc.Raft.BindAddr,
			DataDir:      sc.Raft.DataDir,
			Bootstrap:    sc.Raft.Bootstrap,
			ApplyTimeout: sc.Raft.ApplyTimeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create raft node: %w", err)
		}
		return &backend{
			Backend:    raft.NewBackend(node),
			leadership: node,
			health: func() error {
				if node.GetLeader() == "" {
					return errors.New("no raft leader")
				}
				return nil
			},
			join:     node.Join,
			shutdown: node.Shutdown,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, sc.Backend)
	}
}
