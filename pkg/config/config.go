// Package config loads the tasklock node configuration from YAML.
//
//	node_id: 6f1c...           # generated when empty
//	grpc_addr: ":9000"
//	http_addr: ":8080"
//	log:
//	  level: info
//	  json: false
//	store:
//	  backend: bolt            # bolt | redis | raft | memory
//	  txn_timeout: 30s
//	  bolt:
//	    path: ./data/tasklock.db
//	  redis:
//	    addrs: ["127.0.0.1:6379"]
//	  raft:
//	    bind_addr: 127.0.0.1:7000
//	    data_dir: ./data/raft
//	    bootstrap: true
//	task_kinds:
//	  - name: upload
//	    lease_timeout: 1m
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/tasklock/pkg/store"
	"github.com/pixperk/tasklock/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendRaft   = "raft"
	BackendMemory = "memory"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	NodeID    string           `yaml:"node_id"`
	GRPCAddr  string           `yaml:"grpc_addr"`
	HTTPAddr  string           `yaml:"http_addr"`
	Log       LogConfig        `yaml:"log"`
	Store     StoreConfig      `yaml:"store"`
	TaskKinds []TaskKindConfig `yaml:"task_kinds"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type StoreConfig struct {
	Backend    string        `yaml:"backend"`
	TxnTimeout time.Duration `yaml:"txn_timeout"`
	Bolt       BoltConfig    `yaml:"bolt"`
	Redis      RedisConfig   `yaml:"redis"`
	Raft       RaftConfig    `yaml:"raft"`
}

type BoltConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	// one address for a single server, several for a cluster
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
}

type RaftConfig struct {
	BindAddr     string        `yaml:"bind_addr"`
	DataDir      string        `yaml:"data_dir"`
	Bootstrap    bool          `yaml:"bootstrap"`
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
}

type TaskKindConfig struct {
	Name         string        `yaml:"name"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
}

func Default() *Config {
	return &Config{
		GRPCAddr: ":9000",
		HTTPAddr: ":8080",
		Log: LogConfig{
			Level: "info",
		},
		Store: StoreConfig{
			Backend:    BackendBolt,
			TxnTimeout: store.DefaultTxnTimeout,
			Bolt: BoltConfig{
				Path:    "./data/tasklock.db",
				Timeout: 5 * time.Second,
			},
			Redis: RedisConfig{
				Addrs: []string{"127.0.0.1:6379"},
			},
			Raft: RaftConfig{
				BindAddr:     "127.0.0.1:7000",
				DataDir:      "./data/raft",
				ApplyTimeout: 5 * time.Second,
			},
		},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := uuid.Parse(c.NodeID); err != nil {
		return fmt.Errorf("%w: node_id: %v", ErrInvalidConfig, err)
	}
	if c.GRPCAddr == "" {
		return fmt.Errorf("%w: grpc_addr is required", ErrInvalidConfig)
	}
	if c.Store.TxnTimeout <= 0 {
		return fmt.Errorf("%w: store.txn_timeout must be positive", ErrInvalidConfig)
	}

	switch c.Store.Backend {
	case BackendBolt:
		if c.Store.Bolt.Path == "" {
			return fmt.Errorf("%w: store.bolt.path is required", ErrInvalidConfig)
		}
	case BackendRedis:
		if len(c.Store.Redis.Addrs) == 0 {
			return fmt.Errorf("%w: store.redis.addrs is required", ErrInvalidConfig)
		}
	case BackendRaft:
		if c.Store.Raft.BindAddr == "" || c.Store.Raft.DataDir == "" {
			return fmt.Errorf("%w: store.raft.bind_addr and store.raft.data_dir are required", ErrInvalidConfig)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	seen := make(map[string]bool, len(c.TaskKinds))
	for _, k := range c.TaskKinds {
		if seen[k.Name] {
			return fmt.Errorf("%w: task kind %q declared twice", ErrInvalidConfig, k.Name)
		}
		seen[k.Name] = true
		if err := k.kind().Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

func (c *Config) ParsedNodeID() uuid.UUID {
	return uuid.MustParse(c.NodeID)
}

func (c *Config) Kinds() []types.TaskKind {
	out := make([]types.TaskKind, len(c.TaskKinds))
	for i, k := range c.TaskKinds {
		out[i] = k.kind()
	}
	return out
}

func (k TaskKindConfig) kind() types.TaskKind {
	return types.TaskKind{Name: k.Name, LeaseTimeout: k.LeaseTimeout}
}
