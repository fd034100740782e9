package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pixperk/tasklock/pkg/store"
	"github.com/pixperk/tasklock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasklock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.NodeID, "node id is generated")
	assert.NotPanics(t, func() { cfg.ParsedNodeID() })
	assert.Equal(t, BackendBolt, cfg.Store.Backend)
	assert.Equal(t, store.DefaultTxnTimeout, cfg.Store.TxnTimeout)
	assert.Empty(t, cfg.Kinds())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
node_id: 0b6e3c5e-4f8f-4f43-9f55-7d3f3c4f2a10
grpc_addr: ":9100"
log:
  level: debug
  json: true
store:
  backend: redis
  txn_timeout: 10s
  redis:
    addrs: ["10.0.0.1:6379", "10.0.0.2:6379"]
    prefix: "{jobs}"
task_kinds:
  - name: upload
    lease_timeout: 1m
  - name: purge
    lease_timeout: 1500ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0b6e3c5e-4f8f-4f43-9f55-7d3f3c4f2a10", cfg.NodeID)
	assert.Equal(t, ":9100", cfg.GRPCAddr)
	assert.Equal(t, ":8080", cfg.HTTPAddr, "unset fields keep their defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, 10*time.Second, cfg.Store.TxnTimeout)
	assert.Equal(t, []string{"10.0.0.1:6379", "10.0.0.2:6379"}, cfg.Store.Redis.Addrs)
	assert.Equal(t, "{jobs}", cfg.Store.Redis.Prefix)

	assert.Equal(t, []types.TaskKind{
		{Name: "upload", LeaseTimeout: time.Minute},
		{Name: "purge", LeaseTimeout: 1500 * time.Millisecond},
	}, cfg.Kinds())
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":    "grpc_adr: \":9000\"\n",
		"bad node id":      "node_id: not-a-uuid\n",
		"unknown backend":  "store:\n  backend: etcd\n",
		"zero lease":       "task_kinds:\n  - name: upload\n",
		"unnamed kind":     "task_kinds:\n  - lease_timeout: 1s\n",
		"duplicate kind":   "task_kinds:\n  - name: a\n    lease_timeout: 1s\n  - name: a\n    lease_timeout: 2s\n",
		"no redis addrs":   "store:\n  backend: redis\n  redis:\n    addrs: []\n",
		"bad txn timeout":  "store:\n  txn_timeout: -1s\n",
		"raft without dir": "store:\n  backend: raft\n  raft:\n    data_dir: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
