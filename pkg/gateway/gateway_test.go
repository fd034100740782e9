package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pixperk/tasklock/pkg/clock"
	"github.com/pixperk/tasklock/pkg/fsm"
	"github.com/pixperk/tasklock/pkg/lock"
	"github.com/pixperk/tasklock/pkg/registry"
	"github.com/pixperk/tasklock/pkg/store"
	"github.com/pixperk/tasklock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upload = types.TaskKind{Name: "upload", LeaseTimeout: time.Second}

func newGateway(t *testing.T, health HealthFunc, join ...JoinFunc) (*httptest.Server, *lock.Manager, *clock.Manual) {
	t.Helper()
	c := clock.NewManualMillis(0)
	mgr := lock.NewManager(store.New(fsm.NewLocal()), lock.WithClock(c))
	reg, err := registry.New(upload)
	require.NoError(t, err)

	opts := Options{Health: health, Clock: c}
	if len(join) > 0 {
		opts.Join = join[0]
	}
	gw := NewServer(":0", mgr, reg, opts)
	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(ts.Close)
	return ts, mgr, c
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newGateway(t, nil)
	code, body := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	sick, _, _ := newGateway(t, func() error { return errors.New("no raft leader") })
	code, body = get(t, sick.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, string(body), "no raft leader")
}

func TestMetrics(t *testing.T) {
	ts, mgr, _ := newGateway(t, nil)
	_, err := mgr.Obtain(context.Background(), "A", "form1", upload)
	require.NoError(t, err)

	code, body := get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "tasklock_lock_operation_total")
	assert.Contains(t, string(body), "tasklock_up 1")
}

func TestLocks(t *testing.T) {
	ctx := context.Background()
	ts, mgr, c := newGateway(t, nil)

	ok, err := mgr.Obtain(ctx, "A", "form1", upload)
	require.NoError(t, err)
	require.True(t, ok)

	code, body := get(t, ts.URL+"/v1/locks?resource_id=form1&task_kind=upload")
	require.Equal(t, http.StatusOK, code)

	var resp locksResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "form1", resp.ResourceID)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, lockRecord{OwnerToken: "A", ExpiresAtMillis: 1000}, resp.Records[0])

	c.SetMillis(1001)
	_, body = get(t, ts.URL+"/v1/locks?resource_id=form1&task_kind=upload")
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, resp.Records[0].Expired)

	_, body = get(t, ts.URL+"/v1/locks?resource_id=form2&task_kind=upload")
	assert.JSONEq(t, `{"resource_id":"form2","task_kind":"upload","records":[]}`, string(body))
}

func TestLocksBadRequest(t *testing.T) {
	ts, _, _ := newGateway(t, nil)

	code, _ := get(t, ts.URL+"/v1/locks?resource_id=form1")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := get(t, ts.URL+"/v1/locks?resource_id=form1&task_kind=export")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "unknown task kind")

	resp, err := http.Post(ts.URL+"/v1/locks", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestJoin(t *testing.T) {
	ts, _, _ := newGateway(t, nil)
	resp, err := http.Post(ts.URL+"/v1/raft/join?node_id=n2&addr=127.0.0.1:7001", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "join is only routed for replicated stores")

	var joined []string
	ts, _, _ = newGateway(t, nil, func(nodeID, addr string) error {
		if nodeID == "n3" {
			return errors.New("not the raft leader")
		}
		joined = append(joined, nodeID+"@"+addr)
		return nil
	})

	resp, err = http.Post(ts.URL+"/v1/raft/join?node_id=n2&addr=127.0.0.1:7001", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"n2@127.0.0.1:7001"}, joined)

	resp, err = http.Post(ts.URL+"/v1/raft/join?node_id=n3&addr=127.0.0.1:7002", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/raft/join?node_id=n4", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartStopsWithContext(t *testing.T) {
	reg, err := registry.New(upload)
	require.NoError(t, err)
	gw := NewServer("127.0.0.1:0", lock.NewManager(store.New(fsm.NewLocal())), reg, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway kept serving after its context ended")
	}
}

func TestStartReportsListenErrors(t *testing.T) {
	reg, err := registry.New(upload)
	require.NoError(t, err)
	gw := NewServer("256.0.0.1:bad", lock.NewManager(store.New(fsm.NewLocal())), reg, Options{})

	err = gw.Start(context.Background())
	assert.ErrorContains(t, err, "failed to start HTTP gateway")
}
