package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/tasklock/pkg/clock"
	"github.com/pixperk/tasklock/pkg/lock"
	"github.com/pixperk/tasklock/pkg/registry"
	"github.com/pixperk/tasklock/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// HealthFunc reports whether the node can serve lock calls.
type HealthFunc func() error

// JoinFunc adds a raft voter; only set when the store is replicated.
type JoinFunc func(nodeID, addr string) error

type Server struct {
	httpServer *http.Server
	manager    *lock.Manager
	registry   *registry.Registry
	health     HealthFunc
	join       JoinFunc
	clock      clock.Clock
	logger     hclog.Logger
}

type Options struct {
	Health HealthFunc
	Join   JoinFunc
	Clock  clock.Clock
	Logger hclog.Logger
}

func NewServer(httpAddr string, manager *lock.Manager, reg *registry.Registry, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	s := &Server{
		manager:  manager,
		registry: reg,
		health:   opts.Health,
		join:     opts.Join,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("gateway"),
	}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/locks", s.handleLocks)
	if s.join != nil {
		mux.HandleFunc("POST /v1/raft/join", s.handleJoin)
	}
	return mux
}

// Start serves until ctx is done, then shuts down gracefully, or until Stop.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP gateway: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type lockRecord struct {
	OwnerToken      string `json:"owner_token"`
	ExpiresAtMillis int64  `json:"expires_at_millis"`
	Expired         bool   `json:"expired"`
}

type locksResponse struct {
	ResourceID string       `json:"resource_id"`
	TaskKind   string       `json:"task_kind"`
	Records    []lockRecord `json:"records"`
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	resourceID := r.URL.Query().Get("resource_id")
	taskKind := r.URL.Query().Get("task_kind")
	if resourceID == "" || taskKind == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("resource_id and task_kind are required"))
		return
	}

	kind, err := s.registry.Lookup(taskKind)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	records, err := s.manager.Inspect(r.Context(), resourceID, kind)
	if err != nil {
		s.logger.Error("inspect failed", "resource_id", resourceID, "task_kind", taskKind, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err)
		return
	}

	now := s.clock.Now()
	resp := locksResponse{
		ResourceID: resourceID,
		TaskKind:   taskKind,
		Records:    make([]lockRecord, 0, len(records)),
	}
	for _, rec := range records {
		resp.Records = append(resp.Records, lockRecord{
			OwnerToken:      rec.OwnerToken,
			ExpiresAtMillis: rec.ExpiresAtMillis,
			Expired:         rec.IsExpired(now),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// POST /v1/raft/join?node_id=..&addr=..
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	addr := r.URL.Query().Get("addr")
	if nodeID == "" || addr == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("node_id and addr are required"))
		return
	}

	if err := s.join(nodeID, addr); err != nil {
		s.logger.Warn("join failed", "node_id", nodeID, "addr", addr, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.logger.Info("node joined", "node_id", nodeID, "addr", addr)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		//the client went away mid-response
		s.logger.Debug("response not written", "status", status, "error", err)
	}
}
