package server

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/tasklock/api/v1"
	"github.com/pixperk/tasklock/pkg/lock"
	"github.com/pixperk/tasklock/pkg/registry"
	"github.com/pixperk/tasklock/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Leadership reports raft leadership; *raft.Node implements it.
type Leadership interface {
	IsLeader() bool
	GetLeader() string
}

type Option func(*Server)

// rejects lock calls on followers, pointing callers at the leader
func WithLeadership(l Leadership) Option {
	return func(s *Server) {
		s.leader = l
	}
}

func WithLogger(l hclog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// identifies this node in Status responses
func WithNodeInfo(nodeID, backend string) Option {
	return func(s *Server) {
		s.nodeID = nodeID
		s.backend = backend
	}
}

type Server struct {
	pb.UnimplementedLockServiceServer
	manager  *lock.Manager
	registry *registry.Registry
	leader   Leadership
	logger   hclog.Logger
	nodeID   string
	backend  string
}

// wraps the lock manager into a gRPC server
func NewServer(manager *lock.Manager, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		manager:  manager,
		registry: reg,
		logger:   hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("server")
	return s
}

type lockCall func(ctx context.Context, ownerToken, resourceID string, kind types.TaskKind) (bool, error)

func (s *Server) Obtain(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	return s.handle(ctx, req, s.manager.Obtain)
}

func (s *Server) Renew(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	return s.handle(ctx, req, s.manager.Renew)
}

func (s *Server) Release(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	return s.handle(ctx, req, s.manager.Release)
}

func (s *Server) handle(ctx context.Context, in *structpb.Struct, call lockCall) (*wrapperspb.BoolValue, error) {
	if s.leader != nil && !s.leader.IsLeader() {
		return nil, notLeaderError(s.leader.GetLeader())
	}

	req, err := pb.ParseLockRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	kind, err := s.registry.Lookup(req.TaskKind)
	if err != nil {
		return nil, toGRPCError(err)
	}
	if req.LeaseTimeout > 0 {
		kind.LeaseTimeout = req.LeaseTimeout
	}

	ok, err := call(ctx, req.OwnerToken, req.ResourceID, kind)
	var fault *lock.Fault
	if errors.As(err, &fault) && fault.Kind != types.ErrStore {
		//lock faults are answers, not failures
		s.logger.Debug("lock fault", "resource_id", req.ResourceID, "task_kind", kind.Name, "owner_token", req.OwnerToken, "fault", fault.Label(), "error", err)
		if herr := grpc.SetHeader(ctx, metadata.Pairs(pb.FaultHeader, fault.Label())); herr != nil {
			s.logger.Trace("fault header not sent", "error", herr)
		}
		return wrapperspb.Bool(false), nil
	}
	if err != nil {
		return nil, toGRPCError(err)
	}
	return wrapperspb.Bool(ok), nil
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	kinds := s.registry.All()
	names := make([]any, len(kinds))
	leases := make(map[string]any, len(kinds))
	for i, k := range kinds {
		names[i] = k.Name
		leases[k.Name] = float64(k.LeaseTimeout.Milliseconds())
	}

	fields := map[string]any{
		pb.FieldNodeID:          s.nodeID,
		pb.FieldBackend:         s.backend,
		pb.FieldTaskKinds:       names,
		pb.FieldLeaseTimeoutsMs: leases,
		pb.FieldReplicated:      s.leader != nil,
	}
	if s.leader != nil {
		fields[pb.FieldIsLeader] = s.leader.IsLeader()
		fields[pb.FieldLeaderAddress] = s.leader.GetLeader()
	}

	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

// logs every unary call with its status code and latency
func UnaryLogger(logger hclog.Logger) grpc.UnaryServerInterceptor {
	logger = logger.Named("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		if code == codes.Internal || code == codes.DataLoss {
			logger.Error("call failed", "method", info.FullMethod, "code", code, "duration", time.Since(start), "error", err)
		} else {
			logger.Trace("call", "method", info.FullMethod, "code", code, "duration", time.Since(start))
		}
		return resp, err
	}
}
