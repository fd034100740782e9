package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/tasklock/api/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
)

const defaultRenewInterval = 10 * time.Second

var (
	// the lock is held by someone else
	ErrNotAcquired = errors.New("lock not acquired")
	// a renewal or release found the lock no longer ours
	ErrLockLost = errors.New("lock lost")
	// the server answered false because of a lock fault other than a lost
	// race; retrying may succeed
	ErrLockFault = errors.New("lock fault")

	ErrInvalidOption = errors.New("invalid client option")
)

type Option func(*Client)

// lease requested on every Obtain and Renew; zero uses the server's lease for
// the task kind. The server works in whole milliseconds.
func WithLeaseTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.leaseTimeout = d
	}
}

// keep-alive period when the lease of a task kind cannot be learned from the
// server
func WithRenewInterval(d time.Duration) Option {
	return func(c *Client) {
		c.renewInterval = d
	}
}

func WithLogger(l hclog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) {
		c.dialOpts = append(c.dialOpts, opts...)
	}
}

type Client struct {
	addr       string
	ownerToken string
	conn       *grpc.ClientConn
	client     pb.LockServiceClient

	leaseTimeout  time.Duration
	renewInterval time.Duration
	dialOpts      []grpc.DialOption
	logger        hclog.Logger

	mu     sync.Mutex
	leases map[string]time.Duration // task kind -> server lease
}

// NewClient connects to a tasklock server. An empty ownerToken is replaced by
// a random one; tokens must be unique among the workers sharing locks.
func NewClient(addr, ownerToken string, opts ...Option) (*Client, error) {
	if ownerToken == "" {
		ownerToken = uuid.NewString()
	}
	c := &Client{
		addr:          addr,
		ownerToken:    ownerToken,
		renewInterval: defaultRenewInterval,
		dialOpts:      []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		logger:        hclog.NewNullLogger(),
		leases:        make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.renewInterval <= 0 {
		return nil, fmt.Errorf("%w: renew interval must be positive, got %v", ErrInvalidOption, c.renewInterval)
	}
	if c.leaseTimeout < 0 || (c.leaseTimeout > 0 && c.leaseTimeout < time.Millisecond) {
		return nil, fmt.Errorf("%w: lease timeout must be zero or at least 1ms, got %v", ErrInvalidOption, c.leaseTimeout)
	}
	c.logger = c.logger.Named("client").With("owner_token", ownerToken)

	conn, err := grpc.NewClient(addr, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.client = pb.NewLockServiceClient(conn)
	return c, nil
}

func (c *Client) OwnerToken() string {
	return c.ownerToken
}

func (c *Client) request(resourceID, taskKind string) pb.LockRequest {
	return pb.LockRequest{
		OwnerToken:   c.ownerToken,
		ResourceID:   resourceID,
		TaskKind:     taskKind,
		LeaseTimeout: c.leaseTimeout,
	}
}

// Obtain makes a single attempt at the lock. It returns ErrNotAcquired when
// the lock is held by someone else or the attempt lost a race; a lock fault
// such as a conflicting commit also wraps ErrLockFault.
func (c *Client) Obtain(ctx context.Context, resourceID, taskKind string) (*Lock, error) {
	var md metadata.MD
	resp, err := c.client.Obtain(ctx, c.request(resourceID, taskKind).Struct(), grpc.Header(&md))
	if err != nil {
		return nil, fmt.Errorf("obtain lock: %w", err)
	}
	if !resp.GetValue() {
		if fault := faultOf(md); fault != "" && fault != pb.FaultLockIntegrityViolation {
			return nil, fmt.Errorf("%w: %w: %s", ErrNotAcquired, ErrLockFault, fault)
		}
		return nil, ErrNotAcquired
	}

	lease, err := c.lease(ctx, taskKind)
	if err != nil {
		c.logger.Warn("lease of task kind unknown, keep-alive falls back to the renew interval",
			"task_kind", taskKind, "renew_interval", c.renewInterval, "error", err)
	}
	return &Lock{
		client:     c,
		resourceID: resourceID,
		taskKind:   taskKind,
		lease:      lease,
	}, nil
}

// Renew returns false when the lock is no longer held. A lock fault that
// leaves ownership undecided is an error wrapping ErrLockFault.
func (c *Client) Renew(ctx context.Context, resourceID, taskKind string) (bool, error) {
	var md metadata.MD
	resp, err := c.client.Renew(ctx, c.request(resourceID, taskKind).Struct(), grpc.Header(&md))
	if err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	if !resp.GetValue() {
		if fault := faultOf(md); fault != "" && fault != pb.FaultLockIntegrityViolation {
			return false, fmt.Errorf("renew lock: %w: %s", ErrLockFault, fault)
		}
	}
	return resp.GetValue(), nil
}

func (c *Client) Release(ctx context.Context, resourceID, taskKind string) (bool, error) {
	var md metadata.MD
	resp, err := c.client.Release(ctx, c.request(resourceID, taskKind).Struct(), grpc.Header(&md))
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	if !resp.GetValue() {
		if fault := faultOf(md); fault != "" {
			return false, fmt.Errorf("release lock: %w: %s", ErrLockFault, fault)
		}
	}
	return resp.GetValue(), nil
}

func faultOf(md metadata.MD) string {
	if v := md.Get(pb.FaultHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}

// lease returns the lease a lock of taskKind is granted: the requested one, or
// the server's, which is looked up once per task kind
func (c *Client) lease(ctx context.Context, taskKind string) (time.Duration, error) {
	if c.leaseTimeout > 0 {
		return c.leaseTimeout, nil
	}

	c.mu.Lock()
	d, ok := c.leases[taskKind]
	c.mu.Unlock()
	if ok {
		return d, nil
	}

	resp, err := c.client.Status(ctx, &emptypb.Empty{})
	if err != nil {
		return 0, fmt.Errorf("status: %w", err)
	}
	leases := resp.GetFields()[pb.FieldLeaseTimeoutsMs].GetStructValue().GetFields()

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, v := range leases {
		if ms := v.GetNumberValue(); ms >= 1 {
			c.leases[name] = time.Duration(ms) * time.Millisecond
		}
	}
	d, ok = c.leases[taskKind]
	if !ok {
		return 0, fmt.Errorf("server reports no lease for task kind %q", taskKind)
	}
	return d, nil
}

func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	resp, err := c.client.Status(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return resp.AsMap(), nil
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
