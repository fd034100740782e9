package server

import (
	"context"
	"errors"

	"github.com/pixperk/tasklock/pkg/raft"
	"github.com/pixperk/tasklock/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// converts domain errors to gRPC status errors
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, raft.ErrNotLeader):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, types.ErrLockNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, types.ErrInvalidArgument),
		errors.Is(err, types.ErrInvalidLeaseTimeout),
		errors.Is(err, types.ErrUnknownTaskKind):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, types.ErrTransactionNotActive),
		errors.Is(err, types.ErrConcurrentModification):
		return status.Error(codes.Aborted, err.Error())

	case errors.Is(err, types.ErrMultipleRecordsFound):
		return status.Error(codes.DataLoss, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// returns a not leader error with the given leader address
// includes the current leader address in the error message
func notLeaderError(leaderAddr string) error {
	return status.Errorf(codes.Unavailable,
		"not leader, leader is at: %s", leaderAddr)
}
