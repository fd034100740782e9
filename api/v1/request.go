package v1

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

const (
	FieldOwnerToken     = "owner_token"
	FieldResourceID     = "resource_id"
	FieldTaskKind       = "task_kind"
	FieldLeaseTimeoutMs = "lease_timeout_ms"
)

// Status fields.
const (
	FieldNodeID          = "node_id"
	FieldBackend         = "backend"
	FieldTaskKinds       = "task_kinds"
	FieldLeaseTimeoutsMs = "lease_timeouts_ms"
	FieldReplicated      = "replicated"
	FieldIsLeader        = "is_leader"
	FieldLeaderAddress   = "leader_address"
)

// FaultHeader is the response header naming the lock fault behind a false
// answer, such as "concurrent_modification". It is absent when the answer is
// simply no.
const FaultHeader = "tasklock-fault"

// FaultLockIntegrityViolation is the FaultHeader value of a lost race.
const FaultLockIntegrityViolation = "lock_integrity_violation"

var ErrBadRequest = errors.New("malformed lock request")

// LockRequest is the decoded form of an Obtain, Renew or Release request.
// A zero LeaseTimeout means the task kind's registered lease timeout.
type LockRequest struct {
	OwnerToken   string
	ResourceID   string
	TaskKind     string
	LeaseTimeout time.Duration
}

func (r LockRequest) Struct() *structpb.Struct {
	fields := map[string]*structpb.Value{
		FieldOwnerToken: structpb.NewStringValue(r.OwnerToken),
		FieldResourceID: structpb.NewStringValue(r.ResourceID),
		FieldTaskKind:   structpb.NewStringValue(r.TaskKind),
	}
	if r.LeaseTimeout > 0 {
		fields[FieldLeaseTimeoutMs] = structpb.NewNumberValue(float64(r.LeaseTimeout.Milliseconds()))
	}
	return &structpb.Struct{Fields: fields}
}

func ParseLockRequest(s *structpb.Struct) (LockRequest, error) {
	var r LockRequest
	if s == nil {
		return r, fmt.Errorf("%w: empty request", ErrBadRequest)
	}

	for name, v := range s.GetFields() {
		switch name {
		case FieldOwnerToken, FieldResourceID, FieldTaskKind:
			str, ok := v.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return r, fmt.Errorf("%w: %s must be a string", ErrBadRequest, name)
			}
			switch name {
			case FieldOwnerToken:
				r.OwnerToken = str.StringValue
			case FieldResourceID:
				r.ResourceID = str.StringValue
			default:
				r.TaskKind = str.StringValue
			}
		case FieldLeaseTimeoutMs:
			num, ok := v.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return r, fmt.Errorf("%w: %s must be a number", ErrBadRequest, name)
			}
			ms := num.NumberValue
			if ms <= 0 || ms != math.Trunc(ms) || ms > math.MaxInt64/float64(time.Millisecond) {
				return r, fmt.Errorf("%w: %s must be a positive whole number, got %v", ErrBadRequest, name, ms)
			}
			r.LeaseTimeout = time.Duration(ms) * time.Millisecond
		default:
			return r, fmt.Errorf("%w: unknown field %q", ErrBadRequest, name)
		}
	}
	return r, nil
}
