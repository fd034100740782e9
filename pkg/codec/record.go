// Package codec maps lock records and replicated commands to bytes.
//
// Lock records are stored as TASK_LOCK entities: the logical key and owner are
// copied into indexed properties so the store can answer equality queries, and
// the full record is kept in the payload using the protobuf wire format:
//
//	1: resource_id        string
//	2: task_kind          string
//	3: owner_token        string
//	4: expires_at_millis  int64 (varint)
//
// Unknown fields are skipped on decode so the layout can grow.
package codec

import (
	"errors"
	"fmt"

	"github.com/pixperk/tasklock/pkg/store"
	"github.com/pixperk/tasklock/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	Kind = "TASK_LOCK"

	PropResourceID = "resource_id"
	PropTaskKind   = "task_kind"
	PropOwnerToken = "owner_token"
)

const (
	fieldResourceID      protowire.Number = 1
	fieldTaskKind        protowire.Number = 2
	fieldOwnerToken      protowire.Number = 3
	fieldExpiresAtMillis protowire.Number = 4
)

var ErrMalformed = errors.New("malformed payload")

// Partition returns the partition key holding the logical lock.
func Partition(resourceID, taskKind string) string {
	return resourceID + "/" + taskKind
}

// LockQuery selects every record of the logical lock (resourceID, taskKind).
func LockQuery(resourceID, taskKind string) store.Query {
	return store.NewQuery(Kind).
		Eq(PropResourceID, resourceID).
		Eq(PropTaskKind, taskKind)
}

func EncodeRecord(r types.LockRecord) []byte {
	b := make([]byte, 0, len(r.ResourceID)+len(r.TaskKind)+len(r.OwnerToken)+16)
	b = protowire.AppendTag(b, fieldResourceID, protowire.BytesType)
	b = protowire.AppendString(b, r.ResourceID)
	b = protowire.AppendTag(b, fieldTaskKind, protowire.BytesType)
	b = protowire.AppendString(b, r.TaskKind)
	b = protowire.AppendTag(b, fieldOwnerToken, protowire.BytesType)
	b = protowire.AppendString(b, r.OwnerToken)
	b = protowire.AppendTag(b, fieldExpiresAtMillis, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ExpiresAtMillis))
	return b
}

func DecodeRecord(b []byte) (types.LockRecord, error) {
	var r types.LockRecord
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldResourceID && typ == protowire.BytesType:
			return consumeString(b, &r.ResourceID)
		case num == fieldTaskKind && typ == protowire.BytesType:
			return consumeString(b, &r.TaskKind)
		case num == fieldOwnerToken && typ == protowire.BytesType:
			return consumeString(b, &r.OwnerToken)
		case num == fieldExpiresAtMillis && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.ExpiresAtMillis = int64(v)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return types.LockRecord{}, fmt.Errorf("decode lock record: %w", err)
	}
	return r, nil
}

// NewEntity returns an unsaved entity for r; the store assigns its key on Put.
func NewEntity(r types.LockRecord) *store.Entity {
	e := &store.Entity{Key: store.Key{Kind: Kind}}
	SetRecord(e, r)
	return e
}

// SetRecord overwrites e's properties and payload with r, keeping its key and
// version so the write replaces the same physical record.
func SetRecord(e *store.Entity, r types.LockRecord) {
	e.Index = map[string]string{
		PropResourceID: r.ResourceID,
		PropTaskKind:   r.TaskKind,
		PropOwnerToken: r.OwnerToken,
	}
	e.Data = EncodeRecord(r)
}

func FromEntity(e *store.Entity) (types.LockRecord, error) {
	if e == nil {
		return types.LockRecord{}, fmt.Errorf("%w: nil entity", ErrMalformed)
	}
	if e.Key.Kind != Kind {
		return types.LockRecord{}, fmt.Errorf("%w: entity %s is not a %s", ErrMalformed, e.Key, Kind)
	}
	return DecodeRecord(e.Data)
}

// iterates the top-level fields of b
// fn consumes one field value and returns the number of bytes it used
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func consumeString(b []byte, dst *string) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}
