package codec

import (
	"fmt"

	"github.com/pixperk/tasklock/pkg/store"
	"github.com/pixperk/tasklock/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Replicated commands use the same wire format as records:
//
//	command:  1 type varint, 2 partition string, 3 mutation (repeated, message)
//	mutation: 1 op varint, 2 key message, 3 entity message, 4 checked bool, 5 expect_version varint
//	entity:   1 key message, 2 version varint, 3 index entry (repeated, message), 4 data bytes
//	key:      1 kind, 2 partition, 3 id
//	entry:    1 property, 2 value

// EncodeCommand serializes a command for the raft log.
func EncodeCommand(cmd types.Command) ([]byte, error) {
	switch c := cmd.(type) {
	case types.CommitCmd:
		b := protowire.AppendTag(nil, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Type()))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, c.Partition)
		for _, m := range c.Mutations {
			b = protowire.AppendTag(b, 3, protowire.BytesType)
			b = protowire.AppendBytes(b, appendMutation(nil, m))
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// DecodeCommand reverses EncodeCommand.
func DecodeCommand(b []byte) (types.Command, error) {
	var (
		typ  types.CommandType
		cmd  types.CommitCmd
		muts []store.Mutation
	)
	err := walk(b, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && wt == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			typ = types.CommandType(v)
			return n, nil
		case num == 2 && wt == protowire.BytesType:
			return consumeString(b, &cmd.Partition)
		case num == 3 && wt == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			m, err := decodeMutation(v)
			if err != nil {
				return 0, err
			}
			muts = append(muts, m)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, wt, b), nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	switch typ {
	case types.CommandTypeCommit:
		cmd.Mutations = muts
		return cmd, nil
	default:
		return nil, fmt.Errorf("%w: unknown command type %d", ErrMalformed, typ)
	}
}

func appendMutation(b []byte, m store.Mutation) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Op))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, appendKey(nil, m.Key))
	if m.Entity != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendEntity(nil, m.Entity))
	}
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.Checked))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, m.ExpectVersion)
	return b
}

func decodeMutation(b []byte) (store.Mutation, error) {
	var m store.Mutation
	err := walk(b, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && wt == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Op = store.Op(v)
			return n, nil
		case num == 2 && wt == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			k, err := decodeKey(v)
			m.Key = k
			return n, err
		case num == 3 && wt == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			e, err := decodeEntity(v)
			m.Entity = e
			return n, err
		case num == 4 && wt == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Checked = protowire.DecodeBool(v)
			return n, nil
		case num == 5 && wt == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.ExpectVersion = v
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, wt, b), nil
		}
	})
	return m, err
}

func appendKey(b []byte, k store.Key) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, k.Kind)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, k.Partition)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, k.ID)
	return b
}

func decodeKey(b []byte) (store.Key, error) {
	var k store.Key
	err := walk(b, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
		if wt != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, wt, b), nil
		}
		switch num {
		case 1:
			return consumeString(b, &k.Kind)
		case 2:
			return consumeString(b, &k.Partition)
		case 3:
			return consumeString(b, &k.ID)
		default:
			return protowire.ConsumeFieldValue(num, wt, b), nil
		}
	})
	return k, err
}

func appendEntity(b []byte, e *store.Entity) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, appendKey(nil, e.Key))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Version)
	for prop, val := range e.Index {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, prop)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, val)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Data)
	return b
}

func decodeEntity(b []byte) (*store.Entity, error) {
	e := &store.Entity{Index: make(map[string]string)}
	err := walk(b, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && wt == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			k, err := decodeKey(v)
			e.Key = k
			return n, err
		case num == 2 && wt == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Version = v
			return n, nil
		case num == 3 && wt == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var prop, val string
			err := walk(v, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
				switch {
				case num == 1 && wt == protowire.BytesType:
					return consumeString(b, &prop)
				case num == 2 && wt == protowire.BytesType:
					return consumeString(b, &val)
				default:
					return protowire.ConsumeFieldValue(num, wt, b), nil
				}
			})
			e.Index[prop] = val
			return n, err
		case num == 4 && wt == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				e.Data = append([]byte(nil), v...)
			}
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, wt, b), nil
		}
	})
	return e, err
}
