package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/tasklock/pkg/store"
	redis "github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is wrapped in braces so every key hashes to the same
// cluster slot, which MULTI/EXEC across keys requires.
const DefaultRedisPrefix = "{tasklock}"

const entityField = "entity"

// RedisBackend shares entities between processes through Redis.
//
// Layout, all under the prefix:
//
//	<prefix>:e:<kind>:<id>            hash, field "entity" = JSON entity
//	<prefix>:k:<kind>                 set of every id of a kind
//	<prefix>:i:<kind>:<prop>=<value>  set of ids whose property equals value
//	<prefix>:s:<kind>:<partition>     last insert seq handed out in a partition
//
// Commits WATCH the entity keys they touch, check versions, then write inside
// MULTI/EXEC; a concurrent writer aborts the EXEC. A commit that inserts also
// watches and bumps the partition's seq counter, so inserts into one
// partition are serialized and their seqs follow commit order.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	logger hclog.Logger
}

type RedisOptions struct {
	Prefix string
	Logger hclog.Logger
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *RedisBackend {
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &RedisBackend{
		client: client,
		prefix: opts.Prefix,
		logger: opts.Logger.Named("redis"),
	}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) entityKey(kind, id string) string {
	return r.prefix + ":e:" + url.QueryEscape(kind) + ":" + id
}

func (r *RedisBackend) kindKey(kind string) string {
	return r.prefix + ":k:" + url.QueryEscape(kind)
}

func (r *RedisBackend) indexKey(kind, prop, value string) string {
	return r.prefix + ":i:" + url.QueryEscape(kind) + ":" + url.QueryEscape(prop) + "=" + url.QueryEscape(value)
}

func (r *RedisBackend) seqKey(kind, partition string) string {
	return r.prefix + ":s:" + url.QueryEscape(kind) + ":" + url.QueryEscape(partition)
}

func (r *RedisBackend) Query(ctx context.Context, q store.Query) ([]*store.Entity, error) {
	var (
		ids []string
		err error
	)
	if len(q.Filters) == 0 {
		ids, err = r.client.SMembers(ctx, r.kindKey(q.Kind)).Result()
	} else {
		keys := make([]string, 0, len(q.Filters))
		for _, f := range q.Filters {
			keys = append(keys, r.indexKey(q.Kind, f.Property, f.Value))
		}
		ids, err = r.client.SInter(ctx, keys...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redis query %s: %w", q.Kind, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, r.entityKey(q.Kind, id), entityField)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis fetch %s: %w", q.Kind, err)
	}

	out := make([]*store.Entity, 0, len(ids))
	for _, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			//deleted between the index read and the fetch
			continue
		}
		if err != nil {
			return nil, err
		}
		e, err := decodeEntity(raw)
		if err != nil {
			return nil, err
		}
		if q.Matches(e) {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID < out[j].Key.ID })
	return out, nil
}

func (r *RedisBackend) Apply(ctx context.Context, partition string, muts []store.Mutation) error {
	keys := make([]string, len(muts))
	for i, m := range muts {
		keys[i] = r.entityKey(m.Key.Kind, m.Key.ID)
	}

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current := make([]*store.Entity, len(muts))
		for i, m := range muts {
			raw, err := tx.HGet(ctx, keys[i], entityField).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				if current[i], err = decodeEntity(raw); err != nil {
					return fmt.Errorf("entity %s: %w", m.Key, err)
				}
			}

			var version uint64
			if current[i] != nil {
				version = current[i].Version
			}
			if err := store.CheckVersion(m, version); err != nil {
				return fmt.Errorf("%w: %s at version %d, expected %d", err, m.Key, version, m.ExpectVersion)
			}
		}

		//inserts take the next seq of their partition
		seqs := make(map[string]uint64)
		for i, m := range muts {
			if m.Op != store.OpPut || current[i] != nil {
				continue
			}
			sk := r.seqKey(m.Key.Kind, m.Key.Partition)
			if _, ok := seqs[sk]; !ok {
				if err := tx.Watch(ctx, sk).Err(); err != nil {
					return err
				}
				last, err := tx.Get(ctx, sk).Uint64()
				if err != nil && !errors.Is(err, redis.Nil) {
					return err
				}
				seqs[sk] = last
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, m := range muts {
				kind, id := m.Key.Kind, m.Key.ID

				old := current[i]
				if old != nil {
					for prop, value := range old.Index {
						pipe.SRem(ctx, r.indexKey(kind, prop, value), id)
					}
				}

				switch m.Op {
				case store.OpPut:
					e := m.Entity.Clone()
					e.Key = m.Key
					if old != nil {
						e.Version = old.Version + 1
						e.Seq = old.Seq
					} else {
						sk := r.seqKey(kind, m.Key.Partition)
						seqs[sk]++
						e.Version = 1
						e.Seq = seqs[sk]
					}
					raw, err := json.Marshal(e)
					if err != nil {
						return err
					}
					pipe.HSet(ctx, keys[i], entityField, raw)
					for prop, value := range e.Index {
						pipe.SAdd(ctx, r.indexKey(kind, prop, value), id)
					}
					pipe.SAdd(ctx, r.kindKey(kind), id)
				case store.OpDelete:
					pipe.Del(ctx, keys[i])
					pipe.SRem(ctx, r.kindKey(kind), id)
				default:
					return fmt.Errorf("%w: unknown op %d", store.ErrInvalidEntity, m.Op)
				}
			}
			for sk, last := range seqs {
				pipe.Set(ctx, sk, last, 0)
			}
			return nil
		})
		return err
	}, keys...)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: watched keys changed in partition %s", store.ErrConcurrentModification, partition)
	}
	if err != nil {
		return err
	}

	r.logger.Trace("applied", "partition", partition, "mutations", len(muts))
	return nil
}

// the client is owned by the caller
func (r *RedisBackend) Close() error {
	return nil
}
