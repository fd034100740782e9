package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/tasklock/pkg/store"
	bolt "go.etcd.io/bbolt"
)

const defaultBoltTimeout = 5 * time.Second

// BoltBackend keeps entities in a local bbolt file, one bucket per kind.
// bbolt serializes writers, so every commit is fully isolated; it suits a
// single host running several workers against the same file.
type BoltBackend struct {
	db     *bolt.DB
	logger hclog.Logger
}

type BoltOptions struct {
	// how long to wait for the file lock held by another process
	Timeout time.Duration
	Logger  hclog.Logger
}

func OpenBolt(path string, opts BoltOptions) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultBoltTimeout
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}

	return &BoltBackend{
		db:     db,
		logger: opts.Logger.Named("bolt"),
	}, nil
}

func (b *BoltBackend) Name() string { return "bolt" }

func (b *BoltBackend) Query(ctx context.Context, q store.Query) ([]*store.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*store.Entity
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(q.Kind))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			e, err := decodeEntity(v)
			if err != nil {
				return fmt.Errorf("entity %s: %w", k, err)
			}
			if q.Matches(e) {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID < out[j].Key.ID })
	return out, nil
}

// a returned error rolls the whole bolt transaction back
func (b *BoltBackend) Apply(ctx context.Context, partition string, muts []store.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		for _, m := range muts {
			bucket, err := tx.CreateBucketIfNotExists([]byte(m.Key.Kind))
			if err != nil {
				return err
			}
			id := []byte(m.Key.ID)

			var old *store.Entity
			if raw := bucket.Get(id); raw != nil {
				if old, err = decodeEntity(raw); err != nil {
					return fmt.Errorf("entity %s: %w", m.Key, err)
				}
			}
			var current uint64
			if old != nil {
				current = old.Version
			}
			if err := store.CheckVersion(m, current); err != nil {
				return fmt.Errorf("%w: %s at version %d, expected %d", err, m.Key, current, m.ExpectVersion)
			}

			switch m.Op {
			case store.OpPut:
				e := m.Entity.Clone()
				e.Key = m.Key
				e.Version = current + 1
				if old != nil {
					e.Seq = old.Seq
				} else if e.Seq, err = bucket.NextSequence(); err != nil {
					return err
				}
				raw, err := json.Marshal(e)
				if err != nil {
					return err
				}
				if err := bucket.Put(id, raw); err != nil {
					return err
				}
			case store.OpDelete:
				if err := bucket.Delete(id); err != nil {
					return err
				}
			default:
				return fmt.Errorf("%w: unknown op %d", store.ErrInvalidEntity, m.Op)
			}
		}
		b.logger.Trace("applied", "partition", partition, "mutations", len(muts))
		return nil
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

func decodeEntity(raw []byte) (*store.Entity, error) {
	var e store.Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
