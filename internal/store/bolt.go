package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/roach88/entityflow/internal/ir"
)

const (
	bucketOutbox = "outbox"
	bucketIndex  = "outbox_index"
)

// BoltStore is the bbolt-backed offline outbox. Each entity has a nested
// bucket keyed by big-endian client sequence, so a cursor walk is already in
// replay order. bucketIndex maps op id to entity and key for Remove.
type BoltStore struct {
	db *bolt.DB
}

var _ Outbox = (*BoltStore)(nil)

type boltIndex struct {
	Entity string `json:"entity"`
	Key    []byte `json:"key"`
}

// OpenBolt creates or opens a bbolt database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketOutbox, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append persists a queued operation. Appending an op id that is already
// stored is a no-op.
func (s *BoltStore) Append(_ context.Context, op ir.QueuedOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	value, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("append %s: %w", op.OpID, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket([]byte(bucketIndex))
		if index.Get([]byte(op.OpID)) != nil {
			return nil
		}
		b, err := tx.Bucket([]byte(bucketOutbox)).CreateBucketIfNotExists([]byte(op.Entity))
		if err != nil {
			return err
		}
		key := outboxKey(op.ClientSeq, op.OpID)
		if err := b.Put(key, value); err != nil {
			return err
		}
		ref, err := json.Marshal(boltIndex{Entity: op.Entity, Key: key})
		if err != nil {
			return err
		}
		return index.Put([]byte(op.OpID), ref)
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", op.OpID, err)
	}
	return nil
}

// ListInOrder returns the queued operations of one entity by client
// sequence, then op id.
func (s *BoltStore) ListInOrder(_ context.Context, entity string) ([]ir.QueuedOperation, error) {
	ops := []ir.QueuedOperation{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOutbox)).Bucket([]byte(entity))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var op ir.QueuedOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("outbox key %x: %w", k, err)
			}
			if op.Payload == nil {
				op.Payload = ir.Object{}
			}
			ops = append(ops, op)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return ops, nil
}

// Remove deletes an operation. Removing an unknown op id is not an error.
func (s *BoltStore) Remove(_ context.Context, opID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket([]byte(bucketIndex))
		raw := index.Get([]byte(opID))
		if raw == nil {
			return nil
		}
		var ref boltIndex
		if err := json.Unmarshal(raw, &ref); err != nil {
			return err
		}
		if b := tx.Bucket([]byte(bucketOutbox)).Bucket([]byte(ref.Entity)); b != nil {
			if err := b.Delete(ref.Key); err != nil {
				return err
			}
		}
		return index.Delete([]byte(opID))
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", opID, err)
	}
	return nil
}

// outboxKey orders entries by sequence; the op id suffix keeps keys unique
// when two entries share a sequence.
func outboxKey(seq int64, opID string) []byte {
	key := make([]byte, 8, 8+len(opID))
	binary.BigEndian.PutUint64(key, uint64(seq))
	return append(key, opID...)
}
