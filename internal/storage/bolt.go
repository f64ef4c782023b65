// Package storage holds the chain store backends of the audit ledger.
package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/smarthealth/auditchain/internal/chain"
	bolt "go.etcd.io/bbolt"
)

var (
	BlocksBucket       = []byte("blocks")
	PatientIndexBucket = []byte("patient_index")
)

// BoltStore keeps the chain in a single bbolt file. Blocks are keyed by their
// big-endian index so cursor order is chain order.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{BlocksBucket, PatientIndexBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close(ctx context.Context) error {
	return s.db.Close()
}

func (s *BoltStore) Latest(ctx context.Context) (*chain.Block, error) {
	var latest *chain.Block

	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(BlocksBucket).Cursor().Last()
		if v == nil {
			return nil
		}
		b, err := decodeBoltBlock(v)
		if err != nil {
			return err
		}
		latest = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	return latest, nil
}

func (s *BoltStore) Insert(ctx context.Context, b *chain.Block) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BlocksBucket)

		key := indexKey(b.Index)
		if bucket.Get(key) != nil {
			return fmt.Errorf("%w: %d", chain.ErrDuplicateIndex, b.Index)
		}

		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to marshal block: %w", err)
		}
		if err := bucket.Put(key, data); err != nil {
			return err
		}

		if patientID := b.PatientID(); patientID != "" {
			return tx.Bucket(PatientIndexBucket).Put(patientKey(patientID, b.Index), key)
		}
		return nil
	})
}

func (s *BoltStore) Iterate(ctx context.Context, fn func(*chain.Block) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(BlocksBucket).Cursor()

		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := decodeBoltBlock(v)
			if err != nil {
				return err
			}
			if err := fn(b); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Find(ctx context.Context, filter chain.Filter) ([]*chain.Block, error) {
	blocks, err := s.match(ctx, filter)
	if err != nil {
		return nil, err
	}
	return filter.Page(blocks), nil
}

func (s *BoltStore) Count(ctx context.Context, filter chain.Filter) (int64, error) {
	blocks, err := s.match(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(blocks)), nil
}

func (s *BoltStore) ActionHistogram(ctx context.Context) (map[string]int64, error) {
	histogram := make(map[string]int64)

	err := s.Iterate(ctx, func(b *chain.Block) error {
		action := string(b.ActionType())
		if action == "" {
			action = "unknown"
		}
		histogram[action]++
		return nil
	})
	if err != nil {
		return nil, err
	}

	return histogram, nil
}

// Rewrite replaces the stored copy of block index with mutate's result without
// recomputing anything or touching the patient index. It exists for tamper
// drills and repair tooling; the ledger never calls it.
func (s *BoltStore) Rewrite(index int64, mutate func(b *chain.Block)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BlocksBucket)

		key := indexKey(index)
		v := bucket.Get(key)
		if v == nil {
			return fmt.Errorf("block not found: %d", index)
		}

		b, err := decodeBoltBlock(v)
		if err != nil {
			return err
		}
		mutate(b)

		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to marshal block: %w", err)
		}
		return bucket.Put(key, data)
	})
}

// Delete removes block index without relinking its neighbours. Like Rewrite it
// is only meant for tamper drills.
func (s *BoltStore) Delete(index int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BlocksBucket).Delete(indexKey(index))
	})
}

func (s *BoltStore) match(ctx context.Context, filter chain.Filter) ([]*chain.Block, error) {
	var blocks []*chain.Block

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BlocksBucket)

		visit := func(v []byte) error {
			b, err := decodeBoltBlock(v)
			if err != nil {
				return err
			}
			if filter.Match(b) {
				blocks = append(blocks, b)
			}
			return nil
		}

		if filter.PatientID == "" {
			return bucket.ForEach(func(k, v []byte) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return visit(v)
			})
		}

		prefix := patientPrefix(filter.PatientID)
		cursor := tx.Bucket(PatientIndexBucket).Cursor()
		for k, blockKey := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, blockKey = cursor.Next() {
			v := bucket.Get(blockKey)
			if v == nil {
				continue
			}
			if err := visit(v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(blocks, func(i, j int) bool {
		return chain.NewestFirst(blocks[i], blocks[j])
	})

	return blocks, nil
}

func decodeBoltBlock(v []byte) (*chain.Block, error) {
	var b chain.Block
	if err := json.Unmarshal(v, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	b.Timestamp = b.Timestamp.UTC()
	if b.Data == nil {
		b.Data = map[string]interface{}{}
	}
	return &b, nil
}

func indexKey(index int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}

func patientPrefix(patientID string) []byte {
	return append([]byte(patientID), 0)
}

func patientKey(patientID string, index int64) []byte {
	return append(patientPrefix(patientID), indexKey(index)...)
}
