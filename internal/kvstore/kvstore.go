// Package kvstore wraps an embedded bbolt database as an ordered
// key-value store with prefix-bucketed, insertion-ordered iteration,
// used by the accounting package to snapshot the PPLNS share window.
package kvstore

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

// Store is an ordered embedded KV store. One bbolt bucket is created
// per prefix on first use; within a bucket, keys are an 8-byte
// big-endian monotonic counter so bbolt's native lexicographic key
// order already yields insertion order — no custom comparator hook is
// needed the way the original store's sorted-table backend used one.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open kvstore: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Entry is one row read back from a prefix scan, with its insertion
// counter exposed so callers can resume or truncate from a known point.
type Entry struct {
	Counter uint64
	Value   []byte
}

// Append writes value under prefix with the next ascending counter key
// and returns the counter assigned.
func (s *Store) Append(prefix string, value []byte) (uint64, error) {
	var counter uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(prefix))
		if err != nil {
			return err
		}
		counter, err = bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(encodeCounterKey(counter), value)
	})
	return counter, err
}

// ReplaceAll atomically clears prefix and rewrites it as the given
// ordered values, used to persist a compacted snapshot (e.g. the PPLNS
// window after eviction) without leaving stale entries behind.
func (s *Store) ReplaceAll(prefix string, values [][]byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(prefix)); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket([]byte(prefix))
		if err != nil {
			return err
		}
		for i, v := range values {
			if err := bucket.Put(encodeCounterKey(uint64(i)), v); err != nil {
				return err
			}
		}
		return bucket.SetSequence(uint64(len(values)))
	})
}

// ScanAll returns every entry under prefix in ascending insertion
// order. Returns an empty slice, not an error, for a prefix with no
// bucket yet.
func (s *Store) ScanAll(prefix string) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(prefix))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			entries = append(entries, Entry{Counter: decodeCounterKey(k), Value: append([]byte(nil), v...)})
			return nil
		})
	})
	return entries, err
}

func encodeCounterKey(counter uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, counter)
	return key
}

func decodeCounterKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
