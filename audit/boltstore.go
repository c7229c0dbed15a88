package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketIndex   = []byte("index")
)

// BoltStore persists the audit trail in a BoltDB file. Entries are keyed by
// big-endian position so iteration order is insertion order.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore initialises (and migrates) the BoltDB-backed audit store.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit: open store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntries, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: migrate store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func positionKey(position uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], position)
	return key[:]
}

// Append implements Store.
func (s *BoltStore) Append(_ context.Context, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: encode entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		key := positionKey(entry.Position)
		if entries.Get(key) != nil {
			return fmt.Errorf("audit: position %d already written", entry.Position)
		}
		if err := entries.Put(key, raw); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put([]byte(entry.EntryID), key)
	})
}

// Get implements Store.
func (s *BoltStore) Get(_ context.Context, entryID string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketIndex).Get([]byte(entryID))
		if key == nil {
			return ErrNotFound
		}
		raw := tx.Bucket(bucketEntries).Get(key)
		if raw == nil {
			return ErrNotFound
		}
		entry = new(Entry)
		return json.Unmarshal(raw, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ByPosition implements Store.
func (s *BoltStore) ByPosition(_ context.Context, position uint64) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get(positionKey(position))
		if raw == nil {
			return ErrNotFound
		}
		entry = new(Entry)
		return json.Unmarshal(raw, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Count implements Store.
func (s *BoltStore) Count(_ context.Context) (uint64, error) {
	var count uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		count = uint64(tx.Bucket(bucketEntries).Stats().KeyN)
		return nil
	})
	return count, err
}

// Walk implements Store.
func (s *BoltStore) Walk(ctx context.Context, fn func(*Entry) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketEntries).Cursor()
		for key, raw := cursor.First(); key != nil; key, raw = cursor.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry := new(Entry)
			if err := json.Unmarshal(raw, entry); err != nil {
				return fmt.Errorf("audit: decode entry at %x: %w", key, err)
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying Bolt database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
