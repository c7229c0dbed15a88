package mandate

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"lukechampine.com/blake3"
)

// NonceStore tracks mandate nonces across a sliding window so a captured
// mandate cannot be replayed.
type NonceStore interface {
	// Consume records the nonce for the scope. It returns false when the
	// nonce was already consumed inside the window.
	Consume(scope, nonce string, now time.Time) (bool, error)
	Close() error
}

func nonceKey(scope, nonce string) []byte {
	sum := blake3.Sum256([]byte(scope + "\x00" + nonce))
	return sum[:]
}

// LevelDBNonceStore persists consumed nonces in a LevelDB database so replay
// protection survives restarts.
type LevelDBNonceStore struct {
	db     *leveldb.DB
	window time.Duration

	mu      sync.Mutex
	writes  int
	gcEvery int
}

// OpenNonceStore opens (or creates) the nonce database at path.
func OpenNonceStore(path string, window time.Duration) (*LevelDBNonceStore, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("mandate: open nonce store: %w", err)
	}
	return &LevelDBNonceStore{db: db, window: window, gcEvery: 4096}, nil
}

// Consume implements NonceStore.
func (s *LevelDBNonceStore) Consume(scope, nonce string, now time.Time) (bool, error) {
	key := nonceKey(scope, nonce)
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.db.Get(key, nil)
	switch {
	case err == nil:
		expiry := time.Unix(int64(binary.BigEndian.Uint64(raw)), 0)
		if now.Before(expiry) {
			return false, nil
		}
	case err != leveldb.ErrNotFound:
		return false, fmt.Errorf("mandate: read nonce: %w", err)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(now.Add(s.window).Unix()))
	if err := s.db.Put(key, buf[:], nil); err != nil {
		return false, fmt.Errorf("mandate: record nonce: %w", err)
	}
	s.writes++
	if s.writes >= s.gcEvery {
		s.writes = 0
		s.gcLocked(now)
	}
	return true, nil
}

// gcLocked drops entries whose window has elapsed.
func (s *LevelDBNonceStore) gcLocked(now time.Time) {
	iter := s.db.NewIterator(&util.Range{}, nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		if len(iter.Value()) != 8 {
			continue
		}
		expiry := time.Unix(int64(binary.BigEndian.Uint64(iter.Value())), 0)
		if now.After(expiry) {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if batch.Len() > 0 {
		_ = s.db.Write(batch, nil)
	}
}

// Close releases the database handle.
func (s *LevelDBNonceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MemoryNonceStore is an in-process NonceStore for tests and dev runs.
type MemoryNonceStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
}

// NewMemoryNonceStore constructs an empty in-memory store.
func NewMemoryNonceStore(window time.Duration) *MemoryNonceStore {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &MemoryNonceStore{seen: make(map[string]time.Time), window: window}
}

// Consume implements NonceStore.
func (s *MemoryNonceStore) Consume(scope, nonce string, now time.Time) (bool, error) {
	key := string(nonceKey(scope, nonce))
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiry, ok := s.seen[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.seen[key] = now.Add(s.window)
	return true, nil
}

// Close implements NonceStore.
func (s *MemoryNonceStore) Close() error { return nil }
