// Package store provides optional cross-restart persistence for the room
// registry.
//
// The registry's in-memory map is always authoritative while the process is
// running; a RoomStore is a write-behind cache so that a restarted relay can
// recover rooms that have not yet expired. Two implementations are provided:
//
//   - memoryStore — in-memory only, used in tests and when no path is configured.
//   - boltStore   — embedded key-value store (bbolt), used when REDIS_URL names
//     a filesystem path.
package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Record is the persisted form of a room, independent of the registry's
// internal representation.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	Mode        string    `json:"mode"`
	Emojis      []string  `json:"emojis,omitempty"`
	FixedPIN    string    `json:"fixedPin,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// RoomStore persists room Records keyed by fingerprint. All implementations
// must be safe for concurrent use.
type RoomStore interface {
	// Load returns the record for fingerprint, if present.
	Load(fingerprint string) (Record, bool)

	// Save stores or overwrites the record for fingerprint.
	Save(rec Record) error

	// Delete removes the record for fingerprint. Deleting a record that
	// doesn't exist is not an error.
	Delete(fingerprint string) error

	// All returns every persisted record, for restart recovery.
	All() ([]Record, error)

	// Close releases any resources held by the store (e.g. file handles).
	Close() error
}

// --- memoryStore ---------------------------------------------------------

// memoryStore is a thread-safe in-memory RoomStore. Used in tests and as the
// default when no persistence path is configured.
type memoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns a RoomStore backed by a plain map.
func NewMemoryStore() RoomStore {
	return &memoryStore{records: make(map[string]Record)}
}

func (s *memoryStore) Load(fingerprint string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[fingerprint]
	return rec, ok
}

func (s *memoryStore) Save(rec Record) error {
	s.mu.Lock()
	s.records[rec.Fingerprint] = rec
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(fingerprint string) error {
	s.mu.Lock()
	delete(s.records, fingerprint)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) All() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memoryStore) Close() error { return nil }

// --- boltStore ------------------------------------------------------------

const roomsBucket = "rooms"

// boltStore is a RoomStore backed by an embedded bbolt database. Records
// survive process restarts. The database file is created at the given path
// if it does not exist.
type boltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the bbolt database at path and ensures the
// rooms bucket exists.
func NewBoltStore(path string) (RoomStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt db %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(roomsBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("store: create rooms bucket: %w", err)
	}

	return &boltStore{db: db}, nil
}

func (s *boltStore) Load(fingerprint string) (Record, bool) {
	var rec Record
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(roomsBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(fingerprint))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	return rec, found
}

func (s *boltStore) Save(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(roomsBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", roomsBucket)
		}
		return b.Put([]byte(rec.Fingerprint), data)
	})
}

func (s *boltStore) Delete(fingerprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(roomsBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(fingerprint))
	})
}

func (s *boltStore) All() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(roomsBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

// Open returns a bbolt-backed store if path is non-empty, or an in-memory
// store otherwise. path is the value of the relay's REDIS_URL setting,
// reinterpreted as a filesystem path for the embedded store rather than a
// network DSN — see the design notes for why.
func Open(path string) (RoomStore, error) {
	if path == "" {
		return NewMemoryStore(), nil
	}
	return NewBoltStore(path)
}
