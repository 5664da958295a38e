package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound is returned by stores for unknown or purged sessions.
var ErrNotFound = errors.New("session not found")

// Record is the persisted state of one session. Key is only populated on the
// way into a store; reads never return it.
type Record struct {
	SessionID    string
	UserID       string
	Address      common.Address
	NetworkIDs   []string
	CreatedAt    time.Time
	LastActiveAt time.Time
	Key          *ecdsa.PrivateKey
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.NetworkIDs = append([]string(nil), r.NetworkIDs...)
	out.Key = nil
	return &out
}

// Store holds session records and their signing keys.
type Store interface {
	// Put inserts a new record; the store takes ownership of rec.Key.
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, sessionID string) (*Record, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
	// WithKey runs fn with the session key. The key must not escape fn.
	WithKey(ctx context.Context, sessionID string, fn func(*ecdsa.PrivateKey) error) error
	// Delete removes the record and wipes its key. It reports whether a
	// record existed.
	Delete(ctx context.Context, sessionID string) (bool, error)
	// IdleSince lists sessions whose last activity is before cutoff.
	IdleSince(ctx context.Context, cutoff time.Time) ([]string, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

const shardCount = 16

type shard struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// MemoryStore is a lock-striped in-memory session table. Readers of one
// shard never wait for writers of another, and readers of the same shard
// share its read lock.
type MemoryStore struct {
	shards [shardCount]*shard
}

// NewMemoryStore creates an empty table.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*Record)}
	}
	return s
}

func (s *MemoryStore) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	if rec == nil || rec.SessionID == "" || rec.Key == nil {
		return errors.New("session record requires an id and a key")
	}
	sh := s.shardFor(rec.SessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.records[rec.SessionID]; exists {
		return errors.New("session already exists")
	}
	stored := *rec
	stored.NetworkIDs = append([]string(nil), rec.NetworkIDs...)
	sh.records[rec.SessionID] = &stored
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Record, error) {
	sh := s.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.records[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// Touch implements Store.
func (s *MemoryStore) Touch(_ context.Context, sessionID string, at time.Time) error {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	if at.After(rec.LastActiveAt) {
		rec.LastActiveAt = at
	}
	return nil
}

// WithKey implements Store. The shard read lock is held while fn runs so a
// concurrent Delete cannot wipe the key mid-signature.
func (s *MemoryStore) WithKey(_ context.Context, sessionID string, fn func(*ecdsa.PrivateKey) error) error {
	sh := s.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	return fn(rec.Key)
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) (bool, error) {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	rec, ok := sh.records[sessionID]
	if ok {
		delete(sh.records, sessionID)
	}
	sh.mu.Unlock()
	if ok {
		WipeKey(rec.Key)
		rec.Key = nil
	}
	return ok, nil
}

// IdleSince implements Store.
func (s *MemoryStore) IdleSince(_ context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id, rec := range sh.records {
			if rec.LastActiveAt.Before(cutoff) {
				ids = append(ids, id)
			}
		}
		sh.mu.RUnlock()
	}
	return ids, nil
}

// Len implements Store.
func (s *MemoryStore) Len(context.Context) (int, error) {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n, nil
}

// Close wipes every remaining key.
func (s *MemoryStore) Close() error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, rec := range sh.records {
			WipeKey(rec.Key)
			delete(sh.records, id)
		}
		sh.mu.Unlock()
	}
	return nil
}

// WipeKey overwrites the private scalar in place.
func WipeKey(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	words := key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	key.D.SetInt64(0)
}
