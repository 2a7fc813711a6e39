package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrRecordNotFound is returned when no record exists for an address.
var ErrRecordNotFound = errors.New("report: record not found")

// Store persists audit records. PostgreSQL is the durable backend;
// MemoryStore serves tests and development.
type Store interface {
	// SaveRecord persists an immutable audit record.
	SaveRecord(ctx context.Context, rec *Record) error

	// GetRecord retrieves a record by its content address.
	GetRecord(ctx context.Context, addr string) (*Record, error)

	// ListRecent returns up to limit records, newest first.
	ListRecent(ctx context.Context, limit int) ([]Record, error)
}

// MemoryStore implements Store with in-memory state. Not suitable for
// production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	byAddr  map[string]*Record
	ordered []string // content addresses, oldest first
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAddr: make(map[string]*Record)}
}

func (s *MemoryStore) SaveRecord(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAddr[rec.ContentAddress]; ok {
		// Content-addressed: identical record already stored.
		return nil
	}

	// Store a copy to avoid external mutation.
	copy := *rec
	s.byAddr[rec.ContentAddress] = &copy
	s.ordered = append(s.ordered, rec.ContentAddress)
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, addr string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byAddr[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, addr)
	}
	copy := *rec
	return &copy, nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for i := len(s.ordered) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.byAddr[s.ordered[i]])
	}
	return out, nil
}
