package lock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the shared lock table. TryRegister claims the lock's key unless
// another live holder has it; Renew and Unregister act only if the token
// still matches.
type Store interface {
	TryRegister(ctx context.Context, l *Lock) (bool, error)
	Renew(ctx context.Context, l *Lock) (bool, error)
	Unregister(ctx context.Context, l *Lock) (bool, error)
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// MemoryStore is a process-local lock table.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Record
	clock   func() time.Time
}

// NewMemoryStore creates an empty lock table.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Record), clock: time.Now}
}

// TryRegister claims l's key. An expired holder is replaced.
func (s *MemoryStore) TryRegister(_ context.Context, l *Lock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := l.Key()
	if cur, ok := s.entries[key]; ok && !cur.Expired(s.clock()) {
		return false, nil
	}
	rec := l.Record()
	rec.State = StateHeld
	s.entries[key] = rec
	return true, nil
}

// Renew moves the expiry of l's entry to l.ExpiresAt. An entry that
// expired or changed hands is not revived.
func (s *MemoryStore) Renew(_ context.Context, l *Lock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := l.Key()
	cur, ok := s.entries[key]
	if !ok || cur.ID != l.Token() || cur.Expired(s.clock()) {
		return false, nil
	}
	cur.RenewedAt = l.RenewedAt()
	s.entries[key] = cur
	return true, nil
}

// Unregister removes l if it is still the registered holder.
func (s *MemoryStore) Unregister(_ context.Context, l *Lock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := l.Key()
	cur, ok := s.entries[key]
	if !ok || cur.ID != l.Token() {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// List returns the live entries ordered by acquisition time.
func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	out := make([]Record, 0, len(s.entries))
	for _, rec := range s.entries {
		if !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].AcquiredAt.Equal(recs[j].AcquiredAt) {
			return recs[i].AcquiredAt.Before(recs[j].AcquiredAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
