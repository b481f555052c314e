package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

// PostgresStore backs locks with session advisory locks. Each held lock
// pins one pooled connection until it is released, so the server drops
// the lock if this process dies. TTLs are enforced by the manager's
// reaper only.
type PostgresStore struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[string]*sql.Conn
	held  map[string]Record
}

// NewPostgresStore creates a store on db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, conns: make(map[string]*sql.Conn), held: make(map[string]Record)}
}

// AdvisoryKey maps a lock key onto the advisory lock keyspace.
func AdvisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}

// TryRegister takes pg_try_advisory_lock on a dedicated connection.
func (s *PostgresStore) TryRegister(ctx context.Context, l *Lock) (bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres lock: connection for %s: %w", l.Key(), err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, AdvisoryKey(l.Key())).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("postgres lock: try %s: %w", l.Key(), err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	rec := l.Record()
	rec.State = StateHeld
	s.mu.Lock()
	s.conns[l.Token()] = conn
	s.held[l.Token()] = rec
	s.mu.Unlock()
	return true, nil
}

// Renew updates the listed record. The advisory lock itself lives as long
// as its connection.
func (s *PostgresStore) Renew(_ context.Context, l *Lock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.held[l.Token()]
	if !ok {
		return false, nil
	}
	rec.RenewedAt = l.RenewedAt()
	s.held[l.Token()] = rec
	return true, nil
}

// Unregister unlocks on the connection that took the lock.
func (s *PostgresStore) Unregister(ctx context.Context, l *Lock) (bool, error) {
	s.mu.Lock()
	conn, ok := s.conns[l.Token()]
	delete(s.conns, l.Token())
	delete(s.held, l.Token())
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, AdvisoryKey(l.Key())).Scan(&released); err != nil {
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		return false, fmt.Errorf("postgres lock: unlock %s: %w", l.Key(), err)
	}
	return released, nil
}

// List returns the locks held through this store. Advisory locks carry no
// metadata, so holders in other processes are not visible.
func (s *PostgresStore) List(context.Context) ([]Record, error) {
	s.mu.Lock()
	out := make([]Record, 0, len(s.held))
	for _, rec := range s.held {
		out = append(out, rec)
	}
	s.mu.Unlock()
	sortRecords(out)
	return out, nil
}

// Close releases every advisory lock still held through this store.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for token, conn := range s.conns {
		// Closing a sql.Conn returns the session to the pool with its locks.
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock_all()`); err != nil {
			errs = append(errs, err)
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		conn.Close()
		delete(s.conns, token)
		delete(s.held, token)
	}
	return errors.Join(errs...)
}
