// Package lock serializes schema changes. A Manager hands out at most one
// active lock per (scope, resource key); the lock table itself lives in a
// Store, which may be local memory, Redis or Postgres advisory locks.
package lock

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/satishbabariya/schemaguard/migrate"
)

var (
	// ErrLockNotHeld is returned when releasing a lock that is no longer held.
	ErrLockNotHeld = errors.New("lock not held")
	// ErrManagerClosed is returned by a manager after Close.
	ErrManagerClosed = errors.New("lock manager closed")
)

// Scope is the kind of change a lock protects.
type Scope string

const (
	ScopeSchema Scope = "schema_modification"
	ScopeTable  Scope = "table_modification"
	ScopeData   Scope = "data_modification"
)

// ParseScope accepts a scope name.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(strings.ToLower(strings.TrimSpace(s))); sc {
	case ScopeSchema, ScopeTable, ScopeData:
		return sc, nil
	default:
		return "", fmt.Errorf("unknown lock scope %q", s)
	}
}

// State is the lifecycle state of a lock.
type State string

const (
	StateRequested State = "REQUESTED"
	StateHeld      State = "HELD"
	StateReleased  State = "RELEASED"
	StateExpired   State = "EXPIRED"
)

// Lock is a lock handed out by a Manager.
type Lock struct {
	ID          string
	Scope       Scope
	ResourceKey string
	AcquiredAt  time.Time
	TTL         time.Duration
	Holder      map[string]string

	mu      sync.Mutex
	state   State
	renewed time.Time
}

// State returns the current lifecycle state.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lock) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// transition moves the lock from one state to another and reports whether
// it was in the expected state.
func (l *Lock) transition(from, to State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != from {
		return false
	}
	l.state = to
	return true
}

// ExpiresAt returns when the TTL runs out, counted from the last renewal;
// zero for locks without a TTL.
func (l *Lock) ExpiresAt() time.Time {
	if l.TTL <= 0 {
		return time.Time{}
	}
	return l.RenewedAt().Add(l.TTL)
}

// RenewedAt returns when the TTL was last extended, or AcquiredAt if never.
func (l *Lock) RenewedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.renewed.IsZero() {
		return l.AcquiredAt
	}
	return l.renewed
}

func (l *Lock) renew(at time.Time) {
	l.mu.Lock()
	l.renewed = at
	l.mu.Unlock()
}

// Token identifies this holder to the store.
func (l *Lock) Token() string { return l.ID }

// Key is the store key of the lock.
func (l *Lock) Key() string { return Key(l.Scope, l.ResourceKey) }

// Record returns the serializable view of the lock.
func (l *Lock) Record() Record {
	holder := make(map[string]string, len(l.Holder))
	for k, v := range l.Holder {
		holder[k] = v
	}
	return Record{
		ID:          l.ID,
		Scope:       l.Scope,
		ResourceKey: l.ResourceKey,
		AcquiredAt:  l.AcquiredAt,
		RenewedAt:   l.RenewedAt(),
		TTL:         l.TTL,
		Holder:      holder,
		State:       l.State(),
	}
}

// Record is a lock as stored and listed.
type Record struct {
	ID          string            `json:"lock_id"`
	Scope       Scope             `json:"scope"`
	ResourceKey string            `json:"resource_key"`
	AcquiredAt  time.Time         `json:"acquired_at"`
	RenewedAt   time.Time         `json:"renewed_at"`
	TTL         time.Duration     `json:"ttl"`
	Holder      map[string]string `json:"holder_metadata,omitempty"`
	State       State             `json:"state"`
}

// ExpiresAt returns when the TTL runs out; zero without a TTL.
func (r Record) ExpiresAt() time.Time {
	if r.TTL <= 0 {
		return time.Time{}
	}
	if r.RenewedAt.After(r.AcquiredAt) {
		return r.RenewedAt.Add(r.TTL)
	}
	return r.AcquiredAt.Add(r.TTL)
}

// Expired reports whether the record's TTL has run out at now.
func (r Record) Expired(now time.Time) bool {
	exp := r.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// Overlaps reports whether the lock blocks another one on (scope, key)
// beyond an exact key match: a schema lock spans the table and data locks
// of every table in that schema.
func (r Record) Overlaps(scope Scope, key string) bool {
	switch {
	case r.Scope == ScopeSchema && scope != ScopeSchema:
		return strings.EqualFold(r.ResourceKey, SchemaOf(key))
	case scope == ScopeSchema && r.Scope != ScopeSchema:
		return strings.EqualFold(key, SchemaOf(r.ResourceKey))
	default:
		return Key(r.Scope, r.ResourceKey) == Key(scope, key)
	}
}

// SchemaOf returns the schema part of a "schema.table" resource key.
func SchemaOf(key string) string {
	schema, _, _ := strings.Cut(key, ".")
	return schema
}

// Key joins scope and resource key into the store key.
func Key(scope Scope, resourceKey string) string {
	return string(scope) + ":" + strings.ToLower(resourceKey)
}

// ScopeMetadataKey in Operation.Metadata overrides the derived scope, e.g.
// for data backfills.
const ScopeMetadataKey = "lock_scope"

const defaultSchema = "default"

// ResourceKeyFor derives the lock an operation needs. Table level DDL
// locks the table, operations that create or remove tables lock the
// schema.
func ResourceKeyFor(op migrate.Operation) (Scope, string) {
	schema := op.Target.Schema
	if schema == "" {
		schema = defaultSchema
	}
	table := op.Target.TableName()

	if s, err := ParseScope(op.Metadata[ScopeMetadataKey]); err == nil {
		if s == ScopeSchema {
			return s, schema
		}
		return s, schema + "." + table
	}

	switch op.Kind {
	case migrate.OpCreateTable, migrate.OpDropTable, migrate.OpRenameTable:
		return ScopeSchema, schema
	default:
		return ScopeTable, schema + "." + table
	}
}
