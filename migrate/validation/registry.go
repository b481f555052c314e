package validation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/satishbabariya/schemaguard/migrate"
)

// Names of the built-in validators.
const (
	Connectivity        = "connectivity"
	TargetExists        = "target_exists"
	ForeignKeyIntegrity = "foreign_key_integrity"
	DependentViewsValid = "dependent_views_valid"
	IntentApplied       = "intent_applied"
	NoPendingLocks      = "no_pending_locks"
)

// Registry maps validator names to implementations. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewRegistry returns a registry holding the built-in validators.
func NewRegistry() *Registry {
	r := &Registry{validators: make(map[string]Validator)}
	for _, v := range builtins() {
		r.validators[v.Name()] = v
	}
	return r
}

// Register adds v. Names are unique; registering a taken name fails.
func (r *Registry) Register(v Validator) error {
	if v == nil || v.Name() == "" {
		return fmt.Errorf("validator must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.validators[v.Name()]; ok {
		return fmt.Errorf("validator %q already registered", v.Name())
	}
	r.validators[v.Name()] = v
	return nil
}

// Get returns the validator registered under name.
func (r *Registry) Get(name string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[name]
	return v, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.validators))
	for name := range r.validators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve looks up every validator a checkpoint names.
func (r *Registry) resolve(cp Checkpoint) ([]Validator, error) {
	out := make([]Validator, 0, len(cp.Validators))
	for _, name := range cp.Validators {
		v, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("checkpoint %s: unknown validator %q", cp.Label(), name)
		}
		out = append(out, v)
	}
	return out, nil
}

// DefaultCheckpoints returns the checkpoints the orchestrator runs when a
// request names none.
func DefaultCheckpoints(op migrate.Operation) []Checkpoint {
	pre := []string{Connectivity, TargetExists, NoPendingLocks}
	post := []string{IntentApplied, ForeignKeyIntegrity}
	if op.Kind.IsDestructive() || op.Kind.IsRename() {
		post = append(post, DependentViewsValid)
	}
	return []Checkpoint{
		{Name: "preflight", Stage: StagePre, Validators: pre, Required: true},
		{Name: "existing-integrity", Stage: StagePre, Validators: []string{ForeignKeyIntegrity}},
		{Name: "health", Stage: StageDuring, Validators: []string{Connectivity}},
		{Name: "verify", Stage: StagePost, Validators: post, Required: true},
	}
}
