package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satishbabariya/schemaguard/internal/audit"
	"github.com/satishbabariya/schemaguard/internal/telemetry"
	"github.com/satishbabariya/schemaguard/migrate"
)

// Defaults applied when AcquireOptions leave a field zero.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultTTL          = 15 * time.Minute
	DefaultReapInterval = 5 * time.Second
)

// Audit operation names.
const (
	AuditAcquire = "lock.acquire"
	AuditRelease = "lock.release"
	AuditExpire  = "lock.expire"
)

// AcquireOptions tune one acquisition.
type AcquireOptions struct {
	// Timeout bounds the wait. Zero uses the manager default.
	Timeout time.Duration
	// TTL bounds how long the lock is held. Zero uses the manager default;
	// a negative TTL holds the lock until released.
	TTL time.Duration
	// Holder is stored with the lock and reported to waiters.
	Holder map[string]string
	// FailFast returns a timeout error at the first conflict instead of
	// waiting.
	FailFast bool
}

// Manager is the lock registry. It owns the locks it handed out, expires
// them when their TTL runs out and wakes local waiters on release.
type Manager struct {
	store   Store
	logger  *zap.Logger
	metrics *telemetry.Metrics
	audit   *audit.Recorder
	clock   func() time.Time

	defaultTimeout time.Duration
	defaultTTL     time.Duration
	reapInterval   time.Duration
	pollMin        time.Duration
	pollMax        time.Duration

	mu       sync.Mutex
	held     map[string]*Lock
	released chan struct{}
	closed   bool
	started  bool

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records acquisitions, waits and releases.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithAudit records every acquire, release and expiry.
func WithAudit(r *audit.Recorder) Option {
	return func(m *Manager) { m.audit = r }
}

// WithClock overrides the time source used for TTLs.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithDefaults sets the timeout and TTL used when a request leaves them zero.
func WithDefaults(timeout, ttl time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.defaultTimeout = timeout
		}
		if ttl != 0 {
			m.defaultTTL = ttl
		}
	}
}

// WithReapInterval sets how often expired locks are reaped.
func WithReapInterval(d time.Duration) Option {
	return func(m *Manager) { m.reapInterval = d }
}

// WithPollInterval bounds the backoff between attempts on a contended key.
func WithPollInterval(lo, hi time.Duration) Option {
	return func(m *Manager) {
		m.pollMin = lo
		m.pollMax = hi
	}
}

// NewManager creates a registry over store. A nil store uses a MemoryStore.
func NewManager(store Store, opts ...Option) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		store:          store,
		logger:         zap.NewNop(),
		clock:          time.Now,
		defaultTimeout: DefaultTimeout,
		defaultTTL:     DefaultTTL,
		reapInterval:   DefaultReapInterval,
		pollMin:        10 * time.Millisecond,
		pollMax:        500 * time.Millisecond,
		held:           make(map[string]*Lock),
		released:       make(chan struct{}),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("lock")
	if ms, ok := store.(*MemoryStore); ok {
		ms.mu.Lock()
		ms.clock = m.clock
		ms.mu.Unlock()
	}
	return m
}

// Start launches the TTL reaper. It stops when ctx is done or on Close.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.started {
		return errors.New("lock manager already started")
	}
	m.started = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.reap(context.WithoutCancel(ctx))
			}
		}
	}()
	m.logger.Debug("lock manager started", zap.Duration("reap_interval", m.reapInterval))
	return nil
}

// Close stops the reaper, releases every lock still held and closes the
// store. It is safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		held := make([]*Lock, 0, len(m.held))
		for _, l := range m.held {
			held = append(held, l)
		}
		m.mu.Unlock()

		close(m.stop)
		m.wg.Wait()

		var errs []error
		for _, l := range held {
			if err := m.Release(context.Background(), l); err != nil && !errors.Is(err, ErrLockNotHeld) {
				errs = append(errs, err)
			}
		}
		if err := m.store.Close(); err != nil {
			errs = append(errs, err)
		}
		m.broadcast()
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

// Acquire takes the lock for (scope, key), waiting up to the timeout.
// A timeout returns *migrate.LockTimeoutError; ctx cancellation returns
// the context error.
func (m *Manager) Acquire(ctx context.Context, scope Scope, key string, opts AcquireOptions) (*Lock, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	holder := make(map[string]string, len(opts.Holder))
	for k, v := range opts.Holder {
		holder[k] = v
	}

	l := &Lock{
		ID:          uuid.NewString(),
		Scope:       scope,
		ResourceKey: key,
		TTL:         ttl,
		Holder:      holder,
		state:       StateRequested,
	}
	resource := l.Key()
	logger := m.logger.With(zap.String("scope", string(scope)), zap.String("resource_key", key), zap.String("lock_id", l.ID))

	began := time.Now()
	deadline := m.clock().Add(timeout)
	for attempt := 0; ; attempt++ {
		wake, closed := m.waiter()
		if closed {
			return nil, ErrManagerClosed
		}

		l.AcquiredAt = m.clock()
		ok, err := m.store.TryRegister(ctx, l)
		if err == nil && ok {
			ok, err = m.claimUncovered(ctx, l)
		}
		if err != nil {
			m.metrics.LockAcquired(string(scope), "error", time.Since(began))
			m.audit.Record(ctx, AuditAcquire, resource, audit.OutcomeFailed, map[string]string{"lock_id": l.ID, "error": err.Error()})
			return nil, err
		}
		if ok {
			l.setState(StateHeld)
			m.mu.Lock()
			m.held[l.ID] = l
			m.mu.Unlock()

			wait := time.Since(began)
			m.metrics.LockAcquired(string(scope), "acquired", wait)
			m.audit.Record(ctx, AuditAcquire, resource, audit.OutcomeSucceeded, map[string]string{
				"lock_id": l.ID,
				"wait":    wait.String(),
				"ttl":     ttl.String(),
			})
			logger.Info("lock acquired", zap.Duration("wait", wait), zap.Int("attempts", attempt+1))
			return l, nil
		}

		remaining := deadline.Sub(m.clock())
		if opts.FailFast || remaining <= 0 {
			waited := timeout
			if opts.FailFast {
				waited = 0
			}
			return nil, m.timedOut(ctx, l, waited, time.Since(began))
		}

		delay := m.backoff(attempt)
		if delay > remaining {
			delay = remaining
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.metrics.LockAcquired(string(scope), "canceled", time.Since(began))
			m.audit.Record(ctx, AuditAcquire, resource, audit.OutcomeSkipped, map[string]string{"lock_id": l.ID, "reason": ctx.Err().Error()})
			return nil, fmt.Errorf("acquire %s lock on %q: %w", scope, key, ctx.Err())
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Manager) timedOut(ctx context.Context, l *Lock, timeout, waited time.Duration) error {
	holder := m.holderOf(ctx, l)
	m.metrics.LockAcquired(string(l.Scope), "timeout", waited)
	details := map[string]string{"lock_id": l.ID, "timeout": timeout.String()}
	if owner := holder["owner"]; owner != "" {
		details["held_by"] = owner
	}
	m.audit.Record(ctx, AuditAcquire, l.Key(), audit.OutcomeDenied, details)
	m.logger.Warn("lock acquisition timed out",
		zap.String("scope", string(l.Scope)),
		zap.String("resource_key", l.ResourceKey),
		zap.Duration("timeout", timeout),
	)
	return &migrate.LockTimeoutError{
		Scope:       string(l.Scope),
		ResourceKey: l.ResourceKey,
		Timeout:     timeout,
		Holder:      holder,
	}
}

// claimUncovered runs after l's own key was registered. If a live lock of
// another scope spans the same resource, l's key is given back and the
// attempt counts as contended. Two racing holders may both back off; the
// jittered retry settles it.
func (m *Manager) claimUncovered(ctx context.Context, l *Lock) (bool, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		_, _ = m.store.Unregister(ctx, l)
		return false, fmt.Errorf("list locks for %s: %w", l.Key(), err)
	}
	now := m.clock()
	for _, r := range recs {
		if r.ID == l.ID || r.Expired(now) || r.Scope == l.Scope || !r.Overlaps(l.Scope, l.ResourceKey) {
			continue
		}
		if _, err := m.store.Unregister(ctx, l); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// holderOf returns the holder metadata of the lock blocking l.
func (m *Manager) holderOf(ctx context.Context, l *Lock) map[string]string {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil
	}
	now := m.clock()
	for _, r := range recs {
		if r.ID != l.ID && !r.Expired(now) && r.Overlaps(l.Scope, l.ResourceKey) {
			return r.Holder
		}
	}
	return nil
}

// backoff doubles from pollMin up to pollMax with full jitter on top of
// the lower half.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.pollMin << min(attempt, 16)
	if d <= 0 || d > m.pollMax {
		d = m.pollMax
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}

// Release gives the lock back. Releasing a lock that was already released
// or has expired returns ErrLockNotHeld.
func (m *Manager) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return ErrLockNotHeld
	}
	if !l.transition(StateHeld, StateReleased) {
		return fmt.Errorf("%w: %s is %s", ErrLockNotHeld, l.ID, l.State())
	}
	m.mu.Lock()
	delete(m.held, l.ID)
	m.mu.Unlock()
	defer m.broadcast()

	ok, err := m.store.Unregister(ctx, l)
	m.metrics.LockReleased()
	held := m.clock().Sub(l.AcquiredAt)
	if err != nil {
		m.audit.Record(ctx, AuditRelease, l.Key(), audit.OutcomeFailed, map[string]string{"lock_id": l.ID, "error": err.Error()})
		return err
	}
	if !ok {
		// Another holder took over after our TTL ran out in the store.
		m.audit.Record(ctx, AuditRelease, l.Key(), audit.OutcomeExpired, map[string]string{"lock_id": l.ID})
		return fmt.Errorf("%w: %s expired in the store", ErrLockNotHeld, l.ID)
	}
	m.audit.Record(ctx, AuditRelease, l.Key(), audit.OutcomeSucceeded, map[string]string{"lock_id": l.ID, "held": held.String()})
	m.logger.Info("lock released", zap.String("lock_id", l.ID), zap.Duration("held", held))
	return nil
}

// ListActive returns the live locks known to the store.
func (m *Manager) ListActive(ctx context.Context) ([]Record, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := m.clock()
	out := recs[:0]
	for _, r := range recs {
		if !r.Expired(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Renew restarts l's TTL from now. A lock that expired or was released
// returns ErrLockNotHeld.
func (m *Manager) Renew(ctx context.Context, l *Lock) error {
	if l == nil || l.State() != StateHeld {
		return ErrLockNotHeld
	}
	prev := l.RenewedAt()
	l.renew(m.clock())
	ok, err := m.store.Renew(ctx, l)
	if err != nil {
		l.renew(prev)
		return fmt.Errorf("renew %s: %w", l.Key(), err)
	}
	if !ok {
		l.renew(prev)
		return fmt.Errorf("%w: %s expired in the store", ErrLockNotHeld, l.ID)
	}
	m.logger.Debug("lock renewed", zap.String("lock_id", l.ID), zap.Time("expires_at", l.ExpiresAt()))
	return nil
}

// WithLock runs fn while holding the lock for (scope, key). The lock is
// renewed every third of its TTL for as long as fn runs, and released when
// fn returns or panics, even if ctx was canceled meanwhile. If a renewal
// finds the lock lost, fn's context is canceled with ErrLockNotHeld.
func (m *Manager) WithLock(ctx context.Context, scope Scope, key string, opts AcquireOptions, fn func(context.Context, *Lock) error) (err error) {
	l, err := m.Acquire(ctx, scope, key, opts)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.Release(context.WithoutCancel(ctx), l); rerr != nil {
			m.logger.Warn("release after use failed", zap.String("lock_id", l.ID), zap.Error(rerr))
			if err == nil && !errors.Is(rerr, ErrLockNotHeld) {
				err = rerr
			}
		}
	}()

	fnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if every := l.TTL / 3; every > 0 {
		done := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.keepAlive(fnCtx, l, every, done, cancel)
		}()
		defer func() {
			close(done)
			wg.Wait()
		}()
	}
	return fn(fnCtx, l)
}

func (m *Manager) keepAlive(ctx context.Context, l *Lock, every time.Duration, done <-chan struct{}, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.Renew(context.WithoutCancel(ctx), l)
			if err == nil {
				continue
			}
			m.logger.Warn("lock renewal failed", zap.String("lock_id", l.ID), zap.Error(err))
			if errors.Is(err, ErrLockNotHeld) {
				cancel(err)
				return
			}
		}
	}
}

// reap expires the locks this manager handed out whose TTL has run out.
func (m *Manager) reap(ctx context.Context) int {
	now := m.clock()
	m.mu.Lock()
	var expired []*Lock
	for id, l := range m.held {
		if exp := l.ExpiresAt(); !exp.IsZero() && !now.Before(exp) {
			expired = append(expired, l)
			delete(m.held, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, l := range expired {
		if !l.transition(StateHeld, StateExpired) {
			continue
		}
		n++
		if _, err := m.store.Unregister(ctx, l); err != nil {
			m.logger.Warn("failed to remove expired lock", zap.String("lock_id", l.ID), zap.Error(err))
		}
		m.metrics.LockReleased()
		m.metrics.LockAcquired(string(l.Scope), "expired", 0)
		m.audit.Record(ctx, AuditExpire, l.Key(), audit.OutcomeExpired, map[string]string{
			"lock_id": l.ID,
			"ttl":     l.TTL.String(),
		})
		m.logger.Warn("lock expired", zap.String("lock_id", l.ID), zap.String("resource_key", l.ResourceKey))
	}
	if n > 0 {
		m.broadcast()
	}
	return n
}

func (m *Manager) waiter() (<-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released, m.closed
}

func (m *Manager) broadcast() {
	m.mu.Lock()
	close(m.released)
	m.released = make(chan struct{})
	m.mu.Unlock()
}
