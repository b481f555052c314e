package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/schemaguard/internal/audit"
	"github.com/satishbabariya/schemaguard/internal/telemetry"
	"github.com/satishbabariya/schemaguard/migrate"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithPollInterval(time.Millisecond, 5*time.Millisecond)}, opts...)
	m := NewManager(NewMemoryStore(), opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	sink := audit.NewMemorySink()
	m := newManager(t, WithAudit(audit.NewRecorder(sink, "tester")))

	l, err := m.Acquire(ctx, ScopeTable, "public.orders", AcquireOptions{Holder: map[string]string{"owner": "alice"}})
	require.NoError(t, err)
	assert.Equal(t, StateHeld, l.State())
	assert.Equal(t, DefaultTTL, l.TTL)
	assert.Equal(t, l.AcquiredAt.Add(DefaultTTL), l.ExpiresAt())

	active, err := m.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, l.ID, active[0].ID)
	assert.Equal(t, "alice", active[0].Holder["owner"])
	assert.Equal(t, StateHeld, active[0].State)

	require.NoError(t, m.Release(ctx, l))
	assert.Equal(t, StateReleased, l.State())
	assert.ErrorIs(t, m.Release(ctx, l), ErrLockNotHeld)

	active, err = m.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.Len(t, sink.Filter(AuditAcquire), 1)
	require.Len(t, sink.Filter(AuditRelease), 1)
	assert.Equal(t, audit.OutcomeSucceeded, sink.Filter(AuditRelease)[0].Outcome)
	assert.Equal(t, "table_modification:public.orders", sink.Filter(AuditAcquire)[0].Resource)
	assert.Equal(t, "tester", sink.Filter(AuditAcquire)[0].Actor)
}

func TestDifferentKeysDoNotConflict(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	a, err := m.Acquire(ctx, ScopeTable, "public.orders", AcquireOptions{FailFast: true})
	require.NoError(t, err)
	b, err := m.Acquire(ctx, ScopeTable, "public.customers", AcquireOptions{FailFast: true})
	require.NoError(t, err)
	c, err := m.Acquire(ctx, ScopeData, "public.orders", AcquireOptions{FailFast: true})
	require.NoError(t, err)

	for _, l := range []*Lock{a, b, c} {
		require.NoError(t, m.Release(ctx, l))
	}
}

func TestMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	var inside, maxInside, done int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, ScopeSchema, "public", AcquireOptions{Timeout: 10 * time.Second}, func(context.Context, *Lock) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&done, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, int32(16), done)
}

func TestAcquireTimesOut(t *testing.T) {
	ctx := context.Background()
	sink := audit.NewMemorySink()
	m := newManager(t, WithAudit(audit.NewRecorder(sink, "")))

	held, err := m.Acquire(ctx, ScopeTable, "public.orders", AcquireOptions{Holder: map[string]string{"owner": "run-1"}})
	require.NoError(t, err)

	began := time.Now()
	_, err = m.Acquire(ctx, ScopeTable, "PUBLIC.ORDERS", AcquireOptions{Timeout: 30 * time.Millisecond})
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(began), 30*time.Millisecond)
	assert.True(t, migrate.IsRetryable(err))

	var timeoutErr *migrate.LockTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "run-1", timeoutErr.Holder["owner"])
	assert.Equal(t, 30*time.Millisecond, timeoutErr.Timeout)
	assert.Contains(t, err.Error(), "held by run-1")

	denied := sink.Filter(AuditAcquire)
	require.Len(t, denied, 2)
	assert.Equal(t, audit.OutcomeDenied, denied[1].Outcome)

	require.NoError(t, m.Release(ctx, held))
}

func TestFailFast(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	held, err := m.Acquire(ctx, ScopeTable, "t", AcquireOptions{})
	require.NoError(t, err)
	defer m.Release(ctx, held)

	began := time.Now()
	_, err = m.Acquire(ctx, ScopeTable, "t", AcquireOptions{Timeout: time.Minute, FailFast: true})
	assert.ErrorIs(t, err, migrate.ErrLockTimeout)
	assert.Less(t, time.Since(began), time.Second)
}

func TestReleaseWakesWaiter(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), WithPollInterval(time.Second, time.Second))
	t.Cleanup(func() { _ = m.Close() })

	held, err := m.Acquire(ctx, ScopeTable, "t", AcquireOptions{})
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		l, err := m.Acquire(ctx, ScopeTable, "t", AcquireOptions{Timeout: 5 * time.Second})
		if err == nil {
			err = m.Release(ctx, l)
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	began := time.Now()
	require.NoError(t, m.Release(ctx, held))
	select {
	case err := <-got:
		require.NoError(t, err)
		assert.Less(t, time.Since(began), 500*time.Millisecond, "waiter should not sit out the poll interval")
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestAcquireHonorsCancellation(t *testing.T) {
	m := newManager(t)
	held, err := m.Acquire(context.Background(), ScopeTable, "t", AcquireOptions{})
	require.NoError(t, err)
	defer m.Release(context.Background(), held)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, ScopeTable, "t", AcquireOptions{Timeout: time.Minute})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, migrate.ErrLockTimeout))
}

func TestReapExpiresLocks(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sink := audit.NewMemorySink()
	reg := prometheus.NewRegistry()
	m := newManager(t,
		WithClock(clock.Now),
		WithAudit(audit.NewRecorder(sink, "")),
		WithMetrics(telemetry.NewMetrics(reg)),
	)

	short, err := m.Acquire(ctx, ScopeTable, "a", AcquireOptions{TTL: time.Minute})
	require.NoError(t, err)
	forever, err := m.Acquire(ctx, ScopeTable, "b", AcquireOptions{TTL: -1})
	require.NoError(t, err)
	assert.True(t, forever.ExpiresAt().IsZero())

	assert.Zero(t, m.reap(ctx))
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.reap(ctx))
	assert.Equal(t, StateExpired, short.State())
	assert.Equal(t, StateHeld, forever.State())
	assert.ErrorIs(t, m.Release(ctx, short), ErrLockNotHeld)

	require.Len(t, sink.Filter(AuditExpire), 1)
	assert.Equal(t, audit.OutcomeExpired, sink.Filter(AuditExpire)[0].Outcome)

	again, err := m.Acquire(ctx, ScopeTable, "a", AcquireOptions{FailFast: true})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, again))
	require.NoError(t, m.Release(ctx, forever))

	expected := `
# HELP schemaguard_locks_active Locks currently held by this process
# TYPE schemaguard_locks_active gauge
schemaguard_locks_active 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "schemaguard_locks_active"))
}

func TestMemoryStoreReplacesExpiredHolder(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newManager(t, WithClock(clock.Now))

	first, err := m.Acquire(ctx, ScopeTable, "t", AcquireOptions{TTL: time.Second})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	second, err := m.Acquire(ctx, ScopeTable, "t", AcquireOptions{FailFast: true})
	require.NoError(t, err, "an expired entry does not block")
	assert.ErrorIs(t, m.Release(ctx, first), ErrLockNotHeld)
	require.NoError(t, m.Release(ctx, second))
}

func TestWithLockReleasesOnErrorAndPanic(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	boom := errors.New("boom")

	err := m.WithLock(ctx, ScopeTable, "t", AcquireOptions{}, func(context.Context, *Lock) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = m.WithLock(ctx, ScopeTable, "t", AcquireOptions{}, func(context.Context, *Lock) error { panic("ddl exploded") })
	})

	l, err := m.Acquire(ctx, ScopeTable, "t", AcquireOptions{FailFast: true})
	require.NoError(t, err, "lock is free after error and panic")
	require.NoError(t, m.Release(ctx, l))
}

func TestStartAndClose(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, WithReapInterval(time.Millisecond))
	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx))

	_, err := m.Acquire(ctx, ScopeTable, "t", AcquireOptions{TTL: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		active, err := m.ListActive(ctx)
		return err == nil && len(active) == 0
	}, time.Second, 5*time.Millisecond, "reaper expires the lock")

	held, err := m.Acquire(ctx, ScopeTable, "u", AcquireOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, StateReleased, held.State())

	_, err = m.Acquire(ctx, ScopeTable, "v", AcquireOptions{})
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.ErrorIs(t, m.Start(ctx), ErrManagerClosed)
}

func TestResourceKeyFor(t *testing.T) {
	tests := []struct {
		op    migrate.Operation
		scope Scope
		key   string
	}{
		{migrate.Operation{Kind: migrate.OpDropTable, Target: migrate.Table("public", "orders")}, ScopeSchema, "public"},
		{migrate.Operation{Kind: migrate.OpRenameTable, Target: migrate.Table("", "orders")}, ScopeSchema, "default"},
		{migrate.Operation{Kind: migrate.OpDropColumn, Target: migrate.Column("public", "orders", "status")}, ScopeTable, "public.orders"},
		{migrate.Operation{Kind: migrate.OpAddIndex, Target: migrate.Index("", "orders", "idx")}, ScopeTable, "default.orders"},
		{migrate.Operation{Kind: migrate.OpAddColumn, Target: migrate.Column("s", "t", "c"),
			Metadata: map[string]string{ScopeMetadataKey: "data_modification"}}, ScopeData, "s.t"},
	}
	for _, tt := range tests {
		scope, key := ResourceKeyFor(tt.op)
		assert.Equal(t, tt.scope, scope, tt.op.Name())
		assert.Equal(t, tt.key, key, tt.op.Name())
	}

	_, err := ParseScope("everything")
	assert.Error(t, err)
}

func TestRenewMovesExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newManager(t, WithClock(clock.Now))

	l, err := m.Acquire(ctx, ScopeTable, "public.orders", AcquireOptions{TTL: time.Minute})
	require.NoError(t, err)
	clock.Advance(50 * time.Second)
	require.NoError(t, m.Renew(ctx, l))
	assert.Equal(t, clock.Now().Add(time.Minute), l.ExpiresAt())

	clock.Advance(50 * time.Second)
	assert.Zero(t, m.reap(ctx), "renewed lock outlives its first TTL")
	active, err := m.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, l.ExpiresAt(), active[0].ExpiresAt())

	clock.Advance(11 * time.Second)
	assert.Equal(t, 1, m.reap(ctx))
	assert.ErrorIs(t, m.Renew(ctx, l), ErrLockNotHeld)
}

func TestWithLockRenewsWhileRunning(t *testing.T) {
	ctx := context.Background()
	sink := audit.NewMemorySink()
	m := newManager(t, WithReapInterval(2*time.Millisecond), WithAudit(audit.NewRecorder(sink, "")))
	require.NoError(t, m.Start(ctx))

	err := m.WithLock(ctx, ScopeTable, "public.orders", AcquireOptions{TTL: 150 * time.Millisecond}, func(ctx context.Context, l *Lock) error {
		time.Sleep(500 * time.Millisecond)
		assert.Equal(t, StateHeld, l.State(), "fn outlived the TTL but the lock was kept")
		assert.True(t, l.ExpiresAt().After(l.AcquiredAt.Add(l.TTL)))
		assert.NoError(t, ctx.Err())

		_, err := m.Acquire(ctx, ScopeTable, "public.orders", AcquireOptions{FailFast: true})
		assert.ErrorIs(t, err, migrate.ErrLockTimeout)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, sink.Filter(AuditExpire))
	require.Len(t, sink.Filter(AuditRelease), 1)
	assert.Equal(t, audit.OutcomeSucceeded, sink.Filter(AuditRelease)[0].Outcome)
}

func TestWithLockCancelsWhenLockIsLost(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newManager(t, WithClock(clock.Now))

	err := m.WithLock(ctx, ScopeTable, "public.orders", AcquireOptions{TTL: 30 * time.Millisecond}, func(ctx context.Context, l *Lock) error {
		clock.Advance(time.Hour)
		require.Equal(t, 1, m.reap(context.Background()))
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(5 * time.Second):
			return errors.New("context was not canceled")
		}
	})
	assert.ErrorIs(t, err, ErrLockNotHeld)
}

func TestSchemaLockSpansItsTables(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	schema, err := m.Acquire(ctx, ScopeSchema, "public", AcquireOptions{Holder: map[string]string{"owner": "drop-table"}})
	require.NoError(t, err)

	_, err = m.Acquire(ctx, ScopeTable, "public.orders", AcquireOptions{FailFast: true})
	var timeoutErr *migrate.LockTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "drop-table", timeoutErr.Holder["owner"])
	_, err = m.Acquire(ctx, ScopeData, "PUBLIC.orders", AcquireOptions{FailFast: true})
	assert.ErrorIs(t, err, migrate.ErrLockTimeout)

	elsewhere, err := m.Acquire(ctx, ScopeTable, "audit.orders", AcquireOptions{FailFast: true})
	require.NoError(t, err, "tables in other schemas are free")
	require.NoError(t, m.Release(ctx, elsewhere))
	require.NoError(t, m.Release(ctx, schema))

	table, err := m.Acquire(ctx, ScopeTable, "public.orders", AcquireOptions{Holder: map[string]string{"owner": "drop-column"}})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, ScopeSchema, "public", AcquireOptions{FailFast: true})
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "drop-column", timeoutErr.Holder["owner"])

	active, err := m.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1, "a refused acquisition leaves nothing behind")
	assert.Equal(t, table.ID, active[0].ID)

	got := make(chan error, 1)
	go func() {
		l, err := m.Acquire(ctx, ScopeSchema, "public", AcquireOptions{Timeout: 5 * time.Second})
		if err == nil {
			err = m.Release(ctx, l)
		}
		got <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Release(ctx, table))
	require.NoError(t, <-got, "the schema lock is granted once the table lock goes")
}

func TestRecordOverlaps(t *testing.T) {
	schema := Record{Scope: ScopeSchema, ResourceKey: "public"}
	table := Record{Scope: ScopeTable, ResourceKey: "public.orders"}

	assert.True(t, schema.Overlaps(ScopeTable, "public.orders"))
	assert.True(t, schema.Overlaps(ScopeData, "Public.customers"))
	assert.True(t, schema.Overlaps(ScopeSchema, "PUBLIC"))
	assert.False(t, schema.Overlaps(ScopeTable, "audit.orders"))
	assert.True(t, table.Overlaps(ScopeSchema, "public"))
	assert.True(t, table.Overlaps(ScopeTable, "public.orders"))
	assert.False(t, table.Overlaps(ScopeData, "public.orders"))
	assert.False(t, table.Overlaps(ScopeTable, "public.customers"))
}
