package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/metricflow/errors"
	"github.com/c360/metricflow/natsclient"
)

// fakeKV implements the KV conditional-write contract in memory with
// per-key revisions
type fakeKV struct {
	mu   sync.Mutex
	data map[string]fakeEntry
	rev  uint64

	// beforeDelete, when set, runs once at the start of DeleteRevision,
	// before the delete is applied. Used to interleave concurrent
	// acquires into the read-then-delete window.
	beforeDelete func(key string)
}

type fakeEntry struct {
	value []byte
	rev   uint64
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]fakeEntry)}
}

func (f *fakeKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.data[key]; exists {
		return 0, natsclient.ErrKVKeyExists
	}
	f.rev++
	f.data[key] = fakeEntry{value: value, rev: f.rev}
	return f.rev, nil
}

func (f *fakeKV) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, exists := f.data[key]
	if !exists {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return &natsclient.KVEntry{Key: key, Value: entry.value, Revision: entry.rev}, nil
}

func (f *fakeKV) DeleteRevision(_ context.Context, key string, revision uint64) error {
	if hook := f.beforeDelete; hook != nil {
		f.beforeDelete = nil
		hook(key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	entry, exists := f.data[key]
	if !exists {
		return natsclient.ErrKVKeyNotFound
	}
	if entry.rev != revision {
		return natsclient.ErrKVRevisionMismatch
	}
	delete(f.data, key)
	return nil
}

func newTestManager(kv KV) *Manager {
	return NewManager(kv, time.Minute, "test-holder", nil)
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newFakeKV())

	lease, err := m.Acquire(ctx, ScopeMetricAggregation, "co2e|day|/usa")
	require.NoError(t, err)
	require.NotEmpty(t, lease.Token)
	assert.True(t, lease.ExpiresAt.After(time.Now()))

	// Second acquire for the same key conflicts
	_, err = m.Acquire(ctx, ScopeMetricAggregation, "co2e|day|/usa")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyLocked))

	// After release, acquisition succeeds again
	require.NoError(t, m.Release(ctx, lease))
	lease2, err := m.Acquire(ctx, ScopeMetricAggregation, "co2e|day|/usa")
	require.NoError(t, err)
	assert.NotEqual(t, lease.Token, lease2.Token)
}

func TestAcquire_ScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newFakeKV())

	_, err := m.Acquire(ctx, ScopeMetricAggregation, "job-1")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, ScopeExport, "job-1")
	assert.NoError(t, err)
}

func TestAcquire_ConcurrentExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newFakeKV())

	const goroutines = 16
	var wins int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := m.Acquire(ctx, ScopeMetricAggregation, "contested"); err == nil {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&wins))
}

func TestAcquire_ReclaimsExpiredLock(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	m := NewManager(kv, time.Minute, "holder-a", nil)

	// Simulate a crashed holder whose lease expired
	past := time.Now().Add(-2 * time.Minute)
	m.now = func() time.Time { return past }
	_, err := m.Acquire(ctx, ScopeExport, "stale-job")
	require.NoError(t, err)

	m.now = time.Now
	lease, err := m.Acquire(ctx, ScopeExport, "stale-job")
	require.NoError(t, err)
	assert.NotNil(t, lease)
}

func TestAcquire_ReclaimLosesRaceToFreshLock(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()

	// A crashed holder left an expired record behind
	stale := NewManager(kv, time.Minute, "holder-a", nil)
	past := time.Now().Add(-2 * time.Minute)
	stale.now = func() time.Time { return past }
	staleLease, err := stale.Acquire(ctx, ScopeMetricAggregation, "contested")
	require.NoError(t, err)

	fresh := NewManager(kv, time.Minute, "holder-b", nil)
	reclaimer := NewManager(kv, time.Minute, "holder-c", nil)

	// Between the reclaimer observing the expired record and deleting
	// it, the old holder releases and a new holder acquires a fresh
	// lease.
	var freshLease *Lease
	kv.beforeDelete = func(string) {
		require.NoError(t, stale.Release(ctx, staleLease))
		l, acquireErr := fresh.Acquire(ctx, ScopeMetricAggregation, "contested")
		require.NoError(t, acquireErr)
		freshLease = l
	}

	// The reclaim must be abandoned, not clobber the fresh lease
	_, err = reclaimer.Acquire(ctx, ScopeMetricAggregation, "contested")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyLocked))

	// The fresh holder still owns the lock and can release it
	require.NotNil(t, freshLease)
	assert.NoError(t, fresh.Release(ctx, freshLease))
}

func TestRelease_ExpiredLeaseDoesNotDeleteSuccessor(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()

	holder := NewManager(kv, time.Minute, "holder-a", nil)
	lease, err := holder.Acquire(ctx, ScopeMetricAggregation, "slow-job")
	require.NoError(t, err)

	// The lease outran its TTL mid-operation: between the release's
	// token check and its delete, the record is reclaimed and a
	// successor acquires a fresh lease.
	successor := NewManager(kv, time.Minute, "holder-b", nil)
	var successorLease *Lease
	kv.beforeDelete = func(key string) {
		kv.mu.Lock()
		delete(kv.data, key)
		kv.mu.Unlock()
		l, acquireErr := successor.Acquire(ctx, ScopeMetricAggregation, "slow-job")
		require.NoError(t, acquireErr)
		successorLease = l
	}

	// Nothing of ours is left to release; the successor's lock survives
	require.NoError(t, holder.Release(ctx, lease))
	require.NotNil(t, successorLease)
	assert.NoError(t, successor.Release(ctx, successorLease))
}

func TestRelease_WrongToken(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newFakeKV())

	lease, err := m.Acquire(ctx, ScopeExport, "job-2")
	require.NoError(t, err)

	forged := *lease
	forged.Token = "not-the-token"
	err = m.Release(ctx, &forged)
	assert.True(t, errors.Is(err, errors.ErrLockNotHeld))

	// The real holder can still release
	assert.NoError(t, m.Release(ctx, lease))
}

func TestRelease_MissingKeyIsNoop(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newFakeKV())

	lease := &Lease{Scope: ScopeExport, Key: "gone", Token: "t"}
	assert.NoError(t, m.Release(ctx, lease))
}

func TestWithLock_ReleasesOnSuccessAndError(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newFakeKV())

	err := m.WithLock(ctx, ScopeMetricAggregation, "k", func(context.Context) error {
		return nil
	})
	require.NoError(t, err)

	wantErr := errors.New("aggregation failed")
	err = m.WithLock(ctx, ScopeMetricAggregation, "k", func(context.Context) error {
		return wantErr
	})
	assert.True(t, errors.Is(err, wantErr))

	// Lock must be free after both paths
	_, err = m.Acquire(ctx, ScopeMetricAggregation, "k")
	assert.NoError(t, err)
}

func TestWithLock_ReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newFakeKV())

	err := m.WithLock(ctx, ScopeMetricAggregation, "panicky", func(context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	_, err = m.Acquire(ctx, ScopeMetricAggregation, "panicky")
	assert.NoError(t, err)
}

func TestWithLock_ContentionNotRetried(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newFakeKV())

	lease, err := m.Acquire(ctx, ScopeMetricAggregation, "busy")
	require.NoError(t, err)
	defer func() { _ = m.Release(ctx, lease) }()

	calls := 0
	err = m.WithLock(ctx, ScopeMetricAggregation, "busy", func(context.Context) error {
		calls++
		return nil
	})
	assert.True(t, errors.Is(err, errors.ErrAlreadyLocked))
	assert.Zero(t, calls)
}
