package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"urlshortener/internal/kv"
)

func newManager(t *testing.T, store kv.Store, slots int) *Manager {
	return NewManager(store, Config{
		Prefix:        "test:",
		Slots:         slots,
		TTL:           time.Second,
		RenewInterval: 20 * time.Millisecond,
	}, zaptest.NewLogger(t))
}

func TestManager_AcquireInOrder(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()

	a, err := newManager(t, store, 4).Acquire(ctx)
	require.NoError(t, err)
	b, err := newManager(t, store, 4).Acquire(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(0), a.NodeID)
	assert.Equal(t, int64(1), b.NodeID)
	assert.NotEqual(t, a.Owner, b.Owner)
	assert.Equal(t, int64(1), a.Generation)
}

func TestManager_Exhausted(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := newManager(t, store, 2).Acquire(ctx)
		require.NoError(t, err)
	}
	_, err := newManager(t, store, 2).Acquire(ctx)
	assert.ErrorIs(t, err, ErrLeaseExhausted)
}

func TestManager_ReleaseFreesSlot(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	first := newManager(t, store, 1)
	_, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Release(ctx))
	_, ok := first.Current()
	assert.False(t, ok)

	l, err := newManager(t, store, 1).Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), l.NodeID)
	assert.Equal(t, int64(2), l.Generation)
}

func TestManager_RenewKeepsLeaseAlive(t *testing.T) {
	store := kv.NewMemory()
	m := NewManager(store, Config{Slots: 1, TTL: 100 * time.Millisecond, RenewInterval: 20 * time.Millisecond}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.Acquire(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	time.Sleep(300 * time.Millisecond)

	_, err = NewManager(store, Config{Slots: 1, TTL: time.Second}, zaptest.NewLogger(t)).Acquire(context.Background())
	assert.ErrorIs(t, err, ErrLeaseExhausted, "renewed lease must still be held past its ttl")

	cancel()
	<-done
}

func TestManager_RenewReclaimsExpiredKey(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	m := newManager(t, store, 1)
	l, err := m.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, m.key(l.NodeID)))
	m.Renew(ctx)

	owner, err := store.Get(ctx, m.key(l.NodeID))
	require.NoError(t, err)
	assert.Equal(t, l.Owner, owner)
}

func TestManager_RenewLostDoesNotPanic(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	m := newManager(t, store, 1)
	l, err := m.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, m.key(l.NodeID), "someone-else", time.Minute))
	m.Renew(ctx)

	cur, ok := m.Current()
	require.True(t, ok, "a lost lease keeps its identity until shutdown")
	assert.Equal(t, l.NodeID, cur.NodeID)

	require.NoError(t, m.Release(ctx))
	owner, err := store.Get(ctx, m.key(l.NodeID))
	require.NoError(t, err)
	assert.Equal(t, "someone-else", owner, "release must not delete another owner's key")
}

type failingStore struct {
	kv.Store
}

func (failingStore) ExtendIfOwner(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestManager_RenewBackendError(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	m := newManager(t, failingStore{store}, 1)
	_, err := m.Acquire(ctx)
	require.NoError(t, err)
	m.Renew(ctx)
	_, ok := m.Current()
	assert.True(t, ok)
}

func TestNodeLease_Fields(t *testing.T) {
	l := NodeLease{NodeID: 0b10011_00101}
	assert.Equal(t, int64(0b00101), l.WorkerID())
	assert.Equal(t, int64(0b10011), l.DatacenterID())
	assert.Equal(t, int64(31), NodeLease{NodeID: 1023}.WorkerID())
	assert.Equal(t, int64(31), NodeLease{NodeID: 1023}.DatacenterID())
}
