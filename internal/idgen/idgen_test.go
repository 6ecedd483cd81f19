package idgen

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClock returns now and then advances by step on every read.
type scriptedClock struct {
	mu   sync.Mutex
	now  int64
	step int64
}

func (c *scriptedClock) read() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.now
	c.now += c.step
	return v
}

func (c *scriptedClock) set(now, step int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now, c.step = now, step
}

func TestGenerator_UniqueAndIncreasing(t *testing.T) {
	g, err := New(1, 2)
	require.NoError(t, err)

	seen := make(map[snowflake.ID]struct{}, 100000)
	var last snowflake.ID
	for i := 0; i < 100000; i++ {
		c, err := g.Generate()
		require.NoError(t, err)
		require.Greater(t, c.ID, last, "ids must be strictly increasing")
		last = c.ID
		seen[c.ID] = struct{}{}
	}
	assert.Len(t, seen, 100000)
}

func TestGenerator_Concurrent(t *testing.T) {
	g, err := New(3, 7)
	require.NoError(t, err)

	const workers, perWorker = 16, 5000
	var mu sync.Mutex
	seen := make(map[snowflake.ID]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]snowflake.ID, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				c, err := g.Generate()
				if err != nil {
					t.Error(err)
					return
				}
				local = append(local, c.ID)
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

func TestGenerator_DisjointNodes(t *testing.T) {
	clock := &scriptedClock{now: Epoch + 1000}
	a, err := New(0, 1, WithClock(clock.read))
	require.NoError(t, err)
	b, err := New(1, 0, WithClock(clock.read))
	require.NoError(t, err)

	fromA := make(map[snowflake.ID]struct{})
	for i := 0; i < 2000; i++ {
		ca, err := a.Generate()
		require.NoError(t, err)
		fromA[ca.ID] = struct{}{}
	}
	for i := 0; i < 2000; i++ {
		cb, err := b.Generate()
		require.NoError(t, err)
		_, dup := fromA[cb.ID]
		require.False(t, dup, "generators with distinct node fields must not collide")
	}
}

func TestGenerator_SmallClockStepIsAbsorbed(t *testing.T) {
	clock := &scriptedClock{now: Epoch + 10_000}
	g, err := New(0, 0, WithClock(clock.read))
	require.NoError(t, err)

	first, err := g.Generate()
	require.NoError(t, err)

	clock.set(Epoch+10_000-5, 1)
	second, err := g.Generate()
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
}

func TestGenerator_LargeClockStepFails(t *testing.T) {
	clock := &scriptedClock{now: Epoch + 10_000}
	g, err := New(0, 0, WithClock(clock.read))
	require.NoError(t, err)
	_, err = g.Generate()
	require.NoError(t, err)

	clock.set(Epoch+10_000-100, 0)
	_, err = g.Generate()
	assert.ErrorIs(t, err, ErrClockRegression)
}

func TestGenerator_SequenceWrapWaitsForNextMillisecond(t *testing.T) {
	var reads atomic.Int64
	base := Epoch + 50_000
	// Frozen for the first 4097 reads, then one millisecond later.
	now := func() int64 {
		if reads.Add(1) <= 4097 {
			return base
		}
		return base + 1
	}
	g, err := New(0, 0, WithClock(now))
	require.NoError(t, err)

	var last GeneratedCode
	for i := 0; i < 4096; i++ {
		last, err = g.Generate()
		require.NoError(t, err)
	}
	_, _, _, seq := Decode(last.ID)
	assert.Equal(t, int64(4095), seq)

	next, err := g.Generate()
	require.NoError(t, err)
	at, _, _, seq := Decode(next.ID)
	assert.Equal(t, int64(0), seq)
	assert.Equal(t, base+1, at.UnixMilli())
}

func TestGenerator_LayoutAndCode(t *testing.T) {
	clock := &scriptedClock{now: Epoch + 123_456}
	g, err := New(17, 9, WithClock(clock.read), WithMinLength(8))
	require.NoError(t, err)
	c, err := g.Generate()
	require.NoError(t, err)

	at, dc, worker, seq := Decode(c.ID)
	assert.Equal(t, Epoch+123_456, at.UnixMilli())
	assert.Equal(t, int64(17), dc)
	assert.Equal(t, int64(9), worker)
	assert.Equal(t, int64(0), seq)
	assert.Equal(t, g.NodeID(), c.ID.Node())
	assert.Equal(t, Epoch+123_456, c.ID.Time())

	assert.GreaterOrEqual(t, len(c.Text), 8)
	parsed, err := ParseCode(c.Text)
	require.NoError(t, err)
	assert.Equal(t, c.ID, parsed)
}

func TestNew_LeavesSnowflakeEpochAlone(t *testing.T) {
	require.Equal(t, Epoch, snowflake.Epoch)
	snowflake.Epoch = 0
	t.Cleanup(func() { snowflake.Epoch = Epoch })

	var wg sync.WaitGroup
	for i := int64(0); i < 8; i++ {
		wg.Add(1)
		go func(worker int64) {
			defer wg.Done()
			_, err := New(1, worker)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(0), snowflake.Epoch)
}

func TestGenerator_CodeGrowsPastTenCharacters(t *testing.T) {
	const year = int64(365 * 24 * time.Hour / time.Millisecond)
	for _, tc := range []struct {
		offset int64
		length int
	}{
		{offset: 6 * year, length: 10},
		{offset: 7 * year, length: 11},
		{offset: 69 * year, length: 11},
	} {
		clock := &scriptedClock{now: Epoch + tc.offset}
		g, err := New(31, 31, WithClock(clock.read))
		require.NoError(t, err)
		c, err := g.Generate()
		require.NoError(t, err)
		assert.Len(t, c.Text, tc.length)
		parsed, err := ParseCode(c.Text)
		require.NoError(t, err)
		assert.Equal(t, c.ID, parsed)
	}
}

func TestNew_RejectsOutOfRange(t *testing.T) {
	_, err := New(32, 0)
	assert.Error(t, err)
	_, err = New(0, -1)
	assert.Error(t, err)
}
