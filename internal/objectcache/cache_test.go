package objectcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectfs/pkg/types"
)

// countingProber resolves every path to a file Object, counting calls
// and optionally stalling so racers pile up behind the single flight.
type countingProber struct {
	calls int64
	delay time.Duration
	miss  map[string]bool
	err   error
}

func (p *countingProber) Probe(ctx context.Context, path string, hint Hint) (*types.Object, error) {
	atomic.AddInt64(&p.calls, 1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.miss[path] {
		return nil, nil
	}
	obj := types.NewObject(path, types.KindFile)
	obj.Size = int64(len(path))
	return obj, nil
}

func TestCacheFetchHitAndMiss(t *testing.T) {
	t.Parallel()

	prober := &countingProber{}
	cache := New(Config{MaxEntries: 10, TTL: time.Minute}, prober)

	obj, err := cache.Fetch(context.Background(), "a/b", HintNone)
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, "a/b", obj.Path)
	assert.EqualValues(t, 1, atomic.LoadInt64(&prober.calls))

	again, err := cache.Fetch(context.Background(), "a/b", HintNone)
	require.NoError(t, err)
	assert.Same(t, obj, again, "a hit must return the shared Object")
	assert.EqualValues(t, 1, atomic.LoadInt64(&prober.calls), "a hit must not re-probe")

	stats := cache.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
}

func TestCacheSingleFlight(t *testing.T) {
	t.Parallel()

	prober := &countingProber{delay: 50 * time.Millisecond}
	cache := New(Config{MaxEntries: 10, TTL: time.Minute}, prober)

	const racers = 16
	var wg sync.WaitGroup
	results := make([]*types.Object, racers)
	for i := 0; i < racers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			obj, err := cache.Fetch(context.Background(), "contested", HintNone)
			require.NoError(t, err)
			results[i] = obj
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&prober.calls),
		"concurrent fetches for one path must share one in-flight probe")
	for _, r := range results {
		assert.Same(t, results[0], r, "losing racers must adopt the winner's result")
	}
}

func TestCacheNegativeEntry(t *testing.T) {
	t.Parallel()

	prober := &countingProber{miss: map[string]bool{"ghost": true}}
	cache := New(Config{MaxEntries: 10, TTL: time.Minute}, prober)

	obj, err := cache.Fetch(context.Background(), "ghost", HintNone)
	require.NoError(t, err)
	assert.Nil(t, obj)
	assert.EqualValues(t, 1, atomic.LoadInt64(&prober.calls))

	// The negative result itself is cached.
	obj, err = cache.Fetch(context.Background(), "ghost", HintNone)
	require.NoError(t, err)
	assert.Nil(t, obj)
	assert.EqualValues(t, 1, atomic.LoadInt64(&prober.calls))
}

func TestCacheProbeError(t *testing.T) {
	t.Parallel()

	prober := &countingProber{err: fmt.Errorf("backend unreachable")}
	cache := New(Config{MaxEntries: 10, TTL: time.Minute}, prober)

	_, err := cache.Fetch(context.Background(), "x", HintNone)
	require.Error(t, err)

	// Errors are not cached; the next fetch probes again.
	prober.err = nil
	obj, err := cache.Fetch(context.Background(), "x", HintNone)
	require.NoError(t, err)
	assert.NotNil(t, obj)
}

func TestCacheRemoveForcesRefetch(t *testing.T) {
	t.Parallel()

	prober := &countingProber{}
	cache := New(Config{MaxEntries: 10, TTL: time.Minute}, prober)

	_, err := cache.Fetch(context.Background(), "a/b", HintNone)
	require.NoError(t, err)
	cache.Remove("a/b")
	_, err = cache.Fetch(context.Background(), "a/b", HintNone)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&prober.calls))
}

func TestCacheInvalidateParent(t *testing.T) {
	t.Parallel()

	prober := &countingProber{}
	cache := New(Config{MaxEntries: 10, TTL: time.Minute}, prober)

	_, err := cache.Fetch(context.Background(), "dir", HintIsDir)
	require.NoError(t, err)
	_, err = cache.Fetch(context.Background(), "dir/child", HintNone)
	require.NoError(t, err)

	cache.InvalidateParent("dir/child")

	_, err = cache.Fetch(context.Background(), "dir", HintIsDir)
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt64(&prober.calls),
		"the parent entry must be refetched after invalidation")
}

func TestCacheEvictionSkipsOpenFiles(t *testing.T) {
	t.Parallel()

	prober := &countingProber{}
	cache := New(Config{MaxEntries: 2, TTL: time.Minute}, prober)

	ctx := context.Background()
	pinned, err := cache.Fetch(ctx, "pinned", HintNone)
	require.NoError(t, err)
	pinned.Lock()
	pinned.RefCount = 1
	pinned.Unlock()

	_, err = cache.Fetch(ctx, "second", HintNone)
	require.NoError(t, err)
	_, err = cache.Fetch(ctx, "third", HintNone)
	require.NoError(t, err)

	// "pinned" was the LRU candidate but holds an open handle; the
	// eviction must skip it and take "second" instead.
	before := atomic.LoadInt64(&prober.calls)
	_, err = cache.Fetch(ctx, "pinned", HintNone)
	require.NoError(t, err)
	assert.Equal(t, before, atomic.LoadInt64(&prober.calls), "pinned entry must survive eviction")

	_, err = cache.Fetch(ctx, "second", HintNone)
	require.NoError(t, err)
	assert.Equal(t, before+1, atomic.LoadInt64(&prober.calls), "unpinned LRU entry must have been evicted")
}

func TestCacheGrowsOverCapacityWhenAllPinned(t *testing.T) {
	t.Parallel()

	prober := &countingProber{}
	cache := New(Config{MaxEntries: 2, TTL: time.Minute}, prober)

	ctx := context.Background()
	for _, path := range []string{"a", "b", "c", "d"} {
		obj, err := cache.Fetch(ctx, path, HintNone)
		require.NoError(t, err)
		obj.Lock()
		obj.RefCount = 1
		obj.Unlock()
	}

	stats := cache.Stats()
	assert.EqualValues(t, 4, stats.Size,
		"when every entry has an open handle the cache grows past capacity instead of evicting")
}

func TestCacheTTLExpiry(t *testing.T) {
	t.Parallel()

	prober := &countingProber{}
	cache := New(Config{MaxEntries: 10, TTL: 30 * time.Millisecond}, prober)

	_, err := cache.Fetch(context.Background(), "fleeting", HintNone)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	_, err = cache.Fetch(context.Background(), "fleeting", HintNone)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&prober.calls), "an expired entry is a miss")
}

func TestParentOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", parentOf(""))
	assert.Equal(t, "", parentOf("file"))
	assert.Equal(t, "a", parentOf("a/b"))
	assert.Equal(t, "a/b", parentOf("a/b/c"))
}
