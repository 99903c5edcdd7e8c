// Package objectcache implements the bounded, path-keyed metadata
// cache: a container/list LRU over *types.Object with single-flight
// HEAD coordination, so concurrent lookups of the same path share one
// fetch and open files are never evicted out from under their
// handles.
package objectcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/objectfs/objectfs/pkg/types"
)

// Hint selects HEAD probe order on a cache miss.
type Hint int

const (
	HintNone Hint = iota
	HintIsDir
	HintIsFile
)

// Prober issues the HEAD request(s) a cache miss needs to resolve a
// path to an Object. Implemented by the service adapter-backed
// resolver wired in by internal/adapter.
type Prober interface {
	// Probe resolves path to an Object using hint to pick probe order.
	// A nil Object with a nil error means the path does not exist.
	Probe(ctx context.Context, path string, hint Hint) (*types.Object, error)
}

type entry struct {
	path    string
	object  *types.Object // nil means a negative (does-not-exist) entry
	expires time.Time
	elem    *list.Element
}

// Config bounds cache capacity and entry lifetime.
type Config struct {
	MaxEntries int
	TTL        time.Duration
}

// Cache is the bounded LRU path -> Object map plus single-flight fetch
// coordination, so concurrent lookups of one path share one HEAD.
type Cache struct {
	mu         sync.Mutex
	capacity   int
	ttl        time.Duration
	entries    map[string]*entry
	evictList  *list.List
	prober     Prober
	group      singleflight.Group
	stats      types.CacheStats
}

// New constructs a Cache bounded to cfg.MaxEntries entries, resolving
// misses through prober.
func New(cfg Config, prober Prober) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &Cache{
		capacity:  cfg.MaxEntries,
		ttl:       cfg.TTL,
		entries:   make(map[string]*entry),
		evictList: list.New(),
		prober:    prober,
		stats:     types.CacheStats{Capacity: int64(cfg.MaxEntries)},
	}
}

// Fetch returns the Object at path, hitting the cache when possible
// and otherwise issuing (or joining) a single in-flight HEAD. A nil
// Object with a nil error means path does not exist.
//
// Invariant (single-flight): at most one in-flight HEAD exists per
// path at any instant — enforced by singleflight.Group keying on path.
func (c *Cache) Fetch(ctx context.Context, path string, hint Hint) (*types.Object, error) {
	if obj, ok := c.lookup(path); ok {
		return obj, nil
	}

	result, err, _ := c.group.Do(path, func() (interface{}, error) {
		// Re-check under the singleflight key: a losing racer that
		// arrived between our miss and Do() may have already landed
		// the result. This peek leaves the hit/miss counters alone: the
		// lookup above already counted this call's miss.
		c.mu.Lock()
		e, ok := c.entries[path]
		live := ok && (c.ttl <= 0 || !time.Now().After(e.expires))
		c.mu.Unlock()
		if live {
			return e.object, nil
		}

		obj, probeErr := c.prober.Probe(ctx, path, hint)
		if probeErr != nil {
			return nil, probeErr
		}
		c.install(path, obj)
		return obj, nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*types.Object), nil
}

// Get is a convenience wrapper equivalent to Fetch with HintNone,
// swallowing errors as a miss.
func (c *Cache) Get(ctx context.Context, path string) *types.Object {
	obj, err := c.Fetch(ctx, path, HintNone)
	if err != nil {
		return nil
	}
	return obj
}

// lookup returns (object, true) on a live cache hit — including a
// negative (does-not-exist) entry, whose object is nil but whose
// presence is itself the hit.
func (c *Cache) lookup(path string) (*types.Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if c.ttl > 0 && time.Now().After(e.expires) {
		c.removeLocked(path)
		c.stats.Misses++
		c.stats.Evictions++
		return nil, false
	}

	c.evictList.MoveToFront(e.elem)
	c.stats.Hits++
	c.updateHitRate()
	return e.object, true
}

func (c *Cache) install(path string, obj *types.Object) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[path]; ok {
		existing.object = obj
		existing.expires = time.Now().Add(c.ttl)
		c.evictList.MoveToFront(existing.elem)
		return
	}

	e := &entry{path: path, object: obj, expires: time.Now().Add(c.ttl)}
	e.elem = c.evictList.PushFront(path)
	c.entries[path] = e
	c.stats.Size = int64(len(c.entries))

	c.evictOverCapacityLocked(path)
}

// evictOverCapacityLocked drops the least-recently-used entry whose
// Object has no active file handle, never the entry just installed. If
// none qualifies, the cache is permitted to grow over capacity rather
// than evict a file a caller currently has open.
func (c *Cache) evictOverCapacityLocked(justInstalled string) {
	for len(c.entries) > c.capacity {
		evicted := false
		for e := c.evictList.Back(); e != nil; e = e.Prev() {
			path := e.Value.(string)
			if path == justInstalled {
				continue
			}
			ent, ok := c.entries[path]
			if !ok {
				continue
			}
			if ent.object != nil {
				ent.object.RLock()
				refCount := ent.object.RefCount
				ent.object.RUnlock()
				if refCount > 0 {
					continue
				}
			}
			c.evictList.Remove(e)
			delete(c.entries, path)
			c.stats.Evictions++
			evicted = true
			break
		}
		if !evicted {
			break
		}
	}
	c.stats.Size = int64(len(c.entries))
}

// Put installs or refreshes the cache entry for obj.Path, used by
// internal/adapter's ObjectStore implementation after a Commit so a
// just-written object is immediately visible without a round-trip
// HEAD.
func (c *Cache) Put(path string, obj *types.Object) {
	c.install(path, obj)
}

// Remove explicitly invalidates path. Required before any mutation
// that would change what a HEAD would return.
func (c *Cache) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(path)
}

func (c *Cache) removeLocked(path string) {
	e, ok := c.entries[path]
	if !ok {
		return
	}
	c.evictList.Remove(e.elem)
	delete(c.entries, path)
	c.stats.Size = int64(len(c.entries))
}

// InvalidateParent removes the cache entry for path's parent
// directory, whose cached child-name list (if any) is now stale.
func (c *Cache) InvalidateParent(path string) {
	c.Remove(parentOf(path))
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
	if c.capacity > 0 {
		c.stats.Utilization = float64(len(c.entries)) / float64(c.capacity)
	}
}

func parentOf(path string) string {
	if path == "" {
		return ""
	}
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return ""
	}
	return path[:i]
}

var _ fmt.Stringer = Hint(0)

func (h Hint) String() string {
	switch h {
	case HintIsDir:
		return "HINT_IS_DIR"
	case HintIsFile:
		return "HINT_IS_FILE"
	default:
		return "HINT_NONE"
	}
}
