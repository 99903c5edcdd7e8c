/*
Package adapter wires every ObjectFS layer into one Runtime and mounts it.

Runtime is the constructed alternative to process-wide singletons: it owns
the service adapter, worker pool, metadata cache, transfer engine, and
directory lister, and threads itself through the FUSE layer as the one
object everything reaches collaborators through.

# Architecture Role

	┌─────────────────────────────────────────────┐
	│                 Client Apps                 │
	│             (ls, cp, cat, etc.)             │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             Kernel VFS / FUSE               │
	│              (internal/fuse)                │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│               RUNTIME LAYER                 │ ← This Package
	│  • Layer construction in dependency order   │
	│  • HEAD probing (objectcache.Prober)        │
	│  • Mutations (types.ObjectStore)            │
	│  • Consistency retry on open-after-create   │
	└─────────────────────────────────────────────┘
	      │          │           │          │
	┌─────┴────┐ ┌───┴─────┐ ┌───┴────┐ ┌───┴────┐
	│ Service  │ │Metadata │ │Transfer│ │ Worker │
	│ Adapter  │ │  Cache  │ │ Engine │ │  Pool  │
	└──────────┘ └─────────┘ └────────┘ └────────┘

# Construction Order

Start builds the stack leaves-first: metrics and health tracking, the
backend service adapter (S3 or GS), the worker pool bound to that
adapter's URL prefix and signer, the metadata cache with this Runtime as
its Prober, the transfer engine, the directory lister, and finally the
platform mount manager. Stop unmounts first, then closes the worker
pool, removes the scratch directory, and stops the memory monitor, the
metrics collector and the API server.

# Closing the Loop

Two small interfaces let the leaf packages call back up without import
cycles. The cache resolves misses through Probe, which issues the
HEAD requests (directory-first or file-first per the caller's hint)
behind a circuit breaker. The file state machine persists mutations
through Commit/Remove/Rename, which keep the cache coherent with what a
fresh HEAD would now return.

# Consistency Window

Some buckets acknowledge a PUT before a HEAD for the new key succeeds.
ResolveForOpen tracks recently created paths and retries the lookup with
a bounded linear backoff before believing a miss, so create-then-open
sequences don't spuriously fail with ENOENT.
*/
package adapter
