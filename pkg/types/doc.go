/*
Package types provides the core data model and shared contracts for ObjectFS.

This package is the foundation the rest of the system builds on: the Object
tagged sum that represents every remote entity, the bitset the file state
machine synchronizes on, and the small interfaces that connect the metadata
cache, transfer engine, and service adapters without import cycles.

# Architecture Overview

ObjectFS follows a layered architecture, leaves first:

	┌─────────────────────────────────────────────┐
	│              FUSE Interface                 │
	│         (cmd/objectfs, internal/fuse)       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│            Runtime Wiring Layer             │
	│            (internal/adapter)               │
	└─────────────────────────────────────────────┘
	      │          │           │          │
	┌─────┴────┐ ┌───┴─────┐ ┌───┴────┐ ┌───┴────┐
	│ Metadata │ │Transfer │ │  Dir   │ │ Worker │
	│  Cache   │ │ Engine  │ │  Ops   │ │  Pool  │
	└──────────┘ └─────────┘ └────────┘ └────────┘

# The Object Model

Object is a tagged sum over the three entity kinds a bucket can hold — a
file, a directory placeholder, or a symlink marker — replacing a virtual
class hierarchy with one struct and an ObjectKind discriminator. A File's
transfer lifecycle is tracked by the FileStatus bitset (downloading,
uploading, writing, dirty) guarded by the Object's condition variable.

# Contracts

ServiceAdapter is the per-backend boundary: URL scheme, vendor header
namespace, signing strategy, and multipart capability flags. ObjectStore is
the narrow mutation surface (Commit/Remove/Rename) the file state machine
and FUSE layer persist changes through; internal/adapter's Runtime
implements it against the metadata cache and worker pool.

# Thread Safety

Object carries its own mutex, exposed via Lock/RLock, so compound
read-modify-write sequences in internal/vfs and internal/objectcache stay
under one lock. All other types in this package are immutable snapshots.
*/
package types
