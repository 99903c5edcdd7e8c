/*
Package fuse mounts a Runtime (internal/adapter's wiring of the
metadata cache, transfer engine, and directory lister) as a POSIX
filesystem via hanwen/go-fuse.

# Node model

Every path is one of three node kinds, resolved through the Runtime's
objectcache.Cache on Lookup:

  - DirectoryNode: Lookup/Readdir/Mkdir/Create/Symlink/Unlink/Rmdir/
    Rename against a path prefix.
  - FileNode: Getattr/Setattr/Open, plus Get/Set/List/Removexattr
    against the object's user metadata.
  - SymlinkNode: Readlink, where the target is stored as user metadata
    on a zero-byte object rather than natively by the backend.

# Open files

Open binds an internal/vfs.File to the looked-up object: the object's
full content is downloaded into a scratch file on first open, then
every Read/Write is served from that local file. Flush uploads the
scratch file's contents back and commits the resulting ETag through
the Runtime's ObjectStore implementation.

# Wiring

	rt, err := adapter.New(ctx, "s3://bucket", "/mnt/objectfs", cfg)
	if err != nil { ... }
	if err := rt.Start(ctx); err != nil { ... }
	defer rt.Stop(ctx)

Start constructs the FileSystem internally via
CreatePlatformMountManager and mounts it; callers never call
NewFileSystem directly.
*/
package fuse
