//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/objectfs/objectfs/internal/objectcache"
	"github.com/objectfs/objectfs/internal/transfer"
	"github.com/objectfs/objectfs/internal/vfs"
	"github.com/objectfs/objectfs/pkg/types"
)

// CgoFuseFS mounts a Runtime through cgofuse's path-based callback
// interface instead of go-fuse's node tree: every callback resolves
// its path through the metadata cache, and open handles map fh numbers
// onto internal/vfs.File state machines.
type CgoFuseFS struct {
	fuse.FileSystemBase

	rt     Runtime
	config *MountConfig
	log    *slog.Logger

	mu         sync.RWMutex
	openFiles  map[uint64]*vfs.File
	nextHandle uint64
	host       *fuse.FileSystemHost
	mounted    bool
	stats      *Stats
}

// NewCgoFuseFS binds a cgofuse filesystem to rt.
func NewCgoFuseFS(rt Runtime, config *MountConfig) *CgoFuseFS {
	return &CgoFuseFS{
		rt:         rt,
		config:     config,
		log:        slog.Default().With("component", "cgofuse"),
		openFiles:  make(map[uint64]*vfs.File),
		nextHandle: 1,
		stats:      &Stats{},
	}
}

// Mount mounts the filesystem at the configured mount point.
func (cf *CgoFuseFS) Mount(ctx context.Context) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if cf.mounted {
		return fmt.Errorf("filesystem already mounted")
	}

	cf.host = fuse.NewFileSystemHost(cf)
	options := []string{
		"-o", "fsname=" + cf.config.Options.FSName,
		"-o", "subtype=" + cf.config.Options.Subtype,
	}
	if cf.config.Options.AllowOther {
		options = append(options, "-o", "allow_other")
	}

	go func() {
		if ok := cf.host.Mount(cf.config.MountPoint, options); !ok {
			cf.log.Error("cgofuse mount failed", "mount_point", cf.config.MountPoint)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	cf.mounted = true
	cf.log.Info("filesystem mounted", "mount_point", cf.config.MountPoint)
	return nil
}

// Unmount unmounts the filesystem.
func (cf *CgoFuseFS) Unmount() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if !cf.mounted {
		return fmt.Errorf("filesystem not mounted")
	}
	if cf.host != nil && !cf.host.Unmount() {
		return fmt.Errorf("cgofuse unmount failed")
	}
	cf.mounted = false
	return nil
}

// IsMounted reports whether the filesystem is currently mounted.
func (cf *CgoFuseFS) IsMounted() bool {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return cf.mounted
}

// GetStats returns filesystem statistics.
func (cf *CgoFuseFS) GetStats() *FilesystemStats {
	cf.stats.mu.RLock()
	defer cf.stats.mu.RUnlock()
	return &FilesystemStats{
		Lookups:      cf.stats.Lookups,
		Opens:        cf.stats.Opens,
		Reads:        cf.stats.Reads,
		Writes:       cf.stats.Writes,
		BytesRead:    cf.stats.BytesRead,
		BytesWritten: cf.stats.BytesWritten,
		Errors:       cf.stats.Errors,
	}
}

// trimPath converts cgofuse's absolute paths to the internal
// no-leading-slash form; root becomes the empty string.
func trimPath(p string) string {
	return strings.Trim(p, "/")
}

func errnoResult(errno syscall.Errno) int {
	return -int(errno)
}

func (cf *CgoFuseFS) object(p string, hint objectcache.Hint) (*types.Object, int) {
	obj, err := cf.rt.Cache().Fetch(context.Background(), trimPath(p), hint)
	if err != nil {
		return nil, -fuse.EIO
	}
	if obj == nil {
		return nil, -fuse.ENOENT
	}
	return obj, 0
}

func fillStat(stat *fuse.Stat_t, obj *types.Object) {
	obj.RLock()
	defer obj.RUnlock()
	switch obj.Kind {
	case types.KindDirectory:
		stat.Mode = fuse.S_IFDIR | obj.Mode
	case types.KindSymlink:
		stat.Mode = fuse.S_IFLNK | obj.Mode
	default:
		stat.Mode = fuse.S_IFREG | obj.Mode
	}
	stat.Size = obj.Size
	stat.Uid = obj.UID
	stat.Gid = obj.GID
	ts := fuse.NewTimespec(obj.MTime)
	stat.Mtim, stat.Atim, stat.Ctim = ts, ts, ts
	stat.Nlink = 1
}

// Getattr resolves path metadata through the cache.
func (cf *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	cf.stats.inc(&cf.stats.Lookups, 1)
	obj, rc := cf.object(path, objectcache.HintNone)
	if rc != 0 {
		return rc
	}
	fillStat(stat, obj)
	return 0
}

// Readdir lists a directory's immediate children.
func (cf *CgoFuseFS) Readdir(path string,
	fill func(name string, stat *fuse.Stat_t, ofst int64) bool,
	ofst int64, fh uint64) int {

	fill(".", nil, 0)
	fill("..", nil, 0)

	entries, err := cf.rt.Directory().List(context.Background(), trimPath(path))
	if err != nil {
		cf.stats.inc(&cf.stats.Errors, 1)
		return -fuse.EIO
	}
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		fill(e.Name, nil, 0)
	}
	return 0
}

// Open binds a vfs.File to path and hands back its handle number.
func (cf *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	obj, err := cf.rt.ResolveForOpen(context.Background(), trimPath(path))
	if err != nil || obj == nil {
		return -fuse.ENOENT, ^uint64(0)
	}
	return cf.openObject(obj, flags&fuse.O_TRUNC != 0)
}

func (cf *CgoFuseFS) openObject(obj *types.Object, truncate bool) (int, uint64) {
	var key *transfer.FileKey
	if volKey := cf.rt.VolumeKey(); len(volKey) > 0 {
		obj.RLock()
		wrapped := obj.SymmetricKey
		obj.RUnlock()
		if len(wrapped) > 0 {
			k, err := transfer.UnwrapFileKey(volKey, string(wrapped))
			if err != nil {
				return -fuse.EIO, ^uint64(0)
			}
			key = k
		}
	}

	vf, errno := vfs.Open(context.Background(), obj, cf.rt, cf.rt.Engine(), cf.rt.ScratchDir(), key, truncate)
	if errno != 0 {
		return errnoResult(errno), ^uint64(0)
	}

	cf.mu.Lock()
	fh := cf.nextHandle
	cf.nextHandle++
	cf.openFiles[fh] = vf
	cf.mu.Unlock()

	cf.stats.inc(&cf.stats.Opens, 1)
	return 0, fh
}

func (cf *CgoFuseFS) handle(fh uint64) *vfs.File {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return cf.openFiles[fh]
}

// Create makes an empty object and opens it.
func (cf *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	obj, err := cf.rt.CreateFile(context.Background(), trimPath(path))
	if err != nil {
		cf.stats.inc(&cf.stats.Errors, 1)
		return -fuse.EIO, ^uint64(0)
	}
	return cf.openObject(obj, false)
}

// Read serves bytes from the open file's scratch copy.
func (cf *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	vf := cf.handle(fh)
	if vf == nil {
		return -fuse.EBADF
	}
	n, errno := vf.Read(buff, ofst)
	if errno != 0 {
		return errnoResult(errno)
	}
	cf.stats.inc(&cf.stats.Reads, 1)
	cf.stats.inc(&cf.stats.BytesRead, int64(n))
	return n
}

// Write applies bytes to the open file's scratch copy.
func (cf *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	vf := cf.handle(fh)
	if vf == nil {
		return -fuse.EBADF
	}
	n, errno := vf.Write(buff, ofst)
	if errno != 0 {
		return errnoResult(errno)
	}
	cf.stats.inc(&cf.stats.Writes, 1)
	cf.stats.inc(&cf.stats.BytesWritten, int64(n))
	return n
}

// Truncate resizes an open or closed file.
func (cf *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	if vf := cf.handle(fh); vf != nil {
		return errnoResult(vf.Truncate(size))
	}
	return -fuse.EBADF
}

// Flush uploads dirty content.
func (cf *CgoFuseFS) Flush(path string, fh uint64) int {
	vf := cf.handle(fh)
	if vf == nil {
		return -fuse.EBADF
	}
	return errnoResult(vf.Flush(context.Background()))
}

// Release drops the handle, flushing implicitly if dirty.
func (cf *CgoFuseFS) Release(path string, fh uint64) int {
	cf.mu.Lock()
	vf := cf.openFiles[fh]
	delete(cf.openFiles, fh)
	cf.mu.Unlock()
	if vf == nil {
		return -fuse.EBADF
	}
	return errnoResult(vf.Release(context.Background()))
}

// Mkdir creates a directory placeholder object.
func (cf *CgoFuseFS) Mkdir(path string, mode uint32) int {
	if _, err := cf.rt.PutDirectory(context.Background(), trimPath(path)); err != nil {
		return -fuse.EIO
	}
	return 0
}

// Rmdir removes an empty directory.
func (cf *CgoFuseFS) Rmdir(path string) int {
	p := trimPath(path)
	if err := cf.rt.Directory().Remove(context.Background(), cf.rt.Cache(), p, "/"+p+"/"); err != nil {
		return -fuse.ENOTEMPTY
	}
	return 0
}

// Unlink removes a file or symlink.
func (cf *CgoFuseFS) Unlink(path string) int {
	obj, rc := cf.object(path, objectcache.HintIsFile)
	if rc != 0 {
		return rc
	}
	if err := cf.rt.Remove(context.Background(), obj); err != nil {
		return -fuse.EIO
	}
	cf.stats.inc(&cf.stats.Deletes, 1)
	return 0
}

// Rename moves a file or a whole directory tree.
func (cf *CgoFuseFS) Rename(oldpath, newpath string) int {
	oldP, newP := trimPath(oldpath), trimPath(newpath)
	obj, rc := cf.object(oldpath, objectcache.HintNone)
	if rc != 0 {
		return rc
	}
	ctx := context.Background()
	if obj.Kind == types.KindDirectory {
		if err := cf.rt.Directory().Rename(ctx, cf.rt.Cache(), cf.rt.Adapter().URLPrefix(), oldP, newP); err != nil {
			return -fuse.EIO
		}
		return 0
	}
	if err := cf.rt.Rename(ctx, obj, newP); err != nil {
		return -fuse.EIO
	}
	return 0
}

// Symlink stores target as user metadata on a zero-byte object.
func (cf *CgoFuseFS) Symlink(target, newpath string) int {
	obj, err := cf.rt.CreateFile(context.Background(), trimPath(newpath))
	if err != nil {
		return -fuse.EIO
	}
	obj.SetMetadata(symlinkTargetMeta, target)
	obj.Lock()
	obj.Target = target
	obj.Unlock()
	if err := cf.rt.Commit(context.Background(), obj); err != nil {
		return -fuse.EIO
	}
	return 0
}

// Readlink resolves a symlink's target.
func (cf *CgoFuseFS) Readlink(path string) (int, string) {
	obj, rc := cf.object(path, objectcache.HintIsFile)
	if rc != 0 {
		return rc, ""
	}
	obj.RLock()
	target := obj.Target
	obj.RUnlock()
	if target == "" {
		if v, ok := obj.GetMetadata(symlinkTargetMeta); ok {
			target = v
		}
	}
	return 0, target
}

// Statfs reports synthetic capacity.
func (cf *CgoFuseFS) Statfs(path string, stat *fuse.Statfs_t) int {
	stat.Blocks = 1 << 30
	stat.Bfree = 1 << 30
	stat.Bavail = 1 << 30
	stat.Files = 1 << 20
	stat.Ffree = 1 << 20
	stat.Bsize = 4096
	stat.Namemax = 255
	return 0
}
