package fuse

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/objectfs/internal/directory"
	"github.com/objectfs/objectfs/internal/objectcache"
	"github.com/objectfs/objectfs/internal/transfer"
	"github.com/objectfs/objectfs/internal/vfs"
	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
	"github.com/objectfs/objectfs/pkg/utils"
)

// symlinkTargetMeta is the user-metadata key a symlink's target is
// carried under, since the object store has no native symlink type.
const symlinkTargetMeta = "objectfs-symlink-target"

// Runtime is the narrow contract the FUSE layer needs from
// internal/adapter's Runtime: the cache/transfer/directory components plus the
// ObjectStore mutations a File/directory operation commits through.
// Declared here rather than imported so this package and
// internal/adapter don't import each other.
type Runtime interface {
	Cache() *objectcache.Cache
	Engine() *transfer.Engine
	Directory() *directory.Lister
	Adapter() types.ServiceAdapter
	ScratchDir() string
	VolumeKey() []byte
	PutDirectory(ctx context.Context, path string) (*types.Object, error)
	CreateFile(ctx context.Context, path string) (*types.Object, error)
	// ResolveForOpen is the open-path lookup: like Cache().Fetch, but a
	// miss on a just-created path is retried through the
	// inconsistent-state window before it is believed.
	ResolveForOpen(ctx context.Context, path string) (*types.Object, error)
	types.ObjectStore
}

// Config tunes FUSE-layer behavior not already carried per-object by
// the metadata cache.
type Config struct {
	ReadOnly bool
}

// Stats tracks filesystem operation counters, surfaced through
// MountManager.GetStats for the health/metrics endpoints.
type Stats struct {
	mu sync.RWMutex

	Lookups int64 `json:"lookups"`
	Opens   int64 `json:"opens"`
	Reads   int64 `json:"reads"`
	Writes  int64 `json:"writes"`
	Creates int64 `json:"creates"`
	Deletes int64 `json:"deletes"`
	Errors  int64 `json:"errors"`

	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`

	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
}

func (s *Stats) inc(field *int64, n int64) {
	s.mu.Lock()
	*field += n
	s.mu.Unlock()
}

// FileSystem is the go-fuse root: every node it hands out shares one
// Runtime and therefore one cache, transfer engine, and directory
// lister.
type FileSystem struct {
	fs.Inode
	rt     Runtime
	cfg    Config
	stats  *Stats
	log    *slog.Logger
}

// NewFileSystem binds a FileSystem to rt.
func NewFileSystem(rt Runtime, cfg Config) *FileSystem {
	return &FileSystem{
		rt:    rt,
		cfg:   cfg,
		stats: &Stats{},
		log:   slog.Default().With("component", "fuse"),
	}
}

// Root returns the root directory inode.
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{fsys: fsys, path: ""}
}

// GetStats returns a snapshot of filesystem operation counters,
// folding in the metadata cache's current hit/miss totals.
func (fsys *FileSystem) GetStats() *Stats {
	fsys.stats.mu.RLock()
	cp := Stats{
		Lookups:      fsys.stats.Lookups,
		Opens:        fsys.stats.Opens,
		Reads:        fsys.stats.Reads,
		Writes:       fsys.stats.Writes,
		Creates:      fsys.stats.Creates,
		Deletes:      fsys.stats.Deletes,
		Errors:       fsys.stats.Errors,
		BytesRead:    fsys.stats.BytesRead,
		BytesWritten: fsys.stats.BytesWritten,
		CacheHits:    fsys.stats.CacheHits,
		CacheMisses:  fsys.stats.CacheMisses,
	}
	fsys.stats.mu.RUnlock()

	cacheStats := fsys.rt.Cache().Stats()
	cp.CacheHits = int64(cacheStats.Hits)
	cp.CacheMisses = int64(cacheStats.Misses)
	return &cp
}

// joinPath appends a single kernel-supplied path component to dir. name
// is rejected by the caller via validName before this runs, so this
// never has to cope with "." or "..".
func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// validName rejects a Lookup/Create/Mkdir/Symlink name that could
// escape the directory it was requested in: go-fuse hands us whatever
// the kernel sent, and a name containing a separator would let a
// malicious or buggy caller address a path outside its parent.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return utils.ValidatePath(name, false) == nil && !strings.Contains(name, "/")
}

func fillAttr(out *fuse.Attr, obj *types.Object) {
	obj.RLock()
	defer obj.RUnlock()
	out.Mode = obj.Mode
	switch obj.Kind {
	case types.KindDirectory:
		out.Mode |= syscall.S_IFDIR
	case types.KindSymlink:
		out.Mode |= syscall.S_IFLNK
	default:
		out.Mode |= syscall.S_IFREG
	}
	out.Size = uint64(obj.Size)
	out.Uid = obj.UID
	out.Gid = obj.GID
	t := uint64(obj.MTime.Unix())
	out.Mtime, out.Atime, out.Ctime = t, t, t
	out.Nlink = 1
}

func kindForObject(obj *types.Object) types.ObjectKind {
	if obj.Kind == types.KindFile {
		if _, ok := obj.GetMetadata(symlinkTargetMeta); ok {
			return types.KindSymlink
		}
	}
	return obj.Kind
}

// DirectoryNode represents one directory's worth of children,
// resolved through the metadata cache and directory lister rather
// than held in memory.
type DirectoryNode struct {
	fs.Inode
	fsys *FileSystem
	path string
}

var (
	_ fs.NodeLookuper    = (*DirectoryNode)(nil)
	_ fs.NodeReaddirer   = (*DirectoryNode)(nil)
	_ fs.NodeMkdirer     = (*DirectoryNode)(nil)
	_ fs.NodeCreater     = (*DirectoryNode)(nil)
	_ fs.NodeUnlinker    = (*DirectoryNode)(nil)
	_ fs.NodeRmdirer     = (*DirectoryNode)(nil)
	_ fs.NodeRenamer     = (*DirectoryNode)(nil)
	_ fs.NodeSymlinker   = (*DirectoryNode)(nil)
	_ fs.NodeGetattrer   = (*DirectoryNode)(nil)
	_ fs.NodeSetattrer   = (*DirectoryNode)(nil)
	_ fs.NodeStatfser    = (*DirectoryNode)(nil)
)

func (n *DirectoryNode) child(name string) (*fs.Inode, *types.Object, syscall.Errno) {
	if !validName(name) {
		return nil, nil, syscall.EINVAL
	}
	ctx := context.Background()
	childPath := joinPath(n.path, name)

	n.fsys.stats.inc(&n.fsys.stats.Lookups, 1)

	obj, err := n.fsys.rt.Cache().Fetch(ctx, childPath, objectcache.HintNone)
	if err != nil {
		n.fsys.stats.inc(&n.fsys.stats.Errors, 1)
		return nil, nil, objerrors.ToErrno(err)
	}
	if obj == nil {
		return nil, nil, syscall.ENOENT
	}
	return n.makeInode(childPath, obj), obj, 0
}

func (n *DirectoryNode) makeInode(path string, obj *types.Object) *fs.Inode {
	switch kindForObject(obj) {
	case types.KindDirectory:
		return n.NewInode(context.Background(), &DirectoryNode{fsys: n.fsys, path: path}, fs.StableAttr{Mode: syscall.S_IFDIR})
	case types.KindSymlink:
		return n.NewInode(context.Background(), &SymlinkNode{fsys: n.fsys, path: path}, fs.StableAttr{Mode: syscall.S_IFLNK})
	default:
		return n.NewInode(context.Background(), &FileNode{fsys: n.fsys, path: path}, fs.StableAttr{Mode: syscall.S_IFREG})
	}
}

// Lookup resolves name within this directory by consulting the
// metadata cache, which issues (or joins) the HEAD probe on a miss.
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	inode, obj, errno := n.child(name)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(&out.Attr, obj)
	return inode, 0
}

// Readdir lists this directory's immediate children via
// internal/directory's paginated listing.
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.rt.Directory().List(ctx, n.path)
	if err != nil {
		n.fsys.stats.inc(&n.fsys.stats.Errors, 1)
		return nil, syscall.EIO
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if e.IsPrefix {
			mode = syscall.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

// Getattr reports the directory's own attributes.
func (n *DirectoryNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	obj, err := n.fsys.rt.Cache().Fetch(ctx, n.path, objectcache.HintIsDir)
	if err != nil || obj == nil {
		return syscall.ENOENT
	}
	fillAttr(&out.Attr, obj)
	return 0
}

// Setattr applies chmod/chown/utimens against the cached Object;
// there is no remote metadata endpoint for these bits, so they are
// POSIX-local only, refreshed on the next HEAD-driven cache miss.
func (n *DirectoryNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	obj, err := n.fsys.rt.Cache().Fetch(ctx, n.path, objectcache.HintIsDir)
	if err != nil || obj == nil {
		return syscall.ENOENT
	}
	applySetAttr(obj, in)
	fillAttr(&out.Attr, obj)
	return 0
}

// Statfs reports synthetic, effectively unlimited capacity — object
// stores don't expose a meaningful block/inode budget.
func (n *DirectoryNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	out.Blocks = 1 << 30
	out.Bfree = 1 << 30
	out.Bavail = 1 << 30
	out.Files = 1 << 20
	out.Ffree = 1 << 20
	out.Bsize = 4096
	out.NameLen = 255
	return 0
}

// Mkdir creates the zero-byte placeholder object marking name as a
// directory.
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fsys.cfg.ReadOnly {
		return nil, syscall.EROFS
	}
	if !validName(name) {
		return nil, syscall.EINVAL
	}
	childPath := joinPath(n.path, name)
	obj, err := n.fsys.rt.PutDirectory(ctx, childPath)
	if err != nil {
		n.fsys.stats.inc(&n.fsys.stats.Errors, 1)
		return nil, objerrors.ToErrno(err)
	}
	fillAttr(&out.Attr, obj)
	return n.NewInode(ctx, &DirectoryNode{fsys: n.fsys, path: childPath}, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

// Create creates an empty remote object and opens it for writing.
func (n *DirectoryNode) Create(ctx context.Context, name string, flags, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.fsys.cfg.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}
	if !validName(name) {
		return nil, nil, 0, syscall.EINVAL
	}
	childPath := joinPath(n.path, name)
	obj, err := n.fsys.rt.CreateFile(ctx, childPath)
	if err != nil {
		n.fsys.stats.inc(&n.fsys.stats.Errors, 1)
		return nil, nil, 0, objerrors.ToErrno(err)
	}
	n.fsys.stats.inc(&n.fsys.stats.Creates, 1)

	fileNode := &FileNode{fsys: n.fsys, path: childPath}
	inode := n.NewInode(ctx, fileNode, fs.StableAttr{Mode: syscall.S_IFREG})
	fillAttr(&out.Attr, obj)

	fh, fuseFlags, errno := fileNode.openHandle(ctx, obj, false)
	return inode, fh, fuseFlags, errno
}

// Symlink stores target as user metadata on a zero-byte object, since
// the object store has no native symlink type.
func (n *DirectoryNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fsys.cfg.ReadOnly {
		return nil, syscall.EROFS
	}
	if !validName(name) {
		return nil, syscall.EINVAL
	}
	childPath := joinPath(n.path, name)
	obj, err := n.fsys.rt.CreateFile(ctx, childPath)
	if err != nil {
		return nil, objerrors.ToErrno(err)
	}
	obj.SetMetadata(symlinkTargetMeta, target)
	obj.Lock()
	obj.Target = target
	obj.Unlock()
	if err := n.fsys.rt.Commit(ctx, obj); err != nil {
		return nil, syscall.EIO
	}

	fillAttr(&out.Attr, obj)
	return n.NewInode(ctx, &SymlinkNode{fsys: n.fsys, path: childPath}, fs.StableAttr{Mode: syscall.S_IFLNK}), 0
}

// Unlink removes a file or symlink.
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fsys.cfg.ReadOnly {
		return syscall.EROFS
	}
	childPath := joinPath(n.path, name)
	obj, err := n.fsys.rt.Cache().Fetch(ctx, childPath, objectcache.HintIsFile)
	if err != nil {
		return objerrors.ToErrno(err)
	}
	if obj == nil {
		return syscall.ENOENT
	}
	if err := n.fsys.rt.Remove(ctx, obj); err != nil {
		n.fsys.stats.inc(&n.fsys.stats.Errors, 1)
		return objerrors.ToErrno(err)
	}
	n.fsys.stats.inc(&n.fsys.stats.Deletes, 1)
	return 0
}

// Rmdir removes a directory after confirming it is empty.
func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.fsys.cfg.ReadOnly {
		return syscall.EROFS
	}
	childPath := joinPath(n.path, name)
	placeholderURL := "/" + utils.EscapeObjectKey(childPath) + "/"
	if err := n.fsys.rt.Directory().Remove(ctx, n.fsys.rt.Cache(), childPath, placeholderURL); err != nil {
		return objerrors.ToErrno(err)
	}
	n.fsys.stats.inc(&n.fsys.stats.Deletes, 1)
	return 0
}

// Rename dispatches to internal/directory.Lister.Rename for a
// directory (recursive copy-then-delete over every descendant key) or
// to the Runtime's single-object Rename otherwise.
func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fsys.cfg.ReadOnly {
		return syscall.EROFS
	}
	destDir, ok := newParent.(*DirectoryNode)
	if !ok {
		return syscall.EINVAL
	}
	if !validName(name) || !validName(newName) {
		return syscall.EINVAL
	}
	oldPath := joinPath(n.path, name)
	newPath := joinPath(destDir.path, newName)

	obj, err := n.fsys.rt.Cache().Fetch(ctx, oldPath, objectcache.HintNone)
	if err != nil {
		return objerrors.ToErrno(err)
	}
	if obj == nil {
		return syscall.ENOENT
	}

	if kindForObject(obj) == types.KindDirectory {
		if err := n.fsys.rt.Directory().Rename(ctx, n.fsys.rt.Cache(), n.fsys.rt.Adapter().URLPrefix(), oldPath, newPath); err != nil {
			return objerrors.ToErrno(err)
		}
		return 0
	}
	if err := n.fsys.rt.Rename(ctx, obj, newPath); err != nil {
		return objerrors.ToErrno(err)
	}
	return 0
}

// FileNode represents one regular file; its content lives behind
// internal/vfs's per-open state machine, constructed lazily on Open.
type FileNode struct {
	fs.Inode
	fsys *FileSystem
	path string
}

var (
	_ fs.NodeOpener       = (*FileNode)(nil)
	_ fs.NodeGetattrer    = (*FileNode)(nil)
	_ fs.NodeSetattrer    = (*FileNode)(nil)
	_ fs.NodeGetxattrer   = (*FileNode)(nil)
	_ fs.NodeSetxattrer   = (*FileNode)(nil)
	_ fs.NodeListxattrer  = (*FileNode)(nil)
	_ fs.NodeRemovexattrer = (*FileNode)(nil)
)

func (f *FileNode) object(ctx context.Context) (*types.Object, syscall.Errno) {
	obj, err := f.fsys.rt.Cache().Fetch(ctx, f.path, objectcache.HintIsFile)
	if err != nil {
		return nil, objerrors.ToErrno(err)
	}
	if obj == nil {
		return nil, syscall.ENOENT
	}
	return obj, 0
}

// Open binds a vfs.File to the requested object, downloading its
// content into a scratch file if this is the first concurrent opener.
// The lookup goes through ResolveForOpen so an open racing the bucket's
// consistency window after a create is retried rather than failed.
func (f *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	obj, err := f.fsys.rt.ResolveForOpen(ctx, f.path)
	if err != nil {
		return nil, 0, objerrors.ToErrno(err)
	}
	if obj == nil {
		return nil, 0, syscall.ENOENT
	}
	truncate := flags&uint32(os.O_TRUNC) != 0
	if truncate && f.fsys.cfg.ReadOnly {
		return nil, 0, syscall.EROFS
	}
	return f.openHandle(ctx, obj, truncate)
}

func (f *FileNode) openHandle(ctx context.Context, obj *types.Object, truncate bool) (fs.FileHandle, uint32, syscall.Errno) {
	var key *transfer.FileKey
	if volKey := f.fsys.rt.VolumeKey(); len(volKey) > 0 {
		obj.RLock()
		wrapped := obj.SymmetricKey
		obj.RUnlock()
		if len(wrapped) > 0 {
			k, err := transfer.UnwrapFileKey(volKey, string(wrapped))
			if err != nil {
				return nil, 0, syscall.EIO
			}
			key = k
		}
	}

	vf, errno := vfs.Open(ctx, obj, f.fsys.rt, f.fsys.rt.Engine(), f.fsys.rt.ScratchDir(), key, truncate)
	if errno != 0 {
		return nil, 0, errno
	}
	f.fsys.stats.inc(&f.fsys.stats.Opens, 1)
	return &FileHandle{fsys: f.fsys, vf: vf, path: f.path}, 0, 0
}

// Getattr reports the file's current size and POSIX attributes.
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	obj, errno := f.object(ctx)
	if errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, obj)
	return 0
}

// Setattr applies chmod/chown/truncate-via-size against the object.
func (f *FileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	obj, errno := f.object(ctx)
	if errno != 0 {
		return errno
	}
	if size, ok := in.GetSize(); ok {
		if h, ok := fh.(*FileHandle); ok {
			if errno := h.vf.Truncate(int64(size)); errno != 0 {
				return errno
			}
		}
	}
	applySetAttr(obj, in)
	fillAttr(&out.Attr, obj)
	return 0
}

// Getxattr/Setxattr/Listxattr/Removexattr expose the Object's user
// metadata map as extended attributes.
func (f *FileNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	obj, errno := f.object(ctx)
	if errno != 0 {
		return 0, errno
	}
	v, ok := obj.GetMetadata(attr)
	if !ok {
		return 0, syscall.ENODATA
	}
	if len(dest) < len(v) {
		return uint32(len(v)), syscall.ERANGE
	}
	return uint32(copy(dest, v)), 0
}

func (f *FileNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	obj, errno := f.object(ctx)
	if errno != 0 {
		return errno
	}
	obj.SetMetadata(attr, string(data))
	return 0
}

func (f *FileNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	obj, errno := f.object(ctx)
	if errno != 0 {
		return 0, errno
	}
	obj.RLock()
	keys := make([]string, 0, len(obj.UserMeta))
	for k := range obj.UserMeta {
		keys = append(keys, k)
	}
	obj.RUnlock()
	joined := strings.Join(keys, "\x00")
	if len(joined) > 0 {
		joined += "\x00"
	}
	if len(dest) < len(joined) {
		return uint32(len(joined)), syscall.ERANGE
	}
	return uint32(copy(dest, joined)), 0
}

func (f *FileNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	obj, errno := f.object(ctx)
	if errno != 0 {
		return errno
	}
	obj.RemoveMetadata(attr)
	return 0
}

// SymlinkNode represents a symlink: a zero-byte object whose target
// is carried as user metadata.
type SymlinkNode struct {
	fs.Inode
	fsys *FileSystem
	path string
}

var (
	_ fs.NodeReadlinker = (*SymlinkNode)(nil)
	_ fs.NodeGetattrer  = (*SymlinkNode)(nil)
)

func (s *SymlinkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	obj, err := s.fsys.rt.Cache().Fetch(ctx, s.path, objectcache.HintIsFile)
	if err != nil {
		return nil, objerrors.ToErrno(err)
	}
	if obj == nil {
		return nil, syscall.ENOENT
	}
	obj.RLock()
	target := obj.Target
	obj.RUnlock()
	if target == "" {
		if v, ok := obj.GetMetadata(symlinkTargetMeta); ok {
			target = v
		}
	}
	return []byte(target), 0
}

func (s *SymlinkNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	obj, err := s.fsys.rt.Cache().Fetch(ctx, s.path, objectcache.HintIsFile)
	if err != nil || obj == nil {
		return syscall.ENOENT
	}
	fillAttr(&out.Attr, obj)
	return 0
}

// applySetAttr copies the POSIX bits a chmod/chown/utimens call may
// carry onto obj; there is no remote metadata endpoint for these, so
// they live cache-side only until the next cache eviction.
func applySetAttr(obj *types.Object, in *fuse.SetAttrIn) {
	obj.Lock()
	defer obj.Unlock()
	if mode, ok := in.GetMode(); ok {
		obj.Mode = mode &^ (syscall.S_IFMT)
	}
	if uid, ok := in.GetUID(); ok {
		obj.UID = uid
	}
	if gid, ok := in.GetGID(); ok {
		obj.GID = gid
	}
	if mtime, ok := in.GetMTime(); ok {
		obj.MTime = mtime
	}
}

// FileHandle is one open file's FUSE-facing handle, backed by an
// internal/vfs.File.
type FileHandle struct {
	fsys *FileSystem
	vf   *vfs.File
	path string
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
)

func (h *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, errno := h.vf.Read(dest, off)
	if errno != 0 {
		h.fsys.stats.inc(&h.fsys.stats.Errors, 1)
		return nil, errno
	}
	h.fsys.stats.inc(&h.fsys.stats.Reads, 1)
	h.fsys.stats.inc(&h.fsys.stats.BytesRead, int64(n))
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if h.fsys.cfg.ReadOnly {
		return 0, syscall.EROFS
	}
	n, errno := h.vf.Write(data, off)
	if errno != 0 {
		h.fsys.stats.inc(&h.fsys.stats.Errors, 1)
		return 0, errno
	}
	h.fsys.stats.inc(&h.fsys.stats.Writes, 1)
	h.fsys.stats.inc(&h.fsys.stats.BytesWritten, int64(n))
	return uint32(n), 0
}

func (h *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return h.vf.Flush(ctx)
}

func (h *FileHandle) Release(ctx context.Context) syscall.Errno {
	return h.vf.Release(ctx)
}
