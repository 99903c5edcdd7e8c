// Package vfs implements the per-file state machine: the
// download/write/upload bitset and scratch-file bookkeeping that sits
// between FUSE's open/read/write/flush/release calls and the transfer
// engine.
package vfs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"

	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/internal/transfer"
	"github.com/objectfs/objectfs/pkg/types"
)

// Reserved user-metadata keys carrying this filesystem's own
// bookkeeping alongside the object.
const (
	md5MetaKey     = "s3fuse-md5"
	md5ETagMetaKey = "s3fuse-md5-etag"
)

// Store is the subset of the metadata layer a File needs to persist
// its own mutations, kept narrow so tests can fake it without dragging
// in the whole cache.
type Store interface {
	types.ObjectStore
}

var scratchSeq int64

// File is one open file's local state: a scratch file on disk mirrors
// the object's bytes, and a status bitset (on the backing
// types.Object) tracks which asynchronous phase — if any — currently
// owns it.
type File struct {
	obj        *types.Object
	store      Store
	engine     *transfer.Engine
	scratchDir string
	key        *transfer.FileKey

	fd *os.File
}

// Open binds a File to obj, creating or reusing its scratch file and,
// if the object already has remote content and no scratch file yet,
// downloading it synchronously under the StatusDownloading bit so
// concurrent opens of the same object block on the same fetch rather
// than issuing duplicate GETs. With truncate set the download is
// skipped entirely: the file starts over at size zero and dirty, the
// way an O_TRUNC open behaves.
func Open(ctx context.Context, obj *types.Object, store Store, engine *transfer.Engine, scratchDir string, key *transfer.FileKey, truncate bool) (*File, syscall.Errno) {
	f := &File{obj: obj, store: store, engine: engine, scratchDir: scratchDir, key: key}

	obj.Lock()
	needsDownload := false
	if obj.ScratchPath == "" {
		obj.ScratchPath = filepath.Join(scratchDir, fmt.Sprintf("%d-%d", os.Getpid(), atomic.AddInt64(&scratchSeq, 1)))
		needsDownload = obj.Size > 0 && !truncate
		if needsDownload {
			obj.FileStatus |= types.StatusDownloading
		}
	}
	for obj.FileStatus.Has(types.StatusDownloading) && !needsDownload {
		obj.Cond().Wait()
	}
	if truncate {
		obj.Size = 0
		obj.FileStatus |= types.StatusDirty
	}
	obj.RefCount++
	scratchPath := obj.ScratchPath
	obj.Unlock()

	openFlags := os.O_RDWR | os.O_CREATE
	if truncate {
		openFlags |= os.O_TRUNC
	}
	fd, err := os.OpenFile(scratchPath, openFlags, 0600)
	if err != nil {
		obj.Lock()
		obj.RefCount--
		obj.Unlock()
		return nil, syscall.EIO
	}
	f.fd = fd

	if needsDownload {
		errno := f.download(ctx)
		obj.Lock()
		obj.FileStatus &^= types.StatusDownloading
		obj.Cond().Broadcast()
		obj.Unlock()
		if errno != 0 {
			fd.Close()
			return nil, errno
		}
	}

	return f, 0
}

func (f *File) download(ctx context.Context) syscall.Errno {
	data, status := f.engine.Download(ctx, f.obj.URL, f.obj.Size)
	if status != 0 {
		return objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageRead, "downloading object body"))
	}
	if f.key != nil {
		plain, err := f.key.Decrypt(0, data)
		if err != nil {
			return syscall.EIO
		}
		data = plain
	}
	if _, err := f.fd.WriteAt(data, 0); err != nil {
		return syscall.EIO
	}
	return 0
}

// Read serves a read directly from the scratch file; a completed
// Open has already guaranteed the scratch file holds a full, coherent
// copy of the object.
func (f *File) Read(dest []byte, offset int64) (int, syscall.Errno) {
	n, err := f.fd.ReadAt(dest, offset)
	if err != nil && err != io.EOF {
		return n, syscall.EIO
	}
	return n, 0
}

// beginWrite marks a write in flight, refusing if an upload owns the
// file. StatusWriting stays set while any handle's write is mid-
// syscall, counted through Object.Writers so overlapping writes from
// two handles don't clear each other's bit.
func (f *File) beginWrite() syscall.Errno {
	f.obj.Lock()
	defer f.obj.Unlock()
	if f.obj.FileStatus.Has(types.StatusUploading) {
		return syscall.EBUSY
	}
	f.obj.Writers++
	f.obj.FileStatus |= types.StatusWriting
	return 0
}

func (f *File) endWrite(newEnd int64) {
	f.obj.Lock()
	f.obj.Writers--
	if f.obj.Writers == 0 {
		f.obj.FileStatus &^= types.StatusWriting
	}
	f.obj.FileStatus |= types.StatusDirty
	if newEnd >= 0 && newEnd > f.obj.Size {
		f.obj.Size = newEnd
	}
	f.obj.Cond().Broadcast()
	f.obj.Unlock()
}

// Write applies data to the scratch file and marks the object dirty,
// rejecting with -EBUSY while an upload is in flight.
func (f *File) Write(data []byte, offset int64) (int, syscall.Errno) {
	if errno := f.beginWrite(); errno != 0 {
		return 0, errno
	}

	n, err := f.fd.WriteAt(data, offset)
	f.endWrite(offset + int64(n))

	if err != nil {
		return n, syscall.EIO
	}
	return n, 0
}

// Truncate resizes the scratch file and marks the object dirty, under
// the same upload guard as Write.
func (f *File) Truncate(size int64) syscall.Errno {
	if errno := f.beginWrite(); errno != 0 {
		return errno
	}
	err := f.fd.Truncate(size)
	f.endWrite(-1)

	f.obj.Lock()
	f.obj.Size = size
	f.obj.Unlock()

	if err != nil {
		return syscall.EIO
	}
	return 0
}

// Flush uploads the scratch file's full contents and commits the
// resulting ETag through the store. It is a no-op on a clean file and
// refuses with -EBUSY while a write or another flush is in flight —
// the busy signal goes to the flusher, never the writer.
func (f *File) Flush(ctx context.Context) syscall.Errno {
	f.obj.Lock()
	if !f.obj.FileStatus.Has(types.StatusDirty) {
		f.obj.Unlock()
		return 0
	}
	if f.obj.FileStatus.Has(types.StatusUploading) || f.obj.FileStatus.Has(types.StatusWriting) {
		f.obj.Unlock()
		return syscall.EBUSY
	}
	f.obj.FileStatus |= types.StatusUploading
	size := f.obj.Size
	f.obj.Unlock()

	contentMD5, md5Err := f.contentMD5(size)
	etag, status := f.engine.Upload(ctx, f.obj.URL, size, f.readForUpload)

	f.obj.Lock()
	f.obj.FileStatus &^= types.StatusUploading
	if status == 0 {
		f.obj.FileStatus &^= types.StatusDirty
		f.obj.ETag = etag
		if md5Err == nil {
			f.obj.MD5 = contentMD5
			f.obj.MD5ETag = etag
		}
	}
	f.obj.Cond().Broadcast()
	f.obj.Unlock()

	if status == 0 && md5Err == nil {
		f.obj.SetMetadata(md5MetaKey, contentMD5)
		f.obj.SetMetadata(md5ETagMetaKey, etag)
	}

	if status != 0 {
		return objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "uploading object body"))
	}
	if err := f.store.Commit(ctx, f.obj); err != nil {
		return syscall.EIO
	}
	return 0
}

// contentMD5 hashes the scratch file's current contents: the MD5 a
// later reader can compare against the etag it was computed under.
func (f *File) contentMD5(size int64) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, io.NewSectionReader(f.fd, 0, size)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (f *File) readForUpload(offset, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := f.fd.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, err
	}
	if f.key != nil {
		return f.key.Encrypt(offset, buf)
	}
	return buf, nil
}

// Release drops a reference, flushing first if dirty, and closes the
// scratch file descriptor once the last reference goes away. The
// scratch file itself is left on disk for a subsequent Open to reuse
// until the object is evicted from the metadata cache. Unlike an
// explicit flush, release waits out in-flight writes and uploads
// rather than refusing — close has nowhere to report EBUSY to.
func (f *File) Release(ctx context.Context) syscall.Errno {
	f.obj.Lock()
	for f.obj.FileStatus.Has(types.StatusWriting) || f.obj.FileStatus.Has(types.StatusUploading) {
		f.obj.Cond().Wait()
	}
	dirty := f.obj.FileStatus.Has(types.StatusDirty)
	f.obj.Unlock()

	var errno syscall.Errno
	if dirty {
		errno = f.Flush(ctx)
	}

	f.obj.Lock()
	f.obj.RefCount--
	f.obj.Unlock()

	if err := f.fd.Close(); err != nil && errno == 0 {
		errno = syscall.EIO
	}
	return errno
}
