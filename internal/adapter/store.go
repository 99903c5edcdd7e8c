package adapter

import (
	"context"
	"syscall"

	"github.com/objectfs/objectfs/internal/transfer"
	"github.com/objectfs/objectfs/internal/transport"
	"github.com/objectfs/objectfs/internal/workerpool"
	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
	"github.com/objectfs/objectfs/pkg/utils"
)

// fileKeyMetaKey is the reserved user-metadata key the wrapped
// per-file encryption key travels under.
const fileKeyMetaKey = "s3fuse-key"

// Commit implements types.ObjectStore: internal/transfer has already
// landed o's bytes (and, for a directory, PutDirectory below already
// landed the placeholder), so Commit only needs to make the cache
// agree with what a fresh HEAD would now return.
func (r *Runtime) Commit(ctx context.Context, o *types.Object) error {
	r.cache.Put(o.Path, o)
	r.cache.InvalidateParent(o.Path)
	return nil
}

// Remove implements types.ObjectStore for a single file or symlink:
// delete the object, then drop it (and its parent's child listing)
// from the cache.
func (r *Runtime) Remove(ctx context.Context, o *types.Object) error {
	err := r.recoveryMgr.Execute(ctx, "object_store", "delete", func() error {
		status := r.pool.Call(ctx, workerpool.PR0, func(ctx context.Context, req *transport.Request) workerpool.Status {
			req.Init(transport.MethodDelete)
			req.SetURL(o.URL, "")
			if err := req.Run(ctx, 0); err != nil {
				return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
			}
			if req.ResponseCode()/100 != 2 {
				return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "delete failed")))
			}
			return workerpool.StatusOK
		})
		if status != workerpool.StatusOK {
			return syscall.Errno(-int(status))
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.cache.Remove(o.Path)
	r.cache.InvalidateParent(o.Path)
	return nil
}

// Rename implements types.ObjectStore for a single file or symlink:
// copy to newPath's key, delete the original, and re-point o in
// place so the caller's in-memory handle keeps working under its new
// name. Directory renames go through internal/directory.Lister.Rename
// instead, which fans out over every descendant key.
func (r *Runtime) Rename(ctx context.Context, o *types.Object, newPath string) error {
	newKey := newPath
	if o.Kind == types.KindDirectory {
		newKey += "/"
	}
	newURL := "/" + utils.EscapeObjectKey(newKey)
	oldURL := o.URL
	oldPath := o.Path

	status := r.pool.Call(ctx, workerpool.PR0, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodPut)
		req.SetURL(newURL, "")
		req.SetHeader(r.svc.HeaderPrefix()+"copy-source", r.svc.URLPrefix()+oldURL)
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		if req.ResponseCode()/100 != 2 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "rename copy failed")))
		}
		return workerpool.StatusOK
	})
	if status != workerpool.StatusOK {
		return syscall.Errno(-int(status))
	}

	status = r.pool.Call(ctx, workerpool.PR0, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodDelete)
		req.SetURL(oldURL, "")
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		if req.ResponseCode()/100 != 2 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "rename delete failed")))
		}
		return workerpool.StatusOK
	})

	o.Lock()
	o.Path = newPath
	o.URL = newURL
	o.Unlock()

	r.cache.Remove(oldPath)
	r.cache.Put(newPath, o)
	r.cache.InvalidateParent(oldPath)
	r.cache.InvalidateParent(newPath)

	if status != workerpool.StatusOK {
		return syscall.Errno(-int(status))
	}
	return nil
}

// CreateFile creates a zero-byte object at path, the counterpart to
// PutDirectory for regular files and symlinks: FUSE's Create/Symlink
// need an Object to hand back (and open, for Create) before any bytes
// exist. When encrypt_new_files is on, a fresh per-file key is
// generated here, wrapped under the volume key, and carried in the
// object's user metadata from its very first PUT.
func (r *Runtime) CreateFile(ctx context.Context, path string) (*types.Object, error) {
	urlPath := "/" + utils.EscapeObjectKey(path)

	var wrappedKey string
	if len(r.volumeKey) > 0 && r.cfg.Storage.EncryptNewFiles {
		fileKey, err := transfer.GenerateFileKey()
		if err != nil {
			return nil, err
		}
		wrappedKey, err = fileKey.Wrap(r.volumeKey)
		if err != nil {
			return nil, err
		}
	}

	status := r.pool.Call(ctx, workerpool.PR0, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodPut)
		req.SetURL(urlPath, "")
		req.SetInputBuffer(nil)
		if wrappedKey != "" {
			req.SetHeader(r.svc.HeaderMetaPrefix()+fileKeyMetaKey, wrappedKey)
		}
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		if req.ResponseCode()/100 != 2 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "create failed")))
		}
		return workerpool.StatusOK
	})
	if status != workerpool.StatusOK {
		return nil, syscall.Errno(-int(status))
	}

	obj := types.NewObject(path, types.KindFile)
	obj.URL = urlPath
	if wrappedKey != "" {
		obj.SymmetricKey = []byte(wrappedKey)
		obj.SetMetadata(fileKeyMetaKey, wrappedKey)
	}
	obj.Mode = r.cfg.Storage.DefaultMode
	obj.UID = r.cfg.Storage.DefaultUID
	obj.GID = r.cfg.Storage.DefaultGID
	r.cache.Put(path, obj)
	r.cache.InvalidateParent(path)
	r.noteCreated(path)
	return obj, nil
}

// PutDirectory creates the zero-byte placeholder object marking path
// as a directory, the counterpart to internal/directory.Lister's
// Remove: a directory's existence is entirely defined by whether this
// key is present.
func (r *Runtime) PutDirectory(ctx context.Context, path string) (*types.Object, error) {
	key := path + "/"
	urlPath := "/" + utils.EscapeObjectKey(key)

	status := r.pool.Call(ctx, workerpool.PR0, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodPut)
		req.SetURL(urlPath, "")
		req.SetInputBuffer(nil)
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		if req.ResponseCode()/100 != 2 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "mkdir failed")))
		}
		return workerpool.StatusOK
	})
	if status != workerpool.StatusOK {
		return nil, syscall.Errno(-int(status))
	}

	obj := types.NewObject(path, types.KindDirectory)
	obj.URL = urlPath
	obj.Mode = r.cfg.Storage.DefaultMode | 0111
	obj.UID = r.cfg.Storage.DefaultUID
	obj.GID = r.cfg.Storage.DefaultGID
	r.cache.Put(path, obj)
	r.cache.InvalidateParent(path)
	r.noteCreated(path)
	return obj, nil
}
