package adapter

import (
	"context"
	"strconv"
	"syscall"
	"time"

	"github.com/objectfs/objectfs/internal/objectcache"
	"github.com/objectfs/objectfs/internal/transport"
	"github.com/objectfs/objectfs/internal/workerpool"
	"github.com/objectfs/objectfs/pkg/types"
	"github.com/objectfs/objectfs/pkg/utils"
)

// statusErr converts a workerpool.Status (zero or a negative errno)
// into an error, the shape internal/circuit's breaker wants back from
// the function it wraps.
func statusErr(status workerpool.Status) error {
	if status == workerpool.StatusOK {
		return nil
	}
	return syscall.Errno(-int(status))
}

// Probe implements objectcache.Prober: it resolves path to an Object
// by issuing one or two HEAD requests, trying the form hint favors
// first and falling back to the other shape on a 404 — a bucket has
// no strict hierarchy, so a key and a same-named directory placeholder
// can coexist, but a single lookup must still pick one to answer
// Getattr with.
func (r *Runtime) Probe(ctx context.Context, path string, hint objectcache.Hint) (*types.Object, error) {
	if path == "" {
		return r.rootObject(), nil
	}

	fileKey := path
	dirKey := path + "/"

	tryFile := func() (*types.Object, error) { return r.headObject(ctx, path, fileKey, types.KindFile) }
	tryDir := func() (*types.Object, error) { return r.headObject(ctx, path, dirKey, types.KindDirectory) }

	// Directory-first for HintIsDir and HintNone; only an explicit
	// file hint probes the object key first.
	first, second := tryDir, tryFile
	if hint == objectcache.HintIsFile {
		first, second = tryFile, tryDir
	}

	obj, err := first()
	if err != nil {
		return nil, err
	}
	if obj != nil {
		return obj, nil
	}
	return second()
}

func (r *Runtime) rootObject() *types.Object {
	obj := types.NewObject("", types.KindDirectory)
	obj.URL = "/"
	obj.Mode = r.cfg.Storage.DefaultMode | 0111
	obj.UID = r.cfg.Storage.DefaultUID
	obj.GID = r.cfg.Storage.DefaultGID
	obj.MTime = time.Now()
	return obj
}

// headObject issues one HEAD against key and, on a 2xx, builds the
// Object it describes. A 404 is reported as (nil, nil) — the miss
// itself, not an error, so Probe can try the other key shape.
func (r *Runtime) headObject(ctx context.Context, path, key string, kind types.ObjectKind) (*types.Object, error) {
	urlPath := "/" + utils.EscapeObjectKey(key)

	var (
		code        int
		etag        string
		size        int64
		lastMod     string
		contentType string
		userMeta    map[string]string
	)

	cbErr := r.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		status := r.pool.Call(ctx, workerpool.PR0, func(ctx context.Context, req *transport.Request) workerpool.Status {
			req.Init(transport.MethodHead)
			req.SetURL(urlPath, "")
			if err := req.Run(ctx, 0); err != nil {
				return workerpool.NegErrno(syscall.EIO)
			}
			code = req.ResponseCode()
			if code/100 != 2 && code != 404 {
				return workerpool.NegErrno(syscall.EIO)
			}
			etag = req.ResponseHeader("ETag")
			lastMod = req.ResponseHeader("Last-Modified")
			contentType = req.ResponseHeader("Content-Type")
			if n, err := strconv.ParseInt(req.ResponseHeader("Content-Length"), 10, 64); err == nil {
				size = n
			}
			userMeta = req.ResponseHeadersWithPrefix(r.svc.HeaderMetaPrefix())
			return workerpool.StatusOK
		})
		return statusErr(status)
	})
	if cbErr != nil {
		r.health.RecordError("service_adapter", cbErr)
		return nil, cbErr
	}
	r.health.RecordSuccess("service_adapter")

	if code == 404 {
		return nil, nil
	}

	obj := types.NewObject(path, kind)
	obj.URL = urlPath
	obj.ETag = etag
	obj.Size = size
	obj.ContentType = contentType
	obj.Mode = r.cfg.Storage.DefaultMode
	if kind == types.KindDirectory {
		obj.Mode |= 0111
	}
	obj.UID = r.cfg.Storage.DefaultUID
	obj.GID = r.cfg.Storage.DefaultGID
	if t, err := time.Parse(time.RFC1123, lastMod); err == nil {
		obj.MTime = t
	} else {
		obj.MTime = time.Now()
	}
	for k, v := range userMeta {
		obj.SetMetadata(k, v)
	}
	if wrapped, ok := obj.GetMetadata(fileKeyMetaKey); ok {
		obj.SymmetricKey = []byte(wrapped)
	}
	return obj, nil
}
