// Package directory implements directory operations: paginated
// listing, emptiness checks, and rename-as-copy-then-delete.
package directory

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/objectfs/objectfs/internal/objectcache"
	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/internal/transport"
	"github.com/objectfs/objectfs/internal/workerpool"
	"github.com/objectfs/objectfs/pkg/types"
	"github.com/objectfs/objectfs/pkg/utils"
)

// Entry is one child of a listed directory: either a "subdirectory"
// (a common prefix) or a plain key.
type Entry struct {
	Name     string
	IsPrefix bool
}

type listBucketResult struct {
	XMLName        xml.Name `xml:"ListBucketResult"`
	IsTruncated    bool     `xml:"IsTruncated"`
	NextMarker     string   `xml:"NextMarker"`
	Contents       []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
	CommonPrefixes []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
}

// Lister issues paginated bucket listings against one service
// adapter's URL/signing scheme.
type Lister struct {
	pool    *workerpool.Pool
	adapter types.ServiceAdapter
}

// New constructs a Lister bound to pool and adapter.
func New(pool *workerpool.Pool, adapter types.ServiceAdapter) *Lister {
	return &Lister{pool: pool, adapter: adapter}
}

// List returns the immediate children of path: entries with
// IsPrefix == true are subdirectories, the rest are plain keys.
// Results are not cached here — callers populate
// internal/objectcache's ChildNames themselves.
func (l *Lister) List(ctx context.Context, path string) ([]Entry, error) {
	prefix := path
	if prefix != "" {
		prefix += "/"
	}

	var entries []Entry
	marker := ""
	for {
		doc, status := l.listPage(ctx, prefix, marker)
		if status != workerpool.StatusOK {
			return nil, fmt.Errorf("directory: listing %q: transfer failed", path)
		}

		for _, p := range doc.CommonPrefixes {
			rel := strings.TrimPrefix(p.Prefix, prefix)
			rel = strings.TrimSuffix(rel, "/")
			entries = append(entries, Entry{Name: rel, IsPrefix: true})
		}
		for _, c := range doc.Contents {
			if c.Key == prefix {
				continue // the directory placeholder key itself
			}
			entries = append(entries, Entry{Name: strings.TrimPrefix(c.Key, prefix)})
		}

		if !doc.IsTruncated {
			break
		}
		marker = doc.NextMarker
	}
	return entries, nil
}

func (l *Lister) listPage(ctx context.Context, prefix, marker string) (*listBucketResult, workerpool.Status) {
	return l.page(ctx, "delimiter=/&prefix="+url.QueryEscape(prefix), marker)
}

// deepPage lists without a delimiter, so every descendant key under
// prefix is returned — what a recursive rename walks.
func (l *Lister) deepPage(ctx context.Context, prefix, marker string) (*listBucketResult, workerpool.Status) {
	return l.page(ctx, "prefix="+url.QueryEscape(prefix), marker)
}

func (l *Lister) page(ctx context.Context, baseQuery, marker string) (*listBucketResult, workerpool.Status) {
	var doc listBucketResult
	status := l.pool.Call(ctx, workerpool.PR0, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodGet)
		q := baseQuery
		if marker != "" {
			q += "&marker=" + url.QueryEscape(marker)
		}
		req.SetURL("/", q)
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		if req.ResponseCode() != 200 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageRead, "listing request failed")))
		}
		if err := xml.Unmarshal(req.ResponseBody(), &doc); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageRead, "parsing listing response: "+err.Error())))
		}
		return workerpool.StatusOK
	})
	return &doc, status
}

// Emptiness distinguishes the three answers an emptiness probe can
// give: a directory can be missing its own placeholder entirely
// (not found), hold only its placeholder (empty), or hold children
// (not empty) — collapsing the first two into one "not empty" bit
// would make remove() return the wrong errno for a directory that was
// never created.
type Emptiness int

const (
	NotFound Emptiness = iota
	Empty
	NotEmpty
)

// IsEmpty probes path with a 2-key listing: max-keys=2 under
// prefix=path+"/" always returns the placeholder key itself (if it
// exists) plus, if present, one more key proving the directory is not
// empty.
func (l *Lister) IsEmpty(ctx context.Context, path string) (Emptiness, error) {
	prefix := path + "/"
	var keyCount int
	status := l.pool.Call(ctx, workerpool.PR0, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodGet)
		req.SetURL("/", fmt.Sprintf("prefix=%s&max-keys=2", url.QueryEscape(prefix)))
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		if req.ResponseCode() != 200 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageRead, "is_empty probe failed")))
		}
		var doc listBucketResult
		if err := xml.Unmarshal(req.ResponseBody(), &doc); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageRead, "parsing is_empty response: "+err.Error())))
		}
		keyCount = len(doc.Contents)
		return workerpool.StatusOK
	})
	if status != workerpool.StatusOK {
		return NotFound, fmt.Errorf("directory: probing %q: transfer failed", path)
	}
	switch keyCount {
	case 0:
		return NotFound, nil
	case 1:
		return Empty, nil
	default:
		return NotEmpty, nil
	}
}

// Remove deletes the directory placeholder object at path after
// confirming it is both present and empty.
func (l *Lister) Remove(ctx context.Context, cache *objectcache.Cache, path, placeholderURL string) error {
	switch state, err := l.IsEmpty(ctx, path); {
	case err != nil:
		return err
	case state == NotFound:
		return objerrors.NewError(objerrors.ErrCodeFileNotFound, "directory does not exist").WithOperation("remove")
	case state == NotEmpty:
		return objerrors.NewError(objerrors.ErrCodeNotEmpty, "directory is not empty").WithOperation("remove")
	}

	status := l.pool.Call(ctx, workerpool.PR0, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodDelete)
		req.SetURL(placeholderURL, "")
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		if req.ResponseCode()/100 != 2 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "directory delete failed")))
		}
		return workerpool.StatusOK
	})
	if status != workerpool.StatusOK {
		return objerrors.NewError(objerrors.ErrCodeStorageWrite, "directory delete failed")
	}

	cache.Remove(path)
	cache.InvalidateParent(path)
	return nil
}

// Rename moves every key under from (recursively) to the equivalent
// path under to: copy each key, wait for every copy to land, only then
// delete the originals. The two phases are separate fan-outs over the
// worker pool with a barrier between them; partial completion is
// possible and surfaces as the first failing status.
func (l *Lister) Rename(ctx context.Context, cache *objectcache.Cache, urlPrefix, from, to string) error {
	if from == "" {
		return objerrors.NewError(objerrors.ErrCodePathInvalid, "cannot rename the root directory").WithOperation("rename")
	}

	fromPrefix := from + "/"
	toPrefix := to + "/"

	var names []string
	marker := ""
	for {
		doc, status := l.deepPage(ctx, fromPrefix, marker)
		if status != workerpool.StatusOK {
			return objerrors.NewError(objerrors.ErrCodeStorageRead, "listing source tree for rename")
		}
		for _, c := range doc.Contents {
			names = append(names, c.Key)
		}
		if !doc.IsTruncated {
			break
		}
		// Without a delimiter the reply carries no NextMarker; the next
		// page starts after the last key seen.
		marker = doc.NextMarker
		if marker == "" && len(doc.Contents) > 0 {
			marker = doc.Contents[len(doc.Contents)-1].Key
		}
	}

	copied := make([]string, 0, len(names))
	var copyErr error
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, name := range names {
		newName := toPrefix + strings.TrimPrefix(name, fromPrefix)
		wg.Add(1)
		go func(oldName, newName string) {
			defer wg.Done()
			status := l.copyKey(ctx, urlPrefix, oldName, newName)
			mu.Lock()
			defer mu.Unlock()
			if status != workerpool.StatusOK {
				if copyErr == nil {
					copyErr = objerrors.NewError(objerrors.ErrCodeStorageWrite, "copying "+oldName+" to "+newName)
				}
				return
			}
			// Invalidate only after the copy landed, keyed by the name
			// captured for this goroutine; invalidating earlier would
			// let a racing lookup re-install the doomed entry.
			cache.Remove(oldName)
			copied = append(copied, oldName)
		}(name, newName)
	}
	wg.Wait()

	if copyErr != nil {
		return copyErr
	}

	var delWg sync.WaitGroup
	var delErr error
	for _, oldName := range copied {
		delWg.Add(1)
		go func(oldName string) {
			defer delWg.Done()
			if status := l.deleteKey(ctx, urlPrefix, oldName); status != workerpool.StatusOK {
				mu.Lock()
				if delErr == nil {
					delErr = objerrors.NewError(objerrors.ErrCodeStorageWrite, "deleting "+oldName+" after rename")
				}
				mu.Unlock()
			}
		}(oldName)
	}
	delWg.Wait()

	cache.InvalidateParent(from)
	cache.InvalidateParent(to)
	return delErr
}

func (l *Lister) copyKey(ctx context.Context, urlPrefix, oldName, newName string) workerpool.Status {
	return l.pool.Call(ctx, workerpool.PRReq1, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodPut)
		req.SetURL("/"+utils.EscapeObjectKey(newName), "")
		req.SetHeader(l.adapter.HeaderPrefix()+"copy-source", urlPrefix+"/"+utils.EscapeObjectKey(oldName))
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		if req.ResponseCode()/100 != 2 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "copy failed")))
		}
		return workerpool.StatusOK
	})
}

func (l *Lister) deleteKey(ctx context.Context, urlPrefix, key string) workerpool.Status {
	return l.pool.Call(ctx, workerpool.PRReq1, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodDelete)
		req.SetURL("/"+utils.EscapeObjectKey(key), "")
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		if req.ResponseCode()/100 != 2 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "delete failed")))
		}
		return workerpool.StatusOK
	})
}
