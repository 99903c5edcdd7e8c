package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/objectfs/objectfs/internal/objectcache"
	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/retry"
	"github.com/objectfs/objectfs/pkg/types"
)

// recentCreateWindow bounds how long after a create the open path keeps
// treating a 404 as eventual-consistency lag rather than a real miss.
const recentCreateWindow = 30 * time.Second

// noteCreated records that this process just created path, so an
// immediately-following open can distinguish "bucket hasn't caught up
// yet" from "genuinely absent."
func (r *Runtime) noteCreated(path string) {
	r.createMu.Lock()
	defer r.createMu.Unlock()
	if r.recentCreates == nil {
		r.recentCreates = make(map[string]time.Time)
	}
	r.recentCreates[path] = time.Now()
	for p, t := range r.recentCreates {
		if time.Since(t) > recentCreateWindow {
			delete(r.recentCreates, p)
		}
	}
}

func (r *Runtime) recentlyCreated(path string) bool {
	r.createMu.Lock()
	defer r.createMu.Unlock()
	t, ok := r.recentCreates[path]
	return ok && time.Since(t) <= recentCreateWindow
}

// newOpenRetryer builds the retry policy for the open-after-create
// inconsistency window: a bounded number of attempts with a constant
// (linear, not exponential) backoff, applied only to the
// not-yet-visible case.
func newOpenRetryer(maxRetries int) *retry.Retryer {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return retry.New(retry.Config{
		MaxAttempts:  maxRetries,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   1.0,
		Jitter:       false,
		RetryableErrors: []objerrors.ErrorCode{
			objerrors.ErrCodeInconsistentState,
		},
	})
}

// ResolveForOpen resolves path for an open call. A miss on a path this
// process created moments ago is retried before it is believed — some
// buckets acknowledge a PUT before a HEAD for the new key succeeds.
// Any other miss is returned immediately as (nil, nil).
func (r *Runtime) ResolveForOpen(ctx context.Context, path string) (*types.Object, error) {
	obj, err := r.cache.Fetch(ctx, path, objectcache.HintIsFile)
	if err != nil || obj != nil {
		return obj, err
	}
	if !r.recentlyCreated(path) {
		return nil, nil
	}

	retryErr := r.openRetryer.DoWithContext(ctx, func(ctx context.Context) error {
		r.cache.Remove(path)
		o, ferr := r.cache.Fetch(ctx, path, objectcache.HintIsFile)
		if ferr != nil {
			return ferr
		}
		if o == nil {
			return objerrors.NewError(objerrors.ErrCodeInconsistentState,
				"created object not yet visible")
		}
		obj = o
		return nil
	})
	if retryErr != nil {
		var ofsErr *objerrors.ObjectFSError
		if errors.As(retryErr, &ofsErr) && ofsErr.Code == objerrors.ErrCodeInconsistentState {
			return nil, nil
		}
		return nil, retryErr
	}
	return obj, nil
}
