// Package transfer implements the file data-transfer engine: the
// multipart-aware download/upload state machine that moves bytes
// between a remote object and a local scratch file, with per-part
// retry and optional client-side encryption.
package transfer

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/internal/transport"
	"github.com/objectfs/objectfs/internal/workerpool"
	"github.com/objectfs/objectfs/pkg/types"
)

// OnWrite receives one downloaded part. It must tolerate concurrent
// calls at disjoint offsets, since parts complete out of order.
type OnWrite func(data []byte, offset int64) error

// OnRead supplies one upload part's bytes for [offset, offset+size).
type OnRead func(offset, size int64) ([]byte, error)

// Config bounds chunking and retry behavior, sourced from
// internal/config.StorageConfig.
type Config struct {
	DownloadChunkSize int64
	UploadChunkSize   int64
	MaxRetries        int
}

// uploadStrategy is the polymorphic multipart-upload protocol,
// selected by the service adapter's TransferStrategy(). The S3 and GS
// protocols share no step sequence, so each lives behind this one
// method rather than a common base type.
type uploadStrategy interface {
	Upload(ctx context.Context, eng *Engine, url string, size int64, onRead OnRead) (etag string, status workerpool.Status)
}

// Engine is the transfer engine: one per mounted filesystem,
// shared by every open File.
type Engine struct {
	pool    *workerpool.Pool
	adapter types.ServiceAdapter
	cfg     Config
	s3      uploadStrategy
	gs      uploadStrategy
}

// New constructs a transfer engine bound to a worker pool and a
// service adapter.
func New(pool *workerpool.Pool, adapter types.ServiceAdapter, cfg Config) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DownloadChunkSize <= 0 {
		cfg.DownloadChunkSize = 5 * 1024 * 1024
	}
	if cfg.UploadChunkSize <= 0 {
		cfg.UploadChunkSize = 5 * 1024 * 1024
	}
	return &Engine{
		pool:    pool,
		adapter: adapter,
		cfg:     cfg,
		s3:      &s3MultipartStrategy{},
		gs:      &gsResumableStrategy{},
	}
}

// Download fetches url (size bytes known in advance from a prior
// HEAD) and returns its body, splitting into ranged parts when size
// exceeds the configured download chunk size and the adapter supports
// multipart download.
func (e *Engine) Download(ctx context.Context, url string, size int64) ([]byte, workerpool.Status) {
	if size <= e.cfg.DownloadChunkSize || !e.adapter.MultipartDownloadSupported() {
		return e.downloadSingle(ctx, url, size)
	}

	buf := make([]byte, size)
	ledger := NewLedger[struct{}](size, e.cfg.DownloadChunkSize)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstFailure workerpool.Status

	for _, part := range ledger.Parts() {
		wg.Add(1)
		go func(p *Part[struct{}]) {
			defer wg.Done()
			status := e.downloadPartWithRetry(ctx, url, p, buf)
			if status != workerpool.StatusOK {
				mu.Lock()
				if firstFailure == workerpool.StatusOK {
					firstFailure = status
				}
				mu.Unlock()
			}
		}(part)
	}
	wg.Wait()

	if firstFailure != workerpool.StatusOK {
		return nil, firstFailure
	}
	return buf, workerpool.StatusOK
}

func (e *Engine) downloadPartWithRetry(ctx context.Context, url string, part *Part[struct{}], buf []byte) workerpool.Status {
	for {
		status := e.downloadRange(ctx, url, part.Offset, part.Size, buf)
		if status == workerpool.StatusOK {
			part.Status = PartCompleted
			return workerpool.StatusOK
		}
		if !part.retriesLeft(e.cfg.MaxRetries) {
			return status
		}
	}
}

func (e *Engine) downloadSingle(ctx context.Context, url string, size int64) ([]byte, workerpool.Status) {
	buf := make([]byte, size)
	status := e.downloadRange(ctx, url, 0, size, buf)
	if status != workerpool.StatusOK {
		return nil, status
	}
	return buf, workerpool.StatusOK
}

// downloadRange issues one ranged GET via the pool at PRReq1 and
// copies the response body into buf at the declared offset.
func (e *Engine) downloadRange(ctx context.Context, url string, offset, size int64, buf []byte) workerpool.Status {
	return e.pool.Call(ctx, workerpool.PRReq1, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodGet)
		req.SetURL(url, "")
		if size > 0 {
			req.SetHeader("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
		}
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		code := req.ResponseCode()
		if size > 0 && code != 206 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageRead, "expected 206 for ranged GET")))
		}
		if size == 0 && code/100 != 2 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageRead, "non-2xx GET response")))
		}
		body := req.ResponseBody()
		if int64(len(body)) < size {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageRead, "short read")))
		}
		copy(buf[offset:], body[:min64(size, int64(len(body)))])
		return workerpool.StatusOK
	})
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Upload sends size bytes (sourced via onRead) to url, using a single
// PUT when size fits within the upload chunk size or the adapter
// doesn't support multipart upload, otherwise delegating to the
// adapter-selected multipart strategy. Returns the resulting ETag.
func (e *Engine) Upload(ctx context.Context, url string, size int64, onRead OnRead) (string, workerpool.Status) {
	if size <= e.cfg.UploadChunkSize || !e.adapter.MultipartUploadSupported() {
		return e.uploadSingle(ctx, url, size, onRead)
	}

	var strategy uploadStrategy
	switch e.adapter.TransferStrategy() {
	case types.TransferStrategyGSResumable:
		strategy = e.gs
	default:
		strategy = e.s3
	}
	return strategy.Upload(ctx, e, url, size, onRead)
}

func (e *Engine) uploadSingle(ctx context.Context, url string, size int64, onRead OnRead) (string, workerpool.Status) {
	data, err := onRead(0, size)
	if err != nil {
		return "", workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, err.Error())))
	}
	sum := md5.Sum(data)
	contentMD5 := base64.StdEncoding.EncodeToString(sum[:])
	wantETag := `"` + hex.EncodeToString(sum[:]) + `"`

	var etag string
	status := e.pool.Call(ctx, workerpool.PRReq1, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodPut)
		req.SetURL(url, "")
		req.SetHeader("Content-MD5", contentMD5)
		req.SetInputBuffer(data)
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		if req.ResponseCode()/100 != 2 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "non-2xx PUT response")))
		}
		etag = req.ResponseHeader("ETag")
		// A single-part PUT's etag is the payload's MD5 on S3; when the
		// reply carries a plain MD5-shaped etag it must match what was
		// sent. Multipart-style etags ("...-N") are not comparable.
		if isMD5ETag(etag) && etag != wantETag {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "etag does not match uploaded content")))
		}
		return workerpool.StatusOK
	})
	return etag, status
}

// isMD5ETag reports whether etag is a quoted 32-digit hex string — the
// only shape that can be compared against a computed MD5.
func isMD5ETag(etag string) bool {
	if len(etag) != 34 || etag[0] != '"' || etag[33] != '"' {
		return false
	}
	_, err := hex.DecodeString(etag[1:33])
	return err == nil
}

// Pool exposes the engine's worker pool so upload strategies (in the
// same package) can dispatch additional requests.
func (e *Engine) Pool() *workerpool.Pool { return e.pool }

// Adapter exposes the engine's service adapter to upload strategies.
func (e *Engine) Adapter() types.ServiceAdapter { return e.adapter }

// Config exposes the engine's chunking/retry configuration.
func (e *Engine) Config() Config { return e.cfg }
