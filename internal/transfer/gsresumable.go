package transfer

import (
	"context"
	"fmt"

	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/internal/transport"
	"github.com/objectfs/objectfs/internal/workerpool"
)

// gsResumableStrategy implements Google Cloud Storage's resumable
// upload protocol: a POST opens a session and returns its URL in the
// Location header, then each chunk is PUT with a Content-Range
// header, with the service responding 308 for every chunk but the
// last. Unlike S3 multipart, chunks must be sent in order over one
// session, so the fan-out here is sequential rather than parallel.
type gsResumableStrategy struct{}

func (g *gsResumableStrategy) Upload(ctx context.Context, eng *Engine, url string, size int64, onRead OnRead) (string, workerpool.Status) {
	sessionURL, status := g.startSession(ctx, eng, url)
	if status != workerpool.StatusOK {
		return "", status
	}

	ledger := NewLedger[string](size, eng.cfg.UploadChunkSize)
	var etag string

	for _, part := range ledger.Parts() {
		last := part.Offset+part.Size == size
		var status workerpool.Status
		for {
			etag, status = g.putChunk(ctx, eng, sessionURL, part, size, onRead, last)
			if status == workerpool.StatusOK {
				part.Status = PartCompleted
				break
			}
			if !part.retriesLeft(eng.cfg.MaxRetries) {
				return "", status
			}
		}
	}
	return etag, workerpool.StatusOK
}

func (g *gsResumableStrategy) startSession(ctx context.Context, eng *Engine, url string) (string, workerpool.Status) {
	var sessionURL string
	status := eng.pool.Call(ctx, workerpool.PRReq1, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodPost)
		req.SetURL(url, "uploadType=resumable")
		req.SetHeader("X-Goog-Resumable", "start")
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		if req.ResponseCode()/100 != 2 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "starting resumable session failed")))
		}
		sessionURL = req.ResponseHeader("Location")
		if sessionURL == "" {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "resumable session missing Location header")))
		}
		return workerpool.StatusOK
	})
	return sessionURL, status
}

func (g *gsResumableStrategy) putChunk(ctx context.Context, eng *Engine, sessionURL string, part *Part[string], total int64, onRead OnRead, last bool) (string, workerpool.Status) {
	data, err := onRead(part.Offset, part.Size)
	if err != nil {
		return "", workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, err.Error())))
	}

	var etag string
	status := eng.pool.Call(ctx, workerpool.PRReq1, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodPut)
		req.SetURL(sessionURL, "")
		totalStr := "*"
		if last {
			totalStr = fmt.Sprintf("%d", total)
		}
		req.SetHeader("Content-Range", fmt.Sprintf("bytes %d-%d/%s", part.Offset, part.Offset+part.Size-1, totalStr))
		req.SetInputBuffer(data)
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		code := req.ResponseCode()
		if last {
			if code/100 != 2 {
				return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "final chunk upload failed")))
			}
			etag = req.ResponseHeader("ETag")
			return workerpool.StatusOK
		}
		if code != 308 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "expected 308 continuation")))
		}
		return workerpool.StatusOK
	})
	return etag, status
}
