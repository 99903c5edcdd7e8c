package transfer

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"

	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/internal/transport"
	"github.com/objectfs/objectfs/internal/workerpool"
)

// s3MultipartStrategy implements the S3 multipart-upload protocol:
// initiate, per-part PUT, complete-with-XML-manifest, abort-on-failure.
// The per-part bookkeeping lives in a Ledger[string] (the per-part
// result is each part's ETag).
type s3MultipartStrategy struct{}

type s3InitiateResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	UploadID string   `xml:"UploadId"`
}

type s3CompletePart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type s3CompleteRequest struct {
	XMLName xml.Name         `xml:"CompleteMultipartUpload"`
	Parts   []s3CompletePart `xml:"Part"`
}

type s3CompleteResult struct {
	XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
	ETag    string   `xml:"ETag"`
}

func (s *s3MultipartStrategy) Upload(ctx context.Context, eng *Engine, url string, size int64, onRead OnRead) (string, workerpool.Status) {
	uploadID, status := s.initiate(ctx, eng, url)
	if status != workerpool.StatusOK {
		return "", status
	}

	ledger := NewLedger[string](size, eng.cfg.UploadChunkSize)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstFailure workerpool.Status

	for _, part := range ledger.Parts() {
		wg.Add(1)
		go func(p *Part[string]) {
			defer wg.Done()
			status := s.uploadPartWithRetry(ctx, eng, url, uploadID, p, onRead)
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
		s.abort(ctx, eng, url, uploadID)
		return "", firstFailure
	}

	return s.complete(ctx, eng, url, uploadID, ledger)
}

func (s *s3MultipartStrategy) initiate(ctx context.Context, eng *Engine, url string) (string, workerpool.Status) {
	var uploadID string
	status := eng.pool.Call(ctx, workerpool.PRReq1, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodPost)
		req.SetURL(url, "uploads")
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		if req.ResponseCode()/100 != 2 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "initiate multipart upload failed")))
		}
		var result s3InitiateResult
		if err := xml.Unmarshal(req.ResponseBody(), &result); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "parsing initiate response: "+err.Error())))
		}
		uploadID = result.UploadID
		return workerpool.StatusOK
	})
	return uploadID, status
}

func (s *s3MultipartStrategy) uploadPartWithRetry(ctx context.Context, eng *Engine, url, uploadID string, part *Part[string], onRead OnRead) workerpool.Status {
	for {
		status := s.uploadPart(ctx, eng, url, uploadID, part, onRead)
		if status == workerpool.StatusOK {
			return workerpool.StatusOK
		}
		if !part.retriesLeft(eng.cfg.MaxRetries) {
			return status
		}
	}
}

func (p *Part[T]) retriesLeft(max int) bool {
	p.RetryCount++
	p.Status = PartFailed
	return p.RetryCount < max
}

func (s *s3MultipartStrategy) uploadPart(ctx context.Context, eng *Engine, url, uploadID string, part *Part[string], onRead OnRead) workerpool.Status {
	data, err := onRead(part.Offset, part.Size)
	if err != nil {
		return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, err.Error())))
	}

	return eng.pool.Call(ctx, workerpool.PRReq1, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodPut)
		req.SetURL(url, fmt.Sprintf("partNumber=%d&uploadId=%s", part.Number, uploadID))
		req.SetInputBuffer(data)
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		if req.ResponseCode()/100 != 2 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "part upload failed")))
		}
		part.Status = PartCompleted
		part.Result = req.ResponseHeader("ETag")
		return workerpool.StatusOK
	})
}

func (s *s3MultipartStrategy) complete(ctx context.Context, eng *Engine, url, uploadID string, ledger *Ledger[string]) (string, workerpool.Status) {
	body := s3CompleteRequest{}
	for _, p := range ledger.Parts() {
		body.Parts = append(body.Parts, s3CompletePart{PartNumber: p.Number, ETag: p.Result})
	}
	payload, err := xml.Marshal(body)
	if err != nil {
		return "", workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "encoding complete manifest: "+err.Error())))
	}

	var etag string
	status := eng.pool.Call(ctx, workerpool.PRReq1, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodPost)
		req.SetURL(url, "uploadId="+uploadID)
		req.SetInputBuffer(payload)
		if err := req.Run(ctx, 0); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error())))
		}
		if req.ResponseCode()/100 != 2 {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "complete multipart upload failed")))
		}
		var result s3CompleteResult
		if err := xml.Unmarshal(req.ResponseBody(), &result); err != nil {
			return workerpool.NegErrno(objerrors.ToErrno(objerrors.NewError(objerrors.ErrCodeStorageWrite, "parsing complete response: "+err.Error())))
		}
		etag = result.ETag
		return workerpool.StatusOK
	})
	if status != workerpool.StatusOK {
		return "", status
	}
	return etag, workerpool.StatusOK
}

// abort is fire-and-forget: the caller is already unwinding a failed
// upload and has no recovery action for an abort failure beyond
// leaving an incomplete upload for lifecycle cleanup to reap.
func (s *s3MultipartStrategy) abort(ctx context.Context, eng *Engine, url, uploadID string) {
	eng.pool.Call(ctx, workerpool.PRReq1, func(ctx context.Context, req *transport.Request) workerpool.Status {
		req.Init(transport.MethodDelete)
		req.SetURL(url, "uploadId="+uploadID)
		_ = req.Run(ctx, 0)
		return workerpool.StatusOK
	})
}
