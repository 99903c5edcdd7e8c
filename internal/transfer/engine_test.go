package transfer

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectfs/internal/signer"
	"github.com/objectfs/objectfs/internal/transport"
	"github.com/objectfs/objectfs/internal/workerpool"
	"github.com/objectfs/objectfs/pkg/types"
)

type noSign struct{}

func (noSign) Sign(signer.SignableRequest) error { return nil }

// fakeAdapter satisfies types.ServiceAdapter for HTTP-free strategy
// selection; the actual traffic goes through the pool's own transport.
type fakeAdapter struct {
	strategy          types.TransferStrategyKind
	multipartUpload   bool
	multipartDownload bool
	urlPrefix         string
}

func (f *fakeAdapter) URLPrefix() string                { return f.urlPrefix }
func (f *fakeAdapter) HeaderPrefix() string             { return "x-amz-" }
func (f *fakeAdapter) HeaderMetaPrefix() string         { return "x-amz-meta-" }
func (f *fakeAdapter) XMLNamespace() string             { return "" }
func (f *fakeAdapter) Signer() signer.Signer            { return noSign{} }
func (f *fakeAdapter) MultipartDownloadSupported() bool { return f.multipartDownload }
func (f *fakeAdapter) MultipartUploadSupported() bool   { return f.multipartUpload }
func (f *fakeAdapter) TransferStrategy() types.TransferStrategyKind {
	return f.strategy
}
func (f *fakeAdapter) NewRequest(client *http.Client) *transport.Request {
	return transport.New(client, noSign{}, f.urlPrefix, "x-amz-")
}

func newTestEngine(t *testing.T, handler http.Handler, cfg Config, strategy types.TransferStrategyKind) *Engine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.URLPrefix = srv.URL
	poolCfg.HeaderPrefix = "x-amz-"
	poolCfg.Signer = noSign{}
	poolCfg.HTTPClient = srv.Client()
	pool, err := workerpool.New(poolCfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	adapter := &fakeAdapter{
		strategy:          strategy,
		multipartUpload:   true,
		multipartDownload: true,
		urlPrefix:         srv.URL,
	}
	return New(pool, adapter, cfg)
}

func memReader(data []byte) OnRead {
	return func(offset, size int64) ([]byte, error) {
		return data[offset : offset+size], nil
	}
}

func parseRange(t *testing.T, header string) (int64, int64) {
	t.Helper()
	var a, b int64
	_, err := fmt.Sscanf(header, "bytes=%d-%d", &a, &b)
	require.NoError(t, err)
	return a, b
}

func TestDownloadSinglePart(t *testing.T) {
	t.Parallel()

	payload := []byte("hello world")
	eng := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, b := parseRange(t, r.Header.Get("Range"))
		w.WriteHeader(206)
		w.Write(payload[a : b+1])
	}), Config{DownloadChunkSize: 1024, UploadChunkSize: 1024, MaxRetries: 3}, types.TransferStrategyS3Multipart)

	data, status := eng.Download(context.Background(), "/obj", int64(len(payload)))
	require.Equal(t, workerpool.StatusOK, status)
	assert.Equal(t, payload, data)
}

func TestDownloadMultipartReassemblesOutOfOrderParts(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 13)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	var mu sync.Mutex
	var ranges []string
	eng := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		a, b := parseRange(t, r.Header.Get("Range"))
		w.WriteHeader(206)
		w.Write(payload[a : b+1])
	}), Config{DownloadChunkSize: 5, UploadChunkSize: 5, MaxRetries: 3}, types.TransferStrategyS3Multipart)

	data, status := eng.Download(context.Background(), "/obj", 13)
	require.Equal(t, workerpool.StatusOK, status)
	assert.Equal(t, payload, data)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"bytes=0-4", "bytes=5-9", "bytes=10-12"}, ranges,
		"a 13-byte object over 5-byte chunks must fetch exactly three ranges")
}

func TestDownloadZeroBytes(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"), "a zero-byte GET has no range")
		w.WriteHeader(200)
	}), Config{DownloadChunkSize: 5, UploadChunkSize: 5, MaxRetries: 3}, types.TransferStrategyS3Multipart)

	data, status := eng.Download(context.Background(), "/empty", 0)
	require.Equal(t, workerpool.StatusOK, status)
	assert.Empty(t, data)
}

func TestDownloadRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	payload := []byte("0123456789abc")
	var mu sync.Mutex
	failed := false
	eng := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, b := parseRange(t, r.Header.Get("Range"))
		mu.Lock()
		failPart := a == 5 && !failed
		if failPart {
			failed = true
		}
		mu.Unlock()
		if failPart {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(206)
		w.Write(payload[a : b+1])
	}), Config{DownloadChunkSize: 5, UploadChunkSize: 5, MaxRetries: 3}, types.TransferStrategyS3Multipart)

	data, status := eng.Download(context.Background(), "/obj", 13)
	require.Equal(t, workerpool.StatusOK, status, "a failed part must be retried and succeed")
	assert.Equal(t, payload, data)
}

func TestDownloadPersistentFailure(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}), Config{DownloadChunkSize: 5, UploadChunkSize: 5, MaxRetries: 2}, types.TransferStrategyS3Multipart)

	_, status := eng.Download(context.Background(), "/obj", 13)
	assert.NotEqual(t, workerpool.StatusOK, status)
}

func TestUploadSinglePutSendsContentMD5(t *testing.T) {
	t.Parallel()

	payload := []byte("small payload")
	sum := md5.Sum(payload)
	wantMD5 := base64.StdEncoding.EncodeToString(sum[:])

	eng := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "PUT", r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, payload, body)
		assert.Equal(t, wantMD5, r.Header.Get("Content-MD5"))
		w.Header().Set("ETag", `"`+fmt.Sprintf("%x", sum)+`"`)
		w.WriteHeader(200)
	}), Config{DownloadChunkSize: 1024, UploadChunkSize: 1024, MaxRetries: 3}, types.TransferStrategyS3Multipart)

	etag, status := eng.Upload(context.Background(), "/obj", int64(len(payload)), memReader(payload))
	require.Equal(t, workerpool.StatusOK, status)
	assert.Equal(t, `"`+fmt.Sprintf("%x", sum)+`"`, etag)
}

func TestUploadZeroBytes(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Empty(t, body)
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(200)
	}), Config{DownloadChunkSize: 5, UploadChunkSize: 5, MaxRetries: 3}, types.TransferStrategyS3Multipart)

	etag, status := eng.Upload(context.Background(), "/empty", 0, memReader(nil))
	require.Equal(t, workerpool.StatusOK, status)
	assert.Equal(t, `"d41d8cd98f00b204e9800998ecf8427e"`, etag)
}

// fakeS3Multipart implements the initiate/part/complete/abort protocol
// against in-memory state.
type fakeS3Multipart struct {
	mu        sync.Mutex
	uploadID  string
	parts     map[int][]byte
	completed bool
	aborted   bool
	failPart  int // respond 500 to this part number every time
}

func (s *fakeS3Multipart) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := r.URL.Query()
	switch {
	case r.Method == "POST" && q.Has("uploads"):
		s.uploadID = "upload-123"
		s.parts = make(map[int][]byte)
		w.WriteHeader(200)
		fmt.Fprintf(w, `<InitiateMultipartUploadResult><UploadId>%s</UploadId></InitiateMultipartUploadResult>`, s.uploadID)

	case r.Method == "PUT" && q.Get("uploadId") == s.uploadID:
		n, _ := strconv.Atoi(q.Get("partNumber"))
		if n == s.failPart {
			w.WriteHeader(500)
			return
		}
		body, _ := io.ReadAll(r.Body)
		s.parts[n] = body
		sum := md5.Sum(body)
		w.Header().Set("ETag", `"`+fmt.Sprintf("%x", sum)+`"`)
		w.WriteHeader(200)

	case r.Method == "POST" && q.Get("uploadId") == s.uploadID:
		body, _ := io.ReadAll(r.Body)
		var manifest struct {
			XMLName xml.Name `xml:"CompleteMultipartUpload"`
			Parts   []struct {
				PartNumber int    `xml:"PartNumber"`
				ETag       string `xml:"ETag"`
			} `xml:"Part"`
		}
		if err := xml.Unmarshal(body, &manifest); err != nil {
			w.WriteHeader(400)
			return
		}
		s.completed = true
		w.WriteHeader(200)
		fmt.Fprint(w, `<CompleteMultipartUploadResult><ETag>"composite-etag"</ETag></CompleteMultipartUploadResult>`)

	case r.Method == "DELETE" && q.Get("uploadId") == s.uploadID:
		s.aborted = true
		w.WriteHeader(204)

	default:
		w.WriteHeader(400)
	}
}

func (s *fakeS3Multipart) assembled() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for i := 1; ; i++ {
		part, ok := s.parts[i]
		if !ok {
			break
		}
		out = append(out, part...)
	}
	return out
}

func TestS3MultipartUpload(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 13)
	for i := range payload {
		payload[i] = 0xAB
	}

	backend := &fakeS3Multipart{}
	eng := newTestEngine(t, backend,
		Config{DownloadChunkSize: 5, UploadChunkSize: 5, MaxRetries: 3},
		types.TransferStrategyS3Multipart)

	etag, status := eng.Upload(context.Background(), "/obj", 13, memReader(payload))
	require.Equal(t, workerpool.StatusOK, status)
	assert.Equal(t, `"composite-etag"`, etag)

	backend.mu.Lock()
	completed, aborted := backend.completed, backend.aborted
	partCount := len(backend.parts)
	backend.mu.Unlock()

	assert.True(t, completed, "CompleteMultipartUpload must be issued")
	assert.False(t, aborted)
	assert.Equal(t, 3, partCount, "13 bytes over 5-byte chunks is parts of 5, 5, and 3")
	assert.Equal(t, payload, backend.assembled(), "parts compose in numerical order")
}

func TestS3MultipartAbortsOnPersistentPartFailure(t *testing.T) {
	t.Parallel()

	backend := &fakeS3Multipart{failPart: 2}
	eng := newTestEngine(t, backend,
		Config{DownloadChunkSize: 5, UploadChunkSize: 5, MaxRetries: 2},
		types.TransferStrategyS3Multipart)

	payload := make([]byte, 13)
	_, status := eng.Upload(context.Background(), "/obj", 13, memReader(payload))
	require.NotEqual(t, workerpool.StatusOK, status)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.True(t, backend.aborted, "a failed multipart upload must be aborted, never orphaned")
	assert.False(t, backend.completed)
}

// fakeGSResumable implements the session + Content-Range chunk protocol.
type fakeGSResumable struct {
	mu       sync.Mutex
	started  bool
	received []byte
	ranges   []string
}

func (g *fakeGSResumable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case r.Method == "POST" && r.Header.Get("X-Goog-Resumable") == "start":
		g.started = true
		w.Header().Set("Location", "http://"+r.Host+"/session/abc")
		w.WriteHeader(201)

	case r.Method == "PUT" && strings.HasPrefix(r.URL.Path, "/session/"):
		cr := r.Header.Get("Content-Range")
		g.ranges = append(g.ranges, cr)
		body, _ := io.ReadAll(r.Body)
		g.received = append(g.received, body...)
		if strings.HasSuffix(cr, "/*") {
			w.WriteHeader(308)
			return
		}
		w.Header().Set("ETag", `"gs-etag"`)
		w.WriteHeader(200)

	default:
		w.WriteHeader(400)
	}
}

func TestGSResumableUpload(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 13)
	for i := range payload {
		payload[i] = byte(i)
	}

	backend := &fakeGSResumable{}
	eng := newTestEngine(t, backend,
		Config{DownloadChunkSize: 5, UploadChunkSize: 5, MaxRetries: 3},
		types.TransferStrategyGSResumable)

	etag, status := eng.Upload(context.Background(), "/obj", 13, memReader(payload))
	require.Equal(t, workerpool.StatusOK, status)
	assert.Equal(t, `"gs-etag"`, etag)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.True(t, backend.started)
	assert.Equal(t, payload, backend.received, "resumable chunks arrive strictly in order")
	assert.Equal(t, []string{"bytes 0-4/*", "bytes 5-9/*", "bytes 10-12/13"}, backend.ranges)
}

func TestUploadSingleRejectsMismatchedMD5ETag(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"00000000000000000000000000000000"`)
		w.WriteHeader(200)
	}), Config{DownloadChunkSize: 1024, UploadChunkSize: 1024, MaxRetries: 3}, types.TransferStrategyS3Multipart)

	_, status := eng.Upload(context.Background(), "/obj", 4, memReader([]byte("data")))
	assert.NotEqual(t, workerpool.StatusOK, status,
		"a single-part PUT whose MD5-shaped etag disagrees with the payload must fail")
}

func TestIsMD5ETag(t *testing.T) {
	t.Parallel()

	assert.True(t, isMD5ETag(`"d41d8cd98f00b204e9800998ecf8427e"`))
	assert.False(t, isMD5ETag(`d41d8cd98f00b204e9800998ecf8427e`), "unquoted")
	assert.False(t, isMD5ETag(`"d41d8cd98f00b204e9800998ecf8427e-3"`), "multipart-style")
	assert.False(t, isMD5ETag(`"zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"`), "not hex")
	assert.False(t, isMD5ETag(""))
}
