package vfs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectfs/internal/signer"
	"github.com/objectfs/objectfs/internal/transfer"
	"github.com/objectfs/objectfs/internal/transport"
	"github.com/objectfs/objectfs/internal/workerpool"
	"github.com/objectfs/objectfs/pkg/types"
)

type noSign struct{}

func (noSign) Sign(signer.SignableRequest) error { return nil }

type fakeAdapter struct{ urlPrefix string }

func (f *fakeAdapter) URLPrefix() string                { return f.urlPrefix }
func (f *fakeAdapter) HeaderPrefix() string             { return "x-amz-" }
func (f *fakeAdapter) HeaderMetaPrefix() string         { return "x-amz-meta-" }
func (f *fakeAdapter) XMLNamespace() string             { return "" }
func (f *fakeAdapter) Signer() signer.Signer            { return noSign{} }
func (f *fakeAdapter) MultipartDownloadSupported() bool { return true }
func (f *fakeAdapter) MultipartUploadSupported() bool   { return true }
func (f *fakeAdapter) TransferStrategy() types.TransferStrategyKind {
	return types.TransferStrategyS3Multipart
}
func (f *fakeAdapter) NewRequest(client *http.Client) *transport.Request {
	return transport.New(client, noSign{}, f.urlPrefix, "x-amz-")
}

// objectServer is an in-memory bucket: PUT stores, ranged GET serves.
type objectServer struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (s *objectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case "PUT":
		body, _ := io.ReadAll(r.Body)
		s.objects[r.URL.Path] = body
		s.puts++
		w.Header().Set("ETag", `"etag-for-`+r.URL.Path+`"`)
		w.WriteHeader(200)
	case "GET":
		data, ok := s.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(404)
			return
		}
		if rng := r.Header.Get("Range"); rng != "" {
			var a, b int64
			fmt.Sscanf(rng, "bytes=%d-%d", &a, &b)
			if b >= int64(len(data)) {
				b = int64(len(data)) - 1
			}
			w.WriteHeader(206)
			w.Write(data[a : b+1])
			return
		}
		w.WriteHeader(200)
		w.Write(data)
	default:
		w.WriteHeader(400)
	}
}

func (s *objectServer) put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = data
}

func (s *objectServer) get(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[path]
}

func (s *objectServer) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// fakeStore records Commit calls.
type fakeStore struct {
	mu      sync.Mutex
	commits int
}

func (s *fakeStore) Commit(ctx context.Context, o *types.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return nil
}
func (s *fakeStore) Remove(ctx context.Context, o *types.Object) error            { return nil }
func (s *fakeStore) Rename(ctx context.Context, o *types.Object, n string) error  { return nil }

type fixture struct {
	server  *objectServer
	store   *fakeStore
	engine  *transfer.Engine
	scratch string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := &objectServer{objects: make(map[string][]byte)}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.URLPrefix = srv.URL
	poolCfg.HeaderPrefix = "x-amz-"
	poolCfg.Signer = noSign{}
	poolCfg.HTTPClient = srv.Client()
	pool, err := workerpool.New(poolCfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	engine := transfer.New(pool, &fakeAdapter{urlPrefix: srv.URL},
		transfer.Config{DownloadChunkSize: 1024, UploadChunkSize: 1024, MaxRetries: 3})

	return &fixture{
		server:  backend,
		store:   &fakeStore{},
		engine:  engine,
		scratch: t.TempDir(),
	}
}

func (fx *fixture) open(t *testing.T, obj *types.Object, key *transfer.FileKey) *File {
	t.Helper()
	f, errno := Open(context.Background(), obj, fx.store, fx.engine, fx.scratch, key, false)
	require.Zero(t, errno)
	return f
}

func TestWriteThenReadBeforeFlush(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	obj := types.NewObject("a.txt", types.KindFile)
	obj.URL = "/a.txt"

	f := fx.open(t, obj, nil)

	payload := []byte("hello world")
	n, errno := f.Write(payload, 0)
	require.Zero(t, errno)
	assert.Equal(t, len(payload), n)
	assert.True(t, obj.FileStatus.Has(types.StatusDirty))
	assert.Equal(t, int64(len(payload)), obj.Size)

	buf := make([]byte, len(payload))
	n, errno = f.Read(buf, 0)
	require.Zero(t, errno)
	assert.Equal(t, payload, buf[:n], "a read after a write observes the write before any flush")

	assert.Zero(t, fx.server.putCount(), "no upload happens before flush")
	require.Zero(t, f.Release(context.Background()))
}

func TestFlushUploadsAndClearsDirty(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	obj := types.NewObject("a.txt", types.KindFile)
	obj.URL = "/a.txt"

	f := fx.open(t, obj, nil)
	payload := []byte("hello world")
	_, errno := f.Write(payload, 0)
	require.Zero(t, errno)

	require.Zero(t, f.Flush(context.Background()))

	assert.Equal(t, payload, fx.server.get("/a.txt"))
	assert.False(t, obj.FileStatus.Has(types.StatusDirty), "a successful flush clears the dirty bit")
	assert.False(t, obj.FileStatus.Has(types.StatusUploading))
	assert.Equal(t, `"etag-for-/a.txt"`, obj.ETag, "flush refreshes the cached etag")
	assert.Equal(t, 1, fx.store.commits)

	// A second flush on a clean file is a no-op.
	puts := fx.server.putCount()
	require.Zero(t, f.Flush(context.Background()))
	assert.Equal(t, puts, fx.server.putCount())

	require.Zero(t, f.Release(context.Background()))
}

func TestOpenDownloadsExistingObject(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	payload := []byte("remote content already in the bucket")
	fx.server.put("/b.txt", payload)

	obj := types.NewObject("b.txt", types.KindFile)
	obj.URL = "/b.txt"
	obj.Size = int64(len(payload))

	f := fx.open(t, obj, nil)
	assert.False(t, obj.FileStatus.Has(types.StatusDownloading), "open blocks until the download completes")

	buf := make([]byte, len(payload))
	n, errno := f.Read(buf, 0)
	require.Zero(t, errno)
	assert.Equal(t, payload, buf[:n])

	require.Zero(t, f.Release(context.Background()))
}

func TestReleaseFlushesDirtyFile(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	obj := types.NewObject("c.txt", types.KindFile)
	obj.URL = "/c.txt"

	f := fx.open(t, obj, nil)
	_, errno := f.Write([]byte("implicit flush on close"), 0)
	require.Zero(t, errno)

	require.Zero(t, f.Release(context.Background()))
	assert.Equal(t, []byte("implicit flush on close"), fx.server.get("/c.txt"))
	assert.Zero(t, obj.RefCount)
}

func TestTruncateMarksDirty(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	obj := types.NewObject("d.txt", types.KindFile)
	obj.URL = "/d.txt"

	f := fx.open(t, obj, nil)
	_, errno := f.Write([]byte("0123456789"), 0)
	require.Zero(t, errno)
	require.Zero(t, f.Flush(context.Background()))

	require.Zero(t, f.Truncate(4))
	assert.True(t, obj.FileStatus.Has(types.StatusDirty))
	assert.Equal(t, int64(4), obj.Size)

	require.Zero(t, f.Flush(context.Background()))
	assert.Equal(t, []byte("0123"), fx.server.get("/d.txt"))
	require.Zero(t, f.Release(context.Background()))
}

func TestConcurrentDisjointWrites(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	obj := types.NewObject("e.bin", types.KindFile)
	obj.URL = "/e.bin"

	f := fx.open(t, obj, nil)

	const half = 4096
	first := make([]byte, half)
	second := make([]byte, half)
	for i := range first {
		first[i] = 0x11
		second[i] = 0x22
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); f.Write(first, 0) }()
	go func() { defer wg.Done(); f.Write(second, half) }()
	wg.Wait()

	require.Zero(t, f.Flush(context.Background()))
	got := fx.server.get("/e.bin")
	require.Len(t, got, 2*half)
	assert.Equal(t, first, got[:half])
	assert.Equal(t, second, got[half:])
	require.Zero(t, f.Release(context.Background()))
}

func TestEncryptedRoundTrip(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	key, err := transfer.GenerateFileKey()
	require.NoError(t, err)

	obj := types.NewObject("secret.txt", types.KindFile)
	obj.URL = "/secret.txt"

	f := fx.open(t, obj, key)
	payload := []byte("plaintext that must never hit the wire")
	_, errno := f.Write(payload, 0)
	require.Zero(t, errno)
	require.Zero(t, f.Flush(context.Background()))
	require.Zero(t, f.Release(context.Background()))

	stored := fx.server.get("/secret.txt")
	require.Len(t, stored, len(payload))
	assert.NotEqual(t, payload, stored, "the bucket stores ciphertext")

	// A fresh open (new Object, no scratch file) downloads and decrypts.
	reopened := types.NewObject("secret.txt", types.KindFile)
	reopened.URL = "/secret.txt"
	reopened.Size = int64(len(stored))

	f2 := fx.open(t, reopened, key)
	buf := make([]byte, len(payload))
	n, errno := f2.Read(buf, 0)
	require.Zero(t, errno)
	assert.Equal(t, payload, buf[:n])
	require.Zero(t, f2.Release(context.Background()))
}

func TestRefCounting(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	obj := types.NewObject("shared.txt", types.KindFile)
	obj.URL = "/shared.txt"

	f1 := fx.open(t, obj, nil)
	f2 := fx.open(t, obj, nil)
	assert.Equal(t, 2, obj.RefCount)

	require.Zero(t, f1.Release(context.Background()))
	assert.Equal(t, 1, obj.RefCount)
	require.Zero(t, f2.Release(context.Background()))
	assert.Equal(t, 0, obj.RefCount)
}

func TestFlushBusyWhileWriting(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	obj := types.NewObject("busy.txt", types.KindFile)
	obj.URL = "/busy.txt"

	f := fx.open(t, obj, nil)
	_, errno := f.Write([]byte("data"), 0)
	require.Zero(t, errno)

	// Model a write still mid-syscall on another handle.
	obj.Lock()
	obj.Writers = 1
	obj.FileStatus |= types.StatusWriting
	obj.Unlock()

	assert.Equal(t, syscall.EBUSY, f.Flush(context.Background()),
		"the busy signal goes to the flusher, not the writer")

	obj.Lock()
	obj.Writers = 0
	obj.FileStatus &^= types.StatusWriting
	obj.Cond().Broadcast()
	obj.Unlock()

	require.Zero(t, f.Flush(context.Background()))
	require.Zero(t, f.Release(context.Background()))
}

func TestWriteBusyWhileUploading(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	obj := types.NewObject("upload.txt", types.KindFile)
	obj.URL = "/upload.txt"

	f := fx.open(t, obj, nil)

	obj.Lock()
	obj.FileStatus |= types.StatusUploading
	obj.Unlock()

	_, errno := f.Write([]byte("rejected"), 0)
	assert.Equal(t, syscall.EBUSY, errno)
	assert.Equal(t, syscall.EBUSY, f.Truncate(0))

	obj.Lock()
	obj.FileStatus &^= types.StatusUploading
	obj.Cond().Broadcast()
	obj.Unlock()

	_, errno = f.Write([]byte("accepted"), 0)
	require.Zero(t, errno)
	require.Zero(t, f.Release(context.Background()))
}

func TestOpenTruncateSkipsDownload(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	payload := []byte("old content that must not be fetched")
	fx.server.put("/t.txt", payload)

	obj := types.NewObject("t.txt", types.KindFile)
	obj.URL = "/t.txt"
	obj.Size = int64(len(payload))

	f, errno := Open(context.Background(), obj, fx.store, fx.engine, fx.scratch, nil, true)
	require.Zero(t, errno)

	assert.Equal(t, int64(0), obj.Size, "a truncating open starts at size zero")
	assert.True(t, obj.FileStatus.Has(types.StatusDirty))

	_, errno = f.Write([]byte("new"), 0)
	require.Zero(t, errno)
	require.Zero(t, f.Release(context.Background()))
	assert.Equal(t, []byte("new"), fx.server.get("/t.txt"))
}
