package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectfs/internal/objectcache"
	"github.com/objectfs/objectfs/internal/signer"
	"github.com/objectfs/objectfs/internal/transport"
	"github.com/objectfs/objectfs/internal/workerpool"
	objerrors "github.com/objectfs/objectfs/pkg/errors"
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

type nilProber struct{}

func (nilProber) Probe(ctx context.Context, path string, hint objectcache.Hint) (*types.Object, error) {
	return nil, nil
}

// fakeBucket speaks just enough of the listing/copy/delete protocol:
// paginated GET listings (pageSize keys per page), PUT with
// x-amz-copy-source, and DELETE. Every mutation is appended to an
// event log so ordering contracts can be asserted.
type fakeBucket struct {
	mu       sync.Mutex
	keys     map[string][]byte
	pageSize int
	events   []string
}

func newFakeBucket(pageSize int) *fakeBucket {
	return &fakeBucket{keys: make(map[string][]byte), pageSize: pageSize}
}

func (b *fakeBucket) put(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[key] = nil
}

func (b *fakeBucket) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.keys[key]
	return ok
}

func (b *fakeBucket) log() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch r.Method {
	case "GET":
		b.serveList(w, r)
	case "PUT":
		key := strings.TrimPrefix(mustUnescape(r.URL.Path), "/")
		if src := r.Header.Get("x-amz-copy-source"); src != "" {
			b.events = append(b.events, "COPY "+key)
			b.keys[key] = nil
			w.WriteHeader(200)
			return
		}
		b.keys[key] = nil
		w.WriteHeader(200)
	case "DELETE":
		key := strings.TrimPrefix(mustUnescape(r.URL.Path), "/")
		b.events = append(b.events, "DELETE "+key)
		delete(b.keys, key)
		w.WriteHeader(204)
	default:
		w.WriteHeader(400)
	}
}

func mustUnescape(p string) string {
	out, err := url.PathUnescape(p)
	if err != nil {
		return p
	}
	return out
}

func (b *fakeBucket) serveList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	marker := q.Get("marker")
	delimiter := q.Get("delimiter")
	maxKeys := b.pageSize
	if mk := q.Get("max-keys"); mk != "" {
		fmt.Sscanf(mk, "%d", &maxKeys)
	}

	var all []string
	for k := range b.keys {
		if strings.HasPrefix(k, prefix) && k > marker {
			all = append(all, k)
		}
	}
	sort.Strings(all)

	var contents []string
	prefixSet := map[string]bool{}
	for _, k := range all {
		if delimiter != "" {
			rest := strings.TrimPrefix(k, prefix)
			if i := strings.Index(rest, delimiter); i >= 0 {
				prefixSet[prefix+rest[:i+1]] = true
				continue
			}
		}
		contents = append(contents, k)
		if len(contents) >= maxKeys {
			break
		}
	}

	truncated := false
	nextMarker := ""
	if len(contents) == maxKeys && len(all) > 0 && contents[len(contents)-1] != all[len(all)-1] {
		truncated = true
		nextMarker = contents[len(contents)-1]
	}

	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0"?><ListBucketResult>`)
	fmt.Fprintf(&sb, "<IsTruncated>%t</IsTruncated>", truncated)
	if delimiter != "" && nextMarker != "" {
		fmt.Fprintf(&sb, "<NextMarker>%s</NextMarker>", nextMarker)
	}
	for _, k := range contents {
		fmt.Fprintf(&sb, "<Contents><Key>%s</Key></Contents>", k)
	}
	var prefixes []string
	for p := range prefixSet {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	for _, p := range prefixes {
		fmt.Fprintf(&sb, "<CommonPrefixes><Prefix>%s</Prefix></CommonPrefixes>", p)
	}
	sb.WriteString(`</ListBucketResult>`)

	w.WriteHeader(200)
	w.Write([]byte(sb.String()))
}

type fixture struct {
	bucket *fakeBucket
	lister *Lister
	cache  *objectcache.Cache
}

func newFixture(t *testing.T, pageSize int) *fixture {
	t.Helper()
	bucket := newFakeBucket(pageSize)
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.URLPrefix = srv.URL
	poolCfg.HeaderPrefix = "x-amz-"
	poolCfg.Signer = noSign{}
	poolCfg.HTTPClient = srv.Client()
	pool, err := workerpool.New(poolCfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return &fixture{
		bucket: bucket,
		lister: New(pool, &fakeAdapter{urlPrefix: srv.URL}),
		cache:  objectcache.New(objectcache.Config{MaxEntries: 100}, nilProber{}),
	}
}

func entryNames(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Name)
	}
	sort.Strings(out)
	return out
}

func TestListImmediateChildren(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 1000)
	fx.bucket.put("d/")
	fx.bucket.put("d/file1")
	fx.bucket.put("d/file2")
	fx.bucket.put("d/sub/")
	fx.bucket.put("d/sub/nested")
	fx.bucket.put("other/file")

	entries, err := fx.lister.List(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, []string{"file1", "file2", "sub"}, entryNames(entries))

	for _, e := range entries {
		if e.Name == "sub" {
			assert.True(t, e.IsPrefix, "a common prefix lists as a subdirectory")
		} else {
			assert.False(t, e.IsPrefix)
		}
	}
}

func TestListPaginates(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 2)
	var want []string
	for i := 0; i < 7; i++ {
		key := fmt.Sprintf("d/file%02d", i)
		fx.bucket.put(key)
		want = append(want, fmt.Sprintf("file%02d", i))
	}

	entries, err := fx.lister.List(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, want, entryNames(entries), "pagination must walk every page")
}

func TestIsEmptyTrichotomy(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 1000)
	fx.bucket.put("empty/")
	fx.bucket.put("full/")
	fx.bucket.put("full/child")

	state, err := fx.lister.IsEmpty(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, NotFound, state, "zero keys means the directory was never created")

	state, err = fx.lister.IsEmpty(context.Background(), "empty")
	require.NoError(t, err)
	assert.Equal(t, Empty, state, "exactly the placeholder key means empty")

	state, err = fx.lister.IsEmpty(context.Background(), "full")
	require.NoError(t, err)
	assert.Equal(t, NotEmpty, state)
}

func TestRemoveRejectsNonEmpty(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 1000)
	fx.bucket.put("d/")
	fx.bucket.put("d/child")

	err := fx.lister.Remove(context.Background(), fx.cache, "d", "/d/")
	require.Error(t, err)
	var ofsErr *objerrors.ObjectFSError
	require.True(t, errors.As(err, &ofsErr))
	assert.Equal(t, objerrors.ErrCodeNotEmpty, ofsErr.Code)
	assert.True(t, fx.bucket.has("d/"), "a rejected remove must not delete anything")
}

func TestRemoveMissingDirectory(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 1000)

	err := fx.lister.Remove(context.Background(), fx.cache, "ghost", "/ghost/")
	require.Error(t, err)
	var ofsErr *objerrors.ObjectFSError
	require.True(t, errors.As(err, &ofsErr))
	assert.Equal(t, objerrors.ErrCodeFileNotFound, ofsErr.Code)
}

func TestRemoveEmptyDirectory(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 1000)
	fx.bucket.put("d/")

	require.NoError(t, fx.lister.Remove(context.Background(), fx.cache, "d", "/d/"))
	assert.False(t, fx.bucket.has("d/"))
}

func TestRenameMovesEveryDescendant(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 1000)
	fx.bucket.put("d/")
	fx.bucket.put("d/x")
	fx.bucket.put("d/y/")
	fx.bucket.put("d/y/z")

	err := fx.lister.Rename(context.Background(), fx.cache, "", "d", "e")
	require.NoError(t, err)

	for _, key := range []string{"e/", "e/x", "e/y/", "e/y/z"} {
		assert.True(t, fx.bucket.has(key), "missing %q after rename", key)
	}
	for _, key := range []string{"d/", "d/x", "d/y/", "d/y/z"} {
		assert.False(t, fx.bucket.has(key), "%q must be gone after rename", key)
	}
}

func TestRenameCopiesBeforeDeleting(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 2) // force pagination during the walk too
	for i := 0; i < 6; i++ {
		fx.bucket.put(fmt.Sprintf("d/file%d", i))
	}

	require.NoError(t, fx.lister.Rename(context.Background(), fx.cache, "", "d", "e"))

	events := fx.bucket.log()
	lastCopy, firstDelete := -1, len(events)
	for i, ev := range events {
		if strings.HasPrefix(ev, "COPY ") && i > lastCopy {
			lastCopy = i
		}
		if strings.HasPrefix(ev, "DELETE ") && i < firstDelete {
			firstDelete = i
		}
	}
	require.GreaterOrEqual(t, lastCopy, 0)
	require.Less(t, firstDelete, len(events))
	assert.Less(t, lastCopy, firstDelete,
		"every copy must land before any delete begins")
}

func TestRenameRootForbidden(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 1000)
	err := fx.lister.Rename(context.Background(), fx.cache, "", "", "e")
	require.Error(t, err)
	var ofsErr *objerrors.ObjectFSError
	require.True(t, errors.As(err, &ofsErr))
	assert.Equal(t, objerrors.ErrCodePathInvalid, ofsErr.Code)
}
