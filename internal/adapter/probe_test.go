package adapter

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectfs/internal/circuit"
	"github.com/objectfs/objectfs/internal/objectcache"
	"github.com/objectfs/objectfs/internal/storage/s3"
	"github.com/objectfs/objectfs/internal/workerpool"
	"github.com/objectfs/objectfs/pkg/health"
)

// probeFixture is just enough Runtime for Probe: a worker pool bound
// to a recording HTTP backend, a breaker, and a health tracker.
type probeFixture struct {
	rt *Runtime

	mu    sync.Mutex
	paths []string
}

func newProbeFixture(t *testing.T) *probeFixture {
	t.Helper()
	fx := &probeFixture{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.mu.Lock()
		fx.paths = append(fx.paths, r.URL.Path)
		fx.mu.Unlock()
		w.WriteHeader(404)
	}))
	t.Cleanup(srv.Close)

	svc, err := s3.NewAdapter(context.Background(), "test-bucket", "us-east-1", "", false, "AKID", "secret")
	require.NoError(t, err)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.URLPrefix = srv.URL
	poolCfg.HeaderPrefix = svc.HeaderPrefix()
	poolCfg.Signer = svc.Signer()
	poolCfg.HTTPClient = srv.Client()
	pool, err := workerpool.New(poolCfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	tracker := health.NewTracker(health.DefaultConfig())
	tracker.RegisterComponent("service_adapter")

	fx.rt = &Runtime{
		cfg:        createTestConfig(),
		bucketName: "test-bucket",
		svc:        svc,
		pool:       pool,
		health:     tracker,
		breaker: circuit.NewCircuitBreaker("probe-test", circuit.Config{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     time.Minute,
		}),
		log: slog.Default(),
	}
	return fx
}

func (fx *probeFixture) probedPaths() []string {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]string(nil), fx.paths...)
}

// Probe order: directory key first for HintIsDir and HintNone, object
// key first only for HintIsFile, falling back to the other form on a
// 404 either way.
func TestProbeOrderPerHint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		hint objectcache.Hint
		want []string
	}{
		{"no hint probes the directory form first", objectcache.HintNone, []string{"/some/key/", "/some/key"}},
		{"directory hint probes the directory form first", objectcache.HintIsDir, []string{"/some/key/", "/some/key"}},
		{"file hint probes the object form first", objectcache.HintIsFile, []string{"/some/key", "/some/key/"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newProbeFixture(t)
			obj, err := fx.rt.Probe(context.Background(), "some/key", tt.hint)
			require.NoError(t, err)
			assert.Nil(t, obj, "a double 404 resolves to does-not-exist")
			assert.Equal(t, tt.want, fx.probedPaths())
		})
	}
}

func TestProbeRootNeverTouchesTheNetwork(t *testing.T) {
	t.Parallel()

	fx := newProbeFixture(t)
	obj, err := fx.rt.Probe(context.Background(), "", objectcache.HintNone)
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Empty(t, fx.probedPaths())
}
