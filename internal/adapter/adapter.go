// Package adapter wires the full stack (worker pool, metadata cache,
// transfer engine, directory lister) to one concrete service adapter
// and exposes the result as a single Runtime the FUSE layer and the
// CLI both depend on.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/objectfs/internal/circuit"
	"github.com/objectfs/objectfs/internal/config"
	"github.com/objectfs/objectfs/internal/directory"
	"github.com/objectfs/objectfs/internal/fuse"
	"github.com/objectfs/objectfs/internal/metrics"
	"github.com/objectfs/objectfs/internal/objectcache"
	"github.com/objectfs/objectfs/internal/storage/gs"
	"github.com/objectfs/objectfs/internal/storage/s3"
	"github.com/objectfs/objectfs/internal/transfer"
	"github.com/objectfs/objectfs/internal/workerpool"
	"github.com/objectfs/objectfs/pkg/api"
	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/health"
	"github.com/objectfs/objectfs/pkg/profiling"
	"github.com/objectfs/objectfs/pkg/recovery"
	"github.com/objectfs/objectfs/pkg/retry"
	"github.com/objectfs/objectfs/pkg/status"
	"github.com/objectfs/objectfs/pkg/types"
)

// Runtime is the live, mounted instance of the filesystem: one
// ServiceAdapter, one worker pool, one metadata cache, one transfer
// engine, one directory lister, and the mount manager riding on top
// of them. It implements objectcache.Prober and types.ObjectStore so
// the cache and internal/vfs can close the loop back through it
// without either package importing the other.
type Runtime struct {
	storageURI string
	mountPoint string
	cfg        *config.Configuration
	bucketName string

	svc   types.ServiceAdapter
	pool  *workerpool.Pool
	cache *objectcache.Cache
	eng   *transfer.Engine
	dir   *directory.Lister

	metricsCol *metrics.Collector
	health     *health.Tracker
	status     *status.Tracker
	apiSrv     *api.Server
	breaker    *circuit.CircuitBreaker
	mountMgr   fuse.PlatformFileSystem

	volumeKey  []byte
	scratchDir string

	openRetryer *retry.Retryer
	recoveryMgr *recovery.RecoveryManager
	memWatch    *profiling.MemoryMonitor

	createMu      sync.Mutex
	recentCreates map[string]time.Time

	started bool
	log     *slog.Logger
}

// New validates storageURI/cfg and parses out the bucket name; it
// does not touch the network or the filesystem until Start.
func New(ctx context.Context, storageURI, mountPoint string, cfg *config.Configuration) (*Runtime, error) {
	if err := validateStorageURI(storageURI); err != nil {
		return nil, fmt.Errorf("invalid storage URI: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	parsed, err := url.Parse(storageURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse storage URI: %w", err)
	}
	bucketName := parsed.Host
	if bucketName == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	return &Runtime{
		storageURI: storageURI,
		mountPoint: mountPoint,
		cfg:        cfg,
		bucketName: bucketName,
		log:        slog.Default().With("component", "adapter"),
	}, nil
}

// Start wires every layer in dependency order and mounts the
// filesystem: service adapter, worker pool, metadata cache (with this
// Runtime as its Prober), transfer engine, directory lister, then the
// platform mount manager.
func (r *Runtime) Start(ctx context.Context) (err error) {
	if r.started {
		return objerrors.NewError(objerrors.ErrCodeAlreadyStarted, "adapter already started")
	}

	r.log.Info("starting filesystem runtime",
		"storage_uri", r.storageURI, "mount_point", r.mountPoint)

	r.metricsCol, err = metrics.NewCollector(&metrics.Config{
		Enabled:   r.cfg.Monitoring.Metrics.Enabled,
		Port:      r.cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: "objectfs",
		Labels:    r.cfg.Monitoring.Metrics.CustomLabels,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize metrics collector: %w", err)
	}
	if err := r.metricsCol.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics collector: %w", err)
	}

	r.health = health.NewTracker(health.DefaultConfig())
	r.health.RegisterComponent("service_adapter")

	if r.cfg.Monitoring.HealthChecks.Enabled {
		profCfg := profiling.DefaultMonitorConfig()
		profCfg.Port = r.cfg.Global.ProfilePort
		profCfg.EnablePprof = r.cfg.Global.ProfilePort > 0
		r.memWatch = profiling.NewMemoryMonitor(profCfg, profiling.DefaultAlertThresholds())
		r.health.RegisterComponent("memory")
		r.memWatch.AddAlertCallback(func(alert profiling.Alert) {
			r.log.Warn("memory alert",
				"level", alert.Level.String(), "type", alert.Type, "message", alert.Message)
			if alert.Level == profiling.AlertCritical {
				r.health.RecordError("memory", errors.New(alert.Message))
			}
		})
		if err := r.memWatch.Start(ctx); err != nil {
			return fmt.Errorf("failed to start memory monitor: %w", err)
		}
	}

	r.status = status.NewTracker(status.TrackerConfig{HealthTracker: r.health})
	if r.cfg.Global.HealthPort > 0 {
		apiCfg := api.DefaultServerConfig()
		apiCfg.Address = fmt.Sprintf(":%d", r.cfg.Global.HealthPort)
		r.apiSrv = api.NewServer(apiCfg, r.status, r.health)
		r.apiSrv.StartBackground()
	}

	mountOp, ctx := r.status.StartOperation(ctx, "mount", map[string]interface{}{
		"storage_uri": r.storageURI,
		"mount_point": r.mountPoint,
	})
	defer func() {
		if err != nil {
			r.status.FailOperation(mountOp.ID, err)
			return
		}
		r.status.CompleteOperation(mountOp.ID)
	}()

	r.svc, err = r.buildServiceAdapter(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize service adapter: %w", err)
	}

	r.breaker = circuit.NewCircuitBreaker("object-head", circuit.Config{
		MaxRequests: 1,
		Interval:    r.cfg.Network.CircuitBreaker.Timeout,
		Timeout:     r.cfg.Network.CircuitBreaker.Timeout,
	})

	r.pool, err = workerpool.New(workerpool.Config{
		WorkersPerPriority: [2]int{4, 8},
		RequestTimeout:     time.Duration(r.cfg.Storage.TransferTimeoutInS) * time.Second,
		WatchdogInterval:   2 * time.Second,
		URLPrefix:          r.svc.URLPrefix(),
		HeaderPrefix:       r.svc.HeaderPrefix(),
		Signer:             r.svc.Signer(),
		HTTPClient:         http.DefaultClient,
		Logger:             r.log,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize worker pool: %w", err)
	}

	r.cache = objectcache.New(objectcache.Config{
		MaxEntries: r.cfg.Storage.MaxObjectsInCache,
		TTL:        r.cfg.Cache.TTL,
	}, r)

	r.eng = transfer.New(r.pool, r.svc, transfer.Config{
		DownloadChunkSize: r.cfg.Storage.DownloadChunkSize,
		UploadChunkSize:   r.cfg.Storage.UploadChunkSize,
		MaxRetries:        r.cfg.Storage.TransferRetries,
	})

	r.dir = directory.New(r.pool, r.svc)

	r.openRetryer = newOpenRetryer(r.cfg.Storage.MaxInconsistentStateRetries)
	r.recoveryMgr = recovery.NewRecoveryManager(recovery.DefaultRecoveryConfig())

	if r.cfg.Storage.UseEncryption {
		var key []byte
		key, err = loadVolumeKey(r.cfg.Storage.VolumeKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load volume key: %w", err)
		}
		r.volumeKey = key
	}

	r.scratchDir, err = os.MkdirTemp("", "objectfs-scratch-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}

	mountConfig := &fuse.MountConfig{
		MountPoint: r.mountPoint,
		Options: &fuse.MountOptions{
			FSName:   "objectfs",
			Subtype:  r.cfg.Storage.Service,
			MaxRead:  128 * 1024,
			MaxWrite: 128 * 1024,
			Debug:    false,
		},
	}
	r.mountMgr = fuse.CreatePlatformMountManager(r, mountConfig)

	if mountErr := r.mountMgr.Mount(ctx); mountErr != nil {
		err = fmt.Errorf("failed to mount filesystem: %w", mountErr)
		return err
	}

	r.started = true
	r.log.Info("filesystem runtime started")
	return nil
}

// Stop unmounts the filesystem, then closes the worker pool, removes the
// scratch directory, and stops the memory monitor, the metrics
// collector and the API server, in that order.
func (r *Runtime) Stop(ctx context.Context) error {
	if !r.started {
		return objerrors.NewError(objerrors.ErrCodeNotInitialized, "adapter not started")
	}
	r.log.Info("stopping filesystem runtime")

	var lastErr error
	if r.mountMgr != nil && r.mountMgr.IsMounted() {
		if err := r.mountMgr.Unmount(); err != nil {
			r.log.Error("unmount failed", "error", err)
			lastErr = err
		}
	}
	if r.pool != nil {
		r.pool.Close()
	}
	if r.scratchDir != "" {
		os.RemoveAll(r.scratchDir)
	}
	if r.memWatch != nil {
		if err := r.memWatch.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	if r.metricsCol != nil {
		if err := r.metricsCol.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	if r.apiSrv != nil {
		if err := r.apiSrv.Shutdown(ctx); err != nil {
			lastErr = err
		}
	}

	r.started = false
	r.log.Info("filesystem runtime stopped")
	return lastErr
}

// Cache, Engine, Directory, ScratchDir, VolumeKey, and Metrics expose
// the wired layers to internal/fuse's rewritten FileSystem.
func (r *Runtime) Cache() *objectcache.Cache           { return r.cache }
func (r *Runtime) Engine() *transfer.Engine            { return r.eng }
func (r *Runtime) Directory() *directory.Lister        { return r.dir }
func (r *Runtime) Adapter() types.ServiceAdapter        { return r.svc }
func (r *Runtime) ScratchDir() string                  { return r.scratchDir }
func (r *Runtime) VolumeKey() []byte                   { return r.volumeKey }
func (r *Runtime) Metrics() *metrics.Collector         { return r.metricsCol }
func (r *Runtime) Status() *status.Tracker             { return r.status }
func (r *Runtime) StorageConfig() config.StorageConfig { return r.cfg.Storage }

// MountManager returns the live mount manager, used by the CLI to
// wait for an external unmount.
func (r *Runtime) MountManager() fuse.PlatformFileSystem { return r.mountMgr }

func (r *Runtime) buildServiceAdapter(ctx context.Context) (types.ServiceAdapter, error) {
	switch strings.ToLower(r.cfg.Storage.Service) {
	case "", "aws", "s3":
		return s3.NewAdapter(ctx, r.bucketName, r.cfg.Storage.S3.Region, r.cfg.Storage.S3.Endpoint,
			r.cfg.Storage.S3.UsePathStyle, r.cfg.Storage.AccessKeyID, r.cfg.Storage.SecretAccessKey)
	case "gs", "gcs":
		return gs.NewAdapter(ctx, r.bucketName, r.cfg.Storage.GS.ServiceAccountFile)
	default:
		return nil, fmt.Errorf("unsupported storage service: %q", r.cfg.Storage.Service)
	}
}

// loadVolumeKey reads the raw symmetric key material internal/transfer
// uses to wrap per-file keys, failing closed if the file is missing.
func loadVolumeKey(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("volume_key_file is required when encryption is enabled")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading volume key file: %w", err)
	}
	return data, nil
}

// validateStorageURI accepts s3:// and gs:// schemes, matching the
// two service adapters internal/storage provides.
func validateStorageURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("failed to parse URI: %w", err)
	}
	switch parsed.Scheme {
	case "s3", "gs":
		if parsed.Host == "" {
			return fmt.Errorf("storage URI must include a bucket name")
		}
	default:
		return fmt.Errorf("unsupported storage scheme: %s (only s3:// and gs:// supported)", parsed.Scheme)
	}
	return nil
}

// parseSize parses a human-readable size string (e.g., "2GB",
// "512MB") to bytes, tolerating the bare-number case.
func parseSize(sizeStr string) int64 {
	sizeStr = strings.ToUpper(strings.TrimSpace(sizeStr))
	var multiplier int64 = 1
	var numStr string
	switch {
	case strings.HasSuffix(sizeStr, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(sizeStr, "GB")
	case strings.HasSuffix(sizeStr, "MB"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(sizeStr, "MB")
	case strings.HasSuffix(sizeStr, "KB"):
		multiplier = 1024
		numStr = strings.TrimSuffix(sizeStr, "KB")
	case strings.HasSuffix(sizeStr, "B"):
		numStr = strings.TrimSuffix(sizeStr, "B")
	default:
		numStr = sizeStr
	}
	num, err := strconv.ParseInt(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		return 1024 * 1024 * 1024
	}
	return num * multiplier
}
