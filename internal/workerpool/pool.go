// Package workerpool implements the bounded set of long-lived workers
// that every I/O operation against the object store ultimately runs
// on: N workers per priority class, each owning a reusable
// internal/transport.Request, consuming from a shared queue with
// timeout-driven cancellation and one-shot completion handles.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/objectfs/objectfs/internal/signer"
	"github.com/objectfs/objectfs/internal/transport"
)

// Priority selects which worker fleet executes a work item. PR0 is
// foreground, latency-critical work (a getattr-driven HEAD, a
// synchronous read); PRReq1 is background transfer-engine work
// (download/upload parts).
type Priority int

const (
	PR0 Priority = iota
	PRReq1
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PR0:
		return "PR_0"
	case PRReq1:
		return "PR_REQ_1"
	default:
		return "PR_UNKNOWN"
	}
}

// Func is the work a queued item performs: it borrows a Request
// already bound to this worker's transport/signer and returns a
// Status. It must not retain the Request past return.
type Func func(ctx context.Context, req *transport.Request) Status

type workItem struct {
	fn      Func
	handle  *Handle
	ctx     context.Context
	posted  time.Time
	timeout time.Duration
}

// Config configures pool construction.
type Config struct {
	WorkersPerPriority [int(numPriorities)]int
	RequestTimeout     time.Duration
	WatchdogInterval   time.Duration
	URLPrefix          string
	HeaderPrefix       string
	Signer             signer.Signer
	HTTPClient         *http.Client
	Logger             *slog.Logger
}

// DefaultConfig returns sane worker counts: a small foreground fleet
// for latency-critical metadata calls and a larger background fleet
// for transfer parts.
func DefaultConfig() Config {
	var cfg Config
	cfg.WorkersPerPriority[PR0] = 4
	cfg.WorkersPerPriority[PRReq1] = 8
	cfg.RequestTimeout = 60 * time.Second
	cfg.WatchdogInterval = 2 * time.Second
	return cfg
}

// Pool owns P priority queues and N workers per priority.
type Pool struct {
	cfg Config
	log *slog.Logger

	queues [int(numPriorities)]chan *workItem

	mu      sync.Mutex
	workers [int(numPriorities)][]*worker
	closed  bool

	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

// New constructs and starts a Pool: all configured workers plus the
// watchdog goroutine.
func New(cfg Config) (*Pool, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("workerpool: signer is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	for p := 0; p < int(numPriorities); p++ {
		if cfg.WorkersPerPriority[p] <= 0 {
			cfg.WorkersPerPriority[p] = 2
		}
	}

	pool := &Pool{
		cfg:          cfg,
		log:          cfg.Logger,
		watchdogStop: make(chan struct{}),
		watchdogDone: make(chan struct{}),
	}

	for p := 0; p < int(numPriorities); p++ {
		pool.queues[p] = make(chan *workItem, 4096)
		for i := 0; i < cfg.WorkersPerPriority[p]; i++ {
			pool.spawnWorker(Priority(p))
		}
	}

	go pool.watchdog()

	return pool, nil
}

func (p *Pool) newRequest() *transport.Request {
	return transport.New(p.cfg.HTTPClient, p.cfg.Signer, p.cfg.URLPrefix, p.cfg.HeaderPrefix)
}

func (p *Pool) spawnWorker(priority Priority) *worker {
	w := &worker{
		pool:     p,
		priority: priority,
		queue:    p.queues[priority],
		request:  p.newRequest(),
		stop:     make(chan struct{}),
	}

	p.mu.Lock()
	p.workers[priority] = append(p.workers[priority], w)
	p.mu.Unlock()

	go w.run()
	return w
}

// Post enqueues fn at the given priority and returns immediately with
// a handle the caller can Wait on.
func (p *Pool) Post(ctx context.Context, priority Priority, fn Func) *Handle {
	h := newHandle()
	item := &workItem{
		fn:      fn,
		handle:  h,
		ctx:     ctx,
		posted:  time.Now(),
		timeout: p.cfg.RequestTimeout,
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		h.complete(NegErrno(syscall.EPERM))
		return h
	}

	select {
	case p.queues[priority] <- item:
	case <-ctx.Done():
		h.complete(NegErrno(syscall.ECANCELED))
	}
	return h
}

// Call posts fn and blocks for its result.
func (p *Pool) Call(ctx context.Context, priority Priority, fn Func) Status {
	return p.Post(ctx, priority, fn).Wait()
}

// Close stops accepting new work and tears down every worker and the
// watchdog. In-flight items are allowed to finish and their handles
// complete normally; the watchdog is stopped first, so no timeout
// completes them after Close.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := make([]*worker, 0)
	for pr := 0; pr < int(numPriorities); pr++ {
		workers = append(workers, p.workers[pr]...)
	}
	p.mu.Unlock()

	close(p.watchdogStop)
	<-p.watchdogDone

	for _, w := range workers {
		close(w.stop)
	}
}

// Stats reports live worker counts per priority, for health/metrics
// reporting.
func (p *Pool) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, int(numPriorities))
	for pr := 0; pr < int(numPriorities); pr++ {
		out[Priority(pr).String()] = len(p.workers[pr])
	}
	return out
}
