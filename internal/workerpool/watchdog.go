package workerpool

import (
	"syscall"
	"time"
)

// watchdog periodically scans every worker's in-flight request. On
// timeout it completes the handle with -ETIMEDOUT, detaches the
// worker from further ownership of that handle, and spawns a
// replacement worker bound to the same queue. The timed-out worker's
// goroutine finishes its stalled call in the background and then exits
// without taking further work; its eventual natural completion becomes
// a no-op against the already-completed handle.
func (p *Pool) watchdog() {
	defer close(p.watchdogDone)

	ticker := time.NewTicker(p.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.watchdogStop:
			return
		case <-ticker.C:
			p.scanOnce()
		}
	}
}

func (p *Pool) scanOnce() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	snapshot := make([]*worker, 0)
	for pr := 0; pr < int(numPriorities); pr++ {
		snapshot = append(snapshot, p.workers[pr]...)
	}
	p.mu.Unlock()

	for _, w := range snapshot {
		handle, timedOut := w.checkTimeout()
		if !timedOut {
			continue
		}

		if handle.complete(NegErrno(syscall.ETIMEDOUT)) {
			w.detach()
			p.replace(w)
		}
	}
}

// replace removes w from the live-worker list and spawns a fresh
// worker bound to the same priority queue. w's goroutine finishes the
// stalled request (or blocks forever on a transport that never
// returns) and then exits — detach already nilled its queue reference
// — so it neither owns a handle anyone is waiting on nor consumes any
// further work.
func (p *Pool) replace(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	workers := p.workers[w.priority]
	for i, candidate := range workers {
		if candidate == w {
			p.workers[w.priority] = append(workers[:i:i], workers[i+1:]...)
			break
		}
	}

	replacement := &worker{
		pool:     p,
		priority: w.priority,
		queue:    p.queues[w.priority],
		request:  p.newRequest(),
		stop:     make(chan struct{}),
	}
	p.workers[w.priority] = append(p.workers[w.priority], replacement)
	go replacement.run()
}
