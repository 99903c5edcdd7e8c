// Package transport implements the authenticated HTTP request/response
// primitive that every worker in internal/workerpool owns: one
// long-lived Request per worker, reused call after call, so each
// worker keeps its own connections and TLS sessions warm.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/objectfs/internal/signer"
)

// Method is one of the HTTP verbs the filesystem issues against the
// object store.
type Method string

const (
	MethodGet    Method = http.MethodGet
	MethodPut    Method = http.MethodPut
	MethodPost   Method = http.MethodPost
	MethodHead   Method = http.MethodHead
	MethodDelete Method = http.MethodDelete
)

// OutputMode selects where a Request delivers the response body.
type OutputMode int

const (
	// OutputBuffer accumulates the response body in memory.
	OutputBuffer OutputMode = iota
	// OutputFile streams the response body to a file descriptor at a
	// caller-supplied offset, so that out-of-order ranged parts can land
	// directly at their final position. The transfer engine does not use
	// it: its multipart downloads assemble parts in a memory buffer.
	OutputFile
)

// Request is a single authenticated HTTP call. It is not safe for
// concurrent use — each workerpool worker owns exactly one and issues
// calls from that worker's goroutine only, which is what keeps
// connection reuse and TLS session resumption per worker.
type Request struct {
	client       *http.Client
	signer       signer.Signer
	urlPrefix    string
	headerPrefix string

	mu sync.Mutex // guards the fields below, read by CheckTimeout from the watchdog goroutine

	method      Method
	path        string
	query       string
	headers     map[string]string
	inputBuffer []byte

	outputMode   OutputMode
	outputFile   *os.File
	outputOffset int64

	responseCode    int
	responseHeaders http.Header
	responseBody    []byte

	startedAt time.Time
	deadline  time.Duration
	running   bool
}

// New constructs a Request bound to one HTTP client and one signer.
// urlPrefix is the backend's bucket URL (e.g.
// "https://bucket.s3.amazonaws.com"); headerPrefix is the backend's
// vendor header namespace (e.g. "x-amz-" or "x-goog-").
func New(client *http.Client, sgnr signer.Signer, urlPrefix, headerPrefix string) *Request {
	return &Request{
		client:       client,
		signer:       sgnr,
		urlPrefix:    urlPrefix,
		headerPrefix: headerPrefix,
	}
}

// Init resets all mutable state so the Request can be reused for a
// new call without leaking anything from the prior one.
func (r *Request) Init(method Method) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.method = method
	r.path = ""
	r.query = ""
	r.headers = make(map[string]string)
	r.inputBuffer = nil
	r.outputMode = OutputBuffer
	r.outputFile = nil
	r.outputOffset = 0
	r.responseCode = 0
	r.responseHeaders = nil
	r.responseBody = nil
	r.running = false
}

// SetURL composes the final request target from a path and optional
// query string.
func (r *Request) SetURL(path, query string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.path = path
	r.query = query
}

// SetHeader overrides or sets a request header. Header names are
// case-insensitive and stored normalized to lower case, so canonical-
// string construction over amz-prefixed headers is a single sorted
// pass.
func (r *Request) SetHeader(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[strings.ToLower(key)] = value
}

// SetInputBuffer supplies an in-memory request body (PUT/POST).
func (r *Request) SetInputBuffer(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputBuffer = data
}

// SetOutputFile streams the response body to fd starting at offset,
// for ranged GET parts that must land at their declared byte range
// regardless of completion order.
func (r *Request) SetOutputFile(fd *os.File, offset int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputMode = OutputFile
	r.outputFile = fd
	r.outputOffset = offset
}

// Method, Path, Header, HeaderPrefix satisfy signer.SignableRequest.
func (r *Request) Method() string { return string(r.method) }
func (r *Request) Path() string   { return r.path }

func (r *Request) Header(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers[strings.ToLower(key)]
}

func (r *Request) Headers() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

func (r *Request) HeaderPrefix() string { return r.headerPrefix }

// ResponseCode, ResponseHeader, ResponseBody expose the result of the
// last Run call.
func (r *Request) ResponseCode() int { return r.responseCode }

func (r *Request) ResponseHeader(key string) string {
	if r.responseHeaders == nil {
		return ""
	}
	return r.responseHeaders.Get(key)
}

func (r *Request) ResponseBody() []byte { return r.responseBody }

// ResponseHeadersWithPrefix returns every response header whose name
// starts with prefix (case-insensitive), keyed by the lowercased
// suffix after prefix — used to recover vendor user-metadata headers
// (x-amz-meta-*, x-goog-meta-*) whose key set isn't known in advance.
func (r *Request) ResponseHeadersWithPrefix(prefix string) map[string]string {
	out := make(map[string]string)
	if r.responseHeaders == nil {
		return out
	}
	prefix = strings.ToLower(prefix)
	for k, v := range r.responseHeaders {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, prefix) && len(v) > 0 {
			out[strings.TrimPrefix(lk, prefix)] = v[0]
		}
	}
	return out
}

// Run signs, transmits, and awaits the reply, populating the response
// fields. timeout bounds the whole call; CheckTimeout observes the
// same deadline so the workerpool watchdog can complete a caller's
// handle with ErrTimeout without waiting for the transport to give up
// on its own.
func (r *Request) Run(ctx context.Context, timeout time.Duration) error {
	r.mu.Lock()
	r.startedAt = time.Now()
	r.deadline = timeout
	r.running = true
	method, path, query := r.method, r.path, r.query
	headers := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		headers[k] = v
	}
	body := r.inputBuffer
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	// An absolute path bypasses the bucket prefix: GS resumable-upload
	// session URLs arrive fully formed in a Location header.
	target := r.urlPrefix + path
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		target = path
	}
	if query != "" {
		target += "?" + query
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(method), target, bodyReader)
	if err != nil {
		return fmt.Errorf("transport: building request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	if err := r.signer.Sign(r); err != nil {
		return fmt.Errorf("transport: signing request: %w", err)
	}
	// The signer mutates r.headers (Authorization/Date); copy those
	// onto the already-built http.Request before transmitting.
	r.mu.Lock()
	for k, v := range r.headers {
		httpReq.Header.Set(k, v)
	}
	r.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		httpReq = httpReq.WithContext(ctx)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transport: transmitting request: %w", err)
	}
	defer resp.Body.Close()

	r.mu.Lock()
	r.responseCode = resp.StatusCode
	r.responseHeaders = resp.Header
	outputMode, outputFile, outputOffset := r.outputMode, r.outputFile, r.outputOffset
	r.mu.Unlock()

	if outputMode == OutputFile && outputFile != nil {
		n, err := io.Copy(io.NewOffsetWriter(outputFile, outputOffset), resp.Body)
		if err != nil {
			return fmt.Errorf("transport: streaming response to scratch file: %w", err)
		}
		r.mu.Lock()
		r.responseBody = nil
		r.mu.Unlock()
		_ = n
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("transport: reading response body: %w", err)
	}
	r.mu.Lock()
	r.responseBody = data
	r.mu.Unlock()
	return nil
}

// CheckTimeout reports whether this request has been running longer
// than its bound. The watchdog goroutine in internal/workerpool polls
// this on every worker.
func (r *Request) CheckTimeout() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.deadline <= 0 {
		return false
	}
	return time.Since(r.startedAt) > r.deadline
}
