package transfer

import (
	"sync"
)

// PartStatus is the lifecycle of one part of a multipart transfer.
type PartStatus int

const (
	PartPending PartStatus = iota
	PartInFlight
	PartCompleted
	PartFailed
)

// Part is one slice of a multipart download or upload: an offset/size
// range plus whatever per-part result the transfer direction needs
// (an ETag for uploads, nothing for downloads — hence the generic T).
type Part[T any] struct {
	Number     int
	Offset     int64
	Size       int64
	Status     PartStatus
	RetryCount int
	Result     T
}

// Ledger tracks per-part status and retry count for one multipart
// transfer, generic over the upload/download result type and
// decoupled from any one backend's wire protocol.
type Ledger[T any] struct {
	mu    sync.Mutex
	parts []*Part[T]
}

// NewLedger builds a ledger for a transfer split into n parts, each
// chunkSize bytes except the last, which carries the remainder of
// totalSize.
func NewLedger[T any](totalSize, chunkSize int64) *Ledger[T] {
	n := PartCount(totalSize, chunkSize)
	parts := make([]*Part[T], n)
	offset := int64(0)
	for i := 0; i < n; i++ {
		size := chunkSize
		if remaining := totalSize - offset; remaining < chunkSize {
			size = remaining
		}
		parts[i] = &Part[T]{Number: i + 1, Offset: offset, Size: size, Status: PartPending}
		offset += size
	}
	return &Ledger[T]{parts: parts}
}

// PartCount returns ceil(totalSize/chunkSize), at least 1.
func PartCount(totalSize, chunkSize int64) int {
	if totalSize <= 0 {
		return 1
	}
	n := totalSize / chunkSize
	if totalSize%chunkSize != 0 {
		n++
	}
	if n == 0 {
		n = 1
	}
	return int(n)
}

// Parts returns a snapshot of every part, in part-number order.
func (l *Ledger[T]) Parts() []*Part[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Part[T], len(l.parts))
	copy(out, l.parts)
	return out
}

// MarkCompleted records a successful part and its result (e.g. ETag).
func (l *Ledger[T]) MarkCompleted(number int, result T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p := l.find(number); p != nil {
		p.Status = PartCompleted
		p.Result = result
	}
}

// MarkFailed increments the retry count and reports whether the part
// may be retried again (retryCount < maxRetries after incrementing).
func (l *Ledger[T]) MarkFailed(number int, maxRetries int) (retriesLeft bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.find(number)
	if p == nil {
		return false
	}
	p.RetryCount++
	p.Status = PartFailed
	return p.RetryCount < maxRetries
}

// IsComplete reports whether every part has completed.
func (l *Ledger[T]) IsComplete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.parts {
		if p.Status != PartCompleted {
			return false
		}
	}
	return true
}

func (l *Ledger[T]) find(number int) *Part[T] {
	for _, p := range l.parts {
		if p.Number == number {
			return p
		}
	}
	return nil
}
