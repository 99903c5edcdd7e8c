package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerPartSplitting(t *testing.T) {
	t.Parallel()

	const chunk = 5 * 1024 * 1024

	tests := []struct {
		name      string
		totalSize int64
		wantSizes []int64
	}{
		{"zero bytes still makes one part", 0, []int64{0}},
		{"smaller than one chunk", 100, []int64{100}},
		{"exactly one chunk", chunk, []int64{chunk}},
		{"one byte past the chunk splits into chunk and one", chunk + 1, []int64{chunk, 1}},
		{"thirteen megabytes over five-megabyte chunks", 13 * 1024 * 1024, []int64{chunk, chunk, 3 * 1024 * 1024}},
		{"exact multiple", 3 * chunk, []int64{chunk, chunk, chunk}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := NewLedger[struct{}](tt.totalSize, chunk)
			parts := ledger.Parts()
			require.Len(t, parts, len(tt.wantSizes))

			var offset int64
			for i, p := range parts {
				assert.Equal(t, i+1, p.Number, "part numbers are 1-based and ordered")
				assert.Equal(t, offset, p.Offset)
				assert.Equal(t, tt.wantSizes[i], p.Size)
				assert.Equal(t, PartPending, p.Status)
				offset += p.Size
			}
			assert.Equal(t, tt.totalSize, offset, "parts must tile the whole payload")
		})
	}
}

func TestLedgerCompletion(t *testing.T) {
	t.Parallel()

	ledger := NewLedger[string](10, 4)
	assert.False(t, ledger.IsComplete())

	ledger.MarkCompleted(1, `"etag-1"`)
	ledger.MarkCompleted(3, `"etag-3"`)
	assert.False(t, ledger.IsComplete())

	ledger.MarkCompleted(2, `"etag-2"`)
	assert.True(t, ledger.IsComplete())

	parts := ledger.Parts()
	assert.Equal(t, `"etag-2"`, parts[1].Result)
}

func TestLedgerRetryAccounting(t *testing.T) {
	t.Parallel()

	ledger := NewLedger[string](10, 10)

	assert.True(t, ledger.MarkFailed(1, 3), "first failure leaves retries")
	assert.True(t, ledger.MarkFailed(1, 3), "second failure leaves one retry")
	assert.False(t, ledger.MarkFailed(1, 3), "third failure exhausts the budget")

	assert.False(t, ledger.MarkFailed(99, 3), "unknown part numbers have no retries")
}

func TestPartCount(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, PartCount(0, 5))
	assert.Equal(t, 1, PartCount(5, 5))
	assert.Equal(t, 2, PartCount(6, 5))
	assert.Equal(t, 3, PartCount(11, 5))
}
