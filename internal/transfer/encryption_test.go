package transfer

import (
	"bytes"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeyRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := GenerateFileKey()
	require.NoError(t, err)
	require.Len(t, key.Key, 32)
	require.Len(t, key.IV, 16)

	plaintext := make([]byte, 1000)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	ciphertext, err := key.Encrypt(0, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := key.Decrypt(0, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestFileKeyRoundTripAtEveryOffsetInABlock(t *testing.T) {
	t.Parallel()

	key, err := GenerateFileKey()
	require.NoError(t, err)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	for offset := int64(0); offset < 48; offset++ {
		ct, err := key.Encrypt(offset, payload)
		require.NoError(t, err)
		pt, err := key.Decrypt(offset, ct)
		require.NoError(t, err)
		assert.Equal(t, payload, pt, "offset %d", offset)
	}
}

// Encrypting disjoint ranges independently must produce the same
// ciphertext as one pass over the whole buffer — this is what lets
// multipart parts encrypt out of order.
func TestFileKeyParallelEqualsSerial(t *testing.T) {
	t.Parallel()

	key, err := GenerateFileKey()
	require.NoError(t, err)

	const total = 64*1024 + 7 // deliberately not block-aligned
	plaintext := make([]byte, total)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	serial, err := key.Encrypt(0, plaintext)
	require.NoError(t, err)

	parallel := make([]byte, total)
	chunks := []struct{ off, size int64 }{
		{0, 16384}, {16384, 16384}, {32768, 16384}, {49152, total - 49152},
	}
	var wg sync.WaitGroup
	for _, c := range chunks {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			ct, err := key.Encrypt(c.off, plaintext[c.off:c.off+c.size])
			assert.NoError(t, err)
			copy(parallel[c.off:], ct)
		}()
	}
	wg.Wait()

	assert.True(t, bytes.Equal(serial, parallel),
		"parallel encryption of disjoint offsets must equal the serial pass")
}

func TestFileKeyCounterCarriesAcrossBlockBoundary(t *testing.T) {
	t.Parallel()

	key, err := GenerateFileKey()
	require.NoError(t, err)
	// An IV whose low byte is 0xFF forces a carry into the next byte on
	// the very first block increment.
	for i := range key.IV {
		key.IV[i] = 0xFF
	}

	plaintext := make([]byte, 64)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	whole, err := key.Encrypt(0, plaintext)
	require.NoError(t, err)

	tail, err := key.Encrypt(16, plaintext[16:])
	require.NoError(t, err)
	assert.Equal(t, whole[16:], tail, "counter wrap must match CTR's own carry")
}

func TestWrapUnwrapFileKey(t *testing.T) {
	t.Parallel()

	volumeKey := []byte("volume key material, any length")
	key, err := GenerateFileKey()
	require.NoError(t, err)

	wrapped, err := key.Wrap(volumeKey)
	require.NoError(t, err)
	assert.NotEmpty(t, wrapped)

	unwrapped, err := UnwrapFileKey(volumeKey, wrapped)
	require.NoError(t, err)
	assert.Equal(t, key.Key, unwrapped.Key)
	assert.Equal(t, key.IV, unwrapped.IV)
}

func TestUnwrapFileKeyRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := UnwrapFileKey([]byte("vk"), "not base64 at all!!!")
	assert.Error(t, err)

	_, err = UnwrapFileKey([]byte("vk"), "c2hvcnQ=")
	assert.Error(t, err, "a wrapped key of the wrong length must be rejected")
}

func TestUnwrapWithWrongVolumeKey(t *testing.T) {
	t.Parallel()

	key, err := GenerateFileKey()
	require.NoError(t, err)
	wrapped, err := key.Wrap([]byte("right key"))
	require.NoError(t, err)

	unwrapped, err := UnwrapFileKey([]byte("wrong key"), wrapped)
	require.NoError(t, err, "the wrap is not authenticated; a wrong key yields wrong material")
	assert.NotEqual(t, key.Key, unwrapped.Key)
}
