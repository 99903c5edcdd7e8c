package transfer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
)

const (
	aesKeyLen   = 32 // AES-256
	aesBlockLen = aes.BlockSize
)

// FileKey is the per-file symmetric key used for client-side
// encryption: a random key plus a random IV that doubles as the CTR
// starting counter at block zero.
type FileKey struct {
	Key []byte
	IV  []byte
}

// GenerateFileKey creates a fresh random key/IV pair at file-create
// time.
func GenerateFileKey() (*FileKey, error) {
	key := make([]byte, aesKeyLen)
	iv := make([]byte, aesBlockLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("transfer: generating file key: %w", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("transfer: generating file iv: %w", err)
	}
	return &FileKey{Key: key, IV: iv}, nil
}

// Wrap derives a key-encryption-key from the volume key and wraps
// (key || iv) for storage in the object's user metadata under
// "s3fuse-key". The wrap is a deterministic HMAC-based stream cipher
// keyed on the volume key, not a full AEAD construction: the threat
// model is at-rest key confidentiality, and tampering with the wrapped
// key only yields an undecryptable file.
func (k *FileKey) Wrap(volumeKey []byte) (string, error) {
	plain := append(append([]byte{}, k.Key...), k.IV...)
	stream := hmacKeystream(volumeKey, len(plain))
	wrapped := xorBytes(plain, stream)
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// UnwrapFileKey reverses Wrap.
func UnwrapFileKey(volumeKey []byte, wrapped string) (*FileKey, error) {
	data, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("transfer: decoding wrapped key: %w", err)
	}
	if len(data) != aesKeyLen+aesBlockLen {
		return nil, fmt.Errorf("transfer: wrapped key has unexpected length %d", len(data))
	}
	stream := hmacKeystream(volumeKey, len(data))
	plain := xorBytes(data, stream)
	return &FileKey{Key: plain[:aesKeyLen], IV: plain[aesKeyLen:]}, nil
}

func hmacKeystream(key []byte, n int) []byte {
	out := make([]byte, 0, n)
	counter := uint32(0)
	for len(out) < n {
		mac := hmac.New(sha256.New, key)
		var ctrBytes [4]byte
		ctrBytes[0] = byte(counter >> 24)
		ctrBytes[1] = byte(counter >> 16)
		ctrBytes[2] = byte(counter >> 8)
		ctrBytes[3] = byte(counter)
		mac.Write(ctrBytes[:])
		out = append(out, mac.Sum(nil)...)
		counter++
	}
	return out[:n]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}

// CipherAt returns a CTR-mode stream positioned at the block
// containing byteOffset, so a part starting mid-file can be
// encrypted/decrypted independently of the parts around it — required
// because multipart parts are transferred (and must be
// encrypted/decrypted) out of order.
func (k *FileKey) CipherAt(byteOffset int64) (cipher.Stream, error) {
	block, err := aes.NewCipher(k.Key)
	if err != nil {
		return nil, fmt.Errorf("transfer: constructing AES cipher: %w", err)
	}

	startingBlock := byteOffset / aesBlockLen
	blockOffsetInBlock := int(byteOffset % aesBlockLen)

	counter := new(big.Int).SetBytes(k.IV)
	counter.Add(counter, big.NewInt(startingBlock))

	ivAtOffset := make([]byte, aesBlockLen)
	counterBytes := counter.Bytes()
	// left-pad / truncate to block size, wrapping on overflow exactly
	// as a fixed-width big-endian counter would.
	if len(counterBytes) >= aesBlockLen {
		copy(ivAtOffset, counterBytes[len(counterBytes)-aesBlockLen:])
	} else {
		copy(ivAtOffset[aesBlockLen-len(counterBytes):], counterBytes)
	}

	stream := cipher.NewCTR(block, ivAtOffset)
	if blockOffsetInBlock > 0 {
		// Discard the leading bytes of this block's keystream so the
		// stream is aligned to byteOffset itself, not just its block.
		discard := make([]byte, blockOffsetInBlock)
		stream.XORKeyStream(discard, discard)
	}
	return stream, nil
}

// Encrypt/Decrypt apply the CTR keystream at byteOffset to data,
// in place semantics via a returned copy — CTR mode makes the two
// operations identical.
func (k *FileKey) Encrypt(byteOffset int64, data []byte) ([]byte, error) {
	stream, err := k.CipherAt(byteOffset)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}

func (k *FileKey) Decrypt(byteOffset int64, data []byte) ([]byte, error) {
	return k.Encrypt(byteOffset, data)
}
