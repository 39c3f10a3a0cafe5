package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encryptCBC(t *testing.T, plaintext, key, iv []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	ct := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, plaintext)
	return ct
}

func TestDecryptAES128CBC_RoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte("abcdef0123456789")
	plaintext := []byte("deadbeefdeadbeef") // 16 bytes, block-aligned

	ct := encryptCBC(t, plaintext, key, iv)
	pt, err := DecryptAES128CBC(ct, key, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestDecryptAES128CBC_DoesNotUnpad(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, 16)

	// 16 bytes of real payload followed by a PKCS7-padded block; the
	// decrypted output must retain the padding bytes untouched.
	padded := append([]byte("0123456789abcdef"), bytes16(0x10)...)
	ct := encryptCBC(t, padded, key, iv)
	pt, err := DecryptAES128CBC(ct, key, iv)
	require.NoError(t, err)
	assert.Equal(t, padded, pt)
	assert.Equal(t, byte(0x10), pt[len(pt)-1])
}

func bytes16(b byte) []byte {
	out := make([]byte, 16)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestDecryptAES128CBC_RejectsBadKeyLength(t *testing.T) {
	_, err := DecryptAES128CBC(make([]byte, 16), make([]byte, 10), make([]byte, 16))
	assert.Error(t, err)
}

func TestDecryptAES128CBC_RejectsBadIVLength(t *testing.T) {
	_, err := DecryptAES128CBC(make([]byte, 16), make([]byte, 16), make([]byte, 10))
	assert.Error(t, err)
}

func TestDecryptAES128CBC_RejectsUnalignedCiphertext(t *testing.T) {
	_, err := DecryptAES128CBC(make([]byte, 17), make([]byte, 16), make([]byte, 16))
	assert.Error(t, err)
}

func TestImplicitIV(t *testing.T) {
	iv := ImplicitIV(42, 0)
	expected := make([]byte, 16)
	expected[15] = 42
	assert.Equal(t, expected, iv)

	iv = ImplicitIV(42, 1)
	expected[15] = 43
	assert.Equal(t, expected, iv)
}
