// Package cryptoutil implements the AES-128-CBC decryption HLS segments
// use and the implicit-IV derivation rule from RFC 8216 section 5.2.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// DecryptAES128CBC decrypts ciphertext with the given 16-byte key and IV.
// PKCS#7 padding is deliberately left in place: HLS muxers rely on segments
// being treated as opaque byte streams whose concatenation reproduces the
// original transport stream, and stripping padding from an interior
// segment would corrupt it.
func DecryptAES128CBC(ciphertext, key, iv []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("aes-128 key must be 16 bytes, got %d", len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

// ImplicitIV derives the IV HLS uses when a #EXT-X-KEY tag omits an
// explicit IV: the segment's absolute sequence number (media sequence plus
// its 0-based position in the playlist), encoded as a 16-byte big-endian
// integer.
func ImplicitIV(mediaSequence, position int) []byte {
	seq := uint64(mediaSequence + position)
	iv := make([]byte, 16)
	for i := 15; i >= 8; i-- {
		iv[i] = byte(seq)
		seq >>= 8
	}
	return iv
}
