package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"
)

// openLegacy decrypts a version 1 envelope: AES-256-CBC with PKCS#7
// padding and no authentication. Padding errors are reported as
// ErrIntegrity since the only way to get them is corruption or a wrong key.
func openLegacy(key []byte, b *Blob) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: legacy cipher: %w", err)
	}
	pt := make([]byte, len(b.Ciphertext))
	cipher.NewCBCDecrypter(block, b.IV).CryptBlocks(pt, b.Ciphertext)
	return pkcs7Unpad(pt, block.BlockSize())
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, fmt.Errorf("%w: legacy padding", ErrIntegrity)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: legacy padding", ErrIntegrity)
	}
	pad := bytes.Repeat([]byte{byte(n)}, n)
	if subtle.ConstantTimeCompare(b[len(b)-n:], pad) != 1 {
		return nil, fmt.Errorf("%w: legacy padding", ErrIntegrity)
	}
	return b[:len(b)-n], nil
}
