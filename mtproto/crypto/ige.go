package crypto

import (
	"crypto/aes"
	"errors"
	"fmt"
)

var ErrBlockSize = errors.New("data is not a multiple of the aes block size")

// EncryptIGE encrypts data with AES in IGE mode.
// iv is 32 bytes: previous ciphertext block followed by previous plaintext block.
func EncryptIGE(key, iv, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, ErrBlockSize
	}
	if len(iv) != 2*aes.BlockSize {
		return nil, fmt.Errorf("ige iv should be %d bytes, got %d", 2*aes.BlockSize, len(iv))
	}

	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	dst := make([]byte, len(data))
	prevC, prevP := iv[:aes.BlockSize], iv[aes.BlockSize:]

	var tmp [aes.BlockSize]byte
	for i := 0; i < len(data); i += aes.BlockSize {
		p := data[i : i+aes.BlockSize]
		out := dst[i : i+aes.BlockSize]

		xorBlock(tmp[:], p, prevC)
		c.Encrypt(tmp[:], tmp[:])
		xorBlock(out, tmp[:], prevP)

		prevC, prevP = out, p
	}
	return dst, nil
}

// DecryptIGE is the inverse of EncryptIGE.
func DecryptIGE(key, iv, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, ErrBlockSize
	}
	if len(iv) != 2*aes.BlockSize {
		return nil, fmt.Errorf("ige iv should be %d bytes, got %d", 2*aes.BlockSize, len(iv))
	}

	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	dst := make([]byte, len(data))
	prevC, prevP := iv[:aes.BlockSize], iv[aes.BlockSize:]

	var tmp [aes.BlockSize]byte
	for i := 0; i < len(data); i += aes.BlockSize {
		ct := data[i : i+aes.BlockSize]
		out := dst[i : i+aes.BlockSize]

		xorBlock(tmp[:], ct, prevP)
		c.Decrypt(tmp[:], tmp[:])
		xorBlock(out, tmp[:], prevC)

		prevC, prevP = ct, out
	}
	return dst, nil
}

func xorBlock(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}
