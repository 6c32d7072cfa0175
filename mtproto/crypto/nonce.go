package crypto

import (
	"crypto/sha1"
	"encoding/binary"
)

// TempAESKeyIV derives the key wrapping DH parameters during the handshake.
func TempAESKeyIV(newNonce [32]byte, serverNonce [16]byte) (key, iv [32]byte) {
	h1 := sha1.Sum(append(newNonce[:], serverNonce[:]...))
	h2 := sha1.Sum(append(serverNonce[:], newNonce[:]...))
	h3 := sha1.Sum(append(newNonce[:], newNonce[:]...))

	copy(key[:20], h1[:])
	copy(key[20:], h2[:12])

	copy(iv[:8], h2[12:])
	copy(iv[8:28], h3[:])
	copy(iv[28:], newNonce[:4])
	return key, iv
}

// NewNonceHash computes new_nonce_hash1, 2 or 3 of the dh_gen answers.
func NewNonceHash(newNonce [32]byte, key *AuthKey, n byte) [16]byte {
	buf := make([]byte, 0, 32+1+8)
	buf = append(buf, newNonce[:]...)
	buf = append(buf, n)
	buf = binary.LittleEndian.AppendUint64(buf, key.AuxHash())

	h := sha1.Sum(buf)

	var res [16]byte
	copy(res[:], h[4:20])
	return res
}

// InitialSalt is the first server salt of a new key.
func InitialSalt(newNonce [32]byte, serverNonce [16]byte) uint64 {
	return binary.LittleEndian.Uint64(newNonce[:8]) ^ binary.LittleEndian.Uint64(serverNonce[:8])
}
