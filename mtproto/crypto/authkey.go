package crypto

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrAuthKeyIDMismatch  = errors.New("auth key id mismatch")
	ErrMessageKeyMismatch = errors.New("message key mismatch")
	ErrInvalidPacket      = errors.New("invalid encrypted packet")
)

// Side selects the key derivation direction.
type Side int

const (
	ClientToServer Side = 0
	ServerToClient Side = 8
)

// AuthKey is the 2048-bit key shared with a data center.
type AuthKey [256]byte

// NewAuthKey copies a big-endian key value, left padding it to 256 bytes.
func NewAuthKey(value []byte) (AuthKey, error) {
	var k AuthKey
	if len(value) > len(k) {
		return k, fmt.Errorf("auth key is too long: %d bytes", len(value))
	}
	copy(k[len(k)-len(value):], value)
	return k, nil
}

// ID is the low 64 bits of SHA1 of the key, it prefixes every encrypted packet.
func (k *AuthKey) ID() uint64 {
	h := sha1.Sum(k[:])
	return binary.LittleEndian.Uint64(h[12:20])
}

// AuxHash is the high 64 bits of SHA1 of the key.
func (k *AuthKey) AuxHash() uint64 {
	h := sha1.Sum(k[:])
	return binary.LittleEndian.Uint64(h[0:8])
}

func (k *AuthKey) IsZero() bool {
	var zero AuthKey
	return bytes.Equal(k[:], zero[:])
}

// MessageKey is the middle 128 bits of SHA256 over a key slice and the padded plaintext.
func MessageKey(k *AuthKey, plaintext []byte, side Side) [16]byte {
	x := int(side)

	h := sha256.New()
	h.Write(k[88+x : 120+x])
	h.Write(plaintext)
	sum := h.Sum(nil)

	var mk [16]byte
	copy(mk[:], sum[8:24])
	return mk
}

// DeriveAESKeyIV computes the per message aes key and ige iv.
func DeriveAESKeyIV(k *AuthKey, msgKey [16]byte, side Side) (key, iv [32]byte) {
	x := int(side)

	a := sha256.New()
	a.Write(msgKey[:])
	a.Write(k[x : x+36])
	sa := a.Sum(nil)

	b := sha256.New()
	b.Write(k[40+x : 76+x])
	b.Write(msgKey[:])
	sb := b.Sum(nil)

	copy(key[0:8], sa[0:8])
	copy(key[8:24], sb[8:24])
	copy(key[24:32], sa[24:32])

	copy(iv[0:8], sb[0:8])
	copy(iv[8:24], sa[8:24])
	copy(iv[24:32], sb[24:32])
	return key, iv
}

// Encrypt builds auth_key_id ‖ msg_key ‖ ciphertext, plaintext should be already padded.
func (k *AuthKey) Encrypt(plaintext []byte, side Side) ([]byte, error) {
	msgKey := MessageKey(k, plaintext, side)
	key, iv := DeriveAESKeyIV(k, msgKey, side)

	ct, err := EncryptIGE(key[:], iv[:], plaintext)
	if err != nil {
		return nil, err
	}

	packet := make([]byte, 24, 24+len(ct))
	binary.LittleEndian.PutUint64(packet, k.ID())
	copy(packet[8:], msgKey[:])
	return append(packet, ct...), nil
}

// Decrypt checks the packet key id and message key and returns the padded plaintext.
func (k *AuthKey) Decrypt(packet []byte, side Side) ([]byte, error) {
	if len(packet) < 24+16 || (len(packet)-24)%16 != 0 {
		return nil, fmt.Errorf("%w: bad length %d", ErrInvalidPacket, len(packet))
	}

	if binary.LittleEndian.Uint64(packet) != k.ID() {
		return nil, ErrAuthKeyIDMismatch
	}

	var msgKey [16]byte
	copy(msgKey[:], packet[8:24])

	key, iv := DeriveAESKeyIV(k, msgKey, side)
	plaintext, err := DecryptIGE(key[:], iv[:], packet[24:])
	if err != nil {
		return nil, err
	}

	check := MessageKey(k, plaintext, side)
	if subtle.ConstantTimeCompare(check[:], msgKey[:]) != 1 {
		return nil, ErrMessageKeyMismatch
	}
	return plaintext, nil
}
