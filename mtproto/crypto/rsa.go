package crypto

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/mtgram/mtgo/tl"
)

// RSAPadDataLimit is the biggest payload RSA_PAD can carry.
const RSAPadDataLimit = 144

var ErrNoPublicKeys = errors.New("no rsa public keys found")

// PublicKey is a server rsa key together with its fingerprint.
type PublicKey struct {
	Key         *rsa.PublicKey
	Fingerprint uint64
}

// productionKeysPEM are the keys announced by production data centers.
const productionKeysPEM = `-----BEGIN RSA PUBLIC KEY-----
MIIBCgKCAQEA6LszBcC1LGzyr992NzE0ieY+BSaOW622Aa9Bd4ZHLl+TuFQ4lo4g
5nKaMBwK/BIb9xUfg0Q29/2mgIR6Zr9krM7HjuIcCzFvDtr+L0GQjae9H0pRB2OO
62cECs5HKhT5DZ98K33vmWiLowc621dQuwKWSQKjWf50XYFw42h21P2KXUGyp2y/
+aEyZ+uVgLLQbRA1dEjSDZ2iGRy12Mk5gpYc397aYp438fsJoHIgJ2lgMv5h7WY9
t6N/byY9Nw9p21Og3AoXSL2q/2IJ1WRUhebgAdGVMlV1fkuOQoEzR7EdpqtQD9Cs
5+bfo3Nhmcyvk5ftB0WkJ9z6bNZ7yxrP8wIDAQAB
-----END RSA PUBLIC KEY-----
`

// ProductionPublicKeys returns the built-in production key set.
func ProductionPublicKeys() []*PublicKey {
	keys, err := ParsePublicKeysPEM([]byte(productionKeysPEM))
	if err != nil {
		panic("corrupted built-in rsa keys: " + err.Error())
	}
	return keys
}

func NewPublicKey(key *rsa.PublicKey) *PublicKey {
	return &PublicKey{
		Key:         key,
		Fingerprint: Fingerprint(key),
	}
}

// Fingerprint is the low 64 bits of SHA1 over the tl encoded modulus and exponent.
func Fingerprint(key *rsa.PublicKey) uint64 {
	data := tl.ToBytes(key.N.Bytes())
	data = append(data, tl.ToBytes(big.NewInt(int64(key.E)).Bytes())...)

	h := sha1.Sum(data)
	return binary.LittleEndian.Uint64(h[12:20])
}

// ParsePublicKeysPEM reads every PKCS1 or PKIX rsa public key from data.
func ParsePublicKeysPEM(data []byte) ([]*PublicKey, error) {
	var keys []*PublicKey
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}

		var key *rsa.PublicKey
		switch block.Type {
		case "RSA PUBLIC KEY":
			k, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse pkcs1 key: %w", err)
			}
			key = k
		case "PUBLIC KEY":
			k, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse pkix key: %w", err)
			}
			rk, ok := k.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("unsupported public key type %T", k)
			}
			key = rk
		default:
			return nil, fmt.Errorf("unexpected pem block %q", block.Type)
		}
		keys = append(keys, NewPublicKey(key))
	}

	if len(keys) == 0 {
		return nil, ErrNoPublicKeys
	}
	return keys, nil
}

// EncryptRSAPad encrypts handshake inner data with the RSA_PAD scheme.
func EncryptRSAPad(rnd io.Reader, key *PublicKey, data []byte) ([]byte, error) {
	if len(data) > RSAPadDataLimit {
		return nil, fmt.Errorf("rsa pad data is too long: %d bytes", len(data))
	}

	padded := make([]byte, 192)
	copy(padded, data)
	if _, err := io.ReadFull(rnd, padded[len(data):]); err != nil {
		return nil, err
	}

	dataWithHash := make([]byte, 224)
	for i := range padded {
		dataWithHash[i] = padded[len(padded)-1-i]
	}

	var zeroIV [32]byte
	tempKey := make([]byte, 32)

	for attempt := 0; attempt < 32; attempt++ {
		if _, err := io.ReadFull(rnd, tempKey); err != nil {
			return nil, err
		}

		h := sha256.New()
		h.Write(tempKey)
		h.Write(padded)
		copy(dataWithHash[192:], h.Sum(nil))

		aesEncrypted, err := EncryptIGE(tempKey, zeroIV[:], dataWithHash)
		if err != nil {
			return nil, err
		}

		aesHash := sha256.Sum256(aesEncrypted)
		keyAES := make([]byte, 0, 256)
		for i := range tempKey {
			keyAES = append(keyAES, tempKey[i]^aesHash[i])
		}
		keyAES = append(keyAES, aesEncrypted...)

		m := new(big.Int).SetBytes(keyAES)
		if m.Cmp(key.Key.N) >= 0 {
			// retry with another temp key
			continue
		}

		c := new(big.Int).Exp(m, big.NewInt(int64(key.Key.E)), key.Key.N)
		return leftPad(c.Bytes(), 256), nil
	}
	return nil, errors.New("failed to find rsa pad temp key below modulus")
}

// DecryptRSAPad reverses EncryptRSAPad and returns the 192 byte padded data.
func DecryptRSAPad(key *rsa.PrivateKey, encrypted []byte) ([]byte, error) {
	c := new(big.Int).SetBytes(encrypted)
	if c.Cmp(key.N) >= 0 {
		return nil, errors.New("rsa pad value is out of range")
	}

	keyAES := leftPad(new(big.Int).Exp(c, key.D, key.N).Bytes(), 256)
	aesEncrypted := keyAES[32:]

	aesHash := sha256.Sum256(aesEncrypted)
	tempKey := make([]byte, 32)
	for i := range tempKey {
		tempKey[i] = keyAES[i] ^ aesHash[i]
	}

	var zeroIV [32]byte
	dataWithHash, err := DecryptIGE(tempKey, zeroIV[:], aesEncrypted)
	if err != nil {
		return nil, err
	}

	padded := make([]byte, 192)
	for i := range padded {
		padded[i] = dataWithHash[191-i]
	}

	h := sha256.New()
	h.Write(tempKey)
	h.Write(padded)
	if string(h.Sum(nil)) != string(dataWithHash[192:]) {
		return nil, errors.New("rsa pad hash mismatch")
	}
	return padded, nil
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	res := make([]byte, size)
	copy(res[size-len(b):], b)
	return res
}
