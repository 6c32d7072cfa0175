package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func secretFrom(seed string) *big.Int {
	h := sha256.Sum256([]byte(seed))
	return new(big.Int).SetBytes(bytes.Repeat(h[:], 8))
}

func TestComputeDHGolden(t *testing.T) {
	p := DefaultDHPrime
	a := secretFrom("server-a")
	b := secretFrom("client-b")

	gA := new(big.Int).Exp(big.NewInt(3), a, p)
	require.Equal(t, "a7b90cb2746c7988714eb6c85a338e56e2f2bdab04affaddeacd76fee7fe9581", hex.EncodeToString(gA.Bytes()[:32]))

	ex, err := ComputeDH(3, gA, b, p)
	require.NoError(t, err)

	assert.Equal(t, "b0090f9654e0c5e08639d67bb3b9941a4955fb348a6b7f4800a14ce4f8f1f69b"+
		"86435d46a51ad44eba279a33e03b3ab8ed3afe7dae67f2ac2a4cc9dcd2d0892b"+
		"e758e65cae187a36cbbbc005f6e38f38bf24652d42d316c90a9239f80ebdf591"+
		"cec4cf8bdf11408e1c5fa0333fd909782621f523df77af8ea5aa0b16565659d3"+
		"1818752a25b49ff00344e02c7ec22dee3d40418fc5711102ded759edba405aa4"+
		"205a85710ce48dd9b440fbb4d7d7067945b34da0bab36506ab34dda13a4abb24"+
		"a4592b4f9f2e90840a8a1cffa97b4483746cd55c34d0dafda12291b7a55f189d"+
		"d578ac46af24dad0c4cac88bcbce18a666796422208f91639a00976dd7f7ab74", hex.EncodeToString(ex.Key[:]))
	assert.Equal(t, uint64(0x1a1fd252f637e786), ex.Key.ID())
	assert.Equal(t, uint64(0xec1fbf712171c64d), ex.Key.AuxHash())

	// server side derives the same key from g_b
	shared := new(big.Int).Exp(ex.GB, a, p)
	assert.Equal(t, ex.Key[:], shared.FillBytes(make([]byte, 256)))
}

func TestCheckDHPrime(t *testing.T) {
	require.NoError(t, CheckDHPrime(DefaultDHPrime, 3))
	require.NoError(t, CheckDHPrime(DefaultDHPrime, 4))

	// p mod 8 == 3 for the default prime
	require.ErrorIs(t, CheckDHPrime(DefaultDHPrime, 2), ErrBadDHParams)
	require.ErrorIs(t, CheckDHPrime(DefaultDHPrime, 9), ErrBadDHParams)
	require.ErrorIs(t, CheckDHPrime(big.NewInt(23), 3), ErrBadDHParams)

	notPrime := new(big.Int).Add(DefaultDHPrime, big.NewInt(1))
	require.ErrorIs(t, CheckDHPrime(notPrime, 3), ErrBadDHParams)
}

func TestCheckDHValue(t *testing.T) {
	p := DefaultDHPrime
	require.ErrorIs(t, CheckDHValue(big.NewInt(1), p), ErrBadDHParams)
	require.ErrorIs(t, CheckDHValue(new(big.Int).Sub(p, big.NewInt(1)), p), ErrBadDHParams)
	require.ErrorIs(t, CheckDHValue(big.NewInt(1<<40), p), ErrBadDHParams)
	require.ErrorIs(t, CheckDHValue(new(big.Int).Sub(p, big.NewInt(1<<40)), p), ErrBadDHParams)
	require.NoError(t, CheckDHValue(new(big.Int).Rsh(p, 1), p))
}

// nonces of the auth key generation sample from core.telegram.org/mtproto/samples-auth_key
func sampleNonces(t *testing.T) (newNonce [32]byte, serverNonce [16]byte) {
	copy(newNonce[:], mustHex(t, "311c85db234aa2640afc4a76a735cf5b1f0fd68bd17fa181e1229ad867cc024d"))
	copy(serverNonce[:], mustHex(t, "a5cf4d33f4a11ea877ba4aa573907330"))
	return newNonce, serverNonce
}

func TestTempAESKeyIV(t *testing.T) {
	newNonce, serverNonce := sampleNonces(t)

	key, iv := TempAESKeyIV(newNonce, serverNonce)
	assert.Equal(t, "f011280887c7bb01df0fc4e17830e0b91fbb8be4b2267cb985ae25f33b527253", hex.EncodeToString(key[:]))
	assert.Equal(t, "3212d579ee35452ed23e0d0c92841aa7d31b2e9bdef2151e80d15860311c85db", hex.EncodeToString(iv[:]))
}

func TestNonceHelpers(t *testing.T) {
	newNonce, serverNonce := sampleNonces(t)

	assert.Equal(t, uint64(0xccbcebd7e8c8d394), InitialSalt(newNonce, serverNonce))

	k := testAuthKey()
	assert.Equal(t, uint64(0xc8df57a46e58d132), k.ID())
	assert.Equal(t, uint64(0x688ef7b7bdd61649), k.AuxHash())

	for n, want := range map[byte]string{
		1: "54f26b0a4a23e6b87350443bd5946e3a",
		2: "f6d5db7d2a92d5c8d07e73895d0fd329",
		3: "8f679647c55b36546b5ecb922be482a6",
	} {
		h := NewNonceHash(newNonce, k, n)
		assert.Equal(t, want, hex.EncodeToString(h[:]), "new_nonce_hash%d", n)
	}
}
