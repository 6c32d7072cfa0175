package crypto

import (
	"errors"
	"fmt"
	"io"
	"math/big"
)

var ErrBadDHParams = errors.New("bad dh parameters")

// DefaultDHPrime is the 2048-bit safe prime used by production servers.
var DefaultDHPrime, _ = new(big.Int).SetString(
	"c71caeb9c6b1c9048e6c522f70f13f73980d40238e3e21c14934d037563d930f"+
		"48198a0aa7c14058229493d22530f4dbfa336f6e0ac925139543aed44cce7c37"+
		"20fd51f69458705ac68cd4fe6b6b13abdc9746512969328454f18faf8c595f64"+
		"2477fe96bb2a941d5bcd1d4ac8cc49880708fa9b378e3c4f3a9060bee67cf9a4"+
		"a4a695811051907e162753b56b0f6b410dba74d8a84b2a14b3144e0ef1284754"+
		"fd17ed950d5965b4b9dd46582db1178d169c6bc465b0d6ff9ca3928fef5b9ae4"+
		"e418fc15e83ebea0f87fa9ff5eed70050ded2849f47bf959d956850ce929851f"+
		"0d8115f635b105ee2e4e15d04b2454bf6f4fadf034b10403119cd8e3b92fcc5b", 16)

// CheckDHPrime verifies that p is a 2048-bit safe prime and g generates
// a subgroup of order (p-1)/2.
func CheckDHPrime(p *big.Int, g int) error {
	if p.BitLen() != 2048 {
		return fmt.Errorf("%w: prime is %d bits", ErrBadDHParams, p.BitLen())
	}

	if p.Cmp(DefaultDHPrime) != 0 {
		if !p.ProbablyPrime(20) {
			return fmt.Errorf("%w: p is not prime", ErrBadDHParams)
		}
		q := new(big.Int).Rsh(p, 1)
		if !q.ProbablyPrime(20) {
			return fmt.Errorf("%w: (p-1)/2 is not prime", ErrBadDHParams)
		}
	}

	mod := func(m int64) int64 {
		return new(big.Int).Mod(p, big.NewInt(m)).Int64()
	}

	var ok bool
	switch g {
	case 2:
		ok = mod(8) == 7
	case 3:
		ok = mod(3) == 2
	case 4:
		ok = true
	case 5:
		r := mod(5)
		ok = r == 1 || r == 4
	case 6:
		r := mod(24)
		ok = r == 19 || r == 23
	case 7:
		r := mod(7)
		ok = r == 3 || r == 5 || r == 6
	}
	if !ok {
		return fmt.Errorf("%w: generator %d is not suitable for prime", ErrBadDHParams, g)
	}
	return nil
}

// CheckDHValue checks that 2^(2048-64) <= v <= p - 2^(2048-64).
func CheckDHValue(v, p *big.Int) error {
	one := big.NewInt(1)
	if v.Cmp(one) <= 0 || v.Cmp(new(big.Int).Sub(p, one)) >= 0 {
		return fmt.Errorf("%w: value out of (1, p-1)", ErrBadDHParams)
	}

	bound := new(big.Int).Lsh(one, 2048-64)
	if v.Cmp(bound) < 0 || v.Cmp(new(big.Int).Sub(p, bound)) > 0 {
		return fmt.Errorf("%w: value is too close to the range edges", ErrBadDHParams)
	}
	return nil
}

// DHExchange holds the client side of the key exchange.
type DHExchange struct {
	GB  *big.Int
	Key AuthKey
}

// ComputeDH derives g^b mod p and the shared key g_a^b mod p for the secret b.
func ComputeDH(g int, gA, b, p *big.Int) (*DHExchange, error) {
	if err := CheckDHValue(gA, p); err != nil {
		return nil, fmt.Errorf("server public value: %w", err)
	}

	gB := new(big.Int).Exp(big.NewInt(int64(g)), b, p)
	if err := CheckDHValue(gB, p); err != nil {
		return nil, fmt.Errorf("client public value: %w", err)
	}

	key, err := NewAuthKey(new(big.Int).Exp(gA, b, p).Bytes())
	if err != nil {
		return nil, err
	}
	return &DHExchange{GB: gB, Key: key}, nil
}

// RandomDHSecret reads a 2048-bit secret exponent.
func RandomDHSecret(rnd io.Reader) (*big.Int, error) {
	buf := make([]byte, 256)
	if _, err := io.ReadFull(rnd, buf); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(buf), nil
}
