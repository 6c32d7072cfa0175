package crypto

import (
	"errors"
	"math/bits"
)

var ErrFactorize = errors.New("failed to factorize pq")

const rhoIterations = 1 << 22

// FactorizePQ splits the product of two primes, p < q.
func FactorizePQ(pq uint64) (p, q uint64, err error) {
	if pq < 4 {
		return 0, 0, ErrFactorize
	}

	if pq%2 == 0 {
		p = 2
	} else {
		for c := uint64(1); c < 32 && p == 0; c++ {
			p = pollardRho(pq, c)
		}
	}

	if p == 0 || p == 1 || p == pq {
		return 0, 0, ErrFactorize
	}

	q = pq / p
	if p > q {
		p, q = q, p
	}
	return p, q, nil
}

func pollardRho(n, c uint64) uint64 {
	f := func(v uint64) uint64 {
		return addMod(mulMod(v, v, n), c, n)
	}

	x, y, d := uint64(2), uint64(2), uint64(1)
	for i := 0; d == 1 && i < rhoIterations; i++ {
		x = f(x)
		y = f(f(y))

		diff := x - y
		if x < y {
			diff = y - x
		}
		d = gcd(diff, n)
	}

	if d == 1 || d == n {
		return 0
	}
	return d
}

func mulMod(a, b, m uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	_, rem := bits.Div64(hi, lo, m)
	return rem
}

func addMod(a, b, m uint64) uint64 {
	s := a + b
	if s < a || s >= m {
		s -= m
	}
	return s
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
