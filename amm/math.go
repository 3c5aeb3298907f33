// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package amm

import "math/big"

var (
	bigOne = big.NewInt(1)

	// maxUint128 = 2^128 - 1
	maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 128), bigOne)
	// maxUint256 = 2^256 - 1
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 256), bigOne)
	// twoPow128 = 2^128, the scaling factor of Q128.128 fee growth values
	twoPow128 = new(big.Int).Lsh(bigOne, 128)
	// twoPow96 = 2^96, the scaling factor of Q64.96 sqrt prices
	twoPow96 = new(big.Int).Lsh(bigOne, sqrtPriceFractionalBits)
	// twoPow256 = 2^256, the modulus of wrapping 256-bit arithmetic
	twoPow256 = new(big.Int).Lsh(bigOne, 256)
)

// MulDivFloor returns floor(a*b/c). The intermediate product is computed at
// full width so 256-bit operands cannot overflow. c must be non-zero; this
// is a precondition, not a runtime check.
func MulDivFloor(a, b, c *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Div(r, c)
}

// MulDivCeil returns ceil(a*b/c). Same preconditions as MulDivFloor.
func MulDivCeil(a, b, c *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	q, m := r.QuoRem(r, c, new(big.Int))
	if m.Sign() != 0 {
		q.Add(q, bigOne)
	}
	return q
}

// wrappingSub256 returns a - b modulo 2^256. Fee growth accumulators rely on
// wrapping subtraction: growth-outside snapshots may exceed the global
// accumulator after the price crosses back over a tick, and the differences
// still cancel correctly modulo 2^256.
func wrappingSub256(a, b *big.Int) *big.Int {
	r := new(big.Int).Sub(a, b)
	if r.Sign() < 0 {
		r.Add(r, twoPow256)
	}
	return r
}

// saturatingAdd256 returns min(a + b, 2^256 - 1).
func saturatingAdd256(a, b *big.Int) *big.Int {
	r := new(big.Int).Add(a, b)
	if r.Cmp(maxUint256) > 0 {
		r.Set(maxUint256)
	}
	return r
}
