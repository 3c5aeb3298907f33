// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package amm

import "math/big"

// tickBitRatios[i] is the Q128.128 value of sqrt(1/1.0001)^(2^i). They are
// the constants of Uniswap v3's TickMath and must not be changed: the
// outputs of SqrtPriceAtTick are consensus-relevant.
var tickBitRatios = func() [20]*big.Int {
	hex := [20]string{
		"fffcb933bd6fad37aa2d162d1a594001",
		"fff97272373d413259a46990580e213a",
		"fff2e50f5f656932ef12357cf3c7fdcc",
		"ffe5caca7e10e4e61c3624eaa0941cd0",
		"ffcb9843d60f6159c9db58835c926644",
		"ff973b41fa98c081472e6896dfb254c0",
		"ff2ea16466c96a3843ec78b326b52861",
		"fe5dee046a99a2a811c461f1969c3053",
		"fcbe86c7900a88aedcffc83b479aa3a4",
		"f987a7253ac413176f2b074cf7815e54",
		"f3392b0822b70005940c7a398e4b70f3",
		"e7159475a2c29b7443b29c7fa6e889d9",
		"d097f3bdfd2022b8845ad8f792aa5825",
		"a9f746462d870fdf8a65dc1f90e061e5",
		"70d869a156d2a1b890bb3df62baf32f7",
		"31be135f97d08fd981231505542fcfa6",
		"9aa508b5b7a84e1c677de54f3e99bc9",
		"5d6af8dedb81196699c329225ee604",
		"2216e584f5fa1ea926041bedfe98",
		"48a170391f7dc42444e8fa2",
	}
	var out [20]*big.Int
	for i, s := range hex {
		v, ok := new(big.Int).SetString(s, 16)
		if !ok {
			panic("amm: bad tick ratio constant")
		}
		out[i] = v
	}
	return out
}()

var (
	// logSqrt10001 is log(sqrt(1.0001))/log(2) scaled such that multiplying
	// a Q63.64 log2 value by it yields a Q127.128 tick estimate.
	logSqrt10001, _ = new(big.Int).SetString("255738958999603826347141", 10)
	// tickLowBias and tickHighBias bracket the error of the 14-bit log2
	// approximation, giving the low and high tick candidates.
	tickLowBias, _  = new(big.Int).SetString("3402992956809132418596140100660247210", 10)
	tickHighBias, _ = new(big.Int).SetString("291339464771989622907027621153398088495", 10)
)

// SqrtPriceAtTick returns sqrt(1.0001^tick) in Q64.96. tick must be within
// [MinTick, MaxTick]. The result is exactly MinSqrtPrice at MinTick and
// exactly MaxSqrtPrice at MaxTick.
func SqrtPriceAtTick(tick int32) *big.Int {
	if !isTickValid(tick) {
		panic("amm: tick out of range")
	}

	absTick := uint32(tick)
	if tick < 0 {
		absTick = uint32(-int64(tick))
	}

	// r is a running Q128.128 ratio <= 2^128, refined one bit of |tick| at
	// a time. Due to the tick bounds |tick| fits in 20 bits.
	r := new(big.Int)
	if absTick&1 != 0 {
		r.Set(tickBitRatios[0])
	} else {
		r.Lsh(bigOne, 128)
	}
	for bit := 1; bit < 20; bit++ {
		if absTick&(1<<uint(bit)) != 0 {
			r.Mul(r, tickBitRatios[bit])
			r.Rsh(r, 128)
		}
	}

	// The ratios above are for negative ticks; positive ticks take the
	// reciprocal. r is never zero, see the monotonicity tests.
	if tick > 0 {
		r.Div(new(big.Int).Set(maxUint256), r)
	}

	// Round up on the Q32.128 -> Q64.96 conversion so TickAtSqrtPrice of
	// the output is always consistent.
	sqrtPrice := new(big.Int).Rsh(r, 32)
	low32 := new(big.Int).And(r, big.NewInt((1<<32)-1))
	if low32.Sign() != 0 {
		sqrtPrice.Add(sqrtPrice, bigOne)
	}
	return sqrtPrice
}

// TickAtSqrtPrice returns the greatest tick whose sqrt price is less than or
// equal to the given sqrt price. sqrtPrice must be within
// [MinSqrtPrice, MaxSqrtPrice].
func TickAtSqrtPrice(sqrtPrice *big.Int) int32 {
	if sqrtPrice.Cmp(MinSqrtPrice) < 0 || sqrtPrice.Cmp(MaxSqrtPrice) > 0 {
		panic("amm: sqrt price out of range")
	}

	sqrtPriceQ64F128 := new(big.Int).Lsh(sqrtPrice, 32)

	msb := uint(sqrtPriceQ64F128.BitLen() - 1)
	integerLog2 := int64(msb) - 128

	// mantissa is sqrtPriceQ64F128 normalized to exactly 128 bits. The
	// bits dropped when shifting right do not contribute to the log2
	// above the 14th fractional bit.
	mantissa := new(big.Int)
	if msb >= 128 {
		mantissa.Rsh(sqrtPriceQ64F128, msb-127)
	} else {
		mantissa.Lsh(sqrtPriceQ64F128, 127-msb)
	}

	// Build the log2 of the price in Q63.64: integer part from the MSB,
	// then 14 fractional bits (63..50) by repeated squaring. Squaring a
	// number doubles its log.
	log2 := new(big.Int).Lsh(big.NewInt(integerLog2), 64)
	for bit := uint(63); bit >= 50; bit-- {
		mantissa.Mul(mantissa, mantissa)
		mantissa.Rsh(mantissa, 127)
		if mantissa.Bit(128) != 0 {
			// Or on a negative value follows two's complement, matching
			// setting the bit on a signed fixed-point value.
			log2.Or(log2, new(big.Int).Lsh(bigOne, bit))
			mantissa.Rsh(mantissa, 1)
		}
	}

	logTick := new(big.Int).Mul(log2, logSqrt10001)

	// Div with a positive divisor floors, matching an arithmetic right
	// shift of the signed Q127.128 estimate.
	tickLow := int32(new(big.Int).Div(new(big.Int).Sub(logTick, tickLowBias), twoPow128).Int64())
	tickHigh := int32(new(big.Int).Div(new(big.Int).Add(logTick, tickHighBias), twoPow128).Int64())

	if tickLow == tickHigh {
		return tickLow
	}
	if SqrtPriceAtTick(tickHigh).Cmp(sqrtPrice) <= 0 {
		return tickHigh
	}
	return tickLow
}
