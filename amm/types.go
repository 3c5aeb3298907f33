// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package amm implements a concentrated-liquidity pool state machine for
// consensus-critical state transitions. The price calculation logic follows
// Uniswap v3 (tick spacing 1) with a few deliberate differences: zero
// liquidity positions are removed rather than kept, fees are returned to the
// caller rather than accumulated in storage, and fee accumulator updates
// saturate instead of overflowing. All arithmetic is integer-only and
// deterministic; operations that could exceed 256 bits go through a wide
// intermediate, never silent truncation.
package amm

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"
)

// Tick bounds of the exponential price grid (price = 1.0001^tick).
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

// Fee units: fees are expressed in hundredths of a pip, i.e. 0.0001%.
// A fee of 5000 means 0.5%. LP fees are capped at 50%.
const (
	OneInHundredthPips uint32 = 1_000_000
	MaxLPFee           uint32 = OneInHundredthPips / 2
)

// sqrtPriceFractionalBits is the number of fractional bits in a Q64.96
// square-root price.
const sqrtPriceFractionalBits = 96

var (
	// MinSqrtPrice is the sqrt price at MinTick, in Q64.96.
	MinSqrtPrice = big.NewInt(4295128739)
	// MaxSqrtPrice is the sqrt price at MaxTick, in Q64.96. The current
	// price can reach MaxSqrtPrice, but only when the tick is MaxTick.
	MaxSqrtPrice, _ = new(big.Int).SetString("1461446703485210103287273052203988822378723970342", 10)

	// MaxTickGrossLiquidity caps the sum of the liquidity of all range
	// orders that start or end at a single tick. Because there is a finite
	// number of ticks, this bound guarantees the pool's current liquidity
	// never overflows a signed 128-bit value and that swap outputs never
	// overflow 256 bits even if a swap traverses every tick.
	MaxTickGrossLiquidity = new(big.Int).Div(maxUint128, big.NewInt(int64(1+MaxTick-MinTick)))
)

// Pool errors
var (
	ErrInvalidFeeAmount       = errors.New("fee must be between 0 and 50%")
	ErrInvalidInitialPrice    = errors.New("initial sqrt price out of range")
	ErrInvalidTickRange       = errors.New("invalid tick range")
	ErrInvalidLiquidityAmount = errors.New("liquidity amount must be non-negative")
	ErrMaximumGrossLiquidity  = errors.New("tick gross liquidity exceeds maximum")
	ErrPositionNonExistent    = errors.New("position does not exist")
	ErrPositionLacksLiquidity = errors.New("position lacks liquidity")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrPoolDisabled           = errors.New("pool disabled")
)

// Side identifies one of the two assets of a pool. Base is asset zero,
// Quote is asset one.
type Side uint8

const (
	Base Side = iota
	Quote
)

// Opposite returns the other side of the pair.
func (s Side) Opposite() Side {
	if s == Base {
		return Quote
	}
	return Base
}

func (s Side) String() string {
	if s == Base {
		return "base"
	}
	return "quote"
}

// Amounts holds one value per pool asset.
type Amounts struct {
	Base  *big.Int
	Quote *big.Int
}

// ZeroAmounts returns a pair of zero values.
func ZeroAmounts() Amounts {
	return Amounts{Base: big.NewInt(0), Quote: big.NewInt(0)}
}

// Get returns the value for the given side.
func (a Amounts) Get(s Side) *big.Int {
	if s == Base {
		return a.Base
	}
	return a.Quote
}

// Set assigns the value for the given side.
func (a *Amounts) Set(s Side, v *big.Int) {
	if s == Base {
		a.Base = v
	} else {
		a.Quote = v
	}
}

// Copy returns a deep copy.
func (a Amounts) Copy() Amounts {
	return Amounts{Base: new(big.Int).Set(a.Base), Quote: new(big.Int).Set(a.Quote)}
}

// tickDelta is the aggregate liquidity metadata stored per initialized tick.
type tickDelta struct {
	tick int32
	// liquidityDelta is the change in the pool's active liquidity when the
	// price crosses this tick moving up in literal value.
	liquidityDelta *big.Int
	// liquidityGross is the sum of the liquidity of all orders that start
	// or end at this tick. MaxTickGrossLiquidity applies to this value.
	liquidityGross *big.Int
	// feeGrowthOutside is the fees per unit liquidity earned over all time
	// while the price was on the opposite side of this tick than it is at
	// the moment. It only changes when the price crosses this tick.
	feeGrowthOutside Amounts
}

func (d *tickDelta) clone() *tickDelta {
	return &tickDelta{
		tick:             d.tick,
		liquidityDelta:   new(big.Int).Set(d.liquidityDelta),
		liquidityGross:   new(big.Int).Set(d.liquidityGross),
		feeGrowthOutside: d.feeGrowthOutside.Copy(),
	}
}

// tickDeltaLess orders tick entries for the tick ledger.
func tickDeltaLess(a, b *tickDelta) bool {
	return a.tick < b.tick
}

// Position is a liquidity position over a tick range.
type Position struct {
	Owner     common.Address
	LowerTick int32
	UpperTick int32
	// Liquidity is the depth of this range order, proportional to the
	// value of the assets that make it up.
	Liquidity *big.Int
	// lastFeeGrowthInside is the fee growth inside the range at the last
	// time the position was touched. Only meaningful while Liquidity is
	// constant.
	lastFeeGrowthInside Amounts
}

func (p *Position) clone() *Position {
	return &Position{
		Owner:               p.Owner,
		LowerTick:           p.LowerTick,
		UpperTick:           p.UpperTick,
		Liquidity:           new(big.Int).Set(p.Liquidity),
		lastFeeGrowthInside: p.lastFeeGrowthInside.Copy(),
	}
}

// positionKey computes the unique position identifier.
func positionKey(owner common.Address, lowerTick, upperTick int32) [32]byte {
	h := blake3.New()
	h.Write(owner.Bytes())

	var tickBytes [8]byte
	binary.BigEndian.PutUint32(tickBytes[:4], uint32(lowerTick))
	binary.BigEndian.PutUint32(tickBytes[4:], uint32(upperTick))
	h.Write(tickBytes[:])

	var key [32]byte
	h.Digest().Read(key[:])
	return key
}

// isTickValid reports whether the tick is within the supported grid.
func isTickValid(tick int32) bool {
	return MinTick <= tick && tick <= MaxTick
}

// isSqrtPriceValid reports whether a sqrt price can be used as a pool's
/// initial price. The range is half-open: MaxSqrtPrice itself is only
// reachable by swapping.
func isSqrtPriceValid(sqrtPrice *big.Int) bool {
	return sqrtPrice.Cmp(MinSqrtPrice) >= 0 && sqrtPrice.Cmp(MaxSqrtPrice) < 0
}
