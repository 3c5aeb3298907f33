// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package amm

import "math/big"

// swapDirection parameterizes the swap loop. The tick crossing maths is
// fundamentally two-sided, so the set of implementations is closed:
// baseToQuote moves the price down toward MinTick, quoteToBase moves it up
// toward MaxTick.
type swapDirection interface {
	// inputSide is the asset the swap consumes.
	inputSide() Side

	// furtherLiquidity reports whether there is possibly liquidity past
	// the current price.
	furtherLiquidity(currentTick int32) bool

	// nextLiquidityDelta returns the closest tick, in swap direction,
	// where liquidity possibly changes. Returns nil when the price has
	// moved past the final sentinel.
	nextLiquidityDelta(pool *PoolState) *tickDelta

	// inputAmountDeltaCeil is the input amount needed to move the price
	// from current to target given the liquidity.
	inputAmountDeltaCeil(current, target, liquidity *big.Int) *big.Int

	// outputAmountDeltaFloor is the output amount released by moving the
	// price from current to target given the liquidity.
	outputAmountDeltaFloor(current, target, liquidity *big.Int) *big.Int

	// nextSqrtPriceFromInput is where the price lands after swapping
	// amount at the current price with the given liquidity. Only called
	// when amount is less than the amount required to reach the target.
	nextSqrtPriceFromInput(current, liquidity, amount *big.Int) *big.Int

	// liquidityDeltaOnCrossing is the signed change in active liquidity
	// when the given tick is crossed in this direction.
	liquidityDeltaOnCrossing(delta *tickDelta) *big.Int

	// tickAfterCrossing derives the current tick after the price lands
	// exactly on the given tick. The offset differs between directions
	// because price ranges are half-open.
	tickAfterCrossing(tick int32) int32
}

type baseToQuote struct{}

func (baseToQuote) inputSide() Side { return Base }

func (baseToQuote) furtherLiquidity(currentTick int32) bool {
	return currentTick >= MinTick
}

func (d baseToQuote) nextLiquidityDelta(pool *PoolState) *tickDelta {
	if !d.furtherLiquidity(pool.currentTick) {
		return nil
	}
	// Greatest initialized tick <= current tick. The MinTick sentinel
	// guarantees one exists.
	var found *tickDelta
	pool.ticks.DescendLessOrEqual(&tickDelta{tick: pool.currentTick}, func(item *tickDelta) bool {
		found = item
		return false
	})
	return found
}

func (baseToQuote) inputAmountDeltaCeil(current, target, liquidity *big.Int) *big.Int {
	return zeroAmountDeltaCeil(target, current, liquidity)
}

func (baseToQuote) outputAmountDeltaFloor(current, target, liquidity *big.Int) *big.Int {
	return oneAmountDeltaFloor(target, current, liquidity)
}

func (baseToQuote) nextSqrtPriceFromInput(current, liquidity, amount *big.Int) *big.Int {
	liquidityQ96 := new(big.Int).Lsh(liquidity, sqrtPriceFractionalBits)
	denom := new(big.Int).Mul(amount, current)
	denom.Add(denom, liquidityQ96)
	return MulDivCeil(liquidityQ96, current, denom)
}

func (baseToQuote) liquidityDeltaOnCrossing(delta *tickDelta) *big.Int {
	return new(big.Int).Neg(delta.liquidityDelta)
}

func (baseToQuote) tickAfterCrossing(tick int32) int32 { return tick - 1 }

type quoteToBase struct{}

func (quoteToBase) inputSide() Side { return Quote }

func (quoteToBase) furtherLiquidity(currentTick int32) bool {
	return currentTick < MaxTick
}

func (d quoteToBase) nextLiquidityDelta(pool *PoolState) *tickDelta {
	if !d.furtherLiquidity(pool.currentTick) {
		return nil
	}
	// Least initialized tick > current tick. The MaxTick sentinel
	// guarantees one exists.
	var found *tickDelta
	pool.ticks.AscendGreaterOrEqual(&tickDelta{tick: pool.currentTick + 1}, func(item *tickDelta) bool {
		found = item
		return false
	})
	return found
}

func (quoteToBase) inputAmountDeltaCeil(current, target, liquidity *big.Int) *big.Int {
	return oneAmountDeltaCeil(current, target, liquidity)
}

func (quoteToBase) outputAmountDeltaFloor(current, target, liquidity *big.Int) *big.Int {
	return zeroAmountDeltaFloor(current, target, liquidity)
}

func (quoteToBase) nextSqrtPriceFromInput(current, liquidity, amount *big.Int) *big.Int {
	next := MulDivFloor(amount, twoPow96, liquidity)
	return next.Add(next, current)
}

func (quoteToBase) liquidityDeltaOnCrossing(delta *tickDelta) *big.Int {
	return new(big.Int).Set(delta.liquidityDelta)
}

func (quoteToBase) tickAfterCrossing(tick int32) int32 { return tick }

// zeroAmountDeltaFloor is the base asset amount corresponding to a price
// move between from and to (from <= to) at the given liquidity, rounded
// down.
func zeroAmountDeltaFloor(from, to, liquidity *big.Int) *big.Int {
	return MulDivFloor(
		new(big.Int).Lsh(liquidity, sqrtPriceFractionalBits),
		new(big.Int).Sub(to, from),
		new(big.Int).Mul(to, from),
	)
}

func zeroAmountDeltaCeil(from, to, liquidity *big.Int) *big.Int {
	return MulDivCeil(
		new(big.Int).Lsh(liquidity, sqrtPriceFractionalBits),
		new(big.Int).Sub(to, from),
		new(big.Int).Mul(to, from),
	)
}

// oneAmountDeltaFloor is the quote asset amount corresponding to a price
// move between from and to (from <= to) at the given liquidity, rounded
// down.
func oneAmountDeltaFloor(from, to, liquidity *big.Int) *big.Int {
	return MulDivFloor(liquidity, new(big.Int).Sub(to, from), twoPow96)
}

func oneAmountDeltaCeil(from, to, liquidity *big.Int) *big.Int {
	return MulDivCeil(liquidity, new(big.Int).Sub(to, from), twoPow96)
}

// SwapFromBaseToQuote swaps up to amountIn of the base asset into the quote
// asset, moving the price down. It returns the output amount and the fee
// paid. If the swap runs out of initialized ticks before consuming the
// input it returns ErrInsufficientLiquidity; the effects of fully completed
// loop iterations remain applied.
func (p *PoolState) SwapFromBaseToQuote(amountIn *big.Int) (*big.Int, *big.Int, error) {
	return p.swap(baseToQuote{}, amountIn)
}

// SwapFromQuoteToBase swaps up to amountIn of the quote asset into the base
// asset, moving the price up. Semantics mirror SwapFromBaseToQuote.
func (p *PoolState) SwapFromQuoteToBase(amountIn *big.Int) (*big.Int, *big.Int, error) {
	return p.swap(quoteToBase{}, amountIn)
}

func (p *PoolState) swap(sd swapDirection, amountIn *big.Int) (*big.Int, *big.Int, error) {
	if !p.enabled {
		return nil, nil, ErrPoolDisabled
	}

	amount := new(big.Int).Set(amountIn)
	totalOutput := big.NewInt(0)
	totalFees := big.NewInt(0)
	inputSide := sd.inputSide()

	for amount.Sign() != 0 {
		delta := sd.nextLiquidityDelta(p)
		if delta == nil {
			// Walked off the sentinel with input remaining. Nothing has
			// been written this iteration; prior iterations stand.
			return totalOutput, totalFees, ErrInsufficientLiquidity
		}
		sqrtPriceAtDelta := SqrtPriceAtTick(delta.tick)

		var sqrtPriceNext *big.Int
		if p.currentLiquidity.Sign() == 0 {
			// No active liquidity at this price: jump to the target tick.
			// No input is consumed and no fee is taken.
			sqrtPriceNext = sqrtPriceAtDelta
		} else {
			// The fee is deducted from the input before the price move.
			// fee <= 50% so the subtraction cannot underflow.
			amountMinusFees := MulDivFloor(
				amount,
				big.NewInt(int64(OneInHundredthPips-p.feeHundredthPips)),
				big.NewInt(int64(OneInHundredthPips)),
			)

			amountRequired := sd.inputAmountDeltaCeil(p.currentSqrtPrice, sqrtPriceAtDelta, p.currentLiquidity)

			if amountMinusFees.Cmp(amountRequired) >= 0 {
				// Clamp to the boundary price rather than deriving it from
				// the input amount, avoiding rounding drift at tick edges.
				sqrtPriceNext = sqrtPriceAtDelta
			} else {
				sqrtPriceNext = sd.nextSqrtPriceFromInput(p.currentSqrtPrice, p.currentLiquidity, amountMinusFees)
			}

			totalOutput.Add(totalOutput, sd.outputAmountDeltaFloor(p.currentSqrtPrice, sqrtPriceNext, p.currentLiquidity))

			var amountSwapped, fees *big.Int
			if sqrtPriceNext.Cmp(sqrtPriceAtDelta) == 0 {
				amountSwapped = amountRequired
				fees = MulDivCeil(
					amountRequired,
					big.NewInt(int64(p.feeHundredthPips)),
					big.NewInt(int64(OneInHundredthPips-p.feeHundredthPips)),
				)
			} else {
				amountSwapped = sd.inputAmountDeltaCeil(p.currentSqrtPrice, sqrtPriceNext, p.currentLiquidity)
				// The residual input that did not contribute to the price
				// move is the fee. Cannot underflow, rounding is in favor
				// of the pool.
				fees = new(big.Int).Sub(amount, amountSwapped)
			}

			p.totalSwapInputs.Set(inputSide, saturatingAdd256(p.totalSwapInputs.Get(inputSide), amountSwapped))
			p.totalFeesEarned.Set(inputSide, saturatingAdd256(p.totalFeesEarned.Get(inputSide), fees))
			totalFees = saturatingAdd256(totalFees, fees)

			amount.Sub(amount, new(big.Int).Add(amountSwapped, fees))

			// Saturate instead of overflowing: in the unreachable extreme
			// the pool stops crediting LP fees rather than bricking.
			p.globalFeeGrowth.Set(inputSide, saturatingAdd256(
				p.globalFeeGrowth.Get(inputSide),
				MulDivFloor(fees, twoPow128, p.currentLiquidity),
			))
		}

		if sqrtPriceNext.Cmp(sqrtPriceAtDelta) == 0 {
			// Crossing: flip the growth-outside snapshots to be relative
			// to the new side of the tick, then apply its liquidity delta.
			delta.feeGrowthOutside = Amounts{
				Base:  wrappingSub256(p.globalFeeGrowth.Base, delta.feeGrowthOutside.Base),
				Quote: wrappingSub256(p.globalFeeGrowth.Quote, delta.feeGrowthOutside.Quote),
			}
			p.currentSqrtPrice = new(big.Int).Set(sqrtPriceNext)
			p.currentTick = sd.tickAfterCrossing(delta.tick)
			p.currentLiquidity = new(big.Int).Add(p.currentLiquidity, sd.liquidityDeltaOnCrossing(delta))
		} else if p.currentSqrtPrice.Cmp(sqrtPriceNext) != 0 {
			p.currentSqrtPrice = new(big.Int).Set(sqrtPriceNext)
			p.currentTick = TickAtSqrtPrice(sqrtPriceNext)
		}
	}

	outputSide := inputSide.Opposite()
	p.totalSwapOutputs.Set(outputSide, saturatingAdd256(p.totalSwapOutputs.Get(outputSide), totalOutput))

	return totalOutput, totalFees, nil
}
