// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package amm

import (
	"fmt"
	"math/big"

	"github.com/google/btree"
	"github.com/luxfi/geth/common"
)

const tickTreeDegree = 16

// PoolState is a single two-asset concentrated-liquidity pool. Each pool
// instance is fully independent; all state is held in fields and mutated
// only through its methods. Pools are single-writer: the host chain's state
// transition calls into a pool one operation at a time.
type PoolState struct {
	enabled bool
	// feeHundredthPips is the fee taken from swap inputs and earned by
	// LPs, in units of 0.0001%.
	feeHundredthPips uint32
	// currentSqrtPrice can reach MaxSqrtPrice, but only when the tick is
	// MaxTick.
	currentSqrtPrice *big.Int
	// currentTick is the highest tick representing a strictly lower price
	// than currentSqrtPrice.
	currentTick int32
	// currentLiquidity is the total depth at the current price.
	currentLiquidity *big.Int
	// globalFeeGrowth is the total fees earned over all time per unit
	// liquidity, per asset, in Q128.128.
	globalFeeGrowth Amounts
	// ticks holds every tick where liquidityGross is non-zero, plus the
	// MinTick and MaxTick sentinels which are always present.
	ticks     *btree.BTreeG[*tickDelta]
	positions map[[32]byte]*Position

	// Lifetime totals, saturating.
	totalFeesEarned  Amounts
	totalSwapInputs  Amounts
	totalSwapOutputs Amounts
}

// NewPoolState creates an enabled pool with the given fee and initial
// price and no liquidity.
func NewPoolState(feeHundredthPips uint32, initialSqrtPrice *big.Int) (*PoolState, error) {
	if !validFees(feeHundredthPips) {
		return nil, ErrInvalidFeeAmount
	}
	if initialSqrtPrice == nil || !isSqrtPriceValid(initialSqrtPrice) {
		return nil, ErrInvalidInitialPrice
	}

	ticks := btree.NewG(tickTreeDegree, tickDeltaLess)
	for _, sentinel := range []int32{MinTick, MaxTick} {
		ticks.ReplaceOrInsert(&tickDelta{
			tick:             sentinel,
			liquidityDelta:   big.NewInt(0),
			liquidityGross:   big.NewInt(0),
			feeGrowthOutside: ZeroAmounts(),
		})
	}

	return &PoolState{
		enabled:          true,
		feeHundredthPips: feeHundredthPips,
		currentSqrtPrice: new(big.Int).Set(initialSqrtPrice),
		currentTick:      TickAtSqrtPrice(initialSqrtPrice),
		currentLiquidity: big.NewInt(0),
		globalFeeGrowth:  ZeroAmounts(),
		ticks:            ticks,
		positions:        make(map[[32]byte]*Position),
		totalFeesEarned:  ZeroAmounts(),
		totalSwapInputs:  ZeroAmounts(),
		totalSwapOutputs: ZeroAmounts(),
	}, nil
}

func validFees(feeHundredthPips uint32) bool {
	return feeHundredthPips <= MaxLPFee
}

// SetFees sets the fee applied to future swaps. Fails if the fee is greater
// than 50%.
func (p *PoolState) SetFees(feeHundredthPips uint32) error {
	if !validFees(feeHundredthPips) {
		return ErrInvalidFeeAmount
	}
	p.feeHundredthPips = feeHundredthPips
	return nil
}

// FeeHundredthPips returns the pool's swap fee.
func (p *PoolState) FeeHundredthPips() uint32 { return p.feeHundredthPips }

// UpdatePoolEnabled enables or disables swapping. Liquidity operations stay
// available while disabled, so LPs can always exit.
func (p *PoolState) UpdatePoolEnabled(enabled bool) { p.enabled = enabled }

// PoolEnabled reports whether swapping is enabled.
func (p *PoolState) PoolEnabled() bool { return p.enabled }

// CurrentTick returns the highest tick with a price strictly below the
// current price.
func (p *PoolState) CurrentTick() int32 { return p.currentTick }

// CurrentSqrtPrice returns the pool's sqrt price in Q64.96.
func (p *PoolState) CurrentSqrtPrice() *big.Int { return new(big.Int).Set(p.currentSqrtPrice) }

// CurrentLiquidity returns the total depth at the current price.
func (p *PoolState) CurrentLiquidity() *big.Int { return new(big.Int).Set(p.currentLiquidity) }

// GlobalFeeGrowth returns the pool's cumulative per-unit-liquidity fee
// accumulators.
func (p *PoolState) GlobalFeeGrowth() Amounts { return p.globalFeeGrowth.Copy() }

// MintedLiquidity returns the liquidity of the given position, or zero if
// it does not exist.
func (p *PoolState) MintedLiquidity(owner common.Address, lowerTick, upperTick int32) *big.Int {
	if position, ok := p.positions[positionKey(owner, lowerTick, upperTick)]; ok {
		return new(big.Int).Set(position.Liquidity)
	}
	return big.NewInt(0)
}

func validatePositionRange(lowerTick, upperTick int32) error {
	if lowerTick >= upperTick || lowerTick < MinTick || upperTick > MaxTick {
		return ErrInvalidTickRange
	}
	return nil
}

// Mint adds liquidity to the position (owner, lowerTick, upperTick),
// creating it if needed. It collects the fees owed to the position first,
// then calls tryDebit with the asset amounts required; if tryDebit returns
// an error it is propagated and no pool state is mutated. Returns the
// amounts debited and the fees owed.
//
// A zero liquidity mint is a no-op success; on an existing position it acts
// as a poke, sweeping accrued fees.
func (p *PoolState) Mint(
	owner common.Address,
	lowerTick, upperTick int32,
	liquidity *big.Int,
	tryDebit func(Amounts) error,
) (Amounts, Amounts, error) {
	if err := validatePositionRange(lowerTick, upperTick); err != nil {
		return Amounts{}, Amounts{}, err
	}
	if liquidity == nil || liquidity.Sign() < 0 {
		return Amounts{}, Amounts{}, ErrInvalidLiquidityAmount
	}

	key := positionKey(owner, lowerTick, upperTick)
	existing, hasPosition := p.positions[key]

	initialLower, _ := p.ticks.Get(&tickDelta{tick: lowerTick})
	initialUpper, _ := p.ticks.Get(&tickDelta{tick: upperTick})

	// The cap applies to the gross liquidity at each boundary tick.
	maxGross := big.NewInt(0)
	for _, d := range []*tickDelta{initialLower, initialUpper} {
		if d != nil && d.liquidityGross.Cmp(maxGross) > 0 {
			maxGross = d.liquidityGross
		}
	}
	if liquidity.Cmp(new(big.Int).Sub(MaxTickGrossLiquidity, maxGross)) > 0 {
		return Amounts{}, Amounts{}, ErrMaximumGrossLiquidity
	}

	if !hasPosition && liquidity.Sign() == 0 {
		return ZeroAmounts(), ZeroAmounts(), nil
	}

	// All effects are computed on clones and committed only after tryDebit
	// succeeds.
	var position *Position
	if hasPosition {
		position = existing.clone()
	} else {
		position = &Position{
			Owner:               owner,
			LowerTick:           lowerTick,
			UpperTick:           upperTick,
			Liquidity:           big.NewInt(0),
			lastFeeGrowthInside: ZeroAmounts(),
		}
	}

	lowerDelta := p.tickDeltaWithAddedGross(lowerTick, initialLower, liquidity)
	lowerDelta.liquidityDelta.Add(lowerDelta.liquidityDelta, liquidity)
	upperDelta := p.tickDeltaWithAddedGross(upperTick, initialUpper, liquidity)
	upperDelta.liquidityDelta.Sub(upperDelta.liquidityDelta, liquidity)

	// Fees must be collected before the position's liquidity changes, as
	// the growth-inside snapshot is only meaningful at constant liquidity.
	feesOwed := position.collectFees(p, lowerDelta, upperDelta)
	position.Liquidity = new(big.Int).Add(position.Liquidity, liquidity)

	amountsRequired, straddlesCurrent := p.liquidityToAmounts(liquidity, lowerTick, upperTick, true)

	if err := tryDebit(amountsRequired.Copy()); err != nil {
		return Amounts{}, Amounts{}, fmt.Errorf("mint debit callback: %w", err)
	}

	if straddlesCurrent {
		p.currentLiquidity = new(big.Int).Add(p.currentLiquidity, liquidity)
	}
	p.positions[key] = position
	p.ticks.ReplaceOrInsert(lowerDelta)
	p.ticks.ReplaceOrInsert(upperDelta)

	return amountsRequired, feesOwed, nil
}

// tickDeltaWithAddedGross clones or lazily creates the tick entry and adds
// the minted liquidity to its gross total.
func (p *PoolState) tickDeltaWithAddedGross(tick int32, initial *tickDelta, liquidity *big.Int) *tickDelta {
	var delta *tickDelta
	if initial != nil {
		delta = initial.clone()
	} else {
		growthOutside := ZeroAmounts()
		if tick <= p.currentTick {
			// By convention all growth before a tick was initialized is
			// assumed to have happened below the tick.
			growthOutside = p.globalFeeGrowth.Copy()
		}
		delta = &tickDelta{
			tick:             tick,
			liquidityDelta:   big.NewInt(0),
			liquidityGross:   big.NewInt(0),
			feeGrowthOutside: growthOutside,
		}
	}
	delta.liquidityGross.Add(delta.liquidityGross, liquidity)
	return delta
}

// Burn removes liquidity from the position (owner, lowerTick, upperTick)
// and returns the asset amounts owed for the burnt liquidity and the fees
// owed. Burning the position's entire liquidity destroys it. A zero burn
// acts as a poke, sweeping accrued fees only.
func (p *PoolState) Burn(
	owner common.Address,
	lowerTick, upperTick int32,
	liquidity *big.Int,
) (Amounts, Amounts, error) {
	if err := validatePositionRange(lowerTick, upperTick); err != nil {
		return Amounts{}, Amounts{}, err
	}

	key := positionKey(owner, lowerTick, upperTick)
	existing, ok := p.positions[key]
	if !ok {
		return Amounts{}, Amounts{}, ErrPositionNonExistent
	}
	if liquidity == nil || liquidity.Sign() < 0 {
		return Amounts{}, Amounts{}, ErrInvalidLiquidityAmount
	}
	if liquidity.Cmp(existing.Liquidity) > 0 {
		return Amounts{}, Amounts{}, ErrPositionLacksLiquidity
	}

	position := existing.clone()

	lowerInitial, _ := p.ticks.Get(&tickDelta{tick: lowerTick})
	upperInitial, _ := p.ticks.Get(&tickDelta{tick: upperTick})
	lowerDelta := lowerInitial.clone()
	lowerDelta.liquidityGross.Sub(lowerDelta.liquidityGross, liquidity)
	lowerDelta.liquidityDelta.Sub(lowerDelta.liquidityDelta, liquidity)
	upperDelta := upperInitial.clone()
	upperDelta.liquidityGross.Sub(upperDelta.liquidityGross, liquidity)
	upperDelta.liquidityDelta.Add(upperDelta.liquidityDelta, liquidity)

	feesOwed := position.collectFees(p, lowerDelta, upperDelta)
	position.Liquidity = new(big.Int).Sub(position.Liquidity, liquidity)

	amountsOwed, straddlesCurrent := p.liquidityToAmounts(liquidity, lowerTick, upperTick, false)
	if straddlesCurrent {
		p.currentLiquidity = new(big.Int).Sub(p.currentLiquidity, liquidity)
	}

	// Drained non-sentinel ticks are removed to keep the ledger sparse.
	if lowerDelta.liquidityGross.Sign() == 0 && lowerTick != MinTick {
		p.ticks.Delete(lowerDelta)
	} else {
		p.ticks.ReplaceOrInsert(lowerDelta)
	}
	if upperDelta.liquidityGross.Sign() == 0 && upperTick != MaxTick {
		p.ticks.Delete(upperDelta)
	} else {
		p.ticks.ReplaceOrInsert(upperDelta)
	}

	if position.Liquidity.Sign() == 0 {
		// Zero liquidity positions are removed so a position's boundary
		// ticks are always initialized while it exists.
		delete(p.positions, key)
	} else {
		p.positions[key] = position
	}

	return amountsOwed, feesOwed, nil
}

// collectFees computes the fees earned by the position since its last
// touch, resets its growth-inside snapshot, and returns the fee amounts.
func (pos *Position) collectFees(p *PoolState, lowerDelta, upperDelta *tickDelta) Amounts {
	growthInside := ZeroAmounts()
	fees := ZeroAmounts()
	for _, side := range []Side{Base, Quote} {
		global := p.globalFeeGrowth.Get(side)

		var below *big.Int
		if p.currentTick < lowerDelta.tick {
			below = wrappingSub256(global, lowerDelta.feeGrowthOutside.Get(side))
		} else {
			below = new(big.Int).Set(lowerDelta.feeGrowthOutside.Get(side))
		}

		var above *big.Int
		if p.currentTick < upperDelta.tick {
			above = new(big.Int).Set(upperDelta.feeGrowthOutside.Get(side))
		} else {
			above = wrappingSub256(global, upperDelta.feeGrowthOutside.Get(side))
		}

		inside := wrappingSub256(wrappingSub256(global, below), above)
		growthInside.Set(side, inside)
		fees.Set(side, MulDivFloor(
			wrappingSub256(inside, pos.lastFeeGrowthInside.Get(side)),
			pos.Liquidity,
			twoPow128,
		))
	}
	pos.lastFeeGrowthInside = growthInside
	return fees
}

// liquidityToAmounts converts a liquidity amount over a tick range into
// asset amounts at the current price, rounding up for mints and down for
// burns. The second return value reports whether the range straddles the
// current tick, in which case the liquidity contributes to the pool's
// active depth.
func (p *PoolState) liquidityToAmounts(liquidity *big.Int, lowerTick, upperTick int32, roundUp bool) (Amounts, bool) {
	zeroDelta := zeroAmountDeltaFloor
	oneDelta := oneAmountDeltaFloor
	if roundUp {
		zeroDelta = zeroAmountDeltaCeil
		oneDelta = oneAmountDeltaCeil
	}

	switch {
	case p.currentTick < lowerTick:
		// Range is entirely above the current price: base asset only.
		return Amounts{
			Base:  zeroDelta(SqrtPriceAtTick(lowerTick), SqrtPriceAtTick(upperTick), liquidity),
			Quote: big.NewInt(0),
		}, false
	case p.currentTick < upperTick:
		return Amounts{
			Base:  zeroDelta(p.currentSqrtPrice, SqrtPriceAtTick(upperTick), liquidity),
			Quote: oneDelta(SqrtPriceAtTick(lowerTick), p.currentSqrtPrice, liquidity),
		}, true
	default:
		// Range is entirely below the current price: quote asset only.
		return Amounts{
			Base:  big.NewInt(0),
			Quote: oneDelta(SqrtPriceAtTick(lowerTick), SqrtPriceAtTick(upperTick), liquidity),
		}, false
	}
}

// Clone returns a deep copy of the pool. Consumers that need multi-step
// atomicity over several operations snapshot the pool and restore the clone
// on failure.
func (p *PoolState) Clone() *PoolState {
	ticks := btree.NewG(tickTreeDegree, tickDeltaLess)
	p.ticks.Ascend(func(item *tickDelta) bool {
		ticks.ReplaceOrInsert(item.clone())
		return true
	})
	positions := make(map[[32]byte]*Position, len(p.positions))
	for key, position := range p.positions {
		positions[key] = position.clone()
	}
	return &PoolState{
		enabled:          p.enabled,
		feeHundredthPips: p.feeHundredthPips,
		currentSqrtPrice: new(big.Int).Set(p.currentSqrtPrice),
		currentTick:      p.currentTick,
		currentLiquidity: new(big.Int).Set(p.currentLiquidity),
		globalFeeGrowth:  p.globalFeeGrowth.Copy(),
		ticks:            ticks,
		positions:        positions,
		totalFeesEarned:  p.totalFeesEarned.Copy(),
		totalSwapInputs:  p.totalSwapInputs.Copy(),
		totalSwapOutputs: p.totalSwapOutputs.Copy(),
	}
}
