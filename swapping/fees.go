// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swapping

import (
	"math/big"

	"github.com/luxfi/geth/common"
)

const (
	oneInHundredthPips = 1_000_000
	bpsDenominator     = 10_000
)

// FeePolicy deducts a fee from a swap's stable-asset amount during batch
// execution. The set of implementations is closed: the network fee tracker
// and the broker fee split.
type FeePolicy interface {
	// apply returns the remaining stable amount after the fee, recording
	// what was taken on the swap state.
	apply(st *swapState, stableAmount *big.Int) *big.Int
}

// FeeTracker charges the network fee with a tiered minimum, per request.
// The fee owed over the lifetime of a request is
//
//	max(rate * cumulative_stable_processed, minimum)
//
// and each chunk pays the part of that not yet taken. The first chunk in an
// accumulation therefore front-loads the minimum; later chunks pay close to
// the marginal rate only.
type FeeTracker struct {
	rateHundredthPips uint32
	minimum           *big.Int

	processed *big.Int
	taken     *big.Int
}

func NewFeeTracker(rateHundredthPips uint32, minimum *big.Int) *FeeTracker {
	if minimum == nil {
		minimum = big.NewInt(0)
	}
	return &FeeTracker{
		rateHundredthPips: rateHundredthPips,
		minimum:           new(big.Int).Set(minimum),
		processed:         big.NewInt(0),
		taken:             big.NewInt(0),
	}
}

// Take charges the fee due on stableAmount and returns (remaining, fee).
// The fee is clamped to stableAmount, so a tiny first chunk can underpay the
// minimum; the shortfall is collected from later chunks.
func (t *FeeTracker) Take(stableAmount *big.Int) (*big.Int, *big.Int) {
	t.processed.Add(t.processed, stableAmount)

	owed := new(big.Int).Mul(t.processed, big.NewInt(int64(t.rateHundredthPips)))
	owed.Div(owed, big.NewInt(oneInHundredthPips))
	if owed.Cmp(t.minimum) < 0 {
		owed.Set(t.minimum)
	}

	fee := new(big.Int).Sub(owed, t.taken)
	if fee.Sign() < 0 {
		fee.SetInt64(0)
	}
	if fee.Cmp(stableAmount) > 0 {
		fee.Set(stableAmount)
	}
	t.taken.Add(t.taken, fee)

	return new(big.Int).Sub(stableAmount, fee), fee
}

func (t *FeeTracker) clone() *FeeTracker {
	return &FeeTracker{
		rateHundredthPips: t.rateHundredthPips,
		minimum:           new(big.Int).Set(t.minimum),
		processed:         new(big.Int).Set(t.processed),
		taken:             new(big.Int).Set(t.taken),
	}
}

func (t *FeeTracker) restore(snapshot *FeeTracker) {
	t.processed = snapshot.processed
	t.taken = snapshot.taken
}

// networkFeePolicy charges the request's fee tracker.
type networkFeePolicy struct {
	tracker *FeeTracker
}

func (p networkFeePolicy) apply(st *swapState, stableAmount *big.Int) *big.Int {
	remaining, fee := p.tracker.Take(stableAmount)
	st.networkFeeTaken = fee
	return remaining
}

// brokerFeePolicy splits basis-point fees between beneficiaries. Each share
// is floored independently, so the combined take never exceeds the nominal
// total rate.
type brokerFeePolicy struct {
	beneficiaries []Beneficiary
}

func (p brokerFeePolicy) apply(st *swapState, stableAmount *big.Int) *big.Int {
	remaining := new(big.Int).Set(stableAmount)
	for _, b := range p.beneficiaries {
		fee := new(big.Int).Mul(stableAmount, big.NewInt(int64(b.Bps)))
		fee.Div(fee, big.NewInt(bpsDenominator))
		if fee.Cmp(remaining) > 0 {
			fee.Set(remaining)
		}
		remaining.Sub(remaining, fee)
		st.brokerFeesTaken = append(st.brokerFeesTaken, brokerFeeTaken{
			account: b.Account,
			amount:  fee,
		})
	}
	return remaining
}

var (
	_ FeePolicy = networkFeePolicy{}
	_ FeePolicy = brokerFeePolicy{}
)

type feeLedger struct {
	collectedNetworkFee *big.Int
	earnedBrokerFees    map[common.Address]*big.Int
}

func newFeeLedger() *feeLedger {
	return &feeLedger{
		collectedNetworkFee: big.NewInt(0),
		earnedBrokerFees:    make(map[common.Address]*big.Int),
	}
}

func (l *feeLedger) commit(st *swapState) {
	l.collectedNetworkFee.Add(l.collectedNetworkFee, st.networkFeeTaken)
	for _, taken := range st.brokerFeesTaken {
		earned, ok := l.earnedBrokerFees[taken.account]
		if !ok {
			earned = big.NewInt(0)
			l.earnedBrokerFees[taken.account] = earned
		}
		earned.Add(earned, taken.amount)
	}
}
