// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package swapping batches pending swaps, executes each (asset, direction)
// group as one pooled AMM call per block, and applies the network and broker
// fee policy around the stable-asset leg.
package swapping

import (
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
)

// Asset is a symbol understood by the pool registry. Every tradable asset is
// paired against StableAsset; multi-hop swaps route through it.
type Asset string

// StableAsset is the quote side of every pool and the leg on which fees are
// charged.
const StableAsset Asset = "USDC"

// SwapDelayBlocks is the number of blocks between a swap being requested and
// its first execution attempt.
const SwapDelayBlocks uint64 = 2

type (
	SwapID        uint64
	SwapRequestID uint64
)

var (
	ErrPoolNotFound       = errors.New("no pool for asset")
	ErrNoStableLeg        = errors.New("swap leg must include the stable asset")
	ErrIdenticalAssets    = errors.New("input and output assets are identical")
	ErrZeroSwapAmount     = errors.New("swap amount must be positive")
	ErrZeroChunks         = errors.New("dca chunk count must be positive")
	ErrDuplicatePool      = errors.New("pool already registered for asset")
	ErrStableAssetPool    = errors.New("cannot register a pool for the stable asset")
	ErrRequestNonExistent = errors.New("swap request does not exist")
)

// Beneficiary is one broker fee recipient, taking Bps basis points of the
// stable-asset amount.
type Beneficiary struct {
	Account common.Address
	Bps     uint16
}

// FillOrKillParams bounds the acceptable execution price of a request. A
// request that cannot meet MinPriceX128 keeps retrying until RetryDuration
// blocks have passed, after which the remaining input is refunded to
// RefundAddress.
type FillOrKillParams struct {
	RefundAddress common.Address
	RetryDuration uint64
	// MinPriceX128 is the minimum acceptable output per unit input in
	// Q128.128.
	MinPriceX128 *big.Int
}

// DCAParams splits a request into NumberOfChunks swaps executed
// ChunkInterval blocks apart.
type DCAParams struct {
	NumberOfChunks uint32
	ChunkInterval  uint64
}

// Swap is one atomic scheduled unit of a request. The engine owns scheduled
// swaps exclusively until they execute or are refunded.
type Swap struct {
	ID        SwapID
	RequestID SwapRequestID
	From      Asset
	To        Asset
	Input     *big.Int
	// Fees are applied to the stable-asset amount in order.
	Fees      []FeePolicy
	ExecuteAt uint64
}

// SwapRequest aggregates the chunks of one user request. Scheduled swap ids
// are back-references; the swap structs live in the engine's schedule.
type SwapRequest struct {
	ID                 SwapRequestID
	InputAsset         Asset
	OutputAsset        Asset
	DestinationAddress common.Address

	RefundParams *FillOrKillParams
	// RefundBlock is the absolute block after which a failing chunk
	// triggers a refund instead of a reschedule. Zero when no refund
	// parameters were given.
	RefundBlock uint64

	DCA             DCAParams
	ChunkInput      *big.Int
	RemainingChunks uint32

	RemainingInput    *big.Int
	AccumulatedOutput *big.Int

	BrokerFees []Beneficiary
	networkFee *FeeTracker
}

// swapLeg is the direction of one half of a swap relative to the stable
// asset.
type swapLeg int

const (
	legToStable swapLeg = iota
	legFromStable
)

func (l swapLeg) String() string {
	if l == legToStable {
		return "to_stable"
	}
	return "from_stable"
}

// swapState carries one swap's intermediate amounts through a batch attempt.
// It is rebuilt from the Swap on every attempt, so a failed attempt leaves
// no residue.
type swapState struct {
	swap *Swap

	// stableAmount is set after the to-stable leg (or immediately, for
	// stable-asset inputs) and shrinks as fee policies apply.
	stableAmount *big.Int
	finalOutput  *big.Int

	networkFeeTaken *big.Int
	brokerFeesTaken []brokerFeeTaken
}

type brokerFeeTaken struct {
	account common.Address
	amount  *big.Int
}

func newSwapState(s *Swap) *swapState {
	st := &swapState{
		swap:            s,
		networkFeeTaken: big.NewInt(0),
	}
	if s.From == StableAsset {
		st.stableAmount = new(big.Int).Set(s.Input)
	}
	return st
}

// legAsset returns the non-stable asset this swap trades on the given leg,
// or false if the swap has no such leg.
func (st *swapState) legAsset(leg swapLeg) (Asset, bool) {
	switch leg {
	case legToStable:
		if st.swap.From != StableAsset {
			return st.swap.From, true
		}
	case legFromStable:
		if st.swap.To != StableAsset {
			return st.swap.To, true
		}
	}
	return "", false
}

// legInput is the amount this swap contributes to the given leg's bundle.
func (st *swapState) legInput(leg swapLeg) *big.Int {
	if leg == legToStable {
		return st.swap.Input
	}
	return st.stableAmount
}

func (st *swapState) setLegOutput(leg swapLeg, out *big.Int) {
	if leg == legToStable {
		st.stableAmount = out
	} else {
		st.finalOutput = out
	}
}
