// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swapping

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/luxfi/geth/common"
	"go.uber.org/zap"

	"github.com/luxfi/pools/amm"
)

// EgressApi hands completed swap outputs and refunds off to the transfer
// layer.
type EgressApi interface {
	ScheduleEgress(asset Asset, amount *big.Int, destination common.Address) error
}

// PriceFeed supplies oracle prices in stable-asset terms, Q128.128 per unit
// asset, used for the slippage bound on batch outputs. A feed may decline to
// price an asset.
type PriceFeed interface {
	PriceX128(asset Asset) (*big.Int, bool)
}

var priceX128One = new(big.Int).Lsh(big.NewInt(1), 128)

// Params are the engine's economic and scheduling knobs.
type Params struct {
	SwapDelayBlocks        uint64
	RetryDelayBlocks       uint64
	MaxRetryDurationBlocks uint64

	NetworkFeeHundredthPips uint32
	NetworkFeeMinimum       *big.Int
	RefundFee               *big.Int

	// OracleSlippageHundredthPips is the tolerated shortfall against the
	// oracle-implied output before a swap is treated as violating.
	OracleSlippageHundredthPips uint32
}

func DefaultParams() Params {
	return Params{
		SwapDelayBlocks:             SwapDelayBlocks,
		RetryDelayBlocks:            5,
		MaxRetryDurationBlocks:      3600,
		NetworkFeeHundredthPips:     1000,
		NetworkFeeMinimum:           big.NewInt(0),
		RefundFee:                   big.NewInt(0),
		OracleSlippageHundredthPips: 10_000,
	}
}

// Engine owns the scheduled-swap queue and executes each block's due swaps
// as grouped pooled AMM calls. All methods are single-writer, driven by the
// host chain's block finalization.
type Engine struct {
	params Params
	pools  *Pools
	egress EgressApi
	feed   PriceFeed
	logger *zap.Logger

	currentBlock  uint64
	scheduled     map[uint64][]*Swap
	requests      map[SwapRequestID]*SwapRequest
	nextSwapID    SwapID
	nextRequestID SwapRequestID
	fees          *feeLedger
}

// NewEngine wires the engine to its pools and collaborators. The price feed
// may be nil, which disables the oracle slippage bound. A nil logger logs
// nowhere.
func NewEngine(pools *Pools, egress EgressApi, feed PriceFeed, params Params, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.NetworkFeeMinimum == nil {
		params.NetworkFeeMinimum = big.NewInt(0)
	}
	if params.RefundFee == nil {
		params.RefundFee = big.NewInt(0)
	}
	return &Engine{
		params:    params,
		pools:     pools,
		egress:    egress,
		feed:      feed,
		logger:    logger,
		scheduled: make(map[uint64][]*Swap),
		requests:  make(map[SwapRequestID]*SwapRequest),
		fees:      newFeeLedger(),
	}
}

// InitSwapRequest registers a swap request and schedules its first chunk
// SwapDelayBlocks after the current block. DCA requests are split into
// equal chunks, with the division remainder folded into the first chunk.
func (e *Engine) InitSwapRequest(
	inputAsset Asset,
	inputAmount *big.Int,
	outputAsset Asset,
	destination common.Address,
	brokerFees []Beneficiary,
	refundParams *FillOrKillParams,
	dcaParams *DCAParams,
) (SwapRequestID, error) {
	if inputAmount == nil || inputAmount.Sign() <= 0 {
		return 0, ErrZeroSwapAmount
	}
	if inputAsset == outputAsset {
		return 0, ErrIdenticalAssets
	}
	for _, asset := range []Asset{inputAsset, outputAsset} {
		if asset == StableAsset {
			continue
		}
		if _, ok := e.pools.Pool(asset); !ok {
			return 0, fmt.Errorf("%w: %s", ErrPoolNotFound, asset)
		}
	}

	chunks := uint32(1)
	var interval uint64
	if dcaParams != nil {
		if dcaParams.NumberOfChunks == 0 {
			return 0, ErrZeroChunks
		}
		chunks = dcaParams.NumberOfChunks
		interval = dcaParams.ChunkInterval
	}

	chunkInput := new(big.Int).Div(inputAmount, big.NewInt(int64(chunks)))
	remainder := new(big.Int).Mod(inputAmount, big.NewInt(int64(chunks)))

	e.nextRequestID++
	req := &SwapRequest{
		ID:                 e.nextRequestID,
		InputAsset:         inputAsset,
		OutputAsset:        outputAsset,
		DestinationAddress: destination,
		RefundParams:       refundParams,
		DCA:                DCAParams{NumberOfChunks: chunks, ChunkInterval: interval},
		ChunkInput:         chunkInput,
		RemainingChunks:    chunks,
		RemainingInput:     new(big.Int).Set(inputAmount),
		AccumulatedOutput:  big.NewInt(0),
		BrokerFees:         brokerFees,
		networkFee:         NewFeeTracker(e.params.NetworkFeeHundredthPips, e.params.NetworkFeeMinimum),
	}
	if refundParams != nil {
		req.RefundBlock = e.currentBlock + min(refundParams.RetryDuration, e.params.MaxRetryDurationBlocks)
	}
	e.requests[req.ID] = req

	firstInput := new(big.Int).Add(chunkInput, remainder)
	swapID := e.scheduleSwap(req, firstInput, e.currentBlock+e.params.SwapDelayBlocks)

	e.logger.Info("swap request initialized",
		zap.Uint64("request_id", uint64(req.ID)),
		zap.Uint64("first_swap_id", uint64(swapID)),
		zap.String("input_asset", string(inputAsset)),
		zap.String("output_asset", string(outputAsset)),
		zap.String("input_amount", inputAmount.String()),
		zap.Uint32("chunks", chunks),
	)

	return req.ID, nil
}

// Request returns the live state of a swap request, or an error once it has
// completed or been refunded.
func (e *Engine) Request(id SwapRequestID) (*SwapRequest, error) {
	req, ok := e.requests[id]
	if !ok {
		return nil, ErrRequestNonExistent
	}
	return req, nil
}

// ScheduledSwaps returns the swaps due at the given block, ordered by id.
func (e *Engine) ScheduledSwaps(block uint64) []*Swap {
	swaps := append([]*Swap(nil), e.scheduled[block]...)
	sort.Slice(swaps, func(i, j int) bool { return swaps[i].ID < swaps[j].ID })
	return swaps
}

// CollectedNetworkFee returns the lifetime network fee total, in the stable
// asset.
func (e *Engine) CollectedNetworkFee() *big.Int {
	return new(big.Int).Set(e.fees.collectedNetworkFee)
}

// EarnedBrokerFees returns the lifetime stable-asset fees earned by the
// given broker account.
func (e *Engine) EarnedBrokerFees(account common.Address) *big.Int {
	if earned, ok := e.fees.earnedBrokerFees[account]; ok {
		return new(big.Int).Set(earned)
	}
	return big.NewInt(0)
}

// CancelScheduledSwap removes a not-yet-executed swap and settles its
// request: with refund parameters configured the remaining input and any
// accumulated output go to the refund address, otherwise accumulated output
// is egressed to the destination. Only swaps still in the queue can be
// cancelled; execution has no mid-flight cancellation.
func (e *Engine) CancelScheduledSwap(id SwapID) bool {
	for block, swaps := range e.scheduled {
		for i, s := range swaps {
			if s.ID != id {
				continue
			}
			e.scheduled[block] = append(swaps[:i], swaps[i+1:]...)
			e.logger.Info("swap cancelled",
				zap.Uint64("swap_id", uint64(id)),
				zap.Uint64("request_id", uint64(s.RequestID)))
			if req, ok := e.requests[s.RequestID]; ok {
				if req.RefundParams != nil {
					e.refundRequest(req)
				} else {
					if req.RemainingInput.Sign() > 0 {
						e.logger.Warn("cancelled request has no refund address, remaining input forfeited",
							zap.Uint64("request_id", uint64(req.ID)),
							zap.String("remaining_input", req.RemainingInput.String()))
					}
					e.completeRequest(req)
				}
			}
			return true
		}
	}
	return false
}

func (e *Engine) scheduleSwap(req *SwapRequest, input *big.Int, executeAt uint64) SwapID {
	e.nextSwapID++
	fees := []FeePolicy{networkFeePolicy{tracker: req.networkFee}}
	if len(req.BrokerFees) > 0 {
		fees = append(fees, brokerFeePolicy{beneficiaries: req.BrokerFees})
	}
	e.scheduled[executeAt] = append(e.scheduled[executeAt], &Swap{
		ID:        e.nextSwapID,
		RequestID: req.ID,
		From:      req.InputAsset,
		To:        req.OutputAsset,
		Input:     new(big.Int).Set(input),
		Fees:      fees,
		ExecuteAt: executeAt,
	})
	return e.nextSwapID
}

// batchError is the closed set of batch attempt failures.
type batchError interface{ batchError() }

// legFailedError reports that one (asset, leg) group's pooled swap failed.
// The victim is the group's largest-input swap, to be removed before the
// batch is retried.
type legFailedError struct {
	asset  Asset
	leg    swapLeg
	victim SwapID
}

func (*legFailedError) batchError() {}

// priceLimitError reports swaps whose realized output fell below their
// minimum; the batch is retried with the passing swaps only.
type priceLimitError struct {
	passing   []*Swap
	violating []*Swap
}

func (*priceLimitError) batchError() {}

// OnFinalize executes every swap scheduled for the given block. Grouping,
// fee order, and removal tie-breaks are deterministic, so replaying the same
// schedule always yields the same outcome.
func (e *Engine) OnFinalize(block uint64) {
	e.currentBlock = block
	due := e.scheduled[block]
	delete(e.scheduled, block)
	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	retryBlock := block + max(e.params.RetryDelayBlocks, 1)

	for len(due) > 0 {
		states, failure := e.executeBatch(due)
		if failure == nil {
			e.processOutcomes(states)
			return
		}

		var failed []*Swap
		switch f := failure.(type) {
		case *legFailedError:
			due, failed = removeSwap(due, f.victim)
			e.logger.Warn("batch swap leg failed",
				zap.String("asset", string(f.asset)),
				zap.Stringer("leg", f.leg),
				zap.Uint64("removed_swap_id", uint64(f.victim)))
		case *priceLimitError:
			due, failed = f.passing, f.violating
			e.logger.Info("price limit violated",
				zap.Int("excluded", len(failed)),
				zap.Int("remaining", len(due)))
		}
		e.handleFailed(failed, retryBlock)
	}
}

func removeSwap(swaps []*Swap, id SwapID) (remaining []*Swap, removed []*Swap) {
	for _, s := range swaps {
		if s.ID == id {
			removed = append(removed, s)
		} else {
			remaining = append(remaining, s)
		}
	}
	return remaining, removed
}

// executeBatch attempts the whole batch against snapshots of the pools and
// fee trackers, restoring both on any failure so an attempt is
// all-or-nothing.
func (e *Engine) executeBatch(swaps []*Swap) ([]*swapState, batchError) {
	poolSnap := e.pools.snapshot()
	trackerSnap := e.snapshotTrackers(swaps)
	rollback := func() {
		e.pools.restore(poolSnap)
		e.restoreTrackers(trackerSnap)
	}

	states := make([]*swapState, len(swaps))
	for i, s := range swaps {
		states[i] = newSwapState(s)
	}

	if berr := e.swapLeg(states, legToStable); berr != nil {
		rollback()
		return nil, berr
	}

	// Fees come off the stable amount between the two legs, in each swap's
	// assigned policy order.
	for _, st := range states {
		remaining := st.stableAmount
		for _, policy := range st.swap.Fees {
			remaining = policy.apply(st, remaining)
		}
		st.stableAmount = remaining
		if st.swap.To == StableAsset {
			st.finalOutput = remaining
		}
	}

	if berr := e.swapLeg(states, legFromStable); berr != nil {
		rollback()
		return nil, berr
	}

	var passing, violating []*Swap
	var passingStates []*swapState
	for _, st := range states {
		if minOut := e.minOutput(st.swap); minOut != nil && st.finalOutput.Cmp(minOut) < 0 {
			violating = append(violating, st.swap)
		} else {
			passing = append(passing, st.swap)
			passingStates = append(passingStates, st)
		}
	}
	if len(violating) > 0 {
		rollback()
		return nil, &priceLimitError{passing: passing, violating: violating}
	}
	return passingStates, nil
}

// swapLeg executes one direction of the batch: groups swaps by their
// non-stable asset and runs each group as a single pooled swap, apportioning
// the output pro-rata by input with floor rounding. The rounding dust is not
// distributed.
func (e *Engine) swapLeg(states []*swapState, leg swapLeg) batchError {
	groups := make(map[Asset][]*swapState)
	var order []Asset
	for _, st := range states {
		asset, ok := st.legAsset(leg)
		if !ok {
			continue
		}
		if _, seen := groups[asset]; !seen {
			order = append(order, asset)
		}
		groups[asset] = append(groups[asset], st)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, asset := range order {
		group := groups[asset]

		bundleInput := big.NewInt(0)
		for _, st := range group {
			bundleInput.Add(bundleInput, st.legInput(leg))
		}
		if bundleInput.Sign() == 0 {
			for _, st := range group {
				st.setLegOutput(leg, big.NewInt(0))
			}
			continue
		}

		from, to := asset, StableAsset
		if leg == legFromStable {
			from, to = StableAsset, asset
		}
		bundleOutput, err := e.pools.SwapSingleLeg(from, to, bundleInput)
		if err != nil {
			return &legFailedError{asset: asset, leg: leg, victim: largestInput(group, leg)}
		}

		for _, st := range group {
			st.setLegOutput(leg, amm.MulDivFloor(st.legInput(leg), bundleOutput, bundleInput))
		}

		e.logger.Debug("executed swap leg",
			zap.String("asset", string(asset)),
			zap.Stringer("leg", leg),
			zap.Int("swaps", len(group)),
			zap.String("bundle_input", bundleInput.String()),
			zap.String("bundle_output", bundleOutput.String()))
	}
	return nil
}

// largestInput picks the group's largest-input swap; ties go to the lowest
// swap id. Groups preserve schedule order (ascending id), so keeping the
// first strict maximum implements the tie-break.
func largestInput(group []*swapState, leg swapLeg) SwapID {
	victim := group[0]
	for _, st := range group[1:] {
		if st.legInput(leg).Cmp(victim.legInput(leg)) > 0 {
			victim = st
		}
	}
	return victim.swap.ID
}

// minOutput derives the swap's minimum acceptable output from its request's
// price limit and the oracle slippage bound, whichever is stricter. Nil
// means unbounded.
func (e *Engine) minOutput(s *Swap) *big.Int {
	var minOut *big.Int

	if req, ok := e.requests[s.RequestID]; ok &&
		req.RefundParams != nil && req.RefundParams.MinPriceX128 != nil &&
		req.RefundParams.MinPriceX128.Sign() > 0 {
		minOut = amm.MulDivCeil(s.Input, req.RefundParams.MinPriceX128, priceX128One)
	}

	if oracleMin := e.oracleMinOutput(s); oracleMin != nil {
		if minOut == nil || oracleMin.Cmp(minOut) > 0 {
			minOut = oracleMin
		}
	}
	return minOut
}

func (e *Engine) oracleMinOutput(s *Swap) *big.Int {
	if e.feed == nil {
		return nil
	}
	priceOf := func(asset Asset) (*big.Int, bool) {
		if asset == StableAsset {
			return priceX128One, true
		}
		return e.feed.PriceX128(asset)
	}
	fromPrice, ok := priceOf(s.From)
	if !ok {
		return nil
	}
	toPrice, ok := priceOf(s.To)
	if !ok || toPrice.Sign() == 0 {
		return nil
	}
	oracleOutput := amm.MulDivFloor(s.Input, fromPrice, toPrice)
	return amm.MulDivFloor(
		oracleOutput,
		big.NewInt(int64(oneInHundredthPips-e.params.OracleSlippageHundredthPips)),
		big.NewInt(oneInHundredthPips),
	)
}

func (e *Engine) snapshotTrackers(swaps []*Swap) map[*FeeTracker]*FeeTracker {
	snap := make(map[*FeeTracker]*FeeTracker)
	for _, s := range swaps {
		if req, ok := e.requests[s.RequestID]; ok {
			if _, seen := snap[req.networkFee]; !seen {
				snap[req.networkFee] = req.networkFee.clone()
			}
		}
	}
	return snap
}

func (e *Engine) restoreTrackers(snap map[*FeeTracker]*FeeTracker) {
	for tracker, saved := range snap {
		tracker.restore(saved)
	}
}

// processOutcomes commits executed swaps: fee totals, request accounting,
// the next DCA chunk or the final egress.
func (e *Engine) processOutcomes(states []*swapState) {
	for _, st := range states {
		e.fees.commit(st)

		req, ok := e.requests[st.swap.RequestID]
		if !ok {
			e.logger.Error("executed swap has no request",
				zap.Uint64("swap_id", uint64(st.swap.ID)))
			continue
		}

		req.RemainingInput.Sub(req.RemainingInput, st.swap.Input)
		req.AccumulatedOutput.Add(req.AccumulatedOutput, st.finalOutput)
		if req.RemainingChunks > 0 {
			req.RemainingChunks--
		}

		e.logger.Info("swap executed",
			zap.Uint64("request_id", uint64(req.ID)),
			zap.Uint64("swap_id", uint64(st.swap.ID)),
			zap.String("input_amount", st.swap.Input.String()),
			zap.String("output_amount", st.finalOutput.String()),
			zap.String("network_fee", st.networkFeeTaken.String()))

		if req.RemainingChunks > 0 && req.RemainingInput.Sign() > 0 {
			next := new(big.Int).Set(req.ChunkInput)
			if next.Cmp(req.RemainingInput) > 0 {
				next.Set(req.RemainingInput)
			}
			e.scheduleSwap(req, next, e.currentBlock+max(req.DCA.ChunkInterval, 1))
		} else {
			e.completeRequest(req)
		}
	}
}

func (e *Engine) completeRequest(req *SwapRequest) {
	if req.AccumulatedOutput.Sign() > 0 {
		if err := e.egress.ScheduleEgress(req.OutputAsset, req.AccumulatedOutput, req.DestinationAddress); err != nil {
			e.logger.Error("egress scheduling failed",
				zap.Uint64("request_id", uint64(req.ID)),
				zap.Error(err))
		}
	}
	delete(e.requests, req.ID)
	e.logger.Info("swap request completed",
		zap.Uint64("request_id", uint64(req.ID)),
		zap.String("output_amount", req.AccumulatedOutput.String()))
}

// handleFailed reschedules each failed swap at the retry block, or refunds
// its request once the refund deadline has passed.
func (e *Engine) handleFailed(failed []*Swap, retryBlock uint64) {
	for _, s := range failed {
		req, ok := e.requests[s.RequestID]
		if ok && req.RefundParams != nil && req.RefundBlock < retryBlock {
			e.refundRequest(req)
			continue
		}
		s.ExecuteAt = retryBlock
		e.scheduled[retryBlock] = append(e.scheduled[retryBlock], s)
		e.logger.Info("swap rescheduled",
			zap.Uint64("swap_id", uint64(s.ID)),
			zap.Uint64("execute_at", retryBlock))
	}
}

// refundRequest returns the request's unswapped input, minus the refund fee,
// together with any output accumulated by earlier chunks, both to the refund
// address.
func (e *Engine) refundRequest(req *SwapRequest) {
	refund := new(big.Int).Set(req.RemainingInput)
	fee := new(big.Int).Set(e.params.RefundFee)
	if fee.Cmp(refund) > 0 {
		fee.Set(refund)
	}
	refund.Sub(refund, fee)

	if refund.Sign() > 0 {
		if err := e.egress.ScheduleEgress(req.InputAsset, refund, req.RefundParams.RefundAddress); err != nil {
			e.logger.Error("refund egress scheduling failed",
				zap.Uint64("request_id", uint64(req.ID)),
				zap.Error(err))
		}
	}
	if req.AccumulatedOutput.Sign() > 0 {
		if err := e.egress.ScheduleEgress(req.OutputAsset, req.AccumulatedOutput, req.RefundParams.RefundAddress); err != nil {
			e.logger.Error("partial output egress scheduling failed",
				zap.Uint64("request_id", uint64(req.ID)),
				zap.Error(err))
		}
	}

	delete(e.requests, req.ID)
	e.logger.Info("swap request refunded",
		zap.Uint64("request_id", uint64(req.ID)),
		zap.String("refund_amount", refund.String()),
		zap.String("refund_fee", fee.String()))
}
