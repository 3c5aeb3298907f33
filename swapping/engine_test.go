// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swapping

import (
	"math/big"
	"testing"

	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/pools/amm"
)

var (
	lpAddr       = common.HexToAddress("0xcfcfcfcfcfcfcfcfcfcfcfcfcfcfcfcfcfcfcfcf")
	destAddr     = common.HexToAddress("0xdddddddddddddddddddddddddddddddddddddddd")
	refundAddr   = common.HexToAddress("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
	sqrtPriceOne = new(big.Int).Lsh(big.NewInt(1), 96)
)

type egressCall struct {
	asset       Asset
	amount      *big.Int
	destination common.Address
}

type egressRecorder struct {
	calls []egressCall
}

func (r *egressRecorder) ScheduleEgress(asset Asset, amount *big.Int, destination common.Address) error {
	r.calls = append(r.calls, egressCall{
		asset:       asset,
		amount:      new(big.Int).Set(amount),
		destination: destination,
	})
	return nil
}

type staticFeed map[Asset]*big.Int

func (f staticFeed) PriceX128(asset Asset) (*big.Int, bool) {
	price, ok := f[asset]
	return price, ok
}

func bigPow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

/// newTestPool is a fee-free pool at a 1:1 price with the given liquidity in
// the given range.
func newTestPool(t *testing.T, liquidity *big.Int, lower, upper int32) *amm.PoolState {
	t.Helper()
	pool, err := amm.NewPoolState(0, sqrtPriceOne)
	require.NoError(t, err)
	_, _, err = pool.Mint(lpAddr, lower, upper, liquidity, func(amm.Amounts) error { return nil })
	require.NoError(t, err)
	return pool
}

func testParams() Params {
	return Params{
		SwapDelayBlocks:             2,
		RetryDelayBlocks:            5,
		MaxRetryDurationBlocks:      100,
		NetworkFeeHundredthPips:     0,
		NetworkFeeMinimum:           big.NewInt(0),
		RefundFee:                   big.NewInt(0),
		OracleSlippageHundredthPips: 10_000,
	}
}

func newTestEngine(t *testing.T, params Params, feed PriceFeed) (*Engine, *egressRecorder) {
	t.Helper()
	pools := NewPools()
	deep := bigPow10(24)
	require.NoError(t, pools.AddPool("ETH", newTestPool(t, deep, -887220, 887220)))
	require.NoError(t, pools.AddPool("BTC", newTestPool(t, deep, -887220, 887220)))
	egress := &egressRecorder{}
	return NewEngine(pools, egress, feed, params, nil), egress
}

func TestInitSwapRequestValidation(t *testing.T) {
	engine, _ := newTestEngine(t, testParams(), nil)

	_, err := engine.InitSwapRequest("ETH", big.NewInt(0), StableAsset, destAddr, nil, nil, nil)
	require.ErrorIs(t, err, ErrZeroSwapAmount)

	_, err = engine.InitSwapRequest("ETH", big.NewInt(100), "ETH", destAddr, nil, nil, nil)
	require.ErrorIs(t, err, ErrIdenticalAssets)

	_, err = engine.InitSwapRequest("DOGE", big.NewInt(100), StableAsset, destAddr, nil, nil, nil)
	require.ErrorIs(t, err, ErrPoolNotFound)

	_, err = engine.InitSwapRequest("ETH", big.NewInt(100), StableAsset, destAddr, nil, nil,
		&DCAParams{NumberOfChunks: 0})
	require.ErrorIs(t, err, ErrZeroChunks)
}

func TestSwapScheduledWithDelay(t *testing.T) {
	engine, egress := newTestEngine(t, testParams(), nil)

	id, err := engine.InitSwapRequest("ETH", big.NewInt(1_000_000), StableAsset, destAddr, nil, nil, nil)
	require.NoError(t, err)

	require.Empty(t, engine.ScheduledSwaps(1))
	scheduled := engine.ScheduledSwaps(2)
	require.Len(t, scheduled, 1)
	require.Equal(t, id, scheduled[0].RequestID)

	engine.OnFinalize(1)
	require.Empty(t, egress.calls)

	engine.OnFinalize(2)
	require.Len(t, egress.calls, 1)
	require.Equal(t, StableAsset, egress.calls[0].asset)
	require.Equal(t, destAddr, egress.calls[0].destination)

	_, err = engine.Request(id)
	require.ErrorIs(t, err, ErrRequestNonExistent)
}

func TestSwapThroughStableTwoLegs(t *testing.T) {
	engine, egress := newTestEngine(t, testParams(), nil)

	input := big.NewInt(1_000_000)
	_, err := engine.InitSwapRequest("ETH", input, "BTC", destAddr, nil, nil, nil)
	require.NoError(t, err)

	engine.OnFinalize(2)

	require.Len(t, egress.calls, 1)
	require.Equal(t, Asset("BTC"), egress.calls[0].asset)

	// Both pools sit at a 1:1 price with deep liquidity, so the output is
	// the input minus a few units of price impact and rounding.
	out := egress.calls[0].amount
	require.Negative(t, out.Cmp(input))
	require.Positive(t, out.Cmp(new(big.Int).Sub(input, big.NewInt(10))))
}

func TestNetworkFeeTakenOnStableLeg(t *testing.T) {
	params := testParams()
	params.NetworkFeeHundredthPips = 1000
	params.NetworkFeeMinimum = big.NewInt(50)
	engine, egress := newTestEngine(t, params, nil)

	// Stable input means the fee base is exact: max(0.1% of 10_000, 50).
	_, err := engine.InitSwapRequest(StableAsset, big.NewInt(10_000), "ETH", destAddr, nil, nil, nil)
	require.NoError(t, err)
	engine.OnFinalize(2)

	require.Equal(t, "50", engine.CollectedNetworkFee().String())
	require.Len(t, egress.calls, 1)

	// A second request has its own tracker and front-loads the minimum
	// again.
	_, err = engine.InitSwapRequest(StableAsset, big.NewInt(10_000), "ETH", destAddr, nil, nil, nil)
	require.NoError(t, err)
	engine.OnFinalize(4)
	require.Equal(t, "100", engine.CollectedNetworkFee().String())
}

func TestNetworkFeeTieredAcrossChunks(t *testing.T) {
	params := testParams()
	params.NetworkFeeHundredthPips = 1000
	params.NetworkFeeMinimum = big.NewInt(50)
	engine, _ := newTestEngine(t, params, nil)

	_, err := engine.InitSwapRequest(StableAsset, big.NewInt(20_000), "ETH", destAddr, nil, nil,
		&DCAParams{NumberOfChunks: 2, ChunkInterval: 3})
	require.NoError(t, err)

	engine.OnFinalize(2)
	require.Equal(t, "50", engine.CollectedNetworkFee().String())

	// The second chunk owes max(0.1% of 20_000, 50) - 50 = 0: the minimum
	// was already front-loaded.
	engine.OnFinalize(5)
	require.Equal(t, "50", engine.CollectedNetworkFee().String())
}

func TestBrokerFeesEarned(t *testing.T) {
	broker := common.HexToAddress("0x0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a")
	engine, egress := newTestEngine(t, testParams(), nil)

	_, err := engine.InitSwapRequest(StableAsset, big.NewInt(10_000), "ETH", destAddr,
		[]Beneficiary{{Account: broker, Bps: 30}}, nil, nil)
	require.NoError(t, err)
	engine.OnFinalize(2)

	require.Equal(t, "30", engine.EarnedBrokerFees(broker).String())
	require.Len(t, egress.calls, 1)
}

func TestProRataDistribution(t *testing.T) {
	engine, egress := newTestEngine(t, testParams(), nil)

	small := big.NewInt(1_000_000)
	large := new(big.Int).Mul(small, big.NewInt(3))
	_, err := engine.InitSwapRequest(StableAsset, large, "ETH", destAddr, nil, nil, nil)
	require.NoError(t, err)
	_, err = engine.InitSwapRequest(StableAsset, small, "ETH", refundAddr, nil, nil, nil)
	require.NoError(t, err)

	engine.OnFinalize(2)
	require.Len(t, egress.calls, 2)

	var largeOut, smallOut *big.Int
	for _, call := range egress.calls {
		if call.destination == destAddr {
			largeOut = call.amount
		} else {
			smallOut = call.amount
		}
	}
	require.NotNil(t, largeOut)
	require.NotNil(t, smallOut)

	// The bundle output is split by input share with floor rounding, so
	// the 3x swap receives 3x the output up to rounding dust.
	tripled := new(big.Int).Mul(smallOut, big.NewInt(3))
	diff := new(big.Int).Sub(largeOut, tripled)
	require.True(t, diff.Sign() >= 0 && diff.Cmp(big.NewInt(3)) <= 0,
		"large %s, small %s", largeOut, smallOut)
}

func TestEqualSwapsShareEqually(t *testing.T) {
	engine, egress := newTestEngine(t, testParams(), nil)

	input := big.NewInt(5_000_000)
	_, err := engine.InitSwapRequest(StableAsset, input, "ETH", destAddr, nil, nil, nil)
	require.NoError(t, err)
	_, err = engine.InitSwapRequest(StableAsset, input, "ETH", refundAddr, nil, nil, nil)
	require.NoError(t, err)

	engine.OnFinalize(2)
	require.Len(t, egress.calls, 2)

	// Co-scheduled equal swaps share the pooled execution price exactly.
	require.Zero(t, egress.calls[0].amount.Cmp(egress.calls[1].amount))
}

func TestLargestRemovalRetry(t *testing.T) {
	params := testParams()
	pools := NewPools()
	// Narrow range, thin liquidity: a large swap walks off the range.
	require.NoError(t, pools.AddPool("ETH", newTestPool(t, big.NewInt(1_000_000), -60, 60)))
	egress := &egressRecorder{}
	engine := NewEngine(pools, egress, nil, params, nil)

	bigID, err := engine.InitSwapRequest("ETH", bigPow10(18), StableAsset, destAddr, nil, nil, nil)
	require.NoError(t, err)
	smallID, err := engine.InitSwapRequest("ETH", big.NewInt(100), StableAsset, refundAddr, nil, nil, nil)
	require.NoError(t, err)

	engine.OnFinalize(2)

	// The failing group sheds its largest swap; the remainder succeeds.
	require.Len(t, egress.calls, 1)
	require.Equal(t, refundAddr, egress.calls[0].destination)
	_, err = engine.Request(smallID)
	require.ErrorIs(t, err, ErrRequestNonExistent)

	// The removed swap was rescheduled, its request intact.
	rescheduled := engine.ScheduledSwaps(2 + params.RetryDelayBlocks)
	require.Len(t, rescheduled, 1)
	require.Equal(t, bigID, rescheduled[0].RequestID)
	_, err = engine.Request(bigID)
	require.NoError(t, err)
}

func TestFillOrKillReschedules(t *testing.T) {
	params := testParams()
	engine, egress := newTestEngine(t, params, nil)

	// Demand more than a 1:1 pool can pay: 2x the input.
	minPrice := new(big.Int).Lsh(big.NewInt(2), 128)
	_, err := engine.InitSwapRequest("ETH", big.NewInt(1_000_000), StableAsset, destAddr, nil,
		&FillOrKillParams{
			RefundAddress: refundAddr,
			RetryDuration: 50,
			MinPriceX128:  minPrice,
		}, nil)
	require.NoError(t, err)

	engine.OnFinalize(2)

	require.Empty(t, egress.calls)
	require.Len(t, engine.ScheduledSwaps(2+params.RetryDelayBlocks), 1)
}

func TestFillOrKillRefundsAfterDeadline(t *testing.T) {
	params := testParams()
	params.RefundFee = big.NewInt(10)
	engine, egress := newTestEngine(t, params, nil)

	input := big.NewInt(1_000_000)
	minPrice := new(big.Int).Lsh(big.NewInt(2), 128)
	id, err := engine.InitSwapRequest("ETH", input, StableAsset, destAddr, nil,
		&FillOrKillParams{
			RefundAddress: refundAddr,
			RetryDuration: 0,
			MinPriceX128:  minPrice,
		}, nil)
	require.NoError(t, err)

	engine.OnFinalize(2)

	// The refund deadline had already passed, so the request is refunded
	// minus the refund fee rather than rescheduled.
	require.Len(t, egress.calls, 1)
	require.Equal(t, Asset("ETH"), egress.calls[0].asset)
	require.Equal(t, refundAddr, egress.calls[0].destination)
	require.Zero(t, egress.calls[0].amount.Cmp(new(big.Int).Sub(input, big.NewInt(10))))

	_, err = engine.Request(id)
	require.ErrorIs(t, err, ErrRequestNonExistent)
	require.Empty(t, engine.ScheduledSwaps(2+params.RetryDelayBlocks))
}

func TestRefundReturnsAccumulatedOutput(t *testing.T) {
	feed := staticFeed{"ETH": new(big.Int).Set(priceX128One)}
	engine, egress := newTestEngine(t, testParams(), feed)

	input := big.NewInt(1_000_000)
	_, err := engine.InitSwapRequest("ETH", input, StableAsset, destAddr, nil,
		&FillOrKillParams{RefundAddress: refundAddr, RetryDuration: 0},
		&DCAParams{NumberOfChunks: 2, ChunkInterval: 3})
	require.NoError(t, err)

	engine.OnFinalize(2)
	require.Empty(t, egress.calls)

	req, err := engine.Request(1)
	require.NoError(t, err)
	accumulated := new(big.Int).Set(req.AccumulatedOutput)
	require.Positive(t, accumulated.Sign())

	// The oracle doubles the ETH price, so the second chunk's realized
	// output violates the slippage bound and the expired deadline refunds
	// the request.
	feed["ETH"] = new(big.Int).Lsh(priceX128One, 1)
	engine.OnFinalize(5)

	require.Len(t, egress.calls, 2)
	require.Equal(t, Asset("ETH"), egress.calls[0].asset)
	require.Equal(t, refundAddr, egress.calls[0].destination)
	require.Zero(t, egress.calls[0].amount.Cmp(big.NewInt(500_000)))

	// The first chunk's output is returned to the refund address as well,
	// not sent on to the destination.
	require.Equal(t, StableAsset, egress.calls[1].asset)
	require.Equal(t, refundAddr, egress.calls[1].destination)
	require.Zero(t, egress.calls[1].amount.Cmp(accumulated))
}

func TestFillOrKillPassesOthersThrough(t *testing.T) {
	engine, egress := newTestEngine(t, testParams(), nil)

	minPrice := new(big.Int).Lsh(big.NewInt(2), 128)
	_, err := engine.InitSwapRequest("ETH", big.NewInt(1_000_000), StableAsset, destAddr, nil,
		&FillOrKillParams{RefundAddress: refundAddr, RetryDuration: 50, MinPriceX128: minPrice}, nil)
	require.NoError(t, err)
	okID, err := engine.InitSwapRequest("ETH", big.NewInt(1_000_000), StableAsset, refundAddr, nil, nil, nil)
	require.NoError(t, err)

	engine.OnFinalize(2)

	// The violating swap is excluded and the batch re-executed with the
	// remaining swap only.
	require.Len(t, egress.calls, 1)
	require.Equal(t, refundAddr, egress.calls[0].destination)
	_, err = engine.Request(okID)
	require.ErrorIs(t, err, ErrRequestNonExistent)
}

func TestOracleSlippageBound(t *testing.T) {
	params := testParams()
	params.OracleSlippageHundredthPips = 10_000
	// Oracle says 2 USDC per ETH; the pool only pays ~1.
	feed := staticFeed{"ETH": new(big.Int).Lsh(big.NewInt(2), 128)}
	engine, egress := newTestEngine(t, params, feed)

	_, err := engine.InitSwapRequest("ETH", big.NewInt(1_000_000), StableAsset, destAddr, nil, nil, nil)
	require.NoError(t, err)

	engine.OnFinalize(2)

	require.Empty(t, egress.calls)
	require.Len(t, engine.ScheduledSwaps(2+params.RetryDelayBlocks), 1)
}

func TestDCAChunking(t *testing.T) {
	engine, egress := newTestEngine(t, testParams(), nil)

	input := big.NewInt(1002)
	id, err := engine.InitSwapRequest(StableAsset, input, "ETH", destAddr, nil, nil,
		&DCAParams{NumberOfChunks: 4, ChunkInterval: 3})
	require.NoError(t, err)

	// The division remainder is folded into the first chunk.
	first := engine.ScheduledSwaps(2)
	require.Len(t, first, 1)
	require.Equal(t, "252", first[0].Input.String())

	engine.OnFinalize(2)
	req, err := engine.Request(id)
	require.NoError(t, err)
	require.Equal(t, uint32(3), req.RemainingChunks)
	require.Equal(t, "750", req.RemainingInput.String())
	require.Empty(t, egress.calls)

	next := engine.ScheduledSwaps(5)
	require.Len(t, next, 1)
	require.Equal(t, "250", next[0].Input.String())

	engine.OnFinalize(5)
	engine.OnFinalize(8)
	engine.OnFinalize(11)

	// The final chunk egresses the accumulated output in one transfer.
	require.Len(t, egress.calls, 1)
	require.Equal(t, Asset("ETH"), egress.calls[0].asset)
	out := egress.calls[0].amount
	require.Negative(t, out.Cmp(input))
	require.Positive(t, out.Cmp(new(big.Int).Sub(input, big.NewInt(10))))

	_, err = engine.Request(id)
	require.ErrorIs(t, err, ErrRequestNonExistent)
}

func TestCancelScheduledSwap(t *testing.T) {
	engine, egress := newTestEngine(t, testParams(), nil)

	id, err := engine.InitSwapRequest("ETH", big.NewInt(1_000_000), StableAsset, destAddr, nil, nil, nil)
	require.NoError(t, err)

	scheduled := engine.ScheduledSwaps(2)
	require.Len(t, scheduled, 1)
	require.True(t, engine.CancelScheduledSwap(scheduled[0].ID))
	require.False(t, engine.CancelScheduledSwap(scheduled[0].ID))

	engine.OnFinalize(2)
	require.Empty(t, egress.calls)
	_, err = engine.Request(id)
	require.ErrorIs(t, err, ErrRequestNonExistent)
}

func TestCancelMidDCAEgressesAccumulatedOutput(t *testing.T) {
	engine, egress := newTestEngine(t, testParams(), nil)

	id, err := engine.InitSwapRequest("ETH", big.NewInt(1_000_000), "BTC", destAddr, nil, nil,
		&DCAParams{NumberOfChunks: 2, ChunkInterval: 3})
	require.NoError(t, err)

	engine.OnFinalize(2)
	require.Empty(t, egress.calls)

	req, err := engine.Request(id)
	require.NoError(t, err)
	accumulated := new(big.Int).Set(req.AccumulatedOutput)
	require.Positive(t, accumulated.Sign())

	scheduled := engine.ScheduledSwaps(5)
	require.Len(t, scheduled, 1)
	require.True(t, engine.CancelScheduledSwap(scheduled[0].ID))

	// The first chunk's output is not dropped with the cancelled chunk; it
	// is egressed to the destination when the request is settled.
	require.Len(t, egress.calls, 1)
	require.Equal(t, Asset("BTC"), egress.calls[0].asset)
	require.Equal(t, destAddr, egress.calls[0].destination)
	require.Zero(t, egress.calls[0].amount.Cmp(accumulated))

	_, err = engine.Request(id)
	require.ErrorIs(t, err, ErrRequestNonExistent)

	engine.OnFinalize(5)
	require.Len(t, egress.calls, 1)
}

func TestDeterministicReplay(t *testing.T) {
	run := func() []egressCall {
		engine, egress := newTestEngine(t, testParams(), nil)
		_, err := engine.InitSwapRequest("ETH", big.NewInt(777_777), "BTC", destAddr, nil, nil, nil)
		require.NoError(t, err)
		_, err = engine.InitSwapRequest("BTC", big.NewInt(555_555), StableAsset, refundAddr, nil, nil, nil)
		require.NoError(t, err)
		_, err = engine.InitSwapRequest(StableAsset, big.NewInt(333_333), "ETH", destAddr, nil, nil, nil)
		require.NoError(t, err)
		engine.OnFinalize(2)
		return egress.calls
	}

	first := run()
	second := run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].asset, second[i].asset)
		require.Equal(t, first[i].destination, second[i].destination)
		require.Zero(t, first[i].amount.Cmp(second[i].amount))
	}
}
