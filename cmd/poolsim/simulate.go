// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luxfi/pools/amm"
	"github.com/luxfi/pools/config"
	"github.com/luxfi/pools/swapping"
)

var (
	simLP     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	simTrader = common.HexToAddress("0x2222222222222222222222222222222222222222")
	simBroker = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// loggingEgress stands in for the transfer layer: it logs every egress the
// engine schedules.
type loggingEgress struct {
	logger *zap.Logger
}

func (e *loggingEgress) ScheduleEgress(asset swapping.Asset, amount *big.Int, destination common.Address) error {
	e.logger.Info("egress scheduled",
		zap.String("asset", string(asset)),
		zap.String("amount", amount.String()),
		zap.String("destination", destination.Hex()))
	return nil
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	blocks, _ := cmd.Flags().GetUint64("blocks")

	pools := swapping.NewPools()
	for _, asset := range []swapping.Asset{"ETH", "BTC"} {
		pool, err := amm.NewPoolState(3000, new(big.Int).Lsh(big.NewInt(1), 96))
		if err != nil {
			return err
		}
		liquidity := new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil)
		required, _, err := pool.Mint(simLP, -887220, 887220, liquidity,
			func(amm.Amounts) error { return nil })
		if err != nil {
			return err
		}
		logger.Info("pool seeded",
			zap.String("asset", string(asset)),
			zap.Int32("tick", pool.CurrentTick()),
			zap.String("base_required", required.Base.String()),
			zap.String("quote_required", required.Quote.String()))
		if err := pools.AddPool(asset, pool); err != nil {
			return err
		}
	}

	engine := swapping.NewEngine(pools, &loggingEgress{logger: logger}, nil, swapping.Params{
		SwapDelayBlocks:             cfg.SwapDelayBlocks,
		RetryDelayBlocks:            cfg.SwapRetryDelayBlocks,
		MaxRetryDurationBlocks:      cfg.MaxSwapRetryDurationBlocks,
		NetworkFeeHundredthPips:     cfg.NetworkFeeHundredthPips,
		NetworkFeeMinimum:           new(big.Int).SetUint64(cfg.NetworkFeeMinimum),
		RefundFee:                   new(big.Int).SetUint64(cfg.RefundFee),
		OracleSlippageHundredthPips: cfg.OracleSlippageHundredthPips,
	}, logger)

	// A fixed scenario: a plain swap, a brokered cross-asset swap, and a
	// DCA request, all replayable bit-for-bit.
	if _, err := engine.InitSwapRequest("ETH",
		new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		swapping.StableAsset, simTrader, nil, nil, nil); err != nil {
		return err
	}
	if _, err := engine.InitSwapRequest("ETH",
		new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil),
		"BTC", simTrader,
		[]swapping.Beneficiary{{Account: simBroker, Bps: 25}}, nil, nil); err != nil {
		return err
	}
	if _, err := engine.InitSwapRequest(swapping.StableAsset,
		new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		"ETH", simTrader, nil, nil,
		&swapping.DCAParams{NumberOfChunks: 4, ChunkInterval: 3}); err != nil {
		return err
	}

	for block := uint64(1); block <= blocks; block++ {
		engine.OnFinalize(block)
	}

	logger.Info("simulation finished",
		zap.Uint64("blocks", blocks),
		zap.String("network_fees_collected", engine.CollectedNetworkFee().String()),
		zap.String("broker_fees_earned", engine.EarnedBrokerFees(simBroker).String()))
	return nil
}
