// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "poolsim",
		Short:        "Concentrated-liquidity pool and swap batch simulator",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a deterministic mint/swap/batch scenario",
		RunE:  runSimulate,
	}
	simulateCmd.Flags().Uint64("blocks", 20, "number of blocks to simulate")
	simulateCmd.Flags().Uint64("swap-delay-blocks", 2, "blocks between request and first execution")
	simulateCmd.Flags().Uint64("swap-retry-delay-blocks", 5, "blocks before retrying a failed swap")
	simulateCmd.Flags().Uint64("max-swap-retry-duration-blocks", 3600, "cap on fill-or-kill retry duration")
	simulateCmd.Flags().Uint32("network-fee-hundredth-pips", 1000, "network fee rate in hundredths of a pip")
	simulateCmd.Flags().Uint64("network-fee-minimum", 0, "minimum network fee per request")
	simulateCmd.Flags().Uint64("refund-fee", 0, "flat fee withheld from refunds")
	simulateCmd.Flags().Uint32("oracle-slippage-hundredth-pips", 10000, "tolerated slippage against the oracle price")
	simulateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(simulateCmd)

	tickCmd := &cobra.Command{
		Use:   "tick",
		Short: "Convert between ticks and sqrt prices",
		RunE:  runTick,
	}
	tickCmd.Flags().Int32("tick", 0, "tick to convert to a Q64.96 sqrt price")
	tickCmd.Flags().String("price", "", "Q64.96 sqrt price to convert to a tick")
	root.AddCommand(tickCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
