// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the swap engine configuration from a config file,
// environment variables, and command line flags, in increasing precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the engine's economic and scheduling parameters.
type Config struct {
	SwapDelayBlocks            uint64
	SwapRetryDelayBlocks       uint64
	MaxSwapRetryDurationBlocks uint64

	NetworkFeeHundredthPips     uint32
	NetworkFeeMinimum           uint64
	RefundFee                   uint64
	OracleSlippageHundredthPips uint32

	LogLevel string
}

// Load merges config file, environment variables (POOLS_ prefix), and flags
// into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POOLS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("swap-delay-blocks", uint64(2))
	v.SetDefault("swap-retry-delay-blocks", uint64(5))
	v.SetDefault("max-swap-retry-duration-blocks", uint64(3600))
	v.SetDefault("network-fee-hundredth-pips", uint32(1000))
	v.SetDefault("network-fee-minimum", uint64(0))
	v.SetDefault("refund-fee", uint64(0))
	v.SetDefault("oracle-slippage-hundredth-pips", uint32(10000))
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return Config{
		SwapDelayBlocks:             v.GetUint64("swap-delay-blocks"),
		SwapRetryDelayBlocks:        v.GetUint64("swap-retry-delay-blocks"),
		MaxSwapRetryDurationBlocks:  v.GetUint64("max-swap-retry-duration-blocks"),
		NetworkFeeHundredthPips:     v.GetUint32("network-fee-hundredth-pips"),
		NetworkFeeMinimum:           v.GetUint64("network-fee-minimum"),
		RefundFee:                   v.GetUint64("refund-fee"),
		OracleSlippageHundredthPips: v.GetUint32("oracle-slippage-hundredth-pips"),
		LogLevel:                    v.GetString("log-level"),
	}, nil
}
