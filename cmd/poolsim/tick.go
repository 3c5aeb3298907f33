// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"github.com/luxfi/pools/amm"
)

func runTick(cmd *cobra.Command, _ []string) error {
	priceStr, _ := cmd.Flags().GetString("price")

	if priceStr != "" {
		price, ok := new(big.Int).SetString(priceStr, 10)
		if !ok {
			return fmt.Errorf("invalid sqrt price %q", priceStr)
		}
		if price.Cmp(amm.MinSqrtPrice) < 0 || price.Cmp(amm.MaxSqrtPrice) > 0 {
			return fmt.Errorf("sqrt price %s out of range [%s, %s]",
				price, amm.MinSqrtPrice, amm.MaxSqrtPrice)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tick: %d\n", amm.TickAtSqrtPrice(price))
		return nil
	}

	tick, _ := cmd.Flags().GetInt32("tick")
	if tick < amm.MinTick || tick > amm.MaxTick {
		return fmt.Errorf("tick %d out of range [%d, %d]", tick, amm.MinTick, amm.MaxTick)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sqrt_price_x96: %s\n", amm.SqrtPriceAtTick(tick))
	return nil
}
