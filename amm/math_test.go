// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package amm

import (
	"math/big"
	"testing"
)

func TestMulDivFloor(t *testing.T) {
	tests := []struct {
		a, b, c  int64
		expected int64
	}{
		{1, 1, 1, 1},
		{1, 1, 2, 0},
		{1, 3, 3, 1},
		{1, 3, 4, 0},
		{1, 4, 3, 1},
		{1, 4, 4, 1},
		{1, 4, 5, 0},
		{1, 5, 4, 1},
		{2, 1, 2, 1},
		{2, 1, 3, 0},
		{3, 1, 2, 1},
		{4, 1, 3, 1},
		{5, 1, 6, 0},
		{2, 1, 1, 2},
	}
	for _, tt := range tests {
		got := MulDivFloor(big.NewInt(tt.a), big.NewInt(tt.b), big.NewInt(tt.c))
		if got.Int64() != tt.expected {
			t.Errorf("MulDivFloor(%d, %d, %d) = %s, want %d", tt.a, tt.b, tt.c, got, tt.expected)
		}
	}
}

func TestMulDivCeil(t *testing.T) {
	tests := []struct {
		a, b, c  int64
		expected int64
	}{
		{1, 1, 1, 1},
		{1, 1, 2, 1},
		{1, 3, 3, 1},
		{1, 3, 4, 1},
		{1, 4, 3, 2},
		{1, 4, 4, 1},
		{1, 5, 4, 2},
		{2, 2, 3, 2},
		{2, 2, 4, 1},
		{2, 2, 5, 1},
	}
	for _, tt := range tests {
		got := MulDivCeil(big.NewInt(tt.a), big.NewInt(tt.b), big.NewInt(tt.c))
		if got.Int64() != tt.expected {
			t.Errorf("MulDivCeil(%d, %d, %d) = %s, want %d", tt.a, tt.b, tt.c, got, tt.expected)
		}
	}
}

// The full-width intermediate keeps 256x256 products exact.
func TestMulDivWide(t *testing.T) {
	if got := MulDivFloor(maxUint256, maxUint256, maxUint256); got.Cmp(maxUint256) != 0 {
		t.Errorf("MulDivFloor(max, max, max) = %s", got)
	}
	maxMinusOne := new(big.Int).Sub(maxUint256, bigOne)
	if got := MulDivFloor(maxUint256, maxMinusOne, maxUint256); got.Cmp(maxMinusOne) != 0 {
		t.Errorf("MulDivFloor(max, max-1, max) = %s", got)
	}
}

func TestWrappingSub256(t *testing.T) {
	// 1 - 2 wraps to 2^256 - 1.
	if got := wrappingSub256(big.NewInt(1), big.NewInt(2)); got.Cmp(maxUint256) != 0 {
		t.Errorf("wrappingSub256(1, 2) = %s", got)
	}
	// Wrapped differences cancel: (a - b) + b == a mod 2^256.
	a := big.NewInt(1000)
	b := new(big.Int).Lsh(bigOne, 255)
	sum := new(big.Int).Add(wrappingSub256(a, b), b)
	sum.Mod(sum, twoPow256)
	if sum.Cmp(a) != 0 {
		t.Errorf("wrapping difference did not cancel: %s", sum)
	}
}

func TestSaturatingAdd256(t *testing.T) {
	if got := saturatingAdd256(maxUint256, big.NewInt(1)); got.Cmp(maxUint256) != 0 {
		t.Errorf("saturatingAdd256 did not clamp: %s", got)
	}
	if got := saturatingAdd256(big.NewInt(2), big.NewInt(3)); got.Int64() != 5 {
		t.Errorf("saturatingAdd256(2, 3) = %s", got)
	}
}

// MaxTickGrossLiquidity must be small enough that the worst case sum of all
// tick deltas cannot overflow a signed 128-bit liquidity value.
func TestLiquidityBoundSafety(t *testing.T) {
	ranges := big.NewInt(int64(1+MaxTick-MinTick) / 2)
	worstCase := new(big.Int).Mul(MaxTickGrossLiquidity, ranges)
	maxInt128 := new(big.Int).Sub(new(big.Int).Lsh(bigOne, 127), bigOne)
	if worstCase.Cmp(maxInt128) >= 0 {
		t.Fatalf("worst case liquidity %s exceeds i128 max", worstCase)
	}
}
