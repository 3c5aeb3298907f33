// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swapping

import (
	"fmt"
	"math/big"

	"github.com/luxfi/pools/amm"
)

// Pools is the registry of AMM pools, one per non-stable asset, each paired
// against StableAsset. The asset is the pool's base side and the stable
// asset its quote side.
type Pools struct {
	pools map[Asset]*amm.PoolState
}

func NewPools() *Pools {
	return &Pools{pools: make(map[Asset]*amm.PoolState)}
}

// AddPool registers the pool trading asset against the stable asset.
func (p *Pools) AddPool(asset Asset, pool *amm.PoolState) error {
	if asset == StableAsset {
		return ErrStableAssetPool
	}
	if _, ok := p.pools[asset]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePool, asset)
	}
	p.pools[asset] = pool
	return nil
}

// Pool returns the pool trading asset against the stable asset.
func (p *Pools) Pool(asset Asset) (*amm.PoolState, bool) {
	pool, ok := p.pools[asset]
	return pool, ok
}

// SwapSingleLeg swaps input through the single pool connecting from and to.
// Exactly one of the two assets must be the stable asset.
func (p *Pools) SwapSingleLeg(from, to Asset, input *big.Int) (*big.Int, error) {
	switch {
	case from == StableAsset && to == StableAsset:
		return nil, ErrNoStableLeg
	case to == StableAsset:
		pool, ok := p.pools[from]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, from)
		}
		out, _, err := pool.SwapFromBaseToQuote(input)
		if err != nil {
			return nil, fmt.Errorf("swap %s -> %s: %w", from, to, err)
		}
		return out, nil
	case from == StableAsset:
		pool, ok := p.pools[to]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, to)
		}
		out, _, err := pool.SwapFromQuoteToBase(input)
		if err != nil {
			return nil, fmt.Errorf("swap %s -> %s: %w", from, to, err)
		}
		return out, nil
	default:
		return nil, ErrNoStableLeg
	}
}

// snapshot deep-copies every pool. The engine snapshots before each batch
// attempt and restores on failure, making batch execution all-or-nothing
// even though the underlying swap loop commits per iteration.
func (p *Pools) snapshot() map[Asset]*amm.PoolState {
	snap := make(map[Asset]*amm.PoolState, len(p.pools))
	for asset, pool := range p.pools {
		snap[asset] = pool.Clone()
	}
	return snap
}

func (p *Pools) restore(snap map[Asset]*amm.PoolState) {
	p.pools = snap
}
