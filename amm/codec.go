// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package amm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"

	"github.com/google/btree"
	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// poolCodecVersion is bumped whenever the encoding below changes shape.
// Every field of the pool is consensus-relevant state and must decode
// identically on every node.
const poolCodecVersion byte = 1

var (
	ErrCodecVersion = errors.New("unsupported pool encoding version")
	ErrCodecLength  = errors.New("truncated pool encoding")
	ErrCodecInvalid = errors.New("inconsistent pool encoding")
)

// Fixed per-record encoded sizes, used to sanity-check the declared counts
// against the remaining input before allocating.
const (
	tickRecordSize     = 4 + 1 + 32 + 32 + 64
	positionRecordSize = 20 + 4 + 4 + 32 + 64
)

func writeWord(buf *bytes.Buffer, v *big.Int) error {
	word, overflow := uint256.FromBig(v)
	if overflow {
		return fmt.Errorf("encode pool: value exceeds 256 bits")
	}
	b := word.Bytes32()
	buf.Write(b[:])
	return nil
}

func readWord(r *bytes.Reader) (*big.Int, error) {
	var b [32]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, ErrCodecLength
	}
	return new(uint256.Int).SetBytes(b[:]).ToBig(), nil
}

func writeSigned(buf *bytes.Buffer, v *big.Int) error {
	if v.Sign() < 0 {
		buf.WriteByte(1)
		return writeWord(buf, new(big.Int).Neg(v))
	}
	buf.WriteByte(0)
	return writeWord(buf, v)
}

func readSigned(r *bytes.Reader) (*big.Int, error) {
	sign, err := r.ReadByte()
	if err != nil {
		return nil, ErrCodecLength
	}
	v, err := readWord(r)
	if err != nil {
		return nil, err
	}
	if sign == 1 {
		v.Neg(v)
	}
	return v, nil
}

func writeAmounts(buf *bytes.Buffer, a Amounts) error {
	if err := writeWord(buf, a.Base); err != nil {
		return err
	}
	return writeWord(buf, a.Quote)
}

func readAmounts(r *bytes.Reader) (Amounts, error) {
	base, err := readWord(r)
	if err != nil {
		return Amounts{}, err
	}
	quote, err := readWord(r)
	if err != nil {
		return Amounts{}, err
	}
	return Amounts{Base: base, Quote: quote}, nil
}

// MarshalBinary encodes the pool in its versioned storage format.
func (p *PoolState) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(poolCodecVersion)
	if p.enabled {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.Write(buf, binary.BigEndian, p.feeHundredthPips)
	binary.Write(buf, binary.BigEndian, p.currentTick)
	if err := writeWord(buf, p.currentSqrtPrice); err != nil {
		return nil, err
	}
	if err := writeWord(buf, p.currentLiquidity); err != nil {
		return nil, err
	}
	for _, amounts := range []Amounts{p.globalFeeGrowth, p.totalFeesEarned, p.totalSwapInputs, p.totalSwapOutputs} {
		if err := writeAmounts(buf, amounts); err != nil {
			return nil, err
		}
	}

	binary.Write(buf, binary.BigEndian, uint32(p.ticks.Len()))
	var encodeErr error
	p.ticks.Ascend(func(d *tickDelta) bool {
		binary.Write(buf, binary.BigEndian, d.tick)
		if encodeErr = writeSigned(buf, d.liquidityDelta); encodeErr != nil {
			return false
		}
		if encodeErr = writeWord(buf, d.liquidityGross); encodeErr != nil {
			return false
		}
		encodeErr = writeAmounts(buf, d.feeGrowthOutside)
		return encodeErr == nil
	})
	if encodeErr != nil {
		return nil, encodeErr
	}

	binary.Write(buf, binary.BigEndian, uint32(len(p.positions)))
	// Positions are encoded in tick order, then owner, for a canonical
	// byte representation.
	for _, position := range p.sortedPositions() {
		buf.Write(position.Owner.Bytes())
		binary.Write(buf, binary.BigEndian, position.LowerTick)
		binary.Write(buf, binary.BigEndian, position.UpperTick)
		if err := writeWord(buf, position.Liquidity); err != nil {
			return nil, err
		}
		if err := writeAmounts(buf, position.lastFeeGrowthInside); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a pool previously encoded with MarshalBinary.
func (p *PoolState) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return ErrCodecLength
	}
	if version != poolCodecVersion {
		return ErrCodecVersion
	}
	enabled, err := r.ReadByte()
	if err != nil {
		return ErrCodecLength
	}
	p.enabled = enabled == 1
	if err := binary.Read(r, binary.BigEndian, &p.feeHundredthPips); err != nil {
		return ErrCodecLength
	}
	if err := binary.Read(r, binary.BigEndian, &p.currentTick); err != nil {
		return ErrCodecLength
	}
	if p.currentSqrtPrice, err = readWord(r); err != nil {
		return err
	}
	if p.currentLiquidity, err = readWord(r); err != nil {
		return err
	}
	for _, target := range []*Amounts{&p.globalFeeGrowth, &p.totalFeesEarned, &p.totalSwapInputs, &p.totalSwapOutputs} {
		if *target, err = readAmounts(r); err != nil {
			return err
		}
	}

	var tickCount uint32
	if err := binary.Read(r, binary.BigEndian, &tickCount); err != nil {
		return ErrCodecLength
	}
	if uint64(tickCount)*tickRecordSize > uint64(r.Len()) {
		return ErrCodecLength
	}
	ticks := btree.NewG(tickTreeDegree, tickDeltaLess)
	for i := uint32(0); i < tickCount; i++ {
		d := &tickDelta{}
		if err := binary.Read(r, binary.BigEndian, &d.tick); err != nil {
			return ErrCodecLength
		}
		if !isTickValid(d.tick) {
			return fmt.Errorf("%w: tick %d out of range", ErrCodecInvalid, d.tick)
		}
		if d.liquidityDelta, err = readSigned(r); err != nil {
			return err
		}
		if d.liquidityGross, err = readWord(r); err != nil {
			return err
		}
		if d.feeGrowthOutside, err = readAmounts(r); err != nil {
			return err
		}
		ticks.ReplaceOrInsert(d)
	}
	p.ticks = ticks

	var positionCount uint32
	if err := binary.Read(r, binary.BigEndian, &positionCount); err != nil {
		return ErrCodecLength
	}
	if uint64(positionCount)*positionRecordSize > uint64(r.Len()) {
		return ErrCodecLength
	}
	positions := make(map[[32]byte]*Position, positionCount)
	for i := uint32(0); i < positionCount; i++ {
		var ownerBytes [20]byte
		if _, err := io.ReadFull(r, ownerBytes[:]); err != nil {
			return ErrCodecLength
		}
		position := &Position{Owner: common.BytesToAddress(ownerBytes[:])}
		if err := binary.Read(r, binary.BigEndian, &position.LowerTick); err != nil {
			return ErrCodecLength
		}
		if err := binary.Read(r, binary.BigEndian, &position.UpperTick); err != nil {
			return ErrCodecLength
		}
		if position.Liquidity, err = readWord(r); err != nil {
			return err
		}
		if position.lastFeeGrowthInside, err = readAmounts(r); err != nil {
			return err
		}
		positions[positionKey(position.Owner, position.LowerTick, position.UpperTick)] = position
	}
	p.positions = positions

	return p.validateDecoded()
}

// validateDecoded checks the structural invariants of a decoded pool before
// it is put into service.
func (p *PoolState) validateDecoded() error {
	for _, tick := range []int32{MinTick, MaxTick} {
		if _, ok := p.ticks.Get(&tickDelta{tick: tick}); !ok {
			return fmt.Errorf("%w: missing sentinel tick %d", ErrCodecInvalid, tick)
		}
	}
	if p.currentSqrtPrice.Cmp(MinSqrtPrice) < 0 || p.currentSqrtPrice.Cmp(MaxSqrtPrice) > 0 {
		return fmt.Errorf("%w: sqrt price out of range", ErrCodecInvalid)
	}
	// Crossing a tick on the way down leaves the current tick one below the
	// price's own tick, so both values are accepted.
	if tickAt := TickAtSqrtPrice(p.currentSqrtPrice); p.currentTick != tickAt && p.currentTick != tickAt-1 {
		return fmt.Errorf("%w: tick %d inconsistent with sqrt price", ErrCodecInvalid, p.currentTick)
	}
	for _, position := range p.positions {
		if err := validatePositionRange(position.LowerTick, position.UpperTick); err != nil {
			return fmt.Errorf("%w: position range [%d, %d]", ErrCodecInvalid, position.LowerTick, position.UpperTick)
		}
	}
	return nil
}

// sortedPositions returns the positions ordered by (lower, upper, owner).
func (p *PoolState) sortedPositions() []*Position {
	out := make([]*Position, 0, len(p.positions))
	for _, position := range p.positions {
		out = append(out, position)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LowerTick != b.LowerTick {
			return a.LowerTick < b.LowerTick
		}
		if a.UpperTick != b.UpperTick {
			return a.UpperTick < b.UpperTick
		}
		return bytes.Compare(a.Owner.Bytes(), b.Owner.Bytes()) < 0
	})
	return out
}
