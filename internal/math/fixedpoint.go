package math

import (
	"errors"
	"math"
	"math/big"
	"sync"
)

// All USD amounts in the pool are uint64 at 1e8 fixed-point. Per-dollar
// distribution factors use the same scale. Division always truncates toward
// zero so rounding dust stays with the pool.
const (
	// ValueScale is the 1e8 fixed-point scale for USD values.
	ValueScale uint64 = 100_000_000

	// BpsScale is the denominator for basis-point splits.
	BpsScale uint64 = 10_000
)

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrDivisionByZero = errors.New("division by zero")
)

// int128Pool recycles big.Int values used for 128-bit intermediates.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MulDivFloor computes floor(a * b / denom) with a 128-bit intermediate.
// Returns ErrOverflow if the quotient does not fit in uint64.
func MulDivFloor(a, b, denom uint64) (uint64, error) {
	if denom == 0 {
		return 0, ErrDivisionByZero
	}

	num := getInt128()
	defer putInt128(num)

	num.SetUint64(a)
	tmp := getInt128()
	defer putInt128(tmp)
	tmp.SetUint64(b)
	num.Mul(num, tmp)

	tmp.SetUint64(denom)
	num.Quo(num, tmp)

	if !num.IsUint64() {
		return 0, ErrOverflow
	}
	return num.Uint64(), nil
}

// CheckedAdd returns a + b or ErrOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// CheckedSub returns a - b or ErrOverflow if b > a.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// PerDollar converts an absolute PnL amount into a 1e8-scale per-dollar
// factor against the period's total value at start.
func PerDollar(amount, totalAtStart uint64) (uint64, error) {
	return MulDivFloor(amount, ValueScale, totalAtStart)
}

// ApplyPerDollar converts a user contribution into its share of a
// distribution: floor(contribution * perDollar / 1e8).
func ApplyPerDollar(contribution, perDollar uint64) (uint64, error) {
	return MulDivFloor(contribution, perDollar, ValueScale)
}

// BpsShare computes floor(amount * bps / 10000).
func BpsShare(amount, bps uint64) (uint64, error) {
	return MulDivFloor(amount, bps, BpsScale)
}
