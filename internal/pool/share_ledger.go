package pool

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	fpmath "PoolLedger/internal/math"
)

// MinShareOffset is burned from the first depositor's mint so an empty pool
// can never be re-primed at an attacker-chosen share price. 1 USD at 1e8.
const MinShareOffset = fpmath.ValueScale

// MintShares computes the shares minted for a deposit of usdValue against
// the current pool totals. First-depositor case mints usdValue minus the
// offset; otherwise floor(usdValue * totalShares / totalValue).
func MintShares(usdValue, totalShares, totalValue uint64) (uint64, error) {
	if usdValue == 0 {
		return 0, ErrInvalidAmount
	}

	if totalShares == 0 {
		if usdValue <= MinShareOffset {
			return 0, fmt.Errorf("first deposit must exceed the share offset: %w", ErrInvalidAmount)
		}
		return usdValue - MinShareOffset, nil
	}

	if totalValue == 0 {
		// totalShares > 0 with zero value would mint infinite shares;
		// the pool invariant makes this unreachable.
		return 0, fmt.Errorf("pool has shares but no value: %w", ErrInvalidAmount)
	}

	shares, err := fpmath.MulDivFloor(usdValue, totalShares, totalValue)
	if err != nil {
		return 0, fmt.Errorf("mint: %w", ErrInvalidAmount)
	}
	return shares, nil
}

// RedeemShares computes the USD value returned for burning sharesToBurn.
// Floor division: rounding dust stays with the pool, never the withdrawer.
func RedeemShares(sharesToBurn, totalShares, totalValue uint64) (uint64, error) {
	if sharesToBurn == 0 {
		return 0, ErrInvalidAmount
	}
	if sharesToBurn > totalShares {
		return 0, ErrInsufficientShares
	}

	usd, err := fpmath.MulDivFloor(sharesToBurn, totalValue, totalShares)
	if err != nil {
		return 0, fmt.Errorf("redeem: %w", ErrInvalidAmount)
	}
	return usd, nil
}

// UserPosition tracks a depositor's share balance. DepositedUSD is
// historical metadata; shares are authoritative for redemption value.
type UserPosition struct {
	UserID       uuid.UUID
	DepositedUSD uint64
	Shares       uint64
}

// ShareLedger holds total outstanding shares, the USD value backing them,
// and per-user balances. Pure bookkeeping; all mutation goes through its
// typed API. Not safe for concurrent use — the core serializes access.
type ShareLedger struct {
	totalShares    uint64
	totalValue     uint64
	totalDeposited uint64
	positions      map[uuid.UUID]*UserPosition
}

func NewShareLedger() *ShareLedger {
	return &ShareLedger{
		positions: make(map[uuid.UUID]*UserPosition),
	}
}

// Mint issues shares to user for a deposit of usdValue and updates totals.
func (l *ShareLedger) Mint(user uuid.UUID, usdValue uint64) (uint64, error) {
	shares, err := MintShares(usdValue, l.totalShares, l.totalValue)
	if err != nil {
		return 0, err
	}

	newValue, err := fpmath.CheckedAdd(l.totalValue, usdValue)
	if err != nil {
		return 0, fmt.Errorf("pool value: %w", ErrInvalidAmount)
	}
	newShares, err := fpmath.CheckedAdd(l.totalShares, shares)
	if err != nil {
		return 0, fmt.Errorf("total shares: %w", ErrInvalidAmount)
	}
	newDeposited, err := fpmath.CheckedAdd(l.totalDeposited, usdValue)
	if err != nil {
		return 0, fmt.Errorf("total deposited: %w", ErrInvalidAmount)
	}

	l.totalValue = newValue
	l.totalShares = newShares
	l.totalDeposited = newDeposited

	pos := l.position(user)
	pos.Shares += shares
	pos.DepositedUSD += usdValue

	return shares, nil
}

// Redeem burns sharesToBurn from user and returns the USD value redeemed.
func (l *ShareLedger) Redeem(user uuid.UUID, sharesToBurn uint64) (uint64, error) {
	pos, ok := l.positions[user]
	if !ok || pos.Shares < sharesToBurn {
		return 0, ErrInsufficientShares
	}

	usd, err := RedeemShares(sharesToBurn, l.totalShares, l.totalValue)
	if err != nil {
		return 0, err
	}

	l.totalShares -= sharesToBurn
	l.totalValue -= usd
	pos.Shares -= sharesToBurn

	return usd, nil
}

// AbsorbLoss reduces total pool value by usdAmount (clamped at zero).
// Used when a settled period's uncovered loss is charged to the pool.
func (l *ShareLedger) AbsorbLoss(usdAmount uint64) {
	if usdAmount > l.totalValue {
		l.totalValue = 0
		return
	}
	l.totalValue -= usdAmount
}

func (l *ShareLedger) position(user uuid.UUID) *UserPosition {
	pos, ok := l.positions[user]
	if !ok {
		pos = &UserPosition{UserID: user}
		l.positions[user] = pos
	}
	return pos
}

// Position returns a copy of the user's position. Zero-balance entries
// persist for audit, so a missing entry simply means no history.
func (l *ShareLedger) Position(user uuid.UUID) (UserPosition, bool) {
	pos, ok := l.positions[user]
	if !ok {
		return UserPosition{UserID: user}, false
	}
	return *pos, true
}

func (l *ShareLedger) TotalShares() uint64    { return l.totalShares }
func (l *ShareLedger) TotalValue() uint64     { return l.totalValue }
func (l *ShareLedger) TotalDeposited() uint64 { return l.totalDeposited }

// SumPositionShares re-derives total shares from per-user balances.
// Used by the core's post-operation invariant check.
func (l *ShareLedger) SumPositionShares() uint64 {
	var sum uint64
	for _, pos := range l.positions {
		sum += pos.Shares
	}
	return sum
}

// Positions returns all positions sorted by user ID for deterministic
// snapshots and digests.
func (l *ShareLedger) Positions() []UserPosition {
	out := make([]UserPosition, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out
}

// Restore reinstates a position during snapshot recovery.
func (l *ShareLedger) Restore(pos UserPosition) {
	p := pos
	l.positions[pos.UserID] = &p
}

// RestoreTotals reinstates pool totals during snapshot recovery.
func (l *ShareLedger) RestoreTotals(totalShares, totalValue, totalDeposited uint64) {
	l.totalShares = totalShares
	l.totalValue = totalValue
	l.totalDeposited = totalDeposited
}
