// Package insurance holds the reserve that absorbs trading-period losses
// and is replenished from a cut of period profits.
package insurance

import (
	"sync"

	"github.com/rs/zerolog"

	"PoolLedger/internal/observability"
)

// Reserve implements pool.InsuranceReserve with an in-memory balance.
// Capacity below the target trips the elevated profit share until profits
// refill it. Safe for concurrent use.
type Reserve struct {
	mu       sync.Mutex
	capacity uint64
	target   uint64

	logger zerolog.Logger
}

func NewReserve(initialCapacity, targetCapacity uint64) *Reserve {
	return &Reserve{
		capacity: initialCapacity,
		target:   targetCapacity,
		logger:   observability.NewLogger("insurance"),
	}
}

// DepositProfit mints reserve capacity from a profit cut.
func (r *Reserve) DepositProfit(usdAmount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capacity += usdAmount
	r.logger.Info().
		Uint64("amount_usd", usdAmount).
		Uint64("capacity_usd", r.capacity).
		Msg("profit share deposited")
	return nil
}

// AbsorbLoss burns up to usdAmount of capacity and returns the uncovered
// remainder. The reserve covers partially rather than all-or-nothing.
func (r *Reserve) AbsorbLoss(usdAmount uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	covered := usdAmount
	if covered > r.capacity {
		covered = r.capacity
	}
	r.capacity -= covered
	remaining := usdAmount - covered

	r.logger.Info().
		Uint64("loss_usd", usdAmount).
		Uint64("covered_usd", covered).
		Uint64("uncovered_usd", remaining).
		Uint64("capacity_usd", r.capacity).
		Msg("loss absorbed")
	return remaining, nil
}

// NeedsReplenish reports whether capacity sits below the target.
func (r *Reserve) NeedsReplenish() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity < r.target
}

// Capacity returns the current reserve balance.
func (r *Reserve) Capacity() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity
}
