package pool

import (
	"fmt"

	fpmath "PoolLedger/internal/math"
)

// Profit share routed to the insurance reserve, in basis points. The
// elevated share applies while the reserve reports it is below target.
const (
	InsuranceShareBps         uint64 = 1_000 // 10%
	InsuranceShareElevatedBps uint64 = 1_500 // 15%
)

// InsuranceCoordinator routes a cut of period profit to the insurance
// reserve and requests loss absorption from it before any uncovered loss is
// allocated to the pool. Pure routing over the reserve collaborator; the
// split arithmetic is exact integer truncation.
type InsuranceCoordinator struct {
	reserve InsuranceReserve
}

func NewInsuranceCoordinator(reserve InsuranceReserve) *InsuranceCoordinator {
	return &InsuranceCoordinator{reserve: reserve}
}

// ShareBps returns the profit share currently in force.
func (c *InsuranceCoordinator) ShareBps() uint64 {
	if c.reserve.NeedsReplenish() {
		return InsuranceShareElevatedBps
	}
	return InsuranceShareBps
}

// PreviewSplit computes the insurance cut and the user-distribution
// remainder for a period profit without touching the reserve. The same
// split that DistributeProfitShare will apply, usable before any
// irreversible step.
func (c *InsuranceCoordinator) PreviewSplit(amount uint64) (insuranceCut, remainder uint64, err error) {
	if amount == 0 {
		return 0, 0, nil
	}
	cut, err := fpmath.BpsShare(amount, c.ShareBps())
	if err != nil {
		return 0, 0, fmt.Errorf("profit split: %w", ErrInvalidAmount)
	}
	return cut, amount - cut, nil
}

// DistributeProfitShare splits a period profit into the insurance cut and
// the remainder for user distribution, and forwards the cut to the reserve.
// A reserve failure aborts with ErrInsuranceUnavailable and no split is
// considered applied.
func (c *InsuranceCoordinator) DistributeProfitShare(amount uint64) (insuranceCut, remainder uint64, err error) {
	cut, rest, err := c.PreviewSplit(amount)
	if err != nil {
		return 0, 0, err
	}

	if cut > 0 {
		if err := c.reserve.DepositProfit(cut); err != nil {
			return 0, 0, fmt.Errorf("deposit profit cut: %w", ErrInsuranceUnavailable)
		}
	}
	return cut, rest, nil
}

// AbsorbLoss asks the reserve to burn capacity against a period loss and
// returns the uncovered remainder the pool must bear.
func (c *InsuranceCoordinator) AbsorbLoss(amount uint64) (remainingUncovered uint64, err error) {
	if amount == 0 {
		return 0, nil
	}

	remaining, err := c.reserve.AbsorbLoss(amount)
	if err != nil {
		return 0, fmt.Errorf("absorb loss: %w", ErrInsuranceUnavailable)
	}
	if remaining > amount {
		return 0, fmt.Errorf("reserve returned shortfall %d above loss %d: %w",
			remaining, amount, ErrInsuranceUnavailable)
	}
	return remaining, nil
}
