package pool

import (
	"fmt"

	"github.com/google/uuid"

	fpmath "PoolLedger/internal/math"
)

// SettlementOutcome is the result of routing a closed period's PnL through
// the insurance coordinator.
type SettlementOutcome struct {
	// Profit side.
	InsuranceCut    uint64 // forwarded to the reserve
	DistributedUSD  uint64 // remainder claimable by contributors
	ProfitPerDollar uint64

	// Loss side.
	CoveredLoss     uint64 // absorbed by the reserve
	UncoveredLoss   uint64 // borne by the pool
	LossPerDollar   uint64
	RefundPerDollar uint64
}

// SettlementEngine computes per-dollar distribution factors for closed
// periods and answers per-user claim queries. It never mutates pool totals
// itself; the core applies the outcome. Not safe for concurrent use.
type SettlementEngine struct {
	insurance *InsuranceCoordinator
}

func NewSettlementEngine(insurance *InsuranceCoordinator) *SettlementEngine {
	return &SettlementEngine{insurance: insurance}
}

// Insurance exposes the coordinator for callers that report the split in
// force (event payloads, admin queries).
func (e *SettlementEngine) Insurance() *InsuranceCoordinator {
	return e.insurance
}

// Settle routes a Closed period's PnL through insurance and stamps the
// period's distribution factors. The period advances to Settled only if
// every collaborator call succeeds; on error the period is left Closed with
// no factors set, so settlement can be retried.
func (e *SettlementEngine) Settle(pm *PeriodManager, period *TradingPeriod) (SettlementOutcome, error) {
	if period.State != PeriodClosed {
		return SettlementOutcome{}, ErrPeriodNotCompleted
	}

	var outcome SettlementOutcome

	switch {
	case period.PnL > 0:
		profit := uint64(period.PnL)
		cut, remainder, err := e.insurance.DistributeProfitShare(profit)
		if err != nil {
			return SettlementOutcome{}, err
		}
		// The per-dollar factor is computed on the gross realized PnL;
		// the insurance cut is a pool-level premium, not a haircut on
		// the contributors' distribution.
		perDollar, err := fpmath.PerDollar(profit, period.TotalAtStart)
		if err != nil {
			return SettlementOutcome{}, fmt.Errorf("profit per dollar: %w", ErrInvalidAmount)
		}
		outcome.InsuranceCut = cut
		outcome.DistributedUSD = remainder
		outcome.ProfitPerDollar = perDollar
		period.ProfitPerDollar = perDollar

	case period.PnL < 0:
		loss := uint64(-period.PnL)
		uncovered, err := e.insurance.AbsorbLoss(loss)
		if err != nil {
			return SettlementOutcome{}, err
		}
		covered := loss - uncovered

		lossPerDollar, err := fpmath.PerDollar(uncovered, period.TotalAtStart)
		if err != nil {
			return SettlementOutcome{}, fmt.Errorf("loss per dollar: %w", ErrInvalidAmount)
		}
		refundPerDollar, err := fpmath.PerDollar(covered, period.TotalAtStart)
		if err != nil {
			return SettlementOutcome{}, fmt.Errorf("refund per dollar: %w", ErrInvalidAmount)
		}

		outcome.CoveredLoss = covered
		outcome.UncoveredLoss = uncovered
		outcome.LossPerDollar = lossPerDollar
		outcome.RefundPerDollar = refundPerDollar
		period.LossPerDollar = lossPerDollar
		period.InsuranceRefundPerDollar = refundPerDollar
	}

	if err := pm.MarkSettled(period); err != nil {
		return SettlementOutcome{}, err
	}
	return outcome, nil
}

// CalculateUserPnL returns the user's (profit, loss) for a period. Loss is
// computed against the contribution at period start, not the user's current
// share balance — losses track original proportion regardless of interim
// withdrawals. Non-participants get (0, 0).
func (e *SettlementEngine) CalculateUserPnL(period *TradingPeriod, user uuid.UUID) (profit, loss uint64, err error) {
	contribution, ok := period.Contribution(user)
	if !ok {
		return 0, 0, nil
	}

	if period.ProfitPerDollar > 0 {
		profit, err = fpmath.ApplyPerDollar(contribution, period.ProfitPerDollar)
		if err != nil {
			return 0, 0, fmt.Errorf("user profit: %w", ErrInvalidAmount)
		}
	}
	if period.LossPerDollar > 0 {
		loss, err = fpmath.ApplyPerDollar(contribution, period.LossPerDollar)
		if err != nil {
			return 0, 0, fmt.Errorf("user loss: %w", ErrInvalidAmount)
		}
	}
	return profit, loss, nil
}

// Claim validates and marks an at-most-once profit claim, returning the
// claimable profit. The flag is set before the caller acts on the amount;
// both happen inside the core's serialization domain so a concurrent claim
// for the same (user, period) cannot pay twice. A zero-profit claim (loss
// period, or rounding to zero) succeeds as a no-op.
func (e *SettlementEngine) Claim(period *TradingPeriod, user uuid.UUID) (uint64, error) {
	if period.State != PeriodSettled {
		return 0, ErrPeriodNotCompleted
	}
	if _, ok := period.Contribution(user); !ok {
		return 0, ErrNoContributionInPeriod
	}
	if period.claimed[user] {
		return 0, ErrProfitAlreadyClaimed
	}

	profit, _, err := e.CalculateUserPnL(period, user)
	if err != nil {
		return 0, err
	}

	period.claimed[user] = true
	return profit, nil
}
