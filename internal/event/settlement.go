package event

import (
	"fmt"

	"github.com/google/uuid"
)

// ProfitClaimed records a user collecting settled-period profit, either as
// reinvested shares or a custody payout. Idempotency key: claim_id.
type ProfitClaimed struct {
	ClaimID      uuid.UUID
	UserID       uuid.UUID
	AssetSymbol  string
	PeriodID     uint64
	ProfitUSD    uint64 // Fixed-point 1e8
	Reinvested   bool
	SharesMinted uint64 // Zero unless reinvested
	RawPaid      uint64 // Raw units released from custody; zero when reinvested
	Sequence     int64
}

func (c *ProfitClaimed) IdempotencyKey() string {
	return c.ClaimID.String()
}

func (c *ProfitClaimed) EventType() EventType {
	return EventTypeProfitClaimed
}

func (c *ProfitClaimed) Asset() *string {
	s := c.AssetSymbol
	return &s
}

func (c *ProfitClaimed) SourceSequence() int64 {
	return c.Sequence
}

// LossAbsorbed records uncovered settlement loss written down against pool
// value. Emitted alongside the settlement that produced it.
type LossAbsorbed struct {
	CloseID     uuid.UUID
	AssetSymbol string
	PeriodID    uint64
	AmountUSD   uint64 // Fixed-point 1e8
	Sequence    int64
}

func (l *LossAbsorbed) IdempotencyKey() string {
	return fmt.Sprintf("loss-absorb:%s", l.CloseID)
}

func (l *LossAbsorbed) EventType() EventType {
	return EventTypeLossAbsorbed
}

func (l *LossAbsorbed) Asset() *string {
	s := l.AssetSymbol
	return &s
}

func (l *LossAbsorbed) SourceSequence() int64 {
	return l.Sequence
}

// InsuranceProfitSkimmed records the reserve's cut of a profitable period.
type InsuranceProfitSkimmed struct {
	CloseID     uuid.UUID
	AssetSymbol string
	PeriodID    uint64
	AmountUSD   uint64 // Fixed-point 1e8
	ShareBps    uint32
	Sequence    int64
}

func (i *InsuranceProfitSkimmed) IdempotencyKey() string {
	return fmt.Sprintf("insurance-skim:%s", i.CloseID)
}

func (i *InsuranceProfitSkimmed) EventType() EventType {
	return EventTypeInsuranceProfitSkimmed
}

func (i *InsuranceProfitSkimmed) Asset() *string {
	s := i.AssetSymbol
	return &s
}

func (i *InsuranceProfitSkimmed) SourceSequence() int64 {
	return i.Sequence
}
