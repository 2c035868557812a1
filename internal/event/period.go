package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PeriodOpened records a trading period activating after a threshold sweep.
// Opens are triggered internally, so the idempotency key is derived from
// the (asset, period_id) pair rather than carried by an upstream command.
type PeriodOpened struct {
	AssetSymbol  string
	PeriodID     uint64
	TotalAtStart uint64 // Fixed-point 1e8
	Contributors int
	StartTime    time.Time
	Sequence     int64
}

func (p *PeriodOpened) IdempotencyKey() string {
	return fmt.Sprintf("period-open:%s:%d", p.AssetSymbol, p.PeriodID)
}

func (p *PeriodOpened) EventType() EventType {
	return EventTypePeriodOpened
}

func (p *PeriodOpened) Asset() *string {
	s := p.AssetSymbol
	return &s
}

func (p *PeriodOpened) SourceSequence() int64 {
	return p.Sequence
}

// PeriodClosed records the settlement engine reporting realized PnL.
// Idempotency key: close_id (UUID from the settlement surface).
type PeriodClosed struct {
	CloseID     uuid.UUID
	AssetSymbol string
	PeriodID    uint64
	RealizedPnL int64 // Fixed-point 1e8, signed
	EndTime     time.Time
	Sequence    int64
}

func (p *PeriodClosed) IdempotencyKey() string {
	return p.CloseID.String()
}

func (p *PeriodClosed) EventType() EventType {
	return EventTypePeriodClosed
}

func (p *PeriodClosed) Asset() *string {
	s := p.AssetSymbol
	return &s
}

func (p *PeriodClosed) SourceSequence() int64 {
	return p.Sequence
}

// PeriodSettled records the insurance routing and distribution factors for
// a closed period. It carries the close command's key directly: a close is
// only complete once settlement lands, so a logged PeriodSettled is what
// marks the close_id as processed. A PeriodClosed without a matching
// PeriodSettled means the earlier attempt stalled and the close may retry.
type PeriodSettled struct {
	CloseID         uuid.UUID
	AssetSymbol     string
	PeriodID        uint64
	InsuranceCut    uint64
	DistributedUSD  uint64
	DistributedRaw  uint64 // Settlement proceeds booked into custody, raw units
	ProfitPerDollar uint64
	CoveredLoss     uint64
	UncoveredLoss   uint64
	LossPerDollar   uint64
	RefundPerDollar uint64
	Sequence        int64
}

func (p *PeriodSettled) IdempotencyKey() string {
	return p.CloseID.String()
}

func (p *PeriodSettled) EventType() EventType {
	return EventTypePeriodSettled
}

func (p *PeriodSettled) Asset() *string {
	s := p.AssetSymbol
	return &s
}

func (p *PeriodSettled) SourceSequence() int64 {
	return p.Sequence
}
