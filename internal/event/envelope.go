package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeAssetAdded
	EventTypeAssetRemoved
	EventTypeDepositAccepted
	EventTypeWithdrawalPaid
	EventTypePeriodOpened
	EventTypePeriodClosed
	EventTypePeriodSettled
	EventTypeProfitClaimed
	EventTypeLossAbsorbed
	EventTypeInsuranceProfitSkimmed
	EventTypePoolDeactivated
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Asset context (nullable for pool-wide events)
	Asset *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Asset returns the asset context (nil for pool-wide events)
	Asset() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeAssetAdded:
		return "AssetAdded"
	case EventTypeAssetRemoved:
		return "AssetRemoved"
	case EventTypeDepositAccepted:
		return "DepositAccepted"
	case EventTypeWithdrawalPaid:
		return "WithdrawalPaid"
	case EventTypePeriodOpened:
		return "PeriodOpened"
	case EventTypePeriodClosed:
		return "PeriodClosed"
	case EventTypePeriodSettled:
		return "PeriodSettled"
	case EventTypeProfitClaimed:
		return "ProfitClaimed"
	case EventTypeLossAbsorbed:
		return "LossAbsorbed"
	case EventTypeInsuranceProfitSkimmed:
		return "InsuranceProfitSkimmed"
	case EventTypePoolDeactivated:
		return "PoolDeactivated"
	default:
		return "Unknown"
	}
}
