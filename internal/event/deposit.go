package event

import "github.com/google/uuid"

// DepositAccepted records a contribution the pool has valued and minted
// shares for. Idempotency key: deposit_id (UUID from the deposit surface).
type DepositAccepted struct {
	DepositID    uuid.UUID
	UserID       uuid.UUID
	AssetSymbol  string
	RawAmount    uint64 // Native asset units
	USDValue     uint64 // Fixed-point 1e8
	SharesMinted uint64
	Sequence     int64
}

func (d *DepositAccepted) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositAccepted) EventType() EventType {
	return EventTypeDepositAccepted
}

func (d *DepositAccepted) Asset() *string {
	s := d.AssetSymbol
	return &s
}

func (d *DepositAccepted) SourceSequence() int64 {
	return d.Sequence
}
