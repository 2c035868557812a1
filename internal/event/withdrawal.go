package event

import "github.com/google/uuid"

// WithdrawalPaid records a share redemption paid out through custody.
// Idempotency key: withdrawal_id (UUID from the withdrawal surface).
type WithdrawalPaid struct {
	WithdrawalID uuid.UUID
	UserID       uuid.UUID
	AssetSymbol  string
	SharesBurned uint64
	USDValue     uint64 // Fixed-point 1e8
	RawAmount    uint64 // Native asset units paid out
	Sequence     int64
}

func (w *WithdrawalPaid) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalPaid) EventType() EventType {
	return EventTypeWithdrawalPaid
}

func (w *WithdrawalPaid) Asset() *string {
	s := w.AssetSymbol
	return &s
}

func (w *WithdrawalPaid) SourceSequence() int64 {
	return w.Sequence
}
