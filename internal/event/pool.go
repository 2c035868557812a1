package event

import "github.com/google/uuid"

// PoolDeactivated records an admin freezing the pool. Deposits and period
// opens stop; withdrawals and claims continue.
type PoolDeactivated struct {
	RequestID uuid.UUID
	Reason    string
	Sequence  int64
}

func (p *PoolDeactivated) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *PoolDeactivated) EventType() EventType {
	return EventTypePoolDeactivated
}

func (p *PoolDeactivated) Asset() *string {
	return nil // Pool-wide event
}

func (p *PoolDeactivated) SourceSequence() int64 {
	return p.Sequence
}
