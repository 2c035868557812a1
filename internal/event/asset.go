package event

import "github.com/google/uuid"

// AssetAdded records an admin enabling a collateral asset.
// Idempotency key: request_id from the admin surface.
type AssetAdded struct {
	RequestID    uuid.UUID
	AssetSymbol  string
	Decimals     uint32
	ThresholdUSD uint64 // Fixed-point 1e8
	Sequence     int64
}

func (a *AssetAdded) IdempotencyKey() string {
	return a.RequestID.String()
}

func (a *AssetAdded) EventType() EventType {
	return EventTypeAssetAdded
}

func (a *AssetAdded) Asset() *string {
	s := a.AssetSymbol
	return &s
}

func (a *AssetAdded) SourceSequence() int64 {
	return a.Sequence
}

type AssetRemoved struct {
	RequestID   uuid.UUID
	AssetSymbol string
	Sequence    int64
}

func (a *AssetRemoved) IdempotencyKey() string {
	return a.RequestID.String()
}

func (a *AssetRemoved) EventType() EventType {
	return EventTypeAssetRemoved
}

func (a *AssetRemoved) Asset() *string {
	s := a.AssetSymbol
	return &s
}

func (a *AssetRemoved) SourceSequence() int64 {
	return a.Sequence
}
