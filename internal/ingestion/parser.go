package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Command is a typed inbound command decoded from the wire.
type Command interface {
	CommandType() string
}

// SettlementClose is the trading engine reporting a period's realized PnL.
// Sequence is the engine's per-asset command sequence; the core validates
// ordering against it.
type SettlementClose struct {
	CloseID     uuid.UUID
	Asset       string
	PeriodID    uint64
	RealizedPnL int64
	Sequence    int64
	Timestamp   time.Time
}

func (c *SettlementClose) CommandType() string { return "SettlementClose" }

// PriceUpdate carries a fresh USD quote for one whole unit of an asset.
// Price travels as a decimal string so upstream producers are not bound to
// the ledger's fixed-point scale.
type PriceUpdate struct {
	Asset     string
	Price     decimal.Decimal
	Timestamp time.Time
}

func (c *PriceUpdate) CommandType() string { return "PriceUpdate" }

// ParseRawCommand converts a RawCommand (JSON bytes + command type string)
// into a typed Command. The ingestion shell validates, parses, and converts
// before anything reaches the deterministic core.
func ParseRawCommand(raw RawCommand, commandType string) (Command, error) {
	switch commandType {
	case "SettlementClose":
		return parseSettlementClose(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type settlementCloseJSON struct {
	CloseID     string `json:"close_id"`
	Asset       string `json:"asset"`
	PeriodID    uint64 `json:"period_id"`
	RealizedPnL int64  `json:"realized_pnl"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSettlementClose(data []byte) (*SettlementClose, error) {
	var j settlementCloseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettlementClose: %w", err)
	}

	closeID, err := uuid.Parse(j.CloseID)
	if err != nil {
		return nil, fmt.Errorf("parse close_id: %w", err)
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("parse SettlementClose: asset is required")
	}
	if j.PeriodID == 0 {
		return nil, fmt.Errorf("parse SettlementClose: period_id is required")
	}

	return &SettlementClose{
		CloseID:     closeID,
		Asset:       j.Asset,
		PeriodID:    j.PeriodID,
		RealizedPnL: j.RealizedPnL,
		Sequence:    j.Sequence,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

type priceUpdateJSON struct {
	Asset       string `json:"asset"`
	Price       string `json:"price"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePriceUpdate(data []byte) (*PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}

	if j.Asset == "" {
		return nil, fmt.Errorf("parse PriceUpdate: asset is required")
	}
	price, err := decimal.NewFromString(j.Price)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", j.Price, err)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("parse PriceUpdate: price must be positive, got %s", price)
	}

	return &PriceUpdate{
		Asset:     j.Asset,
		Price:     price,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
