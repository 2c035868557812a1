package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CommandInjector provides admin/manual command injection from the
// operator surface.
// It exists for operational recovery and testing, not for throughput —
// the trading engine uses NATS.
type CommandInjector struct {
	commandChan chan<- Command
}

func NewCommandInjector(commandChan chan<- Command) *CommandInjector {
	return &CommandInjector{commandChan: commandChan}
}

// InjectSettlementClose manually injects a SettlementClose command.
// The injected command carries sequence -1 so it bypasses per-asset
// ordering validation.
func (s *CommandInjector) InjectSettlementClose(
	ctx context.Context,
	asset string,
	periodID uint64,
	realizedPnL int64,
) error {
	if asset == "" {
		return fmt.Errorf("asset is required")
	}
	if periodID == 0 {
		return fmt.Errorf("period_id is required")
	}

	cmd := &SettlementClose{
		CloseID:     uuid.New(),
		Asset:       asset,
		PeriodID:    periodID,
		RealizedPnL: realizedPnL,
		Sequence:    -1,
		Timestamp:   time.Now(),
	}

	select {
	case s.commandChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectPrice manually injects a PriceUpdate command.
func (s *CommandInjector) InjectPrice(
	ctx context.Context,
	asset string,
	price decimal.Decimal,
) error {
	if asset == "" {
		return fmt.Errorf("asset is required")
	}
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive")
	}

	cmd := &PriceUpdate{
		Asset:     asset,
		Price:     price,
		Timestamp: time.Now(),
	}

	select {
	case s.commandChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
