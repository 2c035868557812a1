// Package custody books raw asset movements in and out of pool custody.
// The real transfer settles on the external custody rail; this vault is the
// pool's authoritative record of what that rail should be holding.
package custody

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"PoolLedger/internal/observability"
	"PoolLedger/internal/pool"
)

// Vault implements pool.CustodyTransfer over per-asset held balances.
// Safe for concurrent use.
type Vault struct {
	mu   sync.Mutex
	held map[string]uint64

	logger zerolog.Logger
}

func NewVault() *Vault {
	return &Vault{
		held:   make(map[string]uint64),
		logger: observability.NewLogger("custody"),
	}
}

// MoveIn books rawAmount units of asset into custody.
func (v *Vault) MoveIn(asset string, rawAmount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := v.held[asset] + rawAmount
	if next < v.held[asset] {
		return fmt.Errorf("custody balance overflow for %s: %w", asset, pool.ErrInvalidAmount)
	}
	v.held[asset] = next

	v.logger.Info().
		Str("asset", asset).
		Uint64("raw_amount", rawAmount).
		Uint64("held", next).
		Msg("custody move in")
	return nil
}

// MoveOut releases rawAmount units of asset to the recipient.
func (v *Vault) MoveOut(asset string, rawAmount uint64, recipient string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	held := v.held[asset]
	if rawAmount > held {
		return fmt.Errorf("custody holds %d of %s, cannot release %d: %w",
			held, asset, rawAmount, pool.ErrInvalidAmount)
	}
	v.held[asset] = held - rawAmount

	v.logger.Info().
		Str("asset", asset).
		Uint64("raw_amount", rawAmount).
		Str("recipient", recipient).
		Uint64("held", held-rawAmount).
		Msg("custody move out")
	return nil
}

// Held returns the booked custody balance for an asset.
func (v *Vault) Held(asset string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.held[asset]
}
