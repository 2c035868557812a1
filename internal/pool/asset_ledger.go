package pool

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	fpmath "PoolLedger/internal/math"
)

// AssetEntry is the per-asset record: supported-asset registry row plus the
// raw balance held in custody and the USD value not yet swept into a
// trading period.
type AssetEntry struct {
	Asset        string
	Decimals     uint8
	ThresholdUSD uint64
	RawBalance   uint64
	AvailableUSD uint64
}

// contributionLot is a deposit's USD value waiting to be swept into the
// asset's next trading period. Lots are consumed FIFO at period open so
// contribution sums stay exact without any division.
type contributionLot struct {
	User uuid.UUID
	USD  uint64
}

// AssetLedger tracks raw per-asset balances, the supported-asset registry,
// and the queue of pending contributions per asset. Not safe for concurrent
// use — the core serializes access.
type AssetLedger struct {
	assets  map[string]*AssetEntry
	pending map[string][]contributionLot
}

func NewAssetLedger() *AssetLedger {
	return &AssetLedger{
		assets:  make(map[string]*AssetEntry),
		pending: make(map[string][]contributionLot),
	}
}

// AddAsset registers a supported asset.
func (l *AssetLedger) AddAsset(asset string, decimals uint8, thresholdUSD uint64) error {
	if _, ok := l.assets[asset]; ok {
		return ErrAlreadySupported
	}
	if thresholdUSD == 0 {
		return fmt.Errorf("threshold must be positive: %w", ErrInvalidAmount)
	}

	l.assets[asset] = &AssetEntry{
		Asset:        asset,
		Decimals:     decimals,
		ThresholdUSD: thresholdUSD,
	}
	return nil
}

// RemoveAsset drops an asset from the registry. The caller (core) is
// responsible for the unsettled-period check; this only guards local state.
func (l *AssetLedger) RemoveAsset(asset string) error {
	entry, ok := l.assets[asset]
	if !ok {
		return ErrUnsupportedAsset
	}
	if entry.RawBalance != 0 || entry.AvailableUSD != 0 {
		return ErrAssetInUse
	}
	delete(l.assets, asset)
	delete(l.pending, asset)
	return nil
}

// RecordDeposit books a confirmed deposit: raw balance and available USD
// both rise, and a pending contribution lot is queued for the user.
func (l *AssetLedger) RecordDeposit(asset string, user uuid.UUID, rawAmount, usdValue uint64) error {
	entry, ok := l.assets[asset]
	if !ok {
		return ErrUnsupportedAsset
	}
	if rawAmount == 0 || usdValue == 0 {
		return ErrInvalidAmount
	}

	newRaw, err := fpmath.CheckedAdd(entry.RawBalance, rawAmount)
	if err != nil {
		return fmt.Errorf("raw balance: %w", ErrInvalidAmount)
	}
	newAvail, err := fpmath.CheckedAdd(entry.AvailableUSD, usdValue)
	if err != nil {
		return fmt.Errorf("available: %w", ErrInvalidAmount)
	}

	entry.RawBalance = newRaw
	entry.AvailableUSD = newAvail
	l.pending[asset] = append(l.pending[asset], contributionLot{User: user, USD: usdValue})
	return nil
}

// CreditRaw books a raw inflow that carries no new USD contribution, such
// as settlement proceeds entering custody.
func (l *AssetLedger) CreditRaw(asset string, rawAmount uint64) error {
	entry, ok := l.assets[asset]
	if !ok {
		return ErrUnsupportedAsset
	}
	newRaw, err := fpmath.CheckedAdd(entry.RawBalance, rawAmount)
	if err != nil {
		return fmt.Errorf("raw balance: %w", ErrInvalidAmount)
	}
	entry.RawBalance = newRaw
	return nil
}

// RecordWithdrawal books a raw outflow against the asset balance.
func (l *AssetLedger) RecordWithdrawal(asset string, rawAmount uint64) error {
	entry, ok := l.assets[asset]
	if !ok {
		return ErrUnsupportedAsset
	}
	if rawAmount > entry.RawBalance {
		return ErrInvalidAmount
	}
	entry.RawBalance -= rawAmount
	return nil
}

// Entry returns a copy of the asset record.
func (l *AssetLedger) Entry(asset string) (AssetEntry, bool) {
	entry, ok := l.assets[asset]
	if !ok {
		return AssetEntry{}, false
	}
	return *entry, true
}

// Entries returns all asset records sorted by symbol.
func (l *AssetLedger) Entries() []AssetEntry {
	out := make([]AssetEntry, 0, len(l.assets))
	for _, entry := range l.assets {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// DrainPending consumes pending contribution lots FIFO up to allocation USD
// and returns the per-user contribution map. The tail of a partially
// consumed lot stays queued for the next period. The returned map sums to
// exactly min(allocation, pending total).
func (l *AssetLedger) DrainPending(asset string, allocation uint64) map[uuid.UUID]uint64 {
	entry, ok := l.assets[asset]
	if !ok {
		return nil
	}

	contributions := make(map[uuid.UUID]uint64)
	remaining := allocation
	queue := l.pending[asset]

	for len(queue) > 0 && remaining > 0 {
		lot := &queue[0]
		take := lot.USD
		if take > remaining {
			take = remaining
		}
		contributions[lot.User] += take
		lot.USD -= take
		remaining -= take
		if lot.USD == 0 {
			queue = queue[1:]
		}
	}

	l.pending[asset] = queue
	drained := allocation - remaining
	if drained > entry.AvailableUSD {
		drained = entry.AvailableUSD
	}
	entry.AvailableUSD -= drained
	return contributions
}

// ConsumeDirect books a deposit straight into an open period: the USD value
// bypasses the pending queue and the available balance. The caller must
// have just recorded the deposit.
func (l *AssetLedger) ConsumeDirect(asset string, user uuid.UUID, usdValue uint64) error {
	entry, ok := l.assets[asset]
	if !ok {
		return ErrUnsupportedAsset
	}
	if usdValue > entry.AvailableUSD {
		return ErrInvalidAmount
	}

	// Remove the just-queued lot tail for this user.
	queue := l.pending[asset]
	remaining := usdValue
	for i := len(queue) - 1; i >= 0 && remaining > 0; i-- {
		if queue[i].User != user {
			continue
		}
		take := queue[i].USD
		if take > remaining {
			take = remaining
		}
		queue[i].USD -= take
		remaining -= take
	}
	// Compact zero lots.
	compacted := queue[:0]
	for _, lot := range queue {
		if lot.USD > 0 {
			compacted = append(compacted, lot)
		}
	}
	l.pending[asset] = compacted

	entry.AvailableUSD -= usdValue
	return nil
}

// ReducePendingFor removes up to usdValue of the user's pending lots (used
// on withdrawal so redeemed funds do not contribute to a later period).
// Returns the amount actually removed.
func (l *AssetLedger) ReducePendingFor(asset string, user uuid.UUID, usdValue uint64) uint64 {
	entry, ok := l.assets[asset]
	if !ok {
		return 0
	}

	queue := l.pending[asset]
	remaining := usdValue
	for i := range queue {
		if queue[i].User != user || remaining == 0 {
			continue
		}
		take := queue[i].USD
		if take > remaining {
			take = remaining
		}
		queue[i].USD -= take
		remaining -= take
	}
	compacted := queue[:0]
	for _, lot := range queue {
		if lot.USD > 0 {
			compacted = append(compacted, lot)
		}
	}
	l.pending[asset] = compacted

	removed := usdValue - remaining
	if removed > entry.AvailableUSD {
		removed = entry.AvailableUSD
	}
	entry.AvailableUSD -= removed
	return removed
}

// RequeueSettled returns a contributor's principal to the pending queue
// after settlement, so it rolls into the asset's next trading period and a
// later threshold sweep still satisfies contribution completeness.
func (l *AssetLedger) RequeueSettled(asset string, user uuid.UUID, usdValue uint64) error {
	entry, ok := l.assets[asset]
	if !ok {
		return ErrUnsupportedAsset
	}
	if usdValue == 0 {
		return nil
	}
	newAvail, err := fpmath.CheckedAdd(entry.AvailableUSD, usdValue)
	if err != nil {
		return fmt.Errorf("available: %w", ErrInvalidAmount)
	}
	entry.AvailableUSD = newAvail
	l.pending[asset] = append(l.pending[asset], contributionLot{User: user, USD: usdValue})
	return nil
}

// CreditAvailable returns settled principal to the asset's available pool.
func (l *AssetLedger) CreditAvailable(asset string, usdValue uint64) error {
	entry, ok := l.assets[asset]
	if !ok {
		return ErrUnsupportedAsset
	}
	newAvail, err := fpmath.CheckedAdd(entry.AvailableUSD, usdValue)
	if err != nil {
		return fmt.Errorf("available: %w", ErrInvalidAmount)
	}
	entry.AvailableUSD = newAvail
	return nil
}

// DebitAvailable removes unallocated USD value (withdrawals).
func (l *AssetLedger) DebitAvailable(asset string, usdValue uint64) error {
	entry, ok := l.assets[asset]
	if !ok {
		return ErrUnsupportedAsset
	}
	if usdValue > entry.AvailableUSD {
		return ErrInvalidAmount
	}
	entry.AvailableUSD -= usdValue
	return nil
}

// PendingLots returns a copy of the pending queue for snapshots.
func (l *AssetLedger) PendingLots(asset string) []PendingLot {
	queue := l.pending[asset]
	out := make([]PendingLot, 0, len(queue))
	for _, lot := range queue {
		out = append(out, PendingLot{User: lot.User, USD: lot.USD})
	}
	return out
}

// PendingLot is the exported snapshot form of a queued contribution.
type PendingLot struct {
	User uuid.UUID `json:"user"`
	USD  uint64    `json:"usd"`
}

// RestoreEntry reinstates an asset record during snapshot recovery.
func (l *AssetLedger) RestoreEntry(entry AssetEntry) {
	e := entry
	l.assets[entry.Asset] = &e
}

// RestorePending reinstates a pending queue during snapshot recovery.
func (l *AssetLedger) RestorePending(asset string, lots []PendingLot) {
	queue := make([]contributionLot, 0, len(lots))
	for _, lot := range lots {
		queue = append(queue, contributionLot{User: lot.User, USD: lot.USD})
	}
	l.pending[asset] = queue
}
