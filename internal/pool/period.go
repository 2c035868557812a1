package pool

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	fpmath "PoolLedger/internal/math"
)

// PeriodState is the lifecycle stage of a trading period.
// Transitions only advance: Open -> Closed -> Settled.
type PeriodState int32

const (
	PeriodOpen PeriodState = iota
	PeriodClosed
	PeriodSettled
)

func (s PeriodState) String() string {
	switch s {
	case PeriodOpen:
		return "open"
	case PeriodClosed:
		return "closed"
	case PeriodSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// PeriodKey identifies a trading period in the arena.
type PeriodKey struct {
	Asset    string
	PeriodID uint64
}

// TradingPeriod is a bounded allocation of an asset's pooled funds sent out
// for external trading, tracked from open to settlement.
type TradingPeriod struct {
	Asset        string
	PeriodID     uint64
	StartTime    int64 // epoch microseconds, versioned input
	EndTime      int64 // 0 while open
	TotalAtStart uint64
	State        PeriodState
	PnL          int64

	// Distribution factors at 1e8 scale, immutable once Settled.
	ProfitPerDollar          uint64
	LossPerDollar            uint64
	InsuranceRefundPerDollar uint64

	contributions map[uuid.UUID]uint64
	claimed       map[uuid.UUID]bool
}

// Contribution returns the user's contribution at period start.
func (p *TradingPeriod) Contribution(user uuid.UUID) (uint64, bool) {
	c, ok := p.contributions[user]
	return c, ok
}

// Claimed reports whether the user already claimed this period.
func (p *TradingPeriod) Claimed(user uuid.UUID) bool {
	return p.claimed[user]
}

// SumContributions re-derives the contribution total for invariant checks.
func (p *TradingPeriod) SumContributions() uint64 {
	var sum uint64
	for _, c := range p.contributions {
		sum += c
	}
	return sum
}

// Contributors returns user IDs sorted for deterministic iteration.
func (p *TradingPeriod) Contributors() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(p.contributions))
	for user := range p.contributions {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// fullyClaimed reports whether every contributor has claimed.
func (p *TradingPeriod) fullyClaimed() bool {
	if p.State != PeriodSettled {
		return false
	}
	for user := range p.contributions {
		if !p.claimed[user] {
			return false
		}
	}
	return true
}

// PeriodManager owns the per-asset trading-period lifecycle. Periods live
// in an explicit arena keyed by (asset, period); fully settled-and-claimed
// periods are swept out of the hot map by Archive. Not safe for concurrent
// use — the core serializes access.
type PeriodManager struct {
	periods  map[PeriodKey]*TradingPeriod
	open     map[string]uint64 // asset -> currently open period ID
	nextID   map[string]uint64
	archived uint64
}

func NewPeriodManager() *PeriodManager {
	return &PeriodManager{
		periods: make(map[PeriodKey]*TradingPeriod),
		open:    make(map[string]uint64),
		nextID:  make(map[string]uint64),
	}
}

// OpenPeriod starts a new period for the asset with the given allocation
// and initial contribution map. One open period per asset at a time.
func (m *PeriodManager) OpenPeriod(asset string, allocation uint64, contributions map[uuid.UUID]uint64, now int64) (*TradingPeriod, error) {
	if _, ok := m.open[asset]; ok {
		return nil, fmt.Errorf("asset %s already has an open period: %w", asset, ErrInvalidAmount)
	}
	if allocation == 0 {
		return nil, ErrInvalidAmount
	}

	id := m.nextID[asset] + 1
	m.nextID[asset] = id

	period := &TradingPeriod{
		Asset:         asset,
		PeriodID:      id,
		StartTime:     now,
		TotalAtStart:  allocation,
		State:         PeriodOpen,
		contributions: make(map[uuid.UUID]uint64, len(contributions)),
		claimed:       make(map[uuid.UUID]bool),
	}
	for user, usd := range contributions {
		if usd > 0 {
			period.contributions[user] = usd
		}
	}

	m.periods[PeriodKey{Asset: asset, PeriodID: id}] = period
	m.open[asset] = id
	return period, nil
}

// CurrentOpen returns the asset's open period, if any.
func (m *PeriodManager) CurrentOpen(asset string) (*TradingPeriod, bool) {
	id, ok := m.open[asset]
	if !ok {
		return nil, false
	}
	return m.periods[PeriodKey{Asset: asset, PeriodID: id}], true
}

// RecordContribution folds a late deposit into the asset's currently open
// period: the per-user map and the period total both grow. Deposits made
// between a period's open and close share in its distribution.
func (m *PeriodManager) RecordContribution(asset string, user uuid.UUID, usdValue uint64) error {
	period, ok := m.CurrentOpen(asset)
	if !ok {
		return ErrNoActiveTradingPeriod
	}
	if usdValue == 0 {
		return ErrInvalidAmount
	}

	newTotal, err := fpmath.CheckedAdd(period.TotalAtStart, usdValue)
	if err != nil {
		return fmt.Errorf("period total: %w", ErrInvalidAmount)
	}
	period.TotalAtStart = newTotal
	period.contributions[user] += usdValue
	return nil
}

// ClosePeriod transitions the asset's period Open -> Closed with the
// realized PnL and computes the raw per-dollar factor. Insurance routing
// and the Settled flag are the SettlementEngine's job.
func (m *PeriodManager) ClosePeriod(asset string, periodID uint64, realizedPnL int64, now int64) (*TradingPeriod, error) {
	period, ok := m.periods[PeriodKey{Asset: asset, PeriodID: periodID}]
	if !ok {
		return nil, ErrNoActiveTradingPeriod
	}
	if period.State != PeriodOpen {
		return nil, ErrAlreadyClosed
	}
	if realizedPnL < 0 && uint64(-realizedPnL) > period.TotalAtStart {
		return nil, fmt.Errorf("loss exceeds period allocation: %w", ErrInvalidAmount)
	}

	period.State = PeriodClosed
	period.EndTime = now
	period.PnL = realizedPnL
	delete(m.open, asset)
	return period, nil
}

// MarkSettled transitions Closed -> Settled once insurance routing is done.
func (m *PeriodManager) MarkSettled(period *TradingPeriod) error {
	if period.State != PeriodClosed {
		return ErrPeriodNotCompleted
	}
	period.State = PeriodSettled
	return nil
}

// Period looks up a period by key.
func (m *PeriodManager) Period(asset string, periodID uint64) (*TradingPeriod, bool) {
	p, ok := m.periods[PeriodKey{Asset: asset, PeriodID: periodID}]
	return p, ok
}

// HasUnsettled reports whether any non-Settled period references the asset.
// Gates asset removal.
func (m *PeriodManager) HasUnsettled(asset string) bool {
	for key, period := range m.periods {
		if key.Asset == asset && period.State != PeriodSettled {
			return true
		}
	}
	return false
}

// Periods returns all resident periods for an asset, sorted by ID.
func (m *PeriodManager) Periods(asset string) []*TradingPeriod {
	out := make([]*TradingPeriod, 0)
	for key, period := range m.periods {
		if key.Asset == asset {
			out = append(out, period)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodID < out[j].PeriodID })
	return out
}

// Archive sweeps fully settled-and-claimed periods out of the arena so the
// hot maps do not grow without bound. The event log retains their history.
// Returns the keys removed.
func (m *PeriodManager) Archive() []PeriodKey {
	var removed []PeriodKey
	for key, period := range m.periods {
		if period.fullyClaimed() {
			delete(m.periods, key)
			removed = append(removed, key)
			m.archived++
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		if removed[i].Asset != removed[j].Asset {
			return removed[i].Asset < removed[j].Asset
		}
		return removed[i].PeriodID < removed[j].PeriodID
	})
	return removed
}

// ArchivedCount returns how many periods have been swept.
func (m *PeriodManager) ArchivedCount() uint64 { return m.archived }

// ResidentCount returns how many periods remain in the arena.
func (m *PeriodManager) ResidentCount() int { return len(m.periods) }

// PeriodSnapshot is the serializable form of a trading period.
type PeriodSnapshot struct {
	Asset                    string            `json:"asset"`
	PeriodID                 uint64            `json:"period_id"`
	StartTime                int64             `json:"start_time"`
	EndTime                  int64             `json:"end_time"`
	TotalAtStart             uint64            `json:"total_at_start"`
	State                    int32             `json:"state"`
	PnL                      int64             `json:"pnl"`
	ProfitPerDollar          uint64            `json:"profit_per_dollar"`
	LossPerDollar            uint64            `json:"loss_per_dollar"`
	InsuranceRefundPerDollar uint64            `json:"insurance_refund_per_dollar"`
	Contributions            map[string]uint64 `json:"contributions"`
	Claimed                  map[string]bool   `json:"claimed"`
}

// Snapshot serializes all resident periods sorted by key.
func (m *PeriodManager) Snapshot() []PeriodSnapshot {
	keys := make([]PeriodKey, 0, len(m.periods))
	for key := range m.periods {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Asset != keys[j].Asset {
			return keys[i].Asset < keys[j].Asset
		}
		return keys[i].PeriodID < keys[j].PeriodID
	})

	out := make([]PeriodSnapshot, 0, len(keys))
	for _, key := range keys {
		p := m.periods[key]
		snap := PeriodSnapshot{
			Asset:                    p.Asset,
			PeriodID:                 p.PeriodID,
			StartTime:                p.StartTime,
			EndTime:                  p.EndTime,
			TotalAtStart:             p.TotalAtStart,
			State:                    int32(p.State),
			PnL:                      p.PnL,
			ProfitPerDollar:          p.ProfitPerDollar,
			LossPerDollar:            p.LossPerDollar,
			InsuranceRefundPerDollar: p.InsuranceRefundPerDollar,
			Contributions:            make(map[string]uint64, len(p.contributions)),
			Claimed:                  make(map[string]bool, len(p.claimed)),
		}
		for user, usd := range p.contributions {
			snap.Contributions[user.String()] = usd
		}
		for user, claimed := range p.claimed {
			snap.Claimed[user.String()] = claimed
		}
		out = append(out, snap)
	}
	return out
}

// Restore reinstates a period during snapshot recovery.
func (m *PeriodManager) Restore(snap PeriodSnapshot) error {
	period := &TradingPeriod{
		Asset:                    snap.Asset,
		PeriodID:                 snap.PeriodID,
		StartTime:                snap.StartTime,
		EndTime:                  snap.EndTime,
		TotalAtStart:             snap.TotalAtStart,
		State:                    PeriodState(snap.State),
		PnL:                      snap.PnL,
		ProfitPerDollar:          snap.ProfitPerDollar,
		LossPerDollar:            snap.LossPerDollar,
		InsuranceRefundPerDollar: snap.InsuranceRefundPerDollar,
		contributions:            make(map[uuid.UUID]uint64, len(snap.Contributions)),
		claimed:                  make(map[uuid.UUID]bool, len(snap.Claimed)),
	}
	for userStr, usd := range snap.Contributions {
		user, err := uuid.Parse(userStr)
		if err != nil {
			return fmt.Errorf("restore period %s/%d: %w", snap.Asset, snap.PeriodID, err)
		}
		period.contributions[user] = usd
	}
	for userStr, claimed := range snap.Claimed {
		user, err := uuid.Parse(userStr)
		if err != nil {
			return fmt.Errorf("restore period %s/%d: %w", snap.Asset, snap.PeriodID, err)
		}
		period.claimed[user] = claimed
	}

	m.periods[PeriodKey{Asset: snap.Asset, PeriodID: snap.PeriodID}] = period
	if period.State == PeriodOpen {
		m.open[snap.Asset] = snap.PeriodID
	}
	if snap.PeriodID > m.nextID[snap.Asset] {
		m.nextID[snap.Asset] = snap.PeriodID
	}
	return nil
}

// RestoreNextID reinstates the per-asset ID counter (archived periods may
// have advanced it past the highest resident ID).
func (m *PeriodManager) RestoreNextID(asset string, lastID uint64) {
	if lastID > m.nextID[asset] {
		m.nextID[asset] = lastID
	}
}

// NextIDs returns the per-asset ID counters for snapshots.
func (m *PeriodManager) NextIDs() map[string]uint64 {
	out := make(map[string]uint64, len(m.nextID))
	for asset, id := range m.nextID {
		out[asset] = id
	}
	return out
}
