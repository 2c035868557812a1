package pool

// ValuationService converts a raw asset quantity into a USD value at 1e8
// fixed-point. Implementations own price acquisition and staleness; the
// core only consumes the converted value.
type ValuationService interface {
	// ToUSD returns the USD value of rawAmount units of asset.
	// Fails with ErrUnsupportedAsset or ErrStalePrice.
	ToUSD(asset string, rawAmount uint64) (uint64, error)

	// FromUSD returns the raw asset quantity worth usdValue, floored.
	// Same failure modes as ToUSD.
	FromUSD(asset string, usdValue uint64) (uint64, error)
}

// InsuranceReserve is the external capacity pool that absorbs period losses
// and is replenished from a cut of period profits.
type InsuranceReserve interface {
	// DepositProfit mints reserve capacity from a profit cut.
	DepositProfit(usdAmount uint64) error

	// AbsorbLoss burns up to usdAmount of capacity and returns the
	// uncovered remainder.
	AbsorbLoss(usdAmount uint64) (uint64, error)

	// NeedsReplenish reports whether the reserve is below its target
	// capacity; while true the elevated profit share applies.
	NeedsReplenish() bool
}

// CustodyTransfer moves raw asset quantities in and out of pool custody.
// Movements are assumed atomic and infallible once funds are confirmed
// present; the core calls these only after its own validation passes.
type CustodyTransfer interface {
	MoveIn(asset string, rawAmount uint64) error
	MoveOut(asset string, rawAmount uint64, recipient string) error
}

// PermissionChecker is the external role gate for restricted operations.
// The core itself does not implement policy; it asks.
type PermissionChecker interface {
	// Allow returns nil when caller holds the named role.
	Allow(caller string, role string) error
}

// Role names checked through PermissionChecker.
const (
	RoleSettlement = "settlement"
	RoleAdmin      = "admin"
)
