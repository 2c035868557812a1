package persistence

import (
	"context"
	"database/sql"
	"time"

	"PoolLedger/internal/core"
)

// PostgresIdempotencyChecker implements core.DBIdempotencyChecker against
// the event log: an operation is a duplicate if the event it would emit is
// already logged under its idempotency key.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// opEventTypes maps an operation name to the event type that marks the
// operation COMPLETE in pool_log.events. For closes that is PeriodSettled,
// not PeriodClosed: a close that logged PeriodClosed but stalled before
// settlement must not read as a duplicate, or its retry would be a no-op
// and the period would stay closed forever.
var opEventTypes = map[string]string{
	core.OpAddAsset:    "AssetAdded",
	core.OpRemoveAsset: "AssetRemoved",
	core.OpDeposit:     "DepositAccepted",
	core.OpWithdraw:    "WithdrawalPaid",
	core.OpClosePeriod: "PeriodSettled",
	core.OpClaim:       "ProfitClaimed",
	core.OpDeactivate:  "PoolDeactivated",
}

// OpForEventType is the inverse mapping, used when warming the LRU from
// logged rows. Events with no completing operation (PeriodOpened,
// PeriodClosed, LossAbsorbed, ...) return ("", false).
func OpForEventType(eventType string) (string, bool) {
	for op, et := range opEventTypes {
		if et == eventType {
			return op, true
		}
	}
	return "", false
}

// IsDuplicate checks whether the operation's key already exists in the
// Postgres event log.
func (pic *PostgresIdempotencyChecker) IsDuplicate(op string, idempotencyKey string) (bool, error) {
	eventType, ok := opEventTypes[op]
	if !ok {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM pool_log.events
        WHERE event_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, eventType, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil // Not found - not a duplicate
	}

	if err != nil {
		return false, err // DB error
	}

	return true, nil // Found - is duplicate
}
