package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/observability"
)

// PoolInfoCacheKey is the Redis key holding the cached pool summary.
const PoolInfoCacheKey = "pool:info"

// PoolInfoCacheTTL bounds staleness if the projection worker dies between
// updates.
const PoolInfoCacheTTL = 10 * time.Second

// CachedPoolInfo is the JSON shape cached in Redis for the query fast path.
type CachedPoolInfo struct {
	TotalShares    uint64 `json:"total_shares"`
	TotalValue     uint64 `json:"total_value"`
	TotalDeposited uint64 `json:"total_deposited"`
	Active         bool   `json:"active"`
	LastSequence   int64  `json:"last_sequence"`
}

// ProjectionWorker updates projection tables from processed events. The
// projection channel is non-blocking with drop: if projections fall
// behind, they are rebuilt from the event log.
type ProjectionWorker struct {
	db      *sql.DB
	rdb     *redis.Client
	input   <-chan core.CoreOutput
	metrics *observability.Metrics
	lastSeq int64
}

func NewProjectionWorker(db *sql.DB, rdb *redis.Client, input <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:      db,
		rdb:     rdb,
		input:   input,
		metrics: metrics,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.input:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.apply(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Envelope.Sequence, err)
				// Continue — projections are eventually consistent and
				// can be rebuilt from the event log
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
			}

			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence

	switch e := output.Event.(type) {
	case *event.AssetAdded:
		err = pw.applyAssetAdded(ctx, tx, e, seq)
	case *event.AssetRemoved:
		err = pw.applyAssetRemoved(ctx, tx, e)
	case *event.DepositAccepted:
		err = pw.applyDeposit(ctx, tx, e, seq)
	case *event.WithdrawalPaid:
		err = pw.applyWithdrawal(ctx, tx, e, seq)
	case *event.PeriodOpened:
		err = pw.applyPeriodOpened(ctx, tx, e, seq)
	case *event.PeriodClosed:
		err = pw.applyPeriodClosed(ctx, tx, e, seq)
	case *event.PeriodSettled:
		err = pw.applyPeriodSettled(ctx, tx, e, seq)
	case *event.ProfitClaimed:
		err = pw.applyProfitClaimed(ctx, tx, e, seq)
	case *event.LossAbsorbed:
		err = pw.applyInsuranceFlow(ctx, tx, seq, e.AssetSymbol, e.PeriodID, "loss_absorbed", e.AmountUSD, output.Envelope.Timestamp)
	case *event.InsuranceProfitSkimmed:
		err = pw.applyInsuranceFlow(ctx, tx, seq, e.AssetSymbol, e.PeriodID, "profit_skimmed", e.AmountUSD, output.Envelope.Timestamp)
	case *event.PoolDeactivated:
		_, err = tx.ExecContext(ctx, `UPDATE projections.pool SET active = FALSE, last_sequence = $1 WHERE id = 1`, seq)
	default:
		err = fmt.Errorf("unhandled event type %T", output.Event)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	pw.refreshPoolCache(ctx)
	return nil
}

func (pw *ProjectionWorker) applyAssetAdded(ctx context.Context, tx *sql.Tx, e *event.AssetAdded, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.assets (asset, decimals, threshold_usd, raw_balance, available_usd, last_sequence)
		VALUES ($1, $2, $3, 0, 0, $4)
		ON CONFLICT (asset) DO NOTHING
	`, e.AssetSymbol, e.Decimals, e.ThresholdUSD, seq)
	return err
}

func (pw *ProjectionWorker) applyAssetRemoved(ctx context.Context, tx *sql.Tx, e *event.AssetRemoved) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections.assets WHERE asset = $1`, e.AssetSymbol)
	return err
}

func (pw *ProjectionWorker) applyDeposit(ctx context.Context, tx *sql.Tx, e *event.DepositAccepted, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.user_positions (user_id, shares, deposited_usd, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			shares = projections.user_positions.shares + $2,
			deposited_usd = projections.user_positions.deposited_usd + $3,
			last_sequence = $4
	`, e.UserID.String(), e.SharesMinted, e.USDValue, seq); err != nil {
		return err
	}

	// A deposit folding into an open period never sits in the available
	// balance; it lands directly in the period's total.
	var openPeriod sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT period_id FROM projections.periods WHERE asset = $1 AND state = 'open'
	`, e.AssetSymbol).Scan(&openPeriod); err != nil && err != sql.ErrNoRows {
		return err
	}

	availableDelta := e.USDValue
	if openPeriod.Valid {
		availableDelta = 0
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.periods SET total_at_start = total_at_start + $1, last_sequence = $2
			WHERE asset = $3 AND period_id = $4
		`, e.USDValue, seq, e.AssetSymbol, openPeriod.Int64); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.assets SET
			raw_balance = raw_balance + $1,
			available_usd = available_usd + $2,
			last_sequence = $3
		WHERE asset = $4
	`, e.RawAmount, availableDelta, seq, e.AssetSymbol); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool (id, total_shares, total_value, total_deposited, active, last_sequence)
		VALUES (1, $1, $2, $3, TRUE, $4)
		ON CONFLICT (id) DO UPDATE SET
			total_shares = projections.pool.total_shares + $1,
			total_value = projections.pool.total_value + $2,
			total_deposited = projections.pool.total_deposited + $3,
			last_sequence = $4
	`, e.SharesMinted, e.USDValue, e.USDValue, seq)
	return err
}

func (pw *ProjectionWorker) applyWithdrawal(ctx context.Context, tx *sql.Tx, e *event.WithdrawalPaid, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.user_positions SET shares = shares - $1, last_sequence = $2
		WHERE user_id = $3
	`, e.SharesBurned, seq, e.UserID.String()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.assets SET
			raw_balance = raw_balance - $1,
			available_usd = available_usd - $2,
			last_sequence = $3
		WHERE asset = $4
	`, e.RawAmount, e.USDValue, seq, e.AssetSymbol); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE projections.pool SET
			total_shares = total_shares - $1,
			total_value = total_value - $2,
			last_sequence = $3
		WHERE id = 1
	`, e.SharesBurned, e.USDValue, seq)
	return err
}

func (pw *ProjectionWorker) applyPeriodOpened(ctx context.Context, tx *sql.Tx, e *event.PeriodOpened, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.periods
			(asset, period_id, state, total_at_start, contributors, pnl, start_time, last_sequence)
		VALUES ($1, $2, 'open', $3, $4, 0, $5, $6)
		ON CONFLICT (asset, period_id) DO NOTHING
	`, e.AssetSymbol, e.PeriodID, e.TotalAtStart, e.Contributors, e.StartTime, seq); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE projections.assets SET available_usd = available_usd - $1, last_sequence = $2
		WHERE asset = $3
	`, e.TotalAtStart, seq, e.AssetSymbol)
	return err
}

func (pw *ProjectionWorker) applyPeriodClosed(ctx context.Context, tx *sql.Tx, e *event.PeriodClosed, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.periods SET state = 'closed', pnl = $1, end_time = $2, last_sequence = $3
		WHERE asset = $4 AND period_id = $5
	`, e.RealizedPnL, e.EndTime, seq, e.AssetSymbol, e.PeriodID)
	return err
}

func (pw *ProjectionWorker) applyPeriodSettled(ctx context.Context, tx *sql.Tx, e *event.PeriodSettled, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.periods SET
			state = 'settled',
			insurance_cut = $1,
			distributed_usd = $2,
			profit_per_dollar = $3,
			covered_loss = $4,
			uncovered_loss = $5,
			loss_per_dollar = $6,
			last_sequence = $7
		WHERE asset = $8 AND period_id = $9
	`, e.InsuranceCut, e.DistributedUSD, e.ProfitPerDollar, e.CoveredLoss,
		e.UncoveredLoss, e.LossPerDollar, seq, e.AssetSymbol, e.PeriodID); err != nil {
		return err
	}

	// Principal returns to the available balance net of the uncovered loss.
	var totalAtStart uint64
	if err := tx.QueryRowContext(ctx, `
		SELECT total_at_start FROM projections.periods WHERE asset = $1 AND period_id = $2
	`, e.AssetSymbol, e.PeriodID).Scan(&totalAtStart); err != nil {
		return err
	}
	returned := totalAtStart - e.UncoveredLoss

	// Distributed proceeds enter custody as raw units alongside the
	// principal returning to the available balance.
	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.assets SET
			available_usd = available_usd + $1,
			raw_balance = raw_balance + $2,
			last_sequence = $3
		WHERE asset = $4
	`, returned, e.DistributedRaw, seq, e.AssetSymbol); err != nil {
		return err
	}

	// Uncovered loss and the reserve's premium both come out of pool value.
	if valueOut := e.UncoveredLoss + e.InsuranceCut; valueOut > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.pool SET total_value = total_value - $1, last_sequence = $2
			WHERE id = 1
		`, valueOut, seq); err != nil {
			return err
		}
	}
	return nil
}

func (pw *ProjectionWorker) applyProfitClaimed(ctx context.Context, tx *sql.Tx, e *event.ProfitClaimed, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.claims (asset, period_id, user_id, profit_usd, reinvested, shares_minted, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (asset, period_id, user_id) DO NOTHING
	`, e.AssetSymbol, e.PeriodID, e.UserID.String(), e.ProfitUSD, e.Reinvested, e.SharesMinted, seq); err != nil {
		return err
	}

	if e.Reinvested && e.ProfitUSD > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.user_positions SET shares = shares + $1, last_sequence = $2
			WHERE user_id = $3
		`, e.SharesMinted, seq, e.UserID.String()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.pool SET
				total_shares = total_shares + $1,
				total_value = total_value + $2,
				last_sequence = $3
			WHERE id = 1
		`, e.SharesMinted, e.ProfitUSD, seq); err != nil {
			return err
		}
	}

	// A payout leaves custody in raw units.
	if !e.Reinvested && e.RawPaid > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.assets SET raw_balance = raw_balance - $1, last_sequence = $2
			WHERE asset = $3
		`, e.RawPaid, seq, e.AssetSymbol); err != nil {
			return err
		}
	}
	return nil
}

func (pw *ProjectionWorker) applyInsuranceFlow(ctx context.Context, tx *sql.Tx, seq int64, asset string, periodID uint64, kind string, amount uint64, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.insurance_flow (sequence, asset, period_id, kind, amount_usd, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, asset, periodID, kind, amount, ts)
	return err
}

// refreshPoolCache pushes the pool summary into Redis for the query fast
// path. Cache failures are non-fatal; queries fall back to Postgres.
func (pw *ProjectionWorker) refreshPoolCache(ctx context.Context) {
	if pw.rdb == nil {
		return
	}

	var info CachedPoolInfo
	err := pw.db.QueryRowContext(ctx, `
		SELECT total_shares, total_value, total_deposited, active, last_sequence
		FROM projections.pool WHERE id = 1
	`).Scan(&info.TotalShares, &info.TotalValue, &info.TotalDeposited, &info.Active, &info.LastSequence)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("WARN: pool cache refresh read failed: %v", err)
		}
		return
	}

	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := pw.rdb.Set(ctx, PoolInfoCacheKey, data, PoolInfoCacheTTL).Err(); err != nil {
		log.Printf("WARN: pool cache refresh write failed: %v", err)
	}
}

// RebuildProjections truncates all projection tables; the worker then
// repopulates them as the event log replays through the projection channel.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.pool`,
		`TRUNCATE projections.user_positions`,
		`TRUNCATE projections.assets`,
		`TRUNCATE projections.periods`,
		`TRUNCATE projections.claims`,
		`TRUNCATE projections.insurance_flow`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	log.Println("INFO: projection tables truncated for rebuild")
	return nil
}
