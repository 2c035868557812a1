package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"PoolLedger/internal/observability"
	"PoolLedger/internal/projection"
)

// QueryService provides read-only access to projection tables with a Redis
// fast path for the pool summary. All responses include as_of_sequence for
// freshness semantics.
type QueryService struct {
	db      *sql.DB
	rdb     *redis.Client
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, rdb *redis.Client, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, rdb: rdb, metrics: metrics}
}

// GetPoolInfo returns the pool-wide summary. Redis serves the hot path;
// a miss or cache error falls through to Postgres.
func (qs *QueryService) GetPoolInfo(ctx context.Context) (*PoolInfoResponse, error) {
	if qs.rdb != nil {
		data, err := qs.rdb.Get(ctx, projection.PoolInfoCacheKey).Bytes()
		if err == nil {
			var cached projection.CachedPoolInfo
			if json.Unmarshal(data, &cached) == nil {
				qs.cacheHit("pool_info", true)
				return &PoolInfoResponse{
					TotalShares:    cached.TotalShares,
					TotalValue:     cached.TotalValue,
					TotalDeposited: cached.TotalDeposited,
					Active:         cached.Active,
					AsOfSequence:   cached.LastSequence,
				}, nil
			}
		}
		qs.cacheHit("pool_info", false)
	}

	var resp PoolInfoResponse
	err := qs.db.QueryRowContext(ctx, `
		SELECT total_shares, total_value, total_deposited, active, last_sequence
		FROM projections.pool WHERE id = 1
	`).Scan(&resp.TotalShares, &resp.TotalValue, &resp.TotalDeposited, &resp.Active, &resp.AsOfSequence)
	if err == sql.ErrNoRows {
		// Empty pool — nothing deposited yet.
		return &PoolInfoResponse{Active: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pool info: %w", err)
	}
	return &resp, nil
}

// GetUserInfo returns a depositor's position with the redeemable value
// derived from the current pool totals.
func (qs *QueryService) GetUserInfo(ctx context.Context, userID uuid.UUID) (*UserInfoResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &UserInfoResponse{UserID: userID, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT shares, deposited_usd FROM projections.user_positions WHERE user_id = $1
	`, userID.String()).Scan(&resp.Shares, &resp.DepositedUSD)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user position: %w", err)
	}

	pool, err := qs.GetPoolInfo(ctx)
	if err != nil {
		return nil, err
	}
	if pool.TotalShares > 0 {
		resp.RedeemableUSD = mulDiv(resp.Shares, pool.TotalValue, pool.TotalShares)
	}
	return resp, nil
}

// ListAssets returns all supported-asset rows.
func (qs *QueryService) ListAssets(ctx context.Context) ([]AssetResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, decimals, threshold_usd, raw_balance, available_usd
		FROM projections.assets
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []AssetResponse
	for rows.Next() {
		var a AssetResponse
		a.AsOfSequence = asOfSeq
		if err := rows.Scan(&a.Asset, &a.Decimals, &a.ThresholdUSD, &a.RawBalance, &a.AvailableUSD); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// GetPeriod returns one trading period.
func (qs *QueryService) GetPeriod(ctx context.Context, asset string, periodID uint64) (*PeriodResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var p PeriodResponse
	p.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT asset, period_id, state, total_at_start, contributors, pnl,
		       COALESCE(insurance_cut, 0), COALESCE(distributed_usd, 0),
		       COALESCE(profit_per_dollar, 0), COALESCE(covered_loss, 0),
		       COALESCE(uncovered_loss, 0), COALESCE(loss_per_dollar, 0)
		FROM projections.periods
		WHERE asset = $1 AND period_id = $2
	`, asset, periodID).Scan(
		&p.Asset, &p.PeriodID, &p.State, &p.TotalAtStart, &p.Contributors, &p.PnL,
		&p.InsuranceCut, &p.DistributedUSD, &p.ProfitPerDollar, &p.CoveredLoss,
		&p.UncoveredLoss, &p.LossPerDollar,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("period: %w", err)
	}
	return &p, nil
}

// ListPeriods returns periods for an asset, newest first, with cursor
// pagination via beforePeriodID.
func (qs *QueryService) ListPeriods(ctx context.Context, asset string, limit int, beforePeriodID *uint64) ([]PeriodResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT asset, period_id, state, total_at_start, contributors, pnl,
		       COALESCE(insurance_cut, 0), COALESCE(distributed_usd, 0),
		       COALESCE(profit_per_dollar, 0), COALESCE(covered_loss, 0),
		       COALESCE(uncovered_loss, 0), COALESCE(loss_per_dollar, 0)
		FROM projections.periods
		WHERE asset = $1
	`
	args := []interface{}{asset}
	argIdx := 2

	if beforePeriodID != nil {
		query += fmt.Sprintf(" AND period_id < $%d", argIdx)
		args = append(args, *beforePeriodID)
		argIdx++
	}

	query += " ORDER BY period_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []PeriodResponse
	for rows.Next() {
		var p PeriodResponse
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.Asset, &p.PeriodID, &p.State, &p.TotalAtStart, &p.Contributors, &p.PnL,
			&p.InsuranceCut, &p.DistributedUSD, &p.ProfitPerDollar, &p.CoveredLoss,
			&p.UncoveredLoss, &p.LossPerDollar,
		); err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// ListClaims returns recorded profit claims for a period.
func (qs *QueryService) ListClaims(ctx context.Context, asset string, periodID uint64) ([]ClaimResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT user_id, profit_usd, reinvested, shares_minted
		FROM projections.claims
		WHERE asset = $1 AND period_id = $2
		ORDER BY user_id
	`, asset, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []ClaimResponse
	for rows.Next() {
		var c ClaimResponse
		var userStr string
		c.Asset = asset
		c.PeriodID = periodID
		if err := rows.Scan(&userStr, &c.ProfitUSD, &c.Reinvested, &c.SharesMinted); err != nil {
			return nil, err
		}
		userID, err := uuid.Parse(userStr)
		if err != nil {
			return nil, fmt.Errorf("claim user_id: %w", err)
		}
		c.UserID = userID
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// ListInsuranceFlow returns insurance movements, newest first, with cursor
// pagination via beforeSequence.
func (qs *QueryService) ListInsuranceFlow(ctx context.Context, limit int, beforeSequence *int64) ([]InsuranceFlowResponse, error) {
	query := `
		SELECT sequence, asset, period_id, kind, amount_usd,
		       (EXTRACT(EPOCH FROM timestamp) * 1000000)::BIGINT
		FROM projections.insurance_flow
	`
	args := []interface{}{}
	argIdx := 1

	if beforeSequence != nil {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []InsuranceFlowResponse
	for rows.Next() {
		var f InsuranceFlowResponse
		if err := rows.Scan(&f.Sequence, &f.Asset, &f.PeriodID, &f.Kind, &f.AmountUSD, &f.Timestamp); err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and share
// conservation between the pool totals and per-user projections.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM pool_log.events e1
		LEFT JOIN pool_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var imbalance sql.NullInt64
	err = qs.db.QueryRowContext(ctx, `
		SELECT (SELECT COALESCE(SUM(shares), 0) FROM projections.user_positions)
		     - (SELECT COALESCE(total_shares, 0) FROM projections.pool WHERE id = 1)
	`).Scan(&imbalance)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if imbalance.Valid && imbalance.Int64 != 0 {
		v := imbalance.Int64
		report.ShareImbalance = &v
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.ShareImbalance == nil
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) cacheHit(endpoint string, hit bool) {
	if qs.metrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	qs.metrics.QueryCacheHits.WithLabelValues(endpoint, result).Inc()
}

// mulDiv computes floor(a*b/c) through big.Int; pool totals can overflow
// a uint64 product.
func mulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}
	prod := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	prod.Div(prod, new(big.Int).SetUint64(c))
	if !prod.IsUint64() {
		return 0
	}
	return prod.Uint64()
}
