package query

import "github.com/google/uuid"

// PoolInfoResponse is the pool-wide summary for API queries.
type PoolInfoResponse struct {
	TotalShares    uint64 `json:"total_shares"`
	TotalValue     uint64 `json:"total_value"`
	TotalDeposited uint64 `json:"total_deposited"`
	Active         bool   `json:"active"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// UserInfoResponse is a depositor's position for API queries.
type UserInfoResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Shares       uint64    `json:"shares"`
	DepositedUSD uint64    `json:"deposited_usd"`

	// RedeemableUSD is derived at query time from the pool totals:
	// floor(shares * total_value / total_shares).
	RedeemableUSD uint64 `json:"redeemable_usd"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// AssetResponse is a supported-asset row for API queries.
type AssetResponse struct {
	Asset        string `json:"asset"`
	Decimals     uint32 `json:"decimals"`
	ThresholdUSD uint64 `json:"threshold_usd"`
	RawBalance   uint64 `json:"raw_balance"`
	AvailableUSD uint64 `json:"available_usd"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PeriodResponse is a trading period for API queries.
type PeriodResponse struct {
	Asset           string `json:"asset"`
	PeriodID        uint64 `json:"period_id"`
	State           string `json:"state"`
	TotalAtStart    uint64 `json:"total_at_start"`
	Contributors    int32  `json:"contributors"`
	PnL             int64  `json:"pnl"`
	InsuranceCut    uint64 `json:"insurance_cut"`
	DistributedUSD  uint64 `json:"distributed_usd"`
	ProfitPerDollar uint64 `json:"profit_per_dollar"`
	CoveredLoss     uint64 `json:"covered_loss"`
	UncoveredLoss   uint64 `json:"uncovered_loss"`
	LossPerDollar   uint64 `json:"loss_per_dollar"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// ClaimResponse is a recorded profit claim for API queries.
type ClaimResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Asset        string    `json:"asset"`
	PeriodID     uint64    `json:"period_id"`
	ProfitUSD    uint64    `json:"profit_usd"`
	Reinvested   bool      `json:"reinvested"`
	SharesMinted uint64    `json:"shares_minted"`
}

// InsuranceFlowResponse is one insurance movement for API queries.
type InsuranceFlowResponse struct {
	Sequence  int64  `json:"sequence"`
	Asset     string `json:"asset"`
	PeriodID  uint64 `json:"period_id"`
	Kind      string `json:"kind"` // profit_skimmed | loss_absorbed
	AmountUSD uint64 `json:"amount_usd"`
	Timestamp int64  `json:"timestamp_us"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	ShareImbalance  *int64  `json:"share_imbalance,omitempty"`
}
