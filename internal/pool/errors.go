package pool

import "errors"

// Domain error taxonomy. Every condition is local, typed, and surfaced to
// the caller; the core never applies a partial state change alongside one.
// StalePrice and InsuranceUnavailable are the only transient kinds — outer
// layers may retry those.
var (
	ErrUnsupportedAsset       = errors.New("unsupported asset")
	ErrAlreadySupported       = errors.New("asset already supported")
	ErrAssetInUse             = errors.New("asset has an unsettled trading period")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientShares     = errors.New("insufficient shares")
	ErrThresholdNotMet        = errors.New("threshold not met")
	ErrNoActiveTradingPeriod  = errors.New("no active trading period")
	ErrPeriodNotCompleted     = errors.New("trading period not completed")
	ErrAlreadyClosed          = errors.New("trading period already closed")
	ErrProfitAlreadyClaimed   = errors.New("profit already claimed")
	ErrNoContributionInPeriod = errors.New("no contribution in period")
	ErrStalePrice             = errors.New("stale price")
	ErrInsuranceUnavailable   = errors.New("insurance reserve unavailable")
	ErrPoolInactive           = errors.New("pool is inactive")
)

// Retryable reports whether the calling layer is expected to retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrStalePrice) || errors.Is(err, ErrInsuranceUnavailable)
}
