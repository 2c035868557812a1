// Package valuation converts raw asset quantities to and from fixed-point
// USD values using a cache of externally supplied prices.
package valuation

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PoolLedger/internal/observability"
	"PoolLedger/internal/pool"
)

// DefaultStaleAfter is how long a cached price stays usable. Conversions
// against an older price fail closed rather than value at a dead quote.
const DefaultStaleAfter = 30 * time.Second

// usdShift scales whole-unit USD prices to the ledger's 1e8 fixed point.
const usdShift = 8

type assetInfo struct {
	decimals uint8
}

type pricePoint struct {
	price     decimal.Decimal // USD per whole asset unit
	updatedAt time.Time
}

// Service implements pool.ValuationService over an in-memory price cache.
// Prices arrive from the ingestion layer; registered decimals come from the
// admin surface. Safe for concurrent use.
type Service struct {
	mu     sync.RWMutex
	assets map[string]assetInfo
	prices map[string]pricePoint

	staleAfter time.Duration
	now        func() time.Time

	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewService(staleAfter time.Duration, metrics *observability.Metrics) *Service {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Service{
		assets:     make(map[string]assetInfo),
		prices:     make(map[string]pricePoint),
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     observability.NewLogger("valuation"),
		metrics:    metrics,
	}
}

// RegisterAsset records the asset's raw-unit decimals. Conversions for
// unregistered assets fail with ErrUnsupportedAsset.
func (s *Service) RegisterAsset(asset string, decimals uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[asset] = assetInfo{decimals: decimals}
	s.logger.Info().Str("asset", asset).Uint8("decimals", decimals).Msg("asset registered")
}

// DeregisterAsset drops the asset and its cached price.
func (s *Service) DeregisterAsset(asset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assets, asset)
	delete(s.prices, asset)
}

// UpdatePrice caches a new USD price for one whole unit of the asset.
// Non-positive prices are rejected; unknown assets are cached anyway so a
// price arriving before registration is not lost.
func (s *Service) UpdatePrice(asset string, price decimal.Decimal, ts time.Time) error {
	if !price.IsPositive() {
		return fmt.Errorf("price %s for %s: %w", price, asset, pool.ErrInvalidAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Versioned input: never let an older quote overwrite a newer one.
	if existing, ok := s.prices[asset]; ok && ts.Before(existing.updatedAt) {
		return nil
	}
	s.prices[asset] = pricePoint{price: price, updatedAt: ts}

	if s.metrics != nil {
		s.metrics.PriceUpdates.WithLabelValues(asset).Inc()
	}
	s.logger.Debug().Str("asset", asset).Str("price", price.String()).Msg("price updated")
	return nil
}

// ParsePrice parses a decimal price string from the wire.
func ParsePrice(raw string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", raw, err)
	}
	return price, nil
}

// ToUSD converts rawAmount base units into 1e8 fixed-point USD, floored.
func (s *Service) ToUSD(asset string, rawAmount uint64) (uint64, error) {
	info, price, err := s.lookup(asset)
	if err != nil {
		return 0, err
	}

	// raw * price * 10^(8 - decimals), floored.
	raw := decimal.NewFromBigInt(new(big.Int).SetUint64(rawAmount), 0)
	usd := raw.Mul(price).Shift(usdShift - int32(info.decimals)).Floor()
	return toUint64(usd, asset)
}

// FromUSD converts 1e8 fixed-point USD into raw base units, floored.
func (s *Service) FromUSD(asset string, usdValue uint64) (uint64, error) {
	info, price, err := s.lookup(asset)
	if err != nil {
		return 0, err
	}

	// usd / price * 10^(decimals - 8), truncated. QuoRem gives the exact
	// truncated quotient; a rounding division could round up past the true
	// value and overpay by one base unit.
	usd := decimal.NewFromBigInt(new(big.Int).SetUint64(usdValue), 0)
	raw, _ := usd.Shift(int32(info.decimals) - usdShift).QuoRem(price, 0)
	return toUint64(raw, asset)
}

func (s *Service) lookup(asset string) (assetInfo, decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.assets[asset]
	if !ok {
		return assetInfo{}, decimal.Zero, pool.ErrUnsupportedAsset
	}
	point, ok := s.prices[asset]
	if !ok || s.now().Sub(point.updatedAt) > s.staleAfter {
		if s.metrics != nil {
			s.metrics.StalePriceTrips.WithLabelValues(asset).Inc()
		}
		return assetInfo{}, decimal.Zero, pool.ErrStalePrice
	}
	return info, point.price, nil
}

func toUint64(d decimal.Decimal, asset string) (uint64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("negative conversion for %s: %w", asset, pool.ErrInvalidAmount)
	}
	bi := d.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("conversion overflow for %s: %w", asset, pool.ErrInvalidAmount)
	}
	return bi.Uint64(), nil
}
