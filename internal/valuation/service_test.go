package valuation

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"PoolLedger/internal/pool"
)

var baseTime = time.UnixMicro(1_700_000_000_000_000)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := NewService(30*time.Second, nil)
	s.now = func() time.Time { return baseTime }
	return s
}

func mustPrice(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	price, err := ParsePrice(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return price
}

func TestToUSD(t *testing.T) {
	s := newTestService(t)
	s.RegisterAsset("BTC", 8)
	if err := s.UpdatePrice("BTC", mustPrice(t, "50000"), baseTime); err != nil {
		t.Fatalf("update: %v", err)
	}

	// 0.5 BTC at 50_000 = 25_000 USD.
	usd, err := s.ToUSD("BTC", 50_000_000)
	if err != nil {
		t.Fatalf("to usd: %v", err)
	}
	if usd != 25_000*1e8 {
		t.Errorf("got %d, want %d", usd, uint64(25_000*1e8))
	}
}

func TestToUSD_SixDecimalAsset(t *testing.T) {
	s := newTestService(t)
	s.RegisterAsset("USDT", 6)
	if err := s.UpdatePrice("USDT", mustPrice(t, "0.9998"), baseTime); err != nil {
		t.Fatalf("update: %v", err)
	}

	// 100 USDT (1e8 raw at 6 decimals) at 0.9998 = 99.98 USD.
	usd, err := s.ToUSD("USDT", 100_000_000)
	if err != nil {
		t.Fatalf("to usd: %v", err)
	}
	if usd != 9_998_000_000 {
		t.Errorf("got %d, want 9998000000", usd)
	}
}

func TestFromUSD_Floors(t *testing.T) {
	s := newTestService(t)
	s.RegisterAsset("BTC", 8)
	if err := s.UpdatePrice("BTC", mustPrice(t, "30000"), baseTime); err != nil {
		t.Fatalf("update: %v", err)
	}

	// 1000 USD at 30_000/BTC = 0.03333333... BTC, floored at 8 decimals.
	raw, err := s.FromUSD("BTC", 1000*1e8)
	if err != nil {
		t.Fatalf("from usd: %v", err)
	}
	if raw != 3_333_333 {
		t.Errorf("got %d, want 3333333", raw)
	}
}

// A quotient a hair below an integer must truncate down, not round up —
// rounding up would overpay by one base unit.
func TestFromUSD_QuotientJustBelowInteger(t *testing.T) {
	s := newTestService(t)
	s.RegisterAsset("BTC", 8)
	if err := s.UpdatePrice("BTC", mustPrice(t, "50000000000000000"), baseTime); err != nil {
		t.Fatalf("update: %v", err)
	}

	// usd/price = 100 - 2e-17; a division rounded at 16 places would
	// report exactly 100.
	raw, err := s.FromUSD("BTC", 4_999_999_999_999_999_999)
	if err != nil {
		t.Fatalf("from usd: %v", err)
	}
	if raw != 99 {
		t.Errorf("got %d, want 99", raw)
	}
}

func TestRoundTrip_NeverGains(t *testing.T) {
	s := newTestService(t)
	s.RegisterAsset("ETH", 18)
	if err := s.UpdatePrice("ETH", mustPrice(t, "1234.56"), baseTime); err != nil {
		t.Fatalf("update: %v", err)
	}

	const usdIn = uint64(777 * 1e8)
	raw, err := s.FromUSD("ETH", usdIn)
	if err != nil {
		t.Fatalf("from usd: %v", err)
	}
	usdOut, err := s.ToUSD("ETH", raw)
	if err != nil {
		t.Fatalf("to usd: %v", err)
	}
	if usdOut > usdIn {
		t.Errorf("round trip gained value: %d -> %d", usdIn, usdOut)
	}
}

func TestStalePrice(t *testing.T) {
	s := newTestService(t)
	s.RegisterAsset("BTC", 8)
	if err := s.UpdatePrice("BTC", mustPrice(t, "50000"), baseTime.Add(-31*time.Second)); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := s.ToUSD("BTC", 1_000_000); !errors.Is(err, pool.ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
}

func TestNoPriceIsStale(t *testing.T) {
	s := newTestService(t)
	s.RegisterAsset("BTC", 8)
	if _, err := s.ToUSD("BTC", 1_000_000); !errors.Is(err, pool.ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
}

func TestUnknownAsset(t *testing.T) {
	s := newTestService(t)
	if _, err := s.ToUSD("DOGE", 1); !errors.Is(err, pool.ErrUnsupportedAsset) {
		t.Errorf("got %v, want ErrUnsupportedAsset", err)
	}
}

func TestUpdatePrice_RejectsNonPositive(t *testing.T) {
	s := newTestService(t)
	if err := s.UpdatePrice("BTC", decimal.Zero, baseTime); !errors.Is(err, pool.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestUpdatePrice_OlderQuoteIgnored(t *testing.T) {
	s := newTestService(t)
	s.RegisterAsset("BTC", 8)
	if err := s.UpdatePrice("BTC", mustPrice(t, "50000"), baseTime); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdatePrice("BTC", mustPrice(t, "10"), baseTime.Add(-time.Minute)); err != nil {
		t.Fatalf("stale update: %v", err)
	}

	usd, err := s.ToUSD("BTC", 100_000_000)
	if err != nil {
		t.Fatalf("to usd: %v", err)
	}
	if usd != 50_000*1e8 {
		t.Errorf("older quote overwrote newer: got %d", usd)
	}
}
