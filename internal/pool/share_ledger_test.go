package pool_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/pool"
)

func usd(n uint64) uint64 { return n * fpmath.ValueScale }

// ============================================================================
// Test: MintShares / RedeemShares (pure arithmetic)
// ============================================================================

func TestMintShares_FirstDepositor(t *testing.T) {
	shares, err := pool.MintShares(usd(1000), 0, 0)
	if err != nil {
		t.Fatalf("MintShares: %v", err)
	}
	want := usd(1000) - pool.MinShareOffset
	if shares != want {
		t.Errorf("got %d, want %d", shares, want)
	}
}

func TestMintShares_FirstDepositAtOffsetFails(t *testing.T) {
	// Scenario E: exactly MinShareOffset is rejected.
	_, err := pool.MintShares(pool.MinShareOffset, 0, 0)
	if !errors.Is(err, pool.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}

	_, err = pool.MintShares(pool.MinShareOffset-1, 0, 0)
	if !errors.Is(err, pool.ErrInvalidAmount) {
		t.Errorf("below offset: got %v, want ErrInvalidAmount", err)
	}
}

func TestMintShares_Proportional(t *testing.T) {
	// Pool at 2000 USD backed by 1000 shares: 500 USD mints 250 shares.
	shares, err := pool.MintShares(usd(500), 1000, usd(2000))
	if err != nil {
		t.Fatalf("MintShares: %v", err)
	}
	if shares != 250 {
		t.Errorf("got %d, want 250", shares)
	}
}

func TestMintShares_ZeroValue(t *testing.T) {
	_, err := pool.MintShares(0, 1000, usd(1000))
	if !errors.Is(err, pool.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestRedeemShares_FloorFavorsPool(t *testing.T) {
	// 3 shares over 10 total backed by 100: 3*100/10 = 30 exact.
	got, err := pool.RedeemShares(3, 10, 100)
	if err != nil {
		t.Fatalf("RedeemShares: %v", err)
	}
	if got != 30 {
		t.Errorf("got %d, want 30", got)
	}

	// 1 share over 3 total backed by 100: 33.33 -> 33.
	got, err = pool.RedeemShares(1, 3, 100)
	if err != nil {
		t.Fatalf("RedeemShares: %v", err)
	}
	if got != 33 {
		t.Errorf("got %d, want 33", got)
	}
}

func TestRedeemShares_Errors(t *testing.T) {
	if _, err := pool.RedeemShares(0, 10, 100); !errors.Is(err, pool.ErrInvalidAmount) {
		t.Errorf("zero burn: got %v, want ErrInvalidAmount", err)
	}
	if _, err := pool.RedeemShares(11, 10, 100); !errors.Is(err, pool.ErrInsufficientShares) {
		t.Errorf("over burn: got %v, want ErrInsufficientShares", err)
	}
}

// ============================================================================
// Test: ShareLedger bookkeeping
// ============================================================================

func TestShareLedger_ShareConservation(t *testing.T) {
	l := pool.NewShareLedger()
	alice := uuid.New()
	bob := uuid.New()

	if _, err := l.Mint(alice, usd(1000)); err != nil {
		t.Fatalf("mint alice: %v", err)
	}
	if _, err := l.Mint(bob, usd(400)); err != nil {
		t.Fatalf("mint bob: %v", err)
	}

	if l.SumPositionShares() != l.TotalShares() {
		t.Errorf("share conservation broken: sum=%d total=%d",
			l.SumPositionShares(), l.TotalShares())
	}

	alicePos, _ := l.Position(alice)
	if _, err := l.Redeem(alice, alicePos.Shares/2); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if l.SumPositionShares() != l.TotalShares() {
		t.Errorf("share conservation broken after redeem: sum=%d total=%d",
			l.SumPositionShares(), l.TotalShares())
	}
}

func TestShareLedger_FullRedemptionDrainsValue(t *testing.T) {
	l := pool.NewShareLedger()
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	deposits := []uint64{usd(1000), usd(333), usd(777)}

	for i, user := range users {
		if _, err := l.Mint(user, deposits[i]); err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
	}

	redemptions := 0
	for _, user := range users {
		pos, _ := l.Position(user)
		if pos.Shares == 0 {
			continue
		}
		if _, err := l.Redeem(user, pos.Shares); err != nil {
			t.Fatalf("redeem: %v", err)
		}
		redemptions++
	}

	// Value conservation: once every share is burned, the residual is the
	// first-depositor offset (which backs zero shares, at the final share
	// price) plus floor dust bounded by the number of redemptions.
	if l.TotalShares() != 0 {
		t.Errorf("shares not drained: %d", l.TotalShares())
	}
	residual := l.TotalValue()
	if residual >= usd(2) {
		t.Errorf("residual value %d exceeds offset-plus-dust bound", residual)
	}
}

func TestShareLedger_RedeemWithoutPosition(t *testing.T) {
	l := pool.NewShareLedger()
	if _, err := l.Redeem(uuid.New(), 10); !errors.Is(err, pool.ErrInsufficientShares) {
		t.Errorf("got %v, want ErrInsufficientShares", err)
	}
}

func TestShareLedger_ZeroBalancePositionPersists(t *testing.T) {
	l := pool.NewShareLedger()
	user := uuid.New()
	if _, err := l.Mint(user, usd(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	pos, _ := l.Position(user)
	if _, err := l.Redeem(user, pos.Shares); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	pos, ok := l.Position(user)
	if !ok {
		t.Fatal("position should persist after full redemption")
	}
	if pos.Shares != 0 {
		t.Errorf("shares: got %d, want 0", pos.Shares)
	}
	if pos.DepositedUSD != usd(100) {
		t.Errorf("deposit history: got %d, want %d", pos.DepositedUSD, usd(100))
	}
}
