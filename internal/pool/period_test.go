package pool_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"PoolLedger/internal/pool"
)

const testNow = int64(1_700_000_000_000_000)

func TestPeriodManager_OpenAssignsMonotonicIDs(t *testing.T) {
	pm := pool.NewPeriodManager()
	user := uuid.New()

	p1, err := pm.OpenPeriod("BTC", usd(1000), map[uuid.UUID]uint64{user: usd(1000)}, testNow)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if p1.PeriodID != 1 {
		t.Errorf("first period ID: got %d, want 1", p1.PeriodID)
	}

	if _, err := pm.ClosePeriod("BTC", 1, 0, testNow+1); err != nil {
		t.Fatalf("close: %v", err)
	}

	p2, err := pm.OpenPeriod("BTC", usd(1000), map[uuid.UUID]uint64{user: usd(1000)}, testNow+2)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	if p2.PeriodID != 2 {
		t.Errorf("second period ID: got %d, want 2", p2.PeriodID)
	}
}

func TestPeriodManager_OneOpenPerAsset(t *testing.T) {
	pm := pool.NewPeriodManager()
	user := uuid.New()

	if _, err := pm.OpenPeriod("BTC", usd(1000), map[uuid.UUID]uint64{user: usd(1000)}, testNow); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := pm.OpenPeriod("BTC", usd(1000), nil, testNow); err == nil {
		t.Error("second open for same asset should fail")
	}

	// A different asset can open concurrently.
	if _, err := pm.OpenPeriod("ETH", usd(500), map[uuid.UUID]uint64{user: usd(500)}, testNow); err != nil {
		t.Errorf("open ETH: %v", err)
	}
}

func TestPeriodManager_LateContributionFoldsIn(t *testing.T) {
	pm := pool.NewPeriodManager()
	alice := uuid.New()
	bob := uuid.New()

	period, err := pm.OpenPeriod("BTC", usd(1000), map[uuid.UUID]uint64{alice: usd(1000)}, testNow)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := pm.RecordContribution("BTC", bob, usd(250)); err != nil {
		t.Fatalf("record: %v", err)
	}

	if period.TotalAtStart != usd(1250) {
		t.Errorf("total: got %d, want %d", period.TotalAtStart, usd(1250))
	}
	if period.SumContributions() != period.TotalAtStart {
		t.Errorf("contribution completeness broken: sum=%d total=%d",
			period.SumContributions(), period.TotalAtStart)
	}
}

func TestPeriodManager_ContributionWithoutOpenPeriod(t *testing.T) {
	pm := pool.NewPeriodManager()
	err := pm.RecordContribution("BTC", uuid.New(), usd(10))
	if !errors.Is(err, pool.ErrNoActiveTradingPeriod) {
		t.Errorf("got %v, want ErrNoActiveTradingPeriod", err)
	}
}

func TestPeriodManager_CloseOnlyOnce(t *testing.T) {
	pm := pool.NewPeriodManager()
	user := uuid.New()

	if _, err := pm.OpenPeriod("BTC", usd(1000), map[uuid.UUID]uint64{user: usd(1000)}, testNow); err != nil {
		t.Fatalf("open: %v", err)
	}

	period, err := pm.ClosePeriod("BTC", 1, 100, testNow+1)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if period.State != pool.PeriodClosed {
		t.Errorf("state: got %v, want closed", period.State)
	}
	if period.EndTime != testNow+1 {
		t.Errorf("end time: got %d, want %d", period.EndTime, testNow+1)
	}

	if _, err := pm.ClosePeriod("BTC", 1, 100, testNow+2); !errors.Is(err, pool.ErrAlreadyClosed) {
		t.Errorf("retry: got %v, want ErrAlreadyClosed", err)
	}
}

func TestPeriodManager_CloseRejectsLossBeyondAllocation(t *testing.T) {
	pm := pool.NewPeriodManager()
	user := uuid.New()

	if _, err := pm.OpenPeriod("BTC", usd(1000), map[uuid.UUID]uint64{user: usd(1000)}, testNow); err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err := pm.ClosePeriod("BTC", 1, -int64(usd(1001)), testNow+1)
	if !errors.Is(err, pool.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestPeriodManager_UnknownPeriod(t *testing.T) {
	pm := pool.NewPeriodManager()
	if _, err := pm.ClosePeriod("BTC", 7, 0, testNow); !errors.Is(err, pool.ErrNoActiveTradingPeriod) {
		t.Errorf("got %v, want ErrNoActiveTradingPeriod", err)
	}
}

func TestPeriodManager_ContinuousPeriods(t *testing.T) {
	// A new period may open while an older closed-but-unsettled period for
	// the same asset still exists.
	pm := pool.NewPeriodManager()
	user := uuid.New()

	if _, err := pm.OpenPeriod("BTC", usd(1000), map[uuid.UUID]uint64{user: usd(1000)}, testNow); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := pm.ClosePeriod("BTC", 1, 50, testNow+1); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := pm.OpenPeriod("BTC", usd(1000), map[uuid.UUID]uint64{user: usd(1000)}, testNow+2); err != nil {
		t.Fatalf("open while unsettled: %v", err)
	}

	if !pm.HasUnsettled("BTC") {
		t.Error("period 1 should count as unsettled")
	}
}

func TestPeriodManager_ArchiveSweepsFullyClaimed(t *testing.T) {
	pm := pool.NewPeriodManager()
	se := pool.NewSettlementEngine(pool.NewInsuranceCoordinator(&fakeReserve{}))
	user := uuid.New()

	if _, err := pm.OpenPeriod("BTC", usd(1000), map[uuid.UUID]uint64{user: usd(1000)}, testNow); err != nil {
		t.Fatalf("open: %v", err)
	}
	period, err := pm.ClosePeriod("BTC", 1, int64(usd(100)), testNow+1)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := se.Settle(pm, period); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// Not archivable until every contributor has claimed.
	if removed := pm.Archive(); len(removed) != 0 {
		t.Errorf("premature archive: %v", removed)
	}

	if _, err := se.Claim(period, user); err != nil {
		t.Fatalf("claim: %v", err)
	}

	removed := pm.Archive()
	if len(removed) != 1 || removed[0] != (pool.PeriodKey{Asset: "BTC", PeriodID: 1}) {
		t.Errorf("archive: got %v", removed)
	}
	if pm.ResidentCount() != 0 {
		t.Errorf("resident: got %d, want 0", pm.ResidentCount())
	}
	if pm.ArchivedCount() != 1 {
		t.Errorf("archived: got %d, want 1", pm.ArchivedCount())
	}

	// IDs keep advancing after archival.
	p2, err := pm.OpenPeriod("BTC", usd(1000), map[uuid.UUID]uint64{user: usd(1000)}, testNow+3)
	if err != nil {
		t.Fatalf("open after archive: %v", err)
	}
	if p2.PeriodID != 2 {
		t.Errorf("period ID after archive: got %d, want 2", p2.PeriodID)
	}
}

func TestPeriodManager_SnapshotRoundTrip(t *testing.T) {
	pm := pool.NewPeriodManager()
	alice := uuid.New()
	bob := uuid.New()

	if _, err := pm.OpenPeriod("BTC", usd(1000), map[uuid.UUID]uint64{alice: usd(600), bob: usd(400)}, testNow); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := pm.ClosePeriod("BTC", 1, int64(usd(100)), testNow+1); err != nil {
		t.Fatalf("close: %v", err)
	}

	snaps := pm.Snapshot()
	restored := pool.NewPeriodManager()
	for _, snap := range snaps {
		if err := restored.Restore(snap); err != nil {
			t.Fatalf("restore: %v", err)
		}
	}

	period, ok := restored.Period("BTC", 1)
	if !ok {
		t.Fatal("restored period missing")
	}
	if period.State != pool.PeriodClosed {
		t.Errorf("state: got %v, want closed", period.State)
	}
	if c, _ := period.Contribution(alice); c != usd(600) {
		t.Errorf("alice contribution: got %d, want %d", c, usd(600))
	}
	if period.SumContributions() != period.TotalAtStart {
		t.Error("contribution completeness broken after restore")
	}
}
