package core_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/pool"
)

func usd(n uint64) uint64 { return n * fpmath.ValueScale }

var testTime = time.UnixMicro(1_700_000_000_000_000)

// fakeValuation treats one raw unit as one fixed-point USD unit so test
// amounts read directly.
type fakeValuation struct {
	stale bool
}

func (v *fakeValuation) ToUSD(asset string, rawAmount uint64) (uint64, error) {
	if v.stale {
		return 0, pool.ErrStalePrice
	}
	return rawAmount, nil
}

func (v *fakeValuation) FromUSD(asset string, usdValue uint64) (uint64, error) {
	if v.stale {
		return 0, pool.ErrStalePrice
	}
	return usdValue, nil
}

type fakeCustody struct {
	movedIn  map[string]uint64
	movedOut map[string]uint64
	failOut  bool
}

func newFakeCustody() *fakeCustody {
	return &fakeCustody{movedIn: make(map[string]uint64), movedOut: make(map[string]uint64)}
}

func (c *fakeCustody) MoveIn(asset string, rawAmount uint64) error {
	c.movedIn[asset] += rawAmount
	return nil
}

func (c *fakeCustody) MoveOut(asset string, rawAmount uint64, recipient string) error {
	if c.failOut {
		return errors.New("custody down")
	}
	c.movedOut[asset] += rawAmount
	return nil
}

type fakeReserve struct {
	capacity    uint64
	deposited   uint64
	depleted    bool
	failDeposit bool
}

func (r *fakeReserve) DepositProfit(usdAmount uint64) error {
	if r.failDeposit {
		return errors.New("reserve unavailable")
	}
	r.capacity += usdAmount
	r.deposited += usdAmount
	return nil
}

func (r *fakeReserve) AbsorbLoss(usdAmount uint64) (uint64, error) {
	if r.capacity >= usdAmount {
		r.capacity -= usdAmount
		return 0, nil
	}
	remaining := usdAmount - r.capacity
	r.capacity = 0
	return remaining, nil
}

func (r *fakeReserve) NeedsReplenish() bool { return r.depleted }

type coreFixture struct {
	core      *core.PoolCore
	valuation *fakeValuation
	custody   *fakeCustody
	reserve   *fakeReserve
	persist   chan core.CoreOutput
	project   chan core.CoreOutput
}

func newFixture(t *testing.T) *coreFixture {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	project := make(chan core.CoreOutput, 1024)
	valuation := &fakeValuation{}
	custody := newFakeCustody()
	reserve := &fakeReserve{}
	c := core.NewPoolCore(0, persist, project, valuation, custody, reserve, nil, nil)
	return &coreFixture{core: c, valuation: valuation, custody: custody, reserve: reserve, persist: persist, project: project}
}

func (f *coreFixture) addAsset(t *testing.T, asset string, threshold uint64) {
	t.Helper()
	err := f.core.AddAsset(core.AddAssetRequest{
		RequestID:    uuid.New(),
		Asset:        asset,
		Decimals:     8,
		ThresholdUSD: threshold,
		Timestamp:    testTime,
	})
	if err != nil {
		t.Fatalf("add asset %s: %v", asset, err)
	}
}

func (f *coreFixture) deposit(t *testing.T, user uuid.UUID, asset string, raw uint64) core.DepositResult {
	t.Helper()
	result, err := f.core.Deposit(core.DepositRequest{
		DepositID: uuid.New(),
		UserID:    user,
		Asset:     asset,
		RawAmount: raw,
		Timestamp: testTime,
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return result
}

func (f *coreFixture) drainEvents() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-f.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

func eventTypes(outputs []core.CoreOutput) []event.EventType {
	types := make([]event.EventType, 0, len(outputs))
	for _, o := range outputs {
		types = append(types, o.Envelope.EventType)
	}
	return types
}

// Deposits accumulate until the asset threshold is reached, then a period
// opens with the pending lots drained FIFO into its contribution map.
func TestCore_ThresholdOpensPeriod(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	alice := uuid.New()
	bob := uuid.New()

	f.deposit(t, alice, "BTC", usd(600))
	if _, open := periodFor(f, "BTC"); open {
		t.Fatal("period should not open below threshold")
	}

	result := f.deposit(t, bob, "BTC", usd(700))
	if result.PeriodID != 0 {
		t.Errorf("bob's deposit should not have joined a period mid-flight")
	}

	snap, open := periodFor(f, "BTC")
	if !open {
		t.Fatal("period should open at threshold")
	}
	if snap.TotalAtStart != usd(1000) {
		t.Errorf("allocation: got %d, want %d", snap.TotalAtStart, usd(1000))
	}
	if snap.Contributions[alice.String()] != usd(600) {
		t.Errorf("alice contribution: got %d, want %d", snap.Contributions[alice.String()], usd(600))
	}
	if snap.Contributions[bob.String()] != usd(400) {
		t.Errorf("bob contribution: got %d, want %d", snap.Contributions[bob.String()], usd(400))
	}

	entries := f.core.GetAssetEntries()
	if len(entries) != 1 || entries[0].AvailableUSD != usd(300) {
		t.Errorf("available after sweep: got %+v", entries)
	}

	types := eventTypes(f.drainEvents())
	want := []event.EventType{
		event.EventTypeAssetAdded,
		event.EventTypeDepositAccepted,
		event.EventTypeDepositAccepted,
		event.EventTypePeriodOpened,
	}
	if len(types) != len(want) {
		t.Fatalf("event stream: got %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: got %v, want %v", i, types[i], want[i])
		}
	}
}

// A deposit made while a period is open folds into it directly.
func TestCore_DepositJoinsOpenPeriod(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	alice := uuid.New()
	carol := uuid.New()

	f.deposit(t, alice, "BTC", usd(1000))
	result := f.deposit(t, carol, "BTC", usd(250))
	if result.PeriodID != 1 {
		t.Fatalf("carol should have joined period 1, got %d", result.PeriodID)
	}

	snap, _ := periodFor(f, "BTC")
	if snap.TotalAtStart != usd(1250) {
		t.Errorf("total after fold-in: got %d, want %d", snap.TotalAtStart, usd(1250))
	}
	if snap.Contributions[carol.String()] != usd(250) {
		t.Errorf("carol contribution: got %d", snap.Contributions[carol.String()])
	}
}

// Profitable settlement: 10% to insurance, gross per-dollar factor, payout
// through custody, principal requeued for the next period.
func TestCore_ProfitSettlementAndClaim(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	alice := uuid.New()
	bob := uuid.New()
	f.deposit(t, alice, "BTC", usd(600))
	f.deposit(t, bob, "BTC", usd(400))

	outcome, err := f.core.ClosePeriod(core.ClosePeriodRequest{
		CloseID:        uuid.New(),
		Asset:          "BTC",
		PeriodID:       1,
		RealizedPnL:    int64(usd(100)),
		SourceSequence: -1,
		Timestamp:      testTime.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if outcome.InsuranceCut != usd(10) || outcome.DistributedUSD != usd(90) {
		t.Errorf("split: got (%d, %d), want (%d, %d)",
			outcome.InsuranceCut, outcome.DistributedUSD, usd(10), usd(90))
	}
	if outcome.ProfitPerDollar != 10_000_000 {
		t.Errorf("profit per dollar: got %d, want 10000000", outcome.ProfitPerDollar)
	}
	if f.reserve.deposited != usd(10) {
		t.Errorf("reserve deposit: got %d, want %d", f.reserve.deposited, usd(10))
	}

	// Principal requeued: a fresh threshold sweep reopens immediately.
	snap, open := periodFor(f, "BTC")
	if !open || snap.PeriodID != 2 {
		t.Fatalf("expected period 2 open after requeue, got %+v open=%v", snap, open)
	}

	claim, err := f.core.ClaimProfit(core.ClaimRequest{
		ClaimID:   uuid.New(),
		UserID:    alice,
		Asset:     "BTC",
		PeriodID:  1,
		Recipient: "addr-alice",
		Timestamp: testTime.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.ProfitUSD != usd(60) {
		t.Errorf("alice profit: got %d, want %d", claim.ProfitUSD, usd(60))
	}
	if f.custody.movedOut["BTC"] != usd(60) {
		t.Errorf("custody payout: got %d, want %d", f.custody.movedOut["BTC"], usd(60))
	}

	// Second claim for the same user is rejected.
	_, err = f.core.ClaimProfit(core.ClaimRequest{
		ClaimID:   uuid.New(),
		UserID:    alice,
		Asset:     "BTC",
		PeriodID:  1,
		Timestamp: testTime.Add(3 * time.Hour),
	})
	if !errors.Is(err, pool.ErrProfitAlreadyClaimed) {
		t.Errorf("second claim: got %v, want ErrProfitAlreadyClaimed", err)
	}
}

// Reinvested profit mints shares at the current share price.
func TestCore_ClaimReinvest(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	alice := uuid.New()
	f.deposit(t, alice, "BTC", usd(1000))

	if _, err := f.core.ClosePeriod(core.ClosePeriodRequest{
		CloseID:        uuid.New(),
		Asset:          "BTC",
		PeriodID:       1,
		RealizedPnL:    int64(usd(100)),
		SourceSequence: -1,
		Timestamp:      testTime,
	}); err != nil {
		t.Fatalf("close: %v", err)
	}

	before := f.core.GetPoolInfo()
	claim, err := f.core.ClaimProfit(core.ClaimRequest{
		ClaimID:   uuid.New(),
		UserID:    alice,
		Asset:     "BTC",
		PeriodID:  1,
		Reinvest:  true,
		Timestamp: testTime,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.SharesMinted == 0 {
		t.Error("reinvest should mint shares")
	}
	after := f.core.GetPoolInfo()
	if after.TotalValue != before.TotalValue+claim.ProfitUSD {
		t.Errorf("pool value: got %d, want %d", after.TotalValue, before.TotalValue+claim.ProfitUSD)
	}
	if f.custody.movedOut["BTC"] != 0 {
		t.Error("reinvest must not touch custody")
	}
}

// Loss partially covered by insurance: the reserve burns first, the pool
// absorbs the rest, and principal requeues net of each user's loss share.
func TestCore_LossSettlement(t *testing.T) {
	f := newFixture(t)
	f.reserve.capacity = usd(60)
	f.addAsset(t, "BTC", usd(1000))
	alice := uuid.New() // 25%
	bob := uuid.New()   // 75%
	f.deposit(t, alice, "BTC", usd(250))
	f.deposit(t, bob, "BTC", usd(750))
	valueBefore := f.core.GetPoolInfo().TotalValue

	outcome, err := f.core.ClosePeriod(core.ClosePeriodRequest{
		CloseID:        uuid.New(),
		Asset:          "BTC",
		PeriodID:       1,
		RealizedPnL:    -int64(usd(100)),
		SourceSequence: -1,
		Timestamp:      testTime,
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if outcome.CoveredLoss != usd(60) || outcome.UncoveredLoss != usd(40) {
		t.Errorf("coverage: got (%d, %d), want (%d, %d)",
			outcome.CoveredLoss, outcome.UncoveredLoss, usd(60), usd(40))
	}

	info := f.core.GetPoolInfo()
	if info.TotalValue != valueBefore-usd(40) {
		t.Errorf("pool value after loss: got %d, want %d", info.TotalValue, valueBefore-usd(40))
	}

	// Requeued principal: alice 250-10, bob 750-30. 960 < 1000 threshold,
	// so no new period opens.
	if _, open := periodFor(f, "BTC"); open {
		t.Error("no period should reopen below threshold")
	}
	entries := f.core.GetAssetEntries()
	if entries[0].AvailableUSD != usd(960) {
		t.Errorf("available: got %d, want %d", entries[0].AvailableUSD, usd(960))
	}
}

// First deposit at or below the share offset aborts with nothing mutated.
func TestCore_FirstDepositAtOffsetRejected(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	before := f.core.GetPoolInfo()
	f.drainEvents()

	_, err := f.core.Deposit(core.DepositRequest{
		DepositID: uuid.New(),
		UserID:    uuid.New(),
		Asset:     "BTC",
		RawAmount: pool.MinShareOffset,
		Timestamp: testTime,
	})
	if !errors.Is(err, pool.ErrInvalidAmount) {
		t.Fatalf("got %v, want ErrInvalidAmount", err)
	}

	after := f.core.GetPoolInfo()
	if after != before {
		t.Errorf("rejected deposit mutated state: %+v -> %+v", before, after)
	}
	if outputs := f.drainEvents(); len(outputs) != 0 {
		t.Errorf("rejected deposit emitted %d events", len(outputs))
	}
}

// A stale price aborts the whole deposit; nothing is booked.
func TestCore_StalePriceAbortsDeposit(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	f.valuation.stale = true

	_, err := f.core.Deposit(core.DepositRequest{
		DepositID: uuid.New(),
		UserID:    uuid.New(),
		Asset:     "BTC",
		RawAmount: usd(100),
		Timestamp: testTime,
	})
	if !errors.Is(err, pool.ErrStalePrice) {
		t.Fatalf("got %v, want ErrStalePrice", err)
	}
	if f.custody.movedIn["BTC"] != 0 {
		t.Error("custody must not move on a stale price")
	}
}

// The same deposit ID applied twice books once.
func TestCore_DuplicateDepositIgnored(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	req := core.DepositRequest{
		DepositID: uuid.New(),
		UserID:    uuid.New(),
		Asset:     "BTC",
		RawAmount: usd(100),
		Timestamp: testTime,
	}

	if _, err := f.core.Deposit(req); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	seq := f.core.GetSequence()

	if _, err := f.core.Deposit(req); err != nil {
		t.Fatalf("duplicate deposit: %v", err)
	}
	if f.core.GetSequence() != seq {
		t.Error("duplicate deposit advanced the sequence")
	}
	if f.custody.movedIn["BTC"] != usd(100) {
		t.Errorf("custody moved %d, want %d", f.custody.movedIn["BTC"], usd(100))
	}
}

// A close against an already settled period is rejected; replaying the
// same close ID is a dedup no-op.
func TestCore_CloseIdempotency(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	f.deposit(t, uuid.New(), "BTC", usd(1000))

	closeID := uuid.New()
	req := core.ClosePeriodRequest{
		CloseID:        closeID,
		Asset:          "BTC",
		PeriodID:       1,
		RealizedPnL:    int64(usd(50)),
		SourceSequence: -1,
		Timestamp:      testTime,
	}
	if _, err := f.core.ClosePeriod(req); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Same close ID: dedup, no error.
	if _, err := f.core.ClosePeriod(req); err != nil {
		t.Fatalf("duplicate close: %v", err)
	}

	// Different close ID against the settled period: rejected.
	req.CloseID = uuid.New()
	if _, err := f.core.ClosePeriod(req); !errors.Is(err, pool.ErrAlreadyClosed) {
		t.Errorf("got %v, want ErrAlreadyClosed", err)
	}
}

// A close that fails at the reserve leaves the period closed but unsettled,
// and retrying the identical close command resumes at settlement instead of
// deduping into a no-op. The retry reuses the same source sequence.
func TestCore_CloseRetryAfterReserveFailure(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	alice := uuid.New()
	f.deposit(t, alice, "BTC", usd(1000))

	f.reserve.failDeposit = true
	req := core.ClosePeriodRequest{
		CloseID:        uuid.New(),
		Asset:          "BTC",
		PeriodID:       1,
		RealizedPnL:    int64(usd(100)),
		SourceSequence: 0,
		Timestamp:      testTime.Add(time.Hour),
	}
	if _, err := f.core.ClosePeriod(req); !errors.Is(err, pool.ErrInsuranceUnavailable) {
		t.Fatalf("close with dead reserve: got %v, want ErrInsuranceUnavailable", err)
	}

	snap, ok := f.core.GetPeriod("BTC", 1)
	if !ok || pool.PeriodState(snap.State) != pool.PeriodClosed {
		t.Fatalf("period should stay closed awaiting settlement, got %+v", snap)
	}
	if _, err := f.core.ClaimProfit(core.ClaimRequest{
		ClaimID:   uuid.New(),
		UserID:    alice,
		Asset:     "BTC",
		PeriodID:  1,
		Timestamp: testTime.Add(time.Hour),
	}); !errors.Is(err, pool.ErrPeriodNotCompleted) {
		t.Fatalf("claim against stalled period: got %v, want ErrPeriodNotCompleted", err)
	}

	// Reserve recovers; the identical command settles the stalled period.
	f.reserve.failDeposit = false
	outcome, err := f.core.ClosePeriod(req)
	if err != nil {
		t.Fatalf("retry after reserve recovery: %v", err)
	}
	if outcome.InsuranceCut != usd(10) || outcome.DistributedUSD != usd(90) {
		t.Errorf("split: got (%d, %d), want (%d, %d)",
			outcome.InsuranceCut, outcome.DistributedUSD, usd(10), usd(90))
	}
	if f.reserve.deposited != usd(10) {
		t.Errorf("reserve deposit: got %d, want %d", f.reserve.deposited, usd(10))
	}

	if claim, err := f.core.ClaimProfit(core.ClaimRequest{
		ClaimID:   uuid.New(),
		UserID:    alice,
		Asset:     "BTC",
		PeriodID:  1,
		Recipient: "addr-alice",
		Timestamp: testTime.Add(2 * time.Hour),
	}); err != nil {
		t.Fatalf("claim after settled retry: %v", err)
	} else if claim.ProfitUSD != usd(100) {
		t.Errorf("claim profit: got %d, want %d", claim.ProfitUSD, usd(100))
	}

	// Only now is the close a duplicate: replaying it changes nothing.
	dup, err := f.core.ClosePeriod(req)
	if err != nil {
		t.Fatalf("replayed close: %v", err)
	}
	if dup.DistributedUSD != 0 || f.reserve.deposited != usd(10) {
		t.Errorf("replayed close applied again: %+v, reserve %d", dup, f.reserve.deposited)
	}

	// The committed cursor admits the next close in order.
	if _, err := f.core.ClosePeriod(core.ClosePeriodRequest{
		CloseID:        uuid.New(),
		Asset:          "BTC",
		PeriodID:       2,
		RealizedPnL:    0,
		SourceSequence: 1,
		Timestamp:      testTime.Add(3 * time.Hour),
	}); err != nil {
		t.Fatalf("next close in sequence: %v", err)
	}
}

// Full profit cycle: deposit, profitable settlement, payout claim, flat
// settlement, full withdrawal. Settlement proceeds enter custody at settle
// time, so the final withdrawal drains shares, pool value, raw balance, and
// custody to exactly zero.
func TestCore_ProfitCycleConservesValue(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	alice := uuid.New()
	f.deposit(t, alice, "BTC", usd(1000))

	if _, err := f.core.ClosePeriod(core.ClosePeriodRequest{
		CloseID:        uuid.New(),
		Asset:          "BTC",
		PeriodID:       1,
		RealizedPnL:    int64(usd(100)),
		SourceSequence: -1,
		Timestamp:      testTime.Add(time.Hour),
	}); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Distributed remainder (90) entered custody alongside the principal.
	if f.custody.movedIn["BTC"] != usd(1090) {
		t.Errorf("custody in: got %d, want %d", f.custody.movedIn["BTC"], usd(1090))
	}

	claim, err := f.core.ClaimProfit(core.ClaimRequest{
		ClaimID:   uuid.New(),
		UserID:    alice,
		Asset:     "BTC",
		PeriodID:  1,
		Recipient: "addr-alice",
		Timestamp: testTime.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.ProfitUSD != usd(100) || claim.RawPaid != usd(100) {
		t.Errorf("claim: got %+v, want profit and payout of %d", claim, usd(100))
	}

	// Period 2 reopened from the requeued principal; deactivate to stop
	// further sweeps, settle it flat, then exit completely.
	if err := f.core.Deactivate(core.DeactivateRequest{
		RequestID: uuid.New(),
		Reason:    "wind down",
		Timestamp: testTime.Add(3 * time.Hour),
	}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.core.ClosePeriod(core.ClosePeriodRequest{
		CloseID:        uuid.New(),
		Asset:          "BTC",
		PeriodID:       2,
		RealizedPnL:    0,
		SourceSequence: -1,
		Timestamp:      testTime.Add(4 * time.Hour),
	}); err != nil {
		t.Fatalf("flat close: %v", err)
	}

	pos, _ := f.core.GetUserPosition(alice)
	result, err := f.core.Withdraw(core.WithdrawRequest{
		WithdrawalID: uuid.New(),
		UserID:       alice,
		Asset:        "BTC",
		Shares:       pos.Shares,
		Recipient:    "addr-alice",
		Timestamp:    testTime.Add(5 * time.Hour),
	})
	if err != nil {
		t.Fatalf("full withdrawal: %v", err)
	}
	// Pool value is 990 after the insurance premium; all of it redeems.
	if result.USDValue != usd(990) {
		t.Errorf("redeemed: got %d, want %d", result.USDValue, usd(990))
	}

	info := f.core.GetPoolInfo()
	if info.TotalShares != 0 || info.TotalValue != 0 {
		t.Errorf("pool not drained: %+v", info)
	}
	entries := f.core.GetAssetEntries()
	if entries[0].RawBalance != 0 {
		t.Errorf("raw balance not drained: %d", entries[0].RawBalance)
	}
	if f.custody.movedOut["BTC"] != f.custody.movedIn["BTC"] {
		t.Errorf("custody leak: in %d, out %d", f.custody.movedIn["BTC"], f.custody.movedOut["BTC"])
	}
}

// The admin open-period command reports exactly why nothing opened.
func TestCore_OpenPeriodRejections(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	alice := uuid.New()

	f.deposit(t, alice, "BTC", usd(400))
	_, err := f.core.OpenPeriod(core.OpenPeriodRequest{
		RequestID: uuid.New(),
		Asset:     "BTC",
		Timestamp: testTime,
	})
	if !errors.Is(err, pool.ErrThresholdNotMet) {
		t.Errorf("below threshold: got %v, want ErrThresholdNotMet", err)
	}

	f.deposit(t, alice, "BTC", usd(600)) // sweep opens period 1
	_, err = f.core.OpenPeriod(core.OpenPeriodRequest{
		RequestID: uuid.New(),
		Asset:     "BTC",
		Timestamp: testTime,
	})
	if !errors.Is(err, pool.ErrAssetInUse) {
		t.Errorf("with open period: got %v, want ErrAssetInUse", err)
	}

	_, err = f.core.OpenPeriod(core.OpenPeriodRequest{
		RequestID: uuid.New(),
		Asset:     "DOGE",
		Timestamp: testTime,
	})
	if !errors.Is(err, pool.ErrUnsupportedAsset) {
		t.Errorf("unknown asset: got %v, want ErrUnsupportedAsset", err)
	}
}

// After a settlement stall the implicit sweep never fires, leaving funds
// above the threshold with no open period; the admin command restarts the
// cycle from the pending queue.
func TestCore_OpenPeriodAfterSettlementStall(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	alice := uuid.New()
	f.deposit(t, alice, "BTC", usd(2500)) // period 1 opens with 1000, 1500 stays pending

	f.reserve.failDeposit = true
	if _, err := f.core.ClosePeriod(core.ClosePeriodRequest{
		CloseID:        uuid.New(),
		Asset:          "BTC",
		PeriodID:       1,
		RealizedPnL:    int64(usd(100)),
		SourceSequence: -1,
		Timestamp:      testTime.Add(time.Hour),
	}); !errors.Is(err, pool.ErrInsuranceUnavailable) {
		t.Fatalf("stalled close: got %v, want ErrInsuranceUnavailable", err)
	}
	if _, open := periodFor(f, "BTC"); open {
		t.Fatal("no period should be open while settlement is stalled")
	}

	periodID, err := f.core.OpenPeriod(core.OpenPeriodRequest{
		RequestID: uuid.New(),
		Asset:     "BTC",
		Timestamp: testTime.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("open period: %v", err)
	}
	if periodID != 2 {
		t.Errorf("period id: got %d, want 2", periodID)
	}
	snap, open := periodFor(f, "BTC")
	if !open || snap.TotalAtStart != usd(1000) {
		t.Errorf("opened period: got %+v open=%v", snap, open)
	}
	entries := f.core.GetAssetEntries()
	if entries[0].AvailableUSD != usd(500) {
		t.Errorf("available after sweep: got %d, want %d", entries[0].AvailableUSD, usd(500))
	}
}

// Withdrawal burns shares at current value, pays custody, and reduces the
// user's queued lots so withdrawn funds skip the next period.
func TestCore_Withdraw(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(5000))
	alice := uuid.New()
	f.deposit(t, alice, "BTC", usd(1000))

	pos, _ := f.core.GetUserPosition(alice)
	result, err := f.core.Withdraw(core.WithdrawRequest{
		WithdrawalID: uuid.New(),
		UserID:       alice,
		Asset:        "BTC",
		Shares:       pos.Shares / 2,
		Recipient:    "addr-alice",
		Timestamp:    testTime,
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if result.USDValue == 0 || result.RawAmount != result.USDValue {
		t.Errorf("payout: %+v", result)
	}
	if f.custody.movedOut["BTC"] != result.RawAmount {
		t.Errorf("custody: got %d, want %d", f.custody.movedOut["BTC"], result.RawAmount)
	}

	entries := f.core.GetAssetEntries()
	if entries[0].AvailableUSD != usd(1000)-result.USDValue {
		t.Errorf("available: got %d, want %d", entries[0].AvailableUSD, usd(1000)-result.USDValue)
	}
}

// Value locked in an open period cannot be withdrawn.
func TestCore_WithdrawLockedInPeriod(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	alice := uuid.New()
	f.deposit(t, alice, "BTC", usd(1000)) // all swept into period 1

	pos, _ := f.core.GetUserPosition(alice)
	_, err := f.core.Withdraw(core.WithdrawRequest{
		WithdrawalID: uuid.New(),
		UserID:       alice,
		Asset:        "BTC",
		Shares:       pos.Shares,
		Timestamp:    testTime,
	})
	if !errors.Is(err, pool.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

// Deactivation stops deposits and period opens; withdrawals still work.
func TestCore_Deactivate(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(5000))
	alice := uuid.New()
	f.deposit(t, alice, "BTC", usd(1000))

	if err := f.core.Deactivate(core.DeactivateRequest{
		RequestID: uuid.New(),
		Reason:    "maintenance",
		Timestamp: testTime,
	}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	_, err := f.core.Deposit(core.DepositRequest{
		DepositID: uuid.New(),
		UserID:    uuid.New(),
		Asset:     "BTC",
		RawAmount: usd(100),
		Timestamp: testTime,
	})
	if !errors.Is(err, pool.ErrPoolInactive) {
		t.Errorf("deposit on inactive pool: got %v, want ErrPoolInactive", err)
	}

	pos, _ := f.core.GetUserPosition(alice)
	if _, err := f.core.Withdraw(core.WithdrawRequest{
		WithdrawalID: uuid.New(),
		UserID:       alice,
		Asset:        "BTC",
		Shares:       pos.Shares / 4,
		Timestamp:    testTime,
	}); err != nil {
		t.Errorf("withdraw on inactive pool: %v", err)
	}
}

// Replaying the persisted event stream into a fresh core reproduces the
// exact state hash chain.
func TestCore_ReplayReproducesStateHash(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	alice := uuid.New()
	bob := uuid.New()
	f.deposit(t, alice, "BTC", usd(600))
	f.deposit(t, bob, "BTC", usd(700))
	if _, err := f.core.ClosePeriod(core.ClosePeriodRequest{
		CloseID:        uuid.New(),
		Asset:          "BTC",
		PeriodID:       1,
		RealizedPnL:    int64(usd(100)),
		SourceSequence: -1,
		Timestamp:      testTime,
	}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.core.ClaimProfit(core.ClaimRequest{
		ClaimID:   uuid.New(),
		UserID:    alice,
		Asset:     "BTC",
		PeriodID:  1,
		Reinvest:  true,
		Timestamp: testTime,
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.core.ClaimProfit(core.ClaimRequest{
		ClaimID:   uuid.New(),
		UserID:    bob,
		Asset:     "BTC",
		PeriodID:  1,
		Recipient: "addr-bob",
		Timestamp: testTime,
	}); err != nil {
		t.Fatalf("payout claim: %v", err)
	}

	outputs := f.drainEvents()

	replayPersist := make(chan core.CoreOutput, 1024)
	replayProject := make(chan core.CoreOutput, 1024)
	replayCore := core.NewPoolCore(0, replayPersist, replayProject, &fakeValuation{}, newFakeCustody(), &fakeReserve{}, nil, nil)

	for _, output := range outputs {
		if err := replayCore.ReplayEvent(output.Envelope, output.Event); err != nil {
			t.Fatalf("replay %s: %v", output.Envelope.EventType, err)
		}
	}

	if replayCore.GetStateHash() != f.core.GetStateHash() {
		t.Error("replayed state hash diverged")
	}
	if replayCore.GetSequence() != f.core.GetSequence() {
		t.Errorf("sequence: got %d, want %d", replayCore.GetSequence(), f.core.GetSequence())
	}
	orig := f.core.GetPoolInfo()
	replayed := replayCore.GetPoolInfo()
	if orig != replayed {
		t.Errorf("pool info diverged: %+v vs %+v", orig, replayed)
	}
}

// Snapshot and restore round-trips the full in-memory state.
func TestCore_SnapshotRestore(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "BTC", usd(1000))
	alice := uuid.New()
	f.deposit(t, alice, "BTC", usd(600))

	snap := f.core.CreateSnapshotState()

	restored := core.NewPoolCore(0, make(chan core.CoreOutput, 16), make(chan core.CoreOutput, 16),
		&fakeValuation{}, newFakeCustody(), &fakeReserve{}, nil, nil)
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.GetPoolInfo() != f.core.GetPoolInfo() {
		t.Errorf("pool info: %+v vs %+v", restored.GetPoolInfo(), f.core.GetPoolInfo())
	}
	if restored.GetStateHash() != f.core.GetStateHash() {
		t.Error("state hash diverged after restore")
	}
	pos, ok := restored.GetUserPosition(alice)
	if !ok || pos.Shares == 0 {
		t.Errorf("alice position missing after restore: %+v", pos)
	}
}

func periodFor(f *coreFixture, asset string) (pool.PeriodSnapshot, bool) {
	for id := uint64(1); ; id++ {
		snap, ok := f.core.GetPeriod(asset, id)
		if !ok {
			return pool.PeriodSnapshot{}, false
		}
		if pool.PeriodState(snap.State) == pool.PeriodOpen {
			return snap, true
		}
	}
}
