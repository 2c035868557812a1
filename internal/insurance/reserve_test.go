package insurance

import "testing"

func TestAbsorbLoss_FullCoverage(t *testing.T) {
	r := NewReserve(1000, 1000)
	remaining, err := r.AbsorbLoss(400)
	if err != nil {
		t.Fatalf("absorb: %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining: got %d, want 0", remaining)
	}
	if r.Capacity() != 600 {
		t.Errorf("capacity: got %d, want 600", r.Capacity())
	}
}

func TestAbsorbLoss_PartialCoverage(t *testing.T) {
	r := NewReserve(300, 1000)
	remaining, err := r.AbsorbLoss(500)
	if err != nil {
		t.Fatalf("absorb: %v", err)
	}
	if remaining != 200 {
		t.Errorf("remaining: got %d, want 200", remaining)
	}
	if r.Capacity() != 0 {
		t.Errorf("capacity: got %d, want 0", r.Capacity())
	}
}

func TestNeedsReplenish(t *testing.T) {
	r := NewReserve(1000, 1000)
	if r.NeedsReplenish() {
		t.Error("at target, should not need replenish")
	}

	if _, err := r.AbsorbLoss(1); err != nil {
		t.Fatalf("absorb: %v", err)
	}
	if !r.NeedsReplenish() {
		t.Error("below target, should need replenish")
	}

	if err := r.DepositProfit(1); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if r.NeedsReplenish() {
		t.Error("back at target, should not need replenish")
	}
}
