package token

import (
	"testing"

	"cairnvm/numerics"
)

func TestIssuanceAndBalance(t *testing.T) {
	l := New()
	l.Issuance(1, numerics.DecFromU64(100))
	if got := l.Balance(1); got.String() != "100" {
		t.Fatalf("Balance = %s, want 100", got.String())
	}
}

func TestHoldReducesFreeBalance(t *testing.T) {
	l := New()
	l.Issuance(1, numerics.DecFromU64(100))

	id, err := l.Hold(1, numerics.DecFromU64(40))
	if err != nil {
		t.Fatal(err)
	}
	if got := l.Balance(1); got.String() != "60" {
		t.Fatalf("Balance after hold = %s, want 60", got.String())
	}
	rem, err := l.Remaining(id)
	if err != nil || rem.String() != "40" {
		t.Fatalf("Remaining = %s, %v, want 40", rem.String(), err)
	}
}

func TestHoldInsufficientBalance(t *testing.T) {
	l := New()
	l.Issuance(1, numerics.DecFromU64(10))
	if _, err := l.Hold(1, numerics.DecFromU64(11)); err == nil {
		t.Fatal("expected insufficient balance error")
	}
}

func TestBurnThenReleaseSettlesPartialGas(t *testing.T) {
	l := New()
	l.Issuance(1, numerics.DecFromU64(100))
	id, _ := l.Hold(1, numerics.DecFromU64(40))

	if err := l.Burn(id, numerics.DecFromU64(15)); err != nil {
		t.Fatal(err)
	}
	rem, _ := l.Remaining(id)
	if rem.String() != "25" {
		t.Fatalf("Remaining after burn = %s, want 25", rem.String())
	}

	if err := l.Release(id); err != nil {
		t.Fatal(err)
	}
	if got := l.Balance(1); got.String() != "85" {
		t.Fatalf("Balance after release = %s, want 85 (100 - 15 burned)", got.String())
	}
	if _, err := l.Remaining(id); err != ErrHoldNotFound {
		t.Fatalf("expected closed hold to be gone, got %v", err)
	}
}

func TestBurnExceedsHoldRejected(t *testing.T) {
	l := New()
	l.Issuance(1, numerics.DecFromU64(100))
	id, _ := l.Hold(1, numerics.DecFromU64(10))
	if err := l.Burn(id, numerics.DecFromU64(11)); err == nil {
		t.Fatal("expected burn exceeding hold to fail")
	}
}

func TestReleaseUnknownHold(t *testing.T) {
	l := New()
	if err := l.Release(HoldID(999)); err != ErrHoldNotFound {
		t.Fatalf("Release unknown hold = %v, want ErrHoldNotFound", err)
	}
}

func TestDoubleReleaseFails(t *testing.T) {
	l := New()
	l.Issuance(1, numerics.DecFromU64(100))
	id, _ := l.Hold(1, numerics.DecFromU64(10))
	if err := l.Release(id); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(id); err != ErrHoldNotFound {
		t.Fatalf("second Release = %v, want ErrHoldNotFound", err)
	}
}

func TestCheckpointAndRollbackToHeight(t *testing.T) {
	l := New()
	l.Issuance(1, numerics.DecFromU64(100))
	l.Checkpoint(0)

	l.Issuance(1, numerics.DecFromU64(50))
	id, _ := l.Hold(1, numerics.DecFromU64(20))
	l.Burn(id, numerics.DecFromU64(5))
	l.Release(id)
	l.Checkpoint(1)

	if got := l.Balance(1); got.String() != "145" {
		t.Fatalf("Balance before rollback = %s, want 145", got.String())
	}

	l.RollbackToHeight(0)
	if got := l.Balance(1); got.String() != "100" {
		t.Fatalf("Balance after rollback to height 0 = %s, want 100", got.String())
	}
}

func TestCheckpointOverwritesLaterSnapshotsOnReingest(t *testing.T) {
	l := New()
	l.Issuance(1, numerics.DecFromU64(100))
	l.Checkpoint(0)
	l.Issuance(1, numerics.DecFromU64(900))
	l.Checkpoint(1)

	// Simulate a reorg back to height 0 followed by re-ingesting a
	// different height 1.
	l.RollbackToHeight(0)
	l.Issuance(1, numerics.DecFromU64(5))
	l.Checkpoint(1)

	if got := l.Balance(1); got.String() != "105" {
		t.Fatalf("Balance after re-ingest = %s, want 105", got.String())
	}
	l.RollbackToHeight(0)
	if got := l.Balance(1); got.String() != "100" {
		t.Fatalf("Balance after second rollback = %s, want 100", got.String())
	}
}
