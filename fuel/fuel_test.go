package fuel

import "testing"

func TestGaugeConsumeAndRemaining(t *testing.T) {
	g := NewGauge(DefaultCosts, 10)
	if err := g.Consume(4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Remaining() != 6 {
		t.Fatalf("Remaining = %d, want 6", g.Remaining())
	}
	if g.Spent() != 4 {
		t.Fatalf("Spent = %d, want 4", g.Spent())
	}
}

func TestGaugeOutOfFuel(t *testing.T) {
	g := NewGauge(DefaultCosts, 3)
	if err := g.Consume(10); err == nil {
		t.Fatal("expected out of fuel error")
	}
	if g.Remaining() != 0 {
		t.Fatalf("Remaining after OOF = %d, want 0", g.Remaining())
	}
}

func TestGasFromFuelRoundsUpAndMinsOne(t *testing.T) {
	cases := []struct {
		start, end, perGas uint64
		want                uint64
	}{
		{100, 90, 5, 2},  // 10 fuel / 5 = exactly 2
		{100, 99, 5, 1},  // 1 fuel / 5 -> rounds up to 1
		{100, 100, 5, 1}, // zero fuel spent still charges minimum 1
		{1000, 0, 7, 143},
	}
	for _, c := range cases {
		got := GasFromFuel(c.start, c.end, c.perGas)
		if got != c.want {
			t.Fatalf("GasFromFuel(%d,%d,%d) = %d, want %d", c.start, c.end, c.perGas, got, c.want)
		}
	}
}

func TestStorageSetCostScalesWithLengths(t *testing.T) {
	g := NewGauge(DefaultCosts, 1000)
	small := g.CostStorageSet(1, 1)
	large := g.CostStorageSet(100, 1)
	if large <= small {
		t.Fatalf("expected cost to grow with value length: small=%d large=%d", small, large)
	}
}
