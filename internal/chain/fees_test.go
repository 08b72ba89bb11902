package chain

import (
	"math/big"
	"testing"
)

func TestNextFeesFirstAttemptUnchanged(t *testing.T) {
	priority, maxFee := NextFees(0, big.NewInt(1_000_000_000), big.NewInt(20_000_000_000), 0.2)
	if priority.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("expected base priority fee unchanged, got %s", priority)
	}
	if maxFee.Cmp(big.NewInt(20_000_000_000)) != 0 {
		t.Fatalf("expected base gas price unchanged, got %s", maxFee)
	}
}

func TestNextFeesEscalatesCompoundingly(t *testing.T) {
	base := big.NewInt(1_000_000_000)
	gasPrice := big.NewInt(1_000_000_000)

	first, _ := NextFees(1, base, gasPrice, 0.1)
	second, _ := NextFees(2, base, gasPrice, 0.1)

	if first.Cmp(base) <= 0 {
		t.Fatalf("expected attempt 1 to exceed base fee, got %s vs %s", first, base)
	}
	if second.Cmp(first) <= 0 {
		t.Fatalf("expected attempt 2 to exceed attempt 1, got %s vs %s", second, first)
	}
}
