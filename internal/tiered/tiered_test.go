package tiered

import (
	"errors"
	"reflect"
	"testing"
)

// TestDecomposeExamples tests the greedy decomposition on fixed tiers.
func TestDecomposeExamples(t *testing.T) {
	tiers, err := NewTiers(1, 2, 5, 10, 20)
	if err != nil {
		t.Fatalf("new tiers: %v", err)
	}

	got, err := tiers.Decompose(23)
	if err != nil {
		t.Fatalf("decompose 23: %v", err)
	}

	want := []Amount{20, 2, 1}
	if !reflect.DeepEqual(got.Sorted(), want) {
		t.Errorf("decompose 23: got %v, want %v", got.Sorted(), want)
	}

	zero, err := tiers.Decompose(0)
	if err != nil {
		t.Fatalf("decompose 0: %v", err)
	}

	if zero.Len() != 0 {
		t.Errorf("decompose 0 should be empty, got %v", zero)
	}
}

// TestDecomposeImpossible tests that a missing unit tier is reported.
func TestDecomposeImpossible(t *testing.T) {
	tiers, _ := NewTiers(2, 5)

	_, err := tiers.Decompose(3)

	var tierErr *InvalidAmountTierError
	if !errors.As(err, &tierErr) {
		t.Fatalf("expected InvalidAmountTierError, got %v", err)
	}

	if tierErr.Amount != 3 || tierErr.Remainder != 1 {
		t.Errorf("unexpected error fields: %+v", tierErr)
	}
}

// TestDecomposeSumsAndIsDeterministic checks every representable amount.
func TestDecomposeSumsAndIsDeterministic(t *testing.T) {
	tiers := PowerOfTwoTiers(10)

	for amount := Amount(0); amount < 1024; amount++ {
		first, err := tiers.Decompose(amount)
		if err != nil {
			t.Fatalf("decompose %d: %v", amount, err)
		}

		if first.Total() != amount {
			t.Fatalf("decompose %d sums to %d", amount, first.Total())
		}

		second, _ := tiers.Decompose(amount)
		if !first.Equal(second) {
			t.Fatalf("decompose %d not deterministic: %v vs %v", amount, first, second)
		}
	}
}

// TestNewTiersValidation tests rejected tier sets.
func TestNewTiersValidation(t *testing.T) {
	if _, err := NewTiers(); err == nil {
		t.Error("empty tiers should fail")
	}

	if _, err := NewTiers(0, 1); err == nil {
		t.Error("zero tier should fail")
	}

	if _, err := NewTiers(1, 2, 2); err == nil {
		t.Error("duplicate tier should fail")
	}

	tiers, _ := NewTiers(10, 1, 5)
	if tiers.Check(5) != nil || tiers.Check(3) == nil {
		t.Error("tier check mismatch")
	}
}

// TestMultiIteration tests deterministic iteration over a Multi.
func TestMultiIteration(t *testing.T) {
	m := make(Multi[string])
	m.Add(4, "c")
	m.Add(1, "a")
	m.Add(4, "d")
	m.Add(2, "b")

	var order []string
	_ = m.Each(func(tier Amount, idx int, v string) error {
		order = append(order, v)
		return nil
	})

	if !reflect.DeepEqual(order, []string{"a", "b", "c", "d"}) {
		t.Errorf("iteration order: %v", order)
	}

	if m.Total() != 11 || m.Len() != 4 {
		t.Errorf("total %d len %d", m.Total(), m.Len())
	}

	other := Multi[int]{1: {0}, 2: {0}, 4: {0, 0}}
	if !SameShape(m, other) {
		t.Error("shapes should match")
	}
}
