// Package tiered holds the denomination tiers of the mint and
// containers keyed by tier.
package tiered

import (
	"fmt"
	"sort"
)

// Amount is a value in the mint's base unit.
type Amount uint64

// InvalidAmountTierError is returned when an amount cannot be expressed
// exactly in the available tiers, or a tier is not part of the set.
type InvalidAmountTierError struct {
	Amount    Amount // Amount is the requested amount or the unknown tier
	Remainder Amount // Remainder is what was left after greedy decomposition
}

func (e *InvalidAmountTierError) Error() string {
	if e.Remainder == 0 {
		return fmt.Sprintf("unknown amount tier %d", e.Amount)
	}

	return fmt.Sprintf("amount %d cannot be expressed in tiers (remainder %d)", e.Amount, e.Remainder)
}

// Tiers is the ascending set of denominations known to every peer.
type Tiers []Amount

// NewTiers sorts and validates a tier list.
func NewTiers(amounts ...Amount) (Tiers, error) {
	if len(amounts) == 0 {
		return nil, fmt.Errorf("at least one tier is required")
	}

	t := make(Tiers, len(amounts))
	copy(t, amounts)
	sort.Slice(t, func(i, j int) bool { return t[i] < t[j] })

	if t[0] == 0 {
		return nil, fmt.Errorf("tier 0 is not allowed")
	}

	for i := 1; i < len(t); i++ {
		if t[i] == t[i-1] {
			return nil, fmt.Errorf("duplicate tier %d", t[i])
		}
	}

	return t, nil
}

// PowerOfTwoTiers returns the tiers 1, 2, 4, ... 2^(n-1).
func PowerOfTwoTiers(n int) Tiers {
	t := make(Tiers, n)
	for i := range t {
		t[i] = Amount(1) << i
	}

	return t
}

// Contains reports whether tier is part of the set.
func (t Tiers) Contains(tier Amount) bool {
	i := sort.Search(len(t), func(i int) bool { return t[i] >= tier })
	return i < len(t) && t[i] == tier
}

// Check returns an InvalidAmountTierError for unknown tiers.
func (t Tiers) Check(tier Amount) error {
	if !t.Contains(tier) {
		return &InvalidAmountTierError{Amount: tier}
	}

	return nil
}

// Decompose expresses amount as a multiset of tiers, always taking
// the largest tier that still fits. Every peer derives the same result.
func (t Tiers) Decompose(amount Amount) (Counts, error) {
	counts := make(Counts)
	remaining := amount

	for i := len(t) - 1; i >= 0 && remaining > 0; i-- {
		tier := t[i]
		if tier > remaining {
			continue
		}

		n := remaining / tier
		counts[tier] = int(n)
		remaining -= n * tier
	}

	if remaining != 0 {
		return nil, &InvalidAmountTierError{Amount: amount, Remainder: remaining}
	}

	return counts, nil
}

// Counts is a multiset of tiers: tier -> number of occurrences.
type Counts map[Amount]int

// Total returns the sum of all tiers in the multiset.
func (c Counts) Total() Amount {
	var total Amount
	for tier, n := range c {
		total += tier * Amount(n)
	}

	return total
}

// Len returns the number of elements counting repetitions.
func (c Counts) Len() int {
	var n int
	for _, k := range c {
		n += k
	}

	return n
}

// Equal reports whether both multisets hold the same tiers with the same counts.
// Entries with a zero count are ignored.
func (c Counts) Equal(other Counts) bool {
	for tier, n := range c {
		if n != 0 && other[tier] != n {
			return false
		}
	}

	for tier, n := range other {
		if n != 0 && c[tier] != n {
			return false
		}
	}

	return true
}

// Sorted returns the multiset as a descending list with repetitions,
// e.g. {20:1, 2:1, 1:1} -> [20 2 1].
func (c Counts) Sorted() []Amount {
	tiers := sortedKeys(c)
	out := make([]Amount, 0, c.Len())

	for i := len(tiers) - 1; i >= 0; i-- {
		for k := 0; k < c[tiers[i]]; k++ {
			out = append(out, tiers[i])
		}
	}

	return out
}

// sortedKeys returns the keys of a tier map in ascending order.
func sortedKeys[T any](m map[Amount]T) []Amount {
	keys := make([]Amount, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return keys
}
