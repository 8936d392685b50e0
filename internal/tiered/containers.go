package tiered

// Tiered maps each tier to a single value, e.g. one key per tier.
type Tiered[T any] map[Amount]T

// Tiers returns the keys in ascending order.
func (t Tiered[T]) Tiers() Tiers {
	return Tiers(sortedKeys(t))
}

// Each calls fn for every entry in ascending tier order.
// Iteration stops at the first error.
func (t Tiered[T]) Each(fn func(tier Amount, v T) error) error {
	for _, tier := range sortedKeys(t) {
		if err := fn(tier, t[tier]); err != nil {
			return err
		}
	}

	return nil
}

// Multi maps each tier to an ordered list of values, e.g. the tokens of a request.
type Multi[T any] map[Amount][]T

// Add appends v under tier.
func (m Multi[T]) Add(tier Amount, v T) {
	m[tier] = append(m[tier], v)
}

// Counts returns how many values each tier holds.
func (m Multi[T]) Counts() Counts {
	c := make(Counts, len(m))
	for tier, vs := range m {
		if len(vs) > 0 {
			c[tier] = len(vs)
		}
	}

	return c
}

// Len returns the total number of values.
func (m Multi[T]) Len() int {
	var n int
	for _, vs := range m {
		n += len(vs)
	}

	return n
}

// Total returns the summed value of all entries.
func (m Multi[T]) Total() Amount {
	return m.Counts().Total()
}

// Tiers returns the tiers present, ascending.
func (m Multi[T]) Tiers() Tiers {
	return Tiers(sortedKeys(m))
}

// Each calls fn for every value in ascending tier order, preserving the
// order within a tier. Iteration stops at the first error.
func (m Multi[T]) Each(fn func(tier Amount, idx int, v T) error) error {
	for _, tier := range sortedKeys(m) {
		for i, v := range m[tier] {
			if err := fn(tier, i, v); err != nil {
				return err
			}
		}
	}

	return nil
}

// SameShape reports whether both containers hold the same number of values per tier.
func SameShape[A, B any](a Multi[A], b Multi[B]) bool {
	return a.Counts().Equal(b.Counts())
}
