package peer

import "testing"

// TestThreshold checks quorum arithmetic for common federation sizes.
func TestThreshold(t *testing.T) {
	cases := []struct {
		n, faulty, threshold int
	}{
		{1, 0, 1},
		{3, 0, 3},
		{4, 1, 3},
		{7, 2, 5},
		{10, 3, 7},
	}

	for _, c := range cases {
		if got := MaxFaulty(c.n); got != c.faulty {
			t.Errorf("MaxFaulty(%d): got %d, want %d", c.n, got, c.faulty)
		}

		if got := Threshold(c.n); got != c.threshold {
			t.Errorf("Threshold(%d): got %d, want %d", c.n, got, c.threshold)
		}
	}
}

// TestSet tests set construction and membership.
func TestSet(t *testing.T) {
	s, err := NewSet(3, 0, 2)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}

	if s[0] != 0 || s[1] != 2 || s[2] != 3 {
		t.Errorf("set not sorted: %v", s)
	}

	if !s.Contains(2) || s.Contains(1) {
		t.Error("membership mismatch")
	}

	if _, err := NewSet(1, 1); err == nil {
		t.Error("duplicate ids should be rejected")
	}

	if ID(0).Index() != 1 {
		t.Error("index of peer 0 must be 1")
	}
}
