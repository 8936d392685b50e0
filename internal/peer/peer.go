// Package peer identifies federation members and computes the quorum sizes
// that tolerate up to a third of them being faulty.
package peer

import (
	"fmt"
	"sort"
	"strconv"
)

// ID identifies a federation member. IDs are assigned at setup and never change.
type ID uint16

// String returns the decimal form of the id.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Index returns the Shamir evaluation point of the peer.
// It is id+1 so that no peer ever evaluates the polynomial at zero.
func (id ID) Index() uint64 {
	return uint64(id) + 1
}

// Set is a sorted, duplicate-free list of peer ids.
type Set []ID

// NewSet builds a Set from ids, rejecting duplicates.
func NewSet(ids ...ID) (Set, error) {
	s := make(Set, len(ids))
	copy(s, ids)

	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })

	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1] {
			return nil, fmt.Errorf("duplicate peer id %d", s[i])
		}
	}

	return s, nil
}

// Range returns the set {0, 1, ..., n-1}.
func Range(n int) Set {
	s := make(Set, n)
	for i := range s {
		s[i] = ID(i)
	}

	return s
}

// Len returns the number of peers.
func (s Set) Len() int {
	return len(s)
}

// Contains reports whether id is a member of the set.
func (s Set) Contains(id ID) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= id })
	return i < len(s) && s[i] == id
}

// MaxFaulty returns the number of byzantine peers a federation of n tolerates.
func MaxFaulty(n int) int {
	if n <= 0 {
		return 0
	}

	return (n - 1) / 3
}

// Threshold returns the number of signature shares needed to combine.
// For n = 3f+1 this is 2f+1.
func Threshold(n int) int {
	return n - MaxFaulty(n)
}
