package mint

import (
	"fmt"

	"fedmint/internal/peer"
	"fedmint/internal/tbs"
	"fedmint/internal/tiered"
)

// TierKeys is the key material a peer holds for one tier.
type TierKeys struct {
	Secret    tbs.SecretKey             // Secret is this peer's secret key share
	Aggregate tbs.PublicKey             // Aggregate is the federation public key of the tier
	Shares    map[peer.ID]tbs.PublicKey // Shares holds the public key share of every peer
}

// TieredKeySet is the signing key material of one peer across all tiers.
// It is immutable after construction.
type TieredKeySet struct {
	self      peer.ID                 // self is the owning peer
	threshold int                     // threshold is the number of shares needed to combine
	peers     peer.Set                // peers is the federation membership
	tiers     tiered.Tiers            // tiers is the ascending tier list
	keys      tiered.Tiered[TierKeys] // keys holds the material per tier
	public    *PublicKeySet           // public is the derived public view
}

// NewTieredKeySet validates and wraps the key material of peer self.
// Every tier must carry a public key share for the same peer set.
func NewTieredKeySet(self peer.ID, threshold int, keys tiered.Tiered[TierKeys]) (*TieredKeySet, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("key set has no tiers")
	}

	tiers, err := tiered.NewTiers(keys.Tiers()...)
	if err != nil {
		return nil, fmt.Errorf("key set tiers:\n%w", err)
	}

	var peers peer.Set

	for _, tier := range tiers {
		ids := make([]peer.ID, 0, len(keys[tier].Shares))
		for id := range keys[tier].Shares {
			ids = append(ids, id)
		}

		set, err := peer.NewSet(ids...)
		if err != nil {
			return nil, fmt.Errorf("tier %d:\n%w", tier, err)
		}

		if peers == nil {
			peers = set
			continue
		}

		if !sameSet(peers, set) {
			return nil, fmt.Errorf("tier %d has a different peer set", tier)
		}
	}

	if !peers.Contains(self) {
		return nil, fmt.Errorf("peer %d is not a member of the key set", self)
	}

	if threshold <= 0 || threshold > peers.Len() {
		return nil, fmt.Errorf("invalid threshold %d for %d peers", threshold, peers.Len())
	}

	ks := &TieredKeySet{
		self:      self,
		threshold: threshold,
		peers:     peers,
		tiers:     tiers,
		keys:      keys,
	}

	ks.public = ks.derivePublic()

	return ks, nil
}

// Self returns the owning peer.
func (ks *TieredKeySet) Self() peer.ID { return ks.self }

// Threshold returns the number of shares needed to combine.
func (ks *TieredKeySet) Threshold() int { return ks.threshold }

// Peers returns the federation membership.
func (ks *TieredKeySet) Peers() peer.Set { return ks.peers }

// Tiers returns the supported tiers, ascending.
func (ks *TieredKeySet) Tiers() tiered.Tiers { return ks.tiers }

// Secret returns this peer's secret key share for tier.
func (ks *TieredKeySet) Secret(tier tiered.Amount) (tbs.SecretKey, bool) {
	k, ok := ks.keys[tier]
	return k.Secret, ok
}

// Tier returns a copy of the key material of tier.
func (ks *TieredKeySet) Tier(tier tiered.Amount) (TierKeys, bool) {
	k, ok := ks.keys[tier]
	if !ok {
		return TierKeys{}, false
	}

	shares := make(map[peer.ID]tbs.PublicKey, len(k.Shares))
	for id, pk := range k.Shares {
		shares[id] = pk
	}

	k.Shares = shares

	return k, true
}

// PublicKeySet returns the public half of the key set.
func (ks *TieredKeySet) PublicKeySet() *PublicKeySet { return ks.public }

// derivePublic copies the public material into a PublicKeySet.
func (ks *TieredKeySet) derivePublic() *PublicKeySet {
	pks := &PublicKeySet{
		threshold: ks.threshold,
		peers:     ks.peers,
		tiers:     ks.tiers,
		aggregate: make(tiered.Tiered[tbs.PublicKey], len(ks.keys)),
		shares:    make(tiered.Tiered[map[peer.ID]tbs.PublicKey], len(ks.keys)),
	}

	for tier, k := range ks.keys {
		pks.aggregate[tier] = k.Aggregate

		shares := make(map[peer.ID]tbs.PublicKey, len(k.Shares))
		for id, pk := range k.Shares {
			shares[id] = pk
		}

		pks.shares[tier] = shares
	}

	return pks
}

// PublicKeySet is what every participant, including clients, needs to verify
// shares and coins. It is immutable.
type PublicKeySet struct {
	threshold int                                      // threshold is the number of shares needed to combine
	peers     peer.Set                                 // peers is the federation membership
	tiers     tiered.Tiers                             // tiers is the ascending tier list
	aggregate tiered.Tiered[tbs.PublicKey]             // aggregate holds the federation key per tier
	shares    tiered.Tiered[map[peer.ID]tbs.PublicKey] // shares holds the key share per tier and peer
}

// NewPublicKeySet builds a PublicKeySet from its parts.
func NewPublicKeySet(threshold int, aggregate tiered.Tiered[tbs.PublicKey], shares tiered.Tiered[map[peer.ID]tbs.PublicKey]) (*PublicKeySet, error) {
	keys := make(tiered.Tiered[TierKeys], len(aggregate))

	for tier, agg := range aggregate {
		s, ok := shares[tier]
		if !ok {
			return nil, fmt.Errorf("tier %d has no key shares", tier)
		}

		keys[tier] = TierKeys{Aggregate: agg, Shares: s}
	}

	if len(shares) != len(aggregate) {
		return nil, fmt.Errorf("key shares and aggregate keys cover different tiers")
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("key set has no tiers")
	}

	var self peer.ID
	for id := range keys[keys.Tiers()[0]].Shares {
		self = id
		break
	}

	ks, err := NewTieredKeySet(self, threshold, keys)
	if err != nil {
		return nil, err
	}

	return ks.public, nil
}

// Threshold returns the number of shares needed to combine.
func (p *PublicKeySet) Threshold() int { return p.threshold }

// Peers returns the federation membership.
func (p *PublicKeySet) Peers() peer.Set { return p.peers }

// Tiers returns the supported tiers, ascending.
func (p *PublicKeySet) Tiers() tiered.Tiers { return p.tiers }

// Aggregate returns the federation public key of tier.
func (p *PublicKeySet) Aggregate(tier tiered.Amount) (tbs.PublicKey, bool) {
	pk, ok := p.aggregate[tier]
	return pk, ok
}

// Share returns the public key share of peer id for tier.
func (p *PublicKeySet) Share(tier tiered.Amount, id peer.ID) (tbs.PublicKey, bool) {
	shares, ok := p.shares[tier]
	if !ok {
		return tbs.PublicKey{}, false
	}

	pk, ok := shares[id]

	return pk, ok
}

// KeySetsFromDealings splits one dealing per tier into the key set of every peer.
func KeySetsFromDealings(dealings tiered.Tiered[*tbs.Dealing]) (map[peer.ID]*TieredKeySet, error) {
	if len(dealings) == 0 {
		return nil, fmt.Errorf("no dealings")
	}

	first := dealings[dealings.Tiers()[0]]
	out := make(map[peer.ID]*TieredKeySet, len(first.Shares))

	for id := range first.Shares {
		keys := make(tiered.Tiered[TierKeys], len(dealings))

		for tier, d := range dealings {
			if d.Threshold != first.Threshold {
				return nil, fmt.Errorf("tier %d has threshold %d, want %d", tier, d.Threshold, first.Threshold)
			}

			share, ok := d.Shares[id]
			if !ok {
				return nil, fmt.Errorf("tier %d has no share for peer %d", tier, id)
			}

			keys[tier] = TierKeys{
				Secret:    share.Secret,
				Aggregate: d.Aggregate,
				Shares:    d.PublicShares(),
			}
		}

		ks, err := NewTieredKeySet(id, first.Threshold, keys)
		if err != nil {
			return nil, fmt.Errorf("key set of peer %d:\n%w", id, err)
		}

		out[id] = ks
	}

	return out, nil
}

// sameSet reports whether two sorted sets are equal.
func sameSet(a, b peer.Set) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
