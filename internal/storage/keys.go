package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"fedmint/internal/mint"
	"fedmint/internal/peer"
	"fedmint/internal/tbs"
	"fedmint/internal/tiered"
)

var (
	// keyMeta holds the key set header.
	keyMeta = []byte("k/meta")

	// keyTierPrefix prefixes one record per tier: k/t/<tier big-endian>.
	keyTierPrefix = []byte("k/t/")
)

// keySetMeta is the stored header of a key set.
type keySetMeta struct {
	Self      uint16 `cbor:"1,keyasint"`
	Threshold int    `cbor:"2,keyasint"`
}

// tierRecord is the stored key material of one tier.
type tierRecord struct {
	Tier      uint64            `cbor:"1,keyasint"`
	Secret    []byte            `cbor:"2,keyasint"`
	Aggregate []byte            `cbor:"3,keyasint"`
	Shares    map[uint16][]byte `cbor:"4,keyasint"`
}

// KeyStore reads and writes a peer's TieredKeySet.
type KeyStore struct {
	db *Storage // db is the backing store
}

// NewKeyStore wraps db.
func NewKeyStore(db *Storage) *KeyStore {
	return &KeyStore{db: db}
}

// SaveKeySet replaces the stored key set with ks. The write is durable on return.
func (k *KeyStore) SaveKeySet(ks *mint.TieredKeySet) error {
	meta, err := cbor.Marshal(keySetMeta{Self: uint16(ks.Self()), Threshold: ks.Threshold()})
	if err != nil {
		return fmt.Errorf("marshal key set header:\n%w", err)
	}

	pairs := []KeyValue{{Key: keyMeta, Value: meta}}

	// drop tiers of a previous key set
	err = k.db.IteratePrefix(keyTierPrefix, func(key, _ []byte) error {
		return k.db.Delete(append([]byte(nil), key...))
	})
	if err != nil {
		return fmt.Errorf("clear old tiers:\n%w", err)
	}

	for _, tier := range ks.Tiers() {
		material, _ := ks.Tier(tier)

		rec := tierRecord{
			Tier:      uint64(tier),
			Secret:    material.Secret[:],
			Aggregate: material.Aggregate[:],
			Shares:    make(map[uint16][]byte, len(material.Shares)),
		}

		for id, pk := range material.Shares {
			rec.Shares[uint16(id)] = append([]byte(nil), pk[:]...)
		}

		value, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal tier %d:\n%w", tier, err)
		}

		pairs = append(pairs, KeyValue{Key: tierKey(tier), Value: value})
	}

	return k.db.SetBatchSync(pairs)
}

// LoadKeySet reads the stored key set. It returns nil without error if none is stored.
func (k *KeyStore) LoadKeySet() (*mint.TieredKeySet, error) {
	raw, err := k.db.Get(keyMeta)
	if err != nil {
		return nil, fmt.Errorf("read key set header:\n%w", err)
	}

	if raw == nil {
		return nil, nil
	}

	var meta keySetMeta
	if err := cbor.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode key set header:\n%w", err)
	}

	keys := make(tiered.Tiered[mint.TierKeys])

	err = k.db.IteratePrefix(keyTierPrefix, func(_, value []byte) error {
		var rec tierRecord
		if err := cbor.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode tier record:\n%w", err)
		}

		material, err := rec.keys()
		if err != nil {
			return fmt.Errorf("tier %d:\n%w", rec.Tier, err)
		}

		keys[tiered.Amount(rec.Tier)] = material

		return nil
	})
	if err != nil {
		return nil, err
	}

	return mint.NewTieredKeySet(peer.ID(meta.Self), meta.Threshold, keys)
}

// keys converts a record back into key material.
func (r *tierRecord) keys() (mint.TierKeys, error) {
	var out mint.TierKeys

	if len(r.Secret) != tbs.ScalarSize {
		return out, fmt.Errorf("secret key size %d", len(r.Secret))
	}

	if len(r.Aggregate) != tbs.PublicKeySize {
		return out, fmt.Errorf("aggregate key size %d", len(r.Aggregate))
	}

	copy(out.Secret[:], r.Secret)
	copy(out.Aggregate[:], r.Aggregate)

	out.Shares = make(map[peer.ID]tbs.PublicKey, len(r.Shares))

	for id, b := range r.Shares {
		if len(b) != tbs.PublicKeySize {
			return out, fmt.Errorf("key share of peer %d has size %d", id, len(b))
		}

		var pk tbs.PublicKey
		copy(pk[:], b)
		out.Shares[peer.ID(id)] = pk
	}

	return out, nil
}

// tierKey builds the record key of tier.
func tierKey(tier tiered.Amount) []byte {
	key := make([]byte, len(keyTierPrefix)+8)
	copy(key, keyTierPrefix)
	binary.BigEndian.PutUint64(key[len(keyTierPrefix):], uint64(tier))

	return key
}
