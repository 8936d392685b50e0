package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fedmint/internal/network"
	"fedmint/internal/peer"
	"fedmint/internal/queue"
	"fedmint/internal/tiered"
)

// Federation is the shared description of a federation, read from YAML.
// Every member runs with the same file.
type Federation struct {
	Threshold  int           `yaml:"threshold"`             // Threshold is the number of shares needed to combine
	Tiers      []uint64      `yaml:"tiers"`                 // Tiers are the denominations
	Ordering   string        `yaml:"ordering,omitempty"`    // Ordering is the audit log order
	BufferSize int           `yaml:"buffer_size,omitempty"` // BufferSize is the per-sender reorder window
	Timeout    time.Duration `yaml:"timeout,omitempty"`     // Timeout is the per-request deadline
	Retention  time.Duration `yaml:"retention,omitempty"`   // Retention keeps finished requests readable
	Peers      []Member      `yaml:"peers"`                 // Peers lists every member
}

// Member is one entry of the federation file.
type Member struct {
	ID   uint16 `yaml:"id"`            // ID is the member's peer id
	Addr string `yaml:"addr"`          // Addr is the QUIC address
	API  string `yaml:"api,omitempty"` // API is the HTTP address
	Key  string `yaml:"key"`           // Key is the hex ed25519 public key
}

// loadFederation reads and validates the federation file at path.
func loadFederation(path string) (*Federation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read federation file:\n%w", err)
	}

	var f Federation
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse federation file:\n%w", err)
	}

	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("federation file %s:\n%w", path, err)
	}

	return &f, nil
}

// save writes the federation file to path.
func (f *Federation) save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode federation file:\n%w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// validate checks ids, keys and the threshold.
func (f *Federation) validate() error {
	if len(f.Peers) == 0 {
		return fmt.Errorf("no peers")
	}

	if f.Threshold <= 0 || f.Threshold > len(f.Peers) {
		return fmt.Errorf("threshold %d out of range for %d peers", f.Threshold, len(f.Peers))
	}

	if _, err := f.tiers(); err != nil {
		return err
	}

	if _, err := queue.ParseOrdering(f.Ordering); err != nil {
		return err
	}

	// ids must be 0..n-1 so Shamir points line up with the dealing
	seen := make(map[uint16]bool, len(f.Peers))
	for _, m := range f.Peers {
		if int(m.ID) >= len(f.Peers) || seen[m.ID] {
			return fmt.Errorf("peer ids must be 0..%d without duplicates, got %d", len(f.Peers)-1, m.ID)
		}

		seen[m.ID] = true

		if _, err := m.publicKey(); err != nil {
			return fmt.Errorf("peer %d:\n%w", m.ID, err)
		}
	}

	return nil
}

// tiers returns the configured denominations.
func (f *Federation) tiers() (tiered.Tiers, error) {
	amounts := make([]tiered.Amount, len(f.Tiers))
	for i, t := range f.Tiers {
		amounts[i] = tiered.Amount(t)
	}

	return tiered.NewTiers(amounts...)
}

// peerSet returns the member ids.
func (f *Federation) peerSet() peer.Set {
	return peer.Range(len(f.Peers))
}

// member returns the entry of id.
func (f *Federation) member(id peer.ID) (Member, bool) {
	for _, m := range f.Peers {
		if peer.ID(m.ID) == id {
			return m, true
		}
	}

	return Member{}, false
}

// members converts the file into network membership.
func (f *Federation) members() (map[peer.ID]network.Member, error) {
	out := make(map[peer.ID]network.Member, len(f.Peers))

	for _, m := range f.Peers {
		pub, err := m.publicKey()
		if err != nil {
			return nil, fmt.Errorf("peer %d:\n%w", m.ID, err)
		}

		out[peer.ID(m.ID)] = network.Member{PublicKey: pub, Addr: m.Addr}
	}

	return out, nil
}

// publicKey decodes the member's ed25519 key.
func (m Member) publicKey() (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(m.Key)
	if err != nil {
		return nil, fmt.Errorf("decode key:\n%w", err)
	}

	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(b), ed25519.PublicKeySize)
	}

	return ed25519.PublicKey(b), nil
}

// loadKey reads an ed25519 private key file.
func loadKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateAndSaveKey creates a new ed25519 key and writes it to path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("write key file:\n%w", err)
	}

	return priv, nil
}
