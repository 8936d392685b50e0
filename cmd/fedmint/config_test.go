package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"fedmint/internal/storage"
)

// runApp runs the command line with args and returns its output.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	app := newApp()
	app.Writer = &out

	err := app.Run(append([]string{"fedmint"}, args...))

	return out.String(), err
}

// dealTo deals a four peer federation with three tiers into dir.
func dealTo(t *testing.T, dir, seed string) *Federation {
	t.Helper()

	_, err := runApp(t, "deal",
		"--peers", "4",
		"--tiers", "3",
		"--out", dir,
		"--base-port", "0",
		"--seed", seed,
	)
	if err != nil {
		t.Fatalf("deal: %v", err)
	}

	fed, err := loadFederation(filepath.Join(dir, federationFile))
	if err != nil {
		t.Fatalf("load federation: %v", err)
	}

	return fed
}

// TestDealWritesFederation tests that deal produces a loadable federation.
func TestDealWritesFederation(t *testing.T) {
	dir := t.TempDir()
	fed := dealTo(t, dir, "01")

	if fed.Threshold != 3 {
		t.Errorf("threshold: got %d, want 3", fed.Threshold)
	}

	if len(fed.Peers) != 4 {
		t.Fatalf("peers: got %d, want 4", len(fed.Peers))
	}

	tiers, err := fed.tiers()
	if err != nil {
		t.Fatalf("tiers: %v", err)
	}

	if len(tiers) != 3 || tiers[2] != 4 {
		t.Errorf("tiers: got %v, want [1 2 4]", tiers)
	}

	for i, m := range fed.Peers {
		if int(m.ID) != i {
			t.Errorf("peer %d has id %d", i, m.ID)
		}

		if _, err := loadKey(filepath.Join(peerDir(dir, fed.peerSet()[i]), keyFile)); err != nil {
			t.Errorf("peer %d key: %v", i, err)
		}
	}
}

// TestDealSeedReproducible tests that the same seed yields the same federation keys.
func TestDealSeedReproducible(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	dealTo(t, a, "abcd")
	dealTo(t, b, "abcd")

	load := func(dir string) *storage.Storage {
		db, err := storage.Open(filepath.Join(peerDir(dir, 2), dbDir), storage.Options{})
		if err != nil {
			t.Fatalf("open: %v", err)
		}

		return db
	}

	dbA, dbB := load(a), load(b)
	defer dbA.Close()
	defer dbB.Close()

	ksA, err := storage.NewKeyStore(dbA).LoadKeySet()
	if err != nil || ksA == nil {
		t.Fatalf("load a: %v", err)
	}

	ksB, err := storage.NewKeyStore(dbB).LoadKeySet()
	if err != nil || ksB == nil {
		t.Fatalf("load b: %v", err)
	}

	for _, tier := range ksA.Tiers() {
		pa, _ := ksA.PublicKeySet().Aggregate(tier)
		pb, _ := ksB.PublicKeySet().Aggregate(tier)

		if pa != pb {
			t.Errorf("tier %d: aggregate keys differ", tier)
		}
	}
}

// TestNewNodeFromDeal tests that a dealt data directory assembles into a node.
func TestNewNodeFromDeal(t *testing.T) {
	dir := t.TempDir()
	fed := dealTo(t, dir, "02")

	n, err := NewNode(fed, peerDir(dir, 1), "127.0.0.1:0", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	st := n.status()
	if st.Peer != 1 || st.Connected != 0 || st.Pending != 0 {
		t.Errorf("status: got %+v", st)
	}

	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// TestNewNodeRejectsOtherFederation tests that a key set dealt with another threshold is refused.
func TestNewNodeRejectsOtherFederation(t *testing.T) {
	dir := t.TempDir()
	fed := dealTo(t, dir, "03")

	fed.Threshold = 2

	if _, err := NewNode(fed, peerDir(dir, 0), "127.0.0.1:0", ""); err == nil {
		t.Fatal("expected threshold mismatch")
	}
}

// TestFederationValidate tests rejection of inconsistent federation files.
func TestFederationValidate(t *testing.T) {
	key := strings.Repeat("ab", 32)

	base := func() *Federation {
		return &Federation{
			Threshold: 2,
			Tiers:     []uint64{1, 2},
			Peers: []Member{
				{ID: 0, Key: key},
				{ID: 1, Key: key},
				{ID: 2, Key: key},
			},
		}
	}

	if err := base().validate(); err != nil {
		t.Fatalf("valid federation rejected: %v", err)
	}

	tests := []struct {
		name   string
		modify func(f *Federation)
	}{
		{"no peers", func(f *Federation) { f.Peers = nil }},
		{"zero threshold", func(f *Federation) { f.Threshold = 0 }},
		{"threshold above peers", func(f *Federation) { f.Threshold = 4 }},
		{"no tiers", func(f *Federation) { f.Tiers = nil }},
		{"duplicate tier", func(f *Federation) { f.Tiers = []uint64{2, 2} }},
		{"unknown ordering", func(f *Federation) { f.Ordering = "random" }},
		{"duplicate id", func(f *Federation) { f.Peers[2].ID = 1 }},
		{"id out of range", func(f *Federation) { f.Peers[2].ID = 5 }},
		{"bad key", func(f *Federation) { f.Peers[0].Key = "zz" }},
		{"short key", func(f *Federation) { f.Peers[0].Key = "abcd" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base()
			tt.modify(f)

			if err := f.validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// TestDecomposeCommand tests the decompose output.
func TestDecomposeCommand(t *testing.T) {
	out, err := runApp(t, "decompose", "--tiers", "4", "13")
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}

	if !strings.Contains(out, "[8 4 1]") || !strings.Contains(out, "3 coins, total 13") {
		t.Errorf("output: %q", out)
	}

	if _, err := runApp(t, "decompose", "ten"); err == nil {
		t.Error("expected error for a non-numeric amount")
	}
}
