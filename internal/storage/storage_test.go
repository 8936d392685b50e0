package storage

import (
	"bytes"
	"crypto/rand"
	"path/filepath"
	"testing"

	"fedmint/internal/mint"
	"fedmint/internal/peer"
	"fedmint/internal/queue"
	"fedmint/internal/tbs"
	"fedmint/internal/tiered"
)

// newTestStorage opens a storage in a temporary directory.
func newTestStorage(t testing.TB, dir string) *Storage {
	t.Helper()

	s, err := Open(filepath.Join(dir, "db"), Options{})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}

	return s
}

func TestSetGetDelete(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	defer s.Close()

	key := []byte("test-key")
	value := []byte("test-value")

	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err = s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get after Delete returned %q, want nil", got)
	}
}

func TestIteratePrefix(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	defer s.Close()

	err := s.SetBatchSync([]KeyValue{
		{Key: []byte("a/1"), Value: []byte("1")},
		{Key: []byte("a/2"), Value: []byte("2")},
		{Key: []byte("b/1"), Value: []byte("3")},
	})
	if err != nil {
		t.Fatalf("SetBatchSync failed: %v", err)
	}

	var keys []string

	err = s.IteratePrefix([]byte("a/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	if len(keys) != 2 || keys[0] != "a/1" || keys[1] != "a/2" {
		t.Errorf("keys: got %v, want [a/1 a/2]", keys)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte("q/"), []byte("q0")},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
	}

	for _, tt := range tests {
		if got := prefixUpperBound(tt.prefix); !bytes.Equal(got, tt.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", tt.prefix, got, tt.want)
		}
	}
}

// TestKeyStoreReopen tests that a saved key set survives a restart.
func TestKeyStoreReopen(t *testing.T) {
	dir := t.TempDir()

	dealings := make(tiered.Tiered[*tbs.Dealing])
	for _, tier := range []tiered.Amount{1, 2, 4} {
		d, err := tbs.Deal(3, peer.Range(4), rand.Reader)
		if err != nil {
			t.Fatalf("deal: %v", err)
		}

		dealings[tier] = d
	}

	keySets, err := mint.KeySetsFromDealings(dealings)
	if err != nil {
		t.Fatalf("key sets: %v", err)
	}

	s := newTestStorage(t, dir)

	ks := NewKeyStore(s)

	if loaded, err := ks.LoadKeySet(); err != nil || loaded != nil {
		t.Fatalf("empty store: got %v %v, want nil nil", loaded, err)
	}

	if err := ks.SaveKeySet(keySets[2]); err != nil {
		t.Fatalf("save: %v", err)
	}

	s.Close()

	s = newTestStorage(t, dir)
	defer s.Close()

	loaded, err := NewKeyStore(s).LoadKeySet()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Self() != 2 || loaded.Threshold() != 3 {
		t.Errorf("header: self %d threshold %d", loaded.Self(), loaded.Threshold())
	}

	for _, tier := range keySets[2].Tiers() {
		want, _ := keySets[2].Tier(tier)
		got, ok := loaded.Tier(tier)

		if !ok || got.Secret != want.Secret || got.Aggregate != want.Aggregate {
			t.Errorf("tier %d differs after reload", tier)
		}

		for id, pk := range want.Shares {
			if got.Shares[id] != pk {
				t.Errorf("tier %d: key share of peer %d differs", tier, id)
			}
		}
	}
}

// TestCursorStore tests cursor persistence and its use by the queue.
func TestCursorStore(t *testing.T) {
	dir := t.TempDir()
	s := newTestStorage(t, dir)

	cs := NewCursorStore(s)

	if _, ok, err := cs.LoadCursor(1); err != nil || ok {
		t.Fatalf("missing cursor: ok %v err %v", ok, err)
	}

	q, err := queue.New[string](queue.Config{Peers: peer.Range(3), Store: cs})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	for id := queue.MessageID(1); id <= 5; id++ {
		if _, err := q.Receive(queue.UniqueMessage[string]{Sender: 1, ID: id}); err != nil {
			t.Fatalf("receive %d: %v", id, err)
		}
	}

	s.Close()

	s = newTestStorage(t, dir)
	defer s.Close()

	cs = NewCursorStore(s)

	last, ok, err := cs.LoadCursor(1)
	if err != nil || !ok || last != 5 {
		t.Errorf("reloaded cursor: got %d %v %v, want 5", last, ok, err)
	}

	all, err := cs.Cursors()
	if err != nil {
		t.Fatalf("cursors: %v", err)
	}

	if len(all) != 1 || all[1] != 5 {
		t.Errorf("cursors: got %v, want map[1:5]", all)
	}
}
