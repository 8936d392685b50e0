package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"fedmint/internal/logger"
	"fedmint/internal/mint"
	"fedmint/internal/peer"
	"fedmint/internal/storage"
	"fedmint/internal/tbs"
	"fedmint/internal/tiered"
)

const (
	peersFlag     = "peers"
	tiersFlag     = "tiers"
	thresholdFlag = "threshold"
	outFlag       = "out"
	hostFlag      = "host"
	basePortFlag  = "base-port"
	baseAPIFlag   = "base-api-port"
	seedFlag      = "seed"
)

var dealCmd = &cli.Command{
	Name:  "deal",
	Usage: "generate key material and a federation file for a local federation",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: peersFlag, Value: 4, Usage: "number of mint peers"},
		&cli.IntFlag{Name: tiersFlag, Value: 20, Usage: "number of power-of-two tiers"},
		&cli.IntFlag{Name: thresholdFlag, Usage: "signing threshold (default n - (n-1)/3)"},
		&cli.StringFlag{Name: outFlag, Value: "./federation", Usage: "output directory"},
		&cli.StringFlag{Name: hostFlag, Value: "127.0.0.1", Usage: "host of every member"},
		&cli.IntFlag{Name: basePortFlag, Value: 9000, Usage: "QUIC port of peer 0"},
		&cli.IntFlag{Name: baseAPIFlag, Value: 8080, Usage: "HTTP port of peer 0"},
		&cli.StringFlag{Name: seedFlag, Usage: "hex seed for a reproducible dealing"},
	},
	Action: deal,
}

// deal writes, for every peer, a data directory holding its key set and
// its ed25519 key, and one federation file shared by all of them.
func deal(ctx *cli.Context) error {
	n := ctx.Int(peersFlag)
	if n <= 0 || n > 1<<16 {
		return fmt.Errorf("invalid peer count %d", n)
	}

	threshold := ctx.Int(thresholdFlag)
	if threshold == 0 {
		threshold = n - (n-1)/3
	}

	if t := ctx.Int(tiersFlag); t <= 0 || t > 64 {
		return fmt.Errorf("tier count must be in 1..64, got %d", t)
	}

	tiers := tiered.PowerOfTwoTiers(ctx.Int(tiersFlag))

	var r io.Reader = rand.Reader
	if ctx.IsSet(seedFlag) {
		seed, err := hex.DecodeString(ctx.String(seedFlag))
		if err != nil {
			return fmt.Errorf("decode seed:\n%w", err)
		}

		r = tbs.SeedReader(seed)
	}

	peers := peer.Range(n)

	dealings := make(tiered.Tiered[*tbs.Dealing], len(tiers))
	for _, tier := range tiers {
		d, err := tbs.Deal(threshold, peers, r)
		if err != nil {
			return fmt.Errorf("deal tier %d:\n%w", tier, err)
		}

		dealings[tier] = d
	}

	keySets, err := mint.KeySetsFromDealings(dealings)
	if err != nil {
		return fmt.Errorf("build key sets:\n%w", err)
	}

	out := ctx.String(outFlag)

	fed := &Federation{
		Threshold: threshold,
		Ordering:  "id-first",
	}

	for _, t := range tiers {
		fed.Tiers = append(fed.Tiers, uint64(t))
	}

	for _, id := range peers {
		dir := peerDir(out, id)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create %s:\n%w", dir, err)
		}

		if err := saveKeySet(dir, keySets[id]); err != nil {
			return fmt.Errorf("peer %d:\n%w", id, err)
		}

		priv, err := generateAndSaveKey(filepath.Join(dir, keyFile))
		if err != nil {
			return fmt.Errorf("peer %d:\n%w", id, err)
		}

		fed.Peers = append(fed.Peers, Member{
			ID:   uint16(id),
			Addr: fmt.Sprintf("%s:%d", ctx.String(hostFlag), ctx.Int(basePortFlag)+int(id)),
			API:  fmt.Sprintf("%s:%d", ctx.String(hostFlag), ctx.Int(baseAPIFlag)+int(id)),
			Key:  hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
		})
	}

	path := filepath.Join(out, federationFile)
	if err := fed.save(path); err != nil {
		return err
	}

	logger.Info("federation dealt",
		"peers", n,
		"threshold", threshold,
		"tiers", len(tiers),
		"file", path,
	)

	return nil
}

// saveKeySet stores ks in the database under dir.
func saveKeySet(dir string, ks *mint.TieredKeySet) error {
	db, err := storage.Open(filepath.Join(dir, dbDir), storage.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	return storage.NewKeyStore(db).SaveKeySet(ks)
}

// peerDir is the data directory of id under out.
func peerDir(out string, id peer.ID) string {
	return filepath.Join(out, fmt.Sprintf("peer-%d", id))
}
