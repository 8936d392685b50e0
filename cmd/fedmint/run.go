package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"fedmint/internal/api"
	"fedmint/internal/federation"
	"fedmint/internal/logger"
	"fedmint/internal/metrics"
	"fedmint/internal/mint"
	"fedmint/internal/network"
	"fedmint/internal/queue"
	"fedmint/internal/storage"
)

const (
	// federationFile is the name of the shared federation file.
	federationFile = "federation.yaml"

	// keyFile is the ed25519 key file inside a data directory.
	keyFile = "node.key"

	// dbDir is the database directory inside a data directory.
	dbDir = "db"

	dataFlag       = "data"
	federationFlag = "federation"
	listenFlag     = "listen"
	httpFlag       = "http"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run a mint peer",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    dataFlag,
			Value:   "./data",
			Usage:   "data directory holding the key set and node key",
			EnvVars: []string{"FEDMINT_DATA"},
		},
		&cli.StringFlag{
			Name:    federationFlag,
			Usage:   "federation file (default <data>/../" + federationFile + ")",
			EnvVars: []string{"FEDMINT_FEDERATION"},
		},
		&cli.StringFlag{
			Name:    listenFlag,
			Usage:   "QUIC listen address (default: own addr in the federation file)",
			EnvVars: []string{"FEDMINT_LISTEN"},
		},
		&cli.StringFlag{
			Name:    httpFlag,
			Usage:   "HTTP API address (default: own api in the federation file)",
			EnvVars: []string{"FEDMINT_HTTP"},
		},
	},
	Action: run,
}

// Node is a running mint peer.
type Node struct {
	fed     *Federation        // fed is the federation description
	storage *storage.Storage   // storage holds key material and cursors
	keys    *mint.TieredKeySet // keys is the local key set
	network *network.Node      // network connects the members
	server  *federation.Server // server runs the issuance protocol
	api     *api.Server        // api serves clients
}

// run loads the federation file and data directory, then serves until a signal.
func run(ctx *cli.Context) error {
	dataPath := ctx.String(dataFlag)

	fedPath := ctx.String(federationFlag)
	if fedPath == "" {
		fedPath = filepath.Join(dataPath, "..", federationFile)
	}

	fed, err := loadFederation(fedPath)
	if err != nil {
		return err
	}

	n, err := NewNode(fed, dataPath, ctx.String(listenFlag), ctx.String(httpFlag))
	if err != nil {
		return err
	}

	if err := n.Start(); err != nil {
		n.Close()
		return err
	}

	return n.waitForShutdown()
}

// NewNode opens the data directory and assembles every component.
func NewNode(fed *Federation, dataPath, listenAddr, httpAddr string) (*Node, error) {
	n := &Node{fed: fed}

	if err := n.initStorage(dataPath); err != nil {
		n.Close()
		return nil, err
	}

	self, ok := fed.member(n.keys.Self())
	if !ok {
		n.Close()
		return nil, fmt.Errorf("peer %d is not in the federation file", n.keys.Self())
	}

	if listenAddr == "" {
		listenAddr = self.Addr
	}

	if httpAddr == "" {
		httpAddr = self.API
	}

	if err := n.initNetwork(dataPath, listenAddr); err != nil {
		n.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := n.initFederation(metrics.New(reg)); err != nil {
		n.Close()
		return nil, err
	}

	// without an API address the peer only serves the federation
	if httpAddr == "" {
		return n, nil
	}

	n.api = api.New(api.Config{
		Addr:    httpAddr,
		Issuer:  n.server,
		Keys:    n.keys.PublicKeySet(),
		Status:  n.status,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Timeout: fed.Timeout,
	})

	return n, nil
}

// initStorage opens the database and loads the key set.
func (n *Node) initStorage(dataPath string) error {
	db, err := storage.Open(filepath.Join(dataPath, dbDir), storage.Options{})
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	keys, err := storage.NewKeyStore(db).LoadKeySet()
	if err != nil {
		return fmt.Errorf("load key set:\n%w", err)
	}

	if keys == nil {
		return fmt.Errorf("no key set in %s, run deal first", dataPath)
	}

	if err := n.checkKeys(keys); err != nil {
		return err
	}

	n.keys = keys

	return nil
}

// checkKeys rejects a key set dealt for another federation.
func (n *Node) checkKeys(keys *mint.TieredKeySet) error {
	if keys.Threshold() != n.fed.Threshold {
		return fmt.Errorf("key set threshold %d, federation file says %d", keys.Threshold(), n.fed.Threshold)
	}

	if keys.Peers().Len() != len(n.fed.Peers) {
		return fmt.Errorf("key set has %d peers, federation file lists %d", keys.Peers().Len(), len(n.fed.Peers))
	}

	tiers, err := n.fed.tiers()
	if err != nil {
		return err
	}

	if len(tiers) != len(keys.Tiers()) {
		return fmt.Errorf("key set has %d tiers, federation file lists %d", len(keys.Tiers()), len(tiers))
	}

	for _, t := range tiers {
		if !keys.Tiers().Contains(t) {
			return fmt.Errorf("key set has no keys for tier %d", t)
		}
	}

	return nil
}

// initNetwork creates the QUIC node.
func (n *Node) initNetwork(dataPath, listenAddr string) error {
	priv, err := loadKey(filepath.Join(dataPath, keyFile))
	if err != nil {
		return err
	}

	members, err := n.fed.members()
	if err != nil {
		return err
	}

	node, err := network.NewNode(network.Config{
		Self:       n.keys.Self(),
		PrivateKey: priv,
		ListenAddr: listenAddr,
		Members:    members,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	return nil
}

// initFederation creates the protocol server.
func (n *Node) initFederation(m *metrics.Metrics) error {
	ordering, err := queue.ParseOrdering(n.fed.Ordering)
	if err != nil {
		return err
	}

	server, err := federation.New(federation.Config{
		Keys:       n.keys,
		Transport:  n.network,
		Store:      storage.NewCursorStore(n.storage),
		BufferSize: n.fed.BufferSize,
		Ordering:   ordering,
		Timeout:    n.fed.Timeout,
		Retention:  n.fed.Retention,
		Metrics:    m,
	})
	if err != nil {
		return fmt.Errorf("init federation:\n%w", err)
	}

	n.server = server

	return nil
}

// Start attaches the protocol, opens the listener, dials and serves HTTP.
func (n *Node) Start() error {
	n.server.Start()

	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	n.network.ConnectAll()

	if n.api != nil {
		if err := n.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	logger.Info("node started",
		"peer", n.keys.Self(),
		"quic", n.network.Addr(),
	)

	return nil
}

// status reports the monitoring view served on /status.
func (n *Node) status() api.Status {
	return api.Status{
		Peer:      n.keys.Self(),
		Connected: len(n.network.Peers()),
		Pending:   n.server.Combiner().Len(),
		Delivered: n.server.Log().Len(),
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all components in reverse start order.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.server != nil {
		n.server.Close()
	}

	if n.storage != nil {
		if err := n.storage.Close(); err != nil {
			return fmt.Errorf("close storage:\n%w", err)
		}
	}

	return nil
}
