// Package node implements the Process Orchestrator (spec §4.8): it wires
// the File Store, Watcher, Listen Acceptor, Rendezvous Client, and Broker
// together and joins their long-lived tasks, generalizing the teacher's
// FileServer.Start (GoVaultFS server.go), which wired a single TCPTransport
// loop plus a bootstrap goroutine.
package node

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/keaz/go-sync/broker"
	"github.com/keaz/go-sync/bus"
	"github.com/keaz/go-sync/peer"
	"github.com/keaz/go-sync/rendezvous"
	"github.com/keaz/go-sync/store"
	"github.com/keaz/go-sync/watch"
)

// Config is the fully-parsed set of options the orchestrator needs to
// start a node.
type Config struct {
	Folder       string
	Rendezvous   string
	PeerID       string
	EventBacklog int
}

// Node owns every long-lived component for one running synchronizer
// process.
type Node struct {
	cfg   Config
	log   zerolog.Logger
	store *store.Store

	acceptor   *peer.Acceptor
	watcher    *watch.Watcher
	rendezvous *rendezvous.Client
	broker     *broker.Broker

	events chan bus.Event
}

// New constructs every component but does not start any goroutines.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Node, error) {
	st, err := store.New(cfg.Folder)
	if err != nil {
		return nil, err
	}

	acceptor, err := peer.Listen(log.With().Str("component", "acceptor").Logger())
	if err != nil {
		return nil, err
	}

	w, err := watch.New(st.Root, st, log.With().Str("component", "watch").Logger())
	if err != nil {
		acceptor.Close()
		return nil, err
	}

	rc, err := rendezvous.Connect(ctx, cfg.Rendezvous, cfg.PeerID, acceptor.Port, log.With().Str("component", "rendezvous").Logger())
	if err != nil {
		acceptor.Close()
		w.Close()
		return nil, err
	}

	b := broker.New(cfg.PeerID, st, log.With().Str("component", "broker").Logger())

	return &Node{
		cfg: cfg, log: log, store: st,
		acceptor: acceptor, watcher: w, rendezvous: rc, broker: b,
		events: make(chan bus.Event, cfg.EventBacklog),
	}, nil
}

// Run starts the Acceptor, Watcher, Rendezvous Client, and Broker and
// blocks until ctx is cancelled or any one of them returns an error, per
// spec §6: a non-zero exit follows from the orchestrator's joined task
// returning an error.
func (n *Node) Run(ctx context.Context) error {
	defer n.acceptor.Close()
	defer n.watcher.Close()
	defer n.rendezvous.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.acceptor.Run(n.events)
	})
	g.Go(func() error {
		return n.watcher.Run(n.events)
	})
	g.Go(func() error {
		return n.rendezvous.Run(ctx, n.acceptor.Port, n.events)
	})
	g.Go(func() error {
		return n.broker.Run(ctx, n.events)
	})
	// The Acceptor and Watcher do not watch ctx; closing them is what makes
	// their Run loops return once ctx is done.
	g.Go(func() error {
		<-ctx.Done()
		n.acceptor.Close()
		n.watcher.Close()
		return nil
	})

	return g.Wait()
}

// NewPeerID returns a fresh, process-local identity; SPEC_FULL.md does not
// require identity persistence across restarts.
func NewPeerID() string {
	if hostname, err := os.Hostname(); err == nil {
		return hostname + "-" + uuid.NewString()[:8]
	}
	return uuid.NewString()
}
