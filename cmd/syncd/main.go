// Command syncd runs one decentralized-sync node: it watches a folder,
// registers with a rendezvous server, and streams file changes to every
// peer it discovers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/keaz/go-sync/node"
)

const (
	defaultRendezvous = "127.0.0.1:8080"
)

func main() {
	folder := pflag.StringP("folder", "f", ".", "root folder to watch and synchronize")
	rendezvousAddr := pflag.String("rendezvous", defaultRendezvous, "rendezvous server address")
	peerID := pflag.String("peer-id", "", "this node's peer id (default: hostname-derived random id)")
	verbose := pflag.BoolP("verbose", "v", false, "enable debug logging")
	eventBacklog := pflag.Int("event-backlog", 256, "size of the internal event bus channel")
	pflag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	id := *peerID
	if id == "" {
		id = node.NewPeerID()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := node.Config{
		Folder:       *folder,
		Rendezvous:   *rendezvousAddr,
		PeerID:       id,
		EventBacklog: *eventBacklog,
	}

	n, err := node.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("could not start node")
		os.Exit(1)
	}

	log.Info().Str("peer_id", id).Str("folder", *folder).Str("rendezvous", *rendezvousAddr).Msg("node starting")

	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("node exited with error")
		os.Exit(1)
	}
}
