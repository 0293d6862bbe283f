// Package broker implements the Broker (spec §4.7): the single goroutine
// that owns the live peer map and the InFlightSet, consuming the shared
// bus.Event channel and fanning file-change announcements out to every
// known peer.
//
// It is the direct generalization of the teacher's message-routing loop
// (GoVaultFS server.go's loop over rpcCh/quitCh) combined with the
// original Rust Broker::broker_loop (one select over a single inbound
// channel, no locks because only this goroutine ever touches peers or
// files_in_update).
package broker

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keaz/go-sync/bus"
	"github.com/keaz/go-sync/store"
	"github.com/keaz/go-sync/wire"
)

// readChunkSize matches the original implementation's chunked-read size for
// DataRequest replies.
const readChunkSize = 256

// Broker owns the peer map and in-flight bookkeeping; every field below is
// touched only from Run's goroutine.
type Broker struct {
	myPeerID string
	store    *store.Store
	log      zerolog.Logger

	peers    map[string]*bus.Record
	inFlight map[string]inFlightFile // relative path -> transfer in progress
}

// inFlightFile tracks a file that is being transferred, either announced by
// a peer and still being streamed in, or just announced by this node, so a
// local FileCreated observed by the Watcher for that path can be suppressed
// rather than echoed back out.
type inFlightFile struct {
	sha  string
	size uint64
}

// New constructs a Broker. myPeerID is stamped onto every outbound command
// as the sender's peer_id; receiving peers do not compare it against their
// own id.
func New(myPeerID string, st *store.Store, log zerolog.Logger) *Broker {
	return &Broker{
		myPeerID: myPeerID,
		store:    st,
		log:      log,
		peers:    make(map[string]*bus.Record),
		inFlight: make(map[string]inFlightFile),
	}
}

// Run drains events until ctx is cancelled or the channel is closed.
func (b *Broker) Run(ctx context.Context, events <-chan bus.Event) error {
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				b.shutdown()
				return nil
			}
			b.handle(ctx, ev)
		}
	}
}

func (b *Broker) shutdown() {
	for _, r := range b.peers {
		r.Close()
	}
}

func (b *Broker) handle(ctx context.Context, ev bus.Event) {
	switch e := ev.(type) {
	case bus.NewPeer:
		b.handleNewPeer(e)
	case bus.LeavePeer:
		b.handleLeavePeer(e)
	case bus.OutboundCommand:
		b.handleOutbound(ctx, e)
	case bus.InboundCommand:
		b.handleInbound(ctx, e)
	default:
		b.log.Warn().Msg("broker received an event of unknown type")
	}
}

// handleNewPeer inserts the record unless one already exists for this
// PeerID (spec invariant 1: exactly one Record per PeerID at any instant).
func (b *Broker) handleNewPeer(e bus.NewPeer) {
	if _, exists := b.peers[e.Record.PeerID]; exists {
		b.log.Debug().Str("peer_id", e.Record.PeerID).Msg("peer already registered, ignoring duplicate NewPeer")
		return
	}
	b.peers[e.Record.PeerID] = e.Record
	b.log.Info().Str("peer_id", e.Record.PeerID).Msg("peer registered")
}

// handleLeavePeer removes the peer, idempotently: an absent peer is a
// no-op, just logged (mirrors handle_peer_leave's warn-on-already-left).
func (b *Broker) handleLeavePeer(e bus.LeavePeer) {
	r, ok := b.peers[e.PeerID]
	if !ok {
		b.log.Warn().Str("peer_id", e.PeerID).Msg("leave for a peer we don't have")
		return
	}
	delete(b.peers, e.PeerID)
	r.Close()
	b.log.Info().Str("peer_id", e.PeerID).Msg("peer left")
}

// handleOutbound reacts to local filesystem changes from the Watcher,
// announcing them to every connected peer.
func (b *Broker) handleOutbound(ctx context.Context, cmd bus.OutboundCommand) {
	switch cmd.Kind {
	case bus.FileCreated:
		b.announceFileCreated(cmd)
	case bus.FileModified:
		b.broadcastAnnounce(wire.Command{Kind: wire.KindModifyFile, ModifyFile: &wire.ModifyFile{
			ID: cmd.EventID, PeerID: b.myPeerID, FilePath: cmd.Path,
		}})
	case bus.FolderCreated:
		b.broadcastAnnounce(wire.Command{Kind: wire.KindCreateFolder, CreateFolder: &wire.CreateFolder{
			ID: cmd.EventID, PeerID: b.myPeerID, FolderPath: cmd.Path,
		}})
	case bus.FileDeleted, bus.FolderDeleted:
		// Deletion propagation is not yet part of the wire protocol
		// (spec open question); log only.
		b.log.Debug().Str("path", cmd.Path).Msg("local delete observed, not yet propagated")
	case bus.RequestData:
		b.sendTo(cmd.TargetPeer, wire.Command{Kind: wire.KindDataRequest, DataRequest: &wire.DataRequestCommand{
			ID: cmd.EventID, PeerID: b.myPeerID, FilePath: cmd.Path,
		}})
	}
}

// announceFileCreated skips the announcement if this exact path is already
// being received from a peer (mirrors files_in_update's guard against
// reflecting a download back out as if it were a new local edit).
func (b *Broker) announceFileCreated(cmd bus.OutboundCommand) {
	if _, updating := b.inFlight[cmd.Path]; updating {
		b.log.Debug().Str("path", cmd.Path).Msg("file is mid-transfer, suppressing echo announcement")
		return
	}
	b.broadcastAnnounce(wire.Command{Kind: wire.KindCreateNewFile, CreateNewFile: &wire.CreateNewFile{
		ID: cmd.EventID, PeerID: b.myPeerID, FilePath: cmd.Path, Sha: cmd.Digest, Size: cmd.Size,
	}})
	b.inFlight[cmd.Path] = inFlightFile{sha: cmd.Digest, size: cmd.Size}
}

func (b *Broker) broadcastAnnounce(cmd wire.Command) {
	env := wire.WrapCommand(cmd)
	for _, r := range b.peers {
		r.EnqueueAnnounce(env)
	}
}

func (b *Broker) sendTo(peerID string, cmd wire.Command) {
	r, ok := b.peers[peerID]
	if !ok {
		b.log.Warn().Str("peer_id", peerID).Msg("cannot send, unknown peer")
		return
	}
	r.EnqueueAnnounce(wire.WrapCommand(cmd))
}

// handleInbound reacts to commands a Peer Connection decoded off the wire.
func (b *Broker) handleInbound(ctx context.Context, cmd bus.InboundCommand) {
	switch cmd.Kind {
	case bus.DataRequest:
		b.serveDataRequest(ctx, cmd)
	case bus.DataWrite:
		b.writeChunk(cmd)
	case bus.NewFileCreate:
		b.createThenRequest(ctx, cmd)
	}
}

// serveDataRequest streams the requested file back to the asking peer in
// readChunkSize chunks, blocking (per spec §9) rather than dropping, since
// chunk loss would corrupt the transfer.
func (b *Broker) serveDataRequest(ctx context.Context, cmd bus.InboundCommand) {
	r, ok := b.peers[cmd.SrcPeer]
	if !ok {
		b.log.Warn().Str("peer_id", cmd.SrcPeer).Msg("data request from unknown peer")
		return
	}

	buf := make([]byte, readChunkSize)
	var offset uint64
	for {
		n, err := b.store.ReadRandom(cmd.Path, offset, buf)
		if err != nil {
			b.log.Warn().Err(err).Str("path", cmd.Path).Msg("read_random failed serving data request")
			return
		}
		if n == 0 {
			return
		}
		env := wire.WrapCommand(wire.Command{Kind: wire.KindWriteData, WriteData: &wire.WriteDataCommand{
			ID: uuid.New(), PeerID: b.myPeerID, FilePath: cmd.Path, Offset: offset, Data: append([]byte(nil), buf[:n]...),
		}})
		if err := r.EnqueueChunk(ctx, env); err != nil {
			b.log.Warn().Err(err).Str("peer_id", cmd.SrcPeer).Msg("enqueueing chunk failed")
			return
		}
		offset += uint64(n)
	}
}

func (b *Broker) writeChunk(cmd bus.InboundCommand) {
	if err := b.store.WriteRandom(cmd.Path, cmd.Offset, cmd.Data); err != nil {
		b.log.Warn().Err(err).Str("path", cmd.Path).Msg("write_random failed")
		return
	}
	if f, ok := b.inFlight[cmd.Path]; ok && cmd.Offset+uint64(len(cmd.Data)) >= f.size {
		delete(b.inFlight, cmd.Path)
	}
}

// createThenRequest materializes the announced file and, unless its content
// already matches, immediately asks the sender for it (spec §6: Broker
// reacting to NewFileCreate with RequestData).
func (b *Broker) createThenRequest(ctx context.Context, cmd bus.InboundCommand) {
	result, err := b.store.CreateFile(cmd.Path, cmd.Digest)
	if err != nil {
		b.log.Warn().Err(err).Str("path", cmd.Path).Msg("create_file failed")
		return
	}
	if result == store.SkippedSameHash {
		return
	}

	b.sendTo(cmd.SrcPeer, wire.Command{Kind: wire.KindDataRequest, DataRequest: &wire.DataRequestCommand{
		ID: uuid.New(), PeerID: b.myPeerID, FilePath: cmd.Path,
	}})

	// A zero-byte file has no chunks coming, so no DataWrite will ever
	// arrive to clear this entry via writeChunk's size-counting check.
	if cmd.Size == 0 {
		return
	}
	b.inFlight[cmd.Path] = inFlightFile{sha: cmd.Digest, size: cmd.Size}
}
