// Package bus defines the internal event-bus vocabulary shared between the
// Watcher, Peer Connections, the Rendezvous Client, and the Broker: the
// single channel of typed events that the Broker serializes.
//
// Keeping this vocabulary in its own package (rather than inside broker)
// lets peer and watch depend on the event shapes without importing broker
// itself, avoiding an import cycle while still matching the teacher's
// "shared message types, one consumer" shape (GoVaultFS server.go's
// Message/MessageStoreFile/MessageGetFile, generalized to a full enum of
// peer-lifecycle and file events).
package bus

import (
	"context"

	"github.com/google/uuid"

	"github.com/keaz/go-sync/wire"
)

// Record is a live peer entry: exactly one exists per PeerID at any instant
// (spec invariant 1). Send is the only path to that peer's socket; it is
// owned and closed by the owning Peer Connection, never by the Broker.
type Record struct {
	PeerID  string
	Host    string
	Port    int
	Send    chan wire.Envelope
	cleanup func()
}

// NewRecord constructs a Record. cleanup, if non-nil, is run by Close,
// which the Broker calls when it removes the record (LeavePeer) or shuts
// down; it is how the Broker asks the owning Peer Connection to release its
// socket.
func NewRecord(peerID, host string, port int, send chan wire.Envelope, cleanup func()) *Record {
	return &Record{PeerID: peerID, Host: host, Port: port, Send: send, cleanup: cleanup}
}

// Close runs the record's cleanup hook. Safe to call from the Broker after
// removing the record from its peer map.
func (r *Record) Close() {
	if r.cleanup != nil {
		r.cleanup()
	}
}

// EnqueueAnnounce queues env for this peer's writer goroutine, dropping the
// oldest pending announcement if the channel is full. Per the fan-out
// redesign in spec §9, a slow peer's backlog must not stall the Broker; an
// announcement is a cheap-to-resend "I made a change" signal, so losing
// the oldest is preferable to blocking. Safe only because the Broker is
// the single goroutine that ever sends on Record.Send.
func (r *Record) EnqueueAnnounce(env wire.Envelope) {
	select {
	case r.Send <- env:
		return
	default:
	}
	select {
	case <-r.Send:
	default:
	}
	select {
	case r.Send <- env:
	default:
	}
}

// EnqueueChunk queues env for this peer's writer goroutine, blocking until
// there is room or ctx is cancelled. File-chunk streams must not be
// silently dropped (spec §9: "bounded + block for file-chunk streams").
func (r *Record) EnqueueChunk(ctx context.Context, env wire.Envelope) error {
	select {
	case r.Send <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Event is any message that can arrive on the Broker's single inbound
// channel.
type Event interface {
	isEvent()
}

// NewPeer is emitted by a Peer Connection once it completes AWAIT_CONNECT,
// or by the Rendezvous Client for an outbound connection it established.
type NewPeer struct {
	ID     uuid.UUID
	Record *Record
}

func (NewPeer) isEvent() {}

// LeavePeer is emitted on socket EOF, protocol error, or an explicit Leave
// command. Idempotent at the Broker: removing an absent peer is a no-op.
type LeavePeer struct {
	ID     uuid.UUID
	PeerID string
}

func (LeavePeer) isEvent() {}

// OutboundKind enumerates the cross-peer commands the Watcher can request.
type OutboundKind int

const (
	FileCreated OutboundKind = iota
	FileModified
	FileDeleted
	FolderCreated
	FolderDeleted
	RequestData
)

// OutboundCommand is produced by the Watcher, describing a cross-peer
// command to emit. The Broker handles a RequestData kind, but no component
// produces one: on a NewFileCreate the Broker sends its DataRequestCommand
// directly.
type OutboundCommand struct {
	EventID    uuid.UUID
	Kind       OutboundKind
	Path       string
	Digest     string
	Size       uint64
	TargetPeer string // only meaningful for RequestData
}

func (OutboundCommand) isEvent() {}

// InboundKind enumerates the commands a Peer Connection can forward from
// the wire to the Broker.
type InboundKind int

const (
	DataRequest InboundKind = iota
	DataWrite
	NewFileCreate
)

// InboundCommand is produced by a Peer Connection after decoding a frame
// that the Broker, not the connection itself, must act on.
type InboundCommand struct {
	EventID  uuid.UUID
	Kind     InboundKind
	SrcPeer  string
	Path     string
	Digest   string
	Size     uint64
	Offset   uint64
	Data     []byte
}

func (InboundCommand) isEvent() {}
