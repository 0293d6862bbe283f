// Package peer implements the per-socket duplex Peer Connection state
// machine (spec §4.4) and the Listen Acceptor (spec §4.5).
//
// It reshapes the teacher's TCPTransport/TCPPeer/handleConn
// (GoVaultFS p2p/tcp_transport.go) from a single-goroutine read-and-block
// model into the Broker-delegating, bus-event-producing model the spec
// calls for: one reader goroutine decodes frames and forwards them to the
// event bus; one writer goroutine drains a per-peer channel onto the
// socket, so a slow peer never blocks another peer's fan-out (spec §9).
package peer

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/keaz/go-sync/bus"
	"github.com/keaz/go-sync/wire"
	"github.com/keaz/go-sync/xerr"
)

// errorThreshold is the number of consecutive frame-parse errors that
// closes a connection as PeerFlaky (spec §4.4, §9: reset only on success).
const errorThreshold = 10

// sendBacklog bounds each peer's outbound channel.
const sendBacklog = 64

// Connection owns one TCP socket to a peer and runs its read/write halves.
type Connection struct {
	conn net.Conn
	log  zerolog.Logger

	send chan wire.Envelope
	once sync.Once
}

func newConnection(conn net.Conn, log zerolog.Logger) *Connection {
	return &Connection{
		conn: conn,
		log:  log,
		send: make(chan wire.Envelope, sendBacklog),
	}
}

// close closes the underlying socket and the send channel exactly once.
// Closing send here — from the connection that owns it — is what lets the
// writer goroutine observe "the record was dropped" without the Broker
// ever touching the channel directly (spec §9's cyclic-ownership note).
func (c *Connection) close(err error) {
	c.once.Do(func() {
		if err != nil {
			c.log.Debug().Err(err).Msg("connection closing")
		}
		close(c.send)
		c.conn.Close()
	})
}

// keepaliveInterval is how long the writer waits for outbound traffic
// before sending a Test frame, so a silently-dead peer (no announcements,
// no chunks) still gets exercised often enough for a write error to surface
// it (spec §10).
const keepaliveInterval = 30 * time.Second

func (c *Connection) runWriter() {
	w := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			if err := wire.WriteFrame(w, env); err != nil {
				c.log.Warn().Err(err).Msg("write frame failed, closing connection")
				c.close(err)
				return
			}
			ticker.Reset(keepaliveInterval)
		case <-ticker.C:
			keepalive := wire.WrapCommand(wire.Command{Kind: wire.KindTest, Test: &wire.Test{
				ID: uuid.New(), Message: "keepalive",
			}})
			if err := wire.WriteFrame(w, keepalive); err != nil {
				c.log.Warn().Err(err).Msg("keepalive write failed, closing connection")
				c.close(err)
				return
			}
		}
	}
}

// Accept runs the AWAIT_CONNECT → REGISTERED → loop → CLOSED state machine
// for an inbound socket. It blocks until the connection closes; call it in
// its own goroutine per accepted socket.
func Accept(conn net.Conn, events chan<- bus.Event, log zerolog.Logger) {
	c := newConnection(conn, log.With().Str("remote", conn.RemoteAddr().String()).Logger())
	go c.runWriter()

	scanner := wire.NewScanner(conn)
	if !scanner.Scan() {
		err := scanner.Err()
		if err == nil {
			err = errors.New("peer disconnected before Connect")
		}
		c.close(errors.Wrap(xerr.Io, err.Error()))
		return
	}

	var env wire.Envelope
	if err := json.Unmarshal(scanner.Bytes(), &env); err != nil || env.Validate() != nil ||
		env.Command == nil || env.Command.Kind != wire.KindConnect {
		c.log.Warn().Msg("first frame was not a Connect command")
		c.close(errors.Wrap(xerr.Protocol, "expected Connect as first frame"))
		return
	}

	connectCmd := env.Command.Connect
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	record := bus.NewRecord(connectCmd.ClientID, host, connectCmd.Port, c.send, func() {
		c.close(nil)
	})
	events <- bus.NewPeer{ID: uuid.New(), Record: record}

	c.runRegisteredLoop(connectCmd.ClientID, events, scanner)
}

// Dial opens an outbound connection to a peer already known from the
// rendezvous roster, announces ourselves, and runs the REGISTERED loop
// directly — we do not wait for the remote's Connect because we already
// know its identity (spec §4.6).
func Dial(ctx context.Context, addr string, selfID string, selfPort int, remotePeerID, remoteHost string, remotePort int, events chan<- bus.Event, log zerolog.Logger) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(xerr.Io, "dialing peer "+addr+": "+err.Error())
	}

	c := newConnection(conn, log.With().Str("remote", addr).Logger())
	go c.runWriter()

	record := bus.NewRecord(remotePeerID, remoteHost, remotePort, c.send, func() {
		c.close(nil)
	})

	select {
	case c.send <- wire.WrapCommand(wire.Command{Kind: wire.KindConnect, Connect: &wire.Connect{
		ID: uuid.New(), ClientID: selfID, Port: selfPort,
	}}):
	default:
		c.close(errors.New("send backlog full announcing Connect"))
		return errors.New("could not announce Connect to " + addr)
	}

	events <- bus.NewPeer{ID: uuid.New(), Record: record}

	scanner := wire.NewScanner(conn)
	c.runRegisteredLoop(remotePeerID, events, scanner)
	return nil
}

// runRegisteredLoop decodes frames until EOF, a protocol error, or
// PeerFlaky, forwarding DataRequest/DataWrite/NewFileCreate to the Broker
// and handling Leave/Test/CreateFolder/ModifyFile locally (spec §4.4).
func (c *Connection) runRegisteredLoop(peerID string, events chan<- bus.Event, scanner *bufio.Scanner) {
	errCount := 0
	for scanner.Scan() {
		var env wire.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil || env.Validate() != nil {
			errCount++
			c.log.Warn().Err(err).Int("errCount", errCount).Msg("malformed frame")
			if errCount >= errorThreshold {
				c.log.Warn().Msg("peer flaky, closing connection")
				events <- bus.LeavePeer{ID: uuid.New(), PeerID: peerID}
				c.close(errors.Wrap(xerr.PeerFlaky, "too many consecutive malformed frames"))
				return
			}
			continue
		}
		errCount = 0

		if env.Command == nil {
			continue // PeerEvent frames are reserved, not currently produced.
		}
		c.handleCommand(peerID, *env.Command, events)
	}

	events <- bus.LeavePeer{ID: uuid.New(), PeerID: peerID}
	c.close(nil)
}

func (c *Connection) handleCommand(peerID string, cmd wire.Command, events chan<- bus.Event) {
	switch cmd.Kind {
	case wire.KindLeave:
		c.log.Info().Str("peer_id", peerID).Msg("peer announced leave")
		events <- bus.LeavePeer{ID: cmd.Leave.ID, PeerID: cmd.Leave.ClientID}
	case wire.KindTest:
		c.log.Debug().Str("peer_id", peerID).Str("message", cmd.Test.Message).Msg("test keepalive")
	case wire.KindCreateFolder:
		c.log.Debug().Str("peer_id", peerID).Str("folder", cmd.CreateFolder.FolderPath).Msg("create folder command received")
	case wire.KindModifyFile:
		c.log.Debug().Str("peer_id", peerID).Str("file", cmd.ModifyFile.FilePath).Msg("modify file command received")
	case wire.KindDataRequest:
		events <- bus.InboundCommand{
			EventID: cmd.DataRequest.ID, Kind: bus.DataRequest,
			SrcPeer: peerID, Path: cmd.DataRequest.FilePath,
		}
	case wire.KindWriteData:
		events <- bus.InboundCommand{
			EventID: cmd.WriteData.ID, Kind: bus.DataWrite,
			SrcPeer: peerID, Path: cmd.WriteData.FilePath,
			Offset: cmd.WriteData.Offset, Data: cmd.WriteData.Data,
		}
	case wire.KindCreateNewFile:
		events <- bus.InboundCommand{
			EventID: cmd.CreateNewFile.ID, Kind: bus.NewFileCreate,
			SrcPeer: peerID, Path: cmd.CreateNewFile.FilePath,
			Digest: cmd.CreateNewFile.Sha, Size: cmd.CreateNewFile.Size,
		}
	case wire.KindConnect:
		c.log.Warn().Str("peer_id", peerID).Msg("received unexpected Connect after handshake")
	}
}
