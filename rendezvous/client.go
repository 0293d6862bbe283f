package rendezvous

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/keaz/go-sync/bus"
	"github.com/keaz/go-sync/peer"
	"github.com/keaz/go-sync/wire"
	"github.com/keaz/go-sync/xerr"
)

// Client owns the single outbound connection to the rendezvous server.
type Client struct {
	conn     net.Conn
	clientID string
	log      zerolog.Logger
}

// Connect dials addr, announces clientID/listenPort, and returns a Client
// ready for Run.
func Connect(ctx context.Context, addr, clientID string, listenPort int, log zerolog.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(xerr.Io, "dialing rendezvous server: "+err.Error())
	}

	cmd := ClientCommand{Kind: KindConnectClient, ConnectClient: &ConnectClient{
		ID: uuid.NewString(), ClientID: clientID, Port: listenPort,
	}}
	if err := writeLine(conn, cmd); err != nil {
		conn.Close()
		return nil, err
	}

	return &Client{conn: conn, clientID: clientID, log: log}, nil
}

func writeLine(conn net.Conn, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(xerr.Protocol, err.Error())
	}
	w := bufio.NewWriter(conn)
	if _, err := w.Write(b); err != nil {
		return errors.Wrap(xerr.Io, err.Error())
	}
	if err := w.WriteByte('\n'); err != nil {
		return errors.Wrap(xerr.Io, err.Error())
	}
	return w.Flush()
}

// Close tears down the connection to the rendezvous server.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Run reads ClientEvents from the rendezvous server and stdin concurrently
// until the server connection closes or "EXIT" is read from stdin, at
// which point LeaveClient is sent and Run returns. selfPort is announced to
// every newly discovered peer so it can dial us back.
func (c *Client) Run(ctx context.Context, selfPort int, events chan<- bus.Event) error {
	serverLines := make(chan string)
	serverErr := make(chan error, 1)
	go func() {
		scanner := wire.NewScanner(c.conn)
		for scanner.Scan() {
			serverLines <- scanner.Text()
		}
		serverErr <- scanner.Err()
		close(serverLines)
	}()

	stdinLines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			stdinLines <- scanner.Text()
		}
		close(stdinLines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-serverLines:
			if !ok {
				return <-serverErr
			}
			c.handleLine(ctx, line, selfPort, events)

		case line, ok := <-stdinLines:
			if !ok {
				continue
			}
			if line == "EXIT" {
				c.sendLeave()
				return nil
			}
		}
	}
}

func (c *Client) handleLine(ctx context.Context, line string, selfPort int, events chan<- bus.Event) {
	var ev ClientEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		c.log.Warn().Err(err).Msg("could not parse rendezvous event")
		return
	}

	switch ev.Kind {
	case KindClientConnected:
		for _, p := range ev.ClientConnected.Peers {
			addr := net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
			go func(p ConnectedPeer, addr string) {
				if err := peer.Dial(ctx, addr, c.clientID, selfPort, p.PeerID, p.Address, p.Port, events, c.log); err != nil {
					c.log.Warn().Err(err).Str("peer_id", p.PeerID).Msg("could not connect to discovered peer")
				}
			}(p, addr)
		}
	case KindClientLeft:
		events <- bus.LeavePeer{ID: uuid.New(), PeerID: ev.ClientLeft.ClientID}
	}
}

func (c *Client) sendLeave() {
	cmd := ClientCommand{Kind: KindLeaveClient, LeaveClient: &LeaveClient{
		ID: uuid.NewString(), ClientID: c.clientID,
	}}
	if err := writeLine(c.conn, cmd); err != nil {
		c.log.Warn().Err(err).Msg("could not send LeaveClient on exit")
	}
}
