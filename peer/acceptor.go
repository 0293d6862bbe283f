package peer

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/keaz/go-sync/bus"
	"github.com/keaz/go-sync/xerr"
)

// PortRangeStart and PortRangeEnd bound the listen port search (spec §4.5,
// §6): the first free port in [8000, 9000) is chosen, falling back to 9000.
const (
	PortRangeStart = 8000
	PortRangeEnd   = 9000
	PortFallback   = 9000
)

// Acceptor binds a TCP listener and spawns a Connection in AWAIT_CONNECT
// for every accepted socket. It mirrors the teacher's
// TCPTransport.ListenAndAccept/startAcceptLoop (GoVaultFS
// p2p/tcp_transport.go), generalized to feed the shared event bus instead
// of a single RPC channel.
type Acceptor struct {
	listener net.Listener
	Port     int
	log      zerolog.Logger
}

// Listen binds the first free port in [PortRangeStart, PortRangeEnd),
// falling back to PortFallback if none are free.
func Listen(log zerolog.Logger) (*Acceptor, error) {
	for port := PortRangeStart; port < PortRangeEnd; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		if l, err := net.Listen("tcp", addr); err == nil {
			return &Acceptor{listener: l, Port: port, log: log}, nil
		}
	}

	addr := fmt.Sprintf("127.0.0.1:%d", PortFallback)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(xerr.Fatal, "cannot bind fallback port %d: %v", PortFallback, err)
	}
	return &Acceptor{listener: l, Port: PortFallback, log: log}, nil
}

// Addr returns the bound address.
func (a *Acceptor) Addr() string {
	return a.listener.Addr().String()
}

// Close stops accepting new connections.
func (a *Acceptor) Close() error {
	return a.listener.Close()
}

// Run accepts connections until the listener is closed, spawning one
// Connection per socket. It never drops events, the Broker's sender; the
// caller is responsible for shutting the listener down.
func (a *Acceptor) Run(events chan<- bus.Event) error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			a.log.Warn().Err(err).Msg("accept error")
			continue
		}
		a.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("accepted connection")
		go Accept(conn, events, a.log)
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
