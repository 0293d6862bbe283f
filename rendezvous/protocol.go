// Package rendezvous implements the Rendezvous Client (spec §4.6): the
// single outbound connection to the rendezvous server that announces this
// node, receives the current peer roster, and is told about departures.
//
// It reuses wire's tagged-enum helpers directly (no PeerCommand/PeerEvent
// envelope wrapper — the rendezvous protocol is its own, simpler, two-enum
// exchange), grounded in the original Rust rendezvous::mod.rs.
package rendezvous

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/keaz/go-sync/wire"
	"github.com/keaz/go-sync/xerr"
)

// ClientCommand variant names.
const (
	KindConnectClient = "ConnectClient"
	KindLeaveClient   = "LeaveClient"
)

// ConnectClient announces this node to the rendezvous server.
type ConnectClient struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	Port     int    `json:"port"`
}

// LeaveClient announces a graceful departure.
type LeaveClient struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
}

// ClientCommand is a message this node sends to the rendezvous server.
type ClientCommand struct {
	Kind string

	ConnectClient *ConnectClient
	LeaveClient   *LeaveClient
}

// MarshalJSON renders the command as an externally tagged enum.
func (c ClientCommand) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case KindConnectClient:
		return wire.EncodeTagged(KindConnectClient, c.ConnectClient)
	case KindLeaveClient:
		return wire.EncodeTagged(KindLeaveClient, c.LeaveClient)
	default:
		return nil, errors.Errorf("client command has unknown kind %q", c.Kind)
	}
}

// ConnectedPeer is one entry in a ClientConnected roster.
type ConnectedPeer struct {
	PeerID  string `json:"peer_id"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// ClientConnected variant name.
const KindClientConnected = "ClientConnected"

// ClientLeft variant name.
const KindClientLeft = "ClientLeft"

// ClientConnected carries the roster of peers known to the rendezvous
// server at the time this node joined (or as it changes).
type ClientConnected struct {
	ID       string          `json:"id"`
	ClientID string          `json:"client_id"`
	Peers    []ConnectedPeer `json:"peers"`
}

// ClientLeft notifies this node that another peer departed.
type ClientLeft struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
}

// ClientEvent is a message received from the rendezvous server.
type ClientEvent struct {
	Kind string

	ClientConnected *ClientConnected
	ClientLeft      *ClientLeft
}

// UnmarshalJSON parses a tagged client-event enum.
func (e *ClientEvent) UnmarshalJSON(data []byte) error {
	kind, payload, err := wire.DecodeTagged(data)
	if err != nil {
		return errors.Wrap(xerr.Protocol, err.Error())
	}
	e.Kind = kind

	var unmarshalErr error
	switch kind {
	case KindClientConnected:
		e.ClientConnected = new(ClientConnected)
		unmarshalErr = json.Unmarshal(payload, e.ClientConnected)
	case KindClientLeft:
		e.ClientLeft = new(ClientLeft)
		unmarshalErr = json.Unmarshal(payload, e.ClientLeft)
	default:
		return errors.Wrapf(xerr.Protocol, "unknown client event variant %q", kind)
	}
	if unmarshalErr != nil {
		return errors.Wrap(xerr.Protocol, unmarshalErr.Error())
	}
	return nil
}
