package broker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keaz/go-sync/bus"
	"github.com/keaz/go-sync/store"
	"github.com/keaz/go-sync/wire"
)

func newTestBroker(t *testing.T) (*Broker, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return New("self", st, zerolog.Nop()), st
}

func newPeerRecord(peerID string) (*bus.Record, chan wire.Envelope) {
	send := make(chan wire.Envelope, 8)
	return bus.NewRecord(peerID, "127.0.0.1", 9001, send, func() {}), send
}

func TestNewPeerRegistersAndDuplicateIsIgnored(t *testing.T) {
	b, _ := newTestBroker(t)
	r, _ := newPeerRecord("peer-a")

	b.handleNewPeer(bus.NewPeer{ID: uuid.New(), Record: r})
	assert.Len(t, b.peers, 1)

	other, _ := newPeerRecord("peer-a")
	b.handleNewPeer(bus.NewPeer{ID: uuid.New(), Record: other})
	assert.Len(t, b.peers, 1)
	assert.Same(t, r, b.peers["peer-a"])
}

func TestLeavePeerRemovesAndIsIdempotent(t *testing.T) {
	b, _ := newTestBroker(t)
	r, _ := newPeerRecord("peer-a")
	b.handleNewPeer(bus.NewPeer{ID: uuid.New(), Record: r})

	b.handleLeavePeer(bus.LeavePeer{ID: uuid.New(), PeerID: "peer-a"})
	assert.Len(t, b.peers, 0)

	// Leaving again must not panic or error.
	b.handleLeavePeer(bus.LeavePeer{ID: uuid.New(), PeerID: "peer-a"})
	assert.Len(t, b.peers, 0)
}

func TestFileCreatedBroadcastsToAllPeers(t *testing.T) {
	b, _ := newTestBroker(t)
	rA, sendA := newPeerRecord("peer-a")
	rB, sendB := newPeerRecord("peer-b")
	b.handleNewPeer(bus.NewPeer{ID: uuid.New(), Record: rA})
	b.handleNewPeer(bus.NewPeer{ID: uuid.New(), Record: rB})

	b.handleOutbound(context.Background(), bus.OutboundCommand{
		EventID: uuid.New(), Kind: bus.FileCreated, Path: "a.txt", Digest: "ABCD", Size: 4,
	})

	for _, ch := range []chan wire.Envelope{sendA, sendB} {
		select {
		case env := <-ch:
			require.NotNil(t, env.Command)
			assert.Equal(t, wire.KindCreateNewFile, env.Command.Kind)
			assert.Equal(t, "a.txt", env.Command.CreateNewFile.FilePath)
		case <-time.After(time.Second):
			t.Fatal("expected an announcement on every peer's send channel")
		}
	}

	// Pushing the file must pin it in InFlightSet too, so a rapid re-create
	// of the same path (e.g. an editor's atomic save) is suppressed rather
	// than re-announced (spec invariant 2).
	require.Contains(t, b.inFlight, "a.txt")
	assert.Equal(t, inFlightFile{sha: "ABCD", size: 4}, b.inFlight["a.txt"])
}

func TestFileCreatedSuppressedWhileInFlight(t *testing.T) {
	b, _ := newTestBroker(t)
	r, send := newPeerRecord("peer-a")
	b.handleNewPeer(bus.NewPeer{ID: uuid.New(), Record: r})
	b.inFlight["a.txt"] = inFlightFile{sha: "ABCD", size: 4}

	b.handleOutbound(context.Background(), bus.OutboundCommand{
		EventID: uuid.New(), Kind: bus.FileCreated, Path: "a.txt", Digest: "ABCD", Size: 4,
	})

	select {
	case <-send:
		t.Fatal("expected no announcement while file is in flight")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewFileCreateMaterializesAndRequestsData(t *testing.T) {
	b, st := newTestBroker(t)
	r, send := newPeerRecord("peer-a")
	b.handleNewPeer(bus.NewPeer{ID: uuid.New(), Record: r})

	b.handleInbound(context.Background(), bus.InboundCommand{
		EventID: uuid.New(), Kind: bus.NewFileCreate, SrcPeer: "peer-a",
		Path: "new.txt", Digest: "DEADBEEF", Size: 10,
	})

	_, statErr := st.SHA256("new.txt")
	assert.NoError(t, statErr)
	assert.Contains(t, b.inFlight, "new.txt")

	select {
	case env := <-send:
		require.NotNil(t, env.Command)
		assert.Equal(t, wire.KindDataRequest, env.Command.Kind)
		assert.Equal(t, "new.txt", env.Command.DataRequest.FilePath)
	case <-time.After(time.Second):
		t.Fatal("expected a DataRequest to be sent back to the announcing peer")
	}
}

func TestNewFileCreateOfZeroByteFileDoesNotPinInFlightForever(t *testing.T) {
	b, st := newTestBroker(t)
	r, send := newPeerRecord("peer-a")
	b.handleNewPeer(bus.NewPeer{ID: uuid.New(), Record: r})

	b.handleInbound(context.Background(), bus.InboundCommand{
		EventID: uuid.New(), Kind: bus.NewFileCreate, SrcPeer: "peer-a",
		Path: "empty.txt", Digest: "", Size: 0,
	})

	_, statErr := st.SHA256("empty.txt")
	assert.NoError(t, statErr)
	// No DataWrite will ever arrive for a zero-byte file, so the entry must
	// not be left pinned in InFlightSet (spec §8's empty-file boundary).
	assert.NotContains(t, b.inFlight, "empty.txt")

	select {
	case env := <-send:
		require.NotNil(t, env.Command)
		assert.Equal(t, wire.KindDataRequest, env.Command.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a DataRequest even for a zero-byte file")
	}
}

func TestDataWriteClearsInFlightOnceSizeReached(t *testing.T) {
	b, st := newTestBroker(t)
	_, err := st.CreateFile("f.txt", "")
	require.NoError(t, err)
	b.inFlight["f.txt"] = inFlightFile{sha: "X", size: 5}

	b.handleInbound(context.Background(), bus.InboundCommand{
		Kind: bus.DataWrite, Path: "f.txt", Offset: 0, Data: []byte("hello"),
	})

	assert.NotContains(t, b.inFlight, "f.txt")
}

func TestDataRequestStreamsFileInChunks(t *testing.T) {
	b, st := newTestBroker(t)
	_, err := st.CreateFile("big.txt", "")
	require.NoError(t, err)
	require.NoError(t, st.WriteRandom("big.txt", 0, []byte("hello world")))

	r, send := newPeerRecord("peer-a")
	b.handleNewPeer(bus.NewPeer{ID: uuid.New(), Record: r})

	b.handleInbound(context.Background(), bus.InboundCommand{
		Kind: bus.DataRequest, SrcPeer: "peer-a", Path: "big.txt",
	})

	select {
	case env := <-send:
		require.NotNil(t, env.Command)
		assert.Equal(t, wire.KindWriteData, env.Command.Kind)
		assert.Equal(t, []byte("hello world"), env.Command.WriteData.Data)
	case <-time.After(time.Second):
		t.Fatal("expected a WriteDataCommand chunk")
	}
}
