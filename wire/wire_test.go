package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keaz/go-sync/xerr"
)

func roundTrip(t *testing.T, env Envelope) Envelope {
	t.Helper()

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteFrame(w, env))

	assert.Equal(t, byte('\n'), buf.Bytes()[buf.Len()-1], "frame must terminate with exactly one newline")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")), "frame must contain exactly one newline")

	scanner := NewScanner(&buf)
	require.True(t, scanner.Scan())

	var got Envelope
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &got))
	return got
}

func TestCommandRoundTrip(t *testing.T) {
	id := uuid.New()

	cases := []Command{
		{Kind: KindConnect, Connect: &Connect{ID: id, ClientID: "client_1", Port: 8001}},
		{Kind: KindLeave, Leave: &Leave{ID: id, ClientID: "client_1"}},
		{Kind: KindCreateNewFile, CreateNewFile: &CreateNewFile{ID: id, PeerID: "client_1", FilePath: "a/b.txt", Sha: "DEADBEEF", Size: 42}},
		{Kind: KindCreateFolder, CreateFolder: &CreateFolder{ID: id, PeerID: "client_1", FolderPath: "a/b"}},
		{Kind: KindModifyFile, ModifyFile: &ModifyFile{ID: id, PeerID: "client_1", FilePath: "a/b.txt"}},
		{Kind: KindDataRequest, DataRequest: &DataRequestCommand{ID: id, PeerID: "client_1", FilePath: "a/b.txt"}},
		{Kind: KindWriteData, WriteData: &WriteDataCommand{ID: id, PeerID: "client_1", FilePath: "a/b.txt", Offset: 256, Data: []byte("hello")}},
		{Kind: KindTest, Test: &Test{ID: id, PeerID: "client_1", Message: "ping"}},
	}

	for _, c := range cases {
		t.Run(c.Kind, func(t *testing.T) {
			got := roundTrip(t, WrapCommand(c))
			require.NoError(t, got.Validate())
			require.NotNil(t, got.Command)
			assert.Equal(t, c, *got.Command)
		})
	}
}

func TestEventRoundTrip(t *testing.T) {
	id := uuid.New()

	cases := []Event{
		{Kind: KindConnected, Connected: &Connected{ID: id, ClientID: "client_1", Port: 8001}},
		{Kind: KindLeft, Left: &Left{ID: id, ClientID: "client_1"}},
	}

	for _, e := range cases {
		t.Run(e.Kind, func(t *testing.T) {
			got := roundTrip(t, WrapEvent(e))
			require.NoError(t, got.Validate())
			require.NotNil(t, got.Event)
			assert.Equal(t, e, *got.Event)
		})
	}
}

func TestWriteDataCommand_DataIsBase64EncodedOnWire(t *testing.T) {
	id := uuid.New()
	cmd := Command{Kind: KindWriteData, WriteData: &WriteDataCommand{
		ID: id, PeerID: "p", FilePath: "f", Offset: 0, Data: []byte{0, 1, 2, 255},
	}}

	raw, err := json.Marshal(WrapCommand(cmd))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"data":"`)
	assert.NotContains(t, string(raw), "\x00")
}

func TestDecode_MalformedFrameIsProtocolError(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"peer_message":"PeerCommand","command":{"NotAVariant":{}}}`), &env)
	assert.ErrorIs(t, err, xerr.Protocol)
}

func TestDecode_UnknownPeerMessageFailsValidation(t *testing.T) {
	env := Envelope{PeerMessage: "Bogus"}
	assert.Error(t, env.Validate())
}

func TestScanner_RejectsOversizedFrame(t *testing.T) {
	huge := bytes.Repeat([]byte("a"), MaxFrameBytes+1)
	var buf bytes.Buffer
	buf.Write(huge)
	buf.WriteByte('\n')

	scanner := NewScanner(&buf)
	ok := scanner.Scan()
	if ok {
		t.Fatalf("expected oversized frame to fail scanning")
	}
	assert.Error(t, scanner.Err())
}
