package wire

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/keaz/go-sync/xerr"
)

// Command variant names, used as the tagged-enum key on the wire.
const (
	KindConnect       = "Connect"
	KindLeave         = "Leave"
	KindCreateNewFile = "CreateNewFile"
	KindCreateFolder  = "CreateFolder"
	KindModifyFile    = "ModifyFile"
	KindDataRequest   = "DataRequestCommand"
	KindWriteData     = "WriteDataCommand"
	KindTest          = "Test"
)

// Connect is the first frame on every peer socket.
type Connect struct {
	ID       uuid.UUID `json:"id"`
	ClientID string    `json:"client_id"`
	Port     int       `json:"port"`
}

// Leave announces a clean peer departure.
type Leave struct {
	ID       uuid.UUID `json:"id"`
	ClientID string    `json:"client_id"`
}

// CreateNewFile announces that the sender just created or modified
// file_path with the given digest; the receiver is expected to request it.
// Size is carried so the receiver can clear its in-flight bookkeeping by
// counting bytes received rather than guessing EOF from a short read.
type CreateNewFile struct {
	ID       uuid.UUID `json:"id"`
	PeerID   string    `json:"peer_id"`
	FilePath string    `json:"file_path"`
	Sha      string    `json:"sha"`
	Size     uint64    `json:"size"`
}

// CreateFolder announces a new folder.
type CreateFolder struct {
	ID         uuid.UUID `json:"id"`
	PeerID     string    `json:"peer_id"`
	FolderPath string    `json:"folder_path"`
}

// ModifyFile announces a content change to an existing file.
type ModifyFile struct {
	ID       uuid.UUID `json:"id"`
	PeerID   string    `json:"peer_id"`
	FilePath string    `json:"file_path"`
}

// DataRequestCommand asks the receiving peer to send file_path.
type DataRequestCommand struct {
	ID       uuid.UUID `json:"id"`
	PeerID   string    `json:"peer_id"`
	FilePath string    `json:"file_path"`
}

// WriteDataCommand carries one chunk of file content.
type WriteDataCommand struct {
	ID       uuid.UUID `json:"id"`
	PeerID   string    `json:"peer_id"`
	FilePath string    `json:"file_path"`
	Offset   uint64    `json:"offset"`
	Data     []byte    `json:"data"`
}

// Test is a debug keepalive, carrying a free-form message.
type Test struct {
	ID      uuid.UUID `json:"id"`
	PeerID  string    `json:"peer_id"`
	Message string    `json:"message"`
}

// Command is any peer-protocol command frame.
type Command struct {
	Kind string

	Connect       *Connect
	Leave         *Leave
	CreateNewFile *CreateNewFile
	CreateFolder  *CreateFolder
	ModifyFile    *ModifyFile
	DataRequest   *DataRequestCommand
	WriteData     *WriteDataCommand
	Test          *Test
}

func (c Command) payload() (string, interface{}) {
	switch c.Kind {
	case KindConnect:
		return KindConnect, c.Connect
	case KindLeave:
		return KindLeave, c.Leave
	case KindCreateNewFile:
		return KindCreateNewFile, c.CreateNewFile
	case KindCreateFolder:
		return KindCreateFolder, c.CreateFolder
	case KindModifyFile:
		return KindModifyFile, c.ModifyFile
	case KindDataRequest:
		return KindDataRequest, c.DataRequest
	case KindWriteData:
		return KindWriteData, c.WriteData
	case KindTest:
		return KindTest, c.Test
	default:
		return "", nil
	}
}

// MarshalJSON renders the command as an externally tagged enum:
// {"<Variant>": {...fields}}.
func (c Command) MarshalJSON() ([]byte, error) {
	kind, payload := c.payload()
	if kind == "" {
		return nil, errors.Errorf("command has unknown kind %q", c.Kind)
	}
	raw, err := EncodeTagged(kind, payload)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// UnmarshalJSON parses a tagged command enum back into the matching field.
func (c *Command) UnmarshalJSON(data []byte) error {
	kind, payload, err := DecodeTagged(data)
	if err != nil {
		return errors.Wrap(xerr.Protocol, err.Error())
	}
	c.Kind = kind

	var unmarshalErr error
	switch kind {
	case KindConnect:
		c.Connect = new(Connect)
		unmarshalErr = json.Unmarshal(payload, c.Connect)
	case KindLeave:
		c.Leave = new(Leave)
		unmarshalErr = json.Unmarshal(payload, c.Leave)
	case KindCreateNewFile:
		c.CreateNewFile = new(CreateNewFile)
		unmarshalErr = json.Unmarshal(payload, c.CreateNewFile)
	case KindCreateFolder:
		c.CreateFolder = new(CreateFolder)
		unmarshalErr = json.Unmarshal(payload, c.CreateFolder)
	case KindModifyFile:
		c.ModifyFile = new(ModifyFile)
		unmarshalErr = json.Unmarshal(payload, c.ModifyFile)
	case KindDataRequest:
		c.DataRequest = new(DataRequestCommand)
		unmarshalErr = json.Unmarshal(payload, c.DataRequest)
	case KindWriteData:
		c.WriteData = new(WriteDataCommand)
		unmarshalErr = json.Unmarshal(payload, c.WriteData)
	case KindTest:
		c.Test = new(Test)
		unmarshalErr = json.Unmarshal(payload, c.Test)
	default:
		return errors.Wrapf(xerr.Protocol, "unknown command variant %q", kind)
	}
	if unmarshalErr != nil {
		return errors.Wrap(xerr.Protocol, unmarshalErr.Error())
	}
	return nil
}
