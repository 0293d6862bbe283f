// Package wire implements the line-delimited JSON envelope shared by the
// peer and rendezvous protocols: one JSON object per line, terminated by
// '\n', capped at MaxFrameBytes.
//
// It replaces the teacher's gob-based p2p.Decoder (GoVaultFS p2p/encoding.go)
// with a textual, externally-tagged-enum codec grounded in the original
// Rust wire format (serde_json over an async_std BufReader::lines()).
package wire

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/keaz/go-sync/xerr"
)

// MaxFrameBytes is the largest single line this codec will accept.
const MaxFrameBytes = 1 << 20 // 1 MiB

// NewScanner returns a bufio.Scanner configured to split r on '\n' and to
// reject any single line larger than MaxFrameBytes.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), MaxFrameBytes)
	s.Split(bufio.ScanLines)
	return s
}

// WriteFrame marshals v and writes it to w as one line, then flushes.
func WriteFrame(w *bufio.Writer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(xerr.Protocol, err.Error())
	}
	if len(b) > MaxFrameBytes {
		return errors.Wrapf(xerr.Protocol, "frame of %d bytes exceeds max %d", len(b), MaxFrameBytes)
	}
	if _, err := w.Write(b); err != nil {
		return errors.Wrap(xerr.Io, err.Error())
	}
	if err := w.WriteByte('\n'); err != nil {
		return errors.Wrap(xerr.Io, err.Error())
	}
	return w.Flush()
}

// tagged is the wire shape of an externally tagged single-variant enum:
// {"<Variant>": {...fields}}.
type tagged map[string]json.RawMessage

// EncodeTagged renders payload under a single-key {"variant": payload}
// object. Exported so other packages (rendezvous) can reuse the same
// tagged-enum shape for their own frames.
func EncodeTagged(variant string, payload interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tagged{variant: raw})
}

// DecodeTagged extracts the single variant key and its payload from a
// tagged-enum frame.
func DecodeTagged(raw json.RawMessage) (variant string, payload json.RawMessage, err error) {
	var t tagged
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", nil, err
	}
	if len(t) != 1 {
		return "", nil, errors.Errorf("tagged enum must have exactly one key, got %d", len(t))
	}
	for k, v := range t {
		return k, v, nil
	}
	return "", nil, errors.New("unreachable")
}
