package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/synxpo/synxpo/internal/synxpoerr"
)

// Frame is the envelope every message travels in: a type discriminator, a
// client-minted request id used to correlate a reply with its request (and
// to route unsolicited server pushes, which carry an empty id), a
// correlation id carried on every frame regardless of request id (so a
// server push with no request id is still traceable through the logs, the
// way mountsync.HTTPClient's X-Correlation-Id survives a request that gets
// no synchronous reply), and the JSON-encoded payload matching Type.
type Frame struct {
	Type          string          `json:"type"`
	RequestID     string          `json:"request_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a Frame of the given type. The correlation
// id defaults to the request id when one is present (a request and its
// reply already share that value); a request-less push mints its own so it
// still has something to grep server logs by.
func NewFrame(typ, requestID string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, synxpoerr.NewInternal("marshal frame payload", err)
	}
	correlationID := requestID
	if correlationID == "" {
		correlationID = NewID()
	}
	return Frame{Type: typ, RequestID: requestID, CorrelationID: correlationID, Payload: raw}, nil
}

// Decode unmarshals f.Payload into out.
func (f Frame) Decode(out any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return synxpoerr.NewInternal(fmt.Sprintf("decode %s payload", f.Type), err)
	}
	return nil
}

func marshalFrame(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, synxpoerr.NewInternal("marshal frame", err)
	}
	return body, nil
}

func unmarshalFrame(body []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, synxpoerr.NewInternal("unmarshal frame", err)
	}
	return f, nil
}

// maxFrameSize bounds a single length-delimited frame, guarding a
// misbehaving peer from forcing an unbounded allocation.
const maxFrameSize = 64 * 1024 * 1024

// WriteLengthDelimited writes f to w as a 4-byte big-endian length prefix
// followed by the JSON body. Used for the raw-stream codec (tests, and any
// transport that is not already message-framed).
func WriteLengthDelimited(w io.Writer, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return synxpoerr.NewInternal("marshal frame", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadLengthDelimited reads one frame written by WriteLengthDelimited.
func ReadLengthDelimited(r io.Reader) (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return Frame{}, synxpoerr.NewInternal(fmt.Sprintf("frame of %d bytes exceeds limit", size), nil)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, synxpoerr.NewInternal("unmarshal frame", err)
	}
	return f, nil
}
