// Package transport carries node-to-node traffic: ban requests, forwarded
// cancellations and repository verification, encoded as CBOR over HTTP.
package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/kilupskalvis/shardkeep/internal/cancel"
	"github.com/kilupskalvis/shardkeep/internal/tasks"
)

// ContentType is the media type of every internal request and response body.
const ContentType = "application/cbor"

// maxBody caps internal message bodies.
const maxBody = 4 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// TaskID and Outcome travel as their text form.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with core deterministic encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Decode reads one size-limited CBOR body from r into v.
func Decode(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, maxBody+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxBody {
		return errors.New("body too large")
	}
	return Unmarshal(data, v)
}

// wireTaskID is the nested {node, id} form of a task id.
type wireTaskID struct {
	Node string `cbor:"node"`
	ID   int64  `cbor:"id"`
}

// banMessage is the wire form of a ban request. Reason is present iff Ban.
type banMessage struct {
	Parent wireTaskID `cbor:"parent_task_id"`
	Ban    bool       `cbor:"ban"`
	Reason string     `cbor:"reason,omitempty"`
}

// EncodeBan serializes a ban request.
func EncodeBan(req cancel.BanRequest) ([]byte, error) {
	if !req.Parent.IsSet() {
		return nil, errors.New("ban request without parent task id")
	}
	msg := banMessage{
		Parent: wireTaskID{Node: req.Parent.NodeID, ID: req.Parent.ID},
		Ban:    req.Ban,
	}
	if req.Ban {
		msg.Reason = req.Reason
	}
	return Marshal(msg)
}

// DecodeBan parses a ban request.
func DecodeBan(data []byte) (cancel.BanRequest, error) {
	var msg banMessage
	if err := Unmarshal(data, &msg); err != nil {
		return cancel.BanRequest{}, fmt.Errorf("decode ban request: %w", err)
	}
	if msg.Parent.Node == "" {
		return cancel.BanRequest{}, errors.New("decode ban request: missing parent task id")
	}
	req := cancel.BanRequest{
		Parent: tasks.TaskID{NodeID: msg.Parent.Node, ID: msg.Parent.ID},
		Ban:    msg.Ban,
	}
	if msg.Ban {
		req.Reason = msg.Reason
	}
	return req, nil
}

// ErrorBody is the body of a failed internal request.
type ErrorBody struct {
	Error   string `cbor:"error" json:"error"`
	Message string `cbor:"message" json:"message"`
}
