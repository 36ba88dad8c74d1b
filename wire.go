// SPDX-License-Identifier: GPL-3.0-or-later
//
// Message shape grounded on golang.org/x/tools' internal/jsonrpc2_v2 wire
// encoding (ID as a string|number|nil sum type, a combined wire struct
// decoded once and then discriminated by which fields are present).

package rpcclient

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ResponseKind discriminates the three peer message kinds a [Handle] can
// observe: non-terminal progress, terminal success, terminal failure.
type ResponseKind int

const (
	// ResponseResult is a terminal, successful reply.
	ResponseResult ResponseKind = 1

	// ResponseUpdate is a non-terminal progress message.
	ResponseUpdate ResponseKind = 2

	// ResponseError is a terminal, failed reply.
	ResponseError ResponseKind = 3
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseResult:
		return "RESULT"
	case ResponseUpdate:
		return "UPDATE"
	case ResponseError:
		return "ERROR"
	default:
		return fmt.Sprintf("ResponseKind(%d)", int(k))
	}
}

// wireMessage is every field that can appear on a line of the wire
// protocol. A message is discriminated by which of Result/Update/Error is
// present: peer-to-client messages carry exactly one of them; client-to-peer
// messages are opaque beyond their `id` field.
type wireMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Update json.RawMessage `json:"update,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// isTerminal reports whether the message carries a result or an error,
// either of which ends the lifetime of the request it correlates with.
func (m *wireMessage) isTerminal() bool {
	return m.Result != nil || m.Error != nil
}

// kind returns the [ResponseKind] this message represents. Callers must
// first verify the message is well-formed (see decodeWireMessage).
func (m *wireMessage) kind() ResponseKind {
	switch {
	case m.Result != nil:
		return ResponseResult
	case m.Error != nil:
		return ResponseError
	default:
		return ResponseUpdate
	}
}

// payload returns whichever of Result/Update/Error is set.
func (m *wireMessage) payload() json.RawMessage {
	switch {
	case m.Result != nil:
		return m.Result
	case m.Error != nil:
		return m.Error
	default:
		return m.Update
	}
}

// decodeWireMessage parses one line of the wire protocol.
//
// A line that is not a JSON object, or that has none or more than one of
// result/update/error, is a framing error classified as
// [StatusPeerProtocolViolation] by the caller.
func decodeWireMessage(line []byte) (*wireMessage, error) {
	var m wireMessage
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("malformed json line: %w", err)
	}
	count := 0
	for _, f := range []json.RawMessage{m.Result, m.Update, m.Error} {
		if f != nil {
			count++
		}
	}
	if count != 1 {
		return nil, fmt.Errorf("message must carry exactly one of result/update/error, got %d", count)
	}
	return &m, nil
}

// idToString normalizes a wire id (a JSON string or a JSON number) to the
// string form the registry keys on. Returns false if raw is not a valid id
// shape.
func idToString(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return "str:" + s, true
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return "num:" + n.String(), true
	}
	return "", false
}
