// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
//
// Framing shape (newline-delimited JSON, a single writer-gate mutex)
// grounded on golang.org/x/tools' internal/jsonrpc2_v2/frame.go, adapted
// from a Content-Length-prefixed frame to a newline-delimited one per the
// wire format this protocol actually uses.

package rpcclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxLineSize bounds a single wire message. The service's protocol
// messages are small control/RPC payloads, not bulk data; a generous cap
// catches runaway peers without constraining legitimate use.
const maxLineSize = 16 * 1024 * 1024

// frameReader decodes newline-delimited JSON objects from a byte stream.
//
// Not safe for concurrent use; the dispatcher owns exactly one reader
// goroutine per connection.
type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	return &frameReader{scanner: scanner}
}

// readMessage reads and decodes the next line.
//
// Returns io.EOF when the peer closed the stream cleanly between messages.
// Any other error (an over-long or malformed line, or a read error from
// the transport) is returned as is; the caller classifies it as
// [StatusPeerProtocolViolation] and shuts the connection down.
func (r *frameReader) readMessage() (*wireMessage, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := r.scanner.Bytes()
	return decodeWireMessage(line)
}

// frameWriter serializes a JSON object and writes it followed by exactly
// one line terminator, guarded by a single mutex ("the writer gate") so
// concurrent submit/cancel calls never interleave bytes on the wire.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w}
}

// writeObject appends a line terminator to obj and writes the whole frame
// in one Write call, while holding the writer gate.
//
// obj must already be complete, valid JSON (the dispatcher is responsible
// for id injection before calling this).
func (w *frameWriter) writeObject(obj json.RawMessage) error {
	frame := make([]byte, 0, len(obj)+1)
	frame = append(frame, obj...)
	frame = append(frame, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.w.Write(frame)
	if err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("short write: wrote %d of %d bytes", n, len(frame))
	}
	return nil
}
