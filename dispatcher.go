// SPDX-License-Identifier: GPL-3.0-or-later
//
// Reader-goroutine shutdown grounded on cancelwatch.go's
// context/done-channel-alongside-blocking-I/O pattern; request/response
// correlation generalized from golang.org/x/tools' internal/jsonrpc2
// pending-map idea (see registry.go).

package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
	"unicode/utf8"
)

// dispatcher owns one authenticated transport: it runs the background
// reader, serializes writes through the writer gate, and multiplexes
// requests through its [registry].
type dispatcher struct {
	conn   net.Conn
	reader *frameReader
	writer *frameWriter
	reg    *registry

	logger        SLogger
	errClassifier ErrClassifier
	timeNow       func() time.Time

	readerDone chan struct{}
	closeOnce  sync.Once
}

// newDispatcher starts the background reader over conn and returns a
// ready-to-use dispatcher. conn should already be authenticated.
func newDispatcher(conn net.Conn, salt string, logger SLogger, errClassifier ErrClassifier, timeNow func() time.Time) *dispatcher {
	d := &dispatcher{
		conn:          conn,
		reader:        newFrameReader(conn),
		writer:        newFrameWriter(conn),
		reg:           newRegistry(salt),
		logger:        logger,
		errClassifier: errClassifier,
		timeNow:       timeNow,
		readerDone:    make(chan struct{}),
	}
	go d.readLoop()
	return d
}

// submit implements request submission: id parsing/injection, duplicate
// detection, registry allocation, and the framed write.
func (d *dispatcher) submit(ctx context.Context, req json.RawMessage) (*Handle, error) {
	if shutErr, closed := d.reg.isShutdown(); closed {
		return nil, shutErr
	}

	if !utf8.Valid(req) {
		return nil, NewError(StatusInvalidInput, "request is not valid UTF-8")
	}

	var probe struct {
		ID json.RawMessage `json:"id,omitempty"`
	}
	if err := json.Unmarshal(req, &probe); err != nil {
		return nil, NewError(StatusInvalidInput, fmt.Sprintf("request is not a JSON object: %v", err))
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(req, &generic); err != nil {
		return nil, NewError(StatusInvalidInput, fmt.Sprintf("request is not a JSON object: %v", err))
	}

	var idStr string
	var wireID json.RawMessage
	if len(probe.ID) == 0 {
		generated := d.reg.generateID()
		encoded, err := json.Marshal(generated)
		if err != nil {
			return nil, NewError(StatusInternal, "failed to encode generated id")
		}
		wireID = encoded
		generic["id"] = encoded
		s, ok := idToString(encoded)
		if !ok {
			return nil, NewError(StatusInternal, "failed to key generated id")
		}
		idStr = s
	} else {
		s, ok := idToString(probe.ID)
		if !ok {
			return nil, NewError(StatusInvalidInput, "id must be a JSON string or integer")
		}
		idStr = s
		wireID = probe.ID
	}

	entry, err := d.reg.register(idStr, wireID)
	if err != nil {
		return nil, err
	}

	obj, err := json.Marshal(generic)
	if err != nil {
		entry.pushTerminalError(NewError(StatusInternal, "failed to re-encode request"))
		return nil, NewError(StatusInternal, fmt.Sprintf("failed to encode request: %v", err))
	}

	t0 := d.timeNow()
	d.logger.Info("submitStart", slog.String("id", idStr), slog.Time("t", t0))

	if err := d.writer.writeObject(obj); err != nil {
		// Per the submission contract, a write failure terminates only
		// this entry as connection-lost; it does not by itself tear
		// down the rest of the connection (the reader goroutine will
		// discover the same broken transport independently).
		entry.pushTerminalError(newIOError(StatusConnectIO, err.Error(), err))
		d.logger.Info("submitDone",
			slog.String("id", idStr),
			slog.Any("err", err),
			slog.String("errClass", d.errClassifier.Classify(err)),
			slog.Time("t0", t0),
			slog.Time("t", d.timeNow()),
		)
		return nil, newIOError(StatusConnectIO, fmt.Sprintf("writing request: %v", err), err)
	}

	d.logger.Info("submitDone", slog.String("id", idStr), slog.Time("t0", t0), slog.Time("t", d.timeNow()))
	return &Handle{id: idStr, entry: entry}, nil
}

// cancel requests cancellation of an outstanding handle.
//
// It builds and submits a small control message naming the target id,
// waits for the peer's acknowledgement of that control message (not of
// the original request), and only then marks the original entry
// cancelled — unless the original request had already reached a terminal
// state, in which case this is a no-op reporting [StatusRequestCompleted].
func (d *dispatcher) cancel(ctx context.Context, h *Handle) error {
	if alreadyTerminal := h.entry.markCancelRequested(); alreadyTerminal {
		return NewError(StatusRequestCompleted, "request already completed")
	}

	ctrl, err := json.Marshal(map[string]json.RawMessage{"cancel_id": h.entry.wireID})
	if err != nil {
		return NewError(StatusInternal, "failed to encode cancel control message")
	}

	ackHandle, err := d.submit(ctx, ctrl)
	if err != nil {
		return asError(err, StatusInternal)
	}

	if _, _, err := ackHandle.Wait(ctx); err != nil {
		return asError(err, StatusInternal)
	}

	d.reg.cancelAcknowledged(h.id)
	return nil
}

// readLoop is the connection's single background reader. It decodes
// frames until the peer closes the connection or a framing error occurs,
// then shuts the whole dispatcher down.
func (d *dispatcher) readLoop() {
	defer close(d.readerDone)

	for {
		msg, err := d.reader.readMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.shutdown(NewError(StatusShutdown, "connection closed"))
			} else {
				d.shutdown(NewError(StatusPeerProtocolViolation, err.Error()))
			}
			return
		}

		idStr, ok := idToString(msg.ID)
		if !ok {
			d.shutdown(NewError(StatusPeerProtocolViolation, "message missing a valid id"))
			return
		}

		kind := msg.kind()
		payload := msg.payload()
		d.logger.Debug("messageReceived", slog.String("id", idStr), slog.String("kind", kind.String()))

		if err := d.reg.deliver(idStr, kind, payload); err != nil {
			d.shutdown(NewError(StatusPeerProtocolViolation, err.Error()))
			return
		}
	}
}

// shutdown terminates every pending entry with err, closes the
// transport, and prevents further submissions.
func (d *dispatcher) shutdown(err *Error) {
	d.closeOnce.Do(func() {
		d.logger.Info("dispatcherShutdown", slog.String("status", err.Status().String()), slog.String("message", err.Message()))
		d.reg.shutdown(err)
		_ = d.conn.Close()
	})
}

// close shuts the dispatcher down as [StatusShutdown] and waits for the
// reader goroutine to exit.
func (d *dispatcher) close() {
	d.shutdown(NewError(StatusShutdown, "connection closed by caller"))
	<-d.readerDone
}
