// SPDX-License-Identifier: GPL-3.0-or-later

package rpcclient

import (
	"context"
	"encoding/json"
)

// Connection is a long-lived, authenticated session with the service.
// Thread-safe: any method may be called concurrently.
type Connection struct {
	disp      *dispatcher
	sessionID string
	proxyAddr string
	cfg       *Config
	logger    SLogger
}

// SessionID returns the connection's negotiated session id. Non-empty and
// stable for the lifetime of the connection; safe to call concurrently
// and never blocks.
func (c *Connection) SessionID() string {
	return c.sessionID
}

// Execute submits req and blocks until the peer's terminal reply (any
// intermediate update messages are consumed and discarded).
//
// On a peer error reply, Execute returns an [*Error] with
// [StatusRequestFailed] carrying the peer's raw response via
// [Error.Response]; this is the one place a peer error is promoted from
// [ResponseError] to a Go error, since Execute's contract demands a
// successful result.
func (c *Connection) Execute(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	h, err := c.disp.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	for {
		payload, kind, err := h.Wait(ctx)
		if err != nil {
			return nil, err
		}
		switch kind {
		case ResponseUpdate:
			continue
		case ResponseResult:
			return payload, nil
		case ResponseError:
			return nil, NewError(StatusRequestFailed, "peer reported a request error").WithResponse(payload)
		default:
			return nil, NewError(StatusInternal, "unrecognized response kind")
		}
	}
}

// ExecuteWithHandle submits req and returns a [Handle] immediately,
// without waiting for any reply. The caller drives completion via
// [Handle.Wait], and may call [Connection.CancelHandle] to cancel it.
func (c *Connection) ExecuteWithHandle(ctx context.Context, req json.RawMessage) (*Handle, error) {
	return c.disp.submit(ctx, req)
}

// CancelHandle requests cancellation of an outstanding handle. It returns
// as soon as the cancel itself is acknowledged by the peer; it never
// blocks for the original request's completion.
//
// Cancelling an already-terminated handle is a no-op that returns an
// [*Error] with [StatusRequestCompleted], not an error of the original
// request.
func (c *Connection) CancelHandle(ctx context.Context, h *Handle) error {
	return c.disp.cancel(ctx, h)
}

// Close shuts the connection down, terminating every pending handle with
// [StatusShutdown] and releasing the underlying transport. Idempotent.
func (c *Connection) Close() error {
	c.disp.close()
	return nil
}
