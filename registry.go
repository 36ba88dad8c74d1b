// SPDX-License-Identifier: GPL-3.0-or-later
//
// Dispatch shape generalized from golang.org/x/tools' internal/jsonrpc2's
// pending map[ID]chan *wireResponse (single waiter per id) to support any
// number of concurrent waiters per id, each delivered message consumed by
// exactly one of them, via a broadcast-and-race pattern instead of a
// single-receiver channel.

package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// queuedMessage is one item in a [registryEntry]'s delivery queue. Exactly
// one of (kind, payload) or err is meaningful: peer-delivered messages
// carry a payload; synthetic local terminations (connection lost,
// shutdown, cancel acknowledgement with no prior peer reply) carry err.
type queuedMessage struct {
	kind    ResponseKind
	payload json.RawMessage
	err     *Error
}

// registryEntry is the per-request state the spec calls a Handle's
// backing state: a delivery queue, a terminal flag, and the bookkeeping
// needed to detect duplicate terminal frames and to answer late waiters
// with [StatusRequestCompleted].
type registryEntry struct {
	id string
	// wireID is the exact JSON bytes used for this request's "id" field
	// on the wire (whether caller-supplied or dispatcher-generated),
	// retained so a later Cancel can name the target id byte-for-byte.
	wireID json.RawMessage

	mu sync.Mutex
	// queue holds messages not yet claimed by a waiter.
	queue []queuedMessage
	// terminalReceived is set as soon as a result, error, connection-loss,
	// shutdown, or cancel acknowledgement reaches this entry. It is
	// distinct from "a waiter consumed the terminal message": it is what
	// lets the reader detect a peer sending a second terminal frame for
	// the same id, which is itself a protocol violation.
	terminalReceived bool
	// terminalConsumed is set once some waiter has popped the terminal
	// queuedMessage. Subsequent Wait calls short-circuit to
	// StatusRequestCompleted without blocking.
	terminalConsumed bool
	// cancelRequested records that Cancel was called on this entry, so a
	// subsequent normal terminal message can still win the race described
	// in the spec's cancellation-race scenario.
	cancelRequested bool

	// wake is closed and replaced every time queue/terminal state
	// changes, broadcasting to every blocked Wait call.
	wake chan struct{}
}

func newRegistryEntry(id string, wireID json.RawMessage) *registryEntry {
	return &registryEntry{id: id, wireID: wireID, wake: make(chan struct{})}
}

// broadcast wakes every goroutine currently blocked in [registryEntry.wait].
// Must be called with mu held.
func (e *registryEntry) broadcast() {
	close(e.wake)
	e.wake = make(chan struct{})
}

// pushMessage enqueues a peer-delivered message. terminal indicates this
// is the request's terminal (result/error) frame.
//
// Returns false if the entry had already received a terminal frame, which
// the caller must treat as a [StatusPeerProtocolViolation].
func (e *registryEntry) pushMessage(kind ResponseKind, payload json.RawMessage, terminal bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminalReceived {
		return false
	}
	e.queue = append(e.queue, queuedMessage{kind: kind, payload: payload})
	if terminal {
		e.terminalReceived = true
	}
	e.broadcast()
	return true
}

// pushTerminalError enqueues a synthetic local termination (connection
// lost, shutdown, or a cancel acknowledgement that has no corresponding
// peer reply). A no-op if the entry is already terminal.
func (e *registryEntry) pushTerminalError(err *Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminalReceived {
		return
	}
	e.terminalReceived = true
	e.queue = append(e.queue, queuedMessage{err: err})
	e.broadcast()
}

// markCancelRequested records that Cancel targeted this entry, without
// altering its terminal state.
func (e *registryEntry) markCancelRequested() (alreadyTerminal bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelRequested = true
	return e.terminalReceived && e.terminalConsumed
}

// isTerminalKind reports whether kind ends a request's lifetime.
func isTerminalKind(kind ResponseKind) bool {
	return kind == ResponseResult || kind == ResponseError
}

// wait blocks until a message is available for this entry or ctx is done.
//
// Per-handle multi-waiter fairness: each call to wait that observes a
// non-empty queue claims exactly one queued item, so N concurrent waiters
// racing against M queued messages collectively claim min(N, M) distinct
// items, and any waiter arriving after the terminal item has been claimed
// receives [StatusRequestCompleted] without blocking.
func (e *registryEntry) wait(ctx context.Context) (json.RawMessage, ResponseKind, error) {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			msg := e.queue[0]
			e.queue = e.queue[1:]
			if msg.err != nil {
				e.terminalConsumed = true
				e.mu.Unlock()
				return nil, 0, msg.err
			}
			if isTerminalKind(msg.kind) {
				e.terminalConsumed = true
			}
			e.mu.Unlock()
			return msg.payload, msg.kind, nil
		}
		if e.terminalReceived && e.terminalConsumed {
			e.mu.Unlock()
			return nil, 0, NewError(StatusRequestCompleted, "request already completed")
		}
		wake := e.wake
		e.mu.Unlock()

		select {
		case <-wake:
			// loop and re-check under lock
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// registry maps request ids to [registryEntry] state for one connection's
// lifetime.
type registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	closed  bool
	shutErr *Error

	// counter and salt generate ids for submissions that omit one: a
	// monotone counter plus a connection-unique salt, so ids are unique
	// across reconnects within the same process too.
	counter atomic.Uint64
	salt    string
}

func newRegistry(salt string) *registry {
	return &registry{
		entries: make(map[string]*registryEntry),
		salt:    salt,
	}
}

// generateID returns a fresh wire id string, never yet used by this
// registry.
func (r *registry) generateID() string {
	n := r.counter.Add(1)
	return fmt.Sprintf("%s-%d", r.salt, n)
}

// register allocates a pending entry for id.
//
// Returns an error if the registry is closed (caller should report
// [StatusShutdown]) or if id was already registered on this connection,
// whether or not that request has completed (caller should report
// [StatusInvalidInput]).
func (r *registry) register(id string, wireID json.RawMessage) (*registryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, NewError(StatusShutdown, "connection is shut down")
	}
	if _, exists := r.entries[id]; exists {
		return nil, NewError(StatusInvalidInput, "duplicate request id")
	}
	entry := newRegistryEntry(id, wireID)
	r.entries[id] = entry
	return entry, nil
}

// lookup returns the entry for id, if any.
func (r *registry) lookup(id string) (*registryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// deliver routes one peer-originated message to its entry.
//
// Returns an error (to be classified as [StatusPeerProtocolViolation] by
// the caller) if id is unknown or if the entry already received a
// terminal frame.
func (r *registry) deliver(id string, kind ResponseKind, payload json.RawMessage) error {
	entry, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("message references unknown request id %q", id)
	}
	if !entry.pushMessage(kind, payload, isTerminalKind(kind)) {
		return fmt.Errorf("duplicate terminal frame for request id %q", id)
	}
	return nil
}

// cancelAcknowledged terminates entry id as cancelled, unless a normal
// terminal message already won the race (per the spec's cancellation-race
// scenario: a peer result/error that arrived first stands).
func (r *registry) cancelAcknowledged(id string) {
	entry, ok := r.lookup(id)
	if !ok {
		return
	}
	entry.pushTerminalError(NewError(StatusRequestCompleted, "request cancelled"))
}

// shutdown terminates every still-pending entry with err and marks the
// registry closed so subsequent Submit/Cancel calls fail immediately.
func (r *registry) shutdown(err *Error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.shutErr = err
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.pushTerminalError(err)
	}
}

// isShutdown reports whether the registry has been shut down, and if so,
// the terminal error every operation should now return.
func (r *registry) isShutdown() (*Error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutErr, r.closed
}
