// SPDX-License-Identifier: GPL-3.0-or-later

// Package rpcclient is a client library for the asynchronous, JSON-based
// RPC protocol used to control a background anonymizing-network service.
//
// # Core Abstraction
//
// A [Builder] resolves a connect point (a transport endpoint plus an
// authentication recipe) by walking a search path, authenticates, and
// produces a [Connection]. A Connection multiplexes many concurrent
// requests over one underlying byte stream: [Connection.Execute] and
// [Connection.ExecuteWithHandle] submit a JSON request and correlate the
// peer's reply by request id; [Handle.Wait] blocks for the next update or
// terminal message; [Connection.CancelHandle] cancels an outstanding
// request. [Connection.OpenStream] negotiates an anonymized TCP stream
// through the service's SOCKS5 proxy.
//
// # Available Primitives
//
// Connect-point resolution:
//   - [Builder]: assembles a search path and produces a [Connection]
//   - [SearchPathEntry]: one entry of the search path (literal spec, literal
//     path, or expandable path)
//
// Dispatch:
//   - [Connection]: owns one multiplexed connection
//   - [Handle]: one outstanding request, backed by the connection's registry
//
// Composition utilities (used internally to build the connect-point's
// dial/observe/authenticate pipeline):
//   - [Compose2], [Compose3]: chain Funcs into a pipeline
//   - [FuncAdapter]: wrap a function as a Func for ad-hoc custom behavior
//
// # Connection Lifecycle
//
// [Builder.Connect] owns the dial-then-authenticate sequence and returns a
// ready-to-use [Connection]. The Connection owns the transport, a
// background reader goroutine, and the handle registry for its entire
// lifetime. [Connection.Close] (and peer-initiated shutdown) terminates
// all pending handles with [StatusShutdown].
//
// # Observability
//
// All components support structured logging via [SLogger] (compatible
// with [log/slog]). By default, logging is disabled. Set
// [Config.Logger] to enable it. Error classification is configurable via
// [ErrClassifier]; by default, a classifier built on OS error codes is
// used.
//
// Components emit two kinds of structured log events:
//
//   - Span events (*Start/*Done pairs): record operation lifecycle
//     including timing and success/failure.
//
//   - Point events: single records such as messageReceived (one per
//     peer message routed by the dispatcher), dispatcherShutdown, the
//     set*Deadline events, and connectPointDeclined.
//
// Span events carry t (timestamp); *Done events additionally carry t0
// (start time), err, and errClass (submitDone carries err and errClass
// only when the write failed). Connect, close, and per-I/O events also
// carry protocol and remoteAddr, plus localAddr once the connection
// exists; submit and messageReceived events carry the request id.
// Per-I/O events (read, write, set deadline), messageReceived, and
// declined or failed connect point entries are emitted at
// [slog.LevelDebug]; all other events use [slog.LevelInfo].
//
// # Timeout and Context Philosophy
//
// This package is context-transparent: operations never modify the
// context they receive. The caller controls timeouts externally via
// [context.WithTimeout] or [context.WithDeadline]. [Handle.Wait],
// [Builder.Connect], and [Connection.OpenStream] return promptly when
// their context is done; an already-established Connection is
// unaffected by contexts passed to prior calls.
//
// # Design Boundaries
//
// This package does not construct or interpret RPC request/response
// bodies beyond what correlation and framing require, does not manage
// the lifecycle of service-side objects beyond the session handle, does
// not cache responses, and does not reconnect automatically after
// shutdown.
package rpcclient
