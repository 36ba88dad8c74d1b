// SPDX-License-Identifier: GPL-3.0-or-later
//
// SOCKS5 negotiation grounded on golang.org/x/net/proxy (already a
// dependency of the teacher module, for a new purpose: negotiating the
// service's proxy rather than an arbitrary HTTP-over-SOCKS endpoint).

package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/proxy"
)

// streamAllocation is the RPC peer's reply to a stream-allocation
// request: a one-time SOCKS5 credential and, optionally, a new RPC
// object id naming the stream.
type streamAllocation struct {
	ProxyUsername  string  `json:"proxy_username"`
	ProxyPassword  string  `json:"proxy_password"`
	StreamObjectID *string `json:"stream_object_id,omitempty"`
}

// streamRequest is the RPC request body that allocates a stream
// isolation/authentication bundle.
type streamRequest struct {
	Obj    string `json:"obj"`
	Method string `json:"method"`
	Params struct {
		Isolation string  `json:"isolation"`
		ObjectID  *string `json:"object_id,omitempty"`
	} `json:"params"`
}

// OpenStream negotiates an anonymized TCP stream to host:port through the
// service's proxy.
//
// objectID, if non-nil, names an existing RPC client-like object the new
// stream is correlated with. isolation ties the stream to a
// circuit-isolation equivalence class; an empty string means the
// default, shared isolation. On success it returns the raw [net.Conn]
// (Go's equivalent of handing the caller the OS socket) and, if the peer
// allocated one, the new stream object's id.
//
// Closing the returned [net.Conn] does not free the server-side stream
// object; the object's lifetime is orthogonal to the socket's.
func (c *Connection) OpenStream(ctx context.Context, host string, port uint16, objectID *string, isolation string) (net.Conn, *string, error) {
	var req streamRequest
	req.Obj = c.sessionID
	req.Method = "arti_rpc:new_stream"
	req.Params.Isolation = isolation
	req.Params.ObjectID = objectID

	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, NewError(StatusInternal, "failed to encode stream request")
	}

	reply, err := c.Execute(ctx, body)
	if err != nil {
		return nil, nil, err
	}

	var alloc streamAllocation
	if err := json.Unmarshal(reply, &alloc); err != nil {
		return nil, nil, NewError(StatusPeerProtocolViolation, "malformed stream allocation reply")
	}

	if c.proxyAddr == "" {
		return nil, nil, NewError(StatusConnectPointNotUsable, "connect point did not announce a proxy endpoint")
	}

	forward := forwardDialer{dialer: c.cfg.Dialer, ctx: ctx}
	socksDialer, err := proxy.SOCKS5("tcp", c.proxyAddr, &proxy.Auth{
		User:     alloc.ProxyUsername,
		Password: alloc.ProxyPassword,
	}, forward)
	if err != nil {
		return nil, nil, newIOError(StatusProxyIO, fmt.Sprintf("configuring SOCKS5 dialer: %v", err), err)
	}

	target := net.JoinHostPort(host, strconv.Itoa(int(port)))

	var conn net.Conn
	if cd, ok := socksDialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", target)
	} else {
		conn, err = socksDialer.Dial("tcp", target)
	}
	if err != nil {
		if isSOCKSNegativeReply(err) {
			return nil, nil, NewError(StatusProxyStreamFailed, err.Error())
		}
		return nil, nil, newIOError(StatusProxyIO, err.Error(), err)
	}

	return conn, alloc.StreamObjectID, nil
}

// isSOCKSNegativeReply reports whether err came from the SOCKS5 server
// itself rejecting the CONNECT (as opposed to a local I/O failure
// reaching or speaking to the proxy).
//
// [proxy.SOCKS5] wraps every failure, including a failed dial to the
// proxy, in a [*net.OpError] whose Op is "socks connect"; only a negative
// CONNECT reply wraps an error whose text starts with "unknown error ".
func isSOCKSNegativeReply(err error) bool {
	opErr, ok := err.(*net.OpError)
	if !ok || opErr.Op != "socks connect" || opErr.Err == nil {
		return false
	}
	return strings.HasPrefix(opErr.Err.Error(), "unknown error ")
}

// forwardDialer adapts this package's [Dialer] to [proxy.Dialer] /
// [proxy.ContextDialer], so [proxy.SOCKS5] can use the connection's
// configured dialer to reach the proxy endpoint.
type forwardDialer struct {
	dialer Dialer
	ctx    context.Context
}

var _ proxy.Dialer = forwardDialer{}
var _ proxy.ContextDialer = forwardDialer{}

func (f forwardDialer) Dial(network, addr string) (net.Conn, error) {
	return f.dialer.DialContext(f.ctx, network, addr)
}

func (f forwardDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f.dialer.DialContext(ctx, network, addr)
}
