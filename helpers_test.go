// SPDX-License-Identifier: GPL-3.0-or-later

package rpcclient

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// capturingHandler is a minimal [slog.Handler] that records every emitted
// record in memory, in order, for assertions in tests.
type capturingHandler struct {
	mu      sync.Mutex
	records *[]slog.Record
}

var _ slog.Handler = &capturingHandler{}

func (h *capturingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.records = append(*h.records, r)
	return nil
}

func (h *capturingHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

func (h *capturingHandler) WithGroup(_ string) slog.Handler { return h }

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	records := &[]slog.Record{}
	handler := &capturingHandler{records: records}
	return slog.New(handler), records
}

// funcDialer is a minimal [Dialer] stub controlled by a closure, used in
// place of a real *net.Dialer in tests that need full control over the
// outcome of DialContext.
type funcDialer struct {
	DialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)
}

var _ Dialer = &funcDialer{}

func (d *funcDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.DialContextFunc(ctx, network, address)
}

// minimalConn is a bare-bones [net.Conn] whose behavior is entirely
// controlled by the closures callers assign before use. Unassigned closures
// return zero values / no error, matching the minimum needed for code that
// calls [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network].
type minimalConn struct {
	CloseFunc       func() error
	LocalAddrFunc   func() net.Addr
	RemoteAddrFunc  func() net.Addr
	ReadFunc        func(b []byte) (int, error)
	WriteFunc       func(b []byte) (int, error)
	SetDeadlineFunc func(t time.Time) error
	SetReadDeadFunc func(t time.Time) error
	SetWriteDeaFunc func(t time.Time) error
}

var _ net.Conn = &minimalConn{}

func newMinimalConn() *minimalConn {
	return &minimalConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

func (c *minimalConn) Read(b []byte) (int, error) {
	if c.ReadFunc != nil {
		return c.ReadFunc(b)
	}
	return 0, errors.New("minimalConn: Read not implemented")
}

func (c *minimalConn) Write(b []byte) (int, error) {
	if c.WriteFunc != nil {
		return c.WriteFunc(b)
	}
	return 0, errors.New("minimalConn: Write not implemented")
}

func (c *minimalConn) Close() error {
	if c.CloseFunc != nil {
		return c.CloseFunc()
	}
	return nil
}

func (c *minimalConn) LocalAddr() net.Addr {
	if c.LocalAddrFunc != nil {
		return c.LocalAddrFunc()
	}
	return nil
}

func (c *minimalConn) RemoteAddr() net.Addr {
	if c.RemoteAddrFunc != nil {
		return c.RemoteAddrFunc()
	}
	return nil
}

func (c *minimalConn) SetDeadline(t time.Time) error {
	if c.SetDeadlineFunc != nil {
		return c.SetDeadlineFunc(t)
	}
	return nil
}

func (c *minimalConn) SetReadDeadline(t time.Time) error {
	if c.SetReadDeadFunc != nil {
		return c.SetReadDeadFunc(t)
	}
	return nil
}

func (c *minimalConn) SetWriteDeadline(t time.Time) error {
	if c.SetWriteDeaFunc != nil {
		return c.SetWriteDeaFunc(t)
	}
	return nil
}
