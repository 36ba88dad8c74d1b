//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package rpcclient

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
)

// dialAddr is the input to [*dialFunc]: a network ("unix" or "tcp") and an
// address in that network's address syntax (a filesystem path for "unix",
// a host:port pair for "tcp").
type dialAddr struct {
	Network string
	Address string
}

// newDialFunc returns a new [*dialFunc] using the given configuration.
//
// The logger argument is the [SLogger] to use for structured logging.
func newDialFunc(cfg *Config, logger SLogger) *dialFunc {
	return &dialFunc{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// dialFunc dials a [dialAddr] using a configured [Dialer].
//
// Returns either a valid [net.Conn] or an error, never both.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type dialFunc struct {
	// Dialer is the [Dialer] to use.
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

var _ Func[dialAddr, net.Conn] = &dialFunc{}

// Call invokes the [*dialFunc] to connect to the given [dialAddr].
func (op *dialFunc) Call(ctx context.Context, addr dialAddr) (net.Conn, error) {
	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	op.logConnectStart(addr.Network, addr.Address, t0, deadline)
	conn, err := op.Dialer.DialContext(ctx, addr.Network, addr.Address)
	op.logConnectDone(addr.Network, addr.Address, t0, deadline, conn, err)
	return conn, err
}

func (op *dialFunc) logConnectStart(network, address string, t0 time.Time, deadline time.Time) {
	op.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", network),
		slog.String("remoteAddr", address),
		slog.Time("t", t0),
	)
}

func (op *dialFunc) logConnectDone(
	network, address string, t0 time.Time, deadline time.Time, conn net.Conn, err error) {
	op.Logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", network),
		slog.String("remoteAddr", address),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
}
