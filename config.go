// SPDX-License-Identifier: GPL-3.0-or-later

package rpcclient

import (
	"context"
	"net"
	"time"

	"github.com/bassosimone/errclass"
)

// Dialer abstracts the dialing behavior used to reach a connect point's
// transport and the service's proxy endpoint.
//
// By depending on an abstract implementation the connect-point evaluator
// and the stream opener can be unit tested with a fake dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds configuration shared across a [Builder] and the
// [Connection] it produces.
//
// Pass this to [Builder.WithConfig] to pre-wire dependencies. All fields have
// sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used to open the connect point's transport and the
	// proxy endpoint used by [Connection.OpenStream].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging (the
	// errClass field of log events).
	//
	// Set by [NewConfig] to a classifier built on
	// [github.com/bassosimone/errclass].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use. Set by [NewConfig] to
	// [DefaultSLogger] (logging disabled).
	Logger SLogger

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: ErrClassifierFunc(errclass.New),
		Logger:        DefaultSLogger(),
		TimeNow:       time.Now,
	}
}

func (c *Config) clone() *Config {
	cp := *c
	return &cp
}
