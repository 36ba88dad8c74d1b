// SPDX-License-Identifier: GPL-3.0-or-later

package rpcclient

import (
	"context"
	"sync"
)

// NewBuilder returns a [*Builder] with default configuration.
func NewBuilder() *Builder {
	return &Builder{cfg: NewConfig()}
}

// Builder is the caller-facing assembly point for a [Connection]: it
// accumulates search path entries and configuration, then resolves a
// usable, authenticated connect point on [Builder.Connect].
//
// Thread-safe with internal synchronization; [Builder.Connect] takes a
// snapshot of the builder's state under the lock before doing any I/O, so
// concurrent reconfiguration never races with an in-flight connect.
type Builder struct {
	mu      sync.Mutex
	entries []SearchPathEntry
	cfg     *Config
	logger  SLogger
}

// PrependEntry adds a search path entry that is evaluated before the
// default-environment and built-in entries, in the order it was
// prepended relative to other prepended entries.
func (b *Builder) PrependEntry(kind SearchPathEntryKind, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, SearchPathEntry{Kind: kind, Text: text})
}

// WithConfig replaces the builder's [Config]. Intended for tests and
// advanced callers that need a custom [Dialer], [ErrClassifier], or
// [SLogger].
func (b *Builder) WithConfig(cfg *Config) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	return b
}

// WithLogger sets the [SLogger] used for the connect attempt and the
// resulting [Connection]'s dispatcher.
func (b *Builder) WithLogger(logger SLogger) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
	return b
}

// Connect resolves the search path (override environment entries,
// caller-prepended entries, default environment entries, then built-in
// defaults, in that order) and returns a [*Connection] bound to the
// first usable, authenticated connect point.
func (b *Builder) Connect(ctx context.Context) (*Connection, error) {
	b.mu.Lock()
	entries := append([]SearchPathEntry(nil), b.entries...)
	cfg := b.cfg.clone()
	logger := b.logger
	b.mu.Unlock()

	if logger == nil {
		logger = cfg.Logger
	}
	if logger == nil {
		logger = DefaultSLogger()
	}

	path := buildSearchPath(entries, getenvFunc)
	resolved, err := resolveSearchPath(ctx, cfg, logger, path)
	if err != nil {
		return nil, err
	}

	return &Connection{
		disp:      resolved.conn,
		sessionID: resolved.sessionID,
		proxyAddr: resolved.proxyAddr,
		cfg:       cfg,
		logger:    logger,
	}, nil
}
