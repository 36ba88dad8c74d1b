// SPDX-License-Identifier: GPL-3.0-or-later
//
// Pipeline shape (parse -> dial -> authenticate, short-circuiting on the
// first usable outcome) grounded on compose.go's Compose2/Compose3 style
// of chaining [Func] stages, generalized here from a fixed HTTP/TLS
// pipeline to per-entry connect-point resolution.

package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
)

// SearchPathEntryKind tags a [SearchPathEntry]'s variant, matching the
// wire-level entry_type enumeration.
type SearchPathEntryKind int

const (
	// EntryLiteralSpec is an inline connect-point description, parsed
	// directly with no file access.
	EntryLiteralSpec SearchPathEntryKind = 1

	// EntryExpandablePath is a filesystem path that may contain
	// recognized substitution variables ($HOME, ~, ...), expanded
	// before the file is read.
	EntryExpandablePath SearchPathEntryKind = 2

	// EntryLiteralPath is a filesystem path read verbatim, with no
	// substitution.
	EntryLiteralPath SearchPathEntryKind = 3
)

// SearchPathEntry is one entry of the ordered search path a [Builder]
// evaluates to find a usable connect point.
type SearchPathEntry struct {
	Kind SearchPathEntryKind
	Text string
}

// envConnectPathOverride and envConnectPath are the environment variables
// that contribute entries to the search path (see buildSearchPath).
const (
	envConnectPathOverride = "ARTI_RPC_CONNECT_PATH_OVERRIDE"
	envConnectPath         = "ARTI_RPC_CONNECT_PATH"
)

// defaultSearchPath returns the built-in entries that end every search
// path.
func defaultSearchPath() []SearchPathEntry {
	return []SearchPathEntry{
		{Kind: EntryExpandablePath, Text: "~/.arti-rpc/default.toml"},
		{Kind: EntryLiteralPath, Text: "/etc/arti-rpc/default.toml"},
	}
}

// buildSearchPath assembles the full, ordered search path: override
// environment entries, then caller-prepended entries, then default
// environment entries, then built-in defaults.
func buildSearchPath(prepended []SearchPathEntry, getenv func(string) string) []SearchPathEntry {
	var path []SearchPathEntry
	path = append(path, entriesFromEnv(getenv(envConnectPathOverride))...)
	path = append(path, prepended...)
	path = append(path, entriesFromEnv(getenv(envConnectPath))...)
	path = append(path, defaultSearchPath()...)
	return path
}

// entriesFromEnv splits a PATH-like, colon-separated environment variable
// value into literal-path entries. An empty value yields no entries.
func entriesFromEnv(value string) []SearchPathEntry {
	if value == "" {
		return nil
	}
	var entries []SearchPathEntry
	for _, p := range strings.Split(value, ":") {
		if p == "" {
			continue
		}
		entries = append(entries, SearchPathEntry{Kind: EntryLiteralPath, Text: p})
	}
	return entries
}

// connectRecipe is the parsed form of a connect point: enough to dial a
// transport and authenticate to it. This is a private, minimal key=value
// mini-format, not the full TOML connect-point schema (deferred to an
// external reference document; see DESIGN.md).
type connectRecipe struct {
	network    string
	address    string
	cookiePath string
	proxyAddr  string
}

// parseConnectRecipe parses the mini-format: newline- or
// semicolon-separated `key=value` pairs. Required keys: network, address.
// Optional: cookie, proxy.
func parseConnectRecipe(content string) (*connectRecipe, error) {
	fields := strings.FieldsFunc(content, func(r rune) bool {
		return r == '\n' || r == ';'
	})
	rec := &connectRecipe{}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || strings.HasPrefix(f, "#") {
			continue
		}
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed connect point line %q", f)
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch key {
		case "network":
			rec.network = val
		case "address":
			rec.address = val
		case "cookie":
			rec.cookiePath = val
		case "proxy":
			rec.proxyAddr = val
		default:
			return nil, fmt.Errorf("unrecognized connect point key %q", key)
		}
	}
	if rec.network == "" || rec.address == "" {
		return nil, fmt.Errorf("connect point missing required network/address")
	}
	if rec.network != "unix" && rec.network != "tcp" {
		return nil, fmt.Errorf("unsupported connect point network %q", rec.network)
	}
	return rec, nil
}

// expandPathVariables substitutes $HOME, ~, and $ARTI_RPC_RUNTIME_DIR in
// path. An unrecognized $VAR token is a fatal parse error for the entry.
func expandPathVariables(path string, getenv func(string) string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home := getenv("HOME")
		if home == "" {
			return "", fmt.Errorf("cannot expand ~: HOME is not set")
		}
		path = home + path[1:]
	}
	var out strings.Builder
	i := 0
	for i < len(path) {
		if path[i] != '$' {
			out.WriteByte(path[i])
			i++
			continue
		}
		j := i + 1
		for j < len(path) && (isAlnum(path[j]) || path[j] == '_') {
			j++
		}
		if j == i+1 {
			out.WriteByte(path[i])
			i++
			continue
		}
		name := path[i+1 : j]
		switch name {
		case "HOME":
			home := getenv("HOME")
			if home == "" {
				return "", fmt.Errorf("cannot expand $HOME: not set")
			}
			out.WriteString(home)
		case "ARTI_RPC_RUNTIME_DIR":
			dir := getenv("ARTI_RPC_RUNTIME_DIR")
			if dir == "" {
				return "", fmt.Errorf("cannot expand $ARTI_RPC_RUNTIME_DIR: not set")
			}
			out.WriteString(dir)
		default:
			return "", fmt.Errorf("unrecognized path variable $%s", name)
		}
		i = j
	}
	return out.String(), nil
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// evalOutcome is the private classification of one entry's evaluation,
// per §4.2: Usable, Decline, or Abort.
type evalOutcome int

const (
	outcomeUsable evalOutcome = iota
	outcomeDecline
	outcomeAbort
)

// readConnectPointFile is overridable in tests.
var readConnectPointFile = os.ReadFile

// getenvFunc is overridable in tests; defaults to os.Getenv.
var getenvFunc = os.Getenv

// evaluateEntry obtains the connect point text of one search path entry
// (inline for [EntryLiteralSpec], otherwise read from the named file,
// after expansion for [EntryExpandablePath]) and classifies the outcome.
// Parsing, dialing, and authenticating the text happen in the caller.
func evaluateEntry(ctx context.Context, cfg *Config, logger SLogger, entry SearchPathEntry) (content string, outcome evalOutcome, err error) {
	switch entry.Kind {
	case EntryLiteralSpec:
		return entry.Text, outcomeUsable, nil

	case EntryLiteralPath:
		data, readErr := readConnectPointFile(entry.Text)
		if readErr != nil {
			if errors.Is(readErr, os.ErrNotExist) || errors.Is(readErr, os.ErrPermission) {
				logger.Debug("connectPointDeclined", slog.String("path", entry.Text), slog.Any("err", readErr))
				return "", outcomeDecline, nil
			}
			return "", outcomeAbort, fmt.Errorf("reading connect point %s: %w", entry.Text, readErr)
		}
		return string(data), outcomeUsable, nil

	case EntryExpandablePath:
		expanded, expErr := expandPathVariables(entry.Text, getenvFunc)
		if expErr != nil {
			return "", outcomeAbort, fmt.Errorf("expanding connect point path %s: %w", entry.Text, expErr)
		}
		data, readErr := readConnectPointFile(expanded)
		if readErr != nil {
			if errors.Is(readErr, os.ErrNotExist) || errors.Is(readErr, os.ErrPermission) {
				logger.Debug("connectPointDeclined", slog.String("path", expanded), slog.Any("err", readErr))
				return "", outcomeDecline, nil
			}
			return "", outcomeAbort, fmt.Errorf("reading connect point %s: %w", expanded, readErr)
		}
		return string(data), outcomeUsable, nil

	default:
		return "", outcomeAbort, fmt.Errorf("unrecognized search path entry kind %d", entry.Kind)
	}
}

// resolvedConnectPoint is the output of a fully successful search: an
// authenticated transport plus the session id and proxy metadata needed
// to construct a [Connection].
type resolvedConnectPoint struct {
	conn      *dispatcher
	sessionID string
	proxyAddr string
}

// resolveSearchPath evaluates entries in order and returns the first
// usable, authenticated connect point.
func resolveSearchPath(ctx context.Context, cfg *Config, logger SLogger, entries []SearchPathEntry) (*resolvedConnectPoint, error) {
	for _, entry := range entries {
		content, outcome, err := evaluateEntry(ctx, cfg, logger, entry)
		switch outcome {
		case outcomeAbort:
			return nil, NewError(StatusBadConnectPointPath, err.Error())
		case outcomeDecline:
			continue
		}

		rec, err := parseConnectRecipe(content)
		if err != nil {
			// A present-but-malformed connect point is an unrecoverable parse
			// error for this entry (spec §4.2's Abort case), not a Decline:
			// the entry's transport may well be reachable, but its content is
			// not a connect point at all, so searching further would silently
			// paper over a misconfigured connect point.
			return nil, NewError(StatusBadConnectPointPath, fmt.Sprintf("parsing connect point: %v", err))
		}

		// The dial -> observe -> authenticate steps are chained into a
		// single [Func] pipeline via [Compose3]: dialing yields a raw
		// conn, observing wraps it for per-I/O logging for the rest of
		// its lifetime (the handshake and every subsequent dispatched
		// request, not just the dial itself), and authenticating
		// consumes the observed conn and yields the authenticated
		// [*authenticatedConn]. Each stage owns closing the conn on its
		// own failure per [Func]'s resource cleanup contract, so a
		// failure anywhere in the chain needs no cleanup here.
		pipeline := Compose3[dialAddr, net.Conn, net.Conn, *authenticatedConn](
			newDialFunc(cfg, logger),
			NewObserveConnFunc(cfg, logger),
			&authenticateFunc{cfg: cfg, logger: logger, cookiePath: rec.cookiePath},
		)

		authed, err := pipeline.Call(ctx, dialAddr{Network: rec.network, Address: rec.address})
		if err != nil {
			logger.Debug("connectPointPipelineFailed", slog.String("address", rec.address), slog.Any("err", err))
			continue
		}

		disp := newDispatcher(authed.conn, NewSpanID(), logger, cfg.ErrClassifier, cfg.TimeNow)
		return &resolvedConnectPoint{conn: disp, sessionID: authed.sessionID, proxyAddr: rec.proxyAddr}, nil
	}
	return nil, NewError(StatusAllConnectAttemptsFailed, "no usable connect point in search path")
}
