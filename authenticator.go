// SPDX-License-Identifier: GPL-3.0-or-later
//
// Shape grounded on dial.go's logConnectStart/logConnectDone span pattern and on
// cancelwatch.go's context-bounded connection wrapper, applied here to
// the hello/cookie handshake instead of a TLS handshake.

package rpcclient

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
)

// helloMessage is the client's opening message: the authentication
// methods it is willing to use.
type helloMessage struct {
	Hello struct {
		AuthMethodsSupportedByClient []string `json:"auth_methods_supported_by_client"`
	} `json:"hello"`
}

// peerHelloMessage is the peer's reply to the client hello: its
// advertised authentication methods and a nonce to bind the proof to.
type peerHelloMessage struct {
	Hello struct {
		AuthMethodsSupported []string `json:"auth_methods_supported"`
		Nonce                string   `json:"nonce"`
	} `json:"hello"`
}

// authMessage is the client's proof of cookie possession: an
// HMAC-SHA256 of the peer's nonce keyed by the cookie contents.
type authMessage struct {
	Authenticate struct {
		Method string `json:"method"`
		Proof  string `json:"proof"`
	} `json:"authenticate"`
}

// authResultMessage is the peer's final reply: either a session id or an
// error reply.
type authResultMessage struct {
	Result *struct {
		SessionID string `json:"session_id"`
	} `json:"result,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// authenticatedConn is the final output of a connect point's
// dial/observe/authenticate [Compose3] pipeline: the conn to hand off to
// a [dispatcher], paired with the session id the handshake negotiated.
type authenticatedConn struct {
	conn      net.Conn
	sessionID string
}

// authenticateFunc adapts [authenticate] to the [Func] interface so a
// connect point's dial/observe/authenticate steps can be chained with
// [Compose3] into a single pipeline, instead of three hand-sequenced
// calls.
//
// Per [Func]'s resource cleanup contract, Call closes conn before
// returning a non-nil error: the authenticated conn otherwise has no
// other owner at that point in the pipeline.
type authenticateFunc struct {
	cfg        *Config
	logger     SLogger
	cookiePath string
}

var _ Func[net.Conn, *authenticatedConn] = &authenticateFunc{}

func (f *authenticateFunc) Call(ctx context.Context, conn net.Conn) (*authenticatedConn, error) {
	sessionID, err := authenticate(ctx, f.cfg, f.logger, conn, f.cookiePath)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &authenticatedConn{conn: conn, sessionID: sessionID}, nil
}

const authMethodCookie = "AUTH_COOKIE"

// readCookieFile is overridable in tests.
var readCookieFile = os.ReadFile

// authenticate performs the hello/cookie handshake over conn and returns
// the negotiated session id.
//
// The exact wire shape implemented here (hello/authenticate message
// fields) is this module's own design for a stable-but-unspecified
// handshake; see DESIGN.md for the rationale and the spec's own
// disclaimer that the byte-exact shape is deferred to an external wire
// document.
func authenticate(ctx context.Context, cfg *Config, logger SLogger, conn net.Conn, cookiePath string) (string, error) {
	watched, _ := NewCancelWatchFunc().Call(ctx, conn)
	wc := watched.(*cancelWatchedConn)
	defer wc.unwrap()

	t0 := cfg.TimeNow()
	logger.Info("authenticateStart", slog.Time("t", t0))

	sessionID, err := doAuthenticate(wc, cookiePath)

	logger.Info("authenticateDone",
		slog.Any("err", err),
		slog.String("errClass", cfg.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", cfg.TimeNow()),
	)
	return sessionID, err
}

func doAuthenticate(conn net.Conn, cookiePath string) (string, error) {
	writer := bufio.NewWriter(conn)
	reader := bufio.NewReader(conn)

	var hello helloMessage
	hello.Hello.AuthMethodsSupportedByClient = []string{authMethodCookie}
	if err := writeLine(writer, hello); err != nil {
		return "", newIOError(StatusConnectIO, fmt.Sprintf("writing hello: %v", err), err)
	}

	var peerHello peerHelloMessage
	if err := readLine(reader, &peerHello); err != nil {
		if errors.Is(err, errMalformedJSON) {
			return "", NewError(StatusPeerProtocolViolation, "malformed peer hello")
		}
		return "", newIOError(StatusConnectIO, fmt.Sprintf("reading peer hello: %v", err), err)
	}
	if !containsMethod(peerHello.Hello.AuthMethodsSupported, authMethodCookie) {
		return "", NewError(StatusPeerProtocolViolation, "peer does not advertise AUTH_COOKIE")
	}
	if peerHello.Hello.Nonce == "" {
		return "", NewError(StatusPeerProtocolViolation, "peer hello missing nonce")
	}

	if cookiePath == "" {
		return "", NewError(StatusConnectPointNotUsable, "connect point has no cookie path configured")
	}
	cookie, err := readCookieFile(cookiePath)
	if err != nil {
		return "", NewError(StatusConnectPointNotUsable, fmt.Sprintf("reading cookie file: %v", err))
	}

	mac := hmac.New(sha256.New, cookie)
	mac.Write([]byte(peerHello.Hello.Nonce))
	proof := hex.EncodeToString(mac.Sum(nil))

	var auth authMessage
	auth.Authenticate.Method = authMethodCookie
	auth.Authenticate.Proof = proof
	if err := writeLine(writer, auth); err != nil {
		return "", newIOError(StatusConnectIO, fmt.Sprintf("writing authenticate: %v", err), err)
	}

	var result authResultMessage
	if err := readLine(reader, &result); err != nil {
		if errors.Is(err, errMalformedJSON) {
			return "", NewError(StatusPeerProtocolViolation, "malformed authenticate reply")
		}
		return "", newIOError(StatusConnectIO, fmt.Sprintf("reading authenticate reply: %v", err), err)
	}
	if result.Error != nil {
		return "", NewError(StatusBadAuth, result.Error.Message)
	}
	if result.Result == nil || result.Result.SessionID == "" {
		return "", NewError(StatusPeerProtocolViolation, "authenticate reply missing session_id")
	}
	return result.Result.SessionID, nil
}

var errMalformedJSON = errors.New("malformed json line")

func writeLine(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}

func readLine(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return err
	}
	if jsonErr := json.Unmarshal(line, v); jsonErr != nil {
		return errMalformedJSON
	}
	return nil
}

func containsMethod(methods []string, want string) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
