package remote

import (
	"errors"

	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

// Every error returned by Instance.Handle means the caller must close the
// connection. Only ErrRedundantConnection is an expected outcome.
var (
	ErrMalformedHeader     = wire.ErrMalformedHeader
	ErrInvalidPayload      = wire.ErrInvalidPayload
	ErrPayloadMismatch     = errors.New("payload length mismatch")
	ErrInvalidOperation    = errors.New("invalid operation")
	ErrAppIdentityMismatch = errors.New("no common application id")
	ErrVersionMismatch     = errors.New("incompatible protocol version")
	ErrHandshakeRequired   = errors.New("operation before handshake")
	ErrRedundantConnection = errors.New("redundant connection")
)

// IsRedundant reports whether err closes a connection without indicating a
// fault: a self connection or a second direct path to a known node.
func IsRedundant(err error) bool { return errors.Is(err, ErrRedundantConnection) }

// IsFatal reports whether err indicates a faulty peer rather than a
// redundant connection.
func IsFatal(err error) bool { return err != nil && !IsRedundant(err) }
