package mcp

import "errors"

// Sentinel errors returned by transports and the client. Callers match them
// with errors.Is; transports wrap them with context about the failing
// operation.
var (
	// ErrTransportClosed is returned when an operation is attempted on a
	// transport that has been closed, and is the failure reason given to all
	// requests still pending when a transport tears down.
	ErrTransportClosed = errors.New("transport closed")

	// ErrRequestTimeout is returned when a request's deadline elapses before
	// a terminal response arrives. A response landing after this is logged
	// and discarded.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrHandshakeTimeout is returned when a transport's connection
	// handshake does not complete within its bounded wait.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrNotConnected is returned by client operations invoked before
	// Connect succeeds or after Disconnect.
	ErrNotConnected = errors.New("client not connected")

	// ErrAlreadyConnected is returned by Connect on a client that already
	// holds an active session.
	ErrAlreadyConnected = errors.New("client already connected")
)

// RequestError scopes a transport failure to a single in-flight request, so
// the client can fail that request alone instead of the whole session. The
// chunked-stream transport reports per-request stream failures this way.
type RequestError struct {
	// ID is the request whose delivery or response stream failed.
	ID MustString
	// Err is the underlying failure.
	Err error
}

func (r RequestError) Error() string {
	return "request " + string(r.ID) + ": " + r.Err.Error()
}

func (r RequestError) Unwrap() error {
	return r.Err
}
