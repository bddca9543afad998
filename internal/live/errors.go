package live

import "errors"

var (
	// ErrReconnect is returned by a stream connection when the server asks
	// the client to reconnect.
	ErrReconnect = errors.New("live: server requested reconnect")

	// ErrStatus is returned when the event stream endpoint answers with a
	// non-200 status.
	ErrStatus = errors.New("live: unexpected status")
)

var errStreamClosed = errors.New("live: stream closed by server")
