package comlink

import "errors"

// ErrClosed is returned when posting on a node whose connection has ended.
var ErrClosed = errors.New("comlink: closed")
