package app

import "errors"

// ErrUnknownClient is returned for a client name missing from configuration.
var ErrUnknownClient = errors.New("app: unknown client")
