package client

import (
	"log/slog"
	"net/http"
	"time"
)

// Options configures the HTTP transport.
//
// Defaults:
//   - Timeout: 30s (ignored when HTTPClient is supplied)
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{Timeout: 30 * time.Second}
}

func WithHTTPClient(c *http.Client) Option { return func(o *Options) { o.HTTPClient = c } }
func WithTimeout(d time.Duration) Option   { return func(o *Options) { o.Timeout = d } }
func WithLogger(l *slog.Logger) Option     { return func(o *Options) { o.Logger = l } }
