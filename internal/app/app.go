// Package app holds the application-wide state of groqlive: one helper per
// configured client, each with its own live-event notifier, and the event bus. A Context is
// created at startup and passed down explicitly.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	client "github.com/hanpama/groqlive/internal/client"
	config "github.com/hanpama/groqlive/internal/config"
	eventbus "github.com/hanpama/groqlive/internal/eventbus"
	live "github.com/hanpama/groqlive/internal/live"
	perspective "github.com/hanpama/groqlive/internal/perspective"
)

type Options struct {
	Bus        *eventbus.Bus
	Store      live.EventIDStore
	Logger     *slog.Logger
	HTTPClient *http.Client
	// Transports replace the HTTP transport of the named clients.
	Transports map[string]client.Transport
}

type Option func(*Options)

func WithBus(b *eventbus.Bus) Option              { return func(o *Options) { o.Bus = b } }
func WithEventIDStore(s live.EventIDStore) Option { return func(o *Options) { o.Store = s } }
func WithLogger(l *slog.Logger) Option            { return func(o *Options) { o.Logger = l } }
func WithHTTPClient(c *http.Client) Option        { return func(o *Options) { o.HTTPClient = c } }

// WithTransport makes the client called name use t instead of HTTP.
func WithTransport(name string, t client.Transport) Option {
	return func(o *Options) {
		if o.Transports == nil {
			o.Transports = make(map[string]client.Transport)
		}
		o.Transports[name] = t
	}
}

// Helper bundles what queries against one configured client need.
type Helper struct {
	Name      string
	Config    config.Client
	Client    *client.Client
	Transport client.Transport
	// Notifier receives the live events of this client's dataset only.
	Notifier *live.Notifier
	Tags     *live.Channel
	// Store is the event id store, namespaced for non-default clients.
	Store live.EventIDStore
}

// Context is the application root.
type Context struct {
	cfg  *config.Config
	opts *Options

	mu      sync.Mutex
	helpers map[string]*Helper
}

// New creates a Context for cfg, which should already have passed
// config.Check.
func New(cfg *config.Config, opts ...Option) *Context {
	o := &Options{}
	for _, f := range opts {
		f(o)
	}
	if o.Bus == nil {
		o.Bus = eventbus.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Context{
		cfg:     cfg,
		opts:    o,
		helpers: make(map[string]*Helper),
	}
}

func (a *Context) Config() *config.Config { return a.cfg }
func (a *Context) Bus() *eventbus.Bus     { return a.opts.Bus }
func (a *Context) Logger() *slog.Logger   { return a.opts.Logger }

// Helper returns the helper for the named client, creating it on first use.
// An empty name selects the default client.
func (a *Context) Helper(name string) (*Helper, error) {
	if name == "" {
		name = config.DefaultClient
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.helpers[name]; ok {
		return h, nil
	}
	cc, ok := a.cfg.Clients()[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClient, name)
	}
	h, err := a.newHelper(name, cc)
	if err != nil {
		return nil, err
	}
	a.helpers[name] = h
	return h, nil
}

func (a *Context) newHelper(name string, cc config.Client) (*Helper, error) {
	copts := []client.Option{client.WithLogger(a.opts.Logger.With("client", name))}
	if a.opts.HTTPClient != nil {
		copts = append(copts, client.WithHTTPClient(a.opts.HTTPClient))
	}
	var p perspective.Perspective
	if cc.Perspective != "" {
		p, _ = perspective.Parse(cc.Perspective)
	}
	c, err := client.New(client.Config{
		ProjectID:   cc.ProjectID,
		Dataset:     cc.Dataset,
		APIVersion:  cc.APIVersion,
		APIHost:     cc.APIHost,
		UseCdn:      cc.UseCdn == nil || *cc.UseCdn,
		Token:       cc.Token,
		Perspective: p,
		Stega:       cc.Stega,
	}, copts...)
	if err != nil {
		return nil, fmt.Errorf("client %q: %w", name, err)
	}

	var t client.Transport = c
	if override, ok := a.opts.Transports[name]; ok {
		t = override
	}
	var store live.EventIDStore
	if a.opts.Store != nil {
		store = a.opts.Store
		if name != config.DefaultClient {
			store = prefixedStore{prefix: name + "/", next: a.opts.Store}
		}
	}
	chOpts := []live.ChannelOption{live.WithBus(a.opts.Bus), live.WithLogger(a.opts.Logger)}
	if store != nil {
		chOpts = append(chOpts, live.WithEventIDStore(store))
	}
	notifier := live.NewNotifier()
	return &Helper{
		Name:      name,
		Config:    cc,
		Client:    c,
		Transport: t,
		Notifier:  notifier,
		Tags:      live.NewChannel(notifier, t, chOpts...),
		Store:     store,
	}, nil
}

// Stream builds the live-event stream of the named client, feeding that
// client's notifier. An empty name selects the default client.
func (a *Context) Stream(name string) (*live.Stream, error) {
	h, err := a.Helper(name)
	if err != nil {
		return nil, err
	}
	opts := []live.StreamOption{
		live.WithToken(a.cfg.LiveContent.ServerToken),
		live.WithStreamBus(a.opts.Bus),
		live.WithStreamLogger(a.opts.Logger),
	}
	if a.opts.HTTPClient != nil {
		opts = append(opts, live.WithHTTPClient(a.opts.HTTPClient))
	}
	if h.Store != nil {
		opts = append(opts, live.WithStreamStore(h.Store))
	}
	return live.NewStream(h.Client.LiveEventsURL(), h.Notifier, opts...), nil
}

// Streams builds one live-event stream per configured client, keyed by
// client name.
func (a *Context) Streams() (map[string]*live.Stream, error) {
	out := make(map[string]*live.Stream)
	for name := range a.cfg.Clients() {
		s, err := a.Stream(name)
		if err != nil {
			return nil, err
		}
		out[name] = s
	}
	return out, nil
}

// prefixedStore namespaces the keys of an event id store.
type prefixedStore struct {
	prefix string
	next   live.EventIDStore
}

func (p prefixedStore) LoadEventID(ctx context.Context, key string) (string, error) {
	return p.next.LoadEventID(ctx, p.prefix+key)
}

func (p prefixedStore) SaveEventID(ctx context.Context, key, id string) error {
	return p.next.SaveEventID(ctx, p.prefix+key, id)
}

func (p prefixedStore) DeleteEventID(ctx context.Context, key string) error {
	return p.next.DeleteEventID(ctx, p.prefix+key)
}
