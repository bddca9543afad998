package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	client "github.com/hanpama/groqlive/internal/client"
	eventbus "github.com/hanpama/groqlive/internal/eventbus"
	events "github.com/hanpama/groqlive/internal/events"
	fetchopts "github.com/hanpama/groqlive/internal/fetchopts"
)

// TagPrefix namespaces sync tags so they match the tags on live events.
const TagPrefix = "sanity:"

// TagsRequestTag labels the lightweight request made by FetchTags.
const TagsRequestTag = "groqlive.tags"

// EventIDStore persists the last seen live event id per query key.
type EventIDStore interface {
	LoadEventID(ctx context.Context, key string) (string, error)
	SaveEventID(ctx context.Context, key, id string) error
	DeleteEventID(ctx context.Context, key string) error
}

// Callback receives every live event's tags. update advances the
// subscription's last event id to the event's id; call it before refetching.
type Callback func(tags []string, update func())

// Channel tracks sync tags and last event ids per query key.
type Channel struct {
	notifier  *Notifier
	transport client.Transport
	store     EventIDStore
	bus       *eventbus.Bus
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	tags        map[string]struct{}
	lastEventID string
	subs        int
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

func WithEventIDStore(s EventIDStore) ChannelOption { return func(c *Channel) { c.store = s } }
func WithBus(b *eventbus.Bus) ChannelOption         { return func(c *Channel) { c.bus = b } }
func WithLogger(l *slog.Logger) ChannelOption       { return func(c *Channel) { c.logger = l } }

// NewChannel creates a Channel fed by notifier that fetches tags through
// transport.
func NewChannel(notifier *Notifier, transport client.Transport, opts ...ChannelOption) *Channel {
	c := &Channel{
		notifier:  notifier,
		transport: transport,
		entries:   make(map[string]*entry),
	}
	for _, f := range opts {
		f(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// FetchTags runs query for its sync tags only, prefixes them and records
// them against key when key is tracked. It returns the prefixed tags.
func (c *Channel) FetchTags(ctx context.Context, key, query string, params map[string]any, opts fetchopts.FetchOptions) ([]string, error) {
	opts = opts.WithoutSourceMap()
	if opts.Tag == "" {
		opts.Tag = TagsRequestTag
	}
	resp, err := c.transport.Fetch(ctx, query, params, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch tags: %w", err)
	}
	tags := make([]string, len(resp.SyncTags))
	for i, t := range resp.SyncTags {
		tags[i] = TagPrefix + t
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.tags = make(map[string]struct{}, len(tags))
		for _, t := range tags {
			e.tags[t] = struct{}{}
		}
	}
	c.mu.Unlock()

	eventbus.Publish(ctx, c.bus, events.TagsFetched{Key: key, Tags: tags})
	return tags, nil
}

// Tags returns the tags recorded for key.
func (c *Channel) Tags(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.tags))
	for t := range e.tags {
		out = append(out, t)
	}
	return out
}

// Matches reports whether any of tags was recorded for key.
func (c *Channel) Matches(key string, tags []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	for _, t := range tags {
		if _, ok := e.tags[t]; ok {
			return true
		}
	}
	return false
}

// Tracked reports whether key has at least one subscription.
func (c *Channel) Tracked(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Subscription is one registration of a query key on the channel.
type Subscription struct {
	c   *Channel
	key string

	once        sync.Once
	mu          sync.Mutex
	done        bool
	stopEvents  func()
	stopRestart func()
}

// Subscribe registers cb for every live event and onRestart for stream
// restarts, after which every tracked query must refetch whatever its tags.
// A nil onRestart ignores restarts. The subscription starts from the
// persisted last event id for key, if any.
func (c *Channel) Subscribe(key string, cb Callback, onRestart func()) *Subscription {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{tags: make(map[string]struct{})}
		c.entries[key] = e
	}
	e.subs++
	load := !ok && c.store != nil
	c.mu.Unlock()

	if load {
		id, err := c.store.LoadEventID(context.Background(), key)
		if err != nil {
			c.logger.Warn("failed to load last live event id", "key", key, "error", err)
		} else if id != "" {
			c.mu.Lock()
			if e.lastEventID == "" {
				e.lastEventID = id
			}
			c.mu.Unlock()
		}
	}

	s := &Subscription{c: c, key: key}
	s.stopEvents = c.notifier.Listen(func(tags []string, id string) {
		if s.closed() {
			return
		}
		cb(tags, func() { c.setLastEventID(key, id) })
	})
	s.stopRestart = func() {}
	if onRestart != nil {
		s.stopRestart = c.notifier.OnRestart(func() {
			if s.closed() {
				return
			}
			onRestart()
		})
	}
	return s
}

// LastLiveEventID returns the last event id recorded for the subscription's
// key.
func (s *Subscription) LastLiveEventID() string {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if e, ok := s.c.entries[s.key]; ok {
		return e.lastEventID
	}
	return ""
}

// Key returns the query key.
func (s *Subscription) Key() string { return s.key }

// Unsubscribe stops delivery. Once the last subscription for a key is gone
// its tags and event id are discarded. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
		s.stopEvents()
		s.stopRestart()

		c := s.c
		c.mu.Lock()
		e, ok := c.entries[s.key]
		drop := false
		if ok {
			e.subs--
			if e.subs <= 0 {
				delete(c.entries, s.key)
				drop = true
			}
		}
		c.mu.Unlock()
		if drop && c.store != nil {
			if err := c.store.DeleteEventID(context.Background(), s.key); err != nil {
				c.logger.Warn("failed to delete last live event id", "key", s.key, "error", err)
			}
		}
	})
}

func (s *Subscription) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (c *Channel) setLastEventID(key, id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		e.lastEventID = id
	}
	c.mu.Unlock()
	if ok && c.store != nil {
		if err := c.store.SaveEventID(context.Background(), key, id); err != nil {
			c.logger.Warn("failed to save last live event id", "key", key, "error", err)
		}
	}
}
