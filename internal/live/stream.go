package live

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	eventbus "github.com/hanpama/groqlive/internal/eventbus"
	events "github.com/hanpama/groqlive/internal/events"
)

const (
	// GlobalKey is the event id store key for the stream-wide cursor.
	GlobalKey = "*"

	// DefaultRetry is the delay before reconnecting after a stream error.
	DefaultRetry = 5 * time.Second

	// DefaultReconnectDelay is the pause before honouring a reconnect event.
	DefaultReconnectDelay = 250 * time.Millisecond

	maxEventSize = 1 << 20
)

// StreamOptions configures a Stream.
type StreamOptions struct {
	HTTPClient *http.Client
	Token      string
	Retry      time.Duration
	// ReconnectDelay is the pause after the server asks for a reconnect.
	ReconnectDelay time.Duration
	Store          EventIDStore
	Bus            *eventbus.Bus
	Logger         *slog.Logger
}

// StreamOption mutates StreamOptions.
type StreamOption func(*StreamOptions)

func defaultStreamOptions() *StreamOptions {
	return &StreamOptions{HTTPClient: http.DefaultClient, Retry: DefaultRetry, ReconnectDelay: DefaultReconnectDelay}
}

func WithHTTPClient(c *http.Client) StreamOption { return func(o *StreamOptions) { o.HTTPClient = c } }
func WithToken(token string) StreamOption        { return func(o *StreamOptions) { o.Token = token } }
func WithRetry(d time.Duration) StreamOption     { return func(o *StreamOptions) { o.Retry = d } }
func WithReconnectDelay(d time.Duration) StreamOption {
	return func(o *StreamOptions) { o.ReconnectDelay = d }
}
func WithStreamStore(s EventIDStore) StreamOption  { return func(o *StreamOptions) { o.Store = s } }
func WithStreamBus(b *eventbus.Bus) StreamOption   { return func(o *StreamOptions) { o.Bus = b } }
func WithStreamLogger(l *slog.Logger) StreamOption { return func(o *StreamOptions) { o.Logger = l } }

// Stream subscribes to the live events endpoint and forwards events to a
// Notifier.
type Stream struct {
	url      string
	notifier *Notifier
	opts     *StreamOptions

	mu     sync.Mutex
	lastID string
}

// NewStream creates a stream reading from eventsURL.
func NewStream(eventsURL string, notifier *Notifier, opts ...StreamOption) *Stream {
	o := defaultStreamOptions()
	for _, f := range opts {
		f(o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Stream{url: eventsURL, notifier: notifier, opts: o}
}

// LastEventID returns the id of the last message received.
func (s *Stream) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Start connects to the stream and processes events until the context is
// cancelled. It reconnects on transient errors, resuming from the last
// event id.
func (s *Stream) Start(ctx context.Context) error {
	if s.opts.Store != nil {
		id, err := s.opts.Store.LoadEventID(ctx, GlobalKey)
		if err != nil {
			s.opts.Logger.Warn("failed to load live cursor, starting from now", "error", err)
		} else {
			s.setLastID(id)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			err := s.subscribe(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := s.opts.Retry
			if err == nil || errors.Is(err, ErrReconnect) {
				s.opts.Logger.Debug("live stream asked to reconnect")
				delay = s.opts.ReconnectDelay
			} else {
				s.opts.Logger.Error("live stream error, reconnecting", "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

func (s *Stream) buildURL() string {
	u, err := url.Parse(s.url)
	if err != nil {
		return s.url
	}
	if id := s.LastEventID(); id != "" {
		q := u.Query()
		q.Set("lastLiveEventId", id)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (s *Stream) subscribe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.buildURL(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := s.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	s.opts.Logger.Info("connecting to live stream", "url", s.url)
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if ev.empty() {
				continue
			}
			if err := s.dispatch(ctx, &ev); err != nil {
				return err
			}
			ev = sseEvent{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.name = value
		case "data":
			if ev.data.Len() > 0 {
				ev.data.WriteByte('\n')
			}
			ev.data.WriteString(value)
		case "id":
			ev.id = value
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return errStreamClosed
}

type sseEvent struct {
	name string
	id   string
	data strings.Builder
}

func (e *sseEvent) empty() bool { return e.name == "" && e.id == "" && e.data.Len() == 0 }

type messageData struct {
	ID   string   `json:"id"`
	Tags []string `json:"tags"`
}

func (s *Stream) dispatch(ctx context.Context, ev *sseEvent) error {
	switch ev.name {
	case "welcome":
		s.opts.Logger.Info("connected to live stream")
		eventbus.Publish(ctx, s.opts.Bus, events.LiveConnected{URL: s.url})
	case "", "message":
		var msg messageData
		if err := json.Unmarshal([]byte(ev.data.String()), &msg); err != nil {
			s.opts.Logger.Error("failed to parse live message", "error", err)
			return nil
		}
		if msg.ID == "" {
			msg.ID = ev.id
		}
		s.setLastID(msg.ID)
		if s.opts.Store != nil && msg.ID != "" {
			if err := s.opts.Store.SaveEventID(ctx, GlobalKey, msg.ID); err != nil {
				s.opts.Logger.Warn("failed to save live cursor", "error", err)
			}
		}
		eventbus.Publish(ctx, s.opts.Bus, events.LiveMessage{ID: msg.ID, Tags: msg.Tags})
		s.notifier.Notify(msg.Tags, msg.ID)
	case "restart":
		s.opts.Logger.Info("live stream restart, refetching everything")
		eventbus.Publish(ctx, s.opts.Bus, events.LiveRestart{})
		s.notifier.Restart()
	case "reconnect":
		return ErrReconnect
	case "channelError", "error":
		s.opts.Logger.Warn("live stream reported an error", "data", ev.data.String())
	default:
		s.opts.Logger.Debug("ignoring live stream event", "event", ev.name)
	}
	return nil
}

func (s *Stream) setLastID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.lastID = id
	s.mu.Unlock()
}
