// Package livequery subscribes to query snapshots pushed by the presentation
// tool over a comlink channel. Snapshots carry resolved data and a content
// source map, so no fetch is made.
package livequery

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	comlink "github.com/hanpama/groqlive/internal/comlink"
	csm "github.com/hanpama/groqlive/internal/csm"
	perspective "github.com/hanpama/groqlive/internal/perspective"
	querykey "github.com/hanpama/groqlive/internal/querykey"
)

const (
	MsgQueryListen   = "loader/query-listen"
	MsgQueryUnlisten = "loader/query-unlisten"
	MsgQueryChange   = "loader/query-change"
)

// SnapshotFunc receives each snapshot that carries data.
type SnapshotFunc func(data json.RawMessage, sourceMap *csm.ContentSourceMap)

// ListenRequest is posted to the presentation tool to start a subscription.
type ListenRequest struct {
	ProjectID   string                  `json:"projectId"`
	Dataset     string                  `json:"dataset"`
	Perspective perspective.Perspective `json:"perspective"`
	Query       string                  `json:"query"`
	Params      map[string]any          `json:"params"`
	ID          string                  `json:"id"`
}

// Change is a snapshot pushed by the presentation tool.
type Change struct {
	ProjectID       string                  `json:"projectId"`
	Dataset         string                  `json:"dataset"`
	Perspective     perspective.Perspective `json:"perspective"`
	Query           string                  `json:"query"`
	Params          map[string]any          `json:"params"`
	Result          json.RawMessage         `json:"result"`
	ResultSourceMap *csm.ContentSourceMap   `json:"resultSourceMap,omitempty"`
	Tags            []string                `json:"tags,omitempty"`
}

type Options struct {
	ProjectID   string
	Dataset     string
	Perspective func() perspective.Perspective
	Logger      *slog.Logger
}

type Option func(*Options)

func WithProject(projectID, dataset string) Option {
	return func(o *Options) { o.ProjectID, o.Dataset = projectID, dataset }
}

func WithPerspective(fn func() perspective.Perspective) Option {
	return func(o *Options) { o.Perspective = fn }
}

func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// Source supplies the channel to the presentation tool, or nil while there
// is none. *detect.Detector is a Source.
type Source interface {
	Channel() comlink.Channel
}

type staticSource struct{ ch comlink.Channel }

func (s staticSource) Channel() comlink.Channel { return s.ch }

// Static returns a Source that always yields ch.
func Static(ch comlink.Channel) Source { return staticSource{ch: ch} }

// Fetcher opens per-query subscriptions on the source's channel. Without a
// channel, as on the server, it hands out inert subscriptions.
type Fetcher struct {
	src  Source
	opts *Options
}

func New(src Source, opts ...Option) *Fetcher {
	o := &Options{}
	for _, f := range opts {
		f(o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Fetcher{src: src, opts: o}
}

func (f *Fetcher) channel() comlink.Channel {
	if f == nil || f.src == nil {
		return nil
	}
	return f.src.Channel()
}

// Active reports whether the fetcher has a channel to subscribe on.
func (f *Fetcher) Active() bool { return f.channel() != nil }

// Subscription is one live query registration.
type Subscription struct {
	f          *Fetcher
	ch         comlink.Channel
	query      string
	onSnapshot SnapshotFunc

	mu          sync.Mutex
	params      map[string]any
	perspective perspective.Perspective
	gen         string
	stop        func()
	closed      bool
}

// Subscribe starts delivering snapshots of query with params to onSnapshot.
func (f *Fetcher) Subscribe(query string, params map[string]any, onSnapshot SnapshotFunc) *Subscription {
	s := &Subscription{f: f, ch: f.channel(), query: query, onSnapshot: onSnapshot}
	if s.ch == nil {
		s.closed = true
		return s
	}
	s.mu.Lock()
	s.listen(params)
	s.mu.Unlock()
	return s
}

// SetParams tears the current subscription down and listens with params.
func (s *Subscription) SetParams(params map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if querykey.Make(s.query, params) == querykey.Make(s.query, s.params) {
		return
	}
	s.teardown()
	s.listen(params)
}

// Relisten replaces the current listen request with one carrying the
// current perspective, under a new generation. Snapshots for the previous
// request are no longer delivered.
func (s *Subscription) Relisten() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.teardown()
	s.listen(s.params)
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.teardown()
}

// Generation returns the token of the current listen request.
func (s *Subscription) Generation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// listen must be called with s.mu held.
func (s *Subscription) listen(params map[string]any) {
	f := s.f
	gen := ulid.Make().String()
	key := querykey.Make(s.query, params)
	var persp perspective.Perspective
	if f.opts.Perspective != nil {
		persp = f.opts.Perspective()
	}
	s.params = params
	s.perspective = persp
	s.gen = gen

	s.stop = s.ch.On(MsgQueryChange, func(raw json.RawMessage) {
		var c Change
		if err := json.Unmarshal(raw, &c); err != nil {
			f.opts.Logger.Warn("failed to decode query change", "error", err)
			return
		}
		if c.Query != s.query || querykey.Make(c.Query, c.Params) != key {
			return
		}
		if f.opts.Perspective != nil && c.Perspective.Canonical() != persp.Canonical() {
			return
		}
		if len(c.Result) == 0 || string(c.Result) == "null" {
			return
		}
		s.mu.Lock()
		current := !s.closed && s.gen == gen
		s.mu.Unlock()
		if !current {
			return
		}
		s.onSnapshot(c.Result, c.ResultSourceMap)
	})

	req := ListenRequest{
		ProjectID:   f.opts.ProjectID,
		Dataset:     f.opts.Dataset,
		Perspective: persp,
		Query:       s.query,
		Params:      params,
		ID:          gen,
	}
	if err := s.ch.Post(MsgQueryListen, req); err != nil {
		f.opts.Logger.Warn("failed to post query listen", "error", err, "query_key", key)
	}
}

// teardown must be called with s.mu held.
func (s *Subscription) teardown() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	if err := s.ch.Post(MsgQueryUnlisten, map[string]string{"id": s.gen}); err != nil {
		s.f.opts.Logger.Debug("failed to post query unlisten", "error", err)
	}
	s.gen = ""
}
