package app

import (
	"context"
	"sync"

	comlink "github.com/hanpama/groqlive/internal/comlink"
	detect "github.com/hanpama/groqlive/internal/detect"
	fetchopts "github.com/hanpama/groqlive/internal/fetchopts"
	livequery "github.com/hanpama/groqlive/internal/livequery"
	perspective "github.com/hanpama/groqlive/internal/perspective"
	query "github.com/hanpama/groqlive/internal/query"
)

// SessionOptions describes where a session runs.
type SessionOptions struct {
	// Client names the configured client; empty selects the default.
	Client string
	// Jar stores the perspective cookie. Nil uses an in-memory jar.
	Jar perspective.CookieJar
	// Host tells the detector whether the editing tool may be attached.
	Host detect.Host
	// Connect opens the channel to the editing tool.
	Connect detect.Connector
	// OneShot sessions serve a single request. Their queries fetch once and
	// neither track sync tags nor listen for live events.
	OneShot bool
}

// Session is the per-visitor scope: perspective, preview detection and the
// queries run on their behalf. Close releases all of it.
type Session struct {
	Helper      *Helper
	Perspective *perspective.Store
	Detector    *detect.Detector

	orch *query.Orchestrator

	mu      sync.Mutex
	queries []*query.Query
	closed  bool
}

// NewSession wires a session against the named client.
func (a *Context) NewSession(opts SessionOptions) (*Session, error) {
	h, err := a.Helper(opts.Client)
	if err != nil {
		return nil, err
	}
	cfg := a.cfg
	ve := cfg.VisualEditing.Enabled
	logger := a.opts.Logger

	jar := opts.Jar
	if jar == nil {
		jar = perspective.NewMemoryJar()
	}
	store := perspective.NewStore(jar, perspective.StoreOptions{
		VisualEditing: ve,
		Dev:           cfg.Dev,
		Logger:        logger,
	})
	d := detect.New(opts.Host, detect.Options{
		VisualEditing:    ve,
		LiveBrowserToken: cfg.LiveContent.BrowserToken,
		Connect:          opts.Connect,
		Perspective:      store,
		Logger:           logger,
	})

	tags := h.Tags
	if opts.OneShot {
		tags = nil
	}
	var lq *livequery.Fetcher
	if !opts.Host.Server && !opts.OneShot {
		lq = livequery.New(d,
			livequery.WithProject(h.Config.ProjectID, h.Config.Dataset),
			livequery.WithPerspective(func() perspective.Perspective { return store.Get("") }),
			livequery.WithLogger(logger),
		)
	}

	orch := query.New(query.Options{
		Transport:     h.Transport,
		Perspective:   store,
		Detector:      d,
		LiveQueries:   lq,
		Tags:          tags,
		VisualEditing: ve,
		Mode:          cfg.VisualEditing.Mode,
		LiveContent:   cfg.LiveContent.Enabled,
		Server:        opts.Host.Server,
		StudioURL:     cfg.VisualEditing.StudioURL,
		ClientStega:   h.Config.Stega,
		Tokens: fetchopts.Tokens{
			LiveServer:    cfg.LiveContent.ServerToken,
			VisualEditing: cfg.VisualEditing.Token,
		},
		Bus:    a.opts.Bus,
		Logger: logger,
	})

	return &Session{Helper: h, Perspective: store, Detector: d, orch: orch}, nil
}

// Query runs text with params in the session.
func (s *Session) Query(ctx context.Context, text string, params map[string]any, opts fetchopts.QueryOptions) *query.Query {
	q := s.orch.Run(ctx, text, params, opts)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		q.Close()
		return q
	}
	s.queries = append(s.queries, q)
	return q
}

// Release closes q and forgets it. Other queries of the session keep running.
func (s *Session) Release(q *query.Query) {
	s.mu.Lock()
	for i, x := range s.queries {
		if x == q {
			s.queries = append(s.queries[:i], s.queries[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	q.Close()
}

// Channel returns the editing tool channel once attached.
func (s *Session) Channel() comlink.Channel { return s.Detector.Channel() }

// Close stops every query and the detector. It is safe to call more than
// once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	qs := s.queries
	s.queries = nil
	s.mu.Unlock()

	for _, q := range qs {
		q.Close()
	}
	s.Detector.Close()
}
