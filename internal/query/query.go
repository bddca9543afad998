// Package query runs GROQ queries and keeps their results current. Each
// query uses exactly one revalidation strategy at a time: snapshots pushed by
// the presentation tool, or tag-based refetches driven by live events.
package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	client "github.com/hanpama/groqlive/internal/client"
	config "github.com/hanpama/groqlive/internal/config"
	csm "github.com/hanpama/groqlive/internal/csm"
	detect "github.com/hanpama/groqlive/internal/detect"
	eventbus "github.com/hanpama/groqlive/internal/eventbus"
	events "github.com/hanpama/groqlive/internal/events"
	fetchopts "github.com/hanpama/groqlive/internal/fetchopts"
	live "github.com/hanpama/groqlive/internal/live"
	livequery "github.com/hanpama/groqlive/internal/livequery"
	perspective "github.com/hanpama/groqlive/internal/perspective"
	querykey "github.com/hanpama/groqlive/internal/querykey"
	reqid "github.com/hanpama/groqlive/internal/reqid"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Strategy is the revalidation path a query currently uses.
type Strategy string

const (
	StrategyNone Strategy = "none"
	StrategyLive Strategy = "live"
	StrategyTags Strategy = "tags"
)

// Result is a snapshot of a query's state.
type Result struct {
	Data      json.RawMessage
	SourceMap *csm.ContentSourceMap
	Pending   bool
	Err       error
	Status    Status
}

// Options wires an Orchestrator to its collaborators. Nil collaborators
// disable the features that need them.
type Options struct {
	Transport   client.Transport
	Perspective *perspective.Store
	Detector    *detect.Detector
	LiveQueries *livequery.Fetcher
	Tags        *live.Channel

	VisualEditing bool
	Mode          string
	LiveContent   bool
	// Server marks queries run while serving a request rather than for a
	// long-lived preview session.
	Server bool

	StudioURL   string
	ClientStega fetchopts.Stega
	Tokens      fetchopts.Tokens

	Bus    *eventbus.Bus
	Logger *slog.Logger
}

// Orchestrator creates queries sharing one set of collaborators.
type Orchestrator struct {
	opts Options
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = config.ModeLiveVisualEditing
	}
	return &Orchestrator{opts: opts}
}

// liveActive reports whether presentation snapshots should drive queries.
func (o *Orchestrator) liveActive() bool {
	return !o.opts.Server &&
		o.opts.VisualEditing &&
		o.opts.Mode == config.ModeLiveVisualEditing &&
		o.opts.Detector.InPresentation() &&
		o.opts.LiveQueries.Active()
}

func (o *Orchestrator) strategy() Strategy {
	switch {
	case o.liveActive():
		return StrategyLive
	case o.opts.LiveContent && o.opts.Tags != nil:
		return StrategyTags
	default:
		return StrategyNone
	}
}

// Query is one running query.
type Query struct {
	o     *Orchestrator
	text  string
	key   string
	qopts fetchopts.QueryOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	params    map[string]any
	result    Result
	strategy  Strategy
	gen       uint64
	seq       uint64
	tagSub    *live.Subscription
	liveSub   *livequery.Subscription
	watchers  map[int]func(Result)
	nextWatch int
	unsubs    []func()
	closed    bool
}

// Run starts query, selects its strategy and performs the initial fetch
// before returning. The query keeps following perspective and environment
// changes until Close.
func (o *Orchestrator) Run(ctx context.Context, text string, params map[string]any, qopts fetchopts.QueryOptions) *Query {
	qctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q := &Query{
		o:        o,
		text:     text,
		key:      querykey.Make(text, params),
		qopts:    qopts,
		ctx:      qctx,
		cancel:   cancel,
		params:   params,
		result:   Result{Status: StatusIdle},
		strategy: StrategyNone,
		watchers: make(map[int]func(Result)),
	}

	q.switchStrategy(o.strategy())
	if o.opts.Perspective != nil {
		q.addUnsub(o.opts.Perspective.OnChange(func(perspective.Perspective) { q.perspectiveChanged() }))
	}
	if o.opts.Detector != nil {
		q.addUnsub(o.opts.Detector.OnResolve(func(detect.Environment) {
			q.switchStrategy(o.strategy())
		}))
	}
	q.Execute(ctx)
	return q
}

// Key returns the key computed from the query and its initial params.
func (q *Query) Key() string { return q.key }

// Result returns the current state.
func (q *Query) Result() Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.result
}

// Strategy returns the active revalidation strategy.
func (q *Query) Strategy() Strategy {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.strategy
}

// EncodeDataAttribute returns the click-to-edit attribute for the result
// field at path.
func (q *Query) EncodeDataAttribute(path ...any) string {
	q.mu.Lock()
	sm := q.result.SourceMap
	q.mu.Unlock()
	return csm.EncodeDataAttribute(sm, q.o.opts.StudioURL, path)
}

// Watch calls fn with every new state until the returned func is called.
func (q *Query) Watch(fn func(Result)) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextWatch
	q.nextWatch++
	q.watchers[id] = fn
	q.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.watchers, id)
			q.mu.Unlock()
		})
	}
}

// Execute runs the fetch pipeline and returns the resulting state.
func (q *Query) Execute(ctx context.Context) Result {
	q.execute(ctx)
	return q.Result()
}

// Refresh re-runs the fetch pipeline in the background.
func (q *Query) Refresh() {
	go q.execute(q.ctx)
}

// SetParams replaces the params and re-runs the fetch pipeline. The query
// key stays the one computed at Run.
func (q *Query) SetParams(ctx context.Context, params map[string]any) Result {
	q.mu.Lock()
	if q.closed {
		r := q.result
		q.mu.Unlock()
		return r
	}
	q.params = params
	if q.liveSub != nil {
		q.liveSub.SetParams(params)
	}
	q.mu.Unlock()
	return q.Execute(ctx)
}

// Close tears the active strategy and every watcher down. It is safe to call
// more than once.
func (q *Query) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.teardownLocked()
	unsubs := q.unsubs
	q.unsubs = nil
	q.watchers = make(map[int]func(Result))
	q.mu.Unlock()

	q.cancel()
	for _, u := range unsubs {
		u()
	}
}

func (q *Query) addUnsub(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		fn()
		return
	}
	q.unsubs = append(q.unsubs, fn)
	q.mu.Unlock()
}

// switchStrategy tears the current strategy down before activating to.
func (q *Query) switchStrategy(to Strategy) {
	q.mu.Lock()
	if q.closed || q.strategy == to {
		q.mu.Unlock()
		return
	}
	from := q.strategy
	q.teardownLocked()
	q.gen++
	gen := q.gen
	q.strategy = to
	switch to {
	case StrategyLive:
		q.liveSub = q.o.opts.LiveQueries.Subscribe(q.text, q.params, func(data json.RawMessage, sm *csm.ContentSourceMap) {
			q.applySnapshot(gen, data, sm)
		})
	case StrategyTags:
		q.tagSub = q.o.opts.Tags.Subscribe(q.key, func(tags []string, update func()) {
			q.onTags(gen, tags, update)
		}, func() {
			if q.current(gen) {
				q.Refresh()
			}
		})
	}
	q.mu.Unlock()

	q.o.opts.Logger.Debug("query strategy changed", "key", q.key, "from", from, "to", to)
	eventbus.Publish(q.ctx, q.o.opts.Bus, events.StrategyChanged{Key: q.key, From: string(from), To: string(to)})
}

func (q *Query) teardownLocked() {
	if q.liveSub != nil {
		q.liveSub.Unsubscribe()
		q.liveSub = nil
	}
	if q.tagSub != nil {
		q.tagSub.Unsubscribe()
		q.tagSub = nil
	}
	q.strategy = StrategyNone
}

func (q *Query) current(gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed && q.gen == gen
}

// perspectiveChanged re-runs the whole pipeline. A live subscription listens
// again so snapshots follow the new perspective.
func (q *Query) perspectiveChanged() {
	q.mu.Lock()
	sub := q.liveSub
	q.mu.Unlock()
	if sub != nil {
		sub.Relisten()
	}
	q.Refresh()
}

func (q *Query) onTags(gen uint64, tags []string, update func()) {
	if !q.current(gen) || !q.o.opts.Tags.Matches(q.key, tags) {
		return
	}
	update()
	q.Refresh()
}

func (q *Query) applySnapshot(gen uint64, data json.RawMessage, sm *csm.ContentSourceMap) {
	q.mu.Lock()
	if q.closed || q.gen != gen {
		q.mu.Unlock()
		return
	}
	q.seq++
	q.result = Result{Data: data, SourceMap: sm, Status: StatusSuccess}
	r, fns := q.result, q.watcherFns()
	q.mu.Unlock()
	notify(fns, r)
}

func (q *Query) execute(ctx context.Context) {
	o := q.o.opts

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.seq++
	seq := q.seq
	params := q.params
	strategy := q.strategy
	var lastID string
	if q.tagSub != nil {
		lastID = q.tagSub.LastLiveEventID()
	}
	q.result.Pending = true
	if q.result.Status == StatusIdle {
		q.result.Status = StatusPending
	}
	r, fns := q.result, q.watcherFns()
	q.mu.Unlock()
	notify(fns, r)

	var p perspective.Perspective
	if o.Perspective != nil {
		p = o.Perspective.Get(q.qopts.Perspective)
	}
	fo := fetchopts.Resolve(fetchopts.Inputs{
		Query:           q.qopts,
		Perspective:     p,
		VisualEditing:   o.VisualEditing,
		LiveContent:     o.LiveContent,
		ClientStega:     o.ClientStega,
		LastLiveEventID: lastID,
		Tokens:          o.Tokens,
	})

	fetchID := reqid.New()
	start := time.Now()
	eventbus.Publish(ctx, o.Bus, events.QueryStart{
		FetchID:     fetchID,
		Key:         q.key,
		Query:       q.text,
		Perspective: fo.Perspective.String(),
		UseCdn:      fo.CdnEnabled(false),
	})

	var resp *client.Response
	var err error
	if strategy == StrategyTags {
		_, err = o.Tags.FetchTags(ctx, q.key, q.text, params, fo)
	}
	if err == nil {
		resp, err = o.Transport.Fetch(ctx, q.text, params, fo)
	}

	finish := events.QueryFinish{FetchID: fetchID, Key: q.key, Query: q.text, Err: err, Duration: time.Since(start)}
	if resp != nil {
		finish.SyncTags = len(resp.SyncTags)
	}
	eventbus.Publish(ctx, o.Bus, finish)

	q.mu.Lock()
	if q.closed || seq != q.seq {
		q.mu.Unlock()
		o.Logger.Debug("dropping stale query result", "key", q.key)
		return
	}
	if err != nil {
		q.result.Pending = false
		q.result.Err = err
		q.result.Status = StatusError
	} else {
		q.result = Result{Data: resp.Result, SourceMap: resp.ResultSourceMap, Status: StatusSuccess}
	}
	r, fns = q.result, q.watcherFns()
	q.mu.Unlock()
	if err != nil {
		o.Logger.Warn("query failed", "key", q.key, "error", err)
	}
	notify(fns, r)
}

func (q *Query) watcherFns() []func(Result) {
	fns := make([]func(Result), 0, len(q.watchers))
	for _, fn := range q.watchers {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func(Result), r Result) {
	for _, fn := range fns {
		fn(r)
	}
}
