package server

import (
	"context"
	"sync"
	"time"

	app "github.com/hanpama/groqlive/internal/app"
	config "github.com/hanpama/groqlive/internal/config"
	detect "github.com/hanpama/groqlive/internal/detect"
	fetchopts "github.com/hanpama/groqlive/internal/fetchopts"
	perspective "github.com/hanpama/groqlive/internal/perspective"
	query "github.com/hanpama/groqlive/internal/query"
	querykey "github.com/hanpama/groqlive/internal/querykey"
)

// DefaultSharedTTL is how long a published query stays open without being
// requested.
const DefaultSharedTTL = 10 * time.Minute

// sharedQueries keeps published queries open between requests so live
// events keep their results current. Entries idle for longer than ttl are
// closed on the next lookup.
type sharedQueries struct {
	app *app.Context
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*app.Session
	entries  map[string]*sharedEntry
	closed   bool
}

type sharedEntry struct {
	sess *app.Session
	q    *query.Query
	used time.Time
}

func newSharedQueries(a *app.Context, ttl time.Duration) *sharedQueries {
	return &sharedQueries{
		app:      a,
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*app.Session),
		entries:  make(map[string]*sharedEntry),
	}
}

// Result returns the current published result of text on the named client,
// starting the query on first use. Failed queries are not kept.
func (s *sharedQueries) Result(ctx context.Context, clientName, text string, params map[string]any) (query.Result, error) {
	if clientName == "" {
		clientName = config.DefaultClient
	}
	key := clientName + "/" + querykey.Make(text, params)

	s.mu.Lock()
	s.sweepLocked()
	if e, ok := s.entries[key]; ok {
		r := e.q.Result()
		if r.Status != query.StatusError {
			e.used = s.now()
			s.mu.Unlock()
			return r, nil
		}
		delete(s.entries, key)
		e.sess.Release(e.q)
	}
	sess, err := s.sessionLocked(clientName)
	s.mu.Unlock()
	if err != nil {
		return query.Result{}, err
	}

	q := sess.Query(ctx, text, params, fetchopts.QueryOptions{Perspective: perspective.Published})
	r := q.Result()

	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Status == query.StatusError || s.closed {
		sess.Release(q)
		return r, nil
	}
	if e, ok := s.entries[key]; ok {
		// Another request started the same query meanwhile.
		sess.Release(q)
		e.used = s.now()
		return e.q.Result(), nil
	}
	s.entries[key] = &sharedEntry{sess: sess, q: q, used: s.now()}
	return r, nil
}

// Len returns the number of open queries.
func (s *sharedQueries) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops every shared query.
func (s *sharedQueries) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*app.Session)
	s.entries = make(map[string]*sharedEntry)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

func (s *sharedQueries) sessionLocked(clientName string) (*app.Session, error) {
	if sess, ok := s.sessions[clientName]; ok {
		return sess, nil
	}
	sess, err := s.app.NewSession(app.SessionOptions{
		Client: clientName,
		Host:   detect.Host{Server: true},
	})
	if err != nil {
		return nil, err
	}
	s.sessions[clientName] = sess
	return sess, nil
}

func (s *sharedQueries) sweepLocked() {
	cutoff := s.now().Add(-s.ttl)
	for key, e := range s.entries {
		if e.used.Before(cutoff) {
			delete(s.entries, key)
			e.sess.Release(e.q)
		}
	}
}
