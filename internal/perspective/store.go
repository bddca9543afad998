package perspective

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
)

// CookieName is the client-readable cookie carrying the current perspective.
const CookieName = "sanity-preview-perspective"

// StoreOptions configures a Store.
type StoreOptions struct {
	// VisualEditing enables cookie-backed perspectives. When false the store
	// always reports Published.
	VisualEditing bool

	// Dev relaxes the cookie's SameSite policy and drops the Secure flag.
	Dev bool

	Logger *slog.Logger
}

// Store holds the current perspective. Reads sanitize the persisted value and
// writes validate the incoming one; neither ever fails.
type Store struct {
	jar  CookieJar
	opts StoreOptions

	mu        sync.Mutex
	listeners map[int]func(Perspective)
	nextID    int
}

// NewStore creates a Store persisting into jar.
func NewStore(jar CookieJar, opts StoreOptions) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{jar: jar, opts: opts, listeners: make(map[int]func(Perspective))}
}

// Fallback is the value used instead of raw or an invalid cookie.
func (s *Store) Fallback() Perspective {
	if s.opts.VisualEditing {
		return PreviewDrafts
	}
	return Published
}

// Get returns the effective perspective. A non-empty override always wins.
func (s *Store) Get(override Perspective) Perspective {
	if override != "" {
		return override
	}
	if !s.opts.VisualEditing {
		return Published
	}
	v, ok := s.jar.Get(CookieName)
	if !ok {
		return PreviewDrafts
	}
	p, err := Parse(v)
	if err != nil || p == Raw {
		return PreviewDrafts
	}
	return p
}

// Set persists v. Raw is replaced by the fallback; an invalid value clears
// the cookie.
func (s *Store) Set(v string) {
	before := s.Get("")
	p, err := Parse(v)
	switch {
	case err != nil:
		s.opts.Logger.Warn("ignoring invalid perspective", "value", v, "error", err)
		s.jar.Delete(CookieName)
	case p == Raw:
		s.write(s.Fallback())
	default:
		s.write(p)
	}
	if after := s.Get(""); after != before {
		s.emit(after)
	}
}

// Clear removes the persisted perspective.
func (s *Store) Clear() {
	before := s.Get("")
	s.jar.Delete(CookieName)
	if after := s.Get(""); after != before {
		s.emit(after)
	}
}

// OnChange registers fn to run whenever the effective perspective changes.
func (s *Store) OnChange(fn func(Perspective)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) write(p Perspective) {
	s.jar.Set(Cookie(p, s.opts.Dev))
}

func (s *Store) emit(p Perspective) {
	s.mu.Lock()
	fns := make([]func(Perspective), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

// Cookie builds the perspective cookie. It is readable by scripts so the
// editing tool can adjust it, and scoped to the whole site.
func Cookie(p Perspective, dev bool) *http.Cookie {
	c := &http.Cookie{
		Name:     CookieName,
		Value:    string(p),
		Path:     "/",
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
		Secure:   true,
	}
	if dev {
		c.SameSite = http.SameSiteLaxMode
		c.Secure = false
	}
	return c
}

// IsInvalid reports whether err came from perspective validation.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalid) }
