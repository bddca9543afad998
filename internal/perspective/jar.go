package perspective

import (
	"net/http"
	"sync"
)

// CookieJar is the cookie storage a Store persists into.
type CookieJar interface {
	Get(name string) (string, bool)
	Set(c *http.Cookie)
	Delete(name string)
}

// MemoryJar is an in-process CookieJar, used outside of an HTTP request and
// in tests.
type MemoryJar struct {
	mu      sync.Mutex
	cookies map[string]*http.Cookie
}

func NewMemoryJar() *MemoryJar { return &MemoryJar{cookies: make(map[string]*http.Cookie)} }

func (j *MemoryJar) Get(name string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.cookies[name]
	if !ok {
		return "", false
	}
	return c.Value, true
}

func (j *MemoryJar) Set(c *http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *c
	j.cookies[c.Name] = &cp
}

func (j *MemoryJar) Delete(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.cookies, name)
}

// Cookie returns the stored cookie with its attributes.
func (j *MemoryJar) Cookie(name string) (*http.Cookie, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.cookies[name]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// RequestJar reads cookies from an incoming request and writes Set-Cookie
// headers to the response. Values written during the request are visible to
// later reads.
type RequestJar struct {
	r *http.Request
	w http.ResponseWriter

	mu      sync.Mutex
	written map[string]*http.Cookie
}

func NewRequestJar(w http.ResponseWriter, r *http.Request) *RequestJar {
	return &RequestJar{r: r, w: w, written: make(map[string]*http.Cookie)}
}

func (j *RequestJar) Get(name string) (string, bool) {
	j.mu.Lock()
	c, ok := j.written[name]
	j.mu.Unlock()
	if ok {
		if c.MaxAge < 0 {
			return "", false
		}
		return c.Value, true
	}
	rc, err := j.r.Cookie(name)
	if err != nil {
		return "", false
	}
	return rc.Value, true
}

func (j *RequestJar) Set(c *http.Cookie) {
	j.mu.Lock()
	cp := *c
	j.written[c.Name] = &cp
	j.mu.Unlock()
	http.SetCookie(j.w, c)
}

func (j *RequestJar) Delete(name string) {
	j.Set(&http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
}
