package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	app "github.com/hanpama/groqlive/internal/app"
	client "github.com/hanpama/groqlive/internal/client"
	config "github.com/hanpama/groqlive/internal/config"
	eventbus "github.com/hanpama/groqlive/internal/eventbus"
	events "github.com/hanpama/groqlive/internal/events"
	live "github.com/hanpama/groqlive/internal/live"
	perspective "github.com/hanpama/groqlive/internal/perspective"
	querykey "github.com/hanpama/groqlive/internal/querykey"
	reqid "github.com/hanpama/groqlive/internal/reqid"
)

const secret = "s3cret"

func newTestHandler(t *testing.T, tr *client.MockTransport, opts ...Option) (*Handler, *app.Context) {
	t.Helper()
	cfg := config.Default()
	cfg.ProjectID = "p1"
	cfg.VisualEditing.Enabled = true
	cfg.VisualEditing.Token = "ve-token"
	a := app.New(cfg, app.WithTransport(config.DefaultClient, tr))
	opts = append([]Option{WithPreviewSecret(secret)}, opts...)
	return New(a, opts...), a
}

func okTransport() *client.MockTransport {
	return client.NewMockTransport(client.NewMockResponse(&client.Response{Result: json.RawMessage(`{"title":"hi"}`)}))
}

func cookieNamed(cs []*http.Cookie, name string) *http.Cookie {
	for _, c := range cs {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func enablePreview(t *testing.T, h *Handler) []*http.Cookie {
	t.Helper()
	req := httptest.NewRequest("GET", "/preview/enable?secret="+secret+"&redirect=/posts/1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusTemporaryRedirect, w.Code)
	require.Equal(t, "/posts/1", w.Header().Get("Location"))
	return w.Result().Cookies()
}

func TestEnableSetsCookies(t *testing.T) {
	h, _ := newTestHandler(t, okTransport())
	cookies := enablePreview(t, h)

	pc := cookieNamed(cookies, PreviewCookie)
	require.NotNil(t, pc)
	require.True(t, pc.HttpOnly)
	tok, err := jwt.ParseWithClaims(pc.Value, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	sub, _ := tok.Claims.GetSubject()
	require.Equal(t, "preview", sub)

	persp := cookieNamed(cookies, perspective.CookieName)
	require.NotNil(t, persp)
	require.Equal(t, string(perspective.PreviewDrafts), persp.Value)
}

func TestEnableRejectsBadSecret(t *testing.T) {
	h, _ := newTestHandler(t, okTransport())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/preview/enable?secret=nope", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Nil(t, cookieNamed(w.Result().Cookies(), PreviewCookie))
}

func TestEnableWithoutSecretConfigured(t *testing.T) {
	h, _ := newTestHandler(t, okTransport(), WithPreviewSecret(""))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/preview/enable?secret=", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRedirectStaysOnSite(t *testing.T) {
	cases := map[string]string{
		"":                    "/",
		"/a?b=1":              "/a?b=1",
		"https://evil.test/":  "/",
		"//evil.test":         "/",
		"/\\evil.test":        "/",
		"javascript:alert(1)": "/",
	}
	for in, want := range cases {
		require.Equal(t, want, safeRedirect(in), in)
	}
}

func TestDisableClearsCookies(t *testing.T) {
	h, _ := newTestHandler(t, okTransport())
	req := httptest.NewRequest("GET", "/preview/disable", nil)
	for _, c := range enablePreview(t, h) {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusTemporaryRedirect, w.Code)
	require.Equal(t, "/", w.Header().Get("Location"))

	pc := cookieNamed(w.Result().Cookies(), PreviewCookie)
	require.NotNil(t, pc)
	require.Less(t, pc.MaxAge, 0)
	persp := cookieNamed(w.Result().Cookies(), perspective.CookieName)
	require.NotNil(t, persp)
	require.Less(t, persp.MaxAge, 0)
}

func TestProxyRequiresPreview(t *testing.T) {
	tr := okTransport()
	h, _ := newTestHandler(t, tr)
	req := httptest.NewRequest("POST", "/_sanity/fetch", bytes.NewBufferString(`{"query":"*[0]"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, tr.Calls())
}

func TestProxyRejectsForgedCookie(t *testing.T) {
	tr := okTransport()
	h, _ := newTestHandler(t, tr)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "preview",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("other"))
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/_sanity/fetch", bytes.NewBufferString(`{"query":"*[0]"}`))
	req.AddCookie(&http.Cookie{Name: PreviewCookie, Value: forged})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProxyUsesEditingToken(t *testing.T) {
	tr := okTransport()
	h, _ := newTestHandler(t, tr)
	body := `{"query":"*[_id == $id][0]","params":{"id":"a"},"options":{"tag":"editor"}}`
	req := httptest.NewRequest("POST", "/_sanity/fetch", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range enablePreview(t, h) {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got FetchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.JSONEq(t, `{"title":"hi"}`, string(got.Result))

	calls := tr.Calls()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	require.Equal(t, "ve-token", last.Options.Token)
	require.Equal(t, perspective.PreviewDrafts, last.Options.Perspective)
	if diff := cmp.Diff(map[string]any{"id": "a"}, last.Params); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestProxyBodyLimits(t *testing.T) {
	h, _ := newTestHandler(t, okTransport(), WithMaxBodyBytes(16))
	cookies := enablePreview(t, h)

	send := func(body, ct string) int {
		req := httptest.NewRequest("POST", "/_sanity/fetch", bytes.NewBufferString(body))
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		for _, c := range cookies {
			req.AddCookie(c)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}
	require.Equal(t, http.StatusRequestEntityTooLarge, send(`{"query":"*[_type == 'post']"}`, ""))
	require.Equal(t, http.StatusBadRequest, send(`{"query":"*"}`, "text/plain"))
	require.Equal(t, http.StatusBadRequest, send(`{`, ""))
	require.Equal(t, http.StatusBadRequest, send(`{}`, ""))
}

func TestQueryPublishedWithoutPreview(t *testing.T) {
	tr := okTransport()
	h, _ := newTestHandler(t, tr)
	req := httptest.NewRequest("GET", "/query?query="+url.QueryEscape("*[0]"), nil)
	req.AddCookie(perspective.Cookie(perspective.PreviewDrafts, false))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	calls := tr.Calls()
	require.NotEmpty(t, calls)
	require.Equal(t, perspective.Published, calls[len(calls)-1].Options.Perspective)
	require.Empty(t, calls[len(calls)-1].Options.Token)
}

func TestQueryErrors(t *testing.T) {
	tr := client.NewMockTransport(client.NewMockError(&client.APIError{Status: 400, Message: "bad query"}))
	h, _ := newTestHandler(t, tr)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/query", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/query?query=x&params=%7B", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/query?query=x", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "bad query")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/query?query=x&client=nope", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEmitsEvents(t *testing.T) {
	h, a := newTestHandler(t, okTransport())
	var statuses []int
	var rids []string
	eventbus.Subscribe(a.Bus(), func(_ context.Context, e events.HTTPFinish) { statuses = append(statuses, e.Status) })
	eventbus.Subscribe(a.Bus(), func(ctx context.Context, e events.HTTPStart) {
		rid, _ := reqid.FromContext(ctx)
		rids = append(rids, rid)
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	require.NotEmpty(t, w.Header().Get("X-Request-Id"))
	require.Equal(t, []int{http.StatusOK}, statuses)
	require.Equal(t, []string{w.Header().Get("X-Request-Id")}, rids)
}

func TestCORS(t *testing.T) {
	h, _ := newTestHandler(t, okTransport(), WithCORS("https://studio.test"))

	req := httptest.NewRequest("OPTIONS", "/_sanity/fetch", nil)
	req.Header.Set("Origin", "https://studio.test")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "https://studio.test", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	require.Equal(t, "content-type", w.Header().Get("Access-Control-Allow-Headers"))

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://other.test")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func newLiveHandler(t *testing.T, tr *client.MockTransport, store live.EventIDStore, opts ...Option) (*Handler, *app.Context) {
	t.Helper()
	cfg := config.Default()
	cfg.ProjectID = "p1"
	cfg.VisualEditing.Enabled = true
	cfg.VisualEditing.Token = "ve-token"
	cfg.LiveContent.Enabled = true
	a := app.New(cfg, app.WithTransport(config.DefaultClient, tr), app.WithEventIDStore(store))
	opts = append([]Option{WithPreviewSecret(secret)}, opts...)
	h := New(a, opts...)
	t.Cleanup(h.Close)
	return h, a
}

func getQuery(t *testing.T, h *Handler, q string) FetchResponse {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/query?query="+url.QueryEscape(q), nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got FetchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	return got
}

func TestSharedPublishedQueries(t *testing.T) {
	tr := client.NewMockTransport(client.NewMockResponse(&client.Response{Result: json.RawMessage(`"v1"`), SyncTags: []string{"s1:a"}}))
	store := live.NewMemoryEventIDStore()
	h, a := newLiveHandler(t, tr, store)

	require.JSONEq(t, `"v1"`, string(getQuery(t, h, "*[0]").Result))
	require.Len(t, tr.Calls(), 2)
	require.JSONEq(t, `"v1"`, string(getQuery(t, h, "*[0]").Result))
	require.Len(t, tr.Calls(), 2)
	require.Equal(t, 1, h.shared.Len())

	helper, err := a.Helper("")
	require.NoError(t, err)
	tr.SetFetch(client.NewMockResponse(&client.Response{Result: json.RawMessage(`"v2"`), SyncTags: []string{"s1:a"}}))
	helper.Notifier.Notify([]string{"sanity:s1:a"}, "ev-1")
	require.Eventually(t, func() bool {
		res, err := h.shared.Result(context.Background(), "", "*[0]", nil)
		return err == nil && string(res.Data) == `"v2"`
	}, time.Second, 5*time.Millisecond)
	require.JSONEq(t, `"v2"`, string(getQuery(t, h, "*[0]").Result))

	id, err := store.LoadEventID(context.Background(), querykey.Make("*[0]", nil))
	require.NoError(t, err)
	require.Equal(t, "ev-1", id)
}

func TestSharedQueriesExpire(t *testing.T) {
	tr := client.NewMockTransport(client.NewMockResponse(&client.Response{Result: json.RawMessage(`1`), SyncTags: []string{"s1:a"}}))
	h, a := newLiveHandler(t, tr, live.NewMemoryEventIDStore(), WithSharedTTL(time.Minute))
	now := time.Now()
	h.shared.now = func() time.Time { return now }

	getQuery(t, h, "*[0]")
	now = now.Add(2 * time.Minute)
	getQuery(t, h, "*[1]")
	require.Equal(t, 1, h.shared.Len())

	helper, err := a.Helper("")
	require.NoError(t, err)
	require.False(t, helper.Tags.Tracked(querykey.Make("*[0]", nil)))
	require.True(t, helper.Tags.Tracked(querykey.Make("*[1]", nil)))

	h.Close()
	require.Equal(t, 0, h.shared.Len())
	require.Equal(t, 0, helper.Notifier.Len())
}

func TestSharedQueriesDropFailures(t *testing.T) {
	tr := client.NewMockTransport(client.NewMockError(&client.APIError{Status: 400, Message: "bad query"}))
	h, _ := newLiveHandler(t, tr, live.NewMemoryEventIDStore())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/query?query=x", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, 0, h.shared.Len())
}

func TestPreviewRequestsDoNotTrackTags(t *testing.T) {
	tr := client.NewMockTransport(client.NewMockResponse(&client.Response{Result: json.RawMessage(`1`), SyncTags: []string{"s1:a"}}))
	h, a := newLiveHandler(t, tr, live.NewMemoryEventIDStore())
	cookies := enablePreview(t, h)

	req := httptest.NewRequest("POST", "/_sanity/fetch", bytes.NewBufferString(`{"query":"*[0]"}`))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	req = httptest.NewRequest("GET", "/query?query="+url.QueryEscape("*[0]"), nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	calls := tr.Calls()
	require.Len(t, calls, 2)
	for _, c := range calls {
		require.NotEqual(t, live.TagsRequestTag, c.Options.Tag)
	}
	helper, err := a.Helper("")
	require.NoError(t, err)
	require.Equal(t, 0, helper.Notifier.Len())
	require.Equal(t, 0, h.shared.Len())
}
