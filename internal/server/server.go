// Package server exposes the preview HTTP endpoints: enabling and disabling
// preview mode, a query proxy for the editing tool, a perspective-aware
// query endpoint and a health check.
//
// Preview requests run one-shot queries. With live content enabled, published
// queries stay open between requests and follow live events.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	app "github.com/hanpama/groqlive/internal/app"
	client "github.com/hanpama/groqlive/internal/client"
	csm "github.com/hanpama/groqlive/internal/csm"
	detect "github.com/hanpama/groqlive/internal/detect"
	eventbus "github.com/hanpama/groqlive/internal/eventbus"
	events "github.com/hanpama/groqlive/internal/events"
	fetchopts "github.com/hanpama/groqlive/internal/fetchopts"
	perspective "github.com/hanpama/groqlive/internal/perspective"
	query "github.com/hanpama/groqlive/internal/query"
	reqid "github.com/hanpama/groqlive/internal/reqid"
)

// PreviewCookie holds the signed preview-mode token.
const PreviewCookie = "__sanity_preview"

const previewSubject = "preview"

// Handler is an http.Handler serving the preview endpoints.
type Handler struct {
	app    *app.Context
	opt    Options
	router chi.Router
	shared *sharedQueries
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// PreviewSecret signs preview cookies and must be presented to enable
	// preview mode. Empty disables preview mode.
	PreviewSecret string

	// PreviewTTL is the lifetime of a preview cookie.
	PreviewTTL time.Duration

	// SharedTTL closes published queries not requested for this long.
	SharedTTL time.Duration

	Logger *slog.Logger
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option    { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                    { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option       { return func(o *Options) { o.MaxBodyBytes = n } }
func WithPreviewSecret(s string) Option     { return func(o *Options) { o.PreviewSecret = s } }
func WithPreviewTTL(d time.Duration) Option { return func(o *Options) { o.PreviewTTL = d } }
func WithSharedTTL(d time.Duration) Option  { return func(o *Options) { o.SharedTTL = d } }
func WithLogger(l *slog.Logger) Option      { return func(o *Options) { o.Logger = l } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates the preview handler for a.
func New(a *app.Context, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second, PreviewTTL: time.Hour, SharedTTL: DefaultSharedTTL}
	for _, f := range opts {
		f(&op)
	}
	if op.Logger == nil {
		op.Logger = a.Logger()
	}
	if op.PreviewSecret == "" {
		op.Logger.Warn("no preview secret configured, preview mode is disabled")
	}
	h := &Handler{app: a, opt: op}
	if a.Config().LiveContent.Enabled {
		h.shared = newSharedQueries(a, op.SharedTTL)
	}

	cfg := a.Config().VisualEditing
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.Use(h.cors)
	r.Get("/health", h.health)
	r.Get("/query", h.query)
	r.Get(cfg.PreviewMode.Enable, h.enable)
	r.Get(cfg.PreviewMode.Disable, h.disable)
	r.Post(cfg.ProxyEndpoint, h.proxy)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Close stops the shared published queries. Their stored event ids are
// removed with them.
func (h *Handler) Close() {
	if h.shared != nil {
		h.shared.Close()
	}
}

// instrument applies the default timeout, tags the request with an id and
// emits HTTP events.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
			defer cancel()
		}
		ctx, rid := reqid.NewContext(ctx)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-Id", rid)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		bus := h.app.Bus()
		eventbus.Publish(ctx, bus, events.HTTPStart{Request: r})
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			eventbus.Publish(ctx, bus, events.HTTPFinish{Request: r, Status: status, Duration: time.Since(start)})
		}()
		next.ServeHTTP(ww, r)
	})
}

func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, h.opt.Pretty)
}

// enable checks the shared secret, then sets the preview and perspective
// cookies and redirects.
func (h *Handler) enable(w http.ResponseWriter, r *http.Request) {
	secret := h.opt.PreviewSecret
	if secret == "" {
		writeError(w, http.StatusNotFound, "preview mode is disabled", h.opt.Pretty)
		return
	}
	given := r.URL.Query().Get("secret")
	if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid secret", h.opt.Pretty)
		return
	}
	token, err := h.signPreview(time.Now())
	if err != nil {
		h.opt.Logger.Error("failed to sign preview token", "error", err)
		writeError(w, http.StatusInternalServerError, "could not enable preview", h.opt.Pretty)
		return
	}
	http.SetCookie(w, h.previewCookie(token, int(h.opt.PreviewTTL/time.Second)))

	p := r.URL.Query().Get("perspective")
	if p == "" {
		p = string(perspective.PreviewDrafts)
	}
	h.store(w, r).Set(p)
	http.Redirect(w, r, safeRedirect(r.URL.Query().Get("redirect")), http.StatusTemporaryRedirect)
}

func (h *Handler) disable(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, h.previewCookie("", -1))
	h.store(w, r).Clear()
	http.Redirect(w, r, safeRedirect(r.URL.Query().Get("redirect")), http.StatusTemporaryRedirect)
}

// FetchRequest is the body accepted by the proxy endpoint.
type FetchRequest struct {
	Query   string                 `json:"query"`
	Params  map[string]any         `json:"params,omitempty"`
	Options fetchopts.QueryOptions `json:"options,omitempty"`
}

// FetchResponse is returned by the proxy and query endpoints.
type FetchResponse struct {
	Result          json.RawMessage       `json:"result"`
	ResultSourceMap *csm.ContentSourceMap `json:"resultSourceMap,omitempty"`
}

// proxy runs a query with the visual editing token for a verified preview
// session.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request) {
	if !h.previewEnabled(r) {
		writeError(w, http.StatusUnauthorized, "preview mode is not enabled", h.opt.Pretty)
		return
	}
	req, err := parseFetchRequest(r, h.opt.MaxBodyBytes)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, err.Error(), h.opt.Pretty)
		return
	}
	req.Options.Token = h.app.Config().VisualEditing.Token
	h.run(w, r, req, true)
}

// query runs a query from URL parameters. The perspective cookie only
// applies while preview mode is enabled.
func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	req := FetchRequest{Query: v.Get("query")}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "missing 'query'", h.opt.Pretty)
		return
	}
	if s := v.Get("params"); s != "" {
		if err := json.Unmarshal([]byte(s), &req.Params); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'params' JSON", h.opt.Pretty)
			return
		}
	}
	preview := h.previewEnabled(r)
	if !preview && h.shared != nil {
		res, err := h.shared.Result(r.Context(), v.Get("client"), req.Query, req.Params)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error(), h.opt.Pretty)
			return
		}
		h.writeResult(w, res, false)
		return
	}
	if !preview {
		req.Options.Perspective = perspective.Published
	}
	h.run(w, r, req, preview)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, req FetchRequest, preview bool) {
	sess, err := h.app.NewSession(app.SessionOptions{
		Client:  r.URL.Query().Get("client"),
		Jar:     perspective.NewRequestJar(w, r),
		Host:    detect.Host{Server: true},
		OneShot: true,
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), h.opt.Pretty)
		return
	}
	defer sess.Close()

	h.writeResult(w, sess.Query(r.Context(), req.Query, req.Params, req.Options).Result(), preview)
}

func (h *Handler) writeResult(w http.ResponseWriter, res query.Result, preview bool) {
	if res.Status == query.StatusError {
		status := http.StatusBadGateway
		var apiErr *client.APIError
		if errors.As(res.Err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			status = apiErr.Status
		}
		writeError(w, status, res.Err.Error(), h.opt.Pretty)
		return
	}
	out := FetchResponse{Result: res.Data}
	if preview {
		out.ResultSourceMap = res.SourceMap
	}
	writeJSON(w, http.StatusOK, out, h.opt.Pretty)
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) *perspective.Store {
	cfg := h.app.Config()
	return perspective.NewStore(perspective.NewRequestJar(w, r), perspective.StoreOptions{
		VisualEditing: cfg.VisualEditing.Enabled,
		Dev:           cfg.Dev,
		Logger:        h.opt.Logger,
	})
}

func (h *Handler) signPreview(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   previewSubject,
		ID:        reqid.New(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(h.opt.PreviewTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.opt.PreviewSecret))
}

func (h *Handler) previewEnabled(r *http.Request) bool {
	if h.opt.PreviewSecret == "" {
		return false
	}
	c, err := r.Cookie(PreviewCookie)
	if err != nil || c.Value == "" {
		return false
	}
	_, err = jwt.ParseWithClaims(c.Value, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return []byte(h.opt.PreviewSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(previewSubject),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		h.opt.Logger.Debug("rejected preview cookie", "error", err)
		return false
	}
	return true
}

func (h *Handler) previewCookie(value string, maxAge int) *http.Cookie {
	dev := h.app.Config().Dev
	c := &http.Cookie{
		Name:     PreviewCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   !dev,
		SameSite: http.SameSiteNoneMode,
	}
	if dev {
		c.SameSite = http.SameSiteLaxMode
	}
	return c
}

// safeRedirect only allows same-site absolute paths.
func safeRedirect(target string) string {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/"
	}
	return target
}

// ------------------ Request parsing ------------------

var errBodyTooLarge = errors.New("body too large")

func parseFetchRequest(r *http.Request, maxBody int64) (FetchRequest, error) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return FetchRequest{}, errors.New("unsupported Content-Type")
	}
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return FetchRequest{}, errors.New("failed to read body")
	}
	defer r.Body.Close()
	if maxBody > 0 && int64(len(body)) > maxBody {
		return FetchRequest{}, errBodyTooLarge
	}
	var req FetchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return FetchRequest{}, errors.New("invalid JSON")
	}
	if req.Query == "" {
		return FetchRequest{}, errors.New("missing 'query'")
	}
	return req, nil
}

// ------------------ Response formatting ------------------

func writeError(w http.ResponseWriter, status int, msg string, pretty bool) {
	writeJSON(w, status, map[string]string{"error": msg}, pretty)
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
