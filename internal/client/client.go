// Package client is the HTTP transport for the content query API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	csm "github.com/hanpama/groqlive/internal/csm"
	fetchopts "github.com/hanpama/groqlive/internal/fetchopts"
	perspective "github.com/hanpama/groqlive/internal/perspective"
)

const (
	defaultAPIHost    = "https://api.sanity.io"
	defaultAPIVersion = "2024-08-01"

	// maxGETURLLength is the longest query URL sent with GET; longer
	// queries are POSTed.
	maxGETURLLength = 11264
)

// Response is what a fetch returns.
type Response struct {
	Result          json.RawMessage       `json:"result"`
	ResultSourceMap *csm.ContentSourceMap `json:"resultSourceMap,omitempty"`
	SyncTags        []string              `json:"syncTags,omitempty"`
	Ms              int                   `json:"ms,omitempty"`
	Query           string                `json:"query,omitempty"`
}

// Transport executes a query with resolved options.
type Transport interface {
	Fetch(ctx context.Context, query string, params map[string]any, opts fetchopts.FetchOptions) (*Response, error)
}

// Config identifies a project and dataset.
type Config struct {
	ProjectID   string
	Dataset     string
	APIVersion  string
	APIHost     string
	UseCdn      bool
	Token       string
	Perspective perspective.Perspective
	Stega       fetchopts.Stega
}

// Client talks to the query API over HTTP.
type Client struct {
	cfg  Config
	opts *Options
}

var _ Transport = (*Client)(nil)

// New validates cfg and returns a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("client: project id is required")
	}
	if cfg.Dataset == "" {
		return nil, fmt.Errorf("client: dataset is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	cfg.APIVersion = strings.TrimPrefix(cfg.APIVersion, "v")
	if cfg.APIHost == "" {
		cfg.APIHost = defaultAPIHost
	}
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Client{cfg: cfg, opts: o}, nil
}

// Config returns the client's configuration.
func (c *Client) Config() Config { return c.cfg }

// Fetch runs query with params. The token in opts, when set, replaces the
// client's token.
func (c *Client) Fetch(ctx context.Context, query string, params map[string]any, opts fetchopts.FetchOptions) (*Response, error) {
	token := opts.Token
	if token == "" {
		token = c.cfg.Token
	}
	p := opts.Perspective
	if p == "" {
		p = c.cfg.Perspective
	}
	useCdn := opts.CdnEnabled(c.cfg.UseCdn)
	// Authenticated and draft reads must bypass the CDN.
	if useCdn && (token != "" || (p != "" && p != perspective.Published)) && opts.UseCdn == nil {
		useCdn = false
	}

	values, err := encodeQuery(query, params, opts, p)
	if err != nil {
		return nil, err
	}
	endpoint := c.endpoint(useCdn, "query")

	var req *http.Request
	getURL := endpoint + "?" + values.Encode()
	if len(getURL) <= maxGETURLLength {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, getURL, nil)
	} else {
		req, err = c.postRequest(ctx, endpoint, query, params, opts, p)
	}
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, body)
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	c.opts.Logger.Debug("query fetched",
		"cdn", useCdn,
		"perspective", p,
		"duration", time.Since(start),
		"sync_tags", len(out.SyncTags),
	)
	return &out, nil
}

// LiveEventsURL returns the server-sent events endpoint for the dataset.
func (c *Client) LiveEventsURL() string {
	return c.endpoint(false, "live/events")
}

func (c *Client) endpoint(useCdn bool, path string) string {
	host := c.cfg.APIHost
	u, err := url.Parse(host)
	if err == nil && u.Host != "" {
		sub := "api"
		if useCdn {
			sub = "apicdn"
		}
		if strings.HasSuffix(u.Host, "sanity.io") {
			u.Host = c.cfg.ProjectID + "." + sub + ".sanity.io"
		}
		host = u.Scheme + "://" + u.Host
	}
	return fmt.Sprintf("%s/v%s/data/%s/%s", host, c.cfg.APIVersion, path, c.cfg.Dataset)
}

func (c *Client) postRequest(ctx context.Context, endpoint, query string, params map[string]any, opts fetchopts.FetchOptions, p perspective.Perspective) (*http.Request, error) {
	body, err := json.Marshal(map[string]any{"query": query, "params": params})
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	values, err := encodeQuery("", nil, opts, p)
	if err != nil {
		return nil, err
	}
	values.Del("query")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+values.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func encodeQuery(query string, params map[string]any, opts fetchopts.FetchOptions, p perspective.Perspective) (url.Values, error) {
	v := url.Values{}
	if query != "" {
		v.Set("query", query)
	}
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		b, err := json.Marshal(params[k])
		if err != nil {
			return nil, fmt.Errorf("encode param %s: %w", k, err)
		}
		v.Set("$"+k, string(b))
	}
	if p != "" {
		v.Set("perspective", string(p.Canonical()))
	}
	if opts.ResultSourceMap != "" {
		v.Set("resultSourceMap", opts.ResultSourceMap)
	}
	v.Set("returnQuery", fmt.Sprintf("%t", opts.ReturnQuery))
	if opts.CacheMode != "" {
		v.Set("cacheMode", opts.CacheMode)
	}
	if opts.LastLiveEventID != "" {
		v.Set("lastLiveEventId", opts.LastLiveEventID)
	}
	if opts.Tag != "" {
		v.Set("tag", opts.Tag)
	}
	return v, nil
}
