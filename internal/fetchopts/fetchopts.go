// Package fetchopts computes the options handed to the query transport for a
// single fetch. Explicit per-call options always win over derived values.
package fetchopts

import (
	"github.com/hanpama/groqlive/internal/perspective"
)

const (
	// SourceMapWithKeyArraySelector requests a content source map whose array
	// paths use _key selectors.
	SourceMapWithKeyArraySelector = "withKeyArraySelector"

	// CacheModeNoStale asks the CDN not to serve stale content.
	CacheModeNoStale = "noStale"
)

// Stega configures invisible source-map encoding of string values.
type Stega struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	StudioURL string `json:"studioUrl,omitempty" yaml:"studioUrl"`
}

// QueryOptions are the explicit per-call options. Zero values mean "not set".
type QueryOptions struct {
	Perspective     perspective.Perspective `json:"perspective,omitempty"`
	ResultSourceMap string                  `json:"resultSourceMap,omitempty"`
	CacheMode       string                  `json:"cacheMode,omitempty"`
	UseCdn          *bool                   `json:"useCdn,omitempty"`
	Token           string                  `json:"-"`
	Stega           *Stega                  `json:"stega,omitempty"`
	LastLiveEventID string                  `json:"lastLiveEventId,omitempty"`
	Tag             string                  `json:"tag,omitempty"`
}

// FetchOptions are the resolved options for one transport call. They are
// rebuilt for every fetch and never mutated afterwards.
type FetchOptions struct {
	// FilterResponse is always false and ReturnQuery always true so the
	// transport returns the source map alongside the result.
	FilterResponse bool `json:"filterResponse"`
	ReturnQuery    bool `json:"returnQuery"`

	ResultSourceMap string                  `json:"resultSourceMap,omitempty"`
	CacheMode       string                  `json:"cacheMode,omitempty"`
	Perspective     perspective.Perspective `json:"perspective,omitempty"`
	Stega           *Stega                  `json:"stega,omitempty"`
	Token           string                  `json:"-"`
	UseCdn          *bool                   `json:"useCdn,omitempty"`
	LastLiveEventID string                  `json:"lastLiveEventId,omitempty"`
	Tag             string                  `json:"tag,omitempty"`
}

// Tokens are the runtime credentials available to the resolver.
type Tokens struct {
	// LiveServer is the server-side Live Content API token.
	LiveServer string
	// VisualEditing is the token used for draft reads while visual editing.
	VisualEditing string
}

// Inputs gathers everything Resolve depends on.
type Inputs struct {
	Query QueryOptions

	// Perspective is the perspective resolved by the perspective store.
	Perspective perspective.Perspective

	VisualEditing bool
	LiveContent   bool

	// ClientStega is the client's static stega configuration.
	ClientStega Stega

	// LastLiveEventID is the last event id tracked for this query.
	LastLiveEventID string

	Tokens Tokens
}

// Resolve merges explicit options, the resolved perspective, feature flags
// and runtime configuration into the options for a single fetch.
func Resolve(in Inputs) FetchOptions {
	q := in.Query
	out := FetchOptions{
		FilterResponse: false,
		ReturnQuery:    true,
		Tag:            q.Tag,
	}

	out.Perspective = q.Perspective
	if out.Perspective == "" {
		out.Perspective = in.Perspective
	}

	switch {
	case q.ResultSourceMap != "":
		out.ResultSourceMap = q.ResultSourceMap
	case in.VisualEditing:
		out.ResultSourceMap = SourceMapWithKeyArraySelector
	}

	switch {
	case q.UseCdn != nil:
		out.UseCdn = boolPtr(*q.UseCdn)
	case in.LiveContent:
		out.UseCdn = boolPtr(out.Perspective == perspective.Published)
	}

	switch {
	case q.CacheMode != "":
		out.CacheMode = q.CacheMode
	case in.LiveContent && out.UseCdn != nil && *out.UseCdn:
		out.CacheMode = CacheModeNoStale
	}

	switch {
	case q.Token != "":
		out.Token = q.Token
	case out.Perspective.IsDraftLike():
		if in.Tokens.LiveServer != "" {
			out.Token = in.Tokens.LiveServer
		} else if in.VisualEditing {
			out.Token = in.Tokens.VisualEditing
		}
	}

	switch {
	case q.Stega != nil:
		s := *q.Stega
		out.Stega = &s
	case in.ClientStega.Enabled && in.ClientStega.StudioURL != "" && in.VisualEditing:
		out.Stega = &Stega{Enabled: true, StudioURL: in.ClientStega.StudioURL}
	}

	out.LastLiveEventID = q.LastLiveEventID
	if out.LastLiveEventID == "" {
		out.LastLiveEventID = in.LastLiveEventID
	}

	return out
}

// WithoutSourceMap returns a copy of o for a request that only needs sync
// tags.
func (o FetchOptions) WithoutSourceMap() FetchOptions {
	o.ResultSourceMap = ""
	o.ReturnQuery = false
	o.Stega = nil
	return o
}

// CdnEnabled reports the resolved useCdn value, or def when unresolved.
func (o FetchOptions) CdnEnabled(def bool) bool {
	if o.UseCdn == nil {
		return def
	}
	return *o.UseCdn
}

func boolPtr(b bool) *bool { return &b }
