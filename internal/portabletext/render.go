package portabletext

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type Options struct {
	Serializers Serializers
	// Dev enables diagnostics for nodes without a serializer.
	Dev    bool
	Logger *slog.Logger
}

type Option func(*Options)

// WithSerializers overlays s on the default serializers.
func WithSerializers(s Serializers) Option {
	return func(o *Options) { o.Serializers = o.Serializers.Merge(s) }
}

func WithDev(dev bool) Option          { return func(o *Options) { o.Dev = dev } }
func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// Renderer turns portable text into HTML nodes.
type Renderer struct {
	opts *Options
	md   *converter.Converter
}

func New(opts ...Option) *Renderer {
	o := &Options{Serializers: DefaultSerializers()}
	for _, f := range opts {
		f(o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Renderer{
		opts: o,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

// Render regroups lists and renders every node.
func (r *Renderer) Render(blocks []Block) []*html.Node {
	var out []*html.Node
	for _, n := range WalkList(blocks) {
		switch {
		case n.List != nil:
			out = append(out, r.renderList(*n.List)...)
		case n.Block != nil:
			out = append(out, r.renderBlock(*n.Block, false)...)
		}
	}
	return out
}

// RenderHTML renders blocks to an HTML fragment.
func (r *Renderer) RenderHTML(blocks []Block) (string, error) {
	var buf bytes.Buffer
	for _, n := range r.Render(blocks) {
		if err := html.Render(&buf, n); err != nil {
			return "", fmt.Errorf("portabletext: render html: %w", err)
		}
	}
	return buf.String(), nil
}

// RenderMarkdown renders blocks to CommonMark.
func (r *Renderer) RenderMarkdown(blocks []Block) (string, error) {
	s, err := r.RenderHTML(blocks)
	if err != nil {
		return "", err
	}
	md, err := r.md.ConvertString(s)
	if err != nil {
		return "", fmt.Errorf("portabletext: convert markdown: %w", err)
	}
	return md, nil
}

var ugc = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowDataAttributes()
	p.AllowStyles("text-decoration").OnElements("span")
	return p
}()

// Sanitize strips markup that custom serializers may have let through.
func Sanitize(fragment string) string {
	return ugc.Sanitize(fragment)
}

func (r *Renderer) renderList(l List) []*html.Node {
	s := r.opts.Serializers
	var items []*html.Node
	for _, it := range l.Items {
		children := r.renderBlock(it.Block, true)
		for _, nested := range it.Lists {
			children = append(children, r.renderList(nested)...)
		}
		if s.ListItem == nil {
			items = append(items, children...)
			continue
		}
		items = append(items, s.ListItem(it, children)...)
	}
	if fn, ok := s.Lists[l.Kind]; ok {
		return fn(l, items)
	}
	if s.List != nil {
		return s.List(l, items)
	}
	r.missing("list", l.Kind, len(items) > 0)
	return items
}

// renderBlock renders b. List items never receive style wrapping.
func (r *Renderer) renderBlock(b Block, listItem bool) []*html.Node {
	s := r.opts.Serializers
	if b.Type != "block" {
		children := r.renderSpans(b)
		if fn, ok := s.Types[b.Type]; ok {
			return fn(b, children)
		}
		r.missing("type", b.Type, !b.Empty() || len(b.Raw) > 0)
		return children
	}

	children := r.renderSpans(b)
	if listItem {
		return children
	}
	style := b.Style
	if style == "" {
		style = "normal"
	}
	if fn, ok := s.Styles[style]; ok {
		return fn(b, children)
	}
	r.missing("style", style, !b.Empty())
	return children
}

func (r *Renderer) renderSpans(b Block) []*html.Node {
	var out []*html.Node
	for _, sp := range b.Children {
		if sp.Type != "span" {
			inline := Block{Type: sp.Type, Key: sp.Key, Raw: sp.Raw}
			if fn, ok := r.opts.Serializers.Types[sp.Type]; ok {
				out = append(out, fn(inline, nil)...)
			} else {
				r.missing("type", sp.Type, true)
			}
			continue
		}
		nodes := textNodes(sp.Text)
		for i := len(sp.Marks) - 1; i >= 0; i-- {
			nodes = r.applyMark(b, sp.Marks[i], nodes)
		}
		out = append(out, nodes...)
	}
	return out
}

func (r *Renderer) applyMark(b Block, mark string, children []*html.Node) []*html.Node {
	marks := r.opts.Serializers.Marks
	if def, ok := b.markDef(mark); ok {
		if fn, ok := marks[def.Type]; ok {
			return fn(mark, &def, children)
		}
		r.missing("mark", def.Type, len(children) > 0)
		return children
	}
	if fn, ok := marks[mark]; ok {
		return fn(mark, nil, children)
	}
	r.missing("mark", mark, len(children) > 0)
	return children
}

func (r *Renderer) missing(kind, name string, nonEmpty bool) {
	if !r.opts.Dev || !nonEmpty {
		return
	}
	r.opts.Logger.Warn("portable text: no serializer, rendering children", "kind", kind, "name", name)
}

// textNodes splits s on newlines into text nodes separated by <br>.
func textNodes(s string) []*html.Node {
	parts := strings.Split(s, "\n")
	out := make([]*html.Node, 0, 2*len(parts)-1)
	for i, p := range parts {
		if i > 0 {
			out = append(out, element(atom.Br, nil, nil))
		}
		if p != "" {
			out = append(out, text(p))
		}
	}
	return out
}
