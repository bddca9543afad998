package portabletext

import (
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// TypeFunc renders a custom block or inline object.
type TypeFunc func(b Block, children []*html.Node) []*html.Node

// StyleFunc wraps the rendered spans of a text block.
type StyleFunc func(b Block, children []*html.Node) []*html.Node

// MarkFunc wraps marked text. def is nil for decorators.
type MarkFunc func(mark string, def *MarkDef, children []*html.Node) []*html.Node

// ListFunc renders a list container around its rendered items.
type ListFunc func(l List, items []*html.Node) []*html.Node

// ItemFunc renders one list item around its content and nested lists.
type ItemFunc func(it Item, children []*html.Node) []*html.Node

// Serializers maps discriminants to render functions. Anything without an
// entry renders its children directly.
type Serializers struct {
	Types    map[string]TypeFunc
	Styles   map[string]StyleFunc
	Marks    map[string]MarkFunc
	Lists    map[string]ListFunc
	ListItem ItemFunc

	// List renders kinds missing from Lists.
	List ListFunc
}

// Merge returns s overlaid with the non-empty entries of o.
func (s Serializers) Merge(o Serializers) Serializers {
	out := Serializers{
		Types:    mergeMap(s.Types, o.Types),
		Styles:   mergeMap(s.Styles, o.Styles),
		Marks:    mergeMap(s.Marks, o.Marks),
		Lists:    mergeMap(s.Lists, o.Lists),
		ListItem: s.ListItem,
		List:     s.List,
	}
	if o.ListItem != nil {
		out.ListItem = o.ListItem
	}
	if o.List != nil {
		out.List = o.List
	}
	return out
}

func mergeMap[V any](a, b map[string]V) map[string]V {
	out := make(map[string]V, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// DefaultSerializers renders standard styles, lists and marks as plain HTML.
func DefaultSerializers() Serializers {
	styles := map[string]StyleFunc{
		"normal":     styleElement(atom.P),
		"h1":         styleElement(atom.H1),
		"h2":         styleElement(atom.H2),
		"h3":         styleElement(atom.H3),
		"h4":         styleElement(atom.H4),
		"h5":         styleElement(atom.H5),
		"h6":         styleElement(atom.H6),
		"blockquote": styleElement(atom.Blockquote),
	}
	return Serializers{
		Types:  map[string]TypeFunc{},
		Styles: styles,
		Marks: map[string]MarkFunc{
			"strong":         markElement(atom.Strong),
			"em":             markElement(atom.Em),
			"code":           markElement(atom.Code),
			"strike-through": markElement(atom.Del),
			"underline": func(_ string, _ *MarkDef, children []*html.Node) []*html.Node {
				return []*html.Node{element(atom.Span, []html.Attribute{{Key: "style", Val: "text-decoration:underline"}}, children)}
			},
			"link": func(_ string, def *MarkDef, children []*html.Node) []*html.Node {
				var attrs []html.Attribute
				if def != nil && def.Href != "" {
					attrs = append(attrs, html.Attribute{Key: "href", Val: def.Href})
				}
				return []*html.Node{element(atom.A, attrs, children)}
			},
		},
		Lists: map[string]ListFunc{
			"bullet": listElement(atom.Ul),
			"number": listElement(atom.Ol),
		},
		List: func(l List, items []*html.Node) []*html.Node {
			return []*html.Node{element(atom.Ul, []html.Attribute{{Key: "data-list-kind", Val: l.Kind}}, items)}
		},
		ListItem: func(_ Item, children []*html.Node) []*html.Node {
			return []*html.Node{element(atom.Li, nil, children)}
		},
	}
}

func styleElement(a atom.Atom) StyleFunc {
	return func(_ Block, children []*html.Node) []*html.Node {
		return []*html.Node{element(a, nil, children)}
	}
}

func markElement(a atom.Atom) MarkFunc {
	return func(_ string, _ *MarkDef, children []*html.Node) []*html.Node {
		return []*html.Node{element(a, nil, children)}
	}
}

func listElement(a atom.Atom) ListFunc {
	return func(_ List, items []*html.Node) []*html.Node {
		return []*html.Node{element(a, nil, items)}
	}
}

// element builds an element node owning children.
func element(a atom.Atom, attrs []html.Attribute, children []*html.Node) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
	for _, c := range children {
		n.AppendChild(c)
	}
	return n
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}
