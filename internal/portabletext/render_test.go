package portabletext

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const doc = `[
  {"_type":"block","_key":"h","style":"h2","children":[{"_type":"span","text":"Title"}]},
  {"_type":"block","_key":"p","style":"normal","markDefs":[{"_key":"l1","_type":"link","href":"https://example.com"}],
   "children":[
     {"_type":"span","text":"Hello "},
     {"_type":"span","text":"bold link","marks":["strong","l1"]},
     {"_type":"span","text":"a\nb"}
   ]},
  {"_type":"block","_key":"i1","listItem":"bullet","level":1,"style":"h1","children":[{"_type":"span","text":"one"}]},
  {"_type":"block","_key":"i2","listItem":"bullet","level":2,"children":[{"_type":"span","text":"nested"}]},
  {"_type":"block","_key":"i3","listItem":"number","level":1,"children":[{"_type":"span","text":"first"}]}
]`

func TestParse(t *testing.T) {
	blocks, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, blocks, 5)
	require.Equal(t, "https://example.com", blocks[1].MarkDefs[0].Href)
	require.Contains(t, string(blocks[0].Raw), `"_key":"h"`)

	_, err = Parse([]byte(`{"not":"an array"}`))
	require.Error(t, err)
}

func TestRenderHTML(t *testing.T) {
	blocks, err := Parse([]byte(doc))
	require.NoError(t, err)

	got, err := New().RenderHTML(blocks)
	require.NoError(t, err)
	want := `<h2>Title</h2>` +
		`<p>Hello <strong><a href="https://example.com">bold link</a></strong>a<br/>b</p>` +
		`<ul><li>one<ul><li>nested</li></ul></li></ul>` +
		`<ol><li>first</li></ol>`
	require.Equal(t, want, got)
}

func TestRenderMarks(t *testing.T) {
	b := Block{Type: "block", Children: []Span{{Type: "span", Text: "x", Marks: []string{"em", "code", "underline", "strike-through"}}}}
	got, err := New().RenderHTML([]Block{b})
	require.NoError(t, err)
	require.Equal(t, `<p><em><code><span style="text-decoration:underline"><del>x</del></span></code></em></p>`, got)

	t.Run("unknown marks pass through", func(t *testing.T) {
		b := Block{Type: "block", Children: []Span{{Type: "span", Text: "x", Marks: []string{"sparkle"}}}}
		got, err := New().RenderHTML([]Block{b})
		require.NoError(t, err)
		require.Equal(t, `<p>x</p>`, got)
	})
}

func TestRenderCustom(t *testing.T) {
	blocks, err := Parse([]byte(`[
	  {"_type":"callout","_key":"c","children":[{"_type":"span","text":"note"}]},
	  {"_type":"image","_key":"img","asset":{"_ref":"image-1"}},
	  {"_type":"block","listItem":"checkmarks","children":[{"_type":"span","text":"done"}]},
	  {"_type":"block","style":"fancy","children":[{"_type":"span","text":"plain"}]}
	]`))
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	t.Run("pass-through and diagnostics", func(t *testing.T) {
		got, err := New(WithDev(true), WithLogger(logger)).RenderHTML(blocks)
		require.NoError(t, err)
		require.Equal(t, `note<ul data-list-kind="checkmarks"><li>done</li></ul>plain`, got)
		require.Equal(t, 3, strings.Count(logs.String(), "no serializer"))
	})

	t.Run("registered types", func(t *testing.T) {
		logs.Reset()
		r := New(WithLogger(logger), WithSerializers(Serializers{
			Types: map[string]TypeFunc{
				"callout": func(_ Block, children []*html.Node) []*html.Node {
					return []*html.Node{element(atom.Aside, nil, children)}
				},
				"image": func(b Block, _ []*html.Node) []*html.Node {
					return []*html.Node{element(atom.Img, []html.Attribute{{Key: "data-key", Val: b.Key}}, nil)}
				},
			},
		}))
		got, err := r.RenderHTML(blocks)
		require.NoError(t, err)
		require.Equal(t, `<aside>note</aside><img data-key="img"/><ul data-list-kind="checkmarks"><li>done</li></ul>plain`, got)
		require.Empty(t, logs.String())
	})
}

func TestRenderMarkdown(t *testing.T) {
	blocks, err := Parse([]byte(doc))
	require.NoError(t, err)
	got, err := New().RenderMarkdown(blocks)
	require.NoError(t, err)
	require.Contains(t, got, "## Title")
	require.Contains(t, got, "**[bold link](https://example.com)**")
	require.Contains(t, got, "1. first")
}

func TestSanitize(t *testing.T) {
	got := Sanitize(`<p onclick="x()">hi<script>alert(1)</script></p><ul data-list-kind="checkmarks"><li>a</li></ul>`)
	require.Equal(t, `<p>hi</p><ul data-list-kind="checkmarks"><li>a</li></ul>`, got)
}
