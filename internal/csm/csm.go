// Package csm resolves result paths through a content source map, the
// metadata linking query result fields back to the documents they came from.
package csm

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ContentSourceMap is returned by the query API next to a result. It is passed
// through unmodified; this package only reads it.
type ContentSourceMap struct {
	Documents []Document         `json:"documents"`
	Paths     []string           `json:"paths"`
	Mappings  map[string]Mapping `json:"mappings"`
}

// Document identifies a source document.
type Document struct {
	ID   string `json:"_id"`
	Type string `json:"_type,omitempty"`
}

// Mapping links a result path to a source.
type Mapping struct {
	Type   string `json:"type"`
	Source Source `json:"source"`
}

// Source is a location inside a source document.
type Source struct {
	Type     string `json:"type"`
	Document int    `json:"document"`
	Path     int    `json:"path"`
}

// Key selects an array member by its _key.
type Key string

// Resolved is the outcome of looking up a result path.
type Resolved struct {
	Document Document
	// Path is the path inside the source document, in studio notation.
	Path string
}

// Resolve finds the source of the value at path (a sequence of string field
// names, int indexes and Key selectors). The longest mapped prefix wins; the
// unmapped remainder is appended to the source path.
func (m *ContentSourceMap) Resolve(path []any) (Resolved, bool) {
	if m == nil {
		return Resolved{}, false
	}
	for i := len(path); i >= 0; i-- {
		mp, ok := m.Mappings[JSONPath(path[:i])]
		if !ok || mp.Source.Type != "documentValue" {
			continue
		}
		if mp.Source.Document < 0 || mp.Source.Document >= len(m.Documents) {
			return Resolved{}, false
		}
		if mp.Source.Path < 0 || mp.Source.Path >= len(m.Paths) {
			return Resolved{}, false
		}
		base, err := ParseJSONPath(m.Paths[mp.Source.Path])
		if err != nil {
			return Resolved{}, false
		}
		full := append(append([]any{}, base...), path[i:]...)
		return Resolved{Document: m.Documents[mp.Source.Document], Path: StudioPath(full)}, true
	}
	return Resolved{}, false
}

// JSONPath formats path in the normalized form used as mapping keys:
// $['field'][0][?(@._key=='abc')].
func JSONPath(path []any) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range path {
		switch v := seg.(type) {
		case int:
			fmt.Fprintf(&b, "[%d]", v)
		case Key:
			fmt.Fprintf(&b, "[?(@._key=='%s')]", escape(string(v)))
		case string:
			fmt.Fprintf(&b, "['%s']", escape(v))
		default:
			fmt.Fprintf(&b, "['%v']", v)
		}
	}
	return b.String()
}

// ParseJSONPath parses a normalized JSON path back into segments.
func ParseJSONPath(s string) ([]any, error) {
	if !strings.HasPrefix(s, "$") {
		return nil, fmt.Errorf("csm: path %q does not start with $", s)
	}
	rest := s[1:]
	var out []any
	for len(rest) > 0 {
		if rest[0] != '[' {
			return nil, fmt.Errorf("csm: unexpected %q in path %q", rest[0], s)
		}
		switch {
		case strings.HasPrefix(rest, "[?(@._key=='"):
			v, n, err := readQuoted(rest[len("[?(@._key=="):])
			if err != nil {
				return nil, fmt.Errorf("csm: path %q: %w", s, err)
			}
			rest = rest[len("[?(@._key==")+n:]
			if !strings.HasPrefix(rest, ")]") {
				return nil, fmt.Errorf("csm: unterminated key selector in %q", s)
			}
			rest = rest[2:]
			out = append(out, Key(v))
		case strings.HasPrefix(rest, "['"):
			v, n, err := readQuoted(rest[1:])
			if err != nil {
				return nil, fmt.Errorf("csm: path %q: %w", s, err)
			}
			rest = rest[1+n:]
			if !strings.HasPrefix(rest, "]") {
				return nil, fmt.Errorf("csm: unterminated field in %q", s)
			}
			rest = rest[1:]
			out = append(out, v)
		default:
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("csm: unterminated index in %q", s)
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil {
				return nil, fmt.Errorf("csm: bad index in %q: %w", s, err)
			}
			rest = rest[end+1:]
			out = append(out, idx)
		}
	}
	return out, nil
}

// StudioPath formats path the way the editing tool addresses fields:
// body[_key=="abc"].children[0].text.
func StudioPath(path []any) string {
	var b strings.Builder
	for _, seg := range path {
		switch v := seg.(type) {
		case int:
			fmt.Fprintf(&b, "[%d]", v)
		case Key:
			fmt.Fprintf(&b, "[_key==%q]", string(v))
		default:
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			fmt.Fprintf(&b, "%v", v)
		}
	}
	return b.String()
}

// EncodeDataAttribute returns the click-to-edit attribute value for the
// field at path, or "" when the path is not mapped or studioURL is empty.
func EncodeDataAttribute(m *ContentSourceMap, studioURL string, path []any) string {
	if studioURL == "" {
		return ""
	}
	r, ok := m.Resolve(path)
	if !ok {
		return ""
	}
	parts := []string{
		"id=" + strings.TrimPrefix(r.Document.ID, "drafts."),
	}
	if r.Document.Type != "" {
		parts = append(parts, "type="+r.Document.Type)
	}
	parts = append(parts, "path="+r.Path, "base="+url.QueryEscape(studioURL))
	return strings.Join(parts, ";")
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// readQuoted reads a single-quoted, backslash-escaped string at the start of
// s and returns its value and the number of bytes consumed.
func readQuoted(s string) (string, int, error) {
	if len(s) == 0 || s[0] != '\'' {
		return "", 0, fmt.Errorf("expected quote")
	}
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case '\'':
			return b.String(), i + 1, nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}
