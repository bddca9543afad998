// Package portabletext renders portable text, the CMS's JSON rich-text
// format, into HTML nodes. Flat list-item blocks are first regrouped into
// nested list containers by WalkList.
package portabletext

import (
	"encoding/json"
	"fmt"
)

// Block is one entry of a portable text array. Blocks of _type "block"
// carry text spans; any other _type is a custom object whose fields are kept
// in Raw.
type Block struct {
	Type     string    `json:"_type"`
	Key      string    `json:"_key,omitempty"`
	Style    string    `json:"style,omitempty"`
	ListItem string    `json:"listItem,omitempty"`
	Level    int       `json:"level,omitempty"`
	Children []Span    `json:"children,omitempty"`
	MarkDefs []MarkDef `json:"markDefs,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Span is a text run inside a block, or an inline object when Type is not
// "span".
type Span struct {
	Type  string   `json:"_type"`
	Key   string   `json:"_key,omitempty"`
	Text  string   `json:"text,omitempty"`
	Marks []string `json:"marks,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// MarkDef is an annotation referenced from span marks by key.
type MarkDef struct {
	Key  string `json:"_key"`
	Type string `json:"_type"`
	Href string `json:"href,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func (b *Block) UnmarshalJSON(data []byte) error {
	type plain Block
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("portabletext: decode block: %w", err)
	}
	*b = Block(p)
	b.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s *Span) UnmarshalJSON(data []byte) error {
	type plain Span
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("portabletext: decode span: %w", err)
	}
	*s = Span(p)
	s.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (m *MarkDef) UnmarshalJSON(data []byte) error {
	type plain MarkDef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("portabletext: decode mark definition: %w", err)
	}
	*m = MarkDef(p)
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Parse decodes a portable text array.
func Parse(data []byte) ([]Block, error) {
	var blocks []Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// IsListItem reports whether b belongs in a list.
func (b Block) IsListItem() bool { return b.ListItem != "" }

// ListLevel returns the nesting level, treating an unset level as 1.
func (b Block) ListLevel() int {
	if b.Level < 1 {
		return 1
	}
	return b.Level
}

// Empty reports whether b has no text and no children.
func (b Block) Empty() bool {
	for _, c := range b.Children {
		if c.Type != "span" || c.Text != "" {
			return false
		}
	}
	return true
}

func (b Block) markDef(key string) (MarkDef, bool) {
	for _, d := range b.MarkDefs {
		if d.Key == key {
			return d, true
		}
	}
	return MarkDef{}, false
}
