// Package perspective models which edition of content a query targets and
// keeps the current choice in a client-visible cookie.
package perspective

import (
	"fmt"
	"regexp"
	"strings"
)

// Perspective names a content edition. A comma-joined value is a perspective
// stack (for example a release id followed by "drafts").
type Perspective string

const (
	Raw           Perspective = "raw"
	Published     Perspective = "published"
	PreviewDrafts Perspective = "previewDrafts"
	// Drafts is the display alias of PreviewDrafts.
	Drafts Perspective = "drafts"
)

var stackElement = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// Parse validates v and returns it as a Perspective. A comma-joined list is
// accepted as a stack; every element must be a legal identifier and the stack
// may not include raw.
func Parse(v string) (Perspective, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}
	if !strings.Contains(v, ",") {
		switch Perspective(v) {
		case Raw, Published, PreviewDrafts, Drafts:
			return Perspective(v), nil
		}
		return "", fmt.Errorf("%w: %q", ErrInvalid, v)
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || !stackElement.MatchString(p) {
			return "", fmt.Errorf("%w: stack element %q", ErrInvalid, p)
		}
		if Perspective(p) == Raw {
			return "", fmt.Errorf("%w: raw cannot be part of a stack", ErrInvalid)
		}
		out = append(out, p)
	}
	return Perspective(strings.Join(out, ",")), nil
}

// FromStack joins a perspective stack into a single value.
func FromStack(stack []string) (Perspective, error) {
	return Parse(strings.Join(stack, ","))
}

// Stack splits p into its elements.
func (p Perspective) Stack() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), ",")
}

// IsDraftLike reports whether p can see unpublished content and therefore
// needs a token.
func (p Perspective) IsDraftLike() bool {
	return p != "" && p != Published && p != Raw
}

// Canonical maps the display alias to the wire value.
func (p Perspective) Canonical() Perspective {
	if p == Drafts {
		return PreviewDrafts
	}
	return p
}

func (p Perspective) String() string { return string(p) }
