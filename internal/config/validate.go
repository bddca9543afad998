package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	perspective "github.com/hanpama/groqlive/internal/perspective"
)

// ErrInvalid is returned by Check when the configuration cannot be used at
// all.
var ErrInvalid = errors.New("config: invalid")

// Problem is one configuration issue. Fatal problems stop startup; the others
// disable Feature.
type Problem struct {
	Field   string
	Feature string
	Message string
	Fatal   bool
}

func (p Problem) String() string {
	if p.Feature != "" {
		return fmt.Sprintf("%s: %s (disabling %s)", p.Field, p.Message, p.Feature)
	}
	return fmt.Sprintf("%s: %s", p.Field, p.Message)
}

// Validate lists configuration problems without changing c.
func (c *Config) Validate() []Problem {
	var ps []Problem
	if c.ProjectID == "" {
		ps = append(ps, Problem{Field: "projectId", Message: "is required", Fatal: true})
	}
	if c.Dataset == "" {
		ps = append(ps, Problem{Field: "dataset", Message: "is required", Fatal: true})
	}
	if c.Perspective != "" {
		if _, err := perspective.Parse(c.Perspective); err != nil {
			ps = append(ps, Problem{Field: "perspective", Message: err.Error(), Feature: "perspective"})
		}
	}
	if c.VisualEditing.Enabled {
		if c.VisualEditing.Token == "" {
			ps = append(ps, Problem{Field: "visualEditing.token", Message: "is required", Feature: "visualEditing"})
		}
		if c.VisualEditing.StudioURL == "" {
			ps = append(ps, Problem{Field: "visualEditing.studioUrl", Message: "is required", Feature: "visualEditing"})
		}
		switch c.VisualEditing.Mode {
		case ModeLiveVisualEditing, ModeVisualEditing, ModeCustom:
		default:
			ps = append(ps, Problem{Field: "visualEditing.mode", Message: fmt.Sprintf("unknown mode %q", c.VisualEditing.Mode), Feature: "visualEditing.mode"})
		}
	}
	if c.Stega.Enabled && c.Stega.StudioURL == "" && c.VisualEditing.StudioURL == "" {
		ps = append(ps, Problem{Field: "stega.studioUrl", Message: "is required", Feature: "stega"})
	}
	paths := []struct{ field, value string }{
		{"visualEditing.previewMode.enable", c.VisualEditing.PreviewMode.Enable},
		{"visualEditing.previewMode.disable", c.VisualEditing.PreviewMode.Disable},
		{"visualEditing.proxyEndpoint", c.VisualEditing.ProxyEndpoint},
	}
	for _, p := range paths {
		if !strings.HasPrefix(p.value, "/") {
			ps = append(ps, Problem{Field: p.field, Message: fmt.Sprintf("path %q must start with /", p.value), Fatal: true})
		}
	}
	return ps
}

// Check validates c and degrades it in place: features with problems are
// switched off and each problem is logged. It returns ErrInvalid only for
// fatal problems.
func (c *Config) Check(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var fatal []string
	for _, p := range c.Validate() {
		if p.Fatal {
			fatal = append(fatal, p.String())
			continue
		}
		logger.Warn("configuration problem", "field", p.Field, "problem", p.Message, "disabled", p.Feature)
		switch p.Feature {
		case "visualEditing":
			c.VisualEditing.Enabled = false
		case "visualEditing.mode":
			c.VisualEditing.Mode = ModeLiveVisualEditing
		case "perspective":
			c.Perspective = ""
		case "stega":
			c.Stega.Enabled = false
		}
	}
	if len(fatal) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalid, fatal)
	}
	if c.VisualEditing.Enabled && c.VisualEditing.Stega {
		c.Stega.Enabled = true
	}
	if c.Stega.Enabled && c.Stega.StudioURL == "" {
		c.Stega.StudioURL = c.VisualEditing.StudioURL
	}
	return nil
}
