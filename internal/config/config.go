// Package config loads groqlive configuration from YAML, the environment and
// command-line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	fetchopts "github.com/hanpama/groqlive/internal/fetchopts"
)

// Visual editing modes.
const (
	ModeLiveVisualEditing = "live-visual-editing"
	ModeVisualEditing     = "visual-editing"
	ModeCustom            = "custom"
)

// DefaultClient is the name of the client built from the top-level fields.
const DefaultClient = "default"

// Config holds all groqlive configuration.
type Config struct {
	Client            `yaml:",inline"`
	VisualEditing     VisualEditing     `yaml:"visualEditing"`
	LiveContent       LiveContent       `yaml:"liveContent"`
	AdditionalClients map[string]Client `yaml:"additionalClients"`
	Dev               bool              `yaml:"dev"`
	Server            Server            `yaml:"server"`
	Otel              Otel              `yaml:"otel"`
	Store             Store             `yaml:"store"`
	Log               Log               `yaml:"log"`
}

// Client configures one CMS client.
type Client struct {
	ProjectID   string          `yaml:"projectId"`
	Dataset     string          `yaml:"dataset"`
	APIVersion  string          `yaml:"apiVersion"`
	APIHost     string          `yaml:"apiHost"`
	UseCdn      *bool           `yaml:"useCdn"`
	Token       string          `yaml:"token"`
	Perspective string          `yaml:"perspective"`
	Stega       fetchopts.Stega `yaml:"stega"`
}

type VisualEditing struct {
	Enabled   bool   `yaml:"enabled"`
	Token     string `yaml:"token"`
	StudioURL string `yaml:"studioUrl"`
	Mode      string `yaml:"mode"`
	// Stega turns stega encoding on for the default client while visual
	// editing is enabled.
	Stega         bool        `yaml:"stega"`
	PreviewMode   PreviewMode `yaml:"previewMode"`
	ProxyEndpoint string      `yaml:"proxyEndpoint"`
}

// PreviewMode holds the paths of the preview enable and disable endpoints.
type PreviewMode struct {
	Enable  string `yaml:"enable"`
	Disable string `yaml:"disable"`
}

type LiveContent struct {
	Enabled      bool   `yaml:"enabled"`
	BrowserToken string `yaml:"browserToken"`
	ServerToken  string `yaml:"serverToken"`
}

type Server struct {
	Addr          string        `yaml:"addr"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxBodyBytes  int64         `yaml:"maxBodyBytes"`
	CORS          []string      `yaml:"cors"`
	PreviewSecret string        `yaml:"previewSecret"`
}

type Otel struct {
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

type Store struct {
	// Path of the SQLite database. Empty disables persistence.
	Path string `yaml:"path"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.Dataset == "" {
		c.Dataset = "production"
	}
	if c.APIVersion == "" {
		c.APIVersion = "2024-08-01"
	}
	if c.APIHost == "" {
		c.APIHost = "https://api.sanity.io"
	}
	if c.UseCdn == nil {
		c.UseCdn = boolPtr(true)
	}
	if c.VisualEditing.Mode == "" {
		c.VisualEditing.Mode = ModeLiveVisualEditing
	}
	if c.VisualEditing.PreviewMode.Enable == "" {
		c.VisualEditing.PreviewMode.Enable = "/preview/enable"
	}
	if c.VisualEditing.PreviewMode.Disable == "" {
		c.VisualEditing.PreviewMode.Disable = "/preview/disable"
	}
	if c.VisualEditing.ProxyEndpoint == "" {
		c.VisualEditing.ProxyEndpoint = "/_sanity/fetch"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Timeout <= 0 {
		c.Server.Timeout = 30 * time.Second
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Otel.Service == "" {
		c.Otel.Service = "groqlive"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// LoadFile reads a YAML config file and applies defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, nil
}

// Env variables read by ApplyEnv.
const (
	EnvProjectID          = "SANITY_PROJECT_ID"
	EnvDataset            = "SANITY_DATASET"
	EnvAPIVersion         = "SANITY_API_VERSION"
	EnvToken              = "SANITY_TOKEN"
	EnvVisualEditingToken = "SANITY_VISUAL_EDITING_TOKEN"
	EnvLiveServerToken    = "SANITY_LIVE_SERVER_TOKEN"
	EnvLiveBrowserToken   = "SANITY_LIVE_BROWSER_TOKEN"
	EnvStudioURL          = "SANITY_STUDIO_URL"
	EnvPreviewSecret      = "GROQLIVE_PREVIEW_SECRET"
)

// ApplyEnv overlays values found through lookup, typically os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.ProjectID, EnvProjectID)
	set(&c.Dataset, EnvDataset)
	set(&c.APIVersion, EnvAPIVersion)
	set(&c.Token, EnvToken)
	set(&c.VisualEditing.Token, EnvVisualEditingToken)
	set(&c.LiveContent.ServerToken, EnvLiveServerToken)
	set(&c.LiveContent.BrowserToken, EnvLiveBrowserToken)
	set(&c.VisualEditing.StudioURL, EnvStudioURL)
	set(&c.Server.PreviewSecret, EnvPreviewSecret)
}

// Clients returns the default client and every additional client by name.
// Additional clients inherit unset fields from the default client.
func (c *Config) Clients() map[string]Client {
	out := map[string]Client{DefaultClient: c.Client}
	for name, ac := range c.AdditionalClients {
		if ac.ProjectID == "" {
			ac.ProjectID = c.ProjectID
		}
		if ac.Dataset == "" {
			ac.Dataset = c.Dataset
		}
		if ac.APIVersion == "" {
			ac.APIVersion = c.APIVersion
		}
		if ac.APIHost == "" {
			ac.APIHost = c.APIHost
		}
		if ac.UseCdn == nil {
			ac.UseCdn = c.UseCdn
		}
		out[name] = ac
	}
	return out
}

// SlogLevel maps Log.Level to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func boolPtr(b bool) *bool { return &b }
