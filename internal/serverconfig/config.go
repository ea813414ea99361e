// Package serverconfig loads the coordination core's own boot configuration:
// project root, control-surface listen address and token, the triage
// endpoint, and the optional upstream gateway connection. It is a small,
// single-purpose document — unlike the agent/session configs under the
// project root, which are read and written continuously as agents and
// sessions change, this file is read once at startup.
package serverconfig

import (
	"fmt"
	"os"

	json5 "github.com/titanous/json5"
)

// Config is the top-level `config.json` (or `config.json5`) document.
type Config struct {
	ProjectRoot string `json:"projectRoot"`

	Control struct {
		Addr         string   `json:"addr"`
		Token        string   `json:"token"`
		AllowedOrigins []string `json:"allowedOrigins,omitempty"`
		RateLimitRPM int      `json:"rateLimitPerMinute,omitempty"`
	} `json:"control"`

	Triage struct {
		APIKey  string `json:"apiKey,omitempty"`
		BaseURL string `json:"baseUrl,omitempty"`
		Model   string `json:"model,omitempty"`
	} `json:"triage"`

	Upstream struct {
		Enabled  bool     `json:"enabled"`
		URL      string   `json:"url,omitempty"`
		ClientID string   `json:"clientId,omitempty"`
		Mode     string   `json:"mode,omitempty"`
		Role     string   `json:"role,omitempty"`
		Scopes   []string `json:"scopes,omitempty"`
		Token    string   `json:"token,omitempty"`
	} `json:"upstream"`

	Tracing struct {
		Enabled     bool   `json:"enabled"`
		ServiceName string `json:"serviceName,omitempty"`
	} `json:"tracing"`
}

// Default returns a Config with every field at its zero-friendly default,
// rooted at the given project directory.
func Default(projectRoot string) *Config {
	cfg := &Config{ProjectRoot: projectRoot}
	cfg.Control.Addr = ":8765"
	cfg.Control.RateLimitRPM = 120
	cfg.Tracing.ServiceName = "agentcored"
	return cfg
}

// Load reads and parses path as relaxed JSON (JSON5: comments, trailing
// commas, unquoted keys) — the same lenient-parsing convention used for the
// agent/session config documents, so operators can hand-edit this file the
// same way they hand-edit jvAgent.json. A missing file is not an error: the
// caller gets Default(projectRoot) instead, so first-run requires no setup
// step beyond picking a project directory.
func Load(path, fallbackRoot string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(fallbackRoot), nil
	}
	if err != nil {
		return nil, fmt.Errorf("serverconfig: read %s: %w", path, err)
	}
	cfg := Default(fallbackRoot)
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("serverconfig: parse %s: %w", path, err)
	}
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = fallbackRoot
	}
	return cfg, nil
}
