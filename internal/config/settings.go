package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings is the engine configuration, loaded from <home>/config.yaml.
// Zero values fall back to defaults via Normalize.
type Settings struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`

	Database DatabaseSettings `yaml:"database,omitempty"`

	HeartbeatIntervalS int `yaml:"heartbeat_interval_s,omitempty"`
	StaleTimeoutS      int `yaml:"stale_timeout_s,omitempty"`

	RetryBackoffBaseS int `yaml:"retry_backoff_base_s,omitempty"`
	MaxRetries        int `yaml:"max_retries,omitempty"`

	ApprovalThreshold float64 `yaml:"approval_threshold,omitempty"`

	ConsolidateIntervalS int `yaml:"consolidate_interval_s,omitempty"`

	SlackWebhookURL string `yaml:"slack_webhook_url,omitempty"`

	PprofAddr string `yaml:"pprof_addr,omitempty"`

	// Capabilities maps an agent type to the task types it handles.
	// Registration of an unknown agent type is rejected.
	Capabilities map[string][]string `yaml:"capabilities,omitempty"`
}

// DatabaseSettings selects the store backend.
type DatabaseSettings struct {
	Backend string `yaml:"backend,omitempty"` // sqlite (default) or postgres
	DSN     string `yaml:"dsn,omitempty"`     // postgres only; empty falls back to DATABASE_URL
}

// DefaultCapabilities is the built-in agent-type map used when config.yaml
// does not define one.
var DefaultCapabilities = map[string][]string{
	"planner":  {"plan", "triage"},
	"coder":    {"implement", "fix", "refactor"},
	"reviewer": {"review"},
	"tester":   {"test"},
}

// Normalize fills unset fields with defaults. Safe on a zero Settings.
func (s *Settings) Normalize() {
	if s.ListenAddr == "" {
		s.ListenAddr = "127.0.0.1:0"
	}
	if s.Database.Backend == "" {
		s.Database.Backend = "sqlite"
	}
	if s.HeartbeatIntervalS <= 0 {
		s.HeartbeatIntervalS = 15
	}
	if s.StaleTimeoutS <= 0 {
		s.StaleTimeoutS = 4 * s.HeartbeatIntervalS
	}
	if s.RetryBackoffBaseS <= 0 {
		s.RetryBackoffBaseS = 30
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
	if s.ApprovalThreshold <= 0 || s.ApprovalThreshold > 1 {
		s.ApprovalThreshold = 0.8
	}
	if s.ConsolidateIntervalS <= 0 {
		s.ConsolidateIntervalS = 300
	}
	if len(s.Capabilities) == 0 {
		s.Capabilities = DefaultCapabilities
	}
}

// SettingsPath returns <home>/config.yaml.
func SettingsPath(home string) string {
	return filepath.Join(home, "config.yaml")
}

// LoadSettings reads <home>/config.yaml and normalizes it. A missing file
// yields normalized defaults.
func LoadSettings(home string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(SettingsPath(home))
	if err != nil {
		if os.IsNotExist(err) {
			s.Normalize()
			return s, nil
		}
		return Settings{}, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", SettingsPath(home), err)
	}
	s.Normalize()
	return s, nil
}

// SaveSettings writes settings to <home>/config.yaml, creating home if needed.
func SaveSettings(home string, s Settings) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(&s)
	if err != nil {
		return err
	}
	return os.WriteFile(SettingsPath(home), data, 0o644)
}

// RepoImport is one repository entry in a repos import file.
type RepoImport struct {
	Name          string `yaml:"name"`
	SourceURL     string `yaml:"source_url"`
	DefaultBranch string `yaml:"default_branch,omitempty"`
	Autonomy      string `yaml:"autonomy,omitempty"`
	MaxInProgress int    `yaml:"max_in_progress,omitempty"`
}

// ReposFile is the import format for `fleetcore repo import`.
type ReposFile struct {
	Repos []RepoImport `yaml:"repos"`
}

// LoadReposFile parses a repository import file.
func LoadReposFile(path string) (ReposFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ReposFile{}, err
	}
	var f ReposFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return ReposFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, r := range f.Repos {
		if r.Name == "" {
			return ReposFile{}, fmt.Errorf("%s: repo %d missing name", path, i)
		}
		if r.SourceURL == "" {
			return ReposFile{}, fmt.Errorf("%s: repo %q missing source_url", path, r.Name)
		}
	}
	return f, nil
}
