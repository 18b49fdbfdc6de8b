// Package tenant loads per-tenant voice assistant configuration from disk.
//
// Each tenant lives in its own directory under the configured root:
//
//	tenants/
//	  acme/
//	    config.yaml
//	  _template/      # underscore-prefixed directories are skipped
//
// config.yaml example:
//
//	name: "Acme Support"
//	system_prompt: "You are Acme's friendly support agent."
//	voice_settings:
//	  provider: "nexus"
//	  voice_id: "aria"
//	  language: "en-US"
//	enabled_tools:
//	  - "order_lookup"
package tenant

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound reports that no tenant with the requested ID exists.
var ErrNotFound = errors.New("tenant: not found")

// Config is one tenant's assistant configuration.
type Config struct {
	// Name is the tenant's display name. Defaults to the directory name.
	Name string `yaml:"name"`

	// SystemPrompt steers the speech model for this tenant's sessions.
	SystemPrompt string `yaml:"system_prompt"`

	// VoiceSettings selects the synthesized voice.
	VoiceSettings VoiceSettings `yaml:"voice_settings"`

	// EnabledTools lists the tool names this tenant's sessions may call.
	EnabledTools []string `yaml:"enabled_tools"`
}

// VoiceSettings selects the voice used for a tenant's sessions.
type VoiceSettings struct {
	Provider string `yaml:"provider"`
	VoiceID  string `yaml:"voice_id"`
	Language string `yaml:"language"`
}

// Validate checks the parsed configuration for required fields.
func (c *Config) Validate() error {
	var errs []error
	if c.SystemPrompt == "" {
		errs = append(errs, errors.New("system_prompt must not be empty"))
	}
	if c.VoiceSettings.VoiceID == "" {
		errs = append(errs, errors.New("voice_settings.voice_id must not be empty"))
	}
	return errors.Join(errs...)
}

// Info is the listing view of a tenant, as exposed on the HTTP surface.
type Info struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	VoiceID  string `json:"voice_id"`
	Language string `json:"language,omitempty"`
}

// Loader reads tenant configurations from a directory tree and caches them.
// Safe for concurrent use.
type Loader struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*Config
}

// NewLoader creates a loader rooted at dir. The directory is not read until
// the first Load or List call.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir, cache: make(map[string]*Config)}
}

// Load returns the configuration for the tenant with the given ID, reading it
// from disk on first use. A missing tenant directory or config file returns
// [ErrNotFound].
func (l *Loader) Load(id string) (*Config, error) {
	if !validID(id) {
		return nil, fmt.Errorf("tenant: invalid id %q: %w", id, ErrNotFound)
	}

	l.mu.RLock()
	cfg, ok := l.cache[id]
	l.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	path := filepath.Join(l.dir, id, "config.yaml")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("tenant: %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("tenant: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err = parseConfig(f)
	if err != nil {
		return nil, fmt.Errorf("tenant: parse %q: %w", path, err)
	}
	if cfg.Name == "" {
		cfg.Name = id
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tenant: validate %q: %w", id, err)
	}

	l.mu.Lock()
	l.cache[id] = cfg
	l.mu.Unlock()
	return cfg, nil
}

// List returns all loadable tenants in directory order. Directories starting
// with "_" or "." are skipped, as are tenants whose config fails to load; one
// broken tenant must not take down the listing.
func (l *Loader) List() ([]Info, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("tenant: read dir %q: %w", l.dir, err)
	}

	var infos []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		if strings.HasPrefix(id, "_") || strings.HasPrefix(id, ".") {
			continue
		}
		cfg, err := l.Load(id)
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			ID:       id,
			Name:     cfg.Name,
			VoiceID:  cfg.VoiceSettings.VoiceID,
			Language: cfg.VoiceSettings.Language,
		})
	}
	return infos, nil
}

// Invalidate drops the cached configuration for id, forcing a re-read on the
// next Load.
func (l *Loader) Invalidate(id string) {
	l.mu.Lock()
	delete(l.cache, id)
	l.mu.Unlock()
}

func parseConfig(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validID rejects IDs that could escape the tenant root or collide with
// skipped directories.
func validID(id string) bool {
	if id == "" || strings.HasPrefix(id, "_") || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, "/\\")
}
