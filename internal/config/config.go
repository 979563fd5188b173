package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/lspmux/internal/lsp"
)

// ServerConfig is one language server entry in the configuration file.
type ServerConfig struct {
	// ID identifies the server, e.g. "gopls". Must be unique.
	ID string `json:"id"`

	// Command is the executable to run.
	Command string `json:"command"`

	// Args are command-line arguments.
	Args []string `json:"args,omitempty"`

	// Env are additional environment variables for the server process.
	Env map[string]string `json:"env,omitempty"`

	// WorkDir overrides the working directory (defaults to the project root).
	WorkDir string `json:"workDir,omitempty"`

	// Languages lists the language IDs this server handles, e.g. "go".
	Languages []string `json:"languages"`

	// InitializationOptions are passed through during the initialize
	// handshake.
	InitializationOptions any `json:"initializationOptions,omitempty"`

	// TimeoutSeconds bounds individual requests (default 30).
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// Config is the loaded lspmux configuration.
type Config struct {
	// Servers are the configured language servers, in declaration order.
	// Declaration order is dispatch candidate order.
	Servers []ServerConfig `json:"servers"`

	// LogLevel is the zerolog level name, e.g. "debug" or "warn".
	LogLevel string `json:"logLevel,omitempty"`
}

// Load reads and validates the configuration at path. An empty path falls
// back to DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrFileNotFound)
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader reads and validates a configuration from r.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, &ParseError{Path: "<reader>", Err: err}
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath locates the configuration file: ./lspmux.json first, then
// lspmux/config.json under the user configuration directory.
func DefaultPath() (string, error) {
	if _, err := os.Stat("lspmux.json"); err == nil {
		return "lspmux.json", nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", ErrFileNotFound
	}
	path := filepath.Join(dir, "lspmux", "config.json")
	if _, err := os.Stat(path); err != nil {
		return "", ErrFileNotFound
	}
	return path, nil
}

// Validate checks the configuration for missing fields and duplicate ids.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return ErrNoServers
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		name := s.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
			return &ValidationError{Server: name, Field: "id", Message: "required"}
		}
		if seen[s.ID] {
			return &ValidationError{Server: s.ID, Field: "id", Message: "duplicate"}
		}
		seen[s.ID] = true

		if s.Command == "" {
			return &ValidationError{Server: name, Field: "command", Message: "required"}
		}
		if len(s.Languages) == 0 {
			return &ValidationError{Server: name, Field: "languages", Message: "at least one language required"}
		}
		if s.TimeoutSeconds < 0 {
			return &ValidationError{Server: name, Field: "timeoutSeconds", Message: "must not be negative"}
		}
	}
	return nil
}

// expand substitutes environment variables in path-like fields.
func (c *Config) expand() {
	for i := range c.Servers {
		s := &c.Servers[i]
		s.Command = os.ExpandEnv(s.Command)
		s.WorkDir = os.ExpandEnv(s.WorkDir)
		for j, a := range s.Args {
			s.Args[j] = os.ExpandEnv(a)
		}
		for k, v := range s.Env {
			s.Env[k] = os.ExpandEnv(v)
		}
	}
}

// Definitions converts the configured servers into registry definitions,
// preserving declaration order.
func (c *Config) Definitions() []lsp.ServerDefinition {
	defs := make([]lsp.ServerDefinition, 0, len(c.Servers))
	for _, s := range c.Servers {
		defs = append(defs, lsp.ServerDefinition{
			ID:                    lsp.ServerID(s.ID),
			Command:               s.Command,
			Args:                  s.Args,
			Env:                   s.Env,
			WorkDir:               s.WorkDir,
			LanguageIDs:           s.Languages,
			InitializationOptions: s.InitializationOptions,
			Timeout:               time.Duration(s.TimeoutSeconds) * time.Second,
		})
	}
	return defs
}

// Level returns the configured zerolog level name, defaulting to "warn".
func (c *Config) Level() string {
	if c.LogLevel == "" {
		return "warn"
	}
	return c.LogLevel
}
