// Package policy holds daemon configuration: file defaults, YAML loading,
// environment overrides, and thread-safe accessors.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalStateDir returns the default data directory (~/.config/meshwork).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "meshwork")
}

// BackendConfig describes how to spawn a worker for one backend tag.
// Command is the argv template; Env is merged on top of the inherited
// environment. The "mock" backend has a built-in template and needs no entry.
type BackendConfig struct {
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// Config holds daemon configuration as read from YAML.
type Config struct {
	DataDir string `yaml:"data_dir"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`

	PollIntervalSecs      int `yaml:"poll_interval_secs"`
	WorkerIdleTimeoutSecs int `yaml:"worker_idle_timeout_secs"`
	MaxRetries            int `yaml:"max_retries"`
	ResourceThreshold     int `yaml:"resource_threshold"`

	DocsRoot     string `yaml:"docs_root"`
	WatchDocs    bool   `yaml:"watch_docs"`
	LogFile      string `yaml:"log_file"`
	AgentDefsDir string `yaml:"agent_defs_dir"`

	Backends map[string]BackendConfig `yaml:"backends"`
}

// DefaultConfig returns sensible defaults: loopback host, auto-assigned
// port, 5s poll, 3m worker idle timeout, 3 retries, 1200-byte threshold.
func DefaultConfig() *Config {
	return &Config{
		DataDir:               GlobalStateDir(),
		Host:                  "127.0.0.1",
		Port:                  0,
		PollIntervalSecs:      5,
		WorkerIdleTimeoutSecs: 180,
		MaxRetries:            3,
		ResourceThreshold:     1200,
	}
}

// LoadConfig loads configuration from a YAML file, on top of defaults, then
// applies environment overrides. An empty path yields defaults + env.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays the recognised MESH_* environment knobs. Unparseable
// numeric values leave the current setting untouched.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MESH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MESH_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("MESH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("MESH_POLL_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSecs = n
		}
	}
	if v := os.Getenv("MESH_IDLE_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerIdleTimeoutSecs = n
		}
	}
	if v := os.Getenv("MESH_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("MESH_RESOURCE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ResourceThreshold = n
		}
	}
}

// Policy hands configuration values to kernel components.
type Policy struct {
	mu     sync.RWMutex
	config *Config
}

// New wraps cfg in a Policy.
func New(cfg *Config) *Policy {
	return &Policy{config: cfg}
}

// DataDir returns the daemon data directory.
func (p *Policy) DataDir() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.config.DataDir == "" {
		return GlobalStateDir()
	}
	return p.config.DataDir
}

// DatabasePath returns the SQLite database file path.
func (p *Policy) DatabasePath() string {
	return filepath.Join(p.DataDir(), "meshwork.db")
}

// DiscoveryPath returns the daemon discovery file path.
func (p *Policy) DiscoveryPath() string {
	return filepath.Join(p.DataDir(), "daemon.json")
}

// Host returns the HTTP bind host (loopback by default).
func (p *Policy) Host() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.config.Host == "" {
		return "127.0.0.1"
	}
	return p.config.Host
}

// Port returns the HTTP bind port; 0 means auto-assign.
func (p *Policy) Port() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.Port
}

// PollInterval returns the default scheduler poll interval.
func (p *Policy) PollInterval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.config.PollIntervalSecs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(p.config.PollIntervalSecs) * time.Second
}

// WorkerIdleTimeout returns how long a worker may stay silent before the
// process manager terminates it.
func (p *Policy) WorkerIdleTimeout() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.config.WorkerIdleTimeoutSecs <= 0 {
		return 3 * time.Minute
	}
	return time.Duration(p.config.WorkerIdleTimeoutSecs) * time.Second
}

// MaxRetries returns the scheduler retry budget before a force-ack.
func (p *Policy) MaxRetries() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.config.MaxRetries <= 0 {
		return 3
	}
	return p.config.MaxRetries
}

// ResourceThreshold returns the channel message size, in bytes, above which
// content is auto-resourced.
func (p *Policy) ResourceThreshold() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.config.ResourceThreshold <= 0 {
		return 1200
	}
	return p.config.ResourceThreshold
}

// DocsRoot returns the document storage root. Defaults to <data_dir>/docs.
func (p *Policy) DocsRoot() string {
	p.mu.RLock()
	dr := p.config.DocsRoot
	p.mu.RUnlock()
	if dr == "" {
		return filepath.Join(p.DataDir(), "docs")
	}
	return dr
}

// WatchDocs reports whether the document watcher should run.
func (p *Policy) WatchDocs() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.WatchDocs
}

// LogFile returns the log file path. Defaults to <data_dir>/meshd.log.
// Set to "none" or "off" to disable file logging entirely.
func (p *Policy) LogFile() string {
	p.mu.RLock()
	lf := p.config.LogFile
	p.mu.RUnlock()
	if lf == "" {
		return filepath.Join(p.DataDir(), "meshd.log")
	}
	return lf
}

// AgentDefsDir returns the directory of agent definition YAML files, or ""
// when definition seeding is disabled.
func (p *Policy) AgentDefsDir() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.AgentDefsDir
}

// Backend returns the spawn configuration for a backend tag.
func (p *Policy) Backend(name string) (BackendConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bc, ok := p.config.Backends[name]
	return bc, ok
}
