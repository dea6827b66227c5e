package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"securebank/ledger"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// PeerConfig describes one trusted peer node.
type PeerConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	KeyID    string `yaml:"key_id"`
}

// SyncConfig tunes outbound propagation and the retry queue.
type SyncConfig struct {
	Timeout       Duration `yaml:"timeout"`
	RetryDelay    Duration `yaml:"retry_delay"`
	DrainInterval Duration `yaml:"drain_interval"`
	ReplayWindow  Duration `yaml:"replay_window"`
	MaxAttempts   int      `yaml:"max_attempts"`
}

// LogConfig controls the optional rotating file sink.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config captures runtime configuration for a bank node.
type Config struct {
	NodeID           string            `yaml:"node_id"`
	NodeName         string            `yaml:"node_name"`
	Environment      string            `yaml:"environment"`
	ListenAddress    string            `yaml:"listen"`
	DatabasePath     string            `yaml:"database"`
	OwnKeyID         string            `yaml:"own_key_id"`
	NoteSigningKeyID string            `yaml:"note_signing_key_id"`
	InitialBalance   string            `yaml:"initial_balance"`
	SessionTTL       Duration          `yaml:"session_ttl"`
	Log              LogConfig         `yaml:"log"`
	Peers            []PeerConfig      `yaml:"peers"`
	Keys             map[string]string `yaml:"keys"`
	Sync             SyncConfig        `yaml:"sync"`
}

// Load reads and validates a YAML configuration file, filling defaults.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8080"
	}
	if env := strings.TrimSpace(os.Getenv("SECUREBANK_LISTEN")); env != "" {
		c.ListenAddress = env
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		c.DatabasePath = "securebank.db"
	}
	if strings.TrimSpace(c.InitialBalance) == "" {
		c.InitialBalance = "1000.00"
	}
	if c.SessionTTL.Duration <= 0 {
		c.SessionTTL.Duration = time.Hour
	}
	if c.Sync.Timeout.Duration <= 0 {
		c.Sync.Timeout.Duration = 10 * time.Second
	}
	if c.Sync.RetryDelay.Duration <= 0 {
		c.Sync.RetryDelay.Duration = 5 * time.Minute
	}
	if c.Sync.DrainInterval.Duration <= 0 {
		c.Sync.DrainInterval.Duration = time.Minute
	}
	if c.Sync.ReplayWindow.Duration <= 0 {
		c.Sync.ReplayWindow.Duration = 5 * time.Minute
	}
}

// Validate reports configuration errors that would leave the node unable to
// participate in the federation.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return errors.New("node_id is required")
	}
	if strings.TrimSpace(c.NodeName) == "" {
		return errors.New("node_name is required")
	}
	if len(c.Keys) == 0 {
		return errors.New("at least one preshared key is required")
	}
	if _, ok := c.Keys[c.OwnKeyID]; !ok {
		return fmt.Errorf("own_key_id %q has no configured key", c.OwnKeyID)
	}
	if _, ok := c.Keys[c.NoteSigningKeyID]; !ok {
		return fmt.Errorf("note_signing_key_id %q has no configured key", c.NoteSigningKeyID)
	}
	if _, err := ledger.ParseAmount(c.InitialBalance); err != nil {
		return fmt.Errorf("initial_balance: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Peers))
	for _, peer := range c.Peers {
		id := strings.TrimSpace(peer.ID)
		if id == "" {
			return errors.New("peer entries must include an id")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate peer %s", id)
		}
		seen[id] = struct{}{}
		if id == c.NodeID {
			continue
		}
		if strings.TrimSpace(peer.Endpoint) == "" {
			return fmt.Errorf("peer %s: endpoint is required", id)
		}
		if _, ok := c.Keys[peer.KeyID]; !ok {
			return fmt.Errorf("peer %s: key_id %q has no configured key", id, peer.KeyID)
		}
	}
	return nil
}

// InitialBalanceAmount returns the validated starting balance for new accounts.
func (c *Config) InitialBalanceAmount() ledger.Amount {
	return ledger.MustParseAmount(c.InitialBalance)
}
