// Package config loads the static cluster configuration every peer starts
// with: its own identity, the full peer list, listen ports, and the raft
// timing policy constants (exposed as configuration, defaulted to a
// standard timing policy).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PeerSpec is one entry of the static cluster membership list.
type PeerSpec struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config is the full node configuration, identical on every peer except
// for ID and ListenPort/HTTPPort.
type Config struct {
	ID         string     `yaml:"id"`
	ListenPort int        `yaml:"listenPort"`
	HTTPPort   int        `yaml:"httpPort"`
	WALPath    string     `yaml:"walPath"`
	Peers      []PeerSpec `yaml:"peers"`

	ElectionTimeoutMin time.Duration `yaml:"electionTimeoutMin"`
	ElectionTimeoutMax time.Duration `yaml:"electionTimeoutMax"`
	HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`
	RPCTimeout         time.Duration `yaml:"rpcTimeout"`
}

// UnmarshalYAML lets the timing fields be written as duration strings
// (e.g. "500ms", "1.5s") in the config file rather than raw nanosecond
// integers, which is what time.Duration would otherwise demand from
// yaml.v3's default decoding.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig struct {
		ID         string     `yaml:"id"`
		ListenPort int        `yaml:"listenPort"`
		HTTPPort   int        `yaml:"httpPort"`
		WALPath    string     `yaml:"walPath"`
		Peers      []PeerSpec `yaml:"peers"`

		ElectionTimeoutMin string `yaml:"electionTimeoutMin"`
		ElectionTimeoutMax string `yaml:"electionTimeoutMax"`
		HeartbeatInterval  string `yaml:"heartbeatInterval"`
		RPCTimeout         string `yaml:"rpcTimeout"`
	}

	var raw rawConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}

	c.ID = raw.ID
	c.ListenPort = raw.ListenPort
	c.HTTPPort = raw.HTTPPort
	c.WALPath = raw.WALPath
	c.Peers = raw.Peers

	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"electionTimeoutMin", raw.ElectionTimeoutMin, &c.ElectionTimeoutMin},
		{"electionTimeoutMax", raw.ElectionTimeoutMax, &c.ElectionTimeoutMax},
		{"heartbeatInterval", raw.HeartbeatInterval, &c.HeartbeatInterval},
		{"rpcTimeout", raw.RPCTimeout, &c.RPCTimeout},
	} {
		if f.raw == "" {
			continue // leave whatever default was already on c
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// Defaults returns the standard timing policy used when a config file
// omits one or more of the timing fields.
func Defaults() Config {
	return Config{
		ElectionTimeoutMin: 1500 * time.Millisecond,
		ElectionTimeoutMax: 3000 * time.Millisecond,
		HeartbeatInterval:  500 * time.Millisecond,
		RPCTimeout:         5 * time.Second,
	}
}

// Load reads and parses a YAML config file, taking any timing field the
// file omits from Defaults.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the minimal invariants a config must satisfy to start a
// node: an id, a listen port, at least one peer (the node itself is
// listed among its own peers), and electionTimeoutMin below
// electionTimeoutMax.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("config: id is required")
	}
	if c.ListenPort == 0 {
		return fmt.Errorf("config: listenPort is required")
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("config: at least one peer is required")
	}
	if c.ElectionTimeoutMin >= c.ElectionTimeoutMax {
		return fmt.Errorf("config: electionTimeoutMin must be less than electionTimeoutMax")
	}
	return nil
}
