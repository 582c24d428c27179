// Package config loads node configuration from a JSON file and MESHWIRE_*
// environment variables, and watches the file for live changes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	semver "github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MESHWIRE_"

// Duration is a time.Duration that reads and writes "1.5s" style strings.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var ns int64
		if err2 := json.Unmarshal(b, &ns); err2 != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(ns)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the node configuration file.
type Config struct {
	// NodeID pins the node id; empty generates one at startup.
	NodeID            string            `json:"node_id,omitempty"`
	Listen            string            `json:"listen"`
	Transport         string            `json:"transport"`
	AppIDs            []string          `json:"app_ids"`
	Peers             map[string]string `json:"peers,omitempty"`
	HeartbeatInterval Duration          `json:"heartbeat_interval"`
	ConnectionTimeout Duration          `json:"connection_timeout"`
	DecodeWorkers     int               `json:"decode_workers"`
	VersionConstraint string            `json:"version_constraint"`
	MetricsAddr       string            `json:"metrics_addr,omitempty"`
	MetricsHTTP3      bool              `json:"metrics_http3,omitempty"`
	LogLevel          string            `json:"log_level"`
	Codec             string            `json:"codec"`
	// TLSCert and TLSKey enable TLS on tcp and ws, and replace the
	// self-signed certificate of quic.
	TLSCert string `json:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty"`
}

// Default returns the configuration used for missing fields.
func Default() *Config {
	return &Config{
		Listen:            "0.0.0.0:4242",
		Transport:         "tcp",
		AppIDs:            []string{"meshwire"},
		HeartbeatInterval: Duration(5 * time.Second),
		ConnectionTimeout: Duration(30 * time.Second),
		DecodeWorkers:     4,
		VersionConstraint: "^1.0.0",
		LogLevel:          "info",
		Codec:             "json",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	str("NODE_ID", &c.NodeID)
	str("LISTEN", &c.Listen)
	str("TRANSPORT", &c.Transport)
	str("VERSION_CONSTRAINT", &c.VersionConstraint)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("CODEC", &c.Codec)
	str("TLS_CERT", &c.TLSCert)
	str("TLS_KEY", &c.TLSKey)

	if v, ok := lookup(EnvPrefix + "APP_IDS"); ok {
		c.AppIDs = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "PEERS"); ok {
		peers, err := parsePeers(v)
		if err != nil {
			return fmt.Errorf("%sPEERS: %w", EnvPrefix, err)
		}
		c.Peers = peers
	}
	for key, dst := range map[string]*Duration{
		"HEARTBEAT_INTERVAL": &c.HeartbeatInterval,
		"CONNECTION_TIMEOUT": &c.ConnectionTimeout,
	} {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = Duration(d)
		}
	}
	if v, ok := lookup(EnvPrefix + "DECODE_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sDECODE_WORKERS: %w", EnvPrefix, err)
		}
		c.DecodeWorkers = n
	}
	if v, ok := lookup(EnvPrefix + "METRICS_HTTP3"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMETRICS_HTTP3: %w", EnvPrefix, err)
		}
		c.MetricsHTTP3 = b
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePeers reads "name=addr,name=addr".
func parsePeers(s string) (map[string]string, error) {
	peers := make(map[string]string)
	for _, item := range splitList(s) {
		name, addr, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(addr) == "" {
			return nil, fmt.Errorf("invalid peer %q, want name=address", item)
		}
		peers[strings.TrimSpace(name)] = strings.TrimSpace(addr)
	}
	return peers, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch c.Transport {
	case "tcp", "quic", "ws", "mem":
	default:
		return fmt.Errorf("transport %q: want tcp, quic, ws or mem", c.Transport)
	}
	switch c.Codec {
	case "json", "gob":
	default:
		return fmt.Errorf("codec %q: want json or gob", c.Codec)
	}
	if _, err := ParseLevelName(c.LogLevel); err != nil {
		return err
	}
	if len(c.AppIDs) == 0 {
		return errors.New("app_ids: at least one application id required")
	}
	for _, id := range c.AppIDs {
		if id == "" {
			return errors.New("app_ids: empty application id")
		}
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	if c.ConnectionTimeout < 0 {
		return errors.New("connection_timeout must not be negative")
	}
	if c.ConnectionTimeout > 0 && c.ConnectionTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("connection_timeout %s must exceed heartbeat_interval %s",
			time.Duration(c.ConnectionTimeout), time.Duration(c.HeartbeatInterval))
	}
	if c.DecodeWorkers < 0 {
		return errors.New("decode_workers must not be negative")
	}
	if _, err := semver.NewConstraint(c.VersionConstraint); err != nil {
		return fmt.Errorf("version_constraint %q: %w", c.VersionConstraint, err)
	}
	if c.NodeID != "" {
		if _, err := wire.ParseNodeID(c.NodeID); err != nil {
			return fmt.Errorf("node_id: %w", err)
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	for name, addr := range c.Peers {
		if name == "" || addr == "" {
			return fmt.Errorf("peer %q: name and address required", name)
		}
	}
	return nil
}

// PeerNames returns the configured peer names, sorted.
func (c *Config) PeerNames() []string {
	names := make([]string, 0, len(c.Peers))
	for name := range c.Peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save writes c as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
