// Package config loads the process-level configuration: a TOML file,
// layered with FAIRING_* environment variable overrides for the named
// keys.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk + environment-overridden configuration surface
// loaded by Load.
type Config struct {
	Database struct {
		Type string `toml:"type"`
		URL  string `toml:"url"`
	} `toml:"database"`

	Acme struct {
		Server   string   `toml:"server"`
		DNSType  string   `toml:"dns_type"`
		DNSZone  string   `toml:"dns_zone"`
		UDPBind  []string `toml:"udp_bind"`
		TCPBind  []string `toml:"tcp_bind"`
		Contact  string   `toml:"contact"`
	} `toml:"acme"`

	API struct {
		Host string `toml:"host"`
	} `toml:"api"`

	HTTPBind  []string `toml:"http_bind"`
	HTTPSBind []string `toml:"https_bind"`

	Consul struct {
		Address string `toml:"address"`
		KVPath  string `toml:"kv_path"`
	} `toml:"consul"`
}

// Load reads the TOML file at path, then applies FAIRING_* environment
// overrides on top, with TOML as the base layer.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("FAIRING_DATABASE_TYPE"); ok {
		cfg.Database.Type = v
	}
	if v, ok := os.LookupEnv("FAIRING_DATABASE_URL"); ok {
		cfg.Database.URL = v
	}
	if v, ok := os.LookupEnv("FAIRING_ACME_SERVER"); ok {
		cfg.Acme.Server = v
	}
	if v, ok := os.LookupEnv("FAIRING_ACME_DNS_TYPE"); ok {
		cfg.Acme.DNSType = v
	}
	if v, ok := os.LookupEnv("FAIRING_ACME_DNS_ZONE"); ok {
		cfg.Acme.DNSZone = v
	}
	if v, ok := os.LookupEnv("FAIRING_API_HOST"); ok {
		cfg.API.Host = v
	}
	if v, ok := os.LookupEnv("FAIRING_ACME_UDP_BIND"); ok {
		cfg.Acme.UDPBind = splitList(v)
	}
	if v, ok := os.LookupEnv("FAIRING_ACME_TCP_BIND"); ok {
		cfg.Acme.TCPBind = splitList(v)
	}
	if v, ok := os.LookupEnv("FAIRING_HTTP_BIND"); ok {
		cfg.HTTPBind = splitList(v)
	}
	if v, ok := os.LookupEnv("FAIRING_HTTPS_BIND"); ok {
		cfg.HTTPSBind = splitList(v)
	}
}

// splitList parses a comma-separated FAIRING_* list-valued override.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
