package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

// DefaultPath is used when no config file is given on the command line.
const DefaultPath = "./cetus_cfg.toml"

// Config is the full server configuration, deserialized from a TOML file.
type Config struct {
	InstanceName string `toml:"instance_name"`

	// APIListener enables the admin API when set.
	APIListener string `toml:"api_listener"`
	// MetricListener enables the /metrics endpoint when set.
	MetricListener string `toml:"metric_listener"`

	GeoIPDBLocation string `toml:"geoip_db_location"`

	// StoragePath is the base directory for the filesystem backend, used when
	// no redis cluster is configured.
	StoragePath string `toml:"storage_path"`

	RedisConfig *RedisConfig `toml:"redis_config"`

	UDPSockets   []string            `toml:"udp_sockets"`
	TCPListeners []TCPListenerConfig `toml:"tcp_listeners"`
}

// RedisConfig selects the clustered KV backend.
type RedisConfig struct {
	Username      string   `toml:"username"`
	Password      string   `toml:"password"`
	NodeAddresses []string `toml:"node_addresses"`
}

// TCPListenerConfig is one TCP bind with its per-connection idle timeout.
type TCPListenerConfig struct {
	Address       string `toml:"address"`
	TimeoutMillis uint64 `toml:"timeout_millis"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	cfg := &Config{
		StoragePath: "dns_storage",
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.InstanceName == "" {
		return errors.New("instance_name is required")
	}
	if c.GeoIPDBLocation == "" {
		return errors.New("geoip_db_location is required")
	}
	if len(c.UDPSockets) == 0 && len(c.TCPListeners) == 0 {
		return errors.New("at least one udp socket or tcp listener is required")
	}
	for _, listener := range c.TCPListeners {
		if listener.Address == "" {
			return errors.New("tcp listener address is required")
		}
	}
	if c.RedisConfig != nil && len(c.RedisConfig.NodeAddresses) == 0 {
		return errors.New("redis_config.node_addresses must not be empty")
	}
	return nil
}
