// Package config loads the daemon configuration: environment, file, and
// defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	ThreadCount int     `mapstructure:"thread_count"`
	LogLevel    string  `mapstructure:"log_level"`
	Network     Network `mapstructure:"network"`
	Inspect     Inspect `mapstructure:"inspect"`
}

// Network selects the peer mesh to join.
type Network struct {
	Name           string `mapstructure:"name"`
	MulticastGroup string `mapstructure:"multicast_group"`
	MulticastPort  int    `mapstructure:"multicast_port"`
	MTU            int    `mapstructure:"mtu"`
}

// Inspect configures the introspection HTTP surface.
type Inspect struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func newViper(path string) *viper.Viper {
	v := viper.New()

	v.SetDefault("thread_count", 4)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("network.multicast_group", "239.226.152.162")
	v.SetDefault("network.multicast_port", 7447)
	v.SetDefault("network.mtu", 1500)
	v.SetDefault("inspect.enabled", false)
	v.SetDefault("inspect.addr", "127.0.0.1:9648")

	v.SetEnvPrefix("VOLTGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("voltgrid")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/voltgrid")
	}
	return v
}

// Load reads the configuration. An explicit path must exist; without one a
// missing file just yields the defaults.
func Load(path string) (*Config, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the plant would refuse anyway, with
// better messages.
func (c *Config) Validate() error {
	if c.ThreadCount < 1 {
		return fmt.Errorf("config: thread_count must be at least 1, got %d", c.ThreadCount)
	}
	if c.Network.MulticastGroup != "" {
		ip := net.ParseIP(c.Network.MulticastGroup)
		if ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("config: network.multicast_group %q is not a multicast address", c.Network.MulticastGroup)
		}
	}
	if c.Network.MTU < 128 {
		return fmt.Errorf("config: network.mtu must be at least 128, got %d", c.Network.MTU)
	}
	return nil
}
