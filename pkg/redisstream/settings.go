package redisstream

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Settings holds Redis Streams transport configuration for chat events.
type Settings struct {
	Enabled  bool   `mapstructure:"redis-enabled" yaml:"redis-enabled"`
	Addr     string `mapstructure:"redis-addr" yaml:"redis-addr"`
	Group    string `mapstructure:"redis-group" yaml:"redis-group"`
	Consumer string `mapstructure:"redis-consumer" yaml:"redis-consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "chat-ui",
		Consumer: "ui-1",
	}
}

// AddFlags registers the redis flags with their defaults.
func AddFlags(fs *pflag.FlagSet) {
	d := DefaultSettings()
	fs.Bool("redis-enabled", d.Enabled, "Enable Redis Streams transport for chat events")
	fs.String("redis-addr", d.Addr, "Redis address host:port")
	fs.String("redis-group", d.Group, "Redis consumer group prefix")
	fs.String("redis-consumer", d.Consumer, "Redis consumer name")
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis: addr is required when enabled")
	}
	if strings.TrimSpace(s.Group) == "" {
		return errors.New("redis: group is required when enabled")
	}
	if strings.TrimSpace(s.Consumer) == "" {
		return errors.New("redis: consumer is required when enabled")
	}
	return nil
}
