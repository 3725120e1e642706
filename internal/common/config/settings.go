package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Settings are process defaults read from REWRITEDS_* environment variables.
// Command line flags take precedence.
type Settings struct {
	ConfigFile      string   `envconfig:"CONFIG"`
	Listen          string   `envconfig:"LISTEN" default:":3000"`
	AdminPort       int      `envconfig:"ADMIN_PORT" default:"19005"`
	LogLevel        string   `envconfig:"LOG_LEVEL" default:"info"`
	XDS             bool     `envconfig:"XDS"`
	ADSPort         int      `envconfig:"ADS_PORT" default:"18000"`
	ListenerPorts   []uint32 `envconfig:"LISTENER_PORTS" default:"18080"`
	Consul          bool     `envconfig:"CONSUL"`
	ConsulAddr      string   `envconfig:"CONSUL_ADDR" default:"localhost:8500"`
	WatcherStrategy string   `envconfig:"CONSUL_WATCHER_STRATEGY" default:"immediate"`
	WatchConfig     bool     `envconfig:"WATCH_CONFIG"`
}

// LoadSettings reads Settings from the environment.
func LoadSettings() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("rewriteds", &s); err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	return &s, nil
}
