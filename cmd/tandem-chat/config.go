package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tandemride/realtime/pkg/transport"
)

// appConfig is the optional config file. Flags override whatever it sets.
type appConfig struct {
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
	DBPath      string `yaml:"db_path"`

	Redis   transport.RedisSettings `yaml:"redis"`
	Gateway gatewayConfig           `yaml:"gateway"`

	PresenceTimeout time.Duration `yaml:"-"`
}

type gatewayConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type rawAppConfig struct {
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
	DBPath      string `yaml:"db_path"`

	Redis   transport.RedisSettings `yaml:"redis"`
	Gateway gatewayConfig           `yaml:"gateway"`

	PresenceTimeout string `yaml:"presence_timeout"`
}

func loadConfig(path string) (appConfig, error) {
	cfg := appConfig{DBPath: "tandem-chat.db"}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	var raw rawAppConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}

	cfg.UserID = raw.UserID
	cfg.DisplayName = raw.DisplayName
	if raw.DBPath != "" {
		cfg.DBPath = raw.DBPath
	}
	cfg.Redis = raw.Redis
	cfg.Gateway = raw.Gateway
	if raw.PresenceTimeout != "" {
		d, err := time.ParseDuration(raw.PresenceTimeout)
		if err != nil {
			return cfg, errors.Wrap(err, "invalid presence_timeout")
		}
		cfg.PresenceTimeout = d
	}
	return cfg, nil
}
