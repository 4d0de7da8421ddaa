package config

import (
	"errors"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	EngineEcho = "echo"
	EngineSFU  = "sfu"
)

var ErrEngineKind = errors.New("engine kind must be 'echo' or 'sfu'")

type Config struct {
	APIListenAddr    string   `yaml:"api_listen_addr" env:"API_LISTEN_ADDR" env-default:":8080"`
	SignalListenAddr string   `yaml:"signal_listen_addr" env:"SIGNAL_LISTEN_ADDR" env-default:":8888"`
	LogLevel         string   `yaml:"log_level" env:"LOG_LEVEL" env-default:"debug"`
	Engine           string   `yaml:"engine" env:"ENGINE" env-default:"echo"`
	STUNServers      []string `yaml:"stun_servers" env:"STUN_SERVERS" env-default:"stun:stun.l.google.com:19302"`
}

// Load reads configuration from an optional yaml file, with environment
// variables taking over when the path is empty.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, err
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}

	if cfg.Engine != EngineEcho && cfg.Engine != EngineSFU {
		return nil, ErrEngineKind
	}
	return &cfg, nil
}
