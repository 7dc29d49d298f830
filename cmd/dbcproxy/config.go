package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	dbc "github.com/dbcapi/go-deathbycaptcha"
)

type proxyConfig struct {
	Listen    string `yaml:"listen"`
	Transport string `yaml:"transport"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Authtoken string `yaml:"authtoken"`
	// Timeout is a Go duration string such as "90s". yaml.v3 does not
	// decode time.Duration from text, so it arrives as a string and is
	// parsed after unmarshalling.
	Timeout string `yaml:"timeout"`
	// MinBalance stops solving before the account runs dry.
	MinBalance int `yaml:"min_balance_cents"`
	// MaxUpload caps the accepted image size per request.
	MaxUpload int64 `yaml:"max_upload_bytes"`
	Debug     bool  `yaml:"debug"`

	timeout time.Duration
}

// loadConfig reads the optional YAML file and applies environment
// overrides on top, so containers can run without a config file at all.
func loadConfig(path string) (*proxyConfig, error) {
	cfg := &proxyConfig{
		Listen:    ":8000",
		Transport: "socket",
		MaxUpload: 16 << 20,
		timeout:   dbc.DefaultTimeout,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("DBC_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DBC_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("DBC_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("DBC_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("DBC_AUTHTOKEN"); v != "" {
		cfg.Authtoken = v
	}
	if v := os.Getenv("DBC_TIMEOUT"); v != "" {
		cfg.Timeout = v
	}

	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid timeout %q: want a positive duration such as 90s", cfg.Timeout)
		}
		cfg.timeout = d
	}

	if cfg.Authtoken == "" && (cfg.Username == "" || cfg.Password == "") {
		return nil, fmt.Errorf("credentials required: set authtoken or username/password")
	}
	switch cfg.Transport {
	case "socket", "http":
	default:
		return nil, fmt.Errorf("unknown transport %q, want socket or http", cfg.Transport)
	}
	return cfg, nil
}

func (cfg *proxyConfig) newClient() dbc.Client {
	c := dbc.Config{
		Username:  cfg.Username,
		Password:  cfg.Password,
		Authtoken: cfg.Authtoken,
	}
	if cfg.Transport == "http" {
		return dbc.NewHTTPClient(c)
	}
	return dbc.NewSocketClient(c)
}
