// Package config reads the daemon configuration from
// ~/.confide/config.toml, with environment overrides for the values
// that change per deployment.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.confide/config.toml.
type Config struct {
	// APIURL is the REST base, e.g. https://host.
	APIURL string `toml:"api_url"`
	// WSURL is the push channel base, e.g. wss://host.
	WSURL string `toml:"ws_url"`
	// Token is the bearer token for both surfaces.
	Token string `toml:"token"`

	// SelfUserID and SelfUsername identify the authenticated user;
	// needed to tell own echoes from other participants' messages.
	SelfUserID   int64  `toml:"self_user_id"`
	SelfUsername string `toml:"self_username"`

	// Listen is the local HTTP API address.
	Listen string `toml:"listen"`
	// AllowedOrigins configures CORS for the local API.
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Load reads config from the given path and applies environment
// overrides. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CONFIDE_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("CONFIDE_WS_URL"); v != "" {
		c.WSURL = v
	}
	if v := os.Getenv("CONFIDE_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("CONFIDE_SELF_USER_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SelfUserID = id
		}
	}
	if v := os.Getenv("CONFIDE_LISTEN"); v != "" {
		c.Listen = v
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8642"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost:3000"}
	}
}
