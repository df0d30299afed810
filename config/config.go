// Package config resolves the desk endpoints and the on-disk session token.
// Precedence: environment, then the optional TOML config file, then the
// local-development defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	defaultAPIURL = "http://localhost:5000/api"
	defaultWSURL  = "ws://localhost:5000/ws"

	envAPIURL    = "ORDER_DESK_API_URL"
	envWSURL     = "ORDER_DESK_WS_URL"
	envTokenPath = "ORDER_DESK_TOKEN_PATH"
)

type Config struct {
	APIURL    string `toml:"api_url"`
	WSURL     string `toml:"ws_url"`
	TokenPath string `toml:"token_path"`
}

// DefaultPath is the config file location probed when --config is not given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "order-desk", "config.toml")
}

// Load builds the effective configuration. path may be empty; a missing file
// at the default location is not an error, a missing explicit file is.
func Load(path string) (Config, error) {
	// .env fills gaps without clobbering the real environment
	if envMap, err := godotenv.Read(); err == nil {
		for k, v := range envMap {
			if os.Getenv(k) == "" {
				_ = os.Setenv(k, v)
			}
		}
	}

	cfg := Config{APIURL: defaultAPIURL, WSURL: defaultWSURL}

	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv(envAPIURL); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv(envWSURL); v != "" {
		cfg.WSURL = v
	}
	if v := os.Getenv(envTokenPath); v != "" {
		cfg.TokenPath = v
	}
	if cfg.TokenPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.TokenPath = filepath.Join(home, ".order-desk", "token")
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return cfg, nil
}

// LoadToken reads the stored session token; empty means logged out.
func LoadToken(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// SaveToken stores the session token, owner-readable only.
func SaveToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// ClearToken removes the stored token. Missing file is fine.
func ClearToken(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}
