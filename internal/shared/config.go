package shared

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Credentials CredentialsConfig `toml:"credentials"`
	Providers   ProvidersConfig   `toml:"providers"`
	Database    DatabaseConfig    `toml:"database"`
	Server      ServerConfig      `toml:"server"`
	Sync        SyncConfig        `toml:"sync"`
}

// CredentialsConfig contains provider-specific OAuth credentials.
//
// Credentials are supplied by the operator and are never logged.
type CredentialsConfig struct {
	Spotify    OAuthCredentials `toml:"spotify"`
	SoundCloud OAuthCredentials `toml:"soundcloud"`
}

// OAuthCredentials contains a client id/secret pair and the redirect URI
// registered with the provider.
type OAuthCredentials struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`
}

// ProvidersConfig contains per-provider settings that are not credentials.
type ProvidersConfig struct {
	Local LocalProviderConfig `toml:"local"`
}

// LocalProviderConfig configures the local filesystem provider.
type LocalProviderConfig struct {
	Root    string `toml:"root"`
	Enabled bool   `toml:"enabled"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// ServerConfig contains settings for the ephemeral OAuth callback listener.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// SyncConfig contains sync tuning knobs.
type SyncConfig struct {
	CacheDurationMinutes int     `toml:"cache_duration_minutes"`
	RateLimit            float64 `toml:"rate_limit"`
}

// CacheDuration returns the configured cache-duration hint.
func (s SyncConfig) CacheDuration() time.Duration {
	return time.Duration(s.CacheDurationMinutes) * time.Minute
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
