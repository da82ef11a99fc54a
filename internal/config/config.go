// Package config loads the proxy's settings from environment variables and
// an optional YAML file, env taking precedence over file per §6.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	APIKey   string `yaml:"apiKey"`
	Region   string `yaml:"region"`
	PoolMode bool   `yaml:"poolMode"`
	DataDir  string `yaml:"dataDir"`

	// Single-mode credential fields, used only when PoolMode is false: the
	// proxy runs with exactly one account built from env at boot instead of
	// reading accounts.json.
	RefreshToken string `yaml:"refreshToken"`
	AuthMethod   string `yaml:"authMethod"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
}

func defaults() Config {
	return Config{
		Host:     "0.0.0.0",
		Port:     "8080",
		Region:   "us-east-1",
		PoolMode: true,
		DataDir:  "./data",
	}
}

// Load reads configFile (if present, any missing file is not an error) for
// defaults, then overlays environment variables, matching the teacher's
// os.Getenv-first idiom generalized to include a YAML fallback layer.
func Load(configFile string) (Config, error) {
	cfg := defaults()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file %s: %w", configFile, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", configFile, err)
		}
	}

	overlayString(&cfg.Host, "HOST")
	overlayString(&cfg.Port, "PORT")
	overlayString(&cfg.APIKey, "API_KEY")
	overlayString(&cfg.Region, "REGION")
	overlayString(&cfg.DataDir, "DATA_DIR")
	overlayString(&cfg.RefreshToken, "REFRESH_TOKEN")
	overlayString(&cfg.AuthMethod, "AUTH_METHOD")
	overlayString(&cfg.ClientID, "CLIENT_ID")
	overlayString(&cfg.ClientSecret, "CLIENT_SECRET")

	if v, ok := os.LookupEnv("POOL_MODE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse POOL_MODE: %w", err)
		}
		cfg.PoolMode = b
	}

	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("apiKey/API_KEY is required")
	}

	return cfg, nil
}

func overlayString(field *string, envVar string) {
	if v, ok := os.LookupEnv(envVar); ok && v != "" {
		*field = v
	}
}
