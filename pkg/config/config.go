// Package config loads process configuration from a simple .env-style
// key=value file.
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/mira/nursery-relay/pkg/model"
)

// Config holds credentials and ambient settings for the relay process.
type Config struct {
	Google    GoogleConfig
	Signaling SignalingConfig
	Defaults  model.GlobalSettings
}

// GoogleConfig holds Google OAuth2 and SDM API credentials.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	ProjectID    string
	RefreshToken string
}

// SignalingConfig configures the persistent signaling listener.
type SignalingConfig struct {
	ListenAddr string
}

// Load reads configuration from a .env file.
func Load(envPath string) (*Config, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	cfg := &Config{
		Signaling: SignalingConfig{ListenAddr: ":8443"},
		Defaults:  model.DefaultGlobalSettings(),
	}
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}

		switch key {
		case "client_id":
			cfg.Google.ClientID = decodedValue
		case "client_secret":
			cfg.Google.ClientSecret = decodedValue
		case "project_id":
			cfg.Google.ProjectID = decodedValue
		case "refresh_token":
			cfg.Google.RefreshToken = decodedValue
		case "signaling_addr":
			cfg.Signaling.ListenAddr = decodedValue
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are present.
func (c *Config) Validate() error {
	if c.Google.ClientID == "" {
		return fmt.Errorf("missing client_id")
	}
	if c.Google.ClientSecret == "" {
		return fmt.Errorf("missing client_secret")
	}
	if c.Google.ProjectID == "" {
		return fmt.Errorf("missing project_id")
	}
	if c.Google.RefreshToken == "" {
		return fmt.Errorf("missing refresh_token")
	}
	return nil
}
