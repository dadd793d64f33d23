package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// KeysConfig carries the durable token signing material. The primary key
// signs new tokens; every listed key stays valid for verification so links
// minted before a rotation keep resolving.
type KeysConfig struct {
	Primary string            `yaml:"primary"`
	Keys    map[string]string `yaml:"keys"`
}

// LoadKeys loads the signing key file. Unlike limits there is no default:
// a missing or empty key file is a hard error because tokens minted with
// an ephemeral key would die with the process.
func LoadKeys(path string) (*KeysConfig, error) {
	if path == "" {
		return nil, fmt.Errorf("signing key path required")
	}
	// #nosec G304 -- key file path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing keys: %w", err)
	}
	return ParseKeys(data)
}

// ParseKeys parses signing key config from YAML bytes.
func ParseKeys(data []byte) (*KeysConfig, error) {
	var cfg KeysConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse signing keys: %w", err)
	}
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("signing keys file has no keys")
	}
	if cfg.Primary == "" {
		return nil, fmt.Errorf("signing keys file has no primary key id")
	}
	if _, ok := cfg.Keys[cfg.Primary]; !ok {
		return nil, fmt.Errorf("primary key %q not present in keys", cfg.Primary)
	}
	return &cfg, nil
}
