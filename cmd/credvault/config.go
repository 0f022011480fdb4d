package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const defaultAddress = "http://127.0.0.1:8080"

// CLIConfig is what login persists between invocations.
type CLIConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	Email     string `yaml:"email,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	TLSCACert string `yaml:"tls_ca_cert,omitempty"`
}

var cfg CLIConfig

// configPath honours CREDVAULT_CLI_CONFIG, falling back to ~/.credvault/config.yaml.
func configPath() string {
	if p := os.Getenv("CREDVAULT_CLI_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".credvault", "config.yaml")
}

// loadConfig reads the saved session. A missing file leaves the defaults;
// an unreadable one is reported and ignored.
func loadConfig() {
	cfg = CLIConfig{Address: defaultAddress}
	data, err := os.ReadFile(configPath())
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err == nil {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		printError("ignoring CLI config: " + err.Error())
	}
	if cfg.Address == "" {
		cfg.Address = defaultAddress
	}
}

// saveConfig writes the config with owner-only permissions since it holds
// a bearer token.
func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
