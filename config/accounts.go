package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Account is one set of exchange credentials; a session is opened per entry.
type Account struct {
	Name      string `yaml:"name"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// Accounts represents the full accounts file.
type Accounts struct {
	Accounts []Account `yaml:"accounts"`
}

// LoadAccounts loads account credentials from the given path. Entries without
// a key pair are rejected, and names must be unique.
func LoadAccounts(path string) (*Accounts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	var cfg Accounts
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Accounts))
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		acc.Name = strings.TrimSpace(acc.Name)
		acc.APIKey = strings.TrimSpace(acc.APIKey)
		acc.APISecret = strings.TrimSpace(acc.APISecret)
		if acc.Name == "" {
			acc.Name = fmt.Sprintf("account-%d", i+1)
		}
		if acc.APIKey == "" || acc.APISecret == "" {
			return nil, fmt.Errorf("account '%s' is missing api_key or api_secret", acc.Name)
		}
		if _, dup := seen[acc.Name]; dup {
			return nil, fmt.Errorf("duplicate account name '%s'", acc.Name)
		}
		seen[acc.Name] = struct{}{}
	}
	return &cfg, nil
}

// AccountsFromConfig falls back to the single key pair in the main config.
func AccountsFromConfig(cfg *Config) *Accounts {
	if cfg.Binance.APIKey == "" || cfg.Binance.APISecret == "" {
		return &Accounts{}
	}
	return &Accounts{Accounts: []Account{{
		Name:      "default",
		APIKey:    cfg.Binance.APIKey,
		APISecret: cfg.Binance.APISecret,
		Testnet:   cfg.Binance.Testnet,
	}}}
}
