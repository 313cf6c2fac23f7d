package config

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

// ReloadCredentials re-reads broker credentials from Vault. Used by the
// post-startup auth self-heal; a no-op when Vault is disabled.
func ReloadCredentials(cfg *Config) error {
	if !cfg.Vault.Enabled {
		return nil
	}
	return loadVaultCredentials(cfg)
}

// loadVaultCredentials reads broker API credentials from a KV v2 secret and
// overwrites whatever the file/env provided. The secret is expected to hold
// equity_api_key, equity_api_secret, crypto_api_key and crypto_api_secret;
// missing fields leave the existing values untouched.
func loadVaultCredentials(cfg *Config) error {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Vault.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Vault.Token)

	secret, err := client.Logical().Read(cfg.Vault.SecretPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", cfg.Vault.SecretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("no secret at %s", cfg.Vault.SecretPath)
	}

	// KV v2 nests the payload under "data"
	data := secret.Data
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}

	if v, ok := data["equity_api_key"].(string); ok && v != "" {
		cfg.EquityBroker.APIKey = v
	}
	if v, ok := data["equity_api_secret"].(string); ok && v != "" {
		cfg.EquityBroker.APISecret = v
	}
	if v, ok := data["crypto_api_key"].(string); ok && v != "" {
		cfg.CryptoBroker.APIKey = v
	}
	if v, ok := data["crypto_api_secret"].(string); ok && v != "" {
		cfg.CryptoBroker.APISecret = v
	}

	return nil
}
