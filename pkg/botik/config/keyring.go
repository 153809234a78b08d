// Package config – keyring.go provides secure credential storage using the
// operating system's native keyring (Linux: Secret Service/GNOME Keyring,
// macOS: Keychain, Windows: Credential Manager).
//
// Priority for resolving secrets:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable (BOTIK_API_KEY, OPENAI_API_KEY, etc.)
//  3. .env file (loaded by godotenv)
//  4. config.yaml value (least secure — plaintext on disk)
package config

import (
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "botik"

	// KeyringAPIKey is the key name for the AI API key.
	KeyringAPIKey = "api_key"

	// KeyringTelegramToken is the key name for the Telegram bot token.
	KeyringTelegramToken = "telegram_token"

	// KeyringDiscordToken is the key name for the Discord bot token.
	KeyringDiscordToken = "discord_token"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	// Try a write+delete cycle with a test key.
	testKey := "__botik_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecrets fills in missing secrets using the priority chain:
// keyring → env var → config value.
// Env vars were already applied by the loader, so the keyring only fills
// values that are still empty or unresolved references.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	resolve := func(target *string, keyringKey, what string) {
		if *target != "" && !IsEnvReference(*target) {
			return
		}
		if val := GetKeyring(keyringKey); val != "" {
			*target = val
			logger.Debug(what+" loaded from OS keyring", "key", keyringKey)
		}
	}

	resolve(&cfg.API.APIKey, KeyringAPIKey, "API key")
	resolve(&cfg.Channels.Telegram.Token, KeyringTelegramToken, "Telegram token")
	resolve(&cfg.Channels.Discord.Token, KeyringDiscordToken, "Discord token")

	if cfg.API.APIKey == "" || IsEnvReference(cfg.API.APIKey) {
		logger.Warn("no API key found. Set one with: botik setup or the BOTIK_API_KEY env var")
	}
}

// MigrateKeyToKeyring moves a secret from config/env to the OS keyring.
func MigrateKeyToKeyring(keyringKey, value string, logger *slog.Logger) error {
	if err := StoreKeyring(keyringKey, value); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	logger.Info("secret stored in OS keyring",
		"service", keyringService,
		"key", keyringKey,
		"hint", "You can now remove it from .env and config.yaml")
	return nil
}
