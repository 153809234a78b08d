// Package config defines the botik configuration and its YAML loader.
package config

import (
	"github.com/ivakhin/botik/pkg/botik/channels/discord"
	"github.com/ivakhin/botik/pkg/botik/channels/telegram"
	"github.com/ivakhin/botik/pkg/botik/conversation"
)

// DefaultPersona is the system entry seeded into every new conversation.
const DefaultPersona = "Ты дружелюбный Telegram-бот помощник"

// Config holds all bot configuration.
type Config struct {
	// Name is the bot name shown in logs and the CLI.
	Name string `yaml:"name"`

	// Persona is the system persona text for new conversations.
	Persona string `yaml:"persona"`

	// MaxHistory bounds each chat history, inclusive of the system entry.
	MaxHistory int `yaml:"max_history"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// API configures the AI provider endpoint.
	API APIConfig `yaml:"api"`

	// TTS configures voice replies.
	TTS TTSConfig `yaml:"tts"`

	// Weather configures the weather provider.
	Weather WeatherConfig `yaml:"weather"`

	// Media configures the third-party link downloader.
	Media MediaConfig `yaml:"media"`

	// Reminders configures the reminder scheduler.
	Reminders RemindersConfig `yaml:"reminders"`

	// Timeouts configures per-call deadlines for external providers.
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// Channels configures the transports.
	Channels ChannelsConfig `yaml:"channels"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// APIConfig configures the AI provider.
type APIConfig struct {
	// BaseURL is the OpenAI-compatible endpoint (empty = api.openai.com).
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the provider. Supports ${ENV} references.
	APIKey string `yaml:"api_key"`

	// Model is the chat model (e.g. "gpt-4.1-mini").
	Model string `yaml:"model"`
}

// TTSConfig configures voice replies to voice messages.
type TTSConfig struct {
	// Provider is "auto" (OpenAI with Edge fallback), "openai", "edge",
	// or "off".
	Provider string `yaml:"provider"`

	// Voice is the OpenAI voice name.
	Voice string `yaml:"voice"`

	// EdgeVoice is the Edge TTS voice name.
	EdgeVoice string `yaml:"edge_voice"`
}

// WeatherConfig configures the weather provider.
type WeatherConfig struct {
	// APIKey is the OpenWeatherMap API key.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint (tests only).
	BaseURL string `yaml:"base_url"`
}

// MediaConfig configures the third-party media downloader.
type MediaConfig struct {
	// ResolverURL is the downloader API endpoint.
	ResolverURL string `yaml:"resolver_url"`

	// HostMarker marks recognized share links (substring match on the
	// message text, e.g. "tiktok.com").
	HostMarker string `yaml:"host_marker"`

	// TempDir holds in-flight downloads (empty = OS temp dir).
	TempDir string `yaml:"temp_dir"`
}

// RemindersConfig configures the reminder scheduler.
type RemindersConfig struct {
	// StoragePath enables SQLite persistence of registrations when set.
	// Empty means registrations are process-lifetime only.
	StoragePath string `yaml:"storage_path"`
}

// TimeoutsConfig holds per-call deadlines in seconds. A timed-out call is
// treated exactly like a provider failure.
type TimeoutsConfig struct {
	AISeconds      int `yaml:"ai_seconds"`
	WeatherSeconds int `yaml:"weather_seconds"`
	MediaSeconds   int `yaml:"media_seconds"`
}

// ChannelsConfig configures the transports.
type ChannelsConfig struct {
	Telegram telegram.Config `yaml:"telegram"`
	Discord  discord.Config  `yaml:"discord"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:       "botik",
		Persona:    DefaultPersona,
		MaxHistory: conversation.DefaultMaxHistory,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		API: APIConfig{
			Model: "gpt-4.1-mini",
		},
		TTS: TTSConfig{
			Provider:  "auto",
			Voice:     "nova",
			EdgeVoice: "ru-RU-SvetlanaNeural",
		},
		Media: MediaConfig{
			HostMarker: "tiktok.com",
		},
		Timeouts: TimeoutsConfig{
			AISeconds:      60,
			WeatherSeconds: 15,
			MediaSeconds:   120,
		},
		Channels: ChannelsConfig{
			Telegram: telegram.DefaultConfig(),
			Discord:  discord.DefaultConfig(),
		},
	}
}
