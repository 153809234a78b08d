package commands

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/ivakhin/botik/pkg/botik/config"
	"github.com/spf13/cobra"
)

// newSetupCmd creates the `botik setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your initial config.yaml.
Asks for the bot name, persona, channel tokens and provider keys.
Secrets can be stored in the OS keyring instead of the config file.

Examples:
  botik setup`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	return runInteractiveSetup()
}

// runInteractiveSetup guides the user through config creation.
func runInteractiveSetup() error {
	cfg := config.DefaultConfig()

	var (
		telegramToken string
		discordToken  string
		apiKey        string
		weatherKey    string
		useKeyring    bool
		ttsProvider   = cfg.TTS.Provider
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bot name").
				Placeholder(cfg.Name).
				Value(&cfg.Name),
			huh.NewText().
				Title("Persona").
				Description("The system prompt seeded into every conversation.").
				CharLimit(500).
				Value(&cfg.Persona),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Leave empty to disable Telegram.").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
			huh.NewInput().
				Title("Discord bot token").
				Description("Leave empty to disable Discord.").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("AI API key").
				Description("OpenAI-compatible key used for chat, transcription and vision.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("AI model").
				Placeholder(cfg.API.Model).
				Value(&cfg.API.Model),
			huh.NewSelect[string]().
				Title("Voice replies").
				Options(
					huh.NewOption("Auto (OpenAI with Edge fallback)", "auto"),
					huh.NewOption("OpenAI only", "openai"),
					huh.NewOption("Edge only (free)", "edge"),
					huh.NewOption("Off", "off"),
				).
				Value(&ttsProvider),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("OpenWeatherMap API key").
				Description("Leave empty to disable the weather command.").
				EchoMode(huh.EchoModePassword).
				Value(&weatherKey),
			huh.NewInput().
				Title("Media link marker").
				Description("Substring marking share links to offer downloads for.").
				Placeholder(cfg.Media.HostMarker).
				Value(&cfg.Media.HostMarker),
			huh.NewInput().
				Title("Media resolver URL").
				Description("Downloader API endpoint. Leave empty to disable.").
				Value(&cfg.Media.ResolverURL),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Store secrets in the OS keyring?").
				Description("Keeps tokens out of config.yaml.").
				Value(&useKeyring),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}

	cfg.TTS.Provider = ttsProvider
	cfg.Channels.Telegram.Enabled = strings.TrimSpace(telegramToken) != ""
	cfg.Channels.Discord.Enabled = strings.TrimSpace(discordToken) != ""
	cfg.Weather.APIKey = strings.TrimSpace(weatherKey)

	logger := slog.Default()

	if useKeyring && config.KeyringAvailable() {
		storeSecret(config.KeyringAPIKey, apiKey, logger)
		storeSecret(config.KeyringTelegramToken, telegramToken, logger)
		storeSecret(config.KeyringDiscordToken, discordToken, logger)
		// The config keeps env-style references so the file stays clean.
		if apiKey != "" {
			cfg.API.APIKey = "${BOTIK_API_KEY}"
		}
		if telegramToken != "" {
			cfg.Channels.Telegram.Token = "${BOTIK_TELEGRAM_TOKEN}"
		}
		if discordToken != "" {
			cfg.Channels.Discord.Token = "${BOTIK_DISCORD_TOKEN}"
		}
	} else {
		if useKeyring {
			fmt.Println("OS keyring unavailable, writing secrets to config.yaml (chmod 600).")
		}
		cfg.API.APIKey = strings.TrimSpace(apiKey)
		cfg.Channels.Telegram.Token = strings.TrimSpace(telegramToken)
		cfg.Channels.Discord.Token = strings.TrimSpace(discordToken)
	}

	if err := config.SaveToFile(cfg, "config.yaml"); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("config.yaml written. Start the bot with: botik serve")
	return nil
}

func storeSecret(key, value string, logger *slog.Logger) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if err := config.MigrateKeyToKeyring(key, value, logger); err != nil {
		logger.Warn("failed to store secret in keyring", "key", key, "error", err)
	}
}
