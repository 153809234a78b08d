package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/ivakhin/botik/pkg/botik/bot"
	"github.com/ivakhin/botik/pkg/botik/config"
	"github.com/ivakhin/botik/pkg/botik/conversation"
	"github.com/ivakhin/botik/pkg/botik/llm"
	"github.com/ivakhin/botik/pkg/botik/reminders"
	"github.com/ivakhin/botik/pkg/botik/tasks"
	"github.com/ivakhin/botik/pkg/botik/weather"
	"github.com/spf13/cobra"
)

// newChatCmd creates the `botik chat` command for talking to the bot from
// the terminal without any messaging channel.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the bot from the terminal",
		Long: `Runs the same command router the channels use, but on stdin.
Send one message directly or start an interactive session.

Examples:
  botik chat "погода Москва"
  botik chat  # interactive session`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	config.ResolveSecrets(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := buildLocalRouter(ctx, cfg, logger)
	req := func(text string) *bot.Request {
		return &bot.Request{Channel: "cli", ChatID: "local", Text: text}
	}

	// Single-shot mode.
	if len(args) > 0 {
		if reply := router.Route(ctx, req(args[0])); reply != nil {
			fmt.Println(reply.Text)
		}
		return nil
	}

	// Interactive session.
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     os.TempDir() + "/botik_chat_history",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("%s ready. /reset clears memory, Ctrl+D exits.\n", cfg.Name)

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		reply := router.Route(ctx, req(line))
		if reply != nil {
			fmt.Printf("bot> %s\n", reply.Text)
			for _, c := range reply.Choices {
				fmt.Printf("     [%s]\n", c.Label)
			}
		}
	}
}

// buildLocalRouter wires the router with in-process collaborators: reminders
// print to the terminal and nothing is persisted.
func buildLocalRouter(ctx context.Context, cfg *config.Config, logger *slog.Logger) *bot.Router {
	persona := cfg.Persona
	if persona == "" {
		persona = config.DefaultPersona
	}

	notify := func(channel, chatID, message string) error {
		fmt.Printf("\n⏰ %s\n", message)
		return nil
	}
	scheduler := reminders.New(nil, notify, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Warn("scheduler failed to start", "error", err)
	}

	var weatherProvider bot.WeatherProvider
	if cfg.Weather.APIKey != "" {
		weatherProvider = weather.NewClient(cfg.Weather.APIKey, cfg.Weather.BaseURL)
	} else {
		weatherProvider = noWeather{}
	}

	return bot.NewRouter(
		conversation.NewStore(persona, cfg.MaxHistory, logger),
		tasks.NewStore(),
		scheduler,
		weatherProvider,
		llm.NewClient(cfg.API.APIKey, cfg.API.BaseURL, cfg.API.Model, logger),
		cfg.Media.HostMarker,
		bot.Timeouts{},
		logger,
	)
}

type noWeather struct{}

func (noWeather) Lookup(ctx context.Context, city string) (*weather.Observation, error) {
	return nil, fmt.Errorf("weather provider is not configured")
}
