// bot.go implements the main orchestrator: it owns the stores, providers
// and channels, and runs the event loop that dispatches every inbound
// message to the router.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ivakhin/botik/pkg/botik/channels"
	"github.com/ivakhin/botik/pkg/botik/channels/discord"
	"github.com/ivakhin/botik/pkg/botik/channels/telegram"
	"github.com/ivakhin/botik/pkg/botik/config"
	"github.com/ivakhin/botik/pkg/botik/conversation"
	"github.com/ivakhin/botik/pkg/botik/llm"
	"github.com/ivakhin/botik/pkg/botik/media"
	"github.com/ivakhin/botik/pkg/botik/reminders"
	"github.com/ivakhin/botik/pkg/botik/tasks"
	"github.com/ivakhin/botik/pkg/botik/tts"
	"github.com/ivakhin/botik/pkg/botik/weather"
)

// Voice and image handling replies.
const (
	ReplyTranscribeError = "Не расслышал 😢 Попробуй ещё раз."
	ReplyDescribeError   = "Не получилось разглядеть 😢 Попробуй ещё раз."
	ReplyMediaExpired    = "Ссылка устарела 🤷 Пришли её ещё раз."

	imageDescribePrompt = "Опиши, что на этой картинке, коротко и по-дружески."
)

// Bot is the main orchestrator. Message flow: receive → route → handler →
// reply, with voice and image round-trips layered on top of text routing.
type Bot struct {
	cfg *config.Config

	// channelMgr manages communication channels.
	channelMgr *channels.Manager

	// conversations holds per-chat bounded AI context.
	conversations *conversation.Store

	// todos holds per-chat task lists.
	todos *tasks.Store

	// scheduler delivers reminders.
	scheduler *reminders.Scheduler

	// reminderStore is the optional SQLite backing for registrations.
	reminderStore *reminders.SQLiteStorage

	// router classifies inbound text.
	router *Router

	// ai is the chat/transcription/vision provider.
	ai *llm.Client

	// speech synthesizes voice replies; nil disables them.
	speech   tts.Provider
	ttsVoice string

	// resolver and pipeline implement the share-link downloader; a nil
	// resolver disables the flow.
	resolver media.Resolver
	pipeline *media.Pipeline

	mediaTimeout time.Duration

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Bot with all dependencies wired from the config.
func New(cfg *config.Config, logger *slog.Logger) (*Bot, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	persona := cfg.Persona
	if persona == "" {
		persona = config.DefaultPersona
	}

	b := &Bot{
		cfg:           cfg,
		channelMgr:    channels.NewManager(logger),
		conversations: conversation.NewStore(persona, cfg.MaxHistory, logger),
		todos:         tasks.NewStore(),
		ai:            llm.NewClient(cfg.API.APIKey, cfg.API.BaseURL, cfg.API.Model, logger),
		mediaTimeout:  time.Duration(cfg.Timeouts.MediaSeconds) * time.Second,
		logger:        logger,
	}

	b.speech, b.ttsVoice = buildSpeech(cfg, logger)

	if cfg.Media.ResolverURL != "" {
		b.resolver = media.NewHTTPResolver(cfg.Media.ResolverURL)
		b.pipeline = media.NewPipeline(cfg.Media.TempDir, logger)
	}

	var store reminders.Storage
	if cfg.Reminders.StoragePath != "" {
		s, err := reminders.OpenSQLiteStorage(cfg.Reminders.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("opening reminder storage: %w", err)
		}
		b.reminderStore = s
		store = s
	}
	b.scheduler = reminders.New(store, b.notifyReminder, logger)

	var weatherProvider WeatherProvider
	if cfg.Weather.APIKey != "" {
		weatherProvider = weather.NewClient(cfg.Weather.APIKey, cfg.Weather.BaseURL)
	} else {
		weatherProvider = unavailableWeather{}
	}

	b.router = NewRouter(
		b.conversations,
		b.todos,
		b.scheduler,
		weatherProvider,
		b.ai,
		cfg.Media.HostMarker,
		Timeouts{
			AI:      time.Duration(cfg.Timeouts.AISeconds) * time.Second,
			Weather: time.Duration(cfg.Timeouts.WeatherSeconds) * time.Second,
		},
		logger,
	)

	return b, nil
}

// buildSpeech constructs the TTS provider per config.
func buildSpeech(cfg *config.Config, logger *slog.Logger) (tts.Provider, string) {
	switch cfg.TTS.Provider {
	case "off":
		return nil, ""
	case "openai":
		return tts.NewOpenAIProvider(cfg.API.APIKey, cfg.API.BaseURL, ""), cfg.TTS.Voice
	case "edge":
		return tts.NewEdgeProvider(logger), cfg.TTS.EdgeVoice
	default: // "auto"
		if cfg.API.APIKey == "" {
			return tts.NewEdgeProvider(logger), cfg.TTS.EdgeVoice
		}
		primary := tts.NewOpenAIProvider(cfg.API.APIKey, cfg.API.BaseURL, "")
		secondary := tts.NewEdgeProvider(logger)
		return tts.NewFallbackProvider(primary, secondary, cfg.TTS.Voice, cfg.TTS.EdgeVoice, logger), ""
	}
}

// Start connects the configured channels, starts the scheduler and begins
// processing messages.
func (b *Bot) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.logger.Info("starting botik",
		"name", b.cfg.Name,
		"model", b.cfg.API.Model,
		"max_history", b.cfg.MaxHistory,
	)

	if b.cfg.Channels.Telegram.Enabled {
		if err := b.channelMgr.Register(telegram.New(b.cfg.Channels.Telegram, b.logger)); err != nil {
			return err
		}
	}
	if b.cfg.Channels.Discord.Enabled {
		if err := b.channelMgr.Register(discord.New(b.cfg.Channels.Discord, b.logger)); err != nil {
			return err
		}
	}

	if err := b.channelMgr.Start(b.ctx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}

	if err := b.scheduler.Start(b.ctx); err != nil {
		b.logger.Error("failed to start scheduler", "error", err)
	}

	go b.messageLoop()

	b.logger.Info("botik started")
	return nil
}

// Stop gracefully shuts down all subsystems.
func (b *Bot) Stop() {
	b.logger.Info("stopping botik...")

	if b.cancel != nil {
		b.cancel()
	}

	b.scheduler.Stop()
	b.channelMgr.Stop()
	if b.reminderStore != nil {
		_ = b.reminderStore.Close()
	}

	b.logger.Info("botik stopped")
}

// ChannelManager returns the channel manager for external registration.
func (b *Bot) ChannelManager() *channels.Manager {
	return b.channelMgr
}

// Router returns the command router.
func (b *Bot) Router() *Router {
	return b.router
}

// messageLoop dispatches each inbound event to its own goroutine so a slow
// external call never blocks other chats.
func (b *Bot) messageLoop() {
	for {
		select {
		case msg, ok := <-b.channelMgr.Messages():
			if !ok {
				return
			}
			go b.handleEvent(msg)

		case <-b.ctx.Done():
			return
		}
	}
}

// handleEvent processes one inbound event. A panicking handler is contained
// here; the loop keeps serving other messages.
func (b *Bot) handleEvent(msg *channels.IncomingMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panic",
				"channel", msg.Channel,
				"chat_id", msg.ChatID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	start := time.Now()
	logger := b.logger.With(
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"msg_id", msg.ID,
	)

	switch {
	case msg.Selection != nil:
		b.handleSelection(msg, logger)
	case msg.Type == channels.MessageVoice:
		b.handleVoice(msg, logger)
	case msg.Type == channels.MessageImage:
		b.handleImage(msg, logger)
	default:
		b.handleText(msg, msg.Content)
	}

	logger.Debug("event processed", "duration_ms", time.Since(start).Milliseconds())
}

// handleText routes a text message and sends the reply, if any.
func (b *Bot) handleText(msg *channels.IncomingMessage, text string) {
	b.channelMgr.SendTyping(b.ctx, msg.Channel, msg.ChatID)

	reply := b.router.Route(b.ctx, &Request{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Text:    text,
	})
	if reply == nil {
		return
	}

	b.sendReply(msg, reply)
}

// handleVoice transcribes a voice note, routes the transcript like a text
// message, and answers with a synthesized voice note when TTS is enabled.
func (b *Bot) handleVoice(msg *channels.IncomingMessage, logger *slog.Logger) {
	mc, ok := b.mediaChannel(msg.Channel)
	if !ok {
		return
	}

	b.channelMgr.SendTyping(b.ctx, msg.Channel, msg.ChatID)

	audio, mimeType, err := mc.DownloadMedia(b.ctx, msg)
	if err != nil {
		logger.Warn("voice download failed", "error", err)
		b.sendReply(msg, &Reply{Text: ReplyTranscribeError})
		return
	}

	transcript, err := b.ai.Transcribe(b.ctx, voiceFilename(mimeType), audio)
	if err != nil {
		logger.Warn("transcription failed", "error", err)
		b.sendReply(msg, &Reply{Text: ReplyTranscribeError})
		return
	}
	logger.Debug("voice transcribed", "chars", len(transcript))

	reply := b.router.Route(b.ctx, &Request{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Text:    transcript,
	})
	if reply == nil {
		return
	}

	// Commands keep their text replies; only plain answers become voice.
	if b.speech == nil || len(reply.Choices) > 0 {
		b.sendReply(msg, reply)
		return
	}

	voice, voiceMime, err := b.speech.Synthesize(b.ctx, reply.Text, b.ttsVoice)
	if err != nil {
		logger.Warn("speech synthesis failed, sending text", "error", err)
		b.sendReply(msg, reply)
		return
	}

	err = b.channelMgr.SendMedia(b.ctx, msg.Channel, msg.ChatID, &channels.MediaMessage{
		Type:     channels.MessageVoice,
		Data:     voice,
		MimeType: voiceMime,
		Filename: "reply" + audioExt(voiceMime),
	})
	if err != nil {
		logger.Warn("voice reply failed, sending text", "error", err)
		b.sendReply(msg, reply)
	}
}

// handleImage describes an incoming photo and keeps the exchange in the
// conversation history so follow-up questions have context.
func (b *Bot) handleImage(msg *channels.IncomingMessage, logger *slog.Logger) {
	mc, ok := b.mediaChannel(msg.Channel)
	if !ok {
		return
	}

	b.channelMgr.SendTyping(b.ctx, msg.Channel, msg.ChatID)

	image, mimeType, err := mc.DownloadMedia(b.ctx, msg)
	if err != nil {
		logger.Warn("image download failed", "error", err)
		b.sendReply(msg, &Reply{Text: ReplyDescribeError})
		return
	}

	prompt := imageDescribePrompt
	if caption := strings.TrimSpace(msg.Content); caption != "" {
		prompt = caption
	}

	description, err := b.ai.Describe(b.ctx, image, mimeType, prompt)
	if err != nil {
		logger.Warn("image description failed", "error", err)
		b.sendReply(msg, &Reply{Text: ReplyDescribeError})
		return
	}

	key := chatKey(&Request{Channel: msg.Channel, ChatID: msg.ChatID})
	b.conversations.Ensure(key)
	b.conversations.AppendUser(key, "[фото] "+prompt)
	b.conversations.AppendAssistant(key, description)

	b.sendReply(msg, &Reply{Text: description})
}

// handleSelection resolves the parked share link and delivers the media the
// user picked.
func (b *Bot) handleSelection(msg *channels.IncomingMessage, logger *slog.Logger) {
	sel := msg.Selection

	if sc, ok := b.selectionChannel(msg.Channel); ok {
		if err := sc.AcknowledgeSelection(b.ctx, sel.ID); err != nil {
			logger.Debug("selection ack failed", "error", err)
		}
		// Remove the choice prompt; the media (or the error) replaces it.
		if sel.MessageID != "" {
			if err := sc.DeleteMessage(b.ctx, msg.ChatID, sel.MessageID); err != nil {
				logger.Debug("prompt delete failed", "error", err)
			}
		}
	}

	if b.resolver == nil {
		return
	}

	key := chatKey(&Request{Channel: msg.Channel, ChatID: msg.ChatID})
	link, ok := b.router.TakePendingMedia(key)
	if !ok {
		b.sendReply(msg, &Reply{Text: ReplyMediaExpired})
		return
	}

	b.channelMgr.SendTyping(b.ctx, msg.Channel, msg.ChatID)

	ctx := b.ctx
	if b.mediaTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.mediaTimeout)
		defer cancel()
	}

	resolution, err := b.resolver.Resolve(ctx, link)
	if err != nil {
		logger.Warn("media resolve failed", "link", link, "error", err)
		b.sendReply(msg, &Reply{Text: ReplyMediaError})
		return
	}

	deliver := func(ctx context.Context, kind media.Kind, filePath string) error {
		return b.channelMgr.SendMedia(ctx, msg.Channel, msg.ChatID, &channels.MediaMessage{
			Type:     mediaMessageType(kind),
			FilePath: filePath,
		})
	}

	switch sel.Data {
	case "audio":
		if resolution.AudioURL == "" {
			err = fmt.Errorf("no audio in resolution")
		} else {
			err = b.pipeline.Fetch(ctx, media.KindAudio, resolution.AudioURL, deliver)
		}
	default: // "video"
		switch {
		case resolution.VideoURL != "":
			err = b.pipeline.Fetch(ctx, media.KindVideo, resolution.VideoURL, deliver)
		case len(resolution.ImageURLs) > 0:
			// Photo posts have no video track; deliver the images.
			err = b.pipeline.FetchAll(ctx, media.KindPhoto, resolution.ImageURLs, deliver)
		default:
			err = fmt.Errorf("no video in resolution")
		}
	}
	if err != nil {
		logger.Warn("media delivery failed", "link", link, "error", err)
		b.sendReply(msg, &Reply{Text: ReplyMediaError})
	}
}

// notifyReminder is the scheduler callback delivering a due reminder.
func (b *Bot) notifyReminder(channel, chatID, message string) error {
	return b.channelMgr.Send(b.ctx, channel, chatID, &channels.OutgoingMessage{
		Content: "⏰ " + message,
	})
}

// sendReply sends a routed reply back to the originating chat.
func (b *Bot) sendReply(original *channels.IncomingMessage, reply *Reply) {
	err := b.channelMgr.Send(b.ctx, original.Channel, original.ChatID, &channels.OutgoingMessage{
		Content: reply.Text,
		Choices: reply.Choices,
	})
	if err != nil {
		b.logger.Error("failed to send reply",
			"channel", original.Channel,
			"chat_id", original.ChatID,
			"error", err)
	}
}

// ---------- Helpers ----------

func (b *Bot) mediaChannel(name string) (channels.MediaChannel, bool) {
	ch, ok := b.channelMgr.Channel(name)
	if !ok {
		return nil, false
	}
	mc, ok := ch.(channels.MediaChannel)
	return mc, ok
}

func (b *Bot) selectionChannel(name string) (channels.SelectionChannel, bool) {
	ch, ok := b.channelMgr.Channel(name)
	if !ok {
		return nil, false
	}
	sc, ok := ch.(channels.SelectionChannel)
	return sc, ok
}

func mediaMessageType(kind media.Kind) channels.MessageType {
	switch kind {
	case media.KindVideo:
		return channels.MessageVideo
	case media.KindAudio:
		return channels.MessageAudio
	default:
		return channels.MessageImage
	}
}

func voiceFilename(mimeType string) string {
	return "voice" + audioExt(mimeType)
}

func audioExt(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "ogg"), strings.Contains(mimeType, "opus"):
		return ".ogg"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return ".mp3"
	case strings.Contains(mimeType, "wav"):
		return ".wav"
	default:
		return ".oga"
	}
}

// unavailableWeather replaces the weather provider when no API key is set.
type unavailableWeather struct{}

func (unavailableWeather) Lookup(ctx context.Context, city string) (*weather.Observation, error) {
	return nil, fmt.Errorf("weather provider is not configured")
}
