// Package discord implements the Discord channel for botik using discordgo.
//
// Features:
//   - Send/receive text, images, audio, video and voice attachments
//   - Inline choices as message component buttons
//   - Typing indicators
//   - Guild and channel allowlists
//   - Automatic reconnection via discordgo's gateway
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/ivakhin/botik/pkg/botik/channels"
)

// Config holds Discord channel configuration.
type Config struct {
	// Enabled turns the channel on.
	Enabled bool `yaml:"enabled"`

	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild (server) IDs the bot responds in.
	// Empty means respond in all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	// Empty means respond in all channels.
	AllowedChannels []string `yaml:"allowed_channels"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{}
}

// Discord implements channels.Channel, channels.MediaChannel,
// channels.SelectionChannel, and channels.PresenceChannel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	// messages is the channel for incoming events forwarded to the bot.
	messages chan *channels.IncomingMessage

	// connected tracks connection state.
	connected atomic.Bool

	// lastMsg tracks the last message timestamp for health.
	lastMsg atomic.Value // time.Time

	// errorCount tracks consecutive errors.
	errorCount atomic.Int64

	// pending holds component interactions awaiting acknowledgement,
	// keyed by interaction ID.
	pending   map[string]*discordgo.Interaction
	pendingMu sync.Mutex

	// httpClient is used for downloading attachments.
	httpClient *http.Client

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:        cfg,
		logger:     logger.With("component", "discord"),
		messages:   make(chan *channels.IncomingMessage, 256),
		pending:    make(map[string]*discordgo.Interaction),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ---------- Channel Interface ----------

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)
	session.AddHandler(d.onInteractionCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)

	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Send sends a text message to the specified channel, rendering choices as
// component buttons.
func (d *Discord) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}

	content := message.Content

	// Discord has a 2000 character limit per message.
	chunks := splitMessage(content, 2000)
	for i, chunk := range chunks {
		msgSend := &discordgo.MessageSend{Content: chunk}
		if i == 0 && message.ReplyTo != "" {
			msgSend.Reference = &discordgo.MessageReference{MessageID: message.ReplyTo}
		}
		// Buttons go on the last chunk so they sit under the full text.
		if i == len(chunks)-1 {
			msgSend.Components = buildChoiceButtons(message.Choices)
		}
		if _, err := d.session.ChannelMessageSendComplex(to, msgSend); err != nil {
			return err
		}
	}
	return nil
}

// Receive returns the incoming events channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// ---------- MediaChannel Interface ----------

// SendMedia sends a file attachment to the specified channel.
func (d *Discord) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}

	filename := media.Filename

	var reader io.Reader
	switch {
	case len(media.Data) > 0:
		reader = bytes.NewReader(media.Data)
	case media.FilePath != "":
		f, err := os.Open(media.FilePath)
		if err != nil {
			return fmt.Errorf("discord: opening media file: %w", err)
		}
		defer f.Close()
		reader = f
		if filename == "" {
			filename = filepath.Base(media.FilePath)
		}
	default:
		return fmt.Errorf("discord: no media data or file path")
	}

	if filename == "" {
		filename = "file"
	}

	msgSend := &discordgo.MessageSend{
		Files: []*discordgo.File{
			{Name: filename, ContentType: media.MimeType, Reader: reader},
		},
	}
	if media.Caption != "" {
		msgSend.Content = media.Caption
	}

	_, err := d.session.ChannelMessageSendComplex(to, msgSend)
	return err
}

// DownloadMedia downloads an attachment from an incoming message.
func (d *Discord) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg.Media == nil || msg.Media.FileRef == "" {
		return nil, "", channels.ErrMediaDownloadFailed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, msg.Media.FileRef, nil)
	if err != nil {
		return nil, "", fmt.Errorf("discord: creating download request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("discord: download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("discord: download returned %d: %w", resp.StatusCode, channels.ErrMediaDownloadFailed)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("discord: reading attachment: %w", err)
	}

	return data, msg.Media.MimeType, nil
}

// ---------- SelectionChannel Interface ----------

// AcknowledgeSelection responds to a pending component interaction with a
// deferred update so Discord stops showing the loading state.
func (d *Discord) AcknowledgeSelection(ctx context.Context, selectionID string) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}

	d.pendingMu.Lock()
	interaction, ok := d.pending[selectionID]
	delete(d.pending, selectionID)
	d.pendingMu.Unlock()

	if !ok {
		return fmt.Errorf("discord: unknown selection %q", selectionID)
	}

	return d.session.InteractionRespond(interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
}

// DeleteMessage removes a previously sent message.
func (d *Discord) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}
	return d.session.ChannelMessageDelete(chatID, messageID)
}

// ---------- PresenceChannel Interface ----------

// SendTyping sends a typing indicator to the channel.
func (d *Discord) SendTyping(ctx context.Context, to string) error {
	if d.session == nil {
		return nil
	}
	return d.session.ChannelTyping(to)
}

// ---------- Event Handlers ----------

// onMessageCreate handles incoming Discord messages.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore messages from the bot itself and from other bots.
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	if !d.channelAllowed(m.GuildID, m.ChannelID) {
		return
	}

	isGroup := m.GuildID != ""

	incoming := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		IsGroup:   isGroup,
		Type:      channels.MessageText,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}

	if len(m.Attachments) > 0 {
		att := m.Attachments[0] // Use first attachment.
		mediaType := inferMediaType(att.ContentType, att.Filename)
		incoming.Type = mediaType
		incoming.Media = &channels.MediaInfo{
			Type:     mediaType,
			MimeType: att.ContentType,
			FileRef:  att.URL,
			FileSize: uint64(att.Size),
		}
	}

	d.deliver(incoming)
}

// onInteractionCreate converts component button presses into Selection events.
func (d *Discord) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	if i.Message == nil || !d.channelAllowed(i.GuildID, i.ChannelID) {
		return
	}

	user := i.User
	if user == nil && i.Member != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}

	d.pendingMu.Lock()
	d.pending[i.ID] = i.Interaction
	d.pendingMu.Unlock()

	incoming := &channels.IncomingMessage{
		ID:        i.ID,
		Channel:   "discord",
		From:      user.ID,
		FromName:  user.Username,
		ChatID:    i.ChannelID,
		IsGroup:   i.GuildID != "",
		Type:      channels.MessageText,
		Timestamp: time.Now(),
		Selection: &channels.Selection{
			ID:        i.ID,
			Data:      i.MessageComponentData().CustomID,
			MessageID: i.Message.ID,
		},
	}

	d.deliver(incoming)
}

// ---------- Helpers ----------

// channelAllowed applies the guild and channel allowlists.
func (d *Discord) channelAllowed(guildID, channelID string) bool {
	if len(d.cfg.AllowedGuilds) > 0 && guildID != "" {
		allowed := false
		for _, id := range d.cfg.AllowedGuilds {
			if id == guildID {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if len(d.cfg.AllowedChannels) > 0 {
		allowed := false
		for _, id := range d.cfg.AllowedChannels {
			if id == channelID {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}

func (d *Discord) deliver(incoming *channels.IncomingMessage) {
	d.lastMsg.Store(time.Now())
	d.errorCount.Store(0)

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping event", "msg_id", incoming.ID)
	}
}

// buildChoiceButtons renders choices as one row of component buttons.
func buildChoiceButtons(choices []channels.Choice) []discordgo.MessageComponent {
	if len(choices) == 0 {
		return nil
	}
	buttons := make([]discordgo.MessageComponent, 0, len(choices))
	for _, c := range choices {
		if c.Label == "" {
			continue
		}
		data := c.Data
		if data == "" {
			data = c.Label
		}
		buttons = append(buttons, discordgo.Button{
			Label:    c.Label,
			Style:    discordgo.PrimaryButton,
			CustomID: data,
		})
	}
	if len(buttons) == 0 {
		return nil
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: buttons},
	}
}

// inferMediaType maps MIME types to botik message types. Discord voice
// notes arrive as "voice-message.ogg" audio attachments.
func inferMediaType(contentType, filename string) channels.MessageType {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return channels.MessageImage
	case strings.HasPrefix(ct, "audio/"):
		if strings.HasPrefix(strings.ToLower(filename), "voice-message") {
			return channels.MessageVoice
		}
		return channels.MessageAudio
	case strings.HasPrefix(ct, "video/"):
		return channels.MessageVideo
	default:
		return channels.MessageText
	}
}

// splitMessage splits a message into chunks respecting the length limit.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		// Try to split at a newline.
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// Compile-time interface verification.
var (
	_ channels.Channel          = (*Discord)(nil)
	_ channels.MediaChannel     = (*Discord)(nil)
	_ channels.SelectionChannel = (*Discord)(nil)
	_ channels.PresenceChannel  = (*Discord)(nil)
)
