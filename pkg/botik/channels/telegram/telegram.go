// Package telegram implements the Telegram channel for botik using the
// Telegram Bot API directly via HTTP.
//
// Features:
//   - Long polling for updates (getUpdates), including callback queries
//   - Send/receive text, photos, audio, video and voice notes
//   - Inline choice buttons (sendMessage with inline_keyboard)
//   - Typing indicators (sendChatAction)
//   - Media download via getFile
//   - Group and DM support
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ivakhin/botik/pkg/botik/channels"
)

// Config holds Telegram channel configuration.
type Config struct {
	// Enabled turns the channel on.
	Enabled bool `yaml:"enabled"`

	// Token is the Telegram Bot API token (from @BotFather).
	Token string `yaml:"token"`

	// AllowedChats restricts which chat IDs the bot responds to.
	// Empty means respond to all chats.
	AllowedChats []int64 `yaml:"allowed_chats"`

	// RespondToGroups enables responding in group chats.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// RespondToDMs enables responding in direct messages.
	RespondToDMs bool `yaml:"respond_to_dms"`

	// ParseMode sets the parse mode for outgoing messages ("HTML" or
	// "Markdown"). Empty sends plain text.
	ParseMode string `yaml:"parse_mode"`

	// APIBaseURL overrides the Bot API endpoint (tests only).
	APIBaseURL string `yaml:"api_base_url"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RespondToGroups: true,
		RespondToDMs:    true,
	}
}

// Telegram implements channels.Channel, channels.MediaChannel,
// channels.SelectionChannel, and channels.PresenceChannel.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	// baseURL is the Bot API base URL (https://api.telegram.org/bot<token>).
	baseURL string

	// fileURL is the file download base URL.
	fileURL string

	// messages is the channel for incoming events forwarded to the bot.
	messages chan *channels.IncomingMessage

	// connected tracks connection state.
	connected atomic.Bool

	// lastMsg tracks the last message timestamp for health.
	lastMsg atomic.Value // time.Time

	// errorCount tracks consecutive errors.
	errorCount atomic.Int64

	// offset is the last processed update ID + 1.
	offset int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Telegram channel instance.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	apiBase := cfg.APIBaseURL
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{Timeout: 60 * time.Second},
		baseURL:  apiBase + "/bot" + cfg.Token,
		fileURL:  apiBase + "/file/bot" + cfg.Token,
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// ---------- Channel Interface ----------

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect verifies the token and starts the long-polling loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}

	// Prevent double-connect goroutine leak.
	if t.connected.Load() {
		return nil
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	me, err := t.getMe(t.ctx)
	if err != nil {
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}
	t.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID)
	t.connected.Store(true)

	go t.pollLoop()

	return nil
}

// Disconnect stops the polling loop.
func (t *Telegram) Disconnect() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.connected.Store(false)
	t.logger.Info("telegram: disconnected")
	return nil
}

// Send sends a text message to the specified chat, attaching inline choice
// buttons when the message carries Choices.
func (t *Telegram) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}

	payload := map[string]any{
		"chat_id": chatID,
		"text":    message.Content,
	}
	if t.cfg.ParseMode != "" {
		payload["parse_mode"] = t.cfg.ParseMode
	}
	if message.ReplyTo != "" {
		if msgID, e := strconv.ParseInt(message.ReplyTo, 10, 64); e == nil {
			payload["reply_parameters"] = map[string]any{"message_id": msgID}
		}
	}
	if markup := buildChoiceKeyboard(message.Choices); markup != nil {
		payload["reply_markup"] = markup
	}

	_, err = t.apiCall(ctx, "sendMessage", payload)
	return err
}

// Receive returns the incoming events channel.
func (t *Telegram) Receive() <-chan *channels.IncomingMessage {
	return t.messages
}

// IsConnected returns true if the bot is connected.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Telegram) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errorCount.Load()),
	}
}

// ---------- MediaChannel Interface ----------

// SendMedia uploads a media file to the specified chat.
func (t *Telegram) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}

	var method, fieldName string
	switch media.Type {
	case channels.MessageImage:
		method, fieldName = "sendPhoto", "photo"
	case channels.MessageAudio:
		method, fieldName = "sendAudio", "audio"
	case channels.MessageVideo:
		method, fieldName = "sendVideo", "video"
	case channels.MessageVoice:
		method, fieldName = "sendVoice", "voice"
	default:
		method, fieldName = "sendDocument", "document"
	}

	return t.uploadFile(ctx, method, chatID, fieldName, media)
}

// DownloadMedia downloads media from an incoming message using getFile.
func (t *Telegram) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg.Media == nil || msg.Media.FileRef == "" {
		return nil, "", channels.ErrMediaDownloadFailed
	}

	fileInfo, err := t.getFile(ctx, msg.Media.FileRef)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: getFile failed: %w", err)
	}

	downloadURL := t.fileURL + "/" + fileInfo.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: creating download request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("telegram: download returned %d: %w", resp.StatusCode, channels.ErrMediaDownloadFailed)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: reading media: %w", err)
	}

	return data, msg.Media.MimeType, nil
}

// ---------- SelectionChannel Interface ----------

// AcknowledgeSelection answers a callback query so the client stops showing
// the loading spinner.
func (t *Telegram) AcknowledgeSelection(ctx context.Context, selectionID string) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	_, err := t.apiCall(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": selectionID,
	})
	return err
}

// DeleteMessage removes a previously sent message.
func (t *Telegram) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", chatID, err)
	}
	mid, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid message ID %q: %w", messageID, err)
	}
	_, err = t.apiCall(ctx, "deleteMessage", map[string]any{
		"chat_id":    cid,
		"message_id": mid,
	})
	return err
}

// ---------- PresenceChannel Interface ----------

// SendTyping sends a "typing..." chat action.
func (t *Telegram) SendTyping(ctx context.Context, to string) error {
	if !t.connected.Load() {
		return nil
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return nil // ignore invalid chat IDs
	}
	_, err = t.apiCall(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	})
	return err
}

// ---------- Internal Methods ----------

// buildChoiceKeyboard builds an inline_keyboard markup, one choice per row.
func buildChoiceKeyboard(choices []channels.Choice) map[string]any {
	if len(choices) == 0 {
		return nil
	}
	rows := make([][]map[string]any, 0, len(choices))
	for _, c := range choices {
		if c.Label == "" {
			continue
		}
		data := c.Data
		if data == "" {
			data = c.Label
		}
		// callback_data is limited to 64 bytes.
		if len(data) > 64 {
			data = data[:64]
		}
		rows = append(rows, []map[string]any{{
			"text":          c.Label,
			"callback_data": data,
		}})
	}
	if len(rows) == 0 {
		return nil
	}
	return map[string]any{"inline_keyboard": rows}
}

// pollLoop runs the getUpdates long-polling loop.
func (t *Telegram) pollLoop() {
	t.logger.Info("telegram: polling started")
	backoff := time.Second

	for {
		select {
		case <-t.ctx.Done():
			t.logger.Info("telegram: polling stopped")
			return
		default:
		}

		updates, err := t.getUpdates(t.ctx, t.offset, 100, 30)
		if err != nil {
			t.errorCount.Add(1)
			t.logger.Warn("telegram: getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.processUpdate(u)
		}
	}
}

// processUpdate converts a Telegram update into an IncomingMessage.
func (t *Telegram) processUpdate(u tgUpdate) {
	if u.CallbackQuery != nil {
		t.processCallbackQuery(u.CallbackQuery)
		return
	}

	msg := u.Message
	if msg == nil {
		if u.EditedMessage != nil {
			msg = u.EditedMessage // treat edits as new messages
		} else {
			return
		}
	}

	if !t.chatAllowed(msg.Chat) {
		return
	}

	chatIDStr := strconv.FormatInt(msg.Chat.ID, 10)
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"

	incoming := &channels.IncomingMessage{
		ID:        strconv.Itoa(msg.MessageID),
		Channel:   "telegram",
		From:      userID(msg.From),
		FromName:  userName(msg.From),
		ChatID:    chatIDStr,
		IsGroup:   isGroup,
		Type:      channels.MessageText,
		Content:   msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}

	// Media messages carry a caption instead of text.
	if msg.Caption != "" && incoming.Content == "" {
		incoming.Content = msg.Caption
	}

	switch {
	case len(msg.Photo) > 0:
		// Use the largest photo (last in array).
		photo := msg.Photo[len(msg.Photo)-1]
		incoming.Type = channels.MessageImage
		incoming.Media = &channels.MediaInfo{
			Type:     channels.MessageImage,
			MimeType: "image/jpeg",
			FileRef:  photo.FileID,
			FileSize: uint64(photo.FileSize),
		}
	case msg.Voice != nil:
		incoming.Type = channels.MessageVoice
		incoming.Media = &channels.MediaInfo{
			Type:     channels.MessageVoice,
			MimeType: msg.Voice.MimeType,
			FileRef:  msg.Voice.FileID,
			FileSize: uint64(msg.Voice.FileSize),
			Duration: uint32(msg.Voice.Duration),
		}
	case msg.Audio != nil:
		incoming.Type = channels.MessageAudio
		incoming.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			MimeType: msg.Audio.MimeType,
			FileRef:  msg.Audio.FileID,
			FileSize: uint64(msg.Audio.FileSize),
			Duration: uint32(msg.Audio.Duration),
		}
	case msg.Video != nil:
		incoming.Type = channels.MessageVideo
		incoming.Media = &channels.MediaInfo{
			Type:     channels.MessageVideo,
			MimeType: msg.Video.MimeType,
			FileRef:  msg.Video.FileID,
			FileSize: uint64(msg.Video.FileSize),
			Duration: uint32(msg.Video.Duration),
		}
	}

	t.deliver(incoming)
}

// processCallbackQuery converts a callback query into a Selection event.
func (t *Telegram) processCallbackQuery(q *tgCallbackQuery) {
	if q.Message == nil || !t.chatAllowed(q.Message.Chat) {
		return
	}

	incoming := &channels.IncomingMessage{
		ID:        q.ID,
		Channel:   "telegram",
		From:      userID(&q.From),
		FromName:  userName(&q.From),
		ChatID:    strconv.FormatInt(q.Message.Chat.ID, 10),
		IsGroup:   q.Message.Chat.Type == "group" || q.Message.Chat.Type == "supergroup",
		Type:      channels.MessageText,
		Timestamp: time.Now(),
		Selection: &channels.Selection{
			ID:        q.ID,
			Data:      q.Data,
			MessageID: strconv.Itoa(q.Message.MessageID),
		},
	}

	t.deliver(incoming)
}

// chatAllowed applies the AllowedChats and group/DM filters.
func (t *Telegram) chatAllowed(chat tgChat) bool {
	if len(t.cfg.AllowedChats) > 0 {
		allowed := false
		for _, id := range t.cfg.AllowedChats {
			if id == chat.ID {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	isGroup := chat.Type == "group" || chat.Type == "supergroup"
	if isGroup && !t.cfg.RespondToGroups {
		return false
	}
	if !isGroup && !t.cfg.RespondToDMs {
		return false
	}
	return true
}

func (t *Telegram) deliver(incoming *channels.IncomingMessage) {
	t.lastMsg.Store(time.Now())
	select {
	case t.messages <- incoming:
	default:
		t.logger.Warn("telegram: message buffer full, dropping event", "msg_id", incoming.ID)
	}
}

func userID(u *tgUser) string {
	if u == nil {
		return ""
	}
	return strconv.FormatInt(u.ID, 10)
}

func userName(u *tgUser) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

// ---------- Telegram Bot API Types ----------

type tgUpdate struct {
	UpdateID      int64            `json:"update_id"`
	Message       *tgMessage       `json:"message"`
	EditedMessage *tgMessage       `json:"edited_message"`
	CallbackQuery *tgCallbackQuery `json:"callback_query"`
}

type tgCallbackQuery struct {
	ID      string     `json:"id"`
	From    tgUser     `json:"from"`
	Message *tgMessage `json:"message"`
	Data    string     `json:"data"`
}

type tgMessage struct {
	MessageID int       `json:"message_id"`
	From      *tgUser   `json:"from"`
	Chat      tgChat    `json:"chat"`
	Date      int       `json:"date"`
	Text      string    `json:"text"`
	Caption   string    `json:"caption"`
	Photo     []tgPhoto `json:"photo"`
	Audio     *tgAudio  `json:"audio"`
	Voice     *tgVoice  `json:"voice"`
	Video     *tgVideo  `json:"video"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	IsBot     bool   `json:"is_bot"`
}

type tgChat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"` // "private", "group", "supergroup", "channel"
	Title string `json:"title"`
}

type tgPhoto struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int    `json:"file_size"`
}

type tgAudio struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type"`
	FileSize int    `json:"file_size"`
}

type tgVoice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type"`
	FileSize int    `json:"file_size"`
}

type tgVideo struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type"`
	FileSize int    `json:"file_size"`
}

type tgFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileSize int    `json:"file_size"`
}

type tgBotUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// ---------- API Helpers ----------

// apiCall makes a POST request to the Telegram Bot API.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	url := t.baseURL + "/" + method
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

// getMe verifies the bot token and returns bot info.
func (t *Telegram) getMe(ctx context.Context) (*tgBotUser, error) {
	data, err := t.apiCall(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user tgBotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

// getUpdates fetches new updates using long polling.
func (t *Telegram) getUpdates(ctx context.Context, offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	payload := map[string]any{
		"offset":  offset,
		"limit":   limit,
		"timeout": timeoutSecs,
		"allowed_updates": []string{
			"message", "edited_message", "callback_query",
		},
	}
	data, err := t.apiCall(ctx, "getUpdates", payload)
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

// getFile retrieves file info for downloading.
func (t *Telegram) getFile(ctx context.Context, fileID string) (*tgFile, error) {
	data, err := t.apiCall(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var file tgFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("telegram: parsing getFile: %w", err)
	}
	return &file, nil
}

// uploadFile uploads media to Telegram using multipart form data. The media
// payload is either in-memory bytes or a local file path.
func (t *Telegram) uploadFile(ctx context.Context, method string, chatID int64, fieldName string, media *channels.MediaMessage) error {
	data := media.Data
	filename := media.Filename

	if len(data) == 0 && media.FilePath != "" {
		fileData, err := os.ReadFile(media.FilePath)
		if err != nil {
			return fmt.Errorf("telegram: reading media file: %w", err)
		}
		data = fileData
		if filename == "" {
			filename = filepath.Base(media.FilePath)
		}
	}
	if len(data) == 0 {
		return fmt.Errorf("telegram: media data or file path is required for upload")
	}
	if filename == "" {
		filename = "file"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	_ = w.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	if media.Caption != "" {
		_ = w.WriteField("caption", media.Caption)
	}

	part, err := w.CreateFormFile(fieldName, filename)
	if err != nil {
		return fmt.Errorf("telegram: creating form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("telegram: writing file data: %w", err)
	}
	w.Close()

	url := t.baseURL + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("telegram: creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: upload failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("telegram: decoding %s upload response: %w", method, err)
	}
	if !result.OK {
		return fmt.Errorf("telegram: %s upload: %s", method, result.Description)
	}
	return nil
}

// Compile-time interface verification.
var (
	_ channels.Channel          = (*Telegram)(nil)
	_ channels.MediaChannel     = (*Telegram)(nil)
	_ channels.SelectionChannel = (*Telegram)(nil)
	_ channels.PresenceChannel  = (*Telegram)(nil)
)
