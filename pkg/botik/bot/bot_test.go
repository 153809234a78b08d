package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ivakhin/botik/pkg/botik/channels"
	"github.com/ivakhin/botik/pkg/botik/config"
	"github.com/ivakhin/botik/pkg/botik/conversation"
	"github.com/ivakhin/botik/pkg/botik/media"
)

// fakeChannel is an in-memory transport for exercising the event loop.
type fakeChannel struct {
	incoming chan *channels.IncomingMessage

	mu      sync.Mutex
	sent    []*channels.OutgoingMessage
	media   []*channels.MediaMessage
	acked   []string
	deleted []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{incoming: make(chan *channels.IncomingMessage, 16)}
}

func (f *fakeChannel) Name() string                      { return "fake" }
func (f *fakeChannel) Connect(ctx context.Context) error { return nil }
func (f *fakeChannel) Disconnect() error                 { return nil }
func (f *fakeChannel) IsConnected() bool                 { return true }
func (f *fakeChannel) Health() channels.HealthStatus     { return channels.HealthStatus{Connected: true} }

func (f *fakeChannel) Receive() <-chan *channels.IncomingMessage { return f.incoming }

func (f *fakeChannel) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) SendMedia(ctx context.Context, to string, m *channels.MediaMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// The pipeline deletes the temp file right after delivery; verify it
	// exists while we hold it.
	if m.FilePath != "" {
		if _, err := os.Stat(m.FilePath); err != nil {
			return err
		}
	}
	f.media = append(f.media, m)
	return nil
}

func (f *fakeChannel) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	return []byte("audio"), "audio/ogg", nil
}

func (f *fakeChannel) AcknowledgeSelection(ctx context.Context, selectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, selectionID)
	return nil
}

func (f *fakeChannel) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeChannel) lastSent() *channels.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChannel) mediaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.media)
}

// fakeSpeech returns canned audio, or fails.
type fakeSpeech struct {
	data []byte
	mime string
	err  error
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data, f.mime, nil
}

// fakeResolver returns a fixed resolution.
type fakeResolver struct {
	res *media.Resolution
}

func (f *fakeResolver) Resolve(ctx context.Context, link string) (*media.Resolution, error) {
	return f.res, nil
}

func startTestBot(t *testing.T, cfg *config.Config) (*Bot, *fakeChannel) {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	b, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fc := newFakeChannel()
	if err := b.ChannelManager().Register(fc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)
	return b, fc
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// aiBackend serves the transcription and chat completion endpoints with
// canned payloads.
func aiBackend(transcript, completion string, failTranscribe bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			if failTranscribe {
				http.Error(w, `{"error":{"message":"quota exceeded"}}`, http.StatusTooManyRequests)
				return
			}
			_, _ = fmt.Fprintf(w, `{"text":%q}`, transcript)
			return
		}
		_, _ = fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, completion)
	}
}

func aiConfig(baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.API.APIKey = "test-key"
	cfg.API.BaseURL = baseURL
	cfg.TTS.Provider = "off"
	return cfg
}

func incomingText(text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:      "1",
		Channel: "fake",
		ChatID:  "42",
		Type:    channels.MessageText,
		Content: text,
	}
}

func TestTextCommandRoundTrip(t *testing.T) {
	_, fc := startTestBot(t, nil)

	fc.incoming <- incomingText("добавь задачу buy milk")
	waitFor(t, func() bool { return fc.sentCount() == 1 })
	if got := fc.lastSent().Content; got != ReplyTaskAdded {
		t.Errorf("reply = %q, want %q", got, ReplyTaskAdded)
	}

	fc.incoming <- incomingText("мои задачи")
	waitFor(t, func() bool { return fc.sentCount() == 2 })
	if got := fc.lastSent().Content; got != "buy milk" {
		t.Errorf("reply = %q, want %q", got, "buy milk")
	}
}

func TestAIFallbackRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"здравствуй"}}]}`))
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.API.APIKey = "test-key"
	cfg.API.BaseURL = srv.URL
	cfg.TTS.Provider = "off"
	_, fc := startTestBot(t, cfg)

	fc.incoming <- incomingText("привет")
	waitFor(t, func() bool { return fc.sentCount() == 1 })
	if got := fc.lastSent().Content; got != "здравствуй" {
		t.Errorf("reply = %q", got)
	}
}

func TestMediaLinkSelectionFlow(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("video-bytes"))
	}))
	defer source.Close()

	tempDir := filepath.Join(t.TempDir(), "botik-media")
	b, fc := startTestBot(t, nil)
	b.resolver = &fakeResolver{res: &media.Resolution{VideoURL: source.URL + "/v.mp4"}}
	b.pipeline = media.NewPipeline(tempDir, nil)

	// Step 1: the link produces the choice prompt.
	fc.incoming <- incomingText("глянь https://www.tiktok.com/@user/video/1")
	waitFor(t, func() bool { return fc.sentCount() == 1 })
	prompt := fc.lastSent()
	if prompt.Content != ReplyMediaChoice || len(prompt.Choices) != 2 {
		t.Fatalf("prompt = %+v", prompt)
	}

	// Step 2: picking "video" delivers the file and cleans up.
	fc.incoming <- &channels.IncomingMessage{
		ID:      "cb-1",
		Channel: "fake",
		ChatID:  "42",
		Selection: &channels.Selection{
			ID:        "cb-1",
			Data:      "video",
			MessageID: "55",
		},
	}
	waitFor(t, func() bool { return fc.mediaCount() == 1 })

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.acked) != 1 || fc.acked[0] != "cb-1" {
		t.Errorf("acked = %v", fc.acked)
	}
	if len(fc.deleted) != 1 || fc.deleted[0] != "55" {
		t.Errorf("deleted = %v", fc.deleted)
	}
	if fc.media[0].Type != channels.MessageVideo {
		t.Errorf("media type = %q", fc.media[0].Type)
	}

	// The temp dir must be empty once delivery finished.
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir still has %d files", len(entries))
	}
}

func TestSelectionWithoutPendingLink(t *testing.T) {
	b, fc := startTestBot(t, nil)
	b.resolver = &fakeResolver{res: &media.Resolution{}}
	b.pipeline = media.NewPipeline(t.TempDir(), nil)

	fc.incoming <- &channels.IncomingMessage{
		ID:        "cb-2",
		Channel:   "fake",
		ChatID:    "42",
		Selection: &channels.Selection{ID: "cb-2", Data: "video", MessageID: "56"},
	}
	waitFor(t, func() bool { return fc.sentCount() == 1 })
	if got := fc.lastSent().Content; got != ReplyMediaExpired {
		t.Errorf("reply = %q, want %q", got, ReplyMediaExpired)
	}
}

func incomingVoice() *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:      "v-1",
		Channel: "fake",
		ChatID:  "42",
		Type:    channels.MessageVoice,
	}
}

func TestVoiceCommandRoundTrip(t *testing.T) {
	srv := httptest.NewServer(aiBackend("добавь задачу кофе", "", false))
	defer srv.Close()

	_, fc := startTestBot(t, aiConfig(srv.URL))

	fc.incoming <- incomingVoice()
	waitFor(t, func() bool { return fc.sentCount() == 1 })
	if got := fc.lastSent().Content; got != ReplyTaskAdded {
		t.Errorf("reply = %q, want %q", got, ReplyTaskAdded)
	}
	if fc.mediaCount() != 0 {
		t.Errorf("sent %d media messages, want 0 with TTS off", fc.mediaCount())
	}
}

func TestVoiceReplySynthesized(t *testing.T) {
	srv := httptest.NewServer(aiBackend("привет", "здравствуй", false))
	defer srv.Close()

	b, fc := startTestBot(t, aiConfig(srv.URL))
	b.speech = &fakeSpeech{data: []byte("opus-bytes"), mime: "audio/ogg"}

	fc.incoming <- incomingVoice()
	waitFor(t, func() bool { return fc.mediaCount() == 1 })

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.media[0].Type != channels.MessageVoice {
		t.Errorf("media type = %q, want %q", fc.media[0].Type, channels.MessageVoice)
	}
	if string(fc.media[0].Data) != "opus-bytes" {
		t.Errorf("media data = %q", fc.media[0].Data)
	}
	if len(fc.sent) != 0 {
		t.Errorf("sent %d text replies, want 0 when the answer went as voice", len(fc.sent))
	}
}

func TestVoiceSynthesisFailureFallsBackToText(t *testing.T) {
	srv := httptest.NewServer(aiBackend("привет", "здравствуй", false))
	defer srv.Close()

	b, fc := startTestBot(t, aiConfig(srv.URL))
	b.speech = &fakeSpeech{err: errors.New("edge unavailable")}

	fc.incoming <- incomingVoice()
	waitFor(t, func() bool { return fc.sentCount() == 1 })
	if got := fc.lastSent().Content; got != "здравствуй" {
		t.Errorf("reply = %q, want the routed text answer", got)
	}
	if fc.mediaCount() != 0 {
		t.Errorf("sent %d media messages, want 0 after synthesis failure", fc.mediaCount())
	}
}

func TestVoiceTranscriptionFailureReply(t *testing.T) {
	srv := httptest.NewServer(aiBackend("", "", true))
	defer srv.Close()

	_, fc := startTestBot(t, aiConfig(srv.URL))

	fc.incoming <- incomingVoice()
	waitFor(t, func() bool { return fc.sentCount() == 1 })
	if got := fc.lastSent().Content; got != ReplyTranscribeError {
		t.Errorf("reply = %q, want %q", got, ReplyTranscribeError)
	}
}

func TestImageDescriptionKeptInContext(t *testing.T) {
	srv := httptest.NewServer(aiBackend("", "кот на диване", false))
	defer srv.Close()

	b, fc := startTestBot(t, aiConfig(srv.URL))

	fc.incoming <- &channels.IncomingMessage{
		ID:      "p-1",
		Channel: "fake",
		ChatID:  "42",
		Type:    channels.MessageImage,
		Content: "что на фото?",
	}
	waitFor(t, func() bool { return fc.sentCount() == 1 })
	if got := fc.lastSent().Content; got != "кот на диване" {
		t.Errorf("reply = %q", got)
	}

	history := b.conversations.History("fake:42")
	if len(history) != 3 {
		t.Fatalf("history has %d entries, want system + photo exchange", len(history))
	}
	if history[1].Role != conversation.RoleUser || history[1].Content != "[фото] что на фото?" {
		t.Errorf("user entry = %+v", history[1])
	}
	if history[2].Role != conversation.RoleAssistant || history[2].Content != "кот на диване" {
		t.Errorf("assistant entry = %+v", history[2])
	}
}

func TestUnknownSlashProducesNoReply(t *testing.T) {
	_, fc := startTestBot(t, nil)

	fc.incoming <- incomingText("/start")
	fc.incoming <- incomingText("мои задачи")
	waitFor(t, func() bool { return fc.sentCount() == 1 })
	if got := fc.lastSent().Content; got != ReplyNoTasks {
		t.Errorf("reply = %q", got)
	}
	if fc.sentCount() != 1 {
		t.Errorf("sent %d replies, want 1 (slash command must be silent)", fc.sentCount())
	}
}
