package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ivakhin/botik/pkg/botik/channels"
)

func TestProcessUpdateTextMessage(t *testing.T) {
	tg := New(DefaultConfig(), nil)

	tg.processUpdate(tgUpdate{
		UpdateID: 1,
		Message: &tgMessage{
			MessageID: 42,
			From:      &tgUser{ID: 7, FirstName: "Ivan"},
			Chat:      tgChat{ID: 100, Type: "private"},
			Date:      1700000000,
			Text:      "привет",
		},
	})

	select {
	case msg := <-tg.Receive():
		if msg.Type != channels.MessageText {
			t.Errorf("Type = %q, want text", msg.Type)
		}
		if msg.Content != "привет" {
			t.Errorf("Content = %q", msg.Content)
		}
		if msg.ChatID != "100" || msg.From != "7" || msg.FromName != "Ivan" {
			t.Errorf("identity fields = %q/%q/%q", msg.ChatID, msg.From, msg.FromName)
		}
		if msg.IsGroup {
			t.Error("private chat marked as group")
		}
	default:
		t.Fatal("no message delivered")
	}
}

func TestProcessUpdateVoiceMessage(t *testing.T) {
	tg := New(DefaultConfig(), nil)

	tg.processUpdate(tgUpdate{
		Message: &tgMessage{
			MessageID: 43,
			Chat:      tgChat{ID: 100, Type: "private"},
			Voice:     &tgVoice{FileID: "voice-file-id", MimeType: "audio/ogg", Duration: 3},
		},
	})

	msg := <-tg.Receive()
	if msg.Type != channels.MessageVoice {
		t.Fatalf("Type = %q, want voice", msg.Type)
	}
	if msg.Media == nil || msg.Media.FileRef != "voice-file-id" {
		t.Fatalf("Media = %+v, want FileRef voice-file-id", msg.Media)
	}
}

func TestProcessUpdateCallbackQuery(t *testing.T) {
	tg := New(DefaultConfig(), nil)

	tg.processUpdate(tgUpdate{
		CallbackQuery: &tgCallbackQuery{
			ID:   "cb-1",
			From: tgUser{ID: 7, Username: "ivan"},
			Message: &tgMessage{
				MessageID: 55,
				Chat:      tgChat{ID: 100, Type: "private"},
			},
			Data: "video",
		},
	})

	msg := <-tg.Receive()
	if msg.Selection == nil {
		t.Fatal("Selection is nil")
	}
	if msg.Selection.ID != "cb-1" || msg.Selection.Data != "video" || msg.Selection.MessageID != "55" {
		t.Errorf("Selection = %+v", msg.Selection)
	}
}

func TestChatAllowedFilters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedChats = []int64{100}
	cfg.RespondToGroups = false
	tg := New(cfg, nil)

	tests := []struct {
		name string
		chat tgChat
		want bool
	}{
		{"allowed private", tgChat{ID: 100, Type: "private"}, true},
		{"unlisted chat", tgChat{ID: 200, Type: "private"}, false},
		{"group disabled", tgChat{ID: 100, Type: "supergroup"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tg.chatAllowed(tt.chat); got != tt.want {
				t.Errorf("chatAllowed(%+v) = %v, want %v", tt.chat, got, tt.want)
			}
		})
	}
}

func TestBuildChoiceKeyboard(t *testing.T) {
	markup := buildChoiceKeyboard([]channels.Choice{
		{Label: "🎬 Видео", Data: "video"},
		{Label: "🎵 Аудио", Data: "audio"},
	})
	if markup == nil {
		t.Fatal("markup is nil")
	}
	rows, ok := markup["inline_keyboard"].([][]map[string]any)
	if !ok || len(rows) != 2 {
		t.Fatalf("inline_keyboard = %#v, want 2 rows", markup["inline_keyboard"])
	}
	if rows[0][0]["text"] != "🎬 Видео" || rows[0][0]["callback_data"] != "video" {
		t.Errorf("first row = %#v", rows[0][0])
	}

	if buildChoiceKeyboard(nil) != nil {
		t.Error("empty choices should produce nil markup")
	}
}

func TestSendAttachesChoices(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bottest-token/sendMessage" {
			_ = json.NewDecoder(r.Body).Decode(&got)
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Token = "test-token"
	cfg.APIBaseURL = srv.URL
	tg := New(cfg, nil)
	tg.connected.Store(true)

	err := tg.Send(context.Background(), "100", &channels.OutgoingMessage{
		Content: "Что скачать?",
		Choices: []channels.Choice{{Label: "Видео", Data: "video"}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["text"] != "Что скачать?" {
		t.Errorf("text = %v", got["text"])
	}
	if got["reply_markup"] == nil {
		t.Error("reply_markup missing with Choices set")
	}
}

func TestSendHonorsCallerContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Token = "test-token"
	cfg.APIBaseURL = srv.URL
	tg := New(cfg, nil)
	tg.connected.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tg.Send(ctx, "100", &channels.OutgoingMessage{Content: "привет"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
