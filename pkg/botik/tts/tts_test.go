package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIProviderSynthesize(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth = %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_, _ = w.Write([]byte("opus-bytes"))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", srv.URL, "")
	audio, mime, err := p.Synthesize(context.Background(), "привет", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "opus-bytes" || mime != "audio/ogg" {
		t.Errorf("got %q / %q", audio, mime)
	}
	if gotPayload["voice"] != "nova" {
		t.Errorf("default voice = %v", gotPayload["voice"])
	}
	if gotPayload["response_format"] != "opus" {
		t.Errorf("format = %v", gotPayload["response_format"])
	}
}

func TestOpenAIProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("k", srv.URL, "")
	if _, _, err := p.Synthesize(context.Background(), "hi", "nova"); err == nil {
		t.Fatal("want error on 429")
	}
}

func TestStripEdgeHeaders(t *testing.T) {
	framed := append([]byte{0x00, 0x10, 0xAA, 0xBB}, 0xFF, 0xFB, 0x90, 0x00)
	got := stripEdgeHeaders(framed)
	if len(got) != 4 || got[0] != 0xFF || got[1] != 0xFB {
		t.Errorf("sync word not found: % X", got)
	}

	clean := []byte{0xFF, 0xFB, 0x90, 0x00}
	if got := stripEdgeHeaders(clean); len(got) != 4 {
		t.Errorf("clean MP3 truncated: % X", got)
	}
}

func TestEscapeXML(t *testing.T) {
	got := escapeXML(`a<b & "c"`)
	want := "a&lt;b &amp; &quot;c&quot;"
	if got != want {
		t.Errorf("escapeXML = %q, want %q", got, want)
	}
}

type stubProvider struct {
	audio []byte
	mime  string
	err   error
	voice string
}

func (s *stubProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	s.voice = voice
	return s.audio, s.mime, s.err
}

func TestFallbackProviderUsesSecondaryOnFailure(t *testing.T) {
	primary := &stubProvider{err: errors.New("down")}
	secondary := &stubProvider{audio: []byte("mp3"), mime: "audio/mpeg"}
	p := NewFallbackProvider(primary, secondary, "nova", "ru-RU-SvetlanaNeural", nil)

	audio, mime, err := p.Synthesize(context.Background(), "привет", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "mp3" || mime != "audio/mpeg" {
		t.Errorf("got %q / %q", audio, mime)
	}
	if primary.voice != "nova" {
		t.Errorf("primary voice = %q", primary.voice)
	}
	if secondary.voice != "ru-RU-SvetlanaNeural" {
		t.Errorf("secondary voice = %q", secondary.voice)
	}
}

func TestFallbackProviderPrefersPrimary(t *testing.T) {
	primary := &stubProvider{audio: []byte("opus"), mime: "audio/ogg"}
	secondary := &stubProvider{audio: []byte("mp3"), mime: "audio/mpeg"}
	p := NewFallbackProvider(primary, secondary, "", "", nil)

	audio, _, err := p.Synthesize(context.Background(), "привет", "alloy")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "opus" {
		t.Error("primary result not used")
	}
	if secondary.voice != "" {
		t.Error("secondary should not have been called")
	}
}
