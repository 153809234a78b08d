package reminders

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) notify(channel, chatID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, channel+"/"+chatID+"/"+message)
	return nil
}

func startedScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(nil, (&recordingNotifier{}).notify, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestRegister_ValidExpressions(t *testing.T) {
	s := startedScheduler(t)

	for _, expr := range []string{"*/5 * * * *", "0 9 * * 1-5", "@daily", "@every 1h"} {
		id, err := s.Register("telegram", "42", expr, "стендап")
		if err != nil {
			t.Errorf("Register(%q) error: %v", expr, err)
			continue
		}
		if id == "" {
			t.Errorf("Register(%q) returned empty handle", expr)
		}
	}

	if got := len(s.List()); got != 4 {
		t.Errorf("List() length = %d, want 4", got)
	}
}

func TestRegister_InvalidExpressionRejected(t *testing.T) {
	s := startedScheduler(t)

	for _, expr := range []string{"каждый день", "* * *", "99 * * * *", ""} {
		id, err := s.Register("telegram", "42", expr, "msg")
		if err == nil {
			t.Errorf("Register(%q) succeeded, want error", expr)
			continue
		}
		if !errors.Is(err, ErrInvalidExpression) {
			t.Errorf("Register(%q) error = %v, want ErrInvalidExpression", expr, err)
		}
		if id != "" {
			t.Errorf("Register(%q) returned handle %q on failure", expr, id)
		}
	}

	if got := len(s.List()); got != 0 {
		t.Errorf("invalid registrations were stored: %d", got)
	}
}

func TestRegister_NoDeduplication(t *testing.T) {
	s := startedScheduler(t)

	a, err := s.Register("telegram", "7", "@hourly", "one")
	if err != nil {
		t.Fatalf("first Register: %v", err)
	}
	b, err := s.Register("telegram", "7", "@hourly", "one")
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if a == b {
		t.Error("duplicate registrations share a handle")
	}
	if got := len(s.List()); got != 2 {
		t.Errorf("List() length = %d, want 2", got)
	}
}

func TestRemove(t *testing.T) {
	s := startedScheduler(t)

	id, err := s.Register("telegram", "1", "@daily", "msg")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(id); err == nil {
		t.Error("second Remove succeeded, want error")
	}
	if got := len(s.List()); got != 0 {
		t.Errorf("List() length = %d, want 0", got)
	}
}

func TestFire_DeliversToNotifier(t *testing.T) {
	n := &recordingNotifier{}
	s := New(nil, n.notify, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	id, err := s.Register("telegram", "42", "@daily", "выпить воды")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.fire(id)

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.calls) != 1 || n.calls[0] != "telegram/42/выпить воды" {
		t.Errorf("notifier calls = %v", n.calls)
	}

	list := s.List()
	if len(list) != 1 || list[0].FireCount != 1 || list[0].LastFiredAt == nil {
		t.Errorf("fire bookkeeping not updated: %+v", list[0])
	}
}

func TestSQLiteStorage_RoundTrip(t *testing.T) {
	path := t.TempDir() + "/reminders.db"

	storage, err := OpenSQLiteStorage(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStorage: %v", err)
	}

	r := &Reminder{
		ID:         "handle-1",
		Channel:    "telegram",
		ChatID:     "42",
		Expression: "@daily",
		Message:    "проверить почту",
	}
	if err := storage.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	storage.Close()

	reopened, err := OpenSQLiteStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("LoadAll length = %d, want 1", len(loaded))
	}
	got := loaded[0]
	if got.ID != r.ID || got.ChatID != r.ChatID || got.Expression != r.Expression || got.Message != r.Message {
		t.Errorf("loaded = %+v, want %+v", got, r)
	}

	if err := reopened.Delete("handle-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	loaded, err = reopened.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll after delete: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("LoadAll after delete length = %d, want 0", len(loaded))
	}
}
