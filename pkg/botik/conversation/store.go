// Package conversation owns the per-chat bounded message history used for
// AI chat continuity. Histories live only for the lifetime of the process:
// they are created lazily on first contact, trimmed after every append, and
// dropped entirely on reset.
package conversation

import (
	"log/slog"
	"sync"
)

// Role identifies who authored a history entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is a single message in a chat history.
type Entry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DefaultMaxHistory bounds a chat history, inclusive of the system entry.
const DefaultMaxHistory = 6

// Store holds one bounded history per chat. All access goes through the
// store; handlers never mutate histories directly. Safe for concurrent use:
// the transport loop is the practical serializer, but overlapping handler
// invocations for the same chat must not corrupt the container.
type Store struct {
	histories  map[string][]Entry
	persona    string
	maxHistory int
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewStore creates a store seeding new chats with the given persona text as
// their system entry. maxHistory <= 1 falls back to DefaultMaxHistory since
// the bound is inclusive of the system entry.
func NewStore(persona string, maxHistory int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if maxHistory <= 1 {
		maxHistory = DefaultMaxHistory
	}
	return &Store{
		histories:  make(map[string][]Entry),
		persona:    persona,
		maxHistory: maxHistory,
		logger:     logger.With("component", "conversation"),
	}
}

// Ensure returns the chat's history, creating it with a single system entry
// if absent. The returned slice is a snapshot copy.
func (s *Store) Ensure(chatID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(chatID)
	return s.snapshotLocked(chatID)
}

// AppendUser appends a user entry to the chat's history, creating the
// history if needed, then applies the trim policy.
func (s *Store) AppendUser(chatID, text string) {
	s.append(chatID, RoleUser, text)
}

// AppendAssistant appends an assistant entry and applies the trim policy.
// Call only after a successful completion so a failed AI call never leaves
// a phantom assistant turn.
func (s *Store) AppendAssistant(chatID, text string) {
	s.append(chatID, RoleAssistant, text)
}

// History returns a snapshot copy of the chat's history, or nil if the chat
// has none.
func (s *Store) History(chatID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.histories[chatID]; !ok {
		return nil
	}
	return s.snapshotLocked(chatID)
}

// Len returns the number of entries in the chat's history (0 if absent).
func (s *Store) Len(chatID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.histories[chatID])
}

// Reset removes the chat's history entirely. Idempotent: resetting a chat
// with no history is a no-op and does not create one.
func (s *Store) Reset(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.histories[chatID]; ok {
		delete(s.histories, chatID)
		s.logger.Info("history reset", "chat_id", chatID)
	}
}

func (s *Store) append(chatID string, role Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureLocked(chatID)
	s.histories[chatID] = append(s.histories[chatID], Entry{Role: role, Content: text})
	s.trimLocked(chatID)
}

// ensureLocked creates the history with its system entry if absent.
// Caller must hold mu.
func (s *Store) ensureLocked(chatID string) {
	if _, ok := s.histories[chatID]; ok {
		return
	}
	s.histories[chatID] = []Entry{{Role: RoleSystem, Content: s.persona}}
	s.logger.Info("history created", "chat_id", chatID)
}

// trimLocked evicts the oldest non-system entry (index 1) until the history
// is within bound. The system entry at index 0 is never evicted, so history
// degrades to "system + most recent N turns". Caller must hold mu.
func (s *Store) trimLocked(chatID string) {
	h := s.histories[chatID]
	for len(h) > s.maxHistory {
		h = append(h[:1], h[2:]...)
	}
	s.histories[chatID] = h
}

func (s *Store) snapshotLocked(chatID string) []Entry {
	h := s.histories[chatID]
	out := make([]Entry, len(h))
	copy(out, h)
	return out
}
