// Package tasks keeps a per-chat to-do list. Lists are append-only for the
// chat surface (add and list only), process-lifetime, and owned exclusively
// by the Store.
package tasks

import (
	"strings"
	"sync"
)

// Store holds one task list per chat.
type Store struct {
	lists map[string][]string
	mu    sync.Mutex
}

// NewStore creates an empty task store.
func NewStore() *Store {
	return &Store{lists: make(map[string][]string)}
}

// Add appends a task to the chat's list, creating the list if absent.
// Leading/trailing whitespace is trimmed; empty tasks are ignored.
func (s *Store) Add(chatID, task string) {
	task = strings.TrimSpace(task)
	if task == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[chatID] = append(s.lists[chatID], task)
}

// List returns a snapshot copy of the chat's tasks in insertion order.
func (s *Store) List(chatID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.lists[chatID]
	out := make([]string, len(tasks))
	copy(out, tasks)
	return out
}

// Count returns the number of tasks for a chat.
func (s *Store) Count(chatID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists[chatID])
}
