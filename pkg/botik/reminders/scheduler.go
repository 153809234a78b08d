// Package reminders implements scheduled reminder delivery for botik.
// Uses robfig/cron for fire-expression parsing and execution. Registrations
// live in an in-process table keyed by an opaque handle; an optional Storage
// backend journals them across restarts.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression is returned by Register when the fire expression
// cannot be parsed. It is reported to the caller, never deferred to a
// background failure.
var ErrInvalidExpression = errors.New("invalid fire expression")

// Reminder is one registered reminder.
type Reminder struct {
	// ID is the opaque registration handle.
	ID string `json:"id"`

	// Channel is the transport that owns the originating chat.
	Channel string `json:"channel"`

	// ChatID is the chat the reminder fires into.
	ChatID string `json:"chat_id"`

	// Expression is the cron fire expression ("*/5 * * * *", "@daily", ...).
	Expression string `json:"expression"`

	// Message is the payload delivered when the reminder fires.
	Message string `json:"message"`

	// CreatedAt is the registration timestamp.
	CreatedAt time.Time `json:"created_at"`

	// LastFiredAt is the last delivery timestamp, if any.
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`

	// FireCount tracks how many times the reminder has fired.
	FireCount int `json:"fire_count"`
}

// Notifier delivers a fired reminder back to its chat.
type Notifier func(channel, chatID, message string) error

// Storage is the optional persistence backend for registrations.
type Storage interface {
	Save(r *Reminder) error
	Delete(id string) error
	LoadAll() ([]*Reminder, error)
}

// Scheduler manages reminder registrations on top of a cron runner.
type Scheduler struct {
	reminders map[string]*Reminder
	cronIDs   map[string]cron.EntryID

	cron    *cron.Cron
	parser  cron.Parser
	storage Storage
	notify  Notifier
	logger  *slog.Logger

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. storage may be nil, in which case registrations
// are process-lifetime only.
func New(storage Storage, notify Notifier, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reminders: make(map[string]*Reminder),
		cronIDs:   make(map[string]cron.EntryID),
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		storage: storage,
		notify:  notify,
		logger:  logger.With("component", "reminders"),
	}
}

// Start creates the cron runner, restores persisted registrations, and
// begins firing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithParser(s.parser))

	if s.storage != nil {
		restored, err := s.storage.LoadAll()
		if err != nil {
			s.logger.Error("failed to load reminders", "error", err)
		} else {
			s.mu.Lock()
			for _, r := range restored {
				if err := s.scheduleLocked(r); err != nil {
					s.logger.Warn("skipping reminder with invalid expression",
						"id", r.ID, "expression", r.Expression, "error", err)
					continue
				}
				s.reminders[r.ID] = r
			}
			s.mu.Unlock()
			s.logger.Info("reminders restored", "count", len(restored))
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts firing and waits briefly for in-flight deliveries.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		done := s.cron.Stop()
		select {
		case <-done.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("reminder scheduler stop timed out")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// Register validates the fire expression and adds a reminder for the chat.
// Returns the opaque registration handle. Multiple reminders per chat are
// allowed; there is no deduplication.
func (s *Scheduler) Register(channel, chatID, expression, message string) (string, error) {
	if _, err := s.parser.Parse(expression); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expression, err)
	}

	r := &Reminder{
		ID:         uuid.NewString(),
		Channel:    channel,
		ChatID:     chatID,
		Expression: expression,
		Message:    message,
		CreatedAt:  time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return "", fmt.Errorf("reminder scheduler not started")
	}
	if err := s.scheduleLocked(r); err != nil {
		// Parser already accepted the expression; this is unexpected.
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expression, err)
	}
	s.reminders[r.ID] = r

	if s.storage != nil {
		if err := s.storage.Save(r); err != nil {
			s.logger.Error("failed to persist reminder", "id", r.ID, "error", err)
		}
	}

	s.logger.Info("reminder registered",
		"id", r.ID, "chat_id", chatID, "expression", expression)
	return r.ID, nil
}

// Remove deletes a registration by handle.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reminders[id]; !ok {
		return fmt.Errorf("reminder %q not found", id)
	}
	if entryID, ok := s.cronIDs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, id)
	}
	delete(s.reminders, id)

	if s.storage != nil {
		if err := s.storage.Delete(id); err != nil {
			s.logger.Error("failed to remove reminder from storage", "id", id, "error", err)
		}
	}
	return nil
}

// List returns a snapshot of all registrations.
func (s *Scheduler) List() []*Reminder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// scheduleLocked registers a reminder with the cron runner. Caller holds mu.
func (s *Scheduler) scheduleLocked(r *Reminder) error {
	entryID, err := s.cron.AddFunc(r.Expression, func() {
		s.fire(r.ID)
	})
	if err != nil {
		return err
	}
	s.cronIDs[r.ID] = entryID
	return nil
}

// fire delivers one reminder. Panics are contained so one bad delivery
// never takes down the cron runner.
func (s *Scheduler) fire(id string) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("reminder delivery panicked", "id", id, "panic", rec)
		}
	}()

	s.mu.Lock()
	r, ok := s.reminders[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	r.LastFiredAt = &now
	r.FireCount++
	channel, chatID, message := r.Channel, r.ChatID, r.Message
	s.mu.Unlock()

	if err := s.notify(channel, chatID, message); err != nil {
		s.logger.Error("reminder delivery failed",
			"id", id, "chat_id", chatID, "error", err)
	} else {
		s.logger.Info("reminder fired", "id", id, "chat_id", chatID)
	}

	if s.storage != nil {
		s.mu.RLock()
		r, ok := s.reminders[id]
		var cp Reminder
		if ok {
			cp = *r
		}
		s.mu.RUnlock()
		if ok {
			if err := s.storage.Save(&cp); err != nil {
				s.logger.Error("failed to persist reminder state", "id", id, "error", err)
			}
		}
	}
}
