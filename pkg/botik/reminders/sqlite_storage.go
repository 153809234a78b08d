// sqlite_storage.go implements Storage backed by a local SQLite database,
// so registered reminders survive restarts when persistence is enabled.
package reminders

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage persists reminders in a "reminders" table.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLiteStorage opens (or creates) the reminders database at path.
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening reminders db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS reminders (
			id            TEXT PRIMARY KEY,
			channel       TEXT NOT NULL,
			chat_id       TEXT NOT NULL,
			expression    TEXT NOT NULL,
			message       TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			last_fired_at TEXT,
			fire_count    INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating reminders table: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Save persists a reminder (insert or update).
func (s *SQLiteStorage) Save(r *Reminder) error {
	var lastFired sql.NullString
	if r.LastFiredAt != nil {
		lastFired = sql.NullString{String: r.LastFiredAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO reminders
			(id, channel, chat_id, expression, message, created_at, last_fired_at, fire_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Channel,
		r.ChatID,
		r.Expression,
		r.Message,
		r.CreatedAt.UTC().Format(time.RFC3339),
		lastFired,
		r.FireCount,
	)
	if err != nil {
		return fmt.Errorf("save reminder %q: %w", r.ID, err)
	}
	return nil
}

// Delete removes a reminder by handle.
func (s *SQLiteStorage) Delete(id string) error {
	if _, err := s.db.Exec("DELETE FROM reminders WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete reminder %q: %w", id, err)
	}
	return nil
}

// LoadAll reads all persisted reminders.
func (s *SQLiteStorage) LoadAll() ([]*Reminder, error) {
	rows, err := s.db.Query(`
		SELECT id, channel, chat_id, expression, message,
		       created_at, last_fired_at, fire_count
		FROM reminders`)
	if err != nil {
		return nil, fmt.Errorf("load reminders: %w", err)
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		var (
			r         Reminder
			createdAt string
			lastFired sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.Channel, &r.ChatID, &r.Expression, &r.Message,
			&createdAt, &lastFired, &r.FireCount,
		); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}

		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if lastFired.Valid {
			t, _ := time.Parse(time.RFC3339, lastFired.String)
			r.LastFiredAt = &t
		}
		out = append(out, &r)
	}

	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
