// Package reminders provides the file-backed reminder store and the
// scheduler that surfaces overdue reminders.
package reminders

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/pkg/models"
)

// ErrNotFound is returned for unknown reminder ids.
var ErrNotFound = errors.New("reminder not found")

// FileStore keeps reminders in a single JSON array file. Mutations hold
// an in-process lock and rewrite the file atomically (temp file then
// rename), so concurrent tool handlers and the scheduler loop never
// observe a torn write.
type FileStore struct {
	path string

	mu        sync.Mutex
	reminders []models.Reminder
}

// NewFileStore opens or creates the store at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.reminders = []models.Reminder{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read reminder store: %w", err)
	}
	if len(data) == 0 {
		s.reminders = []models.Reminder{}
		return nil
	}
	if err := json.Unmarshal(data, &s.reminders); err != nil {
		return fmt.Errorf("parse reminder store %s: %w", s.path, err)
	}
	return nil
}

// save writes the full array to a temp file and renames it over the
// store. Callers hold s.mu.
func (s *FileStore) save() error {
	data, err := json.MarshalIndent(s.reminders, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".reminders-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Add creates a pending reminder and returns it.
func (s *FileStore) Add(title, description string, reminderTime time.Time) (*models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	r := models.Reminder{
		ID:           uuid.NewString(),
		Title:        title,
		Description:  description,
		ReminderTime: reminderTime,
		Status:       models.ReminderPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.reminders = append(s.reminders, r)
	if err := s.save(); err != nil {
		s.reminders = s.reminders[:len(s.reminders)-1]
		return nil, err
	}
	return &r, nil
}

// Get returns a reminder by id.
func (s *FileStore) Get(id string) (*models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.reminders {
		if s.reminders[i].ID == id {
			r := s.reminders[i]
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

// List returns all reminders sorted by ReminderTime ascending.
func (s *FileStore) List() ([]models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Reminder, len(s.reminders))
	copy(out, s.reminders)
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReminderTime.Before(out[j].ReminderTime)
	})
	return out, nil
}

// update applies fn to the reminder with id and persists.
func (s *FileStore) update(id string, fn func(r *models.Reminder)) (*models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.reminders {
		if s.reminders[i].ID != id {
			continue
		}
		prev := s.reminders[i]
		fn(&s.reminders[i])
		s.reminders[i].UpdatedAt = time.Now()
		if err := s.save(); err != nil {
			s.reminders[i] = prev
			return nil, err
		}
		r := s.reminders[i]
		return &r, nil
	}
	return nil, ErrNotFound
}

// Update changes title, description, or time. Empty strings and the
// zero time keep the existing values.
func (s *FileStore) Update(id, title, description string, reminderTime time.Time) (*models.Reminder, error) {
	return s.update(id, func(r *models.Reminder) {
		if title != "" {
			r.Title = title
		}
		if description != "" {
			r.Description = description
		}
		if !reminderTime.IsZero() {
			r.ReminderTime = reminderTime
		}
	})
}

// Complete marks the reminder completed.
func (s *FileStore) Complete(id string) (*models.Reminder, error) {
	return s.update(id, func(r *models.Reminder) {
		r.Status = models.ReminderCompleted
	})
}

// Cancel marks the reminder cancelled.
func (s *FileStore) Cancel(id string) (*models.Reminder, error) {
	return s.update(id, func(r *models.Reminder) {
		r.Status = models.ReminderCancelled
	})
}

// Delete removes the reminder entirely.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.reminders {
		if s.reminders[i].ID != id {
			continue
		}
		prev := s.reminders
		s.reminders = append(append([]models.Reminder{}, s.reminders[:i]...), s.reminders[i+1:]...)
		if err := s.save(); err != nil {
			s.reminders = prev
			return err
		}
		return nil
	}
	return ErrNotFound
}

// GetOverdue returns pending, unnotified reminders whose time has
// passed, ordered by ReminderTime ascending.
func (s *FileStore) GetOverdue() ([]models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var overdue []models.Reminder
	for i := range s.reminders {
		if s.reminders[i].Overdue(now) {
			overdue = append(overdue, s.reminders[i])
		}
	}
	sort.Slice(overdue, func(i, j int) bool {
		return overdue[i].ReminderTime.Before(overdue[j].ReminderTime)
	})
	return overdue, nil
}

// MarkNotified flips the notified flag.
func (s *FileStore) MarkNotified(id string) error {
	_, err := s.update(id, func(r *models.Reminder) {
		r.Notified = true
	})
	return err
}
