package models

import "time"

// ReminderStatus tracks a reminder through its lifecycle.
type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderCompleted ReminderStatus = "completed"
	ReminderCancelled ReminderStatus = "cancelled"
)

// Reminder is a scheduled notification record. Notified flips to true at
// most once per lifetime; the scheduler's overdue scan skips notified
// reminders.
type Reminder struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	ReminderTime time.Time      `json:"reminder_time"`
	Status       ReminderStatus `json:"status"`
	Notified     bool           `json:"notified"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Overdue reports whether r should be picked up by a scan at now.
func (r *Reminder) Overdue(now time.Time) bool {
	return r.Status == ReminderPending && !r.Notified && !r.ReminderTime.After(now)
}
