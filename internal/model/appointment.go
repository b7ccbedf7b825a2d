// Package model defines shared types used across the sync engine, the store,
// and the calendar provider adapters.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a local appointment.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus validates a stored or user-supplied status string.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusScheduled:
		return StatusScheduled, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusCancelled:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("unknown appointment status %q", s)
	}
}

// ProviderGoogle is the provider name recorded on links to Google Calendar.
const ProviderGoogle = "google"

// ExternalRef links an appointment to exactly one provider event. It is the
// only cross-system relationship and is never dropped by sync.
type ExternalRef struct {
	Provider   string
	CalendarID string
	EventID    string
}

// Matches reports whether the ref points at eventID on the given provider.
func (r *ExternalRef) Matches(provider, eventID string) bool {
	return r != nil && r.Provider == provider && r.EventID == eventID
}

// Contact holds the local-only contact details of an appointment.
type Contact struct {
	Name  string
	Phone string
	Email string
}

// Appointment is a locally owned calendar entry.
type Appointment struct {
	// ID is assigned by the store at creation and never reused.
	ID int64

	Title       string
	Description string
	Location    string
	Contact     Contact

	Start time.Time
	// End is optional. When set it is never before Start.
	End *time.Time

	Status Status

	// ExternalRef is nil until the first successful sync in either direction.
	ExternalRef *ExternalRef

	// Reminder flags are monotonic: once true, sync never resets them.
	ReminderSent      bool
	Reminder3DaysSent bool

	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastSyncedAt time.Time
}

// Fields returns the subset of the appointment that is mirrored to the provider.
func (a *Appointment) Fields() Fields {
	f := Fields{
		Title:       a.Title,
		Description: a.Description,
		Location:    a.Location,
		Start:       a.Start,
		Status:      a.Status,
	}
	if a.End != nil {
		end := *a.End
		f.End = &end
	}
	return f
}

// Apply overwrites the mirrored fields. Contact details, reminder flags and
// bookkeeping timestamps are left alone.
func (a *Appointment) Apply(f Fields) {
	a.Title = f.Title
	a.Description = f.Description
	a.Location = f.Location
	a.Start = f.Start
	a.Status = f.Status
	a.End = nil
	if f.End != nil {
		end := *f.End
		a.End = &end
	}
}

// Validate checks the invariants a stored appointment must satisfy.
func (a *Appointment) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if a.Start.IsZero() {
		return fmt.Errorf("start time is required")
	}
	if a.End != nil && a.End.Before(a.Start) {
		return fmt.Errorf("end time %s is before start time %s",
			a.End.Format(time.RFC3339), a.Start.Format(time.RFC3339))
	}
	if _, err := ParseStatus(string(a.Status)); err != nil {
		return err
	}
	return nil
}

// Fields is the provider-mirrored part of an appointment. Comparisons between
// Fields values always normalise times to UTC instants at second precision,
// since providers store times with second resolution.
type Fields struct {
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         *time.Time
	Status      Status
}

// Equal reports whether two field sets describe the same appointment.
func (f Fields) Equal(o Fields) bool {
	if f.Title != o.Title || f.Description != o.Description || f.Location != o.Location {
		return false
	}
	if f.Status != o.Status {
		return false
	}
	if !SameInstant(f.Start, o.Start) {
		return false
	}
	if (f.End == nil) != (o.End == nil) {
		return false
	}
	return f.End == nil || SameInstant(*f.End, *o.End)
}

// SameInstant compares two timestamps as UTC instants truncated to the second.
func SameInstant(a, b time.Time) bool {
	return a.UTC().Truncate(time.Second).Equal(b.UTC().Truncate(time.Second))
}
