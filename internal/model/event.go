package model

import (
	"fmt"
	"time"
)

// EventStatus is the provider-side status of a calendar event.
type EventStatus string

const (
	EventConfirmed EventStatus = "confirmed"
	EventTentative EventStatus = "tentative"
	EventCancelled EventStatus = "cancelled"
)

// RemoteEvent is a provider-owned calendar entry, read and written only
// through the provider's event API.
type RemoteEvent struct {
	// ID is the provider event id, unique within a calendar.
	ID string

	Summary     string
	Description string
	Location    string

	Start time.Time
	// End is zero when the provider reported no end.
	End time.Time

	Status EventStatus

	// UpdatedAt is the provider-assigned modification time used for
	// conflict ordering.
	UpdatedAt time.Time

	// Private carries provider-side private properties owned by this
	// application (see eventmap).
	Private map[string]string
}

// Window is an inclusive time range [From, To] used to scope a sync run.
type Window struct {
	From time.Time
	To   time.Time
}

// DefaultWindow returns [now, now+days].
func DefaultWindow(now time.Time, days int) Window {
	return Window{From: now, To: now.AddDate(0, 0, days)}
}

// Validate rejects empty or inverted windows.
func (w Window) Validate() error {
	if w.From.IsZero() || w.To.IsZero() {
		return fmt.Errorf("window bounds are required")
	}
	if w.To.Before(w.From) {
		return fmt.Errorf("window end %s is before start %s",
			w.To.Format(time.RFC3339), w.From.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t lies within the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// CutShort explains why a sync run stopped before attempting every action.
type CutShort string

const (
	CutShortNone        CutShort = ""
	CutShortAuthExpired CutShort = "auth_expired"
	CutShortCancelled   CutShort = "cancelled"
)

// Failure records one entity that could not be synchronised.
type Failure struct {
	// EntityID is the local appointment id ("appointment:12") or the
	// provider event id ("event:abc") when no local record exists yet.
	EntityID string
	Reason   string
}

// SyncRunResult summarises a single sync run. It is never persisted.
type SyncRunResult struct {
	RunID    string
	Imported int
	Updated  int
	Pushed   int
	// Linked counts pairs newly linked by title/start matching.
	Linked   int
	Failed   []Failure
	CutShort CutShort
	Duration time.Duration
}

// AppointmentEntity formats a local id for Failure.EntityID.
func AppointmentEntity(id int64) string {
	return fmt.Sprintf("appointment:%d", id)
}

// EventEntity formats a provider event id for Failure.EntityID.
func EventEntity(id string) string {
	return "event:" + id
}

// PushResult describes the outcome of an explicit push.
type PushResult struct {
	AppointmentID int64
	Ref           ExternalRef
	// Created is true when a new provider event was inserted, false when an
	// existing linked event was overwritten.
	Created bool
}

// ConnectionStatus is the snapshot returned by the orchestrator's status call.
type ConnectionStatus struct {
	Connected    bool
	AccountEmail string
	// ReconnectRequired is set after the provider rejected the stored
	// authorization during this process's lifetime.
	ReconnectRequired bool
}
