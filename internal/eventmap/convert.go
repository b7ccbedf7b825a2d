// Package eventmap translates between local appointments and provider events.
// Every function here is pure and does no I/O.
//
// Facts that only exist locally (an end time that was never set, a completed
// status) are kept in the event's private properties so that a round trip
// Local → Remote → Local reproduces the original fields.
package eventmap

import (
	"fmt"
	"time"

	"github.com/njoerd114/apptsync/internal/errs"
	"github.com/njoerd114/apptsync/internal/model"
)

// DefaultDuration is used to synthesize an end when an appointment has none;
// the provider requires a non-empty interval.
const DefaultDuration = time.Hour

// UntitledSummary replaces an empty event summary on import.
const UntitledSummary = "Untitled"

// Private property keys owned by this application. Every key starts with
// PropPrefix so adapters can tell ours apart from foreign ones.
const (
	PropPrefix = "apptsync."
	PropEnd    = PropPrefix + "end"
	PropStatus = PropPrefix + "status"

	endSynthesized  = "synthesized"
	statusCompleted = "completed"
)

// ToRemote maps an appointment to the provider event shape. The event ID is
// taken from the appointment's link when present.
func ToRemote(a *model.Appointment) model.RemoteEvent {
	start := a.Start.UTC()
	ev := model.RemoteEvent{
		Summary:     a.Title,
		Description: a.Description,
		Location:    a.Location,
		Start:       start,
		Status:      model.EventConfirmed,
		Private:     map[string]string{},
	}
	if a.ExternalRef != nil {
		ev.ID = a.ExternalRef.EventID
	}

	if a.End != nil {
		ev.End = a.End.UTC()
	} else {
		ev.End = start.Add(DefaultDuration)
		ev.Private[PropEnd] = endSynthesized
	}

	switch a.Status {
	case model.StatusCancelled:
		ev.Status = model.EventCancelled
	case model.StatusCompleted:
		ev.Private[PropStatus] = statusCompleted
	}
	return ev
}

// ToFields maps a provider event to local appointment fields. It fails with
// [errs.ErrMapping] when a required field is missing or inconsistent.
func ToFields(ev model.RemoteEvent) (model.Fields, error) {
	if ev.ID == "" {
		return model.Fields{}, fmt.Errorf("event without id: %w", errs.ErrMapping)
	}
	if ev.Start.IsZero() {
		return model.Fields{}, fmt.Errorf("event %s has no start: %w", ev.ID, errs.ErrMapping)
	}

	status, err := statusFromEvent(ev)
	if err != nil {
		return model.Fields{}, err
	}

	f := model.Fields{
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       ev.Start.UTC(),
		Status:      status,
	}
	if f.Title == "" {
		f.Title = UntitledSummary
	}

	if !ev.End.IsZero() && !endWasSynthesized(ev) {
		if ev.End.Before(ev.Start) {
			return model.Fields{}, fmt.Errorf("event %s ends before it starts: %w", ev.ID, errs.ErrMapping)
		}
		end := ev.End.UTC()
		f.End = &end
	}
	return f, nil
}

// ToAppointment builds a new, linked appointment from an imported event.
func ToAppointment(ev model.RemoteEvent, provider, calendarID string) (*model.Appointment, error) {
	f, err := ToFields(ev)
	if err != nil {
		return nil, err
	}
	a := &model.Appointment{
		ExternalRef: &model.ExternalRef{Provider: provider, CalendarID: calendarID, EventID: ev.ID},
	}
	a.Apply(f)
	return a, nil
}

// endWasSynthesized reports whether the event's end is still the default we
// generated. If someone changed the end on the provider side, the flag is
// stale and the provider value wins.
func endWasSynthesized(ev model.RemoteEvent) bool {
	if ev.Private[PropEnd] != endSynthesized {
		return false
	}
	return model.SameInstant(ev.End, ev.Start.Add(DefaultDuration))
}

func statusFromEvent(ev model.RemoteEvent) (model.Status, error) {
	switch ev.Status {
	case model.EventCancelled:
		return model.StatusCancelled, nil
	case model.EventConfirmed, model.EventTentative, "":
		if ev.Private[PropStatus] == statusCompleted {
			return model.StatusCompleted, nil
		}
		return model.StatusScheduled, nil
	default:
		return "", fmt.Errorf("event %s has unknown status %q: %w", ev.ID, ev.Status, errs.ErrMapping)
	}
}
