// Package ics writes local appointments as an iCalendar (RFC 5545) document.
package ics

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-ical"

	"github.com/njoerd114/apptsync/internal/model"
)

const prodID = "-//apptsync//appointments//EN"

// UID returns the stable iCalendar UID of an appointment.
func UID(id int64) string {
	return fmt.Sprintf("appointment-%d@apptsync", id)
}

// Export encodes appointments as a VCALENDAR with one VEVENT each. now is
// written as DTSTAMP.
func Export(w io.Writer, appts []*model.Appointment, now time.Time) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)

	stamp := now.UTC().Truncate(time.Second)
	for _, a := range appts {
		cal.Children = append(cal.Children, toEvent(a, stamp).Component)
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encoding calendar: %w", err)
	}
	return nil
}

func toEvent(a *model.Appointment, stamp time.Time) *ical.Event {
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, UID(a.ID))
	ev.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	ev.Props.SetDateTime(ical.PropDateTimeStart, a.Start.UTC())
	if a.End != nil {
		ev.Props.SetDateTime(ical.PropDateTimeEnd, a.End.UTC())
	}
	ev.Props.SetText(ical.PropSummary, a.Title)
	if a.Description != "" {
		ev.Props.SetText(ical.PropDescription, a.Description)
	}
	if a.Location != "" {
		ev.Props.SetText(ical.PropLocation, a.Location)
	}
	ev.Props.SetText(ical.PropStatus, eventStatus(a.Status))
	if !a.UpdatedAt.IsZero() {
		ev.Props.SetDateTime(ical.PropLastModified, a.UpdatedAt.UTC().Truncate(time.Second))
	}
	return ev
}

// eventStatus maps to VEVENT STATUS. VEVENT has no completed state; a
// completed appointment did take place, so it exports as confirmed.
func eventStatus(s model.Status) string {
	if s == model.StatusCancelled {
		return "CANCELLED"
	}
	return "CONFIRMED"
}
