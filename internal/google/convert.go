package google

import (
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/njoerd114/apptsync/internal/eventmap"
	"github.com/njoerd114/apptsync/internal/model"
)

// dateLayout is the format of all-day event dates.
const dateLayout = "2006-01-02"

// fromAPI converts a Calendar API event to a RemoteEvent. Unparseable times
// are left zero; the event mapper reports them as mapping failures.
func fromAPI(ev *calendar.Event) model.RemoteEvent {
	out := model.RemoteEvent{
		ID:          ev.Id,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      model.EventStatus(ev.Status),
		Start:       parseEventTime(ev.Start),
		End:         parseEventTime(ev.End),
	}
	if ev.Updated != "" {
		if t, err := time.Parse(time.RFC3339Nano, ev.Updated); err == nil {
			out.UpdatedAt = t.UTC()
		}
	}
	if ev.ExtendedProperties != nil && len(ev.ExtendedProperties.Private) > 0 {
		out.Private = make(map[string]string, len(ev.ExtendedProperties.Private))
		for k, v := range ev.ExtendedProperties.Private {
			out.Private[k] = v
		}
	}
	return out
}

// parseEventTime handles both timed (dateTime) and all-day (date) values.
// All-day dates become UTC midnight.
func parseEventTime(dt *calendar.EventDateTime) time.Time {
	if dt == nil {
		return time.Time{}
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}
		}
		return t.UTC()
	}
	if dt.Date != "" {
		t, err := time.ParseInLocation(dateLayout, dt.Date, time.UTC)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	return time.Time{}
}

// toAPI writes the mirrored fields of ev onto dst, leaving everything else
// on dst (attendees, reminders, colour) untouched. Private properties owned
// by apptsync are replaced; foreign ones are kept.
func toAPI(ev model.RemoteEvent, dst *calendar.Event) *calendar.Event {
	if dst == nil {
		dst = &calendar.Event{}
	}
	allDay := dst.Start != nil && dst.Start.Date != "" && isMidnight(ev.Start) && isMidnight(ev.End)

	dst.Summary = ev.Summary
	dst.Description = ev.Description
	dst.Location = ev.Location
	dst.Status = string(ev.Status)
	dst.Start = formatEventTime(ev.Start, allDay)
	dst.End = formatEventTime(ev.End, allDay)

	// Empty strings would be dropped from the JSON body and leave stale
	// remote values in place.
	for _, f := range []struct {
		name  string
		value string
	}{{"Summary", dst.Summary}, {"Description", dst.Description}, {"Location", dst.Location}} {
		if f.value == "" {
			dst.ForceSendFields = appendUnique(dst.ForceSendFields, f.name)
		}
	}

	if dst.ExtendedProperties == nil {
		dst.ExtendedProperties = &calendar.EventExtendedProperties{}
	}
	private := map[string]string{}
	for k, v := range dst.ExtendedProperties.Private {
		if !strings.HasPrefix(k, eventmap.PropPrefix) {
			private[k] = v
		}
	}
	for k, v := range ev.Private {
		private[k] = v
	}
	dst.ExtendedProperties.Private = private
	dst.ExtendedProperties.ForceSendFields = appendUnique(dst.ExtendedProperties.ForceSendFields, "Private")
	return dst
}

func formatEventTime(t time.Time, allDay bool) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.UTC().Format(dateLayout)}
	}
	return &calendar.EventDateTime{DateTime: t.UTC().Format(time.RFC3339), TimeZone: "UTC"}
}

func isMidnight(t time.Time) bool {
	u := t.UTC()
	return !u.IsZero() && u.Equal(u.Truncate(24*time.Hour))
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
