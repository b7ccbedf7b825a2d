// Package google is the calendar provider adapter over the Google Calendar
// v3 API. It lists, inserts, updates and deletes events, converting between
// the API shape and [model.RemoteEvent], and classifies API failures into
// the errors defined in package errs.
package google

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/njoerd114/apptsync/internal/model"
)

// DefaultCallTimeout bounds a single provider call when none is configured.
const DefaultCallTimeout = 15 * time.Second

// pageSize is the number of events requested per list page.
const pageSize = 250

// Adapter provides sync-oriented operations on a Google calendar. Create one
// with [NewAdapter].
type Adapter struct {
	svc         *calendar.Service
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewAdapter creates an Adapter that authenticates with ts. Extra client
// options (endpoint, HTTP client) are applied after the token source.
func NewAdapter(ctx context.Context, ts oauth2.TokenSource, callTimeout time.Duration, logger *slog.Logger, opts ...option.ClientOption) (*Adapter, error) {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	svc, err := calendar.NewService(ctx, append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &Adapter{svc: svc, callTimeout: callTimeout, logger: logger}, nil
}

// ListEvents returns every event, including cancelled ones, whose start lies
// in w. Recurring events are expanded into single instances.
func (a *Adapter) ListEvents(ctx context.Context, calendarID string, w model.Window) ([]model.RemoteEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	// timeMax is exclusive; widen by a second to keep the window inclusive.
	call := a.svc.Events.List(calendarID).
		TimeMin(w.From.UTC().Format(time.RFC3339)).
		TimeMax(w.To.UTC().Add(time.Second).Format(time.RFC3339)).
		SingleEvents(true).
		ShowDeleted(true).
		OrderBy("startTime").
		MaxResults(pageSize)

	var events []model.RemoteEvent
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			events = append(events, fromAPI(item))
		}
		return nil
	})
	if err != nil {
		return nil, classify("list events", err)
	}

	a.logger.Debug("listed calendar events", "calendar", calendarID, "count", len(events))
	return events, nil
}

// InsertEvent creates ev and returns the provider event id.
func (a *Adapter) InsertEvent(ctx context.Context, calendarID string, ev model.RemoteEvent) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	created, err := a.svc.Events.Insert(calendarID, toAPI(ev, nil)).Context(ctx).Do()
	if err != nil {
		return "", classify("insert event", err)
	}
	a.logger.Debug("inserted calendar event", "calendar", calendarID, "event_id", created.Id)
	return created.Id, nil
}

// UpdateEvent overwrites the mirrored fields of an existing event. Fields
// apptsync does not manage are preserved by reading the event first.
func (a *Adapter) UpdateEvent(ctx context.Context, calendarID, eventID string, ev model.RemoteEvent) error {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	current, err := a.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return classify("get event "+eventID, err)
	}
	if _, err := a.svc.Events.Update(calendarID, eventID, toAPI(ev, current)).Context(ctx).Do(); err != nil {
		return classify("update event "+eventID, err)
	}
	a.logger.Debug("updated calendar event", "calendar", calendarID, "event_id", eventID)
	return nil
}

// DeleteEvent deletes an event. Deleting an already deleted event fails
// with errs.ErrNotFound.
func (a *Adapter) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	if err := a.svc.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return classify("delete event "+eventID, err)
	}
	return nil
}

// PrimaryEmail returns the id of the account's primary calendar, which
// Google sets to the account email.
func (a *Adapter) PrimaryEmail(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	cal, err := a.svc.Calendars.Get("primary").Context(ctx).Do()
	if err != nil {
		return "", classify("get primary calendar", err)
	}
	return cal.Id, nil
}

// Identity returns a function for oauth.WithIdentity that resolves the
// account email of a freshly issued token.
func Identity(callTimeout time.Duration, logger *slog.Logger, opts ...option.ClientOption) func(context.Context, oauth2.TokenSource) (string, error) {
	return func(ctx context.Context, ts oauth2.TokenSource) (string, error) {
		a, err := NewAdapter(ctx, ts, callTimeout, logger, opts...)
		if err != nil {
			return "", err
		}
		return a.PrimaryEmail(ctx)
	}
}
