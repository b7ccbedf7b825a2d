// Package sync implements the calendar synchronization engine for apptsync.
// It reconciles locally owned appointments with the events of one Google
// calendar, applies the resulting imports and updates, and tracks whether a
// provider account is connected.
//
// The package contains four main components:
//
//   - [Reconciler] computes the action plan. It is pure and never performs I/O.
//   - [Orchestrator] drives a sync run end to end and exposes the status,
//     sync, push, connect and disconnect operations.
//   - [Connection] holds the connection state machine.
//   - [Engine] runs the orchestrator on a cron schedule in daemon mode.
package sync

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/njoerd114/apptsync/internal/model"
	"github.com/njoerd114/apptsync/internal/oauth"
)

// Calendar provides access to provider events.
// Implemented by [google.Adapter].
type Calendar interface {
	ListEvents(ctx context.Context, calendarID string, w model.Window) ([]model.RemoteEvent, error)
	InsertEvent(ctx context.Context, calendarID string, ev model.RemoteEvent) (eventID string, err error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, ev model.RemoteEvent) error
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// TokenBroker issues and refreshes provider access tokens.
// Implemented by [oauth.Broker].
type TokenBroker interface {
	AuthorizationURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth.Grant, error)
	ValidToken(ctx context.Context) (*oauth2.Token, error)
	Account(ctx context.Context) (email string, connected bool, err error)
	Revoke(ctx context.Context) error
}

// RunLease is the cross-process lock that keeps sync runs of one account
// from overlapping. Implemented by [state.Store].
type RunLease interface {
	AcquireSyncLease(ctx context.Context, accountKey, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseSyncLease(ctx context.Context, accountKey, holder string) error
}

// AppointmentStore provides access to local appointments.
// Implemented by [state.Store].
type AppointmentStore interface {
	RunLease

	CreateAppointment(ctx context.Context, a *model.Appointment) error
	GetAppointment(ctx context.Context, id int64) (*model.Appointment, error)
	ListAppointmentsInWindow(ctx context.Context, w model.Window) ([]*model.Appointment, error)
	GetAppointmentsByEventIDs(ctx context.Context, provider string, eventIDs []string) ([]*model.Appointment, error)
	ApplySyncedFields(ctx context.Context, id int64, f model.Fields, ref model.ExternalRef, now time.Time) error
	LinkAppointment(ctx context.Context, id int64, ref model.ExternalRef, now time.Time) error
}
