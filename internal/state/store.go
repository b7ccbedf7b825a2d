// Package state manages the SQLite database that holds local appointments,
// their provider links, and the sealed OAuth token.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/njoerd114/apptsync/internal/errs"
	"github.com/njoerd114/apptsync/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// maxInArgs bounds the number of placeholders per IN (...) query.
const maxInArgs = 500

const appointmentColumns = `
	id, title, description, location, contact_name, contact_phone, contact_email,
	start_time, end_time, status, ext_provider, ext_calendar_id, ext_event_id,
	reminder_sent, reminder_3days_sent, created_at, updated_at, last_synced_at`

// Store is the SQLite-backed appointment and token repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the database:
// ~/.local/share/apptsync/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "apptsync", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies pending
// migrations, and configures WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// CreateAppointment inserts a new appointment and sets its ID. CreatedAt and
// UpdatedAt default to now when zero.
func (s *Store) CreateAppointment(ctx context.Context, a *model.Appointment) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("appointment %q: %v: %w", a.Title, err, errs.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}

	provider, calendarID, eventID := refColumns(a.ExternalRef)

	const q = `
		INSERT INTO appointments
		    (title, description, location, contact_name, contact_phone, contact_email,
		     start_time, end_time, status, ext_provider, ext_calendar_id, ext_event_id,
		     reminder_sent, reminder_3days_sent, created_at, updated_at, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, q,
		a.Title, a.Description, a.Location,
		a.Contact.Name, a.Contact.Phone, a.Contact.Email,
		formatTime(a.Start), formatTimePtr(a.End), string(a.Status),
		provider, calendarID, eventID,
		a.ReminderSent, a.Reminder3DaysSent,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt), formatTime(a.LastSyncedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("appointment linked to event %q: %w", eventID, errs.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting appointment %q: %w", a.Title, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading appointment id: %w", err)
	}
	a.ID = id
	return nil
}

// GetAppointment returns the appointment with the given id, or (nil, nil) if
// no such appointment exists.
func (s *Store) GetAppointment(ctx context.Context, id int64) (*model.Appointment, error) {
	q := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = ?`
	return scanAppointment(s.db.QueryRowContext(ctx, q, id))
}

// ListAppointmentsInWindow returns appointments whose start lies in w,
// ordered by start time then id.
func (s *Store) ListAppointmentsInWindow(ctx context.Context, w model.Window) ([]*model.Appointment, error) {
	q := `SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE start_time >= ? AND start_time <= ?
		ORDER BY start_time, id`
	return s.queryAppointments(ctx, q, formatTime(w.From), formatTime(w.To))
}

// GetAppointmentsByEventIDs returns the appointments linked to any of the
// given provider event ids, regardless of their start time.
func (s *Store) GetAppointmentsByEventIDs(ctx context.Context, provider string, eventIDs []string) ([]*model.Appointment, error) {
	var out []*model.Appointment
	for start := 0; start < len(eventIDs); start += maxInArgs {
		end := min(start+maxInArgs, len(eventIDs))
		chunk := eventIDs[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, provider)
		for _, id := range chunk {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		q := `SELECT ` + appointmentColumns + `
			FROM appointments
			WHERE ext_provider = ? AND ext_event_id IN (` + placeholders + `)
			ORDER BY id`

		items, err := s.queryAppointments(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

// UpdateAppointment persists a user edit. The mirrored fields, contact details
// and status are overwritten; UpdatedAt is bumped to now. Links and reminder
// flags are not touched.
func (s *Store) UpdateAppointment(ctx context.Context, a *model.Appointment) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("appointment %d: %v: %w", a.ID, err, errs.ErrInvalidInput)
	}
	a.UpdatedAt = time.Now().UTC()

	const q = `
		UPDATE appointments SET
		    title = ?, description = ?, location = ?,
		    contact_name = ?, contact_phone = ?, contact_email = ?,
		    start_time = ?, end_time = ?, status = ?, updated_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q,
		a.Title, a.Description, a.Location,
		a.Contact.Name, a.Contact.Phone, a.Contact.Email,
		formatTime(a.Start), formatTimePtr(a.End), string(a.Status), formatTime(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating appointment %d: %w", a.ID, err)
	}
	return expectOneRow(res, a.ID)
}

// ApplySyncedFields overwrites the mirrored fields with values from the
// provider, records the link, and bumps UpdatedAt and LastSyncedAt to now.
func (s *Store) ApplySyncedFields(ctx context.Context, id int64, f model.Fields, ref model.ExternalRef, now time.Time) error {
	const q = `
		UPDATE appointments SET
		    title = ?, description = ?, location = ?,
		    start_time = ?, end_time = ?, status = ?,
		    ext_provider = ?, ext_calendar_id = ?, ext_event_id = ?,
		    updated_at = ?, last_synced_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q,
		f.Title, f.Description, f.Location,
		formatTime(f.Start), formatTimePtr(f.End), string(f.Status),
		ref.Provider, ref.CalendarID, ref.EventID,
		formatTime(now), formatTime(now),
		id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("linking appointment %d to event %q: %w", id, ref.EventID, errs.ErrAlreadyExists)
		}
		return fmt.Errorf("applying synced fields to appointment %d: %w", id, err)
	}
	return expectOneRow(res, id)
}

// LinkAppointment records the provider link after a push and bumps UpdatedAt
// and LastSyncedAt to now.
func (s *Store) LinkAppointment(ctx context.Context, id int64, ref model.ExternalRef, now time.Time) error {
	const q = `
		UPDATE appointments SET
		    ext_provider = ?, ext_calendar_id = ?, ext_event_id = ?,
		    updated_at = ?, last_synced_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q,
		ref.Provider, ref.CalendarID, ref.EventID,
		formatTime(now), formatTime(now),
		id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("linking appointment %d to event %q: %w", id, ref.EventID, errs.ErrAlreadyExists)
		}
		return fmt.Errorf("linking appointment %d: %w", id, err)
	}
	return expectOneRow(res, id)
}

// DeleteAppointment removes the appointment. The linked provider event, if
// any, is left alone.
func (s *Store) DeleteAppointment(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM appointments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting appointment %d: %w", id, err)
	}
	return expectOneRow(res, id)
}

// ReminderKind selects which reminder flag to set.
type ReminderKind int

const (
	// ReminderDayOf is the reminder sent on the day of the appointment.
	ReminderDayOf ReminderKind = iota
	// ReminderThreeDays is the reminder sent three days ahead.
	ReminderThreeDays
)

// MarkReminderSent sets a reminder flag. Flags are monotonic; nothing in this
// package ever clears them.
func (s *Store) MarkReminderSent(ctx context.Context, id int64, kind ReminderKind) error {
	q := `UPDATE appointments SET reminder_sent = 1 WHERE id = ?`
	if kind == ReminderThreeDays {
		q = `UPDATE appointments SET reminder_3days_sent = 1 WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("marking reminder for appointment %d: %w", id, err)
	}
	return expectOneRow(res, id)
}

// --- helpers -----------------------------------------------------------------

func (s *Store) queryAppointments(ctx context.Context, q string, args ...any) ([]*model.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying appointments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// scanner matches both *sql.Row and *sql.Rows so scanAppointment can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanAppointment(s scanner) (*model.Appointment, error) {
	var (
		a                             model.Appointment
		start, end, status            string
		provider, calendarID, eventID string
		created, updated, synced      string
	)

	err := s.Scan(
		&a.ID, &a.Title, &a.Description, &a.Location,
		&a.Contact.Name, &a.Contact.Phone, &a.Contact.Email,
		&start, &end, &status,
		&provider, &calendarID, &eventID,
		&a.ReminderSent, &a.Reminder3DaysSent,
		&created, &updated, &synced,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning appointment row: %w", err)
	}

	if a.Start, err = parseTime(start); err != nil {
		return nil, fmt.Errorf("appointment %d start_time: %w", a.ID, err)
	}
	if end != "" {
		t, err := parseTime(end)
		if err != nil {
			return nil, fmt.Errorf("appointment %d end_time: %w", a.ID, err)
		}
		a.End = &t
	}
	a.Status = model.Status(status)
	if eventID != "" {
		a.ExternalRef = &model.ExternalRef{Provider: provider, CalendarID: calendarID, EventID: eventID}
	}
	a.CreatedAt, _ = parseTime(created)
	a.UpdatedAt, _ = parseTime(updated)
	a.LastSyncedAt, _ = parseTime(synced)

	return &a, nil
}

func refColumns(ref *model.ExternalRef) (provider, calendarID, eventID string) {
	if ref == nil {
		return "", "", ""
	}
	return ref.Provider, ref.CalendarID, ref.EventID
}

func expectOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows for appointment %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("appointment %d: %w", id, errs.ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
