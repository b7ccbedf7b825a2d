package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/njoerd114/apptsync/internal/errs"
	"github.com/njoerd114/apptsync/internal/eventmap"
	"github.com/njoerd114/apptsync/internal/model"
	"github.com/njoerd114/apptsync/internal/oauth"
)

const (
	otelScope      = "apptsync/sync"
	spanSync       = "sync.run"
	spanPush       = "sync.push"
	metricImported = "apptsync.sync.imported"
	metricUpdated  = "apptsync.sync.updated"
	metricPushed   = "apptsync.sync.pushed"
	metricFailed   = "apptsync.sync.failed"
)

// DefaultCalendarID is used when a caller passes an empty calendar id.
const DefaultCalendarID = "primary"

// DefaultWindowDays is the length of the default sync window.
const DefaultWindowDays = 90

// DefaultLeaseTTL bounds how long a crashed run keeps other processes from
// syncing.
const DefaultLeaseTTL = 15 * time.Minute

// Options configures an Orchestrator.
type Options struct {
	// CalendarID is the calendar used when a call passes "".
	CalendarID string
	// WindowDays is the length of the default window starting now.
	WindowDays int
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Reconciler overrides the default last-write-wins reconciler.
	Reconciler *Reconciler
	// LeaseTTL is the lifetime of the cross-process sync lease.
	LeaseTTL time.Duration
}

// Orchestrator drives sync runs and explicit pushes. At most one sync run
// executes at a time; pushes of different appointments may run concurrently
// and pushes of the same appointment are serialised. Create one with
// [NewOrchestrator].
type Orchestrator struct {
	broker     TokenBroker
	calendar   Calendar
	store      AppointmentStore
	reconciler *Reconciler
	conn       *Connection

	// gate is the in-process single-flight flag for sync runs; the store
	// lease extends it to other processes sharing the database.
	gate     *semaphore.Weighted
	leaseTTL time.Duration
	locks    *keyedMutex

	calendarID string
	windowDays int
	now        func() time.Time
	log        *slog.Logger

	// OTel instruments. Never nil; no-op when telemetry is disabled.
	tracer      trace.Tracer
	cntImported metric.Int64Counter
	cntUpdated  metric.Int64Counter
	cntPushed   metric.Int64Counter
	cntFailed   metric.Int64Counter
}

// NewOrchestrator creates an Orchestrator wired to the given collaborators.
func NewOrchestrator(broker TokenBroker, cal Calendar, store AppointmentStore, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.CalendarID == "" {
		opts.CalendarID = DefaultCalendarID
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = DefaultWindowDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Reconciler == nil {
		opts.Reconciler = NewReconciler(model.ProviderGoogle)
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}

	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Orchestrator{
		broker:     broker,
		calendar:   cal,
		store:      store,
		reconciler: opts.Reconciler,
		conn:       &Connection{},
		gate:       semaphore.NewWeighted(1),
		leaseTTL:   opts.LeaseTTL,
		locks:      newKeyedMutex(),
		calendarID: opts.CalendarID,
		windowDays: opts.WindowDays,
		now:        opts.Now,
		log:        logger,

		tracer:      otel.Tracer(otelScope),
		cntImported: mustCounter(metricImported, "Number of events imported as appointments"),
		cntUpdated:  mustCounter(metricUpdated, "Number of appointments updated from the calendar"),
		cntPushed:   mustCounter(metricPushed, "Number of events written to the calendar"),
		cntFailed:   mustCounter(metricFailed, "Number of entities that failed to sync"),
	}
}

// Connection exposes the connection state machine.
func (o *Orchestrator) Connection() *Connection { return o.conn }

// --- connection operations ---------------------------------------------------

// Status reports whether an account is connected. It never fails; any
// problem reading the token is reported as disconnected. A stored token is
// only reported as connected when it is still usable, so an expired or
// revoked grant surfaces here as reconnect required.
func (o *Orchestrator) Status(ctx context.Context) model.ConnectionStatus {
	if o.conn.ReconnectRequired() {
		return o.conn.Snapshot()
	}
	if _, err := o.broker.ValidToken(ctx); err != nil {
		if errors.Is(err, errs.ErrAuthExpired) || errors.Is(err, errs.ErrNotConnected) {
			o.observeAuthError(err)
			return o.conn.Snapshot()
		}
		o.log.Warn("validating calendar token", "error", err)
		return model.ConnectionStatus{}
	}
	email, connected, err := o.broker.Account(ctx)
	switch {
	case err != nil:
		o.log.Warn("reading connection status", "error", err)
		return model.ConnectionStatus{}
	case !connected:
		o.conn.Cleared()
	default:
		o.conn.Observed(email)
	}
	return o.conn.Snapshot()
}

// AuthorizationURL returns the URL that starts the consent flow.
func (o *Orchestrator) AuthorizationURL(state string) string {
	return o.broker.AuthorizationURL(state)
}

// Connect completes the consent flow with the authorization code.
func (o *Orchestrator) Connect(ctx context.Context, code string) (model.ConnectionStatus, error) {
	grant, err := o.broker.Exchange(ctx, code)
	if err != nil {
		return o.conn.Snapshot(), fmt.Errorf("connecting calendar account: %w", err)
	}
	o.conn.Authorized(grant.AccountEmail)
	return o.conn.Snapshot(), nil
}

// Disconnect revokes and discards the stored token. Links on appointments
// are kept and become inert until the next connect.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	if err := o.broker.Revoke(ctx); err != nil {
		return fmt.Errorf("disconnecting calendar account: %w", err)
	}
	o.conn.Cleared()
	return nil
}

// --- sync --------------------------------------------------------------------

// Sync reconciles calendarID with local appointments over w, or over the
// default window when w is nil. It fails only when the run cannot start:
// another run is in progress, no account is connected, or the remote fetch
// fails. Failures of individual actions are reported in the result.
func (o *Orchestrator) Sync(ctx context.Context, calendarID string, w *model.Window) (model.SyncRunResult, error) {
	if !o.gate.TryAcquire(1) {
		return model.SyncRunResult{}, errs.ErrSyncInProgress
	}
	defer o.gate.Release(1)

	started := o.now()
	res := model.SyncRunResult{RunID: uuid.NewString()}
	log := o.log.With("run_id", res.RunID)

	release, err := o.acquireLease(ctx, res.RunID, started)
	if err != nil {
		return model.SyncRunResult{}, err
	}
	defer release()

	if calendarID == "" {
		calendarID = o.calendarID
	}
	window := model.DefaultWindow(started, o.windowDays)
	if w != nil {
		window = *w
	}
	if err := window.Validate(); err != nil {
		return res, fmt.Errorf("sync window: %v: %w", err, errs.ErrInvalidInput)
	}

	ctx, span := o.tracer.Start(ctx, spanSync, trace.WithAttributes(
		attribute.String("sync.run_id", res.RunID),
		attribute.String("sync.calendar_id", calendarID),
	))
	defer span.End()

	res, err = o.runSync(ctx, log, calendarID, window, res)
	res.Duration = o.now().Sub(started)

	o.record(ctx, span, res, err)
	if err != nil {
		log.Error("sync run failed", "calendar", calendarID, "error", err)
		return res, err
	}
	log.Info("sync run complete",
		"calendar", calendarID,
		"imported", res.Imported,
		"updated", res.Updated,
		"pushed", res.Pushed,
		"linked", res.Linked,
		"failed", len(res.Failed),
		"cut_short", string(res.CutShort),
		"duration", res.Duration,
	)
	return res, nil
}

// acquireLease claims the account's sync lease for one run. Another process
// holding it yields [errs.ErrSyncInProgress].
func (o *Orchestrator) acquireLease(ctx context.Context, runID string, now time.Time) (func(), error) {
	ok, err := o.store.AcquireSyncLease(ctx, oauth.AccountKey, runID, now, o.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquiring sync lease: %w", err)
	}
	if !ok {
		o.log.Debug("sync lease held by another process")
		return nil, errs.ErrSyncInProgress
	}
	return func() {
		if err := o.store.ReleaseSyncLease(context.WithoutCancel(ctx), oauth.AccountKey, runID); err != nil {
			o.log.Warn("releasing sync lease", "run_id", runID, "error", err)
		}
	}, nil
}

func (o *Orchestrator) runSync(ctx context.Context, log *slog.Logger, calendarID string, w model.Window, res model.SyncRunResult) (model.SyncRunResult, error) {
	if err := o.checkToken(ctx); err != nil {
		return res, err
	}

	remotes, err := o.calendar.ListEvents(ctx, calendarID, w)
	if err != nil {
		o.observeAuthError(err)
		return res, fmt.Errorf("fetching remote events: %w", err)
	}

	locals, err := o.loadLocals(ctx, w, remotes)
	if err != nil {
		return res, fmt.Errorf("loading local appointments: %w", err)
	}

	plan := o.reconciler.Plan(w, locals, remotes)
	res.Failed = append(res.Failed, plan.Failures...)
	log.Debug("reconciled", "remote", len(remotes), "local", len(locals), "actions", len(plan.Actions), "unmapped", len(plan.Failures))

	now := o.now().UTC()
	for i, act := range plan.Actions {
		// Cancellation is checked between actions only; an action that has
		// started runs to completion.
		if ctx.Err() != nil {
			res.CutShort = model.CutShortCancelled
			log.Info("sync run cancelled", "remaining", len(plan.Actions)-i)
			break
		}

		err := o.apply(context.WithoutCancel(ctx), calendarID, act, now)
		if err == nil {
			countAction(&res, act)
			continue
		}

		res.Failed = append(res.Failed, model.Failure{EntityID: entityOf(act), Reason: err.Error()})
		log.Warn("sync action failed", "action", act.Kind.String(), "entity", entityOf(act), "error", err)

		if errors.Is(err, errs.ErrAuthExpired) || errors.Is(err, errs.ErrNotConnected) {
			o.observeAuthError(err)
			res.CutShort = model.CutShortAuthExpired
			log.Warn("authorization rejected mid-run, remaining actions skipped", "remaining", len(plan.Actions)-i-1)
			break
		}
	}
	return res, nil
}

// loadLocals returns the appointments in w plus any appointment linked to
// one of remotes, deduplicated by id.
func (o *Orchestrator) loadLocals(ctx context.Context, w model.Window, remotes []model.RemoteEvent) ([]*model.Appointment, error) {
	inWindow, err := o.store.ListAppointmentsInWindow(ctx, w)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(remotes))
	for _, ev := range remotes {
		if ev.ID != "" {
			ids = append(ids, ev.ID)
		}
	}
	linked, err := o.store.GetAppointmentsByEventIDs(ctx, model.ProviderGoogle, ids)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(inWindow)+len(linked))
	out := make([]*model.Appointment, 0, len(inWindow)+len(linked))
	for _, a := range append(inWindow, linked...) {
		if !seen[a.ID] {
			seen[a.ID] = true
			out = append(out, a)
		}
	}
	return out, nil
}

// apply performs a single action against the provider and the store. Any
// action on an existing appointment holds that appointment's lock so it
// cannot interleave with a push of the same appointment.
func (o *Orchestrator) apply(ctx context.Context, calendarID string, act Action, now time.Time) error {
	ref := model.ExternalRef{Provider: model.ProviderGoogle, CalendarID: calendarID, EventID: act.EventID}
	if act.AppointmentID != 0 {
		unlock := o.locks.Lock(act.AppointmentID)
		defer unlock()
	}

	switch act.Kind {
	case ActionImport:
		a := &model.Appointment{ExternalRef: &ref, CreatedAt: now, UpdatedAt: now, LastSyncedAt: now}
		a.Apply(act.Fields)
		if err := o.store.CreateAppointment(ctx, a); err != nil {
			return fmt.Errorf("importing event %s: %w", act.EventID, err)
		}
		return nil

	case ActionUpdateLocal:
		if err := o.store.ApplySyncedFields(ctx, act.AppointmentID, act.Fields, ref, now); err != nil {
			return fmt.Errorf("updating appointment %d: %w", act.AppointmentID, err)
		}
		return nil

	case ActionUpdateRemote:
		ev := eventmap.ToRemote(act.Appointment)
		ev.ID = act.EventID
		if err := o.calendar.UpdateEvent(ctx, calendarID, act.EventID, ev); err != nil {
			return fmt.Errorf("updating event %s: %w", act.EventID, err)
		}
		if err := o.store.LinkAppointment(ctx, act.AppointmentID, ref, now); err != nil {
			return fmt.Errorf("linking appointment %d: %w", act.AppointmentID, err)
		}
		return nil
	}
	return fmt.Errorf("unknown action kind %d", act.Kind)
}

// --- push --------------------------------------------------------------------

// Push publishes one appointment to calendarID. An appointment already
// linked to an event in that calendar overwrites it; otherwise a new event
// is inserted and linked. Re-pushing always succeeds.
func (o *Orchestrator) Push(ctx context.Context, appointmentID int64, calendarID string) (model.PushResult, error) {
	if calendarID == "" {
		calendarID = o.calendarID
	}
	res := model.PushResult{AppointmentID: appointmentID}

	ctx, span := o.tracer.Start(ctx, spanPush, trace.WithAttributes(
		attribute.Int64("sync.appointment_id", appointmentID),
		attribute.String("sync.calendar_id", calendarID),
	))
	defer span.End()

	unlock := o.locks.Lock(appointmentID)
	defer unlock()

	res, err := o.push(ctx, appointmentID, calendarID, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.log.Error("push failed", "appointment_id", appointmentID, "error", err)
		return res, err
	}
	o.cntPushed.Add(ctx, 1)
	o.log.Info("appointment pushed",
		"appointment_id", appointmentID,
		"calendar", calendarID,
		"event_id", res.Ref.EventID,
		"created", res.Created,
	)
	return res, nil
}

func (o *Orchestrator) push(ctx context.Context, id int64, calendarID string, res model.PushResult) (model.PushResult, error) {
	if err := o.checkToken(ctx); err != nil {
		return res, err
	}

	a, err := o.store.GetAppointment(ctx, id)
	if err != nil {
		return res, fmt.Errorf("loading appointment %d: %w", id, err)
	}
	if a == nil {
		return res, fmt.Errorf("appointment %d: %w", id, errs.ErrNotFound)
	}

	ev := eventmap.ToRemote(a)
	eventID := ""
	if a.ExternalRef != nil && a.ExternalRef.Provider == model.ProviderGoogle && a.ExternalRef.CalendarID == calendarID {
		eventID = a.ExternalRef.EventID
		err := o.calendar.UpdateEvent(ctx, calendarID, eventID, ev)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			o.log.Info("linked event no longer exists, inserting a new one", "appointment_id", id, "event_id", eventID)
			eventID = ""
		case err != nil:
			o.observeAuthError(err)
			return res, fmt.Errorf("updating event %s: %w", eventID, err)
		}
	}
	if eventID == "" {
		ev.ID = ""
		eventID, err = o.calendar.InsertEvent(ctx, calendarID, ev)
		if err != nil {
			o.observeAuthError(err)
			return res, fmt.Errorf("inserting event: %w", err)
		}
		res.Created = true
	}

	res.Ref = model.ExternalRef{Provider: model.ProviderGoogle, CalendarID: calendarID, EventID: eventID}
	if err := o.store.LinkAppointment(ctx, id, res.Ref, o.now().UTC()); err != nil {
		return res, fmt.Errorf("linking appointment %d: %w", id, err)
	}
	return res, nil
}

// DeleteRemote deletes the provider event linked to an appointment. It backs
// the explicit "delete from calendar too" user action; sync itself never
// deletes events. The appointment and its link are left untouched, and an
// event that is already gone counts as deleted.
func (o *Orchestrator) DeleteRemote(ctx context.Context, appointmentID int64) error {
	unlock := o.locks.Lock(appointmentID)
	defer unlock()

	if err := o.checkToken(ctx); err != nil {
		return err
	}
	a, err := o.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return fmt.Errorf("loading appointment %d: %w", appointmentID, err)
	}
	if a == nil {
		return fmt.Errorf("appointment %d: %w", appointmentID, errs.ErrNotFound)
	}
	if a.ExternalRef == nil || a.ExternalRef.Provider != model.ProviderGoogle {
		return fmt.Errorf("appointment %d has no calendar event: %w", appointmentID, errs.ErrNotFound)
	}

	calendarID := a.ExternalRef.CalendarID
	if calendarID == "" {
		calendarID = o.calendarID
	}
	err = o.calendar.DeleteEvent(ctx, calendarID, a.ExternalRef.EventID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		o.log.Info("linked event already gone", "appointment_id", appointmentID, "event_id", a.ExternalRef.EventID)
	case err != nil:
		o.observeAuthError(err)
		return fmt.Errorf("deleting event %s: %w", a.ExternalRef.EventID, err)
	default:
		o.log.Info("calendar event deleted", "appointment_id", appointmentID, "event_id", a.ExternalRef.EventID)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// checkToken verifies that a usable token exists, downgrading the
// connection when it does not.
func (o *Orchestrator) checkToken(ctx context.Context) error {
	if _, err := o.broker.ValidToken(ctx); err != nil {
		o.observeAuthError(err)
		return fmt.Errorf("checking calendar connection: %w", err)
	}
	return nil
}

// observeAuthError applies the implicit Connected → Disconnected
// transitions.
func (o *Orchestrator) observeAuthError(err error) {
	switch {
	case errors.Is(err, errs.ErrAuthExpired):
		if o.conn.Expired() {
			o.log.Warn("calendar authorization expired, reconnect required")
		}
	case errors.Is(err, errs.ErrNotConnected):
		o.conn.Cleared()
	}
}

func (o *Orchestrator) record(ctx context.Context, span trace.Span, res model.SyncRunResult, err error) {
	o.cntImported.Add(ctx, int64(res.Imported))
	o.cntUpdated.Add(ctx, int64(res.Updated))
	o.cntPushed.Add(ctx, int64(res.Pushed))
	o.cntFailed.Add(ctx, int64(len(res.Failed)))

	span.SetAttributes(
		attribute.Int("sync.imported", res.Imported),
		attribute.Int("sync.updated", res.Updated),
		attribute.Int("sync.pushed", res.Pushed),
		attribute.Int("sync.linked", res.Linked),
		attribute.Int("sync.failed", len(res.Failed)),
		attribute.String("sync.cut_short", string(res.CutShort)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func countAction(res *model.SyncRunResult, act Action) {
	switch act.Kind {
	case ActionImport:
		res.Imported++
	case ActionUpdateLocal:
		res.Updated++
	case ActionUpdateRemote:
		res.Pushed++
	}
	if act.NewLink {
		res.Linked++
	}
}

func entityOf(act Action) string {
	if act.AppointmentID != 0 {
		return model.AppointmentEntity(act.AppointmentID)
	}
	return model.EventEntity(act.EventID)
}
