package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/njoerd114/apptsync/internal/errs"
	"github.com/njoerd114/apptsync/internal/model"
)

// Syncer runs one sync pass. Implemented by [Orchestrator].
type Syncer interface {
	Sync(ctx context.Context, calendarID string, w *model.Window) (model.SyncRunResult, error)
}

// Engine runs sync passes on a cron schedule. Create one with [NewEngine]
// and start it with [Engine.Run].
type Engine struct {
	syncer     Syncer
	calendarID string
	schedule   cron.Schedule
	spec       string
	backoff    Backoff
	log        *slog.Logger
}

// NewEngine creates an Engine for a standard five-field cron expression.
func NewEngine(syncer Syncer, calendarID, schedule string, logger *slog.Logger) (*Engine, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", schedule, err)
	}
	return &Engine{
		syncer:     syncer,
		calendarID: calendarID,
		schedule:   sched,
		spec:       schedule,
		backoff:    DefaultBackoff,
		log:        logger,
	}, nil
}

// RunOnce performs a single sync pass over the default window. Whole-run
// transient failures are retried with backoff.
func (e *Engine) RunOnce(ctx context.Context) (model.SyncRunResult, error) {
	var res model.SyncRunResult
	err := e.backoff.Do(ctx, transientRun, func() error {
		var err error
		res, err = e.syncer.Sync(ctx, e.calendarID, nil)
		if errors.Is(err, errs.ErrTransient) {
			e.log.Warn("sync run hit a transient error, will retry", "error", err)
		}
		return err
	})
	return res, err
}

// Run starts the scheduler. It runs an immediate first pass and then one
// pass per schedule tick, and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{e.log})))
	c.Schedule(e.schedule, cron.FuncJob(func() { e.tick(ctx) }))

	e.log.Info("sync engine started", "schedule", e.spec, "calendar", e.calendarID)
	e.tick(ctx)
	c.Start()

	<-ctx.Done()
	e.log.Info("sync engine shutting down")
	<-c.Stop().Done()
	return ctx.Err()
}

// tick runs one scheduled pass and logs the outcome. A pass that finds
// another run in progress is skipped.
func (e *Engine) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := e.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrSyncInProgress):
		e.log.Info("sync already in progress, skipping scheduled run")
	case errors.Is(err, errs.ErrNotConnected), errors.Is(err, errs.ErrAuthExpired):
		e.log.Warn("calendar not connected, run `apptsync connect`", "error", err)
	default:
		e.log.Error("scheduled sync failed", "kind", errs.KindOf(err).String(), "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
