package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/njoerd114/apptsync/internal/config"
	"github.com/njoerd114/apptsync/internal/errs"
	"github.com/njoerd114/apptsync/internal/model"
	"github.com/njoerd114/apptsync/internal/setup"
	syncp "github.com/njoerd114/apptsync/internal/sync"
)

// runSetup launches the interactive setup wizard.
func runSetup(args []string) error {
	fs, cf := newFlagSet("setup")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := newLogger(*cf.verbose)

	ctx, stop := signalContext()
	defer stop()

	connect := func(ctx context.Context, cfg *config.Config) error {
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		_, err = setup.ConnectAccount(ctx, a.orch, os.Stdin, os.Stdout)
		return err
	}

	wiz := setup.NewWizard(os.Stdin, os.Stdout, *cf.cfgPath, connect, logger)
	return wiz.Run(ctx)
}

// runConnect runs the consent flow for the configured client.
func runConnect(args []string) error {
	fs, cf := newFlagSet("connect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := loadApp(ctx, cf)
	if err != nil {
		return err
	}
	defer a.Close()

	_, err = setup.ConnectAccount(ctx, a.orch, os.Stdin, os.Stdout)
	return err
}

// runDisconnect revokes the stored token. Links on appointments are kept.
func runDisconnect(args []string) error {
	fs, cf := newFlagSet("disconnect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := loadApp(ctx, cf)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.Disconnect(ctx); err != nil {
		return err
	}
	fmt.Println("✓ Disconnected. Appointments keep their calendar links until you reconnect.")
	return nil
}

// runStatus prints the connection, configuration and database state.
func runStatus(args []string) error {
	fs, cf := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("apptsync status")
	fmt.Println("───────────────")

	cfg, loadErr := config.Load(*cf.cfgPath)
	switch {
	case loadErr == nil:
		fmt.Printf("  Config:    %s ✓\n", *cf.cfgPath)
		fmt.Printf("  Calendar:  %s\n", cfg.Google.CalendarID)
		fmt.Printf("  Schedule:  %s\n", cfg.Sync.Schedule)
		fmt.Printf("  Window:    %d day(s)\n", cfg.Sync.WindowDays)
	case errors.Is(loadErr, os.ErrNotExist):
		fmt.Printf("  Config:    not found (%s)\n", *cf.cfgPath)
	default:
		fmt.Printf("  Config:    %s (invalid: %v)\n", *cf.cfgPath, loadErr)
	}

	dbPath, err := resolveDBPath(cfg)
	if err == nil {
		if info, statErr := os.Stat(dbPath); statErr == nil {
			fmt.Printf("  State DB:  %s (%s)\n", dbPath, humanSize(info.Size()))
		} else {
			fmt.Printf("  State DB:  not found\n")
		}
	}

	if loadErr != nil {
		fmt.Printf("  Account:   unknown (no valid config)\n")
		return nil
	}

	ctx, stop := signalContext()
	defer stop()
	a, err := newApp(ctx, cfg, newLogger(*cf.verbose))
	if err != nil {
		return err
	}
	defer a.Close()

	st := a.orch.Status(ctx)
	switch {
	case st.Connected:
		fmt.Printf("  Account:   %s ✓\n", st.AccountEmail)
	case st.ReconnectRequired:
		fmt.Printf("  Account:   authorization expired, run 'apptsync connect'\n")
	default:
		fmt.Printf("  Account:   not connected, run 'apptsync connect'\n")
	}
	return nil
}

// runSyncOnce runs a single reconcile pass.
func runSyncOnce(args []string) error {
	fs, cf := newFlagSet("sync")
	from := fs.String("from", "", "window start (default: now)")
	to := fs.String("to", "", "window end (default: now + window_days)")
	calendarID := fs.String("calendar", "", "calendar id (default: from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := loadApp(ctx, cf)
	if err != nil {
		return err
	}
	defer a.Close()

	var w *model.Window
	if *from != "" || *to != "" {
		win, err := parseWindow(*from, *to, a.cfg.Sync.WindowDays, timeNow())
		if err != nil {
			return err
		}
		w = &win
	}

	res, err := a.orch.Sync(ctx, *calendarID, w)
	if err != nil {
		return explain(err)
	}
	printSyncResult(res)
	return nil
}

// runPush publishes one appointment.
func runPush(args []string) error {
	idArg, rest := splitID(args)
	fs, cf := newFlagSet("push")
	calendarID := fs.String("calendar", "", "calendar id (default: from config)")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	id, err := parseID(idArg, fs)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	a, err := loadApp(ctx, cf)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.orch.Push(ctx, id, *calendarID)
	if err != nil {
		return explain(err)
	}
	verb := "Updated"
	if res.Created {
		verb = "Created"
	}
	fmt.Printf("✓ %s event %s in %s for appointment %d\n", verb, res.Ref.EventID, res.Ref.CalendarID, id)
	return nil
}

// runDaemon runs sync passes on the configured schedule until interrupted.
func runDaemon(args []string) error {
	fs, cf := newFlagSet("daemon")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := loadApp(ctx, cf)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := syncp.NewEngine(a.orch, a.cfg.Google.CalendarID, a.cfg.Sync.Schedule, a.logger)
	if err != nil {
		return err
	}

	a.logger.Info("daemon starting", "schedule", a.cfg.Sync.Schedule)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}

func printSyncResult(res model.SyncRunResult) {
	fmt.Printf("Sync %s\n", res.RunID)
	fmt.Printf("  Imported:  %d\n", res.Imported)
	fmt.Printf("  Updated:   %d\n", res.Updated)
	fmt.Printf("  Pushed:    %d\n", res.Pushed)
	fmt.Printf("  Linked:    %d\n", res.Linked)
	fmt.Printf("  Duration:  %s\n", res.Duration.Round(time.Millisecond))
	if len(res.Failed) > 0 {
		fmt.Printf("  Failed:    %d\n", len(res.Failed))
		for _, f := range res.Failed {
			fmt.Printf("    • %s: %s\n", f.EntityID, f.Reason)
		}
	}
	switch res.CutShort {
	case model.CutShortAuthExpired:
		fmt.Println("  ⚠ Stopped early: authorization expired, run 'apptsync connect'")
	case model.CutShortCancelled:
		fmt.Println("  ⚠ Stopped early: cancelled")
	}
}

// explain adds a hint for errors the user can act on.
func explain(err error) error {
	switch errs.KindOf(err) {
	case errs.KindNotConnected:
		return fmt.Errorf("%w\n\n  Run 'apptsync connect' first", err)
	case errs.KindAuthExpired:
		return fmt.Errorf("%w\n\n  Run 'apptsync connect' to authorize again", err)
	case errs.KindInProgress:
		return fmt.Errorf("%w\n\n  Another sync is running; try again shortly", err)
	}
	return err
}
