// apptsync keeps a local appointment book in sync with a Google Calendar.
//
// Usage:
//
//	apptsync setup                              # interactive first-run wizard
//	apptsync connect                            # authorize a Google account
//	apptsync status                             # show connection & config state
//	apptsync sync [--from ...] [--to ...]       # single reconcile pass then exit
//	apptsync push <id> [--calendar ...]         # publish one appointment
//	apptsync disconnect                         # revoke and discard the token
//	apptsync daemon                             # sync on the configured schedule
//	apptsync add --title ... --start ...        # create a local appointment
//	apptsync edit <id> [--title ...]            # change a local appointment
//	apptsync delete <id> [--remote]             # delete a local appointment
//	apptsync remind <id> --kind day-of|3-days   # record a sent reminder
//	apptsync list [--from ...] [--to ...]       # list appointments in a window
//	apptsync list --upcoming 3d|week            # scheduled appointments coming up
//	apptsync export [--out file.ics]            # write appointments as iCalendar
//	apptsync version                            # print version
//
// Every command accepts --config <path> and --verbose.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/njoerd114/apptsync/internal/config"
	"github.com/njoerd114/apptsync/internal/google"
	"github.com/njoerd114/apptsync/internal/oauth"
	"github.com/njoerd114/apptsync/internal/secret"
	"github.com/njoerd114/apptsync/internal/state"
	syncp "github.com/njoerd114/apptsync/internal/sync"
	"github.com/njoerd114/apptsync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run loads .env and dispatches to the subcommand.
func run() error {
	// A missing .env is normal; variables may come from the environment.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		return printUsage()
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "setup":
		return runSetup(args)
	case "connect":
		return runConnect(args)
	case "status":
		return runStatus(args)
	case "sync":
		return runSyncOnce(args)
	case "push":
		return runPush(args)
	case "disconnect":
		return runDisconnect(args)
	case "daemon":
		return runDaemon(args)
	case "add":
		return runAdd(args)
	case "edit":
		return runEdit(args)
	case "delete":
		return runDelete(args)
	case "remind":
		return runRemind(args)
	case "list":
		return runList(args)
	case "export":
		return runExport(args)
	case "version":
		fmt.Println("apptsync", version)
		return nil
	}

	return fmt.Errorf("unknown command %q — run 'apptsync' for usage", cmd)
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "apptsync — sync local appointments with Google Calendar")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  apptsync setup                         Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  apptsync connect                       Authorize a Google account")
	fmt.Fprintln(os.Stderr, "  apptsync status                        Show connection & config state")
	fmt.Fprintln(os.Stderr, "  apptsync sync [--from ..] [--to ..]    Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  apptsync push <id> [--calendar ..]     Publish one appointment")
	fmt.Fprintln(os.Stderr, "  apptsync disconnect                    Revoke and discard the token")
	fmt.Fprintln(os.Stderr, "  apptsync daemon                        Sync on the configured schedule")
	fmt.Fprintln(os.Stderr, "  apptsync add --title .. --start ..     Create an appointment")
	fmt.Fprintln(os.Stderr, "  apptsync edit <id> [--title ..]        Change an appointment")
	fmt.Fprintln(os.Stderr, "  apptsync delete <id> [--remote]        Delete an appointment")
	fmt.Fprintln(os.Stderr, "  apptsync remind <id> --kind ..         Record a sent reminder")
	fmt.Fprintln(os.Stderr, "  apptsync list [--from ..] [--to ..]    List appointments")
	fmt.Fprintln(os.Stderr, "  apptsync list --upcoming 3d|week       List scheduled appointments coming up")
	fmt.Fprintln(os.Stderr, "  apptsync export [--out file.ics]       Export appointments as iCalendar")
	fmt.Fprintln(os.Stderr, "  apptsync version                       Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'apptsync setup' to get started.")
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Shared wiring -----------------------------------------------------------

// commonFlags registers --config and --verbose on fs.
type commonFlags struct {
	cfgPath *string
	verbose *bool
}

func newFlagSet(name string) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	return fs, commonFlags{
		cfgPath: fs.String("config", defaultCfg, "path to config.yaml"),
		verbose: fs.Bool("verbose", false, "enable debug logging"),
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// app bundles the components a calendar-facing command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *state.Store
	broker *oauth.Broker
	orch   *syncp.Orchestrator

	closers []func()
}

// newApp opens the store and wires the broker, the Google adapter and the
// orchestrator. Telemetry is started when configured.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if tc, ok := telemetry.FromConfig(cfg.Telemetry); ok {
		shutdownTel, err := telemetry.Setup(ctx, tc)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", tc.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	})

	box, err := secret.New(cfg.TokenSecret)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialising token sealing: %w", err)
	}

	a.broker = oauth.NewBroker(
		oauth.Credentials{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
		},
		store, box, logger,
		oauth.WithIdentity(google.Identity(cfg.Sync.CallTimeout, logger)),
	)

	cal, err := google.NewAdapter(ctx, a.broker.Source(ctx), cfg.Sync.CallTimeout, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialising Google Calendar client: %w", err)
	}

	a.orch = syncp.NewOrchestrator(a.broker, cal, store, syncp.Options{
		CalendarID: cfg.Google.CalendarID,
		WindowDays: cfg.Sync.WindowDays,
	}, logger)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// loadApp loads the config at path and wires an app.
func loadApp(ctx context.Context, cf commonFlags) (*app, error) {
	logger := newLogger(*cf.verbose)
	cfg, err := config.Load(*cf.cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w\n\nRun 'apptsync setup' to create one", *cf.cfgPath, err)
	}
	logger.Debug("config loaded", "calendar", cfg.Google.CalendarID, "window_days", cfg.Sync.WindowDays)
	return newApp(ctx, cfg, logger)
}

func openStore(cfg *config.Config, logger *slog.Logger) (*state.Store, error) {
	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	logger.Debug("state DB opened", "path", dbPath)
	return store, nil
}

func resolveDBPath(cfg *config.Config) (string, error) {
	if cfg != nil && cfg.DatabasePath != "" {
		return expandHome(cfg.DatabasePath)
	}
	dbPath, err := state.DefaultDBPath()
	if err != nil {
		return "", fmt.Errorf("resolving state DB path: %w", err)
	}
	return dbPath, nil
}

// openLocalStore opens the store for commands that never talk to Google.
// They work before setup, falling back to the default database path.
func openLocalStore(cf commonFlags) (*state.Store, *slog.Logger, error) {
	logger := newLogger(*cf.verbose)
	cfg, err := config.Load(*cf.cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = nil
	case err != nil:
		return nil, nil, fmt.Errorf("loading config from %q: %w", *cf.cfgPath, err)
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, logger, nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
