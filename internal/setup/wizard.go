package setup

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/njoerd114/apptsync/internal/config"
)

// ConnectFunc completes the account connection for a freshly written config.
type ConnectFunc func(ctx context.Context, cfg *config.Config) error

// Wizard guides the user through first-run configuration and the first
// account connection.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	cfgPath string
	connect ConnectFunc
}

// NewWizard creates a Wizard that writes its result to cfgPath. connect may
// be nil, in which case the connection step is skipped.
func NewWizard(r io.Reader, w io.Writer, cfgPath string, connect ConnectFunc, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		cfgPath: cfgPath,
		connect: connect,
	}
}

var scheduleChoices = []struct {
	label string
	spec  string
}{
	{"Every 15 minutes", "*/15 * * * *"},
	{"Every hour", "0 * * * *"},
	{"Twice a day (08:00, 18:00)", "0 8,18 * * *"},
}

// Run executes the interactive setup wizard.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to apptsync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard configures Google Calendar sync for your appointments.\n\n")

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			cfg, err := config.Load(wiz.cfgPath)
			if err != nil {
				return fmt.Errorf("loading existing config: %w", err)
			}
			return wiz.offerConnect(ctx, cfg)
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	fmt.Fprintf(wiz.w, "Step 1/4 — Google OAuth client\n")
	fmt.Fprintf(wiz.w, "  Create an OAuth client in the Google Cloud console with the Calendar API enabled.\n")
	clientID := wiz.prompt.String("Client ID", os.Getenv(config.EnvClientID))
	clientSecret := wiz.prompt.Secret("Client secret")
	redirectURL := wiz.prompt.String("Redirect URL", config.DefaultRedirectURL)
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "Step 2/4 — Calendar\n")
	calendarID := wiz.prompt.String("Calendar ID", config.DefaultCalendarID)
	windowDays := wiz.prompt.Int("Days ahead to sync", config.DefaultWindowDays, 1, 366)
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "Step 3/4 — Schedule\n")
	labels := make([]string, len(scheduleChoices))
	for i, c := range scheduleChoices {
		labels[i] = c.label
	}
	idx, err := wiz.prompt.Select("How often should the daemon sync?", labels, 0)
	if err != nil {
		return fmt.Errorf("selecting schedule: %w", err)
	}
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "Step 4/4 — Save Configuration\n")
	secret, err := generateSecret()
	if err != nil {
		return err
	}
	cfg := &config.Config{
		TokenSecret: secret,
		Google: config.GoogleConfig{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			CalendarID:   calendarID,
		},
		Sync: config.SyncConfig{
			Schedule:    scheduleChoices[idx].spec,
			WindowDays:  windowDays,
			CallTimeout: config.DefaultCallTimeout,
		},
	}
	if err := cfg.Write(wiz.cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n", wiz.cfgPath)
	fmt.Fprintf(wiz.w, "  The generated token_secret seals stored tokens; keep the file private.\n\n")
	wiz.logger.Debug("config written", "path", wiz.cfgPath, "calendar", calendarID)

	return wiz.offerConnect(ctx, cfg)
}

// offerConnect asks whether to connect the Google account now.
func (wiz *Wizard) offerConnect(ctx context.Context, cfg *config.Config) error {
	if wiz.connect == nil || !wiz.prompt.Confirm("Connect your Google account now?", true) {
		fmt.Fprintf(wiz.w, "\n  You can connect later with: apptsync connect\n\n")
		return nil
	}
	if err := wiz.connect(ctx, cfg); err != nil {
		return fmt.Errorf("connecting account: %w", err)
	}

	fmt.Fprintf(wiz.w, "\nSetup complete!\n")
	fmt.Fprintf(wiz.w, "  Config:  %s\n", wiz.cfgPath)
	fmt.Fprintf(wiz.w, "  Sync:    apptsync sync\n")
	fmt.Fprintf(wiz.w, "  Daemon:  apptsync daemon\n\n")
	return nil
}

// generateSecret returns a random token_secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
