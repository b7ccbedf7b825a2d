package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/njoerd114/apptsync/internal/errs"
	"github.com/njoerd114/apptsync/internal/ics"
	"github.com/njoerd114/apptsync/internal/model"
	"github.com/njoerd114/apptsync/internal/state"
)

// timeNow is replaced in tests.
var timeNow = time.Now

// inputLayouts are accepted for --start, --end, --from and --to. Values
// without a zone are read in the local time zone.
var inputLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// runAdd creates a local appointment.
func runAdd(args []string) error {
	fs, cf := newFlagSet("add")
	title := fs.String("title", "", "appointment title (required)")
	start := fs.String("start", "", "start time, e.g. 2024-06-01T09:00 (required)")
	end := fs.String("end", "", "optional end time")
	location := fs.String("location", "", "location")
	description := fs.String("description", "", "notes")
	contactName := fs.String("contact-name", "", "contact name")
	contactPhone := fs.String("contact-phone", "", "contact phone")
	contactEmail := fs.String("contact-email", "", "contact email")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a := &model.Appointment{
		Title:       *title,
		Description: *description,
		Location:    *location,
		Contact:     model.Contact{Name: *contactName, Phone: *contactPhone, Email: *contactEmail},
		Status:      model.StatusScheduled,
	}
	var err error
	if a.Start, err = parseTime(*start); err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	if *end != "" {
		e, err := parseTime(*end)
		if err != nil {
			return fmt.Errorf("--end: %w", err)
		}
		a.End = &e
	}

	store, _, err := openLocalStore(cf)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateAppointment(context.Background(), a); err != nil {
		return err
	}
	fmt.Printf("✓ Created appointment %d: %s at %s\n", a.ID, a.Title, a.Start.Local().Format("Mon 2 Jan 2006 15:04"))
	fmt.Printf("  Publish it with: apptsync push %d\n", a.ID)
	return nil
}

// runEdit changes fields of a local appointment. Only flags that are given
// are applied.
func runEdit(args []string) error {
	idArg, rest := splitID(args)
	fs, cf := newFlagSet("edit")
	title := fs.String("title", "", "new title")
	start := fs.String("start", "", "new start time")
	end := fs.String("end", "", "new end time (\"none\" clears it)")
	location := fs.String("location", "", "new location")
	description := fs.String("description", "", "new notes")
	status := fs.String("status", "", "scheduled, completed or cancelled")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	id, err := parseID(idArg, fs)
	if err != nil {
		return err
	}

	store, _, err := openLocalStore(cf)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	a, err := store.GetAppointment(ctx, id)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("appointment %d: %w", id, errs.ErrNotFound)
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["title"] {
		a.Title = *title
	}
	if set["location"] {
		a.Location = *location
	}
	if set["description"] {
		a.Description = *description
	}
	if set["start"] {
		if a.Start, err = parseTime(*start); err != nil {
			return fmt.Errorf("--start: %w", err)
		}
	}
	if set["end"] {
		if strings.EqualFold(*end, "none") {
			a.End = nil
		} else {
			e, err := parseTime(*end)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			a.End = &e
		}
	}
	if set["status"] {
		if a.Status, err = model.ParseStatus(*status); err != nil {
			return fmt.Errorf("--status: %v: %w", err, errs.ErrInvalidInput)
		}
	}

	if err := store.UpdateAppointment(ctx, a); err != nil {
		return err
	}
	fmt.Printf("✓ Updated appointment %d\n", id)
	if a.ExternalRef != nil {
		fmt.Println("  The next sync (or 'apptsync push') updates the calendar event.")
	}
	return nil
}

// runDelete removes a local appointment. The calendar event is only deleted
// with --remote.
func runDelete(args []string) error {
	idArg, rest := splitID(args)
	fs, cf := newFlagSet("delete")
	remote := fs.Bool("remote", false, "also delete the linked Google Calendar event")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	id, err := parseID(idArg, fs)
	if err != nil {
		return err
	}

	if *remote {
		ctx, stop := signalContext()
		defer stop()
		a, err := loadApp(ctx, cf)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.orch.DeleteRemote(ctx, id); err != nil {
			return explain(err)
		}
		if err := a.store.DeleteAppointment(ctx, id); err != nil {
			return err
		}
		fmt.Printf("✓ Deleted appointment %d and its calendar event\n", id)
		return nil
	}

	store, _, err := openLocalStore(cf)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.DeleteAppointment(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("✓ Deleted appointment %d (calendar event left in place)\n", id)
	return nil
}

// runRemind records that a reminder was sent.
func runRemind(args []string) error {
	idArg, rest := splitID(args)
	fs, cf := newFlagSet("remind")
	kindFlag := fs.String("kind", "day-of", "day-of or 3-days")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	id, err := parseID(idArg, fs)
	if err != nil {
		return err
	}
	kind, err := parseReminderKind(*kindFlag)
	if err != nil {
		return err
	}

	store, _, err := openLocalStore(cf)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.MarkReminderSent(context.Background(), id, kind); err != nil {
		return err
	}
	fmt.Printf("✓ Marked %s reminder as sent for appointment %d\n", *kindFlag, id)
	return nil
}

// runList prints the appointments in a window.
func runList(args []string) error {
	fs, cf := newFlagSet("list")
	from := fs.String("from", "", "window start (default: today)")
	to := fs.String("to", "", "window end (default: start + window_days)")
	upcoming := fs.String("upcoming", "", "only scheduled appointments from now: 3d or week")
	if err := fs.Parse(args); err != nil {
		return err
	}

	w, err := listWindow(*from, *to, *upcoming, timeNow())
	if err != nil {
		return err
	}

	store, _, err := openLocalStore(cf)
	if err != nil {
		return err
	}
	defer store.Close()

	appts, err := store.ListAppointmentsInWindow(context.Background(), w)
	if err != nil {
		return err
	}
	if *upcoming != "" {
		appts = scheduledOnly(appts)
	}
	if len(appts) == 0 {
		fmt.Println("No appointments in this window.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTART\tTITLE\tSTATUS\tCALENDAR")
	for _, a := range appts {
		linked := "-"
		if a.ExternalRef != nil {
			linked = a.ExternalRef.EventID
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", a.ID, a.Start.Local().Format("2006-01-02 15:04"), a.Title, a.Status, linked)
	}
	return tw.Flush()
}

// runExport writes the appointments in a window as an iCalendar file.
func runExport(args []string) error {
	fs, cf := newFlagSet("export")
	from := fs.String("from", "", "window start (default: today)")
	to := fs.String("to", "", "window end (default: start + window_days)")
	out := fs.String("out", "", "output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, logger, err := openLocalStore(cf)
	if err != nil {
		return err
	}
	defer store.Close()

	w, err := parseWindow(*from, *to, defaultListDays, startOfDay(timeNow()))
	if err != nil {
		return err
	}
	appts, err := store.ListAppointmentsInWindow(context.Background(), w)
	if err != nil {
		return err
	}

	dst := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("creating %q: %w", *out, err)
		}
		defer f.Close()
		dst = f
	}
	if err := ics.Export(dst, appts, timeNow()); err != nil {
		return err
	}
	logger.Debug("exported appointments", "count", len(appts), "out", *out)
	if *out != "" {
		fmt.Fprintf(os.Stderr, "✓ Wrote %d appointment(s) to %s\n", len(appts), *out)
	}
	return nil
}

// --- parsing helpers ---------------------------------------------------------

// defaultListDays is the window length for list and export, matching the
// default sync window.
const defaultListDays = 90

// splitID takes a leading positional id off args so flags may follow it.
func splitID(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

// parseID parses the appointment id given before the flags, or else the
// first positional argument after them.
func parseID(s string, fs *flag.FlagSet) (int64, error) {
	if s == "" {
		s = fs.Arg(0)
	}
	if s == "" {
		return 0, fmt.Errorf("appointment id is required: %w", errs.ErrInvalidInput)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid appointment id %q: %w", s, errs.ErrInvalidInput)
	}
	return id, nil
}

// parseTime accepts RFC 3339 or one of inputLayouts in the local zone.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("time is required: %w", errs.ErrInvalidInput)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range inputLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q (use 2006-01-02T15:04 or RFC 3339): %w", s, errs.ErrInvalidInput)
}

// parseWindow builds a window from optional bounds. A missing start defaults
// to defaultFrom and a missing end to start + days.
func parseWindow(from, to string, days int, defaultFrom time.Time) (model.Window, error) {
	w := model.Window{From: defaultFrom}
	var err error
	if from != "" {
		if w.From, err = parseTime(from); err != nil {
			return model.Window{}, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if w.To, err = parseTime(to); err != nil {
			return model.Window{}, fmt.Errorf("--to: %w", err)
		}
	} else {
		w.To = w.From.AddDate(0, 0, days)
	}
	if err := w.Validate(); err != nil {
		return model.Window{}, fmt.Errorf("%v: %w", err, errs.ErrInvalidInput)
	}
	return w, nil
}

// listWindow picks the list window from either explicit bounds or an
// --upcoming shortcut.
func listWindow(from, to, upcoming string, now time.Time) (model.Window, error) {
	if upcoming == "" {
		return parseWindow(from, to, defaultListDays, startOfDay(now))
	}
	if from != "" || to != "" {
		return model.Window{}, fmt.Errorf("--upcoming cannot be combined with --from or --to: %w", errs.ErrInvalidInput)
	}
	return upcomingWindow(upcoming, now)
}

// upcomingWindow returns the window starting at now for the --upcoming
// shortcuts.
func upcomingWindow(kind string, now time.Time) (model.Window, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "3d", "3-days", "3days":
		return model.DefaultWindow(now, 3), nil
	case "week", "7d":
		return model.DefaultWindow(now, 7), nil
	}
	return model.Window{}, fmt.Errorf("unknown --upcoming value %q (use 3d or week): %w", kind, errs.ErrInvalidInput)
}

// scheduledOnly drops cancelled and completed appointments, keeping order.
func scheduledOnly(appts []*model.Appointment) []*model.Appointment {
	out := appts[:0]
	for _, a := range appts {
		if a.Status == model.StatusScheduled {
			out = append(out, a)
		}
	}
	return out
}

func parseReminderKind(s string) (state.ReminderKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day-of", "dayof", "today":
		return state.ReminderDayOf, nil
	case "3-days", "3days", "three-days":
		return state.ReminderThreeDays, nil
	}
	return 0, fmt.Errorf("unknown reminder kind %q (use day-of or 3-days): %w", s, errs.ErrInvalidInput)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// expandHome resolves a leading "~/" in a configured path.
func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
