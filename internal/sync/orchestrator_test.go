package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/apptsync/internal/errs"
	"github.com/njoerd114/apptsync/internal/model"
	"github.com/njoerd114/apptsync/internal/oauth"
)

// testClock is a manually advanced clock shared by the orchestrator and the
// mock calendar.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock  *testClock
	broker *mockBroker
	cal    *mockCalendar
	store  *mockStore
	orch   *Orchestrator
	window *model.Window
}

func newFixture(locals []*model.Appointment, remotes ...model.RemoteEvent) *fixture {
	clock := newTestClock(time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		clock:  clock,
		broker: newMockBroker(),
		cal:    newMockCalendar(clock.Now, remotes...),
		store:  newMockStore(locals...),
		window: &model.Window{From: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)},
	}
	f.orch = NewOrchestrator(f.broker, f.cal, f.store, Options{Now: clock.Now}, testLogger)
	return f
}

func (f *fixture) sync(t *testing.T) model.SyncRunResult {
	t.Helper()
	res, err := f.orch.Sync(context.Background(), "primary", f.window)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return res
}

// ---------------------------------------------------------------------------
// End-to-end scenarios
// ---------------------------------------------------------------------------

func TestSync_FirstRunLinksManualAppointment(t *testing.T) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	a := newAppointment(0, "Checkup", start, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC))
	e := newEvent("ev-1", "Checkup", start, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC))
	e.Location = "Clinic"
	e.End = start.Add(30 * time.Minute)

	f := newFixture([]*model.Appointment{a}, e)
	res := f.sync(t)

	if res.Imported != 0 || res.Updated != 1 {
		t.Errorf("result = {imported:%d, updated:%d}, want {imported:0, updated:1}", res.Imported, res.Updated)
	}
	if res.Linked != 1 {
		t.Errorf("Linked = %d, want 1", res.Linked)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}

	got := f.store.get(a.ID)
	if !got.ExternalRef.Matches(model.ProviderGoogle, "ev-1") {
		t.Errorf("ExternalRef = %+v, want link to ev-1", got.ExternalRef)
	}
	if got.Location != "Clinic" || got.End == nil || !got.End.Equal(e.End) {
		t.Errorf("fields not taken from event: %+v", got)
	}
	if f.store.count() != 1 {
		t.Errorf("store has %d appointments, want 1", f.store.count())
	}
}

func TestSync_IdempotentAfterImport(t *testing.T) {
	start := time.Date(2024, 6, 2, 14, 0, 0, 0, time.UTC)
	f := newFixture(nil,
		newEvent("ev-1", "Haircut", start, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)),
		newEvent("ev-2", "Lunch", start.Add(24*time.Hour), time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)),
	)

	first := f.sync(t)
	if first.Imported != 2 {
		t.Fatalf("first run imported %d, want 2", first.Imported)
	}

	f.clock.Advance(time.Minute)
	second := f.sync(t)
	if second.Imported != 0 || second.Updated != 0 || second.Pushed != 0 {
		t.Errorf("second run = %+v, want no changes", second)
	}
	if f.store.count() != 2 {
		t.Errorf("store has %d appointments, want 2", f.store.count())
	}
}

func TestSync_IdempotentAfterPushingLocalChange(t *testing.T) {
	start := time.Date(2024, 6, 2, 14, 0, 0, 0, time.UTC)
	local := linkedAppointment(1, "Haircut (new salon)", start, time.Date(2024, 5, 18, 0, 0, 0, 0, time.UTC), "ev-1")
	f := newFixture([]*model.Appointment{local},
		newEvent("ev-1", "Haircut", start, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)),
	)

	first := f.sync(t)
	if first.Pushed != 1 {
		t.Fatalf("first run = %+v, want one push", first)
	}
	ev, _ := f.cal.get("ev-1")
	if ev.Summary != "Haircut (new salon)" {
		t.Errorf("remote summary = %q", ev.Summary)
	}

	f.clock.Advance(time.Minute)
	second := f.sync(t)
	if second.Imported != 0 || second.Updated != 0 || second.Pushed != 0 {
		t.Errorf("second run = %+v, want no changes", second)
	}
}

func TestSync_RemoteCancellationFlipsStatus(t *testing.T) {
	start := time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)
	local := linkedAppointment(1, "Dentist", start, time.Date(2024, 5, 18, 0, 0, 0, 0, time.UTC), "ev-1")
	local.ReminderSent = true
	ev := newEvent("ev-1", "Dentist", start, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	ev.Status = model.EventCancelled

	f := newFixture([]*model.Appointment{local}, ev)
	res := f.sync(t)

	if res.Updated != 1 {
		t.Errorf("Updated = %d, want 1", res.Updated)
	}
	got := f.store.get(1)
	if got.Status != model.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
	if !got.ReminderSent {
		t.Error("sync reset ReminderSent")
	}
	if f.store.count() != 1 {
		t.Error("cancellation must not delete or duplicate the appointment")
	}
}

func TestSync_MovedEventOutsideWindowNotReimported(t *testing.T) {
	start := time.Date(2024, 4, 20, 9, 0, 0, 0, time.UTC) // before the window
	local := linkedAppointment(1, "Trip", start, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), "ev-1")
	moved := newEvent("ev-1", "Trip", time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC), time.Date(2024, 5, 19, 0, 0, 0, 0, time.UTC))

	f := newFixture([]*model.Appointment{local}, moved)
	res := f.sync(t)

	if res.Imported != 0 || res.Updated != 1 {
		t.Errorf("result = %+v, want one update and no import", res)
	}
	if f.store.count() != 1 {
		t.Errorf("store has %d appointments, want 1", f.store.count())
	}
}

func TestSync_DefaultWindow(t *testing.T) {
	f := newFixture(nil,
		newEvent("ev-soon", "Soon", time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
		newEvent("ev-late", "Late", time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC), time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
	)
	res, err := f.orch.Sync(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Imported != 1 {
		t.Errorf("Imported = %d, want 1 (only the event inside 90 days)", res.Imported)
	}
}

func TestSync_InvalidWindow(t *testing.T) {
	f := newFixture(nil)
	w := &model.Window{From: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	_, err := f.orch.Sync(context.Background(), "primary", w)
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

// ---------------------------------------------------------------------------
// Failure handling
// ---------------------------------------------------------------------------

func pushFixture() *fixture {
	start := time.Date(2024, 6, 5, 9, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 5, 19, 0, 0, 0, 0, time.UTC)
	older := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	var locals []*model.Appointment
	var remotes []model.RemoteEvent
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("ev-%d", i)
		locals = append(locals, linkedAppointment(int64(i), fmt.Sprintf("Local %d", i), start.Add(time.Duration(i)*time.Hour), newer, id))
		remotes = append(remotes, newEvent(id, fmt.Sprintf("Remote %d", i), start.Add(time.Duration(i)*time.Hour), older))
	}
	return newFixture(locals, remotes...)
}

func TestSync_PartialFailureIsolation(t *testing.T) {
	f := pushFixture()
	f.cal.updateErr["ev-2"] = fmt.Errorf("update event ev-2: %w", errs.ErrTransient)

	res := f.sync(t)

	if res.Pushed != 2 {
		t.Errorf("Pushed = %d, want 2", res.Pushed)
	}
	if len(res.Failed) != 1 || res.Failed[0].EntityID != "appointment:2" {
		t.Errorf("Failed = %+v, want [appointment:2]", res.Failed)
	}
	if res.CutShort != model.CutShortNone {
		t.Errorf("CutShort = %q, want none", res.CutShort)
	}
	for i, id := range []string{"ev-1", "ev-2", "ev-3"} {
		ev, _ := f.cal.get(id)
		want := fmt.Sprintf("Local %d", i+1)
		if id == "ev-2" {
			want = "Remote 2"
		}
		if ev.Summary != want {
			t.Errorf("%s summary = %q, want %q", id, ev.Summary, want)
		}
	}
}

func TestSync_AuthExpiredMidRunCutsShort(t *testing.T) {
	f := pushFixture()
	f.cal.updateErr["ev-2"] = fmt.Errorf("update event ev-2: %w", errs.ErrAuthExpired)

	res := f.sync(t)

	if res.CutShort != model.CutShortAuthExpired {
		t.Errorf("CutShort = %q, want auth_expired", res.CutShort)
	}
	if res.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1 (only the action before the failure)", res.Pushed)
	}
	if len(f.cal.updates) != 1 {
		t.Errorf("calendar updates = %v, want only ev-1", f.cal.updates)
	}
	st := f.orch.Status(context.Background())
	if st.Connected || !st.ReconnectRequired {
		t.Errorf("Status = %+v, want disconnected with reconnect required", st)
	}

	// Further runs fail until the user reconnects.
	f.broker.setTokenErr(errs.ErrAuthExpired)
	if _, err := f.orch.Sync(context.Background(), "primary", f.window); !errors.Is(err, errs.ErrAuthExpired) {
		t.Errorf("second Sync error = %v, want ErrAuthExpired", err)
	}
}

func TestSync_CancelledBetweenActions(t *testing.T) {
	f := pushFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.cal.onUpdate = func(string) { cancel() }

	res, err := f.orch.Sync(ctx, "primary", f.window)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.CutShort != model.CutShortCancelled {
		t.Errorf("CutShort = %q, want cancelled", res.CutShort)
	}
	// The in-flight action completes; nothing after it starts.
	if res.Pushed != 1 || len(res.Failed) != 0 {
		t.Errorf("result = %+v, want exactly one completed push", res)
	}
}

func TestSync_NotConnected(t *testing.T) {
	f := newFixture(nil)
	f.broker.setTokenErr(errs.ErrNotConnected)

	_, err := f.orch.Sync(context.Background(), "primary", f.window)
	if !errors.Is(err, errs.ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
	if f.cal.listCalls != 0 {
		t.Errorf("listCalls = %d, want 0", f.cal.listCalls)
	}
}

func TestSync_RemoteFetchFailureFailsRun(t *testing.T) {
	f := newFixture(nil)
	f.cal.listErr = fmt.Errorf("list events: %w", errs.ErrTransient)

	_, err := f.orch.Sync(context.Background(), "primary", f.window)
	if errs.KindOf(err) != errs.KindTransient {
		t.Errorf("kind = %s, want transient", errs.KindOf(err))
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestSync_SingleFlight(t *testing.T) {
	f := newFixture(nil, newEvent("ev-1", "Once", time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.cal.onList = func() {
		once.Do(func() { close(entered) })
		<-release
	}

	var (
		wg       sync.WaitGroup
		firstRes model.SyncRunResult
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstRes, firstErr = f.orch.Sync(context.Background(), "primary", f.window)
	}()

	<-entered
	_, err := f.orch.Sync(context.Background(), "primary", f.window)
	if !errors.Is(err, errs.ErrSyncInProgress) {
		t.Errorf("concurrent Sync error = %v, want ErrSyncInProgress", err)
	}
	if errs.KindOf(err) != errs.KindInProgress {
		t.Errorf("kind = %s, want in_progress", errs.KindOf(err))
	}

	close(release)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("first Sync: %v", firstErr)
	}
	if firstRes.Imported != 1 {
		t.Errorf("first run imported %d, want 1", firstRes.Imported)
	}
	if f.cal.listCalls != 1 || f.cal.maxInflight != 1 {
		t.Errorf("listCalls = %d, maxInflight = %d, want 1 and 1", f.cal.listCalls, f.cal.maxInflight)
	}
	if f.store.count() != 1 {
		t.Errorf("store has %d appointments, want 1", f.store.count())
	}

	// The gate is released after the run.
	if _, err := f.orch.Sync(context.Background(), "primary", f.window); err != nil {
		t.Errorf("Sync after release: %v", err)
	}
}

func TestSync_SingleFlightAcrossProcesses(t *testing.T) {
	f := newFixture(nil, newEvent("ev-1", "Once", time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	// A second orchestrator over the same database stands in for another
	// process, such as a CLI sync while the daemon runs.
	other := NewOrchestrator(f.broker, f.cal, f.store, Options{Now: f.clock.Now}, testLogger)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.cal.onList = func() {
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Sync(context.Background(), "primary", f.window)
		done <- err
	}()

	<-entered
	if _, err := other.Sync(context.Background(), "primary", f.window); !errors.Is(err, errs.ErrSyncInProgress) {
		t.Errorf("Sync from other process = %v, want ErrSyncInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	if f.cal.listCalls != 1 {
		t.Errorf("listCalls = %d, want 1", f.cal.listCalls)
	}
	if f.store.leaseHeld(oauth.AccountKey) {
		t.Error("lease still held after the run finished")
	}
	if _, err := other.Sync(context.Background(), "primary", f.window); err != nil {
		t.Errorf("Sync from other process after release: %v", err)
	}
}

func TestSync_AbandonedLeaseExpires(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	if ok, _ := f.store.AcquireSyncLease(ctx, oauth.AccountKey, "crashed-run", f.clock.Now(), DefaultLeaseTTL); !ok {
		t.Fatal("could not seed lease")
	}
	if _, err := f.orch.Sync(ctx, "primary", f.window); !errors.Is(err, errs.ErrSyncInProgress) {
		t.Fatalf("Sync under a live lease = %v, want ErrSyncInProgress", err)
	}

	f.clock.Advance(DefaultLeaseTTL)
	if _, err := f.orch.Sync(ctx, "primary", f.window); err != nil {
		t.Fatalf("Sync after lease expiry: %v", err)
	}
}

func TestSync_ReleasesLeaseOnFailure(t *testing.T) {
	f := newFixture(nil)
	f.broker.connected = false

	if _, err := f.orch.Sync(context.Background(), "primary", f.window); !errors.Is(err, errs.ErrNotConnected) {
		t.Fatalf("Sync error = %v, want ErrNotConnected", err)
	}
	if f.store.leaseHeld(oauth.AccountKey) {
		t.Error("lease still held after a failed run")
	}
}

// ---------------------------------------------------------------------------
// Push
// ---------------------------------------------------------------------------

func TestPush_InsertsAndLinks(t *testing.T) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture([]*model.Appointment{newAppointment(1, "Checkup", start, start)})

	res, err := f.orch.Push(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !res.Created || res.Ref.EventID == "" || res.Ref.CalendarID != "primary" {
		t.Errorf("PushResult = %+v", res)
	}
	got := f.store.get(1)
	if !got.ExternalRef.Matches(model.ProviderGoogle, res.Ref.EventID) {
		t.Errorf("ExternalRef = %+v", got.ExternalRef)
	}
	if got.LastSyncedAt.IsZero() {
		t.Error("LastSyncedAt not set")
	}
	ev, ok := f.cal.get(res.Ref.EventID)
	if !ok || ev.Summary != "Checkup" || !ev.End.Equal(start.Add(time.Hour)) {
		t.Errorf("remote event = %+v", ev)
	}

	// A sync right after the push changes nothing.
	sres := f.sync(t)
	if sres.Imported != 0 || sres.Updated != 0 || sres.Pushed != 0 {
		t.Errorf("sync after push = %+v, want no changes", sres)
	}
}

func TestPush_RepushOverwrites(t *testing.T) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	local := linkedAppointment(1, "Local wins", start, start, "ev-1")
	f := newFixture([]*model.Appointment{local}, newEvent("ev-1", "Remote edit", start, start.Add(time.Hour)))

	res, err := f.orch.Push(context.Background(), 1, "primary")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if res.Created || res.Ref.EventID != "ev-1" {
		t.Errorf("PushResult = %+v, want overwrite of ev-1", res)
	}
	ev, _ := f.cal.get("ev-1")
	if ev.Summary != "Local wins" {
		t.Errorf("remote summary = %q", ev.Summary)
	}
	if f.cal.count() != 1 {
		t.Errorf("calendar has %d events, want 1", f.cal.count())
	}
}

func TestPush_LinkedEventGoneInsertsNew(t *testing.T) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture([]*model.Appointment{linkedAppointment(1, "Orphan", start, start, "ev-deleted")})

	res, err := f.orch.Push(context.Background(), 1, "primary")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !res.Created || res.Ref.EventID == "ev-deleted" {
		t.Errorf("PushResult = %+v, want a new event", res)
	}
}

func TestPush_NotFound(t *testing.T) {
	f := newFixture(nil)
	_, err := f.orch.Push(context.Background(), 42, "primary")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestPush_NotConnected(t *testing.T) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture([]*model.Appointment{newAppointment(1, "Checkup", start, start)})
	f.broker.setTokenErr(errs.ErrNotConnected)

	_, err := f.orch.Push(context.Background(), 1, "primary")
	if !errors.Is(err, errs.ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
	if f.cal.count() != 0 {
		t.Error("event inserted without a connection")
	}
}

func TestPush_SameAppointmentSerialised(t *testing.T) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture([]*model.Appointment{linkedAppointment(1, "Busy", start, start, "ev-1")},
		newEvent("ev-1", "Busy", start, start))

	var (
		mu          sync.Mutex
		inflight    int
		maxInflight int
	)
	f.cal.onUpdate = func(string) {
		mu.Lock()
		inflight++
		if inflight > maxInflight {
			maxInflight = inflight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orch.Push(context.Background(), 1, "primary"); err != nil {
				t.Errorf("Push: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInflight != 1 {
		t.Errorf("max concurrent pushes of one appointment = %d, want 1", maxInflight)
	}
	if f.orch.locks.held() != 0 {
		t.Errorf("lock table not drained: %d entries", f.orch.locks.held())
	}
}

func TestSync_LocalUpdateWaitsForPush(t *testing.T) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	local := linkedAppointment(1, "Local", start, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), "ev-1")
	f := newFixture([]*model.Appointment{local}, newEvent("ev-1", "Remote edit", start, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)))

	pushing := make(chan struct{})
	releasePush := make(chan struct{})
	f.cal.onUpdate = func(string) {
		close(pushing)
		<-releasePush
	}
	applied := make(chan struct{})
	f.store.onApply = func(int64) { close(applied) }

	pushDone := make(chan error, 1)
	go func() {
		_, err := f.orch.Push(context.Background(), 1, "primary")
		pushDone <- err
	}()
	<-pushing

	syncDone := make(chan error, 1)
	go func() {
		_, err := f.orch.Sync(context.Background(), "primary", f.window)
		syncDone <- err
	}()

	// Wait until the sync run queues behind the push on appointment 1.
	deadline := time.Now().Add(2 * time.Second)
	for lockRefs(f.orch.locks, 1) < 2 {
		select {
		case <-applied:
			t.Fatal("sync updated appointment 1 while a push of it was in flight")
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("sync run never waited for the appointment lock")
		}
		time.Sleep(time.Millisecond)
	}

	close(releasePush)
	if err := <-pushDone; err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := <-syncDone; err != nil {
		t.Fatalf("Sync: %v", err)
	}
	<-applied
	if f.orch.locks.held() != 0 {
		t.Errorf("lock table not drained: %d entries", f.orch.locks.held())
	}
}

// lockRefs returns the number of holders and waiters for id.
func lockRefs(k *keyedMutex, id int64) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if m, ok := k.locks[id]; ok {
		return m.refs
	}
	return 0
}

func TestDeleteRemote(t *testing.T) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture([]*model.Appointment{
		linkedAppointment(1, "Gone soon", start, start, "ev-1"),
		linkedAppointment(2, "Already gone", start, start, "ev-missing"),
		newAppointment(3, "Never pushed", start, start),
	}, newEvent("ev-1", "Gone soon", start, start))
	ctx := context.Background()

	if err := f.orch.DeleteRemote(ctx, 1); err != nil {
		t.Fatalf("DeleteRemote: %v", err)
	}
	if _, ok := f.cal.get("ev-1"); ok {
		t.Error("event ev-1 still exists")
	}
	if got := f.store.get(1); !got.ExternalRef.Matches(model.ProviderGoogle, "ev-1") {
		t.Error("DeleteRemote must not touch the local link")
	}

	if err := f.orch.DeleteRemote(ctx, 2); err != nil {
		t.Errorf("deleting an already missing event: %v", err)
	}
	if err := f.orch.DeleteRemote(ctx, 3); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("unlinked appointment: error = %v, want ErrNotFound", err)
	}
	if err := f.orch.DeleteRemote(ctx, 99); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("missing appointment: error = %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Connection operations
// ---------------------------------------------------------------------------

func TestStatus(t *testing.T) {
	f := newFixture(nil)

	st := f.orch.Status(context.Background())
	if !st.Connected || st.AccountEmail != "owner@example.com" {
		t.Errorf("Status = %+v, want connected as owner@example.com", st)
	}

	f.broker.connected = false
	st = f.orch.Status(context.Background())
	if st.Connected || st.AccountEmail != "" {
		t.Errorf("Status = %+v, want disconnected", st)
	}
}

func TestStatus_UnusableTokenIsNotConnected(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	f.broker.setTokenErr(fmt.Errorf("token endpoint: %w", errs.ErrTransient))
	if st := f.orch.Status(ctx); st.Connected || st.ReconnectRequired {
		t.Errorf("Status with unreachable provider = %+v, want disconnected without reconnect", st)
	}

	// The row still exists but the provider rejected the refresh token.
	f.broker.setTokenErr(errs.ErrAuthExpired)
	st := f.orch.Status(ctx)
	if st.Connected || !st.ReconnectRequired || st.AccountEmail != "" {
		t.Errorf("Status with expired grant = %+v, want reconnect required", st)
	}
	if f.orch.Connection().State() != Disconnected {
		t.Errorf("state = %v, want %v", f.orch.Connection().State(), Disconnected)
	}

	f.broker.setTokenErr(nil)
	if st := f.orch.Status(ctx); st.Connected || !st.ReconnectRequired {
		t.Errorf("Status = %+v, reconnect required must stick until Connect", st)
	}
}

func TestConnect_ClearsReconnectRequired(t *testing.T) {
	f := newFixture(nil)
	f.orch.Connection().Expired()

	if st := f.orch.Status(context.Background()); st.Connected {
		t.Fatalf("Status = %+v, want disconnected", st)
	}
	if _, err := f.orch.Connect(context.Background(), "bad-code"); err == nil {
		t.Error("Connect with a bad code succeeded")
	}

	st, err := f.orch.Connect(context.Background(), "good-code")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !st.Connected || st.ReconnectRequired || st.AccountEmail != "owner@example.com" {
		t.Errorf("Status = %+v, want connected", st)
	}
	if f.orch.AuthorizationURL("s1") == "" {
		t.Error("empty authorization URL")
	}
}

func TestDisconnect_PreservesLinks(t *testing.T) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture([]*model.Appointment{linkedAppointment(1, "Kept", start, start, "ev-1")})

	if err := f.orch.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !f.broker.revoked {
		t.Error("token not revoked")
	}
	if st := f.orch.Status(context.Background()); st.Connected {
		t.Errorf("Status = %+v, want disconnected", st)
	}
	if got := f.store.get(1); !got.ExternalRef.Matches(model.ProviderGoogle, "ev-1") {
		t.Errorf("link dropped on disconnect: %+v", got.ExternalRef)
	}
}
