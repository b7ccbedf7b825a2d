package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/njoerd114/apptsync/internal/errs"
	"github.com/njoerd114/apptsync/internal/model"
	"github.com/njoerd114/apptsync/internal/oauth"
)

// --- Mock Calendar -----------------------------------------------------------

type mockCalendar struct {
	mu     sync.Mutex
	events map[string]model.RemoteEvent // event ID → event
	nextID int
	clock  func() time.Time

	listCalls   int
	inflight    int
	maxInflight int
	updates     []string

	listErr   error
	updateErr map[string]error
	insertErr error

	// onList, when set, runs inside ListEvents before returning.
	onList func()
	// onUpdate, when set, runs inside UpdateEvent before the write.
	onUpdate func(eventID string)
}

func newMockCalendar(clock func() time.Time, events ...model.RemoteEvent) *mockCalendar {
	m := &mockCalendar{events: make(map[string]model.RemoteEvent), clock: clock, updateErr: map[string]error{}}
	for _, ev := range events {
		m.events[ev.ID] = ev
	}
	return m
}

func (m *mockCalendar) ListEvents(_ context.Context, _ string, w model.Window) ([]model.RemoteEvent, error) {
	m.mu.Lock()
	m.listCalls++
	m.inflight++
	if m.inflight > m.maxInflight {
		m.maxInflight = m.inflight
	}
	hook := m.onList
	m.mu.Unlock()

	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []model.RemoteEvent
	for _, ev := range m.events {
		if ev.Start.IsZero() || w.Contains(ev.Start) {
			out = append(out, copyEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockCalendar) InsertEvent(_ context.Context, _ string, ev model.RemoteEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return "", m.insertErr
	}
	m.nextID++
	ev.ID = fmt.Sprintf("ev-new-%d", m.nextID)
	ev.UpdatedAt = m.clock()
	m.events[ev.ID] = copyEvent(ev)
	return ev.ID, nil
}

func (m *mockCalendar) UpdateEvent(_ context.Context, _ string, eventID string, ev model.RemoteEvent) error {
	if m.onUpdate != nil {
		m.onUpdate(eventID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateErr[eventID]; err != nil {
		return err
	}
	if _, ok := m.events[eventID]; !ok {
		return fmt.Errorf("event %s: %w", eventID, errs.ErrNotFound)
	}
	ev.ID = eventID
	ev.UpdatedAt = m.clock()
	m.events[eventID] = copyEvent(ev)
	m.updates = append(m.updates, eventID)
	return nil
}

func (m *mockCalendar) DeleteEvent(_ context.Context, _ string, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		return errs.ErrNotFound
	}
	delete(m.events, eventID)
	return nil
}

func (m *mockCalendar) get(id string) (model.RemoteEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	return ev, ok
}

func (m *mockCalendar) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func copyEvent(ev model.RemoteEvent) model.RemoteEvent {
	if ev.Private != nil {
		p := make(map[string]string, len(ev.Private))
		for k, v := range ev.Private {
			p[k] = v
		}
		ev.Private = p
	}
	return ev
}

// --- Mock Store --------------------------------------------------------------

type mockStore struct {
	mu     sync.Mutex
	items  map[int64]*model.Appointment
	nextID int64
	leases map[string]mockLease

	// onApply, when set, runs before ApplySyncedFields touches the row.
	onApply func(id int64)
}

type mockLease struct {
	holder  string
	expires time.Time
}

func newMockStore(items ...*model.Appointment) *mockStore {
	m := &mockStore{items: make(map[int64]*model.Appointment), leases: make(map[string]mockLease)}
	for _, a := range items {
		if a.ID == 0 {
			m.nextID++
			a.ID = m.nextID
		} else if a.ID > m.nextID {
			m.nextID = a.ID
		}
		m.items[a.ID] = copyAppointment(a)
	}
	return m
}

func (m *mockStore) CreateAppointment(_ context.Context, a *model.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ExternalRef != nil {
		for _, existing := range m.items {
			if existing.ExternalRef.Matches(a.ExternalRef.Provider, a.ExternalRef.EventID) {
				return errs.ErrAlreadyExists
			}
		}
	}
	m.nextID++
	a.ID = m.nextID
	m.items[a.ID] = copyAppointment(a)
	return nil
}

func (m *mockStore) GetAppointment(_ context.Context, id int64) (*model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return copyAppointment(a), nil
}

func (m *mockStore) ListAppointmentsInWindow(_ context.Context, w model.Window) ([]*model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Appointment
	for _, a := range m.items {
		if w.Contains(a.Start) {
			out = append(out, copyAppointment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) GetAppointmentsByEventIDs(_ context.Context, provider string, ids []string) ([]*model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*model.Appointment
	for _, a := range m.items {
		if a.ExternalRef != nil && a.ExternalRef.Provider == provider && want[a.ExternalRef.EventID] {
			out = append(out, copyAppointment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) ApplySyncedFields(_ context.Context, id int64, f model.Fields, ref model.ExternalRef, now time.Time) error {
	if m.onApply != nil {
		m.onApply(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return errs.ErrNotFound
	}
	a.Apply(f)
	r := ref
	a.ExternalRef = &r
	a.UpdatedAt = now
	a.LastSyncedAt = now
	return nil
}

func (m *mockStore) LinkAppointment(_ context.Context, id int64, ref model.ExternalRef, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return errs.ErrNotFound
	}
	r := ref
	a.ExternalRef = &r
	a.UpdatedAt = now
	a.LastSyncedAt = now
	return nil
}

func (m *mockStore) AcquireSyncLease(_ context.Context, key, holder string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok && l.holder != holder && now.Before(l.expires) {
		return false, nil
	}
	m.leases[key] = mockLease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *mockStore) ReleaseSyncLease(_ context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok && l.holder == holder {
		delete(m.leases, key)
	}
	return nil
}

func (m *mockStore) leaseHeld(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.leases[key]
	return ok
}

func (m *mockStore) get(id int64) *model.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.items[id]; ok {
		return copyAppointment(a)
	}
	return nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func copyAppointment(a *model.Appointment) *model.Appointment {
	cp := *a
	if a.End != nil {
		end := *a.End
		cp.End = &end
	}
	if a.ExternalRef != nil {
		ref := *a.ExternalRef
		cp.ExternalRef = &ref
	}
	return &cp
}

// --- Mock Broker -------------------------------------------------------------

type mockBroker struct {
	mu        sync.Mutex
	connected bool
	email     string
	tokenErr  error
	revoked   bool
	codes     []string
}

func newMockBroker() *mockBroker {
	return &mockBroker{connected: true, email: "owner@example.com"}
}

func (m *mockBroker) AuthorizationURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (m *mockBroker) Exchange(_ context.Context, code string) (*oauth.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code != "good-code" {
		return nil, errs.ErrAuthExpired
	}
	m.codes = append(m.codes, code)
	m.connected = true
	m.tokenErr = nil
	return &oauth.Grant{AccessToken: "at", RefreshToken: "rt", AccountEmail: m.email}, nil
}

func (m *mockBroker) ValidToken(context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokenErr != nil {
		return nil, m.tokenErr
	}
	if !m.connected {
		return nil, errs.ErrNotConnected
	}
	return &oauth2.Token{AccessToken: "at"}, nil
}

func (m *mockBroker) Account(context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", false, nil
	}
	return m.email, true, nil
}

func (m *mockBroker) Revoke(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = true
	m.connected = false
	return nil
}

func (m *mockBroker) setTokenErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenErr = err
}
