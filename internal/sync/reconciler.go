package sync

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/njoerd114/apptsync/internal/eventmap"
	"github.com/njoerd114/apptsync/internal/model"
)

// MatchTolerance is the largest start-time difference at which an unlinked
// appointment and an unlinked event with the same title are treated as the
// same entity.
const MatchTolerance = 60 * time.Second

// ActionKind is the kind of mutation the reconciler wants applied.
type ActionKind int

const (
	// ActionImport creates a new linked appointment from a remote event.
	ActionImport ActionKind = iota
	// ActionUpdateLocal overwrites an appointment with Fields and links it.
	ActionUpdateLocal
	// ActionUpdateRemote overwrites the linked event with the appointment.
	ActionUpdateRemote
)

func (k ActionKind) String() string {
	switch k {
	case ActionImport:
		return "import"
	case ActionUpdateLocal:
		return "update_local"
	case ActionUpdateRemote:
		return "update_remote"
	default:
		return "unknown"
	}
}

// Action is a single mutation emitted by [Reconciler.Plan].
type Action struct {
	Kind ActionKind

	// AppointmentID is zero for imports.
	AppointmentID int64
	// EventID is the provider event on the other side of the pair.
	EventID string

	// Fields holds the values to write locally (import, update_local).
	Fields model.Fields
	// Appointment is the local side (update_local, update_remote).
	Appointment *model.Appointment

	// NewLink is set when the pair was matched by title and start time and
	// the link is committed by this action.
	NewLink bool
}

// Plan is the output of a reconciliation: the actions to apply and the
// entities that could not be mapped.
type Plan struct {
	Actions  []Action
	Failures []model.Failure
}

// Reconciler computes the actions that bring local appointments and remote
// events into agreement. It performs no I/O and holds no state between calls.
type Reconciler struct {
	provider string
	policy   ConflictPolicy
}

// ReconcilerOption customises a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithPolicy replaces [LastWriteWins].
func WithPolicy(p ConflictPolicy) ReconcilerOption {
	return func(r *Reconciler) { r.policy = p }
}

// NewReconciler creates a Reconciler for links to the given provider.
func NewReconciler(provider string, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{provider: provider, policy: LastWriteWins}
	for _, o := range opts {
		o(r)
	}
	return r
}

type pair struct {
	local   *model.Appointment
	remote  model.RemoteEvent
	newLink bool
}

// Plan diffs locals against remotes for window w.
//
// locals holds the appointments starting in w plus any appointment linked
// to one of remotes, wherever it starts. Unlinked appointments outside w and
// unlinked events starting outside w are ignored. Actions are sorted by
// appointment id, then by event id.
func (r *Reconciler) Plan(w model.Window, locals []*model.Appointment, remotes []model.RemoteEvent) Plan {
	remotes = uniqueByID(remotes)

	// Index existing links.
	linked := make(map[string]*model.Appointment, len(locals))
	var unlinked []*model.Appointment
	for _, a := range locals {
		switch {
		case a.ExternalRef != nil && a.ExternalRef.Provider == r.provider:
			linked[a.ExternalRef.EventID] = a
		case a.ExternalRef == nil && w.Contains(a.Start):
			unlinked = append(unlinked, a)
		}
	}
	slices.SortFunc(unlinked, func(a, b *model.Appointment) int { return cmp.Compare(a.ID, b.ID) })

	var (
		plan    Plan
		pairs   []pair
		pending []model.RemoteEvent
	)

	// (a) Pairs that already point at each other.
	for _, ev := range remotes {
		if a, ok := linked[ev.ID]; ok {
			pairs = append(pairs, pair{local: a, remote: ev})
			continue
		}
		if ev.Start.IsZero() || w.Contains(ev.Start) {
			pending = append(pending, ev)
		}
	}

	// (b) Same normalised title, start within MatchTolerance, neither side
	// linked. Closest start wins, then lowest appointment id.
	taken := make(map[int64]bool, len(unlinked))
	for _, ev := range pending {
		f, err := eventmap.ToFields(ev)
		if err != nil {
			// The provider reports deleted events as bare tombstones. There
			// is nothing to import from one that has no local counterpart.
			if ev.Status != model.EventCancelled {
				plan.Failures = append(plan.Failures, model.Failure{EntityID: model.EventEntity(ev.ID), Reason: err.Error()})
			}
			continue
		}

		if a := bestMatch(unlinked, taken, f); a != nil {
			taken[a.ID] = true
			pairs = append(pairs, pair{local: a, remote: ev, newLink: true})
			continue
		}
		plan.Actions = append(plan.Actions, Action{
			Kind:    ActionImport,
			EventID: ev.ID,
			Fields:  f,
		})
	}

	for _, p := range pairs {
		act, fail := r.decide(p)
		if fail != nil {
			plan.Failures = append(plan.Failures, *fail)
			continue
		}
		if act != nil {
			plan.Actions = append(plan.Actions, *act)
		}
	}

	slices.SortStableFunc(plan.Actions, func(a, b Action) int {
		if c := cmp.Compare(a.AppointmentID, b.AppointmentID); c != 0 {
			return c
		}
		return cmp.Compare(a.EventID, b.EventID)
	})
	slices.SortStableFunc(plan.Failures, func(a, b model.Failure) int {
		return cmp.Compare(a.EntityID, b.EntityID)
	})
	return plan
}

// decide resolves a matched pair into at most one action.
func (r *Reconciler) decide(p pair) (*Action, *model.Failure) {
	local := p.local
	base := Action{AppointmentID: local.ID, EventID: p.remote.ID, Appointment: local, NewLink: p.newLink}

	// A cancelled event cancels the appointment regardless of timestamps.
	if p.remote.Status == model.EventCancelled {
		if local.Status == model.StatusCancelled && !p.newLink {
			return nil, nil
		}
		f := local.Fields()
		f.Status = model.StatusCancelled
		base.Kind = ActionUpdateLocal
		base.Fields = f
		return &base, nil
	}

	remote, err := eventmap.ToFields(p.remote)
	if err != nil {
		return nil, &model.Failure{EntityID: model.AppointmentEntity(local.ID), Reason: err.Error()}
	}
	if !p.newLink && remote.Equal(local.Fields()) {
		return nil, nil
	}

	switch r.policy(local.UpdatedAt, p.remote.UpdatedAt) {
	case LocalWins:
		base.Kind = ActionUpdateRemote
		base.Fields = local.Fields()
	default:
		base.Kind = ActionUpdateLocal
		base.Fields = remote
	}
	return &base, nil
}

// bestMatch returns the free unlinked appointment closest in start time to
// f with the same normalised title, or nil.
func bestMatch(candidates []*model.Appointment, taken map[int64]bool, f model.Fields) *model.Appointment {
	title := normalizeTitle(f.Title)
	var (
		best     *model.Appointment
		bestDiff time.Duration
	)
	for _, a := range candidates {
		if taken[a.ID] || normalizeTitle(a.Title) != title {
			continue
		}
		diff := a.Start.Sub(f.Start).Abs()
		if diff > MatchTolerance {
			continue
		}
		// candidates are sorted by id, so strict < keeps the lowest id on ties.
		if best == nil || diff < bestDiff {
			best, bestDiff = a, diff
		}
	}
	return best
}

// normalizeTitle lower-cases s and collapses runs of whitespace.
func normalizeTitle(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// uniqueByID sorts events by id and drops repeats, keeping the first.
func uniqueByID(events []model.RemoteEvent) []model.RemoteEvent {
	out := slices.Clone(events)
	slices.SortStableFunc(out, func(a, b model.RemoteEvent) int { return cmp.Compare(a.ID, b.ID) })
	return slices.CompactFunc(out, func(a, b model.RemoteEvent) bool { return a.ID == b.ID })
}
