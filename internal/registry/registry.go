package registry

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/probe/internal/model"
)

// DefaultMaxActive is the non-terminal run cap used when none is configured.
const DefaultMaxActive = 100

var (
	// ErrNotFound is returned when no run exists for an id.
	ErrNotFound = errors.New("run not found")

	// ErrExists is returned when inserting a run whose id is already tracked.
	ErrExists = errors.New("run already exists")

	// ErrTerminal is returned for any write against a run in a terminal state.
	ErrTerminal = errors.New("run is in a terminal state")

	// ErrStale is returned when the run's status no longer matches the
	// expected pre-state of a compare-and-set.
	ErrStale = errors.New("stale status")

	// ErrInvalidTransition is returned when a mutation would move a run along
	// an edge the status graph does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRemoteIDImmutable is returned when a mutation tries to change a
	// remote id that has already been assigned.
	ErrRemoteIDImmutable = errors.New("remote id already assigned")

	// ErrDuplicateRemote is returned when another non-terminal run already
	// tracks the same engine and remote id.
	ErrDuplicateRemote = errors.New("remote id tracked by another active run")

	// ErrBackpressure is returned when the non-terminal run cap is reached.
	ErrBackpressure = errors.New("too many active runs")
)

type remoteKey struct {
	engine   model.EngineKind
	remoteID string
}

// snapshot is an immutable view of the registry. Run pointers inside it are
// never mutated after publication.
type snapshot struct {
	runs map[string]*model.Run
}

// Registry stores one run record per id.
type Registry struct {
	mu        sync.Mutex
	runs      map[string]*model.Run
	remote    map[remoteKey]string
	pollers   map[string]struct{}
	active    int
	maxActive int

	snap atomic.Pointer[snapshot]
}

// New creates an empty registry that admits at most maxActive non-terminal
// runs. A non-positive maxActive selects DefaultMaxActive.
func New(maxActive int) *Registry {
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	r := &Registry{
		runs:      make(map[string]*model.Run),
		remote:    make(map[remoteKey]string),
		pollers:   make(map[string]struct{}),
		maxActive: maxActive,
	}
	r.snap.Store(&snapshot{runs: map[string]*model.Run{}})
	return r
}

// Insert adds a new non-terminal run. It fails with ErrBackpressure when the
// registry already holds the maximum number of non-terminal runs.
func (r *Registry) Insert(run *model.Run) error {
	if run.Status.Terminal() || !run.Status.Valid() {
		return fmt.Errorf("insert run with status %q: %w", run.Status, ErrInvalidTransition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.ID]; ok {
		return ErrExists
	}
	if r.active >= r.maxActive {
		return ErrBackpressure
	}
	if run.RemoteID != "" {
		key := remoteKey{run.Engine, run.RemoteID}
		if _, taken := r.remote[key]; taken {
			return ErrDuplicateRemote
		}
		r.remote[key] = run.ID
	}

	r.runs[run.ID] = run.Clone()
	r.active++
	r.publish()
	return nil
}

// Update applies fn to a copy of the run identified by id and stores the
// result, provided the run's current status equals expect. The stored record
// is never handed to fn, so a rejected mutation leaves no trace. Update
// returns a copy of the stored run.
func (r *Registry) Update(id string, expect model.Status, fn func(*model.Run)) (*model.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status.Terminal() {
		return nil, ErrTerminal
	}
	if cur.Status != expect {
		return nil, fmt.Errorf("expected %s, found %s: %w", expect, cur.Status, ErrStale)
	}

	next := cur.Clone()
	fn(next)
	next.ID = cur.ID
	next.Engine = cur.Engine

	if next.Status != cur.Status && !model.ValidTransition(cur.Status, next.Status) {
		return nil, fmt.Errorf("%s to %s: %w", cur.Status, next.Status, ErrInvalidTransition)
	}
	if cur.RemoteID != "" && next.RemoteID != cur.RemoteID {
		return nil, ErrRemoteIDImmutable
	}
	if cur.RemoteID == "" && next.RemoteID != "" {
		key := remoteKey{next.Engine, next.RemoteID}
		if owner, taken := r.remote[key]; taken && owner != id {
			return nil, ErrDuplicateRemote
		}
		r.remote[key] = id
	}
	if next.Status.Terminal() {
		if next.RemoteID != "" {
			delete(r.remote, remoteKey{next.Engine, next.RemoteID})
		}
		r.active--
	}

	r.runs[id] = next
	r.publish()
	return next.Clone(), nil
}

// ClaimPoller marks id as having an active poller. It reports false if the
// run is unknown, terminal, or already claimed.
func (r *Registry) ClaimPoller(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok || run.Status.Terminal() {
		return false
	}
	if _, claimed := r.pollers[id]; claimed {
		return false
	}
	r.pollers[id] = struct{}{}
	return true
}

// ReleasePoller clears the poller claim for id.
func (r *Registry) ReleasePoller(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pollers, id)
}

// PollerActive reports whether id currently holds a poller claim.
func (r *Registry) PollerActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pollers[id]
	return ok
}

// ActivePollers returns the number of poller claims held.
func (r *Registry) ActivePollers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pollers)
}

// Evict removes terminal runs that finished before cutoff and returns them.
func (r *Registry) Evict(cutoff time.Time) []*model.Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []*model.Run
	for id, run := range r.runs {
		if run.Status.Terminal() && run.TerminalAt != nil && run.TerminalAt.Before(cutoff) {
			delete(r.runs, id)
			evicted = append(evicted, run.Clone())
		}
	}
	if len(evicted) > 0 {
		r.publish()
	}
	return evicted
}

// Get returns a copy of the run with the given id.
func (r *Registry) Get(id string) (*model.Run, error) {
	run, ok := r.snap.Load().runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

// List returns copies of all tracked runs, newest first.
func (r *Registry) List() []*model.Run {
	runs := r.snap.Load().runs
	out := make([]*model.Run, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of tracked runs, terminal ones included.
func (r *Registry) Len() int {
	return len(r.snap.Load().runs)
}

// Active returns the number of non-terminal runs.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// MaxActive returns the configured non-terminal run cap.
func (r *Registry) MaxActive() int {
	return r.maxActive
}

// publish replaces the read snapshot. Callers must hold mu.
func (r *Registry) publish() {
	r.snap.Store(&snapshot{runs: maps.Clone(r.runs)})
}
