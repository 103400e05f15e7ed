package main

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// phase is the simulated lifecycle position of a run.
type phase int

const (
	phaseQueued phase = iota
	phaseRunning
	phaseDone
	phaseCancelled
)

// simRun is one run held by the fake engine.
type simRun struct {
	id        string
	created   time.Time
	cancelled *time.Time
	steps     []string
}

// snapshot is the derived state of a simRun at a point in time.
type snapshot struct {
	id        string
	phase     phase
	stepIndex int
	stepCount int
	step      string
}

// simulator advances every run through its steps, one per stepDuration,
// after a single queued tick.
type simulator struct {
	mu           sync.Mutex
	prefix       string
	seq          int
	runs         map[string]*simRun
	stepDuration time.Duration
}

func newSimulator(prefix string, stepDuration time.Duration) *simulator {
	return &simulator{
		prefix:       prefix,
		runs:         make(map[string]*simRun),
		stepDuration: stepDuration,
	}
}

func (s *simulator) create(steps []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("%s-%d", s.prefix, s.seq)
	s.runs[id] = &simRun{id: id, created: time.Now(), steps: steps}
	return id
}

// cancel stops a run that has not finished. It reports false for unknown or
// finished runs.
func (s *simulator) cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return false
	}
	if st := s.derive(r, time.Now()); st.phase == phaseDone || st.phase == phaseCancelled {
		return false
	}
	now := time.Now()
	r.cancelled = &now
	return true
}

func (s *simulator) get(id string) (snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return snapshot{}, false
	}
	return s.derive(r, time.Now()), true
}

func (s *simulator) list() []snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]snapshot, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, s.derive(r, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *simulator) derive(r *simRun, now time.Time) snapshot {
	snap := snapshot{id: r.id, stepCount: len(r.steps)}
	at := now
	if r.cancelled != nil {
		at = *r.cancelled
	}

	ticks := int(at.Sub(r.created) / s.stepDuration)
	switch {
	case ticks <= 0:
		snap.phase = phaseQueued
	case ticks > len(r.steps):
		snap.phase = phaseDone
		snap.stepIndex = len(r.steps)
	default:
		snap.phase = phaseRunning
		snap.stepIndex = ticks - 1
		snap.step = r.steps[ticks-1]
	}

	if r.cancelled != nil && snap.phase != phaseDone {
		snap.phase = phaseCancelled
	}
	return snap
}
