// Package session keeps the authoritative registry of scan sessions and
// archives finished ones.
//
// Store is the single serialization point for a target: every state change
// goes through Transition, which checks its precondition and applies the
// change under the session's lock. Different targets never contend beyond
// the short map lookup.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0x6d61/autoar/internal/scan"
)

// Session is the mutable record behind a snapshot. Fields are only touched
// inside Store methods or inside a Transition mutate callback.
type Session struct {
	ID        string
	Target    scan.Target
	State     scan.State
	Options   scan.Options
	StartedAt time.Time
	EndedAt   time.Time
	Output    []string
	Err       error

	// Attachment carries orchestrator data (the running job). It is never
	// exposed in snapshots.
	Attachment any

	mu sync.RWMutex
}

func (s *Session) snapshot() scan.Snapshot {
	snap := scan.Snapshot{
		ID:        s.ID,
		Target:    s.Target,
		State:     s.State,
		Options:   s.Options,
		StartedAt: s.StartedAt,
		Output:    s.Output[:len(s.Output):len(s.Output)],
	}
	if snap.Output == nil {
		snap.Output = []string{}
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		snap.EndedAt = &ended
	}
	if s.Err != nil {
		msg := s.Err.Error()
		snap.Error = &msg
	}
	return snap
}

// Options configures a Store.
type Options struct {
	// Retention is how long terminal sessions remain queryable.
	// Zero keeps them until replaced by a new session for the same target.
	Retention time.Duration

	// Now returns the current time (default time.Now).
	Now func() time.Time
}

// Store is an in-memory registry of sessions keyed by target.
type Store struct {
	mu       sync.RWMutex
	sessions map[scan.Target]*Session
	opts     Options
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		sessions: make(map[scan.Target]*Session),
		opts:     opts,
	}
}

// Create registers a new Pending session for target. It fails with
// scan.ErrAlreadyActive when a non-terminal session exists for target; a
// terminal one is replaced.
func (s *Store) Create(target scan.Target, opts scan.Options) (scan.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[target]; ok {
		existing.mu.RLock()
		state := existing.State
		existing.mu.RUnlock()
		if !state.IsTerminal() {
			return scan.Snapshot{}, fmt.Errorf("%w: %s is %s", scan.ErrAlreadyActive, target, state)
		}
	}

	sess := &Session{
		ID:        uuid.New().String(),
		Target:    target,
		State:     scan.StatePending,
		Options:   opts,
		StartedAt: s.opts.Now().UTC(),
	}
	s.sessions[target] = sess
	return sess.snapshot(), nil
}

func (s *Store) lookup(target scan.Target) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[target]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", scan.ErrNotFound, target)
	}
	return sess, nil
}

// Get returns a snapshot of the current session for target.
func (s *Store) Get(target scan.Target) (scan.Snapshot, error) {
	sess, err := s.lookup(target)
	if err != nil {
		return scan.Snapshot{}, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.snapshot(), nil
}

// List returns snapshots of all retained sessions ordered by start time,
// newest first.
func (s *Store) List() []scan.Snapshot {
	s.mu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	out := make([]scan.Snapshot, 0, len(all))
	for _, sess := range all {
		sess.mu.RLock()
		out = append(out, sess.snapshot())
		sess.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Len returns the number of retained sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Transition atomically moves the session for target from one of from to
// to. When id is non-empty the current session must also carry that ID, so
// a job cannot finalize a session that replaced its own. mutate, if not nil,
// runs under the session lock before the state changes; it may inspect and
// modify the session but must not call back into the store. Entering a
// terminal state stamps EndedAt.
//
// A failed precondition returns a *scan.TransitionError (matching
// scan.ErrInvalidTransition) without running mutate.
func (s *Store) Transition(target scan.Target, id string, from []scan.State, to scan.State, mutate func(*Session)) (scan.Snapshot, error) {
	sess, err := s.lookup(target)
	if err != nil {
		return scan.Snapshot{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if id != "" && sess.ID != id {
		return scan.Snapshot{}, fmt.Errorf("%w: session %s superseded by %s", scan.ErrInvalidTransition, id, sess.ID)
	}
	if !contains(from, sess.State) {
		return scan.Snapshot{}, &scan.TransitionError{Target: target, From: sess.State, To: to}
	}

	if mutate != nil {
		mutate(sess)
	}
	sess.State = to
	if to.IsTerminal() {
		sess.EndedAt = s.opts.Now().UTC()
		sess.Attachment = nil
	}
	return sess.snapshot(), nil
}

// AppendOutput adds chunk to the log of session id. Writes are accepted
// only while the session is Running or Stopping and still current for its
// target; anything else is dropped and reported as false.
func (s *Store) AppendOutput(target scan.Target, id string, chunk string) bool {
	sess, err := s.lookup(target)
	if err != nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.ID != id {
		return false
	}
	if sess.State != scan.StateRunning && sess.State != scan.StateStopping {
		return false
	}
	sess.Output = append(sess.Output, chunk)
	return true
}

// Evict removes terminal sessions that ended more than the retention window
// ago and returns their snapshots. Non-terminal sessions are never evicted.
func (s *Store) Evict() []scan.Snapshot {
	if s.opts.Retention <= 0 {
		return nil
	}
	cutoff := s.opts.Now().UTC().Add(-s.opts.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []scan.Snapshot
	for target, sess := range s.sessions {
		sess.mu.RLock()
		expired := sess.State.IsTerminal() && sess.EndedAt.Before(cutoff)
		if expired {
			evicted = append(evicted, sess.snapshot())
		}
		sess.mu.RUnlock()
		if expired {
			delete(s.sessions, target)
		}
	}
	return evicted
}

func contains(states []scan.State, s scan.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
