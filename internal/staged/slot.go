// Package staged implements a single-slot, timer-backed pending action: an
// effect that will commit on a deadline unless it is undone, dismissed, or
// superseded first. It backs both undo notices and transient error notices;
// the two differ only in configuration (presence of an undo effect and the
// deadline duration).
package staged

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

// State enumerates the slot lifecycle.
type State string

const (
	// StateIdle means no action is pending.
	StateIdle State = "idle"
	// StateStaged means an action is pending and its deadline timer is running.
	StateStaged State = "staged"
)

// ErrNothingStaged indicates an undo or dismiss with no pending action.
var ErrNothingStaged = errors.New("staged: no action is staged")

// Action describes a pending effect. Exactly one of Commit or Undo fires,
// exactly once, per staged action. A nil Undo makes the action informational
// only (error-notice configuration).
type Action struct {
	Message  string
	Duration time.Duration
	Commit   func()
	Undo     func()
}

// View is the read-only projection handed to the presentation layer.
type View struct {
	ID       string
	Message  string
	CanUndo  bool
	StagedAt time.Time
	Deadline time.Time
}

type stagedAction struct {
	id      string
	action  Action
	timer   *time.Timer
	settled bool
	staged  time.Time
}

// IDProvider issues identifiers for staged actions.
type IDProvider interface {
	NewID() (string, error)
}

// Slot holds at most one pending action. Staging while one is pending
// commits the superseded action before the new one is staged.
type Slot struct {
	// stageMu serializes whole Stage calls: supersession and installation
	// must be one atomic step, or a concurrent Stage slipping between them
	// could be overwritten without its effect ever firing.
	stageMu sync.Mutex

	mu              sync.Mutex
	current         *stagedAction
	defaultDuration time.Duration
	clock           func() time.Time
	idProvider      IDProvider
	sequence        int64
	onTransition    func(View, State)
}

// SlotConfig configures a Slot.
type SlotConfig struct {
	// DefaultDuration applies to actions staged without an explicit duration.
	DefaultDuration time.Duration
	Clock           func() time.Time
	IDProvider      IDProvider
	// OnTransition, when set, observes lifecycle changes (staged, settled).
	// Called outside the slot lock.
	OnTransition func(View, State)
}

// NewSlot constructs an idle slot.
func NewSlot(cfg SlotConfig) *Slot {
	duration := cfg.DefaultDuration
	if duration <= 0 {
		duration = 5 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Slot{
		defaultDuration: duration,
		clock:           clock,
		idProvider:      cfg.IDProvider,
		onTransition:    cfg.OnTransition,
	}
}

// Stage installs a new pending action. A previously staged action is
// committed first: supersession is a commit, never a silent drop. Returns
// the staged action's identifier.
func (s *Slot) Stage(action Action) string {
	duration := action.Duration
	if duration <= 0 {
		duration = s.defaultDuration
	}

	s.stageMu.Lock()
	defer s.stageMu.Unlock()

	s.mu.Lock()
	superseded := s.settleLocked()
	s.mu.Unlock()
	if superseded != nil {
		superseded()
	}

	s.mu.Lock()
	id := s.nextIDLocked()
	now := s.clock()
	pending := &stagedAction{
		id:     id,
		action: action,
		staged: now,
	}
	pending.timer = time.AfterFunc(duration, func() {
		s.expire(pending)
	})
	s.current = pending
	view := s.viewLocked(pending, duration)
	s.mu.Unlock()

	s.notify(view, StateStaged)
	return id
}

// RequestUndo cancels the pending action, firing its undo effect. Valid only
// while an action is staged.
func (s *Slot) RequestUndo() error {
	s.mu.Lock()
	pending := s.current
	if pending == nil {
		s.mu.Unlock()
		return ErrNothingStaged
	}
	pending.settled = true
	pending.timer.Stop()
	s.current = nil
	view := s.viewLocked(pending, 0)
	s.mu.Unlock()

	if pending.action.Undo != nil {
		pending.action.Undo()
	}
	s.notify(view, StateIdle)
	return nil
}

// RequestCommit dismisses the pending action early, firing its commit
// effect. Valid only while an action is staged.
func (s *Slot) RequestCommit() error {
	s.mu.Lock()
	pending := s.current
	if pending == nil {
		s.mu.Unlock()
		return ErrNothingStaged
	}
	pending.settled = true
	pending.timer.Stop()
	s.current = nil
	view := s.viewLocked(pending, 0)
	s.mu.Unlock()

	if pending.action.Commit != nil {
		pending.action.Commit()
	}
	s.notify(view, StateIdle)
	return nil
}

// Current returns the pending action's view, if any.
func (s *Slot) Current() (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return View{}, false
	}
	return s.viewLocked(s.current, 0), true
}

// State reports the slot lifecycle state.
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return StateIdle
	}
	return StateStaged
}

// expire runs on the deadline timer: an action nobody touched commits.
func (s *Slot) expire(pending *stagedAction) {
	s.mu.Lock()
	if s.current != pending || pending.settled {
		s.mu.Unlock()
		return
	}
	pending.settled = true
	s.current = nil
	view := s.viewLocked(pending, 0)
	s.mu.Unlock()

	if pending.action.Commit != nil {
		pending.action.Commit()
	}
	s.notify(view, StateIdle)
}

// settleLocked detaches the current action for supersession and returns its
// commit effect, or nil when the slot is idle. Caller invokes the effect
// after releasing the lock.
func (s *Slot) settleLocked() func() {
	pending := s.current
	if pending == nil {
		return nil
	}
	pending.settled = true
	pending.timer.Stop()
	s.current = nil
	return pending.action.Commit
}

func (s *Slot) nextIDLocked() string {
	if s.idProvider != nil {
		if id, err := s.idProvider.NewID(); err == nil {
			return id
		}
	}
	s.sequence++
	return "staged-" + strconv.FormatInt(s.sequence, 10)
}

func (s *Slot) viewLocked(pending *stagedAction, remaining time.Duration) View {
	view := View{
		ID:       pending.id,
		Message:  pending.action.Message,
		CanUndo:  pending.action.Undo != nil,
		StagedAt: pending.staged,
	}
	if remaining > 0 {
		view.Deadline = pending.staged.Add(remaining)
	}
	return view
}

func (s *Slot) notify(view View, state State) {
	if s.onTransition != nil {
		s.onTransition(view, state)
	}
}
