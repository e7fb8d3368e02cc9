package staged

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrentStagingFiresEveryEffectExactlyOnce(t *testing.T) {
	const (
		stagers         = 8
		stagesPerWorker = 500
	)
	var effects atomic.Int64
	slot := NewSlot(SlotConfig{DefaultDuration: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < stagers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < stagesPerWorker; j++ {
				slot.Stage(Action{
					Message: "Deleted highlight",
					Commit:  func() { effects.Add(1) },
					Undo:    func() { effects.Add(1) },
				})
			}
		}()
	}
	wg.Wait()

	// Settle the one action still pending.
	if err := slot.RequestCommit(); err != nil {
		t.Fatalf("expected a pending action after the stampede: %v", err)
	}

	total := int64(stagers * stagesPerWorker)
	if got := effects.Load(); got != total {
		t.Fatalf("staged %d actions but %d effects fired", total, got)
	}
	if slot.State() != StateIdle {
		t.Fatalf("expected idle slot")
	}
}

func TestUndoBeforeDeadlineFiresUndoOnce(t *testing.T) {
	var commits, undos atomic.Int64
	slot := NewSlot(SlotConfig{DefaultDuration: 50 * time.Millisecond})

	slot.Stage(Action{
		Message: "Deleted highlight",
		Commit:  func() { commits.Add(1) },
		Undo:    func() { undos.Add(1) },
	})
	if err := slot.RequestUndo(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Wait past the original deadline; the timer must not fire the commit.
	time.Sleep(120 * time.Millisecond)
	if got := undos.Load(); got != 1 {
		t.Fatalf("expected one undo, got %d", got)
	}
	if got := commits.Load(); got != 0 {
		t.Fatalf("expected no commit after undo, got %d", got)
	}
	if slot.State() != StateIdle {
		t.Fatalf("expected idle slot")
	}
}

func TestDeadlineCommitsExactlyOnce(t *testing.T) {
	var commits atomic.Int64
	done := make(chan struct{})
	slot := NewSlot(SlotConfig{DefaultDuration: 20 * time.Millisecond})

	slot.Stage(Action{
		Message: "Deleted highlight",
		Commit: func() {
			commits.Add(1)
			close(done)
		},
		Undo: func() {},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("commit never fired")
	}
	if err := slot.RequestUndo(); err == nil {
		t.Fatalf("undo after the deadline must fail")
	}
	time.Sleep(50 * time.Millisecond)
	if got := commits.Load(); got != 1 {
		t.Fatalf("expected exactly one commit, got %d", got)
	}
}

func TestSupersessionCommitsPreviousAction(t *testing.T) {
	var firstCommits, firstUndos, secondUndos atomic.Int64
	slot := NewSlot(SlotConfig{DefaultDuration: time.Minute})

	slot.Stage(Action{
		Message: "Deleted highlight A",
		Commit:  func() { firstCommits.Add(1) },
		Undo:    func() { firstUndos.Add(1) },
	})
	id := slot.Stage(Action{
		Message: "Deleted highlight B",
		Commit:  func() {},
		Undo:    func() { secondUndos.Add(1) },
	})

	if got := firstCommits.Load(); got != 1 {
		t.Fatalf("expected superseded action to commit once, got %d", got)
	}
	if got := firstUndos.Load(); got != 0 {
		t.Fatalf("superseded action must not undo, got %d", got)
	}

	view, ok := slot.Current()
	if !ok {
		t.Fatalf("expected the new action to be staged")
	}
	if view.ID != id || view.Message != "Deleted highlight B" {
		t.Fatalf("unexpected staged view %+v", view)
	}

	// Undo now applies to the second action only.
	if err := slot.RequestUndo(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := secondUndos.Load(); got != 1 {
		t.Fatalf("expected second action to undo, got %d", got)
	}
	if got := firstCommits.Load(); got != 1 {
		t.Fatalf("first action must stay committed exactly once, got %d", got)
	}
}

func TestRequestCommitDismissesEarly(t *testing.T) {
	var commits atomic.Int64
	slot := NewSlot(SlotConfig{DefaultDuration: time.Minute})

	slot.Stage(Action{
		Message: "Deleted highlight",
		Commit:  func() { commits.Add(1) },
		Undo:    func() {},
	})
	if err := slot.RequestCommit(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := commits.Load(); got != 1 {
		t.Fatalf("expected one commit, got %d", got)
	}
	if slot.State() != StateIdle {
		t.Fatalf("expected idle slot after dismiss")
	}
}

func TestIdleSlotRejectsUndoAndCommit(t *testing.T) {
	slot := NewSlot(SlotConfig{})
	if err := slot.RequestUndo(); err != ErrNothingStaged {
		t.Fatalf("expected ErrNothingStaged, got %v", err)
	}
	if err := slot.RequestCommit(); err != ErrNothingStaged {
		t.Fatalf("expected ErrNothingStaged, got %v", err)
	}
	if _, ok := slot.Current(); ok {
		t.Fatalf("idle slot must report no current action")
	}
}

func TestInformationalActionHasNoUndo(t *testing.T) {
	slot := NewSlot(SlotConfig{DefaultDuration: time.Minute})
	slot.Stage(Action{Message: "Save failed: disk full"})

	view, ok := slot.Current()
	if !ok {
		t.Fatalf("expected staged notice")
	}
	if view.CanUndo {
		t.Fatalf("informational notice must not offer undo")
	}

	// Undo on an undo-less action settles the slot without firing anything.
	if err := slot.RequestUndo(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slot.State() != StateIdle {
		t.Fatalf("expected idle slot")
	}
}

func TestExplicitDurationOverridesDefault(t *testing.T) {
	done := make(chan struct{})
	slot := NewSlot(SlotConfig{DefaultDuration: time.Hour})

	slot.Stage(Action{
		Message:  "short lived",
		Duration: 20 * time.Millisecond,
		Commit:   func() { close(done) },
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("explicit duration was ignored")
	}
}

func TestOnTransitionObservesLifecycle(t *testing.T) {
	var mu sync.Mutex
	var states []State
	slot := NewSlot(SlotConfig{
		DefaultDuration: time.Minute,
		OnTransition: func(view View, state State) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		},
	})

	slot.Stage(Action{Message: "Deleted highlight", Undo: func() {}})
	if err := slot.RequestUndo(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StateStaged || states[1] != StateIdle {
		t.Fatalf("unexpected transitions %v", states)
	}
}

type fixedIDProvider struct {
	id string
}

func (p fixedIDProvider) NewID() (string, error) {
	return p.id, nil
}

func TestStageUsesConfiguredIDProvider(t *testing.T) {
	slot := NewSlot(SlotConfig{
		DefaultDuration: time.Minute,
		IDProvider:      fixedIDProvider{id: "notice-7"},
	})
	if id := slot.Stage(Action{Message: "hello"}); id != "notice-7" {
		t.Fatalf("expected provider id, got %q", id)
	}
}
