package span

import "unsafe"
import "testing"

import "github.com/bnclabs/tcguard/api"

func newtestspan(t *testing.T) *Span {
	t.Helper()
	sp := New(0x100000, 1, api.Normal)
	sp.AssignClass(1, 80, 4)
	return sp
}

// TestEscapeOverwrite mirrors the reference scenario: escaping a
// second pointer onto the same cell supersedes the first, so freeing
// the first target leaves the cell's recorded value untouched.
func TestEscapeOverwrite(t *testing.T) {
	sp := newtestspan(t)
	defer Delete(sp)

	var cell uintptr
	loc := uintptr(unsafe.Pointer(&cell))

	t1 := sp.StartAddr()
	cell = t1
	sp.InsertEscape(0, loc, t1)

	t2 := sp.StartAddr() + 80
	cell = t2
	sp.ClearOldEscape(0, loc) // old t1 relationship at this loc is superseded
	sp.InsertEscape(1, loc, t2)

	// freeing t1's slot must not touch cell, since the chain at
	// slot 0 no longer references loc.
	sp.PoisonEscapes(0, t1, t1+80, true)
	if cell != t2 {
		t.Errorf("expected cell to remain %x, got %x", t2, cell)
	}
}

// TestEscapeForgottenOnNonPointerOverwrite mirrors the stack-escape
// reuse scenario: once the holding cell has been overwritten with a
// value that is not the tracked pointer, freeing the original target
// must not disturb it.
func TestEscapeForgottenOnNonPointerOverwrite(t *testing.T) {
	sp := newtestspan(t)
	defer Delete(sp)

	var cell uintptr
	loc := uintptr(unsafe.Pointer(&cell))

	target := sp.StartAddr()
	cell = target
	sp.InsertEscape(0, loc, target)

	cell = 0x112233 // overwritten with a non-pointer value

	sp.PoisonEscapes(0, target, target+80, true)
	if cell != 0x112233 {
		t.Errorf("expected cell to remain 0x112233, got %x", cell)
	}
}

// TestPoisonEscapesPoisonsLiveAliases verifies the matching case: a
// cell still aiming into the freed object is stamped with the poison
// pattern.
func TestPoisonEscapesPoisonsLiveAliases(t *testing.T) {
	sp := newtestspan(t)
	defer Delete(sp)

	var cell uint64
	loc := uintptr(unsafe.Pointer(&cell))

	target := sp.StartAddr()
	cell = uint64(target)
	sp.InsertEscape(0, loc, target)

	visited := sp.PoisonEscapes(0, target, target+80, true)
	if visited != 1 {
		t.Errorf("expected to visit 1 node, got %v", visited)
	}
	if cell != PoisonPattern {
		t.Errorf("expected cell poisoned, got %x", cell)
	}
	if !IsPoisoned(uintptr(cell)) {
		t.Errorf("expected IsPoisoned to recognise the stamped value")
	}
}

// TestPoisonEscapesReportOnlyMode exercises the "report and continue"
// deployment, where poisoning is suppressed but the chain is still
// drained.
func TestPoisonEscapesReportOnlyMode(t *testing.T) {
	sp := newtestspan(t)
	defer Delete(sp)

	var cell uint64
	loc := uintptr(unsafe.Pointer(&cell))

	target := sp.StartAddr()
	cell = uint64(target)
	sp.InsertEscape(0, loc, target)

	sp.PoisonEscapes(0, target, target+80, false)
	if cell == PoisonPattern {
		t.Errorf("expected cell left untouched under report-only mode")
	}
}

func TestCommitBufferDrainRevalidates(t *testing.T) {
	sp := newtestspan(t)
	defer Delete(sp)

	cb := NewCommitBuffer()

	var stale uintptr
	staleLoc := uintptr(unsafe.Pointer(&stale))
	target := sp.StartAddr()
	stale = target
	cb.Push(sp, 0, staleLoc, target)

	stale = 0 // goes stale before drain: *loc no longer equals ptr

	var fresh uintptr
	freshLoc := uintptr(unsafe.Pointer(&fresh))
	fresh = target
	cb.Push(sp, 0, freshLoc, target)

	inserted := cb.Drain()
	if inserted != 1 {
		t.Errorf("expected 1 entry to survive revalidation, got %v", inserted)
	}
	if !sp.HasEscapeTo(0, freshLoc, target) {
		t.Errorf("expected the fresh entry to be committed")
	}
	if sp.HasEscapeTo(0, staleLoc, target) {
		t.Errorf("expected the stale entry to be dropped")
	}
}

func TestCommitBufferOverflowDrains(t *testing.T) {
	sp := newtestspan(t)
	defer Delete(sp)

	cb := NewCommitBuffer()
	cells := make([]uintptr, commitCap+1)
	target := sp.StartAddr()
	for i := range cells {
		cells[i] = target
		cb.Push(sp, 0, uintptr(unsafe.Pointer(&cells[i])), target)
	}
	if cb.Len() != 1 {
		t.Errorf("expected buffer to hold 1 entry after an overflow drain, got %v", cb.Len())
	}
}
