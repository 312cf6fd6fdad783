package safety

import "errors"
import "unsafe"

import "github.com/bnclabs/tcguard/pagemap"
import "github.com/bnclabs/tcguard/span"

// ErrInvalidFree reports a free() whose pointer does not land exactly
// on an object boundary, or that carries the free-time poison
// pattern (a double or invalid free).
var ErrInvalidFree = errors.New("tcguard.invalidfree")

// Escape resolves ptr's owning Span and records that loc currently
// holds a pointer into it, deferring the actual linked-list insertion
// to cb. Drops silently (the ABI's -1 "dropped" code) when ptr or loc
// is non-heap, the span has no stamped object size, or the slot index
// is out of range — exactly the cases spec.md carves out as
// best-effort. drained reports how many entries a buffer-full drain
// flushed, 0 on a plain append or a drop.
//
// The instrumented call site invokes Escape before overwriting *loc,
// so whatever *loc holds on entry is the value this store is about to
// replace. If that old value still points into a tracked object, this
// is exactly the "pointer overwrite" clear_old_escape is for: drop
// loc's stale entry from the old target's chain before recording the
// new one, so a chain only ever grows with addresses loc still holds.
func Escape(pm *pagemap.PageMap, cb *span.CommitBuffer, loc, ptr unsafe.Pointer) (rc, drained int) {
	locSpan, _ := pm.Get(pagemap.ToPageId(uintptr(loc)))
	if locSpan == nil {
		return -1, 0 // loc is not on the heap; stack/global escapes are not tracked
	}
	spanptr, _ := pm.Get(pagemap.ToPageId(uintptr(ptr)))
	if spanptr == nil {
		return -1, 0
	}
	sp := (*span.Span)(spanptr)
	if sp.ObjSize() == 0 {
		return -1, 0 // no stamped object size
	}
	slot := sp.SlotIndex(uintptr(ptr))
	if slot < 0 {
		return -1, 0
	}

	if old := *(*uintptr)(loc); old != 0 && old != uintptr(ptr) {
		clearOldEscape(pm, old, uintptr(loc))
	}

	sp.Lock()
	dup := sp.HasEscapeTo(slot, uintptr(loc), uintptr(ptr))
	sp.Unlock()
	if dup {
		return 0, 0 // already recorded, no mutation needed
	}
	drained = cb.Push(sp, slot, uintptr(loc), uintptr(ptr))
	return 0, drained
}

// clearOldEscape resolves old's owning Span and drops loc's record
// from its slot's escape chain, if any. old having no owning Span (a
// stack/global address, or an address never escaped) is not an error
// here — there is simply nothing to clear.
func clearOldEscape(pm *pagemap.PageMap, old, loc uintptr) {
	oldSpanPtr, _ := pm.Get(pagemap.ToPageId(old))
	if oldSpanPtr == nil {
		return
	}
	oldSpan := (*span.Span)(oldSpanPtr)
	slot := oldSpan.SlotIndex(old)
	if slot < 0 {
		return
	}
	oldSpan.Lock()
	oldSpan.ClearOldEscape(slot, loc)
	oldSpan.Unlock()
}

// ValidateAndPoisonOnFree runs the free-time poisoning step: validates
// that ptr lands exactly on one of sp's object boundaries, then drains
// that slot's escape chain, optionally poisoning any cell still
// aiming into the freed object. chainLen reports how many escape
// records that chain held, for statistics.
func ValidateAndPoisonOnFree(sp *span.Span, ptr uintptr, poison bool) (chainLen int, err error) {
	if sp.ObjSize() != 0 && (ptr-sp.StartAddr())%uintptr(sp.ObjSize()) != 0 {
		return 0, ErrInvalidFree
	}
	slot := sp.SlotIndex(ptr)
	if slot < 0 {
		return 0, ErrInvalidFree
	}
	start, end, ok := sp.ObjectBounds(ptr)
	if !ok {
		return 0, ErrInvalidFree
	}
	sp.Lock()
	chainLen = sp.PoisonEscapes(slot, start, end, poison)
	sp.Unlock()
	return chainLen, nil
}

// CheckDoubleFree reports whether ptr itself carries the free-time
// poison pattern — meaning some earlier escape relationship into this
// exact cell was poisoned, and this call is handing back a pointer
// that was already invalidated.
func CheckDoubleFree(ptr unsafe.Pointer) bool {
	return span.IsPoisoned(uintptr(ptr))
}
