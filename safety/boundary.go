// Package safety implements the bounds-check and escape-tracking
// primitives instrumented application code calls at pointer-arithmetic
// and pointer-store sites: check_boundary, escape, free-time
// poisoning, and the bounded string-op guards built on top of them.
package safety

import "unsafe"

import "github.com/bnclabs/tcguard/pagemap"
import "github.com/bnclabs/tcguard/sizeclass"
import "github.com/bnclabs/tcguard/span"

// Result is the status code every safety entry point returns on the
// fast path; side-effect-free on success.
type Result int

const (
	// OK: the access is within bounds.
	OK Result = 0
	// OutOfBounds: base resolved to a heap object, but the access
	// does not fit inside it.
	OutOfBounds Result = -1
	// NonHeap: base did not resolve to any tracked allocation —
	// stack, global, or unmapped memory.
	NonHeap Result = 1
)

// nonHeapSentinel is GetChunkRange's return for a non-heap base, per
// the ABI's "sentinel >= 2^48" convention.
const nonHeapSentinel = uintptr(1) << 48

// objectRange resolves base's containing object without dereferencing
// its Span, using only the packed (firstPage, class) pair GetPageInfo
// returns: one atomic-load chain, no Span back-pointer touched. Only
// works for a small-object span (class != 0), where every object in
// the span is the same fixed size; a large allocation (class == 0) has
// no such fixed stride and falls back to the Span itself in the
// caller. ok is false for an unmapped page.
func objectRange(pm *pagemap.PageMap, table *sizeclass.Table, addr uintptr) (start, end uintptr, ok bool) {
	firstPage, class, found := pm.GetPageInfo(pagemap.ToPageId(addr))
	if !found || class == 0 {
		return 0, 0, false
	}
	objSize := uintptr(table.ClassToSize(int(class)))
	spanStart := firstPage.Addr()
	idx := (addr - spanStart) / objSize
	start = spanStart + idx*objSize
	return start, start + objSize, true
}

// CheckBoundary resolves base through the page map and validates that
// ptr, and ptr+n, both lie within base's object. table, when non-nil,
// lets a small-object base resolve its bounds via the page map's
// packed (firstPage, class) pair alone — one atomic-load chain, no
// Span dereferenced. A large allocation (class 0) has no fixed
// per-object stride to compute that way and always needs the Span's
// own ObjectBounds. pad is the number of trailing bytes the object's
// raw end includes that are not part of what the application asked
// for — the ENABLE_PROTECTION slack byte reserved so escape() can
// still tell a one-past-end pointer apart from the next slot. That
// slack is not a checkable byte: the bound this function enforces is
// always the user-visible end.
func CheckBoundary(pm *pagemap.PageMap, table *sizeclass.Table, base, ptr uintptr, n, pad int64) Result {
	start, rawEnd, ok := uintptr(0), uintptr(0), false
	if table != nil {
		start, rawEnd, ok = objectRange(pm, table, base)
	}
	if !ok {
		spanptr, _ := pm.Get(pagemap.ToPageId(base))
		if spanptr == nil {
			return NonHeap
		}
		sp := (*span.Span)(spanptr)
		start, rawEnd, ok = sp.ObjectBounds(base)
		if !ok {
			return NonHeap
		}
	}
	end := rawEnd - uintptr(pad)
	if ptr < start || ptr > end {
		return OutOfBounds
	}
	if ptr+uintptr(n) > end {
		return OutOfBounds
	}
	return OK
}

// GepCheckBoundary is the ABI entry point: 0 ok, -1 out-of-bounds, 1
// non-heap.
func GepCheckBoundary(pm *pagemap.PageMap, table *sizeclass.Table, base, ptr unsafe.Pointer, size, pad int64) int {
	return int(CheckBoundary(pm, table, uintptr(base), uintptr(ptr), size, pad))
}

// BcCheckBoundary is gep_check_boundary(base, base, size) — the
// common case of validating an access starting exactly at base.
func BcCheckBoundary(pm *pagemap.PageMap, table *sizeclass.Table, base unsafe.Pointer, size, pad int64) int {
	return int(CheckBoundary(pm, table, uintptr(base), uintptr(base), size, pad))
}

// GetChunkRange resolves base's owning object, returning chunkEnd and
// writing chunkStart through outStart. Non-heap bases return the
// ABI's sentinel and *outStart = 0. pad is subtracted from the
// returned end for the same reason CheckBoundary subtracts it: the
// protection slack byte is never part of the object a caller can see.
func GetChunkRange(pm *pagemap.PageMap, table *sizeclass.Table, base unsafe.Pointer, outStart *uintptr, pad int64) uintptr {
	start, rawEnd, ok := uintptr(0), uintptr(0), false
	if table != nil {
		start, rawEnd, ok = objectRange(pm, table, uintptr(base))
	}
	if !ok {
		spanptr, _ := pm.Get(pagemap.ToPageId(uintptr(base)))
		if spanptr == nil {
			*outStart = 0
			return nonHeapSentinel
		}
		sp := (*span.Span)(spanptr)
		start, rawEnd, ok = sp.ObjectBounds(uintptr(base))
		if !ok {
			*outStart = 0
			return nonHeapSentinel
		}
	}
	*outStart = start
	return rawEnd - uintptr(pad)
}
