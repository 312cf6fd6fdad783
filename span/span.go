// Package span implements the per-allocation-unit metadata this
// module tracks instead of an inline object header: a Span owns a
// contiguous run of pages, stamps the size class handed out from it,
// and carries the escape lists that back the temporal-safety scheme.
// Span descriptors themselves are ordinary GC-managed Go values,
// pooled with sync.Pool to cut allocator churn; only the Escape nodes
// they own come from the dedicated cgo-backed arena in escape.go,
// since an Escape node carries no outgoing Go pointers and is safe to
// live outside the garbage collector's view.
package span

import "sync"
import "sync/atomic"
import "unsafe"

import "github.com/bnclabs/tcguard/api"
import "github.com/bnclabs/tcguard/pagemap"

// State is where in its lifecycle a Span currently sits.
type State uint8

const (
	// Free: owned by the PageAllocator's free pool.
	Free State = iota
	// InCentral: owned by a CentralFreeList for its size class.
	InCentral
	// InTransfer: a batch in transit through a TransferCache.
	InTransfer
	// InCache: owned by a CPU/thread cache.
	InCache
	// Live: at least one object handed out from this span.
	Live
	// SampledLive: a dedicated sampled-tag span, skips the caches.
	SampledLive
	// GuardedLive: a single-page sampled span surrounded by
	// unmapped guard pages.
	GuardedLive
)

func (s State) String() string {
	switch s {
	case InCentral:
		return "in-central"
	case InTransfer:
		return "in-transfer"
	case InCache:
		return "in-cache"
	case Live:
		return "live"
	case SampledLive:
		return "sampled-live"
	case GuardedLive:
		return "guarded-live"
	}
	return "free"
}

// Span owns [firstPage, firstPage+numPages). ObjSize is stamped in
// bytes at size-class assignment; zero (a span never assigned a
// class) means "one object equals the whole span".
type Span struct {
	mu sync.Mutex // escape-list commit + poisoning, per spec's per-span lock

	startAddr   uintptr
	numPages    int64
	class       int // compact size-class id; 0 for a whole-span object
	objSize     int64
	objsPerSpan int64
	tag         api.MemoryTag
	state       State

	// escapeHeads holds one *escapeNode chain head per slot. For
	// objsPerSpan <= 2 this still just allocates a 2-element slice;
	// the inline-2-slot optimisation spec.md describes is a memory
	// micro-optimisation this Go rendition does not reproduce bit
	// for bit, since a slice of length 2 already avoids a separate
	// heap indirection for the common case.
	escapeHeads []unsafe.Pointer

	sampled unsafe.Pointer // opaque *sample.SampledAllocation back-pointer

	liveObjects int64 // objects currently handed out

	next, prev *Span // freelist linkage owned by whichever cache holds this span
}

var spanPool = sync.Pool{New: func() interface{} { return &Span{} }}

// New carves a fresh Span descriptor for a run of numPages pages
// starting at startAddr, tagged tag. Size-class fields are left zero
// until AssignClass is called.
func New(startAddr uintptr, numPages int64, tag api.MemoryTag) *Span {
	sp := spanPool.Get().(*Span)
	sp.startAddr, sp.numPages, sp.tag = startAddr, numPages, tag
	sp.class, sp.objSize, sp.objsPerSpan = 0, 0, 1
	sp.state, sp.liveObjects = Free, 0
	sp.escapeHeads, sp.sampled = nil, nil
	sp.next, sp.prev = nil, nil
	return sp
}

// Delete returns a Span descriptor to the pool once its pages have
// been handed back to the PageAllocator. The caller must have already
// drained every escape chain via PoisonEscapes/ClearOldEscape.
func Delete(sp *Span) {
	if sp.escapeHeads != nil {
		for i := range sp.escapeHeads {
			freeChain(sp.escapeHeads[i])
			sp.escapeHeads[i] = nil
		}
	}
	spanPool.Put(sp)
}

// AssignClass stamps this span as carrying objsPerSpan objects of
// objSize bytes each (objSize in raw bytes here; callers from the
// size-class table already rounded to 8-byte units upstream).
func (sp *Span) AssignClass(class int, objSize, objsPerSpan int64) {
	sp.class, sp.objSize, sp.objsPerSpan = class, objSize, objsPerSpan
	if objsPerSpan > 0 {
		sp.escapeHeads = make([]unsafe.Pointer, objsPerSpan)
	}
}

// StartAddr is the span's first byte.
func (sp *Span) StartAddr() uintptr { return sp.startAddr }

// EndAddr is one past the span's last byte.
func (sp *Span) EndAddr() uintptr {
	return sp.startAddr + uintptr(sp.numPages*pagemap.PageSize)
}

// NumPages in this span.
func (sp *Span) NumPages() int64 { return sp.numPages }

// Class is the compact size-class id, 0 for a large, whole-span object.
func (sp *Span) Class() int { return sp.class }

// ObjSize in bytes, per object. Zero means "one object, whole span".
func (sp *Span) ObjSize() int64 { return sp.objSize }

// ObjsPerSpan objects this span is divided into.
func (sp *Span) ObjsPerSpan() int64 { return sp.objsPerSpan }

// Tag reports the memory tag this span's pages were allocated with.
func (sp *Span) Tag() api.MemoryTag { return sp.tag }

// State reports this span's place in the lifecycle state machine.
func (sp *Span) State() State { return sp.state }

// SetState transitions this span; callers are responsible for only
// calling this while holding whatever lock governs the source and
// destination containers (page heap lock, central freelist lock, ...).
func (sp *Span) SetState(st State) { sp.state = st }

// LiveObjects currently handed out from this span.
func (sp *Span) LiveObjects() int64 { return atomic.LoadInt64(&sp.liveObjects) }

// IncLive/DecLive track handed-out objects as the facade allocates
// and frees chunks from this span.
func (sp *Span) IncLive() { atomic.AddInt64(&sp.liveObjects, 1) }
func (sp *Span) DecLive() { atomic.AddInt64(&sp.liveObjects, -1) }

// SlotIndex computes which object slot ptr falls in, or -1 if ptr is
// outside this span's object area. A span with no stamped object size
// (one object filling the whole span) has exactly one slot, 0.
func (sp *Span) SlotIndex(ptr uintptr) int64 {
	if ptr < sp.startAddr || ptr >= sp.EndAddr() {
		return -1
	}
	if sp.objSize == 0 {
		return 0
	}
	idx := int64(ptr-sp.startAddr) / sp.objSize
	if idx >= sp.objsPerSpan {
		return -1
	}
	return idx
}

// ObjectBounds returns the [start, end) byte range of the object slot
// containing ptr.
func (sp *Span) ObjectBounds(ptr uintptr) (start, end uintptr, ok bool) {
	idx := sp.SlotIndex(ptr)
	if idx < 0 {
		return 0, 0, false
	}
	if sp.objSize == 0 {
		return sp.startAddr, sp.EndAddr(), true
	}
	start = sp.startAddr + uintptr(idx*sp.objSize)
	return start, start + uintptr(sp.objSize), true
}

// SampledRecord returns the opaque SampledAllocation back-pointer, if
// this span carries one.
func (sp *Span) SampledRecord() unsafe.Pointer { return sp.sampled }

// SetSampledRecord attaches a SampledAllocation back-pointer.
func (sp *Span) SetSampledRecord(rec unsafe.Pointer) { sp.sampled = rec }

// Lock/Unlock expose the per-span mutex to the escape commit-buffer
// drain and free-time poisoning paths, which must run under it.
func (sp *Span) Lock()   { sp.mu.Lock() }
func (sp *Span) Unlock() { sp.mu.Unlock() }

// Next/Prev/SetNext/SetPrev are the freelist linkage used by
// PageAllocator's free pool and the CentralFreeList's partial-span
// list; exactly one container owns a given Span at a time.
func (sp *Span) Next() *Span     { return sp.next }
func (sp *Span) Prev() *Span     { return sp.prev }
func (sp *Span) SetNext(n *Span) { sp.next = n }
func (sp *Span) SetPrev(p *Span) { sp.prev = p }
