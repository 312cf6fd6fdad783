// Package pagemap implements the global address-to-Span index: a
// radix tree, indexed by page id, that resolves any heap address to
// its owning Span and cached size-class in O(1) without touching the
// object itself. Reads never take a lock and never observe a torn
// entry — every write installs a brand new *entry node and swaps the
// slot's pointer atomically, so a concurrent reader sees either the
// whole pre-update value or the whole post-update value.
package pagemap

import "sync"
import "sync/atomic"
import "unsafe"

// PageShift is the page granularity this map is indexed at: 8KB
// pages, matching the "normal" size-class profile's span granularity.
const PageShift = 13

// PageSize in bytes, derived from PageShift.
const PageSize = int64(1) << PageShift

const (
	level1Bits = 12
	level2Bits = 12
	level3Bits = 11

	level1Size = 1 << level1Bits
	level2Size = 1 << level2Bits
	level3Size = 1 << level3Bits

	level3Mask = level3Size - 1
	level2Mask = level2Size - 1
	level1Mask = level1Size - 1
)

// PageId is a heap address right-shifted by PageShift bits.
type PageId int64

// ToPageId converts a raw address to a PageId.
func ToPageId(addr uintptr) PageId {
	return PageId(addr >> PageShift)
}

// Addr converts a PageId back to its base address.
func (id PageId) Addr() uintptr {
	return uintptr(id) << PageShift
}

// entry is the immutable value installed at one page-id slot. A
// write never mutates an existing entry in place — it builds one of
// these and swaps the owning atomic.Pointer.
type entry struct {
	class     uint8          // compact size-class; 0 means "consult Span"
	firstPage PageId         // first page of the owning Span
	span      unsafe.Pointer // opaque *span.Span back-pointer
}

type leaf struct {
	slots [level3Size]atomic.Pointer[entry]
}

type middle struct {
	leaves [level2Size]atomic.Pointer[leaf]
}

// PageMap is the global address-to-Span index. The zero value is not
// usable; construct with New.
type PageMap struct {
	mu   sync.Mutex // pageheap_lock: guards writes and interior node creation
	root [level1Size]atomic.Pointer[middle]
}

// New allocates an empty PageMap. Interior radix nodes are allocated
// lazily on first Set into a given region, never eagerly.
func New() *PageMap {
	return &PageMap{}
}

func split(id PageId) (i1, i2, i3 int) {
	v := int64(id)
	i3 = int(v & level3Mask)
	v >>= level3Bits
	i2 = int(v & level2Mask)
	v >>= level2Bits
	i1 = int(v & level1Mask)
	return
}

// Get resolves id to its Span back-pointer and compact size-class.
// Wait-free: no locks, no allocation, a pure chain of atomic loads.
// Returns (nil, 0) for an unmapped page.
func (pm *PageMap) Get(id PageId) (spanptr unsafe.Pointer, class uint8) {
	i1, i2, i3 := split(id)
	mid := pm.root[i1].Load()
	if mid == nil {
		return nil, 0
	}
	lf := mid.leaves[i2].Load()
	if lf == nil {
		return nil, 0
	}
	e := lf.slots[i3].Load()
	if e == nil {
		return nil, 0
	}
	return e.span, e.class
}

// GetPageInfo is the fast path for check_boundary: one atomic load
// chain returning the packed (firstPage, class) pair without
// unpacking the Span back-pointer at all.
func (pm *PageMap) GetPageInfo(id PageId) (firstPage PageId, class uint8, ok bool) {
	i1, i2, i3 := split(id)
	mid := pm.root[i1].Load()
	if mid == nil {
		return 0, 0, false
	}
	lf := mid.leaves[i2].Load()
	if lf == nil {
		return 0, 0, false
	}
	e := lf.slots[i3].Load()
	if e == nil {
		return 0, 0, false
	}
	return e.firstPage, e.class, true
}

// Set installs the (span, class, firstPage) triple for id. Writes are
// serialised by pm.mu, which Set takes itself; callers need no lock of
// their own. Interior tree nodes are allocated from this call's
// goroutine, never from a user heap arena.
func (pm *PageMap) Set(id PageId, spanptr unsafe.Pointer, class uint8, firstPage PageId) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	i1, i2, i3 := split(id)
	mid := pm.root[i1].Load()
	if mid == nil {
		mid = &middle{}
		pm.root[i1].Store(mid)
	}
	lf := mid.leaves[i2].Load()
	if lf == nil {
		lf = &leaf{}
		mid.leaves[i2].Store(lf)
	}
	lf.slots[i3].Store(&entry{class: class, firstPage: firstPage, span: spanptr})
}

// Clear removes the mapping for id, e.g. once a Span's pages have
// been returned to the PageAllocator.
func (pm *PageMap) Clear(id PageId) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	i1, i2, i3 := split(id)
	mid := pm.root[i1].Load()
	if mid == nil {
		return
	}
	lf := mid.leaves[i2].Load()
	if lf == nil {
		return
	}
	lf.slots[i3].Store(nil)
}

// SetRange registers every page in [firstPage, firstPage+numPages)
// as belonging to the same Span, with class cached identically on
// each page — the bounds-check path only ever reads the page
// containing base, but interior pages must resolve too so a pointer
// anywhere in a large object's span still finds its owner.
func (pm *PageMap) SetRange(firstPage PageId, numPages int64, spanptr unsafe.Pointer, class uint8) {
	for i := int64(0); i < numPages; i++ {
		pm.Set(firstPage+PageId(i), spanptr, class, firstPage)
	}
}

// ClearRange is the inverse of SetRange, used when a Span is
// destroyed and its pages returned to the PageAllocator.
func (pm *PageMap) ClearRange(firstPage PageId, numPages int64) {
	for i := int64(0); i < numPages; i++ {
		pm.Clear(firstPage + PageId(i))
	}
}
