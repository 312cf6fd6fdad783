// Package cache implements the three tiers between the page
// allocator and the allocator facade's hot path: one CentralFreeList
// per size class, a lock-free TransferCache batch queue sitting in
// front of it, and the per-thread ThreadCache that actually answers
// fast-path allocate/deallocate calls.
package cache

import "fmt"
import "sync"
import "unsafe"

import "github.com/bnclabs/tcguard/api"
import "github.com/bnclabs/tcguard/pagemap"
import "github.com/bnclabs/tcguard/sizeclass"
import "github.com/bnclabs/tcguard/span"

// CentralFreeList is the global, per-size-class pool of free objects.
// Contention is per-class, never global: each instance carries its
// own mutex.
type CentralFreeList struct {
	mu sync.Mutex

	class int
	shape sizeclass.Class
	pages api.PageAllocator
	pm    *pagemap.PageMap

	// spanPages is shape.PagesPerSpan translated from the size-class
	// table's own page unit (8KB/32KB/256KB depending on profile) into
	// real PageAllocator pages, which are always pagemap.PageSize.
	spanPages int64

	// freeObjs/freeSpans are parallel: freeObjs[i] is a free object
	// inside freeSpans[i]. This is the "array of free object
	// pointers used to answer batch refills" spec.md assigns to the
	// CentralFreeList, not to the Span.
	freeObjs  []unsafe.Pointer
	freeSpans []*span.Span

	owned []*span.Span // every span this free list has ever carved
}

// NewCentralFreeList builds the free list for class, whose shape comes
// from table, drawing fresh spans from pages and registering them in
// pm.
func NewCentralFreeList(class int, table *sizeclass.Table, pages api.PageAllocator, pm *pagemap.PageMap) *CentralFreeList {
	shape := table.Class(class)
	spanBytes := shape.PagesPerSpan * table.PageSize()
	spanPages := spanBytes / pagemap.PageSize
	if spanPages < 1 {
		spanPages = 1
	}
	return &CentralFreeList{
		class:     class,
		shape:     shape,
		pages:     pages,
		pm:        pm,
		spanPages: spanPages,
	}
}

// RemoveRange pops up to n free objects, refilling from the page
// allocator on exhaustion. Returns fewer than n only on OOM.
func (c *CentralFreeList) RemoveRange(n int) []unsafe.Pointer {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]unsafe.Pointer, 0, n)
	for len(out) < n {
		if len(c.freeObjs) == 0 {
			if !c.growLocked() {
				break
			}
		}
		last := len(c.freeObjs) - 1
		ptr, sp := c.freeObjs[last], c.freeSpans[last]
		c.freeObjs, c.freeSpans = c.freeObjs[:last], c.freeSpans[:last]
		sp.IncLive()
		out = append(out, ptr)
	}
	return out
}

// InsertRange pushes a batch of freed objects back, resolving each
// one's owning Span through the page map exactly as the free() path
// does.
func (c *CentralFreeList) InsertRange(ptrs []unsafe.Pointer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ptr := range ptrs {
		spanptr, _ := c.pm.Get(pagemap.ToPageId(uintptr(ptr)))
		if spanptr == nil {
			panic(fmt.Errorf("cache: InsertRange of unmapped pointer %v", ptr))
		}
		sp := (*span.Span)(spanptr)
		sp.DecLive()
		c.freeObjs = append(c.freeObjs, ptr)
		c.freeSpans = append(c.freeSpans, sp)
	}
}

// growLocked carves a fresh Span from the page allocator and seeds
// freeObjs/freeSpans with its objects. Caller holds c.mu.
func (c *CentralFreeList) growLocked() bool {
	base, ok := c.pages.NewSpan(c.spanPages, api.Normal)
	if !ok {
		return false
	}
	sp := span.New(uintptr(base), c.spanPages, api.Normal)
	sp.AssignClass(c.class, c.shape.ObjectSize, c.shape.ObjectsPerSpan)
	sp.SetState(span.InCentral)

	firstPage := pagemap.ToPageId(sp.StartAddr())
	c.pm.SetRange(firstPage, sp.NumPages(), unsafe.Pointer(sp), uint8(c.class))

	for i := int64(0); i < c.shape.ObjectsPerSpan; i++ {
		ptr := unsafe.Pointer(sp.StartAddr() + uintptr(i*c.shape.ObjectSize))
		c.freeObjs = append(c.freeObjs, ptr)
		c.freeSpans = append(c.freeSpans, sp)
	}
	c.owned = append(c.owned, sp)
	return true
}

// Trim walks every fully-idle span (no live objects) this free list
// owns and retires it via dropSpanLocked, releasing its pages back to
// the OS. Part of the module's malloc_trim support; never called on
// the hot path. Callers serialise concurrent Trim sweeps across every
// class with their own release lock; this class's mu only protects
// this free list's own bookkeeping.
func (c *CentralFreeList) Trim() (spansReleased int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.owned[:0]
	for _, sp := range c.owned {
		if sp.LiveObjects() != 0 {
			kept = append(kept, sp)
			continue
		}
		c.dropSpanLocked(sp)
		spansReleased++
	}
	c.owned = kept
	return spansReleased
}

// dropSpanLocked retires an idle span: releases its physical pages
// back to the OS before returning the virtual range to the page
// allocator's own free list, so the pages a caller's stale size-class
// lookup might still reference mid-drain are decommitted, not handed
// to some other class's growLocked before the drop finishes.
func (c *CentralFreeList) dropSpanLocked(sp *span.Span) {
	keptObjs := c.freeObjs[:0]
	keptSpans := c.freeSpans[:0]
	for i, s := range c.freeSpans {
		if s != sp {
			keptObjs = append(keptObjs, c.freeObjs[i])
			keptSpans = append(keptSpans, s)
		}
	}
	c.freeObjs, c.freeSpans = keptObjs, keptSpans

	firstPage := pagemap.ToPageId(sp.StartAddr())
	c.pm.ClearRange(firstPage, sp.NumPages())
	c.pages.Release(unsafe.Pointer(sp.StartAddr()), sp.NumPages())
	c.pages.Delete(unsafe.Pointer(sp.StartAddr()), sp.NumPages())
	span.Delete(sp)
}

// Stats reports how many spans this free list currently owns and how
// many objects sit idle in freeObjs.
func (c *CentralFreeList) Stats() (spans, idleObjects int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.owned)), int64(len(c.freeObjs))
}
