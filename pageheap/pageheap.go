// Package pageheap implements the default PageAllocator: the
// out-of-scope "black box" spec.md treats as an external collaborator,
// here backed by golang.org/x/sys/unix mmap/munmap/madvise instead of
// the cgo-malloc pool the rest of this module uses for descriptor
// memory. User heap memory must come from real OS pages, since only
// page-granularity mprotect can hardware-trap a guarded allocation.
package pageheap

import "fmt"
import "sync"
import "sync/atomic"
import "unsafe"

import "golang.org/x/sys/unix"

import "github.com/bnclabs/tcguard/api"
import "github.com/bnclabs/tcguard/pagemap"

// PageSize this heap hands out runs in, matching pagemap.PageSize.
const PageSize = pagemap.PageSize

// Heap is the default api.PageAllocator: every run is an independent
// anonymous mmap, returned to a per-size free list on Delete for
// reuse rather than immediately munmapped, the same "keep it around
// for the next same-shaped request" policy malloc.Arena uses for its
// descriptor pools.
type Heap struct {
	mu       sync.Mutex
	regions  map[uintptr][]byte    // base -> backing slice, for Munmap
	freelist map[int64][]uintptr   // numPages -> free bases
	mapped   int64
	released int64
}

// New constructs an empty page heap.
func New() *Heap {
	return &Heap{
		regions:  make(map[uintptr][]byte),
		freelist: make(map[int64][]uintptr),
	}
}

// PageSize implements api.PageAllocator.
func (h *Heap) PageSize() int64 { return PageSize }

// NewSpan implements api.PageAllocator: mmaps (or reuses) a run of
// numPages pages tagged tag.
func (h *Heap) NewSpan(numPages int64, tag api.MemoryTag) (unsafe.Pointer, bool) {
	if numPages <= 0 {
		return nil, false
	}

	h.mu.Lock()
	if bases := h.freelist[numPages]; len(bases) > 0 {
		base := bases[len(bases)-1]
		h.freelist[numPages] = bases[:len(bases)-1]
		h.mu.Unlock()
		h.tag(base, numPages, tag)
		return unsafe.Pointer(base), true
	}
	h.mu.Unlock()

	// mmap is only guaranteed aligned to the OS's own page size, which
	// can be smaller than PageSize; over-map by one page and hand back
	// a PageSize-aligned cut inside, so every Span's start address is
	// always PageSize-aligned (Memalign up to PageSize relies on this).
	length := int(numPages*PageSize + PageSize)
	region, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, false
	}
	raw := uintptr(unsafe.Pointer(&region[0]))
	base := (raw + uintptr(PageSize) - 1) &^ uintptr(PageSize-1)

	h.mu.Lock()
	h.regions[base] = region
	h.mapped += int64(length)
	h.mu.Unlock()

	h.tag(base, numPages, tag)
	return unsafe.Pointer(base), true
}

// tag applies a best-effort madvise hint for the given memory tag.
// Failure is never fatal — an unsampled, untagged allocation is still
// correct, just not optimally placed.
func (h *Heap) tag(base uintptr, numPages int64, mt api.MemoryTag) {
	if mt != api.Cold {
		return
	}
	h.mu.Lock()
	region, ok := h.regions[base]
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = unix.Madvise(region, unix.MADV_COLD)
}

// NewGuarded implements api.PageAllocator: a single data page flanked
// by two PROT_NONE guard pages, eligible only for single-page sampled
// allocations per the guard.Eligible predicate the facade consults
// before calling this. Like NewSpan, mmap only guarantees alignment to
// the OS's own page size, which can be smaller than PageSize, so this
// over-maps by one extra page and cuts a PageSize-aligned base out of
// the middle — otherwise the data page could straddle two PageIds and
// SetRange would only register one of them.
func (h *Heap) NewGuarded() (unsafe.Pointer, bool) {
	length := int(3*PageSize + PageSize)
	region, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, false
	}
	raw := uintptr(unsafe.Pointer(&region[0]))
	base := (raw + uintptr(PageSize) - 1) &^ uintptr(PageSize-1)
	off := int(base - raw)
	dataBase := base + uintptr(PageSize)

	if err := unix.Mprotect(region[off:off+int(PageSize)], unix.PROT_NONE); err != nil {
		unix.Munmap(region)
		return nil, false
	}
	tailOff := off + int(2*PageSize)
	if err := unix.Mprotect(region[tailOff:tailOff+int(PageSize)], unix.PROT_NONE); err != nil {
		unix.Munmap(region)
		return nil, false
	}

	h.mu.Lock()
	h.regions[base] = region
	h.mapped += int64(length)
	h.mu.Unlock()

	return unsafe.Pointer(dataBase), true
}

// Delete implements api.PageAllocator: returns numPages worth of
// pages starting at base to this heap's free list for reuse. Guarded
// regions are not handled here and are never pooled: DeleteGuarded
// munmaps them immediately, since their guard pages would otherwise
// sit around consuming address space for no benefit.
func (h *Heap) Delete(base unsafe.Pointer, numPages int64) {
	addr := uintptr(base)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.regions[addr]; !ok {
		panic(fmt.Errorf("pageheap: delete of unknown base %x", addr))
	}
	h.freelist[numPages] = append(h.freelist[numPages], addr)
}

// DeleteGuarded unmaps a NewGuarded region immediately, given the data
// page pointer NewGuarded returned. Guard regions are never pooled —
// see Delete's comment — so this bypasses the free list entirely.
func (h *Heap) DeleteGuarded(dataBase unsafe.Pointer) {
	base := uintptr(dataBase) - uintptr(PageSize)

	h.mu.Lock()
	region, ok := h.regions[base]
	if ok {
		delete(h.regions, base)
		h.mapped -= int64(len(region))
	}
	h.mu.Unlock()
	if !ok {
		panic(fmt.Errorf("pageheap: delete of unknown guarded base %x", base))
	}
	unix.Munmap(region)
}

// Release asks the kernel to drop the physical pages backing
// [base, base+numPages*PageSize) via madvise(MADV_DONTNEED), without
// unmapping the virtual address range. This module's malloc_trim path
// calls this before Delete, so the pages are decommitted first and
// only afterward handed to the free list a future NewSpan might reuse
// — Delete alone would just recycle the mapping for a fresh caller
// without ever giving the physical memory back to the OS.
func (h *Heap) Release(base unsafe.Pointer, numPages int64) {
	h.mu.Lock()
	region, ok := h.regions[uintptr(base)]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := unix.Madvise(region, unix.MADV_DONTNEED); err == nil {
		atomic.AddInt64(&h.released, numPages*PageSize)
	}
}

// Stats implements api.PageAllocator.
func (h *Heap) Stats() (mapped, committed int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mapped, h.mapped - h.released
}
