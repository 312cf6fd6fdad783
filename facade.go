package tcguard

import "fmt"
import "runtime"
import "sync"
import "sync/atomic"
import "time"
import "unsafe"

import s "github.com/bnclabs/gosettings"

import "github.com/bnclabs/tcguard/api"
import "github.com/bnclabs/tcguard/cache"
import "github.com/bnclabs/tcguard/lib"
import "github.com/bnclabs/tcguard/pageheap"
import "github.com/bnclabs/tcguard/pagemap"
import "github.com/bnclabs/tcguard/safety"
import "github.com/bnclabs/tcguard/sample"
import "github.com/bnclabs/tcguard/sizeclass"
import "github.com/bnclabs/tcguard/span"

// Facade is this module's entire allocator state: the size-class
// table, page map, page heap, the per-class cache hierarchy, and the
// sampling/safety side-tables. Every exported ABI function below
// operates against the single package-level Facade built lazily by
// initIfNecessary, mirroring the reference allocator's
// Static::InitIfNecessary double-checked lazy init.
type Facade struct {
	setts s.Settings

	table *sizeclass.Table
	pm    *pagemap.PageMap
	pages api.PageAllocator

	centrals   []*cache.CentralFreeList // indexed by class, 0 unused
	transfers  []*cache.TransferCache
	tcachePool sync.Pool
	tcSeed     int64 // atomic, seeds each pooled ThreadCache's own Sampler

	// releaseMu is the dedicated release_lock: it serialises a
	// MallocTrim sweep across every class's CentralFreeList, so
	// concurrent callers don't fire overlapping madvise storms against
	// the page allocator. Distinct from each CentralFreeList's own mu,
	// which only protects that one class's bookkeeping.
	releaseMu sync.Mutex

	recorder *sample.Recorder
	peak     *sample.PeakHeapTracker
	counters *safety.Counters

	protection     bool
	statistic      bool
	reportErr      bool
	crashOnCorrupt bool
	memlimit       int64

	residentBytes int64 // atomic
}

// NewFacade builds a fully wired allocator from setts, mixed over
// Defaultsettings so every key this package reads is always present.
func NewFacade(setts s.Settings) *Facade {
	setts = make(s.Settings).Mixin(Defaultsettings(), setts)

	profile := sizeclass.Profile(setts.String("sizeclass.profile"))
	table := sizeclass.New(profile)
	pm := pagemap.New()
	pages := pageheap.New()

	f := &Facade{
		setts:          setts,
		table:          table,
		pm:             pm,
		pages:          pages,
		recorder:       sample.NewRecorder(),
		peak:           sample.NewPeakHeapTracker(),
		counters:       &safety.Counters{},
		protection:     setts.Bool("protection.enable"),
		statistic:      setts.Bool("statistic.enable"),
		reportErr:      setts.Bool("errorreport.enable"),
		crashOnCorrupt: setts.Bool("crashoncorruption.enable"),
		memlimit:       setts.Int64("pageheap.memlimit"),
	}

	f.centrals = make([]*cache.CentralFreeList, table.NumClasses()+1)
	f.transfers = make([]*cache.TransferCache, table.NumClasses()+1)
	for c := 1; c <= table.NumClasses(); c++ {
		central := cache.NewCentralFreeList(c, table, pages, pm)
		f.centrals[c] = central
		f.transfers[c] = cache.NewTransferCache(central, 32, 8)
	}
	meanInterval := setts.Int64("sampler.interval")
	f.tcachePool.New = func() interface{} {
		seed := atomic.AddInt64(&f.tcSeed, 1)
		return cache.NewThreadCache(table, f.transfers, cache.DefaultMaxBytes, meanInterval, seed)
	}

	span.InitDescriptorArena(span.DefaultDescriptorSettings(setts.String("descriptor.allocator")))
	return f
}

var (
	globalMu    sync.Mutex
	global      *Facade
	globalReady int32
)

// initIfNecessary returns the package-level Facade, building it with
// Defaultsettings on first use. Double-checked: the hot path never
// takes globalMu once globalReady is set.
func initIfNecessary() *Facade {
	if atomic.LoadInt32(&globalReady) == 1 {
		return global
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = NewFacade(Defaultsettings())
	}
	atomic.StoreInt32(&globalReady, 1)
	return global
}

// checkoutThreadCache and returnThreadCache stand in for the
// per-goroutine affinity a real CPUCache would get from the runtime:
// a goroutine borrows one from the pool for the duration of a single
// ABI call, so it is never shared concurrently, then returns it.
func (f *Facade) checkoutThreadCache() *cache.ThreadCache {
	return f.tcachePool.Get().(*cache.ThreadCache)
}

func (f *Facade) returnThreadCache(tc *cache.ThreadCache) {
	f.tcachePool.Put(tc)
}

// protectionPad is the one byte of padding ENABLE_PROTECTION adds to
// every allocation, so a one-past-end pointer still falls inside its
// own object's slot. The byte is not written or poisoned.
const protectionPad = int64(1)

// pad reports the slack, in bytes, that the safety layer must trim off
// the raw object end before treating it as a checkable boundary: the
// span's stored obj_size already includes protectionPad's extra byte
// when protection is on, but that byte exists only so escape() can
// attribute a one-past-end pointer to the right slot — it is never a
// byte check_boundary/get_chunk_range should report as in-bounds.
func (f *Facade) pad() int64 {
	if f.protection {
		return protectionPad
	}
	return 0
}

// Malloc allocates size bytes, taking the small-object fast path
// through a borrowed ThreadCache when size fits a class, the sampled
// path when the sampler fires, or the page path directly otherwise.
func Malloc(size int64) unsafe.Pointer {
	return initIfNecessary().Malloc(size)
}

func (f *Facade) Malloc(size int64) unsafe.Pointer {
	if size < 0 {
		return nil
	}
	reqSize := size
	// malloc(0) must still hand back a valid, trackable pointer rather
	// than nil: the reference allocator rounds a zero-size request up
	// to the smallest size class, so callers can legally escape()/
	// free() it later (spec.md's scenario 4 escapes a zero-size
	// allocation).
	if size == 0 {
		size = 1
	}
	if f.protection {
		size += protectionPad
	}

	tc := f.checkoutThreadCache()
	weight, sampled := tc.Sampler.ShouldSampleAllocation(reqSize)
	if sampled {
		f.returnThreadCache(tc)
		return f.mallocSampled(reqSize, size, weight)
	}

	class := f.table.SizeClass(size)
	if class == 0 {
		f.returnThreadCache(tc)
		return f.mallocLarge(reqSize, size, api.Normal)
	}

	ptr, ok := tc.Allocate(class)
	f.returnThreadCache(tc)
	if !ok {
		return nil
	}
	if f.statistic {
		f.counters.IncMalloc()
		f.counters.IncCacheOptimized()
	}
	f.observeResident(f.table.ClassToSize(class))
	return ptr
}

// mallocLarge carves a span directly from the page heap for an
// allocation too big for any size class, stamping class 0 ("consult
// the span") in the page map.
func (f *Facade) mallocLarge(reqSize, size int64, tag api.MemoryTag) unsafe.Pointer {
	numPages := (size + pagemap.PageSize - 1) / pagemap.PageSize
	base, ok := f.pages.NewSpan(numPages, tag)
	if !ok {
		return nil
	}
	sp := span.New(uintptr(base), numPages, tag)
	sp.AssignClass(0, size, 1)
	sp.SetState(span.Live)
	sp.IncLive()
	f.pm.SetRange(pagemap.ToPageId(sp.StartAddr()), numPages, unsafe.Pointer(sp), 0)

	if f.statistic {
		f.counters.IncMalloc()
	}
	f.observeResident(numPages * pagemap.PageSize)
	return base
}

// mallocSampled services a sampled allocation: a single-page,
// naturally-aligned request goes into a guarded span so an overrun
// traps in hardware; anything else gets an ordinary Sampled-tagged
// span recorded in the global Recorder.
// minObjectAlignment is the alignment every size class already
// guarantees (sizeclass.roundclass rounds every object size to a
// multiple of this), so a guarded single-page sampled allocation is
// always eligible on the alignment leg of pageheap.Eligible.
const minObjectAlignment = int64(8)

func (f *Facade) mallocSampled(reqSize, size, weight int64) unsafe.Pointer {
	if pageheap.Eligible(size, minObjectAlignment) {
		if h, ok := castToHeap(f.pages); ok {
			if base, ok := h.NewGuarded(); ok {
				sp := span.New(uintptr(base), 1, api.Guarded)
				sp.AssignClass(0, size, 1)
				sp.SetState(span.GuardedLive)
				sp.IncLive()
				f.pm.SetRange(pagemap.ToPageId(sp.StartAddr()), 1, unsafe.Pointer(sp), 0)
				f.attachSample(sp, reqSize, size, weight)
				if f.statistic {
					f.counters.IncMalloc()
				}
				f.observeResident(pagemap.PageSize)
				return base
			}
		}
	}
	base := f.mallocLarge(reqSize, size, api.Sampled)
	if base == nil {
		return nil
	}
	spanptr, _ := f.pm.Get(pagemap.ToPageId(uintptr(base)))
	sp := (*span.Span)(spanptr)
	sp.SetState(span.SampledLive)
	f.attachSample(sp, reqSize, size, weight)
	return base
}

func (f *Facade) attachSample(sp *span.Span, reqSize, size, weight int64) {
	rec := &sample.SampledAllocation{
		StackTrace:     captureStack(4),
		RequestedSize:  reqSize,
		AllocatedSize:  size,
		Weight:         weight,
		SpanStart:      sp.StartAddr(),
		AllocationTime: time.Now().UnixNano(),
	}
	f.recorder.Insert(rec)
	sp.SetSampledRecord(unsafe.Pointer(rec))
}

// captureStack renders the calling goroutine's stack, skipping this
// module's own allocation-path frames, for a SampledAllocation's
// StackTrace and for the call site a reported error is logged against.
func captureStack(skip int) string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return lib.GetStacktrace(skip, buf[:n])
}

// castToHeap type-asserts the configured PageAllocator down to
// *pageheap.Heap so the guarded-allocation free path can reach
// DeleteGuarded, which (unlike NewGuarded) is not part of the narrower
// api.PageAllocator contract an alternative backend might not implement.
func castToHeap(pages api.PageAllocator) (*pageheap.Heap, bool) {
	h, ok := pages.(*pageheap.Heap)
	return h, ok
}

func (f *Facade) observeResident(delta int64) {
	residentBytes := atomic.AddInt64(&f.residentBytes, delta)
	f.peak.Observe(residentBytes, f.recorder)
}

// Free releases ptr, validating it lands on an object boundary and
// running the free-time escape-poisoning step before returning the
// slot to whichever cache owns its size class.
func Free(ptr unsafe.Pointer) { initIfNecessary().Free(ptr) }

func (f *Facade) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	if f.protection && safety.CheckDoubleFree(ptr) {
		f.reportError(ErrInvalidFree, "free: double or invalid free of %v", ptr)
		return
	}

	spanptr, class := f.pm.Get(pagemap.ToPageId(uintptr(ptr)))
	if spanptr == nil {
		f.reportError(ErrOutOfBounds, "free: %v is not a tracked allocation", ptr)
		return
	}
	sp := (*span.Span)(spanptr)

	// Boundary validation and free-time escape poisoning are both
	// ENABLE_PROTECTION-only in the reference allocator: with
	// protection off, free() trusts the caller and goes straight to
	// returning the slot to its cache.
	if f.protection {
		chainLen, err := safety.ValidateAndPoisonOnFree(sp, uintptr(ptr), true)
		if err != nil {
			f.reportError(err, "free: %v is not a valid object boundary", ptr)
			return
		}
		if f.statistic && chainLen > 0 {
			f.counters.ObserveChainLen(int64(chainLen))
		}
	}
	if f.statistic {
		f.counters.IncFree()
	}

	switch sp.State() {
	case span.GuardedLive:
		f.freeSampled(sp, ptr)
		if h, ok := castToHeap(f.pages); ok {
			f.pm.Clear(pagemap.ToPageId(sp.StartAddr()))
			h.DeleteGuarded(ptr)
		}
		span.Delete(sp)
		atomic.AddInt64(&f.residentBytes, -pagemap.PageSize)
		return
	case span.SampledLive, span.Live:
		f.freeSampled(sp, ptr)
		numPages := sp.NumPages()
		f.pm.ClearRange(pagemap.ToPageId(sp.StartAddr()), numPages)
		f.pages.Delete(unsafe.Pointer(sp.StartAddr()), numPages)
		span.Delete(sp)
		atomic.AddInt64(&f.residentBytes, -numPages*pagemap.PageSize)
		return
	}

	tc := f.checkoutThreadCache()
	tc.Deallocate(int(class), ptr)
	f.returnThreadCache(tc)
	atomic.AddInt64(&f.residentBytes, -f.table.ClassToSize(int(class)))
}

func (f *Facade) freeSampled(sp *span.Span, ptr unsafe.Pointer) {
	if rec := sp.SampledRecord(); rec != nil {
		f.recorder.Remove((*sample.SampledAllocation)(rec))
	}
	sp.DecLive()
}

func (f *Facade) reportError(err error, format string, args ...interface{}) {
	if f.reportErr {
		all := append(args, err, captureStack(3))
		errorf("tcguard: "+format+": %v\n%v", all...)
	}
	if f.crashOnCorrupt && err == ErrCorruptedMetadata {
		fatalf("tcguard: corrupted allocator metadata, crashoncorruption.enable is set")
	}
}

// Calloc allocates count*size bytes, zeroed.
func Calloc(count, size int64) unsafe.Pointer { return initIfNecessary().Calloc(count, size) }

func (f *Facade) Calloc(count, size int64) unsafe.Pointer {
	if count < 0 || size < 0 {
		return nil
	}
	total := count * size
	if size != 0 && total/size != count {
		return nil // count*size overflowed int64
	}
	ptr := f.Malloc(total)
	if ptr == nil {
		return nil
	}
	buf := unsafe.Slice((*byte)(ptr), int(total))
	for i := range buf {
		buf[i] = 0
	}
	return ptr
}

// Realloc resizes the allocation at ptr to newSize, following the
// reference allocator's growth/shrink hysteresis: shrinking by less
// than half reuses the existing object in place, and growing by less
// than 25% allocates 25% more than the old size, so further small
// growth is then absorbed in place.
func Realloc(ptr unsafe.Pointer, newSize int64) unsafe.Pointer {
	return initIfNecessary().Realloc(ptr, newSize)
}

func (f *Facade) Realloc(ptr unsafe.Pointer, newSize int64) unsafe.Pointer {
	if ptr == nil {
		return f.Malloc(newSize)
	}
	if newSize <= 0 {
		f.Free(ptr)
		return nil
	}

	oldSize := f.MallocSize(ptr)
	if oldSize == 0 {
		f.reportError(ErrOutOfBounds, "realloc: %v is not a tracked allocation", ptr)
		return nil
	}
	allocSize := newSize
	if newSize > oldSize && newSize < oldSize+oldSize/4 {
		allocSize = oldSize + oldSize/4 // growth under 25%: grow by 25%
	}
	if newSize < oldSize && newSize >= oldSize/2 {
		return ptr // shrink under half: keep in place
	}

	newPtr := f.Malloc(allocSize)
	if newPtr == nil {
		return nil
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	lib.Memcpy(newPtr, ptr, int(n))
	f.Free(ptr)
	return newPtr
}

// Memalign returns an allocation of size bytes aligned to alignment,
// which must be a power of two.
func Memalign(alignment, size int64) unsafe.Pointer {
	return initIfNecessary().Memalign(alignment, size)
}

func (f *Facade) Memalign(alignment, size int64) unsafe.Pointer {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		f.reportError(ErrBadAlignment, "memalign: %v is not a power of two", alignment)
		return nil
	}
	if alignment <= minObjectAlignment {
		return f.Malloc(size) // every class is already 8-byte aligned
	}
	if alignment > pagemap.PageSize {
		// Every Span this module hands out is PageSize-aligned, never
		// more; satisfying a coarser alignment would need carving an
		// interior pointer out of an oversized span, which breaks the
		// one-object-per-span boundary check the free path relies on.
		// Out of scope, matching the distilled spec's exclusion of
		// huge-page/NUMA-level placement control.
		f.reportError(ErrBadAlignment, "memalign: alignment %v exceeds page size", alignment)
		return nil
	}
	// Every span this module allocates starts PageSize-aligned (see
	// pageheap.Heap.NewSpan), so any alignment up to PageSize is
	// already satisfied by the ordinary large-allocation path.
	return f.mallocLarge(size, size, api.Normal)
}

// PosixMemalign is Memalign with posix_memalign's two-field signature,
// returning 0 on success and writing the aligned pointer through memptr.
func PosixMemalign(memptr *unsafe.Pointer, alignment, size int64) int {
	return initIfNecessary().PosixMemalign(memptr, alignment, size)
}

func (f *Facade) PosixMemalign(memptr *unsafe.Pointer, alignment, size int64) int {
	ptr := f.Memalign(alignment, size)
	if ptr == nil {
		return -1
	}
	*memptr = ptr
	return 0
}

// AlignedAlloc is Memalign with size required to be a multiple of
// alignment, per C11 aligned_alloc's stricter contract.
func AlignedAlloc(alignment, size int64) unsafe.Pointer {
	return initIfNecessary().AlignedAlloc(alignment, size)
}

func (f *Facade) AlignedAlloc(alignment, size int64) unsafe.Pointer {
	if size%alignment != 0 {
		f.reportError(ErrBadAlignment, "aligned_alloc: size %v not a multiple of %v", size, alignment)
		return nil
	}
	return f.Memalign(alignment, size)
}

// Valloc allocates size bytes aligned to the page size.
func Valloc(size int64) unsafe.Pointer { return initIfNecessary().Valloc(size) }

func (f *Facade) Valloc(size int64) unsafe.Pointer {
	return f.Memalign(pagemap.PageSize, size)
}

// Pvalloc rounds size up to a whole number of pages, then Vallocs it.
func Pvalloc(size int64) unsafe.Pointer { return initIfNecessary().Pvalloc(size) }

func (f *Facade) Pvalloc(size int64) unsafe.Pointer {
	rounded := ((size + pagemap.PageSize - 1) / pagemap.PageSize) * pagemap.PageSize
	return f.Valloc(rounded)
}

// Nallocx returns, without allocating anything, the size MallocSize
// would report for an allocation of size: the size class's object size
// for a small request, the request itself for a page-level one, less
// the protection pad when protection is on.
func Nallocx(size int64) int64 { return initIfNecessary().Nallocx(size) }

func (f *Facade) Nallocx(size int64) int64 {
	if f.protection {
		size += protectionPad
	}
	n := size // page path: the span's stamped size is the request itself
	if class := f.table.SizeClass(size); class != 0 {
		n = f.table.ClassToSize(class)
	}
	if f.protection {
		n -= protectionPad
	}
	return n
}

// Sdallocx frees ptr given its caller-known size, recomputing the size
// class from size instead of reading the class byte Free would
// otherwise pull out of the page map — the free-with-known-size fast
// path spec.md §4.5 and SPEC_FULL.md §5/§7 describe. Protection
// checks still resolve the owning Span (that lookup isn't the one
// being skipped; the reference allocator's do_free_with_size_class
// keeps it even in the have_size_class case), and any span that turns
// out not to be a plain size-classed allocation — sampled, guarded, or
// large — falls through to the ordinary Free path.
func Sdallocx(ptr unsafe.Pointer, size int64) { initIfNecessary().Sdallocx(ptr, size) }

func (f *Facade) Sdallocx(ptr unsafe.Pointer, size int64) {
	if ptr == nil {
		return
	}
	if f.protection {
		size += protectionPad
	}
	class := f.table.SizeClass(size)
	if class == 0 {
		f.Free(ptr)
		return
	}

	if f.protection && safety.CheckDoubleFree(ptr) {
		f.reportError(ErrInvalidFree, "sdallocx: double or invalid free of %v", ptr)
		return
	}

	spanptr, _ := f.pm.Get(pagemap.ToPageId(uintptr(ptr)))
	if spanptr == nil {
		f.reportError(ErrOutOfBounds, "sdallocx: %v is not a tracked allocation", ptr)
		return
	}
	sp := (*span.Span)(spanptr)
	if sp.State() != span.InCentral {
		// the caller's size hint landed on a real class, but this span
		// is sampled/guarded/large; the full Free path knows how to
		// unwind those.
		f.Free(ptr)
		return
	}

	if f.protection {
		chainLen, err := safety.ValidateAndPoisonOnFree(sp, uintptr(ptr), true)
		if err != nil {
			f.reportError(err, "sdallocx: %v is not a valid object boundary", ptr)
			return
		}
		if f.statistic && chainLen > 0 {
			f.counters.ObserveChainLen(int64(chainLen))
		}
	}
	if f.statistic {
		f.counters.IncFree()
	}

	tc := f.checkoutThreadCache()
	tc.Deallocate(class, ptr)
	f.returnThreadCache(tc)
	atomic.AddInt64(&f.residentBytes, -f.table.ClassToSize(class))
}

// MallocSize reports the usable size of the allocation at ptr, the
// application-visible size with any protection padding subtracted
// back out.
func MallocSize(ptr unsafe.Pointer) int64 { return initIfNecessary().MallocSize(ptr) }

func (f *Facade) MallocSize(ptr unsafe.Pointer) int64 {
	spanptr, class := f.pm.Get(pagemap.ToPageId(uintptr(ptr)))
	if spanptr == nil {
		return 0
	}
	sp := (*span.Span)(spanptr)
	var size int64
	if class == 0 {
		size = sp.ObjSize()
	} else {
		size = f.table.ClassToSize(int(class))
	}
	if f.protection {
		size -= protectionPad
	}
	return size
}

// Meminfo reports coarse allocator-wide statistics: bytes currently
// mapped from the OS and bytes the application is actually holding
// live.
type Meminfo struct {
	Mapped    int64
	Committed int64
	Resident  int64
}

// Mallinfo reports this allocator's coarse memory-usage statistics.
func Mallinfo() Meminfo { return initIfNecessary().Mallinfo() }

func (f *Facade) Mallinfo() Meminfo {
	mapped, committed := f.pages.Stats()
	return Meminfo{Mapped: mapped, Committed: committed, Resident: atomic.LoadInt64(&f.residentBytes)}
}

// Mallopt adjusts one of this module's Settings keys at runtime,
// limited to the handful the reference allocator lets MallOpt touch
// post-init: the protection/statistics/error-report/crash flags.
func Mallopt(key string, value bool) bool { return initIfNecessary().Mallopt(key, value) }

func (f *Facade) Mallopt(key string, value bool) bool {
	switch key {
	case "protection.enable":
		f.protection = value
	case "statistic.enable":
		f.statistic = value
	case "errorreport.enable":
		f.reportErr = value
	case "crashoncorruption.enable":
		f.crashOnCorrupt = value
	default:
		return false
	}
	return true
}

// MallocTrim walks every class's CentralFreeList for spans with zero
// live objects and releases their pages back to the OS, holding
// releaseMu for the whole sweep the same way the reference design's
// release_lock serialises ReleaseMemoryToSystem.
func MallocTrim() (spansReleased int) { return initIfNecessary().MallocTrim() }

func (f *Facade) MallocTrim() (spansReleased int) {
	f.releaseMu.Lock()
	defer f.releaseMu.Unlock()
	for _, central := range f.centrals {
		if central == nil {
			continue
		}
		spansReleased += central.Trim()
	}
	return spansReleased
}

// MallocStats renders a human-readable dump of this allocator's
// bookkeeping: mapped/committed/resident bytes and, when
// "statistic.enable" is set, the safety-layer counters.
func MallocStats() string { return initIfNecessary().MallocStats() }

func (f *Facade) MallocStats() string {
	mapped, committed := f.pages.Stats()
	out := fmt.Sprintf(
		"mapped=%v committed=%v resident=%v peak=%v\n",
		mapped, committed, atomic.LoadInt64(&f.residentBytes), f.peak.PeakBytes(),
	)
	if f.statistic {
		out += f.counters.Dump()
		out += fmt.Sprintf("sample.sizes       %v\n", f.recorder.SizeDistribution())
	}
	return out
}
