package sample

import "sync"
import "sync/atomic"
import "unsafe"

import "github.com/bnclabs/tcguard/lib"

// SampledAllocation records one sampled allocation, one-to-one with a
// sampled Span. Lives in the global Recorder until its target Span is
// freed.
type SampledAllocation struct {
	StackTrace     string
	RequestedSize  int64
	AllocatedSize  int64
	Alignment      int64
	Weight         int64
	SpanStart      uintptr
	AllocationTime int64 // unix nanoseconds
	Proxy          unsafe.Pointer

	tombstoned int32
	next       unsafe.Pointer // *SampledAllocation
}

// Recorder is the global sampled-allocation registry. The list
// operations of Insert and Remove are lock-free (append to a singly
// linked list via CAS; tombstone via an atomic flag), though Insert
// also takes histMu briefly to update the size histogram; Snapshot
// takes a short-lived internal lock purely to get a consistent walk of
// the list.
type Recorder struct {
	mu   sync.Mutex
	head unsafe.Pointer // *SampledAllocation

	// histMu guards sizeHist, since HistogramInt64 carries no locking
	// of its own and Insert is the only hot caller.
	histMu   sync.Mutex
	sizeHist *lib.HistogramInt64
}

// sizeHistFrom/Till/Width bucket sampled allocation sizes up to 1MiB
// in 4KiB steps, with an overflow bucket for anything larger.
const (
	sizeHistFrom  = int64(0)
	sizeHistTill  = int64(1 << 20)
	sizeHistWidth = int64(4096)
)

// NewRecorder builds an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		sizeHist: lib.NewhistorgramInt64(sizeHistFrom, sizeHistTill, sizeHistWidth),
	}
}

// Insert records rec's size in the histogram, then lock-free prepends
// rec onto the registry.
func (r *Recorder) Insert(rec *SampledAllocation) {
	r.histMu.Lock()
	r.sizeHist.Add(rec.AllocatedSize)
	r.histMu.Unlock()

	for {
		old := atomic.LoadPointer(&r.head)
		atomic.StorePointer(&rec.next, old)
		if atomic.CompareAndSwapPointer(&r.head, old, unsafe.Pointer(rec)) {
			return
		}
	}
}

// SizeDistribution reports a snapshot of every sampled allocation
// size's histogram seen so far, for MallocStats/ReportStatistic dumps.
func (r *Recorder) SizeDistribution() string {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	return r.sizeHist.Logstring()
}

// Remove tombstones rec in place; it stays in the list (Snapshot
// filters it out) until the whole recorder is rebuilt, avoiding the
// need to splice a concurrent linked list.
func (r *Recorder) Remove(rec *SampledAllocation) {
	atomic.StoreInt32(&rec.tombstoned, 1)
}

// Snapshot returns every live (non-tombstoned) sample, oldest last.
func (r *Recorder) Snapshot() []*SampledAllocation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*SampledAllocation
	for p := atomic.LoadPointer(&r.head); p != nil; {
		rec := (*SampledAllocation)(p)
		if atomic.LoadInt32(&rec.tombstoned) == 0 {
			out = append(out, rec)
		}
		p = atomic.LoadPointer(&rec.next)
	}
	return out
}

// Compact rebuilds the list dropping every tombstoned entry, reducing
// Snapshot's walk length. Safe to call concurrently with Insert: the
// rebuilt list is installed by a CAS against the head it was built
// from, so if an Insert moved the head in the meantime the swap is
// skipped and every live entry stays reachable from the current head.
func (r *Recorder) Compact() {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldHead := atomic.LoadPointer(&r.head)
	var live []*SampledAllocation
	for p := oldHead; p != nil; p = atomic.LoadPointer(&(*SampledAllocation)(p).next) {
		if rec := (*SampledAllocation)(p); atomic.LoadInt32(&rec.tombstoned) == 0 {
			live = append(live, rec)
		}
	}
	var head unsafe.Pointer
	for i := len(live) - 1; i >= 0; i-- {
		atomic.StorePointer(&live[i].next, head)
		head = unsafe.Pointer(live[i])
	}
	atomic.CompareAndSwapPointer(&r.head, oldHead, head)
}
