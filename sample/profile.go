package sample

import "sync/atomic"

// ProfileType selects what a Profile snapshot summarises.
type ProfileType int

const (
	// Heap profiles currently-live sampled allocations.
	Heap ProfileType = iota
	// Fragmentation profiles sampled spans whose object occupancy is
	// low relative to their page footprint.
	Fragmentation
	// PeakHeap profiles the sample set captured at the last
	// resident-bytes high-water mark.
	PeakHeap
	// Allocations profiles sampled allocations. Snapshot builds it from
	// the same live records as Heap; freed samples are not included.
	Allocations
)

func (t ProfileType) String() string {
	switch t {
	case Fragmentation:
		return "fragmentation"
	case PeakHeap:
		return "peak_heap"
	case Allocations:
		return "allocations"
	}
	return "heap"
}

// Entry is one row of a Profile snapshot.
type Entry struct {
	StackTrace    string
	Weight        int64
	RequestedSize int64
	AllocatedSize int64
}

// Profile is an opaque, iterable snapshot returned by SnapshotCurrent.
type Profile struct {
	Type    ProfileType
	Entries []Entry
}

// Snapshot builds a profile of type t straight off the recorder's live
// records, whatever t is. PeakHeapTracker calls it for PeakHeap, and
// FragmentationSnapshot builds a Fragmentation profile from
// caller-computed rows.
func Snapshot(rec *Recorder, t ProfileType) *Profile {
	p := &Profile{Type: t}
	for _, s := range rec.Snapshot() {
		p.Entries = append(p.Entries, Entry{
			StackTrace:    s.StackTrace,
			Weight:        s.Weight,
			RequestedSize: s.RequestedSize,
			AllocatedSize: s.AllocatedSize,
		})
	}
	return p
}

// FragmentationSnapshot profiles sampled spans whose live bytes are a
// small fraction of their allocated bytes — entries is the caller's
// computed (stack, requested, allocated) rows, since fragmentation
// requires the Span's current occupancy, which this package does not
// itself track.
func FragmentationSnapshot(entries []Entry) *Profile {
	return &Profile{Type: Fragmentation, Entries: entries}
}

// PeakHeapTracker snapshots the allocation profile whenever resident
// bytes hit a new high-water mark, supplementing the base sampling
// design with the peak-heap behaviour of the reference allocator.
type PeakHeapTracker struct {
	peakBytes int64
	snapshot  atomic.Value // *Profile
}

// NewPeakHeapTracker builds an empty tracker.
func NewPeakHeapTracker() *PeakHeapTracker {
	return &PeakHeapTracker{}
}

// Observe is called on every successful allocation with
// the allocator's current resident byte count. If it is a new high,
// the sampled-allocation recorder is snapshotted and retained.
func (pt *PeakHeapTracker) Observe(residentBytes int64, rec *Recorder) {
	for {
		peak := atomic.LoadInt64(&pt.peakBytes)
		if residentBytes <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&pt.peakBytes, peak, residentBytes) {
			pt.snapshot.Store(Snapshot(rec, PeakHeap))
			return
		}
	}
}

// Snapshot returns the profile captured at the last high-water mark,
// or nil if Observe has never recorded a new peak.
func (pt *PeakHeapTracker) Snapshot() *Profile {
	p, _ := pt.snapshot.Load().(*Profile)
	return p
}

// PeakBytes reports the high-water mark itself.
func (pt *PeakHeapTracker) PeakBytes() int64 {
	return atomic.LoadInt64(&pt.peakBytes)
}
