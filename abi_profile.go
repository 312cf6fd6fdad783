package tcguard

import "github.com/bnclabs/tcguard/sample"

// SnapshotCurrent returns a profile of the requested type built off
// the live sampled-allocation recorder (Heap, Allocations) or the last
// resident-bytes high-water mark (PeakHeap). A Fragmentation request
// gets the same live sampled records as Heap, labelled Fragmentation:
// no Span occupancy is consulted, so the rows are not narrowed to
// fragmented spans.
func SnapshotCurrent(profileType sample.ProfileType) *sample.Profile {
	f := initIfNecessary()
	if profileType == sample.PeakHeap {
		return f.peak.Snapshot()
	}
	return sample.Snapshot(f.recorder, profileType)
}
