// Package malloc provides the cgo-backed descriptor arena; the page
// map, size classes, caches, allocator facade and safety/sampling
// layers live in sibling packages.
//
// Arena is a single cgo-backed block of memory divided into pools of
// fixed sized blocks, used exclusively to back the small, short-lived
// Escape-node descriptor memory that the allocator's own metadata
// needs; Span descriptors are ordinary Go values. It is never used to service a user allocation request — user
// memory comes from a PageAllocator. Arenas can be created with
// following parameters:
//
//   capacity  : size of arena in bytes.
//   minblock  : blocks less than minblock sizes cannot be allocated.
//   maxblock  : blocks greater than maxblock sizes cannot be allocated.
//   pcapacity : pool's capacity, in this arena, cannot exceed this limit.
//   maxpools  : maximum number of pool-sizes allowed.
//   maxchunks : maximum number of block-chunks allowed in a pool.
//   allocator : allocator algorithm to use supports `flist` or `fbit`.
package malloc

import "unsafe"
import "sort"

import s "github.com/bnclabs/gosettings"

// Arena defines a large memory block that can be divided into memory pools.
type Arena struct {
	blocksizes []int64            // sorted list of block-sizes in this arena
	mpools     map[int64]Mpoolers // size -> list of Mpooler
	poolmaker  func(size, numblocks int64) Mpooler

	// configuration
	capacity  int64  // memory capacity to be managed by this arena
	minblock  int64  // minimum block size allocatable by arena
	maxblock  int64  // maximum block size allocatable by arena
	pcapacity int64  // maximum capacity for a single pool
	maxpools  int64  // maximum number of pools
	maxchunks int64  // maximum number of chunks allowed in a pool
	allocator string // allocator algorithm
}

// NewArena create a new descriptor arena.
func NewArena(config s.Settings) *Arena {
	minblock, maxblock := config.Int64("minblock"), config.Int64("maxblock")
	arena := &Arena{
		blocksizes: Blocksizes(minblock, maxblock),
		mpools:     make(map[int64]Mpoolers),
		// configuration
		minblock:  minblock,
		maxblock:  maxblock,
		capacity:  config.Int64("capacity"),
		pcapacity: config.Int64("pool.capacity"),
		maxpools:  config.Int64("maxpools"),
		maxchunks: config.Int64("maxchunks"),
		allocator: config.String("allocator"),
	}
	if int64(len(arena.blocksizes)) > arena.maxpools {
		panicerr("number of pools in arena exeeds %v", arena.maxpools)
	} else if cp := arena.capacity; cp > Maxarenasize {
		panicerr("arena cannot exceed %v bytes (%v)", cp, Maxarenasize)
	}
	switch arena.allocator {
	case "flist":
		arena.poolmaker = flistfactory()
	case "fbit":
		arena.poolmaker = fbitfactory()
	}
	for _, size := range arena.blocksizes {
		arena.mpools[size] = make(Mpoolers, 0, arena.maxpools/2)
	}
	return arena
}

//---- operations

// Alloc a chunk of n bytes from the best-fitting pool, creating a new
// pool on first use of a given size class.
func (arena *Arena) Alloc(n int64) (unsafe.Pointer, Mpooler) {
	if arena.mpools == nil {
		panicerr("arena released")
	}

	// check argument
	if largest := arena.blocksizes[len(arena.blocksizes)-1]; n > largest {
		panicerr("Alloc size %v exceeds maxblock size %v", n, largest)
	}
	// try to get from existing pool
	size := SuitableSize(arena.blocksizes, n)
	for _, mpool := range arena.mpools[size] {
		if ptr, ok := mpool.Allocchunk(); ok {
			return ptr, mpool
		}
	}
	// pool exhausted, figure the dimensions and create a new pool.
	numblocks := (arena.capacity / int64(len(arena.blocksizes))) / size
	if int64(numblocks*size) > arena.pcapacity {
		numblocks = arena.pcapacity / size
	}
	if numblocks > arena.maxchunks {
		numblocks = arena.maxchunks
	}
	if (numblocks & 0x7) > 0 {
		numblocks = (numblocks >> 3) << 3
	}
	// check whether we are exceeding memory.
	allocated := int64(numblocks * size)
	for _, mpools := range arena.mpools {
		if len(mpools) == 0 {
			continue
		}
		allocated += mpools[0].Slabsize() * int64(len(mpools))
	}
	if allocated > arena.capacity {
		panic(ErrorOutofMemory)
	}
	// go ahead, create a new pool.
	mpool := arena.poolmaker(size, numblocks)
	ln := len(arena.mpools[size])
	arena.mpools[size] = append(arena.mpools[size], nil)
	copy(arena.mpools[size][1:], arena.mpools[size][:ln])
	arena.mpools[size][0] = mpool
	ptr, _ := mpool.Allocchunk()
	return ptr, mpool
}

// Release this arena and every pool it created.
func (arena *Arena) Release() {
	for _, mpools := range arena.mpools {
		for _, mpool := range mpools {
			mpool.Release()
		}
	}
	arena.blocksizes, arena.mpools = nil, nil
}

// Free always panics: a chunk returned by Alloc goes back through the
// Mpooler that Alloc returned with it.
func (arena *Arena) Free(ptr unsafe.Pointer) {
	panicerr("Free cannot be called on arena, use the Mpooler it returned")
}

//---- statistics and maintenance

// Memory reports this arena's bookkeeping overhead and the useful
// (allocatable) bytes backing all of its pools.
func (arena *Arena) Memory() (overhead, useful int64) {
	self := int64(unsafe.Sizeof(*arena))
	slicesz := int64(cap(arena.blocksizes) * int(unsafe.Sizeof(int64(1))))
	overhead += self + slicesz
	for _, mpools := range arena.mpools {
		for _, mpool := range mpools {
			_, heap, _, mo := mpool.Info()
			overhead += mo
			useful += heap
		}
	}
	return
}

// Allocated reports bytes currently handed out to callers across all
// pools in this arena.
func (arena *Arena) Allocated() int64 {
	allocated := int64(0)
	for _, mpools := range arena.mpools {
		for _, mpool := range mpools {
			_, _, alloc, _ := mpool.Info()
			allocated += alloc
		}
	}
	return allocated
}

// Available reports bytes this arena may still allocate before hitting
// its configured capacity.
func (arena *Arena) Available() int64 {
	return arena.capacity - arena.Allocated()
}

// Chunksizes is the sorted ladder of block sizes this arena serves.
func (arena *Arena) Chunksizes() []int64 {
	return arena.blocksizes
}

// Utilization reports, per block-size, the percentage of that size
// class's resident memory currently handed out.
func (arena *Arena) Utilization() ([]int, []float64) {
	var sizes []int
	for _, size := range arena.blocksizes {
		sizes = append(sizes, int(size))
	}
	sort.Ints(sizes)

	ss, zs := make([]int, 0), make([]float64, 0)
	for _, size := range sizes {
		capacity, allocated := float64(0), float64(0)
		for _, mpool := range arena.mpools[int64(size)] {
			_, heap, alloc, _ := mpool.Info()
			capacity += float64(heap)
			allocated += float64(alloc)
		}
		if capacity > 0 {
			ss = append(ss, size)
			zs = append(zs, (allocated/capacity)*100)
		}
	}
	return ss, zs
}

// Mpoolers sortable based on base-pointer.
type Mpoolers []Mpooler

func (pools Mpoolers) Len() int {
	return len(pools)
}

func (pools Mpoolers) Less(i, j int) bool {
	return pools[i].Less(pools[j])
}

func (pools Mpoolers) Swap(i, j int) {
	pools[i], pools[j] = pools[j], pools[i]
}
