package malloc

import "unsafe"

// Mpooler manages a single fixed block-size chunk pool, backing the
// Escape-node descriptor arena. Two algorithms satisfy this
// interface: poolflist (freelist of chunk indices) and poolfbit
// (hierarchical free-bitmap), chosen by the arena's "allocator"
// setting.
type Mpooler interface {
	// Slabsize of every chunk managed by this pool.
	Slabsize() int64

	// Less orders pools by base address, used to keep a size's pool
	// list sorted for predictable iteration.
	Less(pool interface{}) bool

	// Allocchunk hands out one free chunk from this pool.
	Allocchunk() (ptr unsafe.Pointer, ok bool)

	// Free returns a chunk, previously obtained via Allocchunk, to
	// this pool.
	Free(ptr unsafe.Pointer)

	// Info reports this pool's capacity, resident heap, bytes handed
	// out to callers, and bookkeeping overhead, all in bytes.
	Info() (capacity, heap, alloc, overhead int64)

	// Release this pool's underlying memory back to the OS.
	Release()
}
