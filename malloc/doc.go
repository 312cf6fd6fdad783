// Package malloc backs the Escape-node descriptor arena with
// cgo-allocated fixed-size chunks, outside the instrumented user heap
// this module's own allocator manages. Limited scope, by design:
//
//  * Types and Functions exported by this package are not thread safe;
//    callers serialise their own calls (package span does so under
//    one package-level mutex).
//  * Works best when descriptor sizes are known apriori, which they
//    are: Escape nodes are all one fixed size.
//  * Memory is allocated in pools, of several Megabytes, where each
//    pool manages several memory-chunks of the same size.
//  * Once a pool block is allocated from the OS, it is not
//    automatically given back. Pools are freed only when the entire
//    arena is Released; this module never Releases its descriptor
//    arena, so those pools live until the process exits.
//  * There is no pointer re-write; a copying collector on top of this
//    would need to track every live descriptor itself.
//  * Memory-chunks allocated by this package are always 64-bit
//    aligned, matching the alignment the pointer-sized fields of an
//    Escape node need.
//
// Arena is a bucket space of memory, with a maximum capacity, that is
// empty to begin with and starts filling up as descriptor allocations
// are requested. For performance reasons the arena allocates memory
// from the OS in large blocks, called pools, where each pool contains
// several memory-chunks of the same size.
//
// Callers are allowed to allocate memory chunks whose size falls
// between a pre-configured minimum and maximum chunk size, supplied
// while instantiating a new arena.
package malloc
