// Package lib provides small, self-contained helpers used by the
// allocator's safety and sampling layers: bit twiddling over free-bitmap
// words, running statistics, and raw memory copies. None of this is
// tied to the allocator's domain logic, so it is kept dependency-free
// on purpose — every function here is either a few lines of arithmetic
// or a std-library call, and pulling in a library for population-count
// or a running mean would be a net loss.
package lib
