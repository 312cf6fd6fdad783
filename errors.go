package tcguard

import "errors"

// ErrOutOfMemory names the out-of-memory condition. Allocation calls
// signal it by returning nil; none of them returns or logs this value.
var ErrOutOfMemory = errors.New("tcguard.outofmemory")

// ErrInvalidFree is reported through the error log when a pointer
// handed back to Free or Sdallocx carries the free-time poison pattern.
var ErrInvalidFree = errors.New("tcguard.invalidfree")

// ErrOutOfBounds is reported through the error log when a pointer
// handed to Free, Sdallocx or Realloc does not resolve to a tracked
// allocation.
var ErrOutOfBounds = errors.New("tcguard.outofbounds")

// ErrCorruptedMetadata flags an internal invariant violation: a size
// class or page-map entry that does not agree with the span it names.
var ErrCorruptedMetadata = errors.New("tcguard.corruptedmetadata")

// ErrBadAlignment is reported through the error log by Memalign and
// the calls built on it when the requested alignment is not a power of
// two or exceeds the page size, or when AlignedAlloc's size is not a
// multiple of the alignment.
var ErrBadAlignment = errors.New("tcguard.badalignment")
