// Copyright (c) 2014 Couchbase, Inc.

// Package tcguard is a thread-caching allocator with an integrated
// temporal-safety layer: a page map resolves any live pointer back to
// its owning span in O(1), small objects flow through a three-tier
// cache hierarchy (per-goroutine cache, transfer cache, central free
// list), and every store of a heap pointer can optionally be tracked
// so that a later use-after-free is caught instead of silently handing
// back poisoned memory.
//
// The allocator proper lives in facade.go; pagemap, span, sizeclass,
// pageheap and cache hold the data structures it's built from; safety
// holds the bounds-check and escape-tracking primitives instrumented
// call sites use; sample holds the statistical profiler.
package tcguard
