package pageheap

// Eligible implements tcmalloc.cc's guard-placement rule: only
// single-page, naturally-aligned sampled allocations may be placed in
// a guarded region. Anything bigger, or with an alignment requirement
// the single data page can't satisfy, falls back to an ordinary
// sampled Span.
func Eligible(size, alignment int64) bool {
	return size <= PageSize && alignment <= PageSize
}
