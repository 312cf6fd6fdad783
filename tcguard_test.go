package tcguard

import "sync"
import "testing"
import "unsafe"

import "github.com/stretchr/testify/require"

import "github.com/bnclabs/tcguard/span"

// TestMallocFreeRoundtrip exercises the small-object fast path: a
// write after Malloc must read back unchanged, MallocSize must report
// at least the requested size, and Free must not panic.
func TestMallocFreeRoundtrip(t *testing.T) {
	ptr := Malloc(48)
	require.NotNil(t, ptr, "expected a non-nil pointer for a 48-byte allocation")
	buf := unsafe.Slice((*byte)(ptr), 48)
	for i := range buf {
		buf[i] = byte(i)
	}
	require.GreaterOrEqual(t, MallocSize(ptr), int64(48))
	for i := range buf {
		if buf[i] != byte(i) {
			t.Fatalf("byte %v corrupted: got %v", i, buf[i])
		}
	}
	Free(ptr)
}

// TestMallocLargeAllocationPath exercises the page path directly: a
// request bigger than any size class's MaxSize must still round-trip.
func TestMallocLargeAllocationPath(t *testing.T) {
	const size = 300 * 1024
	ptr := Malloc(size)
	if ptr == nil {
		t.Fatal("expected a non-nil pointer for a 300KB allocation")
	}
	buf := unsafe.Slice((*byte)(ptr), size)
	buf[0], buf[size-1] = 0xAB, 0xCD
	if got := MallocSize(ptr); got < size {
		t.Errorf("expected MallocSize >= %v, got %v", size, got)
	}
	Free(ptr)
}

// TestReallocHysteresis follows the growth/shrink hysteresis: a size
// that still fits the object's usable size, or a shrink by less than
// half, keeps the same pointer; a large grow moves the data.
func TestReallocHysteresis(t *testing.T) {
	ptr := Malloc(1024)
	buf := unsafe.Slice((*byte)(ptr), 1024)
	for i := range buf {
		buf[i] = byte(i % 251)
	}

	grown := Realloc(ptr, 1024+32) // fits 1024's size class, keep in place
	if grown != ptr {
		t.Errorf("expected a small grow to keep the same pointer")
	}

	shrunk := Realloc(grown, 1024-32) // under 50% shrink, keep in place
	if shrunk != grown {
		t.Errorf("expected a small shrink to keep the same pointer")
	}

	moved := Realloc(shrunk, 4096) // well past the growth threshold
	if moved == nil {
		t.Fatal("expected Realloc to hand back a new pointer")
	}
	movedBuf := unsafe.Slice((*byte)(moved), 992)
	for i := range movedBuf {
		if movedBuf[i] != byte(i%251) {
			t.Fatalf("realloc lost byte %v: got %v", i, movedBuf[i])
		}
	}
	Free(moved)
}

// TestReallocToZeroFrees mirrors realloc(ptr, 0)'s libc contract: it
// behaves as a plain free and returns nil.
func TestReallocToZeroFrees(t *testing.T) {
	ptr := Malloc(64)
	require.Nil(t, Realloc(ptr, 0), "expected Realloc(ptr, 0) to behave as a plain free")
}

// TestMemalignRejectsNonPowerOfTwo checks the alignment argument
// validation Memalign performs before ever touching the page heap.
func TestMemalignRejectsNonPowerOfTwo(t *testing.T) {
	if got := Memalign(3, 64); got != nil {
		t.Errorf("expected a non-power-of-two alignment to return nil, got %v", got)
	}
}

// TestMemalignWithinPageSize exercises the alignment ceiling: any
// power-of-two alignment up to the page size is satisfiable by the
// ordinary large-allocation path, since every Span starts page-aligned.
func TestMemalignWithinPageSize(t *testing.T) {
	ptr := Memalign(4096, 128)
	if ptr == nil {
		t.Fatal("expected a page-aligned request to succeed")
	}
	if uintptr(ptr)%4096 != 0 {
		t.Errorf("expected ptr to be 4096-aligned, got %v", ptr)
	}
	Free(ptr)
}

// TestNallocxMatchesMallocSize checks that Nallocx's size-class lookup
// agrees with what MallocSize reports for an allocation of that size.
func TestNallocxMatchesMallocSize(t *testing.T) {
	want := Nallocx(100)
	ptr := Malloc(100)
	if got := MallocSize(ptr); got != want {
		t.Errorf("expected Nallocx(100)=%v to match MallocSize=%v", want, got)
	}
	Free(ptr)
}

// TestEscapeAcceptsHeapPairRejectsStack exercises the Escape ABI
// through the full Facade/ThreadCache path: a pointer stored in a
// heap cell is accepted, a pointer stored in a stack variable is
// dropped, matching the -1 "non-heap loc" code the safety layer
// reserves for exactly that case. Escape is a no-op unless
// "protection.enable" is set.
func TestEscapeAcceptsHeapPairRejectsStack(t *testing.T) {
	Mallopt("protection.enable", true)
	defer Mallopt("protection.enable", false)

	obj := Malloc(64)
	locHolder := Malloc(64) // a heap cell to play the role of "loc"
	if obj == nil || locHolder == nil {
		t.Fatal("expected both allocations to succeed")
	}
	*(*unsafe.Pointer)(locHolder) = obj
	if rc := Escape(locHolder, obj); rc != 0 {
		t.Errorf("expected Escape to accept a heap loc/ptr pair, got %v", rc)
	}

	var stackVar unsafe.Pointer
	if rc := Escape(unsafe.Pointer(&stackVar), obj); rc != -1 {
		t.Errorf("expected Escape to drop a stack loc, got %v", rc)
	}

	Free(obj)
	Free(locHolder)
}

// TestFreeTimePoisoningDrainsCommitBuffer forces enough Escape calls
// to overflow one CommitBuffer's fixed capacity, guaranteeing an
// automatic drain into the owning Span's escape list before the
// object is freed, then checks the escaped cell was poisoned. Both
// Escape and the free-time poisoning step are no-ops unless
// "protection.enable" is set.
func TestFreeTimePoisoningDrainsCommitBuffer(t *testing.T) {
	Mallopt("protection.enable", true)
	defer Mallopt("protection.enable", false)

	obj := Malloc(64)
	locHolder := Malloc(64)
	if obj == nil || locHolder == nil {
		t.Fatal("expected both allocations to succeed")
	}
	*(*unsafe.Pointer)(locHolder) = obj

	// commitCap is 64; looping past it guarantees at least one Drain
	// fires on the shared ThreadCache's escape buffer before Free runs.
	for i := 0; i < 80; i++ {
		Escape(locHolder, obj)
	}

	Free(obj)

	got := *(*uint64)(locHolder)
	if got != span.PoisonPattern {
		t.Errorf("expected the escaped cell to carry the poison pattern, got %x", got)
	}
	Free(locHolder)
}

// TestBoundaryChecksAgreeWithMallocSize exercises the safety ABI
// against a real allocation: the full object resolves OK, one byte
// past the end does not. GepCheckBoundary is a no-op unless
// "protection.enable" is set.
func TestBoundaryChecksAgreeWithMallocSize(t *testing.T) {
	Mallopt("protection.enable", true)
	defer Mallopt("protection.enable", false)

	ptr := Malloc(75)
	size := MallocSize(ptr)

	if got := GepCheckBoundary(ptr, ptr, size); got != 0 {
		t.Errorf("expected an in-bounds access to resolve OK, got %v", got)
	}
	if got := GepCheckBoundary(ptr, ptr, size+1); got == 0 {
		t.Errorf("expected a one-byte overrun to be rejected")
	}
	Free(ptr)
}

// TestSafetyABINoopsWithoutProtection checks the default
// "protection.enable=false" Facade treats every safety ABI entry
// point as a no-op, matching the reference allocator's
// ENABLE_PROTECTION build-time gate: GepCheckBoundary/BcCheckBoundary
// always resolve OK, Escape always reports success without recording
// anything, and Free skips boundary validation entirely.
func TestSafetyABINoopsWithoutProtection(t *testing.T) {
	ptr := Malloc(32)
	if got := GepCheckBoundary(ptr, ptr, 1<<20); got != 0 {
		t.Errorf("expected GepCheckBoundary to no-op to OK, got %v", got)
	}
	if got := BcCheckBoundary(ptr, 1<<20); got != 0 {
		t.Errorf("expected BcCheckBoundary to no-op to OK, got %v", got)
	}

	var stackVar unsafe.Pointer
	if got := Escape(unsafe.Pointer(&stackVar), ptr); got != 0 {
		t.Errorf("expected Escape to no-op to success, got %v", got)
	}

	// With protection off, Free skips ValidateAndPoisonOnFree and the
	// slot returns to its cache without error.
	Free(ptr)
}

// TestConcurrentMallocFree is the liveness property every component in
// this module must satisfy: many goroutines hammering Malloc/Free on
// the shared package-level allocator must terminate without deadlock
// or corrupting each other's objects.
func TestConcurrentMallocFree(t *testing.T) {
	const nroutines, repeat = 32, 2000
	var wg sync.WaitGroup
	wg.Add(nroutines)
	for n := 0; n < nroutines; n++ {
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < repeat; i++ {
				size := int64(8 + (i+seed)%4096)
				ptr := Malloc(size)
				if ptr == nil {
					continue
				}
				buf := unsafe.Slice((*byte)(ptr), int(size))
				buf[0] = byte(seed)
				buf[size-1] = byte(seed)
				if buf[0] != byte(seed) || buf[size-1] != byte(seed) {
					t.Errorf("goroutine %v: wrote-then-read mismatch at size %v", seed, size)
				}
				Free(ptr)
			}
		}(n)
	}
	wg.Wait()
}

// TestMallocTrimRunsOverPopulatedCaches checks MallocTrim runs without
// panicking over a populated cache hierarchy and reports a
// non-negative count either way.
func TestMallocTrimRunsOverPopulatedCaches(t *testing.T) {
	for i := 0; i < 64; i++ {
		Free(Malloc(32))
	}
	if n := MallocTrim(); n < 0 {
		t.Errorf("expected a non-negative released-span count, got %v", n)
	}
}

// TestMalloptTogglesFlags checks the runtime settings toggle accepted
// keys and rejects unknown ones.
func TestMalloptTogglesFlags(t *testing.T) {
	if !Mallopt("statistic.enable", true) {
		t.Errorf("expected statistic.enable to be a recognized Mallopt key")
	}
	defer Mallopt("statistic.enable", false)

	ptr := Malloc(32)
	Free(ptr)
	if stats := MallocStats(); stats == "" {
		t.Errorf("expected MallocStats to report something once statistics are enabled")
	}

	if Mallopt("not.a.real.key", true) {
		t.Errorf("expected an unknown Mallopt key to be rejected")
	}
}
