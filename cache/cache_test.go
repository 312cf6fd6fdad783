package cache

import "testing"
import "unsafe"

import "github.com/bnclabs/tcguard/pagemap"
import "github.com/bnclabs/tcguard/pageheap"
import "github.com/bnclabs/tcguard/sizeclass"

func newtestcentral(t *testing.T) (*CentralFreeList, int, *pageheap.Heap) {
	t.Helper()
	table := sizeclass.New(sizeclass.Normal)
	class := table.SizeClass(64)
	if class == 0 {
		t.Fatalf("expected a non-zero class for size 64")
	}
	pm := pagemap.New()
	pages := pageheap.New()
	return NewCentralFreeList(class, table, pages, pm), class, pages
}

func TestCentralFreeListRemoveInsertRoundTrip(t *testing.T) {
	central, _, pages := newtestcentral(t)

	batch := central.RemoveRange(10)
	if len(batch) != 10 {
		t.Fatalf("expected 10 objects, got %v", len(batch))
	}
	seen := make(map[unsafe.Pointer]bool, len(batch))
	for _, p := range batch {
		if seen[p] {
			t.Errorf("duplicate pointer handed out: %v", p)
		}
		seen[p] = true
	}

	spans, idle := central.Stats()
	if spans == 0 {
		t.Errorf("expected at least one span to have been carved")
	}
	_ = idle

	_, committedBefore := pages.Stats()

	central.InsertRange(batch)
	if released := central.Trim(); released == 0 {
		t.Errorf("expected Trim to reclaim the now-idle span")
	}

	// Trim must not just recycle the span into the page allocator's own
	// free list for reuse: it has to hand the physical pages back to
	// the OS, which pageheap.Heap.Stats reports as a drop in committed
	// bytes while mapped stays put.
	mapped, committedAfter := pages.Stats()
	if committedAfter >= committedBefore {
		t.Errorf("expected Trim to reduce committed bytes from %v, got %v (mapped %v)",
			committedBefore, committedAfter, mapped)
	}
}

func TestTransferCacheFallsThroughToCentral(t *testing.T) {
	central, _, _ := newtestcentral(t)
	tc := NewTransferCache(central, 8, 4)

	batch := tc.Fetch()
	if len(batch) != 8 {
		t.Fatalf("expected a batch of 8, got %v", len(batch))
	}
	tc.Return(batch)

	// the returned batch should now answer the next Fetch without
	// touching the central free list's mutex path.
	batch2 := tc.Fetch()
	if len(batch2) != 8 {
		t.Errorf("expected the queued batch back, got %v", len(batch2))
	}
}

func TestThreadCacheAllocateDeallocate(t *testing.T) {
	table := sizeclass.New(sizeclass.Normal)
	class := table.SizeClass(64)
	pm := pagemap.New()
	pages := pageheap.New()
	central := NewCentralFreeList(class, table, pages, pm)
	transfers := make([]*TransferCache, table.NumClasses()+1)
	transfers[class] = NewTransferCache(central, 16, 4)

	tcache := NewThreadCache(table, transfers, DefaultMaxBytes, 0, 1)

	ptr, ok := tcache.Allocate(class)
	if !ok {
		t.Fatalf("expected Allocate to succeed")
	}
	if tcache.BytesUsed() < 0 {
		t.Errorf("unexpected negative byte accounting")
	}
	tcache.Deallocate(class, ptr)
}

func TestThreadCacheOverflowFlushesToTransfer(t *testing.T) {
	table := sizeclass.New(sizeclass.Normal)
	class := table.SizeClass(64)
	pm := pagemap.New()
	pages := pageheap.New()
	central := NewCentralFreeList(class, table, pages, pm)
	transfers := make([]*TransferCache, table.NumClasses()+1)
	transfers[class] = NewTransferCache(central, 16, 4)

	// a tiny budget forces every deallocate past it to flush.
	tcache := NewThreadCache(table, transfers, table.ClassToSize(class)*2, 0, 1)

	var ptrs []unsafe.Pointer
	for i := 0; i < 4; i++ {
		ptr, ok := tcache.Allocate(class)
		if !ok {
			t.Fatalf("expected Allocate to succeed on iteration %v", i)
		}
		ptrs = append(ptrs, ptr)
	}
	for _, ptr := range ptrs {
		tcache.Deallocate(class, ptr)
	}
	if tcache.BytesUsed() > table.ClassToSize(class)*2 {
		t.Errorf("expected an overflow flush to keep bytesUsed within budget, got %v", tcache.BytesUsed())
	}
}
