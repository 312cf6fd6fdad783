package cache

import "unsafe"

type batch struct {
	ptrs []unsafe.Pointer
}

// TransferCache sits in front of a CentralFreeList as a lock-free
// batch queue: a buffered channel stands in for the restartable-queue
// hardware primitive the reference design uses, since threads only
// ever try a non-blocking send/receive against it. Only on a queue
// miss does a caller fall through to the CentralFreeList's mutex.
type TransferCache struct {
	central   *CentralFreeList
	batchSize int
	ch        chan batch
}

// NewTransferCache builds a transfer cache of the given queue depth in
// front of central, refilling/draining in batches of batchSize.
func NewTransferCache(central *CentralFreeList, batchSize, queueDepth int) *TransferCache {
	return &TransferCache{
		central:   central,
		batchSize: batchSize,
		ch:        make(chan batch, queueDepth),
	}
}

// Fetch returns one batch of free objects: the queued batch if one is
// waiting, otherwise a fresh batch pulled from the CentralFreeList.
func (tc *TransferCache) Fetch() []unsafe.Pointer {
	select {
	case b := <-tc.ch:
		return b.ptrs
	default:
		return tc.central.RemoveRange(tc.batchSize)
	}
}

// Return hands a full batch back: enqueued for the next Fetch if
// there is room, otherwise inserted straight into the CentralFreeList.
func (tc *TransferCache) Return(ptrs []unsafe.Pointer) {
	select {
	case tc.ch <- batch{ptrs: ptrs}:
	default:
		tc.central.InsertRange(ptrs)
	}
}

// BatchSize this transfer cache refills/drains in.
func (tc *TransferCache) BatchSize() int { return tc.batchSize }
