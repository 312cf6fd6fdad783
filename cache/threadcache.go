package cache

import "unsafe"

import "github.com/bnclabs/tcguard/sample"
import "github.com/bnclabs/tcguard/sizeclass"
import "github.com/bnclabs/tcguard/span"

// DefaultMaxBytes is the default per-thread cache byte budget before
// a deallocate overflow drains half of a class's local list to its
// TransferCache.
const DefaultMaxBytes = int64(4 * 1024 * 1024)

// ThreadCache is the fast-path allocate/deallocate cache this module
// uses in place of a per-CPU, restartable-sequence cache: Go exposes
// no portable way to pin work to one CPU and detect preemption from
// user code, so every goroutine that wants the fast path obtains its
// own ThreadCache (analogous to checking out a connection from a
// pool) and is responsible for not sharing it across goroutines.
// Every operation here is single-threaded by construction — no locks.
type ThreadCache struct {
	table     *sizeclass.Table
	transfers []*TransferCache // indexed by class, class 0 unused
	local     [][]unsafe.Pointer

	bytesUsed int64
	maxBytes  int64

	// EscapeBuf is this thread's pending-escape ring, deferring the
	// escape-list linked-list insertion off the hot path.
	EscapeBuf *span.CommitBuffer

	// Sampler is this thread's own countdown sampler. Spec's per-thread
	// sampler design exists for exactly this reason: a shared Sampler's
	// countdown and math/rand.Rand would need a lock on every Malloc,
	// and math/rand.Rand is not itself safe for concurrent use. Since a
	// ThreadCache is never held by two goroutines at once, this needs
	// none.
	Sampler *sample.Sampler
}

// NewThreadCache builds a cache fronting transfers, one per size
// class in table, with a maxBytes total budget. meanInterval and seed
// parameterize this thread's own Sampler.
func NewThreadCache(table *sizeclass.Table, transfers []*TransferCache, maxBytes, meanInterval, seed int64) *ThreadCache {
	return &ThreadCache{
		table:     table,
		transfers: transfers,
		local:     make([][]unsafe.Pointer, table.NumClasses()+1),
		maxBytes:  maxBytes,
		EscapeBuf: span.NewCommitBuffer(),
		Sampler:   sample.NewSampler(meanInterval, seed),
	}
}

// Allocate pops one object of class off the local list, refilling
// from this class's TransferCache on empty. Returns ok=false only on
// OOM all the way down to the page allocator.
func (tcache *ThreadCache) Allocate(class int) (unsafe.Pointer, bool) {
	list := tcache.local[class]
	if len(list) == 0 {
		batch := tcache.transfers[class].Fetch()
		if len(batch) == 0 {
			return nil, false
		}
		list = append(list, batch...)
		tcache.bytesUsed += int64(len(batch)) * tcache.table.ClassToSize(class)
	}
	last := len(list) - 1
	ptr := list[last]
	tcache.local[class] = list[:last]
	tcache.bytesUsed -= tcache.table.ClassToSize(class)
	return ptr, true
}

// Deallocate pushes ptr onto class's local list, flushing half of it
// to the TransferCache if doing so pushes this thread past its byte
// budget.
func (tcache *ThreadCache) Deallocate(class int, ptr unsafe.Pointer) {
	tcache.local[class] = append(tcache.local[class], ptr)
	tcache.bytesUsed += tcache.table.ClassToSize(class)
	if tcache.bytesUsed > tcache.maxBytes {
		tcache.flush(class)
	}
}

func (tcache *ThreadCache) flush(class int) {
	list := tcache.local[class]
	flushN := len(list) / 2
	if flushN == 0 {
		return
	}
	out := make([]unsafe.Pointer, flushN)
	copy(out, list[:flushN])
	remaining := make([]unsafe.Pointer, len(list)-flushN)
	copy(remaining, list[flushN:])
	tcache.local[class] = remaining
	tcache.bytesUsed -= int64(flushN) * tcache.table.ClassToSize(class)
	tcache.transfers[class].Return(out)
}

// BytesUsed reports this thread cache's current resident bytes.
func (tcache *ThreadCache) BytesUsed() int64 { return tcache.bytesUsed }
