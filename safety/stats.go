package safety

import "fmt"
import "sync"
import "sync/atomic"

import "github.com/dustin/go-humanize"

import "github.com/bnclabs/tcguard/lib"

// Counters tallies the optional safety-layer statistics: totals for
// malloc/free, and a breakdown of how escape and boundary checks
// resolved. Zero value is ready to use; every counter field is only
// ever touched atomically and chainLen only under chainLenMu, so a
// *Counters may be shared freely across goroutines.
type Counters struct {
	mallocTotal int64
	freeTotal   int64

	escapeTotal     int64
	escapeValid     int64
	escapeHeap      int64
	escapeOptimized int64 // resolved without a commit-buffer drain
	escapeFinal     int64 // drained into the span's chain
	cacheOptimized  int64 // fast-path hit, no central free list contention

	getEndCalls int64
	gepChecks   int64
	bcChecks    int64

	// chainLenMu guards chainLen, since AverageInt64 carries no locking
	// of its own and Drain lengths arrive far less often than the
	// atomic counters above.
	chainLenMu sync.Mutex
	chainLen   lib.AverageInt64
}

// ObserveChainLen records one escape-chain length — the entries one
// CommitBuffer drain inserted, or the records one free-time poison
// walk visited — summarising the distribution ReportStatistic dumps.
func (c *Counters) ObserveChainLen(n int64) {
	c.chainLenMu.Lock()
	c.chainLen.Add(n)
	c.chainLenMu.Unlock()
}

// IncMalloc/IncFree count successful allocations and frees.
func (c *Counters) IncMalloc() { atomic.AddInt64(&c.mallocTotal, 1) }
func (c *Counters) IncFree()   { atomic.AddInt64(&c.freeTotal, 1) }

// IncEscapeTotal/IncEscapeValid/IncEscapeHeap track escape() outcomes:
// every call, calls that resolved to a heap pointer and loc
// (non-dropped), and calls whose ptr specifically landed on the heap.
func (c *Counters) IncEscapeTotal() { atomic.AddInt64(&c.escapeTotal, 1) }
func (c *Counters) IncEscapeValid() { atomic.AddInt64(&c.escapeValid, 1) }
func (c *Counters) IncEscapeHeap()  { atomic.AddInt64(&c.escapeHeap, 1) }

// IncEscapeOptimized/IncEscapeFinal distinguish an escape() call that
// found the relationship already recorded (no commit-buffer entry
// needed) from one that went all the way to a chain insertion.
func (c *Counters) IncEscapeOptimized() { atomic.AddInt64(&c.escapeOptimized, 1) }
func (c *Counters) IncEscapeFinal()     { atomic.AddInt64(&c.escapeFinal, 1) }

// IncCacheOptimized counts a size-classed allocation served through
// the thread-cache path, whether or not that cache had to refill.
func (c *Counters) IncCacheOptimized() { atomic.AddInt64(&c.cacheOptimized, 1) }

// IncGetEnd/IncGepCheck/IncBcCheck count calls into GetChunkRange,
// GepCheckBoundary and BcCheckBoundary respectively.
func (c *Counters) IncGetEnd()   { atomic.AddInt64(&c.getEndCalls, 1) }
func (c *Counters) IncGepCheck() { atomic.AddInt64(&c.gepChecks, 1) }
func (c *Counters) IncBcCheck()  { atomic.AddInt64(&c.bcChecks, 1) }

// Snapshot reads every counter as a plain map, suitable for ReportStatistic.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"malloc.total":     atomic.LoadInt64(&c.mallocTotal),
		"free.total":       atomic.LoadInt64(&c.freeTotal),
		"escape.total":     atomic.LoadInt64(&c.escapeTotal),
		"escape.valid":     atomic.LoadInt64(&c.escapeValid),
		"escape.heap":      atomic.LoadInt64(&c.escapeHeap),
		"escape.optimized": atomic.LoadInt64(&c.escapeOptimized),
		"escape.final":     atomic.LoadInt64(&c.escapeFinal),
		"cache.optimized":  atomic.LoadInt64(&c.cacheOptimized),
		"getend.calls":     atomic.LoadInt64(&c.getEndCalls),
		"gep.checks":       atomic.LoadInt64(&c.gepChecks),
		"bc.checks":        atomic.LoadInt64(&c.bcChecks),
	}
}

// Dump renders the counters in human-readable units, the style
// report_statistic() surfaces to a log sink.
func (c *Counters) Dump() string {
	snap := c.Snapshot()
	out := ""
	for _, key := range []string{
		"malloc.total", "free.total", "escape.total", "escape.valid",
		"escape.heap", "escape.optimized", "escape.final",
		"cache.optimized", "getend.calls", "gep.checks", "bc.checks",
	} {
		out += fmt.Sprintf("%-18s %s\n", key, humanize.Comma(snap[key]))
	}
	c.chainLenMu.Lock()
	chainStats := c.chainLen.Stats()
	c.chainLenMu.Unlock()
	out += fmt.Sprintf("escape.chainlen    %v\n", lib.Prettystats(chainStats, false))
	return out
}
