package tcguard

import s "github.com/bnclabs/gosettings"
import "github.com/cloudfoundry/gosigar"

// Defaultsettings for a Facade instance: size-class profile selection,
// the safety layer's build-time flags, and the RAM-proportional
// defaults for the page heap's soft memory limit and the sampler's
// mean bytes-between-samples.
//
// "sizeclass.profile" (string, default: "normal")
//		One of "normal", "large-pages", "256k-pages", "small-but-slow".
//		Selects the size-class growth ladder a Facade builds its
//		CentralFreeLists from.
//
// "protection.enable" (bool, default: false)
//		Turn on the safety layer: boundary checks, escape tracking and
//		free-time validation and poisoning. Every allocation is padded
//		by one byte so a one-past-end pointer stays inside its own
//		object's slot; that byte is never reported as in bounds.
//
// "statistic.enable" (bool, default: false)
//		Maintain the safety package's atomic counters and make
//		ReportStatistic/MallocStats return a populated dump.
//
// "errorreport.enable" (bool, default: true)
//		Log a report_error-style line through the configured Logger
//		whenever a free, realloc or aligned allocation is rejected, and
//		on ReportError. A failed boundary check only returns its code
//		and is not logged here.
//
// "crashoncorruption.enable" (bool, default: false)
//		Panic instead of merely logging when a safety check finds
//		corrupted allocator metadata (not application misuse).
//
// "numa.aware" (bool, default: false)
//		Out of scope for the page allocator in this module; carried as
//		a settings key only so callers migrating from a NUMA-aware
//		build don't have to special-case this field away.
//
// "perthread.deprecated" (bool, default: true)
//		Always true: the per-CPU restartable-sequence fast path has no
//		Go equivalent, so the thread-cache back-end is the only one
//		this module implements.
//
// "pageheap.memlimit" (int64, default: half of free system RAM)
//		Soft memory ceiling, stored on the Facade. No allocation, trim
//		or release path consults it.
//
// "sampler.interval" (int64, default: proportional to free RAM)
//		Mean bytes between sampled allocations.
//
// "descriptor.allocator" (string, default: "flist")
//		Pool algorithm backing the escape-chain descriptor arena: either
//		malloc's flat freelist ("flist") or its hierarchical free-bitmap
//		("fbit"). Escape nodes are all one fixed size, so either serves;
//		"fbit" trades a touch of alloc/free CPU for less per-chunk
//		bookkeeping overhead under a deep escape-chain workload.
func Defaultsettings() s.Settings {
	_, _, free := getsysmem()
	return s.Settings{
		"sizeclass.profile":        "normal",
		"protection.enable":        false,
		"statistic.enable":        false,
		"errorreport.enable":       true,
		"crashoncorruption.enable": false,
		"numa.aware":               false,
		"perthread.deprecated":     true,
		"pageheap.memlimit":        int64(free / 2),
		"sampler.interval":         samplerinterval(free),
		"descriptor.allocator":     "flist",
	}
}

// samplerinterval scales the default mean bytes-between-samples with
// free RAM: a tiny heap samples aggressively, a large one backs off so
// the recorder doesn't dominate allocation cost.
func samplerinterval(free uint64) int64 {
	const floor, ceiling = int64(128*1024), int64(512*1024*1024)
	interval := int64(free / (16 * 1024))
	if interval < floor {
		return floor
	}
	if interval > ceiling {
		return ceiling
	}
	return interval
}

func getsysmem() (total, used, free uint64) {
	mem := sigar.Mem{}
	mem.Get()
	return mem.Total, mem.Used, mem.Free
}
