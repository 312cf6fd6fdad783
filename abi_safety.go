package tcguard

import "unsafe"

import "github.com/bnclabs/tcguard/safety"

// GepCheckBoundary validates that an access of size bytes starting at
// ptr stays inside the object base resolves to: 0 ok, -1 out-of-bounds,
// 1 base is not a tracked heap allocation. A no-op returning 0 when
// "protection.enable" is off, matching the reference allocator's
// ENABLE_PROTECTION guard around this entry point.
func GepCheckBoundary(base, ptr unsafe.Pointer, size int64) int {
	f := initIfNecessary()
	if !f.protection {
		return 0
	}
	if f.statistic {
		f.counters.IncGepCheck()
	}
	return safety.GepCheckBoundary(f.pm, f.table, base, ptr, size, f.pad())
}

// BcCheckBoundary is GepCheckBoundary(base, base, size), the common
// case of validating an access starting exactly at base. Same
// ENABLE_PROTECTION-only gating as GepCheckBoundary.
func BcCheckBoundary(base unsafe.Pointer, size int64) int {
	f := initIfNecessary()
	if !f.protection {
		return 0
	}
	if f.statistic {
		f.counters.IncBcCheck()
	}
	return safety.BcCheckBoundary(f.pm, f.table, base, size, f.pad())
}

// GetChunkRange reports the heap object containing base, writing its
// start address through outStart and returning its end. A non-heap
// base writes 0 and returns the ABI's sentinel.
func GetChunkRange(base unsafe.Pointer, outStart *uintptr) uintptr {
	f := initIfNecessary()
	if f.statistic {
		f.counters.IncGetEnd()
	}
	return safety.GetChunkRange(f.pm, f.table, base, outStart, f.pad())
}

// Escape records that loc currently holds a pointer into ptr's owning
// object, so that a later free of that object can poison loc. The
// commit happens against the calling goroutine's own borrowed
// ThreadCache escape buffer, never shared across goroutines. A no-op
// returning 0 when "protection.enable" is off, matching the reference
// allocator's ENABLE_PROTECTION guard around this entry point.
func Escape(loc, ptr unsafe.Pointer) int {
	f := initIfNecessary()
	if !f.protection {
		return 0
	}
	if f.statistic {
		f.counters.IncEscapeTotal()
	}
	tc := f.checkoutThreadCache()
	rc, drained := safety.Escape(f.pm, tc.EscapeBuf, loc, ptr)
	f.returnThreadCache(tc)
	if f.statistic {
		if rc == 0 {
			f.counters.IncEscapeValid()
		}
		if drained > 0 {
			f.counters.ObserveChainLen(int64(drained))
		}
	}
	return rc
}

// ReportError logs msg through this module's configured logger, gated
// on "errorreport.enable", mirroring the Free/Realloc error path every
// other ABI entry point already goes through. A no-op when
// "protection.enable" is off, matching the reference allocator's
// ENABLE_PROTECTION guard around this entry point: with no safety
// checks running, there is nothing an instrumented call site could
// have detected to report.
func ReportError(msg string) {
	f := initIfNecessary()
	if !f.protection {
		return
	}
	f.reportError(ErrCorruptedMetadata, "%v", msg)
}

// ReportStatistic returns the human-readable counters dump Mallopt's
// "statistic.enable" flag accumulates, the same text MallocStats
// appends when that flag is set.
func ReportStatistic() string {
	return initIfNecessary().counters.Dump()
}

// StrcpyCheck copies the null-terminated string at src into dst,
// validating every byte against both chunks' bounds.
func StrcpyCheck(dst, src unsafe.Pointer) (int, error) {
	f := initIfNecessary()
	return safety.StrcpyCheck(f.pm, f.table, dst, src, f.pad())
}

// StrncpyCheck is StrcpyCheck bounded to at most maxlen bytes.
func StrncpyCheck(dst, src unsafe.Pointer, maxlen int) (int, error) {
	f := initIfNecessary()
	return safety.StrncpyCheck(f.pm, f.table, dst, src, maxlen, f.pad())
}

// StrcatCheck appends the null-terminated string at src onto dst.
func StrcatCheck(dst, src unsafe.Pointer) (int, error) {
	f := initIfNecessary()
	return safety.StrcatCheck(f.pm, f.table, dst, src, f.pad())
}

// StrncatCheck is StrcatCheck bounded to at most maxlen appended bytes.
func StrncatCheck(dst, src unsafe.Pointer, maxlen int) (int, error) {
	f := initIfNecessary()
	return safety.StrncatCheck(f.pm, f.table, dst, src, maxlen, f.pad())
}
