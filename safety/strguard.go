package safety

import "errors"
import "unsafe"

import "github.com/bnclabs/tcguard/pagemap"
import "github.com/bnclabs/tcguard/sizeclass"

// ErrStringOverrun is returned by the str{,n}{cpy,cat}_check guards
// when the copy would run past the destination or source chunk's end.
var ErrStringOverrun = errors.New("tcguard.stringoverrun")

func readbyte(addr uintptr) byte {
	return *(*byte)(unsafe.Pointer(addr))
}

func writebyte(addr uintptr, b byte) {
	*(*byte)(unsafe.Pointer(addr)) = b
}

// StrcpyCheck copies src into dst byte-by-byte, validating every
// write against dst's chunk end and every read against src's, via the
// same page-map primitive check_boundary uses. Null-terminates dst on
// success and returns the number of bytes copied, excluding the
// terminator.
func StrcpyCheck(pm *pagemap.PageMap, table *sizeclass.Table, dst, src unsafe.Pointer, pad int64) (int, error) {
	var dstStart, srcStart uintptr
	dstEnd := GetChunkRange(pm, table, dst, &dstStart, pad)
	srcEnd := GetChunkRange(pm, table, src, &srcStart, pad)

	d, s := uintptr(dst), uintptr(src)
	for i := 0; ; i++ {
		if s+uintptr(i) >= srcEnd {
			return i, ErrStringOverrun
		}
		c := readbyte(s + uintptr(i))
		if d+uintptr(i) >= dstEnd {
			return i, ErrStringOverrun
		}
		writebyte(d+uintptr(i), c)
		if c == 0 {
			return i, nil
		}
	}
}

// StrncpyCheck is StrcpyCheck bounded to at most maxlen bytes: it
// stops after copying a terminator found within maxlen, and when
// maxlen bytes are copied without meeting one it does not append one,
// leaving dst unterminated.
func StrncpyCheck(pm *pagemap.PageMap, table *sizeclass.Table, dst, src unsafe.Pointer, maxlen int, pad int64) (int, error) {
	var dstStart, srcStart uintptr
	dstEnd := GetChunkRange(pm, table, dst, &dstStart, pad)
	srcEnd := GetChunkRange(pm, table, src, &srcStart, pad)

	d, s := uintptr(dst), uintptr(src)
	for i := 0; i < maxlen; i++ {
		if s+uintptr(i) >= srcEnd {
			return i, ErrStringOverrun
		}
		c := readbyte(s + uintptr(i))
		if d+uintptr(i) >= dstEnd {
			return i, ErrStringOverrun
		}
		writebyte(d+uintptr(i), c)
		if c == 0 {
			return i, nil
		}
	}
	return maxlen, nil
}

// StrcatCheck appends src onto the end of the null-terminated string
// already in dst, guarded the same way StrcpyCheck is.
func StrcatCheck(pm *pagemap.PageMap, table *sizeclass.Table, dst, src unsafe.Pointer, pad int64) (int, error) {
	var dstStart uintptr
	dstEnd := GetChunkRange(pm, table, dst, &dstStart, pad)

	d := uintptr(dst)
	off := 0
	for d+uintptr(off) < dstEnd && readbyte(d+uintptr(off)) != 0 {
		off++
	}
	if d+uintptr(off) >= dstEnd {
		return 0, ErrStringOverrun
	}
	n, err := StrcpyCheck(pm, table, unsafe.Pointer(d+uintptr(off)), src, pad)
	return off + n, err
}

// StrncatCheck is StrcatCheck bounded to at most maxlen appended bytes.
func StrncatCheck(pm *pagemap.PageMap, table *sizeclass.Table, dst, src unsafe.Pointer, maxlen int, pad int64) (int, error) {
	var dstStart uintptr
	dstEnd := GetChunkRange(pm, table, dst, &dstStart, pad)

	d := uintptr(dst)
	off := 0
	for d+uintptr(off) < dstEnd && readbyte(d+uintptr(off)) != 0 {
		off++
	}
	if d+uintptr(off) >= dstEnd {
		return 0, ErrStringOverrun
	}
	n, err := StrncpyCheck(pm, table, unsafe.Pointer(d+uintptr(off)), src, maxlen, pad)
	return off + n, err
}
