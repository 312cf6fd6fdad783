package lib

import "unsafe"
import "reflect"
import "fmt"
import "bytes"
import "strings"
import "encoding/json"

// Parsecsv converts a comma-separated string into a list of trimmed,
// non-empty strings.
func Parsecsv(input string) []string {
	if input == "" {
		return nil
	}
	ss := strings.Split(input, ",")
	outs := make([]string, 0)
	for _, s := range ss {
		s = strings.Trim(s, " \t\r\n")
		if s == "" {
			continue
		}
		outs = append(outs, s)
	}
	return outs
}

// Memcpy copies a memory block of length `ln` from `src` to `dst`.
// Both pointers may point outside the Go heap (arena or mmap'd
// memory), which is why this goes through unsafe slice headers
// instead of a typed Go copy.
func Memcpy(dst, src unsafe.Pointer, ln int) int {
	var srcnd, dstnd []byte
	srcsl := (*reflect.SliceHeader)(unsafe.Pointer(&srcnd))
	srcsl.Len, srcsl.Cap = ln, ln
	srcsl.Data = uintptr(src)
	dstsl := (*reflect.SliceHeader)(unsafe.Pointer(&dstnd))
	dstsl.Len, dstsl.Cap = ln, ln
	dstsl.Data = uintptr(dst)
	return copy(dstnd, srcnd)
}

// Bytes2str morphs a byte slice to a string without copying. The
// source byte-slice must remain live as long as the string is used.
func Bytes2str(buf []byte) string {
	if buf == nil {
		return ""
	}
	sl := (*reflect.SliceHeader)(unsafe.Pointer(&buf))
	st := &reflect.StringHeader{Data: sl.Data, Len: sl.Len}
	return *(*string)(unsafe.Pointer(st))
}

// Str2bytes morphs a string to a byte-slice without copying. The
// source string must remain live as long as the byte-slice is used.
func Str2bytes(str string) []byte {
	if str == "" {
		return nil
	}
	st := (*reflect.StringHeader)(unsafe.Pointer(&str))
	sl := &reflect.SliceHeader{Data: st.Data, Len: st.Len, Cap: st.Len}
	return *(*[]byte)(unsafe.Pointer(sl))
}

// GetStacktrace renders a raw runtime stack dump in a human-readable
// form, skipping the first `skip` frames. Used by report_error() to
// log the call site of a safety violation.
func GetStacktrace(skip int, stack []byte) string {
	var buf bytes.Buffer
	lines := strings.Split(string(stack), "\n")
	if skip*2 < len(lines) {
		lines = lines[skip*2:]
	}
	for _, call := range lines {
		buf.WriteString(fmt.Sprintf("%s\n", call))
	}
	return buf.String()
}

// Fixbuffer expands buffer if its capacity is less than size, and
// returns the buffer sliced to size.
func Fixbuffer(buffer []byte, size int64) []byte {
	if buffer == nil || int64(cap(buffer)) < size {
		buffer = make([]byte, size)
	}
	return buffer[:size]
}

// Prettystats renders a stats map as JSON, optionally indented. Used
// by the safety Counters dump that report_statistic() prints.
func Prettystats(stats map[string]interface{}, pretty bool) string {
	if pretty {
		data, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			panic(err)
		}
		return string(data)
	}
	data, err := json.Marshal(stats)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// AbsInt64 returns the absolute value of x, except for -2^63 where the
// result is the same as the input.
func AbsInt64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
