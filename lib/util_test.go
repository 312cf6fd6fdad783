package lib

import "testing"
import "reflect"
import "unsafe"
import "bytes"

func TestMemcpy(t *testing.T) {
	src, dst := make([]byte, 100), make([]byte, 1024)
	for i := 0; i < len(src); i++ {
		src[0] = 0xAB
	}
	n := Memcpy(
		unsafe.Pointer(((*reflect.SliceHeader)(unsafe.Pointer(&dst))).Data),
		unsafe.Pointer(((*reflect.SliceHeader)(unsafe.Pointer(&src))).Data),
		len(src))
	if n != len(src) {
		t.Fatalf("expected %v, got %v", len(src), n)
	} else if bytes.Compare(dst[:len(src)], src) != 0 {
		t.Fatalf("Memcpy() failed")
	}

	dst, src = make([]byte, 100), make([]byte, 1024)
	for i := 0; i < len(src); i++ {
		src[0] = 0xAB
	}
	n = Memcpy(
		unsafe.Pointer(((*reflect.SliceHeader)(unsafe.Pointer(&dst))).Data),
		unsafe.Pointer(((*reflect.SliceHeader)(unsafe.Pointer(&src))).Data),
		len(dst))
	if n != len(dst) {
		t.Fatalf("expected %v, got %v", len(dst), n)
	} else if bytes.Compare(dst, src[:len(dst)]) != 0 {
		t.Fatalf("Memcpy() failed")
	}
}

func TestBytes2str(t *testing.T) {
	in := []byte("input")
	if out := Bytes2str(in); out != "input" {
		t.Errorf("expected `input`, got %v", out)
	} else if out = Bytes2str(nil); out != "" {
		t.Errorf("expected ``, got %v", out)
	}
}

func TestStr2Bytes(t *testing.T) {
	in := "input"
	if out := Str2bytes(in); bytes.Compare(out, []byte("input")) != 0 {
		t.Errorf("expected `input`, got %s", out)
	} else if out = Str2bytes(""); out != nil {
		t.Errorf("expected nil, got %s", out)
	}
}

func TestAbsInt64(t *testing.T) {
	if x := AbsInt64(10); x != 10 {
		t.Errorf("expected 10, got %v", x)
	} else if x = AbsInt64(0); x != 0 {
		t.Errorf("expected 0, got %v", x)
	} else if x = AbsInt64(-0); x != 0 {
		t.Errorf("expected 0, got %v", x)
	} else if x = AbsInt64(-10); x != 10 {
		t.Errorf("expected 10, got %v", x)
	}
}

func TestFixbuffer(t *testing.T) {
	if ln := len(Fixbuffer(nil, 10)); ln != 10 {
		t.Errorf("expected %v, got %v", 10, ln)
	} else if ln = len(Fixbuffer(nil, 0)); ln != 0 {
		t.Errorf("expected %v, got %v", 0, ln)
	} else if ln = len(Fixbuffer([]byte{10, 20}, 0)); ln != 0 {
		t.Errorf("expected %v, got %v", 0, ln)
	}
}

func TestParsecsv(t *testing.T) {
	res := Parsecsv("a, b, r , x\n, \ty \n")
	ref := []string{"a", "b", "r", "x", "y"}
	if !reflect.DeepEqual(res, ref) {
		t.Errorf("expected %v, got %v", ref, res)
	}
}

func TestPrettystats(t *testing.T) {
	stats := map[string]interface{}{"num_allocs": 10}
	if out := Prettystats(stats, false); out != `{"num_allocs":10}` {
		t.Errorf("expected compact json, got %v", out)
	}
	if out := Prettystats(stats, true); out == "" {
		t.Errorf("expected non-empty pretty json")
	}
}

func BenchmarkMemcpy(b *testing.B) {
	ln := 10 * 1024
	src, dst := make([]byte, ln), make([]byte, ln)
	for i := 0; i < len(src); i++ {
		src[0] = 0xAB
	}
	for i := 0; i < b.N; i++ {
		Memcpy(
			unsafe.Pointer(((*reflect.SliceHeader)(unsafe.Pointer(&dst))).Data),
			unsafe.Pointer(((*reflect.SliceHeader)(unsafe.Pointer(&src))).Data),
			ln)
	}
}
