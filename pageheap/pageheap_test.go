package pageheap

import "testing"
import "unsafe"

import "github.com/bnclabs/tcguard/api"

func TestNewSpanRoundTrip(t *testing.T) {
	h := New()
	base, ok := h.NewSpan(4, api.Normal)
	if !ok {
		t.Fatalf("expected NewSpan to succeed")
	} else if base == nil {
		t.Fatalf("expected a non-nil base address")
	}

	mapped, committed := h.Stats()
	if mapped < 4*PageSize {
		t.Errorf("expected mapped >= %v, got %v", 4*PageSize, mapped)
	} else if committed != mapped {
		t.Errorf("expected committed == mapped before any Release, got %v/%v", committed, mapped)
	}

	h.Delete(base, 4)

	base2, ok := h.NewSpan(4, api.Normal)
	if !ok || base2 != base {
		t.Errorf("expected the freed run to be reused, got %v ok=%v", base2, ok)
	}
}

func TestNewGuardedDataPageWritable(t *testing.T) {
	h := New()
	base, ok := h.NewGuarded()
	if !ok {
		t.Fatalf("expected NewGuarded to succeed")
	}
	*(*byte)(unsafe.Pointer(base)) = 1 // data page is read/write
	if x := *(*byte)(unsafe.Pointer(base)); x != 1 {
		t.Errorf("expected to read back 1, got %v", x)
	}
}

func TestReleaseDoesNotUnmap(t *testing.T) {
	h := New()
	base, ok := h.NewSpan(1, api.Normal)
	if !ok {
		t.Fatalf("expected NewSpan to succeed")
	}
	h.Release(base, 1)
	_, committed := h.Stats()
	if committed < 0 {
		t.Errorf("unexpected negative committed: %v", committed)
	}
}

func TestGuardEligibility(t *testing.T) {
	if !Eligible(64, 8) {
		t.Errorf("expected a small, naturally aligned allocation to be eligible")
	}
	if Eligible(PageSize+1, 8) {
		t.Errorf("expected an allocation bigger than one page to be ineligible")
	}
	if Eligible(64, PageSize+1) {
		t.Errorf("expected an over-aligned allocation to be ineligible")
	}
}
