package span

import "testing"

import "github.com/bnclabs/tcguard/api"
import "github.com/bnclabs/tcguard/pagemap"

func TestNewAndDelete(t *testing.T) {
	sp := New(0x10000, 4, api.Normal)
	if sp.StartAddr() != 0x10000 {
		t.Errorf("expected 0x10000, got %x", sp.StartAddr())
	} else if sp.NumPages() != 4 {
		t.Errorf("expected 4, got %v", sp.NumPages())
	} else if sp.EndAddr() != 0x10000+uintptr(4*pagemap.PageSize) {
		t.Errorf("unexpected end address %x", sp.EndAddr())
	} else if sp.State() != Free {
		t.Errorf("expected Free, got %v", sp.State())
	}
	Delete(sp)
}

func TestAssignClassAndSlotIndex(t *testing.T) {
	sp := New(0x20000, 1, api.Normal)
	sp.AssignClass(3, 64, 128)
	if sp.ObjSize() != 64 || sp.ObjsPerSpan() != 128 {
		t.Errorf("unexpected class shape %v/%v", sp.ObjSize(), sp.ObjsPerSpan())
	}

	ptr := sp.StartAddr() + 130 // lands in slot 2 (130/64 == 2)
	if idx := sp.SlotIndex(ptr); idx != 2 {
		t.Errorf("expected slot 2, got %v", idx)
	}
	if idx := sp.SlotIndex(sp.StartAddr() - 1); idx != -1 {
		t.Errorf("expected -1 for address before span, got %v", idx)
	}
	if idx := sp.SlotIndex(sp.EndAddr()); idx != -1 {
		t.Errorf("expected -1 for address at/after span end, got %v", idx)
	}

	start, end, ok := sp.ObjectBounds(ptr)
	if !ok {
		t.Fatalf("expected ObjectBounds to succeed")
	} else if want := sp.StartAddr() + 128; start != want {
		t.Errorf("expected slot start %x, got %x", want, start)
	} else if end != start+64 {
		t.Errorf("expected slot end %x, got %x", start+64, end)
	}
}

func TestLargeObjectSlot(t *testing.T) {
	sp := New(0x30000, 8, api.Normal)
	// objSize stays 0: "one object == whole span".
	if idx := sp.SlotIndex(sp.StartAddr() + 10); idx != 0 {
		t.Errorf("expected slot 0 for a whole-span object, got %v", idx)
	}
	start, end, ok := sp.ObjectBounds(sp.StartAddr())
	if !ok || start != sp.StartAddr() || end != sp.EndAddr() {
		t.Errorf("expected whole-span bounds, got [%x,%x) ok=%v", start, end, ok)
	}
}

func TestLiveObjectCounters(t *testing.T) {
	sp := New(0x40000, 1, api.Normal)
	sp.AssignClass(1, 16, 512)
	for i := 0; i < 5; i++ {
		sp.IncLive()
	}
	sp.DecLive()
	if got := sp.LiveObjects(); got != 4 {
		t.Errorf("expected 4 live objects, got %v", got)
	}
}
