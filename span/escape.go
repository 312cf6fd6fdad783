package span

import "fmt"
import "sync"
import "unsafe"

import s "github.com/bnclabs/gosettings"

import "github.com/bnclabs/tcguard/malloc"

// PoisonPattern overwrites an escaped pointer cell when its target is
// freed, so a subsequent dereference is visibly wrong rather than a
// silent use-after-free. Matches the literal pattern exercised by the
// reference implementation's own safety tests.
const PoisonPattern = uint64(0xdeadbeefdeadbeef)

// escapeNode is the only structure in this package carved from the
// cgo-backed descriptor arena: it carries two raw addresses, a sibling
// pointer, and the Mpooler it came from. That pool is the one Go
// reference in it, and the arena itself keeps the pool reachable, so
// the node can live in memory the garbage collector never scans.
type escapeNode struct {
	loc  uintptr
	ptr  uintptr
	next unsafe.Pointer // *escapeNode, arena-owned
	pool malloc.Mpooler
}

var escNodeSize = int64(unsafe.Sizeof(escapeNode{}))

var descArena *malloc.Arena

// descMu serialises every descArena Alloc and pool Free: the arena and
// its pools carry no lock, and escape nodes of different spans are
// allocated and freed concurrently under different span locks.
var descMu sync.Mutex

// InitDescriptorArena (re)configures the arena backing Escape nodes.
// Call once at process start, before any Escape/InsertEscape call.
func InitDescriptorArena(setts s.Settings) {
	descArena = malloc.NewArena(setts)
}

// DefaultDescriptorSettings sizes the descriptor arena for escapeNode
// chunks, reusing the same geometric block-size ladder the teacher's
// arena uses for its own pool descriptors. allocator selects which of
// malloc's two pool algorithms ("flist" or "fbit") backs every chunk;
// escapeNode chunks are all the same fixed size, which is exactly the
// case "fbit"'s hierarchical free-bitmap was built for.
func DefaultDescriptorSettings(allocator string) s.Settings {
	setts := malloc.Defaultsettings(escNodeSize, escNodeSize)
	setts["allocator"] = allocator
	return setts
}

func allocEscapeNode(loc, ptr uintptr) *escapeNode {
	descMu.Lock()
	if descArena == nil {
		InitDescriptorArena(DefaultDescriptorSettings("flist"))
	}
	raw, mpool := descArena.Alloc(escNodeSize)
	descMu.Unlock()
	node := (*escapeNode)(raw)
	node.loc, node.ptr, node.next, node.pool = loc, ptr, nil, mpool
	return node
}

func freeEscapeNode(node *escapeNode) {
	descMu.Lock()
	node.pool.Free(unsafe.Pointer(node))
	descMu.Unlock()
}

func freeChain(head unsafe.Pointer) {
	for head != nil {
		node := (*escapeNode)(head)
		next := node.next
		freeEscapeNode(node)
		head = next
	}
}

// InsertEscape prepends a new (loc, ptr) escape record onto slotIdx's
// chain. Callers hold sp.Lock() — either directly on the hot path, or
// via a commit-buffer drain.
func (sp *Span) InsertEscape(slotIdx int64, loc, ptr uintptr) {
	if slotIdx < 0 || slotIdx >= int64(len(sp.escapeHeads)) {
		panic(fmt.Errorf("span: insert_escape slot %v out of range", slotIdx))
	}
	node := allocEscapeNode(loc, ptr)
	node.next = sp.escapeHeads[slotIdx]
	sp.escapeHeads[slotIdx] = unsafe.Pointer(node)
}

// HasEscapeTo reports whether slotIdx's chain already records loc
// pointing at ptr, letting the hot escape path skip a duplicate
// commit-buffer entry.
func (sp *Span) HasEscapeTo(slotIdx int64, loc, ptr uintptr) bool {
	if slotIdx < 0 || slotIdx >= int64(len(sp.escapeHeads)) {
		return false
	}
	for head := sp.escapeHeads[slotIdx]; head != nil; {
		node := (*escapeNode)(head)
		if node.loc == loc && node.ptr == ptr {
			return true
		}
		head = node.next
	}
	return false
}

// ClearOldEscape removes the record of loc from slotIdx's chain,
// called on pointer overwrite before the cell takes a new value.
func (sp *Span) ClearOldEscape(slotIdx int64, loc uintptr) {
	if slotIdx < 0 || slotIdx >= int64(len(sp.escapeHeads)) {
		return
	}
	var prev *escapeNode
	head := sp.escapeHeads[slotIdx]
	for head != nil {
		node := (*escapeNode)(head)
		if node.loc == loc {
			if prev == nil {
				sp.escapeHeads[slotIdx] = node.next
			} else {
				prev.next = node.next
			}
			freeEscapeNode(node)
			return
		}
		prev, head = node, node.next
	}
}

// PoisonEscapes walks slotIdx's chain on free of the object occupying
// [objBegin, objEnd). Every node is freed; a node whose *loc still
// reads as a pointer inside that range additionally has its cell
// poisoned, unless poison is false (report-and-continue deployments).
// Returns the number of nodes visited, for statistics.
func (sp *Span) PoisonEscapes(slotIdx int64, objBegin, objEnd uintptr, poison bool) int {
	if slotIdx < 0 || slotIdx >= int64(len(sp.escapeHeads)) {
		return 0
	}
	visited := 0
	head := sp.escapeHeads[slotIdx]
	sp.escapeHeads[slotIdx] = nil
	for head != nil {
		node := (*escapeNode)(head)
		next := node.next
		visited++

		cell := (*uint64)(unsafe.Pointer(node.loc))
		if cur := uintptr(*cell); cur >= objBegin && cur < objEnd && poison {
			*cell = PoisonPattern
		}
		freeEscapeNode(node)
		head = next
	}
	return visited
}

// IsPoisoned reports whether value carries the poison pattern this
// package stamps into a freed object's escape cells — used by the
// facade to report a "double/invalid free" when a pointer handed to
// Free still carries it.
func IsPoisoned(value uintptr) bool {
	return uint64(value) == PoisonPattern
}
