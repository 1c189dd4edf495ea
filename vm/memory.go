package vm

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// Memory is the flat byte-addressed data space. Address zero and the
// rest of the first page are reserved so that null references fault in
// the load/store path instead of reading real data. Allocation is a
// bump allocator; freestanding execution contexts never release.
type Memory struct {
	mu   sync.Mutex
	data []byte
	brk  uint64
}

const (
	nullPageSize = 4096
	memAlignMax  = 16
)

// NewMemory creates a data space of the given size in bytes. The first
// page is reserved.
func NewMemory(size int) *Memory {
	if size < nullPageSize*2 {
		size = nullPageSize * 2
	}
	return &Memory{data: make([]byte, size), brk: nullPageSize}
}

// Alloc reserves size bytes aligned to align and returns the address.
// The block is zeroed. Alloc panics when the data space is exhausted;
// a freestanding kernel treats that as fatal.
func (m *Memory) Alloc(size, align int) uint64 {
	if align <= 0 {
		align = 1
	}
	if align > memAlignMax {
		align = memAlignMax
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := (m.brk + uint64(align) - 1) &^ (uint64(align) - 1)
	end := addr + uint64(size)
	if end > uint64(len(m.data)) {
		panic(fmt.Sprintf("vm: data space exhausted (%d bytes requested, %d free)",
			size, uint64(len(m.data))-m.brk))
	}
	m.brk = end
	return addr
}

// AllocStack reserves a stack region and returns its initial stack
// pointer, the exclusive upper bound of the region. The stack grows
// down toward the returned base.
func (m *Memory) AllocStack(size int) (base, sp uint64) {
	base = m.Alloc(size, 16)
	return base, base + uint64(size)
}

// Size returns the total size of the data space.
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

// checkRange faults on null-page and out-of-bounds accesses. The bound
// is phrased so addr+n cannot wrap: a wild address near the top of the
// 64-bit space must fault, not alias the low pages.
func (m *Memory) checkRange(addr uint64, n int) {
	if addr < nullPageSize {
		panicCondition(CondNullReference)
	}
	limit := uint64(len(m.data))
	if uint64(n) > limit || addr > limit-uint64(n) {
		panic(fmt.Errorf("%w: access at 0x%X+%d outside data space", ErrExecution, addr, n))
	}
}

func (m *Memory) ReadU8(addr uint64) byte {
	m.checkRange(addr, 1)
	return m.data[addr]
}

func (m *Memory) ReadU16(addr uint64) uint16 {
	m.checkRange(addr, 2)
	return binary.LittleEndian.Uint16(m.data[addr:])
}

func (m *Memory) ReadU32(addr uint64) uint32 {
	m.checkRange(addr, 4)
	return binary.LittleEndian.Uint32(m.data[addr:])
}

func (m *Memory) ReadU64(addr uint64) uint64 {
	m.checkRange(addr, 8)
	return binary.LittleEndian.Uint64(m.data[addr:])
}

func (m *Memory) WriteU8(addr uint64, v byte) {
	m.checkRange(addr, 1)
	m.data[addr] = v
}

func (m *Memory) WriteU16(addr uint64, v uint16) {
	m.checkRange(addr, 2)
	binary.LittleEndian.PutUint16(m.data[addr:], v)
}

func (m *Memory) WriteU32(addr uint64, v uint32) {
	m.checkRange(addr, 4)
	binary.LittleEndian.PutUint32(m.data[addr:], v)
}

func (m *Memory) WriteU64(addr uint64, v uint64) {
	m.checkRange(addr, 8)
	binary.LittleEndian.PutUint64(m.data[addr:], v)
}

// Copy moves n bytes from src to dst within the data space.
func (m *Memory) Copy(dst, src uint64, n int) {
	if n == 0 {
		return
	}
	m.checkRange(dst, n)
	m.checkRange(src, n)
	copy(m.data[dst:dst+uint64(n)], m.data[src:src+uint64(n)])
}

// Bytes returns a view of n bytes at addr. The view aliases the arena.
func (m *Memory) Bytes(addr uint64, n int) []byte {
	m.checkRange(addr, n)
	return m.data[addr : addr+uint64(n)]
}

// WriteBytes copies b into the data space at addr.
func (m *Memory) WriteBytes(addr uint64, b []byte) {
	m.checkRange(addr, len(b))
	copy(m.data[addr:], b)
}

// ----------------------------------------------------------------------------
// Code space
// ----------------------------------------------------------------------------

// Code addresses live in their own region far above any data address,
// so a data pointer can never be mistaken for an entry point.
const codeBase = uint64(0x4000_0000_0000)

// A CodeBuffer is one executable allocation. A buffer starts writable;
// Publish freezes it and makes it executable. The dispatch core refuses
// to fetch from an unpublished buffer, which turns a publish-discipline
// bug into an immediate fault rather than a race on half-written code.
type CodeBuffer struct {
	Addr      uint64
	Code      []byte
	published bool
}

// Published reports whether the buffer has been made executable.
func (b *CodeBuffer) Published() bool { return b.published }

// Publish freezes the buffer. Publishing twice is a bug.
func (b *CodeBuffer) Publish() {
	if b.published {
		panic("vm: code buffer published twice")
	}
	b.published = true
}

// CodeSpace hands out executable buffers and maps code addresses back
// to them. Buffers are contiguous in the code address region.
type CodeSpace struct {
	mu   sync.RWMutex
	next uint64
	bufs []*CodeBuffer // sorted by Addr
}

func NewCodeSpace() *CodeSpace {
	return &CodeSpace{next: codeBase}
}

// Alloc reserves a writable buffer of the given size.
func (cs *CodeSpace) Alloc(size int) *CodeBuffer {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	buf := &CodeBuffer{Addr: cs.next, Code: make([]byte, size)}
	cs.next += uint64(size+15) &^ 15
	cs.bufs = append(cs.bufs, buf)
	return buf
}

// Find maps a code address to its buffer and offset. Fetching from an
// address outside every buffer, or inside an unpublished one, is an
// execution fault.
func (cs *CodeSpace) Find(addr uint64) (*CodeBuffer, int, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	i := sort.Search(len(cs.bufs), func(i int) bool {
		return cs.bufs[i].Addr+uint64(len(cs.bufs[i].Code)) > addr
	})
	if i >= len(cs.bufs) || addr < cs.bufs[i].Addr {
		return nil, 0, fmt.Errorf("%w: no code at 0x%X", ErrExecution, addr)
	}
	buf := cs.bufs[i]
	if !buf.published {
		return nil, 0, fmt.Errorf("%w: fetch from unpublished buffer at 0x%X", ErrExecution, addr)
	}
	return buf, int(addr - buf.Addr), nil
}

// conditionPanic carries a managed runtime condition through the Go
// stack until the dispatch core catches it and routes it to the
// exception dispatcher. obj is the managed exception reference for
// explicit throws; zero means the dispatcher materializes the
// condition's built-in exception type.
type conditionPanic struct {
	kind ConditionKind
	obj  uint64
}

func panicCondition(kind ConditionKind) {
	panic(conditionPanic{kind: kind})
}
