package vm

import (
	"sync"
)

// Heap implements the object model over the flat data space: every
// managed object is a header (type handle, sync word) followed by its
// payload. References are plain addresses; address zero is null.
type Heap struct {
	mem *Memory
	res *Resolver

	mu      sync.Mutex
	interns map[string]uint64
	locks   map[uint64]*sync.Mutex
}

func NewHeap(mem *Memory, res *Resolver) *Heap {
	return &Heap{
		mem:     mem,
		res:     res,
		interns: make(map[string]uint64),
		locks:   make(map[uint64]*sync.Mutex),
	}
}

// NewObject allocates a zeroed instance of a class type.
func (h *Heap) NewObject(t *TypeDescriptor) uint64 {
	align := t.Align
	if align < 8 {
		align = 8
	}
	ref := h.mem.Alloc(ObjectHeaderSize+t.Size, align)
	h.mem.WriteU64(ref+headerTypeOff, t.Handle)
	return ref
}

// TypeOf reads the header type handle of a reference. Null faults.
func (h *Heap) TypeOf(ref uint64) *TypeDescriptor {
	if ref == 0 {
		panicCondition(CondNullReference)
	}
	return h.res.TypeByHandle(h.mem.ReadU64(ref + headerTypeOff))
}

// Payload returns the address of the instance payload.
func Payload(ref uint64) uint64 { return ref + ObjectHeaderSize }

// FieldAddr returns the address of an instance field. Null faults.
func (h *Heap) FieldAddr(ref uint64, f *FieldDescriptor) uint64 {
	if ref == 0 {
		panicCondition(CondNullReference)
	}
	return ref + ObjectHeaderSize + uint64(f.Offset)
}

// ----------------------------------------------------------------------------
// Arrays
// ----------------------------------------------------------------------------

// Array layout: header, total element count, then for multi-dimensional
// arrays one length per dimension, then the elements at their natural
// alignment.
const arrayLenOff = ObjectHeaderSize

// elemBase returns the offset of element storage from the array
// reference.
func elemBase(t *TypeDescriptor) int {
	base := ObjectHeaderSize + 8
	if t.Kind == KindMDArray {
		base += t.Rank * 8
	}
	return alignUp(base, t.Elem.ValueAlign())
}

// NewArray allocates a zeroed single-dimensional array. Negative
// lengths raise the overflow condition.
func (h *Heap) NewArray(t *TypeDescriptor, length int64) uint64 {
	if length < 0 {
		panicCondition(CondOverflow)
	}
	stride := t.Elem.ValueSize()
	ref := h.mem.Alloc(elemBase(t)+int(length)*stride, 16)
	h.mem.WriteU64(ref+headerTypeOff, t.Handle)
	h.mem.WriteU64(ref+arrayLenOff, uint64(length))
	return ref
}

// NewMDArray allocates a zeroed multi-dimensional array with the given
// per-dimension lengths.
func (h *Heap) NewMDArray(t *TypeDescriptor, dims []int64) uint64 {
	total := int64(1)
	for _, d := range dims {
		if d < 0 {
			panicCondition(CondOverflow)
		}
		total *= d
	}
	stride := t.Elem.ValueSize()
	ref := h.mem.Alloc(elemBase(t)+int(total)*stride, 16)
	h.mem.WriteU64(ref+headerTypeOff, t.Handle)
	h.mem.WriteU64(ref+arrayLenOff, uint64(total))
	for i, d := range dims {
		h.mem.WriteU64(ref+arrayLenOff+8+uint64(i)*8, uint64(d))
	}
	return ref
}

// ArrayLength reads the total element count. Null faults.
func (h *Heap) ArrayLength(ref uint64) int64 {
	if ref == 0 {
		panicCondition(CondNullReference)
	}
	return int64(h.mem.ReadU64(ref + arrayLenOff))
}

// ElemAddr computes the address of element i with a bounds check.
func (h *Heap) ElemAddr(ref uint64, i int64) uint64 {
	t := h.TypeOf(ref)
	length := int64(h.mem.ReadU64(ref + arrayLenOff))
	if i < 0 || i >= length {
		panicCondition(CondBounds)
	}
	return ref + uint64(elemBase(t)) + uint64(i)*uint64(t.Elem.ValueSize())
}

// MDElemAddr computes the address of a multi-dimensional element in
// row-major order, bounds-checking each index against its dimension.
func (h *Heap) MDElemAddr(ref uint64, idx []int64) uint64 {
	t := h.TypeOf(ref)
	if t == nil || t.Kind != KindMDArray || len(idx) != t.Rank {
		panicCondition(CondInvalidCast)
	}
	flat := int64(0)
	for d := 0; d < t.Rank; d++ {
		dim := int64(h.mem.ReadU64(ref + arrayLenOff + 8 + uint64(d)*8))
		if idx[d] < 0 || idx[d] >= dim {
			panicCondition(CondBounds)
		}
		flat = flat*dim + idx[d]
	}
	return ref + uint64(elemBase(t)) + uint64(flat)*uint64(t.Elem.ValueSize())
}

// ----------------------------------------------------------------------------
// Strings
// ----------------------------------------------------------------------------

// String layout: header, byte length, UTF-8 bytes. Literals are
// interned so repeated loads of one literal share a reference.
func (h *Heap) NewString(s string) uint64 {
	h.mu.Lock()
	if ref, ok := h.interns[s]; ok {
		h.mu.Unlock()
		return ref
	}
	h.mu.Unlock()

	ref := h.mem.Alloc(ObjectHeaderSize+8+len(s), 8)
	h.mem.WriteU64(ref+headerTypeOff, h.res.String.Handle)
	h.mem.WriteU64(ref+ObjectHeaderSize, uint64(len(s)))
	h.mem.WriteBytes(ref+ObjectHeaderSize+8, []byte(s))

	h.mu.Lock()
	if prior, ok := h.interns[s]; ok {
		ref = prior
	} else {
		h.interns[s] = ref
	}
	h.mu.Unlock()
	return ref
}

// StringValue reads a managed string back into Go.
func (h *Heap) StringValue(ref uint64) string {
	if ref == 0 {
		panicCondition(CondNullReference)
	}
	n := h.mem.ReadU64(ref + ObjectHeaderSize)
	return string(h.mem.Bytes(ref+ObjectHeaderSize+8, int(n)))
}

// ----------------------------------------------------------------------------
// Capture frames and sync
// ----------------------------------------------------------------------------

// NewCaptureFrame allocates a closure capture frame: an opaque heap
// block whose slot layout the compiler decides.
func (h *Heap) NewCaptureFrame(size int) uint64 {
	ref := h.mem.Alloc(ObjectHeaderSize+size, 8)
	h.mem.WriteU64(ref+headerTypeOff, h.res.CaptureFrame.Handle)
	return ref
}

// MonitorEnter and MonitorExit back the sync word in the object
// header.
func (h *Heap) MonitorEnter(ref uint64) {
	if ref == 0 {
		panicCondition(CondNullReference)
	}
	h.mu.Lock()
	l, ok := h.locks[ref]
	if !ok {
		l = &sync.Mutex{}
		h.locks[ref] = l
	}
	h.mu.Unlock()
	l.Lock()
	h.mem.WriteU64(ref+headerSyncOff, 1)
}

func (h *Heap) MonitorExit(ref uint64) {
	if ref == 0 {
		panicCondition(CondNullReference)
	}
	h.mu.Lock()
	l, ok := h.locks[ref]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.mem.WriteU64(ref+headerSyncOff, 0)
	l.Unlock()
}
