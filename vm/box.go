package vm

// Boxing copies a value-type payload into a fresh heap object whose
// header carries the value type itself. Boxing a Nullable<T> without a
// value produces the null reference; with a value it boxes the inner T.

// Box boxes the value at src. For reference types boxing is the
// identity, so the referenced word is returned as-is.
func (h *Heap) Box(t *TypeDescriptor, src uint64) uint64 {
	if !t.IsValueType() {
		return h.mem.ReadU64(src)
	}
	if t.IsNullable() {
		hasValue := t.NullableHasValue()
		value := t.NullableValue()
		if hasValue == nil || value == nil {
			panicCondition(CondInvalidCast)
		}
		if h.mem.ReadU8(src+uint64(hasValue.Offset)) == 0 {
			return 0
		}
		return h.Box(value.Type, src+uint64(value.Offset))
	}
	ref := h.NewObject(t)
	h.mem.Copy(Payload(ref), src, t.Size)
	return ref
}

// Unbox checks the box against the expected value type and copies the
// payload to dst. Unboxing null into a Nullable<T> yields the empty
// nullable; unboxing null into any other value type is a null
// reference fault, and a type mismatch is an invalid cast.
func (h *Heap) Unbox(ref uint64, t *TypeDescriptor, dst uint64) {
	if t.IsNullable() {
		hasValue := t.NullableHasValue()
		value := t.NullableValue()
		if hasValue == nil || value == nil {
			panicCondition(CondInvalidCast)
		}
		if ref == 0 {
			h.mem.Bytes(dst, t.Size) // range check before clearing
			for i := 0; i < t.Size; i++ {
				h.mem.WriteU8(dst+uint64(i), 0)
			}
			return
		}
		if h.TypeOf(ref) != value.Type {
			panicCondition(CondInvalidCast)
		}
		h.mem.WriteU8(dst+uint64(hasValue.Offset), 1)
		h.mem.Copy(dst+uint64(value.Offset), Payload(ref), value.Type.Size)
		return
	}
	if ref == 0 {
		panicCondition(CondNullReference)
	}
	if h.TypeOf(ref) != t {
		panicCondition(CondInvalidCast)
	}
	h.mem.Copy(dst, Payload(ref), t.Size)
}

// CastClass checks a reference against a target type, faulting on
// mismatch. Null passes every cast.
func (h *Heap) CastClass(ref uint64, target *TypeDescriptor) uint64 {
	if ref == 0 {
		return 0
	}
	rt := h.TypeOf(ref)
	if rt == nil || !rt.IsAssignableTo(target) {
		panicCondition(CondInvalidCast)
	}
	return ref
}

// IsInst is CastClass with null instead of a fault on mismatch.
func (h *Heap) IsInst(ref uint64, target *TypeDescriptor) uint64 {
	if ref == 0 {
		return 0
	}
	rt := h.TypeOf(ref)
	if rt == nil || !rt.IsAssignableTo(target) {
		return 0
	}
	return ref
}
