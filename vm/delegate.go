package vm

// Delegate payload layout: bound target reference, entry address of
// the bound code, the method handle for identity checks, and the
// invocation list (an array of unicast delegates, null for unicast).
// A delegate over a static method binds the entry address of that
// method's argument-shift shim, so every entry is invoked uniformly
// with the target in the first argument register.
const (
	delTargetOff = 0
	delCodeOff   = 8
	delMethodOff = 16
	delListOff   = 24

	delegatePayloadSize = 32
)

// NewDelegate allocates a unicast delegate.
func (h *Heap) NewDelegate(t *TypeDescriptor, target, code, methodHandle uint64) uint64 {
	ref := h.NewObject(t)
	p := Payload(ref)
	h.mem.WriteU64(p+delTargetOff, target)
	h.mem.WriteU64(p+delCodeOff, code)
	h.mem.WriteU64(p+delMethodOff, methodHandle)
	return ref
}

func (h *Heap) delegateList(ref uint64) uint64 {
	return h.mem.ReadU64(Payload(ref) + delListOff)
}

// invocationEntries flattens a delegate into its unicast entries.
func (h *Heap) invocationEntries(ref uint64) []uint64 {
	if ref == 0 {
		return nil
	}
	list := h.delegateList(ref)
	if list == 0 {
		return []uint64{ref}
	}
	n := h.ArrayLength(list)
	out := make([]uint64, n)
	for i := int64(0); i < n; i++ {
		out[i] = h.mem.ReadU64(h.ElemAddr(list, i))
	}
	return out
}

func (h *Heap) delegateEqual(a, b uint64) bool {
	pa, pb := Payload(a), Payload(b)
	return h.mem.ReadU64(pa+delTargetOff) == h.mem.ReadU64(pb+delTargetOff) &&
		h.mem.ReadU64(pa+delCodeOff) == h.mem.ReadU64(pb+delCodeOff)
}

// makeMulticast builds a delegate over an explicit entry list. A single
// entry collapses back to that entry.
func (h *Heap) makeMulticast(t *TypeDescriptor, entries []uint64) uint64 {
	switch len(entries) {
	case 0:
		return 0
	case 1:
		return entries[0]
	}
	list := h.NewArray(h.res.ArrayOf(h.res.Object), int64(len(entries)))
	for i, e := range entries {
		h.mem.WriteU64(h.ElemAddr(list, int64(i)), e)
	}
	ref := h.NewObject(t)
	p := Payload(ref)
	// Multicast carries the last entry's binding so identity checks on
	// the combined delegate remain meaningful.
	last := Payload(entries[len(entries)-1])
	h.mem.WriteU64(p+delTargetOff, h.mem.ReadU64(last+delTargetOff))
	h.mem.WriteU64(p+delCodeOff, h.mem.ReadU64(last+delCodeOff))
	h.mem.WriteU64(p+delMethodOff, h.mem.ReadU64(last+delMethodOff))
	h.mem.WriteU64(p+delListOff, list)
	return ref
}

// DelegateCombine appends b's invocation list to a's. Either side may
// be null.
func (h *Heap) DelegateCombine(a, b uint64) uint64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	entries := append(h.invocationEntries(a), h.invocationEntries(b)...)
	return h.makeMulticast(h.TypeOf(a), entries)
}

// DelegateRemove removes the first occurrence of b's invocation list
// from a's, matched as a contiguous run. No match returns a unchanged.
func (h *Heap) DelegateRemove(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return a
	}
	have := h.invocationEntries(a)
	drop := h.invocationEntries(b)
	if len(drop) == 0 || len(drop) > len(have) {
		return a
	}
	for i := 0; i+len(drop) <= len(have); i++ {
		match := true
		for j := range drop {
			if !h.delegateEqual(have[i+j], drop[j]) {
				match = false
				break
			}
		}
		if match {
			rest := make([]uint64, 0, len(have)-len(drop))
			rest = append(rest, have[:i]...)
			rest = append(rest, have[i+len(drop):]...)
			return h.makeMulticast(h.TypeOf(a), rest)
		}
	}
	return a
}
