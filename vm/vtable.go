package vm

import (
	"fmt"

	"github.com/nucleus-os/nucleus/metadata"
)

// buildVTable flattens the virtual dispatch surface of t: the vtable
// starts as a copy of the base vtable, overrides replace matching
// slots, new-slot methods append. Interface dispatch goes through the
// per-type (interface, slot) map so a class never needs contiguous
// interface sections in its own vtable.
func (r *Resolver) buildVTable(t *TypeDescriptor) error {
	if t.Kind == KindInterface {
		// Interface methods get slot numbers in declaration order.
		slot := 0
		for _, m := range t.Methods {
			if !m.IsStatic() {
				m.Slot = slot
				slot++
			}
		}
		return nil
	}
	if t.Kind == KindPrimitive {
		return nil
	}

	if t.Base != nil && t.Base.Kind != KindPrimitive {
		t.VTable = append(t.VTable, t.Base.VTable...)
	}

	for _, m := range t.Methods {
		if !m.IsVirtual() {
			continue
		}
		if m.Flags&metadata.MethodFlagNewSlot == 0 {
			if slot := findOverrideSlot(t.VTable, m); slot >= 0 {
				m.Slot = slot
				t.VTable[slot] = m
				continue
			}
		}
		m.Slot = len(t.VTable)
		t.VTable = append(t.VTable, m)
	}

	return r.buildInterfaceMaps(t)
}

func findOverrideSlot(vtable []*MethodDescriptor, m *MethodDescriptor) int {
	for i, base := range vtable {
		if base.Name == m.Name && len(base.Sig.Params) == len(m.Sig.Params) {
			return i
		}
	}
	return -1
}

// buildInterfaceMaps resolves every slot of every implemented
// interface to a concrete method. A class method matching by name and
// arity wins, searched derived-most first; otherwise the interface's
// own default implementation serves the slot. A slot with neither is a
// metadata error.
func (r *Resolver) buildInterfaceMaps(t *TypeDescriptor) error {
	ifaces := allInterfaces(t)
	if len(ifaces) == 0 {
		return nil
	}
	t.IfaceSlots = make(map[IfaceSlot]*MethodDescriptor)
	for _, iface := range ifaces {
		for _, im := range iface.Methods {
			if im.Slot < 0 {
				continue
			}
			impl := findImplementation(t, im)
			if impl == nil {
				if im.Flags&metadata.MethodFlagAbstract == 0 {
					impl = im // default interface method
				} else {
					return fmt.Errorf("%s does not implement %s.%s",
						t.FullName(), iface.FullName(), im.Name)
				}
			}
			t.IfaceSlots[IfaceSlot{Iface: iface, Slot: im.Slot}] = impl
		}
	}
	return nil
}

func findImplementation(t *TypeDescriptor, im *MethodDescriptor) *MethodDescriptor {
	for d := t; d != nil && d.Kind != KindPrimitive; d = d.Base {
		for _, m := range d.Methods {
			if m.IsVirtual() && m.Name == im.Name && len(m.Sig.Params) == len(im.Sig.Params) {
				return m
			}
		}
	}
	return nil
}

// allInterfaces collects the transitive interface closure of t and its
// base chain, de-duplicated, declaration order preserved.
func allInterfaces(t *TypeDescriptor) []*TypeDescriptor {
	seen := make(map[*TypeDescriptor]bool)
	var out []*TypeDescriptor
	var walk func(*TypeDescriptor)
	walk = func(d *TypeDescriptor) {
		for _, it := range d.Interfaces {
			if !seen[it] {
				seen[it] = true
				out = append(out, it)
				walk(it)
			}
		}
	}
	for d := t; d != nil && d.Kind != KindPrimitive; d = d.Base {
		walk(d)
	}
	return out
}

// FindIfaceImpl resolves one interface slot against the runtime type.
func (t *TypeDescriptor) FindIfaceImpl(iface *TypeDescriptor, slot int) *MethodDescriptor {
	for d := t; d != nil; d = d.Base {
		if d.IfaceSlots != nil {
			if m, ok := d.IfaceSlots[IfaceSlot{Iface: iface, Slot: slot}]; ok {
				return m
			}
		}
	}
	return nil
}
