package vm

import (
	"fmt"
)

// Runtime helper identifiers. Generated code reaches back into the VM
// with NRtCall; arguments travel in R1-R4 and the result, if any, comes
// back in R0. HelpResolveEntry is the exception: it communicates
// through R15 so the lazy-resolution thunk leaves the argument
// registers of the pending call untouched.
const (
	HelpNewObject uint16 = iota + 1
	HelpNewArray
	HelpNewMDArray
	HelpMDElemAddr
	HelpBox
	HelpUnbox
	HelpCastClass
	HelpIsInst
	HelpEnsureInit
	HelpNewDelegate
	HelpDelegateCombine
	HelpDelegateRemove
	HelpNewCaptureFrame
	HelpThrow
	HelpRethrow
	HelpVTableLookup
	HelpIfaceLookup
	HelpLoadFunc
	HelpResolveEntry
	HelpMemZero
)

// callHelper services an NRtCall from generated code. Managed
// conditions raised here (null dereference, invalid cast, overflow)
// unwind through the run loop like any other; resolver or compiler
// failures are reported as Go errors.
func (vm *VM) callHelper(c *Context, id uint16) {
	switch id {
	case HelpNewObject:
		t := vm.typeArg(c.regs[1])
		c.regs[0] = vm.Heap.NewObject(t)

	case HelpNewArray:
		t := vm.typeArg(c.regs[1])
		c.regs[0] = vm.Heap.NewArray(t, int64(c.regs[2]))

	case HelpNewMDArray:
		// R2 points at rank contiguous i64 lengths.
		t := vm.typeArg(c.regs[1])
		dims := make([]int64, t.Rank)
		for i := range dims {
			dims[i] = int64(vm.Mem.ReadU64(c.regs[2] + uint64(i)*8))
		}
		c.regs[0] = vm.Heap.NewMDArray(t, dims)

	case HelpMDElemAddr:
		arr := c.regs[1]
		t := vm.Heap.TypeOf(arr)
		idx := make([]int64, t.Rank)
		for i := range idx {
			idx[i] = int64(vm.Mem.ReadU64(c.regs[2] + uint64(i)*8))
		}
		c.regs[0] = vm.Heap.MDElemAddr(arr, idx)

	case HelpBox:
		t := vm.typeArg(c.regs[1])
		c.regs[0] = vm.Heap.Box(t, c.regs[2])

	case HelpUnbox:
		t := vm.typeArg(c.regs[2])
		vm.Heap.Unbox(c.regs[1], t, c.regs[3])

	case HelpCastClass:
		c.regs[0] = vm.Heap.CastClass(c.regs[1], vm.typeArg(c.regs[2]))

	case HelpIsInst:
		c.regs[0] = vm.Heap.IsInst(c.regs[1], vm.typeArg(c.regs[2]))

	case HelpEnsureInit:
		t := vm.typeArg(c.regs[1])
		if err := vm.ensureStaticInit(c, t); err != nil {
			panic(err)
		}

	case HelpNewDelegate:
		// R3 names the bound method: a method id, or a code address
		// when the frontend materialized the function pointer first.
		t := vm.typeArg(c.regs[1])
		var m *MethodDescriptor
		if c.regs[3] >= codeBase {
			if cm := vm.findCompiled(c.regs[3]); cm != nil {
				m = cm.Method
			}
		} else {
			m = vm.methodByID(c.regs[3])
		}
		if m == nil {
			panic(fmt.Errorf("%w: bad method binding 0x%X in delegate creation", ErrExecution, c.regs[3]))
		}
		if !m.IsStatic() && c.regs[2] == 0 {
			panicCondition(CondNullReference)
		}
		entry, err := vm.delegateEntry(m)
		if err != nil {
			panic(err)
		}
		c.regs[0] = vm.Heap.NewDelegate(t, c.regs[2], entry, vm.methodID(m))

	case HelpDelegateCombine:
		c.regs[0] = vm.Heap.DelegateCombine(c.regs[1], c.regs[2])

	case HelpDelegateRemove:
		c.regs[0] = vm.Heap.DelegateRemove(c.regs[1], c.regs[2])

	case HelpNewCaptureFrame:
		c.regs[0] = vm.Heap.NewCaptureFrame(int(c.regs[1]))

	case HelpThrow:
		if c.regs[1] == 0 {
			panicCondition(CondNullReference)
		}
		panic(conditionPanic{kind: CondExplicitThrow, obj: c.regs[1]})

	case HelpRethrow:
		if c.current == 0 {
			panic(fmt.Errorf("%w: rethrow with no exception in flight", ErrExecution))
		}
		panic(conditionPanic{kind: CondExplicitThrow, obj: c.current})

	case HelpVTableLookup:
		// R1 = receiver, R2 = vtable slot.
		if c.regs[1] == 0 {
			panicCondition(CondNullReference)
		}
		t := vm.Heap.TypeOf(c.regs[1])
		slot := int(c.regs[2])
		if slot >= len(t.VTable) {
			panic(fmt.Errorf("%w: vtable slot %d out of range on %s", ErrExecution, slot, t.FullName()))
		}
		c.regs[0] = vm.mustEntry(t.VTable[slot])

	case HelpIfaceLookup:
		// R1 = receiver, R2 = interface type handle, R3 = slot.
		if c.regs[1] == 0 {
			panicCondition(CondNullReference)
		}
		t := vm.Heap.TypeOf(c.regs[1])
		iface := vm.typeArg(c.regs[2])
		impl := t.FindIfaceImpl(iface, int(c.regs[3]))
		if impl == nil {
			panic(fmt.Errorf("%w: %s does not implement %s slot %d", ErrExecution, t.FullName(), iface.FullName(), c.regs[3]))
		}
		c.regs[0] = vm.mustEntry(impl)

	case HelpLoadFunc:
		m := vm.methodByID(c.regs[1])
		if m == nil {
			panic(fmt.Errorf("%w: bad method id %d", ErrExecution, c.regs[1]))
		}
		c.regs[0] = vm.mustEntry(m)

	case HelpResolveEntry:
		m := vm.methodByID(c.regs[15])
		if m == nil {
			panic(fmt.Errorf("%w: bad method id %d in lazy thunk", ErrExecution, c.regs[15]))
		}
		c.regs[15] = vm.mustEntry(m)

	case HelpMemZero:
		addr, n := c.regs[1], int(c.regs[2])
		b := vm.Mem.Bytes(addr, n)
		for i := range b {
			b[i] = 0
		}

	default:
		panic(fmt.Errorf("%w: unknown runtime helper %d", ErrExecution, id))
	}
}

func (vm *VM) typeArg(handle uint64) *TypeDescriptor {
	t := vm.Types.TypeByHandle(handle)
	if t == nil {
		panic(fmt.Errorf("%w: bad type handle %d", ErrExecution, handle))
	}
	return t
}

func (vm *VM) mustEntry(m *MethodDescriptor) uint64 {
	cm, err := vm.ensureCompiled(m)
	if err != nil {
		panic(err)
	}
	return cm.Addr
}
