package vm

import (
	"sort"

	"github.com/tliron/commonlog"

	"github.com/nucleus-os/nucleus/pkg/bytecode"
	"github.com/nucleus-os/nucleus/vm/abi"
)

var dispatchLog = commonlog.GetLogger("nucleus.dispatch")

// frameInfo is one walked activation record. pc is the containment
// address: the faulting instruction for the innermost frame, the call
// site (return address minus one) for its callers.
type frameInfo struct {
	fp  uint64
	pc  uint64
	cm  *CompiledMethod
	off uint32
}

func (c *Context) walkFrames() []frameInfo {
	var frames []frameInfo
	fp := c.regs[abi.RegFP]
	pc := c.pc
	for {
		f := frameInfo{fp: fp, pc: pc}
		if cm := c.vm.findCompiled(pc); cm != nil {
			f.cm = cm
			f.off = uint32(pc - cm.Addr)
		}
		frames = append(frames, f)
		ret := c.vm.Mem.ReadU64(fp + 8)
		if ret == 0 {
			return frames
		}
		pc = ret - 1
		fp = c.vm.Mem.ReadU64(fp)
	}
}

// regionsAt returns the protected regions whose try range covers the
// native offset, innermost first. Offsets inside a region's own handler
// or filter do not count as protected by it.
func regionsAt(cm *CompiledMethod, off uint32) []*CompiledRegion {
	var rs []*CompiledRegion
	for i := range cm.Regions {
		r := &cm.Regions[i]
		if off < r.TryStart || off >= r.TryEnd {
			continue
		}
		if off >= r.HandlerStart && off < r.HandlerEnd {
			continue
		}
		if r.Kind == bytecode.HandlerFilter && off >= r.FilterStart && off < r.HandlerStart {
			continue
		}
		rs = append(rs, r)
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Depth > rs[j].Depth })
	return rs
}

// dispatch resolves a raised condition against the protected regions of
// the walked frames: first a search pass that consults catch types and
// runs filter predicates, then an unwind pass that runs the finally
// handlers between the raise point and the accepting handler, and
// finally the resume into the handler. A condition raised by a finally
// during unwind replaces the one in flight and the search restarts from
// the faulting frame outward.
func (vm *VM) dispatch(c *Context, cp conditionPanic) error {
	obj := cp.obj
	if obj == 0 {
		obj = vm.materializeCondition(cp.kind)
	}
	frames := c.walkFrames()
	faultPC := c.pc
	dispatchLog.Debugf("condition %d raised at 0x%X, %d frames", cp.kind, faultPC, len(frames))

	startFrame := 0
	depthLimit := -1 // no limit
	for {
		hFrame, hRegion := vm.searchHandler(c, frames, startFrame, depthLimit, obj)
		if hFrame < 0 {
			dispatchLog.Debugf("condition %d unhandled", cp.kind)
			return &UnhandledCondition{
				Kind:   cp.kind,
				Type:   vm.Heap.TypeOf(obj),
				Object: obj,
				PC:     faultPC,
			}
		}

		replaced := false
		for i := startFrame; i <= hFrame && !replaced; i++ {
			f := frames[i]
			if f.cm == nil {
				continue
			}
			for _, r := range regionsAt(f.cm, f.off) {
				if i == startFrame && depthLimit >= 0 && int(r.Depth) >= depthLimit {
					continue
				}
				if i == hFrame && int(r.Depth) <= int(hRegion.Depth) {
					break
				}
				if r.Kind != bytecode.HandlerFinally {
					continue
				}
				_, fault := c.runFunclet(f.fp, f.cm, f.cm.Addr+uint64(r.HandlerStart))
				if fault != nil {
					// The finally's condition supersedes the one being
					// dispatched; resume the search above it.
					obj = fault.obj
					if obj == 0 {
						obj = vm.materializeCondition(fault.kind)
					}
					cp = *fault
					startFrame = i
					depthLimit = int(r.Depth)
					replaced = true
					break
				}
			}
		}
		if replaced {
			continue
		}

		f := frames[hFrame]
		vm.Mem.WriteU64(f.fp+uint64(int64(f.cm.ExcSlot)), obj)
		c.current = obj
		c.regs[abi.RegFP] = f.fp
		c.regs[abi.RegSP] = f.fp - uint64(f.cm.FrameSize)
		c.pc = f.cm.Addr + uint64(hRegion.HandlerStart)
		c.curBuf = nil
		return nil
	}
}

// searchHandler is the first pass: find the frame and region that will
// accept the condition. Filters run here, before any unwinding; a
// filter that itself faults rejects.
func (vm *VM) searchHandler(c *Context, frames []frameInfo, startFrame, depthLimit int, obj uint64) (int, *CompiledRegion) {
	excType := vm.Heap.TypeOf(obj)
	for i := startFrame; i < len(frames); i++ {
		f := frames[i]
		if f.cm == nil {
			continue
		}
		for _, r := range regionsAt(f.cm, f.off) {
			if i == startFrame && depthLimit >= 0 && int(r.Depth) >= depthLimit {
				continue
			}
			switch r.Kind {
			case bytecode.HandlerCatch:
				if r.Catch == nil || excType.IsAssignableTo(r.Catch) {
					return i, r
				}
			case bytecode.HandlerFilter:
				vm.Mem.WriteU64(f.fp+uint64(int64(f.cm.ExcSlot)), obj)
				verdict, fault := c.runFunclet(f.fp, f.cm, f.cm.Addr+uint64(r.FilterStart))
				if fault == nil && verdict != 0 {
					return i, r
				}
			}
		}
	}
	return -1, nil
}

// runFunclet executes a handler fragment (a filter predicate or a
// finally body) in the context of an existing frame. The funclet runs
// with the frame's FP and a fresh SP at the frame's floor, ends with
// NRet to a sentinel, and leaves its result in R0. The interrupted
// machine state is restored afterwards.
func (c *Context) runFunclet(fp uint64, cm *CompiledMethod, addr uint64) (r0 uint64, fault *conditionPanic) {
	savedRegs := c.regs
	savedFRegs := c.fregs
	savedPC := c.pc
	savedBuf := c.curBuf
	defer func() {
		r0 = c.regs[abi.RegR0]
		c.regs = savedRegs
		c.fregs = savedFRegs
		c.pc = savedPC
		c.curBuf = savedBuf
		if r := recover(); r != nil {
			if cp, ok := r.(conditionPanic); ok {
				fault = &cp
				return
			}
			panic(r)
		}
	}()

	c.regs[abi.RegFP] = fp
	sp := fp - uint64(cm.FrameSize)
	sp -= 8
	c.vm.Mem.WriteU64(sp, 0)
	c.regs[abi.RegSP] = sp
	c.pc = addr
	c.curBuf = nil
	c.loop()
	return
}

// materializeCondition allocates the built-in exception object for a
// hardware-style fault raised with no managed payload.
func (vm *VM) materializeCondition(kind ConditionKind) uint64 {
	t := vm.Types.ConditionType(kind)
	ref := vm.Heap.NewObject(t)
	if f := t.FieldByName("message"); f != nil {
		msg := vm.Heap.NewString(kind.String())
		vm.Mem.WriteU64(vm.Heap.FieldAddr(ref, f), msg)
	}
	return ref
}
