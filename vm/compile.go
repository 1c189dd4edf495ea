package vm

import (
	"fmt"
	"sort"

	"github.com/nucleus-os/nucleus/metadata"
	"github.com/nucleus-os/nucleus/pkg/bytecode"
	"github.com/nucleus-os/nucleus/vm/abi"
)

// Compiler scratch registers. R1-R4 carry arguments, R13/R14 are the
// frame and stack pointers, R15 belongs to the lazy-dispatch thunks.
const (
	rS0 = abi.RegR10
	rS1 = abi.RegR11
	rS2 = abi.RegR12
	fS0 = 6
	fS1 = 7
)

// valKind classifies one simulated evaluation-stack entry. Every entry
// occupies an 8-byte frame slot; struct-valued entries hold the address
// of a frame temporary with the actual bytes (kValue), floats hold
// float64 bits, and 32-bit integers are kept sign-extended.
type valKind uint8

const (
	kInt32 valKind = iota
	kInt64
	kFloat
	kRef
	kPtr
	kValue
)

type stackVal struct {
	kind valKind
	t    *TypeDescriptor // element type for kValue, static type for kRef when known
}

// compiler translates one method body to nk64 code. Values live in
// frame slots between operations; scratch registers are dead across
// every bytecode boundary, which keeps calls and runtime helpers free
// to clobber them.
type compiler struct {
	vm   *VM
	run  *compileRun
	m    *MethodDescriptor
	body *bytecode.MethodBody
	bind *genericBinding
	a    Asm

	asn      abi.Assignment
	argTypes []*TypeDescriptor // logical arguments including this

	locals   []*TypeDescriptor
	localOff []int32

	frameOff int32 // low-water cursor below FP, always negative
	maxStack int

	capSlot int32 // frame slot holding the capture frame reference

	stack  []stackVal
	labels map[uint32]int
	states map[uint32][]stackVal
	seeded map[uint32]bool
	natOff map[uint32]int
	dead   bool
}

// methodAssignment computes the logical argument list (including this)
// and the ABI assignment of a method.
func methodAssignment(m *MethodDescriptor) ([]*TypeDescriptor, abi.Assignment) {
	var args []*TypeDescriptor
	if m.Sig.HasThis() {
		args = append(args, m.Owner)
	}
	args = append(args, m.Params...)

	descs := make([]abi.ArgDesc, len(args))
	for i, t := range args {
		d := abi.ArgDesc{Size: t.ValueSize()}
		if i == 0 && m.Sig.HasThis() && t.IsValueType() {
			// this on a value type is a managed pointer.
			d = abi.ArgDesc{Size: abi.WordSize}
		} else if t.IsFloat() {
			d.IsFloat = true
		}
		descs[i] = d
	}

	retSize, retFloat := 0, false
	if m.Ret != nil {
		retSize = m.Ret.ValueSize()
		retFloat = m.Ret.IsFloat()
	}
	return args, abi.Classify(descs, retSize, retFloat, m.Sig.IsVarArg())
}

func (vm *VM) compileMethod(m *MethodDescriptor, run *compileRun) (*CompiledMethod, error) {
	if m.Module == nil {
		return nil, &ErrCompilation{Method: m.FullName(), Detail: "runtime-provided method has no body"}
	}
	row, err := m.Module.Method(m.Token)
	if err != nil {
		return nil, &ErrUnresolvedToken{Method: m.FullName(), Token: m.Token, Err: err}
	}
	body, err := m.Module.BodyOf(row)
	if err != nil {
		return nil, &ErrCompilation{Method: m.FullName(), Detail: err.Error()}
	}
	if body == nil {
		return nil, &ErrCompilation{Method: m.FullName(), Detail: "abstract method"}
	}

	args, asn := methodAssignment(m)
	c := &compiler{
		vm:       vm,
		run:      run,
		m:        m,
		body:     body,
		bind:     &genericBinding{typeArgs: m.Owner.Args, methodArgs: m.Args},
		asn:      asn,
		argTypes: args,
		maxStack: int(body.MaxStack),
		labels:   make(map[uint32]int),
		states:   make(map[uint32][]stackVal),
		seeded:   make(map[uint32]bool),
		natOff:   make(map[uint32]int),
	}
	if c.maxStack < 1 {
		c.maxStack = 1
	}

	cm, err := c.compile()
	if err != nil {
		return nil, err
	}
	return cm, nil
}

func (c *compiler) compile() (*CompiledMethod, error) {
	instrs, err := c.body.Instructions()
	if err != nil {
		return nil, &ErrCompilation{Method: c.m.FullName(), Detail: err.Error()}
	}

	// Frame slots below FP: the evaluation stack first (slot 0 doubles
	// as the exception slot), then locals, then temporaries.
	c.frameOff = -8 * int32(c.maxStack)
	if err := c.layoutLocals(); err != nil {
		return nil, err
	}

	enterPatch := c.a.Enter()
	c.spillArgs()
	if c.body.HasCaptures() {
		c.capSlot = c.allocTemp(8)
		c.a.LoadImm(abi.RegR1, uint64(8*len(c.body.Captured)))
		c.a.RtCall(HelpNewCaptureFrame)
		c.a.St(NSt8, abi.RegFP, abi.RegR0, c.capSlot)
	}
	c.zeroLocals()

	if err := c.seedHandlerStates(); err != nil {
		return nil, err
	}
	c.scanLabels(instrs)

	for _, in := range instrs {
		c.natOff[in.Offset] = c.a.Pos()
		if l, ok := c.labels[in.Offset]; ok {
			c.a.Bind(l)
		}
		if st, ok := c.states[in.Offset]; ok {
			if c.dead {
				c.stack = append(c.stack[:0], st...)
				c.dead = false
			} else if len(st) != len(c.stack) {
				return nil, c.errf(in, "stack depth mismatch at merge: %d vs %d", len(st), len(c.stack))
			}
		} else if c.dead {
			continue
		}
		if len(c.stack) > c.maxStack {
			return nil, c.errf(in, "evaluation stack exceeds declared maximum %d", c.maxStack)
		}
		if err := c.emit(in); err != nil {
			return nil, err
		}
	}
	c.natOff[uint32(len(c.body.Code))] = c.a.Pos()

	frameSize := int(-c.frameOff)
	frameSize = (frameSize + 15) &^ 15
	c.a.PatchU32(enterPatch, uint32(frameSize))

	code, err := c.a.Finish()
	if err != nil {
		return nil, &ErrCompilation{Method: c.m.FullName(), Detail: err.Error()}
	}

	regions, err := c.convertRegions()
	if err != nil {
		return nil, err
	}

	buf := c.vm.Code.Alloc(len(code))
	copy(buf.Code, code)
	buf.Publish()

	return &CompiledMethod{
		Method:    c.m,
		Addr:      buf.Addr,
		Size:      len(code),
		FrameSize: frameSize,
		Asn:       c.asn,
		Regions:   regions,
		ExcSlot:   -8,
	}, nil
}

func (c *compiler) errf(in bytecode.Instr, format string, args ...interface{}) error {
	return &ErrCompilation{
		Method: c.m.FullName(),
		Detail: fmt.Sprintf("at +0x%04X %s: %s", in.Offset, in.Op, fmt.Sprintf(format, args...)),
	}
}

func (c *compiler) unsupported(in bytecode.Instr) error {
	return &ErrUnsupportedOpcode{Method: c.m.FullName(), Offset: in.Offset, Op: byte(in.Op)}
}

// allocTemp reserves size bytes of frame storage below everything
// allocated so far and returns its FP-relative offset.
func (c *compiler) allocTemp(size int) int32 {
	size = (size + 7) &^ 7
	c.frameOff -= int32(size)
	return c.frameOff
}

func (c *compiler) layoutLocals() error {
	c.locals = make([]*TypeDescriptor, len(c.body.Locals))
	c.localOff = make([]int32, len(c.body.Locals))
	for i, sig := range c.body.Locals {
		t, err := c.vm.Types.ResolveSig(c.m.Module, sig, c.bind)
		if err != nil {
			return &ErrUnresolvedToken{Method: c.m.FullName(), Token: metadata.Token(sig.Token), Err: err}
		}
		c.locals[i] = t
		if c.body.IsCaptured(uint16(i)) {
			if t.IsValueType() && t.ValueSize() > 8 {
				return &ErrUnsupportedSignature{Method: c.m.FullName(), Detail: "captured structured local"}
			}
			continue // lives in the capture frame
		}
		c.localOff[i] = c.allocTemp(t.ValueSize())
	}
	return nil
}

// spillArgs homes every register-passed argument so that argument
// access is uniformly memory-based afterwards.
func (c *compiler) spillArgs() {
	for _, loc := range c.asn.Params {
		if !loc.InReg {
			continue
		}
		c.a.St(NSt8, abi.RegFP, loc.Reg, int32(16+8*loc.Home))
		if loc.Class == abi.ClassRegPair {
			c.a.St(NSt8, abi.RegFP, loc.Reg2, int32(16+8*(loc.Home+1)))
		}
	}
}

func (c *compiler) zeroLocals() {
	for i, t := range c.locals {
		if c.body.IsCaptured(uint16(i)) {
			continue // the capture frame is allocated zeroed
		}
		c.zeroFrame(c.localOff[i], t.ValueSize())
	}
}

// zeroFrame clears size bytes of frame storage at the given offset.
func (c *compiler) zeroFrame(off int32, size int) {
	if size > 32 {
		c.a.Lea(abi.RegR1, abi.RegFP, off)
		c.a.LoadImm(abi.RegR2, uint64(size))
		c.a.RtCall(HelpMemZero)
		return
	}
	c.a.LoadImm(rS0, 0)
	for o := int32(0); o < int32((size+7)&^7); o += 8 {
		c.a.St(NSt8, abi.RegFP, rS0, off+o)
	}
}

// seedHandlerStates registers the known evaluation-stack shape at every
// handler and filter entry: catch and filter bodies begin with the
// exception reference in slot zero, finally bodies begin empty.
func (c *compiler) seedHandlerStates() error {
	for _, r := range c.body.Regions {
		switch r.Kind {
		case bytecode.HandlerCatch:
			excT := c.vm.Types.Exception
			if r.CatchToken != 0 {
				t, err := c.vm.Types.ResolveTypeToken(c.m.Module, metadata.Token(r.CatchToken), c.bind)
				if err != nil {
					return &ErrUnresolvedToken{Method: c.m.FullName(), Token: metadata.Token(r.CatchToken), Err: err}
				}
				excT = t
			}
			c.states[r.HandlerStart] = []stackVal{{kind: kRef, t: excT}}
		case bytecode.HandlerFilter:
			c.states[r.FilterStart] = []stackVal{{kind: kRef, t: c.vm.Types.Exception}}
			c.states[r.HandlerStart] = []stackVal{{kind: kRef, t: c.vm.Types.Exception}}
		case bytecode.HandlerFinally:
			c.states[r.HandlerStart] = []stackVal{}
		}
		c.seeded[r.HandlerStart] = true
	}
	return nil
}

func (c *compiler) convertRegions() ([]CompiledRegion, error) {
	if len(c.body.Regions) == 0 {
		return nil, nil
	}
	out := make([]CompiledRegion, len(c.body.Regions))
	for i, r := range c.body.Regions {
		cr := CompiledRegion{
			TryStart:     uint32(c.natOff[r.TryStart]),
			TryEnd:       uint32(c.natOff[r.TryEnd]),
			HandlerStart: uint32(c.natOff[r.HandlerStart]),
			HandlerEnd:   uint32(c.natOff[r.HandlerEnd]),
			Kind:         r.Kind,
			Depth:        r.Depth,
		}
		if r.Kind == bytecode.HandlerFilter {
			cr.FilterStart = uint32(c.natOff[r.FilterStart])
		}
		if r.Kind == bytecode.HandlerCatch && r.CatchToken != 0 {
			t, err := c.vm.Types.ResolveTypeToken(c.m.Module, metadata.Token(r.CatchToken), c.bind)
			if err != nil {
				return nil, &ErrUnresolvedToken{Method: c.m.FullName(), Token: metadata.Token(r.CatchToken), Err: err}
			}
			cr.Catch = t
		}
		out[i] = cr
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Evaluation-stack bookkeeping
// ----------------------------------------------------------------------------

// slotOff returns the FP-relative offset of evaluation slot i.
func slotOff(i int) int32 { return -8 * int32(i+1) }

// push appends an entry and returns the frame offset of its slot; the
// caller stores the value there.
func (c *compiler) push(k valKind, t *TypeDescriptor) int32 {
	off := slotOff(len(c.stack))
	c.stack = append(c.stack, stackVal{kind: k, t: t})
	return off
}

// pop removes the top entry, returning it and its slot offset.
func (c *compiler) pop() (stackVal, int32) {
	v := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return v, slotOff(len(c.stack))
}

func (c *compiler) peek(fromTop int) (stackVal, int32) {
	i := len(c.stack) - 1 - fromTop
	return c.stack[i], slotOff(i)
}

func (c *compiler) labelAt(off uint32) int {
	if l, ok := c.labels[off]; ok {
		return l
	}
	l := c.a.NewLabel()
	c.labels[off] = l
	return l
}

// recordState notes the stack shape flowing into a branch target.
func (c *compiler) recordState(target uint32, in bytecode.Instr) error {
	if st, ok := c.states[target]; ok {
		if len(st) != len(c.stack) {
			return c.errf(in, "stack depth mismatch into +0x%04X: %d vs %d", target, len(st), len(c.stack))
		}
		return nil
	}
	c.states[target] = append([]stackVal(nil), c.stack...)
	return nil
}

// ----------------------------------------------------------------------------
// Memory access by type
// ----------------------------------------------------------------------------

// loadOpFor maps a descriptor to its scalar load opcode and stack kind.
// isStruct is true for multi-byte aggregates loaded by copy.
func loadOpFor(t *TypeDescriptor) (op NOp, k valKind, isStruct bool) {
	if t.IsFloat() {
		if t.ValueSize() == 4 {
			return NFLd4, kFloat, false
		}
		return NFLd8, kFloat, false
	}
	switch t.Kind {
	case KindPrimitive:
		switch t.Prim {
		case bytecode.ElemBool, bytecode.ElemU1:
			return NLd1U, kInt32, false
		case bytecode.ElemI1:
			return NLd1S, kInt32, false
		case bytecode.ElemChar, bytecode.ElemU2:
			return NLd2U, kInt32, false
		case bytecode.ElemI2:
			return NLd2S, kInt32, false
		case bytecode.ElemI4, bytecode.ElemU4:
			// Canonical form keeps the low 32 bits sign-extended.
			return NLd4S, kInt32, false
		case bytecode.ElemI8, bytecode.ElemU8:
			return NLd8, kInt64, false
		case bytecode.ElemPtr:
			return NLd8, kPtr, false
		default:
			return NLd8, kRef, false
		}
	case KindValueType:
		return 0, kValue, true
	case KindByRef, KindPointer, KindFnPtr:
		return NLd8, kPtr, false
	default:
		return NLd8, kRef, false
	}
}

func storeOpFor(t *TypeDescriptor) NOp {
	switch t.ValueSize() {
	case 1:
		return NSt1
	case 2:
		return NSt2
	case 4:
		return NSt4
	default:
		return NSt8
	}
}

// emitLoad pushes the value of type t found at [base+off].
func (c *compiler) emitLoad(t *TypeDescriptor, base int, off int32) {
	op, k, isStruct := loadOpFor(t)
	if isStruct {
		size := t.ValueSize()
		tmp := c.allocTemp(size)
		c.a.Lea(rS0, base, off)
		c.a.Lea(rS1, abi.RegFP, tmp)
		c.a.MemCopy(rS1, rS0, int32(size))
		dst := c.push(kValue, t)
		c.a.St(NSt8, abi.RegFP, rS1, dst)
		return
	}
	if k == kFloat {
		c.a.FLd(op, fS0, base, off)
		dst := c.push(kFloat, t)
		c.a.FSt(NFSt8, abi.RegFP, fS0, dst)
		return
	}
	c.a.Ld(op, rS0, base, off)
	dst := c.push(k, t)
	c.a.St(NSt8, abi.RegFP, rS0, dst)
}

// emitStore pops nothing; it writes the value in the given slot to
// [base+off] as type t.
func (c *compiler) emitStore(t *TypeDescriptor, base int, off int32, srcSlot int32) {
	if t.IsFloat() {
		c.a.FLd(NFLd8, fS0, abi.RegFP, srcSlot)
		if t.ValueSize() == 4 {
			c.a.FSt(NFSt4, base, fS0, off)
		} else {
			c.a.FSt(NFSt8, base, fS0, off)
		}
		return
	}
	if _, _, isStruct := loadOpFor(t); isStruct {
		size := t.ValueSize()
		c.a.Ld(NLd8, rS1, abi.RegFP, srcSlot) // address of the bytes
		c.a.Lea(rS0, base, off)
		c.a.MemCopy(rS0, rS1, int32(size))
		return
	}
	c.a.Ld(NLd8, rS1, abi.RegFP, srcSlot)
	c.a.St(storeOpFor(t), base, rS1, off)
}

// emitNullCheck traps when the reference in reg is null.
func (c *compiler) emitNullCheck(reg int) {
	ok := c.a.NewLabel()
	c.a.BrNZ(reg, ok)
	c.a.Trap(byte(CondNullReference))
	c.a.Bind(ok)
}

// homeOff returns the FP-relative offset of a parameter's home: the
// shadow slot for register arguments, the incoming stack slot
// otherwise.
func homeOff(loc abi.ParamLoc) int32 {
	if loc.InReg {
		return int32(16 + 8*loc.Home)
	}
	return int32(48 + loc.StackOff)
}

// physIndex maps a logical argument index (this included) to its
// physical parameter index.
func (c *compiler) physIndex(logical int) int {
	if c.asn.HiddenRet {
		return logical + 1
	}
	return logical
}

// needsInit reports whether touching the type must trigger static
// initialization first.
func needsInit(t *TypeDescriptor) bool {
	for x := t; x != nil; x = x.Base {
		if x.Initializer != nil {
			return true
		}
	}
	return false
}

func (c *compiler) emitEnsureInit(t *TypeDescriptor) {
	if !needsInit(t) {
		return
	}
	c.a.LoadImm(abi.RegR1, t.Handle)
	c.a.RtCall(HelpEnsureInit)
}

// ----------------------------------------------------------------------------
// Call emission
// ----------------------------------------------------------------------------

// callPlan gathers everything needed to place one call's arguments:
// the target assignment and the frame slot holding each physical
// argument's word (for pairs and by-ref aggregates the word is the
// address of the bytes).
type callPlan struct {
	asn   abi.Assignment
	slots []int32 // FP-relative slot per physical parameter
	deref []bool  // slot holds the address of the word to pass
}

// placeAndCall emits the outgoing area, argument placement, the
// transfer, and the stack restore. callee emits the actual transfer
// instruction once arguments are in place.
func (c *compiler) placeAndCall(p callPlan, transfer func()) {
	area := int32(abi.ShadowSize + p.asn.StackBytes)
	c.a.SpAdj(-area)
	for i, loc := range p.asn.Params {
		src := p.slots[i]
		switch loc.Class {
		case abi.ClassRegPair:
			c.a.Ld(NLd8, rS0, abi.RegFP, src) // address of the pair
			if loc.InReg {
				c.a.Ld(NLd8, loc.Reg, rS0, 0)
				c.a.Ld(NLd8, loc.Reg2, rS0, 8)
			} else {
				c.a.Ld(NLd8, rS1, rS0, 0)
				c.a.St(NSt8, abi.RegSP, rS1, int32(abi.ShadowSize+loc.StackOff))
				c.a.Ld(NLd8, rS1, rS0, 8)
				c.a.St(NSt8, abi.RegSP, rS1, int32(abi.ShadowSize+loc.StackOff+8))
			}
		case abi.ClassFloat:
			if loc.Size == 4 {
				// Round to float32 and pass the 4-byte pattern.
				tmp := c.allocTemp(8)
				c.a.FLd(NFLd8, fS0, abi.RegFP, src)
				c.a.FSt(NFSt4, abi.RegFP, fS0, tmp)
				if loc.InReg {
					c.a.Ld(NLd4U, loc.Reg, abi.RegFP, tmp)
				} else {
					c.a.Ld(NLd4U, rS1, abi.RegFP, tmp)
					c.a.St(NSt8, abi.RegSP, rS1, int32(abi.ShadowSize+loc.StackOff))
				}
				break
			}
			fallthrough
		default:
			if i < len(p.deref) && p.deref[i] {
				// Sub-word aggregate held by address: pass its bytes.
				c.a.Ld(NLd8, rS0, abi.RegFP, src)
				if loc.InReg {
					c.a.Ld(NLd8, loc.Reg, rS0, 0)
				} else {
					c.a.Ld(NLd8, rS1, rS0, 0)
					c.a.St(NSt8, abi.RegSP, rS1, int32(abi.ShadowSize+loc.StackOff))
				}
				break
			}
			if loc.InReg {
				c.a.Ld(NLd8, loc.Reg, abi.RegFP, src)
			} else {
				c.a.Ld(NLd8, rS1, abi.RegFP, src)
				c.a.St(NSt8, abi.RegSP, rS1, int32(abi.ShadowSize+loc.StackOff))
			}
		}
	}
	transfer()
	c.a.SpAdj(area)
}

// pushResult materializes the return value onto the evaluation stack.
func (c *compiler) pushResult(asn abi.Assignment, ret *TypeDescriptor, hiddenSlot int32) {
	switch asn.Ret.Class {
	case abi.ClassVoid:
	case abi.ClassFloat:
		dst := c.push(kFloat, ret)
		c.a.FSt(NFSt8, abi.RegFP, 0, dst)
	case abi.ClassRegPair:
		tmp := c.allocTemp(16)
		c.a.St(NSt8, abi.RegFP, abi.RegR0, tmp)
		c.a.St(NSt8, abi.RegFP, abi.RegR1, tmp+8)
		c.a.Lea(rS0, abi.RegFP, tmp)
		dst := c.push(kValue, ret)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
	case abi.ClassByRef:
		// The callee wrote through the hidden pointer; the storage is
		// our temporary, push its address.
		dst := c.push(kValue, ret)
		c.a.Ld(NLd8, rS0, abi.RegFP, hiddenSlot)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
	default:
		k := kInt64
		if ret != nil {
			var isStruct bool
			_, k, isStruct = loadOpFor(ret)
			if isStruct {
				// Sub-word aggregate returned by value: park the bytes
				// in a temporary and push its address.
				tmp := c.allocTemp(8)
				c.a.St(NSt8, abi.RegFP, abi.RegR0, tmp)
				c.a.Lea(rS0, abi.RegFP, tmp)
				dst := c.push(kValue, ret)
				c.a.St(NSt8, abi.RegFP, rS0, dst)
				return
			}
		}
		dst := c.push(k, ret)
		c.a.St(NSt8, abi.RegFP, abi.RegR0, dst)
	}
}

// buildPlan pops the logical arguments for a call off the simulated
// stack and assembles the physical slot list, allocating the hidden
// return and vararg cookie as needed. extra holds the resolved types
// of trailing vararg actuals, nil for normal call sites.
func (c *compiler) buildPlan(asn abi.Assignment, nLogical int, extra []*TypeDescriptor) (callPlan, int32) {
	nExtra := len(extra)
	total := nLogical + nExtra
	base := len(c.stack) - total

	plan := callPlan{
		asn:   asn,
		slots: make([]int32, len(asn.Params)),
		deref: make([]bool, len(asn.Params)),
	}
	phys := 0

	var hiddenSlot int32
	if asn.HiddenRet {
		tmp := c.allocTemp(asn.Ret.Size)
		holder := c.allocTemp(8)
		c.a.Lea(rS0, abi.RegFP, tmp)
		c.a.St(NSt8, abi.RegFP, rS0, holder)
		plan.slots[phys] = holder
		hiddenSlot = holder
		phys++
	}
	for i := 0; i < nLogical; i++ {
		plan.slots[phys] = slotOff(base + i)
		plan.deref[phys] = c.stack[base+i].kind == kValue && asn.Params[phys].Class == abi.ClassIntReg
		phys++
	}
	if asn.CookieIndex >= 0 {
		ck := c.allocTemp(abi.CookieSize(nExtra))
		c.a.LoadImm(rS0, uint64(nExtra))
		c.a.St(NSt8, abi.RegFP, rS0, ck+abi.CookieCountOff)
		for i := 0; i < nExtra; i++ {
			v, src := c.peek(nExtra - 1 - i)
			entry := ck + abi.CookieEntryOff + int32(i*abi.CookieEntrySize)
			c.a.LoadImm(rS0, extra[i].Handle)
			c.a.St(NSt8, abi.RegFP, rS0, entry)
			if v.kind == kValue {
				c.a.Ld(NLd8, rS0, abi.RegFP, src)
			} else {
				c.a.Lea(rS0, abi.RegFP, src)
			}
			c.a.St(NSt8, abi.RegFP, rS0, entry+8)
		}
		holder := c.allocTemp(8)
		c.a.Lea(rS0, abi.RegFP, ck)
		c.a.St(NSt8, abi.RegFP, rS0, holder)
		plan.slots[phys] = holder
	}

	c.stack = c.stack[:base]
	return plan, hiddenSlot
}

// finallysEnclosing lists the finally regions whose try range covers
// the offset, innermost first.
func (c *compiler) finallysEnclosing(off uint32) []bytecode.Region {
	var out []bytecode.Region
	for _, r := range c.body.Regions {
		if r.Kind == bytecode.HandlerFinally && r.Contains(off) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Depth > out[j].Depth })
	return out
}
