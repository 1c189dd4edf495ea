package vm

import (
	"math"

	"github.com/nucleus-os/nucleus/metadata"
	"github.com/nucleus-os/nucleus/pkg/bytecode"
	"github.com/nucleus-os/nucleus/vm/abi"
)

// scanLabels allocates a label for every branch target and handler
// entry before emission so backward branches resolve.
func (c *compiler) scanLabels(instrs []bytecode.Instr) {
	for _, in := range instrs {
		switch in.Op {
		case bytecode.OpBr, bytecode.OpBrTrue, bytecode.OpBrFalse,
			bytecode.OpBeq, bytecode.OpBneUn,
			bytecode.OpBlt, bytecode.OpBle, bytecode.OpBgt, bytecode.OpBge,
			bytecode.OpBltUn, bytecode.OpBleUn, bytecode.OpBgtUn, bytecode.OpBgeUn,
			bytecode.OpLeave:
			c.labelAt(in.BranchTarget())
		}
	}
	for _, r := range c.body.Regions {
		c.labelAt(r.HandlerStart)
		if r.Kind == bytecode.HandlerFilter {
			c.labelAt(r.FilterStart)
		}
	}
}

// emit translates one bytecode instruction.
func (c *compiler) emit(in bytecode.Instr) error {
	switch in.Op {
	case bytecode.OpNop:
		return nil

	case bytecode.OpPop:
		c.pop()
		return nil

	case bytecode.OpDup:
		v, src := c.peek(0)
		if v.kind == kValue {
			// Duplicate the bytes, not the address, so the copies stay
			// independent.
			size := v.t.ValueSize()
			tmp := c.allocTemp(size)
			c.a.Ld(NLd8, rS0, abi.RegFP, src)
			c.a.Lea(rS1, abi.RegFP, tmp)
			c.a.MemCopy(rS1, rS0, int32(size))
			dst := c.push(kValue, v.t)
			c.a.St(NSt8, abi.RegFP, rS1, dst)
			return nil
		}
		c.a.Ld(NLd8, rS0, abi.RegFP, src)
		dst := c.push(v.kind, v.t)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	// ------------------------------------------------------------------
	// Constants
	// ------------------------------------------------------------------

	case bytecode.OpLoadI4:
		c.a.LoadImm(rS0, uint64(int64(in.I32())))
		dst := c.push(kInt32, c.vm.Types.Int32)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	case bytecode.OpLoadI8:
		c.a.LoadImm(rS0, in.Arg)
		dst := c.push(kInt64, c.vm.Types.Int64)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	case bytecode.OpLoadR4:
		bits := math.Float64bits(float64(math.Float32frombits(uint32(in.Arg))))
		c.a.LoadImm(rS0, bits)
		dst := c.push(kFloat, c.vm.Types.Primitive(bytecode.ElemR4))
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	case bytecode.OpLoadR8:
		c.a.LoadImm(rS0, in.Arg)
		dst := c.push(kFloat, c.vm.Types.Float64)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	case bytecode.OpLoadStr:
		s, err := c.m.Module.String(in.Token())
		if err != nil {
			return c.errf(in, "string offset: %v", err)
		}
		// Literals are interned at compile time; the code embeds the
		// reference directly.
		ref := c.vm.Heap.NewString(s)
		c.a.LoadImm(rS0, ref)
		dst := c.push(kRef, c.vm.Types.String)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	case bytecode.OpLoadNull:
		c.a.LoadImm(rS0, 0)
		dst := c.push(kRef, c.vm.Types.Object)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	// ------------------------------------------------------------------
	// Locals, arguments, captures
	// ------------------------------------------------------------------

	case bytecode.OpLoadLocal:
		slot := in.U16()
		if int(slot) >= len(c.locals) {
			return c.errf(in, "local %d out of range", slot)
		}
		if c.body.IsCaptured(slot) {
			c.emitCaptureLoad(c.body.CaptureSlot(slot), c.locals[slot])
			return nil
		}
		c.emitLoad(c.locals[slot], abi.RegFP, c.localOff[slot])
		return nil

	case bytecode.OpStoreLocal:
		slot := in.U16()
		if int(slot) >= len(c.locals) {
			return c.errf(in, "local %d out of range", slot)
		}
		if c.body.IsCaptured(slot) {
			c.emitCaptureStore(c.body.CaptureSlot(slot))
			return nil
		}
		_, voff := c.pop()
		c.emitStore(c.locals[slot], abi.RegFP, c.localOff[slot], voff)
		return nil

	case bytecode.OpLoadLocalAddr:
		slot := in.U16()
		if int(slot) >= len(c.locals) {
			return c.errf(in, "local %d out of range", slot)
		}
		if c.body.IsCaptured(slot) {
			c.captureBase()
			c.a.Lea(rS0, rS2, captureSlotOff(c.body.CaptureSlot(slot)))
		} else {
			c.a.Lea(rS0, abi.RegFP, c.localOff[slot])
		}
		dst := c.push(kPtr, c.locals[slot])
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	case bytecode.OpLoadArg:
		idx := int(in.U16())
		if idx >= len(c.argTypes) {
			return c.errf(in, "argument %d out of range", idx)
		}
		t := c.argTypes[idx]
		loc := c.asn.Params[c.physIndex(idx)]
		if idx == 0 && c.m.Sig.HasThis() && c.m.Owner.IsValueType() {
			// this on a value type is the managed pointer itself.
			c.a.Ld(NLd8, rS0, abi.RegFP, homeOff(loc))
			dst := c.push(kPtr, t)
			c.a.St(NSt8, abi.RegFP, rS0, dst)
			return nil
		}
		if loc.Class == abi.ClassByRef {
			// Large aggregate: the home holds the pointer to its bytes.
			c.a.Ld(NLd8, rS2, abi.RegFP, homeOff(loc))
			c.emitLoad(t, rS2, 0)
			return nil
		}
		c.emitLoad(t, abi.RegFP, homeOff(loc))
		return nil

	case bytecode.OpStoreArg:
		idx := int(in.U16())
		if idx >= len(c.argTypes) {
			return c.errf(in, "argument %d out of range", idx)
		}
		t := c.argTypes[idx]
		loc := c.asn.Params[c.physIndex(idx)]
		_, voff := c.pop()
		if loc.Class == abi.ClassByRef {
			c.a.Ld(NLd8, rS2, abi.RegFP, homeOff(loc))
			c.emitStore(t, rS2, 0, voff)
			return nil
		}
		c.emitStore(t, abi.RegFP, homeOff(loc), voff)
		return nil

	case bytecode.OpLoadArgAddr:
		idx := int(in.U16())
		if idx >= len(c.argTypes) {
			return c.errf(in, "argument %d out of range", idx)
		}
		loc := c.asn.Params[c.physIndex(idx)]
		if loc.Class == abi.ClassByRef {
			c.a.Ld(NLd8, rS0, abi.RegFP, homeOff(loc))
		} else {
			c.a.Lea(rS0, abi.RegFP, homeOff(loc))
		}
		dst := c.push(kPtr, c.argTypes[idx])
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	case bytecode.OpLoadCapture:
		idx := int(in.U16())
		var t *TypeDescriptor
		if c.body.HasCaptures() && idx < len(c.body.Captured) {
			t = c.locals[c.body.Captured[idx]]
		}
		c.emitCaptureLoad(idx, t)
		return nil

	case bytecode.OpStoreCapture:
		c.emitCaptureStore(int(in.U16()))
		return nil

	case bytecode.OpLoadArgIter:
		if c.asn.CookieIndex < 0 {
			return c.errf(in, "method is not vararg")
		}
		loc := c.asn.Params[c.asn.CookieIndex]
		c.a.Ld(NLd8, rS0, abi.RegFP, homeOff(loc))
		dst := c.push(kPtr, c.vm.Types.IntPtr)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	// ------------------------------------------------------------------
	// Arithmetic
	// ------------------------------------------------------------------

	case bytecode.OpAdd:
		return c.binArith(in, NAdd4, NAdd8, NFAdd8)
	case bytecode.OpSub:
		return c.binArith(in, NSub4, NSub8, NFSub8)
	case bytecode.OpMul:
		return c.binArith(in, NMul4, NMul8, NFMul8)
	case bytecode.OpDiv:
		return c.binArith(in, NDiv4S, NDiv8S, NFDiv8)
	case bytecode.OpDivUn:
		return c.binArith(in, NDiv4U, NDiv8U, 0)
	case bytecode.OpRem:
		return c.binArith(in, NRem4S, NRem8S, NFRem8)
	case bytecode.OpRemUn:
		return c.binArith(in, NRem4U, NRem8U, 0)
	case bytecode.OpAnd:
		return c.binArith(in, NAnd8, NAnd8, 0)
	case bytecode.OpOr:
		return c.binArith(in, NOr8, NOr8, 0)
	case bytecode.OpXor:
		return c.binArith(in, NXor8, NXor8, 0)
	case bytecode.OpShl:
		return c.emitShift(NShl4, NShl8)
	case bytecode.OpShr:
		return c.emitShift(NShr4S, NShr8S)
	case bytecode.OpShrUn:
		return c.emitShift(NShr4U, NShr8U)

	case bytecode.OpAddOvf:
		return c.binArith(in, NAddOv4S, NAddOv8S, 0)
	case bytecode.OpAddOvfUn:
		return c.binArith(in, NAddOv4U, NAddOv8U, 0)
	case bytecode.OpSubOvf:
		return c.binArith(in, NSubOv4S, NSubOv8S, 0)
	case bytecode.OpSubOvfUn:
		return c.binArith(in, NSubOv4U, NSubOv8U, 0)
	case bytecode.OpMulOvf:
		return c.binArith(in, NMulOv4S, NMulOv8S, 0)
	case bytecode.OpMulOvfUn:
		return c.binArith(in, NMulOv4U, NMulOv8U, 0)

	case bytecode.OpNeg:
		v, src := c.pop()
		if v.kind == kFloat {
			c.a.FLd(NFLd8, fS0, abi.RegFP, src)
			c.a.RR(NFNeg, fS0, fS0)
			dst := c.push(kFloat, v.t)
			c.a.FSt(NFSt8, abi.RegFP, fS0, dst)
			return nil
		}
		c.a.Ld(NLd8, rS0, abi.RegFP, src)
		op := NNeg8
		if v.kind == kInt32 {
			op = NNeg4
		}
		c.a.RR(op, rS0, rS0)
		dst := c.push(v.kind, v.t)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	case bytecode.OpNot:
		v, src := c.pop()
		c.a.Ld(NLd8, rS0, abi.RegFP, src)
		c.a.RR(NNot8, rS0, rS0)
		dst := c.push(v.kind, v.t)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	// ------------------------------------------------------------------
	// Conversions
	// ------------------------------------------------------------------

	case bytecode.OpConvI1, bytecode.OpConvI2, bytecode.OpConvI4,
		bytecode.OpConvI8, bytecode.OpConvU1, bytecode.OpConvU2,
		bytecode.OpConvU4, bytecode.OpConvU8, bytecode.OpConvR4,
		bytecode.OpConvR8, bytecode.OpConvRToI,
		bytecode.OpConvOvfI4, bytecode.OpConvOvfU4,
		bytecode.OpConvOvfI8, bytecode.OpConvOvfU8:
		return c.emitConv(in)

	// ------------------------------------------------------------------
	// Comparisons and branches
	// ------------------------------------------------------------------

	case bytecode.OpCeq, bytecode.OpCgt, bytecode.OpCgtUn,
		bytecode.OpClt, bytecode.OpCltUn:
		c.emitCompareTop(cmpSpecs[in.Op])
		dst := c.push(kInt32, c.vm.Types.Int32)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	case bytecode.OpBr:
		target := in.BranchTarget()
		if err := c.recordState(target, in); err != nil {
			return err
		}
		c.a.Br(c.labelAt(target))
		c.dead = true
		return nil

	case bytecode.OpBrTrue, bytecode.OpBrFalse:
		_, src := c.pop()
		c.a.Ld(NLd8, rS0, abi.RegFP, src)
		target := in.BranchTarget()
		if err := c.recordState(target, in); err != nil {
			return err
		}
		if in.Op == bytecode.OpBrTrue {
			c.a.BrNZ(rS0, c.labelAt(target))
		} else {
			c.a.BrZ(rS0, c.labelAt(target))
		}
		return nil

	case bytecode.OpBeq, bytecode.OpBneUn, bytecode.OpBlt, bytecode.OpBle,
		bytecode.OpBgt, bytecode.OpBge, bytecode.OpBltUn, bytecode.OpBleUn,
		bytecode.OpBgtUn, bytecode.OpBgeUn:
		c.emitCompareTop(cmpSpecs[in.Op])
		target := in.BranchTarget()
		if err := c.recordState(target, in); err != nil {
			return err
		}
		c.a.BrNZ(rS0, c.labelAt(target))
		return nil

	// ------------------------------------------------------------------
	// Fields and statics
	// ------------------------------------------------------------------

	case bytecode.OpLoadField:
		f, err := c.resolveField(in)
		if err != nil {
			return err
		}
		if f.Static {
			return c.errf(in, "instance access to static field %s", f.Name)
		}
		v, off := c.pop()
		c.a.Ld(NLd8, rS2, abi.RegFP, off)
		fieldOff := int32(f.Offset)
		if v.kind == kRef {
			c.emitNullCheck(rS2)
			fieldOff += int32(ObjectHeaderSize)
		}
		c.emitLoad(f.Type, rS2, fieldOff)
		return nil

	case bytecode.OpStoreField:
		f, err := c.resolveField(in)
		if err != nil {
			return err
		}
		if f.Static {
			return c.errf(in, "instance access to static field %s", f.Name)
		}
		_, voff := c.pop()
		o, ooff := c.pop()
		c.a.Ld(NLd8, rS2, abi.RegFP, ooff)
		fieldOff := int32(f.Offset)
		if o.kind == kRef {
			c.emitNullCheck(rS2)
			fieldOff += int32(ObjectHeaderSize)
		}
		c.emitStore(f.Type, rS2, fieldOff, voff)
		return nil

	case bytecode.OpLoadFieldAddr:
		f, err := c.resolveField(in)
		if err != nil {
			return err
		}
		if f.Static {
			return c.errf(in, "instance access to static field %s", f.Name)
		}
		o, ooff := c.pop()
		c.a.Ld(NLd8, rS0, abi.RegFP, ooff)
		fieldOff := int32(f.Offset)
		if o.kind == kRef {
			c.emitNullCheck(rS0)
			fieldOff += int32(ObjectHeaderSize)
		}
		c.a.Lea(rS0, rS0, fieldOff)
		dst := c.push(kPtr, f.Type)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	case bytecode.OpLoadStatic:
		f, err := c.resolveField(in)
		if err != nil {
			return err
		}
		if !f.Static {
			return c.errf(in, "static access to instance field %s", f.Name)
		}
		c.emitEnsureInit(f.Owner)
		c.a.LoadImm(rS2, f.StaticAddr)
		c.emitLoad(f.Type, rS2, 0)
		return nil

	case bytecode.OpStoreStatic:
		f, err := c.resolveField(in)
		if err != nil {
			return err
		}
		if !f.Static {
			return c.errf(in, "static access to instance field %s", f.Name)
		}
		c.emitEnsureInit(f.Owner)
		_, voff := c.pop()
		c.a.LoadImm(rS2, f.StaticAddr)
		c.emitStore(f.Type, rS2, 0, voff)
		return nil

	case bytecode.OpLoadStaticAddr:
		f, err := c.resolveField(in)
		if err != nil {
			return err
		}
		if !f.Static {
			return c.errf(in, "static access to instance field %s", f.Name)
		}
		c.emitEnsureInit(f.Owner)
		c.a.LoadImm(rS0, f.StaticAddr)
		dst := c.push(kPtr, f.Type)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	// ------------------------------------------------------------------
	// Objects and arrays
	// ------------------------------------------------------------------

	case bytecode.OpNewObject:
		return c.emitNewObject(in)

	case bytecode.OpNewArray:
		elem, err := c.resolveType(in)
		if err != nil {
			return err
		}
		arrT := c.vm.Types.ArrayOf(elem)
		_, loff := c.pop()
		c.a.LoadImm(abi.RegR1, arrT.Handle)
		c.a.Ld(NLd8, abi.RegR2, abi.RegFP, loff)
		c.a.RtCall(HelpNewArray)
		dst := c.push(kRef, arrT)
		c.a.St(NSt8, abi.RegFP, abi.RegR0, dst)
		return nil

	case bytecode.OpLoadElem:
		elem, err := c.resolveType(in)
		if err != nil {
			return err
		}
		eb := int32(elemBase(c.vm.Types.ArrayOf(elem)))
		c.emitElemAddr(elem)
		c.emitLoad(elem, rS2, eb)
		return nil

	case bytecode.OpStoreElem:
		elem, err := c.resolveType(in)
		if err != nil {
			return err
		}
		eb := int32(elemBase(c.vm.Types.ArrayOf(elem)))
		_, voff := c.pop()
		c.emitElemAddr(elem)
		c.emitStore(elem, rS2, eb, voff)
		return nil

	case bytecode.OpLoadElemAddr:
		elem, err := c.resolveType(in)
		if err != nil {
			return err
		}
		eb := int32(elemBase(c.vm.Types.ArrayOf(elem)))
		c.emitElemAddr(elem)
		c.a.Lea(rS2, rS2, eb)
		dst := c.push(kPtr, elem)
		c.a.St(NSt8, abi.RegFP, rS2, dst)
		return nil

	case bytecode.OpLoadLength:
		_, aoff := c.pop()
		c.a.Ld(NLd8, rS0, abi.RegFP, aoff)
		c.emitNullCheck(rS0)
		c.a.Ld(NLd8, rS0, rS0, int32(arrayLenOff))
		dst := c.push(kInt64, c.vm.Types.Int64)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil

	case bytecode.OpNewMDArray:
		elem, err := c.resolveType(in)
		if err != nil {
			return err
		}
		mdT := c.vm.Types.MDArrayOf(elem, int(in.Rank))
		blk := c.emitMDIndexBlock(int(in.Rank))
		c.a.LoadImm(abi.RegR1, mdT.Handle)
		c.a.Lea(abi.RegR2, abi.RegFP, blk)
		c.a.RtCall(HelpNewMDArray)
		dst := c.push(kRef, mdT)
		c.a.St(NSt8, abi.RegFP, abi.RegR0, dst)
		return nil

	case bytecode.OpLoadElemMD:
		elem, err := c.resolveType(in)
		if err != nil {
			return err
		}
		blk := c.emitMDIndexBlock(int(in.Rank))
		_, aoff := c.pop()
		c.a.Ld(NLd8, abi.RegR1, abi.RegFP, aoff)
		c.a.Lea(abi.RegR2, abi.RegFP, blk)
		c.a.RtCall(HelpMDElemAddr)
		c.emitLoad(elem, abi.RegR0, 0)
		return nil

	case bytecode.OpStoreElemMD:
		elem, err := c.resolveType(in)
		if err != nil {
			return err
		}
		_, voff := c.pop()
		blk := c.emitMDIndexBlock(int(in.Rank))
		_, aoff := c.pop()
		c.a.Ld(NLd8, abi.RegR1, abi.RegFP, aoff)
		c.a.Lea(abi.RegR2, abi.RegFP, blk)
		c.a.RtCall(HelpMDElemAddr)
		c.emitStore(elem, abi.RegR0, 0, voff)
		return nil

	case bytecode.OpBox:
		t, err := c.resolveType(in)
		if err != nil {
			return err
		}
		if !t.IsValueType() {
			return nil // boxing a reference is the identity
		}
		v, voff := c.pop()
		c.a.LoadImm(abi.RegR1, t.Handle)
		switch {
		case v.kind == kValue:
			c.a.Ld(NLd8, abi.RegR2, abi.RegFP, voff)
		case v.kind == kFloat && t.ValueSize() == 4:
			tmp := c.allocTemp(8)
			c.a.FLd(NFLd8, fS0, abi.RegFP, voff)
			c.a.FSt(NFSt4, abi.RegFP, fS0, tmp)
			c.a.Lea(abi.RegR2, abi.RegFP, tmp)
		default:
			c.a.Lea(abi.RegR2, abi.RegFP, voff)
		}
		c.a.RtCall(HelpBox)
		dst := c.push(kRef, t)
		c.a.St(NSt8, abi.RegFP, abi.RegR0, dst)
		return nil

	case bytecode.OpUnbox:
		t, err := c.resolveType(in)
		if err != nil {
			return err
		}
		if !t.IsValueType() {
			// Unboxing to a reference type degenerates to a checked cast.
			_, off := c.pop()
			c.a.Ld(NLd8, abi.RegR1, abi.RegFP, off)
			c.a.LoadImm(abi.RegR2, t.Handle)
			c.a.RtCall(HelpCastClass)
			dst := c.push(kRef, t)
			c.a.St(NSt8, abi.RegFP, abi.RegR0, dst)
			return nil
		}
		_, off := c.pop()
		tmp := c.allocTemp(t.ValueSize())
		c.a.Ld(NLd8, abi.RegR1, abi.RegFP, off)
		c.a.LoadImm(abi.RegR2, t.Handle)
		c.a.Lea(abi.RegR3, abi.RegFP, tmp)
		c.a.RtCall(HelpUnbox)
		c.emitLoad(t, abi.RegFP, tmp)
		return nil

	case bytecode.OpCastClass, bytecode.OpIsInst:
		t, err := c.resolveType(in)
		if err != nil {
			return err
		}
		_, off := c.pop()
		c.a.Ld(NLd8, abi.RegR1, abi.RegFP, off)
		c.a.LoadImm(abi.RegR2, t.Handle)
		if in.Op == bytecode.OpCastClass {
			c.a.RtCall(HelpCastClass)
		} else {
			c.a.RtCall(HelpIsInst)
		}
		dst := c.push(kRef, t)
		c.a.St(NSt8, abi.RegFP, abi.RegR0, dst)
		return nil

	// ------------------------------------------------------------------
	// Calls
	// ------------------------------------------------------------------

	case bytecode.OpCall:
		return c.emitCall(in, false)

	case bytecode.OpCallVirt:
		return c.emitCall(in, true)

	case bytecode.OpCallIndirect:
		return c.emitCallIndirect(in)

	case bytecode.OpLoadFunc:
		m2, err := c.resolveMethod(in)
		if err != nil {
			return err
		}
		c.a.LoadImm(abi.RegR1, c.vm.methodID(m2))
		c.a.RtCall(HelpLoadFunc)
		dst := c.push(kPtr, c.vm.Types.IntPtr)
		c.a.St(NSt8, abi.RegFP, abi.RegR0, dst)
		return nil

	case bytecode.OpLoadVirtFunc:
		m2, err := c.resolveMethod(in)
		if err != nil {
			return err
		}
		_, ooff := c.pop()
		c.a.Ld(NLd8, abi.RegR1, abi.RegFP, ooff)
		c.emitNullCheck(abi.RegR1)
		switch {
		case !m2.IsVirtual():
			c.a.LoadImm(abi.RegR1, c.vm.methodID(m2))
			c.a.RtCall(HelpLoadFunc)
		case m2.Owner.Kind == KindInterface:
			c.a.LoadImm(abi.RegR2, m2.Owner.Handle)
			c.a.LoadImm(abi.RegR3, uint64(m2.Slot))
			c.a.RtCall(HelpIfaceLookup)
		default:
			c.a.LoadImm(abi.RegR2, uint64(m2.Slot))
			c.a.RtCall(HelpVTableLookup)
		}
		dst := c.push(kPtr, c.vm.Types.IntPtr)
		c.a.St(NSt8, abi.RegFP, abi.RegR0, dst)
		return nil

	case bytecode.OpNewDelegate:
		m2, err := c.resolveMethod(in)
		if err != nil {
			return err
		}
		_, toff := c.pop()
		c.a.LoadImm(abi.RegR1, c.vm.Types.Delegate.Handle)
		c.a.Ld(NLd8, abi.RegR2, abi.RegFP, toff)
		c.a.LoadImm(abi.RegR3, c.vm.methodID(m2))
		c.a.RtCall(HelpNewDelegate)
		dst := c.push(kRef, c.vm.Types.Delegate)
		c.a.St(NSt8, abi.RegFP, abi.RegR0, dst)
		return nil

	case bytecode.OpNewClosure:
		m2, err := c.resolveMethod(in)
		if err != nil {
			return err
		}
		c.captureBase()
		c.a.LoadImm(abi.RegR1, c.vm.Types.Delegate.Handle)
		c.a.Mov(abi.RegR2, rS2)
		c.a.LoadImm(abi.RegR3, c.vm.methodID(m2))
		c.a.RtCall(HelpNewDelegate)
		dst := c.push(kRef, c.vm.Types.Delegate)
		c.a.St(NSt8, abi.RegFP, abi.RegR0, dst)
		return nil

	case bytecode.OpRet:
		return c.emitRet(in)

	// ------------------------------------------------------------------
	// Exceptions
	// ------------------------------------------------------------------

	case bytecode.OpThrow:
		_, off := c.pop()
		c.a.Ld(NLd8, abi.RegR1, abi.RegFP, off)
		c.a.RtCall(HelpThrow)
		c.stack = c.stack[:0]
		c.dead = true
		return nil

	case bytecode.OpRethrow:
		c.a.RtCall(HelpRethrow)
		c.stack = c.stack[:0]
		c.dead = true
		return nil

	case bytecode.OpLeave:
		target := in.BranchTarget()
		c.stack = c.stack[:0]
		for _, r := range c.finallysEnclosing(in.Offset) {
			if !r.Contains(target) {
				c.a.CallFin(c.labelAt(r.HandlerStart))
			}
		}
		if err := c.recordState(target, in); err != nil {
			return err
		}
		c.a.Br(c.labelAt(target))
		c.dead = true
		return nil

	case bytecode.OpEndFinally:
		c.stack = c.stack[:0]
		c.a.Ret()
		c.dead = true
		return nil

	case bytecode.OpEndFilter:
		_, off := c.pop()
		c.a.Ld(NLd8, abi.RegR0, abi.RegFP, off)
		c.a.Ret()
		c.stack = c.stack[:0]
		c.dead = true
		return nil
	}

	return c.unsupported(in)
}

// ----------------------------------------------------------------------------
// Token resolution
// ----------------------------------------------------------------------------

func (c *compiler) resolveType(in bytecode.Instr) (*TypeDescriptor, error) {
	tok := metadata.Token(in.Token())
	t, err := c.vm.Types.ResolveTypeToken(c.m.Module, tok, c.bind)
	if err != nil {
		return nil, &ErrUnresolvedToken{Method: c.m.FullName(), Token: tok, Err: err}
	}
	return t, nil
}

func (c *compiler) resolveMethod(in bytecode.Instr) (*MethodDescriptor, error) {
	tok := metadata.Token(in.Token())
	m, err := c.vm.Types.ResolveMethodToken(c.m.Module, tok, c.bind)
	if err != nil {
		return nil, &ErrUnresolvedToken{Method: c.m.FullName(), Token: tok, Err: err}
	}
	return m, nil
}

func (c *compiler) resolveField(in bytecode.Instr) (*FieldDescriptor, error) {
	tok := metadata.Token(in.Token())
	f, err := c.vm.Types.ResolveFieldToken(c.m.Module, tok, c.bind)
	if err != nil {
		return nil, &ErrUnresolvedToken{Method: c.m.FullName(), Token: tok, Err: err}
	}
	return f, nil
}

// ----------------------------------------------------------------------------
// Arithmetic, comparison, conversion
// ----------------------------------------------------------------------------

func mergeKind(a, b valKind) valKind {
	if a == kInt32 && b == kInt32 {
		return kInt32
	}
	if a == kPtr || b == kPtr {
		return kPtr
	}
	return kInt64
}

func (c *compiler) binArith(in bytecode.Instr, op4, op8, fop NOp) error {
	b, boff := c.pop()
	a, aoff := c.pop()
	if a.kind == kFloat || b.kind == kFloat {
		if fop == 0 {
			return c.errf(in, "float operand")
		}
		c.a.FLd(NFLd8, fS0, abi.RegFP, aoff)
		c.a.FLd(NFLd8, fS1, abi.RegFP, boff)
		c.a.RRR(fop, fS0, fS0, fS1)
		dst := c.push(kFloat, a.t)
		c.a.FSt(NFSt8, abi.RegFP, fS0, dst)
		return nil
	}
	c.a.Ld(NLd8, rS0, abi.RegFP, aoff)
	c.a.Ld(NLd8, rS1, abi.RegFP, boff)
	k := mergeKind(a.kind, b.kind)
	op := op8
	if k == kInt32 {
		op = op4
	}
	c.a.RRR(op, rS0, rS0, rS1)
	dst := c.push(k, a.t)
	c.a.St(NSt8, abi.RegFP, rS0, dst)
	return nil
}

// emitShift picks the width from the value, not the count.
func (c *compiler) emitShift(op4, op8 NOp) error {
	_, boff := c.pop()
	a, aoff := c.pop()
	c.a.Ld(NLd8, rS0, abi.RegFP, aoff)
	c.a.Ld(NLd8, rS1, abi.RegFP, boff)
	op := op8
	if a.kind == kInt32 {
		op = op4
	}
	c.a.RRR(op, rS0, rS0, rS1)
	dst := c.push(a.kind, a.t)
	c.a.St(NSt8, abi.RegFP, rS0, dst)
	return nil
}

type cmpSpec struct {
	iop      NOp
	unsigned bool
	fop      NOp
	finv     bool // complement the float verdict (unordered-tolerant forms)
}

var cmpSpecs = map[bytecode.Opcode]cmpSpec{
	bytecode.OpCeq:   {iop: NSetEq, fop: NFSetEq},
	bytecode.OpCgt:   {iop: NSetGtS, fop: NFSetGt},
	bytecode.OpCgtUn: {iop: NSetGtU, unsigned: true, fop: NFSetGtU},
	bytecode.OpClt:   {iop: NSetLtS, fop: NFSetLt},
	bytecode.OpCltUn: {iop: NSetLtU, unsigned: true, fop: NFSetLtU},
	bytecode.OpBeq:   {iop: NSetEq, fop: NFSetEq},
	bytecode.OpBneUn: {iop: NSetNe, fop: NFSetNe},
	bytecode.OpBlt:   {iop: NSetLtS, fop: NFSetLt},
	bytecode.OpBle:   {iop: NSetLeS, fop: NFSetLe},
	bytecode.OpBgt:   {iop: NSetGtS, fop: NFSetGt},
	bytecode.OpBge:   {iop: NSetGeS, fop: NFSetGe},
	bytecode.OpBltUn: {iop: NSetLtU, unsigned: true, fop: NFSetLtU},
	bytecode.OpBleUn: {iop: NSetLeU, unsigned: true, fop: NFSetGt, finv: true},
	bytecode.OpBgtUn: {iop: NSetGtU, unsigned: true, fop: NFSetGtU},
	bytecode.OpBgeUn: {iop: NSetGeU, unsigned: true, fop: NFSetLt, finv: true},
}

// emitCompareTop pops two operands and leaves the 0/1 verdict in rS0.
// Unsigned 32-bit compares zero-extend both sides first since the slots
// keep 32-bit values sign-extended.
func (c *compiler) emitCompareTop(sp cmpSpec) {
	b, boff := c.pop()
	a, aoff := c.pop()
	if a.kind == kFloat || b.kind == kFloat {
		c.a.FLd(NFLd8, fS0, abi.RegFP, aoff)
		c.a.FLd(NFLd8, fS1, abi.RegFP, boff)
		c.a.RRR(sp.fop, rS0, fS0, fS1)
		if sp.finv {
			c.a.LoadImm(rS1, 1)
			c.a.RRR(NXor8, rS0, rS0, rS1)
		}
		return
	}
	c.a.Ld(NLd8, rS0, abi.RegFP, aoff)
	c.a.Ld(NLd8, rS1, abi.RegFP, boff)
	if sp.unsigned && a.kind == kInt32 && b.kind == kInt32 {
		c.a.RR(NZxt4, rS0, rS0)
		c.a.RR(NZxt4, rS1, rS1)
	}
	c.a.RRR(sp.iop, rS0, rS0, rS1)
}

// trapIf raises the condition when the register is nonzero.
func (c *compiler) trapIf(reg int, code byte) {
	ok := c.a.NewLabel()
	c.a.BrZ(reg, ok)
	c.a.Trap(code)
	c.a.Bind(ok)
}

func (c *compiler) emitConv(in bytecode.Instr) error {
	v, src := c.pop()

	switch in.Op {
	case bytecode.OpConvR4:
		if v.kind == kFloat {
			c.a.FLd(NFLd8, fS0, abi.RegFP, src)
			c.a.RR(NCvtF4, fS0, fS0)
		} else {
			c.a.Ld(NLd8, rS0, abi.RegFP, src)
			c.a.RR(NCvtIToF4, fS0, rS0)
		}
		dst := c.push(kFloat, c.vm.Types.Primitive(bytecode.ElemR4))
		c.a.FSt(NFSt8, abi.RegFP, fS0, dst)
		return nil
	case bytecode.OpConvR8:
		if v.kind == kFloat {
			c.a.FLd(NFLd8, fS0, abi.RegFP, src)
		} else {
			c.a.Ld(NLd8, rS0, abi.RegFP, src)
			c.a.RR(NCvtIToF8, fS0, rS0)
		}
		dst := c.push(kFloat, c.vm.Types.Float64)
		c.a.FSt(NFSt8, abi.RegFP, fS0, dst)
		return nil
	}

	// Integer destination; materialize the source as an integer word.
	if v.kind == kFloat {
		c.a.FLd(NFLd8, fS0, abi.RegFP, src)
		switch in.Op {
		case bytecode.OpConvOvfI4, bytecode.OpConvOvfI8:
			c.a.RR(NCvtFToIOvS, rS0, fS0)
		case bytecode.OpConvOvfU4, bytecode.OpConvOvfU8:
			c.a.RR(NCvtFToIOvU, rS0, fS0)
		default:
			c.a.RR(NCvtFToI, rS0, fS0)
		}
	} else {
		c.a.Ld(NLd8, rS0, abi.RegFP, src)
	}

	k := kInt32
	switch in.Op {
	case bytecode.OpConvI1:
		c.a.RR(NSxt1, rS0, rS0)
	case bytecode.OpConvI2:
		c.a.RR(NSxt2, rS0, rS0)
	case bytecode.OpConvI4, bytecode.OpConvU4:
		c.a.RR(NSxt4, rS0, rS0)
	case bytecode.OpConvU1:
		c.a.RR(NZxt1, rS0, rS0)
	case bytecode.OpConvU2:
		c.a.RR(NZxt2, rS0, rS0)
	case bytecode.OpConvI8, bytecode.OpConvRToI:
		k = kInt64
	case bytecode.OpConvU8:
		if v.kind == kInt32 {
			c.a.RR(NZxt4, rS0, rS0)
		}
		k = kInt64
	case bytecode.OpConvOvfI4:
		c.a.RR(NSxt4, rS1, rS0)
		c.a.RRR(NSetNe, rS2, rS0, rS1)
		c.trapIf(rS2, TrapOverflow)
		c.a.Mov(rS0, rS1)
	case bytecode.OpConvOvfU4:
		c.a.RR(NZxt4, rS1, rS0)
		c.a.RRR(NSetNe, rS2, rS0, rS1)
		c.trapIf(rS2, TrapOverflow)
		c.a.RR(NSxt4, rS0, rS0)
	case bytecode.OpConvOvfI8:
		// Source is treated as unsigned: 32-bit values widen cleanly,
		// 64-bit values above the signed range raise overflow.
		switch v.kind {
		case kInt32:
			c.a.RR(NZxt4, rS0, rS0)
		case kFloat: // already range-checked by the conversion
		default:
			c.a.LoadImm(rS1, 0)
			c.a.RRR(NSetLtS, rS2, rS0, rS1)
			c.trapIf(rS2, TrapOverflow)
		}
		k = kInt64
	case bytecode.OpConvOvfU8:
		if v.kind != kFloat {
			c.a.LoadImm(rS1, 0)
			c.a.RRR(NSetLtS, rS2, rS0, rS1)
			c.trapIf(rS2, TrapOverflow)
		}
		k = kInt64
	}
	t := c.vm.Types.Int32
	if k == kInt64 {
		t = c.vm.Types.Int64
	}
	dst := c.push(k, t)
	c.a.St(NSt8, abi.RegFP, rS0, dst)
	return nil
}

// ----------------------------------------------------------------------------
// Captures
// ----------------------------------------------------------------------------

func captureSlotOff(idx int) int32 {
	return int32(ObjectHeaderSize + 8*idx)
}

// captureBase loads the capture frame reference into rS2: the method's
// own frame when it declared captures, otherwise through arg0 since a
// closure body receives its frame as the bound target.
func (c *compiler) captureBase() {
	if c.body.HasCaptures() {
		c.a.Ld(NLd8, rS2, abi.RegFP, c.capSlot)
		return
	}
	c.a.Ld(NLd8, rS2, abi.RegFP, homeOff(c.asn.Params[c.physIndex(0)]))
}

// Capture slots hold raw 8-byte words in the slot's canonical stack
// form, so loads and stores move whole words.
func (c *compiler) emitCaptureLoad(idx int, t *TypeDescriptor) {
	c.captureBase()
	c.a.Ld(NLd8, rS0, rS2, captureSlotOff(idx))
	k := kInt64
	isStruct := false
	if t != nil {
		_, k, isStruct = loadOpFor(t)
	}
	if isStruct {
		tmp := c.allocTemp(8)
		c.a.St(NSt8, abi.RegFP, rS0, tmp)
		c.a.Lea(rS0, abi.RegFP, tmp)
		dst := c.push(kValue, t)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return
	}
	dst := c.push(k, t)
	c.a.St(NSt8, abi.RegFP, rS0, dst)
}

func (c *compiler) emitCaptureStore(idx int) {
	v, voff := c.pop()
	c.captureBase()
	c.a.Ld(NLd8, rS1, abi.RegFP, voff)
	if v.kind == kValue {
		c.a.Ld(NLd8, rS1, rS1, 0)
	}
	c.a.St(NSt8, rS2, rS1, captureSlotOff(idx))
}

// ----------------------------------------------------------------------------
// Arrays
// ----------------------------------------------------------------------------

// emitElemAddr pops index and array, bounds-checks, and leaves the
// array base plus element displacement in rS2; the caller adds the
// element storage base as a static offset.
func (c *compiler) emitElemAddr(elem *TypeDescriptor) {
	_, ioff := c.pop()
	_, aoff := c.pop()
	c.a.Ld(NLd8, rS2, abi.RegFP, aoff)
	c.emitNullCheck(rS2)
	c.a.Ld(NLd8, rS0, abi.RegFP, ioff)
	c.a.Ld(NLd8, rS1, rS2, int32(arrayLenOff))
	// Unsigned compare catches negative indices too.
	c.a.RRR(NSetGeU, rS1, rS0, rS1)
	c.trapIf(rS1, TrapBounds)
	c.a.LoadImm(rS1, uint64(elem.ValueSize()))
	c.a.RRR(NMul8, rS0, rS0, rS1)
	c.a.RRR(NAdd8, rS2, rS2, rS0)
}

// emitMDIndexBlock pops rank values into a contiguous i64 block for the
// multi-dimensional helpers and returns the block's frame offset.
func (c *compiler) emitMDIndexBlock(rank int) int32 {
	blk := c.allocTemp(8 * rank)
	for i := 0; i < rank; i++ {
		_, src := c.peek(rank - 1 - i)
		c.a.Ld(NLd8, rS0, abi.RegFP, src)
		c.a.St(NSt8, abi.RegFP, rS0, blk+int32(8*i))
	}
	c.stack = c.stack[:len(c.stack)-rank]
	return blk
}

// ----------------------------------------------------------------------------
// Calls
// ----------------------------------------------------------------------------

func (c *compiler) emitCall(in bytecode.Instr, virt bool) error {
	tok := metadata.Token(in.Token())
	if !virt {
		if done, err := c.delegateStaticIntrinsic(in); done || err != nil {
			return err
		}
	}
	m2, err := c.resolveMethod(in)
	if err != nil {
		return err
	}
	if m2.Owner.IsDelegate() && m2.Name == "Invoke" {
		return c.emitDelegateInvoke(in, m2)
	}
	extra, err := c.varargExtras(in, tok, m2)
	if err != nil {
		return err
	}
	if virt && m2.IsVirtual() && !m2.Owner.IsValueType() {
		return c.emitVirtCall(m2, extra)
	}
	return c.emitDirectCall(m2, extra)
}

// delegateStaticIntrinsic recognizes the Combine and Remove members of
// the delegate root, which have no managed bodies.
func (c *compiler) delegateStaticIntrinsic(in bytecode.Instr) (bool, error) {
	tok := metadata.Token(in.Token())
	if tok.Table() != metadata.TableMemberRef {
		return false, nil
	}
	row, err := c.m.Module.MemberRef(tok)
	if err != nil {
		return false, nil
	}
	name := c.m.Module.StringAt(row.Name)
	if name != "Combine" && name != "Remove" {
		return false, nil
	}
	parent, err := c.vm.Types.ResolveTypeToken(c.m.Module, row.Parent, c.bind)
	if err != nil || !parent.IsDelegate() {
		return false, nil
	}
	help := HelpDelegateCombine
	if name == "Remove" {
		help = HelpDelegateRemove
	}
	_, boff := c.pop()
	_, aoff := c.pop()
	c.a.Ld(NLd8, abi.RegR1, abi.RegFP, aoff)
	c.a.Ld(NLd8, abi.RegR2, abi.RegFP, boff)
	c.a.RtCall(help)
	dst := c.push(kRef, parent)
	c.a.St(NSt8, abi.RegFP, abi.RegR0, dst)
	return true, nil
}

// varargExtras resolves the trailing actual types declared by a vararg
// call site. The extras live only in the call-site signature, so a
// definition-site token contributes none.
func (c *compiler) varargExtras(in bytecode.Instr, tok metadata.Token, m2 *MethodDescriptor) ([]*TypeDescriptor, error) {
	if !m2.Sig.IsVarArg() || tok.Table() != metadata.TableMemberRef {
		return nil, nil
	}
	row, err := c.m.Module.MemberRef(tok)
	if err != nil {
		return nil, c.errf(in, "vararg call site: %v", err)
	}
	sig, err := c.m.Module.MethodSigAt(row.Sig)
	if err != nil {
		return nil, c.errf(in, "vararg call site signature: %v", err)
	}
	if len(sig.Params) <= len(m2.Sig.Params) {
		return nil, nil
	}
	var extra []*TypeDescriptor
	for i, s := range sig.Params[len(m2.Sig.Params):] {
		t, err := c.vm.Types.ResolveSig(c.m.Module, s, c.bind)
		if err != nil {
			return nil, c.errf(in, "vararg actual %d: %v", i, err)
		}
		extra = append(extra, t)
	}
	return extra, nil
}

func (c *compiler) emitDirectCall(m2 *MethodDescriptor, extra []*TypeDescriptor) error {
	args2, asn2 := methodAssignment(m2)
	if m2.Sig.HasThis() && !m2.Owner.IsValueType() {
		_, off := c.peek(len(args2) + len(extra) - 1)
		c.a.Ld(NLd8, rS0, abi.RegFP, off)
		c.emitNullCheck(rS0)
	}
	if m2.IsStatic() {
		c.emitEnsureInit(m2.Owner)
	}
	plan, hidden := c.buildPlan(asn2, len(args2), extra)
	addr, err := c.vm.entryAddr(m2, c.run)
	if err != nil {
		return err
	}
	c.placeAndCall(plan, func() { c.a.Call(addr) })
	c.pushResult(asn2, m2.Ret, hidden)
	return nil
}

func (c *compiler) emitVirtCall(m2 *MethodDescriptor, extra []*TypeDescriptor) error {
	args2, asn2 := methodAssignment(m2)
	_, roff := c.peek(len(args2) + len(extra) - 1)
	entryTmp := c.allocTemp(8)
	c.a.Ld(NLd8, abi.RegR1, abi.RegFP, roff)
	c.emitNullCheck(abi.RegR1)
	if m2.Owner.Kind == KindInterface {
		c.a.LoadImm(abi.RegR2, m2.Owner.Handle)
		c.a.LoadImm(abi.RegR3, uint64(m2.Slot))
		c.a.RtCall(HelpIfaceLookup)
	} else {
		c.a.LoadImm(abi.RegR2, uint64(m2.Slot))
		c.a.RtCall(HelpVTableLookup)
	}
	c.a.St(NSt8, abi.RegFP, abi.RegR0, entryTmp)

	plan, hidden := c.buildPlan(asn2, len(args2), extra)
	c.placeAndCall(plan, func() {
		c.a.Ld(NLd8, abi.RegR15, abi.RegFP, entryTmp)
		c.a.CallReg(abi.RegR15)
	})
	c.pushResult(asn2, m2.Ret, hidden)
	return nil
}

// emitDelegateInvoke expands Invoke inline: a unicast delegate calls
// its bound entry, a multicast delegate walks its invocation list in
// order with the last result winning. Every entry is invoked uniformly
// with the bound target in the first argument position.
func (c *compiler) emitDelegateInvoke(in bytecode.Instr, m2 *MethodDescriptor) error {
	if m2.Sig.IsVarArg() {
		return c.errf(in, "vararg delegate invocation")
	}
	args2, asn2 := methodAssignment(m2)
	n := len(args2)
	recvOff := slotOff(len(c.stack) - n)

	targTmp := c.allocTemp(8)
	entryTmp := c.allocTemp(8)
	listTmp := c.allocTemp(8)
	idxTmp := c.allocTemp(8)
	cntTmp := c.allocTemp(8)

	c.a.Ld(NLd8, rS2, abi.RegFP, recvOff)
	c.emitNullCheck(rS2)

	plan, hidden := c.buildPlan(asn2, n, nil)
	thisPhys := 0
	if asn2.HiddenRet {
		thisPhys = 1
	}
	plan.slots[thisPhys] = targTmp
	plan.deref[thisPhys] = false

	transfer := func() {
		c.a.Ld(NLd8, abi.RegR15, abi.RegFP, entryTmp)
		c.a.CallReg(abi.RegR15)
	}

	payload := int32(ObjectHeaderSize)
	c.a.Ld(NLd8, rS0, rS2, payload+delListOff)
	c.a.St(NSt8, abi.RegFP, rS0, listTmp)

	multi := c.a.NewLabel()
	done := c.a.NewLabel()
	c.a.BrNZ(rS0, multi)

	// Unicast: target and entry come straight from the payload.
	c.a.Ld(NLd8, rS0, rS2, payload+delTargetOff)
	c.a.St(NSt8, abi.RegFP, rS0, targTmp)
	c.a.Ld(NLd8, rS0, rS2, payload+delCodeOff)
	c.a.St(NSt8, abi.RegFP, rS0, entryTmp)
	c.placeAndCall(plan, transfer)
	c.a.Br(done)

	c.a.Bind(multi)
	c.a.Ld(NLd8, rS0, abi.RegFP, listTmp)
	c.a.Ld(NLd8, rS1, rS0, int32(arrayLenOff))
	c.a.St(NSt8, abi.RegFP, rS1, cntTmp)
	c.a.LoadImm(rS0, 0)
	c.a.St(NSt8, abi.RegFP, rS0, idxTmp)

	entriesBase := int32(elemBase(c.vm.Types.ArrayOf(c.vm.Types.Object)))
	loop := c.a.NewLabel()
	c.a.Bind(loop)
	c.a.Ld(NLd8, rS0, abi.RegFP, listTmp)
	c.a.Ld(NLd8, rS1, abi.RegFP, idxTmp)
	c.a.LoadImm(rS2, 8)
	c.a.RRR(NMul8, rS1, rS1, rS2)
	c.a.RRR(NAdd8, rS0, rS0, rS1)
	c.a.Ld(NLd8, rS0, rS0, entriesBase) // entry delegate reference
	c.a.Ld(NLd8, rS1, rS0, payload+delTargetOff)
	c.a.St(NSt8, abi.RegFP, rS1, targTmp)
	c.a.Ld(NLd8, rS1, rS0, payload+delCodeOff)
	c.a.St(NSt8, abi.RegFP, rS1, entryTmp)
	c.placeAndCall(plan, transfer)
	c.a.Ld(NLd8, rS0, abi.RegFP, idxTmp)
	c.a.LoadImm(rS1, 1)
	c.a.RRR(NAdd8, rS0, rS0, rS1)
	c.a.St(NSt8, abi.RegFP, rS0, idxTmp)
	c.a.Ld(NLd8, rS1, abi.RegFP, cntTmp)
	c.a.RRR(NSetLtS, rS2, rS0, rS1)
	c.a.BrNZ(rS2, loop)

	c.a.Bind(done)
	c.pushResult(asn2, m2.Ret, hidden)
	return nil
}

func (c *compiler) emitCallIndirect(in bytecode.Instr) error {
	sig, err := c.m.Module.MethodSigAt(in.Token())
	if err != nil {
		return c.errf(in, "call-site signature: %v", err)
	}
	if sig.IsVarArg() {
		return c.errf(in, "vararg indirect call")
	}
	var args []*TypeDescriptor
	if sig.HasThis() {
		args = append(args, c.vm.Types.Object)
	}
	for i := range sig.Params {
		t, err := c.vm.Types.ResolveSig(c.m.Module, sig.Params[i], c.bind)
		if err != nil {
			return c.errf(in, "parameter %d: %v", i, err)
		}
		args = append(args, t)
	}
	ret, err := c.vm.Types.ResolveSig(c.m.Module, sig.Ret, c.bind)
	if err != nil {
		return c.errf(in, "return type: %v", err)
	}
	descs := make([]abi.ArgDesc, len(args))
	for i, t := range args {
		d := abi.ArgDesc{Size: t.ValueSize()}
		if t.IsFloat() {
			d.IsFloat = true
		}
		descs[i] = d
	}
	asn := abi.Classify(descs, ret.ValueSize(), ret.IsFloat(), false)

	entryTmp := c.allocTemp(8)
	_, toff := c.pop() // target code address rides on top of the arguments
	c.a.Ld(NLd8, rS0, abi.RegFP, toff)
	c.a.St(NSt8, abi.RegFP, rS0, entryTmp)

	plan, hidden := c.buildPlan(asn, len(args), nil)
	c.placeAndCall(plan, func() {
		c.a.Ld(NLd8, abi.RegR15, abi.RegFP, entryTmp)
		c.a.CallReg(abi.RegR15)
	})
	c.pushResult(asn, ret, hidden)
	return nil
}

// ----------------------------------------------------------------------------
// Object construction
// ----------------------------------------------------------------------------

// buildPlanThis assembles a call plan whose first logical argument
// comes from a dedicated frame slot instead of the evaluation stack;
// constructors bind the fresh instance this way.
func (c *compiler) buildPlanThis(asn abi.Assignment, thisSlot int32, nParams int) callPlan {
	base := len(c.stack) - nParams
	plan := callPlan{
		asn:   asn,
		slots: make([]int32, len(asn.Params)),
		deref: make([]bool, len(asn.Params)),
	}
	phys := 0
	if asn.HiddenRet {
		tmp := c.allocTemp(asn.Ret.Size)
		holder := c.allocTemp(8)
		c.a.Lea(rS0, abi.RegFP, tmp)
		c.a.St(NSt8, abi.RegFP, rS0, holder)
		plan.slots[phys] = holder
		phys++
	}
	plan.slots[phys] = thisSlot
	phys++
	for i := 0; i < nParams; i++ {
		plan.slots[phys] = slotOff(base + i)
		plan.deref[phys] = c.stack[base+i].kind == kValue && asn.Params[phys].Class == abi.ClassIntReg
		phys++
	}
	c.stack = c.stack[:base]
	return plan
}

func (c *compiler) emitNewObject(in bytecode.Instr) error {
	ctor, err := c.resolveMethod(in)
	if err != nil {
		return err
	}
	owner := ctor.Owner

	if owner.IsDelegate() {
		// Delegate construction: the frontend pushed the bound target
		// and a function pointer from ldfn/ldvirtfn.
		_, foff := c.pop()
		_, toff := c.pop()
		c.a.LoadImm(abi.RegR1, owner.Handle)
		c.a.Ld(NLd8, abi.RegR2, abi.RegFP, toff)
		c.a.Ld(NLd8, abi.RegR3, abi.RegFP, foff)
		c.a.RtCall(HelpNewDelegate)
		dst := c.push(kRef, owner)
		c.a.St(NSt8, abi.RegFP, abi.RegR0, dst)
		return nil
	}
	if ctor.Sig.IsVarArg() {
		return c.errf(in, "vararg constructor")
	}

	_, asn2 := methodAssignment(ctor)
	c.emitEnsureInit(owner)
	addr, err := c.vm.entryAddr(ctor, c.run)
	if err != nil {
		return err
	}

	if owner.IsValueType() {
		size := owner.ValueSize()
		tmp := c.allocTemp(size)
		c.zeroFrame(tmp, size)
		holder := c.allocTemp(8)
		c.a.Lea(rS0, abi.RegFP, tmp)
		c.a.St(NSt8, abi.RegFP, rS0, holder)
		plan := c.buildPlanThis(asn2, holder, len(ctor.Params))
		c.placeAndCall(plan, func() { c.a.Call(addr) })
		c.a.Lea(rS0, abi.RegFP, tmp)
		dst := c.push(kValue, owner)
		c.a.St(NSt8, abi.RegFP, rS0, dst)
		return nil
	}

	refTmp := c.allocTemp(8)
	c.a.LoadImm(abi.RegR1, owner.Handle)
	c.a.RtCall(HelpNewObject)
	c.a.St(NSt8, abi.RegFP, abi.RegR0, refTmp)
	plan := c.buildPlanThis(asn2, refTmp, len(ctor.Params))
	c.placeAndCall(plan, func() { c.a.Call(addr) })
	c.a.Ld(NLd8, rS0, abi.RegFP, refTmp)
	dst := c.push(kRef, owner)
	c.a.St(NSt8, abi.RegFP, rS0, dst)
	return nil
}

// ----------------------------------------------------------------------------
// Return
// ----------------------------------------------------------------------------

func (c *compiler) emitRet(in bytecode.Instr) error {
	fins := c.finallysEnclosing(in.Offset)

	var rv stackVal
	var retSlot int32
	hasVal := c.asn.Ret.Class != abi.ClassVoid
	if hasVal {
		rv, retSlot = c.pop()
		if len(fins) > 0 {
			// Finally funclets share the frame and may reuse the
			// evaluation slots; park the value in its own temporary.
			tmp := c.allocTemp(8)
			c.a.Ld(NLd8, rS0, abi.RegFP, retSlot)
			c.a.St(NSt8, abi.RegFP, rS0, tmp)
			retSlot = tmp
		}
	}
	for _, r := range fins {
		c.a.CallFin(c.labelAt(r.HandlerStart))
	}

	switch c.asn.Ret.Class {
	case abi.ClassVoid:
	case abi.ClassFloat:
		c.a.FLd(NFLd8, 0, abi.RegFP, retSlot)
	case abi.ClassRegPair:
		c.a.Ld(NLd8, rS0, abi.RegFP, retSlot)
		c.a.Ld(NLd8, abi.RegR0, rS0, 0)
		c.a.Ld(NLd8, abi.RegR1, rS0, 8)
	case abi.ClassByRef:
		// Copy through the hidden pointer and return it in R0.
		c.a.Ld(NLd8, rS0, abi.RegFP, homeOff(c.asn.Params[0]))
		c.a.Ld(NLd8, rS1, abi.RegFP, retSlot)
		c.a.MemCopy(rS0, rS1, int32(c.asn.Ret.Size))
		c.a.Mov(abi.RegR0, rS0)
	default:
		if rv.kind == kValue {
			c.a.Ld(NLd8, rS0, abi.RegFP, retSlot)
			c.a.Ld(NLd8, abi.RegR0, rS0, 0)
		} else {
			c.a.Ld(NLd8, abi.RegR0, abi.RegFP, retSlot)
		}
	}
	c.a.Epilog()
	c.a.Ret()
	c.dead = true
	return nil
}
