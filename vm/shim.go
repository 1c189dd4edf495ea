package vm

import (
	"github.com/nucleus-os/nucleus/vm/abi"
)

// compileStaticShim builds the argument-shift stub for a delegate over
// a static method. Delegate entries are invoked uniformly with the
// bound target in the first argument position; a static target has no
// receiver, so the shim reclassifies the incoming arguments without
// that slot and tail-calls the real code. A hidden return pointer, when
// present, stays in front on both sides.
func (vm *VM) compileStaticShim(m *MethodDescriptor) (*CompiledMethod, error) {
	if m.Sig.IsVarArg() {
		return nil, &ErrUnsupportedSignature{Method: m.FullName(), Detail: "vararg static delegate target"}
	}
	target, err := vm.ensureCompiled(m)
	if err != nil {
		return nil, err
	}

	outArgs, out := methodAssignment(m)

	// The incoming shape is the method's signature with the ignored
	// target reference prepended.
	descs := make([]abi.ArgDesc, 0, len(outArgs)+1)
	descs = append(descs, abi.ArgDesc{Size: 8})
	for _, t := range outArgs {
		d := abi.ArgDesc{Size: t.ValueSize()}
		if t.IsFloat() {
			d.IsFloat = true
		}
		descs = append(descs, d)
	}
	retFloat := m.Ret != nil && m.Ret.IsFloat()
	retSize := 0
	if m.Ret != nil {
		retSize = m.Ret.ValueSize()
	}
	in := abi.Classify(descs, retSize, retFloat, false)

	var a Asm
	a.Enter() // no locals; the frame is just saved FP and homes

	// Spill incoming register arguments to their caller-provided homes
	// so everything can be re-read uniformly.
	for _, loc := range in.Params {
		if !loc.InReg {
			continue
		}
		a.St(NSt8, abi.RegFP, loc.Reg, 16+8*int32(loc.Home))
		if loc.Class == abi.ClassRegPair {
			a.St(NSt8, abi.RegFP, loc.Reg2, 16+8*int32(loc.Home+1))
		}
	}

	srcOff := func(loc abi.ParamLoc, word int) int32 {
		if loc.Home >= 0 {
			return 16 + 8*int32(loc.Home+word)
		}
		return 48 + int32(loc.StackOff) + 8*int32(word)
	}

	a.SpAdj(-int32(abi.ShadowSize + out.StackBytes))
	for k, dst := range out.Params {
		srcIdx := k + 1
		if out.HiddenRet && k == 0 {
			srcIdx = 0 // hidden pointer passes straight through
		}
		src := in.Params[srcIdx]
		for w := 0; w < dst.SlotCount(); w++ {
			if dst.InReg {
				reg := dst.Reg
				if w == 1 {
					reg = dst.Reg2
				}
				a.Ld(NLd8, reg, abi.RegFP, srcOff(src, w))
				continue
			}
			a.Ld(NLd8, rS0, abi.RegFP, srcOff(src, w))
			a.St(NSt8, abi.RegSP, rS0, int32(abi.ShadowSize+dst.StackOff)+8*int32(w))
		}
	}
	a.Call(target.Addr)
	a.SpAdj(int32(abi.ShadowSize + out.StackBytes))
	a.Epilog()
	a.Ret()

	code, err := a.Finish()
	if err != nil {
		return nil, &ErrCompilation{Method: m.FullName(), Detail: err.Error()}
	}
	buf := vm.Code.Alloc(len(code))
	copy(buf.Code, code)
	buf.Publish()

	return &CompiledMethod{
		Method:  m,
		Addr:    buf.Addr,
		Size:    len(code),
		Asn:     in,
		ExcSlot: -8,
	}, nil
}
