package vm

import (
	"testing"

	"github.com/nucleus-os/nucleus/metadata"
	"github.com/nucleus-os/nucleus/pkg/bytecode"
)

// declareDelegate builds a delegate TypeDef with a runtime-provided
// Invoke of the given signature and returns the Invoke token.
func declareDelegate(b *metadata.Builder, name string, sig bytecode.MethodSig) metadata.Token {
	b.BeginType("", name, metadata.TypeFlagDelegate|metadata.TypeFlagSealed, metadata.TypeOptions{})
	return b.AddMethod("Invoke",
		metadata.MethodFlagVirtual|metadata.MethodFlagNewSlot|metadata.MethodFlagRuntime, sig)
}

func TestDelegateOverStaticMethod(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		invoke := declareDelegate(b, "IntFn", instanceSig(bytecode.SigI4, bytecode.SigI4))

		b.BeginType("", "Prog", 0, metadata.TypeOptions{})
		add3 := b.AddMethod("Add3", metadata.MethodFlagStatic, staticSig(bytecode.SigI4, bytecode.SigI4))
		a := bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitI32(bytecode.OpLoadI4, 3)
		a.Emit(bytecode.OpAdd)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(add3, a.MustFinish())

		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI4, bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.Emit(bytecode.OpLoadNull)
		a.EmitU32(bytecode.OpNewDelegate, uint32(add3))
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU32(bytecode.OpCallVirt, uint32(invoke))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(run, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Prog", "Run"), 4)
	if int32(got) != 7 {
		t.Errorf("Run(4) = %d, want 7 through the static shim", int32(got))
	}
}

func TestDelegateOverInstanceMethod(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		invoke := declareDelegate(b, "IntFn", instanceSig(bytecode.SigI4, bytecode.SigI4))

		b.BeginType("", "Adder", 0, metadata.TypeOptions{})
		fn := b.AddField("n", 0, bytecode.SigI4, nil)
		ctor := b.AddMethod(".ctor", metadata.MethodFlagCtor, instanceSig(bytecode.SigVoid, bytecode.SigI4))
		a := bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU16(bytecode.OpLoadArg, 1)
		a.EmitU32(bytecode.OpStoreField, uint32(fn))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(ctor, a.MustFinish())
		plus := b.AddMethod("Plus", 0, instanceSig(bytecode.SigI4, bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU32(bytecode.OpLoadField, uint32(fn))
		a.EmitU16(bytecode.OpLoadArg, 1)
		a.Emit(bytecode.OpAdd)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(plus, a.MustFinish())

		b.BeginType("", "Prog", 0, metadata.TypeOptions{})
		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.EmitI32(bytecode.OpLoadI4, 10)
		a.EmitU32(bytecode.OpNewObject, uint32(ctor))
		a.EmitU32(bytecode.OpNewDelegate, uint32(plus))
		a.EmitI32(bytecode.OpLoadI4, 5)
		a.EmitU32(bytecode.OpCallVirt, uint32(invoke))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(run, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Prog", "Run"))
	if int32(got) != 15 {
		t.Errorf("bound instance call = %d, want 15", int32(got))
	}
}

func TestMulticastCombineAndRemove(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		invoke := declareDelegate(b, "IntFn", instanceSig(bytecode.SigI4, bytecode.SigI4))
		mdel := b.AddTypeRef("runtime", "System", "MulticastDelegate")
		combineSig := b.AddMethodSig(staticSig(bytecode.SigObject, bytecode.SigObject, bytecode.SigObject))
		combine := b.AddMemberRef(mdel, "Combine", combineSig)
		remove := b.AddMemberRef(mdel, "Remove", combineSig)

		b.BeginType("", "Prog", 0, metadata.TypeOptions{})
		unary := func(name string, k int32) metadata.Token {
			m := b.AddMethod(name, metadata.MethodFlagStatic, staticSig(bytecode.SigI4, bytecode.SigI4))
			a := bytecode.NewAssembler()
			a.EmitU16(bytecode.OpLoadArg, 0)
			a.EmitI32(bytecode.OpLoadI4, k)
			a.Emit(bytecode.OpAdd)
			a.Emit(bytecode.OpRet)
			a.SetMaxStack(2)
			b.SetBody(m, a.MustFinish())
			return m
		}
		f1 := unary("F1", 1)
		f2 := unary("F2", 7)

		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI4, bytecode.SigI4))
		a := bytecode.NewAssembler()
		d1 := a.AddLocal(bytecode.SigObject)
		d2 := a.AddLocal(bytecode.SigObject)
		d := a.AddLocal(bytecode.SigObject)
		r1 := a.AddLocal(bytecode.SigI4)
		a.Emit(bytecode.OpLoadNull)
		a.EmitU32(bytecode.OpNewDelegate, uint32(f1))
		a.EmitU16(bytecode.OpStoreLocal, d1)
		a.Emit(bytecode.OpLoadNull)
		a.EmitU32(bytecode.OpNewDelegate, uint32(f2))
		a.EmitU16(bytecode.OpStoreLocal, d2)

		a.EmitU16(bytecode.OpLoadLocal, d1)
		a.EmitU16(bytecode.OpLoadLocal, d2)
		a.EmitU32(bytecode.OpCall, uint32(combine))
		a.EmitU16(bytecode.OpStoreLocal, d)

		// Multicast invocation yields the last entry's result.
		a.EmitU16(bytecode.OpLoadLocal, d)
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU32(bytecode.OpCallVirt, uint32(invoke))
		a.EmitU16(bytecode.OpStoreLocal, r1)

		a.EmitU16(bytecode.OpLoadLocal, d)
		a.EmitU16(bytecode.OpLoadLocal, d2)
		a.EmitU32(bytecode.OpCall, uint32(remove))
		a.EmitU16(bytecode.OpStoreLocal, d)

		a.EmitU16(bytecode.OpLoadLocal, r1)
		a.EmitI32(bytecode.OpLoadI4, 100)
		a.Emit(bytecode.OpMul)
		a.EmitU16(bytecode.OpLoadLocal, d)
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU32(bytecode.OpCallVirt, uint32(invoke))
		a.Emit(bytecode.OpAdd)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(3)
		b.SetBody(run, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Prog", "Run"), 4)
	// Combined: F1 then F2, result 11; after removing F2 only F1
	// remains, result 5.
	if int32(got) != 1105 {
		t.Errorf("Run(4) = %d, want 1105", int32(got))
	}
}

func TestClosureCapturesLocal(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		invoke := declareDelegate(b, "LongFn", instanceSig(bytecode.SigI8, bytecode.SigI8))

		b.BeginType("", "Closures", 0, metadata.TypeOptions{})
		body := b.AddMethod("adder", 0, instanceSig(bytecode.SigI8, bytecode.SigI8))
		a := bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadCapture, 0)
		a.EmitU16(bytecode.OpLoadArg, 1)
		a.Emit(bytecode.OpAdd)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(body, a.MustFinish())

		mk := b.AddMethod("Make", metadata.MethodFlagStatic, staticSig(bytecode.SigI8, bytecode.SigI8))
		a = bytecode.NewAssembler()
		v := a.AddLocal(bytecode.SigI8)
		a.Capture(v)
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitI64(bytecode.OpLoadI8, 100)
		a.Emit(bytecode.OpAdd)
		a.EmitU16(bytecode.OpStoreLocal, v)
		a.EmitU32(bytecode.OpNewClosure, uint32(body))
		a.EmitI64(bytecode.OpLoadI8, 7)
		a.EmitU32(bytecode.OpCallVirt, uint32(invoke))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(mk, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Closures", "Make"), 1)
	if int64(got) != 108 {
		t.Errorf("closure result = %d, want 108", int64(got))
	}
}

func TestClosureMutationVisibleToCaller(t *testing.T) {
	// The closure writes through the shared capture frame and the
	// declaring method reads the local afterwards.
	vm := buildVM(t, func(b *metadata.Builder) {
		invoke := declareDelegate(b, "LongFn", instanceSig(bytecode.SigI8, bytecode.SigI8))

		b.BeginType("", "Counters", 0, metadata.TypeOptions{})
		body := b.AddMethod("bump", 0, instanceSig(bytecode.SigI8, bytecode.SigI8))
		a := bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadCapture, 0)
		a.EmitU16(bytecode.OpLoadArg, 1)
		a.Emit(bytecode.OpAdd)
		a.Emit(bytecode.OpDup)
		a.EmitU16(bytecode.OpStoreCapture, 0)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(body, a.MustFinish())

		mk := b.AddMethod("Count", metadata.MethodFlagStatic, staticSig(bytecode.SigI8, bytecode.SigI8))
		a = bytecode.NewAssembler()
		v := a.AddLocal(bytecode.SigI8)
		d := a.AddLocal(bytecode.ClassSig(uint32(metadata.MakeToken(metadata.TableTypeDef, 1))))
		a.Capture(v)
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU16(bytecode.OpStoreLocal, v)
		a.EmitU32(bytecode.OpNewClosure, uint32(body))
		a.EmitU16(bytecode.OpStoreLocal, d)
		a.EmitU16(bytecode.OpLoadLocal, d)
		a.EmitI64(bytecode.OpLoadI8, 5)
		a.EmitU32(bytecode.OpCallVirt, uint32(invoke))
		a.Emit(bytecode.OpPop)
		a.EmitU16(bytecode.OpLoadLocal, d)
		a.EmitI64(bytecode.OpLoadI8, 7)
		a.EmitU32(bytecode.OpCallVirt, uint32(invoke))
		a.Emit(bytecode.OpPop)
		a.EmitU16(bytecode.OpLoadLocal, v)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(mk, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Counters", "Count"), 100)
	if int64(got) != 112 {
		t.Errorf("Count(100) = %d, want 112 after two bumps", int64(got))
	}
}

func TestLoadFuncAndCallIndirect(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		callSig := b.AddMethodSig(staticSig(bytecode.SigI4, bytecode.SigI4, bytecode.SigI4))
		b.BeginType("", "Indirect", 0, metadata.TypeOptions{})
		mul := b.AddMethod("Mul", metadata.MethodFlagStatic, staticSig(bytecode.SigI4, bytecode.SigI4, bytecode.SigI4))
		a := bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU16(bytecode.OpLoadArg, 1)
		a.Emit(bytecode.OpMul)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(mul, a.MustFinish())

		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.EmitI32(bytecode.OpLoadI4, 6)
		a.EmitI32(bytecode.OpLoadI4, 7)
		a.EmitU32(bytecode.OpLoadFunc, uint32(mul))
		a.EmitU32(bytecode.OpCallIndirect, callSig)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(3)
		b.SetBody(run, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Indirect", "Run"))
	if int32(got) != 42 {
		t.Errorf("indirect call = %d, want 42", int32(got))
	}
}
