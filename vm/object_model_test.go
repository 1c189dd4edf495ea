package vm

import (
	"errors"
	"testing"

	"github.com/nucleus-os/nucleus/metadata"
	"github.com/nucleus-os/nucleus/pkg/bytecode"
)

func TestInstanceFieldsAndConstructor(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		tt := b.BeginType("", "Counter", 0, metadata.TypeOptions{})
		fN := b.AddField("n", 0, bytecode.SigI4, nil)
		ctor := b.AddMethod(".ctor", metadata.MethodFlagCtor, instanceSig(bytecode.SigVoid, bytecode.SigI4))
		a := bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU16(bytecode.OpLoadArg, 1)
		a.EmitU32(bytecode.OpStoreField, uint32(fN))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(ctor, a.MustFinish())

		get := b.AddMethod("Get", 0, instanceSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU32(bytecode.OpLoadField, uint32(fN))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(get, a.MustFinish())

		mk := b.AddMethod("Make", metadata.MethodFlagStatic, staticSig(bytecode.SigI4, bytecode.SigI4))
		a = bytecode.NewAssembler()
		c := a.AddLocal(bytecode.ClassSig(uint32(tt)))
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU32(bytecode.OpNewObject, uint32(ctor))
		a.EmitU16(bytecode.OpStoreLocal, c)
		a.EmitU16(bytecode.OpLoadLocal, c)
		a.EmitU16(bytecode.OpLoadLocal, c)
		a.EmitU32(bytecode.OpLoadField, uint32(fN))
		a.EmitI32(bytecode.OpLoadI4, 5)
		a.Emit(bytecode.OpAdd)
		a.EmitU32(bytecode.OpStoreField, uint32(fN))
		a.EmitU16(bytecode.OpLoadLocal, c)
		a.EmitU32(bytecode.OpCall, uint32(get))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(3)
		b.SetBody(mk, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Counter", "Make"), 10)
	if int32(got) != 15 {
		t.Errorf("Make(10) = %d, want 15", int32(got))
	}
}

func TestVirtualDispatch(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		base := b.BeginType("", "Shape", 0, metadata.TypeOptions{})
		baseCtor := b.AddMethod(".ctor", metadata.MethodFlagCtor, instanceSig(bytecode.SigVoid))
		a := bytecode.NewAssembler()
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(baseCtor, a.MustFinish())
		sides := b.AddMethod("Sides", metadata.MethodFlagVirtual|metadata.MethodFlagNewSlot, instanceSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.EmitI32(bytecode.OpLoadI4, 0)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(sides, a.MustFinish())

		b.BeginType("", "Square", 0, metadata.TypeOptions{Extends: base})
		sqCtor := b.AddMethod(".ctor", metadata.MethodFlagCtor, instanceSig(bytecode.SigVoid))
		a = bytecode.NewAssembler()
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(sqCtor, a.MustFinish())
		sq := b.AddMethod("Sides", metadata.MethodFlagVirtual, instanceSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.EmitI32(bytecode.OpLoadI4, 4)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(sq, a.MustFinish())

		b.BeginType("", "Prog", 0, metadata.TypeOptions{})
		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.EmitU32(bytecode.OpNewObject, uint32(sqCtor))
		a.EmitU32(bytecode.OpCallVirt, uint32(sides)) // through the base slot
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(run, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Prog", "Run"))
	if int32(got) != 4 {
		t.Errorf("virtual call through base slot = %d, want 4", int32(got))
	}
}

func TestInterfaceDispatch(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		iface := b.BeginType("", "INamed", metadata.TypeFlagInterface|metadata.TypeFlagAbstract, metadata.TypeOptions{})
		id := b.AddMethod("Id", metadata.MethodFlagVirtual|metadata.MethodFlagAbstract|metadata.MethodFlagNewSlot,
			instanceSig(bytecode.SigI4))

		impl := b.BeginType("", "Named", 0, metadata.TypeOptions{})
		b.AddInterfaceImpl(impl, iface)
		ctor := b.AddMethod(".ctor", metadata.MethodFlagCtor, instanceSig(bytecode.SigVoid))
		a := bytecode.NewAssembler()
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(ctor, a.MustFinish())
		implID := b.AddMethod("Id", metadata.MethodFlagVirtual|metadata.MethodFlagNewSlot, instanceSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.EmitI32(bytecode.OpLoadI4, 31)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(implID, a.MustFinish())

		b.BeginType("", "Prog", 0, metadata.TypeOptions{})
		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.EmitU32(bytecode.OpNewObject, uint32(ctor))
		a.EmitU32(bytecode.OpCallVirt, uint32(id))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(run, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Prog", "Run"))
	if int32(got) != 31 {
		t.Errorf("interface call = %d, want 31", int32(got))
	}
}

func TestDefaultInterfaceMethod(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		iface := b.BeginType("", "IGreet", metadata.TypeFlagInterface|metadata.TypeFlagAbstract, metadata.TypeOptions{})
		greet := b.AddMethod("Greeting", metadata.MethodFlagVirtual|metadata.MethodFlagNewSlot,
			instanceSig(bytecode.SigI4))
		a := bytecode.NewAssembler()
		a.EmitI32(bytecode.OpLoadI4, 7)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(greet, a.MustFinish())

		plain := b.BeginType("", "Plain", 0, metadata.TypeOptions{})
		b.AddInterfaceImpl(plain, iface)
		plainCtor := b.AddMethod(".ctor", metadata.MethodFlagCtor, instanceSig(bytecode.SigVoid))
		a = bytecode.NewAssembler()
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(plainCtor, a.MustFinish())

		custom := b.BeginType("", "Custom", 0, metadata.TypeOptions{})
		b.AddInterfaceImpl(custom, iface)
		customCtor := b.AddMethod(".ctor", metadata.MethodFlagCtor, instanceSig(bytecode.SigVoid))
		a = bytecode.NewAssembler()
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(customCtor, a.MustFinish())
		override := b.AddMethod("Greeting", metadata.MethodFlagVirtual|metadata.MethodFlagNewSlot,
			instanceSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.EmitI32(bytecode.OpLoadI4, 42)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(override, a.MustFinish())

		b.BeginType("", "Prog", 0, metadata.TypeOptions{})
		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.EmitU32(bytecode.OpNewObject, uint32(plainCtor))
		a.EmitU32(bytecode.OpCallVirt, uint32(greet))
		a.EmitI32(bytecode.OpLoadI4, 100)
		a.Emit(bytecode.OpMul)
		a.EmitU32(bytecode.OpNewObject, uint32(customCtor))
		a.EmitU32(bytecode.OpCallVirt, uint32(greet))
		a.Emit(bytecode.OpAdd)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(run, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Prog", "Run"))
	// Plain uses the interface body, Custom supplies its own.
	if int32(got) != 742 {
		t.Errorf("got %d, want 742", int32(got))
	}
}

func TestArrays(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		espec := b.AddTypeSpec(bytecode.SigI8)
		b.BeginType("", "Arrays", 0, metadata.TypeOptions{})
		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI8, bytecode.SigI4))
		a := bytecode.NewAssembler()
		arr := a.AddLocal(bytecode.ArraySig(bytecode.SigI8))
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU32(bytecode.OpNewArray, uint32(espec))
		a.EmitU16(bytecode.OpStoreLocal, arr)
		a.EmitU16(bytecode.OpLoadLocal, arr)
		a.EmitI32(bytecode.OpLoadI4, 2)
		a.EmitI64(bytecode.OpLoadI8, 77)
		a.EmitU32(bytecode.OpStoreElem, uint32(espec))
		a.EmitU16(bytecode.OpLoadLocal, arr)
		a.EmitI32(bytecode.OpLoadI4, 2)
		a.EmitU32(bytecode.OpLoadElem, uint32(espec))
		a.EmitU16(bytecode.OpLoadLocal, arr)
		a.Emit(bytecode.OpLoadLength)
		a.Emit(bytecode.OpAdd)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(3)
		b.SetBody(run, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Arrays", "Run"), 5)
	if int64(got) != 82 {
		t.Errorf("got %d, want 82", int64(got))
	}
}

func TestArrayBoundsCheck(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		espec := b.AddTypeSpec(bytecode.SigI4)
		b.BeginType("", "Arrays", 0, metadata.TypeOptions{})
		at := b.AddMethod("At", metadata.MethodFlagStatic, staticSig(bytecode.SigI4, bytecode.SigI4))
		a := bytecode.NewAssembler()
		a.EmitI32(bytecode.OpLoadI4, 3)
		a.EmitU32(bytecode.OpNewArray, uint32(espec))
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU32(bytecode.OpLoadElem, uint32(espec))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(at, a.MustFinish())
	})
	at := entry(t, vm, "Arrays", "At")
	if got := call(t, vm, at, 2); int32(got) != 0 {
		t.Fatalf("fresh element = %d, want 0", int32(got))
	}
	for _, idx := range []int64{3, -1} {
		_, err := vm.Invoke(at, uint64(idx))
		var uc *UnhandledCondition
		if !errors.As(err, &uc) || uc.Kind != CondBounds {
			t.Errorf("index %d: want bounds condition, got %v", idx, err)
		}
	}
}

func TestMDArray(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		espec := b.AddTypeSpec(bytecode.SigI4)
		b.BeginType("", "Grids", 0, metadata.TypeOptions{})
		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI4))
		a := bytecode.NewAssembler()
		g := a.AddLocal(bytecode.MDArraySig(bytecode.SigI4, 2))
		a.EmitI32(bytecode.OpLoadI4, 3)
		a.EmitI32(bytecode.OpLoadI4, 4)
		a.EmitMD(bytecode.OpNewMDArray, uint32(espec), 2)
		a.EmitU16(bytecode.OpStoreLocal, g)
		a.EmitU16(bytecode.OpLoadLocal, g)
		a.EmitI32(bytecode.OpLoadI4, 2)
		a.EmitI32(bytecode.OpLoadI4, 3)
		a.EmitI32(bytecode.OpLoadI4, 55)
		a.EmitMD(bytecode.OpStoreElemMD, uint32(espec), 2)
		a.EmitU16(bytecode.OpLoadLocal, g)
		a.EmitI32(bytecode.OpLoadI4, 2)
		a.EmitI32(bytecode.OpLoadI4, 3)
		a.EmitMD(bytecode.OpLoadElemMD, uint32(espec), 2)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(4)
		b.SetBody(run, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Grids", "Run"))
	if int32(got) != 55 {
		t.Errorf("g[2,3] = %d, want 55", int32(got))
	}
}

func pairType(b *metadata.Builder) (metadata.Token, metadata.Token, metadata.Token) {
	tt := b.BeginType("", "Pair", metadata.TypeFlagValueType, metadata.TypeOptions{})
	fa := b.AddField("a", 0, bytecode.SigI4, nil)
	fb := b.AddField("b", 0, bytecode.SigI4, nil)
	return tt, fa, fb
}

func TestStructCopyIndependence(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		pt, fa, _ := pairType(b)
		b.BeginType("", "Prog", 0, metadata.TypeOptions{})
		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI4))
		a := bytecode.NewAssembler()
		s := a.AddLocal(bytecode.ValueTypeSig(uint32(pt)))
		u := a.AddLocal(bytecode.ValueTypeSig(uint32(pt)))
		a.EmitU16(bytecode.OpLoadLocalAddr, s)
		a.EmitI32(bytecode.OpLoadI4, 1)
		a.EmitU32(bytecode.OpStoreField, uint32(fa))
		a.EmitU16(bytecode.OpLoadLocal, s) // copy
		a.EmitU16(bytecode.OpStoreLocal, u)
		a.EmitU16(bytecode.OpLoadLocalAddr, u)
		a.EmitI32(bytecode.OpLoadI4, 2)
		a.EmitU32(bytecode.OpStoreField, uint32(fa))
		a.EmitU16(bytecode.OpLoadLocalAddr, s)
		a.EmitU32(bytecode.OpLoadField, uint32(fa))
		a.EmitI32(bytecode.OpLoadI4, 10)
		a.Emit(bytecode.OpMul)
		a.EmitU16(bytecode.OpLoadLocalAddr, u)
		a.EmitU32(bytecode.OpLoadField, uint32(fa))
		a.Emit(bytecode.OpAdd)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(run, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Prog", "Run"))
	if int32(got) != 12 {
		t.Errorf("got %d, want 12 (copy must not alias)", int32(got))
	}
}

func TestStructArgumentPassedByValue(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		pt, fa, _ := pairType(b)
		b.BeginType("", "Prog", 0, metadata.TypeOptions{})

		bump := b.AddMethod("Bump", metadata.MethodFlagStatic,
			staticSig(bytecode.SigI4, bytecode.ValueTypeSig(uint32(pt))))
		a := bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadArgAddr, 0)
		a.EmitU16(bytecode.OpLoadArgAddr, 0)
		a.EmitU32(bytecode.OpLoadField, uint32(fa))
		a.EmitI32(bytecode.OpLoadI4, 1)
		a.Emit(bytecode.OpAdd)
		a.EmitU32(bytecode.OpStoreField, uint32(fa))
		a.EmitU16(bytecode.OpLoadArgAddr, 0)
		a.EmitU32(bytecode.OpLoadField, uint32(fa))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(3)
		b.SetBody(bump, a.MustFinish())

		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		s := a.AddLocal(bytecode.ValueTypeSig(uint32(pt)))
		a.EmitU16(bytecode.OpLoadLocalAddr, s)
		a.EmitI32(bytecode.OpLoadI4, 5)
		a.EmitU32(bytecode.OpStoreField, uint32(fa))
		a.EmitU16(bytecode.OpLoadLocal, s)
		a.EmitU32(bytecode.OpCall, uint32(bump))
		a.EmitI32(bytecode.OpLoadI4, 10)
		a.Emit(bytecode.OpMul)
		a.EmitU16(bytecode.OpLoadLocalAddr, s)
		a.EmitU32(bytecode.OpLoadField, uint32(fa))
		a.Emit(bytecode.OpAdd)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(run, a.MustFinish())
	})
	// Bump sees its own copy: returns 6; the caller's s.a stays 5.
	got := call(t, vm, entry(t, vm, "Prog", "Run"))
	if int32(got) != 65 {
		t.Errorf("got %d, want 65", int32(got))
	}
}

func TestRegPairStructReturn(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		wt := b.BeginType("", "Wide", metadata.TypeFlagValueType, metadata.TypeOptions{})
		fx := b.AddField("x", 0, bytecode.SigI8, nil)
		fy := b.AddField("y", 0, bytecode.SigI4, nil)

		b.BeginType("", "Prog", 0, metadata.TypeOptions{})
		mk := b.AddMethod("Make", metadata.MethodFlagStatic, staticSig(bytecode.ValueTypeSig(uint32(wt))))
		a := bytecode.NewAssembler()
		w := a.AddLocal(bytecode.ValueTypeSig(uint32(wt)))
		a.EmitU16(bytecode.OpLoadLocalAddr, w)
		a.EmitI64(bytecode.OpLoadI8, 7)
		a.EmitU32(bytecode.OpStoreField, uint32(fx))
		a.EmitU16(bytecode.OpLoadLocalAddr, w)
		a.EmitI32(bytecode.OpLoadI4, 9)
		a.EmitU32(bytecode.OpStoreField, uint32(fy))
		a.EmitU16(bytecode.OpLoadLocal, w)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(mk, a.MustFinish())

		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI8))
		a = bytecode.NewAssembler()
		w = a.AddLocal(bytecode.ValueTypeSig(uint32(wt)))
		a.EmitU32(bytecode.OpCall, uint32(mk))
		a.EmitU16(bytecode.OpStoreLocal, w)
		a.EmitU16(bytecode.OpLoadLocalAddr, w)
		a.EmitU32(bytecode.OpLoadField, uint32(fx))
		a.EmitU16(bytecode.OpLoadLocalAddr, w)
		a.EmitU32(bytecode.OpLoadField, uint32(fy))
		a.Emit(bytecode.OpConvI8)
		a.Emit(bytecode.OpAdd)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(run, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Prog", "Run"))
	if int64(got) != 16 {
		t.Errorf("got %d, want 16", int64(got))
	}
}

func TestLargeStructHiddenReturn(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		bt := b.BeginType("", "Big", metadata.TypeFlagValueType, metadata.TypeOptions{})
		fa := b.AddField("a", 0, bytecode.SigI8, nil)
		b.AddField("b", 0, bytecode.SigI8, nil)
		fc := b.AddField("c", 0, bytecode.SigI8, nil)

		b.BeginType("", "Prog", 0, metadata.TypeOptions{})
		mk := b.AddMethod("Make", metadata.MethodFlagStatic, staticSig(bytecode.ValueTypeSig(uint32(bt))))
		a := bytecode.NewAssembler()
		v := a.AddLocal(bytecode.ValueTypeSig(uint32(bt)))
		a.EmitU16(bytecode.OpLoadLocalAddr, v)
		a.EmitI64(bytecode.OpLoadI8, 1)
		a.EmitU32(bytecode.OpStoreField, uint32(fa))
		a.EmitU16(bytecode.OpLoadLocalAddr, v)
		a.EmitI64(bytecode.OpLoadI8, 42)
		a.EmitU32(bytecode.OpStoreField, uint32(fc))
		a.EmitU16(bytecode.OpLoadLocal, v)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(mk, a.MustFinish())

		sum := b.AddMethod("Sum", metadata.MethodFlagStatic,
			staticSig(bytecode.SigI8, bytecode.ValueTypeSig(uint32(bt))))
		a = bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadArgAddr, 0)
		a.EmitU32(bytecode.OpLoadField, uint32(fa))
		a.EmitU16(bytecode.OpLoadArgAddr, 0)
		a.EmitU32(bytecode.OpLoadField, uint32(fc))
		a.Emit(bytecode.OpAdd)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(sum, a.MustFinish())

		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI8))
		a = bytecode.NewAssembler()
		v = a.AddLocal(bytecode.ValueTypeSig(uint32(bt)))
		a.EmitU32(bytecode.OpCall, uint32(mk))
		a.EmitU16(bytecode.OpStoreLocal, v)
		a.EmitU16(bytecode.OpLoadLocal, v)
		a.EmitU32(bytecode.OpCall, uint32(sum))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(run, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Prog", "Run"))
	if int64(got) != 43 {
		t.Errorf("got %d, want 43", int64(got))
	}
}

func TestHiddenReturnChainThroughHeapObject(t *testing.T) {
	// Three hidden-pointer returns in a row, each copied into a heap
	// object's struct field with an unrelated field write in between,
	// then a word-sized sub-field extracted and read back.
	vm := buildVM(t, func(b *metadata.Builder) {
		bt := b.BeginType("", "Big", metadata.TypeFlagValueType, metadata.TypeOptions{})
		fa := b.AddField("a", 0, bytecode.SigI8, nil)
		b.AddField("b", 0, bytecode.SigI8, nil)
		fc := b.AddField("c", 0, bytecode.SigI8, nil)

		ht := b.BeginType("", "Holder", 0, metadata.TypeOptions{})
		fslot := b.AddField("slot", 0, bytecode.ValueTypeSig(uint32(bt)), nil)
		ftag := b.AddField("tag", 0, bytecode.SigI8, nil)
		fout := b.AddField("out", 0, bytecode.SigI8, nil)
		ctor := b.AddMethod(".ctor", metadata.MethodFlagCtor, instanceSig(bytecode.SigVoid))
		a := bytecode.NewAssembler()
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(ctor, a.MustFinish())

		b.BeginType("", "Prog", 0, metadata.TypeOptions{})
		mk := b.AddMethod("Make", metadata.MethodFlagStatic,
			staticSig(bytecode.ValueTypeSig(uint32(bt)), bytecode.SigI8))
		a = bytecode.NewAssembler()
		v := a.AddLocal(bytecode.ValueTypeSig(uint32(bt)))
		a.EmitU16(bytecode.OpLoadLocalAddr, v)
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU32(bytecode.OpStoreField, uint32(fa))
		a.EmitU16(bytecode.OpLoadLocalAddr, v)
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitI64(bytecode.OpLoadI8, 1000)
		a.Emit(bytecode.OpAdd)
		a.EmitU32(bytecode.OpStoreField, uint32(fc))
		a.EmitU16(bytecode.OpLoadLocal, v)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(3)
		b.SetBody(mk, a.MustFinish())

		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI8))
		a = bytecode.NewAssembler()
		sum := a.AddLocal(bytecode.SigI8)
		h := a.AddLocal(bytecode.ClassSig(uint32(ht)))
		a.EmitI64(bytecode.OpLoadI8, 0)
		a.EmitU16(bytecode.OpStoreLocal, sum)
		a.EmitU32(bytecode.OpNewObject, uint32(ctor))
		a.EmitU16(bytecode.OpStoreLocal, h)
		for i := int64(1); i <= 3; i++ {
			a.EmitU16(bytecode.OpLoadLocal, h)
			a.EmitI64(bytecode.OpLoadI8, i)
			a.EmitU32(bytecode.OpCall, uint32(mk))
			a.EmitU32(bytecode.OpStoreField, uint32(fslot))
			a.EmitU16(bytecode.OpLoadLocal, h)
			a.EmitI64(bytecode.OpLoadI8, i)
			a.EmitU32(bytecode.OpStoreField, uint32(ftag))
			a.EmitU16(bytecode.OpLoadLocal, h)
			a.EmitU16(bytecode.OpLoadLocal, h)
			a.EmitU32(bytecode.OpLoadFieldAddr, uint32(fslot))
			a.EmitU32(bytecode.OpLoadField, uint32(fc))
			a.EmitU32(bytecode.OpStoreField, uint32(fout))
			a.EmitU16(bytecode.OpLoadLocal, sum)
			a.EmitU16(bytecode.OpLoadLocal, h)
			a.EmitU32(bytecode.OpLoadField, uint32(fout))
			a.Emit(bytecode.OpAdd)
			a.EmitU16(bytecode.OpStoreLocal, sum)
		}
		a.EmitU16(bytecode.OpLoadLocal, sum)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(3)
		b.SetBody(run, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Prog", "Run"))
	if int64(got) != 3006 {
		t.Errorf("chain sum = %d, want 3006", int64(got))
	}
}

func TestStaticInitRunsOnce(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		b.BeginType("", "Config", 0, metadata.TypeOptions{})
		fv := b.AddField("v", metadata.FieldFlagStatic, bytecode.SigI4, nil)
		init := b.AddMethod("cctor", metadata.MethodFlagStatic|metadata.MethodFlagTypeInit, staticSig(bytecode.SigVoid))
		a := bytecode.NewAssembler()
		a.EmitU32(bytecode.OpLoadStatic, uint32(fv))
		a.EmitI32(bytecode.OpLoadI4, 7)
		a.Emit(bytecode.OpAdd)
		a.EmitU32(bytecode.OpStoreStatic, uint32(fv))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(init, a.MustFinish())

		read := b.AddMethod("Read", metadata.MethodFlagStatic, staticSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.EmitU32(bytecode.OpLoadStatic, uint32(fv))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(read, a.MustFinish())
	})
	read := entry(t, vm, "Config", "Read")
	if got := call(t, vm, read); int32(got) != 7 {
		t.Fatalf("first read = %d, want 7", int32(got))
	}
	// A second access must not re-run the initializer.
	if got := call(t, vm, read); int32(got) != 7 {
		t.Errorf("second read = %d, want 7", int32(got))
	}
}

func TestCircularStaticInit(t *testing.T) {
	// A's initializer reads B, whose initializer reads back into the
	// partially initialized A. The re-entrant reference observes the
	// partial value instead of deadlocking.
	vm := buildVM(t, func(b *metadata.Builder) {
		b.BeginType("", "A", 0, metadata.TypeOptions{})
		fa := b.AddField("f", metadata.FieldFlagStatic, bytecode.SigI4, nil)
		// Forward token: B's field row is added after A's rows.
		fg := metadata.MakeToken(metadata.TableField, 2)
		initA := b.AddMethod("cctor", metadata.MethodFlagStatic|metadata.MethodFlagTypeInit, staticSig(bytecode.SigVoid))
		a := bytecode.NewAssembler()
		a.EmitI32(bytecode.OpLoadI4, 1)
		a.EmitU32(bytecode.OpStoreStatic, uint32(fa))
		a.EmitU32(bytecode.OpLoadStatic, uint32(fa))
		a.EmitU32(bytecode.OpLoadStatic, uint32(fg))
		a.Emit(bytecode.OpAdd)
		a.EmitU32(bytecode.OpStoreStatic, uint32(fa))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(initA, a.MustFinish())
		getA := b.AddMethod("Get", metadata.MethodFlagStatic, staticSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.EmitU32(bytecode.OpLoadStatic, uint32(fa))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(getA, a.MustFinish())

		b.BeginType("", "B", 0, metadata.TypeOptions{})
		fg2 := b.AddField("g", metadata.FieldFlagStatic, bytecode.SigI4, nil)
		if fg2 != fg {
			panic("field token layout changed")
		}
		initB := b.AddMethod("cctor", metadata.MethodFlagStatic|metadata.MethodFlagTypeInit, staticSig(bytecode.SigVoid))
		a = bytecode.NewAssembler()
		a.EmitU32(bytecode.OpLoadStatic, uint32(fa))
		a.EmitI32(bytecode.OpLoadI4, 1)
		a.Emit(bytecode.OpAdd)
		a.EmitU32(bytecode.OpStoreStatic, uint32(fg))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(initB, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "A", "Get"))
	if int32(got) != 3 {
		t.Errorf("A.f = %d, want 3 (A=1, B=A+1=2, A=A+B=3)", int32(got))
	}
}

func TestBoxUnbox(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		i4spec := b.AddTypeSpec(bytecode.SigI4)
		b.BeginType("", "Boxes", 0, metadata.TypeOptions{})
		rt := b.AddMethod("RoundTrip", metadata.MethodFlagStatic, staticSig(bytecode.SigI4, bytecode.SigI4))
		a := bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU32(bytecode.OpBox, uint32(i4spec))
		a.EmitU32(bytecode.OpUnbox, uint32(i4spec))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(rt, a.MustFinish())
	})
	negTwelve := int64(-12)
	got := call(t, vm, entry(t, vm, "Boxes", "RoundTrip"), uint64(negTwelve))
	if int32(got) != -12 {
		t.Errorf("got %d, want -12", int32(got))
	}
}

func TestNullableBoxUnbox(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		nt := b.BeginType("", "Nullable", metadata.TypeFlagValueType|metadata.TypeFlagNullable,
			metadata.TypeOptions{GenericParams: 1})
		b.AddField("hasValue", 0, bytecode.SigBool, nil)
		b.AddField("value", 0, bytecode.VarSig(0), nil)

		n4 := b.AddTypeSpec(bytecode.GenericSig(uint32(nt), bytecode.SigI4))
		i4 := b.AddTypeSpec(bytecode.SigI4)
		fHas := b.AddMemberRef(n4, "hasValue", 0)
		fVal := b.AddMemberRef(n4, "value", 0)

		b.BeginType("", "Prog", 0, metadata.TypeOptions{})

		// A present nullable boxes as its inner value.
		present := b.AddMethod("Present", metadata.MethodFlagStatic, staticSig(bytecode.SigI4, bytecode.SigI4))
		a := bytecode.NewAssembler()
		s := a.AddLocal(bytecode.GenericSig(uint32(nt), bytecode.SigI4))
		a.EmitU16(bytecode.OpLoadLocalAddr, s)
		a.EmitI32(bytecode.OpLoadI4, 1)
		a.EmitU32(bytecode.OpStoreField, uint32(fHas))
		a.EmitU16(bytecode.OpLoadLocalAddr, s)
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU32(bytecode.OpStoreField, uint32(fVal))
		a.EmitU16(bytecode.OpLoadLocal, s)
		a.EmitU32(bytecode.OpBox, uint32(n4))
		a.EmitU32(bytecode.OpUnbox, uint32(i4))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(present, a.MustFinish())

		// An absent nullable boxes as null.
		absent := b.AddMethod("Absent", metadata.MethodFlagStatic, staticSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		s = a.AddLocal(bytecode.GenericSig(uint32(nt), bytecode.SigI4))
		a.EmitU16(bytecode.OpLoadLocalAddr, s)
		a.EmitI32(bytecode.OpLoadI4, 0)
		a.EmitU32(bytecode.OpStoreField, uint32(fHas))
		a.EmitU16(bytecode.OpLoadLocal, s)
		a.EmitU32(bytecode.OpBox, uint32(n4))
		a.Emit(bytecode.OpLoadNull)
		a.Emit(bytecode.OpCeq)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(absent, a.MustFinish())

		// Unboxing null into a nullable target yields the empty nullable.
		fromNull := b.AddMethod("FromNull", metadata.MethodFlagStatic, staticSig(bytecode.SigI4))
		a = bytecode.NewAssembler()
		a.Emit(bytecode.OpLoadNull)
		a.EmitU32(bytecode.OpUnbox, uint32(n4))
		a.EmitU32(bytecode.OpLoadField, uint32(fHas))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(fromNull, a.MustFinish())
	})
	negSeven := int64(-7)
	if got := call(t, vm, entry(t, vm, "Prog", "Present"), uint64(negSeven)); int32(got) != -7 {
		t.Errorf("Present(-7) = %d, want -7", int32(got))
	}
	if got := call(t, vm, entry(t, vm, "Prog", "Absent")); got != 1 {
		t.Errorf("boxing an absent nullable yielded a non-null reference")
	}
	if got := call(t, vm, entry(t, vm, "Prog", "FromNull")); got != 0 {
		t.Errorf("unboxing null gave hasValue = %d, want 0", got)
	}
}

func TestIsInstAndCastClass(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		i4spec := b.AddTypeSpec(bytecode.SigI4)
		i8spec := b.AddTypeSpec(bytecode.SigI8)
		b.BeginType("", "Casts", 0, metadata.TypeOptions{})

		mismatch := b.AddMethod("Mismatch", metadata.MethodFlagStatic, staticSig(bytecode.SigI4))
		a := bytecode.NewAssembler()
		a.EmitI32(bytecode.OpLoadI4, 5)
		a.EmitU32(bytecode.OpBox, uint32(i4spec))
		a.EmitU32(bytecode.OpIsInst, uint32(i8spec)) // wrong type: null
		a.EmitBranch(bytecode.OpBrTrue, "bad")
		a.EmitI32(bytecode.OpLoadI4, 1)
		a.Emit(bytecode.OpRet)
		a.Label("bad")
		a.EmitI32(bytecode.OpLoadI4, 0)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(mismatch, a.MustFinish())

		bad := b.AddMethod("BadCast", metadata.MethodFlagStatic, staticSig(bytecode.SigVoid))
		a = bytecode.NewAssembler()
		a.EmitI32(bytecode.OpLoadI4, 5)
		a.EmitU32(bytecode.OpBox, uint32(i4spec))
		a.EmitU32(bytecode.OpCastClass, uint32(i8spec))
		a.Emit(bytecode.OpPop)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(bad, a.MustFinish())
	})
	if got := call(t, vm, entry(t, vm, "Casts", "Mismatch")); int32(got) != 1 {
		t.Errorf("isinst of the wrong type should be null, got %d", int32(got))
	}
	_, err := vm.Invoke(entry(t, vm, "Casts", "BadCast"))
	var uc *UnhandledCondition
	if !errors.As(err, &uc) || uc.Kind != CondInvalidCast {
		t.Errorf("want invalid-cast condition, got %v", err)
	}
}

func TestNullReceiverTraps(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		b.BeginType("", "Nulls", 0, metadata.TypeOptions{})
		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI8))
		a := bytecode.NewAssembler()
		a.Emit(bytecode.OpLoadNull)
		a.Emit(bytecode.OpLoadLength)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(run, a.MustFinish())
	})
	_, err := vm.Invoke(entry(t, vm, "Nulls", "Run"))
	var uc *UnhandledCondition
	if !errors.As(err, &uc) || uc.Kind != CondNullReference {
		t.Fatalf("want null-reference condition, got %v", err)
	}
}
