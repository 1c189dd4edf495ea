package vm

import (
	"errors"
	"testing"

	"github.com/nucleus-os/nucleus/metadata"
	"github.com/nucleus-os/nucleus/pkg/bytecode"
)

func TestRemainderByZeroIsACondition(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		binOp(b, "Ops", bytecode.OpRem, bytecode.SigI4)
	})
	_, err := vm.Invoke(entry(t, vm, "Ops", "Apply"), 1, 0)
	var uc *UnhandledCondition
	if !errors.As(err, &uc) || uc.Kind != CondDivideByZero {
		t.Fatalf("want divide-by-zero condition, got %v", err)
	}
}

func TestRemoveAllYieldsEmptyDelegate(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		declareDelegate(b, "IntFn", instanceSig(bytecode.SigI4, bytecode.SigI4))
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

		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigObject))
		a := bytecode.NewAssembler()
		d1 := a.AddLocal(bytecode.SigObject)
		d2 := a.AddLocal(bytecode.SigObject)
		d := a.AddLocal(bytecode.SigObject)
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

		// Removing both entries collapses the list to null.
		a.EmitU16(bytecode.OpLoadLocal, d)
		a.EmitU16(bytecode.OpLoadLocal, d1)
		a.EmitU32(bytecode.OpCall, uint32(remove))
		a.EmitU16(bytecode.OpLoadLocal, d2)
		a.EmitU32(bytecode.OpCall, uint32(remove))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(run, a.MustFinish())
	})
	if got := call(t, vm, entry(t, vm, "Prog", "Run")); got != 0 {
		t.Errorf("remove-all delegate = %#x, want null", got)
	}
}
