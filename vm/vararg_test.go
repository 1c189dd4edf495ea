package vm

import (
	"testing"

	"github.com/nucleus-os/nucleus/metadata"
	"github.com/nucleus-os/nucleus/pkg/bytecode"
)

// The callee walks the argument-iterator cookie with no static
// knowledge of the extras: count word first, then (type tag, value
// address) entries. The struct types below are views over that block.
func TestVarArgCallIteratesExtras(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		b.BeginType("", "VaHdr", metadata.TypeFlagValueType, metadata.TypeOptions{})
		fCount := b.AddField("count", 0, bytecode.SigI8, nil)
		b.BeginType("", "VaEntry", metadata.TypeFlagValueType, metadata.TypeOptions{})
		fTag := b.AddField("tag", 0, bytecode.SigI8, nil)
		fAddr := b.AddField("addr", 0, bytecode.SigI8, nil)
		b.BeginType("", "VaWord", metadata.TypeFlagValueType, metadata.TypeOptions{})
		fVal := b.AddField("v", 0, bytecode.SigI8, nil)

		va := b.BeginType("", "Va", 0, metadata.TypeOptions{})
		fTags := b.AddField("tags", metadata.FieldFlagStatic, bytecode.SigI8, nil)

		sum := b.AddMethod("Sum", metadata.MethodFlagStatic, bytecode.MethodSig{
			Conv:   bytecode.CallConvVarArg,
			Ret:    bytecode.SigI8,
			Params: []bytecode.TypeSig{bytecode.SigI8},
		})
		a := bytecode.NewAssembler()
		p := a.AddLocal(bytecode.SigI8)
		n := a.AddLocal(bytecode.SigI8)
		i := a.AddLocal(bytecode.SigI8)
		acc := a.AddLocal(bytecode.SigI8)
		e := a.AddLocal(bytecode.SigI8)
		a.Emit(bytecode.OpLoadArgIter)
		a.EmitU16(bytecode.OpStoreLocal, p)
		a.EmitU16(bytecode.OpLoadLocal, p)
		a.EmitU32(bytecode.OpLoadField, uint32(fCount))
		a.EmitU16(bytecode.OpStoreLocal, n)
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitU16(bytecode.OpStoreLocal, acc)
		a.EmitI64(bytecode.OpLoadI8, 0)
		a.EmitU16(bytecode.OpStoreLocal, i)
		a.EmitBranch(bytecode.OpBr, "check")
		a.Label("next")
		a.EmitU16(bytecode.OpLoadLocal, p)
		a.EmitI64(bytecode.OpLoadI8, 8)
		a.Emit(bytecode.OpAdd)
		a.EmitU16(bytecode.OpLoadLocal, i)
		a.EmitI64(bytecode.OpLoadI8, 16)
		a.Emit(bytecode.OpMul)
		a.Emit(bytecode.OpAdd)
		a.EmitU16(bytecode.OpStoreLocal, e)
		a.EmitU16(bytecode.OpLoadLocal, acc)
		a.EmitU16(bytecode.OpLoadLocal, e)
		a.EmitU32(bytecode.OpLoadField, uint32(fAddr))
		a.EmitU32(bytecode.OpLoadField, uint32(fVal))
		a.Emit(bytecode.OpAdd)
		a.EmitU16(bytecode.OpStoreLocal, acc)
		a.EmitU32(bytecode.OpLoadStatic, uint32(fTags))
		a.EmitU16(bytecode.OpLoadLocal, e)
		a.EmitU32(bytecode.OpLoadField, uint32(fTag))
		a.Emit(bytecode.OpAdd)
		a.EmitU32(bytecode.OpStoreStatic, uint32(fTags))
		a.EmitU16(bytecode.OpLoadLocal, i)
		a.EmitI64(bytecode.OpLoadI8, 1)
		a.Emit(bytecode.OpAdd)
		a.EmitU16(bytecode.OpStoreLocal, i)
		a.Label("check")
		a.EmitU16(bytecode.OpLoadLocal, i)
		a.EmitU16(bytecode.OpLoadLocal, n)
		a.EmitBranch(bytecode.OpBlt, "next")
		a.EmitU16(bytecode.OpLoadLocal, acc)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(3)
		b.SetBody(sum, a.MustFinish())

		// The call site declares its extras, i8 and i4, in a MemberRef
		// signature trailing the fixed parameter.
		site := b.AddMemberRef(va, "Sum", b.AddMethodSig(bytecode.MethodSig{
			Conv:   bytecode.CallConvVarArg,
			Ret:    bytecode.SigI8,
			Params: []bytecode.TypeSig{bytecode.SigI8, bytecode.SigI8, bytecode.SigI4},
		}))
		run := b.AddMethod("Run", metadata.MethodFlagStatic, staticSig(bytecode.SigI8))
		a = bytecode.NewAssembler()
		a.EmitI64(bytecode.OpLoadI8, 100)
		a.EmitI64(bytecode.OpLoadI8, 11)
		a.EmitI32(bytecode.OpLoadI4, 31)
		a.EmitU32(bytecode.OpCall, uint32(site))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(3)
		b.SetBody(run, a.MustFinish())

		tags := b.AddMethod("Tags", metadata.MethodFlagStatic, staticSig(bytecode.SigI8))
		a = bytecode.NewAssembler()
		a.EmitU32(bytecode.OpLoadStatic, uint32(fTags))
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(tags, a.MustFinish())
	})
	if got := call(t, vm, entry(t, vm, "Va", "Run")); int64(got) != 142 {
		t.Errorf("Run() = %d, want 100+11+31", int64(got))
	}
	want := vm.Types.Int64.Handle + vm.Types.Int32.Handle
	if got := call(t, vm, entry(t, vm, "Va", "Tags")); got != want {
		t.Errorf("tag sum = %d, want %d (i8 then i4)", got, want)
	}
}
