package vm

import (
	"errors"
	"math"
	"testing"

	"github.com/nucleus-os/nucleus/metadata"
	"github.com/nucleus-os/nucleus/pkg/bytecode"
)

// binOp builds a two-argument static method applying one instruction.
func binOp(b *metadata.Builder, typeName string, op bytecode.Opcode, sig bytecode.TypeSig) {
	b.BeginType("", typeName, 0, metadata.TypeOptions{})
	tok := b.AddMethod("Apply", metadata.MethodFlagStatic, staticSig(sig, sig, sig))
	a := bytecode.NewAssembler()
	a.EmitU16(bytecode.OpLoadArg, 0)
	a.EmitU16(bytecode.OpLoadArg, 1)
	a.Emit(op)
	a.Emit(bytecode.OpRet)
	a.SetMaxStack(2)
	b.SetBody(tok, a.MustFinish())
}

func TestInt32Arithmetic(t *testing.T) {
	cases := []struct {
		name string
		op   bytecode.Opcode
		a, b int32
		want int32
	}{
		{"Add", bytecode.OpAdd, 3, 4, 7},
		{"Sub", bytecode.OpSub, 3, 4, -1},
		{"Mul", bytecode.OpMul, -6, 7, -42},
		{"Div", bytecode.OpDiv, -7, 2, -3},
		{"Rem", bytecode.OpRem, -7, 2, -1},
		{"And", bytecode.OpAnd, 0xF0F0, 0xFF00, 0xF000},
		{"Or", bytecode.OpOr, 0xF0F0, 0x0F0F, 0xFFFF},
		{"Xor", bytecode.OpXor, 0xFF, 0x0F, 0xF0},
		{"Shl", bytecode.OpShl, 1, 10, 1024},
		{"Shr", bytecode.OpShr, -64, 3, -8},
		{"ShrUn", bytecode.OpShrUn, -1, 28, 15},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vm := buildVM(t, func(b *metadata.Builder) {
				binOp(b, "Ops", tc.op, bytecode.SigI4)
			})
			got := call(t, vm, entry(t, vm, "Ops", "Apply"),
				uint64(int64(tc.a)), uint64(int64(tc.b)))
			if int32(got) != tc.want {
				t.Errorf("%d %s %d = %d, want %d", tc.a, tc.name, tc.b, int32(got), tc.want)
			}
		})
	}
}

func TestInt32ResultIsSignExtended(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		binOp(b, "Ops", bytecode.OpSub, bytecode.SigI4)
	})
	got := call(t, vm, entry(t, vm, "Ops", "Apply"), 0, 1)
	if int64(got) != -1 {
		t.Errorf("0 - 1 = %#x, want sign-extended -1", got)
	}
}

func TestInt64Arithmetic(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		binOp(b, "Ops", bytecode.OpMul, bytecode.SigI8)
	})
	negThree := int64(-3)
	got := call(t, vm, entry(t, vm, "Ops", "Apply"),
		uint64(int64(1<<40)), uint64(negThree))
	if int64(got) != -3<<40 {
		t.Errorf("got %d, want %d", int64(got), int64(-3<<40))
	}
}

func TestUnsignedDivision(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		binOp(b, "Ops", bytecode.OpDivUn, bytecode.SigU4)
	})
	// 0xFFFFFFFF / 2 as unsigned, not -1 / 2.
	negOne := int64(-1)
	got := call(t, vm, entry(t, vm, "Ops", "Apply"), uint64(negOne), 2)
	if uint32(got) != 0x7FFFFFFF {
		t.Errorf("got %#x, want 0x7FFFFFFF", uint32(got))
	}
}

func TestFloatArithmetic(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		binOp(b, "Ops", bytecode.OpDiv, bytecode.SigR8)
	})
	got := call(t, vm, entry(t, vm, "Ops", "Apply"),
		math.Float64bits(1.0), math.Float64bits(8.0))
	if f := math.Float64frombits(got); f != 0.125 {
		t.Errorf("1/8 = %v", f)
	}
}

func TestFloat32Rounding(t *testing.T) {
	// conv.r4 must round through float32 precision.
	vm := buildVM(t, func(b *metadata.Builder) {
		b.BeginType("", "Ops", 0, metadata.TypeOptions{})
		tok := b.AddMethod("Narrow", metadata.MethodFlagStatic, staticSig(bytecode.SigR8, bytecode.SigR8))
		a := bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.Emit(bytecode.OpConvR4)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(tok, a.MustFinish())
	})
	in := 1.0 + 1e-9 // not representable in float32
	got := math.Float64frombits(call(t, vm, entry(t, vm, "Ops", "Narrow"), math.Float64bits(in)))
	if got != float64(float32(in)) {
		t.Errorf("got %v, want %v", got, float64(float32(in)))
	}
}

func TestComparisons(t *testing.T) {
	cases := []struct {
		name string
		op   bytecode.Opcode
		a, b int64
		want uint64
	}{
		{"CeqTrue", bytecode.OpCeq, 5, 5, 1},
		{"CeqFalse", bytecode.OpCeq, 5, 6, 0},
		{"Clt", bytecode.OpClt, -1, 0, 1},
		{"CltUnWraps", bytecode.OpCltUn, -1, 0, 0}, // -1 is huge unsigned
		{"Cgt", bytecode.OpCgt, 2, 1, 1},
		{"CgtUnWraps", bytecode.OpCgtUn, -1, 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vm := buildVM(t, func(b *metadata.Builder) {
				b.BeginType("", "Ops", 0, metadata.TypeOptions{})
				tok := b.AddMethod("Apply", metadata.MethodFlagStatic,
					staticSig(bytecode.SigI4, bytecode.SigI8, bytecode.SigI8))
				a := bytecode.NewAssembler()
				a.EmitU16(bytecode.OpLoadArg, 0)
				a.EmitU16(bytecode.OpLoadArg, 1)
				a.Emit(tc.op)
				a.Emit(bytecode.OpRet)
				a.SetMaxStack(2)
				b.SetBody(tok, a.MustFinish())
			})
			got := call(t, vm, entry(t, vm, "Ops", "Apply"), uint64(tc.a), uint64(tc.b))
			if got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestUnsigned32BitCompareIgnoresExtension(t *testing.T) {
	// Slots keep 32-bit values sign-extended; an unsigned compare must
	// still see 0xFFFFFFFF < 0 as false and > 1 as true.
	vm := buildVM(t, func(b *metadata.Builder) {
		binOp(b, "Ops", bytecode.OpCgtUn, bytecode.SigU4)
	})
	negOne := int64(-1)
	got := call(t, vm, entry(t, vm, "Ops", "Apply"), uint64(negOne), 1)
	if got != 1 {
		t.Errorf("0xFFFFFFFF >u 1 = %d, want 1", got)
	}
}

func TestBranchLoop(t *testing.T) {
	// Sum 1..n with a backward branch.
	vm := buildVM(t, func(b *metadata.Builder) {
		b.BeginType("", "Loops", 0, metadata.TypeOptions{})
		tok := b.AddMethod("Sum", metadata.MethodFlagStatic, staticSig(bytecode.SigI4, bytecode.SigI4))
		a := bytecode.NewAssembler()
		sum := a.AddLocal(bytecode.SigI4)
		i := a.AddLocal(bytecode.SigI4)
		a.EmitI32(bytecode.OpLoadI4, 1)
		a.EmitU16(bytecode.OpStoreLocal, i)
		a.Label("loop")
		a.EmitU16(bytecode.OpLoadLocal, i)
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.EmitBranch(bytecode.OpBgt, "done")
		a.EmitU16(bytecode.OpLoadLocal, sum)
		a.EmitU16(bytecode.OpLoadLocal, i)
		a.Emit(bytecode.OpAdd)
		a.EmitU16(bytecode.OpStoreLocal, sum)
		a.EmitU16(bytecode.OpLoadLocal, i)
		a.EmitI32(bytecode.OpLoadI4, 1)
		a.Emit(bytecode.OpAdd)
		a.EmitU16(bytecode.OpStoreLocal, i)
		a.EmitBranch(bytecode.OpBr, "loop")
		a.Label("done")
		a.EmitU16(bytecode.OpLoadLocal, sum)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(2)
		b.SetBody(tok, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Loops", "Sum"), 100)
	if int32(got) != 5050 {
		t.Errorf("Sum(100) = %d, want 5050", int32(got))
	}
}

func TestBrFalseAndDup(t *testing.T) {
	// abs(x) via dup + conditional negate.
	vm := buildVM(t, func(b *metadata.Builder) {
		b.BeginType("", "Ops", 0, metadata.TypeOptions{})
		tok := b.AddMethod("Abs", metadata.MethodFlagStatic, staticSig(bytecode.SigI4, bytecode.SigI4))
		a := bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.Emit(bytecode.OpDup)
		a.EmitI32(bytecode.OpLoadI4, 0)
		a.EmitBranch(bytecode.OpBge, "pos")
		a.Emit(bytecode.OpNeg)
		a.Label("pos")
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(3)
		b.SetBody(tok, a.MustFinish())
	})
	abs := entry(t, vm, "Ops", "Abs")
	negNine := int64(-9)
	if got := call(t, vm, abs, uint64(negNine)); int32(got) != 9 {
		t.Errorf("Abs(-9) = %d", int32(got))
	}
	if got := call(t, vm, abs, 9); int32(got) != 9 {
		t.Errorf("Abs(9) = %d", int32(got))
	}
}

func TestConversions(t *testing.T) {
	cases := []struct {
		name string
		op   bytecode.Opcode
		in   int64
		want int64
	}{
		{"I1", bytecode.OpConvI1, 0x1FF, -1},
		{"U1", bytecode.OpConvU1, 0x1FF, 0xFF},
		{"I2", bytecode.OpConvI2, 0x1FFFF, -1},
		{"U2", bytecode.OpConvU2, 0x1FFFF, 0xFFFF},
		{"I4", bytecode.OpConvI4, 0x1_0000_0001, 1},
		{"U8", bytecode.OpConvU8, 5, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vm := buildVM(t, func(b *metadata.Builder) {
				b.BeginType("", "Conv", 0, metadata.TypeOptions{})
				tok := b.AddMethod("Apply", metadata.MethodFlagStatic,
					staticSig(bytecode.SigI8, bytecode.SigI8))
				a := bytecode.NewAssembler()
				a.EmitU16(bytecode.OpLoadArg, 0)
				a.Emit(tc.op)
				a.Emit(bytecode.OpConvI8)
				a.Emit(bytecode.OpRet)
				a.SetMaxStack(1)
				b.SetBody(tok, a.MustFinish())
			})
			got := call(t, vm, entry(t, vm, "Conv", "Apply"), uint64(tc.in))
			if int64(got) != tc.want {
				t.Errorf("got %d, want %d", int64(got), tc.want)
			}
		})
	}
}

func TestFloatToIntConversion(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		b.BeginType("", "Conv", 0, metadata.TypeOptions{})
		tok := b.AddMethod("Trunc", metadata.MethodFlagStatic, staticSig(bytecode.SigI8, bytecode.SigR8))
		a := bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.Emit(bytecode.OpConvI8)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(tok, a.MustFinish())
	})
	got := call(t, vm, entry(t, vm, "Conv", "Trunc"), math.Float64bits(-3.9))
	if int64(got) != -3 {
		t.Errorf("trunc(-3.9) = %d, want -3", int64(got))
	}
}

func TestIntToFloatConversion(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		b.BeginType("", "Conv", 0, metadata.TypeOptions{})
		tok := b.AddMethod("ToF", metadata.MethodFlagStatic, staticSig(bytecode.SigR8, bytecode.SigI8))
		a := bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.Emit(bytecode.OpConvR8)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(tok, a.MustFinish())
	})
	negSeven := int64(-7)
	got := math.Float64frombits(call(t, vm, entry(t, vm, "Conv", "ToF"), uint64(negSeven)))
	if got != -7.0 {
		t.Errorf("got %v, want -7", got)
	}
}

func TestOverflowArithmeticTraps(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		binOp(b, "Ops", bytecode.OpAddOvf, bytecode.SigI4)
	})
	m := entry(t, vm, "Ops", "Apply")
	if got := call(t, vm, m, 1, 2); int32(got) != 3 {
		t.Fatalf("1 +ovf 2 = %d", int32(got))
	}
	_, err := vm.Invoke(m, uint64(int64(math.MaxInt32)), 1)
	var uc *UnhandledCondition
	if !errors.As(err, &uc) || uc.Kind != CondOverflow {
		t.Fatalf("want overflow condition, got %v", err)
	}
}

func TestConvOvfTraps(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		b.BeginType("", "Conv", 0, metadata.TypeOptions{})
		tok := b.AddMethod("Narrow", metadata.MethodFlagStatic, staticSig(bytecode.SigI4, bytecode.SigI8))
		a := bytecode.NewAssembler()
		a.EmitU16(bytecode.OpLoadArg, 0)
		a.Emit(bytecode.OpConvOvfI4)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(tok, a.MustFinish())
	})
	m := entry(t, vm, "Conv", "Narrow")
	negFive := int64(-5)
	if got := call(t, vm, m, uint64(negFive)); int32(got) != -5 {
		t.Fatalf("in-range narrow got %d", int32(got))
	}
	_, err := vm.Invoke(m, uint64(int64(1)<<33))
	var uc *UnhandledCondition
	if !errors.As(err, &uc) || uc.Kind != CondOverflow {
		t.Fatalf("want overflow condition, got %v", err)
	}
}

func TestDivideByZeroIsACondition(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		binOp(b, "Ops", bytecode.OpDiv, bytecode.SigI4)
	})
	_, err := vm.Invoke(entry(t, vm, "Ops", "Apply"), 1, 0)
	var uc *UnhandledCondition
	if !errors.As(err, &uc) || uc.Kind != CondDivideByZero {
		t.Fatalf("want divide-by-zero condition, got %v", err)
	}
}

func TestStringLiteral(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		off := b.AddString("hello nucleus")
		b.BeginType("", "Strings", 0, metadata.TypeOptions{})
		tok := b.AddMethod("Get", metadata.MethodFlagStatic, staticSig(bytecode.SigString))
		a := bytecode.NewAssembler()
		a.EmitU32(bytecode.OpLoadStr, off)
		a.Emit(bytecode.OpRet)
		a.SetMaxStack(1)
		b.SetBody(tok, a.MustFinish())
	})
	ref := call(t, vm, entry(t, vm, "Strings", "Get"))
	if got := vm.Heap.StringValue(ref); got != "hello nucleus" {
		t.Errorf("got %q", got)
	}
	// Interning: the literal resolves to the same reference every call.
	if ref2 := call(t, vm, entry(t, vm, "Strings", "Get")); ref2 != ref {
		t.Errorf("literal not interned: %#x vs %#x", ref, ref2)
	}
}

func TestUnknownOpcodeFailsCompilation(t *testing.T) {
	vm := buildVM(t, func(b *metadata.Builder) {
		b.BeginType("", "Bad", 0, metadata.TypeOptions{})
		tok := b.AddMethod("Boom", metadata.MethodFlagStatic, staticSig(bytecode.SigVoid))
		b.SetBody(tok, &bytecode.MethodBody{
			MaxStack: 1,
			Code:     []byte{0xFE, byte(bytecode.OpRet)},
		})
	})
	_, err := vm.Invoke(entry(t, vm, "Bad", "Boom"))
	var ce *ErrCompilation
	if !errors.As(err, &ce) {
		t.Fatalf("want ErrCompilation, got %v", err)
	}
}
