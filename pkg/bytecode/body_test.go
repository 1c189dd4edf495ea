package bytecode

import (
	"strings"
	"testing"
)

func TestBodyRoundTrip(t *testing.T) {
	a := NewAssembler()
	counter := a.AddLocal(SigI4)
	a.AddLocal(ArraySig(SigI8))
	a.Capture(counter)
	a.SetMaxStack(4)

	a.EmitI32(OpLoadI4, 10)
	a.EmitU16(OpStoreLocal, counter)
	a.Label("loop")
	a.EmitU16(OpLoadLocal, counter)
	a.EmitI32(OpLoadI4, 1)
	a.Emit(OpSub)
	a.EmitU16(OpStoreLocal, counter)
	a.EmitU16(OpLoadLocal, counter)
	a.EmitBranch(OpBrTrue, "loop")
	a.Emit(OpRet)

	body, err := a.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	decoded, err := UnmarshalBody(body.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalBody: %v", err)
	}

	if decoded.MaxStack != 4 {
		t.Errorf("MaxStack = %d, want 4", decoded.MaxStack)
	}
	if len(decoded.Locals) != 2 {
		t.Fatalf("len(Locals) = %d, want 2", len(decoded.Locals))
	}
	if decoded.Locals[0].Kind != ElemI4 {
		t.Errorf("local 0 kind = %v, want i4", decoded.Locals[0].Kind)
	}
	if decoded.Locals[1].Kind != ElemSZArray || decoded.Locals[1].Elem.Kind != ElemI8 {
		t.Errorf("local 1 = %s, want i8[]", decoded.Locals[1])
	}
	if !decoded.IsCaptured(counter) {
		t.Errorf("local %d should be captured", counter)
	}
	if string(decoded.Code) != string(body.Code) {
		t.Errorf("code did not round-trip")
	}
}

func TestBranchFixup(t *testing.T) {
	a := NewAssembler()
	a.EmitBranch(OpBr, "end")
	a.EmitI32(OpLoadI4, 99) // skipped
	a.Label("end")
	a.Emit(OpRet)
	body := a.MustFinish()

	in, err := DecodeInstr(body.Code, 0)
	if err != nil {
		t.Fatalf("DecodeInstr: %v", err)
	}
	if in.Op != OpBr {
		t.Fatalf("op = %s, want br", in.Op)
	}
	// br is 5 bytes, load.i4 is 5 bytes: target should be offset 10.
	if got := in.BranchTarget(); got != 10 {
		t.Errorf("branch target = %d, want 10", got)
	}
}

func TestBackwardBranchIsNegative(t *testing.T) {
	a := NewAssembler()
	a.Label("top")
	a.Emit(OpNop)
	a.EmitBranch(OpBr, "top")
	body := a.MustFinish()

	in, err := DecodeInstr(body.Code, 1)
	if err != nil {
		t.Fatalf("DecodeInstr: %v", err)
	}
	if in.I32() >= 0 {
		t.Errorf("backward branch offset = %d, want negative", in.I32())
	}
	if got := in.BranchTarget(); got != 0 {
		t.Errorf("branch target = %d, want 0", got)
	}
}

func TestRegionValidation(t *testing.T) {
	good := &MethodBody{
		Code: make([]byte, 40),
		Regions: []Region{
			{TryStart: 0, TryEnd: 30, Kind: HandlerFinally, HandlerStart: 30, HandlerEnd: 40},
			{TryStart: 5, TryEnd: 15, Kind: HandlerCatch, CatchToken: 1, HandlerStart: 15, HandlerEnd: 20, Depth: 1},
		},
	}
	if err := good.ValidateRegions(); err != nil {
		t.Errorf("nested regions rejected: %v", err)
	}

	bad := &MethodBody{
		Code: make([]byte, 40),
		Regions: []Region{
			{TryStart: 0, TryEnd: 20, Kind: HandlerFinally, HandlerStart: 30, HandlerEnd: 40},
			{TryStart: 10, TryEnd: 25, Kind: HandlerFinally, HandlerStart: 30, HandlerEnd: 40},
		},
	}
	if err := bad.ValidateRegions(); err == nil {
		t.Errorf("partially overlapping try ranges were accepted")
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	_, err := DecodeInstr([]byte{0xFF}, 0)
	if err == nil {
		t.Fatal("expected error for unknown opcode")
	}
}

func TestDecodeTruncatedOperand(t *testing.T) {
	_, err := DecodeInstr([]byte{byte(OpLoadI4), 0x01}, 0)
	if err == nil {
		t.Fatal("expected error for truncated operand")
	}
}

func TestSigRoundTrip(t *testing.T) {
	// A representative nested signature: Dictionary<string, Point[]>& where
	// Point is a value type, exercising generic, array, byref and token paths.
	sig := ByRefSig(GenericSig(0x02000003, SigString, ArraySig(ValueTypeSig(0x02000007))))

	enc := EncodeTypeSig(nil, sig)
	dec, n, err := DecodeTypeSig(enc)
	if err != nil {
		t.Fatalf("DecodeTypeSig: %v", err)
	}
	if n != len(enc) {
		t.Errorf("consumed %d of %d bytes", n, len(enc))
	}
	if dec.Kind != ElemByRef || dec.Elem.Kind != ElemGeneric {
		t.Fatalf("decoded %s", dec)
	}
	inner := dec.Elem
	if inner.Token != 0x02000003 || len(inner.Args) != 2 {
		t.Fatalf("generic inst decoded as %s", inner)
	}
	if inner.Args[1].Kind != ElemSZArray || inner.Args[1].Elem.Token != 0x02000007 {
		t.Errorf("second type argument decoded as %s", inner.Args[1])
	}
}

func TestMethodSigRoundTrip(t *testing.T) {
	sig := MethodSig{
		Conv:   CallConvHasThis | CallConvVarArg,
		Ret:    ValueTypeSig(0x02000004),
		Params: []TypeSig{SigI4, ByRefSig(SigR8), VarSig(0)},
	}
	enc := EncodeMethodSig(nil, sig)
	dec, n, err := DecodeMethodSig(enc)
	if err != nil {
		t.Fatalf("DecodeMethodSig: %v", err)
	}
	if n != len(enc) {
		t.Errorf("consumed %d of %d bytes", n, len(enc))
	}
	if !dec.HasThis() || !dec.IsVarArg() {
		t.Errorf("calling convention flags lost: %v", dec.Conv)
	}
	if dec.Ret.Token != 0x02000004 || len(dec.Params) != 3 {
		t.Fatalf("decoded %s", dec)
	}
	if dec.Params[1].Kind != ElemByRef || dec.Params[1].Elem.Kind != ElemR8 {
		t.Errorf("param 1 decoded as %s", dec.Params[1])
	}
}

func TestDisassembleSmoke(t *testing.T) {
	a := NewAssembler()
	a.EmitI32(OpLoadI4, 17)
	a.EmitI32(OpLoadI4, 25)
	a.Emit(OpAdd)
	a.Emit(OpRet)
	body := a.MustFinish()

	out := body.DisassembleWithName("Sample.Add")
	for _, want := range []string{"Sample.Add", "load.i4", "add", "ret"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}
