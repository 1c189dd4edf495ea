package metadata

import (
	"errors"
	"testing"

	"github.com/nucleus-os/nucleus/pkg/bytecode"
)

func buildSampleModule(t *testing.T) *ModuleImage {
	t.Helper()
	b := NewBuilder("kernel.core")

	point := b.BeginType("Kernel", "Point", TypeFlagValueType, TypeOptions{})
	b.AddField("X", 0, bytecode.SigI4, nil)
	b.AddField("Y", 0, bytecode.SigI4, nil)

	b.BeginType("Kernel", "Math", 0, TypeOptions{})
	addSig := bytecode.MethodSig{Ret: bytecode.SigI4, Params: []bytecode.TypeSig{bytecode.SigI4, bytecode.SigI4}}
	add := b.AddMethod("Add", MethodFlagStatic, addSig)
	a := bytecode.NewAssembler()
	a.SetMaxStack(2)
	a.EmitU16(bytecode.OpLoadArg, 0)
	a.EmitU16(bytecode.OpLoadArg, 1)
	a.Emit(bytecode.OpAdd)
	a.Emit(bytecode.OpRet)
	b.SetBody(add, a.MustFinish())
	b.AddParam(add, 0, "left")
	b.AddParam(add, 1, "right")

	b.AddTypeSpec(bytecode.GenericSig(uint32(point), bytecode.SigI4))

	img, err := b.Open()
	if err != nil {
		t.Fatalf("building sample module: %v", err)
	}
	return img
}

func TestImageRoundTrip(t *testing.T) {
	img := buildSampleModule(t)

	if img.Name != "kernel.core" {
		t.Errorf("module name = %q, want kernel.core", img.Name)
	}
	if len(img.TypeDefs) != 2 {
		t.Fatalf("TypeDefs = %d, want 2", len(img.TypeDefs))
	}

	tok, ok := img.FindTypeDef("Kernel", "Point")
	if !ok {
		t.Fatal("Kernel.Point not found")
	}
	td, err := img.TypeDef(tok)
	if err != nil {
		t.Fatalf("TypeDef: %v", err)
	}
	if td.Flags&TypeFlagValueType == 0 {
		t.Error("Point should be a value type")
	}
	if td.FieldCount != 2 {
		t.Errorf("Point FieldCount = %d, want 2", td.FieldCount)
	}

	fieldTok := MakeToken(TableField, td.FieldFirst)
	fr, err := img.Field(fieldTok)
	if err != nil {
		t.Fatalf("Field: %v", err)
	}
	name, _ := img.String(fr.Name)
	if name != "X" {
		t.Errorf("first field = %q, want X", name)
	}
	sig, err := img.FieldSig(fr)
	if err != nil {
		t.Fatalf("FieldSig: %v", err)
	}
	if sig.Kind != bytecode.ElemI4 {
		t.Errorf("field sig = %s, want i4", sig)
	}
	if fr.Offset != NoOffset {
		t.Errorf("sequential field offset = %d, want NoOffset", fr.Offset)
	}
}

func TestMethodBodyThroughImage(t *testing.T) {
	img := buildSampleModule(t)

	mathTok, _ := img.FindTypeDef("Kernel", "Math")
	td, _ := img.TypeDef(mathTok)
	mr, err := img.Method(MakeToken(TableMethod, td.MethodFirst))
	if err != nil {
		t.Fatalf("Method: %v", err)
	}
	sig, err := img.MethodSigOf(mr)
	if err != nil {
		t.Fatalf("MethodSigOf: %v", err)
	}
	if len(sig.Params) != 2 || sig.Ret.Kind != bytecode.ElemI4 {
		t.Errorf("signature = %s", sig)
	}
	body, err := img.BodyOf(mr)
	if err != nil {
		t.Fatalf("BodyOf: %v", err)
	}
	if body == nil {
		t.Fatal("body missing")
	}
	instrs, err := body.Instructions()
	if err != nil {
		t.Fatalf("Instructions: %v", err)
	}
	if instrs[len(instrs)-1].Op != bytecode.OpRet {
		t.Errorf("last instruction = %s, want ret", instrs[len(instrs)-1].Op)
	}
}

func TestOwnership(t *testing.T) {
	img := buildSampleModule(t)

	owner, err := img.OwnerOfField(1)
	if err != nil {
		t.Fatalf("OwnerOfField: %v", err)
	}
	td, _ := img.typeDefAt(owner)
	if img.TypeName(td) != "Kernel.Point" {
		t.Errorf("field 1 owned by %s, want Kernel.Point", img.TypeName(td))
	}

	owner, err = img.OwnerOfMethod(1)
	if err != nil {
		t.Fatalf("OwnerOfMethod: %v", err)
	}
	td, _ = img.typeDefAt(owner)
	if img.TypeName(td) != "Kernel.Math" {
		t.Errorf("method 1 owned by %s, want Kernel.Math", img.TypeName(td))
	}
}

func TestMalformedImages(t *testing.T) {
	var metaErr *MetadataError

	if _, err := Open([]byte("tiny")); err == nil {
		t.Error("truncated image accepted")
	} else if !errors.As(err, &metaErr) {
		t.Errorf("truncated image error type = %T", err)
	}

	bad := NewBuilder("x").Bytes()
	bad[0] = 'X'
	if _, err := Open(bad); err == nil {
		t.Error("bad magic accepted")
	}

	img := buildSampleModule(t)
	if _, err := img.Blob(0xFFFFFF); err == nil {
		t.Error("out-of-range blob offset accepted")
	} else if !errors.As(err, &metaErr) {
		t.Errorf("blob range error type = %T", err)
	}
	if _, err := img.Method(MakeToken(TableMethod, 999)); err == nil {
		t.Error("out-of-range method row accepted")
	}
	if _, err := img.Method(MakeToken(TableField, 1)); err == nil {
		t.Error("wrong-table token accepted")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tok := MakeToken(TableMethod, 42)
	if tok.Table() != TableMethod || tok.Row() != 42 {
		t.Errorf("token decomposed to (%v, %d)", tok.Table(), tok.Row())
	}
	if MakeToken(TableTypeDef, 0).IsNil() != true {
		t.Error("row 0 token should be nil")
	}
}

func TestRegistryResolveTypeRef(t *testing.T) {
	core := buildSampleModule(t)

	b := NewBuilder("kernel.net")
	ref := b.AddTypeRef("kernel.core", "Kernel", "Point")
	missing := b.AddTypeRef("kernel.gone", "Kernel", "Nothing")
	b.BeginType("Net", "Socket", 0, TypeOptions{})
	user, err := b.Open()
	if err != nil {
		t.Fatalf("building referencing module: %v", err)
	}

	reg := NewRegistry()
	if err := reg.Register(core); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(user); err != nil {
		t.Fatalf("Register: %v", err)
	}

	mod, tok, err := reg.ResolveTypeRef(user, ref)
	if err != nil {
		t.Fatalf("ResolveTypeRef: %v", err)
	}
	if mod.Name != "kernel.core" {
		t.Errorf("resolved in module %s", mod.Name)
	}
	td, err := mod.TypeDef(tok)
	if err != nil {
		t.Fatalf("TypeDef: %v", err)
	}
	if mod.TypeName(td) != "Kernel.Point" {
		t.Errorf("resolved to %s", mod.TypeName(td))
	}

	_, _, err = reg.ResolveTypeRef(user, missing)
	var unresolved *UnresolvedReference
	if !errors.As(err, &unresolved) {
		t.Fatalf("missing module: err = %v, want UnresolvedReference", err)
	}
	if unresolved.Assembly != "kernel.gone" {
		t.Errorf("unresolved assembly = %q", unresolved.Assembly)
	}

	if err := reg.Register(core); err == nil {
		t.Error("double registration accepted")
	}
}
