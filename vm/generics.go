package vm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nucleus-os/nucleus/metadata"
	"github.com/nucleus-os/nucleus/pkg/bytecode"
)

// genericBinding carries the type arguments in scope while resolving
// signatures: the enclosing type's arguments for ElemVar and the
// enclosing method's arguments for ElemMVar.
type genericBinding struct {
	typeArgs   []*TypeDescriptor
	methodArgs []*TypeDescriptor
}

// Resolver owns every runtime type and method identity. Instantiations
// are memoized per (definition, type-argument tuple): asking twice for
// List<int> yields the same descriptor pointer, and descriptors enter
// the cache before their layout completes so circular references
// resolve to the in-progress descriptor instead of recursing.
//
// Lookups of already built keys take the read lock, so resolutions of
// distinct memoized keys never wait on each other. First-time
// construction takes the write lock for the whole build: in-progress
// descriptors must stay visible to recursive references, and blocking
// per key instead would deadlock when two goroutines enter a mutually
// recursive pair of definitions from opposite ends. Internal helpers
// assume the write lock is held.
type Resolver struct {
	registry *metadata.Registry
	mem      *Memory

	mu      sync.RWMutex
	types   map[string]*TypeDescriptor
	methods map[string]*MethodDescriptor
	handles []*TypeDescriptor

	prims    map[bytecode.ElemKind]*TypeDescriptor
	builtins map[string]*TypeDescriptor

	// Well-known descriptors.
	Void         *TypeDescriptor
	Bool         *TypeDescriptor
	Char         *TypeDescriptor
	Int32        *TypeDescriptor
	Int64        *TypeDescriptor
	Float64      *TypeDescriptor
	String       *TypeDescriptor
	Object       *TypeDescriptor
	IntPtr       *TypeDescriptor
	Exception    *TypeDescriptor
	Delegate     *TypeDescriptor
	CaptureFrame *TypeDescriptor

	conditions map[ConditionKind]*TypeDescriptor
}

// NewResolver creates a resolver with the primitive and built-in
// exception descriptors installed.
func NewResolver(reg *metadata.Registry, mem *Memory) *Resolver {
	r := &Resolver{
		registry:   reg,
		mem:        mem,
		types:      make(map[string]*TypeDescriptor),
		methods:    make(map[string]*MethodDescriptor),
		prims:      make(map[bytecode.ElemKind]*TypeDescriptor),
		builtins:   make(map[string]*TypeDescriptor),
		conditions: make(map[ConditionKind]*TypeDescriptor),
	}
	r.installPrimitives()
	r.installBuiltins()
	return r
}

func (r *Resolver) newHandle(t *TypeDescriptor) {
	r.handles = append(r.handles, t)
	t.Handle = uint64(len(r.handles))
}

// TypeByHandle maps an object-header type handle back to its
// descriptor. Handle zero and unknown handles return nil.
func (r *Resolver) TypeByHandle(h uint64) *TypeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h == 0 || h > uint64(len(r.handles)) {
		return nil
	}
	return r.handles[h-1]
}

func (r *Resolver) prim(elem bytecode.ElemKind, name string, size int) *TypeDescriptor {
	t := &TypeDescriptor{
		Kind:      KindPrimitive,
		Namespace: "System",
		Name:      name,
		Prim:      elem,
		Size:      size,
		Align:     size,
		layout:    layoutDone,
	}
	if size == 0 {
		t.Align = 1
	}
	r.newHandle(t)
	r.prims[elem] = t
	r.builtins["System."+name] = t
	return t
}

func (r *Resolver) installPrimitives() {
	r.Void = r.prim(bytecode.ElemVoid, "Void", 0)
	r.Bool = r.prim(bytecode.ElemBool, "Boolean", 1)
	r.Char = r.prim(bytecode.ElemChar, "Char", 2)
	r.prim(bytecode.ElemI1, "SByte", 1)
	r.prim(bytecode.ElemU1, "Byte", 1)
	r.prim(bytecode.ElemI2, "Int16", 2)
	r.prim(bytecode.ElemU2, "UInt16", 2)
	r.Int32 = r.prim(bytecode.ElemI4, "Int32", 4)
	r.prim(bytecode.ElemU4, "UInt32", 4)
	r.Int64 = r.prim(bytecode.ElemI8, "Int64", 8)
	r.prim(bytecode.ElemU8, "UInt64", 8)
	r.prim(bytecode.ElemR4, "Single", 4)
	r.Float64 = r.prim(bytecode.ElemR8, "Double", 8)
	r.String = r.prim(bytecode.ElemString, "String", 8)
	r.Object = r.prim(bytecode.ElemObject, "Object", 8)
	r.IntPtr = r.prim(bytecode.ElemPtr, "IntPtr", 8)
}

// builtinClass declares a runtime-provided reference type. Fields are
// laid out sequentially after the base payload.
func (r *Resolver) builtinClass(name string, base *TypeDescriptor, fields ...*FieldDescriptor) *TypeDescriptor {
	t := &TypeDescriptor{
		Kind:      KindClass,
		Namespace: "System",
		Name:      name,
		Base:      base,
		layout:    layoutDone,
		Align:     8,
	}
	off := 0
	if base != nil {
		off = base.Size
	}
	for _, f := range fields {
		a := f.Type.ValueAlign()
		off = (off + a - 1) &^ (a - 1)
		f.Offset = uint32(off)
		f.Owner = t
		off += f.Type.ValueSize()
		t.Fields = append(t.Fields, f)
	}
	t.Size = (off + 7) &^ 7
	r.newHandle(t)
	r.builtins["System."+name] = t
	return t
}

func (r *Resolver) installBuiltins() {
	r.Exception = r.builtinClass("Exception", nil,
		&FieldDescriptor{Name: "message", Type: r.String})
	r.conditions[CondExplicitThrow] = r.Exception
	r.conditions[CondOverflow] = r.builtinClass("OverflowException", r.Exception)
	r.conditions[CondDivideByZero] = r.builtinClass("DivideByZeroException", r.Exception)
	r.conditions[CondBounds] = r.builtinClass("IndexOutOfRangeException", r.Exception)
	r.conditions[CondNullReference] = r.builtinClass("NullReferenceException", r.Exception)
	r.conditions[CondInvalidCast] = r.builtinClass("InvalidCastException", r.Exception)
	r.builtinClass("InvalidOperationException", r.Exception)

	r.builtinClass("ValueType", nil)
	del := r.builtinClass("Delegate", nil)
	del.Flags |= metadata.TypeFlagDelegate
	del.Size = delegatePayloadSize
	mdel := r.builtinClass("MulticastDelegate", del)
	mdel.Flags |= metadata.TypeFlagDelegate
	mdel.Size = delegatePayloadSize
	r.Delegate = mdel

	r.CaptureFrame = &TypeDescriptor{
		Kind: KindClass, Namespace: "System.Runtime", Name: "CaptureFrame",
		layout: layoutDone, Align: 8,
	}
	r.newHandle(r.CaptureFrame)
}

// ConditionType returns the exception type raised for a runtime fault.
func (r *Resolver) ConditionType(kind ConditionKind) *TypeDescriptor {
	return r.conditions[kind]
}

// Primitive returns the descriptor for a primitive element code.
func (r *Resolver) Primitive(elem bytecode.ElemKind) *TypeDescriptor {
	return r.prims[elem]
}

// ----------------------------------------------------------------------------
// Type resolution
// ----------------------------------------------------------------------------

func typeKey(img *metadata.ModuleImage, tok metadata.Token, args []*TypeDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%08X", img.Name, uint32(tok))
	if len(args) > 0 {
		b.WriteByte('<')
		for i, a := range args {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%d", a.Handle)
		}
		b.WriteByte('>')
	}
	return b.String()
}

// memoHit serves a fully built memo entry under the read lock.
// Descriptors still under construction stay invisible here; callers
// that miss fall back to the write-locked build path.
func (r *Resolver) memoHit(key string) *TypeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.types[key]; ok && t.layout == layoutDone {
		return t
	}
	return nil
}

// ResolveSig resolves a signature element to a runtime descriptor,
// substituting generic arguments from the binding.
func (r *Resolver) ResolveSig(img *metadata.ModuleImage, sig bytecode.TypeSig, b *genericBinding) (*TypeDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveSig(img, sig, b)
}

// ResolveTypeToken resolves a TypeDef, TypeRef, or TypeSpec token to a
// runtime descriptor, substituting generic arguments from the binding.
func (r *Resolver) ResolveTypeToken(img *metadata.ModuleImage, tok metadata.Token, b *genericBinding) (*TypeDescriptor, error) {
	if tok.Table() == metadata.TableTypeDef {
		if t := r.memoHit(typeKey(img, tok, nil)); t != nil {
			return t, nil
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveTypeToken(img, tok, b)
}

func (r *Resolver) resolveTypeToken(img *metadata.ModuleImage, tok metadata.Token, b *genericBinding) (*TypeDescriptor, error) {
	switch tok.Table() {
	case metadata.TableTypeDef:
		return r.instantiate(img, tok, nil)
	case metadata.TableTypeRef:
		defImg, defTok, err := r.resolveRef(img, tok)
		if err != nil {
			return nil, err
		}
		if defImg == nil { // runtime built-in
			return r.builtinRef(img, tok)
		}
		return r.instantiate(defImg, defTok, nil)
	case metadata.TableTypeSpec:
		row, err := img.TypeSpec(tok)
		if err != nil {
			return nil, err
		}
		sig, err := img.TypeSigAt(row.Sig)
		if err != nil {
			return nil, err
		}
		return r.resolveSig(img, sig, b)
	default:
		return nil, fmt.Errorf("token %v does not name a type", tok)
	}
}

// resolveRef maps a TypeRef to its defining module. References into the
// System namespace may name runtime built-ins that no module defines;
// those return a nil image.
func (r *Resolver) resolveRef(img *metadata.ModuleImage, tok metadata.Token) (*metadata.ModuleImage, metadata.Token, error) {
	defImg, defTok, err := r.registry.ResolveTypeRef(img, tok)
	if err == nil {
		return defImg, defTok, nil
	}
	row, rerr := img.TypeRef(tok)
	if rerr == nil {
		name := img.StringAt(row.Namespace) + "." + img.StringAt(row.Name)
		if _, ok := r.builtins[name]; ok {
			return nil, 0, nil
		}
	}
	return nil, 0, err
}

func (r *Resolver) builtinRef(img *metadata.ModuleImage, tok metadata.Token) (*TypeDescriptor, error) {
	row, err := img.TypeRef(tok)
	if err != nil {
		return nil, err
	}
	name := img.StringAt(row.Namespace) + "." + img.StringAt(row.Name)
	if t, ok := r.builtins[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("unknown built-in type %s", name)
}

// resolveSig resolves a decoded type signature.
func (r *Resolver) resolveSig(img *metadata.ModuleImage, sig bytecode.TypeSig, b *genericBinding) (*TypeDescriptor, error) {
	switch sig.Kind {
	case bytecode.ElemValueType, bytecode.ElemClass:
		return r.resolveTypeToken(img, metadata.Token(sig.Token), b)
	case bytecode.ElemVar:
		if b == nil || int(sig.Num) >= len(b.typeArgs) {
			return nil, fmt.Errorf("type parameter !%d out of scope", sig.Num)
		}
		return b.typeArgs[sig.Num], nil
	case bytecode.ElemMVar:
		if b == nil || int(sig.Num) >= len(b.methodArgs) {
			return nil, fmt.Errorf("method type parameter !!%d out of scope", sig.Num)
		}
		return b.methodArgs[sig.Num], nil
	case bytecode.ElemGeneric:
		args := make([]*TypeDescriptor, len(sig.Args))
		for i, a := range sig.Args {
			t, err := r.resolveSig(img, a, b)
			if err != nil {
				return nil, err
			}
			args[i] = t
		}
		defImg, defTok := img, metadata.Token(sig.Token)
		if defTok.Table() == metadata.TableTypeRef {
			var err error
			defImg, defTok, err = r.resolveRef(img, defTok)
			if err != nil {
				return nil, err
			}
			if defImg == nil {
				return nil, fmt.Errorf("built-in type cannot be instantiated")
			}
		}
		return r.instantiate(defImg, defTok, args)
	case bytecode.ElemSZArray:
		elem, err := r.resolveSig(img, *sig.Elem, b)
		if err != nil {
			return nil, err
		}
		return r.arrayOf(elem), nil
	case bytecode.ElemMDArray:
		elem, err := r.resolveSig(img, *sig.Elem, b)
		if err != nil {
			return nil, err
		}
		return r.mdArrayOf(elem, int(sig.Rank)), nil
	case bytecode.ElemByRef:
		elem, err := r.resolveSig(img, *sig.Elem, b)
		if err != nil {
			return nil, err
		}
		return r.derivedOf(KindByRef, "&", elem), nil
	case bytecode.ElemPtr:
		elem, err := r.resolveSig(img, *sig.Elem, b)
		if err != nil {
			return nil, err
		}
		return r.derivedOf(KindPointer, "*", elem), nil
	case bytecode.ElemFnPtr:
		return r.IntPtr, nil
	default:
		if t, ok := r.prims[sig.Kind]; ok {
			return t, nil
		}
		return nil, fmt.Errorf("unresolvable signature element 0x%02X", byte(sig.Kind))
	}
}

func (r *Resolver) arrayOf(elem *TypeDescriptor) *TypeDescriptor {
	key := fmt.Sprintf("sz:%d", elem.Handle)
	if t, ok := r.types[key]; ok {
		return t
	}
	t := &TypeDescriptor{Kind: KindSZArray, Elem: elem, Base: r.Object, layout: layoutDone, Align: 8}
	r.newHandle(t)
	r.types[key] = t
	return t
}

func (r *Resolver) mdArrayOf(elem *TypeDescriptor, rank int) *TypeDescriptor {
	key := fmt.Sprintf("md:%d:%d", elem.Handle, rank)
	if t, ok := r.types[key]; ok {
		return t
	}
	t := &TypeDescriptor{Kind: KindMDArray, Elem: elem, Rank: rank, Base: r.Object, layout: layoutDone, Align: 8}
	r.newHandle(t)
	r.types[key] = t
	return t
}

func (r *Resolver) derivedOf(kind TypeKind, tag string, elem *TypeDescriptor) *TypeDescriptor {
	key := fmt.Sprintf("%s:%d", tag, elem.Handle)
	if t, ok := r.types[key]; ok {
		return t
	}
	t := &TypeDescriptor{Kind: kind, Elem: elem, Size: 8, Align: 8, layout: layoutDone}
	r.newHandle(t)
	r.types[key] = t
	return t
}

// ArrayOf returns the single-dimensional array type over elem.
func (r *Resolver) ArrayOf(elem *TypeDescriptor) *TypeDescriptor {
	if t := r.memoHit(fmt.Sprintf("sz:%d", elem.Handle)); t != nil {
		return t
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.arrayOf(elem)
}

// MDArrayOf returns the rank-dimensional array type over elem.
func (r *Resolver) MDArrayOf(elem *TypeDescriptor, rank int) *TypeDescriptor {
	if t := r.memoHit(fmt.Sprintf("md:%d:%d", elem.Handle, rank)); t != nil {
		return t
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mdArrayOf(elem, rank)
}

// instantiate materializes a TypeDef with the given argument tuple. The
// descriptor enters the cache before fields, layout, and vtable are
// filled in, so self-referential definitions observe the in-progress
// descriptor rather than recursing.
func (r *Resolver) instantiate(img *metadata.ModuleImage, tok metadata.Token, args []*TypeDescriptor) (*TypeDescriptor, error) {
	key := typeKey(img, tok, args)
	if t, ok := r.types[key]; ok {
		return t, nil
	}
	row, err := img.TypeDef(tok)
	if err != nil {
		return nil, err
	}
	if int(row.GenericParams) != len(args) {
		return nil, fmt.Errorf("%s expects %d type arguments, got %d",
			img.TypeName(row), row.GenericParams, len(args))
	}

	t := &TypeDescriptor{
		Module:    img,
		Token:     tok,
		Namespace: img.StringAt(row.Namespace),
		Name:      img.StringAt(row.Name),
		Flags:     row.Flags,
		Args:      args,
		layout:    layoutInProgress,
	}
	switch {
	case row.Flags&metadata.TypeFlagInterface != 0:
		t.Kind = KindInterface
	case row.Flags&metadata.TypeFlagValueType != 0:
		t.Kind = KindValueType
	default:
		t.Kind = KindClass
	}
	r.newHandle(t)
	r.types[key] = t

	if err := r.fill(t, row); err != nil {
		delete(r.types, key)
		return nil, fmt.Errorf("instantiating %s: %w", t.FullName(), err)
	}
	return t, nil
}

func (r *Resolver) fill(t *TypeDescriptor, row metadata.TypeDefRow) error {
	img := t.Module
	b := &genericBinding{typeArgs: t.Args}

	if !row.Extends.IsNil() {
		base, err := r.resolveTypeToken(img, row.Extends, b)
		if err != nil {
			return fmt.Errorf("base type: %w", err)
		}
		t.Base = base
	} else if t.Kind == KindClass {
		t.Base = r.Object
	}

	for _, impl := range img.InterfacesOf(t.Token) {
		it, err := r.resolveTypeToken(img, impl, b)
		if err != nil {
			return fmt.Errorf("interface: %w", err)
		}
		t.Interfaces = append(t.Interfaces, it)
	}

	for i := uint32(0); i < row.FieldCount; i++ {
		ftok := metadata.MakeToken(metadata.TableField, row.FieldFirst+i)
		frow, err := img.Field(ftok)
		if err != nil {
			return err
		}
		fsig, err := img.FieldSig(frow)
		if err != nil {
			return err
		}
		ft, err := r.resolveSig(img, fsig, b)
		if err != nil {
			return fmt.Errorf("field %s: %w", img.StringAt(frow.Name), err)
		}
		fd := &FieldDescriptor{
			Owner:      t,
			Token:      ftok,
			Name:       img.StringAt(frow.Name),
			Type:       ft,
			Flags:      frow.Flags,
			Static:     frow.Flags&metadata.FieldFlagStatic != 0,
			Offset:     frow.Offset,
			FixedCount: int(frow.FixedCount),
		}
		if fd.Static {
			t.StaticFields = append(t.StaticFields, fd)
		} else {
			t.Fields = append(t.Fields, fd)
		}
	}
	if err := r.layoutType(t, row); err != nil {
		return err
	}

	for i := uint32(0); i < row.MethodCount; i++ {
		mtok := metadata.MakeToken(metadata.TableMethod, row.MethodFirst+i)
		mrow, err := img.Method(mtok)
		if err != nil {
			return err
		}
		sig, err := img.MethodSigOf(mrow)
		if err != nil {
			return err
		}
		md := &MethodDescriptor{
			Owner:  t,
			Module: img,
			Token:  mtok,
			Name:   img.StringAt(mrow.Name),
			Flags:  mrow.Flags,
			Sig:    &sig,
			Slot:   -1,
		}
		if mrow.GenericParams == 0 {
			if err := r.resolveMethodSig(md, b); err != nil {
				return fmt.Errorf("method %s: %w", md.Name, err)
			}
		}
		if mrow.Flags&metadata.MethodFlagTypeInit != 0 {
			t.Initializer = md
		}
		t.Methods = append(t.Methods, md)
	}

	if err := r.buildVTable(t); err != nil {
		return err
	}
	r.allocStatics(t)
	t.layout = layoutDone
	return nil
}

func (r *Resolver) resolveMethodSig(md *MethodDescriptor, b *genericBinding) error {
	ret, err := r.resolveSig(md.Module, md.Sig.Ret, b)
	if err != nil {
		return fmt.Errorf("return type: %w", err)
	}
	md.Ret = ret
	md.Params = make([]*TypeDescriptor, len(md.Sig.Params))
	for i, p := range md.Sig.Params {
		pt, err := r.resolveSig(md.Module, p, b)
		if err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
		md.Params[i] = pt
	}
	return nil
}

// allocStatics reserves the static block once the static field layout
// is known, seeding fields whose rows carry constant data.
func (r *Resolver) allocStatics(t *TypeDescriptor) {
	if len(t.StaticFields) == 0 {
		return
	}
	off, maxAlign := 0, 1
	for _, f := range t.StaticFields {
		a := f.Type.ValueAlign()
		if a > maxAlign {
			maxAlign = a
		}
		off = (off + a - 1) &^ (a - 1)
		f.Offset = uint32(off)
		off += f.Type.ValueSize()
	}
	t.StaticBase = r.mem.Alloc(off, maxAlign)
	for _, f := range t.StaticFields {
		f.StaticAddr = t.StaticBase + uint64(f.Offset)
		if row, err := t.Module.Field(f.Token); err == nil && row.Data != 0 {
			if blob, err := t.Module.Blob(row.Data); err == nil {
				r.mem.WriteBytes(f.StaticAddr, blob)
			}
		}
	}
}

// ----------------------------------------------------------------------------
// Method and field resolution
// ----------------------------------------------------------------------------

// ResolveMethodToken resolves a Method, MemberRef, or MethodSpec token.
func (r *Resolver) ResolveMethodToken(img *metadata.ModuleImage, tok metadata.Token, b *genericBinding) (*MethodDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveMethodToken(img, tok, b)
}

func (r *Resolver) resolveMethodToken(img *metadata.ModuleImage, tok metadata.Token, b *genericBinding) (*MethodDescriptor, error) {
	switch tok.Table() {
	case metadata.TableMethod:
		ownerRow, err := img.OwnerOfMethod(tok.Row())
		if err != nil {
			return nil, err
		}
		owner, err := r.ownerForMember(img, metadata.MakeToken(metadata.TableTypeDef, ownerRow), b)
		if err != nil {
			return nil, err
		}
		return methodByToken(owner, tok)
	case metadata.TableMemberRef:
		row, err := img.MemberRef(tok)
		if err != nil {
			return nil, err
		}
		owner, err := r.resolveTypeToken(img, row.Parent, b)
		if err != nil {
			return nil, err
		}
		sig, err := img.MethodSigAt(row.Sig)
		if err != nil {
			return nil, err
		}
		name := img.StringAt(row.Name)
		for d := owner; d != nil; d = d.Base {
			for _, m := range d.Methods {
				if m.Name != name || m.Sig.Conv != sig.Conv {
					continue
				}
				// A vararg call site appends its actual argument types
				// after the declared parameters.
				if len(m.Sig.Params) == len(sig.Params) ||
					m.Sig.IsVarArg() && len(sig.Params) > len(m.Sig.Params) {
					return m, nil
				}
			}
		}
		return nil, fmt.Errorf("no method %s/%d on %s", name, len(sig.Params), owner.FullName())
	case metadata.TableMethodSpec:
		row, err := img.MethodSpec(tok)
		if err != nil {
			return nil, err
		}
		base, err := r.resolveMethodToken(img, row.Method, b)
		if err != nil {
			return nil, err
		}
		sigs, err := img.InstantiationAt(row.Inst)
		if err != nil {
			return nil, err
		}
		args := make([]*TypeDescriptor, len(sigs))
		for i, s := range sigs {
			t, err := r.resolveSig(img, s, b)
			if err != nil {
				return nil, err
			}
			args[i] = t
		}
		return r.instantiateMethod(base, args)
	default:
		return nil, fmt.Errorf("token %v does not name a method", tok)
	}
}

// ownerForMember resolves the declaring type of a Method or Field token
// referenced from inside a compiled body. When the declaring type is
// generic the reference comes from that type's own code, so the
// binding's type arguments apply.
func (r *Resolver) ownerForMember(img *metadata.ModuleImage, ownerTok metadata.Token, b *genericBinding) (*TypeDescriptor, error) {
	row, err := img.TypeDef(ownerTok)
	if err != nil {
		return nil, err
	}
	if row.GenericParams > 0 {
		if b == nil || len(b.typeArgs) != int(row.GenericParams) {
			return nil, fmt.Errorf("generic type %s referenced without instantiation", img.TypeName(row))
		}
		return r.instantiate(img, ownerTok, b.typeArgs)
	}
	return r.instantiate(img, ownerTok, nil)
}

func methodByToken(owner *TypeDescriptor, tok metadata.Token) (*MethodDescriptor, error) {
	for _, m := range owner.Methods {
		if m.Token == tok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("method %v not declared on %s", tok, owner.FullName())
}

// instantiateMethod memoizes generic method instantiation per
// (method, argument tuple).
func (r *Resolver) instantiateMethod(base *MethodDescriptor, args []*TypeDescriptor) (*MethodDescriptor, error) {
	var kb strings.Builder
	fmt.Fprintf(&kb, "%d:%08X", base.Owner.Handle, uint32(base.Token))
	for _, a := range args {
		fmt.Fprintf(&kb, ",%d", a.Handle)
	}
	key := kb.String()
	if m, ok := r.methods[key]; ok {
		return m, nil
	}
	if int(base.Sig.GenericCount) != len(args) {
		return nil, fmt.Errorf("%s expects %d method type arguments, got %d",
			base.FullName(), base.Sig.GenericCount, len(args))
	}
	m := &MethodDescriptor{
		Owner:  base.Owner,
		Module: base.Module,
		Token:  base.Token,
		Name:   base.Name,
		Flags:  base.Flags,
		Sig:    base.Sig,
		Args:   args,
		Slot:   base.Slot,
	}
	b := &genericBinding{typeArgs: base.Owner.Args, methodArgs: args}
	if err := r.resolveMethodSig(m, b); err != nil {
		return nil, err
	}
	r.methods[key] = m
	return m, nil
}

// ResolveFieldToken resolves a Field or MemberRef token.
func (r *Resolver) ResolveFieldToken(img *metadata.ModuleImage, tok metadata.Token, b *genericBinding) (*FieldDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch tok.Table() {
	case metadata.TableField:
		ownerRow, err := img.OwnerOfField(tok.Row())
		if err != nil {
			return nil, err
		}
		owner, err := r.ownerForMember(img, metadata.MakeToken(metadata.TableTypeDef, ownerRow), b)
		if err != nil {
			return nil, err
		}
		for _, f := range owner.Fields {
			if f.Token == tok {
				return f, nil
			}
		}
		for _, f := range owner.StaticFields {
			if f.Token == tok {
				return f, nil
			}
		}
		return nil, fmt.Errorf("field %v not declared on %s", tok, owner.FullName())
	case metadata.TableMemberRef:
		row, err := img.MemberRef(tok)
		if err != nil {
			return nil, err
		}
		owner, err := r.resolveTypeToken(img, row.Parent, b)
		if err != nil {
			return nil, err
		}
		name := img.StringAt(row.Name)
		for d := owner; d != nil; d = d.Base {
			if f := d.FieldByName(name); f != nil {
				return f, nil
			}
		}
		return nil, fmt.Errorf("no field %s on %s", name, owner.FullName())
	default:
		return nil, fmt.Errorf("token %v does not name a field", tok)
	}
}

// FindType resolves a namespace-qualified type name across every
// registered module, instantiating with the given arguments.
func (r *Resolver) FindType(namespace, name string, args ...*TypeDescriptor) (*TypeDescriptor, error) {
	// builtins is frozen after NewResolver, like prims.
	if t, ok := r.builtins[namespace+"."+name]; ok && len(args) == 0 {
		return t, nil
	}
	for _, img := range r.registry.Modules() {
		if tok, ok := img.FindTypeDef(namespace, name); ok {
			if t := r.memoHit(typeKey(img, tok, args)); t != nil {
				return t, nil
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.instantiate(img, tok, args)
		}
	}
	return nil, fmt.Errorf("type %s.%s not found in any registered module", namespace, name)
}
