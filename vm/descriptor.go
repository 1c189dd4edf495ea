package vm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nucleus-os/nucleus/metadata"
	"github.com/nucleus-os/nucleus/pkg/bytecode"
)

// TypeKind classifies a runtime type descriptor.
type TypeKind uint8

const (
	KindPrimitive TypeKind = iota
	KindValueType
	KindClass
	KindInterface
	KindSZArray
	KindMDArray
	KindByRef
	KindPointer
	KindFnPtr
)

// layoutState tracks the field-layout state machine of a descriptor.
// A descriptor is inserted into the resolver cache before its layout is
// computed, so circular references resolve to the in-progress
// descriptor instead of recursing forever.
type layoutState uint8

const (
	layoutNone layoutState = iota
	layoutInProgress
	layoutDone
)

// initState tracks the static-initializer state machine.
type initState uint8

const (
	initNone initState = iota
	initRunning
	initDone
)

// TypeDescriptor is the runtime identity of a fully instantiated type.
// Generic instantiations get one descriptor per type-argument tuple;
// there is no code sharing between instantiations.
type TypeDescriptor struct {
	Module    *metadata.ModuleImage
	Token     metadata.Token
	Kind      TypeKind
	Namespace string
	Name      string
	Flags     metadata.TypeFlags
	Prim      bytecode.ElemKind // set for primitives, else 0

	// Handle is the value stored in object headers; it indexes the
	// resolver's handle table.
	Handle uint64

	Args []*TypeDescriptor // generic type arguments, instantiation order
	Elem *TypeDescriptor   // element for arrays, pointee for byref/pointer
	Rank int               // dimension count for md arrays

	Base       *TypeDescriptor
	Interfaces []*TypeDescriptor

	layout       layoutState
	Size         int // payload size (value size for value types)
	Align        int
	Fields       []*FieldDescriptor
	StaticFields []*FieldDescriptor
	StaticBase   uint64 // static block address, 0 when no statics

	Methods     []*MethodDescriptor
	VTable      []*MethodDescriptor
	IfaceSlots  map[IfaceSlot]*MethodDescriptor
	Initializer *MethodDescriptor

	initMu    sync.Mutex
	init      initState
	initOwner uint64 // execution context id running the initializer
}

// IfaceSlot identifies one slot of one interface for dispatch.
type IfaceSlot struct {
	Iface *TypeDescriptor
	Slot  int
}

// FullName renders the namespace-qualified name with instantiation
// arguments, e.g. Kernel.Collections.List<System.Int32>.
func (t *TypeDescriptor) FullName() string {
	var b strings.Builder
	switch t.Kind {
	case KindSZArray:
		b.WriteString(t.Elem.FullName())
		b.WriteString("[]")
		return b.String()
	case KindMDArray:
		b.WriteString(t.Elem.FullName())
		b.WriteByte('[')
		b.WriteString(strings.Repeat(",", t.Rank-1))
		b.WriteByte(']')
		return b.String()
	case KindByRef:
		return t.Elem.FullName() + "&"
	case KindPointer:
		return t.Elem.FullName() + "*"
	}
	if t.Namespace != "" {
		b.WriteString(t.Namespace)
		b.WriteByte('.')
	}
	b.WriteString(t.Name)
	if len(t.Args) > 0 {
		b.WriteByte('<')
		for i, a := range t.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(a.FullName())
		}
		b.WriteByte('>')
	}
	return b.String()
}

// IsValueType reports whether instances are copied by value.
func (t *TypeDescriptor) IsValueType() bool {
	return t.Kind == KindValueType || t.Kind == KindPrimitive && t.Prim != bytecode.ElemString && t.Prim != bytecode.ElemObject
}

// IsReference reports whether values of the type are managed
// references.
func (t *TypeDescriptor) IsReference() bool {
	switch t.Kind {
	case KindClass, KindInterface, KindSZArray, KindMDArray:
		return true
	case KindPrimitive:
		return t.Prim == bytecode.ElemString || t.Prim == bytecode.ElemObject
	}
	return false
}

// IsFloat reports whether the type maps to a float register.
func (t *TypeDescriptor) IsFloat() bool {
	return t.Kind == KindPrimitive && (t.Prim == bytecode.ElemR4 || t.Prim == bytecode.ElemR8)
}

// IsNullable reports whether the type is a Nullable<T> instantiation.
func (t *TypeDescriptor) IsNullable() bool {
	return t.Flags&metadata.TypeFlagNullable != 0 && len(t.Args) == 1
}

// IsDelegate reports whether the type derives from the delegate root.
func (t *TypeDescriptor) IsDelegate() bool {
	for d := t; d != nil; d = d.Base {
		if d.Flags&metadata.TypeFlagDelegate != 0 {
			return true
		}
	}
	return false
}

// ValueSize is the size of one value of the type: the payload size for
// value types, one word for references and pointers.
func (t *TypeDescriptor) ValueSize() int {
	if t.IsValueType() {
		return t.Size
	}
	return 8
}

// ValueAlign is the alignment of one value of the type.
func (t *TypeDescriptor) ValueAlign() int {
	if t.IsValueType() {
		return t.Align
	}
	return 8
}

// FieldByName finds a declared instance or static field.
func (t *TypeDescriptor) FieldByName(name string) *FieldDescriptor {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	for _, f := range t.StaticFields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// MethodByName finds a declared method. Overloads are distinguished by
// parameter count only; the kernel's metadata never declares two
// same-arity overloads of one name.
func (t *TypeDescriptor) MethodByName(name string, paramCount int) *MethodDescriptor {
	for _, m := range t.Methods {
		if m.Name == name && len(m.Sig.Params) == paramCount {
			return m
		}
	}
	return nil
}

// IsAssignableTo reports whether a value of type t may be stored where
// target is expected: identity, base-class walk, interface
// implementation, and array covariance over reference elements.
func (t *TypeDescriptor) IsAssignableTo(target *TypeDescriptor) bool {
	if t == target {
		return true
	}
	if target.Kind == KindPrimitive && target.Prim == bytecode.ElemObject {
		return t.IsReference() || !t.IsValueType()
	}
	for d := t.Base; d != nil; d = d.Base {
		if d == target {
			return true
		}
	}
	if target.Kind == KindInterface {
		for d := t; d != nil; d = d.Base {
			for _, it := range d.Interfaces {
				if it == target || it.IsAssignableTo(target) {
					return true
				}
			}
		}
	}
	if t.Kind == KindSZArray && target.Kind == KindSZArray {
		if t.Elem.IsReference() && target.Elem.IsReference() {
			return t.Elem.IsAssignableTo(target.Elem)
		}
	}
	return false
}

// FieldDescriptor is the runtime identity of one field.
type FieldDescriptor struct {
	Owner      *TypeDescriptor
	Token      metadata.Token
	Name       string
	Type       *TypeDescriptor
	Flags      metadata.FieldFlags
	Static     bool
	Offset     uint32 // payload-relative for instance fields
	StaticAddr uint64 // absolute address for static fields
	FixedCount int    // element count for fixed buffers, 0 otherwise
}

// compileState tracks a method slot: empty, compiling, published.
type compileState uint8

const (
	codeEmpty compileState = iota
	codeCompiling
	codePublished
)

// MethodDescriptor is the runtime identity of one method, including a
// generic method's instantiation arguments.
type MethodDescriptor struct {
	Owner  *TypeDescriptor
	Module *metadata.ModuleImage
	Token  metadata.Token
	Name   string
	Flags  metadata.MethodFlags
	Sig    *bytecode.MethodSig
	Args   []*TypeDescriptor // generic method arguments

	// Resolved against the owner's and method's instantiations.
	Params []*TypeDescriptor // excludes this
	Ret    *TypeDescriptor

	Slot int // vtable slot, -1 for non-virtual

	mu    sync.Mutex
	state compileState
	code  *CompiledMethod
}

// FullName renders Owner.Name<Args>.
func (m *MethodDescriptor) FullName() string {
	var b strings.Builder
	if m.Owner != nil {
		b.WriteString(m.Owner.FullName())
		b.WriteByte('.')
	}
	b.WriteString(m.Name)
	if len(m.Args) > 0 {
		b.WriteByte('<')
		for i, a := range m.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(a.FullName())
		}
		b.WriteByte('>')
	}
	return b.String()
}

// IsStatic reports whether the method has no this parameter.
func (m *MethodDescriptor) IsStatic() bool {
	return m.Flags&metadata.MethodFlagStatic != 0
}

// IsVirtual reports whether calls through callvirt dispatch on the
// runtime type.
func (m *MethodDescriptor) IsVirtual() bool {
	return m.Flags&metadata.MethodFlagVirtual != 0
}

// Code returns the published machine code, or nil when the method has
// not been compiled yet.
func (m *MethodDescriptor) Code() *CompiledMethod {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == codePublished {
		return m.code
	}
	return nil
}

func (m *MethodDescriptor) String() string {
	return fmt.Sprintf("%s/%d", m.FullName(), len(m.Sig.Params))
}
