package metadata

// TypeFlags describes a TypeDef row.
type TypeFlags uint32

const (
	// TypeFlagValueType marks a value type (copied by value, no header
	// when stored inline).
	TypeFlagValueType TypeFlags = 1 << 0
	// TypeFlagInterface marks an interface definition.
	TypeFlagInterface TypeFlags = 1 << 1
	// TypeFlagExplicitLayout marks author-specified field offsets;
	// overlapping fields carry union semantics.
	TypeFlagExplicitLayout TypeFlags = 1 << 2
	// TypeFlagAbstract marks a type that cannot be instantiated.
	TypeFlagAbstract TypeFlags = 1 << 3
	// TypeFlagSealed marks a type that cannot be extended.
	TypeFlagSealed TypeFlags = 1 << 4
	// TypeFlagDelegate marks a delegate type; its Invoke method is
	// runtime-provided.
	TypeFlagDelegate TypeFlags = 1 << 5
	// TypeFlagNullable marks the nullable wrapper type: boxing an absent
	// value produces a null reference.
	TypeFlagNullable TypeFlags = 1 << 6
)

// FieldFlags describes a Field row.
type FieldFlags uint16

const (
	// FieldFlagStatic marks per-type rather than per-instance storage.
	FieldFlagStatic FieldFlags = 1 << 0
)

// MethodFlags describes a Method row.
type MethodFlags uint16

const (
	MethodFlagStatic   MethodFlags = 1 << 0
	MethodFlagVirtual  MethodFlags = 1 << 1
	MethodFlagAbstract MethodFlags = 1 << 2
	// MethodFlagNewSlot allocates a fresh vtable slot instead of
	// replacing a base slot of the same name/signature.
	MethodFlagNewSlot MethodFlags = 1 << 3
	MethodFlagFinal   MethodFlags = 1 << 4
	// MethodFlagCtor marks an instance constructor.
	MethodFlagCtor MethodFlags = 1 << 5
	// MethodFlagTypeInit marks the static initializer.
	MethodFlagTypeInit MethodFlags = 1 << 6
	// MethodFlagRuntime marks a body provided by the runtime
	// (delegate Invoke and friends).
	MethodFlagRuntime MethodFlags = 1 << 7
)

// NoOffset is the Field row offset value meaning "engine-chosen placement".
const NoOffset uint32 = 0xFFFFFFFF

// ModuleRow names the module and its assembly.
type ModuleRow struct {
	Name uint32 // string heap offset
}

// TypeRefRow is a reference to a type defined in another module.
type TypeRefRow struct {
	Assembly  uint32 // string heap offset
	Namespace uint32
	Name      uint32
}

// TypeDefRow defines a type: its members are the contiguous row ranges
// [FieldFirst, FieldFirst+FieldCount) and [MethodFirst, MethodFirst+MethodCount).
type TypeDefRow struct {
	Flags         TypeFlags
	Namespace     uint32 // string heap offset
	Name          uint32
	Extends       Token // base type, nil token for roots and value types
	FieldFirst    uint32
	FieldCount    uint32
	MethodFirst   uint32
	MethodCount   uint32
	PackSize      uint16 // sequential layout packing override, 0 = natural
	ClassSize     uint32 // explicit minimum size, 0 = computed
	GenericParams uint16
}

// FieldRow defines a field.
type FieldRow struct {
	Flags      FieldFlags
	Name       uint32
	Sig        uint32 // blob heap offset: TypeSig
	Offset     uint32 // explicit byte offset, NoOffset for engine-chosen
	Data       uint32 // blob heap offset of static initializer data, 0 = none
	FixedCount uint32 // inline fixed buffer element count, 0 = not a buffer
}

// MethodRow defines a method.
type MethodRow struct {
	Flags         MethodFlags
	Name          uint32
	Sig           uint32 // blob heap offset: MethodSig
	Body          uint32 // blob heap offset: MethodBody, 0 = abstract/runtime
	GenericParams uint16
}

// ParamRow names a method parameter.
type ParamRow struct {
	Name   uint32
	Method uint32 // 1-based Method row
	Index  uint16
}

// InterfaceImplRow records that a TypeDef implements an interface.
type InterfaceImplRow struct {
	Type      Token // TypeDef token
	Interface Token // TypeDef, TypeRef or TypeSpec token
}

// MemberRefRow references a field or method through its parent type.
type MemberRefRow struct {
	Parent Token // TypeDef, TypeRef or TypeSpec
	Name   uint32
	Sig    uint32 // blob heap offset: TypeSig (field) or MethodSig (method)
}

// TypeSpecRow carries a constructed type signature (generic instantiation,
// array, pointer).
type TypeSpecRow struct {
	Sig uint32 // blob heap offset: TypeSig
}

// MethodSpecRow instantiates a generic method.
type MethodSpecRow struct {
	Method Token  // Method or MemberRef token
	Inst   uint32 // blob heap offset: u8 count + TypeSigs
}

// Fixed row widths in the image, in bytes.
const (
	moduleRowSize        = 4
	typeRefRowSize       = 12
	typeDefRowSize       = 40
	fieldRowSize         = 22
	methodRowSize        = 16
	paramRowSize         = 10
	interfaceImplRowSize = 8
	memberRefRowSize     = 12
	typeSpecRowSize      = 4
	methodSpecRowSize    = 8
)

func rowSize(t Table) int {
	switch t {
	case TableModule:
		return moduleRowSize
	case TableTypeRef:
		return typeRefRowSize
	case TableTypeDef:
		return typeDefRowSize
	case TableField:
		return fieldRowSize
	case TableMethod:
		return methodRowSize
	case TableParam:
		return paramRowSize
	case TableInterfaceImpl:
		return interfaceImplRowSize
	case TableMemberRef:
		return memberRefRowSize
	case TableTypeSpec:
		return typeSpecRowSize
	case TableMethodSpec:
		return methodSpecRowSize
	default:
		return 0
	}
}
