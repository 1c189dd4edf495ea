package bytecode

import (
	"fmt"
)

// ElemKind is an element-type code used in type and method signatures.
// Signatures are stored in the module blob heap and must decode bit-exactly.
type ElemKind byte

const (
	ElemVoid   ElemKind = 0x01
	ElemBool   ElemKind = 0x02
	ElemChar   ElemKind = 0x03
	ElemI1     ElemKind = 0x04
	ElemU1     ElemKind = 0x05
	ElemI2     ElemKind = 0x06
	ElemU2     ElemKind = 0x07
	ElemI4     ElemKind = 0x08
	ElemU4     ElemKind = 0x09
	ElemI8     ElemKind = 0x0A
	ElemU8     ElemKind = 0x0B
	ElemR4     ElemKind = 0x0C
	ElemR8     ElemKind = 0x0D
	ElemString ElemKind = 0x0E

	ElemPtr       ElemKind = 0x0F // unmanaged pointer to element type
	ElemByRef     ElemKind = 0x10 // managed pointer to element type
	ElemValueType ElemKind = 0x11 // value type, followed by token
	ElemClass     ElemKind = 0x12 // reference type, followed by token
	ElemVar       ElemKind = 0x13 // generic type parameter, followed by index
	ElemMDArray   ElemKind = 0x14 // multi-dimensional array: elem, rank
	ElemGeneric   ElemKind = 0x15 // instantiated generic: token, argc, args
	ElemObject    ElemKind = 0x1C // the root reference type
	ElemSZArray   ElemKind = 0x1D // single-dimensional, zero-based array
	ElemMVar      ElemKind = 0x1E // generic method parameter, followed by index
	ElemFnPtr     ElemKind = 0x1F // function pointer, followed by method sig
)

// TypeSig is a decoded type signature.
type TypeSig struct {
	Kind  ElemKind
	Token uint32    // ElemValueType, ElemClass, ElemGeneric
	Elem  *TypeSig  // ElemPtr, ElemByRef, ElemSZArray, ElemMDArray
	Args  []TypeSig // ElemGeneric type arguments
	Rank  uint8     // ElemMDArray
	Num   uint8     // ElemVar / ElemMVar parameter index
	Fn    *MethodSig
}

// Primitive type signatures, shared to avoid per-use allocation.
var (
	SigVoid   = TypeSig{Kind: ElemVoid}
	SigBool   = TypeSig{Kind: ElemBool}
	SigChar   = TypeSig{Kind: ElemChar}
	SigI1     = TypeSig{Kind: ElemI1}
	SigU1     = TypeSig{Kind: ElemU1}
	SigI2     = TypeSig{Kind: ElemI2}
	SigU2     = TypeSig{Kind: ElemU2}
	SigI4     = TypeSig{Kind: ElemI4}
	SigU4     = TypeSig{Kind: ElemU4}
	SigI8     = TypeSig{Kind: ElemI8}
	SigU8     = TypeSig{Kind: ElemU8}
	SigR4     = TypeSig{Kind: ElemR4}
	SigR8     = TypeSig{Kind: ElemR8}
	SigString = TypeSig{Kind: ElemString}
	SigObject = TypeSig{Kind: ElemObject}
)

// ValueTypeSig returns a value-type signature for the given token.
func ValueTypeSig(token uint32) TypeSig { return TypeSig{Kind: ElemValueType, Token: token} }

// ClassSig returns a reference-type signature for the given token.
func ClassSig(token uint32) TypeSig { return TypeSig{Kind: ElemClass, Token: token} }

// ByRefSig returns a managed-pointer signature to elem.
func ByRefSig(elem TypeSig) TypeSig { return TypeSig{Kind: ElemByRef, Elem: &elem} }

// ArraySig returns a single-dimensional array signature over elem.
func ArraySig(elem TypeSig) TypeSig { return TypeSig{Kind: ElemSZArray, Elem: &elem} }

// MDArraySig returns a multi-dimensional array signature over elem.
func MDArraySig(elem TypeSig, rank uint8) TypeSig {
	return TypeSig{Kind: ElemMDArray, Elem: &elem, Rank: rank}
}

// GenericSig returns an instantiated generic type signature.
func GenericSig(token uint32, args ...TypeSig) TypeSig {
	return TypeSig{Kind: ElemGeneric, Token: token, Args: args}
}

// VarSig returns a generic type parameter reference.
func VarSig(index uint8) TypeSig { return TypeSig{Kind: ElemVar, Num: index} }

// MVarSig returns a generic method parameter reference.
func MVarSig(index uint8) TypeSig { return TypeSig{Kind: ElemMVar, Num: index} }

// IsPrimitive reports whether the signature is a primitive element type.
func (t TypeSig) IsPrimitive() bool {
	switch t.Kind {
	case ElemBool, ElemChar, ElemI1, ElemU1, ElemI2, ElemU2,
		ElemI4, ElemU4, ElemI8, ElemU8, ElemR4, ElemR8:
		return true
	}
	return false
}

// IsReference reports whether values of this signature are managed references.
func (t TypeSig) IsReference() bool {
	switch t.Kind {
	case ElemString, ElemClass, ElemObject, ElemSZArray, ElemMDArray:
		return true
	}
	return false
}

// IsFloat reports whether the signature is a floating-point primitive.
func (t TypeSig) IsFloat() bool {
	return t.Kind == ElemR4 || t.Kind == ElemR8
}

// IsVoid reports whether the signature is void.
func (t TypeSig) IsVoid() bool { return t.Kind == ElemVoid }

func (t TypeSig) String() string {
	switch t.Kind {
	case ElemVoid:
		return "void"
	case ElemBool:
		return "bool"
	case ElemChar:
		return "char"
	case ElemI1:
		return "i1"
	case ElemU1:
		return "u1"
	case ElemI2:
		return "i2"
	case ElemU2:
		return "u2"
	case ElemI4:
		return "i4"
	case ElemU4:
		return "u4"
	case ElemI8:
		return "i8"
	case ElemU8:
		return "u8"
	case ElemR4:
		return "r4"
	case ElemR8:
		return "r8"
	case ElemString:
		return "string"
	case ElemObject:
		return "object"
	case ElemPtr:
		return "*" + t.Elem.String()
	case ElemByRef:
		return "&" + t.Elem.String()
	case ElemValueType:
		return fmt.Sprintf("valuetype(0x%08X)", t.Token)
	case ElemClass:
		return fmt.Sprintf("class(0x%08X)", t.Token)
	case ElemVar:
		return fmt.Sprintf("!%d", t.Num)
	case ElemMVar:
		return fmt.Sprintf("!!%d", t.Num)
	case ElemSZArray:
		return t.Elem.String() + "[]"
	case ElemMDArray:
		return fmt.Sprintf("%s[rank %d]", t.Elem.String(), t.Rank)
	case ElemGeneric:
		s := fmt.Sprintf("generic(0x%08X)<", t.Token)
		for i, a := range t.Args {
			if i > 0 {
				s += ","
			}
			s += a.String()
		}
		return s + ">"
	case ElemFnPtr:
		return "fnptr"
	default:
		return fmt.Sprintf("elem(0x%02X)", byte(t.Kind))
	}
}

// CallConv holds calling-convention flags for a method signature.
type CallConv uint8

const (
	// CallConvHasThis marks an instance method (implicit this argument).
	CallConvHasThis CallConv = 1 << 0
	// CallConvVarArg marks a variable-argument signature.
	CallConvVarArg CallConv = 1 << 1
	// CallConvGeneric marks a generic method signature.
	CallConvGeneric CallConv = 1 << 2
)

// MethodSig is a decoded method signature.
type MethodSig struct {
	Conv         CallConv
	GenericCount uint8
	Ret          TypeSig
	Params       []TypeSig
}

// HasThis reports whether the signature carries an implicit this argument.
func (s MethodSig) HasThis() bool { return s.Conv&CallConvHasThis != 0 }

// IsVarArg reports whether the signature accepts variable arguments.
func (s MethodSig) IsVarArg() bool { return s.Conv&CallConvVarArg != 0 }

func (s MethodSig) String() string {
	out := s.Ret.String() + " ("
	for i, p := range s.Params {
		if i > 0 {
			out += ", "
		}
		out += p.String()
	}
	if s.IsVarArg() {
		out += ", ..."
	}
	return out + ")"
}

// ----------------------------------------------------------------------------
// Binary encoding
// ----------------------------------------------------------------------------

// EncodeTypeSig appends the binary encoding of t to buf.
func EncodeTypeSig(buf []byte, t TypeSig) []byte {
	buf = append(buf, byte(t.Kind))
	switch t.Kind {
	case ElemPtr, ElemByRef, ElemSZArray:
		buf = EncodeTypeSig(buf, *t.Elem)
	case ElemMDArray:
		buf = EncodeTypeSig(buf, *t.Elem)
		buf = append(buf, t.Rank)
	case ElemValueType, ElemClass:
		buf = appendU32(buf, t.Token)
	case ElemVar, ElemMVar:
		buf = append(buf, t.Num)
	case ElemGeneric:
		buf = appendU32(buf, t.Token)
		buf = append(buf, byte(len(t.Args)))
		for _, a := range t.Args {
			buf = EncodeTypeSig(buf, a)
		}
	case ElemFnPtr:
		buf = EncodeMethodSig(buf, *t.Fn)
	}
	return buf
}

// DecodeTypeSig decodes one type signature from data, returning the
// signature and the number of bytes consumed.
func DecodeTypeSig(data []byte) (TypeSig, int, error) {
	if len(data) == 0 {
		return TypeSig{}, 0, fmt.Errorf("type signature: empty data")
	}
	kind := ElemKind(data[0])
	n := 1
	t := TypeSig{Kind: kind}
	switch kind {
	case ElemVoid, ElemBool, ElemChar, ElemI1, ElemU1, ElemI2, ElemU2,
		ElemI4, ElemU4, ElemI8, ElemU8, ElemR4, ElemR8, ElemString, ElemObject:
	case ElemPtr, ElemByRef, ElemSZArray:
		elem, m, err := DecodeTypeSig(data[n:])
		if err != nil {
			return TypeSig{}, 0, err
		}
		t.Elem = &elem
		n += m
	case ElemMDArray:
		elem, m, err := DecodeTypeSig(data[n:])
		if err != nil {
			return TypeSig{}, 0, err
		}
		t.Elem = &elem
		n += m
		if n >= len(data) {
			return TypeSig{}, 0, fmt.Errorf("type signature: truncated array rank")
		}
		t.Rank = data[n]
		n++
	case ElemValueType, ElemClass:
		if n+4 > len(data) {
			return TypeSig{}, 0, fmt.Errorf("type signature: truncated token")
		}
		t.Token = readU32(data[n:])
		n += 4
	case ElemVar, ElemMVar:
		if n >= len(data) {
			return TypeSig{}, 0, fmt.Errorf("type signature: truncated parameter index")
		}
		t.Num = data[n]
		n++
	case ElemGeneric:
		if n+5 > len(data) {
			return TypeSig{}, 0, fmt.Errorf("type signature: truncated generic instantiation")
		}
		t.Token = readU32(data[n:])
		n += 4
		argc := int(data[n])
		n++
		t.Args = make([]TypeSig, 0, argc)
		for i := 0; i < argc; i++ {
			a, m, err := DecodeTypeSig(data[n:])
			if err != nil {
				return TypeSig{}, 0, err
			}
			t.Args = append(t.Args, a)
			n += m
		}
	case ElemFnPtr:
		fn, m, err := DecodeMethodSig(data[n:])
		if err != nil {
			return TypeSig{}, 0, err
		}
		t.Fn = &fn
		n += m
	default:
		return TypeSig{}, 0, fmt.Errorf("type signature: unknown element kind 0x%02X", byte(kind))
	}
	return t, n, nil
}

// EncodeMethodSig appends the binary encoding of s to buf.
func EncodeMethodSig(buf []byte, s MethodSig) []byte {
	buf = append(buf, byte(s.Conv), s.GenericCount, byte(len(s.Params)))
	buf = EncodeTypeSig(buf, s.Ret)
	for _, p := range s.Params {
		buf = EncodeTypeSig(buf, p)
	}
	return buf
}

// DecodeMethodSig decodes one method signature from data, returning the
// signature and the number of bytes consumed.
func DecodeMethodSig(data []byte) (MethodSig, int, error) {
	if len(data) < 3 {
		return MethodSig{}, 0, fmt.Errorf("method signature: truncated header")
	}
	s := MethodSig{Conv: CallConv(data[0]), GenericCount: data[1]}
	count := int(data[2])
	n := 3
	ret, m, err := DecodeTypeSig(data[n:])
	if err != nil {
		return MethodSig{}, 0, fmt.Errorf("method signature return: %w", err)
	}
	s.Ret = ret
	n += m
	s.Params = make([]TypeSig, 0, count)
	for i := 0; i < count; i++ {
		p, m, err := DecodeTypeSig(data[n:])
		if err != nil {
			return MethodSig{}, 0, fmt.Errorf("method signature param %d: %w", i, err)
		}
		s.Params = append(s.Params, p)
		n += m
	}
	return s, n, nil
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readU32(data []byte) uint32 {
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
}
