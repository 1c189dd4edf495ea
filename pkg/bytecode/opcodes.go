package bytecode

import "fmt"

// Opcode represents a managed bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop Opcode = 0x00 // No operation
	OpPop Opcode = 0x01 // Pop top of stack
	OpDup Opcode = 0x02 // Duplicate top of stack

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpLoadI4   Opcode = 0x10 // Push 32-bit constant: OpLoadI4 <value:i32>
	OpLoadI8   Opcode = 0x11 // Push 64-bit constant: OpLoadI8 <value:i64>
	OpLoadR4   Opcode = 0x12 // Push float32 constant: OpLoadR4 <bits:u32>
	OpLoadR8   Opcode = 0x13 // Push float64 constant: OpLoadR8 <bits:u64>
	OpLoadStr  Opcode = 0x14 // Push string from heap: OpLoadStr <offset:u32>
	OpLoadNull Opcode = 0x15 // Push null reference

	// ========================================================================
	// Locals and arguments (0x20-0x2F)
	// ========================================================================

	OpLoadLocal     Opcode = 0x20 // Push local: OpLoadLocal <slot:u16>
	OpStoreLocal    Opcode = 0x21 // Pop into local: OpStoreLocal <slot:u16>
	OpLoadArg       Opcode = 0x22 // Push argument: OpLoadArg <index:u16>
	OpStoreArg      Opcode = 0x23 // Pop into argument: OpStoreArg <index:u16>
	OpLoadLocalAddr Opcode = 0x24 // Push address of local: OpLoadLocalAddr <slot:u16>
	OpLoadArgAddr   Opcode = 0x25 // Push address of argument: OpLoadArgAddr <index:u16>
	OpLoadCapture   Opcode = 0x26 // Push captured variable: OpLoadCapture <slot:u16>
	OpStoreCapture  Opcode = 0x27 // Pop into captured variable: OpStoreCapture <slot:u16>
	OpLoadArgIter   Opcode = 0x28 // Push vararg iterator cookie address

	// ========================================================================
	// Arithmetic (0x30-0x3F)
	// ========================================================================

	OpAdd   Opcode = 0x30 // Pop two, push sum
	OpSub   Opcode = 0x31 // Pop two, push difference
	OpMul   Opcode = 0x32 // Pop two, push product
	OpDiv   Opcode = 0x33 // Signed quotient; traps on zero divisor
	OpDivUn Opcode = 0x34 // Unsigned quotient; traps on zero divisor
	OpRem   Opcode = 0x35 // Signed remainder; traps on zero divisor
	OpRemUn Opcode = 0x36 // Unsigned remainder; traps on zero divisor
	OpNeg   Opcode = 0x37 // Negate top of stack
	OpAnd   Opcode = 0x38 // Bitwise AND
	OpOr    Opcode = 0x39 // Bitwise OR
	OpXor   Opcode = 0x3A // Bitwise XOR
	OpNot   Opcode = 0x3B // Bitwise complement
	OpShl   Opcode = 0x3C // Shift left; 64-bit amounts taken mod 64
	OpShr   Opcode = 0x3D // Arithmetic shift right
	OpShrUn Opcode = 0x3E // Logical shift right

	// ========================================================================
	// Overflow-checked arithmetic (0x40-0x47)
	// ========================================================================

	OpAddOvf   Opcode = 0x40 // Signed add, raises overflow condition
	OpAddOvfUn Opcode = 0x41 // Unsigned add, raises overflow condition
	OpSubOvf   Opcode = 0x42 // Signed subtract, raises overflow condition
	OpSubOvfUn Opcode = 0x43 // Unsigned subtract, raises overflow condition
	OpMulOvf   Opcode = 0x44 // Signed multiply, raises overflow condition
	OpMulOvfUn Opcode = 0x45 // Unsigned multiply, raises overflow condition

	// ========================================================================
	// Conversions (0x48-0x5F)
	// ========================================================================

	OpConvI1    Opcode = 0x48 // Truncate to int8, sign-extend
	OpConvI2    Opcode = 0x49 // Truncate to int16, sign-extend
	OpConvI4    Opcode = 0x4A // Truncate to int32, sign-extend
	OpConvI8    Opcode = 0x4B // Widen to int64 (sign-extend)
	OpConvU1    Opcode = 0x4C // Truncate to uint8, zero-extend
	OpConvU2    Opcode = 0x4D // Truncate to uint16, zero-extend
	OpConvU4    Opcode = 0x4E // Truncate to uint32, zero-extend
	OpConvU8    Opcode = 0x4F // Widen to uint64 (zero-extend)
	OpConvR4    Opcode = 0x50 // Convert to float32
	OpConvR8    Opcode = 0x51 // Convert to float64
	OpConvRToI  Opcode = 0x52 // Float to int64, truncate toward zero
	OpConvOvfI4 Opcode = 0x53 // Narrow to int32, raise on out-of-range
	OpConvOvfU4 Opcode = 0x54 // Narrow to uint32, raise on out-of-range
	OpConvOvfI8 Opcode = 0x55 // To int64 from unsigned, raise on out-of-range
	OpConvOvfU8 Opcode = 0x56 // To uint64 from signed, raise on negative

	// ========================================================================
	// Comparison (0x60-0x6F)
	// ========================================================================

	OpCeq   Opcode = 0x60 // Pop two, push 1 if equal else 0
	OpCgt   Opcode = 0x61 // Signed greater-than
	OpCgtUn Opcode = 0x62 // Unsigned greater-than
	OpClt   Opcode = 0x63 // Signed less-than
	OpCltUn Opcode = 0x64 // Unsigned less-than

	// ========================================================================
	// Branches (0x70-0x7F); offsets are relative to the next instruction
	// ========================================================================

	OpBr      Opcode = 0x70 // Unconditional: OpBr <offset:i32>
	OpBrTrue  Opcode = 0x71 // Branch if nonzero
	OpBrFalse Opcode = 0x72 // Branch if zero
	OpBeq     Opcode = 0x73 // Branch if equal
	OpBneUn   Opcode = 0x74 // Branch if not equal
	OpBlt     Opcode = 0x75 // Branch if signed less
	OpBle     Opcode = 0x76 // Branch if signed less-or-equal
	OpBgt     Opcode = 0x77 // Branch if signed greater
	OpBge     Opcode = 0x78 // Branch if signed greater-or-equal
	OpBltUn   Opcode = 0x79 // Branch if unsigned less
	OpBleUn   Opcode = 0x7A // Branch if unsigned less-or-equal
	OpBgtUn   Opcode = 0x7B // Branch if unsigned greater
	OpBgeUn   Opcode = 0x7C // Branch if unsigned greater-or-equal

	// ========================================================================
	// Fields and statics (0x80-0x8F)
	// ========================================================================

	OpLoadField      Opcode = 0x80 // Push field of popped object/struct addr: <token:u32>
	OpStoreField     Opcode = 0x81 // Store into field: <token:u32>
	OpLoadFieldAddr  Opcode = 0x82 // Push address of field: <token:u32>
	OpLoadStatic     Opcode = 0x83 // Push static field: <token:u32>
	OpStoreStatic    Opcode = 0x84 // Store static field: <token:u32>
	OpLoadStaticAddr Opcode = 0x85 // Push address of static field: <token:u32>

	// ========================================================================
	// Objects and arrays (0x90-0x9F)
	// ========================================================================

	OpNewObject    Opcode = 0x90 // Allocate + run constructor: <ctor token:u32>
	OpNewArray     Opcode = 0x91 // Pop length, push array ref: <elem type token:u32>
	OpLoadElem     Opcode = 0x92 // Pop index, array; push element: <elem type token:u32>
	OpStoreElem    Opcode = 0x93 // Pop value, index, array; store: <elem type token:u32>
	OpLoadElemAddr Opcode = 0x94 // Pop index, array; push element address: <token:u32>
	OpLoadLength   Opcode = 0x95 // Pop array, push length
	OpNewMDArray   Opcode = 0x96 // Pop per-dimension lengths, push array: <token:u32> <rank:u8>
	OpLoadElemMD   Opcode = 0x97 // Pop per-dimension indices, array: <token:u32> <rank:u8>
	OpStoreElemMD  Opcode = 0x98 // Pop value, indices, array: <token:u32> <rank:u8>
	OpBox          Opcode = 0x99 // Box value type: <type token:u32>
	OpUnbox        Opcode = 0x9A // Unbox to payload address: <type token:u32>
	OpCastClass    Opcode = 0x9B // Checked reference cast: <type token:u32>
	OpIsInst       Opcode = 0x9C // Push ref or null per type test: <type token:u32>

	// ========================================================================
	// Calls (0xA0-0xAF)
	// ========================================================================

	OpCall         Opcode = 0xA0 // Direct call: <method token:u32>
	OpCallVirt     Opcode = 0xA1 // Virtual/interface call: <method token:u32>
	OpCallIndirect Opcode = 0xA2 // Pop target address, call: <sig blob offset:u32>
	OpLoadFunc     Opcode = 0xA3 // Push code address of method: <method token:u32>
	OpLoadVirtFunc Opcode = 0xA4 // Pop object, push resolved virtual target: <token:u32>
	OpNewDelegate  Opcode = 0xA5 // Pop target object, push delegate: <method token:u32>
	OpNewClosure   Opcode = 0xA6 // Push closure over current capture frame: <method token:u32>
	OpRet          Opcode = 0xAF // Return, with value on stack if non-void

	// ========================================================================
	// Exceptions (0xB0-0xBF)
	// ========================================================================

	OpThrow      Opcode = 0xB0 // Pop exception object, raise it
	OpRethrow    Opcode = 0xB1 // Re-raise the in-flight exception (catch bodies only)
	OpLeave      Opcode = 0xB2 // Exit protected region(s): OpLeave <offset:i32>
	OpEndFinally Opcode = 0xB3 // Terminate a finally handler
	OpEndFilter  Opcode = 0xB4 // Pop verdict, terminate a filter
)

// OperandKind describes the encoded operand(s) following an opcode.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandU8
	OperandU16
	OperandI32
	OperandI64
	OperandU32
	OperandU64
	OperandU32U8 // token followed by a u8 rank (multi-dimensional array ops)
)

// Width returns the encoded byte width of the operand.
func (k OperandKind) Width() int {
	switch k {
	case OperandU8:
		return 1
	case OperandU16:
		return 2
	case OperandI32, OperandU32:
		return 4
	case OperandI64, OperandU64:
		return 8
	case OperandU32U8:
		return 5
	default:
		return 0
	}
}

type opInfo struct {
	name    string
	operand OperandKind
}

var opTable = map[Opcode]opInfo{
	OpNop: {"nop", OperandNone},
	OpPop: {"pop", OperandNone},
	OpDup: {"dup", OperandNone},

	OpLoadI4:   {"load.i4", OperandI32},
	OpLoadI8:   {"load.i8", OperandI64},
	OpLoadR4:   {"load.r4", OperandU32},
	OpLoadR8:   {"load.r8", OperandU64},
	OpLoadStr:  {"load.str", OperandU32},
	OpLoadNull: {"load.null", OperandNone},

	OpLoadLocal:     {"load.local", OperandU16},
	OpStoreLocal:    {"store.local", OperandU16},
	OpLoadArg:       {"load.arg", OperandU16},
	OpStoreArg:      {"store.arg", OperandU16},
	OpLoadLocalAddr: {"load.local.addr", OperandU16},
	OpLoadArgAddr:   {"load.arg.addr", OperandU16},
	OpLoadCapture:   {"load.capture", OperandU16},
	OpStoreCapture:  {"store.capture", OperandU16},
	OpLoadArgIter:   {"load.argiter", OperandNone},

	OpAdd: {"add", OperandNone}, OpSub: {"sub", OperandNone},
	OpMul: {"mul", OperandNone}, OpDiv: {"div", OperandNone},
	OpDivUn: {"div.un", OperandNone}, OpRem: {"rem", OperandNone},
	OpRemUn: {"rem.un", OperandNone}, OpNeg: {"neg", OperandNone},
	OpAnd: {"and", OperandNone}, OpOr: {"or", OperandNone},
	OpXor: {"xor", OperandNone}, OpNot: {"not", OperandNone},
	OpShl: {"shl", OperandNone}, OpShr: {"shr", OperandNone},
	OpShrUn: {"shr.un", OperandNone},

	OpAddOvf: {"add.ovf", OperandNone}, OpAddOvfUn: {"add.ovf.un", OperandNone},
	OpSubOvf: {"sub.ovf", OperandNone}, OpSubOvfUn: {"sub.ovf.un", OperandNone},
	OpMulOvf: {"mul.ovf", OperandNone}, OpMulOvfUn: {"mul.ovf.un", OperandNone},

	OpConvI1: {"conv.i1", OperandNone}, OpConvI2: {"conv.i2", OperandNone},
	OpConvI4: {"conv.i4", OperandNone}, OpConvI8: {"conv.i8", OperandNone},
	OpConvU1: {"conv.u1", OperandNone}, OpConvU2: {"conv.u2", OperandNone},
	OpConvU4: {"conv.u4", OperandNone}, OpConvU8: {"conv.u8", OperandNone},
	OpConvR4: {"conv.r4", OperandNone}, OpConvR8: {"conv.r8", OperandNone},
	OpConvRToI: {"conv.r.i", OperandNone},
	OpConvOvfI4: {"conv.ovf.i4", OperandNone}, OpConvOvfU4: {"conv.ovf.u4", OperandNone},
	OpConvOvfI8: {"conv.ovf.i8", OperandNone}, OpConvOvfU8: {"conv.ovf.u8", OperandNone},

	OpCeq: {"ceq", OperandNone}, OpCgt: {"cgt", OperandNone},
	OpCgtUn: {"cgt.un", OperandNone}, OpClt: {"clt", OperandNone},
	OpCltUn: {"clt.un", OperandNone},

	OpBr: {"br", OperandI32}, OpBrTrue: {"br.true", OperandI32},
	OpBrFalse: {"br.false", OperandI32}, OpBeq: {"beq", OperandI32},
	OpBneUn: {"bne.un", OperandI32}, OpBlt: {"blt", OperandI32},
	OpBle: {"ble", OperandI32}, OpBgt: {"bgt", OperandI32},
	OpBge: {"bge", OperandI32}, OpBltUn: {"blt.un", OperandI32},
	OpBleUn: {"ble.un", OperandI32}, OpBgtUn: {"bgt.un", OperandI32},
	OpBgeUn: {"bge.un", OperandI32},

	OpLoadField: {"load.field", OperandU32}, OpStoreField: {"store.field", OperandU32},
	OpLoadFieldAddr: {"load.field.addr", OperandU32},
	OpLoadStatic:    {"load.static", OperandU32}, OpStoreStatic: {"store.static", OperandU32},
	OpLoadStaticAddr: {"load.static.addr", OperandU32},

	OpNewObject: {"new.object", OperandU32}, OpNewArray: {"new.array", OperandU32},
	OpLoadElem: {"load.elem", OperandU32}, OpStoreElem: {"store.elem", OperandU32},
	OpLoadElemAddr: {"load.elem.addr", OperandU32}, OpLoadLength: {"load.length", OperandNone},
	OpNewMDArray:  {"new.mdarray", OperandU32U8},
	OpLoadElemMD:  {"load.elem.md", OperandU32U8},
	OpStoreElemMD: {"store.elem.md", OperandU32U8},
	OpBox:         {"box", OperandU32}, OpUnbox: {"unbox", OperandU32},
	OpCastClass: {"castclass", OperandU32}, OpIsInst: {"isinst", OperandU32},

	OpCall: {"call", OperandU32}, OpCallVirt: {"callvirt", OperandU32},
	OpCallIndirect: {"calli", OperandU32}, OpLoadFunc: {"ldfn", OperandU32},
	OpLoadVirtFunc: {"ldvirtfn", OperandU32}, OpNewDelegate: {"new.delegate", OperandU32},
	OpNewClosure: {"new.closure", OperandU32},
	OpRet:        {"ret", OperandNone},

	OpThrow: {"throw", OperandNone}, OpRethrow: {"rethrow", OperandNone},
	OpLeave: {"leave", OperandI32}, OpEndFinally: {"endfinally", OperandNone},
	OpEndFilter: {"endfilter", OperandNone},
}

// String returns the mnemonic for the opcode.
func (op Opcode) String() string {
	if info, ok := opTable[op]; ok {
		return info.name
	}
	return fmt.Sprintf("Opcode(0x%02X)", byte(op))
}

// Operand returns the operand kind for the opcode.
func (op Opcode) Operand() OperandKind {
	if info, ok := opTable[op]; ok {
		return info.operand
	}
	return OperandNone
}

// Known reports whether the opcode is part of the supported instruction set.
func (op Opcode) Known() bool {
	_, ok := opTable[op]
	return ok
}

// Size returns the full encoded size of the instruction (opcode + operand).
func (op Opcode) Size() int {
	return 1 + op.Operand().Width()
}
