package vm

import "fmt"

// The nk64 target is a 64-bit little-endian register machine: sixteen
// integer registers, eight float registers, byte-addressed flat memory
// with a full-descending stack. Generated code lives in executable
// buffers managed by the code space; data and code addresses never
// alias. Register roles and the calling convention are defined in
// vm/abi.
//
// Encoding is variable length: one opcode byte followed by the operand
// bytes the opcode calls for. Register operands are one byte, memory
// displacements and branch displacements are int32, immediates are
// int64, helper numbers are uint16, call targets are uint64 absolute
// code addresses. Branch displacements are relative to the first byte
// of the next instruction and never cross buffers.

type NOp byte

const (
	NNop NOp = iota

	// Moves and constants.
	NMov     // rd, rs
	NLoadImm // rd, imm64
	NLea     // rd, rb, off32

	// Memory. Loads extend to 64 bits per the opcode.
	NLd1S // rd, rb, off32
	NLd1U
	NLd2S
	NLd2U
	NLd4S
	NLd4U
	NLd8
	NSt1 // rb, rs, off32
	NSt2
	NSt4
	NSt8
	NMemCopy // rd, rs, size32

	// Integer arithmetic, three-register form. 32-bit variants operate
	// on the low word and sign-extend the result.
	NAdd4 // rd, ra, rb
	NAdd8
	NSub4
	NSub8
	NMul4
	NMul8
	NDiv4S
	NDiv4U
	NDiv8S
	NDiv8U
	NRem4S
	NRem4U
	NRem8S
	NRem8U
	NAnd8
	NOr8
	NXor8
	NShl4
	NShl8
	NShr4S
	NShr4U
	NShr8S
	NShr8U
	NNeg4 // rd, ra
	NNeg8
	NNot8

	// Overflow-checked arithmetic. Raises an overflow trap instead of
	// wrapping.
	NAddOv4S // rd, ra, rb
	NAddOv4U
	NAddOv8S
	NAddOv8U
	NSubOv4S
	NSubOv4U
	NSubOv8S
	NSubOv8U
	NMulOv4S
	NMulOv4U
	NMulOv8S
	NMulOv8U

	// Width adjustment.
	NSxt1 // rd, ra
	NSxt2
	NSxt4
	NZxt1
	NZxt2
	NZxt4

	// Integer comparisons producing 0 or 1.
	NSetEq // rd, ra, rb
	NSetNe
	NSetLtS
	NSetLtU
	NSetLeS
	NSetLeU
	NSetGtS
	NSetGtU
	NSetGeS
	NSetGeU

	// Float registers hold float64; 4-byte variants round through
	// float32.
	NFLd4 // fd, rb, off32
	NFLd8
	NFSt4 // rb, fs, off32
	NFSt8
	NFMov    // fd, fs
	NFMovToI // rd, fs (raw bits)
	NFMovFromI
	NFAdd4 // fd, fa, fb
	NFAdd8
	NFSub4
	NFSub8
	NFMul4
	NFMul8
	NFDiv4
	NFDiv8
	NFRem8
	NFNeg // fd, fa
	NCvtIToF4
	NCvtIToF8 // fd, ra (signed)
	NCvtUToF8 // fd, ra (unsigned)
	NCvtFToI  // rd, fa (truncate toward zero)
	NCvtFToIOvS
	NCvtFToIOvU
	NCvtF4 // fd, fa (round to float32 precision)

	// Float comparisons producing 0 or 1 in an integer register.
	// Unordered operands compare per the *U variants' polarity.
	NFSetEq // rd, fa, fb
	NFSetNe
	NFSetLt
	NFSetLtU
	NFSetGt
	NFSetGtU
	NFSetLe
	NFSetGe

	// Control flow.
	NBr      // off32
	NBrZ     // r, off32
	NBrNZ    // r, off32
	NCall    // addr64: push return address, jump
	NCallReg // r: indirect call
	NJmpReg  // r: indirect jump, no return address
	NCallFin // off32: relative call, used for finally funclets
	NEnter   // frame32: push FP, FP=SP, SP -= frame
	NEpilog  // SP=FP, pop FP
	NRet     // pop return address, jump
	NSpAdj   // imm32 added to SP
	NRtCall  // helper16: runtime helper, args in registers
	NTrap    // code8: raise a runtime condition
)

var nopNames = map[NOp]string{
	NNop: "nop", NMov: "mov", NLoadImm: "loadimm", NLea: "lea",
	NLd1S: "ld1s", NLd1U: "ld1u", NLd2S: "ld2s", NLd2U: "ld2u",
	NLd4S: "ld4s", NLd4U: "ld4u", NLd8: "ld8",
	NSt1: "st1", NSt2: "st2", NSt4: "st4", NSt8: "st8", NMemCopy: "memcopy",
	NAdd4: "add4", NAdd8: "add8", NSub4: "sub4", NSub8: "sub8",
	NMul4: "mul4", NMul8: "mul8",
	NDiv4S: "div4s", NDiv4U: "div4u", NDiv8S: "div8s", NDiv8U: "div8u",
	NRem4S: "rem4s", NRem4U: "rem4u", NRem8S: "rem8s", NRem8U: "rem8u",
	NAnd8: "and8", NOr8: "or8", NXor8: "xor8",
	NShl4: "shl4", NShl8: "shl8",
	NShr4S: "shr4s", NShr4U: "shr4u", NShr8S: "shr8s", NShr8U: "shr8u",
	NNeg4: "neg4", NNeg8: "neg8", NNot8: "not8",
	NAddOv4S: "addov4s", NAddOv4U: "addov4u", NAddOv8S: "addov8s", NAddOv8U: "addov8u",
	NSubOv4S: "subov4s", NSubOv4U: "subov4u", NSubOv8S: "subov8s", NSubOv8U: "subov8u",
	NMulOv4S: "mulov4s", NMulOv4U: "mulov4u", NMulOv8S: "mulov8s", NMulOv8U: "mulov8u",
	NSxt1: "sxt1", NSxt2: "sxt2", NSxt4: "sxt4",
	NZxt1: "zxt1", NZxt2: "zxt2", NZxt4: "zxt4",
	NSetEq: "seteq", NSetNe: "setne",
	NSetLtS: "setlts", NSetLtU: "setltu", NSetLeS: "setles", NSetLeU: "setleu",
	NSetGtS: "setgts", NSetGtU: "setgtu", NSetGeS: "setges", NSetGeU: "setgeu",
	NFLd4: "fld4", NFLd8: "fld8", NFSt4: "fst4", NFSt8: "fst8",
	NFMov: "fmov", NFMovToI: "fmovtoi", NFMovFromI: "fmovfromi",
	NFAdd4: "fadd4", NFAdd8: "fadd8", NFSub4: "fsub4", NFSub8: "fsub8",
	NFMul4: "fmul4", NFMul8: "fmul8", NFDiv4: "fdiv4", NFDiv8: "fdiv8",
	NFRem8: "frem8", NFNeg: "fneg",
	NCvtIToF4: "cvtitof4", NCvtIToF8: "cvtitof8", NCvtUToF8: "cvtutof8",
	NCvtFToI: "cvtftoi", NCvtFToIOvS: "cvtftoiovs", NCvtFToIOvU: "cvtftoiovu",
	NCvtF4: "cvtf4",
	NFSetEq: "fseteq", NFSetNe: "fsetne",
	NFSetLt: "fsetlt", NFSetLtU: "fsetltu", NFSetGt: "fsetgt", NFSetGtU: "fsetgtu",
	NFSetLe: "fsetle", NFSetGe: "fsetge",
	NBr: "br", NBrZ: "brz", NBrNZ: "brnz",
	NCall: "call", NCallReg: "callreg", NJmpReg: "jmpreg", NCallFin: "callfin",
	NEnter: "enter", NEpilog: "epilog", NRet: "ret",
	NSpAdj: "spadj", NRtCall: "rtcall", NTrap: "trap",
}

func (op NOp) String() string {
	if s, ok := nopNames[op]; ok {
		return s
	}
	return fmt.Sprintf("nop(0x%02X)", byte(op))
}

// Trap codes carried by NTrap and raised by checked instructions.
const (
	TrapOverflow     = byte(CondOverflow)
	TrapDivideByZero = byte(CondDivideByZero)
	TrapBounds       = byte(CondBounds)
	TrapNullRef      = byte(CondNullReference)
	TrapInvalidCast  = byte(CondInvalidCast)
)
