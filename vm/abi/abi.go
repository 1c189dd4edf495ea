// Package abi implements the nk64 calling convention: classification of
// parameters and return values by size and category, register/stack
// placement, the hidden-pointer rule for large aggregates, and the
// variable-argument iterator layout.
package abi

import "fmt"

// Register numbers of the nk64 target.
const (
	RegR0  = 0 // return value, scratch
	RegR1  = 1 // first integer/pointer argument
	RegR2  = 2
	RegR3  = 3
	RegR4  = 4 // fourth integer/pointer argument
	RegR5  = 5
	RegR6  = 6
	RegR7  = 7
	RegR8  = 8
	RegR9  = 9
	RegR10 = 10 // compiler scratch
	RegR11 = 11 // compiler scratch
	RegR12 = 12 // compiler scratch
	RegFP  = 13 // frame pointer
	RegSP  = 14 // stack pointer
	RegR15 = 15 // dispatcher scratch
)

// ArgRegs is the fixed register sequence for the first integer/pointer
// classified arguments.
var ArgRegs = [4]int{RegR1, RegR2, RegR3, RegR4}

// NumArgRegs is the number of register-passed arguments.
const NumArgRegs = 4

// ShadowSize is the reserved stack area beneath the return address where
// register-passed arguments may be spilled by the callee.
const ShadowSize = NumArgRegs * 8

// WordSize is the nk64 machine word size.
const WordSize = 8

// Class is an argument or return-value classification.
type Class uint8

const (
	// ClassIntReg passes the value in one integer register (or one stack
	// slot once registers are exhausted).
	ClassIntReg Class = iota
	// ClassRegPair passes a 9-16 byte aggregate in two integer registers
	// (low then high 8 bytes), or two stack slots.
	ClassRegPair
	// ClassByRef passes a >16-byte aggregate through caller-allocated
	// storage with a hidden pointer.
	ClassByRef
	// ClassFloat passes a floating-point scalar; it occupies an integer
	// argument position bitwise (the dispatch core moves it to a float
	// register at the call boundary).
	ClassFloat
	// ClassVoid marks an absent return value.
	ClassVoid
)

func (c Class) String() string {
	switch c {
	case ClassIntReg:
		return "intreg"
	case ClassRegPair:
		return "regpair"
	case ClassByRef:
		return "byref"
	case ClassFloat:
		return "float"
	case ClassVoid:
		return "void"
	default:
		return fmt.Sprintf("Class(%d)", uint8(c))
	}
}

// ParamLoc is the placement of one parameter.
type ParamLoc struct {
	Class Class
	Size  int // logical byte size of the value

	// Register placements; valid when InReg is true. Reg2 only for pairs.
	InReg bool
	Reg   int
	Reg2  int

	// Stack placement: byte offset into the outgoing argument area
	// (beyond the shadow space); valid when InReg is false.
	StackOff int

	// Shadow/home slot index for this argument position when it is one
	// of the first NumArgRegs positions, else -1.
	Home int
}

// RetLoc is the placement of the return value.
type RetLoc struct {
	Class Class
	Size  int
}

// Assignment is a classified signature: where every argument lives at the
// call boundary and how the return value travels.
type Assignment struct {
	Params []ParamLoc
	Ret    RetLoc

	// HiddenRet is true when the return is ClassByRef: the caller
	// allocates Ret.Size bytes and passes the pointer as an implicit
	// first argument; the callee writes through it and returns the same
	// pointer in R0.
	HiddenRet bool

	// StackBytes is the size of the outgoing stack argument area beyond
	// the shadow space, 16-byte aligned.
	StackBytes int

	// VarArg signatures append an argument-iterator cookie pointer as one
	// extra trailing argument; CookieIndex is its index in Params, -1
	// otherwise.
	CookieIndex int
}

// ArgDesc describes one parameter prior to classification.
type ArgDesc struct {
	Size    int
	IsFloat bool
}

// Classify computes the Assignment for a signature. args lists the
// declared parameters in order, including the receiver for instance
// methods; retSize is the return value's byte size (0 for void, with
// retFloat false); varArg appends the iterator cookie.
func Classify(args []ArgDesc, retSize int, retFloat bool, varArg bool) Assignment {
	asn := Assignment{CookieIndex: -1}

	switch {
	case retSize == 0:
		asn.Ret = RetLoc{Class: ClassVoid}
	case retFloat:
		asn.Ret = RetLoc{Class: ClassFloat, Size: retSize}
	case retSize <= 8:
		asn.Ret = RetLoc{Class: ClassIntReg, Size: retSize}
	case retSize <= 16:
		asn.Ret = RetLoc{Class: ClassRegPair, Size: retSize}
	default:
		asn.Ret = RetLoc{Class: ClassByRef, Size: retSize}
		asn.HiddenRet = true
	}

	// Build the physical argument sequence: the hidden return pointer
	// precedes everything else, the vararg cookie trails.
	type phys struct {
		desc   ArgDesc
		cookie bool
		hidden bool
	}
	seq := make([]phys, 0, len(args)+2)
	if asn.HiddenRet {
		seq = append(seq, phys{desc: ArgDesc{Size: WordSize}, hidden: true})
	}
	for _, a := range args {
		seq = append(seq, phys{desc: a})
	}
	if varArg {
		seq = append(seq, phys{desc: ArgDesc{Size: WordSize}, cookie: true})
	}

	nextReg := 0
	stackOff := 0
	locs := make([]ParamLoc, 0, len(seq))
	for i, p := range seq {
		loc := classifyOne(p.desc)
		slots := 1
		if loc.Class == ClassRegPair {
			slots = 2
		}
		if nextReg+slots <= NumArgRegs {
			loc.InReg = true
			loc.Reg = ArgRegs[nextReg]
			loc.Home = nextReg
			if slots == 2 {
				loc.Reg2 = ArgRegs[nextReg+1]
			}
			nextReg += slots
		} else {
			loc.Home = -1
			loc.StackOff = stackOff
			stackOff += slots * WordSize
			nextReg = NumArgRegs // a pair split across reg/stack never happens
		}
		if p.cookie {
			asn.CookieIndex = i
		}
		locs = append(locs, loc)
	}
	asn.Params = locs
	asn.StackBytes = (stackOff + 15) &^ 15
	return asn
}

func classifyOne(d ArgDesc) ParamLoc {
	switch {
	case d.IsFloat:
		return ParamLoc{Class: ClassFloat, Size: d.Size}
	case d.Size <= 8:
		return ParamLoc{Class: ClassIntReg, Size: d.Size}
	case d.Size <= 16:
		return ParamLoc{Class: ClassRegPair, Size: d.Size}
	default:
		// Caller allocates storage; the argument itself is the pointer.
		return ParamLoc{Class: ClassByRef, Size: d.Size}
	}
}

// SlotCount returns how many argument positions (register or stack slots)
// the parameter occupies.
func (l ParamLoc) SlotCount() int {
	if l.Class == ClassRegPair {
		return 2
	}
	return 1
}

// ----------------------------------------------------------------------------
// Vararg iterator cookie
// ----------------------------------------------------------------------------

// The cookie is a contiguous block the caller materializes on its frame:
//
//	+0  count   (u64)
//	+8  entry 0 type tag (u64)
//	+16 entry 0 value address (u64)
//	+24 entry 1 type tag ...
//
// The callee walks it with no static signature knowledge.
const (
	CookieCountOff  = 0
	CookieEntrySize = 16
	CookieEntryOff  = 8
)

// CookieSize returns the cookie block size for n extra arguments.
func CookieSize(n int) int {
	return CookieEntryOff + n*CookieEntrySize
}
