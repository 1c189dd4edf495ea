package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

var helperNames = map[uint16]string{
	HelpNewObject:       "newobject",
	HelpNewArray:        "newarray",
	HelpNewMDArray:      "newmdarray",
	HelpMDElemAddr:      "mdelemaddr",
	HelpBox:             "box",
	HelpUnbox:           "unbox",
	HelpCastClass:       "castclass",
	HelpIsInst:          "isinst",
	HelpEnsureInit:      "ensureinit",
	HelpNewDelegate:     "newdelegate",
	HelpDelegateCombine: "delegatecombine",
	HelpDelegateRemove:  "delegateremove",
	HelpNewCaptureFrame: "newcaptureframe",
	HelpThrow:           "throw",
	HelpRethrow:         "rethrow",
	HelpVTableLookup:    "vtablelookup",
	HelpIfaceLookup:     "ifacelookup",
	HelpLoadFunc:        "loadfunc",
	HelpResolveEntry:    "resolveentry",
	HelpMemZero:         "memzero",
}

func nReg(b byte) string { return fmt.Sprintf("r%d", b) }
func fReg(b byte) string { return fmt.Sprintf("f%d", b) }

// DisassembleNative renders an nk64 code buffer as one instruction per
// line. Addresses are absolute, as generated code holds absolute call
// targets; base is the buffer's load address.
func DisassembleNative(code []byte, base uint64) string {
	var sb strings.Builder
	pos := 0

	emit := func(size int, format string, args ...any) {
		fmt.Fprintf(&sb, "  %08X  ", base+uint64(pos))
		fmt.Fprintf(&sb, format, args...)
		sb.WriteByte('\n')
		pos += size
	}
	i32 := func(off int) int32 {
		return int32(binary.LittleEndian.Uint32(code[pos+off:]))
	}
	// Branch displacements count from the first byte after the
	// instruction.
	target := func(dispOff, size int) uint64 {
		return base + uint64(pos+size) + uint64(int64(i32(dispOff)))
	}

	for pos < len(code) {
		op := NOp(code[pos])
		if pos+op.size() > len(code) {
			emit(len(code)-pos, "%s ; truncated", op)
			break
		}
		switch op {
		case NNop, NEpilog, NRet:
			emit(1, "%s", op)

		case NMov, NNeg4, NNeg8, NNot8, NSxt1, NSxt2, NSxt4, NZxt1, NZxt2, NZxt4:
			emit(3, "%-10s %s, %s", op, nReg(code[pos+1]), nReg(code[pos+2]))

		case NLoadImm:
			emit(10, "%-10s %s, 0x%X", op, nReg(code[pos+1]), binary.LittleEndian.Uint64(code[pos+2:]))

		case NLea, NLd1S, NLd1U, NLd2S, NLd2U, NLd4S, NLd4U, NLd8:
			emit(7, "%-10s %s, [%s%+d]", op, nReg(code[pos+1]), nReg(code[pos+2]), i32(3))
		case NSt1, NSt2, NSt4, NSt8:
			emit(7, "%-10s [%s%+d], %s", op, nReg(code[pos+1]), i32(3), nReg(code[pos+2]))
		case NMemCopy:
			emit(7, "%-10s %s, %s, %d", op, nReg(code[pos+1]), nReg(code[pos+2]), i32(3))

		case NFLd4, NFLd8:
			emit(7, "%-10s %s, [%s%+d]", op, fReg(code[pos+1]), nReg(code[pos+2]), i32(3))
		case NFSt4, NFSt8:
			emit(7, "%-10s [%s%+d], %s", op, nReg(code[pos+1]), i32(3), fReg(code[pos+2]))

		case NFMov, NFNeg, NCvtF4:
			emit(3, "%-10s %s, %s", op, fReg(code[pos+1]), fReg(code[pos+2]))
		case NFMovToI, NCvtFToI, NCvtFToIOvS, NCvtFToIOvU:
			emit(3, "%-10s %s, %s", op, nReg(code[pos+1]), fReg(code[pos+2]))
		case NFMovFromI, NCvtIToF4, NCvtIToF8, NCvtUToF8:
			emit(3, "%-10s %s, %s", op, fReg(code[pos+1]), nReg(code[pos+2]))

		case NFAdd4, NFAdd8, NFSub4, NFSub8, NFMul4, NFMul8, NFDiv4, NFDiv8, NFRem8:
			emit(4, "%-10s %s, %s, %s", op, fReg(code[pos+1]), fReg(code[pos+2]), fReg(code[pos+3]))
		case NFSetEq, NFSetNe, NFSetLt, NFSetLtU, NFSetGt, NFSetGtU, NFSetLe, NFSetGe:
			emit(4, "%-10s %s, %s, %s", op, nReg(code[pos+1]), fReg(code[pos+2]), fReg(code[pos+3]))

		case NBr:
			emit(5, "%-10s 0x%X", op, target(1, 5))
		case NBrZ, NBrNZ:
			emit(6, "%-10s %s, 0x%X", op, nReg(code[pos+1]), target(2, 6))
		case NCallFin:
			emit(5, "%-10s 0x%X", op, target(1, 5))

		case NCall:
			emit(9, "%-10s 0x%X", op, binary.LittleEndian.Uint64(code[pos+1:]))
		case NCallReg, NJmpReg:
			emit(2, "%-10s %s", op, nReg(code[pos+1]))

		case NEnter:
			emit(5, "%-10s %d", op, i32(1))
		case NSpAdj:
			emit(5, "%-10s %+d", op, i32(1))

		case NRtCall:
			id := binary.LittleEndian.Uint16(code[pos+1:])
			name, ok := helperNames[id]
			if !ok {
				name = fmt.Sprintf("helper(%d)", id)
			}
			emit(3, "%-10s %s", op, name)
		case NTrap:
			emit(2, "%-10s %s", op, ConditionKind(code[pos+1]))

		default:
			// Three-register integer forms cover the rest of the table.
			emit(4, "%-10s %s, %s, %s", op, nReg(code[pos+1]), nReg(code[pos+2]), nReg(code[pos+3]))
		}
	}
	return sb.String()
}

// size returns the encoded instruction length for an opcode.
func (op NOp) size() int {
	switch op {
	case NNop, NEpilog, NRet:
		return 1
	case NCallReg, NJmpReg, NTrap:
		return 2
	case NMov, NNeg4, NNeg8, NNot8, NSxt1, NSxt2, NSxt4, NZxt1, NZxt2, NZxt4,
		NFMov, NFNeg, NCvtF4, NFMovToI, NFMovFromI,
		NCvtIToF4, NCvtIToF8, NCvtUToF8, NCvtFToI, NCvtFToIOvS, NCvtFToIOvU,
		NRtCall:
		return 3
	case NBr, NCallFin, NEnter, NSpAdj:
		return 5
	case NBrZ, NBrNZ:
		return 6
	case NLea, NLd1S, NLd1U, NLd2S, NLd2U, NLd4S, NLd4U, NLd8,
		NSt1, NSt2, NSt4, NSt8, NMemCopy, NFLd4, NFLd8, NFSt4, NFSt8:
		return 7
	case NCall:
		return 9
	case NLoadImm:
		return 10
	default:
		return 4
	}
}

// Disassemble renders the published code of a compiled method with a
// name header and its protected-region table.
func (vm *VM) Disassemble(cm *CompiledMethod) (string, error) {
	buf, _, err := vm.Code.Find(cm.Addr)
	if err != nil {
		return "", err
	}
	off := int(cm.Addr - buf.Addr)
	code := buf.Code[off : off+cm.Size]

	var sb strings.Builder
	fmt.Fprintf(&sb, "; === %s ===\n", cm.Method.FullName())
	fmt.Fprintf(&sb, "; addr 0x%X, %d bytes, frame %d\n", cm.Addr, cm.Size, cm.FrameSize)
	for _, r := range cm.Regions {
		fmt.Fprintf(&sb, "; %s try [%X,%X) handler [%X,%X)", r.Kind, r.TryStart, r.TryEnd, r.HandlerStart, r.HandlerEnd)
		if r.Catch != nil {
			fmt.Fprintf(&sb, " catch %s", r.Catch.FullName())
		}
		sb.WriteByte('\n')
	}
	sb.WriteString(DisassembleNative(code, cm.Addr))
	return sb.String(), nil
}
