package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the method body.
func (b *MethodBody) Disassemble() string {
	return b.DisassembleWithName("")
}

// DisassembleWithName returns a human-readable listing with a name header.
func (b *MethodBody) DisassembleWithName(name string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; flags: 0x%04X", uint16(b.Flags)))
	if b.Flags&BodyFlagHasCaptures != 0 {
		sb.WriteString(" [CAPTURES]")
	}
	if b.Flags&BodyFlagInitLocals != 0 {
		sb.WriteString(" [INITLOCALS]")
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("; maxstack: %d\n", b.MaxStack))

	if len(b.Locals) > 0 {
		sb.WriteString(fmt.Sprintf("; locals (%d):\n", len(b.Locals)))
		for i, l := range b.Locals {
			captured := ""
			if b.IsCaptured(uint16(i)) {
				captured = " [captured]"
			}
			sb.WriteString(fmt.Sprintf(";   [%2d] %s%s\n", i, l, captured))
		}
	}
	sb.WriteString("\n")

	for off := uint32(0); int(off) < len(b.Code); {
		in, err := DecodeInstr(b.Code, off)
		if err != nil {
			sb.WriteString(fmt.Sprintf("%04X  <%v>\n", off, err))
			break
		}
		sb.WriteString(formatInstr(in))
		sb.WriteString("\n")
		off = in.Next()
	}

	if len(b.Regions) > 0 {
		sb.WriteString("\n; protected regions:\n")
		for i, r := range b.Regions {
			sb.WriteString(fmt.Sprintf(";   [%d] try [%04X,%04X) %s", i, r.TryStart, r.TryEnd, r.Kind))
			switch r.Kind {
			case HandlerCatch:
				sb.WriteString(fmt.Sprintf(" type=0x%08X", r.CatchToken))
			case HandlerFilter:
				sb.WriteString(fmt.Sprintf(" filter=%04X", r.FilterStart))
			}
			sb.WriteString(fmt.Sprintf(" handler [%04X,%04X) depth=%d\n", r.HandlerStart, r.HandlerEnd, r.Depth))
		}
	}

	return sb.String()
}

func formatInstr(in Instr) string {
	switch in.Op.Operand() {
	case OperandNone:
		return fmt.Sprintf("%04X  %s", in.Offset, in.Op)
	case OperandU8, OperandU16:
		return fmt.Sprintf("%04X  %-16s %d", in.Offset, in.Op, in.Arg)
	case OperandI32:
		if in.Op == OpBr || in.Op == OpLeave || (in.Op >= OpBrTrue && in.Op <= OpBgeUn) {
			return fmt.Sprintf("%04X  %-16s -> %04X", in.Offset, in.Op, in.BranchTarget())
		}
		return fmt.Sprintf("%04X  %-16s %d", in.Offset, in.Op, in.I32())
	case OperandI64:
		return fmt.Sprintf("%04X  %-16s %d", in.Offset, in.Op, in.I64())
	case OperandU32:
		return fmt.Sprintf("%04X  %-16s 0x%08X", in.Offset, in.Op, in.Token())
	case OperandU64:
		return fmt.Sprintf("%04X  %-16s 0x%016X", in.Offset, in.Op, in.Arg)
	case OperandU32U8:
		return fmt.Sprintf("%04X  %-16s 0x%08X rank=%d", in.Offset, in.Op, in.Token(), in.Rank)
	default:
		return fmt.Sprintf("%04X  %s", in.Offset, in.Op)
	}
}
