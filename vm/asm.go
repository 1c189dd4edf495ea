package vm

import (
	"encoding/binary"
	"fmt"
)

// Asm assembles nk64 instructions into a byte buffer. Forward branches
// go through numbered labels and are patched in Finish; displacements
// are relative to the first byte of the following instruction.
type Asm struct {
	buf    []byte
	labels []int // label id -> bound offset, -1 while unbound
	fixups []asmFixup
}

type asmFixup struct {
	at    int // offset of the int32 displacement
	next  int // offset of the following instruction
	label int
}

// Pos returns the current emission offset.
func (a *Asm) Pos() int { return len(a.buf) }

// NewLabel allocates an unbound label.
func (a *Asm) NewLabel() int {
	a.labels = append(a.labels, -1)
	return len(a.labels) - 1
}

// Bind attaches a label to the current offset.
func (a *Asm) Bind(l int) {
	if a.labels[l] >= 0 {
		panic(fmt.Sprintf("vm: label %d bound twice", l))
	}
	a.labels[l] = len(a.buf)
}

func (a *Asm) op(op NOp)  { a.buf = append(a.buf, byte(op)) }
func (a *Asm) b(v byte)   { a.buf = append(a.buf, v) }
func (a *Asm) u16(v uint16) {
	a.buf = binary.LittleEndian.AppendUint16(a.buf, v)
}
func (a *Asm) i32(v int32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, uint32(v))
}
func (a *Asm) u64(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

func (a *Asm) Nop() { a.op(NNop) }

func (a *Asm) Mov(rd, rs int) {
	if rd != rs {
		a.op(NMov)
		a.b(byte(rd))
		a.b(byte(rs))
	}
}

func (a *Asm) LoadImm(rd int, v uint64) {
	a.op(NLoadImm)
	a.b(byte(rd))
	a.u64(v)
}

func (a *Asm) Lea(rd, rb int, off int32) {
	a.op(NLea)
	a.b(byte(rd))
	a.b(byte(rb))
	a.i32(off)
}

// Ld emits a load; op selects width and extension.
func (a *Asm) Ld(op NOp, rd, rb int, off int32) {
	a.op(op)
	a.b(byte(rd))
	a.b(byte(rb))
	a.i32(off)
}

// St emits a store; op selects width.
func (a *Asm) St(op NOp, rb, rs int, off int32) {
	a.op(op)
	a.b(byte(rb))
	a.b(byte(rs))
	a.i32(off)
}

// RRR emits a three-register instruction.
func (a *Asm) RRR(op NOp, rd, ra, rb int) {
	a.op(op)
	a.b(byte(rd))
	a.b(byte(ra))
	a.b(byte(rb))
}

// RR emits a two-register instruction.
func (a *Asm) RR(op NOp, rd, ra int) {
	a.op(op)
	a.b(byte(rd))
	a.b(byte(ra))
}

func (a *Asm) MemCopy(rd, rs int, size int32) {
	a.op(NMemCopy)
	a.b(byte(rd))
	a.b(byte(rs))
	a.i32(size)
}

func (a *Asm) FLd(op NOp, fd, rb int, off int32) {
	a.op(op)
	a.b(byte(fd))
	a.b(byte(rb))
	a.i32(off)
}

func (a *Asm) FSt(op NOp, rb, fs int, off int32) {
	a.op(op)
	a.b(byte(rb))
	a.b(byte(fs))
	a.i32(off)
}

func (a *Asm) branchTo(label int) {
	a.fixups = append(a.fixups, asmFixup{at: len(a.buf), label: label})
	a.i32(0)
	a.fixups[len(a.fixups)-1].next = len(a.buf)
}

func (a *Asm) Br(label int) {
	a.op(NBr)
	a.branchTo(label)
}

func (a *Asm) BrZ(r, label int) {
	a.op(NBrZ)
	a.b(byte(r))
	a.branchTo(label)
}

func (a *Asm) BrNZ(r, label int) {
	a.op(NBrNZ)
	a.b(byte(r))
	a.branchTo(label)
}

func (a *Asm) Call(addr uint64) {
	a.op(NCall)
	a.u64(addr)
}

func (a *Asm) CallReg(r int) {
	a.op(NCallReg)
	a.b(byte(r))
}

// CallFin calls a funclet at a label in the same method.
func (a *Asm) CallFin(label int) {
	a.op(NCallFin)
	a.branchTo(label)
}

// Enter emits the prologue with a placeholder frame size; the returned
// offset is patched once the final frame size is known.
func (a *Asm) Enter() int {
	a.op(NEnter)
	at := len(a.buf)
	a.i32(0)
	return at
}

// PatchU32 overwrites a previously emitted 32-bit immediate.
func (a *Asm) PatchU32(at int, v uint32) {
	binary.LittleEndian.PutUint32(a.buf[at:], v)
}

func (a *Asm) Epilog() { a.op(NEpilog) }
func (a *Asm) Ret()    { a.op(NRet) }

func (a *Asm) SpAdj(imm int32) {
	if imm == 0 {
		return
	}
	a.op(NSpAdj)
	a.i32(imm)
}

func (a *Asm) RtCall(id uint16) {
	a.op(NRtCall)
	a.u16(id)
}

func (a *Asm) Trap(code byte) {
	a.op(NTrap)
	a.b(code)
}

// Finish resolves branch fixups and returns the code.
func (a *Asm) Finish() ([]byte, error) {
	for _, f := range a.fixups {
		target := a.labels[f.label]
		if target < 0 {
			return nil, fmt.Errorf("unbound label %d", f.label)
		}
		binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(int32(target-f.next)))
	}
	return a.buf, nil
}
