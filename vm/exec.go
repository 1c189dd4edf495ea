package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"runtime"

	"github.com/nucleus-os/nucleus/vm/abi"
)

// Context is one execution context: the nk64 register file, a private
// stack region in the data space, and the in-flight exception state.
// A context is single-threaded; concurrency comes from running multiple
// contexts on separate goroutines against the shared VM.
type Context struct {
	vm *VM
	id uint64

	regs  [16]uint64
	fregs [8]float64
	pc    uint64

	stackBase uint64
	stackTop  uint64

	// current is the exception being handled by the innermost active
	// catch, for rethrow.
	current uint64

	curBuf *CodeBuffer
}

// run executes from the current pc until the sentinel return address
// pops, dispatching managed conditions as they arise.
func (c *Context) run() error {
	for {
		done, err := c.resume()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (c *Context) resume() (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if cp, ok := r.(conditionPanic); ok {
				err = c.vm.dispatch(c, cp)
				return
			}
			if _, ok := r.(runtime.Error); ok {
				panic(r)
			}
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()
	done = c.loop()
	return
}

// fetch locates the instruction bytes at pc, going through the code
// space only on buffer changes.
func (c *Context) fetch() []byte {
	if c.curBuf == nil || c.pc < c.curBuf.Addr || c.pc >= c.curBuf.Addr+uint64(len(c.curBuf.Code)) {
		buf, _, err := c.vm.Code.Find(c.pc)
		if err != nil {
			panic(err)
		}
		c.curBuf = buf
	}
	return c.curBuf.Code[c.pc-c.curBuf.Addr:]
}

func (c *Context) push(v uint64) {
	c.regs[abi.RegSP] -= 8
	c.vm.Mem.WriteU64(c.regs[abi.RegSP], v)
}

func (c *Context) pop() uint64 {
	v := c.vm.Mem.ReadU64(c.regs[abi.RegSP])
	c.regs[abi.RegSP] += 8
	return v
}

// loop is the dispatch core. It returns true when the sentinel return
// address pops, i.e. the outermost call finished.
func (c *Context) loop() bool {
	mem := c.vm.Mem
	for {
		ins := c.fetch()
		op := NOp(ins[0])
		switch op {
		case NNop:
			c.pc++

		case NMov:
			c.regs[ins[1]] = c.regs[ins[2]]
			c.pc += 3
		case NLoadImm:
			c.regs[ins[1]] = binary.LittleEndian.Uint64(ins[2:])
			c.pc += 10
		case NLea:
			c.regs[ins[1]] = c.regs[ins[2]] + uint64(int64(int32(binary.LittleEndian.Uint32(ins[3:]))))
			c.pc += 7

		case NLd1S:
			c.regs[ins[1]] = uint64(int64(int8(mem.ReadU8(c.memAddr(ins)))))
			c.pc += 7
		case NLd1U:
			c.regs[ins[1]] = uint64(mem.ReadU8(c.memAddr(ins)))
			c.pc += 7
		case NLd2S:
			c.regs[ins[1]] = uint64(int64(int16(mem.ReadU16(c.memAddr(ins)))))
			c.pc += 7
		case NLd2U:
			c.regs[ins[1]] = uint64(mem.ReadU16(c.memAddr(ins)))
			c.pc += 7
		case NLd4S:
			c.regs[ins[1]] = uint64(int64(int32(mem.ReadU32(c.memAddr(ins)))))
			c.pc += 7
		case NLd4U:
			c.regs[ins[1]] = uint64(mem.ReadU32(c.memAddr(ins)))
			c.pc += 7
		case NLd8:
			c.regs[ins[1]] = mem.ReadU64(c.memAddr(ins))
			c.pc += 7

		case NSt1:
			mem.WriteU8(c.memAddr(ins), byte(c.regs[ins[2]]))
			c.pc += 7
		case NSt2:
			mem.WriteU16(c.memAddr(ins), uint16(c.regs[ins[2]]))
			c.pc += 7
		case NSt4:
			mem.WriteU32(c.memAddr(ins), uint32(c.regs[ins[2]]))
			c.pc += 7
		case NSt8:
			mem.WriteU64(c.memAddr(ins), c.regs[ins[2]])
			c.pc += 7

		case NMemCopy:
			n := int32(binary.LittleEndian.Uint32(ins[3:]))
			mem.Copy(c.regs[ins[1]], c.regs[ins[2]], int(n))
			c.pc += 7

		case NAdd4:
			c.rrr4(ins, func(a, b int32) int32 { return a + b })
		case NAdd8:
			c.rrr8(ins, func(a, b uint64) uint64 { return a + b })
		case NSub4:
			c.rrr4(ins, func(a, b int32) int32 { return a - b })
		case NSub8:
			c.rrr8(ins, func(a, b uint64) uint64 { return a - b })
		case NMul4:
			c.rrr4(ins, func(a, b int32) int32 { return a * b })
		case NMul8:
			c.rrr8(ins, func(a, b uint64) uint64 { return a * b })

		case NDiv4S:
			a, b := int32(c.regs[ins[2]]), int32(c.regs[ins[3]])
			if b == 0 {
				panicCondition(CondDivideByZero)
			}
			if a == math.MinInt32 && b == -1 {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = uint64(int64(a / b))
			c.pc += 4
		case NDiv4U:
			a, b := uint32(c.regs[ins[2]]), uint32(c.regs[ins[3]])
			if b == 0 {
				panicCondition(CondDivideByZero)
			}
			c.regs[ins[1]] = uint64(int64(int32(a / b)))
			c.pc += 4
		case NDiv8S:
			a, b := int64(c.regs[ins[2]]), int64(c.regs[ins[3]])
			if b == 0 {
				panicCondition(CondDivideByZero)
			}
			if a == math.MinInt64 && b == -1 {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = uint64(a / b)
			c.pc += 4
		case NDiv8U:
			a, b := c.regs[ins[2]], c.regs[ins[3]]
			if b == 0 {
				panicCondition(CondDivideByZero)
			}
			c.regs[ins[1]] = a / b
			c.pc += 4
		case NRem4S:
			a, b := int32(c.regs[ins[2]]), int32(c.regs[ins[3]])
			if b == 0 {
				panicCondition(CondDivideByZero)
			}
			if a == math.MinInt32 && b == -1 {
				c.regs[ins[1]] = 0
			} else {
				c.regs[ins[1]] = uint64(int64(a % b))
			}
			c.pc += 4
		case NRem4U:
			a, b := uint32(c.regs[ins[2]]), uint32(c.regs[ins[3]])
			if b == 0 {
				panicCondition(CondDivideByZero)
			}
			c.regs[ins[1]] = uint64(int64(int32(a % b)))
			c.pc += 4
		case NRem8S:
			a, b := int64(c.regs[ins[2]]), int64(c.regs[ins[3]])
			if b == 0 {
				panicCondition(CondDivideByZero)
			}
			if a == math.MinInt64 && b == -1 {
				c.regs[ins[1]] = 0
			} else {
				c.regs[ins[1]] = uint64(a % b)
			}
			c.pc += 4
		case NRem8U:
			a, b := c.regs[ins[2]], c.regs[ins[3]]
			if b == 0 {
				panicCondition(CondDivideByZero)
			}
			c.regs[ins[1]] = a % b
			c.pc += 4

		case NAnd8:
			c.rrr8(ins, func(a, b uint64) uint64 { return a & b })
		case NOr8:
			c.rrr8(ins, func(a, b uint64) uint64 { return a | b })
		case NXor8:
			c.rrr8(ins, func(a, b uint64) uint64 { return a ^ b })
		case NShl4:
			c.rrr4(ins, func(a, b int32) int32 { return a << (uint32(b) & 31) })
		case NShl8:
			c.rrr8(ins, func(a, b uint64) uint64 { return a << (b & 63) })
		case NShr4S:
			c.rrr4(ins, func(a, b int32) int32 { return a >> (uint32(b) & 31) })
		case NShr4U:
			c.rrr4(ins, func(a, b int32) int32 { return int32(uint32(a) >> (uint32(b) & 31)) })
		case NShr8S:
			c.rrr8(ins, func(a, b uint64) uint64 { return uint64(int64(a) >> (b & 63)) })
		case NShr8U:
			c.rrr8(ins, func(a, b uint64) uint64 { return a >> (b & 63) })

		case NNeg4:
			c.regs[ins[1]] = uint64(int64(-int32(c.regs[ins[2]])))
			c.pc += 3
		case NNeg8:
			c.regs[ins[1]] = uint64(-int64(c.regs[ins[2]]))
			c.pc += 3
		case NNot8:
			c.regs[ins[1]] = ^c.regs[ins[2]]
			c.pc += 3

		case NAddOv4S:
			a, b := int32(c.regs[ins[2]]), int32(c.regs[ins[3]])
			r := a + b
			if (a^r)&(b^r) < 0 {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = uint64(int64(r))
			c.pc += 4
		case NAddOv4U:
			a, b := uint32(c.regs[ins[2]]), uint32(c.regs[ins[3]])
			r := a + b
			if r < a {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = uint64(int64(int32(r)))
			c.pc += 4
		case NAddOv8S:
			a, b := int64(c.regs[ins[2]]), int64(c.regs[ins[3]])
			r := a + b
			if (a^r)&(b^r) < 0 {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = uint64(r)
			c.pc += 4
		case NAddOv8U:
			a, b := c.regs[ins[2]], c.regs[ins[3]]
			r := a + b
			if r < a {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = r
			c.pc += 4
		case NSubOv4S:
			a, b := int32(c.regs[ins[2]]), int32(c.regs[ins[3]])
			r := a - b
			if (a^b)&(a^r) < 0 {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = uint64(int64(r))
			c.pc += 4
		case NSubOv4U:
			a, b := uint32(c.regs[ins[2]]), uint32(c.regs[ins[3]])
			if a < b {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = uint64(int64(int32(a - b)))
			c.pc += 4
		case NSubOv8S:
			a, b := int64(c.regs[ins[2]]), int64(c.regs[ins[3]])
			r := a - b
			if (a^b)&(a^r) < 0 {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = uint64(r)
			c.pc += 4
		case NSubOv8U:
			a, b := c.regs[ins[2]], c.regs[ins[3]]
			if a < b {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = a - b
			c.pc += 4
		case NMulOv4S:
			a, b := int64(int32(c.regs[ins[2]])), int64(int32(c.regs[ins[3]]))
			r := a * b
			if r != int64(int32(r)) {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = uint64(r)
			c.pc += 4
		case NMulOv4U:
			a, b := uint64(uint32(c.regs[ins[2]])), uint64(uint32(c.regs[ins[3]]))
			r := a * b
			if r > math.MaxUint32 {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = uint64(int64(int32(uint32(r))))
			c.pc += 4
		case NMulOv8S:
			a, b := int64(c.regs[ins[2]]), int64(c.regs[ins[3]])
			hi, lo := bits.Mul64(uint64(a), uint64(b))
			r := int64(lo)
			// Signed overflow: the high word must be the sign extension
			// of the low word, adjusted for negative operands.
			adj := hi
			if a < 0 {
				adj += uint64(b)
			}
			if b < 0 {
				adj += uint64(a)
			}
			if int64(adj) != r>>63 {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = uint64(r)
			c.pc += 4
		case NMulOv8U:
			hi, lo := bits.Mul64(c.regs[ins[2]], c.regs[ins[3]])
			if hi != 0 {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = lo
			c.pc += 4

		case NSxt1:
			c.regs[ins[1]] = uint64(int64(int8(c.regs[ins[2]])))
			c.pc += 3
		case NSxt2:
			c.regs[ins[1]] = uint64(int64(int16(c.regs[ins[2]])))
			c.pc += 3
		case NSxt4:
			c.regs[ins[1]] = uint64(int64(int32(c.regs[ins[2]])))
			c.pc += 3
		case NZxt1:
			c.regs[ins[1]] = uint64(uint8(c.regs[ins[2]]))
			c.pc += 3
		case NZxt2:
			c.regs[ins[1]] = uint64(uint16(c.regs[ins[2]]))
			c.pc += 3
		case NZxt4:
			c.regs[ins[1]] = uint64(uint32(c.regs[ins[2]]))
			c.pc += 3

		case NSetEq:
			c.set(ins, c.regs[ins[2]] == c.regs[ins[3]])
		case NSetNe:
			c.set(ins, c.regs[ins[2]] != c.regs[ins[3]])
		case NSetLtS:
			c.set(ins, int64(c.regs[ins[2]]) < int64(c.regs[ins[3]]))
		case NSetLtU:
			c.set(ins, c.regs[ins[2]] < c.regs[ins[3]])
		case NSetLeS:
			c.set(ins, int64(c.regs[ins[2]]) <= int64(c.regs[ins[3]]))
		case NSetLeU:
			c.set(ins, c.regs[ins[2]] <= c.regs[ins[3]])
		case NSetGtS:
			c.set(ins, int64(c.regs[ins[2]]) > int64(c.regs[ins[3]]))
		case NSetGtU:
			c.set(ins, c.regs[ins[2]] > c.regs[ins[3]])
		case NSetGeS:
			c.set(ins, int64(c.regs[ins[2]]) >= int64(c.regs[ins[3]]))
		case NSetGeU:
			c.set(ins, c.regs[ins[2]] >= c.regs[ins[3]])

		case NFLd4:
			c.fregs[ins[1]] = float64(math.Float32frombits(mem.ReadU32(c.memAddr(ins))))
			c.pc += 7
		case NFLd8:
			c.fregs[ins[1]] = math.Float64frombits(mem.ReadU64(c.memAddr(ins)))
			c.pc += 7
		case NFSt4:
			mem.WriteU32(c.memAddr(ins), math.Float32bits(float32(c.fregs[ins[2]])))
			c.pc += 7
		case NFSt8:
			mem.WriteU64(c.memAddr(ins), math.Float64bits(c.fregs[ins[2]]))
			c.pc += 7
		case NFMov:
			c.fregs[ins[1]] = c.fregs[ins[2]]
			c.pc += 3
		case NFMovToI:
			c.regs[ins[1]] = math.Float64bits(c.fregs[ins[2]])
			c.pc += 3
		case NFMovFromI:
			c.fregs[ins[1]] = math.Float64frombits(c.regs[ins[2]])
			c.pc += 3

		case NFAdd4:
			c.frrr(ins, func(a, b float64) float64 { return float64(float32(a) + float32(b)) })
		case NFAdd8:
			c.frrr(ins, func(a, b float64) float64 { return a + b })
		case NFSub4:
			c.frrr(ins, func(a, b float64) float64 { return float64(float32(a) - float32(b)) })
		case NFSub8:
			c.frrr(ins, func(a, b float64) float64 { return a - b })
		case NFMul4:
			c.frrr(ins, func(a, b float64) float64 { return float64(float32(a) * float32(b)) })
		case NFMul8:
			c.frrr(ins, func(a, b float64) float64 { return a * b })
		case NFDiv4:
			c.frrr(ins, func(a, b float64) float64 { return float64(float32(a) / float32(b)) })
		case NFDiv8:
			c.frrr(ins, func(a, b float64) float64 { return a / b })
		case NFRem8:
			c.frrr(ins, math.Mod)
		case NFNeg:
			c.fregs[ins[1]] = -c.fregs[ins[2]]
			c.pc += 3

		case NCvtIToF4:
			c.fregs[ins[1]] = float64(float32(int64(c.regs[ins[2]])))
			c.pc += 3
		case NCvtIToF8:
			c.fregs[ins[1]] = float64(int64(c.regs[ins[2]]))
			c.pc += 3
		case NCvtUToF8:
			c.fregs[ins[1]] = float64(c.regs[ins[2]])
			c.pc += 3
		case NCvtFToI:
			f := c.fregs[ins[2]]
			if math.IsNaN(f) {
				c.regs[ins[1]] = 0
			} else {
				c.regs[ins[1]] = uint64(int64(f))
			}
			c.pc += 3
		case NCvtFToIOvS:
			f := c.fregs[ins[2]]
			if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = uint64(int64(f))
			c.pc += 3
		case NCvtFToIOvU:
			f := c.fregs[ins[2]]
			if math.IsNaN(f) || f < 0 || f >= math.MaxUint64 {
				panicCondition(CondOverflow)
			}
			c.regs[ins[1]] = uint64(f)
			c.pc += 3
		case NCvtF4:
			c.fregs[ins[1]] = float64(float32(c.fregs[ins[2]]))
			c.pc += 3

		case NFSetEq:
			c.fset(ins, c.fregs[ins[2]] == c.fregs[ins[3]])
		case NFSetNe:
			c.fset(ins, c.fregs[ins[2]] != c.fregs[ins[3]])
		case NFSetLt:
			c.fset(ins, c.fregs[ins[2]] < c.fregs[ins[3]])
		case NFSetLtU:
			a, b := c.fregs[ins[2]], c.fregs[ins[3]]
			c.fset(ins, a < b || math.IsNaN(a) || math.IsNaN(b))
		case NFSetGt:
			c.fset(ins, c.fregs[ins[2]] > c.fregs[ins[3]])
		case NFSetGtU:
			a, b := c.fregs[ins[2]], c.fregs[ins[3]]
			c.fset(ins, a > b || math.IsNaN(a) || math.IsNaN(b))
		case NFSetLe:
			c.fset(ins, c.fregs[ins[2]] <= c.fregs[ins[3]])
		case NFSetGe:
			c.fset(ins, c.fregs[ins[2]] >= c.fregs[ins[3]])

		case NBr:
			off := int32(binary.LittleEndian.Uint32(ins[1:]))
			c.pc = uint64(int64(c.pc) + 5 + int64(off))
		case NBrZ:
			off := int32(binary.LittleEndian.Uint32(ins[2:]))
			c.pc += 6
			if c.regs[ins[1]] == 0 {
				c.pc = uint64(int64(c.pc) + int64(off))
			}
		case NBrNZ:
			off := int32(binary.LittleEndian.Uint32(ins[2:]))
			c.pc += 6
			if c.regs[ins[1]] != 0 {
				c.pc = uint64(int64(c.pc) + int64(off))
			}

		case NCall:
			target := binary.LittleEndian.Uint64(ins[1:])
			c.push(c.pc + 9)
			c.pc = target
		case NCallReg:
			target := c.regs[ins[1]]
			c.push(c.pc + 2)
			c.pc = target
		case NJmpReg:
			c.pc = c.regs[ins[1]]
		case NCallFin:
			off := int32(binary.LittleEndian.Uint32(ins[1:]))
			c.push(c.pc + 5)
			c.pc = uint64(int64(c.pc) + 5 + int64(off))

		case NEnter:
			frame := binary.LittleEndian.Uint32(ins[1:])
			c.push(c.regs[abi.RegFP])
			c.regs[abi.RegFP] = c.regs[abi.RegSP]
			if c.regs[abi.RegSP]-uint64(frame) < c.stackBase {
				panic(fmt.Errorf("%w: stack overflow in context %d", ErrExecution, c.id))
			}
			c.regs[abi.RegSP] -= uint64(frame)
			c.pc += 5
		case NEpilog:
			c.regs[abi.RegSP] = c.regs[abi.RegFP]
			c.regs[abi.RegFP] = c.pop()
			c.pc++
		case NRet:
			ret := c.pop()
			if ret == 0 {
				return true
			}
			c.pc = ret
			c.curBuf = nil

		case NSpAdj:
			imm := int32(binary.LittleEndian.Uint32(ins[1:]))
			c.regs[abi.RegSP] = uint64(int64(c.regs[abi.RegSP]) + int64(imm))
			c.pc += 5

		case NRtCall:
			id := binary.LittleEndian.Uint16(ins[1:])
			c.pc += 3
			c.vm.callHelper(c, id)
			c.curBuf = nil

		case NTrap:
			panicCondition(ConditionKind(ins[1]))

		default:
			panic(fmt.Errorf("%w: bad opcode 0x%02X at 0x%X", ErrExecution, ins[0], c.pc))
		}
	}
}

func (c *Context) memAddr(ins []byte) uint64 {
	return c.regs[ins[2]] + uint64(int64(int32(binary.LittleEndian.Uint32(ins[3:]))))
}

func (c *Context) rrr4(ins []byte, f func(a, b int32) int32) {
	c.regs[ins[1]] = uint64(int64(f(int32(c.regs[ins[2]]), int32(c.regs[ins[3]]))))
	c.pc += 4
}

func (c *Context) rrr8(ins []byte, f func(a, b uint64) uint64) {
	c.regs[ins[1]] = f(c.regs[ins[2]], c.regs[ins[3]])
	c.pc += 4
}

func (c *Context) frrr(ins []byte, f func(a, b float64) float64) {
	c.fregs[ins[1]] = f(c.fregs[ins[2]], c.fregs[ins[3]])
	c.pc += 4
}

func (c *Context) set(ins []byte, v bool) {
	if v {
		c.regs[ins[1]] = 1
	} else {
		c.regs[ins[1]] = 0
	}
	c.pc += 4
}

func (c *Context) fset(ins []byte, v bool) {
	c.set(ins, v)
}
