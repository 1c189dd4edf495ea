package vm

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/nucleus-os/nucleus/metadata"
	"github.com/nucleus-os/nucleus/vm/abi"
)

var log = commonlog.GetLogger("nucleus.vm")

// Options configures a VM instance.
type Options struct {
	// MemorySize is the flat data space size in bytes.
	MemorySize int
	// StackSize is the per-context stack size in bytes.
	StackSize int
	// CachePath enables the persistent warm-start cache when non-empty.
	CachePath string
}

const (
	defaultMemorySize = 64 << 20
	defaultStackSize  = 256 << 10
)

// VM ties the subsystems together: the metadata registry, the flat data
// space and code space, the type resolver, the heap, and the method
// compiler with its caches.
type VM struct {
	Registry *metadata.Registry
	Mem      *Memory
	Code     *CodeSpace
	Types    *Resolver
	Heap     *Heap

	stats JITStats

	mu        sync.Mutex
	methodIDs map[*MethodDescriptor]uint64
	methodTab []*MethodDescriptor
	shims     map[*MethodDescriptor]*CompiledMethod
	thunks    map[*MethodDescriptor]uint64

	cache *CompileCache

	nextCtx atomic.Uint64
	opts    Options
}

// New creates a VM over a registry of loaded modules.
func New(reg *metadata.Registry, opts Options) (*VM, error) {
	if opts.MemorySize == 0 {
		opts.MemorySize = defaultMemorySize
	}
	if opts.StackSize == 0 {
		opts.StackSize = defaultStackSize
	}
	mem := NewMemory(opts.MemorySize)
	res := NewResolver(reg, mem)
	vm := &VM{
		Registry:  reg,
		Mem:       mem,
		Code:      NewCodeSpace(),
		Types:     res,
		Heap:      NewHeap(mem, res),
		methodIDs: make(map[*MethodDescriptor]uint64),
		shims:     make(map[*MethodDescriptor]*CompiledMethod),
		opts:      opts,
	}
	if opts.CachePath != "" {
		cache, err := OpenCompileCache(opts.CachePath)
		if err != nil {
			return nil, fmt.Errorf("opening compile cache: %w", err)
		}
		vm.cache = cache
	}
	log.Debugf("vm ready: %d byte data space, %d byte stacks, %d modules",
		opts.MemorySize, opts.StackSize, len(reg.Modules()))
	return vm, nil
}

// Close releases the persistent cache, if any.
func (vm *VM) Close() error {
	if vm.cache != nil {
		return vm.cache.Close()
	}
	return nil
}

// methodID assigns a stable numeric id to a method descriptor so
// generated code can name it in an immediate.
func (vm *VM) methodID(m *MethodDescriptor) uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if id, ok := vm.methodIDs[m]; ok {
		return id
	}
	vm.methodTab = append(vm.methodTab, m)
	id := uint64(len(vm.methodTab))
	vm.methodIDs[m] = id
	return id
}

func (vm *VM) methodByID(id uint64) *MethodDescriptor {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if id == 0 || id > uint64(len(vm.methodTab)) {
		return nil
	}
	return vm.methodTab[id-1]
}

// NewContext creates an execution context with its own stack.
func (vm *VM) NewContext() *Context {
	c := &Context{vm: vm, id: vm.nextCtx.Add(1)}
	c.stackBase, c.stackTop = vm.Mem.AllocStack(vm.opts.StackSize)
	c.regs[abi.RegSP] = c.stackTop
	return c
}

// Invoke compiles the method if needed and calls it with word-sized
// arguments (raw bits for floats, references for objects, addresses for
// by-ref aggregates). The return value comes back as its raw word; a
// hidden-pointer return comes back as the address of the result.
func (vm *VM) Invoke(m *MethodDescriptor, args ...uint64) (uint64, error) {
	ctx := vm.NewContext()
	return ctx.Call(m, args...)
}

// Call invokes a method on this context.
func (c *Context) Call(m *MethodDescriptor, args ...uint64) (uint64, error) {
	cm, err := c.vm.ensureCompiled(m)
	if err != nil {
		return 0, err
	}
	asn := cm.Asn
	want := len(asn.Params)
	if asn.HiddenRet {
		want--
	}
	if asn.CookieIndex >= 0 {
		want--
	}
	if len(args) != want {
		return 0, fmt.Errorf("%s: want %d arguments, got %d", m.FullName(), want, len(args))
	}

	mem := c.vm.Mem
	sp := c.regs[abi.RegSP]
	savedPC := c.pc
	savedBuf := c.curBuf

	var hidden uint64
	physArgs := args
	if asn.HiddenRet {
		hidden = mem.Alloc(asn.Ret.Size, 16)
		physArgs = append([]uint64{hidden}, args...)
	}
	if asn.CookieIndex >= 0 {
		// An empty iterator cookie; Go-side callers pass no extras.
		cookie := mem.Alloc(abi.CookieSize(0), 8)
		mem.WriteU64(cookie+abi.CookieCountOff, 0)
		physArgs = append(physArgs, cookie)
	}

	// Outgoing area: shadow space plus stack arguments, then the
	// sentinel return address that halts the run loop.
	sp -= uint64(abi.ShadowSize + asn.StackBytes)
	for i, loc := range asn.Params {
		// Pair-classified aggregates are passed here by address and
		// split into their two words at the boundary.
		switch {
		case loc.Class == abi.ClassRegPair && loc.InReg:
			c.regs[loc.Reg] = mem.ReadU64(physArgs[i])
			c.regs[loc.Reg2] = mem.ReadU64(physArgs[i] + 8)
		case loc.Class == abi.ClassRegPair:
			mem.WriteU64(sp+uint64(abi.ShadowSize+loc.StackOff), mem.ReadU64(physArgs[i]))
			mem.WriteU64(sp+uint64(abi.ShadowSize+loc.StackOff+8), mem.ReadU64(physArgs[i]+8))
		case loc.InReg:
			c.regs[loc.Reg] = physArgs[i]
		default:
			mem.WriteU64(sp+uint64(abi.ShadowSize+loc.StackOff), physArgs[i])
		}
	}
	sp -= 8
	mem.WriteU64(sp, 0)
	c.regs[abi.RegSP] = sp
	c.pc = cm.Addr

	err = c.run()
	c.pc = savedPC
	c.curBuf = savedBuf
	c.regs[abi.RegSP] = sp + 8 + uint64(abi.ShadowSize+asn.StackBytes)
	if err != nil {
		return 0, err
	}

	switch asn.Ret.Class {
	case abi.ClassVoid:
		return 0, nil
	case abi.ClassFloat:
		return math.Float64bits(c.fregs[0]), nil
	case abi.ClassByRef:
		return hidden, nil
	case abi.ClassRegPair:
		// Pair returns travel in R0:R1; hand back the address of a copy.
		buf := mem.Alloc(16, 8)
		mem.WriteU64(buf, c.regs[abi.RegR0])
		mem.WriteU64(buf+8, c.regs[abi.RegR1])
		return buf, nil
	default:
		return c.regs[abi.RegR0], nil
	}
}

// ResolveEntryPoint finds a static method by type and name across the
// registered modules.
func (vm *VM) ResolveEntryPoint(namespace, typeName, methodName string) (*MethodDescriptor, error) {
	t, err := vm.Types.FindType(namespace, typeName)
	if err != nil {
		return nil, err
	}
	for _, m := range t.Methods {
		if m.Name == methodName && m.IsStatic() {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no static method %s on %s", methodName, t.FullName())
}
