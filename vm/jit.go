package vm

import (
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/nucleus-os/nucleus/pkg/bytecode"
	"github.com/nucleus-os/nucleus/vm/abi"
)

var jitLog = commonlog.GetLogger("nucleus.jit")

// CompiledRegion is a protected region mapped onto native code offsets.
type CompiledRegion struct {
	TryStart     uint32
	TryEnd       uint32
	HandlerStart uint32
	HandlerEnd   uint32
	FilterStart  uint32
	Kind         bytecode.HandlerKind
	Catch        *TypeDescriptor
	Depth        uint8
}

// CompiledMethod is one published compilation: the code buffer, the
// frame geometry the dispatcher needs to walk and resume it, and the
// region table in native offsets.
type CompiledMethod struct {
	Method    *MethodDescriptor
	Addr      uint64
	Size      int
	FrameSize int
	Asn       abi.Assignment
	Regions   []CompiledRegion

	// ExcSlot is the FP-relative offset of the eval-stack base slot,
	// where the dispatcher parks the exception before resuming a catch
	// handler.
	ExcSlot int32
}

// Contains reports whether a native offset lies inside the method.
func (cm *CompiledMethod) Contains(addr uint64) bool {
	return addr >= cm.Addr && addr < cm.Addr+uint64(cm.Size)
}

// JITStats counts compiler activity.
type JITStats struct {
	mu            sync.Mutex
	Compilations  uint64
	CacheHits     uint64
	CodeBytes     uint64
	CompileTime   time.Duration
	FailedMethods uint64
}

// Snapshot returns a copy of the counters.
func (s *JITStats) Snapshot() JITStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return JITStats{
		Compilations:  s.Compilations,
		CacheHits:     s.CacheHits,
		CodeBytes:     s.CodeBytes,
		CompileTime:   s.CompileTime,
		FailedMethods: s.FailedMethods,
	}
}

// Stats returns a snapshot of compiler counters.
func (vm *VM) Stats() JITStats { return vm.stats.Snapshot() }

// compileRun tracks the methods mid-compilation on one Go stack so that
// recursive and mutually recursive call sites bind a lazy thunk instead
// of recursing into the compiler forever.
type compileRun struct {
	inProgress map[*MethodDescriptor]bool
}

func newCompileRun() *compileRun {
	return &compileRun{inProgress: make(map[*MethodDescriptor]bool)}
}

// ensureCompiled compiles a method at most usefully once. Check, then
// compile without holding the slot, then compare-and-publish: a loser
// of a concurrent race discards its buffer and adopts the winner's
// published code.
func (vm *VM) ensureCompiled(m *MethodDescriptor) (*CompiledMethod, error) {
	return vm.compileWithRun(m, newCompileRun())
}

// Compile compiles a method without invoking it, for ahead-of-time
// warming and inspection tools.
func (vm *VM) Compile(m *MethodDescriptor) (*CompiledMethod, error) {
	return vm.ensureCompiled(m)
}

func (vm *VM) compileWithRun(m *MethodDescriptor, run *compileRun) (*CompiledMethod, error) {
	if cm := m.Code(); cm != nil {
		vm.stats.mu.Lock()
		vm.stats.CacheHits++
		vm.stats.mu.Unlock()
		return cm, nil
	}

	m.mu.Lock()
	if m.state == codeEmpty {
		m.state = codeCompiling
	}
	m.mu.Unlock()

	run.inProgress[m] = true
	start := time.Now()
	cm, err := vm.compileMethod(m, run)
	delete(run.inProgress, m)
	if err != nil {
		// A failed attempt leaves the slot reusable unless a racing
		// compile published in the meantime.
		m.mu.Lock()
		if m.code == nil {
			m.state = codeEmpty
		}
		m.mu.Unlock()
		vm.stats.mu.Lock()
		vm.stats.FailedMethods++
		vm.stats.mu.Unlock()
		return nil, err
	}

	won := false
	m.mu.Lock()
	if m.code == nil {
		m.code = cm
		m.state = codePublished
		won = true
	} else {
		cm = m.code
	}
	m.mu.Unlock()

	if won {
		vm.methodID(m) // make it findable by the dispatcher
		vm.stats.mu.Lock()
		vm.stats.Compilations++
		vm.stats.CodeBytes += uint64(cm.Size)
		vm.stats.CompileTime += time.Since(start)
		vm.stats.mu.Unlock()

		jitLog.Debugf("compiled %s: %d bytes at 0x%X, frame %d",
			m.FullName(), cm.Size, cm.Addr, cm.FrameSize)

		if vm.cache != nil {
			if err := vm.cache.Record(m, cm); err != nil {
				jitLog.Warningf("compile cache record failed for %s: %v", m.FullName(), err)
			}
		}
	}
	return cm, nil
}

// entryAddr resolves the call target for a direct call. A callee that
// is mid-compilation somewhere up this Go stack gets a lazy-dispatch
// thunk instead of a direct address.
func (vm *VM) entryAddr(m *MethodDescriptor, run *compileRun) (uint64, error) {
	if run.inProgress[m] {
		return vm.lazyThunk(m), nil
	}
	cm, err := vm.compileWithRun(m, run)
	if err != nil {
		return 0, err
	}
	return cm.Addr, nil
}

// lazyThunk emits a tiny published stub that resolves and tail-jumps to
// the real method on first execution via the compile helper. The thunk
// preserves all argument registers: the helper communicates through R15
// and the stub transfers with the original arguments intact.
func (vm *VM) lazyThunk(m *MethodDescriptor) uint64 {
	vm.mu.Lock()
	if vm.thunks == nil {
		vm.thunks = make(map[*MethodDescriptor]uint64)
	}
	if addr, ok := vm.thunks[m]; ok {
		vm.mu.Unlock()
		return addr
	}
	vm.mu.Unlock()

	id := vm.methodID(m)
	var a Asm
	// Helper reads the method id from R15 so R1..R4 stay untouched.
	a.LoadImm(15, id)
	a.RtCall(HelpResolveEntry)
	// R15 now holds the entry; transfer without disturbing arguments.
	a.op(NJmpReg)
	a.b(15)
	code, _ := a.Finish()
	buf := vm.Code.Alloc(len(code))
	copy(buf.Code, code)
	buf.Publish()

	vm.mu.Lock()
	vm.thunks[m] = buf.Addr
	vm.mu.Unlock()
	return buf.Addr
}

// ensureShim returns the argument-shift shim for a delegate over a
// static method: callers invoke every delegate entry uniformly with the
// bound target in the first argument position, and the shim drops that
// slot before transferring to the static code.
func (vm *VM) ensureShim(m *MethodDescriptor) (*CompiledMethod, error) {
	vm.mu.Lock()
	if cm, ok := vm.shims[m]; ok {
		vm.mu.Unlock()
		return cm, nil
	}
	vm.mu.Unlock()

	cm, err := vm.compileStaticShim(m)
	if err != nil {
		return nil, err
	}

	vm.mu.Lock()
	if prior, ok := vm.shims[m]; ok {
		cm = prior
	} else {
		vm.shims[m] = cm
	}
	vm.mu.Unlock()
	return cm, nil
}

// delegateEntry resolves the uniform entry address bound into a
// delegate: the method itself for instance methods, the shim for
// static ones.
func (vm *VM) delegateEntry(m *MethodDescriptor) (uint64, error) {
	if m.IsStatic() {
		cm, err := vm.ensureShim(m)
		if err != nil {
			return 0, err
		}
		return cm.Addr, nil
	}
	cm, err := vm.ensureCompiled(m)
	if err != nil {
		return 0, err
	}
	return cm.Addr, nil
}

// findCompiled maps a code address back to its compiled method by
// scanning the published set. Used by the exception dispatcher.
func (vm *VM) findCompiled(addr uint64) *CompiledMethod {
	vm.mu.Lock()
	methods := make([]*MethodDescriptor, len(vm.methodTab))
	copy(methods, vm.methodTab)
	shims := make([]*CompiledMethod, 0, len(vm.shims))
	for _, cm := range vm.shims {
		shims = append(shims, cm)
	}
	vm.mu.Unlock()

	for _, m := range methods {
		if cm := m.Code(); cm != nil && cm.Contains(addr) {
			return cm
		}
	}
	for _, cm := range shims {
		if cm.Contains(addr) {
			return cm
		}
	}
	return nil
}
