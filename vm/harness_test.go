package vm

import (
	"testing"

	"github.com/nucleus-os/nucleus/metadata"
	"github.com/nucleus-os/nucleus/pkg/bytecode"
)

// buildVM assembles a single-module image and boots a VM over it.
func buildVM(t *testing.T, build func(b *metadata.Builder)) *VM {
	t.Helper()
	b := metadata.NewBuilder("test")
	build(b)
	reg := metadata.NewRegistry()
	if _, err := reg.Load(b.Bytes()); err != nil {
		t.Fatalf("loading module: %v", err)
	}
	vm, err := New(reg, Options{})
	if err != nil {
		t.Fatalf("creating VM: %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	return vm
}

func entry(t *testing.T, vm *VM, typeName, methodName string) *MethodDescriptor {
	t.Helper()
	m, err := vm.ResolveEntryPoint("", typeName, methodName)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func call(t *testing.T, vm *VM, m *MethodDescriptor, args ...uint64) uint64 {
	t.Helper()
	r, err := vm.Invoke(m, args...)
	if err != nil {
		t.Fatalf("invoking %s: %v", m.FullName(), err)
	}
	return r
}

// staticSig is shorthand for a static method signature.
func staticSig(ret bytecode.TypeSig, params ...bytecode.TypeSig) bytecode.MethodSig {
	return bytecode.MethodSig{Ret: ret, Params: params}
}

// instanceSig is shorthand for an instance method signature.
func instanceSig(ret bytecode.TypeSig, params ...bytecode.TypeSig) bytecode.MethodSig {
	return bytecode.MethodSig{Conv: bytecode.CallConvHasThis, Ret: ret, Params: params}
}
