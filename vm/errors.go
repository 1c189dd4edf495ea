package vm

import (
	"errors"
	"fmt"

	"github.com/nucleus-os/nucleus/metadata"
)

// Compilation and resolution failures are Go errors: they are fatal only
// for the one method or type involved and never corrupt shared caches.
// Runtime conditions (overflow, divide by zero, bad array access, null
// dereference) are managed exceptions instead; see Condition.

// ErrUnsupportedOpcode reports a bytecode instruction outside the
// supported subset.
type ErrUnsupportedOpcode struct {
	Method string
	Offset uint32
	Op     byte
}

func (e *ErrUnsupportedOpcode) Error() string {
	return fmt.Sprintf("unsupported opcode 0x%02X at %s+0x%04X", e.Op, e.Method, e.Offset)
}

// ErrUnsupportedSignature reports a signature feature outside the
// supported subset.
type ErrUnsupportedSignature struct {
	Method string
	Detail string
}

func (e *ErrUnsupportedSignature) Error() string {
	return fmt.Sprintf("unsupported signature in %s: %s", e.Method, e.Detail)
}

// ErrUnresolvedToken wraps a metadata resolution failure observed during
// compilation.
type ErrUnresolvedToken struct {
	Method string
	Token  metadata.Token
	Err    error
}

func (e *ErrUnresolvedToken) Error() string {
	return fmt.Sprintf("unresolved token %v in %s: %v", e.Token, e.Method, e.Err)
}

func (e *ErrUnresolvedToken) Unwrap() error { return e.Err }

// ErrCompilation reports an internal invariant violation in the method
// compiler, such as a stack-depth mismatch at a block merge.
type ErrCompilation struct {
	Method string
	Detail string
}

func (e *ErrCompilation) Error() string {
	return fmt.Sprintf("compilation error in %s: %s", e.Method, e.Detail)
}

// ErrExecution reports a fault in the dispatch core itself (executing an
// unpublished buffer, a wild code address). These are fatal for the
// execution context.
var ErrExecution = errors.New("execution fault")

// ----------------------------------------------------------------------------
// Managed condition taxonomy
// ----------------------------------------------------------------------------

// ConditionKind names the runtime faults translated into the managed
// exception taxonomy.
type ConditionKind uint8

const (
	CondOverflow ConditionKind = iota
	CondDivideByZero
	CondBounds
	CondNullReference
	CondInvalidCast
	CondExplicitThrow
)

func (k ConditionKind) String() string {
	switch k {
	case CondOverflow:
		return "OverflowCondition"
	case CondDivideByZero:
		return "DivideByZeroCondition"
	case CondBounds:
		return "BoundsCondition"
	case CondNullReference:
		return "NullReferenceCondition"
	case CondInvalidCast:
		return "InvalidCastCondition"
	case CondExplicitThrow:
		return "Exception"
	default:
		return fmt.Sprintf("ConditionKind(%d)", uint8(k))
	}
}

// UnhandledCondition is reported to the top-level fault handler when no
// protected region accepts a thrown exception. It is never silently
// dropped: Run and Invoke surface it as this Go error.
type UnhandledCondition struct {
	Kind   ConditionKind
	Type   *TypeDescriptor // runtime type of the thrown object, if any
	Object uint64          // managed reference to the thrown object
	PC     uint64          // faulting code address
}

func (e *UnhandledCondition) Error() string {
	name := e.Kind.String()
	if e.Type != nil {
		name = e.Type.FullName()
	}
	return fmt.Sprintf("unhandled %s at pc 0x%X", name, e.PC)
}
