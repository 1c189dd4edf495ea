package vm

import "runtime"

// ensureStaticInit runs a type's static initializer exactly once. The
// state machine allows re-entrancy: a context that reaches the type
// again while its own initializer is on the stack observes the partial
// static values instead of deadlocking. Distinct contexts racing on the
// same type serialize; the loser waits for the winner's result.
func (vm *VM) ensureStaticInit(c *Context, t *TypeDescriptor) error {
	for {
		t.initMu.Lock()
		switch t.init {
		case initDone:
			t.initMu.Unlock()
			return nil
		case initRunning:
			if t.initOwner == c.id {
				// Re-entrant reference from the initializer itself.
				t.initMu.Unlock()
				return nil
			}
			t.initMu.Unlock()
			// Another context owns the initializer; its frames may call
			// back into the VM, so poll the state rather than block a
			// lock across managed code.
			runtime.Gosched()
			continue
		case initNone:
			t.init = initRunning
			t.initOwner = c.id
			t.initMu.Unlock()
		}
		break
	}

	// Base statics initialize before the derived type's.
	if t.Base != nil {
		if err := vm.ensureStaticInit(c, t.Base); err != nil {
			vm.failStaticInit(t)
			return err
		}
	}

	if t.Initializer != nil {
		if _, err := c.Call(t.Initializer); err != nil {
			vm.failStaticInit(t)
			return err
		}
	}

	t.initMu.Lock()
	t.init = initDone
	t.initOwner = 0
	t.initMu.Unlock()
	return nil
}

// failStaticInit rolls the state back so a later access retries rather
// than observing a type stuck mid-initialization.
func (vm *VM) failStaticInit(t *TypeDescriptor) {
	t.initMu.Lock()
	t.init = initNone
	t.initOwner = 0
	t.initMu.Unlock()
}
