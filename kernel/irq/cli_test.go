package irq

import (
	"testing"

	"github.com/yubrot/ors/kernel"
	"github.com/yubrot/ors/kernel/cpu"
)

// cliModel models the CPU interrupt flag as a plain boolean so the nesting
// logic can run in user mode.
type cliModel struct {
	enabled      bool
	enableCalls  int
	disableCalls int
}

func installCliModel(initiallyEnabled bool) *cliModel {
	m := &cliModel{enabled: initiallyEnabled}
	disableInterruptsFn = func() {
		m.enabled = false
		m.disableCalls++
	}
	enableInterruptsFn = func() {
		m.enabled = true
		m.enableCalls++
	}
	interruptsEnabledFn = func() bool { return m.enabled }
	return m
}

func restoreCliStubs() {
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn = cpu.EnableInterrupts
	interruptsEnabledFn = cpu.InterruptsEnabled
	panicFn = kernel.Panic
	ncli = 0
	zcli = false
}

func TestPushPopCliNesting(t *testing.T) {
	defer restoreCliStubs()
	m := installCliModel(true)
	ncli, zcli = 0, false

	PushCli()
	if m.enabled {
		t.Fatal("expected interrupts to be disabled after the first PushCli")
	}
	if got := CliDepth(); got != 1 {
		t.Fatalf("expected a depth of 1 after one PushCli; got %d", got)
	}

	PushCli()
	if got := CliDepth(); got != 2 {
		t.Fatalf("expected a depth of 2 after nesting; got %d", got)
	}

	PopCli()
	if m.enabled {
		t.Fatal("expected interrupts to stay disabled while still inside the outer section")
	}

	PopCli()
	if !m.enabled {
		t.Fatal("expected interrupts to be re-enabled after the outermost PopCli")
	}
	if m.enableCalls != 1 {
		t.Fatalf("expected exactly one enable call; got %d", m.enableCalls)
	}
	if got := CliDepth(); got != 0 {
		t.Fatalf("expected a depth of 0 after unwinding; got %d", got)
	}
}

func TestPushCliWithInterruptsAlreadyDisabled(t *testing.T) {
	defer restoreCliStubs()
	m := installCliModel(false)
	ncli, zcli = 0, false

	// A scheduling operation entered from an interrupt handler runs with
	// interrupts already off; unwinding must not turn them on.
	PushCli()
	PopCli()

	if m.enabled {
		t.Fatal("expected interrupts to stay disabled when they were disabled before PushCli")
	}
	if m.enableCalls != 0 {
		t.Fatalf("expected no enable calls; got %d", m.enableCalls)
	}
}

func TestOutermostEnabledCarry(t *testing.T) {
	defer restoreCliStubs()
	m := installCliModel(true)
	ncli, zcli = 0, false

	PushCli()
	if !OutermostEnabled() {
		t.Fatal("expected OutermostEnabled to report the pre-section state")
	}

	// A context switch hands the section over to a task that was suspended
	// with interrupts off before its own outermost PushCli.
	SetOutermostEnabled(false)
	PopCli()

	if m.enabled {
		t.Fatal("expected the overridden disposition to keep interrupts off")
	}
	if m.enableCalls != 0 {
		t.Fatalf("expected no enable calls; got %d", m.enableCalls)
	}
}

func TestPopCliBookkeepingViolations(t *testing.T) {
	defer restoreCliStubs()

	var gotPanic interface{}
	panicFn = func(e interface{}) { gotPanic = e }

	m := installCliModel(true)
	ncli, zcli = 0, false

	// Popping while interrupts are enabled means some code inside the
	// section turned them back on.
	ncli = 1
	PopCli()
	if gotPanic != errPoppedEnabled {
		t.Fatalf("expected PopCli with interrupts enabled to panic with errPoppedEnabled; got %v", gotPanic)
	}

	gotPanic = nil
	m.enabled = false
	ncli = 0
	PopCli()
	if gotPanic != errUnbalancedPopCli {
		t.Fatalf("expected an unbalanced PopCli to panic with errUnbalancedPopCli; got %v", gotPanic)
	}
}
