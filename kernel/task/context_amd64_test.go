package task

import (
	"testing"
	"unsafe"

	"github.com/yubrot/ors/kernel/gdt"
)

// ctxBackings pins the storage behind test contexts for the life of the
// test binary; the aligned pointer arithmetic below hides it from the
// garbage collector.
var ctxBackings [][]byte

// alignedContext returns a Context placed at a 16-byte boundary plus the
// requested skew, so tests control the alignment init sees.
func alignedContext(skew uintptr) *Context {
	buf := make([]byte, unsafe.Sizeof(Context{})+32)
	ctxBackings = append(ctxBackings, buf)
	base := (uintptr(unsafe.Pointer(&buf[0])) + 15) &^ 15
	return (*Context)(unsafe.Pointer(base + skew))
}

func TestContextLayout(t *testing.T) {
	specs := []struct {
		field  string
		offset uintptr
		exp    uintptr
	}{
		{"cr3", unsafe.Offsetof(Context{}.cr3), 0x00},
		{"rip", unsafe.Offsetof(Context{}.rip), 0x08},
		{"rflags", unsafe.Offsetof(Context{}.rflags), 0x10},
		{"cs", unsafe.Offsetof(Context{}.cs), 0x20},
		{"ss", unsafe.Offsetof(Context{}.ss), 0x28},
		{"rax", unsafe.Offsetof(Context{}.rax), 0x40},
		{"rdi", unsafe.Offsetof(Context{}.rdi), 0x60},
		{"rsp", unsafe.Offsetof(Context{}.rsp), 0x70},
		{"r15", unsafe.Offsetof(Context{}.r15), 0xb8},
		{"fxsaveArea", unsafe.Offsetof(Context{}.fxsaveArea), 0xc0},
		{"saved", unsafe.Offsetof(Context{}.saved), 0x2c0},
	}

	for _, spec := range specs {
		if spec.offset != spec.exp {
			t.Errorf("%s: expected offset 0x%x; got 0x%x", spec.field, spec.exp, spec.offset)
		}
	}

	if size := unsafe.Sizeof(Context{}); size != 0x2c8 {
		t.Errorf("expected context size 0x2c8; got 0x%x", size)
	}
}

func TestContextInit(t *testing.T) {
	var (
		ctx      = alignedContext(0)
		owner    = new(Task)
		stackTop = uintptr(0x7f0000012345)
		pdt      = uintptr(0x3000)
	)

	// Pre-fill a register so init is shown to wipe stale state.
	ctx.rax = 0xdeadc0de

	if err := ctx.init(stackTop, owner, 42, pdt); err != nil {
		t.Fatalf("expected init to succeed; got %v", err)
	}

	if ctx.rax != 0 {
		t.Errorf("expected stale register state to be wiped; got rax=0x%x", ctx.rax)
	}
	if ctx.cr3 != uint64(pdt) {
		t.Errorf("expected cr3 0x%x; got 0x%x", pdt, ctx.cr3)
	}
	if exp := uint64(funcPC(taskEntry)); ctx.rip != exp {
		t.Errorf("expected rip to point at the trampoline 0x%x; got 0x%x", exp, ctx.rip)
	}
	if ctx.rflags != rflagsReserved {
		t.Errorf("expected parked rflags 0x%x; got 0x%x", uint64(rflagsReserved), ctx.rflags)
	}
	if ctx.cs != uint64(gdt.KernelCodeSelector) || ctx.ss != uint64(gdt.KernelDataSelector) {
		t.Errorf("expected kernel selectors cs=0x%x ss=0x%x; got cs=0x%x ss=0x%x",
			uint64(gdt.KernelCodeSelector), uint64(gdt.KernelDataSelector), ctx.cs, ctx.ss)
	}
	if ctx.fs != 0 || ctx.gs != 0 {
		t.Errorf("expected null fs/gs; got fs=0x%x gs=0x%x", ctx.fs, ctx.gs)
	}
	if exp := uint64(uintptr(unsafe.Pointer(owner))); ctx.rdi != exp {
		t.Errorf("expected rdi to carry the task 0x%x; got 0x%x", exp, ctx.rdi)
	}
	if ctx.rsi != 42 {
		t.Errorf("expected rsi to carry the spawn argument 42; got %d", ctx.rsi)
	}

	// The stack pointer is aligned down to 16 bytes and call-adjusted.
	if exp := uint64(0x7f0000012340 - 8); ctx.rsp != exp {
		t.Errorf("expected rsp 0x%x; got 0x%x", exp, ctx.rsp)
	}

	if ctx.fxsaveArea[mxcsrOffset] != 0x80 || ctx.fxsaveArea[mxcsrOffset+1] != 0x1f {
		t.Errorf("expected MXCSR image 0x1f80; got 0x%x%02x",
			ctx.fxsaveArea[mxcsrOffset+1], ctx.fxsaveArea[mxcsrOffset])
	}

	if !ctx.isSaved() {
		t.Error("expected a freshly built context to be published as saved")
	}
}

func TestContextInitAlignment(t *testing.T) {
	ctx := alignedContext(8)

	if err := ctx.init(0x1000, nil, 0, 0); err != errContextAlignment {
		t.Fatalf("expected errContextAlignment; got %v", err)
	}
}

func TestSavedFlagPrimitives(t *testing.T) {
	ctx := alignedContext(0)

	if err := ctx.init(0x1000, nil, 0, 0); err != nil {
		t.Fatalf("expected init to succeed; got %v", err)
	}

	// waitSaved must return immediately once the flag is up.
	ctx.waitSaved()

	ctx.clearSaved()
	if ctx.isSaved() {
		t.Error("expected the flag to read clear after clearSaved")
	}
}
