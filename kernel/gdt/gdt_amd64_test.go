package gdt

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

func restoreStubs() {
	loadGDTFn = loadGDT
	loadTaskRegisterFn = loadTaskRegister
	setCSFn = setCS
	setDataSelectorsFn = setDataSelectors
	setSSFn = setSS
}

func TestSelectorValues(t *testing.T) {
	specs := []struct {
		descr string
		got   Selector
		exp   Selector
	}{
		{"null", NullSelector, 0x00},
		{"kernel code", KernelCodeSelector, 0x08},
		{"kernel data", KernelDataSelector, 0x10},
		{"user code", UserCodeSelector, 0x1b},
		{"user data", UserDataSelector, 0x23},
		{"tss", tssSelector, 0x28},
	}

	for _, spec := range specs {
		if spec.got != spec.exp {
			t.Errorf("expected the %s selector to be 0x%x; got 0x%x", spec.descr, uint16(spec.exp), uint16(spec.got))
		}
	}
}

func TestSegmentDescriptorEncoding(t *testing.T) {
	// Hand-assembled reference values: flat 64-bit ring 0 segments with
	// base and limit zero.
	if exp, got := Descriptor(0x00209a0000000000), kernelCodeDescriptor(); got != exp {
		t.Errorf("expected the kernel code descriptor to encode as 0x%x; got 0x%x", uint64(exp), uint64(got))
	}

	if exp, got := Descriptor(0x0040920000000000), kernelDataDescriptor(); got != exp {
		t.Errorf("expected the kernel data descriptor to encode as 0x%x; got 0x%x", uint64(exp), uint64(got))
	}
}

func TestTSSDescriptorEncoding(t *testing.T) {
	specs := []struct {
		base         uintptr
		limit        uint32
		expLo, expHi Descriptor
	}{
		{0xffff800012345678, 0x67, 0x1200893456780067, 0xffff8000},
		{0x1000, 0x2ffff, 0x000289001000ffff, 0x0},
	}

	for specIndex, spec := range specs {
		lo, hi := tssDescriptors(spec.base, spec.limit)
		if lo != spec.expLo {
			t.Errorf("[spec %d] expected the low TSS descriptor to encode as 0x%x; got 0x%x", specIndex, uint64(spec.expLo), uint64(lo))
		}
		if hi != spec.expHi {
			t.Errorf("[spec %d] expected the high TSS descriptor to encode as 0x%x; got 0x%x", specIndex, uint64(spec.expHi), uint64(hi))
		}
	}
}

func TestPointerBytes(t *testing.T) {
	got := Pointer{Limit: 0x37, Base: 0xffffffff81000000}.bytes()

	if limit := binary.LittleEndian.Uint16(got[0:2]); limit != 0x37 {
		t.Errorf("expected the packed limit to be 0x37; got 0x%x", limit)
	}
	if base := binary.LittleEndian.Uint64(got[2:10]); base != 0xffffffff81000000 {
		t.Errorf("expected the packed base to be 0xffffffff81000000; got 0x%x", base)
	}
}

func TestTaskStateSegmentLayout(t *testing.T) {
	var ts TaskStateSegment

	if size := unsafe.Sizeof(ts); size != 104 {
		t.Fatalf("expected the TSS to occupy 104 bytes; got %d", size)
	}

	if err := ts.SetRSP(0, 0xffff800000123000); err != nil {
		t.Fatalf("expected SetRSP(0) to succeed; got %v", err)
	}
	if ts[1] != 0x00123000 || ts[2] != 0xffff8000 {
		t.Errorf("expected RSP0 to land in words 1 and 2; got 0x%x 0x%x", ts[1], ts[2])
	}

	if err := ts.SetIST(1, 0xffff800000456000); err != nil {
		t.Fatalf("expected SetIST(1) to succeed; got %v", err)
	}
	if ts[9] != 0x00456000 || ts[10] != 0xffff8000 {
		t.Errorf("expected IST1 to land in words 9 and 10; got 0x%x 0x%x", ts[9], ts[10])
	}

	if err := ts.SetRSP(3, 0); err != errBadTSSSlot {
		t.Errorf("expected SetRSP(3) to fail with errBadTSSSlot; got %v", err)
	}
	if err := ts.SetIST(0, 0); err != errBadTSSSlot {
		t.Errorf("expected SetIST(0) to fail with errBadTSSSlot; got %v", err)
	}
	if err := ts.SetIST(8, 0); err != errBadTSSSlot {
		t.Errorf("expected SetIST(8) to fail with errBadTSSSlot; got %v", err)
	}

	ts.SetIOMapBase(104)
	if ts[25] != uint32(104)<<16 {
		t.Errorf("expected the I/O map base to land in the high half of word 25; got 0x%x", ts[25])
	}
}

func TestInit(t *testing.T) {
	defer restoreStubs()

	var (
		events  []string
		gotGDTR [10]byte
		gotTR   Selector
		gotCS   Selector
		gotSS   Selector
		gotData Selector
	)

	loadGDTFn = func(gdtr *[10]byte) {
		gotGDTR = *gdtr
		events = append(events, "lgdt")
	}
	loadTaskRegisterFn = func(sel Selector) {
		gotTR = sel
		events = append(events, "ltr")
	}
	setCSFn = func(sel Selector) {
		gotCS = sel
		events = append(events, "cs")
	}
	setDataSelectorsFn = func(sel Selector) {
		gotData = sel
		events = append(events, "data")
	}
	setSSFn = func(sel Selector) {
		gotSS = sel
		events = append(events, "ss")
	}

	if err := Init(); err != nil {
		t.Fatalf("expected Init to succeed; got %v", err)
	}

	// The table must be resident before any selector references it and the
	// data selectors must be valid before the far return reloads CS.
	expEvents := []string{"lgdt", "data", "ss", "cs", "ltr"}
	if len(events) != len(expEvents) {
		t.Fatalf("expected %d selector programming steps; got %d: %v", len(expEvents), len(events), events)
	}
	for i, exp := range expEvents {
		if events[i] != exp {
			t.Fatalf("expected step %d to be %q; got %q (full order: %v)", i, exp, events[i], events)
		}
	}

	if exp := uint16(unsafe.Sizeof(gdtTable) - 1); binary.LittleEndian.Uint16(gotGDTR[0:2]) != exp {
		t.Errorf("expected the GDTR limit to be %d; got %d", exp, binary.LittleEndian.Uint16(gotGDTR[0:2]))
	}
	if exp := uint64(uintptr(unsafe.Pointer(&gdtTable))); binary.LittleEndian.Uint64(gotGDTR[2:10]) != exp {
		t.Errorf("expected the GDTR base to point at the package table 0x%x; got 0x%x", exp, binary.LittleEndian.Uint64(gotGDTR[2:10]))
	}

	if gotData != NullSelector {
		t.Errorf("expected the data selectors to be programmed with the null selector; got 0x%x", uint16(gotData))
	}
	if gotSS != KernelDataSelector {
		t.Errorf("expected SS to be programmed with 0x%x; got 0x%x", uint16(KernelDataSelector), uint16(gotSS))
	}
	if gotCS != KernelCodeSelector {
		t.Errorf("expected CS to be programmed with 0x%x; got 0x%x", uint16(KernelCodeSelector), uint16(gotCS))
	}
	if gotTR != tssSelector {
		t.Errorf("expected TR to be loaded with 0x%x; got 0x%x", uint16(tssSelector), uint16(gotTR))
	}

	if gdtTable[slotNull] != 0 {
		t.Error("expected the null descriptor to stay zero")
	}
	if gdtTable[slotUserCode] != 0 || gdtTable[slotUserData] != 0 {
		t.Error("expected the reserved ring 3 slots to stay zero")
	}
	if gdtTable[slotKernelCode] != kernelCodeDescriptor() {
		t.Errorf("expected the kernel code slot to hold 0x%x; got 0x%x", uint64(kernelCodeDescriptor()), uint64(gdtTable[slotKernelCode]))
	}
	if gdtTable[slotKernelData] != kernelDataDescriptor() {
		t.Errorf("expected the kernel data slot to hold 0x%x; got 0x%x", uint64(kernelDataDescriptor()), uint64(gdtTable[slotKernelData]))
	}

	// Decode the TSS descriptor pair and check it points back at the
	// package TSS.
	lo := uint64(gdtTable[slotTSS])
	hi := uint64(gdtTable[slotTSSHigh])

	if typ := (lo >> 40) & 0xf; typ != 0x9 {
		t.Errorf("expected the TSS descriptor type to be 0x9 (available 64-bit TSS); got 0x%x", typ)
	}
	if lo&(1<<47) == 0 {
		t.Error("expected the TSS descriptor to be marked present")
	}
	if limit := lo&0xffff | (lo>>32)&0xf0000; limit != uint64(unsafe.Sizeof(tss)-1) {
		t.Errorf("expected the TSS descriptor limit to be %d; got %d", unsafe.Sizeof(tss)-1, limit)
	}

	base := (lo>>16)&0xffffff | (lo>>56&0xff)<<24 | hi<<32
	if exp := uint64(uintptr(unsafe.Pointer(&tss))); base != exp {
		t.Errorf("expected the TSS descriptor base to be 0x%x; got 0x%x", exp, base)
	}
}

func TestSetIST(t *testing.T) {
	defer func() { tss = TaskStateSegment{} }()
	tss = TaskStateSegment{}

	if err := SetIST(DoubleFaultISTSlot, 0xffff800000789000); err != nil {
		t.Fatalf("expected SetIST to succeed; got %v", err)
	}
	if tss[9] != 0x00789000 || tss[10] != 0xffff8000 {
		t.Errorf("expected the double fault stack to land in IST slot 1; got 0x%x 0x%x", tss[9], tss[10])
	}

	if err := SetIST(9, 0); err != errBadTSSSlot {
		t.Errorf("expected an out of range slot to fail with errBadTSSSlot; got %v", err)
	}
}
