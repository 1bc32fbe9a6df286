// Package cpu builds and loads the flat GDT/TSS and the 256-entry IDT.
// Segmentation does no real protection work on x86_64 beyond the ring
// carried in the selector's RPL and the descriptor's DPL; the entries
// below exist because the CPU still requires a valid GDT/TSS/IDT to
// take interrupts and to switch stacks on a double fault.
package cpu

import (
	"unsafe"

	"vanta/internal/arch/x86_64/asm"
	"vanta/bitfield"
)

// Selector values, fixed by the layout below (null, kernel code, kernel
// data, user code, user data, TSS). The CS/SS words written into a
// bootstrapped task's ptregs.Regs are exactly these values.
const (
	KernelCodeSelector uint16 = 0x08
	KernelDataSelector uint16 = 0x10
	UserCodeSelector   uint16 = 0x18 | 3
	UserDataSelector   uint16 = 0x20 | 3
	TSSSelector        uint16 = 0x28

	gdtEntries = 7 // null, kcode, kdata, ucode, udata, tss-low, tss-high
)

const (
	granularity4K = 1 << 7
	longMode64    = 1 << 5
)

type gdtEntry struct {
	limit0      uint16
	base0       uint16
	base1       uint8
	access      uint8
	limit1Flags uint8
	base2       uint8
}

type tssDescriptor struct {
	limit0      uint16
	base0       uint16
	base1       uint8
	access      uint8
	limit1Flags uint8
	base2       uint8
	base3       uint32
	reserved    uint32
}

type gdtPtr struct {
	limit uint16
	base  uint64
}

// TSS is the 64-bit task state segment. On x86_64 it no longer holds a
// full hardware task context; it supplies ring0 stack pointers (rsp0..2)
// and the interrupt-stack-table entries used to force a known-good stack
// on specific vectors, here just the double fault.
type TSS struct {
	reserved0 uint32
	RSP0      uint64
	rsp1      uint64
	rsp2      uint64
	reserved1 uint64
	IST       [7]uint64
	reserved2 uint64
	reserved3 uint16
	iopbOff   uint16
}

const istStackSize = 4096 // PAGE_SIZE
const istDoubleFault = 1  // index into TSS.IST, 1-based per the Intel SDM

// Table owns the GDT, TSS and the double-fault IST stack backing it. A
// single instance exists for the lifetime of the kernel; there is
// exactly one CPU, so it need not be per-CPU.
type Table struct {
	entries [gdtEntries]gdtEntry
	tss     TSS
	ist1    [istStackSize]byte
}

// New constructs a Table with flat kernel/user code and data segments and
// a TSS descriptor, but does not load it; call Load to do that.
func New() *Table {
	t := &Table{}
	t.tss.IST[istDoubleFault-1] = uint64(uintptr(unsafe.Pointer(&t.ist1[0]))) + istStackSize

	t.entries[0] = gdtEntry{} // null

	t.entries[1] = flatSegment(bitfield.GDTAccess{
		ReadWrite: true, Executable: true, CodeOrData: true, Present: true,
	}, longMode64)
	t.entries[2] = flatSegment(bitfield.GDTAccess{
		ReadWrite: true, CodeOrData: true, Present: true,
	}, granularity4K)
	t.entries[3] = flatSegment(bitfield.GDTAccess{
		ReadWrite: true, Executable: true, CodeOrData: true, DPL: 3, Present: true,
	}, longMode64)
	t.entries[4] = flatSegment(bitfield.GDTAccess{
		ReadWrite: true, CodeOrData: true, DPL: 3, Present: true,
	}, granularity4K)

	tssDesc := t.tssDescriptor()
	t.entries[5] = *(*gdtEntry)(unsafe.Pointer(&tssDesc)) // low 8 bytes
	t.entries[6] = gdtEntry{
		limit0: uint16(tssDesc.base3),
		base0:  uint16(tssDesc.base3 >> 16),
	} // high 8 bytes, base3/reserved reinterpreted

	return t
}

func flatSegment(access bitfield.GDTAccess, flags uint8) gdtEntry {
	return gdtEntry{
		limit0:      0xFFFF,
		base0:       0,
		base1:       0,
		access:      access.Pack(),
		limit1Flags: 0x0F | flags, // limit[19:16]=0xF, flags in top nibble
		base2:       0,
	}
}

func (t *Table) tssDescriptor() tssDescriptor {
	base := uint64(uintptr(unsafe.Pointer(&t.tss)))
	limit := uint32(unsafe.Sizeof(t.tss) - 1)
	return tssDescriptor{
		limit0: uint16(limit),
		base0:  uint16(base),
		base1:  uint8(base >> 16),
		access: bitfield.GDTAccess{
			Present: true,
		}.Pack() | 0x09, // type=0x9 (available 64-bit TSS), S=0
		limit1Flags: uint8((limit >> 16) & 0xF),
		base2:       uint8(base >> 24),
		base3:       uint32(base >> 32),
	}
}

// Load installs the GDT and TSS and reloads the segment registers.
func (t *Table) Load() {
	ptr := gdtPtr{
		limit: uint16(unsafe.Sizeof(t.entries) - 1),
		base:  uint64(uintptr(unsafe.Pointer(&t.entries[0]))),
	}
	asm.LoadGDT(uintptr(unsafe.Pointer(&ptr)), KernelCodeSelector, KernelDataSelector)
	asm.LoadTSS(TSSSelector)
}

// SetKernelStack updates TSS.RSP0, the stack the CPU switches to on any
// ring3->ring0 transition. Nothing transitions from ring 3 yet; the
// scheduler's per-task bookkeeping needs somewhere to point it once
// user tasks exist.
func (t *Table) SetKernelStack(rsp0 uintptr) {
	t.tss.RSP0 = uint64(rsp0)
}
