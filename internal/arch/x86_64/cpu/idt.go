package cpu

import (
	"unsafe"

	"vanta/bitfield"
	"vanta/internal/arch/x86_64/asm"
)

// MaxDescriptors is the fixed size of the IDT; x86_64 reserves all 256
// vectors whether or not every one is wired to a handler.
const MaxDescriptors = 256

// Exception vectors 0-20. Vector 15 is reserved by Intel and
// deliberately left unset.
const (
	VectorDivideByZero = 0
	VectorDebug        = 1
	VectorNMI          = 2
	VectorBreakpoint   = 3
	VectorOverflow     = 4
	VectorBoundRange   = 5
	VectorInvalidOpcode = 6
	VectorDeviceNotAvailable = 7
	VectorDoubleFault   = 8
	VectorInvalidTSS    = 10
	VectorSegmentNotPresent = 11
	VectorStackSegment  = 12
	VectorGeneralProtection = 13
	VectorPageFault     = 14
	VectorX87FP         = 16
	VectorAlignmentCheck = 17
	VectorMachineCheck  = 18
	VectorSIMDFP        = 19
	VectorVirtualization = 20
)

// IRQ vectors begin where the remapped PIC offsets land; see the pic
// package for PIC_IRQ_OFFSET_MASTER/SLAVE.
const IRQBase = 0x20

type idtEntry struct {
	isrLow     uint16
	kernelCS   uint16
	ist        uint8
	attributes uint8
	isrMid     uint16
	isrHigh    uint32
	reserved   uint32
}

type idtPtr struct {
	limit uint16
	base  uint64
}

// IDT owns the 256-entry interrupt descriptor table.
type IDT struct {
	entries [MaxDescriptors]idtEntry
}

// NewIDT returns a zeroed IDT; every vector is absent (present bit
// clear) until SetGate is called.
func NewIDT() *IDT {
	return &IDT{}
}

// SetGate installs a gate descriptor for vector, pointing at isr (the
// address of that vector's assembly entry stub, supplied by the
// caller), using selector as the code segment to run the handler in,
// attr for the gate type/DPL/present bits, and ist to select a non-zero
// interrupt-stack-table entry (used only for the double fault).
func (t *IDT) SetGate(vector uint8, isr uintptr, selector uint16, attr bitfield.IDTAttr, ist uint8) {
	e := &t.entries[vector]
	e.isrLow = uint16(isr)
	e.kernelCS = selector
	e.ist = ist
	e.attributes = attr.Pack()
	e.isrMid = uint16(isr >> 16)
	e.isrHigh = uint32(isr >> 32)
	e.reserved = 0
}

// Load installs the IDTR, making the table live.
func (t *IDT) Load() {
	ptr := idtPtr{
		limit: uint16(unsafe.Sizeof(t.entries) - 1),
		base:  uint64(uintptr(unsafe.Pointer(&t.entries[0]))),
	}
	asm.LoadIDT(uintptr(unsafe.Pointer(&ptr)))
}
