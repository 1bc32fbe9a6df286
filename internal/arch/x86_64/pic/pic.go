// Package pic drives the legacy 8259 programmable interrupt controller
// pair. Limine leaves the PIC in its power-on state with IRQs 0-7 and
// 8-15 mapped onto CPU exception vectors 8-15, colliding with the
// reserved exception range; RemapAndInit moves them to
// OffsetMaster/OffsetSlave before anything unmasks an IRQ line.
package pic

import "vanta/internal/arch/x86_64/asm"

const (
	masterCommand = 0x20
	masterData    = 0x21
	slaveCommand  = 0xA0
	slaveData     = 0xA1

	icw1Init      = 0x10
	icw1ICW4Needed = 0x01
	icw4_8086Mode = 0x01

	ocw3ReadISR = 0x0B

	// OffsetMaster and OffsetSlave are the remapped base vectors for
	// the master and slave PIC. These match cpu.IRQBase and
	// cpu.IRQBase+8.
	OffsetMaster uint8 = 0x20
	OffsetSlave  uint8 = 0x28

	cascadeIRQ = 2
)

// RemapAndInit reprograms both PICs to deliver IRQ0-7 on vectors
// OffsetMaster..+7 and IRQ8-15 on OffsetSlave..+7, then masks every line.
// Callers unmask individual IRQs with Unmask once their handler is
// registered.
func RemapAndInit() {
	// ICW1 with the ICW4-needed bit on both controllers; ICW4 is what
	// selects 8086 mode at the end of the sequence.
	asm.Outb(masterCommand, icw1Init|icw1ICW4Needed)
	asm.IOWait()
	asm.Outb(slaveCommand, icw1Init|icw1ICW4Needed)
	asm.IOWait()

	asm.Outb(masterData, OffsetMaster)
	asm.IOWait()
	asm.Outb(slaveData, OffsetSlave)
	asm.IOWait()

	asm.Outb(masterData, 1<<cascadeIRQ) // tell master: slave on IRQ2
	asm.IOWait()
	asm.Outb(slaveData, cascadeIRQ) // tell slave its cascade identity
	asm.IOWait()

	asm.Outb(masterData, icw4_8086Mode)
	asm.IOWait()
	asm.Outb(slaveData, icw4_8086Mode)
	asm.IOWait()

	asm.Outb(masterData, 0xFF)
	asm.Outb(slaveData, 0xFF)
}

// SendEOI acknowledges the controller(s) for irq. A slave-PIC IRQ
// (8-15) requires an EOI to the slave first, then always the master,
// since the master only sees the cascade line.
func SendEOI(irq uint8) {
	if irq > 15 {
		return
	}
	if irq >= 8 {
		asm.Outb(slaveCommand, 0x20)
	}
	asm.Outb(masterCommand, 0x20)
}

// Mask disables delivery of irq (0-15); anything else is a no-op.
func Mask(irq uint8) {
	if irq > 15 {
		return
	}
	port, bit := portAndBit(irq)
	current := asm.Inb(port)
	asm.Outb(port, current|bit)
}

// Unmask enables delivery of irq (0-15); anything else is a no-op.
func Unmask(irq uint8) {
	if irq > 15 {
		return
	}
	port, bit := portAndBit(irq)
	current := asm.Inb(port)
	asm.Outb(port, current&^bit)
}

func portAndBit(irq uint8) (port uint16, bit uint8) {
	if irq < 8 {
		return masterData, 1 << irq
	}
	return slaveData, 1 << (irq - 8)
}

// ReadISR returns the in-service register of the master (slave=false)
// or slave (slave=true) PIC, via OCW3. Used to distinguish a genuine
// IRQ7 from a spurious one: a spurious IRQ7 never sets bit 7 of the
// master's ISR.
func ReadISR(slave bool) uint8 {
	cmd := masterCommand
	if slave {
		cmd = slaveCommand
	}
	asm.Outb(uint16(cmd), ocw3ReadISR)
	return asm.Inb(uint16(cmd))
}

// IsSpuriousIRQ7 reports whether a reported IRQ7 is spurious: the master
// PIC raised the line (often from electrical noise) but never actually
// latched an in-service bit for it. A spurious IRQ7 must not be EOI'd.
func IsSpuriousIRQ7() bool {
	return ReadISR(false)&(1<<7) == 0
}
