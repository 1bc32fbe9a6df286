// Package irq dispatches both CPU exceptions and PIC-routed hardware
// interrupts to registered Go handlers. The assembly entry stubs that
// build a ptregs.Regs on the stack live with the boot trampoline
// outside this tree; everything from Dispatch inward is implemented
// here.
package irq

import (
	"fmt"

	"vanta/internal/arch/x86_64/lock"
	"vanta/internal/arch/x86_64/pic"
	"vanta/internal/arch/x86_64/ptregs"
	"vanta/internal/klog"
	"vanta/internal/panic"
)

// Handler processes one hardware interrupt. It receives the full
// register snapshot so drivers that need it (none in this tree beyond
// the timer) are not limited to side-channel state.
type Handler func(regs *ptregs.Regs)

const numLines = 16

// TimerLine is the PIC line the tick timer interrupts on. Dispatch
// reports a timer interrupt back to its caller so the interrupt
// epilogue can run the scheduler once the handler chain is done.
const TimerLine uint8 = 0

// controller is the slice of the pic package Dispatch and the
// registration calls drive. An interface rather than direct calls so
// tests can observe EOI/mask traffic without real port I/O.
type controller interface {
	SendEOI(line uint8)
	Mask(line uint8)
	Unmask(line uint8)
	SpuriousIRQ7() bool
}

type pic8259 struct{}

func (pic8259) SendEOI(line uint8) { pic.SendEOI(line) }
func (pic8259) Mask(line uint8)    { pic.Mask(line) }
func (pic8259) Unmask(line uint8)  { pic.Unmask(line) }
func (pic8259) SpuriousIRQ7() bool { return pic.IsSpuriousIRQ7() }

var (
	ctl       controller = pic8259{}
	routines  [numLines]Handler
	tableLock lock.Spinlock
)

// exceptionMessages is indexed by vector number for vectors 0-20;
// vectors beyond the table fall back to "Unknown Exception".
var exceptionMessages = [...]string{
	"Divide by Zero Error",
	"Debug",
	"Non-Maskable Interrupt",
	"Breakpoint",
	"Overflow",
	"Bound Range Exceeded",
	"Invalid Opcode",
	"Device Not Available",
	"Double Fault",
	"Coprocessor Segment Overrun",
	"Invalid TSS",
	"Segment Not Present",
	"Stack-Segment Fault",
	"General Protection Fault",
	"Page Fault",
	"Reserved (15)",
	"x87 Floating-Point Exception",
	"Alignment Check",
	"Machine Check",
	"SIMD Floating-Point Exception",
	"Virtualization Exception",
}

const firstIRQVector = 0x20

// RequestIRQ installs handler for irqLine (0-15) and unmasks the line.
// It refuses an out-of-range line, a nil handler, and a line that
// already has a handler, leaving the mask state untouched in every
// refusal case.
func RequestIRQ(irqLine uint8, handler Handler) error {
	if irqLine >= numLines {
		return fmt.Errorf("irq: line %d out of range", irqLine)
	}
	if handler == nil {
		return fmt.Errorf("irq: nil handler for line %d", irqLine)
	}

	wasEnabled := tableLock.LockIRQSave()
	defer tableLock.UnlockIRQRestore(wasEnabled)

	if routines[irqLine] != nil {
		return fmt.Errorf("irq: line %d already has a handler", irqLine)
	}
	routines[irqLine] = handler
	ctl.Unmask(irqLine)
	return nil
}

// FreeIRQ masks irqLine, then removes its handler. Masking first means
// no interrupt can arrive between the mask write and the table update
// and find the slot half-cleared.
func FreeIRQ(irqLine uint8) {
	if irqLine >= numLines {
		return
	}
	ctl.Mask(irqLine)

	wasEnabled := tableLock.LockIRQSave()
	defer tableLock.UnlockIRQRestore(wasEnabled)
	routines[irqLine] = nil
}

// Dispatch is the single entry point the assembly stub calls for every
// vector, exception or IRQ alike. Exceptions (vector < firstIRQVector)
// go to the panic path and never return. IRQs are translated back to a
// 0-15 line number, EOI'd, and handed to the registered Handler.
//
// The EOI goes out before the handler runs: a handler that takes a
// while must not hold up lower-priority lines behind an un-acknowledged
// in-service bit.
//
// The return value tells the interrupt epilogue whether this was a
// timer tick, in which case it is expected to call sched.Schedule with
// the interrupted context and resume at whatever stack pointer that
// returns. Dispatch cannot perform the switch itself: swapping stacks
// out from under a running Go frame is the epilogue stub's job.
func Dispatch(regs *ptregs.Regs) (reschedule bool) {
	if regs.Vector < firstIRQVector {
		handleException(regs)
		return false
	}

	line, ok := vectorToLine(uint8(regs.Vector))
	if !ok {
		return false
	}

	// A spurious IRQ7 has no in-service bit latched, so there is
	// nothing to EOI; acknowledging it anyway would eat a real
	// interrupt's EOI.
	if line == 7 && ctl.SpuriousIRQ7() {
		klog.Debugf("irq: ignoring spurious IRQ7")
		return false
	}

	ctl.SendEOI(line)

	if h := routines[line]; h != nil {
		h(regs)
	} else {
		klog.Warnf("irq: unhandled IRQ %d", line)
	}

	return line == TimerLine
}

func vectorToLine(vector uint8) (line uint8, ok bool) {
	switch {
	case vector >= pic.OffsetMaster && vector < pic.OffsetMaster+8:
		return vector - pic.OffsetMaster, true
	case vector >= pic.OffsetSlave && vector < pic.OffsetSlave+8:
		return (vector - pic.OffsetSlave) + 8, true
	default:
		return 0, false
	}
}

func handleException(regs *ptregs.Regs) {
	message := "Unknown Exception"
	if int(regs.Vector) < len(exceptionMessages) {
		message = exceptionMessages[regs.Vector]
	}
	panic.Die(message, regs)
}
