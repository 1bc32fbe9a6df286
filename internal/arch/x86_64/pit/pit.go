// Package pit drives the 8253/8254 programmable interval timer in
// square-wave mode as the kernel's tick source. The timer is the only
// device driver in the tree beyond the PIC itself.
package pit

import (
	"sync/atomic"

	"vanta/internal/arch/x86_64/asm"
)

const (
	// inputFrequency is the PIT's fixed oscillator frequency in Hz.
	inputFrequency = 1193182

	// Frequency is the tick rate the kernel programs at boot, and the
	// rate UptimeMillis assumes.
	Frequency uint32 = 100

	// IRQ is the PIC IRQ line the PIT is wired to.
	IRQ uint8 = 0

	commandPort = 0x43
	dataPort    = 0x40

	modeSquareWave = 0x36 // channel 0, lobyte/hibyte, mode 3, binary
)

var ticks uint64

// divisorFor converts a target tick rate into the 16-bit reload value
// the PIT counts down from; a rate that does not evenly divide
// inputFrequency rounds down.
func divisorFor(frequencyHz uint32) uint16 {
	return uint16(inputFrequency / frequencyHz)
}

// Init programs the PIT for frequencyHz ticks per second.
func Init(frequencyHz uint32) {
	divisor := divisorFor(frequencyHz)

	asm.Outb(commandPort, modeSquareWave)
	asm.Outb(dataPort, uint8(divisor))
	asm.Outb(dataPort, uint8(divisor>>8))
}

// HandleTick is the IRQ0 handler body: it advances the tick count. The
// EOI already went out before the dispatcher invoked it, and the
// dispatcher's timer-line return value is what triggers the scheduler
// afterwards, so counting is all that is left to do here.
func HandleTick() {
	atomic.AddUint64(&ticks, 1)
}

// Ticks returns the number of timer interrupts handled since Init.
func Ticks() uint64 {
	return atomic.LoadUint64(&ticks)
}

// UptimeMillis returns milliseconds elapsed since Init, assuming the
// Frequency tick rate (10ms per tick at 100Hz) used throughout this
// kernel. A kernel booted at a different frequency should not rely on
// this helper.
func UptimeMillis() uint64 {
	return Ticks() * uint64(1000/Frequency)
}
