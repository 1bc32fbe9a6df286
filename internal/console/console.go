// Package console implements klog.Console consumers: the fan-out
// targets printk writes to. One real sink (the COM1 16550 UART, polled
// over port I/O), a do-nothing stub for configurations without a
// serial port, and an in-memory recorder for tests.
package console

import "vanta/internal/arch/x86_64/asm"

// Null discards every message. Useful as the sole console in
// configurations with no serial port, or in tests that only care about
// the ring buffer.
type Null struct{}

// Write implements klog.Console.
func (Null) Write(level int, msg string) {}

// Recorder is an in-memory console used by tests: it keeps every message
// (and the level it arrived at) so assertions can inspect exactly what
// printk fanned out, without needing a real serial port.
type Recorder struct {
	Lines []RecordedLine
}

// RecordedLine is one message Recorder captured.
type RecordedLine struct {
	Level int
	Text  string
}

// Write implements klog.Console.
func (r *Recorder) Write(level int, msg string) {
	r.Lines = append(r.Lines, RecordedLine{Level: level, Text: msg})
}

const (
	com1Base = 0x3F8

	portData        = com1Base + 0
	portIntEnable   = com1Base + 1
	portFIFOCtrl    = com1Base + 2
	portLineControl = com1Base + 3
	portModemCtrl   = com1Base + 4
	portLineStatus  = com1Base + 5

	lineStatusTHREEmpty = 1 << 5
)

// Serial writes to the COM1 16550 UART, one byte at a time, polling the
// line-status register's transmit-holding-register-empty bit before
// each byte. There is no interrupt-driven path, so a console at Debug
// level on a slow link can visibly stall the writer; callers wanting
// to avoid that should quiet the filter via klog.SetConsoleLevel.
type Serial struct{}

// InitSerial programs COM1 to 38400 8N1 with FIFOs enabled, the
// configuration QEMU's default -serial stdio expects.
func InitSerial() Serial {
	asm.Outb(portIntEnable, 0x00)   // disable all UART interrupts
	asm.Outb(portLineControl, 0x80) // enable DLAB to set baud divisor
	asm.Outb(portData, 0x03)        // divisor low byte: 38400 baud
	asm.Outb(portIntEnable, 0x00)   // divisor high byte
	asm.Outb(portLineControl, 0x03) // 8 bits, no parity, one stop bit
	asm.Outb(portFIFOCtrl, 0xC7)    // enable FIFO, clear, 14-byte threshold
	asm.Outb(portModemCtrl, 0x0B)   // IRQs enabled (unused), DTR/RTS set
	return Serial{}
}

// Write implements klog.Console.
func (Serial) Write(level int, msg string) {
	for i := 0; i < len(msg); i++ {
		writeByteBlocking(msg[i])
	}
	writeByteBlocking('\n')
}

func writeByteBlocking(b byte) {
	for asm.Inb(portLineStatus)&lineStatusTHREEmpty == 0 {
		asm.Pause()
	}
	asm.Outb(portData, b)
}
