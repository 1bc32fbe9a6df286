// Package panic implements the kernel's fatal-error path. Unlike Go's
// built-in panic, Die never unwinds or recovers: there is no runtime to
// unwind into, so the only correct response to an unrecoverable fault
// is to disable interrupts, report what happened, and halt forever.
package panic

import (
	"vanta/internal/arch/x86_64/asm"
	"vanta/internal/arch/x86_64/ptregs"
	"vanta/internal/klog"
)

// Die logs a panic banner and a register dump, then halts the CPU
// forever. It never returns. message should be short and free of
// trailing punctuation, like the exception names irq hands in.
func Die(message string, regs *ptregs.Regs) {
	asm.DisableInterrupts()

	klog.Emergencyf("kernel panic: %s", message)
	if regs != nil {
		printRegisters(regs)
	}

	for {
		asm.Halt()
	}
}

// printRegisters dumps the interrupted context at the critical level,
// in zero-padded 16-digit columns.
func printRegisters(r *ptregs.Regs) {
	for _, l := range registerDumpLines(r) {
		klog.Criticalf(l.format, l.args...)
	}
}

// regLine is one line of printRegisters' output, kept as data instead of
// inline klog.Criticalf calls so registerDumpLines can be checked without
// going through klog's real, interrupt-disabling commit path.
type regLine struct {
	format string
	args   []any
}

func registerDumpLines(r *ptregs.Regs) []regLine {
	return []regLine{
		{"RIP: 0x%016lx  RFLAGS: 0x%08lx", []any{r.RIP, r.RFlags}},
		{"RAX: 0x%016lx  RBX: 0x%016lx  RCX: 0x%016lx", []any{r.RAX, r.RBX, r.RCX}},
		{"RDX: 0x%016lx  RSI: 0x%016lx  RDI: 0x%016lx", []any{r.RDX, r.RSI, r.RDI}},
		{"RBP: 0x%016lx  RSP: 0x%016lx", []any{r.RBP, r.RSP}},
		{"R8:  0x%016lx  R9:  0x%016lx  R10: 0x%016lx  R11: 0x%016lx", []any{r.R8, r.R9, r.R10, r.R11}},
		{"R12: 0x%016lx  R13: 0x%016lx  R14: 0x%016lx  R15: 0x%016lx", []any{r.R12, r.R13, r.R14, r.R15}},
		{"CS: 0x%04lx  SS: 0x%04lx  Error code: 0x%lx", []any{r.CS, r.SS, r.ErrorCode}},
	}
}

// Panic is the software-triggered fatal path: kernel code that detects
// an unrecoverable invariant violation (failed allocation it cannot
// propagate, a corrupted slab header, and the like) calls Panic instead
// of returning an error nobody can handle. Formats like klog.Printk,
// without a leading "<N>" level tag; the message is always emitted at
// KERN_EMERG.
func Panic(format string, args ...any) {
	asm.DisableInterrupts()
	klog.Emergencyf(format, args...)
	for {
		asm.Halt()
	}
}
